package types

import "errors"

// Error is the typed error surfaced by every component of the settlement
// core. Code identifies the failure class; Message is human readable and
// Data carries optional structured context.
type Error struct {
	Code    string      `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

func (e *Error) Error() string {
	return e.Message
}

// NewError builds a typed error for the given code.
func NewError(code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Error codes, grouped by taxonomy.
//
// Validation errors are rejected before any funds move and surfaced verbatim
// to the caller. Authorization errors are fatal for the current request.
// State errors indicate an operation illegal for the current record state.
// Fatal errors indicate accounting or id-generation bugs and must never be
// silently swallowed.
const (
	// Validation
	ErrInvalidAmount       = "INVALID_AMOUNT"
	ErrInvalidRecipient    = "INVALID_RECIPIENT"
	ErrUnsupportedToken    = "UNSUPPORTED_TOKEN"
	ErrUnsupportedCorridor = "UNSUPPORTED_CORRIDOR"
	ErrInvalidMilestoneSet = "INVALID_MILESTONE_SET"
	ErrInvalidRequest      = "INVALID_REQUEST"
	ErrInsufficientBalance = "INSUFFICIENT_BALANCE"

	// Authorization
	ErrMissingSigningKey = "MISSING_SIGNING_KEY"
	ErrInvalidSignature  = "INVALID_SIGNATURE"

	// Transient, recovered locally by falling back to direct settlement.
	ErrFacilitatorUnavailable = "FACILITATOR_UNAVAILABLE"

	// State
	ErrInvalidStateTransition = "INVALID_STATE_TRANSITION"
	ErrMilestoneNotPending    = "MILESTONE_NOT_PENDING"
	ErrNotAuthorized          = "NOT_AUTHORIZED"
	ErrEscrowNotActive        = "ESCROW_NOT_ACTIVE"
	ErrNoDisputeActive        = "NO_DISPUTE_ACTIVE"
	ErrDisputeWindowExpired   = "DISPUTE_WINDOW_EXPIRED"
	ErrNotFound               = "NOT_FOUND"

	// Fatal
	ErrDuplicateID       = "DUPLICATE_ID"
	ErrAccountingInvalid = "ACCOUNTING_INVALID"

	// Combined primary+fallback failure.
	ErrSettlementFailed = "SETTLEMENT_FAILED"
)

// CodeOf returns the error code carried by err, unwrapping as needed, or an
// empty string when err carries no typed code.
func CodeOf(err error) string {
	var typed *Error
	if errors.As(err, &typed) {
		return typed.Code
	}
	return ""
}

// IsCode reports whether err carries the given code.
func IsCode(err error, code string) bool {
	return CodeOf(err) == code
}
