// Package facilitator submits signed transfer authorizations to an
// external settlement facilitator over HTTP. Any failure it reports is
// recoverable: the orchestrator falls back to direct ledger settlement.
package facilitator

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/remitkit/remit/logger"
	"github.com/remitkit/remit/types"
)

const (
	// PaymentHeader carries the base64-encoded JSON authorization.
	PaymentHeader = "X-Payment"

	requestIDHeader = "X-Request-Id"

	// DefaultTimeout bounds the facilitator round-trip.
	DefaultTimeout = 30 * time.Second
)

// Client talks to one facilitator endpoint.
type Client struct {
	baseURL string
	http    *http.Client
	log     logger.Logger
}

// Option customises a Client.
type Option func(*Client)

// WithHTTPClient overrides the underlying HTTP client.
func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) { c.http = h }
}

// WithLogger overrides the logger.
func WithLogger(l logger.Logger) Option {
	return func(c *Client) { c.log = l }
}

// New builds a facilitator client for the given base URL.
func New(baseURL string, timeout time.Duration, opts ...Option) *Client {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	c := &Client{
		baseURL: baseURL,
		http:    &http.Client{Timeout: timeout},
		log:     logger.NoopLogger{},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// SubmitRequest is the routing metadata that accompanies an authorization.
// Metadata is forwarded opaquely.
type SubmitRequest struct {
	Token               string          `json:"token"`
	OriginCorridor      string          `json:"originCorridor"`
	DestinationCorridor string          `json:"destinationCorridor"`
	Metadata            json.RawMessage `json:"metadata,omitempty"`
}

// wireAuthorization is the JSON shape of the authorization on the wire.
type wireAuthorization struct {
	From        string `json:"from"`
	To          string `json:"to"`
	Value       string `json:"value"`
	ValidAfter  string `json:"validAfter"`
	ValidBefore string `json:"validBefore"`
	Nonce       string `json:"nonce"`
	V           uint8  `json:"v"`
	R           string `json:"r"`
	S           string `json:"s"`
}

type settleResponse struct {
	SettlementRef string `json:"settlementRef"`
	TxHash        string `json:"txHash"`
	Error         string `json:"error,omitempty"`
}

// EncodeAuthorization renders the signed authorization as the base64
// payload carried in the payment header.
func EncodeAuthorization(auth *types.SignedAuthorization) (string, error) {
	wire := wireAuthorization{
		From:        auth.From.Hex(),
		To:          auth.To.Hex(),
		Value:       auth.Value.String(),
		ValidAfter:  auth.ValidAfter.String(),
		ValidBefore: auth.ValidBefore.String(),
		Nonce:       "0x" + hex.EncodeToString(auth.Nonce[:]),
		V:           auth.V,
		R:           auth.R.Hex(),
		S:           auth.S.Hex(),
	}
	raw, err := json.Marshal(wire)
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(raw), nil
}

// Submit POSTs the authorization and routing metadata to the facilitator
// and returns its settlement reference. Non-2xx responses, transport
// failures and malformed bodies all surface as FACILITATOR_UNAVAILABLE.
func (c *Client) Submit(ctx context.Context, auth *types.SignedAuthorization, req SubmitRequest) (string, error) {
	encoded, err := EncodeAuthorization(auth)
	if err != nil {
		return "", types.NewError(types.ErrInvalidRequest, "encode authorization: "+err.Error())
	}
	body, err := json.Marshal(req)
	if err != nil {
		return "", types.NewError(types.ErrInvalidRequest, "encode submit body: "+err.Error())
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/payment", bytes.NewReader(body))
	if err != nil {
		return "", types.NewError(types.ErrFacilitatorUnavailable, err.Error())
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set(PaymentHeader, encoded)
	httpReq.Header.Set(requestIDHeader, uuid.NewString())

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return "", types.NewError(types.ErrFacilitatorUnavailable, "facilitator request failed: "+err.Error())
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", types.NewError(types.ErrFacilitatorUnavailable, "facilitator response unreadable: "+err.Error())
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		c.log.Warn("facilitator rejected payment", map[string]any{
			"status": resp.StatusCode, "body": string(raw),
		})
		return "", types.NewError(types.ErrFacilitatorUnavailable,
			fmt.Sprintf("facilitator returned status %d", resp.StatusCode))
	}

	var parsed settleResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return "", types.NewError(types.ErrFacilitatorUnavailable, "malformed facilitator response: "+err.Error())
	}
	ref := parsed.SettlementRef
	if ref == "" {
		ref = parsed.TxHash
	}
	if ref == "" {
		return "", types.NewError(types.ErrFacilitatorUnavailable, "facilitator response missing settlement reference")
	}
	return ref, nil
}

// IsRecoverable reports whether the error is a facilitator failure the
// caller may recover from by settling directly.
func IsRecoverable(err error) bool {
	return types.IsCode(err, types.ErrFacilitatorUnavailable)
}
