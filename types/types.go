// Package types defines the shared data model of the settlement core:
// payments, escrows, milestones, transfer authorizations, request shapes
// and the error taxonomy surfaced to callers.
package types

import (
	"encoding/json"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// PaymentStatus represents the lifecycle of a payment record.
type PaymentStatus string

const (
	PaymentPending   PaymentStatus = "PENDING"
	PaymentCompleted PaymentStatus = "COMPLETED"
	PaymentFailed    PaymentStatus = "FAILED"
	PaymentRefunded  PaymentStatus = "REFUNDED"
	PaymentCancelled PaymentStatus = "CANCELLED"
)

// Terminal reports whether the status admits no further transitions.
func (s PaymentStatus) Terminal() bool {
	return s != PaymentPending
}

// PaymentKind distinguishes how a payment entered the system.
type PaymentKind string

const (
	KindInstant        PaymentKind = "INSTANT"
	KindBatch          PaymentKind = "BATCH"
	KindAgentTriggered PaymentKind = "AGENT_TRIGGERED"
)

// Payment is a single value transfer recorded by the ledger. A payment is
// immutable once its status is terminal; the ledger hands out clones so
// callers can never mutate stored records.
type Payment struct {
	ID                  common.Hash     `json:"id"`
	Sender              common.Address  `json:"sender"`
	Recipient           common.Address  `json:"recipient"`
	Token               string          `json:"token"`
	Amount              *big.Int        `json:"amount"`
	Fee                 *big.Int        `json:"fee"`
	OriginCorridor      string          `json:"originCorridor"`
	DestinationCorridor string          `json:"destinationCorridor"`
	Status              PaymentStatus   `json:"status"`
	Kind                PaymentKind     `json:"kind"`
	CreatedAt           time.Time       `json:"createdAt"`
	CompletedAt         time.Time       `json:"completedAt,omitempty"`
	FailureReason       string          `json:"failureReason,omitempty"`
	Metadata            json.RawMessage `json:"metadata,omitempty"`
}

// Net returns amount - fee, the value delivered to the recipient.
func (p *Payment) Net() *big.Int {
	if p == nil || p.Amount == nil {
		return big.NewInt(0)
	}
	fee := p.Fee
	if fee == nil {
		fee = big.NewInt(0)
	}
	return new(big.Int).Sub(p.Amount, fee)
}

// Clone returns a deep copy of the payment.
func (p *Payment) Clone() *Payment {
	if p == nil {
		return nil
	}
	clone := *p
	if p.Amount != nil {
		clone.Amount = new(big.Int).Set(p.Amount)
	}
	if p.Fee != nil {
		clone.Fee = new(big.Int).Set(p.Fee)
	}
	if len(p.Metadata) > 0 {
		clone.Metadata = append(json.RawMessage(nil), p.Metadata...)
	}
	return &clone
}

// EscrowStatus represents the lifecycle of an escrow.
type EscrowStatus string

const (
	EscrowActive    EscrowStatus = "ACTIVE"
	EscrowCompleted EscrowStatus = "COMPLETED"
	EscrowCancelled EscrowStatus = "CANCELLED"
	EscrowDisputed  EscrowStatus = "DISPUTED"
)

// MilestoneStatus represents the state of an individual milestone.
type MilestoneStatus string

const (
	MilestonePending  MilestoneStatus = "PENDING"
	MilestoneReleased MilestoneStatus = "RELEASED"
	MilestoneDisputed MilestoneStatus = "DISPUTED"
	MilestoneRefunded MilestoneStatus = "REFUNDED"
)

// Terminal reports whether the milestone admits no further transitions.
func (s MilestoneStatus) Terminal() bool {
	return s == MilestoneReleased || s == MilestoneRefunded
}

// Milestone is a single funding leg of an escrow. ReleaseTime of zero means
// the milestone can only be released manually.
type Milestone struct {
	Description string          `json:"description"`
	Amount      *big.Int        `json:"amount"`
	ReleaseTime int64           `json:"releaseTime"`
	Status      MilestoneStatus `json:"status"`
	CompletedAt int64           `json:"completedAt,omitempty"`
}

// Clone returns a deep copy of the milestone.
func (m *Milestone) Clone() *Milestone {
	if m == nil {
		return nil
	}
	clone := *m
	if m.Amount != nil {
		clone.Amount = new(big.Int).Set(m.Amount)
	}
	return &clone
}

// Escrow is a multi-milestone holding account. The escrowed total is moved
// into custody when the escrow is created, not per milestone.
type Escrow struct {
	ID             common.Hash     `json:"id"`
	Sender         common.Address  `json:"sender"`
	Recipient      common.Address  `json:"recipient"`
	Token          string          `json:"token"`
	TotalAmount    *big.Int        `json:"totalAmount"`
	ReleasedAmount *big.Int        `json:"releasedAmount"`
	FeeBps         uint32          `json:"feeBps"`
	Status         EscrowStatus    `json:"status"`
	CreatedAt      int64           `json:"createdAt"`
	CompletedAt    int64           `json:"completedAt,omitempty"`
	Milestones     []*Milestone    `json:"milestones"`
	Metadata       json.RawMessage `json:"metadata,omitempty"`
}

// Clone returns a deep copy of the escrow.
func (e *Escrow) Clone() *Escrow {
	if e == nil {
		return nil
	}
	clone := *e
	if e.TotalAmount != nil {
		clone.TotalAmount = new(big.Int).Set(e.TotalAmount)
	}
	if e.ReleasedAmount != nil {
		clone.ReleasedAmount = new(big.Int).Set(e.ReleasedAmount)
	}
	if len(e.Milestones) > 0 {
		clone.Milestones = make([]*Milestone, len(e.Milestones))
		for i, m := range e.Milestones {
			clone.Milestones[i] = m.Clone()
		}
	}
	if len(e.Metadata) > 0 {
		clone.Metadata = append(json.RawMessage(nil), e.Metadata...)
	}
	return &clone
}

// MilestoneCount returns the number of milestones on the escrow.
func (e *Escrow) MilestoneCount() int {
	if e == nil {
		return 0
	}
	return len(e.Milestones)
}

// Authorization is a single-use, time-boxed capability to move value from
// one account to another, in the shape of an EIP-3009 transfer authorization.
type Authorization struct {
	From        common.Address `json:"from"`
	To          common.Address `json:"to"`
	Value       *big.Int       `json:"value"`
	ValidAfter  *big.Int       `json:"validAfter"`
	ValidBefore *big.Int       `json:"validBefore"`
	Nonce       [32]byte       `json:"nonce"`
}

// SignedAuthorization couples an authorization with its 65-byte ECDSA
// signature split into the recovery components carried on the wire.
type SignedAuthorization struct {
	Authorization
	Signature []byte      `json:"signature"`
	V         uint8       `json:"v"`
	R         common.Hash `json:"r"`
	S         common.Hash `json:"s"`
}

// PaymentRequest is the inbound shape consumed from the agent/UI layer for
// instant payments. Metadata is stored opaquely and never interpreted.
type PaymentRequest struct {
	Sender              common.Address  `json:"sender" validate:"required"`
	Recipient           common.Address  `json:"recipient"`
	Token               string          `json:"token" validate:"required"`
	Amount              *big.Int        `json:"amount" validate:"required"`
	OriginCorridor      string          `json:"originCorridor" validate:"required,len=2"`
	DestinationCorridor string          `json:"destinationCorridor" validate:"required,len=2"`
	Metadata            json.RawMessage `json:"metadata,omitempty"`
}

// BatchItem is a single fan-out leg of a batch payment.
type BatchItem struct {
	Recipient           common.Address  `json:"recipient"`
	Amount              *big.Int        `json:"amount" validate:"required"`
	DestinationCorridor string          `json:"destinationCorridor" validate:"required,len=2"`
	Metadata            json.RawMessage `json:"metadata,omitempty"`
}

// BatchRequest is the inbound shape for batch payments. The sum of all item
// amounts is pulled from the sender once and fanned out to the recipients.
type BatchRequest struct {
	Sender         common.Address `json:"sender" validate:"required"`
	Token          string         `json:"token" validate:"required"`
	OriginCorridor string         `json:"originCorridor" validate:"required,len=2"`
	Items          []BatchItem    `json:"items" validate:"required,min=1,dive"`
}

// MilestoneSpec describes a milestone at escrow creation time.
// ReleaseTime of zero opts out of time-based release for the milestone.
type MilestoneSpec struct {
	Description string   `json:"description" validate:"required"`
	Amount      *big.Int `json:"amount" validate:"required"`
	ReleaseTime int64    `json:"releaseTime"`
}

// EscrowRequest is the inbound shape for escrow creation.
type EscrowRequest struct {
	Sender      common.Address  `json:"sender" validate:"required"`
	Recipient   common.Address  `json:"recipient"`
	Token       string          `json:"token" validate:"required"`
	TotalAmount *big.Int        `json:"totalAmount" validate:"required"`
	Milestones  []MilestoneSpec `json:"milestones" validate:"required,min=1,dive"`
	Metadata    json.RawMessage `json:"metadata,omitempty"`
}

// Config carries the injected configuration of the settlement core. There is
// no ambient global state; mutation goes through the administrative API.
type Config struct {
	FeeBps              uint32         `json:"feeBps" validate:"max=100"`
	MinimumAmount       *big.Int       `json:"minimumAmount"`
	MinimumEscrowAmount *big.Int       `json:"minimumEscrowAmount"`
	MaxBatchSize        int            `json:"maxBatchSize" validate:"max=50"`
	MaxMilestones       int            `json:"maxMilestones"`
	DisputeWindow       time.Duration  `json:"disputeWindow"`
	Treasury            common.Address `json:"treasury" validate:"required"`
	SupportedTokens     []string       `json:"supportedTokens" validate:"required,min=1"`

	// Facilitator endpoint; empty disables the primary path so every
	// settlement goes directly to the ledger.
	FacilitatorBaseURL string        `json:"facilitatorBaseUrl" validate:"omitempty,url"`
	FacilitatorTimeout time.Duration `json:"facilitatorTimeout"`

	// EIP-712 domain the authorization signer binds signatures to.
	AssetName            string         `json:"assetName"`
	AssetVersion         string         `json:"assetVersion"`
	ChainID              *big.Int       `json:"chainId"`
	AssetContractAddress common.Address `json:"assetContractAddress"`

	LogLevel      string `json:"logLevel,omitempty"`
	EnableMetrics bool   `json:"enableMetrics,omitempty"`
}
