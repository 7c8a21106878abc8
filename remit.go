// Package remit is the payment settlement and escrow core: it moves value
// between parties under fee, corridor and authorization constraints, and
// holds escrowed funds in milestone-based accounts until conditions are
// met. The natural-language layer, wallet UX and analytics tooling sit
// outside this module and talk to it through the request types.
package remit

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"net/http"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/go-playground/validator/v10"

	"github.com/remitkit/remit/access"
	"github.com/remitkit/remit/corridor"
	"github.com/remitkit/remit/escrow"
	"github.com/remitkit/remit/facilitator"
	"github.com/remitkit/remit/fees"
	"github.com/remitkit/remit/ledger"
	"github.com/remitkit/remit/logger"
	"github.com/remitkit/remit/metrics"
	"github.com/remitkit/remit/settlement"
	"github.com/remitkit/remit/signer"
	"github.com/remitkit/remit/types"
)

// Remit is the assembled settlement core.
type Remit struct {
	config     *types.Config
	registry   *corridor.Registry
	fees       *fees.Calculator
	ledger     *ledger.Ledger
	escrow     *escrow.Engine
	settlement *settlement.Service
	authz      *access.StaticAuthorizer

	log        logger.Logger
	metrics    metrics.Recorder
	validate   *validator.Validate
	now        func() time.Time
	signingKey *ecdsa.PrivateKey
	httpClient *http.Client
}

// New validates the configuration, bootstraps the corridor registry from
// the regional and external code groups and wires every service together.
func New(cfg *types.Config, regional, external []string, opts ...Option) (*Remit, error) {
	if cfg == nil {
		return nil, types.NewError(types.ErrInvalidRequest, "config must not be nil")
	}
	v := validator.New()
	if err := v.Struct(cfg); err != nil {
		return nil, types.NewError(types.ErrInvalidRequest, "invalid config: "+err.Error())
	}

	r := &Remit{
		config:   cfg,
		authz:    access.NewStaticAuthorizer(),
		validate: v,
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.log == nil {
		if cfg.LogLevel != "" {
			r.log = logger.NewZapLogger(cfg.LogLevel)
		} else {
			r.log = logger.NoopLogger{}
		}
	}
	if r.metrics == nil {
		if cfg.EnableMetrics {
			r.metrics = metrics.NewPrometheusRecorder()
		} else {
			r.metrics = metrics.NoopRecorder{}
		}
	}
	if r.now == nil {
		r.now = func() time.Time { return time.Now().UTC() }
	}

	regionalCodes, err := parseCodes(regional)
	if err != nil {
		return nil, err
	}
	externalCodes, err := parseCodes(external)
	if err != nil {
		return nil, err
	}
	r.registry = corridor.NewRegistry(r.authz, regionalCodes, externalCodes)

	r.fees, err = fees.NewCalculator(cfg.FeeBps)
	if err != nil {
		return nil, err
	}

	r.ledger = ledger.New(ledger.Params{
		Corridors:       r.registry,
		Fees:            r.fees,
		Treasury:        cfg.Treasury,
		MinimumAmount:   cfg.MinimumAmount,
		MaxBatchSize:    cfg.MaxBatchSize,
		SupportedTokens: cfg.SupportedTokens,
		Logger:          r.log,
		Metrics:         r.metrics,
		Now:             r.now,
	})

	r.escrow = escrow.NewEngine(escrow.Params{
		State:         r.ledger,
		Fees:          r.fees,
		Authorizer:    r.authz,
		MaxMilestones: cfg.MaxMilestones,
		MinimumAmount: cfg.MinimumEscrowAmount,
		DisputeWindow: cfg.DisputeWindow,
		Logger:        r.log,
		Metrics:       r.metrics,
		Now:           r.now,
	})

	var authSigner *signer.Signer
	if r.signingKey != nil {
		authSigner, err = signer.New(r.signingKey, signer.Domain{
			Name:              cfg.AssetName,
			Version:           cfg.AssetVersion,
			ChainID:           cfg.ChainID,
			VerifyingContract: cfg.AssetContractAddress,
		}, signer.WithClock(r.now))
		if err != nil {
			return nil, err
		}
	}

	var facClient *facilitator.Client
	if cfg.FacilitatorBaseURL != "" {
		facOpts := []facilitator.Option{facilitator.WithLogger(r.log)}
		if r.httpClient != nil {
			facOpts = append(facOpts, facilitator.WithHTTPClient(r.httpClient))
		}
		facClient = facilitator.New(cfg.FacilitatorBaseURL, cfg.FacilitatorTimeout, facOpts...)
	}

	r.settlement = settlement.New(settlement.Params{
		Ledger:      r.ledger,
		Signer:      authSigner,
		Facilitator: facClient,
		Timeout:     cfg.FacilitatorTimeout,
		Logger:      r.log,
		Metrics:     r.metrics,
		Now:         r.now,
	})
	return r, nil
}

func parseCodes(raw []string) ([]corridor.Code, error) {
	out := make([]corridor.Code, 0, len(raw))
	for _, s := range raw {
		c, err := corridor.ParseCode(s)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, nil
}

// --- payment surface ---

// Settle runs the agentic settlement path: facilitator first, direct
// ledger fallback on facilitator failure.
func (r *Remit) Settle(ctx context.Context, req types.PaymentRequest) (*settlement.Result, error) {
	if err := r.validate.Struct(req); err != nil {
		return nil, types.NewError(types.ErrInvalidRequest, err.Error())
	}
	return r.settlement.Settle(ctx, req)
}

// InstantPayment settles a payment directly against the ledger.
func (r *Remit) InstantPayment(req types.PaymentRequest) (*types.Payment, error) {
	if err := r.validate.Struct(req); err != nil {
		return nil, types.NewError(types.ErrInvalidRequest, err.Error())
	}
	return r.ledger.InstantPayment(req)
}

// BatchPayment fans one pull from the sender out to many recipients.
func (r *Remit) BatchPayment(req types.BatchRequest) ([]*types.Payment, error) {
	if err := r.validate.Struct(req); err != nil {
		return nil, types.NewError(types.ErrInvalidRequest, err.Error())
	}
	return r.ledger.BatchPayment(req)
}

// ReconcilePending fails payments stuck PENDING beyond the deadline.
func (r *Remit) ReconcilePending(ctx context.Context) int {
	return r.settlement.ReconcilePending(ctx)
}

// --- escrow surface ---

// CreateEscrow opens a milestone escrow, pulling the total into custody.
func (r *Remit) CreateEscrow(req types.EscrowRequest) (*types.Escrow, error) {
	if err := r.validate.Struct(req); err != nil {
		return nil, types.NewError(types.ErrInvalidRequest, err.Error())
	}
	return r.escrow.Create(req)
}

// ReleaseMilestone pays out one milestone of an escrow.
func (r *Remit) ReleaseMilestone(actor common.Address, id common.Hash, index int) error {
	return r.escrow.ReleaseMilestone(actor, id, index)
}

// DisputeMilestone contests a pending milestone as the recipient.
func (r *Remit) DisputeMilestone(actor common.Address, id common.Hash, index int) error {
	return r.escrow.DisputeMilestone(actor, id, index)
}

// ResolveDispute arbitrates a disputed milestone.
func (r *Remit) ResolveDispute(actor common.Address, id common.Hash, index int, releaseToRecipient bool) error {
	return r.escrow.ResolveDispute(actor, id, index, releaseToRecipient)
}

// CancelEscrow refunds an escrow that has seen no releases.
func (r *Remit) CancelEscrow(actor common.Address, id common.Hash) error {
	return r.escrow.Cancel(actor, id)
}

// --- query surface ---

// Payment looks up a payment record by id.
func (r *Remit) Payment(id common.Hash) (*types.Payment, bool) {
	return r.ledger.Payment(id)
}

// PaymentsBySender lists a sender's payment ids.
func (r *Remit) PaymentsBySender(sender common.Address) []common.Hash {
	return r.ledger.PaymentsBySender(sender)
}

// Escrow looks up an escrow by id.
func (r *Remit) Escrow(id common.Hash) (*types.Escrow, bool) {
	return r.escrow.Escrow(id)
}

// EscrowsBySender lists escrow ids created by the sender.
func (r *Remit) EscrowsBySender(sender common.Address) []common.Hash {
	return r.escrow.EscrowsBySender(sender)
}

// EscrowsByRecipient lists escrow ids naming the recipient.
func (r *Remit) EscrowsByRecipient(recipient common.Address) []common.Hash {
	return r.escrow.EscrowsByRecipient(recipient)
}

// Milestones lists the milestones of an escrow.
func (r *Remit) Milestones(id common.Hash) ([]*types.Milestone, error) {
	return r.escrow.Milestones(id)
}

// IsCorridorSupported checks an ordered corridor pair.
func (r *Remit) IsCorridorSupported(origin, destination string) (bool, error) {
	from, err := corridor.ParseCode(origin)
	if err != nil {
		return false, err
	}
	to, err := corridor.ParseCode(destination)
	if err != nil {
		return false, err
	}
	return r.registry.IsSupported(from, to), nil
}

// QuoteFee computes the fee split for a hypothetical amount.
func (r *Remit) QuoteFee(amount *big.Int) fees.Quote {
	return r.fees.Quote(amount)
}

// Credit deposits funds into a ledger account. This is the on-ramp hook
// for wallet funding, which is otherwise out of scope.
func (r *Remit) Credit(token string, addr common.Address, amount *big.Int) error {
	return r.ledger.Credit(token, addr, amount)
}

// BalanceOf reads an account balance.
func (r *Remit) BalanceOf(token string, addr common.Address) *big.Int {
	return r.ledger.BalanceOf(token, addr)
}

// --- administrative surface ---

// SetCorridor enables or disables a single ordered pair. Operator only.
func (r *Remit) SetCorridor(actor common.Address, origin, destination string, enabled bool) error {
	from, err := corridor.ParseCode(origin)
	if err != nil {
		return err
	}
	to, err := corridor.ParseCode(destination)
	if err != nil {
		return err
	}
	return r.registry.SetCorridor(actor, from, to, enabled)
}

// SetFeeRate updates the basis-point fee rate. Operator only.
func (r *Remit) SetFeeRate(actor common.Address, bps uint32) error {
	if !r.authz.Allow(actor, access.CapOperator) {
		return types.NewError(types.ErrNotAuthorized, "fee mutation requires operator capability")
	}
	if err := r.fees.SetBps(bps); err != nil {
		return err
	}
	r.log.Info("fee rate updated", map[string]any{"bps": bps, "actor": actor.Hex()})
	return nil
}

// Grant gives an actor a capability. Intended for bootstrap wiring; the
// embedding application decides who holds operator, agent and arbiter.
func (r *Remit) Grant(actor common.Address, cap access.Capability) {
	r.authz.Grant(actor, cap)
}

// Revoke removes a capability from an actor.
func (r *Remit) Revoke(actor common.Address, cap access.Capability) {
	r.authz.Revoke(actor, cap)
}

// Version information.
const Version = "1.0.0"

// GetVersion returns build metadata for diagnostics.
func GetVersion() map[string]interface{} {
	return map[string]interface{}{
		"library_version": Version,
		"payment_kinds":   []string{"INSTANT", "BATCH", "AGENT_TRIGGERED"},
		"max_fee_bps":     fmt.Sprintf("%d", fees.MaxBps),
	}
}
