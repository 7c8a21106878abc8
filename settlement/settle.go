// Package settlement orchestrates the two-tier agentic payment path:
// sign an authorization, try the off-chain facilitator, and on any
// recoverable failure execute the equivalent transfer directly against
// the ledger. Both paths converge on one settlement reference.
package settlement

import (
	"context"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/remitkit/remit/facilitator"
	"github.com/remitkit/remit/ledger"
	"github.com/remitkit/remit/logger"
	"github.com/remitkit/remit/metrics"
	"github.com/remitkit/remit/signer"
	"github.com/remitkit/remit/types"
)

// DefaultPendingMaxAge bounds how long a payment may sit PENDING before
// the reconciliation sweep fails it.
const DefaultPendingMaxAge = 2 * time.Hour

// Result is the caller-visible outcome of a settlement. The two paths are
// indistinguishable except for UsedFallback.
type Result struct {
	Reference    string         `json:"reference"`
	UsedFallback bool           `json:"usedFallback"`
	Payment      *types.Payment `json:"payment"`
}

// Service wires the signer, facilitator client and ledger together.
type Service struct {
	ledger      *ledger.Ledger
	signer      *signer.Signer
	facilitator *facilitator.Client

	timeout       time.Duration
	pendingMaxAge time.Duration
	log           logger.Logger
	metrics       metrics.Recorder
	now           func() time.Time
}

// Params bundles the service's construction inputs. Signer may be nil when
// no key is configured; Settle then fails fatally. Facilitator may be nil,
// which disables the primary path entirely.
type Params struct {
	Ledger        *ledger.Ledger
	Signer        *signer.Signer
	Facilitator   *facilitator.Client
	Timeout       time.Duration
	PendingMaxAge time.Duration
	Logger        logger.Logger
	Metrics       metrics.Recorder
	Now           func() time.Time
}

// New builds the settlement service.
func New(p Params) *Service {
	s := &Service{
		ledger:        p.Ledger,
		signer:        p.Signer,
		facilitator:   p.Facilitator,
		timeout:       p.Timeout,
		pendingMaxAge: p.PendingMaxAge,
		log:           p.Logger,
		metrics:       p.Metrics,
		now:           p.Now,
	}
	if s.timeout <= 0 {
		s.timeout = facilitator.DefaultTimeout
	}
	if s.pendingMaxAge <= 0 {
		s.pendingMaxAge = DefaultPendingMaxAge
	}
	if s.log == nil {
		s.log = logger.NoopLogger{}
	}
	if s.metrics == nil {
		s.metrics = metrics.NoopRecorder{}
	}
	if s.now == nil {
		s.now = func() time.Time { return time.Now().UTC() }
	}
	return s
}

// Settle runs the full chain: balance pre-check, validation, signing,
// facilitator attempt, direct fallback. Validation and signing failures
// are terminal; only facilitator failures trigger the fallback.
//
// The sender of the request must be the account the signer controls; the
// fallback debits that same account on the ledger, executed on the
// service's authority, so the payer is identical on both paths.
func (s *Service) Settle(ctx context.Context, req types.PaymentRequest) (*Result, error) {
	if s.signer == nil {
		return nil, types.NewError(types.ErrMissingSigningKey, "no signing key configured")
	}
	if req.Sender != s.signer.Address() {
		return nil, types.NewError(types.ErrNotAuthorized,
			"request sender does not match the configured signing account")
	}

	// Fail fast before signing; nothing has been recorded yet.
	if req.Amount != nil && s.ledger.BalanceOf(req.Token, req.Sender).Cmp(req.Amount) < 0 {
		return nil, types.NewError(types.ErrInsufficientBalance, "sender balance below requested amount")
	}

	// Record PENDING at validation time. No ledger lock is held past this
	// point; the record is only mutated once the round-trip resolves.
	payment, err := s.ledger.Prepare(req, types.KindAgentTriggered)
	if err != nil {
		return nil, err
	}

	auth, err := s.signer.SignTransfer(req.Recipient, req.Amount)
	if err != nil {
		_ = s.ledger.MarkFailed(payment.ID, err.Error())
		return nil, err
	}

	if s.facilitator != nil {
		callCtx, cancel := context.WithTimeout(ctx, s.timeout)
		ref, fErr := s.facilitator.Submit(callCtx, auth, facilitator.SubmitRequest{
			Token:               req.Token,
			OriginCorridor:      req.OriginCorridor,
			DestinationCorridor: req.DestinationCorridor,
			Metadata:            req.Metadata,
		})
		cancel()
		if fErr == nil {
			if err := s.ledger.MarkCompleted(payment.ID, s.now()); err != nil {
				return nil, err
			}
			done, _ := s.ledger.Payment(payment.ID)
			s.metrics.IncCounter(metrics.EventPaymentCompleted, map[string]string{"token": req.Token})
			s.log.Info("settled via facilitator", map[string]any{
				"payment": payment.ID.Hex(), "reference": ref,
			})
			return &Result{Reference: ref, Payment: done}, nil
		}
		if !facilitator.IsRecoverable(fErr) {
			_ = s.ledger.MarkFailed(payment.ID, fErr.Error())
			return nil, fErr
		}
		// The fallback is a structurally different path, not a retry: it
		// bypasses the facilitator and the signed authorization entirely.
		// The unused authorization expires on its own via validBefore.
		s.log.Warn("facilitator unavailable, falling back to direct settlement", map[string]any{
			"payment": payment.ID.Hex(), "cause": fErr.Error(),
		})
	}

	return s.fallback(payment.ID, req.Token)
}

// fallback executes the pending payment directly against the ledger. The
// sender may have paid on-chain costs the primary path would have
// sponsored, so the result is flagged and counted.
func (s *Service) fallback(id common.Hash, token string) (*Result, error) {
	if err := s.ledger.Execute(id); err != nil {
		reason := fmt.Sprintf("direct settlement failed after facilitator failure: %v", err)
		_ = s.ledger.MarkFailed(id, reason)
		s.metrics.IncCounter(metrics.EventPaymentFailed, map[string]string{"token": token})
		if types.CodeOf(err) == types.ErrInsufficientBalance {
			return nil, err
		}
		return nil, types.NewError(types.ErrSettlementFailed, reason)
	}
	done, _ := s.ledger.Payment(id)
	s.metrics.IncCounter(metrics.EventFallbackUsed, map[string]string{"token": token})
	s.log.Info("settled via direct fallback", map[string]any{"payment": id.Hex()})
	return &Result{Reference: id.Hex(), UsedFallback: true, Payment: done}, nil
}

// BatchSettle settles multiple requests concurrently. Individual failures
// are reported per slot; a nil result carries its error in errs.
func (s *Service) BatchSettle(ctx context.Context, reqs []types.PaymentRequest) ([]*Result, []error) {
	results := make([]*Result, len(reqs))
	errs := make([]error, len(reqs))

	type slot struct {
		index  int
		result *Result
		err    error
	}
	ch := make(chan slot, len(reqs))
	for i, req := range reqs {
		go func(index int, r types.PaymentRequest) {
			res, err := s.Settle(ctx, r)
			ch <- slot{index: index, result: res, err: err}
		}(i, req)
	}
	for range reqs {
		out := <-ch
		results[out.index] = out.result
		errs[out.index] = out.err
	}
	return results, errs
}

// ReconcilePending fails payments that have sat PENDING longer than the
// configured maximum, so an abandoned facilitator round-trip can never
// leave a record stuck. Returns the number of payments reconciled.
func (s *Service) ReconcilePending(ctx context.Context) int {
	cutoff := s.now().Add(-s.pendingMaxAge)
	stale := s.ledger.PendingOlderThan(cutoff)
	reconciled := 0
	for _, id := range stale {
		select {
		case <-ctx.Done():
			return reconciled
		default:
		}
		if err := s.ledger.MarkFailed(id, "reconciliation: no settlement outcome within deadline"); err != nil {
			continue
		}
		reconciled++
		s.metrics.IncCounter(metrics.EventReconciled, map[string]string{})
		s.log.Warn("reconciled stale pending payment", map[string]any{"payment": id.Hex()})
	}
	return reconciled
}
