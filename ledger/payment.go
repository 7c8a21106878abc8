package ledger

import (
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/remitkit/remit/corridor"
	"github.com/remitkit/remit/metrics"
	"github.com/remitkit/remit/types"
)

// validateRequest runs the pre-move validation shared by instant payments,
// batch items and the agentic settlement path. Nothing is mutated; every
// failure is a terminal validation error.
func (l *Ledger) validateRequest(recipient common.Address, token string, amount *big.Int, origin, destination string) error {
	if recipient == (common.Address{}) {
		return types.NewError(types.ErrInvalidRecipient, "recipient must not be the zero address")
	}
	if amount == nil || amount.Cmp(l.minAmount) < 0 {
		return types.NewError(types.ErrInvalidAmount,
			fmt.Sprintf("amount below minimum %s", l.minAmount))
	}
	if !l.tokens[token] {
		return types.NewError(types.ErrUnsupportedToken, fmt.Sprintf("unsupported token %s", token))
	}
	from, err := corridor.ParseCode(origin)
	if err != nil {
		return err
	}
	to, err := corridor.ParseCode(destination)
	if err != nil {
		return err
	}
	if !l.corridors.IsSupported(from, to) {
		return types.NewError(types.ErrUnsupportedCorridor,
			fmt.Sprintf("corridor %s->%s is not enabled", origin, destination))
	}
	return nil
}

// Prepare validates the request and records a PENDING payment without
// moving funds. The settlement orchestrator uses this before the
// facilitator round-trip so no ledger lock is held across the network call.
func (l *Ledger) Prepare(req types.PaymentRequest, kind types.PaymentKind) (*types.Payment, error) {
	if err := l.validateRequest(req.Recipient, req.Token, req.Amount, req.OriginCorridor, req.DestinationCorridor); err != nil {
		return nil, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	id, err := l.newPaymentIDLocked(req.Sender)
	if err != nil {
		return nil, err
	}
	p := &types.Payment{
		ID:                  id,
		Sender:              req.Sender,
		Recipient:           req.Recipient,
		Token:               req.Token,
		Amount:              new(big.Int).Set(req.Amount),
		Fee:                 l.fees.Fee(req.Amount),
		OriginCorridor:      req.OriginCorridor,
		DestinationCorridor: req.DestinationCorridor,
		Status:              types.PaymentPending,
		Kind:                kind,
		CreatedAt:           l.now(),
		Metadata:            req.Metadata,
	}
	if err := l.recordLocked(p); err != nil {
		return nil, err
	}
	return p.Clone(), nil
}

// RecordPending stores an externally constructed PENDING payment.
func (l *Ledger) RecordPending(p *types.Payment) error {
	if p == nil {
		return types.NewError(types.ErrInvalidRequest, "payment must not be nil")
	}
	if p.Status != types.PaymentPending {
		return types.NewError(types.ErrInvalidStateTransition, "new payments must be PENDING")
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.recordLocked(p)
}

func (l *Ledger) recordLocked(p *types.Payment) error {
	if _, exists := l.payments[p.ID]; exists {
		// Id derivation makes this unreachable; a collision means broken
		// accounting, not caller error.
		return types.NewError(types.ErrDuplicateID, fmt.Sprintf("payment id %s already recorded", p.ID))
	}
	l.payments[p.ID] = p.Clone()
	l.bySender[p.Sender] = append(l.bySender[p.Sender], p.ID)
	return nil
}

// MarkCompleted transitions a PENDING payment to COMPLETED.
func (l *Ledger) MarkCompleted(id common.Hash, completedAt time.Time) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.finishLocked(id, types.PaymentCompleted, completedAt, "")
}

// MarkFailed transitions a PENDING payment to FAILED with a reason.
func (l *Ledger) MarkFailed(id common.Hash, reason string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.finishLocked(id, types.PaymentFailed, l.now(), reason)
}

func (l *Ledger) finishLocked(id common.Hash, status types.PaymentStatus, at time.Time, reason string) error {
	p, ok := l.payments[id]
	if !ok {
		return types.NewError(types.ErrNotFound, fmt.Sprintf("payment %s not found", id))
	}
	if p.Status != types.PaymentPending {
		return types.NewError(types.ErrInvalidStateTransition,
			fmt.Sprintf("payment %s already %s", id, p.Status))
	}
	p.Status = status
	p.CompletedAt = at
	p.FailureReason = reason
	return nil
}

// Execute performs the two transfer legs of a PENDING payment, net to the
// recipient and fee to the treasury, then marks it COMPLETED, all under one
// lock so either both legs land or neither does.
func (l *Ledger) Execute(id common.Hash) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	p, ok := l.payments[id]
	if !ok {
		return types.NewError(types.ErrNotFound, fmt.Sprintf("payment %s not found", id))
	}
	if p.Status != types.PaymentPending {
		return types.NewError(types.ErrInvalidStateTransition,
			fmt.Sprintf("payment %s already %s", id, p.Status))
	}
	if err := l.executeLegsLocked(p); err != nil {
		return err
	}
	p.Status = types.PaymentCompleted
	p.CompletedAt = l.now()
	l.metrics.IncCounter(metrics.EventPaymentCompleted, map[string]string{"token": p.Token})
	return nil
}

func (l *Ledger) executeLegsLocked(p *types.Payment) error {
	net := p.Net()
	if new(big.Int).Add(net, p.Fee).Cmp(p.Amount) != 0 {
		return types.NewError(types.ErrAccountingInvalid,
			fmt.Sprintf("fee %s + net %s != amount %s", p.Fee, net, p.Amount))
	}
	bal := l.balanceLocked(p.Token, p.Sender)
	if bal.Cmp(p.Amount) < 0 {
		return types.NewError(types.ErrInsufficientBalance,
			fmt.Sprintf("balance %s below requested %s", bal, p.Amount))
	}
	if err := l.transferLocked(p.Token, p.Sender, p.Recipient, net); err != nil {
		return err
	}
	if p.Fee.Sign() > 0 {
		if err := l.transferLocked(p.Token, p.Sender, l.treasury, p.Fee); err != nil {
			// First leg already checked the full amount; reaching here
			// means the balance bookkeeping is corrupt.
			return types.NewError(types.ErrAccountingInvalid, err.Error())
		}
	}
	return nil
}

// InstantPayment validates, records and settles a payment against the
// ledger in one call. On a failed transfer the record is marked FAILED and
// the validation error is surfaced.
func (l *Ledger) InstantPayment(req types.PaymentRequest) (*types.Payment, error) {
	return l.settleDirect(req, types.KindInstant)
}

func (l *Ledger) settleDirect(req types.PaymentRequest, kind types.PaymentKind) (*types.Payment, error) {
	if err := l.validateRequest(req.Recipient, req.Token, req.Amount, req.OriginCorridor, req.DestinationCorridor); err != nil {
		return nil, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	id, err := l.newPaymentIDLocked(req.Sender)
	if err != nil {
		return nil, err
	}
	p := &types.Payment{
		ID:                  id,
		Sender:              req.Sender,
		Recipient:           req.Recipient,
		Token:               req.Token,
		Amount:              new(big.Int).Set(req.Amount),
		Fee:                 l.fees.Fee(req.Amount),
		OriginCorridor:      req.OriginCorridor,
		DestinationCorridor: req.DestinationCorridor,
		Status:              types.PaymentPending,
		Kind:                kind,
		CreatedAt:           l.now(),
		Metadata:            req.Metadata,
	}
	if err := l.executeLegsLocked(p); err != nil {
		p.Status = types.PaymentFailed
		p.CompletedAt = l.now()
		p.FailureReason = err.Error()
		_ = l.recordLocked(p)
		l.metrics.IncCounter(metrics.EventPaymentFailed, map[string]string{"token": p.Token})
		return nil, err
	}
	p.Status = types.PaymentCompleted
	p.CompletedAt = l.now()
	if err := l.recordLocked(p); err != nil {
		return nil, err
	}
	l.metrics.IncCounter(metrics.EventPaymentCompleted, map[string]string{"token": p.Token})
	l.log.Info("payment settled", map[string]any{
		"id": p.ID.Hex(), "token": p.Token, "amount": p.Amount.String(), "fee": p.Fee.String(),
	})
	return p.Clone(), nil
}

// BatchPayment validates every item, pulls the batch total from the sender
// once and fans out net amounts to each recipient with the aggregated fee
// to the treasury. Any invalid item rejects the whole batch before any
// transfer occurs.
func (l *Ledger) BatchPayment(req types.BatchRequest) ([]*types.Payment, error) {
	if len(req.Items) == 0 {
		return nil, types.NewError(types.ErrInvalidRequest, "batch must contain at least one item")
	}
	if len(req.Items) > l.maxBatch {
		return nil, types.NewError(types.ErrInvalidRequest,
			fmt.Sprintf("batch size %d exceeds maximum %d", len(req.Items), l.maxBatch))
	}
	total := big.NewInt(0)
	for _, item := range req.Items {
		if err := l.validateRequest(item.Recipient, req.Token, item.Amount, req.OriginCorridor, item.DestinationCorridor); err != nil {
			return nil, err
		}
		total.Add(total, item.Amount)
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.balanceLocked(req.Token, req.Sender).Cmp(total) < 0 {
		return nil, types.NewError(types.ErrInsufficientBalance,
			fmt.Sprintf("batch total %s exceeds sender balance", total))
	}

	now := l.now()
	payments := make([]*types.Payment, 0, len(req.Items))
	aggregateFee := big.NewInt(0)
	if err := l.transferLocked(req.Token, req.Sender, custodyAddress, total); err != nil {
		return nil, err
	}
	for _, item := range req.Items {
		fee := l.fees.Fee(item.Amount)
		net := new(big.Int).Sub(item.Amount, fee)
		if err := l.transferLocked(req.Token, custodyAddress, item.Recipient, net); err != nil {
			return nil, types.NewError(types.ErrAccountingInvalid, err.Error())
		}
		aggregateFee.Add(aggregateFee, fee)

		id, err := l.newPaymentIDLocked(req.Sender)
		if err != nil {
			return nil, err
		}
		p := &types.Payment{
			ID:                  id,
			Sender:              req.Sender,
			Recipient:           item.Recipient,
			Token:               req.Token,
			Amount:              new(big.Int).Set(item.Amount),
			Fee:                 fee,
			OriginCorridor:      req.OriginCorridor,
			DestinationCorridor: item.DestinationCorridor,
			Status:              types.PaymentCompleted,
			Kind:                types.KindBatch,
			CreatedAt:           now,
			CompletedAt:         now,
			Metadata:            item.Metadata,
		}
		if err := l.recordLocked(p); err != nil {
			return nil, err
		}
		payments = append(payments, p.Clone())
	}
	if aggregateFee.Sign() > 0 {
		if err := l.transferLocked(req.Token, custodyAddress, l.treasury, aggregateFee); err != nil {
			return nil, types.NewError(types.ErrAccountingInvalid, err.Error())
		}
	}
	l.metrics.IncCounter(metrics.EventPaymentCompleted, map[string]string{"token": req.Token})
	l.log.Info("batch settled", map[string]any{
		"items": len(payments), "token": req.Token, "total": total.String(), "fee": aggregateFee.String(),
	})
	return payments, nil
}

// Payment returns a clone of the payment record.
func (l *Ledger) Payment(id common.Hash) (*types.Payment, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	p, ok := l.payments[id]
	if !ok {
		return nil, false
	}
	return p.Clone(), true
}

// PaymentsBySender lists payment ids recorded for the sender, in creation
// order.
func (l *Ledger) PaymentsBySender(sender common.Address) []common.Hash {
	l.mu.RLock()
	defer l.mu.RUnlock()
	ids := l.bySender[sender]
	out := make([]common.Hash, len(ids))
	copy(out, ids)
	return out
}

// PendingOlderThan returns ids of PENDING payments created before the
// cutoff. The reconciliation sweep uses this to keep payments from sticking
// in PENDING when a facilitator response never arrived.
func (l *Ledger) PendingOlderThan(cutoff time.Time) []common.Hash {
	l.mu.RLock()
	defer l.mu.RUnlock()
	var out []common.Hash
	for id, p := range l.payments {
		if p.Status == types.PaymentPending && p.CreatedAt.Before(cutoff) {
			out = append(out, id)
		}
	}
	return out
}
