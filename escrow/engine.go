// Package escrow implements the milestone-based escrow state machine:
// creation with an up-front custody pull, per-milestone release, recipient
// disputes and arbiter resolution, and sender cancellation before any
// release has occurred.
package escrow

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"io"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"

	"github.com/remitkit/remit/access"
	"github.com/remitkit/remit/fees"
	"github.com/remitkit/remit/logger"
	"github.com/remitkit/remit/metrics"
	"github.com/remitkit/remit/types"
)

// State is the custody backend the engine moves funds through. The ledger
// satisfies it; tests provide a mock.
type State interface {
	Transfer(token string, from, to common.Address, amount *big.Int) error
	Custody() common.Address
	Treasury() common.Address
}

// entry wraps a stored escrow with its own mutex so operations on
// different escrow ids never block each other.
type entry struct {
	mu  sync.Mutex
	esc *types.Escrow
}

// Engine orchestrates escrow state transitions.
type Engine struct {
	mu          sync.RWMutex
	escrows     map[common.Hash]*entry
	bySender    map[common.Address][]common.Hash
	byRecipient map[common.Address][]common.Hash
	counters    map[common.Address]uint64

	state         State
	fees          *fees.Calculator
	authz         access.Authorizer
	maxMilestones int
	minAmount     *big.Int
	disputeWindow time.Duration

	log     logger.Logger
	metrics metrics.Recorder
	now     func() time.Time
	entropy io.Reader
}

// Params bundles the engine's construction inputs.
type Params struct {
	State         State
	Fees          *fees.Calculator
	Authorizer    access.Authorizer
	MaxMilestones int
	MinimumAmount *big.Int
	DisputeWindow time.Duration
	Logger        logger.Logger
	Metrics       metrics.Recorder
	Now           func() time.Time
	Entropy       io.Reader
}

// NewEngine builds an escrow engine.
func NewEngine(p Params) *Engine {
	e := &Engine{
		escrows:       make(map[common.Hash]*entry),
		bySender:      make(map[common.Address][]common.Hash),
		byRecipient:   make(map[common.Address][]common.Hash),
		counters:      make(map[common.Address]uint64),
		state:         p.State,
		fees:          p.Fees,
		authz:         p.Authorizer,
		maxMilestones: p.MaxMilestones,
		minAmount:     p.MinimumAmount,
		disputeWindow: p.DisputeWindow,
		log:           p.Logger,
		metrics:       p.Metrics,
		now:           p.Now,
		entropy:       p.Entropy,
	}
	if e.maxMilestones <= 0 {
		e.maxMilestones = 20
	}
	if e.minAmount == nil {
		e.minAmount = big.NewInt(1)
	}
	if e.disputeWindow <= 0 {
		e.disputeWindow = 72 * time.Hour
	}
	if e.log == nil {
		e.log = logger.NoopLogger{}
	}
	if e.metrics == nil {
		e.metrics = metrics.NoopRecorder{}
	}
	if e.now == nil {
		e.now = func() time.Time { return time.Now().UTC() }
	}
	if e.entropy == nil {
		e.entropy = rand.Reader
	}
	return e
}

// Create validates the milestone set, pulls the full total from the sender
// into custody and stores the escrow as ACTIVE. If the pull fails the
// escrow is not created: there is no partial state.
func (e *Engine) Create(req types.EscrowRequest) (*types.Escrow, error) {
	if req.Recipient == (common.Address{}) {
		return nil, types.NewError(types.ErrInvalidRecipient, "recipient must not be the zero address")
	}
	if req.TotalAmount == nil || req.TotalAmount.Cmp(e.minAmount) < 0 {
		return nil, types.NewError(types.ErrInvalidAmount,
			fmt.Sprintf("escrow total below minimum %s", e.minAmount))
	}
	if len(req.Milestones) == 0 || len(req.Milestones) > e.maxMilestones {
		return nil, types.NewError(types.ErrInvalidMilestoneSet,
			fmt.Sprintf("milestone count must be between 1 and %d", e.maxMilestones))
	}
	sum := big.NewInt(0)
	milestones := make([]*types.Milestone, 0, len(req.Milestones))
	for i, spec := range req.Milestones {
		if spec.Amount == nil || spec.Amount.Sign() <= 0 {
			return nil, types.NewError(types.ErrInvalidMilestoneSet,
				fmt.Sprintf("milestone %d amount must be positive", i))
		}
		sum.Add(sum, spec.Amount)
		milestones = append(milestones, &types.Milestone{
			Description: spec.Description,
			Amount:      new(big.Int).Set(spec.Amount),
			ReleaseTime: spec.ReleaseTime,
			Status:      types.MilestonePending,
		})
	}
	if sum.Cmp(req.TotalAmount) != 0 {
		return nil, types.NewError(types.ErrInvalidMilestoneSet,
			fmt.Sprintf("milestone sum %s does not equal total %s", sum, req.TotalAmount))
	}

	id, err := e.newEscrowID(req.Sender, req.Recipient)
	if err != nil {
		return nil, err
	}

	// The custody pull and the escrow record land together: the pull is
	// the only fallible step, and it happens before anything is stored.
	if err := e.state.Transfer(req.Token, req.Sender, e.state.Custody(), req.TotalAmount); err != nil {
		return nil, err
	}

	now := e.now().Unix()
	esc := &types.Escrow{
		ID:             id,
		Sender:         req.Sender,
		Recipient:      req.Recipient,
		Token:          req.Token,
		TotalAmount:    new(big.Int).Set(req.TotalAmount),
		ReleasedAmount: big.NewInt(0),
		FeeBps:         e.fees.Bps(),
		Status:         types.EscrowActive,
		CreatedAt:      now,
		Milestones:     milestones,
		Metadata:       req.Metadata,
	}

	e.mu.Lock()
	e.escrows[id] = &entry{esc: esc}
	e.bySender[req.Sender] = append(e.bySender[req.Sender], id)
	e.byRecipient[req.Recipient] = append(e.byRecipient[req.Recipient], id)
	e.mu.Unlock()

	e.metrics.IncCounter(metrics.EventEscrowCreated, map[string]string{"token": req.Token})
	e.log.Info("escrow created", map[string]any{
		"id": id.Hex(), "token": req.Token, "total": req.TotalAmount.String(), "milestones": len(milestones),
	})
	return esc.Clone(), nil
}

func (e *Engine) newEscrowID(sender, recipient common.Address) (common.Hash, error) {
	e.mu.Lock()
	e.counters[sender]++
	counter := e.counters[sender]
	e.mu.Unlock()

	var buf [32]byte
	binary.BigEndian.PutUint64(buf[0:8], counter)
	binary.BigEndian.PutUint64(buf[8:16], uint64(e.now().UnixNano()))
	if _, err := io.ReadFull(e.entropy, buf[16:32]); err != nil {
		return common.Hash{}, fmt.Errorf("escrow id entropy: %w", err)
	}
	return ethcrypto.Keccak256Hash(sender.Bytes(), recipient.Bytes(), buf[:]), nil
}

func (e *Engine) lookup(id common.Hash) (*entry, error) {
	e.mu.RLock()
	ent, ok := e.escrows[id]
	e.mu.RUnlock()
	if !ok {
		return nil, types.NewError(types.ErrNotFound, fmt.Sprintf("escrow %s not found", id))
	}
	return ent, nil
}

// ReleaseMilestone pays out one milestone. Authorization is disjunctive:
// the sender may always release, the agent capability may always release,
// and once a milestone's opt-in release time has passed anyone may trigger
// it.
func (e *Engine) ReleaseMilestone(actor common.Address, id common.Hash, index int) error {
	ent, err := e.lookup(id)
	if err != nil {
		return err
	}
	ent.mu.Lock()
	defer ent.mu.Unlock()
	esc := ent.esc

	if esc.Status != types.EscrowActive {
		return types.NewError(types.ErrEscrowNotActive,
			fmt.Sprintf("escrow %s is %s", id, esc.Status))
	}
	m, err := milestoneAt(esc, index)
	if err != nil {
		return err
	}
	if m.Status != types.MilestonePending {
		return types.NewError(types.ErrMilestoneNotPending,
			fmt.Sprintf("milestone %d is %s", index, m.Status))
	}
	now := e.now().Unix()
	authorized := actor == esc.Sender ||
		e.authz.Allow(actor, access.CapAgent) ||
		(m.ReleaseTime > 0 && now >= m.ReleaseTime)
	if !authorized {
		return types.NewError(types.ErrNotAuthorized, "caller may not release this milestone")
	}

	if err := e.payout(esc, m, now); err != nil {
		return err
	}
	e.metrics.IncCounter(metrics.EventMilestoneReleased, map[string]string{"token": esc.Token})
	e.log.Info("milestone released", map[string]any{
		"escrow": id.Hex(), "index": index, "amount": m.Amount.String(),
	})
	e.refreshStatus(esc, now)
	return nil
}

// payout applies the fee split for one milestone: net to the recipient,
// fee to the treasury, milestone RELEASED.
func (e *Engine) payout(esc *types.Escrow, m *types.Milestone, now int64) error {
	fee := fees.Fee(m.Amount, esc.FeeBps)
	net := new(big.Int).Sub(m.Amount, fee)
	custody := e.state.Custody()
	if err := e.state.Transfer(esc.Token, custody, esc.Recipient, net); err != nil {
		return err
	}
	if fee.Sign() > 0 {
		if err := e.state.Transfer(esc.Token, custody, e.state.Treasury(), fee); err != nil {
			return types.NewError(types.ErrAccountingInvalid, err.Error())
		}
	}
	m.Status = types.MilestoneReleased
	m.CompletedAt = now
	esc.ReleasedAmount.Add(esc.ReleasedAmount, m.Amount)
	return nil
}

// refreshStatus recomputes the escrow status after a terminal milestone
// transition: COMPLETED once nothing is PENDING or DISPUTED, otherwise
// ACTIVE so independent milestones keep making progress.
func (e *Engine) refreshStatus(esc *types.Escrow, now int64) {
	for _, m := range esc.Milestones {
		if !m.Status.Terminal() {
			esc.Status = types.EscrowActive
			return
		}
	}
	esc.Status = types.EscrowCompleted
	esc.CompletedAt = now
}

// DisputeMilestone lets the recipient contest a pending milestone. For
// milestones with a scheduled auto-release, the dispute must arrive within
// the window after that release time; later disputes are rejected.
func (e *Engine) DisputeMilestone(actor common.Address, id common.Hash, index int) error {
	ent, err := e.lookup(id)
	if err != nil {
		return err
	}
	ent.mu.Lock()
	defer ent.mu.Unlock()
	esc := ent.esc

	if esc.Status != types.EscrowActive {
		return types.NewError(types.ErrEscrowNotActive,
			fmt.Sprintf("escrow %s is %s", id, esc.Status))
	}
	if actor != esc.Recipient {
		return types.NewError(types.ErrNotAuthorized, "only the recipient may dispute a milestone")
	}
	m, err := milestoneAt(esc, index)
	if err != nil {
		return err
	}
	if m.Status != types.MilestonePending {
		return types.NewError(types.ErrMilestoneNotPending,
			fmt.Sprintf("milestone %d is %s", index, m.Status))
	}
	if m.ReleaseTime > 0 {
		deadline := time.Unix(m.ReleaseTime, 0).Add(e.disputeWindow).Unix()
		if e.now().Unix() >= deadline {
			return types.NewError(types.ErrDisputeWindowExpired,
				fmt.Sprintf("dispute window for milestone %d closed", index))
		}
	}

	m.Status = types.MilestoneDisputed
	esc.Status = types.EscrowDisputed
	e.metrics.IncCounter(metrics.EventDisputeOpened, map[string]string{"token": esc.Token})
	e.log.Info("milestone disputed", map[string]any{"escrow": id.Hex(), "index": index})
	return nil
}

// ResolveDispute settles a disputed milestone by arbitration. In the
// recipient's favor it behaves like a release and the fee applies; in the
// sender's favor the full milestone amount is refunded with no fee. The
// escrow then completes if nothing remains open, or returns to ACTIVE.
func (e *Engine) ResolveDispute(actor common.Address, id common.Hash, index int, releaseToRecipient bool) error {
	ent, err := e.lookup(id)
	if err != nil {
		return err
	}
	ent.mu.Lock()
	defer ent.mu.Unlock()
	esc := ent.esc

	if !e.authz.Allow(actor, access.CapArbiter) {
		return types.NewError(types.ErrNotAuthorized, "dispute resolution requires the arbiter capability")
	}
	m, err := milestoneAt(esc, index)
	if err != nil {
		return err
	}
	if m.Status != types.MilestoneDisputed {
		return types.NewError(types.ErrNoDisputeActive,
			fmt.Sprintf("milestone %d is %s", index, m.Status))
	}

	now := e.now().Unix()
	if releaseToRecipient {
		if err := e.payout(esc, m, now); err != nil {
			return err
		}
	} else {
		// Fee applies only to successful delivery, never to refunds.
		if err := e.state.Transfer(esc.Token, e.state.Custody(), esc.Sender, m.Amount); err != nil {
			return err
		}
		m.Status = types.MilestoneRefunded
		m.CompletedAt = now
	}
	e.refreshStatus(esc, now)
	e.metrics.IncCounter(metrics.EventDisputeResolved, map[string]string{"token": esc.Token})
	e.log.Info("dispute resolved", map[string]any{
		"escrow": id.Hex(), "index": index, "releasedToRecipient": releaseToRecipient,
	})
	return nil
}

// Cancel refunds the remaining escrowed funds to the sender. Only the
// sender may cancel, only while ACTIVE, and only before any milestone has
// ever been released; the first release permanently forecloses
// cancellation.
func (e *Engine) Cancel(actor common.Address, id common.Hash) error {
	ent, err := e.lookup(id)
	if err != nil {
		return err
	}
	ent.mu.Lock()
	defer ent.mu.Unlock()
	esc := ent.esc

	if actor != esc.Sender {
		return types.NewError(types.ErrNotAuthorized, "only the sender may cancel an escrow")
	}
	if esc.Status != types.EscrowActive {
		return types.NewError(types.ErrEscrowNotActive,
			fmt.Sprintf("escrow %s is %s", id, esc.Status))
	}
	if esc.ReleasedAmount.Sign() != 0 {
		return types.NewError(types.ErrNotAuthorized, "escrow cannot be cancelled after a release")
	}

	// Milestones already refunded through arbitration have left custody;
	// only the still-pending remainder moves back.
	refund := big.NewInt(0)
	for _, m := range esc.Milestones {
		if m.Status == types.MilestonePending {
			refund.Add(refund, m.Amount)
		}
	}
	if refund.Sign() > 0 {
		if err := e.state.Transfer(esc.Token, e.state.Custody(), esc.Sender, refund); err != nil {
			return err
		}
	}
	now := e.now().Unix()
	for _, m := range esc.Milestones {
		if m.Status == types.MilestonePending {
			m.Status = types.MilestoneRefunded
			m.CompletedAt = now
		}
	}
	esc.Status = types.EscrowCancelled
	esc.CompletedAt = now
	e.metrics.IncCounter(metrics.EventEscrowCancelled, map[string]string{"token": esc.Token})
	e.log.Info("escrow cancelled", map[string]any{"escrow": id.Hex(), "refund": refund.String()})
	return nil
}

// Escrow returns a clone of the stored escrow.
func (e *Engine) Escrow(id common.Hash) (*types.Escrow, bool) {
	ent, err := e.lookup(id)
	if err != nil {
		return nil, false
	}
	ent.mu.Lock()
	defer ent.mu.Unlock()
	return ent.esc.Clone(), true
}

// Milestones returns clones of the escrow's milestones.
func (e *Engine) Milestones(id common.Hash) ([]*types.Milestone, error) {
	ent, err := e.lookup(id)
	if err != nil {
		return nil, err
	}
	ent.mu.Lock()
	defer ent.mu.Unlock()
	out := make([]*types.Milestone, len(ent.esc.Milestones))
	for i, m := range ent.esc.Milestones {
		out[i] = m.Clone()
	}
	return out, nil
}

// EscrowsBySender lists escrow ids created by the sender.
func (e *Engine) EscrowsBySender(sender common.Address) []common.Hash {
	e.mu.RLock()
	defer e.mu.RUnlock()
	ids := e.bySender[sender]
	out := make([]common.Hash, len(ids))
	copy(out, ids)
	return out
}

// EscrowsByRecipient lists escrow ids naming the recipient.
func (e *Engine) EscrowsByRecipient(recipient common.Address) []common.Hash {
	e.mu.RLock()
	defer e.mu.RUnlock()
	ids := e.byRecipient[recipient]
	out := make([]common.Hash, len(ids))
	copy(out, ids)
	return out
}

func milestoneAt(esc *types.Escrow, index int) (*types.Milestone, error) {
	if index < 0 || index >= len(esc.Milestones) {
		return nil, types.NewError(types.ErrNotFound,
			fmt.Sprintf("escrow has no milestone %d", index))
	}
	return esc.Milestones[index], nil
}
