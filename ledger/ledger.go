// Package ledger records every attempted and completed payment and keeps
// the custodial token balances the settlement core moves value between.
// The ledger itself is the holding owner of in-flight and escrowed funds,
// which is what makes atomic release and refund possible.
package ledger

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

	"github.com/remitkit/remit/corridor"
	"github.com/remitkit/remit/fees"
	"github.com/remitkit/remit/logger"
	"github.com/remitkit/remit/metrics"
	"github.com/remitkit/remit/types"
)

// custodyAddress is the internal holding account. It is not a party address;
// funds parked here belong to in-flight payments and active escrows.
var custodyAddress = common.HexToAddress("0x0000000000000000000000000000000000c0571e")

// Ledger is the shared mutable payment state. All balance mutations happen
// under a single write lock so that a two-leg fee split is observed
// atomically; record lookups take the read lock and return clones.
type Ledger struct {
	mu       sync.RWMutex
	balances map[string]map[common.Address]*big.Int
	payments map[common.Hash]*types.Payment
	bySender map[common.Address][]common.Hash
	counters map[common.Address]uint64

	corridors *corridor.Registry
	fees      *fees.Calculator
	treasury  common.Address
	minAmount *big.Int
	maxBatch  int
	tokens    map[string]bool

	log     logger.Logger
	metrics metrics.Recorder
	now     func() time.Time
	entropy io.Reader
}

// Params bundles the ledger's construction inputs.
type Params struct {
	Corridors       *corridor.Registry
	Fees            *fees.Calculator
	Treasury        common.Address
	MinimumAmount   *big.Int
	MaxBatchSize    int
	SupportedTokens []string
	Logger          logger.Logger
	Metrics         metrics.Recorder
	Now             func() time.Time
	Entropy         io.Reader
}

// New builds a ledger. Zero-valued optional params fall back to sane
// defaults (no-op logger and metrics, wall clock, crypto/rand entropy).
func New(p Params) *Ledger {
	l := &Ledger{
		balances:  make(map[string]map[common.Address]*big.Int),
		payments:  make(map[common.Hash]*types.Payment),
		bySender:  make(map[common.Address][]common.Hash),
		counters:  make(map[common.Address]uint64),
		corridors: p.Corridors,
		fees:      p.Fees,
		treasury:  p.Treasury,
		minAmount: p.MinimumAmount,
		maxBatch:  p.MaxBatchSize,
		tokens:    make(map[string]bool, len(p.SupportedTokens)),
		log:       p.Logger,
		metrics:   p.Metrics,
		now:       p.Now,
		entropy:   p.Entropy,
	}
	for _, t := range p.SupportedTokens {
		l.tokens[t] = true
	}
	if l.minAmount == nil {
		l.minAmount = big.NewInt(1)
	}
	if l.maxBatch <= 0 {
		l.maxBatch = 50
	}
	if l.log == nil {
		l.log = logger.NoopLogger{}
	}
	if l.metrics == nil {
		l.metrics = metrics.NoopRecorder{}
	}
	if l.now == nil {
		l.now = func() time.Time { return time.Now().UTC() }
	}
	if l.entropy == nil {
		l.entropy = rand.Reader
	}
	return l
}

// Custody returns the internal holding account address.
func (l *Ledger) Custody() common.Address {
	return custodyAddress
}

// Treasury returns the fee destination address.
func (l *Ledger) Treasury() common.Address {
	return l.treasury
}

// Fees exposes the configured calculator for fee quoting.
func (l *Ledger) Fees() *fees.Calculator {
	return l.fees
}

// CalculateFee applies the current configured rate.
func (l *Ledger) CalculateFee(amount *big.Int) *big.Int {
	return l.fees.Fee(amount)
}

// Credit deposits value into an account. This is the on-ramp boundary:
// wallet funding and external deposits land here and are out of scope
// beyond this hook.
func (l *Ledger) Credit(token string, addr common.Address, amount *big.Int) error {
	if amount == nil || amount.Sign() <= 0 {
		return types.NewError(types.ErrInvalidAmount, "credit amount must be positive")
	}
	if !l.tokens[token] {
		return types.NewError(types.ErrUnsupportedToken, fmt.Sprintf("unsupported token %s", token))
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.creditLocked(token, addr, amount)
	return nil
}

// BalanceOf returns the available balance for the account.
func (l *Ledger) BalanceOf(token string, addr common.Address) *big.Int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return new(big.Int).Set(l.balanceLocked(token, addr))
}

// Transfer moves value between two accounts atomically. It is the custody
// primitive the escrow engine and direct settlement build on.
func (l *Ledger) Transfer(token string, from, to common.Address, amount *big.Int) error {
	if amount == nil || amount.Sign() < 0 {
		return types.NewError(types.ErrInvalidAmount, "transfer amount must be non-negative")
	}
	if amount.Sign() == 0 {
		return nil
	}
	if !l.tokens[token] {
		return types.NewError(types.ErrUnsupportedToken, fmt.Sprintf("unsupported token %s", token))
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.transferLocked(token, from, to, amount)
}

func (l *Ledger) balanceLocked(token string, addr common.Address) *big.Int {
	accounts, ok := l.balances[token]
	if !ok {
		return big.NewInt(0)
	}
	bal, ok := accounts[addr]
	if !ok {
		return big.NewInt(0)
	}
	return bal
}

func (l *Ledger) creditLocked(token string, addr common.Address, amount *big.Int) {
	accounts, ok := l.balances[token]
	if !ok {
		accounts = make(map[common.Address]*big.Int)
		l.balances[token] = accounts
	}
	cur, ok := accounts[addr]
	if !ok {
		cur = big.NewInt(0)
	}
	accounts[addr] = new(big.Int).Add(cur, amount)
}

func (l *Ledger) transferLocked(token string, from, to common.Address, amount *big.Int) error {
	bal := l.balanceLocked(token, from)
	if bal.Cmp(amount) < 0 {
		return types.NewError(types.ErrInsufficientBalance,
			fmt.Sprintf("balance %s below requested %s", bal, amount))
	}
	l.balances[token][from] = new(big.Int).Sub(bal, amount)
	l.creditLocked(token, to, amount)
	return nil
}

// newPaymentID derives a globally unique payment id from the sender, a
// monotonically increasing per-sender counter, the current timestamp and
// sixteen random bytes, so ids can be neither predicted nor replayed.
// Callers must hold the write lock.
func (l *Ledger) newPaymentIDLocked(sender common.Address) (common.Hash, error) {
	l.counters[sender]++
	var buf [32]byte
	binary.BigEndian.PutUint64(buf[0:8], l.counters[sender])
	binary.BigEndian.PutUint64(buf[8:16], uint64(l.now().UnixNano()))
	if _, err := io.ReadFull(l.entropy, buf[16:32]); err != nil {
		return common.Hash{}, fmt.Errorf("payment id entropy: %w", err)
	}
	return ethcrypto.Keccak256Hash(sender.Bytes(), buf[:]), nil
}
