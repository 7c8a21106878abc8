// Package fees computes the protocol fee split for transfers and escrow
// releases. Fees are basis-point based with integer floor division; the
// rate bound is enforced when the rate is configured, not per calculation.
package fees

import (
	"fmt"
	"math/big"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/remitkit/remit/types"
)

const (
	// MaxBps caps the configurable rate at 1%.
	MaxBps = 100

	bpsDenominator = 10_000
)

// Fee returns floor(amount * bps / 10000).
func Fee(amount *big.Int, bps uint32) *big.Int {
	if amount == nil || amount.Sign() <= 0 {
		return big.NewInt(0)
	}
	fee := new(big.Int).Mul(amount, new(big.Int).SetUint64(uint64(bps)))
	return fee.Div(fee, big.NewInt(bpsDenominator))
}

// Net returns amount - Fee(amount, bps).
func Net(amount *big.Int, bps uint32) *big.Int {
	if amount == nil {
		return big.NewInt(0)
	}
	return new(big.Int).Sub(amount, Fee(amount, bps))
}

// Calculator holds the currently configured rate. The rate can be swapped
// at runtime through the administrative API; reads are concurrent.
type Calculator struct {
	mu  sync.RWMutex
	bps uint32
}

// NewCalculator builds a calculator, rejecting rates above MaxBps.
func NewCalculator(bps uint32) (*Calculator, error) {
	if bps > MaxBps {
		return nil, types.NewError(types.ErrInvalidAmount, fmt.Sprintf("fee rate %d exceeds maximum %d bps", bps, MaxBps))
	}
	return &Calculator{bps: bps}, nil
}

// Bps returns the configured rate.
func (c *Calculator) Bps() uint32 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.bps
}

// SetBps updates the rate, subject to the same bound as construction.
func (c *Calculator) SetBps(bps uint32) error {
	if bps > MaxBps {
		return types.NewError(types.ErrInvalidAmount, fmt.Sprintf("fee rate %d exceeds maximum %d bps", bps, MaxBps))
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.bps = bps
	return nil
}

// Fee applies the configured rate.
func (c *Calculator) Fee(amount *big.Int) *big.Int {
	return Fee(amount, c.Bps())
}

// Net applies the configured rate.
func (c *Calculator) Net(amount *big.Int) *big.Int {
	return Net(amount, c.Bps())
}

// Quote describes the fee split for a hypothetical amount. It backs the
// outward query surface.
type Quote struct {
	Amount *big.Int `json:"amount"`
	Fee    *big.Int `json:"fee"`
	Net    *big.Int `json:"net"`
	Bps    uint32   `json:"bps"`
}

// Quote computes the split for the current rate.
func (c *Calculator) Quote(amount *big.Int) Quote {
	bps := c.Bps()
	return Quote{
		Amount: new(big.Int).Set(amount),
		Fee:    Fee(amount, bps),
		Net:    Net(amount, bps),
		Bps:    bps,
	}
}

// Display renders the quote in whole-unit notation for a token with the
// given number of decimals, e.g. atomic 1500000 at 6 decimals -> "1.5".
func (q Quote) Display(decimals int32) (amount, fee, net string) {
	amount = decimal.NewFromBigInt(q.Amount, -decimals).String()
	fee = decimal.NewFromBigInt(q.Fee, -decimals).String()
	net = decimal.NewFromBigInt(q.Net, -decimals).String()
	return amount, fee, net
}
