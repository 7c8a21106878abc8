package ledger

import (
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/remitkit/remit/access"
	"github.com/remitkit/remit/corridor"
	"github.com/remitkit/remit/fees"
	"github.com/remitkit/remit/types"
)

const tokenUSDC = "USDC"

var (
	sender    = common.HexToAddress("0x1111111111111111111111111111111111111111")
	recipient = common.HexToAddress("0x2222222222222222222222222222222222222222")
	treasury  = common.HexToAddress("0xfEfEfEfEfefefEfefEfEfefefeFefEFEfefeFEFE")
)

func mustCode(t *testing.T, s string) corridor.Code {
	t.Helper()
	c, err := corridor.ParseCode(s)
	require.NoError(t, err)
	return c
}

func newTestLedger(t *testing.T, bps uint32) *Ledger {
	t.Helper()
	authz := access.NewStaticAuthorizer()
	registry := corridor.NewRegistry(authz,
		[]corridor.Code{mustCode(t, "KE"), mustCode(t, "NG")},
		[]corridor.Code{mustCode(t, "US")})
	calc, err := fees.NewCalculator(bps)
	require.NoError(t, err)
	return New(Params{
		Corridors:       registry,
		Fees:            calc,
		Treasury:        treasury,
		MinimumAmount:   big.NewInt(10),
		MaxBatchSize:    3,
		SupportedTokens: []string{tokenUSDC},
	})
}

func paymentReq(amount int64) types.PaymentRequest {
	return types.PaymentRequest{
		Sender:              sender,
		Recipient:           recipient,
		Token:               tokenUSDC,
		Amount:              big.NewInt(amount),
		OriginCorridor:      "US",
		DestinationCorridor: "KE",
	}
}

func TestInstantPaymentConservation(t *testing.T) {
	l := newTestLedger(t, 10)
	require.NoError(t, l.Credit(tokenUSDC, sender, big.NewInt(5_000)))

	p, err := l.InstantPayment(paymentReq(1_000))
	require.NoError(t, err)

	assert.Equal(t, types.PaymentCompleted, p.Status)
	assert.Equal(t, int64(1), p.Fee.Int64())
	assert.Equal(t, int64(999), p.Net().Int64())
	assert.Equal(t, p.Amount.Int64(), p.Fee.Int64()+p.Net().Int64())

	assert.Equal(t, int64(4_000), l.BalanceOf(tokenUSDC, sender).Int64())
	assert.Equal(t, int64(999), l.BalanceOf(tokenUSDC, recipient).Int64())
	assert.Equal(t, int64(1), l.BalanceOf(tokenUSDC, treasury).Int64())
}

func TestInstantPaymentValidation(t *testing.T) {
	l := newTestLedger(t, 10)
	require.NoError(t, l.Credit(tokenUSDC, sender, big.NewInt(5_000)))

	cases := []struct {
		name    string
		mutate  func(*types.PaymentRequest)
		code    string
	}{
		{"zero recipient", func(r *types.PaymentRequest) { r.Recipient = common.Address{} }, types.ErrInvalidRecipient},
		{"below minimum", func(r *types.PaymentRequest) { r.Amount = big.NewInt(5) }, types.ErrInvalidAmount},
		{"unknown token", func(r *types.PaymentRequest) { r.Token = "DOGE" }, types.ErrUnsupportedToken},
		{"disabled corridor", func(r *types.PaymentRequest) { r.DestinationCorridor = "JP" }, types.ErrUnsupportedCorridor},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := paymentReq(1_000)
			tc.mutate(&req)
			_, err := l.InstantPayment(req)
			require.Error(t, err)
			assert.Equal(t, tc.code, types.CodeOf(err))
		})
	}

	// Nothing moved on any rejection.
	assert.Equal(t, int64(5_000), l.BalanceOf(tokenUSDC, sender).Int64())
}

func TestInstantPaymentInsufficientBalance(t *testing.T) {
	l := newTestLedger(t, 10)
	require.NoError(t, l.Credit(tokenUSDC, sender, big.NewInt(500)))

	_, err := l.InstantPayment(paymentReq(1_000))
	require.Error(t, err)
	assert.Equal(t, types.ErrInsufficientBalance, types.CodeOf(err))

	// The attempt is recorded as FAILED for auditability.
	ids := l.PaymentsBySender(sender)
	require.Len(t, ids, 1)
	p, ok := l.Payment(ids[0])
	require.True(t, ok)
	assert.Equal(t, types.PaymentFailed, p.Status)
	assert.Equal(t, int64(500), l.BalanceOf(tokenUSDC, sender).Int64())
}

func TestPaymentStateTransitions(t *testing.T) {
	l := newTestLedger(t, 0)
	require.NoError(t, l.Credit(tokenUSDC, sender, big.NewInt(1_000)))

	p, err := l.Prepare(paymentReq(100), types.KindAgentTriggered)
	require.NoError(t, err)
	assert.Equal(t, types.PaymentPending, p.Status)

	require.NoError(t, l.MarkCompleted(p.ID, time.Now()))

	err = l.MarkFailed(p.ID, "late failure")
	require.Error(t, err)
	assert.Equal(t, types.ErrInvalidStateTransition, types.CodeOf(err))

	err = l.MarkCompleted(p.ID, time.Now())
	require.Error(t, err)
	assert.Equal(t, types.ErrInvalidStateTransition, types.CodeOf(err))
}

func TestRecordPendingDuplicateID(t *testing.T) {
	l := newTestLedger(t, 0)
	p := &types.Payment{
		ID:     common.HexToHash("0xdead"),
		Sender: sender, Recipient: recipient,
		Token:  tokenUSDC,
		Amount: big.NewInt(100), Fee: big.NewInt(0),
		Status: types.PaymentPending,
	}
	require.NoError(t, l.RecordPending(p))
	err := l.RecordPending(p)
	require.Error(t, err)
	assert.Equal(t, types.ErrDuplicateID, types.CodeOf(err))
}

func TestStoredPaymentsAreImmutableClones(t *testing.T) {
	l := newTestLedger(t, 10)
	require.NoError(t, l.Credit(tokenUSDC, sender, big.NewInt(5_000)))

	p, err := l.InstantPayment(paymentReq(1_000))
	require.NoError(t, err)
	p.Amount.SetInt64(9_999)

	stored, ok := l.Payment(p.ID)
	require.True(t, ok)
	assert.Equal(t, int64(1_000), stored.Amount.Int64())
}

func TestPaymentIDsUnique(t *testing.T) {
	l := newTestLedger(t, 0)
	require.NoError(t, l.Credit(tokenUSDC, sender, big.NewInt(100_000)))

	seen := make(map[common.Hash]bool)
	for i := 0; i < 50; i++ {
		p, err := l.InstantPayment(paymentReq(100))
		require.NoError(t, err)
		require.False(t, seen[p.ID], "payment id repeated")
		seen[p.ID] = true
	}
}

func TestBatchPaymentFanOut(t *testing.T) {
	l := newTestLedger(t, 15)
	require.NoError(t, l.Credit(tokenUSDC, sender, big.NewInt(100_000)))

	other := common.HexToAddress("0x3333333333333333333333333333333333333333")
	req := types.BatchRequest{
		Sender:         sender,
		Token:          tokenUSDC,
		OriginCorridor: "US",
		Items: []types.BatchItem{
			{Recipient: recipient, Amount: big.NewInt(10_000), DestinationCorridor: "KE"},
			{Recipient: other, Amount: big.NewInt(20_000), DestinationCorridor: "NG"},
		},
	}
	payments, err := l.BatchPayment(req)
	require.NoError(t, err)
	require.Len(t, payments, 2)

	// fee(10000,15)=15, fee(20000,15)=30
	assert.Equal(t, int64(9_985), l.BalanceOf(tokenUSDC, recipient).Int64())
	assert.Equal(t, int64(19_970), l.BalanceOf(tokenUSDC, other).Int64())
	assert.Equal(t, int64(45), l.BalanceOf(tokenUSDC, treasury).Int64())
	assert.Equal(t, int64(70_000), l.BalanceOf(tokenUSDC, sender).Int64())
	// Custody is drained once the batch completes.
	assert.Equal(t, int64(0), l.BalanceOf(tokenUSDC, l.Custody()).Int64())

	for _, p := range payments {
		assert.Equal(t, types.PaymentCompleted, p.Status)
		assert.Equal(t, types.KindBatch, p.Kind)
	}
}

func TestBatchPaymentAllOrNothing(t *testing.T) {
	l := newTestLedger(t, 10)
	require.NoError(t, l.Credit(tokenUSDC, sender, big.NewInt(100_000)))

	req := types.BatchRequest{
		Sender:         sender,
		Token:          tokenUSDC,
		OriginCorridor: "US",
		Items: []types.BatchItem{
			{Recipient: recipient, Amount: big.NewInt(10_000), DestinationCorridor: "KE"},
			{Recipient: common.Address{}, Amount: big.NewInt(10_000), DestinationCorridor: "KE"},
		},
	}
	_, err := l.BatchPayment(req)
	require.Error(t, err)
	assert.Equal(t, types.ErrInvalidRecipient, types.CodeOf(err))

	// Zero transfers executed.
	assert.Equal(t, int64(100_000), l.BalanceOf(tokenUSDC, sender).Int64())
	assert.Equal(t, int64(0), l.BalanceOf(tokenUSDC, recipient).Int64())
	assert.Empty(t, l.PaymentsBySender(sender))
}

func TestBatchPaymentSizeBound(t *testing.T) {
	l := newTestLedger(t, 0)
	items := make([]types.BatchItem, 4)
	for i := range items {
		items[i] = types.BatchItem{Recipient: recipient, Amount: big.NewInt(100), DestinationCorridor: "KE"}
	}
	_, err := l.BatchPayment(types.BatchRequest{
		Sender: sender, Token: tokenUSDC, OriginCorridor: "US", Items: items,
	})
	require.Error(t, err)
	assert.Equal(t, types.ErrInvalidRequest, types.CodeOf(err))
}

func TestPendingOlderThan(t *testing.T) {
	l := newTestLedger(t, 0)
	require.NoError(t, l.Credit(tokenUSDC, sender, big.NewInt(1_000)))

	p, err := l.Prepare(paymentReq(100), types.KindAgentTriggered)
	require.NoError(t, err)

	assert.Empty(t, l.PendingOlderThan(time.Now().Add(-time.Hour)))
	stale := l.PendingOlderThan(time.Now().Add(time.Hour))
	require.Len(t, stale, 1)
	assert.Equal(t, p.ID, stale[0])
}
