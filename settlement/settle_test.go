package settlement

import (
	"context"
	"encoding/json"
	"math/big"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/remitkit/remit/access"
	"github.com/remitkit/remit/corridor"
	"github.com/remitkit/remit/facilitator"
	"github.com/remitkit/remit/fees"
	"github.com/remitkit/remit/ledger"
	"github.com/remitkit/remit/signer"
	"github.com/remitkit/remit/types"
)

const tokenUSDC = "USDC"

var (
	recipient = common.HexToAddress("0x2222222222222222222222222222222222222222")
	treasury  = common.HexToAddress("0xfEfEfEfEfefefEfefEfEfefefeFefEFEfefeFEFE")
)

type fixture struct {
	service *Service
	ledger  *ledger.Ledger
	sender  common.Address
}

func mustCode(t *testing.T, s string) corridor.Code {
	t.Helper()
	c, err := corridor.ParseCode(s)
	require.NoError(t, err)
	return c
}

func newFixture(t *testing.T, facilitatorURL string) *fixture {
	t.Helper()
	authz := access.NewStaticAuthorizer()
	registry := corridor.NewRegistry(authz,
		[]corridor.Code{mustCode(t, "KE"), mustCode(t, "NG")},
		[]corridor.Code{mustCode(t, "US")})
	calc, err := fees.NewCalculator(10)
	require.NoError(t, err)
	led := ledger.New(ledger.Params{
		Corridors:       registry,
		Fees:            calc,
		Treasury:        treasury,
		MinimumAmount:   big.NewInt(1),
		SupportedTokens: []string{tokenUSDC},
	})

	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	sgn, err := signer.New(key, signer.Domain{
		Name: "USD Coin", Version: "2",
		ChainID:           big.NewInt(8453),
		VerifyingContract: common.HexToAddress("0x8335"),
	})
	require.NoError(t, err)

	var fac *facilitator.Client
	if facilitatorURL != "" {
		fac = facilitator.New(facilitatorURL, time.Second)
	}
	svc := New(Params{Ledger: led, Signer: sgn, Facilitator: fac})
	return &fixture{service: svc, ledger: led, sender: sgn.Address()}
}

func (f *fixture) request(amount int64) types.PaymentRequest {
	return types.PaymentRequest{
		Sender:              f.sender,
		Recipient:           recipient,
		Token:               tokenUSDC,
		Amount:              big.NewInt(amount),
		OriginCorridor:      "US",
		DestinationCorridor: "KE",
	}
}

func TestSettleViaFacilitator(t *testing.T) {
	var gotHeader string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotHeader = r.Header.Get(facilitator.PaymentHeader)
		json.NewEncoder(w).Encode(map[string]string{"settlementRef": "fac-ref-1"})
	}))
	defer srv.Close()

	f := newFixture(t, srv.URL)
	require.NoError(t, f.ledger.Credit(tokenUSDC, f.sender, big.NewInt(10_000)))

	res, err := f.service.Settle(context.Background(), f.request(1_000))
	require.NoError(t, err)

	assert.Equal(t, "fac-ref-1", res.Reference)
	assert.False(t, res.UsedFallback)
	assert.Equal(t, types.PaymentCompleted, res.Payment.Status)
	assert.NotEmpty(t, gotHeader)

	// The facilitator settled the transfer; internal balances are untouched.
	assert.Equal(t, int64(10_000), f.ledger.BalanceOf(tokenUSDC, f.sender).Int64())
	assert.Equal(t, int64(0), f.ledger.BalanceOf(tokenUSDC, recipient).Int64())
}

func TestSettleFallsBackWhenFacilitatorDown(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "down for maintenance", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	f := newFixture(t, srv.URL)
	require.NoError(t, f.ledger.Credit(tokenUSDC, f.sender, big.NewInt(10_000)))

	res, err := f.service.Settle(context.Background(), f.request(1_000))
	require.NoError(t, err)

	assert.True(t, res.UsedFallback)
	assert.Equal(t, types.PaymentCompleted, res.Payment.Status)
	assert.Equal(t, res.Payment.ID.Hex(), res.Reference)

	// The fallback moved real balances, fee split included.
	assert.Equal(t, int64(9_000), f.ledger.BalanceOf(tokenUSDC, f.sender).Int64())
	assert.Equal(t, int64(999), f.ledger.BalanceOf(tokenUSDC, recipient).Int64())
	assert.Equal(t, int64(1), f.ledger.BalanceOf(tokenUSDC, treasury).Int64())
}

func TestSettleWithoutFacilitatorUsesFallback(t *testing.T) {
	f := newFixture(t, "")
	require.NoError(t, f.ledger.Credit(tokenUSDC, f.sender, big.NewInt(10_000)))

	res, err := f.service.Settle(context.Background(), f.request(1_000))
	require.NoError(t, err)
	assert.True(t, res.UsedFallback)
}

func TestSettleInsufficientBalanceFailsFast(t *testing.T) {
	f := newFixture(t, "")
	require.NoError(t, f.ledger.Credit(tokenUSDC, f.sender, big.NewInt(100)))

	_, err := f.service.Settle(context.Background(), f.request(1_000))
	require.Error(t, err)
	assert.Equal(t, types.ErrInsufficientBalance, types.CodeOf(err))

	// The pre-check rejects before anything is recorded.
	assert.Empty(t, f.ledger.PaymentsBySender(f.sender))
}

func TestSettleRejectsForeignSender(t *testing.T) {
	f := newFixture(t, "")
	req := f.request(1_000)
	req.Sender = common.HexToAddress("0x9999999999999999999999999999999999999999")

	_, err := f.service.Settle(context.Background(), req)
	require.Error(t, err)
	assert.Equal(t, types.ErrNotAuthorized, types.CodeOf(err))
}

func TestSettleWithoutSigner(t *testing.T) {
	f := newFixture(t, "")
	svc := New(Params{Ledger: f.ledger})

	_, err := svc.Settle(context.Background(), f.request(1_000))
	require.Error(t, err)
	assert.Equal(t, types.ErrMissingSigningKey, types.CodeOf(err))
}

func TestSettleValidationFailureIsTerminal(t *testing.T) {
	srvCalled := false
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		srvCalled = true
	}))
	defer srv.Close()

	f := newFixture(t, srv.URL)
	require.NoError(t, f.ledger.Credit(tokenUSDC, f.sender, big.NewInt(10_000)))

	req := f.request(1_000)
	req.DestinationCorridor = "JP"
	_, err := f.service.Settle(context.Background(), req)
	require.Error(t, err)
	assert.Equal(t, types.ErrUnsupportedCorridor, types.CodeOf(err))
	assert.False(t, srvCalled)
}

func TestBatchSettle(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{"settlementRef": "fac-batch"})
	}))
	defer srv.Close()

	f := newFixture(t, srv.URL)
	require.NoError(t, f.ledger.Credit(tokenUSDC, f.sender, big.NewInt(100_000)))

	reqs := []types.PaymentRequest{f.request(1_000), f.request(2_000), f.request(3_000)}
	results, errs := f.service.BatchSettle(context.Background(), reqs)
	require.Len(t, results, 3)
	for i := range reqs {
		require.NoError(t, errs[i])
		assert.Equal(t, "fac-batch", results[i].Reference)
	}
}

func TestReconcilePending(t *testing.T) {
	f := newFixture(t, "")
	require.NoError(t, f.ledger.Credit(tokenUSDC, f.sender, big.NewInt(10_000)))

	p, err := f.ledger.Prepare(f.request(1_000), types.KindAgentTriggered)
	require.NoError(t, err)

	// Nothing is stale yet.
	assert.Equal(t, 0, f.service.ReconcilePending(context.Background()))

	late := New(Params{
		Ledger:        f.ledger,
		PendingMaxAge: time.Minute,
		Now:           func() time.Time { return time.Now().UTC().Add(3 * time.Minute) },
	})
	assert.Equal(t, 1, late.ReconcilePending(context.Background()))

	stored, ok := f.ledger.Payment(p.ID)
	require.True(t, ok)
	assert.Equal(t, types.PaymentFailed, stored.Status)
	assert.Contains(t, stored.FailureReason, "reconciliation")
}
