package signer

import (
	"bytes"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/remitkit/remit/types"
)

func testDomain() Domain {
	return Domain{
		Name:              "USD Coin",
		Version:           "2",
		ChainID:           big.NewInt(8453),
		VerifyingContract: common.HexToAddress("0x833589fCD6eDb6E08f4c7C32D4f71b54bdA02913"),
	}
}

func TestSignTransferRecovers(t *testing.T) {
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	s, err := New(key, testDomain())
	require.NoError(t, err)

	to := common.HexToAddress("0x2222222222222222222222222222222222222222")
	signed, err := s.SignTransfer(to, big.NewInt(1_000_000))
	require.NoError(t, err)

	assert.Equal(t, s.Address(), signed.From)
	assert.Equal(t, to, signed.To)
	assert.Len(t, signed.Signature, 65)
	assert.True(t, signed.V == 27 || signed.V == 28)

	recovered, err := Recover(testDomain(), signed.Authorization, signed.Signature)
	require.NoError(t, err)
	assert.Equal(t, s.Address(), recovered)
}

func TestRecoverRejectsWrongDomain(t *testing.T) {
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	s, err := New(key, testDomain())
	require.NoError(t, err)

	signed, err := s.SignTransfer(common.HexToAddress("0x22"), big.NewInt(100))
	require.NoError(t, err)

	other := testDomain()
	other.ChainID = big.NewInt(1)
	recovered, err := Recover(other, signed.Authorization, signed.Signature)
	require.NoError(t, err)
	assert.NotEqual(t, s.Address(), recovered)
}

func TestValidityWindow(t *testing.T) {
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	s, err := New(key, testDomain(),
		WithValidity(30*time.Minute),
		WithClock(func() time.Time { return at }))
	require.NoError(t, err)

	signed, err := s.SignTransfer(common.HexToAddress("0x22"), big.NewInt(100))
	require.NoError(t, err)

	assert.Equal(t, int64(0), signed.ValidAfter.Int64())
	assert.Equal(t, at.Add(30*time.Minute).Unix(), signed.ValidBefore.Int64())
}

func TestNonceUniqueness(t *testing.T) {
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	s, err := New(key, testDomain())
	require.NoError(t, err)

	seen := make(map[[32]byte]bool)
	for i := 0; i < 20; i++ {
		signed, err := s.SignTransfer(common.HexToAddress("0x22"), big.NewInt(100))
		require.NoError(t, err)
		require.False(t, seen[signed.Nonce], "nonce repeated")
		seen[signed.Nonce] = true
	}
}

func TestRepeatingEntropyRefused(t *testing.T) {
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	// Zero reader always yields the same nonce.
	s, err := New(key, testDomain(), WithEntropy(bytes.NewReader(make([]byte, 256))))
	require.NoError(t, err)

	_, err = s.SignTransfer(common.HexToAddress("0x22"), big.NewInt(100))
	require.NoError(t, err)
	_, err = s.SignTransfer(common.HexToAddress("0x22"), big.NewInt(100))
	require.Error(t, err)
}

func TestNilKeyRejected(t *testing.T) {
	_, err := New(nil, testDomain())
	require.Error(t, err)
	assert.Equal(t, types.ErrMissingSigningKey, types.CodeOf(err))
}

func TestSignTransferRejectsNonPositiveValue(t *testing.T) {
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	s, err := New(key, testDomain())
	require.NoError(t, err)

	_, err = s.SignTransfer(common.HexToAddress("0x22"), big.NewInt(0))
	require.Error(t, err)
	assert.Equal(t, types.ErrInvalidAmount, types.CodeOf(err))
}
