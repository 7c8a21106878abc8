// Package signer produces typed, time-boxed, single-use transfer
// authorizations on behalf of a sender's key holder.
package signer

import (
	"crypto/ecdsa"
	"crypto/rand"
	"io"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/remitkit/remit/types"
)

// DefaultValidity bounds how long a freshly signed authorization can be
// presented to the facilitator.
const DefaultValidity = time.Hour

// Signer signs EIP-3009 style transfer authorizations under a fixed
// domain. Each nonce is drawn from a cryptographic source and refused on
// reuse for the lifetime of the signer.
type Signer struct {
	key      *ecdsa.PrivateKey
	domain   Domain
	validity time.Duration

	mu     sync.Mutex
	issued map[[32]byte]bool

	now     func() time.Time
	entropy io.Reader
}

// Option customises a Signer.
type Option func(*Signer)

// WithValidity overrides the authorization validity window.
func WithValidity(d time.Duration) Option {
	return func(s *Signer) { s.validity = d }
}

// WithClock overrides the time source, primarily for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Signer) { s.now = now }
}

// WithEntropy overrides the nonce source, primarily for tests.
func WithEntropy(r io.Reader) Option {
	return func(s *Signer) { s.entropy = r }
}

// New builds a signer. A nil key is a configuration error: there is no
// transfer capability to fall back to without one, so the failure is fatal.
func New(key *ecdsa.PrivateKey, domain Domain, opts ...Option) (*Signer, error) {
	if key == nil {
		return nil, types.NewError(types.ErrMissingSigningKey, "no signing key configured")
	}
	s := &Signer{
		key:      key,
		domain:   domain,
		validity: DefaultValidity,
		issued:   make(map[[32]byte]bool),
		now:      func() time.Time { return time.Now().UTC() },
		entropy:  rand.Reader,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Address returns the account the signer controls.
func (s *Signer) Address() common.Address {
	return crypto.PubkeyToAddress(s.key.PublicKey)
}

// Domain returns the domain signatures are bound to.
func (s *Signer) Domain() Domain {
	return s.domain
}

// SignTransfer produces a signed authorization moving value from the
// signer's account to the recipient, valid from now until now+validity.
func (s *Signer) SignTransfer(to common.Address, value *big.Int) (*types.SignedAuthorization, error) {
	if value == nil || value.Sign() <= 0 {
		return nil, types.NewError(types.ErrInvalidAmount, "authorization value must be positive")
	}
	nonce, err := s.freshNonce()
	if err != nil {
		return nil, err
	}
	now := s.now()
	auth := types.Authorization{
		From:        s.Address(),
		To:          to,
		Value:       new(big.Int).Set(value),
		ValidAfter:  big.NewInt(0),
		ValidBefore: big.NewInt(now.Add(s.validity).Unix()),
		Nonce:       nonce,
	}
	digest, err := Digest(s.domain, auth)
	if err != nil {
		return nil, err
	}
	sig, err := crypto.Sign(digest.Bytes(), s.key)
	if err != nil {
		return nil, types.NewError(types.ErrInvalidSignature, err.Error())
	}
	signed := &types.SignedAuthorization{
		Authorization: auth,
		Signature:     sig,
		V:             sig[64] + 27,
		R:             common.BytesToHash(sig[0:32]),
		S:             common.BytesToHash(sig[32:64]),
	}
	return signed, nil
}

// freshNonce draws a random 32-byte nonce, refusing the vanishingly
// unlikely repeat within this signer's domain.
func (s *Signer) freshNonce() ([32]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var nonce [32]byte
	for attempt := 0; attempt < 3; attempt++ {
		if _, err := io.ReadFull(s.entropy, nonce[:]); err != nil {
			return nonce, types.NewError(types.ErrInvalidSignature, "nonce entropy unavailable: "+err.Error())
		}
		if !s.issued[nonce] {
			s.issued[nonce] = true
			return nonce, nil
		}
	}
	return nonce, types.NewError(types.ErrAccountingInvalid, "nonce source repeating")
}
