package remit

import (
	"crypto/ecdsa"
	"net/http"
	"time"

	"github.com/remitkit/remit/logger"
	"github.com/remitkit/remit/metrics"
)

type Option func(*Remit)

func WithLogger(l logger.Logger) Option {
	return func(r *Remit) {
		r.log = l
	}
}

func WithMetrics(m metrics.Recorder) Option {
	return func(r *Remit) {
		r.metrics = m
	}
}

// WithSigningKey configures the key that produces transfer authorizations.
// Without one the agentic settlement path fails fatally.
func WithSigningKey(key *ecdsa.PrivateKey) Option {
	return func(r *Remit) {
		r.signingKey = key
	}
}

// WithHTTPClient overrides the client used for facilitator calls.
func WithHTTPClient(h *http.Client) Option {
	return func(r *Remit) {
		r.httpClient = h
	}
}

// WithClock overrides the time source, primarily for tests.
func WithClock(now func() time.Time) Option {
	return func(r *Remit) {
		r.now = now
	}
}
