// Package corridor maintains the authoritative table of which
// (origin, destination) region pairs may transact.
package corridor

import (
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/common"

	"github.com/remitkit/remit/access"
	"github.com/remitkit/remit/types"
)

// Code is a fixed-width two-byte corridor identifier. The byte
// representation is preserved exactly; codes are case sensitive.
type Code [2]byte

// ParseCode converts a string into a Code. The string must be exactly two
// bytes long.
func ParseCode(s string) (Code, error) {
	var c Code
	if len(s) != 2 {
		return c, types.NewError(types.ErrUnsupportedCorridor, fmt.Sprintf("corridor code must be 2 bytes, got %q", s))
	}
	copy(c[:], s)
	return c, nil
}

func (c Code) String() string {
	return string(c[:])
}

type pair struct {
	origin      Code
	destination Code
}

// Registry is the corridor table. Per-pair edits are directional and never
// auto-mirrored; only bulk initialization enables cross-group pairs in both
// directions. Pairs are never deleted, only disabled.
type Registry struct {
	mu    sync.RWMutex
	pairs map[pair]bool
	authz access.Authorizer
}

// NewRegistry bootstraps a registry from a regional group and an external
// group: all ordered pairs within the regional set (excluding self-pairs)
// are enabled, and every external code is paired with every regional code
// in both directions.
func NewRegistry(authz access.Authorizer, regional, external []Code) *Registry {
	r := &Registry{
		pairs: make(map[pair]bool),
		authz: authz,
	}
	for _, a := range regional {
		for _, b := range regional {
			if a == b {
				continue
			}
			r.pairs[pair{a, b}] = true
		}
	}
	for _, e := range external {
		for _, reg := range regional {
			r.pairs[pair{e, reg}] = true
			r.pairs[pair{reg, e}] = true
		}
	}
	return r
}

// IsSupported reports whether the ordered corridor is enabled. The read
// reflects every write that completed strictly before it.
func (r *Registry) IsSupported(origin, destination Code) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.pairs[pair{origin, destination}]
}

// SetCorridor enables or disables a single ordered pair. Requires the
// operator capability. The reverse direction is untouched.
func (r *Registry) SetCorridor(actor common.Address, origin, destination Code, enabled bool) error {
	if !r.authz.Allow(actor, access.CapOperator) {
		return types.NewError(types.ErrNotAuthorized, "corridor mutation requires operator capability")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pairs[pair{origin, destination}] = enabled
	return nil
}

// Corridors returns a snapshot of every known pair and its flag, keyed by
// the concatenated origin and destination codes.
func (r *Registry) Corridors() map[string]bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]bool, len(r.pairs))
	for p, enabled := range r.pairs {
		out[p.origin.String()+p.destination.String()] = enabled
	}
	return out
}
