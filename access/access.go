// Package access implements capability checks for the settlement core.
// Every mutating operation consults a single Authorizer at its top instead
// of inheriting role logic from a base type.
package access

import (
	"sync"

	"github.com/ethereum/go-ethereum/common"
)

// Capability names a permission an actor may hold. Sender and recipient
// checks are structural (made against the record itself) and deliberately
// have no capability here.
type Capability string

const (
	// CapOperator may mutate corridor and fee configuration.
	CapOperator Capability = "operator"
	// CapAgent may trigger milestone releases on behalf of automation.
	CapAgent Capability = "agent"
	// CapArbiter may resolve escrow disputes.
	CapArbiter Capability = "arbiter"
)

// Authorizer answers whether an actor holds a capability.
type Authorizer interface {
	Allow(actor common.Address, cap Capability) bool
}

// StaticAuthorizer is an in-memory grant table. Grants are mutated through
// the administrative API and read concurrently by every operation.
type StaticAuthorizer struct {
	mu     sync.RWMutex
	grants map[common.Address]map[Capability]bool
}

// NewStaticAuthorizer returns an empty grant table.
func NewStaticAuthorizer() *StaticAuthorizer {
	return &StaticAuthorizer{grants: make(map[common.Address]map[Capability]bool)}
}

// Grant gives the actor the capability.
func (a *StaticAuthorizer) Grant(actor common.Address, cap Capability) {
	a.mu.Lock()
	defer a.mu.Unlock()
	caps, ok := a.grants[actor]
	if !ok {
		caps = make(map[Capability]bool)
		a.grants[actor] = caps
	}
	caps[cap] = true
}

// Revoke removes the capability from the actor.
func (a *StaticAuthorizer) Revoke(actor common.Address, cap Capability) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if caps, ok := a.grants[actor]; ok {
		delete(caps, cap)
	}
}

// Allow implements Authorizer.
func (a *StaticAuthorizer) Allow(actor common.Address, cap Capability) bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.grants[actor][cap]
}
