package access

import (
	"sort"
	"sync"

	"github.com/ethereum/go-ethereum/common"
)

// Capability names an operation class gated by role
type Capability string

const (
	Executor   Capability = "executor"   // execute and cancel any order
	Liquidator Capability = "liquidator" // force-close underwater positions
	Governance Capability = "governance" // pause, unpause, market updates
)

// Gate answers whether caller may use a capability
type Gate interface {
	IsAuthorized(caller common.Address, c Capability) bool
}

// AllowAll authorizes every caller (single-operator devnets, tests)
type AllowAll struct{}

func (AllowAll) IsAuthorized(common.Address, Capability) bool { return true }

// RoleStore is an in-memory role table
type RoleStore struct {
	mu    sync.RWMutex
	roles map[Capability]map[common.Address]struct{}
}

func NewRoleStore() *RoleStore {
	return &RoleStore{roles: make(map[Capability]map[common.Address]struct{})}
}

// Grant gives addr the capability
func (r *RoleStore) Grant(addr common.Address, c Capability) {
	r.mu.Lock()
	defer r.mu.Unlock()

	members, ok := r.roles[c]
	if !ok {
		members = make(map[common.Address]struct{})
		r.roles[c] = members
	}
	members[addr] = struct{}{}
}

// Revoke removes the capability from addr
func (r *RoleStore) Revoke(addr common.Address, c Capability) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.roles[c], addr)
}

func (r *RoleStore) IsAuthorized(caller common.Address, c Capability) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.roles[c][caller]
	return ok
}

// Members lists holders of a capability
func (r *RoleStore) Members(c Capability) []common.Address {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]common.Address, 0, len(r.roles[c]))
	for a := range r.roles[c] {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Hex() < out[j].Hex() })
	return out
}
