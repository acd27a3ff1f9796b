// Package router selects a backend server for each query: backends are
// grouped into named pools and picked by a configurable policy.
package router

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/DXTimer/pdns/internal/backend"
)

// Policy picks one server among the available candidates, or nil when none
// is usable.
type Policy interface {
	Name() string
	Pick(candidates []*backend.Server) *backend.Server
}

type roundRobin struct {
	counter atomic.Uint64
}

func (p *roundRobin) Name() string { return "roundrobin" }

func (p *roundRobin) Pick(candidates []*backend.Server) *backend.Server {
	if len(candidates) == 0 {
		return nil
	}
	n := p.counter.Add(1)
	return candidates[(n-1)%uint64(len(candidates))]
}

type leastOutstanding struct{}

func (leastOutstanding) Name() string { return "leastOutstanding" }

func (leastOutstanding) Pick(candidates []*backend.Server) *backend.Server {
	var best *backend.Server
	var bestLoad int64
	for _, s := range candidates {
		load := s.Outstanding()
		if best == nil || load < bestLoad {
			best = s
			bestLoad = load
		}
	}
	return best
}

type first struct{}

func (first) Name() string { return "first" }

func (first) Pick(candidates []*backend.Server) *backend.Server {
	if len(candidates) == 0 {
		return nil
	}
	return candidates[0]
}

// NewPolicy resolves a policy by name.
func NewPolicy(name string) (Policy, error) {
	switch name {
	case "roundrobin":
		return &roundRobin{}, nil
	case "leastOutstanding":
		return leastOutstanding{}, nil
	case "first":
		return first{}, nil
	default:
		return nil, fmt.Errorf("unknown server policy %q", name)
	}
}

// Router maps pool names to their member servers.
type Router struct {
	mu     sync.RWMutex
	pools  map[string][]*backend.Server
	policy Policy
}

// New builds a router over the given servers, grouped by their pool names.
func New(servers []*backend.Server, policy Policy) *Router {
	r := &Router{
		pools:  make(map[string][]*backend.Server),
		policy: policy,
	}
	for _, s := range servers {
		r.pools[s.Pool] = append(r.pools[s.Pool], s)
	}
	return r
}

// Pick selects an available server from the named pool. Servers marked down
// by the health checker are skipped; nil means no server can take the query.
func (r *Router) Pick(pool string) *backend.Server {
	r.mu.RLock()
	members := r.pools[pool]
	policy := r.policy
	r.mu.RUnlock()

	candidates := make([]*backend.Server, 0, len(members))
	for _, s := range members {
		if s.IsUp() {
			candidates = append(candidates, s)
		}
	}
	return policy.Pick(candidates)
}

// Reload replaces the entire routing table from a new server set, and the
// selection policy when one is given.
func (r *Router) Reload(servers []*backend.Server, policy Policy) {
	r.mu.Lock()
	defer r.mu.Unlock()

	pools := make(map[string][]*backend.Server, len(r.pools))
	for _, s := range servers {
		pools[s.Pool] = append(pools[s.Pool], s)
	}
	r.pools = pools
	if policy != nil {
		r.policy = policy
	}
}

// HasPool reports whether a pool with that name exists.
func (r *Router) HasPool(pool string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.pools[pool]
	return ok
}

// Servers returns every server known to the router.
func (r *Router) Servers() []*backend.Server {
	r.mu.RLock()
	defer r.mu.RUnlock()

	seen := make(map[*backend.Server]bool)
	var out []*backend.Server
	for _, members := range r.pools {
		for _, s := range members {
			if !seen[s] {
				seen[s] = true
				out = append(out, s)
			}
		}
	}
	return out
}

// Pools returns the pool names and their member names.
func (r *Router) Pools() map[string][]string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make(map[string][]string, len(r.pools))
	for name, members := range r.pools {
		names := make([]string, 0, len(members))
		for _, s := range members {
			names = append(names, s.Name)
		}
		out[name] = names
	}
	return out
}
