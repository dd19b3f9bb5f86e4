// Package registry implements attribute-based discovery of inference replicas.
//
// A replica registers an endpoint plus the capability sets it serves; callers
// resolve capability queries to a live replica. Membership is intended to be
// bound to the lifetime of the registering connection: the transport layer
// calls Unregister the moment that connection closes, so consumers never see
// replicas that can no longer be reached.
package registry

import (
	"math/rand"
	"sync"
	"time"
)

// Replica is one registered worker instance. The registry owns the canonical
// copy; lookups hand out clones so callers can hold them without locking.
type Replica struct {
	ID            string       `msgpack:"id"`
	Endpoint      string       `msgpack:"endpoint"`
	Capabilities  []Capability `msgpack:"capabilities"`
	RegisteredAt  time.Time    `msgpack:"registered_at"`
	LastHeartbeat time.Time    `msgpack:"last_heartbeat"`
}

// Clone returns a copy safe to use outside the registry lock. Capability
// values are immutable, so the capability slice is the only thing copied.
func (r *Replica) Clone() *Replica {
	if r == nil {
		return nil
	}
	cp := *r
	cp.Capabilities = make([]Capability, len(r.Capabilities))
	copy(cp.Capabilities, r.Capabilities)
	return &cp
}

func (r *Replica) matchesAny(query Capability) bool {
	for _, c := range r.Capabilities {
		if c.Matches(query) {
			return true
		}
	}
	return false
}

// Registry is a thread-safe directory of replicas. One coarse lock guards the
// whole structure; registry operations are O(replicas x capabilities) and are
// nowhere near the hot path compared to actual inference latency.
type Registry struct {
	mu       sync.RWMutex
	replicas map[string]*Replica
	index    map[string]map[string]struct{} // capability fingerprint -> replica ids
}

// New creates an empty registry. Registries are plain values meant to be
// dependency-injected into the server and dispatcher; tests run several side
// by side.
func New() *Registry {
	return &Registry{
		replicas: make(map[string]*Replica),
		index:    make(map[string]map[string]struct{}),
	}
}

// Register adds or fully replaces a replica. Re-registering an existing id
// drops its old capability index entries first so stale matches cannot
// survive the replacement.
func (r *Registry) Register(id, endpoint string, caps []Capability) {
	now := time.Now()

	r.mu.Lock()
	defer r.mu.Unlock()

	r.removeLocked(id)

	rep := &Replica{
		ID:            id,
		Endpoint:      endpoint,
		Capabilities:  caps,
		RegisteredAt:  now,
		LastHeartbeat: now,
	}
	r.replicas[id] = rep

	for _, c := range rep.Capabilities {
		fp := c.Fingerprint()
		set, ok := r.index[fp]
		if !ok {
			set = make(map[string]struct{})
			r.index[fp] = set
		}
		set[id] = struct{}{}
	}
}

// Unregister removes a replica and all its index entries, reporting whether
// it existed.
func (r *Registry) Unregister(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.removeLocked(id)
}

func (r *Registry) removeLocked(id string) bool {
	rep, ok := r.replicas[id]
	if !ok {
		return false
	}
	for _, c := range rep.Capabilities {
		fp := c.Fingerprint()
		if set, ok := r.index[fp]; ok {
			delete(set, id)
			if len(set) == 0 {
				delete(r.index, fp)
			}
		}
	}
	delete(r.replicas, id)
	return true
}

// Lookup returns one replica matching query, chosen uniformly at random among
// all matches, or nil if none match. Replicas whose id is in exclude are
// skipped. Randomness is the load-balancing policy; no determinism is
// promised.
func (r *Registry) Lookup(query Capability, exclude map[string]struct{}) *Replica {
	r.mu.RLock()
	defer r.mu.RUnlock()

	matches := r.matchesLocked(query, exclude)
	if len(matches) == 0 {
		return nil
	}
	return matches[rand.Intn(len(matches))].Clone()
}

// LookupAll returns every matching replica, at most once each even when
// several of its capabilities match.
func (r *Registry) LookupAll(query Capability, exclude map[string]struct{}) []*Replica {
	r.mu.RLock()
	defer r.mu.RUnlock()

	matches := r.matchesLocked(query, exclude)
	out := make([]*Replica, len(matches))
	for i, m := range matches {
		out[i] = m.Clone()
	}
	return out
}

func (r *Registry) matchesLocked(query Capability, exclude map[string]struct{}) []*Replica {
	var matches []*Replica
	for id, rep := range r.replicas {
		if _, skip := exclude[id]; skip {
			continue
		}
		if rep.matchesAny(query) {
			matches = append(matches, rep)
		}
	}
	return matches
}

// Random returns a uniformly random replica ignoring capabilities, or nil if
// the registry (minus exclusions) is empty. Used as a routing fallback.
func (r *Registry) Random(exclude map[string]struct{}) *Replica {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var avail []*Replica
	for id, rep := range r.replicas {
		if _, skip := exclude[id]; skip {
			continue
		}
		avail = append(avail, rep)
	}
	if len(avail) == 0 {
		return nil
	}
	return avail[rand.Intn(len(avail))].Clone()
}

// Get returns the replica with the given id, or nil.
func (r *Registry) Get(id string) *Replica {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.replicas[id].Clone()
}

// ListAll returns every registered replica.
func (r *Registry) ListAll() []*Replica {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*Replica, 0, len(r.replicas))
	for _, rep := range r.replicas {
		out = append(out, rep.Clone())
	}
	return out
}

// UpdateHeartbeat refreshes a replica's liveness timestamp, reporting whether
// the replica is known.
func (r *Registry) UpdateHeartbeat(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	rep, ok := r.replicas[id]
	if !ok {
		return false
	}
	rep.LastHeartbeat = time.Now()
	return true
}

// Len returns the number of registered replicas.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.replicas)
}
