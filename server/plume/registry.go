package plume

import "sync"

// subEntry binds a subscription to the outbound of the connection that
// registered it.
type subEntry struct {
	out     *outbound
	sid     string
	subject string
	queue   string
}

// registry is the broker-wide subscription table, keyed by exact subject.
// Queue groups are registered but not load-balanced: delivery is plain
// fan-out.
type registry struct {
	mu        sync.RWMutex
	bySubject map[string][]*subEntry
}

func newRegistry() *registry {
	return &registry{
		bySubject: make(map[string][]*subEntry),
	}
}

func (r *registry) add(e *subEntry) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.bySubject[e.subject] = append(r.bySubject[e.subject], e)
}

// match returns a snapshot of the entries subscribed to subject.
func (r *registry) match(subject string) []*subEntry {
	r.mu.RLock()
	defer r.mu.RUnlock()

	entries := r.bySubject[subject]
	if len(entries) == 0 {
		return nil
	}

	snapshot := make([]*subEntry, len(entries))
	copy(snapshot, entries)
	return snapshot
}

// dropOutbound removes every subscription registered by the given
// connection. Called on connection teardown.
func (r *registry) dropOutbound(out *outbound) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for subject, entries := range r.bySubject {
		kept := entries[:0]
		for _, e := range entries {
			if e.out != out {
				kept = append(kept, e)
			}
		}
		if len(kept) == 0 {
			delete(r.bySubject, subject)
			continue
		}
		r.bySubject[subject] = kept
	}
}

func (r *registry) count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	n := 0
	for _, entries := range r.bySubject {
		n += len(entries)
	}
	return n
}
