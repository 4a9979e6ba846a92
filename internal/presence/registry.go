package presence

import (
	"sync"
	"time"

	"github.com/friendapp/rtc/internal/directory"
)

// Availability is an identity's current call state.
type Availability string

const (
	Free    Availability = "free"
	Ringing Availability = "ringing"
	InCall  Availability = "in_call"
)

// Entry is one registered identity with its derived presence fields.
type Entry struct {
	Identity     directory.Identity
	ConnID       string
	Profile      directory.Profile
	Availability Availability
	RegisteredAt time.Time
}

type record struct {
	entry Entry
	order int
}

// Registry is the source of truth for who is online and matchable.
// All mutations to a given identity's availability go through its
// single mutex, which is also what makes Reserve atomic across a pair.
type Registry struct {
	mu      sync.Mutex
	byID    map[directory.Identity]*record
	byConn  map[string]directory.Identity
	nextSeq int
}

func NewRegistry() *Registry {
	return &Registry{
		byID:   make(map[directory.Identity]*record),
		byConn: make(map[string]directory.Identity),
	}
}

// Register binds a connection to an identity and marks it free. A
// re-auth from a new connection replaces the old binding.
func (r *Registry) Register(connID string, id directory.Identity, profile directory.Profile) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if rec, ok := r.byID[id]; ok {
		delete(r.byConn, rec.entry.ConnID)
		rec.entry.ConnID = connID
		rec.entry.Profile = profile
		r.byConn[connID] = id
		return
	}

	r.byID[id] = &record{
		entry: Entry{
			Identity:     id,
			ConnID:       connID,
			Profile:      profile,
			Availability: Free,
			RegisteredAt: time.Now().UTC(),
		},
		order: r.nextSeq,
	}
	r.nextSeq++
	r.byConn[connID] = id
}

// Unregister removes the binding for a disconnected connection and
// returns the identity it carried, if any.
func (r *Registry) Unregister(connID string) (directory.Identity, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	id, ok := r.byConn[connID]
	if !ok {
		return "", false
	}
	delete(r.byConn, connID)
	if rec, ok := r.byID[id]; ok && rec.entry.ConnID == connID {
		delete(r.byID, id)
	}
	return id, true
}

// IdentityFor resolves a connection to its authenticated identity.
func (r *Registry) IdentityFor(connID string) (directory.Identity, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	id, ok := r.byConn[connID]
	return id, ok
}

// Get returns the entry for an identity.
func (r *Registry) Get(id directory.Identity) (Entry, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.byID[id]
	if !ok {
		return Entry{}, false
	}
	return rec.entry, true
}

// SetAvailability transitions an identity's state. A missing identity is
// tolerated: the peer may already have disconnected.
func (r *Registry) SetAvailability(id directory.Identity, state Availability) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if rec, ok := r.byID[id]; ok {
		rec.entry.Availability = state
	}
}

// Reserve flips both identities from free to ringing in one step.
// It fails without side effects if either is missing or not free,
// which is what prevents two seekers from double-booking a partner.
func (r *Registry) Reserve(a, b directory.Identity) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	ra, ok := r.byID[a]
	if !ok || ra.entry.Availability != Free {
		return false
	}
	rb, ok := r.byID[b]
	if !ok || rb.entry.Availability != Free {
		return false
	}
	ra.entry.Availability = Ringing
	rb.entry.Availability = Ringing
	return true
}

// Release returns identities to free, ignoring ones no longer registered.
func (r *Registry) Release(ids ...directory.Identity) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, id := range ids {
		if rec, ok := r.byID[id]; ok {
			rec.entry.Availability = Free
		}
	}
}

// SetInCall moves an accepted pair from ringing to in-call.
func (r *Registry) SetInCall(a, b directory.Identity) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, id := range []directory.Identity{a, b} {
		if rec, ok := r.byID[id]; ok {
			rec.entry.Availability = InCall
		}
	}
}

// IsFree reports whether an identity is registered and matchable.
func (r *Registry) IsFree(id directory.Identity) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.byID[id]
	return ok && rec.entry.Availability == Free
}

// Snapshot lists all registered identities in registration order.
func (r *Registry) Snapshot() []Entry {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]Entry, 0, len(r.byID))
	for _, rec := range r.byID {
		out = append(out, rec.entry)
	}
	// Registration order keeps the list deterministic.
	for i := 1; i < len(out); i++ {
		for j := i; j > 0 && r.byID[out[j-1].Identity].order > r.byID[out[j].Identity].order; j-- {
			out[j-1], out[j] = out[j], out[j-1]
		}
	}
	return out
}

// Count returns the number of online identities.
func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.byID)
}
