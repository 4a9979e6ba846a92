package match

import (
	"sync"
	"time"

	"github.com/friendapp/rtc/internal/directory"
)

type entry struct {
	id         directory.Identity
	enqueuedAt time.Time
}

// Queue holds per-mode FIFO waiting lists of seekers. An identity lives
// in at most one entry across all modes at a time.
type Queue struct {
	mu     sync.Mutex
	queues map[string][]entry
	modeOf map[directory.Identity]string
}

func NewQueue() *Queue {
	return &Queue{
		queues: make(map[string][]entry),
		modeOf: make(map[directory.Identity]string),
	}
}

// Match scans mode's queue in insertion order and hands each candidate
// to accept, which checks compatibility and atomically reserves the
// pair. The first accepted candidate is removed and returned. If none
// is accepted the seeker is enqueued (replacing any entry it holds in
// any mode) and queued is true.
//
// accept runs under the queue lock, so find-and-remove plus the
// reservation it performs are a single step; a second seeker can never
// be offered the same entry.
func (q *Queue) Match(seeker directory.Identity, mode string, accept func(candidate directory.Identity) bool) (partner directory.Identity, queued bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	list := q.queues[mode]
	for i, cand := range list {
		if cand.id == seeker {
			continue
		}
		if !accept(cand.id) {
			continue
		}
		q.queues[mode] = append(list[:i:i], list[i+1:]...)
		delete(q.modeOf, cand.id)
		q.removeLocked(seeker)
		return cand.id, false
	}

	q.removeLocked(seeker)
	q.queues[mode] = append(q.queues[mode], entry{id: seeker, enqueuedAt: time.Now().UTC()})
	q.modeOf[seeker] = mode
	return "", true
}

// Remove drops the seeker's entry for mode. Idempotent: absent entries
// are a no-op, reported via the return value.
func (q *Queue) Remove(id directory.Identity, mode string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.modeOf[id] != mode {
		return false
	}
	return q.removeLocked(id)
}

// RemoveAll drops the identity from whatever queue it is in.
func (q *Queue) RemoveAll(id directory.Identity) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.removeLocked(id)
}

func (q *Queue) removeLocked(id directory.Identity) bool {
	mode, ok := q.modeOf[id]
	if !ok {
		return false
	}
	list := q.queues[mode]
	for i, e := range list {
		if e.id == id {
			q.queues[mode] = append(list[:i:i], list[i+1:]...)
			break
		}
	}
	delete(q.modeOf, id)
	return true
}

// Depth returns the number of waiting seekers for mode.
func (q *Queue) Depth(mode string) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.queues[mode])
}

// Waiting reports whether the identity is queued, and under which mode.
func (q *Queue) Waiting(id directory.Identity) (string, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	mode, ok := q.modeOf[id]
	return mode, ok
}
