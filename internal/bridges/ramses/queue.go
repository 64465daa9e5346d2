package ramses

import (
	"fmt"
	"sync"
)

// PendingQueue holds outbound frames waiting for a reply.
//
// Entries are kept in insertion order and FindMatch returns the oldest
// matching entry. In practice there is at most one outstanding request per
// verb/code/src/dst tuple, so ties are not expected.
//
// Thread Safety: every method takes the queue lock for its whole duration.
type PendingQueue struct {
	mu      sync.Mutex
	entries []*Frame
}

// NewPendingQueue returns an empty queue.
func NewPendingQueue() *PendingQueue {
	return &PendingQueue{}
}

// Add tracks f. Adding a frame whose ID is already present is a no-op.
//
// Returns:
//   - error: ErrNoExpectedResponse if f has no expected response
func (q *PendingQueue) Add(f *Frame) error {
	if f == nil || f.Expected == nil {
		return ErrNoExpectedResponse
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	if q.indexOf(f.ID) >= 0 {
		return nil
	}
	q.entries = append(q.entries, f)
	return nil
}

// FindMatch returns the first pending frame whose expected response is
// satisfied by candidate, or nil.
func (q *PendingQueue) FindMatch(candidate *Frame) *Frame {
	q.mu.Lock()
	defer q.mu.Unlock()

	if i := q.matchIndex(candidate); i >= 0 {
		return q.entries[i]
	}
	return nil
}

// Take finds the first pending frame satisfied by candidate and removes it
// in one step, cancelling its retry timer. Returns nil when nothing matches.
func (q *PendingQueue) Take(candidate *Frame) *Frame {
	q.mu.Lock()
	i := q.matchIndex(candidate)
	var f *Frame
	if i >= 0 {
		f = q.entries[i]
		q.removeAt(i)
	}
	q.mu.Unlock()

	if f != nil {
		f.Expected.cancelRetry()
	}
	return f
}

// Remove deletes f and cancels its retry timer.
//
// Returns:
//   - error: ErrNotFound if f is not pending
func (q *PendingQueue) Remove(f *Frame) error {
	q.mu.Lock()
	i := q.indexOf(f.ID)
	if i < 0 {
		q.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNotFound, f.ID)
	}
	q.removeAt(i)
	q.mu.Unlock()

	f.Expected.cancelRetry()
	return nil
}

// Contains reports whether f is pending.
func (q *PendingQueue) Contains(f *Frame) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.indexOf(f.ID) >= 0
}

// arm stores a retry cancel handle on f if it is still pending. When f has
// already left the queue the timer is cancelled straight away.
func (q *PendingQueue) arm(f *Frame, cancel func() bool) {
	q.mu.Lock()
	pending := q.indexOf(f.ID) >= 0
	if pending {
		f.Expected.setCancel(cancel)
	}
	q.mu.Unlock()

	if !pending {
		cancel()
	}
}

// Clear removes every entry and cancels every retry timer.
func (q *PendingQueue) Clear() {
	q.mu.Lock()
	entries := q.entries
	q.entries = nil
	q.mu.Unlock()

	for _, f := range entries {
		f.Expected.cancelRetry()
	}
}

// Len returns the number of pending frames.
func (q *PendingQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries)
}

// Snapshot returns the pending frames in insertion order.
func (q *PendingQueue) Snapshot() []*Frame {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]*Frame, len(q.entries))
	copy(out, q.entries)
	return out
}

func (q *PendingQueue) indexOf(id string) int {
	for i, f := range q.entries {
		if f.ID == id {
			return i
		}
	}
	return -1
}

func (q *PendingQueue) matchIndex(candidate *Frame) int {
	for i, f := range q.entries {
		if f.Expected.Matches(candidate) {
			return i
		}
	}
	return -1
}

func (q *PendingQueue) removeAt(i int) {
	copy(q.entries[i:], q.entries[i+1:])
	q.entries[len(q.entries)-1] = nil
	q.entries = q.entries[:len(q.entries)-1]
}
