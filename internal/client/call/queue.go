package call

import (
	"sync"

	"github.com/pion/webrtc/v4"
)

// CandidateQueue buffers remote ICE candidates that arrive before the
// peer's session description has been applied. Candidates are held in
// arrival order and drained exactly once; after the drain the queue
// reports ready and callers apply candidates directly.
type CandidateQueue struct {
	mu    sync.Mutex
	items []webrtc.ICECandidateInit
	ready bool
}

func NewCandidateQueue() *CandidateQueue {
	return &CandidateQueue{}
}

// Add queues the candidate, or reports false when the queue has been
// drained and the candidate should be applied immediately.
func (q *CandidateQueue) Add(ci webrtc.ICECandidateInit) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.ready {
		return false
	}
	q.items = append(q.items, ci)
	return true
}

// Drain hands every queued candidate to apply in arrival order, marks
// the queue ready and empties it. Apply errors are the caller's
// problem; the queue forgets each item regardless so nothing is ever
// applied twice.
func (q *CandidateQueue) Drain(apply func(webrtc.ICECandidateInit) error) []error {
	q.mu.Lock()
	items := q.items
	q.items = nil
	q.ready = true
	q.mu.Unlock()

	var errs []error
	for _, ci := range items {
		if err := apply(ci); err != nil {
			errs = append(errs, err)
		}
	}
	return errs
}

func (q *CandidateQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}
