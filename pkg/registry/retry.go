package registry

import "time"

// RetryInterval is the fixed backoff between attempts to insert a deferred
// object whose parent has not arrived yet.
const RetryInterval = 200 * time.Millisecond

type deferredAdd struct {
	desc   Descriptor
	origin string
}

// retryQueue holds adds waiting for their parent object. Keyed by object id
// so a descriptor is pending at most once regardless of how many times its
// update message is received. Guarded by the registry lock.
type retryQueue struct {
	pending map[string]deferredAdd
}

func newRetryQueue() *retryQueue {
	return &retryQueue{pending: make(map[string]deferredAdd)}
}

func (q *retryQueue) put(desc Descriptor, origin string) {
	q.pending[desc.ID] = deferredAdd{desc: desc, origin: origin}
}

// drain removes and returns all pending adds. Adds whose parent is still
// missing are re-queued by AddObject on the next attempt.
func (q *retryQueue) drain() []deferredAdd {
	if len(q.pending) == 0 {
		return nil
	}
	out := make([]deferredAdd, 0, len(q.pending))
	for _, d := range q.pending {
		out = append(out, d)
	}
	q.pending = make(map[string]deferredAdd)
	return out
}

func (q *retryQueue) len() int {
	return len(q.pending)
}
