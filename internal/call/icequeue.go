package call

import "github.com/pion/webrtc/v4"

// candidateQueue buffers remote ICE candidates that arrive before the remote
// description is set. It drains once; afterwards Push refuses candidates and
// the caller must apply them directly.
type candidateQueue struct {
	items   []webrtc.ICECandidateInit
	drained bool
}

// Push buffers c and reports whether it was buffered.
func (q *candidateQueue) Push(c webrtc.ICECandidateInit) bool {
	if q.drained {
		return false
	}
	q.items = append(q.items, c)
	return true
}

// Drain returns the buffered candidates in arrival order and retires the
// queue. Only the first call returns anything.
func (q *candidateQueue) Drain() []webrtc.ICECandidateInit {
	if q.drained {
		return nil
	}
	q.drained = true
	out := q.items
	q.items = nil
	return out
}

func (q *candidateQueue) Len() int { return len(q.items) }

func (q *candidateQueue) Drained() bool { return q.drained }
