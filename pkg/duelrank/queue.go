package duelrank

import "context"

// Queue hands gates to a consumer over a channel, for UIs that poll for the
// next comparison rather than being called. The consumer resolves each gate
// it receives.
type Queue struct {
	gates   chan *Gate
	results chan Result
}

// NewQueue returns a Queue whose channels hold up to size entries before
// Present blocks the lane that opened the gate.
func NewQueue(size int) *Queue {
	if size < 0 {
		size = 0
	}
	return &Queue{
		gates:   make(chan *Gate, size),
		results: make(chan Result, 1),
	}
}

func (q *Queue) Present(ctx context.Context, gate *Gate) {
	select {
	case q.gates <- gate:
	case <-ctx.Done():
	}
}

func (q *Queue) Complete(res Result) {
	for {
		select {
		case q.results <- res:
			return
		default:
			// an unread result from an earlier run is replaced
			select {
			case <-q.results:
			default:
			}
		}
	}
}

// Gates yields opened gates in the order their lanes opened them. Gates from a
// superseded run may still be queued; their Resolve returns ErrGateSuperseded.
func (q *Queue) Gates() <-chan *Gate {
	return q.gates
}

// Results yields the result of each run that completes.
func (q *Queue) Results() <-chan Result {
	return q.results
}
