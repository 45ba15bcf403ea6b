package socketcan

import (
	"github.com/notnil/canctl"
	"github.com/notnil/canctl/internal/syncutil"
)

// echoQueue holds the frames written with self reception requested whose
// loopback copy has not been read back yet. The kernel echoes every frame the
// socket writes, so an echo is only surfaced when it matches a queued frame.
type echoQueue struct {
	mu      syncutil.Mutex
	pending []canctl.Frame
}

func (q *echoQueue) add(f canctl.Frame) {
	q.mu.Lock()
	q.pending = append(q.pending, f)
	q.mu.Unlock()
}

// remove withdraws the most recent entry equal to f after a failed write.
func (q *echoQueue) remove(f canctl.Frame) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i := len(q.pending) - 1; i >= 0; i-- {
		if q.pending[i].Equal(f) {
			q.pending = append(q.pending[:i], q.pending[i+1:]...)
			return
		}
	}
}

// take consumes the oldest entry equal to f and reports whether there was one.
func (q *echoQueue) take(f canctl.Frame) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i, p := range q.pending {
		if p.Equal(f) {
			q.pending = append(q.pending[:i], q.pending[i+1:]...)
			return true
		}
	}
	return false
}

func (q *echoQueue) reset() {
	q.mu.Lock()
	q.pending = nil
	q.mu.Unlock()
}

func (q *echoQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}
