package sim

import (
	"github.com/notnil/canctl"
	"github.com/notnil/canctl/internal/syncutil"
)

// Wire is an in-memory bus segment. Controllers attach to it while they are
// running and see each other's frames; listeners observe all traffic
// without taking part in acknowledgment.
type Wire struct {
	mu     syncutil.RWMutex
	closed bool
	taps   map[*tap]struct{}
}

type tap struct {
	deliver func(canctl.Frame)
	acks    bool
}

// NewWire creates an idle bus segment.
func NewWire() *Wire {
	return &Wire{taps: make(map[*tap]struct{})}
}

func (w *Wire) attach(deliver func(canctl.Frame), acks bool) (*tap, error) {
	t := &tap{deliver: deliver, acks: acks}
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil, canctl.ErrClosed
	}
	w.taps[t] = struct{}{}
	return t, nil
}

func (w *Wire) detach(t *tap) {
	w.mu.Lock()
	if w.taps != nil {
		delete(w.taps, t)
	}
	w.mu.Unlock()
}

// broadcast delivers f to every tap other than from and reports whether any
// of them acknowledged it.
func (w *Wire) broadcast(from *tap, f canctl.Frame) (bool, error) {
	// Deliver outside the lock.
	w.mu.RLock()
	if w.closed {
		w.mu.RUnlock()
		return false, canctl.ErrClosed
	}
	targets := make([]*tap, 0, len(w.taps))
	for t := range w.taps {
		if t != from {
			targets = append(targets, t)
		}
	}
	w.mu.RUnlock()

	acked := false
	for _, t := range targets {
		t.deliver(f)
		acked = acked || t.acks
	}
	return acked, nil
}

// Listen registers a passive listener. Frames that match filter are sent on
// the returned channel; they are dropped when the channel is full. The
// cancel function detaches the listener and closes the channel.
func (w *Wire) Listen(filter canctl.FrameFilter, buffer int) (<-chan canctl.Frame, func(), error) {
	if buffer < 0 {
		buffer = 0
	}
	ch := make(chan canctl.Frame, buffer)
	var mu syncutil.Mutex
	done := false
	t, err := w.attach(func(f canctl.Frame) {
		if !filter.Match(f) {
			return
		}
		mu.Lock()
		defer mu.Unlock()
		if done {
			return
		}
		select {
		case ch <- f:
		default:
		}
	}, false)
	if err != nil {
		return nil, nil, err
	}
	cancel := func() {
		w.detach(t)
		mu.Lock()
		if !done {
			done = true
			close(ch)
		}
		mu.Unlock()
	}
	return ch, cancel, nil
}

// Close shuts the segment down. Attached controllers fail further
// transmissions.
func (w *Wire) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil
	}
	w.closed = true
	w.taps = nil
	return nil
}
