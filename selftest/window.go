package selftest

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/notnil/canctl"
)

// window limits the frames in flight between the transmit and receive
// loops. A slot is taken before each transmission and given back when a
// frame is received.
type window struct {
	slots   chan struct{}
	timeout time.Duration
	log     *zap.SugaredLogger
}

func newWindow(size int, timeout time.Duration, log *zap.SugaredLogger) *window {
	if size < 1 {
		size = 1
	}
	return &window{slots: make(chan struct{}, size), timeout: timeout, log: log}
}

// acquire waits for a free slot. When none frees up within the timeout the
// oldest frame in flight is written off and its slot is reused.
func (w *window) acquire(ctx context.Context) error {
	select {
	case w.slots <- struct{}{}:
		return nil
	default:
	}
	timer := time.NewTimer(w.timeout)
	defer timer.Stop()
	select {
	case w.slots <- struct{}{}:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("%w: %w", canctl.ErrCanceled, ctx.Err())
	case <-timer.C:
		w.log.Warnw("frame not received back", "in_flight", len(w.slots), "waited", w.timeout)
		return nil
	}
}

func (w *window) release() {
	select {
	case <-w.slots:
	default:
	}
}

func (w *window) transmitter(t Transmitter) Transmitter {
	return windowTransmitter{t: t, w: w}
}

func (w *window) receiver(r Receiver) Receiver {
	return windowReceiver{r: r, w: w}
}

type windowTransmitter struct {
	t Transmitter
	w *window
}

func (wt windowTransmitter) Transmit(ctx context.Context, f canctl.Frame, timeout time.Duration) error {
	if err := wt.w.acquire(ctx); err != nil {
		return err
	}
	if err := wt.t.Transmit(ctx, f, timeout); err != nil {
		wt.w.release()
		return err
	}
	return nil
}

type windowReceiver struct {
	r Receiver
	w *window
}

func (wr windowReceiver) Receive(ctx context.Context, timeout time.Duration) (canctl.Frame, error) {
	f, err := wr.r.Receive(ctx, timeout)
	if err == nil {
		wr.w.release()
	}
	return f, err
}
