// Package selftest runs a bus controller against itself: one goroutine
// transmits a fixed self-reception frame, another receives and reports what
// came back.
package selftest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/notnil/canctl"
)

// MsgID is the identifier of the self-test frame.
const MsgID = 0x555

// MsgData is the single payload byte of the self-test frame.
const MsgData = 36

// DefaultDrainTimeout is how long a bounded cycle waits for an outstanding
// frame before counting it as lost.
const DefaultDrainTimeout = time.Second

var (
	// ErrLoopbackMismatch is returned when a received frame differs from the
	// transmitted one.
	ErrLoopbackMismatch = errors.New("selftest: loopback mismatch")
	// ErrFramesLost is returned when a bounded cycle receives fewer frames
	// than it transmitted.
	ErrFramesLost = errors.New("selftest: frames lost")
)

// Transmitter queues frames.
type Transmitter interface {
	Transmit(ctx context.Context, f canctl.Frame, timeout time.Duration) error
}

// Receiver returns accepted frames.
type Receiver interface {
	Receive(ctx context.Context, timeout time.Duration) (canctl.Frame, error)
}

// Controller is a started-and-stopped Transmitter and Receiver, such as a
// *canctl.Session.
type Controller interface {
	Transmitter
	Receiver
	Start() error
	Stop() error
}

// Frame returns the self-test frame: standard ID 0x555, one data byte 36,
// self-reception requested.
func Frame() canctl.Frame {
	f := canctl.MustFrame(MsgID, []byte{MsgData})
	f.SelfRx = true
	return f
}

// Options controls a Run.
type Options struct {
	// Frame is transmitted repeatedly.
	Frame canctl.Frame
	// Iterations is the number of start/exchange/stop cycles. Zero repeats
	// until the context is cancelled.
	Iterations int
	// MessagesPerIteration bounds each cycle. Zero transmits and receives
	// until the context is cancelled or an error occurs, so only one cycle
	// runs.
	MessagesPerIteration int
	// TxDelay is slept between transmissions. Zero saturates the bus.
	TxDelay time.Duration
	// RxTimeout bounds each receive. Negative waits forever.
	RxTimeout time.Duration
	// Window bounds the frames of a bounded cycle that are transmitted but
	// not yet received. Keep it at or below the receive queue length so the
	// queue never overflows. Zero means one.
	Window int
	// DrainTimeout bounds the wait for an outstanding frame in a bounded
	// cycle. Zero means DefaultDrainTimeout.
	DrainTimeout time.Duration
	// Verify fails the run when a received frame differs from Frame.
	Verify bool
	// Logger receives one info entry per received frame.
	Logger *zap.SugaredLogger
}

// DefaultOptions runs a single unbounded cycle with the self-test frame.
func DefaultOptions() Options {
	return Options{
		Frame:        Frame(),
		Iterations:   1,
		RxTimeout:    canctl.WaitForever,
		Window:       1,
		DrainTimeout: DefaultDrainTimeout,
		Logger:       zap.NewNop().Sugar(),
	}
}

// Result counts what a Run did.
type Result struct {
	Iterations  int
	Transmitted int
	Received    int
}

// Run starts c, exchanges frames, and stops c again, once per iteration.
// The first error from either loop cancels the other and is returned;
// cancelling ctx ends the run without error.
//
// A bounded cycle paces transmission to Window frames in flight and fails
// with ErrFramesLost when frames do not come back within DrainTimeout.
func Run(ctx context.Context, c Controller, opts Options) (Result, error) {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop().Sugar()
	}
	var res Result
	for i := 0; opts.Iterations == 0 || i < opts.Iterations; i++ {
		if ctx.Err() != nil {
			return res, nil
		}
		if err := c.Start(); err != nil {
			return res, fmt.Errorf("start: %w", err)
		}
		tx, rx, err := exchange(ctx, c, opts)
		res.Transmitted += tx
		res.Received += rx
		if serr := c.Stop(); serr != nil && err == nil {
			err = fmt.Errorf("stop: %w", serr)
		}
		if err != nil {
			return res, err
		}
		if opts.MessagesPerIteration == 0 || ctx.Err() != nil {
			return res, nil
		}
		res.Iterations++
		opts.Logger.Infow("iteration complete", "iteration", res.Iterations, "messages", rx)
	}
	return res, nil
}

// exchange runs both loops until each has handled the cycle's frames.
func exchange(ctx context.Context, c Controller, opts Options) (tx, rx int, err error) {
	cctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var (
		wg   sync.WaitGroup
		once sync.Once
	)
	fail := func(e error) {
		if e == nil {
			return
		}
		once.Do(func() {
			err = e
			cancel()
		})
	}

	var want *canctl.Frame
	if opts.Verify {
		want = &opts.Frame
	}

	count := opts.MessagesPerIteration
	drainTimeout := opts.DrainTimeout
	if drainTimeout <= 0 {
		drainTimeout = DefaultDrainTimeout
	}
	var (
		t Transmitter = c
		r Receiver    = c
	)
	if count > 0 {
		w := newWindow(opts.Window, drainTimeout, opts.Logger)
		t, r = w.transmitter(c), w.receiver(c)
	}

	// The receiver starts first so the loopback queue is drained from the
	// first frame on.
	rxDone := make(chan struct{})
	wg.Add(2)
	go func() {
		defer wg.Done()
		defer close(rxDone)
		var e error
		rx, e = ReceiveLoop(cctx, r, count, opts.RxTimeout, want, opts.Logger)
		fail(e)
	}()
	go func() {
		defer wg.Done()
		var e error
		tx, e = TransmitLoop(cctx, t, opts.Frame, count, opts.TxDelay)
		fail(e)
		if e != nil || count == 0 {
			return
		}
		timer := time.NewTimer(drainTimeout)
		defer timer.Stop()
		select {
		case <-rxDone:
		case <-cctx.Done():
		case <-timer.C:
			opts.Logger.Warnw("frames outstanding after transmit", "transmitted", tx, "waited", drainTimeout)
			cancel()
		}
	}()
	wg.Wait()
	if err == nil && count > 0 && ctx.Err() == nil && rx < count {
		err = fmt.Errorf("%w: received %d of %d", ErrFramesLost, rx, tx)
	}
	return tx, rx, err
}

// TransmitLoop transmits f count times, or until ctx is cancelled when
// count is zero. It waits forever for queue space and returns the number of
// frames queued. Cancellation is not an error.
func TransmitLoop(ctx context.Context, t Transmitter, f canctl.Frame, count int, delay time.Duration) (int, error) {
	n := 0
	for count == 0 || n < count {
		if err := t.Transmit(ctx, f, canctl.WaitForever); err != nil {
			if errors.Is(err, canctl.ErrCanceled) {
				return n, nil
			}
			return n, fmt.Errorf("transmit frame %d: %w", n, err)
		}
		n++
		if delay > 0 {
			timer := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				timer.Stop()
				return n, nil
			case <-timer.C:
			}
		}
	}
	return n, nil
}

// ReceiveLoop receives count frames, or until ctx is cancelled when count is
// zero, logging each one. When want is non-nil every frame must equal it.
// Cancellation is not an error.
func ReceiveLoop(ctx context.Context, r Receiver, count int, timeout time.Duration, want *canctl.Frame, log *zap.SugaredLogger) (int, error) {
	n := 0
	for count == 0 || n < count {
		f, err := r.Receive(ctx, timeout)
		if err != nil {
			if errors.Is(err, canctl.ErrCanceled) {
				return n, nil
			}
			return n, fmt.Errorf("receive frame %d: %w", n, err)
		}
		n++
		var first byte
		if f.Len > 0 {
			first = f.Data[0]
		}
		log.Infow("msg received", "id", fmt.Sprintf("0x%x", f.ID), "data", first)
		if want != nil && !f.Equal(*want) {
			return n, fmt.Errorf("%w: got %s want %s", ErrLoopbackMismatch, f, *want)
		}
	}
	return n, nil
}
