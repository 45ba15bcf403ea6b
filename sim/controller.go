// Package sim provides an in-memory bus controller for tests and for running
// the self test without hardware.
//
// It models what a caller of canctl.Driver can observe: bounded transmit and
// receive queues, acknowledgment by peers on a shared Wire, no-ack and
// listen-only modes, self-reception and acceptance filtering. Bit timing is
// used only to pace transmissions when WithFrameTiming is set.
package sim

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/notnil/canctl"
	"github.com/notnil/canctl/internal/syncutil"
)

// RetransmitInterval is how long an unacknowledged frame waits before the
// controller tries again.
const RetransmitInterval = time.Millisecond

// Option configures a Controller.
type Option func(*Controller)

// WithFrameTiming paces transmissions to the duration of each frame at the
// installed bit rate.
func WithFrameTiming() Option {
	return func(c *Controller) { c.paced = true }
}

// Controller is a simulated bus controller implementing canctl.Driver.
type Controller struct {
	wire  *Wire
	paced bool

	mu    syncutil.Mutex
	state canctl.State
	g     canctl.GeneralConfig
	t     canctl.TimingConfig
	f     canctl.FilterConfig
	txq   chan canctl.Frame
	rxq   chan canctl.Frame
	halt  chan struct{}
	tap   *tap
	pump  sync.WaitGroup

	transmitted atomic.Uint64
	received    atomic.Uint64
	txFailed    atomic.Uint64
	rxMissed    atomic.Uint64
	filtered    atomic.Uint64
	txErrors    atomic.Uint64
}

var _ canctl.Driver = (*Controller)(nil)

// New creates an uninstalled controller attached to w.
func New(w *Wire, opts ...Option) *Controller {
	c := &Controller{wire: w}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// NewLoopback creates a controller on a private wire with no peers.
func NewLoopback(opts ...Option) *Controller {
	return New(NewWire(), opts...)
}

// Wire returns the segment the controller is attached to.
func (c *Controller) Wire() *Wire { return c.wire }

// Install implements canctl.Driver.
func (c *Controller) Install(g canctl.GeneralConfig, t canctl.TimingConfig, f canctl.FilterConfig) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != canctl.StateUninstalled {
		return canctl.ErrAlreadyInstalled
	}
	if err := g.Validate(); err != nil {
		return err
	}
	if err := t.Validate(); err != nil {
		return err
	}
	if err := f.Validate(); err != nil {
		return err
	}
	txLen := g.TxQueueLen
	if txLen < 1 {
		txLen = 1
	}
	c.g, c.t, c.f = g, t, f
	c.txq = make(chan canctl.Frame, txLen)
	c.rxq = make(chan canctl.Frame, g.RxQueueLen)
	c.state = canctl.StateStopped
	return nil
}

// Start implements canctl.Driver.
func (c *Controller) Start() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != canctl.StateStopped {
		return fmt.Errorf("%w: start while %s", canctl.ErrInvalidState, c.state)
	}
	drain(c.txq)
	drain(c.rxq)
	tap, err := c.wire.attach(c.acceptor(c.rxq, c.f), c.g.Mode != canctl.ModeListenOnly)
	if err != nil {
		return err
	}
	c.tap = tap
	c.halt = make(chan struct{})
	c.pump.Add(1)
	go c.run(c.halt, c.txq, tap, c.g.Mode)
	c.state = canctl.StateRunning
	return nil
}

// Stop implements canctl.Driver.
func (c *Controller) Stop() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != canctl.StateRunning {
		return fmt.Errorf("%w: stop while %s", canctl.ErrInvalidState, c.state)
	}
	close(c.halt)
	c.pump.Wait()
	c.wire.detach(c.tap)
	c.tap = nil
	drain(c.txq)
	drain(c.rxq)
	c.state = canctl.StateStopped
	return nil
}

// Uninstall implements canctl.Driver.
func (c *Controller) Uninstall() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != canctl.StateStopped {
		return fmt.Errorf("%w: uninstall while %s", canctl.ErrInvalidState, c.state)
	}
	c.txq, c.rxq = nil, nil
	c.state = canctl.StateUninstalled
	return nil
}

// Transmit implements canctl.Driver.
func (c *Controller) Transmit(ctx context.Context, f canctl.Frame) error {
	if err := f.Validate(); err != nil {
		return err
	}
	c.mu.Lock()
	if c.state != canctl.StateRunning {
		st := c.state
		c.mu.Unlock()
		return fmt.Errorf("%w: transmit while %s", canctl.ErrInvalidState, st)
	}
	if c.g.Mode == canctl.ModeListenOnly {
		c.mu.Unlock()
		return canctl.ErrNotSupported
	}
	txq, halt := c.txq, c.halt
	c.mu.Unlock()

	select {
	case txq <- f:
		return nil
	default:
	}
	select {
	case txq <- f:
		return nil
	case <-halt:
		return fmt.Errorf("%w: stopped during transmit", canctl.ErrInvalidState)
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Receive implements canctl.Driver.
func (c *Controller) Receive(ctx context.Context) (canctl.Frame, error) {
	c.mu.Lock()
	if c.state != canctl.StateRunning {
		st := c.state
		c.mu.Unlock()
		return canctl.Frame{}, fmt.Errorf("%w: receive while %s", canctl.ErrInvalidState, st)
	}
	rxq, halt := c.rxq, c.halt
	c.mu.Unlock()

	select {
	case f := <-rxq:
		return f, nil
	default:
	}
	select {
	case f := <-rxq:
		return f, nil
	case <-halt:
		return canctl.Frame{}, fmt.Errorf("%w: stopped during receive", canctl.ErrInvalidState)
	case <-ctx.Done():
		return canctl.Frame{}, ctx.Err()
	}
}

// Status implements canctl.Driver.
func (c *Controller) Status() canctl.Status {
	c.mu.Lock()
	st := canctl.Status{State: c.state, MsgsToTx: len(c.txq), MsgsToRx: len(c.rxq)}
	c.mu.Unlock()
	st.Transmitted = c.transmitted.Load()
	st.Received = c.received.Load()
	st.TxFailed = c.txFailed.Load()
	st.RxMissed = c.rxMissed.Load()
	st.Filtered = c.filtered.Load()
	st.TxErrors = c.txErrors.Load()
	return st
}

// acceptor returns the delivery function peers call with frames seen on
// the wire.
func (c *Controller) acceptor(rxq chan canctl.Frame, filter canctl.FilterConfig) func(canctl.Frame) {
	return func(f canctl.Frame) {
		if !filter.Matches(f) {
			c.filtered.Add(1)
			return
		}
		f.SelfRx, f.SingleShot = false, false
		select {
		case rxq <- f:
			c.received.Add(1)
		default:
			c.rxMissed.Add(1)
		}
	}
}

func (c *Controller) run(halt <-chan struct{}, txq <-chan canctl.Frame, self *tap, mode canctl.Mode) {
	defer c.pump.Done()
	for {
		select {
		case <-halt:
			return
		case f := <-txq:
			c.send(halt, self, mode, f)
		}
	}
}

// send puts one frame on the wire, retransmitting until a peer acknowledges
// it unless the mode or the frame waives acknowledgment.
func (c *Controller) send(halt <-chan struct{}, self *tap, mode canctl.Mode, f canctl.Frame) {
	for {
		if c.paced && !sleep(halt, c.frameTime(f)) {
			return
		}
		acked, err := c.wire.broadcast(self, f)
		if err != nil {
			c.txFailed.Add(1)
			return
		}
		if acked || mode == canctl.ModeNoAck {
			c.transmitted.Add(1)
			if f.SelfRx {
				self.deliver(f)
			}
			return
		}
		c.txErrors.Add(1)
		if f.SingleShot {
			c.txFailed.Add(1)
			return
		}
		if !sleep(halt, RetransmitInterval) {
			return
		}
	}
}

// frameTime is the time the frame occupies the bus, ignoring bit stuffing.
func (c *Controller) frameTime(f canctl.Frame) time.Duration {
	bits := int64(47)
	if f.Extended {
		bits += 20
	}
	if !f.RTR {
		bits += 8 * int64(f.Len)
	}
	return time.Duration(bits * c.t.BitTime())
}

func sleep(halt <-chan struct{}, d time.Duration) bool {
	if d <= 0 {
		return true
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-halt:
		return false
	case <-t.C:
		return true
	}
}

func drain(q chan canctl.Frame) {
	for {
		select {
		case <-q:
		default:
			return
		}
	}
}
