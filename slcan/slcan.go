// Package slcan drives serial-line CAN adapters that speak the Lawicel ASCII
// protocol, such as CANable and CANUSB. The adapter firmware owns the
// controller; this package only configures it and moves frames.
package slcan

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"go.bug.st/serial"
	"go.uber.org/zap"

	"github.com/notnil/canctl"
	"github.com/notnil/canctl/internal/syncutil"
)

// DefaultBaudRate is the serial line rate used by Open.
const DefaultBaudRate = 115200

// DefaultCommandTimeout bounds the wait for a configuration command reply.
const DefaultCommandTimeout = time.Second

const (
	cr   = '\r'
	bell = '\a'
)

var (
	// ErrRejected is returned when the adapter answers a request with BELL.
	ErrRejected = errors.New("slcan: command rejected by adapter")
	// ErrNoReply is returned when the adapter does not answer in time.
	ErrNoReply = errors.New("slcan: no reply from adapter")
)

// Option configures a Driver.
type Option func(*Driver)

// WithLogger sets the logger for adapter events.
func WithLogger(l *zap.SugaredLogger) Option {
	return func(d *Driver) {
		if l != nil {
			d.log = l
		}
	}
}

// WithCommandTimeout overrides DefaultCommandTimeout.
func WithCommandTimeout(t time.Duration) Option {
	return func(d *Driver) { d.cmdTimeout = t }
}

// link is what the reader needs while the driver is running.
type link struct {
	rxq    chan canctl.Frame
	filter canctl.FilterConfig
}

// Driver implements canctl.Driver for one adapter.
type Driver struct {
	port       io.ReadWriteCloser
	log        *zap.SugaredLogger
	cmdTimeout time.Duration

	// cmd serializes request/reply exchanges with the adapter.
	cmd     chan struct{}
	replies chan error
	done    chan struct{}
	readErr error
	reader  sync.WaitGroup

	mu    syncutil.Mutex
	state canctl.State
	g     canctl.GeneralConfig
	f     canctl.FilterConfig
	rxq   chan canctl.Frame
	halt  chan struct{}
	live  atomic.Pointer[link]

	transmitted atomic.Uint64
	received    atomic.Uint64
	txFailed    atomic.Uint64
	rxMissed    atomic.Uint64
	filtered    atomic.Uint64
	rxErrors    atomic.Uint64
}

var _ canctl.Driver = (*Driver)(nil)

// Open opens the serial port at DefaultBaudRate, 8N1.
func Open(portName string, opts ...Option) (*Driver, error) {
	port, err := serial.Open(portName, &serial.Mode{
		BaudRate: DefaultBaudRate,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open serial port %s: %w", portName, err)
	}
	return NewDriver(port, opts...), nil
}

// NewDriver runs the protocol over an already open port. The driver owns
// the port from here on.
func NewDriver(port io.ReadWriteCloser, opts ...Option) *Driver {
	d := &Driver{
		port:       port,
		log:        zap.NewNop().Sugar(),
		cmdTimeout: DefaultCommandTimeout,
		cmd:        make(chan struct{}, 1),
		replies:    make(chan error, 8),
		done:       make(chan struct{}),
	}
	for _, opt := range opts {
		opt(d)
	}
	d.reader.Add(1)
	go d.read()
	return d
}

// Close closes the port and waits for the reader to exit.
func (d *Driver) Close() error {
	err := d.port.Close()
	d.reader.Wait()
	return err
}

// read splits the adapter output into replies and frame lines.
func (d *Driver) read() {
	defer d.reader.Done()
	defer close(d.done)
	r := bufio.NewReader(d.port)
	var line []byte
	for {
		b, err := r.ReadByte()
		if err != nil {
			d.readErr = err
			return
		}
		switch b {
		case bell:
			line = line[:0]
			d.reply(ErrRejected)
		case cr:
			d.handleLine(line)
			line = line[:0]
		case '\n':
		default:
			line = append(line, b)
		}
	}
}

func (d *Driver) handleLine(line []byte) {
	if len(line) == 0 {
		d.reply(nil)
		return
	}
	switch line[0] {
	case 'z', 'Z':
		d.reply(nil)
	case 't', 'T', 'r', 'R':
		f, err := Decode(line)
		if err != nil {
			d.rxErrors.Add(1)
			d.log.Debugw("bad frame line", "line", string(line), "error", err)
			return
		}
		d.deliver(f)
	default:
		d.log.Debugw("unexpected adapter output", "line", string(line))
	}
}

func (d *Driver) reply(err error) {
	select {
	case d.replies <- err:
	default:
	}
}

func (d *Driver) deliver(f canctl.Frame) {
	l := d.live.Load()
	if l == nil {
		return
	}
	if !l.filter.Matches(f) {
		d.filtered.Add(1)
		return
	}
	select {
	case l.rxq <- f:
		d.received.Add(1)
	default:
		d.rxMissed.Add(1)
	}
}

// exchange writes one request and waits for its reply. Waiting for the
// request slot honours ctx and halt; once written, the reply is awaited for
// up to the command timeout.
func (d *Driver) exchange(ctx context.Context, halt <-chan struct{}, req []byte) error {
	select {
	case d.cmd <- struct{}{}:
	default:
		select {
		case d.cmd <- struct{}{}:
		case <-halt:
			return fmt.Errorf("%w: stopped", canctl.ErrInvalidState)
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	defer func() { <-d.cmd }()

	// Replies to abandoned requests.
	for len(d.replies) > 0 {
		<-d.replies
	}
	if _, err := d.port.Write(req); err != nil {
		return err
	}
	timer := time.NewTimer(d.cmdTimeout)
	defer timer.Stop()
	select {
	case err := <-d.replies:
		return err
	case <-d.done:
		return fmt.Errorf("%w: %v", canctl.ErrClosed, d.readErr)
	case <-timer.C:
		return ErrNoReply
	}
}

func (d *Driver) command(cmd string) error {
	if err := d.exchange(context.Background(), nil, []byte(cmd+"\r")); err != nil {
		return fmt.Errorf("slcan %s: %w", cmd, err)
	}
	return nil
}

// Install closes the channel, sets the bit rate and the acceptance filter.
func (d *Driver) Install(g canctl.GeneralConfig, t canctl.TimingConfig, f canctl.FilterConfig) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.state != canctl.StateUninstalled {
		return canctl.ErrAlreadyInstalled
	}
	if err := g.Validate(); err != nil {
		return err
	}
	if err := f.Validate(); err != nil {
		return err
	}
	rate, err := bitrateCommand(t.Bitrate())
	if err != nil {
		return err
	}
	// The channel may already be closed, in which case C is rejected.
	if err := d.command("C"); err != nil && !errors.Is(err, ErrRejected) {
		return err
	}
	for _, cmd := range []string{
		rate,
		fmt.Sprintf("M%08X", f.AcceptanceCode),
		fmt.Sprintf("m%08X", f.AcceptanceMask),
	} {
		if err := d.command(cmd); err != nil {
			return err
		}
	}
	d.g, d.f = g, f
	d.rxq = make(chan canctl.Frame, g.RxQueueLen)
	d.state = canctl.StateStopped
	d.log.Infow("adapter configured", "bitrate", t.Bitrate(), "mode", g.Mode.String())
	return nil
}

func openCommand(m canctl.Mode) string {
	switch m {
	case canctl.ModeListenOnly:
		return "L"
	case canctl.ModeNoAck:
		return "l"
	default:
		return "O"
	}
}

// Start opens the channel in the installed mode.
func (d *Driver) Start() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.state != canctl.StateStopped {
		return fmt.Errorf("%w: start while %s", canctl.ErrInvalidState, d.state)
	}
	drain(d.rxq)
	d.live.Store(&link{rxq: d.rxq, filter: d.f})
	if err := d.command(openCommand(d.g.Mode)); err != nil {
		d.live.Store(nil)
		return err
	}
	d.halt = make(chan struct{})
	d.state = canctl.StateRunning
	return nil
}

// Stop closes the channel and discards received frames.
func (d *Driver) Stop() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.state != canctl.StateRunning {
		return fmt.Errorf("%w: stop while %s", canctl.ErrInvalidState, d.state)
	}
	close(d.halt)
	d.live.Store(nil)
	d.state = canctl.StateStopped
	err := d.command("C")
	drain(d.rxq)
	return err
}

// Uninstall forgets the configuration. The port stays open until Close.
func (d *Driver) Uninstall() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.state != canctl.StateStopped {
		return fmt.Errorf("%w: uninstall while %s", canctl.ErrInvalidState, d.state)
	}
	d.rxq = nil
	d.state = canctl.StateUninstalled
	return nil
}

// Transmit sends f and waits for the adapter to accept it.
func (d *Driver) Transmit(ctx context.Context, f canctl.Frame) error {
	if err := f.Validate(); err != nil {
		return err
	}
	d.mu.Lock()
	if d.state != canctl.StateRunning {
		st := d.state
		d.mu.Unlock()
		return fmt.Errorf("%w: transmit while %s", canctl.ErrInvalidState, st)
	}
	if d.g.Mode == canctl.ModeListenOnly {
		d.mu.Unlock()
		return canctl.ErrNotSupported
	}
	halt := d.halt
	d.mu.Unlock()

	if err := d.exchange(ctx, halt, Encode(f)); err != nil {
		if errors.Is(err, ErrRejected) {
			d.txFailed.Add(1)
		}
		return err
	}
	d.transmitted.Add(1)
	if f.SelfRx {
		f.SelfRx, f.SingleShot = false, false
		d.deliver(f)
	}
	return nil
}

// Receive implements canctl.Driver.
func (d *Driver) Receive(ctx context.Context) (canctl.Frame, error) {
	d.mu.Lock()
	if d.state != canctl.StateRunning {
		st := d.state
		d.mu.Unlock()
		return canctl.Frame{}, fmt.Errorf("%w: receive while %s", canctl.ErrInvalidState, st)
	}
	rxq, halt := d.rxq, d.halt
	d.mu.Unlock()

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
	case <-d.done:
		return canctl.Frame{}, fmt.Errorf("%w: %v", canctl.ErrClosed, d.readErr)
	case <-ctx.Done():
		return canctl.Frame{}, ctx.Err()
	}
}

// Status implements canctl.Driver. Frames waiting in the adapter are not
// visible, so MsgsToTx is always zero.
func (d *Driver) Status() canctl.Status {
	d.mu.Lock()
	st := canctl.Status{State: d.state, MsgsToRx: len(d.rxq)}
	d.mu.Unlock()
	st.Transmitted = d.transmitted.Load()
	st.Received = d.received.Load()
	st.TxFailed = d.txFailed.Load()
	st.RxMissed = d.rxMissed.Load()
	st.Filtered = d.filtered.Load()
	return st
}

// RxErrors returns the number of frame lines that failed to decode.
func (d *Driver) RxErrors() uint64 { return d.rxErrors.Load() }

func drain(q chan canctl.Frame) {
	for {
		select {
		case <-q:
		default:
			return
		}
	}
}
