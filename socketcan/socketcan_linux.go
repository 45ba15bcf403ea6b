//go:build linux

package socketcan

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"github.com/notnil/canctl"
	"github.com/notnil/canctl/internal/syncutil"
)

// pollSlice bounds each poll(2) so cancellation and Stop are noticed.
const pollSlice = 50 * time.Millisecond

// Option configures a Driver.
type Option func(*Driver)

// WithLinkSetup makes Install configure the interface bit rate and mode and
// makes Start and Stop bring the interface up and down.
func WithLinkSetup() Option {
	return func(d *Driver) { d.linkSetup = true }
}

// WithLogger sets the logger for link changes.
func WithLogger(l *zap.SugaredLogger) Option {
	return func(d *Driver) {
		if l != nil {
			d.log = l
		}
	}
}

// Driver implements canctl.Driver over a raw CAN socket.
type Driver struct {
	iface     string
	linkSetup bool
	log       *zap.SugaredLogger

	mu    syncutil.Mutex
	state canctl.State
	g     canctl.GeneralConfig
	f     canctl.FilterConfig
	fd    int
	halt  chan struct{}

	echoes      echoQueue
	transmitted atomic.Uint64
	received    atomic.Uint64
	filtered    atomic.Uint64
	txFailed    atomic.Uint64
}

var _ canctl.Driver = (*Driver)(nil)

// New returns an uninstalled driver for the named interface, e.g. "can0".
func New(iface string, opts ...Option) *Driver {
	d := &Driver{iface: iface, log: zap.NewNop().Sugar(), fd: -1}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Install opens and binds the socket and installs the kernel filter.
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
	if d.linkSetup {
		if err := SetInterfaceDown(d.iface); err != nil {
			return err
		}
		opts := LinkOptions{
			Bitrate:    t.Bitrate(),
			TxQueueLen: g.TxQueueLen,
			PresumeAck: g.Mode == canctl.ModeNoAck,
			ListenOnly: g.Mode == canctl.ModeListenOnly,
		}
		if err := ConfigureLink(d.iface, opts); err != nil {
			return err
		}
		d.log.Infow("link configured", "iface", d.iface, "bitrate", opts.Bitrate,
			"presume_ack", opts.PresumeAck, "listen_only", opts.ListenOnly)
	}
	fd, err := open(d.iface, f)
	if err != nil {
		return err
	}
	d.fd, d.g, d.f = fd, g, f
	d.state = canctl.StateStopped
	return nil
}

func open(iface string, f canctl.FilterConfig) (int, error) {
	netIf, err := net.InterfaceByName(iface)
	if err != nil {
		return -1, err
	}
	fd, err := unix.Socket(unix.AF_CAN, unix.SOCK_RAW|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, unix.CAN_RAW)
	if err != nil {
		return -1, err
	}
	if err := unix.Bind(fd, &unix.SockaddrCAN{Ifindex: netIf.Index}); err != nil {
		unix.Close(fd)
		return -1, fmt.Errorf("bind %s: %w", iface, err)
	}
	if err := unix.SetsockoptInt(fd, unix.SOL_CAN_RAW, unix.CAN_RAW_RECV_OWN_MSGS, 1); err != nil {
		unix.Close(fd)
		return -1, fmt.Errorf("enable own messages: %w", err)
	}
	if err := unix.SetsockoptCanRawFilter(fd, unix.SOL_CAN_RAW, unix.CAN_RAW_FILTER, kernelFilters(f)); err != nil {
		unix.Close(fd)
		return -1, fmt.Errorf("install filter: %w", err)
	}
	return fd, nil
}

// kernelFilters approximates the acceptance filter with can_filter entries
// on the identifier. Data bytes and RTR are checked in software.
func kernelFilters(fc canctl.FilterConfig) []unix.CanFilter {
	if fc.AcceptsAll() || !fc.SingleFilter {
		return []unix.CanFilter{{Id: 0, Mask: 0}}
	}
	id, mask := fc.StandardID()
	filters := []unix.CanFilter{{Id: id, Mask: mask | unix.CAN_EFF_FLAG}}
	if fc.RejectExtended {
		return filters
	}
	extID := (fc.AcceptanceCode >> 3) & unix.CAN_EFF_MASK
	extMask := (^fc.AcceptanceMask >> 3) & unix.CAN_EFF_MASK
	return append(filters, unix.CanFilter{Id: extID | unix.CAN_EFF_FLAG, Mask: extMask | unix.CAN_EFF_FLAG})
}

// Start brings the link up when link setup is enabled and discards frames
// received while stopped.
func (d *Driver) Start() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.state != canctl.StateStopped {
		return fmt.Errorf("%w: start while %s", canctl.ErrInvalidState, d.state)
	}
	if d.linkSetup {
		if err := SetInterfaceUp(d.iface); err != nil {
			return err
		}
	}
	d.drain()
	d.echoes.reset()
	d.halt = make(chan struct{})
	d.state = canctl.StateRunning
	return nil
}

// Stop brings the link down when link setup is enabled, which discards the
// kernel transmit queue.
func (d *Driver) Stop() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.state != canctl.StateRunning {
		return fmt.Errorf("%w: stop while %s", canctl.ErrInvalidState, d.state)
	}
	close(d.halt)
	d.state = canctl.StateStopped
	if d.linkSetup {
		if err := SetInterfaceDown(d.iface); err != nil {
			return err
		}
	}
	d.drain()
	return nil
}

// Uninstall closes the socket.
func (d *Driver) Uninstall() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.state != canctl.StateStopped {
		return fmt.Errorf("%w: uninstall while %s", canctl.ErrInvalidState, d.state)
	}
	err := unix.Close(d.fd)
	d.fd = -1
	d.state = canctl.StateUninstalled
	return err
}

// session is a snapshot of a running driver.
type session struct {
	fd     int
	halt   chan struct{}
	mode   canctl.Mode
	filter canctl.FilterConfig
}

func (d *Driver) session() (session, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.state != canctl.StateRunning {
		return session{}, fmt.Errorf("%w: %s", canctl.ErrInvalidState, d.state)
	}
	return session{fd: d.fd, halt: d.halt, mode: d.g.Mode, filter: d.f}, nil
}

// Transmit writes one frame, waiting for socket buffer space.
func (d *Driver) Transmit(ctx context.Context, f canctl.Frame) error {
	buf, err := f.MarshalBinary()
	if err != nil {
		return err
	}
	s, err := d.session()
	if err != nil {
		return err
	}
	if s.mode == canctl.ModeListenOnly {
		return canctl.ErrNotSupported
	}
	if f.SelfRx {
		d.echoes.add(f)
	}
	for {
		n, werr := unix.Write(s.fd, buf)
		if werr == nil {
			if n != len(buf) {
				d.unpend(f)
				d.txFailed.Add(1)
				return errors.New("socketcan: short write")
			}
			d.transmitted.Add(1)
			return nil
		}
		if werr != unix.EAGAIN && werr != unix.ENOBUFS {
			d.unpend(f)
			d.txFailed.Add(1)
			return werr
		}
		if err := wait(ctx, s.halt, s.fd, unix.POLLOUT); err != nil {
			d.unpend(f)
			return err
		}
	}
}

func (d *Driver) unpend(f canctl.Frame) {
	if f.SelfRx {
		d.echoes.remove(f)
	}
}

// Receive reads frames until one passes the acceptance filter.
func (d *Driver) Receive(ctx context.Context) (canctl.Frame, error) {
	s, err := d.session()
	if err != nil {
		return canctl.Frame{}, err
	}
	buf := make([]byte, canctl.FrameSize)
	for {
		n, _, flags, _, rerr := unix.Recvmsg(s.fd, buf, nil, 0)
		if rerr == unix.EAGAIN {
			if err := wait(ctx, s.halt, s.fd, unix.POLLIN); err != nil {
				return canctl.Frame{}, err
			}
			continue
		}
		if rerr != nil {
			return canctl.Frame{}, rerr
		}
		if n != canctl.FrameSize {
			return canctl.Frame{}, errors.New("socketcan: short read")
		}
		var f canctl.Frame
		if err := f.UnmarshalBinary(buf); err != nil {
			return canctl.Frame{}, err
		}
		if flags&unix.MSG_CONFIRM != 0 && !d.echoes.take(f) {
			continue
		}
		if !s.filter.Matches(f) {
			d.filtered.Add(1)
			continue
		}
		d.received.Add(1)
		return f, nil
	}
}

// Status reports counters and the socket queue depths.
func (d *Driver) Status() canctl.Status {
	d.mu.Lock()
	st := canctl.Status{State: d.state}
	if d.fd >= 0 {
		if n, err := unix.IoctlGetInt(d.fd, unix.SIOCOUTQ); err == nil {
			st.MsgsToTx = n / canctl.FrameSize
		}
		if n, err := unix.IoctlGetInt(d.fd, unix.SIOCINQ); err == nil {
			st.MsgsToRx = n / canctl.FrameSize
		}
	}
	d.mu.Unlock()
	st.Transmitted = d.transmitted.Load()
	st.Received = d.received.Load()
	st.Filtered = d.filtered.Load()
	st.TxFailed = d.txFailed.Load()
	return st
}

// drain discards everything queued on the socket.
func (d *Driver) drain() {
	buf := make([]byte, canctl.FrameSize)
	for {
		if _, err := unix.Read(d.fd, buf); err != nil {
			return
		}
	}
}

// wait polls fd for events until ready, ctx is done or the driver stops.
func wait(ctx context.Context, halt <-chan struct{}, fd int, events int16) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-halt:
			return fmt.Errorf("%w: stopped", canctl.ErrInvalidState)
		default:
		}
		slice := pollSlice
		if deadline, ok := ctx.Deadline(); ok {
			if d := time.Until(deadline); d < slice {
				slice = d
			}
		}
		if slice < 0 {
			slice = 0
		}
		fds := []unix.PollFd{{Fd: int32(fd), Events: events}}
		n, err := unix.Poll(fds, int(slice/time.Millisecond))
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return err
		}
		if n > 0 && fds[0].Revents&events != 0 {
			return nil
		}
		if n > 0 && fds[0].Revents&(unix.POLLERR|unix.POLLHUP|unix.POLLNVAL) != 0 {
			return canctl.ErrClosed
		}
	}
}
