package canctl

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/notnil/canctl/internal/syncutil"
)

// WaitForever disables the timeout of Transmit and Receive. Any negative
// duration has the same effect.
const WaitForever time.Duration = -1

// Transceiver is the line driver between the controller and the bus.
type Transceiver interface {
	Wake() error
	Sleep() error
}

// Option configures a Session.
type Option func(*Session)

// WithLogger sets the logger for lifecycle events.
func WithLogger(l *zap.SugaredLogger) Option {
	return func(s *Session) {
		if l != nil {
			s.log = l
		}
	}
}

// WithTransceiver wakes t on Start and puts it to sleep on Stop.
func WithTransceiver(t Transceiver) Option {
	return func(s *Session) { s.xcvr = t }
}

// Session owns the lifecycle of one installed driver.
//
// Transmit and Receive may be called from different goroutines while another
// goroutine starts or stops the session.
type Session struct {
	drv    Driver
	log    *zap.SugaredLogger
	xcvr   Transceiver
	g      GeneralConfig
	t      TimingConfig
	f      FilterConfig
	mu     syncutil.Mutex
	state  State
	starts int
}

// Install validates the configuration and installs it into drv. The
// returned session is stopped.
func Install(drv Driver, g GeneralConfig, t TimingConfig, f FilterConfig, opts ...Option) (*Session, error) {
	s := &Session{
		drv: drv,
		log: zap.NewNop().Sugar(),
		g:   g,
		t:   t,
		f:   f,
	}
	for _, opt := range opts {
		opt(s)
	}
	if err := g.Validate(); err != nil {
		return nil, &ControllerError{Op: "install", Err: err}
	}
	if err := t.Validate(); err != nil {
		return nil, &ControllerError{Op: "install", Err: err}
	}
	if err := f.Validate(); err != nil {
		return nil, &ControllerError{Op: "install", Err: err}
	}
	if err := drv.Install(g, t, f); err != nil {
		return nil, classify("install", context.Background(), WaitForever, err, ErrDriver)
	}
	s.state = StateStopped
	s.log.Infow("driver installed",
		"mode", g.Mode.String(),
		"bitrate", t.Bitrate(),
		"tx_gpio", g.TxPin,
		"rx_gpio", g.RxPin,
		"acceptance_code", fmt.Sprintf("0x%08x", f.AcceptanceCode),
		"acceptance_mask", fmt.Sprintf("0x%08x", f.AcceptanceMask),
		"single_filter", f.SingleFilter,
		"reject_extended", f.RejectExtended,
	)
	return s, nil
}

// Start moves the session from stopped to running.
func (s *Session) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateStopped {
		return &ControllerError{Op: "start", Err: fmt.Errorf("%w: %s", ErrInvalidState, s.state)}
	}
	if s.xcvr != nil {
		if err := s.xcvr.Wake(); err != nil {
			return &ControllerError{Op: "start", Err: fmt.Errorf("%w: wake transceiver: %w", ErrDriver, err)}
		}
	}
	if err := s.drv.Start(); err != nil {
		return classify("start", context.Background(), WaitForever, err, ErrDriver)
	}
	s.state = StateRunning
	s.starts++
	s.log.Infow("driver started", "cycle", s.starts)
	return nil
}

// Stop moves the session from running to stopped. Queued frames are
// discarded and the session may be started again.
func (s *Session) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateRunning {
		return &ControllerError{Op: "stop", Err: fmt.Errorf("%w: %s", ErrInvalidState, s.state)}
	}
	if err := s.drv.Stop(); err != nil {
		// Drivers that stop locally but fail to reach the device stay stopped.
		if s.drv.Status().State == StateStopped {
			s.state = StateStopped
		}
		return classify("stop", context.Background(), WaitForever, err, ErrDriver)
	}
	s.state = StateStopped
	if s.xcvr != nil {
		if err := s.xcvr.Sleep(); err != nil {
			s.log.Warnw("transceiver sleep", "error", err)
		}
	}
	s.log.Infow("driver stopped", "cycle", s.starts)
	return nil
}

// Uninstall releases the driver. The session must be stopped; it cannot be
// used afterwards.
func (s *Session) Uninstall() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateStopped {
		return &ControllerError{Op: "uninstall", Err: fmt.Errorf("%w: %s", ErrInvalidState, s.state)}
	}
	if err := s.drv.Uninstall(); err != nil {
		return classify("uninstall", context.Background(), WaitForever, err, ErrDriver)
	}
	s.state = StateUninstalled
	s.log.Info("driver uninstalled")
	return nil
}

// State returns the lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Config returns the installed configuration.
func (s *Session) Config() (GeneralConfig, TimingConfig, FilterConfig) {
	return s.g, s.t, s.f
}

// Status returns the driver status with the session's state.
func (s *Session) Status() Status {
	st := s.drv.Status()
	st.State = s.State()
	return st
}

// Transmit queues f, blocking until it is accepted or timeout elapses. A zero
// timeout fails with ErrQueueFull instead of waiting.
func (s *Session) Transmit(ctx context.Context, f Frame, timeout time.Duration) error {
	if err := f.Validate(); err != nil {
		return &ControllerError{Op: "transmit", Err: err}
	}
	if err := s.running("transmit"); err != nil {
		return err
	}
	if s.g.Mode == ModeListenOnly {
		return &ControllerError{Op: "transmit", Err: ErrNotSupported}
	}
	dctx, cancel := withTimeout(ctx, timeout)
	defer cancel()
	return classify("transmit", ctx, timeout, s.drv.Transmit(dctx, f), ErrQueueFull)
}

// Receive returns the next accepted frame, blocking until one is available
// or timeout elapses.
func (s *Session) Receive(ctx context.Context, timeout time.Duration) (Frame, error) {
	if err := s.running("receive"); err != nil {
		return Frame{}, err
	}
	dctx, cancel := withTimeout(ctx, timeout)
	defer cancel()
	f, err := s.drv.Receive(dctx)
	if err != nil {
		return Frame{}, classify("receive", ctx, timeout, err, ErrTimeout)
	}
	return f, nil
}

func (s *Session) running(op string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateRunning {
		return &ControllerError{Op: op, Err: fmt.Errorf("%w: %s", ErrInvalidState, s.state)}
	}
	return nil
}

func withTimeout(ctx context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	if timeout < 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, timeout)
}
