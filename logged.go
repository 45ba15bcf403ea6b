package canctl

import (
	"context"
	"errors"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// LogOption is a bitmask for selecting which operations to log.
type LogOption uint8

const (
	LogNone LogOption = 0
	LogRead LogOption = 1 << iota
	LogWrite
	LogLifecycle
	LogAll = LogRead | LogWrite | LogLifecycle
)

// NewLoggedDriver wraps a Driver and logs the selected operations at the
// given level. When filter is non-nil only matching frames are logged.
// Errors are always logged at error level for the selected operations.
func NewLoggedDriver(inner Driver, logger *zap.Logger, level zapcore.Level, opts LogOption, filter FrameFilter) Driver {
	return &loggedDriver{
		inner:  inner,
		logger: logger,
		level:  level,
		opts:   opts,
		filter: filter,
	}
}

type loggedDriver struct {
	inner  Driver
	logger *zap.Logger
	level  zapcore.Level
	opts   LogOption
	filter FrameFilter
}

func (l *loggedDriver) frameFields(f Frame) []zap.Field {
	return []zap.Field{
		zap.Uint32("id", f.ID),
		zap.Bool("extended", f.Extended),
		zap.Bool("rtr", f.RTR),
		zap.Bool("self_rx", f.SelfRx),
		zap.Int("len", int(f.Len)),
		zap.Binary("data", f.Payload()),
		zap.String("frame", f.String()),
	}
}

func (l *loggedDriver) lifecycle(op string, err error) error {
	if l.opts&LogLifecycle == 0 {
		return err
	}
	if err != nil {
		l.logger.Error("canctl "+op+" error", zap.Error(err))
		return err
	}
	if ce := l.logger.Check(l.level, "canctl "+op); ce != nil {
		ce.Write()
	}
	return nil
}

func (l *loggedDriver) Install(g GeneralConfig, t TimingConfig, f FilterConfig) error {
	return l.lifecycle("install", l.inner.Install(g, t, f))
}

func (l *loggedDriver) Start() error { return l.lifecycle("start", l.inner.Start()) }

func (l *loggedDriver) Stop() error { return l.lifecycle("stop", l.inner.Stop()) }

func (l *loggedDriver) Uninstall() error { return l.lifecycle("uninstall", l.inner.Uninstall()) }

// Transmit logs the frame and the result when write logging is enabled.
func (l *loggedDriver) Transmit(ctx context.Context, f Frame) error {
	logIt := l.opts&LogWrite != 0 && l.filter.Match(f)
	if logIt {
		if ce := l.logger.Check(l.level, "canctl transmit"); ce != nil {
			ce.Write(l.frameFields(f)...)
		}
	}
	err := l.inner.Transmit(ctx, f)
	if logIt && err != nil {
		l.logger.Error("canctl transmit error", zap.Uint32("id", f.ID), zap.Error(err))
	}
	return err
}

// Receive logs the received frame or error when read logging is enabled.
func (l *loggedDriver) Receive(ctx context.Context) (Frame, error) {
	f, err := l.inner.Receive(ctx)
	if l.opts&LogRead == 0 {
		return f, err
	}
	if err != nil {
		lvl := zapcore.ErrorLevel
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			lvl = zapcore.DebugLevel
		}
		if ce := l.logger.Check(lvl, "canctl receive error"); ce != nil {
			ce.Write(zap.Error(err))
		}
		return f, err
	}
	if l.filter.Match(f) {
		if ce := l.logger.Check(l.level, "canctl receive"); ce != nil {
			ce.Write(l.frameFields(f)...)
		}
	}
	return f, nil
}

func (l *loggedDriver) Status() Status { return l.inner.Status() }
