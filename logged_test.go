package canctl

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

// echoDriver hands every transmitted frame straight back to Receive.
type echoDriver struct {
	q   chan Frame
	err error
}

func newEchoDriver() *echoDriver { return &echoDriver{q: make(chan Frame, 8)} }

func (d *echoDriver) Install(GeneralConfig, TimingConfig, FilterConfig) error { return d.err }
func (d *echoDriver) Start() error                                           { return d.err }
func (d *echoDriver) Stop() error                                            { return d.err }
func (d *echoDriver) Uninstall() error                                       { return d.err }
func (d *echoDriver) Status() Status                                         { return Status{MsgsToRx: len(d.q)} }

func (d *echoDriver) Transmit(_ context.Context, f Frame) error {
	if d.err != nil {
		return d.err
	}
	d.q <- f
	return nil
}

func (d *echoDriver) Receive(ctx context.Context) (Frame, error) {
	if d.err != nil {
		return Frame{}, d.err
	}
	select {
	case f := <-d.q:
		return f, nil
	case <-ctx.Done():
		return Frame{}, ctx.Err()
	}
}

func TestLoggedDriver_WriteAndReadLogging(t *testing.T) {
	t.Parallel()

	core, logs := observer.New(zapcore.DebugLevel)
	drv := NewLoggedDriver(newEchoDriver(), zap.New(core), zapcore.DebugLevel, LogAll, nil)

	ctx := context.Background()
	require.NoError(t, drv.Start())
	require.NoError(t, drv.Transmit(ctx, MustFrame(0x555, []byte{36})))
	f, err := drv.Receive(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint32(0x555), f.ID)

	assert.Equal(t, 1, logs.FilterMessage("canctl start").Len())
	sent := logs.FilterMessage("canctl transmit").All()
	require.Len(t, sent, 1)
	assert.Equal(t, "555 [1] 24", sent[0].ContextMap()["frame"])
	assert.Equal(t, 1, logs.FilterMessage("canctl receive").Len())
}

func TestLoggedDriver_Filter(t *testing.T) {
	t.Parallel()

	core, logs := observer.New(zapcore.DebugLevel)
	drv := NewLoggedDriver(newEchoDriver(), zap.New(core), zapcore.InfoLevel, LogWrite, ByID(0x100))

	ctx := context.Background()
	require.NoError(t, drv.Transmit(ctx, MustFrame(0x100, nil)))
	require.NoError(t, drv.Transmit(ctx, MustFrame(0x200, nil)))
	_, err := drv.Receive(ctx)
	require.NoError(t, err)

	assert.Equal(t, 1, logs.FilterMessage("canctl transmit").Len())
	assert.Zero(t, logs.FilterMessage("canctl receive").Len())
	assert.Zero(t, logs.FilterMessage("canctl start").Len())
}

func TestLoggedDriver_ErrorLogging(t *testing.T) {
	t.Parallel()

	core, logs := observer.New(zapcore.DebugLevel)
	inner := newEchoDriver()
	inner.err = errors.New("bus off")
	drv := NewLoggedDriver(inner, zap.New(core), zapcore.InfoLevel, LogAll, nil)

	assert.Error(t, drv.Transmit(context.Background(), MustFrame(0x1, nil)))
	_, err := drv.Receive(context.Background())
	assert.Error(t, err)
	assert.Error(t, drv.Stop())

	assert.Equal(t, 1, logs.FilterMessage("canctl transmit error").FilterLevelExact(zapcore.ErrorLevel).Len())
	assert.Equal(t, 1, logs.FilterMessage("canctl receive error").FilterLevelExact(zapcore.ErrorLevel).Len())
	assert.Equal(t, 1, logs.FilterMessage("canctl stop error").Len())
}

func TestLoggedDriver_TimeoutsLoggedAtDebug(t *testing.T) {
	t.Parallel()

	core, logs := observer.New(zapcore.DebugLevel)
	drv := NewLoggedDriver(newEchoDriver(), zap.New(core), zapcore.InfoLevel, LogRead, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := drv.Receive(ctx)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, logs.FilterMessage("canctl receive error").FilterLevelExact(zapcore.DebugLevel).Len())
}
