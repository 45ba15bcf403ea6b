package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/cenkalti/backoff"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/notnil/canctl"
	"github.com/notnil/canctl/internal/status"
	"github.com/notnil/canctl/selftest"
	"github.com/notnil/canctl/sim"
	"github.com/notnil/canctl/slcan"
	"github.com/notnil/canctl/transceiver"
)

// node is an installed controller and the resources behind it.
type node struct {
	session *canctl.Session
	closer  io.Closer
}

func openDriver(conf Configuration, sugar *zap.SugaredLogger) (canctl.Driver, io.Closer, error) {
	switch conf.Driver {
	case driverSim:
		return sim.NewLoopback(), nil, nil
	case driverSocketCAN:
		drv, err := newSocketCAN(conf, sugar)
		return drv, nil, err
	case driverSLCAN:
		drv, err := slcan.Open(conf.SerialPort, slcan.WithLogger(sugar))
		if err != nil {
			return nil, nil, err
		}
		return drv, drv, nil
	}
	return nil, nil, fmt.Errorf("%w: unknown driver %q", canctl.ErrConfiguration, conf.Driver)
}

// permanent reports errors that retrying cannot fix.
func permanent(err error) bool {
	return errors.Is(err, canctl.ErrConfiguration) || errors.Is(err, canctl.ErrNotSupported)
}

// bringUp opens and installs the configured driver, retrying with
// exponential back-off while the device is missing or busy.
func bringUp(conf Configuration, logger *zap.Logger) (*node, error) {
	sugar := logger.Sugar()

	g, err := conf.general()
	if err != nil {
		return nil, err
	}
	t, err := conf.timing()
	if err != nil {
		return nil, err
	}
	f := conf.filter()
	logFilter, err := conf.LogFilter.frameFilter()
	if err != nil {
		return nil, err
	}

	sessOpts := []canctl.Option{canctl.WithLogger(sugar)}
	if conf.StandbyPin != "" {
		xcvr, err := transceiver.Open(conf.StandbyPin)
		if err != nil {
			return nil, fmt.Errorf("open transceiver: %w", err)
		}
		sessOpts = append(sessOpts, canctl.WithTransceiver(xcvr))
	}

	n := &node{}
	op := func() error {
		drv, closer, err := openDriver(conf, sugar)
		if err != nil {
			sugar.Errorw("open driver", "driver", conf.Driver, "error", err)
			if permanent(err) {
				return backoff.Permanent(err)
			}
			return err
		}

		if conf.LogFrames {
			drv = canctl.NewLoggedDriver(drv, logger, zapcore.DebugLevel, canctl.LogAll, logFilter)
		}

		s, err := canctl.Install(drv, g, t, f, sessOpts...)
		if err != nil {
			if closer != nil {
				_ = closer.Close()
			}
			sugar.Errorw("install driver", "driver", conf.Driver, "error", err)
			if permanent(err) {
				return backoff.Permanent(err)
			}
			return err
		}

		n.session, n.closer = s, closer
		return nil
	}

	if err = backoff.Retry(op, backoff.WithMaxRetries(backoff.NewExponentialBackOff(), conf.OpenRetries)); err != nil {
		return nil, err
	}

	return n, nil
}

// shutdown stops and uninstalls the session and releases the device.
func (n *node) shutdown(sugar *zap.SugaredLogger) {
	if n.session.State() == canctl.StateRunning {
		if err := n.session.Stop(); err != nil {
			sugar.Warnw("stop", "error", err)
		}
	}
	if err := n.session.Uninstall(); err != nil {
		sugar.Warnw("uninstall", "error", err)
	}
	if n.closer != nil {
		if err := n.closer.Close(); err != nil {
			sugar.Warnw("close driver", "error", err)
		}
	}
}

func serveStatus(addr string, sugar *zap.SugaredLogger, src status.Source) (*http.Server, error) {
	router, err := status.NewRouter(sugar, src)
	if err != nil {
		return nil, err
	}

	srv := &http.Server{
		Addr:    addr,
		Handler: router,
	}

	go func() {
		if err := srv.ListenAndServe(); err != http.ErrServerClosed {
			sugar.Errorw("status server", "addr", addr, "error", err)
		}
	}()

	return srv, nil
}

// run brings the controller up, runs the self test and tears it down.
func run(ctx context.Context, conf Configuration, logger *zap.Logger) (selftest.Result, error) {
	sugar := logger.Sugar()

	opts, err := conf.selftestOptions()
	if err != nil {
		return selftest.Result{}, fmt.Errorf("self test frame: %w", err)
	}
	opts.Logger = sugar

	n, err := bringUp(conf, logger)
	if err != nil {
		return selftest.Result{}, fmt.Errorf("bring up %s driver: %w", conf.Driver, err)
	}
	defer n.shutdown(sugar)

	if conf.StatusAddr != "" {
		srv, err := serveStatus(conf.StatusAddr, sugar, n.session)
		if err != nil {
			return selftest.Result{}, err
		}
		defer func() {
			_ = srv.Shutdown(context.Background())
		}()
		sugar.Infow("serving status", "addr", conf.StatusAddr)
	}

	return selftest.Run(ctx, n.session, opts)
}
