//go:build linux

package main

import (
	"go.uber.org/zap"

	"github.com/notnil/canctl"
	"github.com/notnil/canctl/socketcan"
)

func newSocketCAN(conf Configuration, sugar *zap.SugaredLogger) (canctl.Driver, error) {
	opts := []socketcan.Option{socketcan.WithLogger(sugar)}
	if conf.LinkSetup {
		opts = append(opts, socketcan.WithLinkSetup())
	}
	return socketcan.New(conf.Interface, opts...), nil
}
