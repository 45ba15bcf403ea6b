//go:build !linux

package main

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/notnil/canctl"
)

func newSocketCAN(Configuration, *zap.SugaredLogger) (canctl.Driver, error) {
	return nil, fmt.Errorf("%w: socketcan requires linux", canctl.ErrNotSupported)
}
