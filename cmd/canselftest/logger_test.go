package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap/zapcore"
)

func Test_newLogger(t *testing.T) {
	lcfg := newLogger("test", zapcore.DebugLevel)
	assert.Equal(t, zapcore.DebugLevel, lcfg.Level.Level())
	assert.Equal(t, []string{"stdout", "test"}, lcfg.OutputPaths)

	lcfg = newLogger("", zapcore.InfoLevel)
	assert.Equal(t, []string{"stdout"}, lcfg.OutputPaths)
}
