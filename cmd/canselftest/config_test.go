package main

import (
	"io/ioutil"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/notnil/canctl"
	"github.com/notnil/canctl/selftest"
)

func writeConfig(t *testing.T, contents string) string {
	t.Helper()
	tf, err := ioutil.TempFile("", "")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		_ = os.Remove(tf.Name())
	})
	if _, err = tf.Write([]byte(contents)); err != nil {
		t.Fatal(err)
	}
	_ = tf.Close()
	return tf.Name()
}

func TestLoadConfig(t *testing.T) {
	path := writeConfig(t, `
driver: slcan
serial_port: /dev/ttyACM0
bitrate: 500000
mode: normal
msg_id: 0x123
msg_data: [1, 2, 3]
iterations: 3
messages_per_iteration: 100
tx_delay: 10ms
rx_timeout: 1s
drain_timeout: 250ms
status_addr: ":9100"
log_filter:
  ids: [0x100, 0x123]
  range: {from: 0x700, to: 0x7FF}
  kind: data
  max_len: 4
`)

	c, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, driverSLCAN, c.Driver)
	assert.Equal(t, "/dev/ttyACM0", c.SerialPort)
	assert.Equal(t, uint32(500000), c.Bitrate)
	assert.Equal(t, uint32(0x123), c.MsgID)
	assert.Equal(t, []uint8{1, 2, 3}, c.MsgData)
	assert.Equal(t, 3, c.Iterations)
	assert.Equal(t, 100, c.Messages)
	assert.Equal(t, 10*time.Millisecond, c.TxDelay)
	assert.Equal(t, time.Second, c.RxTimeout)
	assert.Equal(t, ":9100", c.StatusAddr)
	assert.Equal(t, 250*time.Millisecond, c.DrainTimeout)
	assert.Equal(t, []uint32{0x100, 0x123}, c.LogFilter.IDs)
	require.NotNil(t, c.LogFilter.Range)
	assert.Equal(t, IDRange{From: 0x700, To: 0x7FF}, *c.LogFilter.Range)
	assert.Equal(t, "data", c.LogFilter.Kind)
	require.NotNil(t, c.LogFilter.MaxLen)
	assert.Equal(t, uint8(4), *c.LogFilter.MaxLen)

	opts, err := c.selftestOptions()
	require.NoError(t, err)
	assert.Equal(t, 250*time.Millisecond, opts.DrainTimeout)
	assert.Equal(t, c.RxQueueLen, opts.Window)

	// Unset keys keep their defaults.
	assert.Equal(t, 21, c.TxPin)
	assert.Equal(t, 22, c.RxPin)
	assert.Equal(t, 5, c.RxQueueLen)
}

func TestLoadConfigNoFile(t *testing.T) {
	c, err := LoadConfig("DNE")
	require.NoError(t, err)
	assert.Equal(t, DefaultConfiguration(), c)

	c, err = LoadConfig("")
	require.NoError(t, err)
	assert.Equal(t, DefaultConfiguration(), c)
}

func TestLoadConfigBadContents(t *testing.T) {
	_, err := LoadConfig(writeConfig(t, "driver: [sim"))
	assert.Error(t, err)
}

func TestDefaultConfiguration(t *testing.T) {
	c := DefaultConfiguration()

	g, err := c.general()
	require.NoError(t, err)
	assert.Equal(t, canctl.DefaultGeneralConfig(21, 22, canctl.ModeNoAck), g)

	timing, err := c.timing()
	require.NoError(t, err)
	assert.Equal(t, canctl.Timing50Kbits, timing)

	assert.Equal(t, canctl.FilterSingleID(selftest.MsgID), c.filter())

	f, err := c.frame()
	require.NoError(t, err)
	assert.Equal(t, selftest.Frame(), f)

	opts, err := c.selftestOptions()
	require.NoError(t, err)
	assert.Equal(t, 1, opts.Iterations)
	assert.Equal(t, 0, opts.MessagesPerIteration)
	assert.Equal(t, canctl.WaitForever, opts.RxTimeout)
	assert.Equal(t, 5, opts.Window)
	assert.Equal(t, selftest.DefaultDrainTimeout, opts.DrainTimeout)

	ff, err := c.LogFilter.frameFilter()
	require.NoError(t, err)
	assert.Nil(t, ff)
}

func TestLogFilter(t *testing.T) {
	u8 := func(n uint8) *uint8 { return &n }

	tests := []struct {
		name   string
		lf     LogFilter
		accept []canctl.Frame
		reject []canctl.Frame
	}{
		{
			name:   "ids or range",
			lf:     LogFilter{IDs: []uint32{0x100, 0x123}, Range: &IDRange{From: 0x7FF, To: 0x700}},
			accept: []canctl.Frame{canctl.MustFrame(0x100, nil), canctl.MustFrame(0x123, nil), canctl.MustFrame(0x750, nil)},
			reject: []canctl.Frame{canctl.MustFrame(0x101, nil), canctl.MustFrame(0x6FF, nil)},
		},
		{
			name:   "mask minus excluded",
			lf:     LogFilter{Mask: &IDMask{ID: 0x500, Mask: 0x700}, ExcludeIDs: []uint32{0x555}},
			accept: []canctl.Frame{canctl.MustFrame(0x500, nil), canctl.MustFrame(0x5FF, nil)},
			reject: []canctl.Frame{canctl.MustFrame(0x555, nil), canctl.MustFrame(0x400, nil)},
		},
		{
			name:   "extended rtr",
			lf:     LogFilter{Format: "extended", Kind: "rtr"},
			accept: []canctl.Frame{{ID: 0x18FF0001, Extended: true, RTR: true}},
			reject: []canctl.Frame{{ID: 0x18FF0001, Extended: true}, {ID: 0x123, RTR: true}},
		},
		{
			name:   "standard data with length and prefix",
			lf:     LogFilter{Format: "standard", Kind: "data", MaxLen: u8(4), PayloadPrefix: []uint8{0xAB}},
			accept: []canctl.Frame{canctl.MustFrame(0x1, []byte{0xAB}), canctl.MustFrame(0x1, []byte{0xAB, 1, 2, 3})},
			reject: []canctl.Frame{canctl.MustFrame(0x1, []byte{0xAC}), canctl.MustFrame(0x1, []byte{0xAB, 1, 2, 3, 4})},
		},
		{
			name:   "exact length",
			lf:     LogFilter{Len: u8(0)},
			accept: []canctl.Frame{canctl.MustFrame(0x1, nil)},
			reject: []canctl.Frame{canctl.MustFrame(0x1, []byte{1})},
		},
	}
	for _, tt := range tests {
		ff, err := tt.lf.frameFilter()
		require.NoError(t, err, tt.name)
		require.NotNil(t, ff, tt.name)
		for _, f := range tt.accept {
			assert.True(t, ff(f), "%s: %s", tt.name, f)
		}
		for _, f := range tt.reject {
			assert.False(t, ff(f), "%s: %s", tt.name, f)
		}
	}
}

func TestLogFilterErrors(t *testing.T) {
	nine := uint8(9)
	for _, lf := range []LogFilter{
		{Format: "fd"},
		{Kind: "error"},
		{Len: &nine},
		{PayloadPrefix: make([]uint8, 9)},
	} {
		_, err := lf.frameFilter()
		assert.ErrorIs(t, err, canctl.ErrConfiguration)
	}
}

func TestConfigurationErrors(t *testing.T) {
	c := DefaultConfiguration()
	c.Mode = "loud"
	_, err := c.general()
	assert.ErrorIs(t, err, canctl.ErrConfiguration)

	c = DefaultConfiguration()
	c.TxPin = c.RxPin
	_, err = c.general()
	assert.ErrorIs(t, err, canctl.ErrConfiguration)

	c = DefaultConfiguration()
	c.Bitrate = 33333
	_, err = c.timing()
	assert.ErrorIs(t, err, canctl.ErrConfiguration)

	c = DefaultConfiguration()
	c.MsgData = make([]uint8, 9)
	_, err = c.frame()
	assert.ErrorIs(t, err, canctl.ErrInvalidLen)
}

func TestExtendedFrame(t *testing.T) {
	c := DefaultConfiguration()
	c.MsgID = 0x18FF0001
	f, err := c.frame()
	require.NoError(t, err)
	assert.True(t, f.Extended)
	assert.True(t, c.filter().AcceptsAll())
}
