package slcan

import (
	"context"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/notnil/canctl"
)

// fakeAdapter answers requests like Lawicel firmware and records them.
type fakeAdapter struct {
	r *io.PipeReader
	w *io.PipeWriter

	mu      sync.Mutex
	pending []byte
	reqs    []string
	reject  map[string]bool
	silent  bool
}

func newFakeAdapter() *fakeAdapter {
	r, w := io.Pipe()
	return &fakeAdapter{r: r, w: w, reject: map[string]bool{}}
}

func (a *fakeAdapter) Read(p []byte) (int, error) { return a.r.Read(p) }

func (a *fakeAdapter) Write(p []byte) (int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.pending = append(a.pending, p...)
	for {
		i := strings.IndexByte(string(a.pending), '\r')
		if i < 0 {
			return len(p), nil
		}
		req := string(a.pending[:i])
		a.pending = a.pending[i+1:]
		a.reqs = append(a.reqs, req)
		if a.silent {
			continue
		}
		resp := "\r"
		switch {
		case a.reject[req]:
			resp = "\a"
		case req[0] == 't' || req[0] == 'r':
			resp = "z\r"
		case req[0] == 'T' || req[0] == 'R':
			resp = "Z\r"
		}
		if _, err := a.w.Write([]byte(resp)); err != nil {
			return 0, err
		}
	}
}

func (a *fakeAdapter) Close() error {
	a.w.Close()
	return a.r.Close()
}

// inject emits a line as if received from the bus.
func (a *fakeAdapter) inject(t *testing.T, line string) {
	t.Helper()
	_, err := a.w.Write([]byte(line + "\r"))
	require.NoError(t, err)
}

func (a *fakeAdapter) requests() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]string(nil), a.reqs...)
}

func newTestDriver(t *testing.T, opts ...Option) (*Driver, *fakeAdapter) {
	t.Helper()
	a := newFakeAdapter()
	d := NewDriver(a, opts...)
	t.Cleanup(func() { d.Close() })
	return d, a
}

func TestEncode(t *testing.T) {
	cases := []struct {
		name  string
		frame canctl.Frame
		want  string
	}{
		{"standard", canctl.MustFrame(0x555, []byte{36}), "t555124\r"},
		{"empty", canctl.MustFrame(0x001, nil), "t0010\r"},
		{"extended", canctl.MustFrame(0x1ABCDEF0, []byte{1, 2, 0xFF}), "T1ABCDEF03" + "0102FF\r"},
		{"rtr", canctl.Frame{ID: 0x7FF, RTR: true, Len: 2}, "r7FF2\r"},
		{"extended rtr", canctl.Frame{ID: 0x800, Extended: true, RTR: true, Len: 8}, "R000008008\r"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, string(Encode(tc.frame)))
		})
	}
}

func TestDecode(t *testing.T) {
	f, err := Decode([]byte("t555124"))
	require.NoError(t, err)
	assert.True(t, f.Equal(canctl.MustFrame(0x555, []byte{36})))

	f, err = Decode([]byte("T1ABCDEF020102"))
	require.NoError(t, err)
	assert.True(t, f.Extended)
	assert.Equal(t, uint32(0x1ABCDEF0), f.ID)
	assert.Equal(t, []byte{1, 2}, f.Payload())

	f, err = Decode([]byte("r1238"))
	require.NoError(t, err)
	assert.True(t, f.RTR)
	assert.Equal(t, uint8(8), f.Len)

	// Trailing timestamp.
	f, err = Decode([]byte("t555124EA60"))
	require.NoError(t, err)
	assert.Equal(t, uint32(0x555), f.ID)

	for _, line := range []string{"", "x555124", "t55", "t5559", "t55512", "t555124A", "tFFF0", "t5551ZZ", "tZZZ0"} {
		_, err := Decode([]byte(line))
		assert.ErrorIs(t, err, ErrMalformed, line)
	}
}

func TestEncodeDecode(t *testing.T) {
	frames := []canctl.Frame{
		canctl.MustFrame(0x555, []byte{36}),
		canctl.MustFrame(0x1FFFFFFF, []byte{1, 2, 3, 4, 5, 6, 7, 8}),
		{ID: 0x10, RTR: true, Len: 3},
	}
	for _, f := range frames {
		line := Encode(f)
		got, err := Decode(line[:len(line)-1])
		require.NoError(t, err)
		assert.True(t, got.Equal(f), "%s", f)
	}
}

func TestBitrateCommand(t *testing.T) {
	cmd, err := bitrateCommand(canctl.Timing50Kbits.Bitrate())
	require.NoError(t, err)
	assert.Equal(t, "S2", cmd)

	cmd, err = bitrateCommand(canctl.Timing1Mbits.Bitrate())
	require.NoError(t, err)
	assert.Equal(t, "S8", cmd)

	_, err = bitrateCommand(canctl.Timing25Kbits.Bitrate())
	assert.ErrorIs(t, err, canctl.ErrConfiguration)
}

func TestInstallCommands(t *testing.T) {
	d, a := newTestDriver(t)
	a.reject["C"] = true
	g := canctl.DefaultGeneralConfig(21, 22, canctl.ModeNoAck)
	require.NoError(t, d.Install(g, canctl.Timing50Kbits, canctl.FilterSingleID(0x555)))
	assert.Equal(t, []string{"C", "S2", "MAAA00000", "m001FFFFF"}, a.requests())
	assert.Equal(t, canctl.StateStopped, d.Status().State)

	assert.ErrorIs(t, d.Install(g, canctl.Timing50Kbits, canctl.FilterAcceptAll()), canctl.ErrAlreadyInstalled)
}

func TestInstallRejected(t *testing.T) {
	d, a := newTestDriver(t)
	a.reject["S6"] = true
	err := d.Install(canctl.DefaultGeneralConfig(21, 22, canctl.ModeNormal), canctl.Timing500Kbits, canctl.FilterAcceptAll())
	assert.ErrorIs(t, err, ErrRejected)
	assert.Equal(t, canctl.StateUninstalled, d.Status().State)
}

func TestInstallNoReply(t *testing.T) {
	d, a := newTestDriver(t, WithCommandTimeout(20*time.Millisecond))
	a.silent = true
	err := d.Install(canctl.DefaultGeneralConfig(21, 22, canctl.ModeNormal), canctl.Timing500Kbits, canctl.FilterAcceptAll())
	assert.ErrorIs(t, err, ErrNoReply)
}

func TestStartOpenCommand(t *testing.T) {
	for mode, want := range map[canctl.Mode]string{
		canctl.ModeNormal:     "O",
		canctl.ModeNoAck:      "l",
		canctl.ModeListenOnly: "L",
	} {
		t.Run(mode.String(), func(t *testing.T) {
			d, a := newTestDriver(t)
			require.NoError(t, d.Install(canctl.DefaultGeneralConfig(21, 22, mode), canctl.Timing125Kbits, canctl.FilterAcceptAll()))
			require.NoError(t, d.Start())
			require.NoError(t, d.Stop())
			reqs := a.requests()
			assert.Equal(t, []string{want, "C"}, reqs[len(reqs)-2:])
		})
	}
}

func TestTransmitSelfReception(t *testing.T) {
	d, a := newTestDriver(t)
	require.NoError(t, d.Install(canctl.DefaultGeneralConfig(21, 22, canctl.ModeNoAck), canctl.Timing50Kbits, canctl.FilterAcceptAll()))
	require.NoError(t, d.Start())
	defer d.Stop()

	f := canctl.MustFrame(0x555, []byte{36})
	f.SelfRx = true
	require.NoError(t, d.Transmit(context.Background(), f))
	assert.Contains(t, a.requests(), "t555124")

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	got, err := d.Receive(ctx)
	require.NoError(t, err)
	assert.True(t, got.Equal(f))
	assert.False(t, got.SelfRx)

	st := d.Status()
	assert.Equal(t, uint64(1), st.Transmitted)
	assert.Equal(t, uint64(1), st.Received)
}

func TestTransmitRejected(t *testing.T) {
	d, a := newTestDriver(t)
	require.NoError(t, d.Install(canctl.DefaultGeneralConfig(21, 22, canctl.ModeNormal), canctl.Timing50Kbits, canctl.FilterAcceptAll()))
	require.NoError(t, d.Start())
	defer d.Stop()

	a.reject["t0010"] = true
	err := d.Transmit(context.Background(), canctl.MustFrame(0x001, nil))
	assert.ErrorIs(t, err, ErrRejected)
	assert.Equal(t, uint64(1), d.Status().TxFailed)
}

func TestTransmitListenOnly(t *testing.T) {
	d, _ := newTestDriver(t)
	require.NoError(t, d.Install(canctl.DefaultGeneralConfig(21, 22, canctl.ModeListenOnly), canctl.Timing50Kbits, canctl.FilterAcceptAll()))
	require.NoError(t, d.Start())
	defer d.Stop()
	assert.ErrorIs(t, d.Transmit(context.Background(), canctl.MustFrame(0x001, nil)), canctl.ErrNotSupported)
}

func TestReceiveFiltersBusFrames(t *testing.T) {
	d, a := newTestDriver(t)
	require.NoError(t, d.Install(canctl.DefaultGeneralConfig(21, 22, canctl.ModeNormal), canctl.Timing50Kbits, canctl.FilterSingleID(0x555)))
	require.NoError(t, d.Start())
	defer d.Stop()

	a.inject(t, "t1231AA")
	a.inject(t, "tnonsense")
	a.inject(t, "t555124")

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	got, err := d.Receive(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint32(0x555), got.ID)
	assert.Equal(t, uint64(1), d.Status().Filtered)
	assert.Equal(t, uint64(1), d.RxErrors())
}

func TestReceiveOverrun(t *testing.T) {
	d, a := newTestDriver(t)
	g := canctl.DefaultGeneralConfig(21, 22, canctl.ModeNormal)
	g.RxQueueLen = 1
	require.NoError(t, d.Install(g, canctl.Timing50Kbits, canctl.FilterAcceptAll()))
	require.NoError(t, d.Start())
	defer d.Stop()

	a.inject(t, "t0011AA")
	a.inject(t, "t0021BB")
	assert.Eventually(t, func() bool { return d.Status().RxMissed == 1 }, time.Second, time.Millisecond)
	assert.Equal(t, 1, d.Status().MsgsToRx)
}

func TestFramesIgnoredWhileStopped(t *testing.T) {
	d, a := newTestDriver(t)
	require.NoError(t, d.Install(canctl.DefaultGeneralConfig(21, 22, canctl.ModeNormal), canctl.Timing50Kbits, canctl.FilterAcceptAll()))
	a.inject(t, "t0011AA")
	a.inject(t, "tbad")
	require.Eventually(t, func() bool { return d.RxErrors() == 1 }, time.Second, time.Millisecond)
	require.NoError(t, d.Start())
	defer d.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := d.Receive(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestStopUnblocksReceive(t *testing.T) {
	d, _ := newTestDriver(t)
	require.NoError(t, d.Install(canctl.DefaultGeneralConfig(21, 22, canctl.ModeNormal), canctl.Timing50Kbits, canctl.FilterAcceptAll()))
	require.NoError(t, d.Start())

	errc := make(chan error, 1)
	go func() {
		_, err := d.Receive(context.Background())
		errc <- err
	}()
	time.Sleep(10 * time.Millisecond)
	require.NoError(t, d.Stop())
	select {
	case err := <-errc:
		assert.ErrorIs(t, err, canctl.ErrInvalidState)
	case <-time.After(time.Second):
		t.Fatal("receive did not return after stop")
	}
	require.NoError(t, d.Uninstall())
}

func TestReceiveAfterPortClosed(t *testing.T) {
	d, a := newTestDriver(t)
	require.NoError(t, d.Install(canctl.DefaultGeneralConfig(21, 22, canctl.ModeNormal), canctl.Timing50Kbits, canctl.FilterAcceptAll()))
	require.NoError(t, d.Start())
	a.w.Close()

	_, err := d.Receive(context.Background())
	assert.ErrorIs(t, err, canctl.ErrClosed)
}

func TestSessionOverAdapter(t *testing.T) {
	d, _ := newTestDriver(t)
	s, err := canctl.Install(d, canctl.DefaultGeneralConfig(21, 22, canctl.ModeNoAck), canctl.Timing50Kbits, canctl.FilterSingleID(0x555))
	require.NoError(t, err)
	require.NoError(t, s.Start())
	defer s.Stop()

	f := canctl.MustFrame(0x555, []byte{36})
	f.SelfRx = true
	for i := 0; i < 10; i++ {
		require.NoError(t, s.Transmit(context.Background(), f, canctl.WaitForever))
		got, err := s.Receive(context.Background(), time.Second)
		require.NoError(t, err)
		assert.True(t, got.Equal(f))
	}

	_, err = s.Receive(context.Background(), 10*time.Millisecond)
	assert.ErrorIs(t, err, canctl.ErrTimeout)
}
