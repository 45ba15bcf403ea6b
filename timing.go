package canctl

import "fmt"

// SourceClockHz is the controller clock the timing presets are computed for.
const SourceClockHz = 80_000_000

// TimingConfig is a nominal bit timing bundle. One bit lasts
// BRP * (1 + TSEG1 + TSEG2) source clock cycles.
type TimingConfig struct {
	BRP            uint32
	TSEG1          uint8
	TSEG2          uint8
	SJW            uint8
	TripleSampling bool
}

// Timing presets.
var (
	Timing25Kbits  = TimingConfig{BRP: 128, TSEG1: 16, TSEG2: 8, SJW: 3}
	Timing50Kbits  = TimingConfig{BRP: 80, TSEG1: 15, TSEG2: 4, SJW: 3}
	Timing100Kbits = TimingConfig{BRP: 40, TSEG1: 15, TSEG2: 4, SJW: 3}
	Timing125Kbits = TimingConfig{BRP: 32, TSEG1: 15, TSEG2: 4, SJW: 3}
	Timing250Kbits = TimingConfig{BRP: 16, TSEG1: 15, TSEG2: 4, SJW: 3}
	Timing500Kbits = TimingConfig{BRP: 8, TSEG1: 15, TSEG2: 4, SJW: 3}
	Timing800Kbits = TimingConfig{BRP: 4, TSEG1: 16, TSEG2: 8, SJW: 3}
	Timing1Mbits   = TimingConfig{BRP: 4, TSEG1: 15, TSEG2: 4, SJW: 3}
)

var presets = []TimingConfig{
	Timing25Kbits,
	Timing50Kbits,
	Timing100Kbits,
	Timing125Kbits,
	Timing250Kbits,
	Timing500Kbits,
	Timing800Kbits,
	Timing1Mbits,
}

// TimingForBitrate returns the preset for the given bit rate in bit/s.
func TimingForBitrate(bitrate uint32) (TimingConfig, error) {
	for _, t := range presets {
		if t.Bitrate() == bitrate {
			return t, nil
		}
	}
	return TimingConfig{}, fmt.Errorf("%w: no timing preset for %d bit/s", ErrConfiguration, bitrate)
}

// Bitrate returns the nominal bit rate in bit/s, or 0 if the bundle is empty.
func (t TimingConfig) Bitrate() uint32 {
	quanta := 1 + uint32(t.TSEG1) + uint32(t.TSEG2)
	if t.BRP == 0 {
		return 0
	}
	return SourceClockHz / (t.BRP * quanta)
}

// Validate checks the ranges a CAN bit time allows.
func (t TimingConfig) Validate() error {
	switch {
	case t.BRP < 2 || t.BRP > 16384:
		return fmt.Errorf("%w: brp %d out of range", ErrConfiguration, t.BRP)
	case t.TSEG1 < 1 || t.TSEG1 > 16:
		return fmt.Errorf("%w: tseg1 %d out of range", ErrConfiguration, t.TSEG1)
	case t.TSEG2 < 1 || t.TSEG2 > 8:
		return fmt.Errorf("%w: tseg2 %d out of range", ErrConfiguration, t.TSEG2)
	case t.SJW < 1 || t.SJW > 4 || t.SJW > t.TSEG2:
		return fmt.Errorf("%w: sjw %d out of range", ErrConfiguration, t.SJW)
	}
	return nil
}

// BitTime returns the duration of one bit in nanoseconds.
func (t TimingConfig) BitTime() int64 {
	br := t.Bitrate()
	if br == 0 {
		return 0
	}
	return 1_000_000_000 / int64(br)
}
