package canctl

import "fmt"

// Mode selects how the controller participates on the bus.
type Mode int

const (
	// ModeNormal transmits, receives and acknowledges frames.
	ModeNormal Mode = iota
	// ModeNoAck transmits without requiring an acknowledgment from a peer.
	// A lone node uses it together with self-reception to test itself.
	ModeNoAck
	// ModeListenOnly receives without ever driving the bus.
	ModeListenOnly
)

func (m Mode) String() string {
	switch m {
	case ModeNormal:
		return "normal"
	case ModeNoAck:
		return "no_ack"
	case ModeListenOnly:
		return "listen_only"
	default:
		return fmt.Sprintf("Mode(%d)", int(m))
	}
}

// ParseMode parses the names returned by Mode.String.
func ParseMode(s string) (Mode, error) {
	switch s {
	case "normal":
		return ModeNormal, nil
	case "no_ack", "noack", "self_test":
		return ModeNoAck, nil
	case "listen_only", "listenonly":
		return ModeListenOnly, nil
	}
	return 0, fmt.Errorf("%w: unknown mode %q", ErrConfiguration, s)
}

// MaxGPIO is the highest GPIO number accepted for the TX and RX lines.
const MaxGPIO = 48

// GPIOUnused marks a line that is not routed to a pin.
const GPIOUnused = -1

// GeneralConfig holds the controller-wide settings.
type GeneralConfig struct {
	Mode       Mode
	TxPin      int
	RxPin      int
	TxQueueLen int
	RxQueueLen int
}

// DefaultGeneralConfig returns a configuration with default queue lengths.
func DefaultGeneralConfig(txPin, rxPin int, mode Mode) GeneralConfig {
	return GeneralConfig{
		Mode:       mode,
		TxPin:      txPin,
		RxPin:      rxPin,
		TxQueueLen: 5,
		RxQueueLen: 5,
	}
}

// Validate reports ErrConfiguration for unusable settings. Pins may be
// GPIOUnused for drivers that are not wired to GPIOs.
func (g GeneralConfig) Validate() error {
	switch g.Mode {
	case ModeNormal, ModeNoAck, ModeListenOnly:
	default:
		return fmt.Errorf("%w: unknown mode %d", ErrConfiguration, int(g.Mode))
	}
	if err := validPin("tx", g.TxPin); err != nil {
		return err
	}
	if err := validPin("rx", g.RxPin); err != nil {
		return err
	}
	if g.TxPin != GPIOUnused && g.TxPin == g.RxPin {
		return fmt.Errorf("%w: tx and rx share gpio %d", ErrConfiguration, g.TxPin)
	}
	if g.TxQueueLen <= 0 && g.Mode != ModeListenOnly {
		return fmt.Errorf("%w: tx queue length must be positive", ErrConfiguration)
	}
	if g.RxQueueLen <= 0 {
		return fmt.Errorf("%w: rx queue length must be positive", ErrConfiguration)
	}
	return nil
}

func validPin(name string, pin int) error {
	if pin == GPIOUnused {
		return nil
	}
	if pin < 0 || pin > MaxGPIO {
		return fmt.Errorf("%w: %s gpio %d out of range", ErrConfiguration, name, pin)
	}
	return nil
}
