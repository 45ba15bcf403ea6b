// Package transceiver switches a CAN transceiver between normal and standby
// through a GPIO line.
package transceiver

import (
	"fmt"

	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/gpio/gpioreg"
	"periph.io/x/host/v3"
)

// Option configures a Pin.
type Option func(*Pin)

// ActiveHigh inverts the line for transceivers with an enable input instead
// of a standby input: high wakes, low sleeps.
func ActiveHigh() Option {
	return func(p *Pin) { p.awake, p.asleep = gpio.High, gpio.Low }
}

// Pin drives a transceiver's standby input. It implements
// canctl.Transceiver.
type Pin struct {
	out    gpio.PinOut
	awake  gpio.Level
	asleep gpio.Level
}

// New wraps an output line. By default the line is a standby input: low
// wakes, high sleeps.
func New(out gpio.PinOut, opts ...Option) *Pin {
	p := &Pin{out: out, awake: gpio.Low, asleep: gpio.High}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Open initializes the host drivers and looks the line up by name, e.g.
// "GPIO17".
func Open(name string, opts ...Option) (*Pin, error) {
	if _, err := host.Init(); err != nil {
		return nil, fmt.Errorf("failed to initialize periph host: %w", err)
	}
	out := gpioreg.ByName(name)
	if out == nil {
		return nil, fmt.Errorf("gpio %q not found", name)
	}
	return New(out, opts...), nil
}

// Wake puts the transceiver in normal mode.
func (p *Pin) Wake() error {
	if err := p.out.Out(p.awake); err != nil {
		return fmt.Errorf("drive %s %s: %w", p.out, p.awake, err)
	}
	return nil
}

// Sleep puts the transceiver in standby.
func (p *Pin) Sleep() error {
	if err := p.out.Out(p.asleep); err != nil {
		return fmt.Errorf("drive %s %s: %w", p.out, p.asleep, err)
	}
	return nil
}
