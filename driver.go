package canctl

import (
	"context"
	"fmt"
)

// Driver is a bus controller driver. Implementations must be safe for
// concurrent use: one goroutine may block in Transmit while another blocks in
// Receive or calls Stop.
//
// Transmit and Receive first try to complete without blocking and then wait
// until ctx is done, returning ctx.Err(). A Stop while they wait makes them
// return ErrInvalidState.
type Driver interface {
	// Install applies the configuration and leaves the controller stopped.
	// It fails with ErrAlreadyInstalled if the driver is installed.
	Install(g GeneralConfig, t TimingConfig, f FilterConfig) error
	// Start moves the controller from stopped to running.
	Start() error
	// Stop moves the controller from running to stopped, discarding
	// queued frames.
	Stop() error
	// Uninstall releases the controller. It must be stopped.
	Uninstall() error
	// Transmit queues a frame for transmission.
	Transmit(ctx context.Context, f Frame) error
	// Receive returns the next frame that passed the acceptance filter.
	Receive(ctx context.Context) (Frame, error)
	// Status reports counters and queue depths.
	Status() Status
}

// State is the controller lifecycle state.
type State int

const (
	StateUninstalled State = iota
	StateStopped
	StateRunning
)

func (s State) String() string {
	switch s {
	case StateUninstalled:
		return "uninstalled"
	case StateStopped:
		return "stopped"
	case StateRunning:
		return "running"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// MarshalText implements encoding.TextMarshaler.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Status is a snapshot of a controller's counters.
type Status struct {
	State       State  `json:"state"`
	MsgsToTx    int    `json:"msgs_to_tx"`
	MsgsToRx    int    `json:"msgs_to_rx"`
	Transmitted uint64 `json:"transmitted"`
	Received    uint64 `json:"received"`
	TxFailed    uint64 `json:"tx_failed"`
	RxMissed    uint64 `json:"rx_missed"`
	Filtered    uint64 `json:"filtered"`
	TxErrors    uint64 `json:"tx_errors"`
}
