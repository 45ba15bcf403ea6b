//go:build linux

package socketcan

import (
	"errors"
	"fmt"
	"os/exec"
	"strconv"

	"golang.org/x/sys/unix"
)

// Interface flag helpers. Changing flags requires CAP_NET_ADMIN; without it
// the calls fail with EPERM.

func interfaceFlags(name string) (uint16, error) {
	ifr, err := unix.NewIfreq(name)
	if err != nil {
		return 0, fmt.Errorf("socketcan: invalid interface name %q: %w", name, err)
	}
	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_DGRAM|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return 0, err
	}
	defer unix.Close(fd)
	if err := unix.IoctlIfreq(fd, unix.SIOCGIFFLAGS, ifr); err != nil {
		return 0, err
	}
	return ifr.Uint16(), nil
}

func setInterfaceFlags(name string, flags uint16) error {
	ifr, err := unix.NewIfreq(name)
	if err != nil {
		return fmt.Errorf("socketcan: invalid interface name %q: %w", name, err)
	}
	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_DGRAM|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return err
	}
	defer unix.Close(fd)
	ifr.SetUint16(flags)
	return unix.IoctlIfreq(fd, unix.SIOCSIFFLAGS, ifr)
}

// IsInterfaceUp reports whether the interface has IFF_UP set.
func IsInterfaceUp(name string) (bool, error) {
	flags, err := interfaceFlags(name)
	if err != nil {
		return false, err
	}
	return flags&unix.IFF_UP != 0, nil
}

// SetInterfaceUp sets IFF_UP on the interface.
func SetInterfaceUp(name string) error {
	flags, err := interfaceFlags(name)
	if err != nil {
		return err
	}
	if flags&unix.IFF_UP != 0 {
		return nil
	}
	return RequireCapNetAdmin(setInterfaceFlags(name, flags|unix.IFF_UP))
}

// SetInterfaceDown clears IFF_UP on the interface.
func SetInterfaceDown(name string) error {
	flags, err := interfaceFlags(name)
	if err != nil {
		return err
	}
	if flags&unix.IFF_UP == 0 {
		return nil
	}
	return RequireCapNetAdmin(setInterfaceFlags(name, flags&^unix.IFF_UP))
}

// RequireCapNetAdmin maps EPERM to an error that names the missing capability.
func RequireCapNetAdmin(err error) error {
	if errors.Is(err, unix.EPERM) {
		return fmt.Errorf("operation requires CAP_NET_ADMIN (or root): %w", err)
	}
	return err
}

// LinkOptions are the CAN link parameters applied by ConfigureLink. Zero
// values leave the kernel setting unchanged except for the mode flags, which
// are always written.
type LinkOptions struct {
	Bitrate    uint32
	RestartMs  *uint32
	TxQueueLen int
	PresumeAck bool
	ListenOnly bool
}

func onOff(b bool) string {
	if b {
		return "on"
	}
	return "off"
}

// linkArgs returns the iproute2 argument lists for opts.
func linkArgs(name string, opts LinkOptions) [][]string {
	var cmds [][]string
	if opts.TxQueueLen > 0 {
		cmds = append(cmds, []string{"link", "set", "dev", name, "txqueuelen", strconv.Itoa(opts.TxQueueLen)})
	}
	args := []string{"link", "set", "dev", name, "type", "can"}
	if opts.Bitrate > 0 {
		args = append(args, "bitrate", strconv.FormatUint(uint64(opts.Bitrate), 10))
	}
	if opts.RestartMs != nil {
		args = append(args, "restart-ms", strconv.FormatUint(uint64(*opts.RestartMs), 10))
	}
	args = append(args, "presume-ack", onOff(opts.PresumeAck), "listen-only", onOff(opts.ListenOnly))
	return append(cmds, args)
}

// ConfigureLink applies opts through the system `ip` tool. The interface
// must be down.
func ConfigureLink(name string, opts LinkOptions) error {
	if len(name) == 0 || len(name) >= unix.IFNAMSIZ {
		return fmt.Errorf("socketcan: invalid interface name %q", name)
	}
	for _, args := range linkArgs(name, opts) {
		out, err := exec.Command("ip", args...).CombinedOutput()
		if err != nil {
			return RequireCapNetAdmin(fmt.Errorf("ip %v failed: %w; output: %s", args[3:], err, string(out)))
		}
	}
	return nil
}
