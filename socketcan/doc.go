// Package socketcan implements canctl.Driver on Linux SocketCAN.
//
// The kernel CAN driver owns bit timing, arbitration and error handling. The
// Driver opens a raw socket, mirrors the acceptance filter into kernel
// can_filter entries, and delivers its own echoes only for frames sent with
// SelfRx. With WithLinkSetup it also configures the interface bit rate and
// mode through iproute2 and toggles it up and down with Start and Stop.
package socketcan
