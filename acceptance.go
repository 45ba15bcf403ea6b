package canctl

import "fmt"

// FilterConfig is an acceptance filter in the SJA1000 register layout shared
// by most classical CAN controllers. A mask bit of 1 means "don't care".
//
// Single filter mode, standard frames:
//
//	31..21 ID  20 RTR  19..16 unused  15..8 data[0]  7..0 data[1]
//
// Single filter mode, extended frames:
//
//	31..3 ID  2 RTR  1..0 unused
//
// In dual filter mode the register holds two narrower filters and a frame
// passes when either matches. For standard frames filter 1 compares the ID,
// RTR and data[0] (bits 31..16 and 3..0), filter 2 the ID and RTR (bits
// 15..4). For extended frames each filter compares ID bits 28..13, filter 1
// against bits 31..16 and filter 2 against bits 15..0.
//
// RejectExtended drops every extended frame before the registers are
// consulted. The registers alone cannot express this, so drivers apply it in
// software.
type FilterConfig struct {
	AcceptanceCode uint32
	AcceptanceMask uint32
	SingleFilter   bool
	RejectExtended bool
}

// Bits of the single filter layout that standard frames never drive.
const singleStdUnused = 0x000F0000

// FilterAcceptAll accepts every frame.
func FilterAcceptAll() FilterConfig {
	return FilterConfig{AcceptanceCode: 0, AcceptanceMask: 0xFFFFFFFF, SingleFilter: true}
}

// FilterSingleID accepts only standard frames with the given identifier.
func FilterSingleID(id uint32) FilterConfig {
	return FilterConfig{
		AcceptanceCode: (id & MaxStdID) << 21,
		AcceptanceMask: ^uint32(MaxStdID << 21),
		SingleFilter:   true,
		RejectExtended: true,
	}
}

// AcceptsAll reports whether the filter lets every frame through.
func (c FilterConfig) AcceptsAll() bool {
	return c.AcceptanceMask == 0xFFFFFFFF && !c.RejectExtended
}

// Validate reports ErrConfiguration for a standard-only single filter whose
// code requires bits 19..16, which no standard frame drives and Matches
// ignores. Every other code and mask pair is a valid register setting.
func (c FilterConfig) Validate() error {
	if !c.SingleFilter || !c.RejectExtended {
		return nil
	}
	if bits := c.AcceptanceCode &^ c.AcceptanceMask & singleStdUnused; bits != 0 {
		return fmt.Errorf("%w: acceptance code sets unused bits 0x%08x", ErrConfiguration, bits)
	}
	return nil
}

// StandardID returns the 11-bit identifier and identifier mask the filter
// compares in single filter mode. A mask bit of 1 means the bit must match,
// as Linux can_filter expects.
func (c FilterConfig) StandardID() (id, mask uint32) {
	return (c.AcceptanceCode >> 21) & MaxStdID, (^c.AcceptanceMask >> 21) & MaxStdID
}

// Matches reports whether the frame passes the acceptance filter. Data bytes
// beyond the frame's length, or of remote frames, are not compared.
func (c FilterConfig) Matches(f Frame) bool {
	if f.Extended && c.RejectExtended {
		return false
	}
	if c.SingleFilter {
		return c.matchSingle(f)
	}
	return c.matchDual(f)
}

// Filter adapts the acceptance filter to a FrameFilter.
func (c FilterConfig) Filter() FrameFilter {
	return c.Matches
}

func (c FilterConfig) matchSingle(f Frame) bool {
	var val, relevant uint32
	if f.Extended {
		val = f.ID<<3 | b2u(f.RTR)<<2
		relevant = 0xFFFFFFFC
	} else {
		val = f.ID<<21 | b2u(f.RTR)<<20
		relevant = 0xFFF00000
		if f.hasData(0) {
			val |= uint32(f.Data[0]) << 8
			relevant |= 0x0000FF00
		}
		if f.hasData(1) {
			val |= uint32(f.Data[1])
			relevant |= 0x000000FF
		}
	}
	return masked(val, c.AcceptanceCode, c.AcceptanceMask, relevant)
}

func (c FilterConfig) matchDual(f Frame) bool {
	if f.Extended {
		hi := (f.ID >> 13) & 0xFFFF
		return masked(hi<<16, c.AcceptanceCode, c.AcceptanceMask, 0xFFFF0000) ||
			masked(hi, c.AcceptanceCode, c.AcceptanceMask, 0x0000FFFF)
	}
	idr := f.ID<<5 | b2u(f.RTR)<<4
	v1 := idr << 16
	r1 := uint32(0xFFF00000)
	if f.hasData(0) {
		d := uint32(f.Data[0])
		v1 |= (d>>4)<<16 | d&0xF
		r1 |= 0x000F000F
	}
	return masked(v1, c.AcceptanceCode, c.AcceptanceMask, r1) ||
		masked(idr, c.AcceptanceCode, c.AcceptanceMask, 0x0000FFF0)
}

func (f Frame) hasData(i uint8) bool {
	return !f.RTR && i < f.Len
}

func masked(val, code, mask, relevant uint32) bool {
	return (val^code)&^mask&relevant == 0
}

func b2u(b bool) uint32 {
	if b {
		return 1
	}
	return 0
}
