package canctl

// FrameFilter decides whether a frame is of interest. A nil FrameFilter
// matches every frame.
type FrameFilter func(Frame) bool

// ByID returns a filter that matches frames with the exact identifier.
func ByID(id uint32) FrameFilter {
	return func(f Frame) bool { return f.ID == id }
}

// ByIDs returns a filter that matches any of the provided identifiers.
func ByIDs(ids ...uint32) FrameFilter {
	set := make(map[uint32]struct{}, len(ids))
	for _, id := range ids {
		set[id] = struct{}{}
	}
	return func(f Frame) bool {
		_, ok := set[f.ID]
		return ok
	}
}

// ByRange matches frames whose ID is within [lo, hi], inclusive.
func ByRange(lo, hi uint32) FrameFilter {
	if hi < lo {
		lo, hi = hi, lo
	}
	return func(f Frame) bool { return f.ID >= lo && f.ID <= hi }
}

// ByMask matches when (frame.ID & mask) == (id & mask).
func ByMask(id, mask uint32) FrameFilter {
	want := id & mask
	return func(f Frame) bool { return f.ID&mask == want }
}

// ByPayloadPrefix matches data frames whose payload starts with prefix.
func ByPayloadPrefix(prefix ...byte) FrameFilter {
	return func(f Frame) bool {
		p := f.Payload()
		if f.RTR || len(p) < len(prefix) {
			return false
		}
		return string(p[:len(prefix)]) == string(prefix)
	}
}

// StandardOnly matches standard (11-bit) identifiers.
func StandardOnly() FrameFilter {
	return func(f Frame) bool { return !f.Extended }
}

// ExtendedOnly matches extended (29-bit) identifiers.
func ExtendedOnly() FrameFilter {
	return func(f Frame) bool { return f.Extended }
}

// DataOnly matches non-RTR frames.
func DataOnly() FrameFilter {
	return func(f Frame) bool { return !f.RTR }
}

// RTROnly matches remote transmission request frames.
func RTROnly() FrameFilter {
	return func(f Frame) bool { return f.RTR }
}

// LenAtMost matches frames with data length <= n.
func LenAtMost(n uint8) FrameFilter {
	return func(f Frame) bool { return f.Len <= n }
}

// LenExactly matches frames with data length == n.
func LenExactly(n uint8) FrameFilter {
	return func(f Frame) bool { return f.Len == n }
}

// And matches when every non-nil filter matches.
func And(filters ...FrameFilter) FrameFilter {
	return func(f Frame) bool {
		for _, ff := range filters {
			if ff != nil && !ff(f) {
				return false
			}
		}
		return true
	}
}

// Or matches when any non-nil filter matches. With no non-nil filters it
// matches everything.
func Or(filters ...FrameFilter) FrameFilter {
	return func(f Frame) bool {
		seen := false
		for _, ff := range filters {
			if ff == nil {
				continue
			}
			seen = true
			if ff(f) {
				return true
			}
		}
		return !seen
	}
}

// Not inverts a filter. Not(nil) matches nothing.
func Not(ff FrameFilter) FrameFilter {
	return func(f Frame) bool { return ff != nil && !ff(f) }
}

// Match applies a possibly nil filter.
func (ff FrameFilter) Match(f Frame) bool {
	return ff == nil || ff(f)
}
