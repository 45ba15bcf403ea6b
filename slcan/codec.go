package slcan

import (
	"errors"
	"fmt"
	"strconv"

	"github.com/notnil/canctl"
)

// ErrMalformed is returned for frame lines that cannot be decoded.
var ErrMalformed = errors.New("slcan: malformed frame line")

// bitrateCodes maps bit rates to the argument of the S command.
var bitrateCodes = map[uint32]byte{
	10000:   '0',
	20000:   '1',
	50000:   '2',
	100000:  '3',
	125000:  '4',
	250000:  '5',
	500000:  '6',
	800000:  '7',
	1000000: '8',
}

func bitrateCommand(bitrate uint32) (string, error) {
	code, ok := bitrateCodes[bitrate]
	if !ok {
		return "", fmt.Errorf("%w: no slcan setting for %d bit/s", canctl.ErrConfiguration, bitrate)
	}
	return "S" + string(code), nil
}

const hexDigits = "0123456789ABCDEF"

func appendHex(dst []byte, v uint32, digits int) []byte {
	for i := digits - 1; i >= 0; i-- {
		dst = append(dst, hexDigits[(v>>(4*uint(i)))&0xF])
	}
	return dst
}

// Encode renders f as a frame line including the trailing carriage return.
func Encode(f canctl.Frame) []byte {
	line := make([]byte, 0, 27)
	cmd := byte('t')
	switch {
	case f.Extended && f.RTR:
		cmd = 'R'
	case f.Extended:
		cmd = 'T'
	case f.RTR:
		cmd = 'r'
	}
	line = append(line, cmd)
	if f.Extended {
		line = appendHex(line, f.ID, 8)
	} else {
		line = appendHex(line, f.ID, 3)
	}
	line = append(line, '0'+f.Len)
	if !f.RTR {
		for _, b := range f.Payload() {
			line = appendHex(line, uint32(b), 2)
		}
	}
	return append(line, '\r')
}

// Decode parses a frame line without its terminator. A trailing four digit
// timestamp is accepted and ignored.
func Decode(line []byte) (canctl.Frame, error) {
	var f canctl.Frame
	if len(line) == 0 {
		return f, ErrMalformed
	}
	idLen := 3
	switch line[0] {
	case 't':
	case 'r':
		f.RTR = true
	case 'T':
		f.Extended, idLen = true, 8
	case 'R':
		f.Extended, f.RTR, idLen = true, true, 8
	default:
		return f, fmt.Errorf("%w: unknown command %q", ErrMalformed, line[0])
	}
	if len(line) < 2+idLen {
		return f, fmt.Errorf("%w: %q too short", ErrMalformed, line)
	}
	id, err := strconv.ParseUint(string(line[1:1+idLen]), 16, 32)
	if err != nil {
		return f, fmt.Errorf("%w: identifier: %v", ErrMalformed, err)
	}
	f.ID = uint32(id)
	dlc := line[1+idLen]
	if dlc < '0' || dlc > '8' {
		return f, fmt.Errorf("%w: length %q", ErrMalformed, dlc)
	}
	f.Len = dlc - '0'

	rest := line[2+idLen:]
	dataLen := 0
	if !f.RTR {
		dataLen = 2 * int(f.Len)
	}
	if len(rest) != dataLen && len(rest) != dataLen+4 {
		return f, fmt.Errorf("%w: %q has %d payload digits", ErrMalformed, line, len(rest))
	}
	for i := 0; i < dataLen/2; i++ {
		b, err := strconv.ParseUint(string(rest[2*i:2*i+2]), 16, 8)
		if err != nil {
			return f, fmt.Errorf("%w: data: %v", ErrMalformed, err)
		}
		f.Data[i] = byte(b)
	}
	if err := f.Validate(); err != nil {
		return f, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return f, nil
}
