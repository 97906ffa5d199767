// Package footer encodes and decodes the fixed-size trailer that marks a
// binary as carrying an appended payload.
//
// The trailer is always the final Size bytes of the file:
//
//	"PYBND" | payload size (uint64, little-endian)
//
// There is no checksum and no version field.
package footer

import (
	"encoding/binary"
	"errors"
)

const (
	Magic = "PYBND"

	// Size is the total trailer length in bytes.
	Size = len(Magic) + 8
)

var (
	ErrShortFooter  = errors.New("short footer")
	ErrEmptyPayload = errors.New("empty payload")
)

// Encode returns the trailer for a payload of n bytes.
func Encode(n uint64) [Size]byte {
	var b [Size]byte
	copy(b[:len(Magic)], Magic)
	binary.LittleEndian.PutUint64(b[len(Magic):], n)
	return b
}

// Decode parses a trailer. ok is false when b does not start with Magic,
// which is the normal state of a bare stub and not an error. A matching
// trailer that records a zero-length payload is rejected with
// ErrEmptyPayload.
func Decode(b []byte) (n uint64, ok bool, err error) {
	if len(b) != Size {
		return 0, false, ErrShortFooter
	}
	if string(b[:len(Magic)]) != Magic {
		return 0, false, nil
	}

	n = binary.LittleEndian.Uint64(b[len(Magic):])
	if n == 0 {
		return 0, true, ErrEmptyPayload
	}
	return n, true, nil
}
