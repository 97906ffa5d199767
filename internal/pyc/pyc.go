// Package pyc reads the versioned header of CPython bytecode files.
//
// A .pyc file is a header followed by a marshaled code object. The header
// length depends on the Python version that wrote it, and the version is
// identified by the leading magic number:
//
//	magic < 3210          magic, mtime                  (8 bytes)
//	3210 <= magic < 3392  magic, mtime, source size     (12 bytes)
//	magic >= 3392         magic, flags, mtime/hash, size (16 bytes, PEP 552)
package pyc

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

const (
	// MaxHeaderSize is the largest header any supported version writes.
	MaxHeaderSize = 16

	magicSourceSize = 3210 // 3.3a1: source size added
	magicPEP552     = 3392 // 3.7a4: flags word added
)

// Flags from PEP 552.
const (
	FlagHashBased   uint32 = 1 << 0
	FlagCheckSource uint32 = 1 << 1
)

var (
	ErrNotPyc       = errors.New("not a pyc file")
	ErrUnknownMagic = errors.New("unknown pyc magic number")
	ErrTruncated    = errors.New("truncated pyc header")
)

// magicRange maps the first magic number of a release line to its version.
// Each range extends to the next entry.
type magicRange struct {
	first   uint16
	version string
}

var magicTable = []magicRange{
	{3000, "3.0"},
	{3140, "3.1"},
	{3160, "3.2"},
	{3190, "3.3"},
	{3250, "3.4"},
	{3320, "3.5"},
	{3360, "3.6"},
	{3390, "3.7"},
	{3400, "3.8"},
	{3420, "3.9"},
	{3430, "3.10"},
	{3450, "3.11"},
	{3500, "3.12"},
	{3550, "3.13"},
	{3600, "3.14"},
	{3650, "3.15"},
}

// magicLimit is one past the last magic number we know how to size.
const magicLimit = 3700

// Header describes a parsed .pyc header.
type Header struct {
	Magic   uint16
	Version string // "major.minor"
	Flags   uint32 // zero before 3.7
	Size    int    // header length in bytes; the code object starts here
}

// HashBased reports whether the pyc was validated by source hash rather
// than by timestamp.
func (h Header) HashBased() bool {
	return h.Flags&FlagHashBased != 0
}

// VersionForMagic returns the Python release line that writes magic.
func VersionForMagic(magic uint16) (string, error) {
	if magic < magicTable[0].first || magic >= magicLimit {
		return "", fmt.Errorf("%w: %d", ErrUnknownMagic, magic)
	}
	version := magicTable[0].version
	for _, r := range magicTable {
		if magic < r.first {
			break
		}
		version = r.version
	}
	return version, nil
}

// HeaderSize returns the header length written alongside magic.
func HeaderSize(magic uint16) int {
	switch {
	case magic >= magicPEP552:
		return 16
	case magic >= magicSourceSize:
		return 12
	default:
		return 8
	}
}

// Parse decodes the header at the start of b. b must contain at least the
// full header for the detected version.
func Parse(b []byte) (Header, error) {
	if len(b) < 4 {
		return Header{}, ErrTruncated
	}
	if b[2] != '\r' || b[3] != '\n' {
		return Header{}, ErrNotPyc
	}

	magic := binary.LittleEndian.Uint16(b[:2])
	version, err := VersionForMagic(magic)
	if err != nil {
		return Header{}, err
	}

	h := Header{
		Magic:   magic,
		Version: version,
		Size:    HeaderSize(magic),
	}
	if len(b) < h.Size {
		return Header{}, fmt.Errorf("%w: have %d bytes, need %d", ErrTruncated, len(b), h.Size)
	}
	if h.Size == 16 {
		h.Flags = binary.LittleEndian.Uint32(b[4:8])
	}
	return h, nil
}

// Read parses the header from the start of r. It consumes at most
// MaxHeaderSize bytes.
func Read(r io.Reader) (Header, error) {
	var buf [MaxHeaderSize]byte
	n, err := io.ReadFull(r, buf[:])
	if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) {
		if errors.Is(err, io.EOF) {
			return Header{}, ErrTruncated
		}
		return Header{}, fmt.Errorf("read pyc header: %w", err)
	}
	return Parse(buf[:n])
}
