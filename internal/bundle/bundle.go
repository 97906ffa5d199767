// Package bundle builds and launches self-extracting executables.
//
// A bundle is a copy of the pybnd binary (the stub) followed by a compiled
// script (the payload) and a fixed trailer:
//
//	stub | payload | footer
//
// The stub is never parsed; it is cloned byte for byte. The footer records
// the payload length so the launcher can find the payload from the end of
// its own file.
package bundle

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/tinyrange/pybnd/internal/footer"
)

// copyBufferSize bounds memory used while streaming stubs and payloads.
const copyBufferSize = 32 * 1024

// Compiler turns a script into a loadable unit written at outputPath.
type Compiler interface {
	Compile(ctx context.Context, scriptPath, outputPath string) error
}

// Executor loads and runs the unit stored at unitPath. argv0 is the path the
// running program reports as its own, which is the bundle rather than the
// scratch copy of its payload.
type Executor interface {
	Exec(ctx context.Context, unitPath, argv0 string) error
}

// Layout describes where the pieces of a bundle live within a file.
type Layout struct {
	Size          int64 // total file size
	PayloadOffset int64 // first payload byte; equals the stub size
	PayloadSize   int64
}

// StubSize returns the number of leading bytes that belong to the stub.
func (l Layout) StubSize() int64 {
	return l.PayloadOffset
}

// ReadLayout locates the payload of a file of the given size. The returned
// Layout always carries Size, even when err is non-nil, so callers can treat
// a file without a payload as a bare stub.
func ReadLayout(r io.ReaderAt, size int64, path string) (Layout, error) {
	layout := Layout{Size: size}

	if size < int64(footer.Size) {
		return layout, newError(KindFormat, OpReadFooter, path, fmt.Errorf("%w (%d bytes)", ErrTooSmall, size))
	}

	var trailer [footer.Size]byte
	if _, err := r.ReadAt(trailer[:], size-int64(footer.Size)); err != nil && !errors.Is(err, io.EOF) {
		return layout, newError(KindIO, OpReadFooter, path, err)
	}

	n, ok, err := footer.Decode(trailer[:])
	if err != nil {
		if errors.Is(err, footer.ErrEmptyPayload) {
			return layout, newError(KindFormat, OpReadFooter, path, ErrEmptyPayload)
		}
		return layout, newError(KindIO, OpReadFooter, path, err)
	}
	if !ok {
		return layout, newError(KindFormat, OpReadFooter, path, ErrNoPayload)
	}

	available := size - int64(footer.Size)
	if n > uint64(available) {
		return layout, newError(KindFormat, OpReadFooter, path,
			fmt.Errorf("%w (payload %d bytes, %d available)", ErrCorruptFooter, n, available))
	}

	layout.PayloadSize = int64(n)
	layout.PayloadOffset = available - layout.PayloadSize
	return layout, nil
}

// Inspect reads the layout of the file at path.
func Inspect(path string) (Layout, error) {
	f, err := os.Open(path)
	if err != nil {
		return Layout{}, newError(KindIO, OpReadSelf, path, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return Layout{}, newError(KindIO, OpReadSelf, path, err)
	}

	return ReadLayout(f, info.Size(), path)
}

// isBareStub reports whether err from ReadLayout only means the file carries
// no payload.
func isBareStub(err error) bool {
	return errors.Is(err, ErrNoPayload) || errors.Is(err, ErrTooSmall)
}

// stream copies src to dst through buf until src is exhausted. Read and write
// failures are reported separately so callers can attribute them.
func stream(dst io.Writer, src io.Reader, buf []byte) (n int64, readErr, writeErr error) {
	for {
		nr, rerr := src.Read(buf)
		if nr > 0 {
			nw, werr := dst.Write(buf[:nr])
			n += int64(nw)
			if werr != nil {
				return n, nil, werr
			}
			if nw != nr {
				return n, nil, io.ErrShortWrite
			}
		}
		if rerr == io.EOF {
			return n, nil, nil
		}
		if rerr != nil {
			return n, rerr, nil
		}
	}
}
