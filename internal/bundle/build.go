package bundle

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/schollz/progressbar/v3"

	"github.com/tinyrange/pybnd/internal/footer"
	"github.com/tinyrange/pybnd/internal/scratch"
	"github.com/tinyrange/pybnd/internal/selfpath"
)

// Builder compiles a script and appends it to a clone of the running binary.
type Builder struct {
	Compiler Compiler

	// Locate returns the stub to clone. Defaults to selfpath.Resolve.
	Locate func() (string, error)

	// TempDir holds the intermediate compiled payload. Empty means os.TempDir.
	TempDir string

	// Progress, when set, receives a byte progress bar for the copy.
	Progress io.Writer

	Logger *slog.Logger
}

func (b *Builder) logger() *slog.Logger {
	if b.Logger != nil {
		return b.Logger
	}
	return slog.Default()
}

func (b *Builder) locate() (string, error) {
	if b.Locate != nil {
		return b.Locate()
	}
	return selfpath.Resolve()
}

// Build writes a bundle of scriptPath to outputPath and returns its layout.
//
// The output is assembled in a temporary file next to outputPath and renamed
// into place only once complete, so outputPath is either left untouched or
// replaced by a valid bundle.
func (b *Builder) Build(ctx context.Context, scriptPath, outputPath string) (Layout, error) {
	log := b.logger()

	self, err := b.locate()
	if err != nil {
		return Layout{}, newError(KindLocator, OpLocate, "", err)
	}

	// A binary that already carries a payload contributes only its stub.
	stub, err := Inspect(self)
	switch {
	case err == nil:
		log.Info("Cloning stub without its existing payload", "stub", self, "stub_bytes", stub.StubSize())
	case isBareStub(err):
		stub = Layout{Size: stub.Size, PayloadOffset: stub.Size}
	default:
		return Layout{}, err
	}

	payload, err := scratch.Create(b.TempDir, "pybnd-build-", ".pyc")
	if err != nil {
		return Layout{}, newError(KindIO, OpScratch, b.TempDir, err)
	}
	payloadPath := payload.Name()
	payload.Close()
	defer func() {
		if err := scratch.Remove(payloadPath); err != nil {
			log.Warn("failed to remove compiled payload", "path", payloadPath, "error", err)
		}
	}()

	log.Info("Compiling", "script", scriptPath, "payload", payloadPath)
	if err := b.Compiler.Compile(ctx, scriptPath, payloadPath); err != nil {
		return Layout{}, newError(KindCompile, OpCompile, scriptPath, err)
	}

	log.Info("Appending payload", "stub", self, "output", outputPath)
	layout, err := b.writeImage(self, stub.StubSize(), payloadPath, outputPath)
	if err != nil {
		return Layout{}, err
	}

	log.Info("Built", "output", outputPath, "stub_bytes", layout.StubSize(), "payload_bytes", layout.PayloadSize)
	return layout, nil
}

func (b *Builder) writeImage(self string, stubSize int64, payloadPath, outputPath string) (_ Layout, retErr error) {
	stub, err := os.Open(self)
	if err != nil {
		return Layout{}, newError(KindIO, OpReadSelf, self, err)
	}
	defer stub.Close()

	payload, err := os.Open(payloadPath)
	if err != nil {
		return Layout{}, newError(KindIO, OpWrite, payloadPath, err)
	}
	defer payload.Close()

	payloadInfo, err := payload.Stat()
	if err != nil {
		return Layout{}, newError(KindIO, OpWrite, payloadPath, err)
	}

	out, err := scratch.Create(filepath.Dir(outputPath), "."+filepath.Base(outputPath)+".", ".partial")
	if err != nil {
		return Layout{}, newError(KindIO, OpWrite, outputPath, err)
	}
	tmpPath := out.Name()
	closed := false
	defer func() {
		if !closed {
			out.Close()
		}
		if retErr != nil {
			os.Remove(tmpPath)
		}
	}()

	var w io.Writer = out
	if b.Progress != nil {
		bar := newProgressBar(b.Progress, stubSize+payloadInfo.Size(), filepath.Base(outputPath))
		defer bar.Close()
		w = io.MultiWriter(out, bar)
	}

	buf := make([]byte, copyBufferSize)

	n, rerr, werr := stream(w, io.LimitReader(stub, stubSize), buf)
	switch {
	case rerr != nil:
		return Layout{}, newError(KindIO, OpReadSelf, self, rerr)
	case werr != nil:
		return Layout{}, newError(KindIO, OpWrite, outputPath, werr)
	case n != stubSize:
		return Layout{}, newError(KindIO, OpReadSelf, self, fmt.Errorf("short read: %d of %d bytes: %w", n, stubSize, io.ErrUnexpectedEOF))
	}

	payloadSize, rerr, werr := stream(w, payload, buf)
	switch {
	case rerr != nil:
		return Layout{}, newError(KindIO, OpWrite, payloadPath, rerr)
	case werr != nil:
		return Layout{}, newError(KindIO, OpWrite, outputPath, werr)
	case payloadSize == 0:
		return Layout{}, newError(KindFormat, OpWrite, payloadPath, ErrEmptyPayload)
	}

	trailer := footer.Encode(uint64(payloadSize))
	if _, err := w.Write(trailer[:]); err != nil {
		return Layout{}, newError(KindIO, OpWrite, outputPath, fmt.Errorf("write footer: %w", err))
	}

	if err := out.Sync(); err != nil {
		return Layout{}, newError(KindIO, OpWrite, outputPath, err)
	}
	closed = true
	if err := out.Close(); err != nil {
		return Layout{}, newError(KindIO, OpWrite, outputPath, err)
	}

	if err := os.Chmod(tmpPath, 0o755); err != nil {
		return Layout{}, newError(KindIO, OpWrite, outputPath, fmt.Errorf("set permissions: %w", err))
	}
	if err := os.Rename(tmpPath, outputPath); err != nil {
		return Layout{}, newError(KindIO, OpWrite, outputPath, err)
	}

	return Layout{
		Size:          stubSize + payloadSize + int64(footer.Size),
		PayloadOffset: stubSize,
		PayloadSize:   payloadSize,
	}, nil
}

func newProgressBar(w io.Writer, total int64, name string) *progressbar.ProgressBar {
	return progressbar.NewOptions64(
		total,
		progressbar.OptionSetDescription("bundle "+name),
		progressbar.OptionSetWriter(w),
		progressbar.OptionShowBytes(true),
		progressbar.OptionShowTotalBytes(true),
		progressbar.OptionSetWidth(10),
		progressbar.OptionThrottle(65*time.Millisecond),
		progressbar.OptionShowCount(),
		progressbar.OptionOnCompletion(func() {
			fmt.Fprint(w, "\n")
		}),
		progressbar.OptionSetRenderBlankState(true),
	)
}
