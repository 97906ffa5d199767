package bundle

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/tinyrange/pybnd/internal/scratch"
	"github.com/tinyrange/pybnd/internal/selfpath"
)

// Launcher extracts the payload carried by the running binary and runs it.
type Launcher struct {
	Executor Executor

	// Locate returns the bundle to read. Defaults to selfpath.Resolve.
	Locate func() (string, error)

	// TempDir receives the extracted payload. Empty means os.TempDir.
	TempDir string

	// KeepScratch leaves the extracted payload on disk after the run.
	KeepScratch bool

	Logger *slog.Logger
}

func (l *Launcher) logger() *slog.Logger {
	if l.Logger != nil {
		return l.Logger
	}
	return slog.Default()
}

func (l *Launcher) locate() (string, error) {
	if l.Locate != nil {
		return l.Locate()
	}
	return selfpath.Resolve()
}

// Run extracts the embedded payload into a scratch file and hands it to the
// Executor. The scratch file is removed afterwards unless KeepScratch is set.
func (l *Launcher) Run(ctx context.Context) error {
	log := l.logger()

	self, err := l.locate()
	if err != nil {
		return newError(KindLocator, OpLocate, "", err)
	}

	path, layout, err := l.Extract(self)
	if err != nil {
		return err
	}
	defer l.cleanup(path)

	log.Debug("Running payload", "bundle", self, "scratch", path, "payload_bytes", layout.PayloadSize)
	if err := l.Executor.Exec(ctx, path, self); err != nil {
		return newError(KindExec, OpExec, path, err)
	}
	return nil
}

// Extract copies the payload of the bundle at self into a new scratch file
// and returns its path. On error no scratch file is left behind.
func (l *Launcher) Extract(self string) (_ string, _ Layout, retErr error) {
	f, err := os.Open(self)
	if err != nil {
		return "", Layout{}, newError(KindIO, OpReadSelf, self, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return "", Layout{}, newError(KindIO, OpReadSelf, self, err)
	}

	layout, err := ReadLayout(f, info.Size(), self)
	if err != nil {
		return "", Layout{}, err
	}

	out, err := scratch.Create(l.TempDir, "pybnd-payload-", ".pyc")
	if err != nil {
		return "", Layout{}, newError(KindIO, OpScratch, l.TempDir, err)
	}
	path := out.Name()
	closed := false
	defer func() {
		if !closed {
			out.Close()
		}
		if retErr != nil {
			os.Remove(path)
		}
	}()

	src := io.NewSectionReader(f, layout.PayloadOffset, layout.PayloadSize)
	n, rerr, werr := stream(out, src, make([]byte, copyBufferSize))
	switch {
	case rerr != nil:
		return "", Layout{}, newError(KindIO, OpReadSelf, self, rerr)
	case werr != nil:
		return "", Layout{}, newError(KindIO, OpScratch, path, werr)
	case n != layout.PayloadSize:
		return "", Layout{}, newError(KindIO, OpReadSelf, self,
			fmt.Errorf("short read: %d of %d bytes: %w", n, layout.PayloadSize, io.ErrUnexpectedEOF))
	}

	closed = true
	if err := out.Close(); err != nil {
		return "", Layout{}, newError(KindIO, OpScratch, path, err)
	}
	return path, layout, nil
}

func (l *Launcher) cleanup(path string) {
	log := l.logger()
	if l.KeepScratch {
		log.Info("Keeping extracted payload", "path", path)
		return
	}
	if err := scratch.Remove(path); err != nil {
		log.Warn("failed to remove extracted payload", "path", path, "error", err)
	}
}
