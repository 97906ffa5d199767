// Package pybnd packages Python scripts into standalone executables. A bundle
// is a copy of a stub binary with the compiled script appended, and runs the
// script when started without arguments.
//
// Most users want the pybnd command. This package exposes the same build and
// launch steps for programs that act as their own stub.
package pybnd

import (
	"context"
	"io"
	"log/slog"

	"github.com/tinyrange/pybnd/internal/bundle"
	"github.com/tinyrange/pybnd/internal/config"
	"github.com/tinyrange/pybnd/internal/python"
)

// -----------------------------------------------------------------------------
// Type Aliases - These re-export types from internal packages
// -----------------------------------------------------------------------------

// Layout describes where the stub, payload and footer of a bundle live.
type Layout = bundle.Layout

// Error is returned by Build and Launch with the failing step and path.
type Error = bundle.Error

// ExitError reports a script that finished with a non-zero status.
type ExitError = python.ExitError

// CompileError carries the interpreter's diagnostic for a broken script.
type CompileError = python.CompileError

// Format errors reported when reading a bundle.
var (
	ErrTooSmall      = bundle.ErrTooSmall
	ErrNoPayload     = bundle.ErrNoPayload
	ErrEmptyPayload  = bundle.ErrEmptyPayload
	ErrCorruptFooter = bundle.ErrCorruptFooter
)

// Engines.
const (
	EngineExec     = python.EngineExec
	EngineEmbedded = python.EngineEmbedded
)

// -----------------------------------------------------------------------------
// Options
// -----------------------------------------------------------------------------

type settings struct {
	cfg      config.Config
	progress io.Writer
	logger   *slog.Logger
	stdin    io.Reader
	stdout   io.Writer
	stderr   io.Writer
	locate   func() (string, error)
}

// Option configures Build and Launch. Unset values come from the pybnd
// config file and PYBND_* environment variables.
type Option func(*settings)

// WithEngine selects EngineExec or EngineEmbedded.
func WithEngine(engine string) Option {
	return func(s *settings) { s.cfg.Engine = engine }
}

// WithPython sets the interpreter used by the exec engine.
func WithPython(path string) Option {
	return func(s *settings) { s.cfg.Python = path }
}

// WithLibPython sets the shared library loaded by the embedded engine.
func WithLibPython(path string) Option {
	return func(s *settings) { s.cfg.LibPython = path }
}

// WithTempDir sets where scratch payload files are created.
func WithTempDir(dir string) Option {
	return func(s *settings) { s.cfg.TempDir = dir }
}

// WithKeepScratch leaves the extracted payload on disk after Launch.
func WithKeepScratch(keep bool) Option {
	return func(s *settings) { s.cfg.KeepScratch = keep }
}

// WithProgress draws a byte progress bar on w while Build copies.
func WithProgress(w io.Writer) Option {
	return func(s *settings) { s.progress = w }
}

// WithLogger sets the logger for status messages.
func WithLogger(logger *slog.Logger) Option {
	return func(s *settings) { s.logger = logger }
}

// WithStdio sets the standard streams of the launched script. The embedded
// engine always uses the process streams.
func WithStdio(stdin io.Reader, stdout, stderr io.Writer) Option {
	return func(s *settings) {
		s.stdin, s.stdout, s.stderr = stdin, stdout, stderr
	}
}

// WithStub uses the executable at path instead of the running binary, as the
// stub for Build or the bundle for Launch.
func WithStub(path string) Option {
	return func(s *settings) {
		s.locate = func() (string, error) { return path, nil }
	}
}

func newSettings(opts []Option) (*settings, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	s := &settings{cfg: cfg, logger: slog.Default()}
	for _, opt := range opts {
		opt(s)
	}
	if err := s.cfg.Validate(); err != nil {
		return nil, &config.Error{Err: err}
	}
	return s, nil
}

func (s *settings) runtime() *python.Runtime {
	return python.New(python.Options{
		Engine:    s.cfg.Engine,
		Python:    s.cfg.Python,
		LibPython: s.cfg.LibPython,
		Stdin:     s.stdin,
		Stdout:    s.stdout,
		Stderr:    s.stderr,
		Logger:    s.logger,
	})
}

// -----------------------------------------------------------------------------
// Operations
// -----------------------------------------------------------------------------

// Inspect reports the layout of the bundle at path. A binary without a
// payload yields ErrNoPayload.
func Inspect(path string) (Layout, error) {
	return bundle.Inspect(path)
}

// Build compiles script and writes a bundle to output. The output is replaced
// atomically; on failure an existing output is left untouched.
func Build(ctx context.Context, script, output string, opts ...Option) (Layout, error) {
	s, err := newSettings(opts)
	if err != nil {
		return Layout{}, err
	}

	rt := s.runtime()
	defer rt.Close()

	b := &bundle.Builder{
		Compiler: rt,
		Locate:   s.locate,
		TempDir:  s.cfg.TempDir,
		Progress: s.progress,
		Logger:   s.logger,
	}
	return b.Build(ctx, script, output)
}

// Launch runs the script embedded in the running binary. It returns
// ErrNoPayload, wrapped, when the binary is a bare stub.
func Launch(ctx context.Context, opts ...Option) error {
	s, err := newSettings(opts)
	if err != nil {
		return err
	}

	rt := s.runtime()
	defer rt.Close()

	l := &bundle.Launcher{
		Executor:    rt,
		Locate:      s.locate,
		TempDir:     s.cfg.TempDir,
		KeepScratch: s.cfg.KeepScratch,
		Logger:      s.logger,
	}
	return l.Run(ctx)
}
