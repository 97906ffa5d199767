// Package python compiles scripts to bytecode and runs bytecode payloads
// with a CPython interpreter.
//
// Two engines are available. The exec engine drives an interpreter binary as
// a subprocess. The embedded engine loads libpython into the current process.
// Both satisfy the bundle Compiler and Executor interfaces through Runtime.
package python

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"regexp"
	"sync"

	"golang.org/x/mod/semver"

	"github.com/tinyrange/pybnd/internal/pyc"
)

const (
	EngineExec     = "exec"
	EngineEmbedded = "embedded"

	// MinVersion is the oldest interpreter able to run payloads. Earlier
	// releases write pyc headers without the PEP 552 flags word.
	MinVersion = "v3.7.0"
)

var (
	ErrUnsupported     = errors.New("engine not supported on this platform")
	ErrVersionMismatch = errors.New("payload was compiled for a different python version")
)

// ExitError reports a script that ran and finished with a non-zero status.
type ExitError struct {
	Status int
}

func (e *ExitError) Error() string {
	return fmt.Sprintf("script exited with status %d", e.Status)
}

// CompileError carries the interpreter's diagnostic for a script that does
// not compile.
type CompileError struct {
	Script  string
	Message string
}

func (e *CompileError) Error() string {
	if e.Message == "" {
		return "compilation failed"
	}
	return e.Message
}

// Options configures a Runtime.
type Options struct {
	Engine string

	// Python is the interpreter binary for the exec engine.
	Python string

	// LibPython is the shared library for the embedded engine. Empty means
	// search the usual library names.
	LibPython string

	// Standard streams for executed scripts. Nil means the process streams.
	// The embedded engine always uses the process streams.
	Stdin  io.Reader
	Stdout io.Writer
	Stderr io.Writer

	Logger *slog.Logger
}

// engine is one way of reaching an interpreter.
type engine interface {
	version(ctx context.Context) (string, error)
	compile(ctx context.Context, scriptPath, outputPath string) error
	exec(ctx context.Context, unitPath string, offset int, argv0 string) error
	close() error
}

// Runtime owns at most one interpreter for the lifetime of an invocation.
// The interpreter is started on first use and released by Close.
type Runtime struct {
	opts Options

	mu      sync.Mutex
	eng     engine
	version string
	closed  bool
}

func New(opts Options) *Runtime {
	if opts.Engine == "" {
		opts.Engine = EngineExec
	}
	if opts.Python == "" {
		opts.Python = "python3"
	}
	if opts.Stdin == nil {
		opts.Stdin = os.Stdin
	}
	if opts.Stdout == nil {
		opts.Stdout = os.Stdout
	}
	if opts.Stderr == nil {
		opts.Stderr = os.Stderr
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Runtime{opts: opts}
}

func (r *Runtime) acquire(ctx context.Context) (engine, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil, errors.New("python runtime is closed")
	}
	if r.eng != nil {
		return r.eng, nil
	}

	var (
		eng engine
		err error
	)
	switch r.opts.Engine {
	case EngineExec:
		eng = newSubprocess(r.opts)
	case EngineEmbedded:
		eng, err = openEmbedded(r.opts)
	default:
		err = fmt.Errorf("unknown engine %q", r.opts.Engine)
	}
	if err != nil {
		return nil, fmt.Errorf("start %s engine: %w", r.opts.Engine, err)
	}

	raw, err := eng.version(ctx)
	if err != nil {
		eng.close()
		return nil, fmt.Errorf("probe interpreter version: %w", err)
	}
	version, err := canonicalVersion(raw)
	if err != nil {
		eng.close()
		return nil, err
	}
	if semver.Compare(version, MinVersion) < 0 {
		eng.close()
		return nil, fmt.Errorf("python %s is too old (need %s or newer)", version[1:], MinVersion[1:])
	}

	r.opts.Logger.Debug("Python runtime ready", "engine", r.opts.Engine, "version", version)
	r.eng = eng
	r.version = version
	return eng, nil
}

// Version returns the interpreter version as a semver string, e.g. "v3.12.1".
func (r *Runtime) Version(ctx context.Context) (string, error) {
	if _, err := r.acquire(ctx); err != nil {
		return "", err
	}
	return r.version, nil
}

// Compile writes the bytecode of scriptPath to outputPath.
func (r *Runtime) Compile(ctx context.Context, scriptPath, outputPath string) error {
	eng, err := r.acquire(ctx)
	if err != nil {
		return err
	}
	return eng.compile(ctx, scriptPath, outputPath)
}

// Exec runs the bytecode file at unitPath with sys.argv set to [argv0]. An
// empty argv0 leaves unitPath in its place. The header is parsed to find the
// code object and to confirm the running interpreter can load it.
func (r *Runtime) Exec(ctx context.Context, unitPath, argv0 string) error {
	eng, err := r.acquire(ctx)
	if err != nil {
		return err
	}

	h, err := readHeader(unitPath)
	if err != nil {
		return err
	}
	if want := semver.MajorMinor(r.version); "v"+h.Version != want {
		return fmt.Errorf("%w: payload is %s, interpreter is %s", ErrVersionMismatch, h.Version, r.version[1:])
	}

	r.opts.Logger.Debug("Executing payload", "path", unitPath, "header_bytes", h.Size, "hash_based", h.HashBased())
	return eng.exec(ctx, unitPath, h.Size, argv0)
}

// Close releases the interpreter. It is safe to call more than once.
func (r *Runtime) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.closed = true
	if r.eng == nil {
		return nil
	}
	err := r.eng.close()
	r.eng = nil
	return err
}

func readHeader(path string) (pyc.Header, error) {
	f, err := os.Open(path)
	if err != nil {
		return pyc.Header{}, fmt.Errorf("open payload: %w", err)
	}
	defer f.Close()

	h, err := pyc.Read(f)
	if err != nil {
		return pyc.Header{}, fmt.Errorf("read payload header: %w", err)
	}
	return h, nil
}

var versionPattern = regexp.MustCompile(`^(\d+)\.(\d+)(?:\.(\d+))?`)

// canonicalVersion turns interpreter version text such as "3.13.0rc1" or
// "3.11.7 (main, ...)" into a semver string.
func canonicalVersion(s string) (string, error) {
	m := versionPattern.FindStringSubmatch(s)
	if m == nil {
		return "", fmt.Errorf("unrecognized python version %q", s)
	}
	patch := m[3]
	if patch == "" {
		patch = "0"
	}
	v := "v" + m[1] + "." + m[2] + "." + patch
	if !semver.IsValid(v) {
		return "", fmt.Errorf("unrecognized python version %q", s)
	}
	return v, nil
}
