// Package cli implements the pybnd command line: argument parsing, mode
// dispatch and the mapping from failures to exit codes.
package cli

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/term"

	"github.com/tinyrange/pybnd/internal/bundle"
	"github.com/tinyrange/pybnd/internal/config"
	"github.com/tinyrange/pybnd/internal/python"
)

// Exit codes. They are stable and distinct for every failure class.
const (
	ExitOK            = 0
	ExitUsage         = 1
	ExitLocate        = 2
	ExitReadSelf      = 3
	ExitTooSmall      = 4
	ExitReadFooter    = 5
	ExitNoPayload     = 6
	ExitEmptyPayload  = 7
	ExitCorruptFooter = 8
	ExitScratch       = 9
	ExitCompile       = 10
	ExitWrite         = 11
	ExitExec          = 12
	ExitConfig        = 13
	ExitInternal      = 14
)

type Mode int

const (
	ModeLaunch Mode = iota
	ModeBuild
)

// Invocation is a parsed command line.
type Invocation struct {
	Mode   Mode
	Script string // build only
	Output string // build only
}

type InvocationError struct {
	ExitCode int
	Message  string
}

func (e *InvocationError) Error() string {
	if e == nil {
		return ""
	}
	return e.Message
}

func invalidInvocationf(format string, args ...any) error {
	return &InvocationError{ExitCode: ExitUsage, Message: fmt.Sprintf(format, args...)}
}

// ParseInvocation parses the arguments that follow the program name. With no
// arguments the binary launches its payload; --build takes exactly a script
// and an output path. Any other shape is an *InvocationError.
func ParseInvocation(args []string) (Invocation, error) {
	fs := flag.NewFlagSet("pybnd", flag.ContinueOnError)
	fs.SetOutput(io.Discard)

	build := fs.Bool("build", false, "compile a script into a standalone executable")
	if err := fs.Parse(args); err != nil {
		return Invocation{}, invalidInvocationf("%v", err)
	}

	rest := fs.Args()
	if !*build {
		if len(rest) != 0 {
			return Invocation{}, invalidInvocationf("unexpected arguments: %q", strings.Join(rest, " "))
		}
		return Invocation{Mode: ModeLaunch}, nil
	}

	if len(rest) != 2 {
		return Invocation{}, invalidInvocationf("--build takes exactly two arguments, got %d", len(rest))
	}
	if rest[0] == "" || rest[1] == "" {
		return Invocation{}, invalidInvocationf("--build arguments must not be empty")
	}
	return Invocation{Mode: ModeBuild, Script: rest[0], Output: rest[1]}, nil
}

// ExitCode maps an error returned by Main's collaborators to an exit code.
func ExitCode(err error) int {
	if err == nil {
		return ExitOK
	}

	var invErr *InvocationError
	if errors.As(err, &invErr) {
		return invErr.ExitCode
	}
	var cfgErr *config.Error
	if errors.As(err, &cfgErr) {
		return ExitConfig
	}

	switch {
	case errors.Is(err, bundle.ErrTooSmall):
		return ExitTooSmall
	case errors.Is(err, bundle.ErrNoPayload):
		return ExitNoPayload
	case errors.Is(err, bundle.ErrEmptyPayload):
		return ExitEmptyPayload
	case errors.Is(err, bundle.ErrCorruptFooter):
		return ExitCorruptFooter
	}

	var bErr *bundle.Error
	if !errors.As(err, &bErr) {
		return ExitInternal
	}
	switch bErr.Kind {
	case bundle.KindLocator:
		return ExitLocate
	case bundle.KindCompile:
		return ExitCompile
	case bundle.KindExec:
		return ExitExec
	}
	switch bErr.Op {
	case bundle.OpReadSelf:
		return ExitReadSelf
	case bundle.OpReadFooter:
		return ExitReadFooter
	case bundle.OpScratch:
		return ExitScratch
	case bundle.OpWrite:
		return ExitWrite
	}
	return ExitInternal
}

func printUsage(w io.Writer, prog string) {
	fmt.Fprintf(w, "Usage:\n")
	fmt.Fprintf(w, "  %s --build <script.py> <output>\n", prog)
	fmt.Fprintf(w, "        compile script.py and write a standalone executable to output\n")
	fmt.Fprintf(w, "  %s\n", prog)
	fmt.Fprintf(w, "        run the script embedded in this executable\n")
}

func programName(args []string) string {
	if len(args) == 0 || args[0] == "" {
		return "pybnd"
	}
	return filepath.Base(args[0])
}

// Main runs one invocation. args includes the program name. It returns the
// process exit code.
func Main(args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	prog := programName(args)
	var rest []string
	if len(args) > 1 {
		rest = args[1:]
	}

	inv, err := ParseInvocation(rest)
	if err != nil {
		fmt.Fprintf(stderr, "%s: %v\n", prog, err)
		printUsage(stderr, prog)
		return ExitCode(err)
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(stderr, "%s: %v\n", prog, err)
		return ExitCode(err)
	}

	// The launcher stays quiet so the script owns the output streams.
	level := slog.LevelWarn
	if inv.Mode == ModeBuild {
		level = slog.LevelInfo
	}
	logger := slog.New(slog.NewTextHandler(stderr, &slog.HandlerOptions{Level: cfg.Level(level)}))

	rt := python.New(python.Options{
		Engine:    cfg.Engine,
		Python:    cfg.Python,
		LibPython: cfg.LibPython,
		Stdin:     stdin,
		Stdout:    stdout,
		Stderr:    stderr,
		Logger:    logger,
	})

	ctx := context.Background()
	switch inv.Mode {
	case ModeBuild:
		b := &bundle.Builder{
			Compiler: rt,
			TempDir:  cfg.TempDir,
			Progress: progressWriter(cfg.Progress, stderr),
			Logger:   logger,
		}
		_, err = b.Build(ctx, inv.Script, inv.Output)
	default:
		l := &bundle.Launcher{
			Executor:    rt,
			TempDir:     cfg.TempDir,
			KeepScratch: cfg.KeepScratch,
			Logger:      logger,
		}
		err = l.Run(ctx)
	}

	if cerr := rt.Close(); cerr != nil {
		logger.Warn("failed to shut down python runtime", "error", cerr)
	}

	// A script that ran to its own exit already wrote whatever it had to say.
	if status, ok := scriptStatus(err); ok && inv.Mode == ModeLaunch {
		return status
	}
	if err != nil {
		report(stderr, prog, inv.Mode, err)
	}
	return ExitCode(err)
}

// scriptStatus returns the exit status of a payload that ran and exited
// non-zero. Statuses that are not plain exit codes, such as a death by
// signal, are reported as ExitExec.
func scriptStatus(err error) (int, bool) {
	var exitErr *python.ExitError
	if !errors.As(err, &exitErr) || exitErr.Status <= 0 {
		return 0, false
	}
	return exitErr.Status, true
}

func report(w io.Writer, prog string, mode Mode, err error) {
	if mode == ModeLaunch && errors.Is(err, bundle.ErrNoPayload) {
		fmt.Fprintf(w, "%s: no embedded payload; this binary is a bare stub\n", prog)
	} else {
		fmt.Fprintf(w, "%s: %v\n", prog, err)
	}
	if mode == ModeLaunch {
		fmt.Fprintf(w, "Usage to build: %s --build <script.py> <output>\n", prog)
	}
}

// progressWriter returns where the build progress bar is drawn, or nil to
// draw none.
func progressWriter(mode string, stderr io.Writer) io.Writer {
	switch mode {
	case config.ProgressAlways:
		return stderr
	case config.ProgressNever:
		return nil
	}
	if f, ok := stderr.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		return stderr
	}
	return nil
}
