package python

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strconv"
	"strings"

	"github.com/charmbracelet/x/ansi"
)

// subprocess runs every operation in a fresh interpreter process.
type subprocess struct {
	opts Options
}

func newSubprocess(opts Options) *subprocess {
	return &subprocess{opts: opts}
}

func (s *subprocess) command(ctx context.Context, program string, args ...string) *exec.Cmd {
	argv := append([]string{"-c", argvPrelude + program + subprocessExit}, args...)
	return exec.CommandContext(ctx, s.opts.Python, argv...)
}

func (s *subprocess) version(ctx context.Context) (string, error) {
	cmd := exec.CommandContext(ctx, s.opts.Python, "-c", versionProgram)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	out, err := cmd.Output()
	if err != nil {
		if msg := strings.TrimSpace(stderr.String()); msg != "" {
			return "", fmt.Errorf("run %s: %w: %s", s.opts.Python, err, msg)
		}
		return "", fmt.Errorf("run %s: %w", s.opts.Python, err)
	}
	return strings.TrimSpace(string(out)), nil
}

func (s *subprocess) compile(ctx context.Context, scriptPath, outputPath string) error {
	cmd := s.command(ctx, compileProgram, scriptPath, outputPath)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	err := cmd.Run()
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return &CompileError{
			Script:  scriptPath,
			Message: ansi.Strip(strings.TrimSpace(stderr.String())),
		}
	}
	if err != nil {
		return fmt.Errorf("run %s: %w", s.opts.Python, err)
	}
	return nil
}

func (s *subprocess) exec(ctx context.Context, unitPath string, offset int, argv0 string) error {
	cmd := s.command(ctx, execProgram, unitPath, strconv.Itoa(offset), argv0)
	cmd.Stdin = s.opts.Stdin
	cmd.Stdout = s.opts.Stdout
	cmd.Stderr = s.opts.Stderr

	err := cmd.Run()
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return &ExitError{Status: exitErr.ExitCode()}
	}
	if err != nil {
		return fmt.Errorf("run %s: %w", s.opts.Python, err)
	}
	return nil
}

func (s *subprocess) close() error {
	return nil
}
