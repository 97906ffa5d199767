// Package selfpath resolves the on-disk location of the running binary.
package selfpath

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// ErrUnavailable is wrapped by every error returned from Resolve.
var ErrUnavailable = errors.New("executable path unavailable")

// Resolve returns the absolute path of the running executable with all
// symlinks resolved, so callers can read the binary's bytes.
func Resolve() (string, error) {
	path, err := resolve()
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	return path, nil
}

// fromExecutable is the portable fallback used when no platform API applies.
func fromExecutable() (string, error) {
	exe, err := os.Executable()
	if err != nil {
		return "", fmt.Errorf("get executable path: %w", err)
	}

	exe, err = filepath.EvalSymlinks(exe)
	if err != nil {
		return "", fmt.Errorf("eval symlinks: %w", err)
	}

	return filepath.Abs(exe)
}
