//go:build linux

package selfpath

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/sys/unix"
)

const procSelfExe = "/proc/self/exe"

func resolve() (string, error) {
	path, err := readProcSelfExe()
	if errors.Is(err, os.ErrNotExist) {
		// procfs is not mounted (some containers and chroots).
		return fromExecutable()
	}
	if err != nil {
		return "", err
	}

	// The kernel appends this marker once the binary has been unlinked.
	if strings.HasSuffix(path, " (deleted)") {
		return "", fmt.Errorf("executable %s was removed after start", strings.TrimSuffix(path, " (deleted)"))
	}

	if !filepath.IsAbs(path) {
		return "", fmt.Errorf("readlink %s: unexpected relative path %q", procSelfExe, path)
	}
	return path, nil
}

func readProcSelfExe() (string, error) {
	for size := 256; size <= 64*1024; size *= 2 {
		buf := make([]byte, size)
		n, err := unix.Readlink(procSelfExe, buf)
		if err != nil {
			return "", fmt.Errorf("readlink %s: %w", procSelfExe, err)
		}
		if n < len(buf) {
			return string(buf[:n]), nil
		}
	}
	return "", fmt.Errorf("readlink %s: path too long", procSelfExe)
}
