//go:build windows

package selfpath

import (
	"fmt"
	"path/filepath"

	"golang.org/x/sys/windows"
)

func resolve() (string, error) {
	for size := uint32(windows.MAX_PATH); size <= 32*1024; size *= 2 {
		buf := make([]uint16, size)
		n, err := windows.GetModuleFileName(0, &buf[0], size)
		if err != nil {
			return "", fmt.Errorf("GetModuleFileName: %w", err)
		}
		// A full buffer means the path was truncated.
		if n < size {
			path := windows.UTF16ToString(buf[:n])
			if resolved, err := filepath.EvalSymlinks(path); err == nil {
				path = resolved
			}
			return filepath.Abs(path)
		}
	}
	return "", fmt.Errorf("GetModuleFileName: path too long")
}
