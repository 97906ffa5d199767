// Package scratch creates transient files that are unique across concurrent
// processes sharing a temp directory.
package scratch

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"

	"github.com/google/uuid"
)

const maxAttempts = 16

// counter keeps names unique within one process even if the random
// component ever repeats.
var counter atomic.Uint64

// Name returns a candidate file name of the form
// <prefix><pid>-<n>-<uuid><suffix>.
func Name(prefix, suffix string) string {
	return fmt.Sprintf("%s%d-%d-%s%s", prefix, os.Getpid(), counter.Add(1), uuid.NewString(), suffix)
}

// Create creates a new file in dir with exclusive-create semantics and mode
// 0600. An existing file is never reused or truncated; on a name collision a
// fresh name is generated.
func Create(dir, prefix, suffix string) (*os.File, error) {
	if dir == "" {
		dir = os.TempDir()
	}

	for range maxAttempts {
		path := filepath.Join(dir, Name(prefix, suffix))
		f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0o600)
		if errors.Is(err, os.ErrExist) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("create scratch file: %w", err)
		}
		return f, nil
	}

	return nil, fmt.Errorf("create scratch file in %s: %d name collisions", dir, maxAttempts)
}

// Remove deletes path, treating an already missing file as success.
func Remove(path string) error {
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}
