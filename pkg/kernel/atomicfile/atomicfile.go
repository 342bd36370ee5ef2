// Package atomicfile provides crash-safe file writes: write to a unique
// temp file in the destination directory, then rename over the target.
// Renames that fail with ENOENT (the destination directory was swept or
// raced) are retried with linear backoff, recreating the temp file if it
// was lost. Grounded on bitop-dev-agent's atomic session-file write pattern
// (pkg/session.Session.writeLine / Create) generalized to arbitrary byte
// payloads per kernel spec §4.5.
package atomicfile

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
)

const (
	maxRenameRetries = 5
	retryStepMillis  = 20
)

// Write writes data to path atomically: it is written in full to a
// temp file in the same directory, then renamed into place. On success the
// target either has its old content or the new content in full — never a
// partial write. perm is applied to the temp file before rename.
func Write(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	base := filepath.Base(path)

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("atomicfile: mkdir %s: %w", dir, err)
	}

	tmpPath := tempPath(dir, base)
	if err := writeTemp(tmpPath, data, perm); err != nil {
		return err
	}

	for attempt := 1; ; attempt++ {
		err := os.Rename(tmpPath, path)
		if err == nil {
			return nil
		}
		if !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("atomicfile: rename %s -> %s: %w", tmpPath, path, err)
		}
		if attempt >= maxRenameRetries {
			return fmt.Errorf("atomicfile: rename %s -> %s: exhausted %d retries: %w", tmpPath, path, maxRenameRetries, err)
		}
		// The destination directory (or the temp file itself) vanished
		// from under us; recreate the temp file and retry.
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("atomicfile: recreate dir %s: %w", dir, err)
		}
		if _, statErr := os.Stat(tmpPath); errors.Is(statErr, os.ErrNotExist) {
			if err := writeTemp(tmpPath, data, perm); err != nil {
				return err
			}
		}
		time.Sleep(time.Duration(retryStepMillis*attempt) * time.Millisecond)
	}
}

func writeTemp(tmpPath string, data []byte, perm os.FileMode) error {
	f, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, perm)
	if err != nil {
		return fmt.Errorf("atomicfile: create temp %s: %w", tmpPath, err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("atomicfile: write temp %s: %w", tmpPath, err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("atomicfile: sync temp %s: %w", tmpPath, err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("atomicfile: close temp %s: %w", tmpPath, err)
	}
	return nil
}

func tempPath(dir, base string) string {
	return filepath.Join(dir, fmt.Sprintf(".%s.%d.%s.tmp", base, os.Getpid(), uuid.New().String()))
}
