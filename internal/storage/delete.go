package storage

import (
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"os"
	"path/filepath"
	"syscall"
	"time"

	"github.com/cenkalti/backoff/v4"
)

const deleteAttempts = 6

// SafeRemoveDir deletes a directory tree using a two-step pattern: rename
// the directory aside first so new tile writes cannot land inside it, then
// remove recursively with retries. Retries cover the transient errno family
// seen while a render child is still shutting down and holding files open.
func SafeRemoveDir(path string, logger *slog.Logger) error {
	if logger == nil {
		logger = slog.Default()
	}
	if _, err := os.Stat(path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("stat %s: %w", path, err)
	}

	purged := fmt.Sprintf("%s.__purge_%d_%04d", path, time.Now().UnixMilli(), rand.Intn(10000))
	target := purged
	if err := os.Rename(path, purged); err != nil {
		logger.Warn("purge rename failed, deleting in place", "path", path, "error", err)
		target = path
	}

	policy := backoff.WithMaxRetries(backoff.NewExponentialBackOff(
		backoff.WithInitialInterval(100*time.Millisecond),
		backoff.WithMaxInterval(2*time.Second),
	), deleteAttempts-1)

	op := func() error {
		err := os.RemoveAll(target)
		if err == nil {
			return nil
		}
		if retriableRemoveError(err) {
			return err
		}
		return backoff.Permanent(err)
	}
	if err := backoff.Retry(op, policy); err != nil {
		return fmt.Errorf("remove %s: %w", target, err)
	}
	return nil
}

// retriableRemoveError reports whether a removal failure is in the family
// worth retrying: directories briefly non-empty or files still locked by a
// terminating child.
func retriableRemoveError(err error) bool {
	var errno syscall.Errno
	if errors.As(err, &errno) {
		switch errno {
		case syscall.ENOTEMPTY, syscall.EBUSY, syscall.EPERM, syscall.EACCES:
			return true
		}
	}
	return errors.Is(err, os.ErrPermission)
}

// PurgeLeftovers removes stale "__purge_" directories under dir left behind
// by interrupted deletions.
func PurgeLeftovers(dir string, logger *slog.Logger) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return
	}
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		name := e.Name()
		if containsPurgeMarker(name) {
			if err := os.RemoveAll(filepath.Join(dir, name)); err != nil && logger != nil {
				logger.Warn("failed to clear purge leftover", "dir", name, "error", err)
			}
		}
	}
}

func containsPurgeMarker(name string) bool {
	const marker = ".__purge_"
	for i := 0; i+len(marker) <= len(name); i++ {
		if name[i:i+len(marker)] == marker {
			return true
		}
	}
	return false
}
