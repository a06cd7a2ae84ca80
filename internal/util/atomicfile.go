package util

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"syscall"
)

var ErrLocked = errors.New("pid lock held by another process")

// writeFileAtomic writes data to path atomically (tmp file + fsync + rename).
// On Unix it also fsyncs the parent directory to harden the rename durability.
func writeFileAtomic(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Chmod(perm); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}

	if err := os.Rename(tmpPath, path); err != nil {
		return err
	}

	// best-effort fsync parent dir (Unix)
	if d, err := os.Open(dir); err == nil {
		_ = d.Sync()
		_ = d.Close()
	}
	return nil
}

// AcquirePidLock takes an advisory lock via exclusive-create so two governors
// never trade the same book.
func AcquirePidLock(lockPath string) (*os.File, error) {
	f, err := os.OpenFile(lockPath, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
	if err != nil {
		if errors.Is(err, os.ErrExist) {
			return nil, fmt.Errorf("%s: %w", lockPath, ErrLocked)
		}
		return nil, err
	}
	_, _ = fmt.Fprintf(f, "%d\n", os.Getpid())

	// mark close-on-exec
	syscall.CloseOnExec(int(f.Fd()))
	return f, nil
}

func ReleasePidLock(f *os.File) {
	if f != nil {
		path := f.Name()
		f.Close()
		_ = os.Remove(path)
	}
}
