//go:build unix

package vault

import (
	"errors"
	"io/fs"
	"os"

	"golang.org/x/sys/unix"
)

// Vault files are owner-only, opened with synchronous data writes, and held
// under an exclusive non-blocking advisory lock for the session's lifetime.

func createVaultFile(path string) (*os.File, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_EXCL|unix.O_DSYNC, 0o600)
	if err != nil {
		switch {
		case errors.Is(err, fs.ErrExist):
			return nil, ErrExist
		case errors.Is(err, fs.ErrPermission):
			return nil, ErrAccess
		default:
			return nil, ErrSyscall
		}
	}
	if err := flockExclusive(f); err != nil {
		f.Close()
		os.Remove(path)
		return nil, err
	}
	return f, nil
}

func openVaultFile(path string) (*os.File, error) {
	f, err := os.OpenFile(path, os.O_RDWR|unix.O_DSYNC, 0o600)
	if err != nil {
		switch {
		case errors.Is(err, fs.ErrNotExist):
			return nil, ErrIO
		case errors.Is(err, fs.ErrPermission):
			return nil, ErrAccess
		default:
			return nil, ErrSyscall
		}
	}
	if err := flockExclusive(f); err != nil {
		f.Close()
		return nil, err
	}
	return f, nil
}

// flockExclusive fails fast when another session holds the file.
func flockExclusive(f *os.File) error {
	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		return ErrSyscall
	}
	return nil
}

func funlock(f *os.File) {
	_ = unix.Flock(int(f.Fd()), unix.LOCK_UN)
}
