//go:build windows

package registry

import (
	"os"

	"golang.org/x/sys/windows"
)

// lockFile takes an exclusive lock on the given lock file, creating it if
// needed. The returned function releases the lock.
func lockFile(path string) (func(), error) {
	file, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return nil, err
	}
	handle := windows.Handle(file.Fd())
	if err := windows.LockFileEx(handle, windows.LOCKFILE_EXCLUSIVE_LOCK, 0, 1, 0, new(windows.Overlapped)); err != nil {
		file.Close()
		return nil, err
	}
	return func() {
		windows.UnlockFileEx(handle, 0, 1, 0, new(windows.Overlapped))
		file.Close()
	}, nil
}
