//go:build !linux

package shm

import (
	"os"

	"golang.org/x/sys/unix"
)

// CreateFile returns an unlinked temporary file of size bytes.
func CreateFile(size int) (int, error) {
	f, err := os.CreateTemp(os.Getenv("XDG_RUNTIME_DIR"), "waywire-shm-*")
	if err != nil {
		return -1, err
	}
	defer f.Close()
	_ = os.Remove(f.Name())
	if err := f.Truncate(int64(size)); err != nil {
		return -1, err
	}
	return unix.Dup(int(f.Fd()))
}
