//go:build linux

package shm

import "golang.org/x/sys/unix"

// CreateFile returns an anonymous shareable file of size bytes.
func CreateFile(size int) (int, error) {
	fd, err := unix.MemfdCreate("waywire-shm", unix.MFD_CLOEXEC)
	if err != nil {
		return -1, err
	}
	if err := unix.Ftruncate(fd, int64(size)); err != nil {
		_ = unix.Close(fd)
		return -1, err
	}
	return fd, nil
}
