//go:build linux

package session

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// Credentials identify the process on the other end of a unix socket.
type Credentials struct {
	PID int32
	UID uint32
	GID uint32
}

// PeerCredentials reads SO_PEERCRED from the socket.
func (t *UnixTransport) PeerCredentials() (Credentials, error) {
	raw, err := t.conn.SyscallConn()
	if err != nil {
		return Credentials{}, err
	}
	var (
		cred    *unix.Ucred
		credErr error
	)
	if err := raw.Control(func(fd uintptr) {
		cred, credErr = unix.GetsockoptUcred(int(fd), unix.SOL_SOCKET, unix.SO_PEERCRED)
	}); err != nil {
		return Credentials{}, err
	}
	if credErr != nil {
		return Credentials{}, fmt.Errorf("peer credentials: %w", credErr)
	}
	return Credentials{PID: cred.Pid, UID: cred.Uid, GID: cred.Gid}, nil
}
