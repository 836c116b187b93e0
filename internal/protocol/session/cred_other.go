//go:build !linux

package session

import "errors"

type Credentials struct {
	PID int32
	UID uint32
	GID uint32
}

func (t *UnixTransport) PeerCredentials() (Credentials, error) {
	return Credentials{}, errors.New("session: peer credentials unsupported on this platform")
}
