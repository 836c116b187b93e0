package session

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"

	"github.com/rs/zerolog/log"
	"golang.org/x/sys/unix"

	"github.com/danmuck/waywire/internal/protocol"
)

const (
	EnvDisplay    = "WAYLAND_DISPLAY"
	EnvRuntimeDir = "XDG_RUNTIME_DIR"
	EnvSocket     = "WAYLAND_SOCKET"

	DefaultDisplay = "wayland-0"
)

var (
	ErrNoRuntimeDir = fmt.Errorf("%w: session: %s is not set", protocol.ErrTransport, EnvRuntimeDir)
	ErrDisplayInUse = fmt.Errorf("%w: session: display socket in use", protocol.ErrTransport)
	ErrBadSocketEnv = fmt.Errorf("%w: session: invalid %s", protocol.ErrTransport, EnvSocket)
)

// SocketPath resolves the display socket from WAYLAND_DISPLAY and
// XDG_RUNTIME_DIR. An absolute display name is used as-is.
func SocketPath() (string, error) {
	return ResolveSocketPath(os.Getenv(EnvDisplay), os.Getenv(EnvRuntimeDir))
}

func ResolveSocketPath(display, runtimeDir string) (string, error) {
	display = strings.TrimSpace(display)
	if display == "" {
		display = DefaultDisplay
	}
	if filepath.IsAbs(display) {
		return display, nil
	}
	runtimeDir = strings.TrimSpace(runtimeDir)
	if runtimeDir == "" {
		return "", ErrNoRuntimeDir
	}
	return filepath.Join(runtimeDir, display), nil
}

// InheritedSocket adopts the connected socket named by WAYLAND_SOCKET. The
// variable is cleared so children do not inherit it. ok is false when unset.
func InheritedSocket() (*UnixTransport, bool, error) {
	raw := strings.TrimSpace(os.Getenv(EnvSocket))
	if raw == "" {
		return nil, false, nil
	}
	_ = os.Unsetenv(EnvSocket)
	fd, err := strconv.Atoi(raw)
	if err != nil || fd < 0 {
		return nil, true, fmt.Errorf("%w: %q", ErrBadSocketEnv, raw)
	}
	unix.CloseOnExec(fd)
	t, err := fdTransport(fd, "wayland-socket")
	if err != nil {
		return nil, true, err
	}
	return t, true, nil
}

// Listener accepts connections on a display socket guarded by a lock file.
type Listener struct {
	*net.UnixListener
	path string
	lock *os.File
}

// Listen binds path, taking <path>.lock first. A stale socket left by a dead
// server (connect refused) is removed and bound again.
func Listen(path string) (*Listener, error) {
	lockPath := path + ".lock"
	lock, err := os.OpenFile(lockPath, os.O_CREATE|os.O_RDWR, 0o660)
	if err != nil {
		return nil, fmt.Errorf("%w: open lock %s: %w", protocol.ErrTransport, lockPath, err)
	}
	if err := unix.Flock(int(lock.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		_ = lock.Close()
		if errors.Is(err, unix.EWOULDBLOCK) {
			return nil, fmt.Errorf("%w: %s", ErrDisplayInUse, lockPath)
		}
		return nil, fmt.Errorf("%w: lock %s: %w", protocol.ErrTransport, lockPath, err)
	}

	if err := removeStale(path); err != nil {
		releaseLock(lock, lockPath)
		return nil, err
	}
	ln, err := net.ListenUnix("unix", &net.UnixAddr{Name: path, Net: "unix"})
	if err != nil {
		releaseLock(lock, lockPath)
		return nil, fmt.Errorf("%w: listen %s: %w", protocol.ErrTransport, path, err)
	}
	ln.SetUnlinkOnClose(true)
	log.Info().Str("socket", path).Msg("session.Listen")
	return &Listener{UnixListener: ln, path: path, lock: lock}, nil
}

func removeStale(path string) error {
	info, err := os.Lstat(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("%w: stat %s: %w", protocol.ErrTransport, path, err)
	}
	if info.Mode()&fs.ModeSocket == 0 {
		return fmt.Errorf("%w: %s exists and is not a socket", ErrDisplayInUse, path)
	}
	c, err := net.Dial("unix", path)
	if err == nil {
		_ = c.Close()
		return fmt.Errorf("%w: %s", ErrDisplayInUse, path)
	}
	if !errors.Is(err, syscall.ECONNREFUSED) {
		return fmt.Errorf("%w: probe %s: %w", protocol.ErrTransport, path, err)
	}
	log.Info().Str("socket", path).Msg("session.Listen removing stale socket")
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("%w: remove stale %s: %w", protocol.ErrTransport, path, err)
	}
	return nil
}

func releaseLock(lock *os.File, lockPath string) {
	_ = unix.Flock(int(lock.Fd()), unix.LOCK_UN)
	_ = lock.Close()
	_ = os.Remove(lockPath)
}

func (l *Listener) Path() string {
	return l.path
}

// AcceptTransport waits for the next client.
func (l *Listener) AcceptTransport() (*UnixTransport, error) {
	c, err := l.AcceptUnix()
	if err != nil {
		return nil, err
	}
	return NewUnixTransport(c), nil
}

// Close stops listening, removes the socket and releases the lock.
func (l *Listener) Close() error {
	err := l.UnixListener.Close()
	releaseLock(l.lock, l.path+".lock")
	return err
}

// Dial connects to the display socket at path, retrying with backoff.
func Dial(ctx context.Context, path string, cfg Config) (*UnixTransport, error) {
	cfg = cfg.WithDefaults()
	var t *UnixTransport
	err := retry(ctx, cfg.Backoff, cfg.DialAttempts, func() (bool, error) {
		dctx, cancel := context.WithTimeout(ctx, cfg.ConnectTimeout)
		defer cancel()
		var d net.Dialer
		c, err := d.DialContext(dctx, "unix", path)
		if err != nil {
			log.Debug().Str("socket", path).Err(err).Msg("session.Dial retry")
			return ctx.Err() != nil, err
		}
		t = NewUnixTransport(c.(*net.UnixConn))
		return false, nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: dial %s: %w", protocol.ErrTransport, path, err)
	}
	return t, nil
}

// Connect opens the client transport: an inherited WAYLAND_SOCKET wins over
// the resolved socket path.
func Connect(ctx context.Context, cfg Config) (*UnixTransport, error) {
	if t, ok, err := InheritedSocket(); ok {
		return t, err
	}
	path, err := SocketPath()
	if err != nil {
		return nil, err
	}
	return Dial(ctx, path, cfg)
}
