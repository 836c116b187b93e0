package session

import (
	"context"
	"errors"
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/danmuck/waywire/internal/testutil/testlog"
)

func TestNextBackoffDelayDeterministicNoJitter(t *testing.T) {
	testlog.Start(t)
	cfg := BackoffConfig{
		InitialDelay: 250 * time.Millisecond,
		Multiplier:   2.0,
		MaxDelay:     5 * time.Second,
		Jitter:       false,
	}
	if got := NextBackoffDelay(cfg, 1, nil); got != 250*time.Millisecond {
		t.Fatalf("attempt1 got=%v", got)
	}
	if got := NextBackoffDelay(cfg, 2, nil); got != 500*time.Millisecond {
		t.Fatalf("attempt2 got=%v", got)
	}
	if got := NextBackoffDelay(cfg, 3, nil); got != time.Second {
		t.Fatalf("attempt3 got=%v", got)
	}
	if got := NextBackoffDelay(cfg, 6, nil); got != 5*time.Second {
		t.Fatalf("attempt6 got=%v", got)
	}
}

func TestRetryStopsOnSuccessAndPermanent(t *testing.T) {
	testlog.Start(t)
	cfg := BackoffConfig{InitialDelay: time.Millisecond, Multiplier: 1}
	calls := 0
	err := retry(context.Background(), cfg, 5, func() (bool, error) {
		calls++
		if calls < 3 {
			return false, errors.New("not yet")
		}
		return false, nil
	})
	if err != nil || calls != 3 {
		t.Fatalf("retry=%v calls=%d", err, calls)
	}
	calls = 0
	err = retry(context.Background(), cfg, 5, func() (bool, error) {
		calls++
		return true, errors.New("permanent")
	})
	if err == nil || calls != 1 {
		t.Fatalf("permanent retry=%v calls=%d", err, calls)
	}
}

func TestOutboxAckPartialWrite(t *testing.T) {
	testlog.Start(t)
	o := NewOutbox(4)
	_ = o.Force([]byte("aaaa"), nil)
	_ = o.Force([]byte("bbbbbbbb"), nil)
	buf, _, count := o.Batch(1024, 28)
	if count != 2 || string(buf) != "aaaabbbbbbbb" {
		t.Fatalf("batch=%q count=%d", buf, count)
	}
	o.Ack(6, count)
	if o.Len() != 1 {
		t.Fatalf("len=%d want 1", o.Len())
	}
	buf, _, _ = o.Batch(1024, 28)
	if string(buf) != "bbbbbb" {
		t.Fatalf("tail=%q", buf)
	}
	if dropped := o.Close(); dropped != 1 {
		t.Fatalf("dropped=%d", dropped)
	}
	if ok, err := o.TryPush([]byte("x"), nil); ok || !errors.Is(err, ErrDisconnected) {
		t.Fatalf("push after close=%v,%v", ok, err)
	}
}

func TestResolveSocketPath(t *testing.T) {
	testlog.Start(t)
	tests := []struct {
		display, runtime, want string
		err                    error
	}{
		{"", "/run/user/1000", "/run/user/1000/wayland-0", nil},
		{"wayland-3", "/run/user/1000", "/run/user/1000/wayland-3", nil},
		{"/tmp/custom.sock", "", "/tmp/custom.sock", nil},
		{"wayland-1", "", "", ErrNoRuntimeDir},
	}
	for _, tc := range tests {
		got, err := ResolveSocketPath(tc.display, tc.runtime)
		if !errors.Is(err, tc.err) || got != tc.want {
			t.Fatalf("ResolveSocketPath(%q,%q)=%q,%v", tc.display, tc.runtime, got, err)
		}
	}
}

func TestListenLockAndStaleSocket(t *testing.T) {
	testlog.Start(t)
	path := filepath.Join(t.TempDir(), "wayland-test")

	// leave a stale socket behind
	stale, err := net.ListenUnix("unix", &net.UnixAddr{Name: path, Net: "unix"})
	if err != nil {
		t.Fatalf("listen stale: %v", err)
	}
	stale.SetUnlinkOnClose(false)
	_ = stale.Close()

	ln, err := Listen(path)
	if err != nil {
		t.Fatalf("listen over stale socket: %v", err)
	}
	defer ln.Close()

	if _, err := Listen(path); !errors.Is(err, ErrDisplayInUse) {
		t.Fatalf("second listen: expected ErrDisplayInUse, got %v", err)
	}

	accepted := make(chan error, 1)
	go func() {
		tr, err := ln.AcceptTransport()
		if err == nil {
			_ = tr.Close()
		}
		accepted <- err
	}()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	tr, err := Dial(ctx, path, DefaultConfig())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	_ = tr.Close()
	if err := <-accepted; err != nil {
		t.Fatalf("accept: %v", err)
	}
}

func TestConnectPrefersInheritedSocket(t *testing.T) {
	testlog.Start(t)
	t.Setenv(EnvSocket, "not-a-number")
	if _, err := Connect(context.Background(), DefaultConfig()); !errors.Is(err, ErrBadSocketEnv) {
		t.Fatalf("expected ErrBadSocketEnv, got %v", err)
	}
}
