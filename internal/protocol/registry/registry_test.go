package registry

import (
	"errors"
	"testing"

	"github.com/danmuck/waywire/internal/protocol"
	"github.com/danmuck/waywire/internal/protocol/schema"
	"github.com/danmuck/waywire/internal/testutil/testlog"
)

func callbackInterface(t *testing.T) *schema.Interface {
	t.Helper()
	iface, ok := schema.Core().Interface("wl_callback")
	if !ok {
		t.Fatalf("wl_callback missing")
	}
	return iface
}

func TestAllocateLowestFree(t *testing.T) {
	testlog.Start(t)
	r := New()
	iface := callbackInterface(t)
	for want := uint32(1); want <= 3; want++ {
		id, err := r.Allocate(ClientRange)
		if err != nil || id != want {
			t.Fatalf("allocate=%d,%v want %d", id, err, want)
		}
		if err := r.Register(&Object{ID: id, Interface: iface, Version: 1}); err != nil {
			t.Fatalf("register %d: %v", id, err)
		}
	}
	if _, ok := r.Release(2); !ok {
		t.Fatalf("release 2")
	}
	if id, _ := r.Allocate(ClientRange); id != 2 {
		t.Fatalf("allocate after release=%d want 2", id)
	}
	id, err := r.Allocate(ServerRange)
	if err != nil || id != protocol.ServerIDMin {
		t.Fatalf("server allocate=%#x,%v", id, err)
	}
}

func TestAllocateNeverReturnsLiveID(t *testing.T) {
	testlog.Start(t)
	r := New()
	iface := callbackInterface(t)
	// peer-created ids appear out of order
	for _, id := range []uint32{1, 2, 4, 5} {
		if err := r.Register(&Object{ID: id, Interface: iface, Version: 1}); err != nil {
			t.Fatalf("register %d: %v", id, err)
		}
	}
	seen := map[uint32]bool{}
	for i := 0; i < 4; i++ {
		id, err := r.Allocate(ClientRange)
		if err != nil {
			t.Fatalf("allocate: %v", err)
		}
		if _, live := r.Lookup(id); live || seen[id] {
			t.Fatalf("allocate returned used id %d", id)
		}
		seen[id] = true
		if err := r.Register(&Object{ID: id, Interface: iface, Version: 1}); err != nil {
			t.Fatalf("register %d: %v", id, err)
		}
	}
	if !seen[3] || !seen[6] || !seen[7] || !seen[8] {
		t.Fatalf("unexpected allocation set: %v", seen)
	}
}

func TestAllocateExhausted(t *testing.T) {
	testlog.Start(t)
	r := New()
	rng := Range{Min: 10, Max: 11}
	for i := 0; i < 2; i++ {
		id, err := r.Allocate(rng)
		if err != nil {
			t.Fatalf("allocate: %v", err)
		}
		if err := r.Register(&Object{ID: id}); err != nil {
			t.Fatalf("register: %v", err)
		}
	}
	_, err := r.Allocate(rng)
	if !errors.Is(err, ErrExhausted) || !errors.Is(err, protocol.ErrResource) {
		t.Fatalf("expected ErrExhausted, got %v", err)
	}
	if protocol.IsFatal(err) {
		t.Fatalf("exhaustion must not be fatal")
	}
}

func TestRetiredIDReusedOnlyAfterReclaim(t *testing.T) {
	testlog.Start(t)
	r := New()
	iface := callbackInterface(t)
	if err := r.Register(&Object{ID: 1, Interface: iface, Version: 1}); err != nil {
		t.Fatalf("register: %v", err)
	}
	if _, ok := r.Retire(1); !ok {
		t.Fatalf("retire failed")
	}
	if _, ok := r.Lookup(1); ok {
		t.Fatalf("retired id still live")
	}
	if got, ok := r.IsRetired(1); !ok || got != iface {
		t.Fatalf("IsRetired=%v,%v", got, ok)
	}
	if id, _ := r.Allocate(ClientRange); id == 1 {
		t.Fatalf("retired id reallocated before reclaim")
	}
	if err := r.Register(&Object{ID: 1}); !errors.Is(err, ErrDuplicate) {
		t.Fatalf("expected ErrDuplicate on retired id, got %v", err)
	}
	if !r.Reclaim(1) {
		t.Fatalf("reclaim failed")
	}
	if id, _ := r.Allocate(ClientRange); id != 1 {
		t.Fatalf("allocate after reclaim=%d want 1", id)
	}
}

func TestReserveCommitAbort(t *testing.T) {
	testlog.Start(t)
	r := New()
	iface := callbackInterface(t)
	if err := r.Reserve(3, iface, 1); err != nil {
		t.Fatalf("reserve: %v", err)
	}
	if err := r.Reserve(3, iface, 1); !errors.Is(err, ErrDuplicate) {
		t.Fatalf("expected ErrDuplicate on second reserve, got %v", err)
	}
	if _, ok := r.Lookup(3); ok {
		t.Fatalf("reserved id visible before commit")
	}
	obj, err := r.Commit(3, "handler")
	if err != nil {
		t.Fatalf("commit: %v", err)
	}
	if obj.Interface != iface || obj.Version != 1 || obj.Handler != "handler" {
		t.Fatalf("unexpected object: %+v", obj)
	}
	if _, err := r.Commit(3, nil); !errors.Is(err, ErrNotReserved) {
		t.Fatalf("expected ErrNotReserved, got %v", err)
	}

	if err := r.Reserve(1, iface, 1); err != nil {
		t.Fatalf("reserve 1: %v", err)
	}
	r.Abort(1)
	if id, _ := r.Allocate(ClientRange); id != 1 {
		t.Fatalf("aborted id not allocatable, got %d", id)
	}
}

func TestClearVisitsInOrder(t *testing.T) {
	testlog.Start(t)
	r := New()
	for _, id := range []uint32{5, 1, 3} {
		if err := r.Register(&Object{ID: id}); err != nil {
			t.Fatalf("register: %v", err)
		}
	}
	_ = r.Reserve(9, nil, 1)
	var visited []uint32
	r.Clear(func(o *Object) { visited = append(visited, o.ID) })
	if len(visited) != 3 || visited[0] != 1 || visited[1] != 3 || visited[2] != 5 {
		t.Fatalf("visited=%v", visited)
	}
	if r.Len() != 0 {
		t.Fatalf("len=%d after clear", r.Len())
	}
	if err := r.Reserve(9, nil, 1); err != nil {
		t.Fatalf("reservation survived clear: %v", err)
	}
}
