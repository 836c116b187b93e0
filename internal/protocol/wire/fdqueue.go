package wire

import (
	"sync"

	"golang.org/x/sys/unix"
)

// FDQueue is a FIFO of received file descriptors. Descriptors are consumed
// in argument order by DecodeArgs.
type FDQueue struct {
	mu  sync.Mutex
	fds []int
}

func (q *FDQueue) Push(fds ...int) {
	if len(fds) == 0 {
		return
	}
	q.mu.Lock()
	q.fds = append(q.fds, fds...)
	q.mu.Unlock()
}

// Pop removes the oldest descriptor.
func (q *FDQueue) Pop() (int, bool) {
	if q == nil {
		return -1, false
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.fds) == 0 {
		return -1, false
	}
	fd := q.fds[0]
	q.fds[0] = -1
	q.fds = q.fds[1:]
	if len(q.fds) == 0 {
		q.fds = nil
	}
	return fd, true
}

func (q *FDQueue) Len() int {
	if q == nil {
		return 0
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.fds)
}

// CloseAll closes and drops every queued descriptor, returning how many were closed.
func (q *FDQueue) CloseAll() int {
	if q == nil {
		return 0
	}
	q.mu.Lock()
	fds := q.fds
	q.fds = nil
	q.mu.Unlock()
	CloseFDs(fds)
	return len(fds)
}

// CloseFDs closes every descriptor in fds, ignoring errors.
func CloseFDs(fds []int) {
	for _, fd := range fds {
		if fd >= 0 {
			_ = unix.Close(fd)
		}
	}
}
