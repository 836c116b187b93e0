package session

import (
	"context"
	"fmt"
	"sync"

	"github.com/danmuck/waywire/internal/protocol"
	"github.com/danmuck/waywire/internal/protocol/wire"
)

var ErrOutboxFull = fmt.Errorf("%w: session: outbox full", protocol.ErrResource)

type outgoing struct {
	data []byte
	fds  []int
}

// Outbox is the bounded FIFO of encoded messages awaiting a write. A message
// leaves the outbox only once every byte of it has been written.
type Outbox struct {
	mu     sync.Mutex
	limit  int
	queue  []outgoing
	space  chan struct{}
	ready  chan struct{}
	closed bool
	stalls uint64

	// OnStall is called each time a push finds the outbox full.
	OnStall func()
}

func NewOutbox(limit int) *Outbox {
	if limit <= 0 {
		limit = 1
	}
	return &Outbox{
		limit: limit,
		space: make(chan struct{}),
		ready: make(chan struct{}, 1),
	}
}

// Push appends a message, waiting while the outbox is full. It fails with
// ErrDisconnected once the outbox is closed.
func (o *Outbox) Push(ctx context.Context, data []byte, fds []int) error {
	stalled := false
	for {
		o.mu.Lock()
		if o.closed {
			o.mu.Unlock()
			return ErrDisconnected
		}
		if len(o.queue) < o.limit {
			o.queue = append(o.queue, outgoing{data: data, fds: fds})
			o.mu.Unlock()
			o.kick()
			return nil
		}
		wait := o.space
		first := !stalled
		if first {
			stalled = true
			o.stalls++
		}
		o.mu.Unlock()
		if first && o.OnStall != nil {
			o.OnStall()
		}
		select {
		case <-wait:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// TryPush appends without waiting. It reports false when the outbox is full.
func (o *Outbox) TryPush(data []byte, fds []int) (bool, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return false, ErrDisconnected
	}
	if len(o.queue) >= o.limit {
		o.stalls++
		if o.OnStall != nil {
			defer o.OnStall()
		}
		return false, nil
	}
	o.queue = append(o.queue, outgoing{data: data, fds: fds})
	o.kick()
	return true, nil
}

// Force appends regardless of the bound; used for the final error notification.
func (o *Outbox) Force(data []byte, fds []int) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return ErrDisconnected
	}
	o.queue = append(o.queue, outgoing{data: data, fds: fds})
	o.kick()
	return nil
}

// Batch gathers messages from the head for one write without removing them:
// up to maxBytes (always at least one message) and maxFDs descriptors.
func (o *Outbox) Batch(maxBytes, maxFDs int) ([]byte, []int, int) {
	o.mu.Lock()
	defer o.mu.Unlock()
	var (
		buf   []byte
		fds   []int
		count int
	)
	for _, item := range o.queue {
		if count > 0 && (len(buf)+len(item.data) > maxBytes || len(fds)+len(item.fds) > maxFDs) {
			break
		}
		buf = append(buf, item.data...)
		fds = append(fds, item.fds...)
		count++
	}
	return buf, fds, count
}

// Ack records a write of n bytes over the first count messages. When any
// byte was written the batch's descriptors went with it and are closed.
// Fully written messages are removed; a partly written head keeps its tail.
func (o *Outbox) Ack(n, count int) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return
	}
	if n > 0 {
		for i := 0; i < count && i < len(o.queue); i++ {
			wire.CloseFDs(o.queue[i].fds)
			o.queue[i].fds = nil
		}
	}
	removed := 0
	for n > 0 && removed < len(o.queue) {
		head := &o.queue[removed]
		if n < len(head.data) {
			head.data = head.data[n:]
			break
		}
		n -= len(head.data)
		removed++
	}
	if removed == 0 {
		return
	}
	clear(o.queue[:removed])
	o.queue = o.queue[removed:]
	if len(o.queue) == 0 {
		o.queue = nil
	}
	close(o.space)
	o.space = make(chan struct{})
}

func (o *Outbox) Len() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.queue)
}

func (o *Outbox) Stalls() uint64 {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.stalls
}

// Ready is signalled whenever a message is appended.
func (o *Outbox) Ready() <-chan struct{} {
	return o.ready
}

// Close releases every waiting Push with ErrDisconnected and closes the
// descriptors of unsent messages. It returns how many messages were dropped.
func (o *Outbox) Close() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return 0
	}
	o.closed = true
	dropped := len(o.queue)
	for _, item := range o.queue {
		wire.CloseFDs(item.fds)
	}
	o.queue = nil
	close(o.space)
	return dropped
}

func (o *Outbox) kick() {
	select {
	case o.ready <- struct{}{}:
	default:
	}
}
