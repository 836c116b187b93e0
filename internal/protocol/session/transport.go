package session

import (
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"sync"
	"time"

	"golang.org/x/sys/unix"

	"github.com/danmuck/waywire/internal/protocol"
	"github.com/danmuck/waywire/internal/protocol/wire"
)

var (
	ErrDisconnected  = fmt.Errorf("%w: session: disconnected", protocol.ErrTransport)
	ErrTruncatedFDs  = fmt.Errorf("%w: session: ancillary data truncated", protocol.ErrTransport)
	ErrNotUnixSocket = fmt.Errorf("%w: session: inherited fd is not a unix socket", protocol.ErrTransport)
)

// Transport is a duplex byte stream that also carries file descriptors.
type Transport interface {
	// ReadMsg reads bytes into p and pushes any received descriptors onto fds.
	// A closed peer reports io.EOF.
	ReadMsg(p []byte, fds *wire.FDQueue) (int, error)
	// WriteMsg writes p with fds attached to its first byte. A short count is
	// returned with an error.
	WriteMsg(p []byte, fds []int) (int, error)
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
	Close() error
}

// UnixTransport carries descriptors as SCM_RIGHTS ancillary data.
type UnixTransport struct {
	conn *net.UnixConn
	oob  []byte
}

func NewUnixTransport(conn *net.UnixConn) *UnixTransport {
	return &UnixTransport{
		conn: conn,
		oob:  make([]byte, unix.CmsgSpace(wire.MaxFDsPerMessage*4)),
	}
}

func (t *UnixTransport) Conn() *net.UnixConn {
	return t.conn
}

func (t *UnixTransport) ReadMsg(p []byte, fds *wire.FDQueue) (int, error) {
	n, oobn, flags, _, err := t.conn.ReadMsgUnix(p, t.oob)
	if oobn > 0 {
		if perr := t.collectRights(t.oob[:oobn], fds); perr != nil && err == nil {
			err = perr
		}
	}
	if err == nil && flags&unix.MSG_CTRUNC != 0 {
		err = ErrTruncatedFDs
	}
	if err == nil && n == 0 && oobn == 0 && len(p) > 0 {
		err = io.EOF
	}
	return n, err
}

func (t *UnixTransport) collectRights(oob []byte, fds *wire.FDQueue) error {
	msgs, err := unix.ParseSocketControlMessage(oob)
	if err != nil {
		return fmt.Errorf("%w: %w", protocol.ErrTransport, err)
	}
	for i := range msgs {
		rights, err := unix.ParseUnixRights(&msgs[i])
		if err != nil {
			continue
		}
		fds.Push(rights...)
	}
	return nil
}

func (t *UnixTransport) WriteMsg(p []byte, fds []int) (int, error) {
	var oob []byte
	if len(fds) > 0 {
		oob = unix.UnixRights(fds...)
	}
	n, _, err := t.conn.WriteMsgUnix(p, oob, nil)
	if err == nil && n < len(p) {
		err = io.ErrShortWrite
	}
	return n, err
}

func (t *UnixTransport) SetReadDeadline(d time.Time) error {
	return t.conn.SetReadDeadline(d)
}

func (t *UnixTransport) SetWriteDeadline(d time.Time) error {
	return t.conn.SetWriteDeadline(d)
}

func (t *UnixTransport) Close() error {
	return t.conn.Close()
}

// SocketPair returns two connected unix transports.
func SocketPair() (*UnixTransport, *UnixTransport, error) {
	pair, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: socketpair: %w", protocol.ErrTransport, err)
	}
	a, err := fdTransport(pair[0], "waywire-a")
	if err != nil {
		_ = unix.Close(pair[1])
		return nil, nil, err
	}
	b, err := fdTransport(pair[1], "waywire-b")
	if err != nil {
		_ = a.Close()
		return nil, nil, err
	}
	return a, b, nil
}

// fdTransport adopts a connected socket descriptor. The descriptor is
// duplicated by the runtime and the original is closed.
func fdTransport(fd int, name string) (*UnixTransport, error) {
	f := os.NewFile(uintptr(fd), name)
	defer f.Close()
	c, err := net.FileConn(f)
	if err != nil {
		return nil, fmt.Errorf("%w: adopt fd %d: %w", protocol.ErrTransport, fd, err)
	}
	uc, ok := c.(*net.UnixConn)
	if !ok {
		_ = c.Close()
		return nil, ErrNotUnixSocket
	}
	return NewUnixTransport(uc), nil
}

// DefaultPipeCapacity mirrors a typical socket buffer.
const DefaultPipeCapacity = 64 * 1024

// PipeTransport is one end of an in-memory transport pair. Descriptors are
// duplicated on write, as the kernel does for SCM_RIGHTS.
type PipeTransport struct {
	in  *pipeBuffer
	out *pipeBuffer

	mu            sync.Mutex
	readDeadline  time.Time
	writeDeadline time.Time
}

// NewPipe returns two connected in-memory transports with capacity bytes of
// buffering per direction.
func NewPipe(capacity int) (*PipeTransport, *PipeTransport) {
	if capacity <= 0 {
		capacity = DefaultPipeCapacity
	}
	ab := newPipeBuffer(capacity)
	ba := newPipeBuffer(capacity)
	return &PipeTransport{in: ba, out: ab}, &PipeTransport{in: ab, out: ba}
}

func (t *PipeTransport) ReadMsg(p []byte, fds *wire.FDQueue) (int, error) {
	t.mu.Lock()
	deadline := t.readDeadline
	t.mu.Unlock()
	return t.in.read(p, fds, deadline)
}

func (t *PipeTransport) WriteMsg(p []byte, fds []int) (int, error) {
	t.mu.Lock()
	deadline := t.writeDeadline
	t.mu.Unlock()
	var dup []int
	for _, fd := range fds {
		nfd, err := unix.FcntlInt(uintptr(fd), unix.F_DUPFD_CLOEXEC, 0)
		if err != nil {
			wire.CloseFDs(dup)
			return 0, fmt.Errorf("dup fd %d: %w", fd, err)
		}
		dup = append(dup, nfd)
	}
	return t.out.write(p, dup, deadline)
}

func (t *PipeTransport) SetReadDeadline(d time.Time) error {
	t.mu.Lock()
	t.readDeadline = d
	t.mu.Unlock()
	return nil
}

func (t *PipeTransport) SetWriteDeadline(d time.Time) error {
	t.mu.Lock()
	t.writeDeadline = d
	t.mu.Unlock()
	return nil
}

// Close ends both directions: the peer reads EOF once drained and its writes fail.
func (t *PipeTransport) Close() error {
	t.out.close()
	t.in.close()
	return nil
}

// Buffered reports the bytes written toward the peer and not yet read.
func (t *PipeTransport) Buffered() int {
	return t.out.buffered()
}

type pipeBuffer struct {
	mu      sync.Mutex
	data    []byte
	fds     []int
	cap     int
	closed  bool
	changed chan struct{}
}

func newPipeBuffer(capacity int) *pipeBuffer {
	return &pipeBuffer{cap: capacity, changed: make(chan struct{})}
}

func (b *pipeBuffer) signal() {
	close(b.changed)
	b.changed = make(chan struct{})
}

func (b *pipeBuffer) read(p []byte, fds *wire.FDQueue, deadline time.Time) (int, error) {
	for {
		b.mu.Lock()
		if len(b.data) > 0 || len(b.fds) > 0 {
			n := copy(p, b.data)
			b.data = b.data[n:]
			fds.Push(b.fds...)
			b.fds = nil
			b.signal()
			b.mu.Unlock()
			return n, nil
		}
		if b.closed {
			b.mu.Unlock()
			return 0, io.EOF
		}
		wait := b.changed
		b.mu.Unlock()
		if err := waitChange(wait, deadline); err != nil {
			return 0, err
		}
	}
}

func (b *pipeBuffer) write(p []byte, fds []int, deadline time.Time) (int, error) {
	written := 0
	for {
		b.mu.Lock()
		if b.closed {
			b.mu.Unlock()
			wire.CloseFDs(fds)
			return written, io.ErrClosedPipe
		}
		free := b.cap - len(b.data)
		if free > 0 {
			n := min(free, len(p)-written)
			b.data = append(b.data, p[written:written+n]...)
			if fds != nil {
				b.fds = append(b.fds, fds...)
				fds = nil
			}
			written += n
			b.signal()
		}
		if written == len(p) {
			b.mu.Unlock()
			return written, nil
		}
		wait := b.changed
		b.mu.Unlock()
		if err := waitChange(wait, deadline); err != nil {
			wire.CloseFDs(fds)
			return written, err
		}
	}
}

func (b *pipeBuffer) buffered() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.data)
}

func (b *pipeBuffer) close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	b.signal()
}

func waitChange(ch <-chan struct{}, deadline time.Time) error {
	if deadline.IsZero() {
		<-ch
		return nil
	}
	d := time.Until(deadline)
	if d <= 0 {
		return os.ErrDeadlineExceeded
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ch:
		return nil
	case <-timer.C:
		return os.ErrDeadlineExceeded
	}
}

func isTimeout(err error) bool {
	if errors.Is(err, os.ErrDeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
