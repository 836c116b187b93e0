package shm

import (
	"fmt"
	"sync"

	"golang.org/x/sys/unix"
)

// pool is one client memory mapping, shared by the wl_shm_pool object and
// every buffer created from it. It is unmapped when the last one goes.
type pool struct {
	mu      sync.Mutex
	fd      int
	data    []byte
	refs    int
	onUnmap func()
}

func mapPool(fd int, size int32) (*pool, error) {
	data, err := unix.Mmap(fd, 0, int(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, err
	}
	return &pool{fd: fd, data: data, refs: 1}, nil
}

func (p *pool) size() int32 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return int32(len(p.data))
}

func (p *pool) slice(offset, n int32) []byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.data[offset : offset+n]
}

// resize maps the file again at the new size; buffers see the new mapping.
func (p *pool) resize(size int32) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	data, err := unix.Mmap(p.fd, 0, int(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return err
	}
	if err := unix.Munmap(p.data); err != nil {
		_ = unix.Munmap(data)
		return fmt.Errorf("unmap: %w", err)
	}
	p.data = data
	return nil
}

func (p *pool) ref() {
	p.mu.Lock()
	p.refs++
	p.mu.Unlock()
}

func (p *pool) unref() {
	p.mu.Lock()
	p.refs--
	if p.refs > 0 {
		p.mu.Unlock()
		return
	}
	_ = unix.Munmap(p.data)
	_ = unix.Close(p.fd)
	p.data = nil
	p.mu.Unlock()
	if p.onUnmap != nil {
		p.onUnmap()
	}
}
