// Package shm implements the wl_shm global: clients share memory with the
// server by passing a file descriptor that is mapped into a pool, then carve
// buffers out of the pool.
package shm

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"math"
	"strings"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/danmuck/waywire/internal/display"
	"github.com/danmuck/waywire/internal/protocol/dispatch"
	"github.com/danmuck/waywire/internal/protocol/registry"
	"github.com/danmuck/waywire/internal/protocol/schema"
	"github.com/danmuck/waywire/internal/protocol/wire"
)

//go:embed shm.toml
var shmTOML []byte

var (
	descOnce sync.Once
	desc     *schema.Protocol
	descErr  error
)

// Protocol returns the embedded wl_shm protocol description.
func Protocol() *schema.Protocol {
	descOnce.Do(func() {
		desc, descErr = schema.Parse(shmTOML, "shm.toml")
		if descErr == nil {
			descErr = desc.Validate()
		}
	})
	if descErr != nil {
		panic(fmt.Sprintf("shm: embedded protocol invalid: %v", descErr))
	}
	return desc
}

// Error codes of wl_shm.error.
const (
	CodeInvalidFormat uint32 = 0
	CodeInvalidStride uint32 = 1
	CodeInvalidFD     uint32 = 2
)

type Format uint32

const (
	ARGB8888 Format = 0
	XRGB8888 Format = 1
)

func (f Format) String() string {
	switch f {
	case ARGB8888:
		return "argb8888"
	case XRGB8888:
		return "xrgb8888"
	default:
		return fmt.Sprintf("0x%08x", uint32(f))
	}
}

// ParseFormat resolves a format by its lowercase name.
func ParseFormat(name string) (Format, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "argb8888":
		return ARGB8888, nil
	case "xrgb8888":
		return XRGB8888, nil
	default:
		return 0, fmt.Errorf("shm: unknown format %q", name)
	}
}

// BytesPerPixel is 4 for every supported format.
const BytesPerPixel = 4

var ErrMissingInterfaces = errors.New("shm: protocol lacks wl_shm interfaces")

// Buffer is a rectangle of a pool's memory.
type Buffer struct {
	ID     uint32
	Offset int32
	Width  int32
	Height int32
	Stride int32
	Format Format

	pool *pool
}

// Bytes returns the buffer's memory. The slice is shared with the client.
func (b *Buffer) Bytes() []byte {
	return b.pool.slice(b.Offset, b.Stride*b.Height)
}

// Shm serves wl_shm on every connection it is bound from.
type Shm struct {
	formats []Format

	shmIface    *schema.Interface
	poolIface   *schema.Interface
	bufferIface *schema.Interface

	// OnBuffer observes every buffer created; OnBufferDestroyed its end.
	OnBuffer          func(*Buffer)
	OnBufferDestroyed func(*Buffer)

	mu    sync.Mutex
	pools int
}

// New serves the given formats; with none, argb8888 and xrgb8888, which every
// server must support.
func New(p *schema.Protocol, formats ...Format) (*Shm, error) {
	shmIface, ok1 := p.Interface("wl_shm")
	poolIface, ok2 := p.Interface("wl_shm_pool")
	bufferIface, ok3 := p.Interface("wl_buffer")
	if !ok1 || !ok2 || !ok3 {
		return nil, ErrMissingInterfaces
	}
	if len(formats) == 0 {
		formats = []Format{ARGB8888, XRGB8888}
	}
	return &Shm{formats: formats, shmIface: shmIface, poolIface: poolIface, bufferIface: bufferIface}, nil
}

// Register advertises wl_shm on d.
func (s *Shm) Register(ctx context.Context, d *display.Display) (uint32, error) {
	return d.AddGlobal(ctx, s.shmIface.Name, s.shmIface.Version, s.Bind)
}

// Pools reports the live pool mappings.
func (s *Shm) Pools() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pools
}

// Bind implements a bound wl_shm and announces the supported formats.
func (s *Shm) Bind(_ context.Context, call *dispatch.Call, nid wire.NewID) error {
	routes := dispatch.NewRoutes(s.shmIface, dispatch.ServerSide).On("create_pool", s.createPool)
	obj, err := call.Implement(nid.ID, routes)
	if err != nil {
		return err
	}
	for _, f := range s.formats {
		if err := call.PostNamed(obj, "format", wire.ArgUint(uint32(f))); err != nil {
			return err
		}
	}
	return nil
}

func (s *Shm) supports(f Format) bool {
	for _, have := range s.formats {
		if have == f {
			return true
		}
	}
	return false
}

func (s *Shm) createPool(_ context.Context, call *dispatch.Call) error {
	nid, _ := call.Args[0].NewID()
	fd, _ := call.TakeFD(1)
	size, _ := call.Args[2].Int()
	if size <= 0 {
		wire.CloseFDs([]int{fd})
		return dispatch.Protocol(CodeInvalidStride, "invalid size (%d)", size)
	}
	p, err := mapPool(fd, size)
	if err != nil {
		wire.CloseFDs([]int{fd})
		return dispatch.Protocol(CodeInvalidFD, "failed mmap fd %d: %v", fd, err)
	}
	routes := dispatch.NewRoutes(s.poolIface, dispatch.ServerSide).
		On("create_buffer", func(ctx context.Context, c *dispatch.Call) error { return s.createBuffer(ctx, c, p) }).
		On("resize", func(_ context.Context, c *dispatch.Call) error {
			n, _ := c.Args[0].Int()
			if n < p.size() {
				return dispatch.Protocol(CodeInvalidStride, "shrinking pool invalid")
			}
			if err := p.resize(n); err != nil {
				return dispatch.Protocol(CodeInvalidFD, "failed remap to %d bytes: %v", n, err)
			}
			return nil
		})
	routes.OnFinalize = func(*registry.Object) { p.unref() }
	if _, err := call.Implement(nid.ID, routes); err != nil {
		p.unref()
		return err
	}
	p.onUnmap = s.poolUnmapped
	s.mu.Lock()
	s.pools++
	s.mu.Unlock()
	log.Debug().Uint32("pool", nid.ID).Int32("size", size).Msg("shm.create_pool")
	return nil
}

func (s *Shm) poolUnmapped() {
	s.mu.Lock()
	s.pools--
	s.mu.Unlock()
}

func (s *Shm) createBuffer(_ context.Context, call *dispatch.Call, p *pool) error {
	nid, _ := call.Args[0].NewID()
	offset, _ := call.Args[1].Int()
	width, _ := call.Args[2].Int()
	height, _ := call.Args[3].Int()
	stride, _ := call.Args[4].Int()
	format, _ := call.Args[5].Uint()

	if !s.supports(Format(format)) {
		return dispatch.Protocol(CodeInvalidFormat, "invalid format 0x%x", format)
	}
	if offset < 0 || width <= 0 || height <= 0 || int64(stride) < int64(width)*BytesPerPixel ||
		math.MaxInt32/stride < height || int64(offset) > int64(p.size())-int64(stride)*int64(height) {
		return dispatch.Protocol(CodeInvalidStride, "invalid width, height or stride (%dx%d, %d)", width, height, stride)
	}

	b := &Buffer{ID: nid.ID, Offset: offset, Width: width, Height: height, Stride: stride, Format: Format(format), pool: p}
	routes := dispatch.NewRoutes(s.bufferIface, dispatch.ServerSide)
	routes.OnFinalize = func(*registry.Object) {
		if s.OnBufferDestroyed != nil {
			s.OnBufferDestroyed(b)
		}
		p.unref()
	}
	p.ref()
	if _, err := call.Implement(nid.ID, routes); err != nil {
		p.unref()
		return err
	}
	if s.OnBuffer != nil {
		s.OnBuffer(b)
	}
	return nil
}
