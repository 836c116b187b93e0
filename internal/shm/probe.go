package shm

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"golang.org/x/sys/unix"

	"github.com/danmuck/waywire/internal/display"
	"github.com/danmuck/waywire/internal/protocol/dispatch"
	"github.com/danmuck/waywire/internal/protocol/wire"
)

var (
	ErrNoShm         = errors.New("shm: server does not advertise wl_shm")
	ErrNoARGB8888    = errors.New("shm: server does not support argb8888")
	ErrInvalidExtent = errors.New("shm: width and height must be positive")
)

// ProbeResult reports what a shm exchange observed.
type ProbeResult struct {
	Global   display.GlobalInfo
	Formats  []Format
	PoolSize int32
	Width    int32
	Height   int32
}

// Probe binds wl_shm, collects the formats, shares a width x height
// argb8888 buffer with the server and tears it down again. The buffer rows
// are filled with a byte ramp.
func Probe(ctx context.Context, c *display.Client, width, height int32) (ProbeResult, error) {
	if width <= 0 || height <= 0 {
		return ProbeResult{}, ErrInvalidExtent
	}
	g, ok := c.Find("wl_shm")
	if !ok {
		return ProbeResult{}, ErrNoShm
	}
	p := c.Engine().Protocol
	shmIface, ok := p.Interface("wl_shm")
	if !ok {
		return ProbeResult{}, ErrMissingInterfaces
	}

	var (
		mu      sync.Mutex
		formats []Format
	)
	routes := dispatch.NewRoutes(shmIface, dispatch.ClientSide).On("format", func(_ context.Context, call *dispatch.Call) error {
		f, err := call.Args[0].Uint()
		if err != nil {
			return err
		}
		mu.Lock()
		formats = append(formats, Format(f))
		mu.Unlock()
		return nil
	})
	shmObj, err := c.Bind(ctx, g.Name, "wl_shm", 1, routes)
	if err != nil {
		return ProbeResult{}, err
	}
	if _, err := c.Roundtrip(ctx); err != nil {
		return ProbeResult{}, err
	}
	mu.Lock()
	res := ProbeResult{Global: g, Formats: append([]Format(nil), formats...), Width: width, Height: height}
	mu.Unlock()
	supported := false
	for _, f := range res.Formats {
		supported = supported || f == ARGB8888
	}
	if !supported {
		return res, ErrNoARGB8888
	}

	stride := width * BytesPerPixel
	res.PoolSize = stride * height
	fd, err := CreateFile(int(res.PoolSize))
	if err != nil {
		return res, fmt.Errorf("shm: create file: %w", err)
	}
	data, err := unix.Mmap(fd, 0, int(res.PoolSize), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		_ = unix.Close(fd)
		return res, fmt.Errorf("shm: mmap: %w", err)
	}
	defer unix.Munmap(data)
	for i := range data {
		data[i] = byte(i)
	}

	pool, err := c.Engine().Create("wl_shm_pool", 1, nil)
	if err != nil {
		_ = unix.Close(fd)
		return res, err
	}
	// the connection closes fd once it is sent
	if err := c.Send(ctx, shmObj, "create_pool", wire.ArgNewID(pool.ID), wire.ArgFD(fd), wire.ArgInt(res.PoolSize)); err != nil {
		return res, err
	}
	buffer, err := c.Engine().Create("wl_buffer", 1, nil)
	if err != nil {
		return res, err
	}
	if err := c.Send(ctx, pool, "create_buffer", wire.ArgNewID(buffer.ID), wire.ArgInt(0),
		wire.ArgInt(width), wire.ArgInt(height), wire.ArgInt(stride), wire.ArgUint(uint32(ARGB8888))); err != nil {
		return res, err
	}
	if err := c.Destroy(ctx, buffer, "destroy"); err != nil {
		return res, err
	}
	if err := c.Destroy(ctx, pool, "destroy"); err != nil {
		return res, err
	}
	if _, err := c.Roundtrip(ctx); err != nil {
		return res, err
	}
	return res, nil
}
