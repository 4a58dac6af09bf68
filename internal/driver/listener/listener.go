// Package listener is the raw TCP capability driver. Sockets are bound by
// the supervisor from --tcp-listen before the guest starts; a handle is
// bound to one of them and hands out accepted connections by id.
package listener

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/VikingOwl91/capsule/internal/capability"
	"github.com/VikingOwl91/capsule/internal/policy"
)

// Type is the manifest driver type.
const Type = "raw-listener"

const (
	defaultMaxConnections = 64
	chunkSize             = 32 << 10
)

// Options are the manifest options of a listener driver.
type Options struct {
	// MaxConnections caps the open connections of one handle.
	MaxConnections int `yaml:"max_connections"`
}

// Provider exposes pre-bound listeners to guests.
type Provider struct {
	opts      Options
	listeners map[string]net.Listener
}

// New returns an uninitialized provider.
func New() capability.Provider {
	return &Provider{}
}

func (p *Provider) Initialize(_ context.Context, cfg capability.DriverConfig) error {
	if err := capability.DecodeOptions(cfg.Options, &p.opts); err != nil {
		return err
	}
	if p.opts.MaxConnections <= 0 {
		p.opts.MaxConnections = defaultMaxConnections
	}
	if cfg.Env != nil {
		p.listeners = cfg.Env.Listeners
	}
	return nil
}

// ConcurrentSafe reports true; connections are guarded per handle.
func (p *Provider) ConcurrentSafe() bool { return true }

func (p *Provider) OpenAccess(target string, _ []byte) ([]capability.Access, error) {
	if _, _, err := net.SplitHostPort(target); err != nil {
		return nil, fmt.Errorf("%w: %v", capability.ErrInvalidArgument, err)
	}
	return []capability.Access{{Kind: policy.Net, Resource: target}}, nil
}

func (p *Provider) Open(_ context.Context, target string, _ []byte) (capability.Resource, error) {
	l, ok := p.listeners[target]
	if !ok {
		return nil, fmt.Errorf("%w: nothing is listening on %q", capability.ErrInvalidArgument, target)
	}
	return &resource{
		listener: l,
		max:      p.opts.MaxConnections,
		conns:    make(map[uint32]net.Conn),
	}, nil
}

type resource struct {
	listener net.Listener
	max      int

	mu     sync.Mutex
	next   uint32
	conns  map[uint32]net.Conn
	closed bool
}

// Access needs nothing beyond the address checked at open.
func (r *resource) Access(string, []byte) ([]capability.Access, error) {
	return nil, nil
}

// Operate handles:
//
//	accept      out: id of the accepted connection
//	read        in: id  out: up to 32KiB, empty at EOF
//	write       in: id NUL data  out: bytes written
//	close_conn  in: id
//	addr        out: the bound address
func (r *resource) Operate(ctx context.Context, op string, in []byte) ([]byte, error) {
	switch op {
	case "accept":
		return r.accept(ctx)
	case "addr":
		return []byte(r.listener.Addr().String()), nil
	case "read":
		return r.read(ctx, in)
	case "write":
		return r.write(ctx, in)
	case "close_conn":
		id, err := parseID(in)
		if err != nil {
			return nil, err
		}
		conn, err := r.take(id)
		if err != nil {
			return nil, err
		}
		return nil, conn.Close()
	}
	return nil, fmt.Errorf("%w: %q", capability.ErrUnsupportedOp, op)
}

type deadliner interface {
	SetDeadline(t time.Time) error
}

func (r *resource) accept(ctx context.Context) ([]byte, error) {
	r.mu.Lock()
	full := len(r.conns) >= r.max
	r.mu.Unlock()
	if full {
		return nil, fmt.Errorf("%w: %d connections already open", capability.ErrInvalidArgument, r.max)
	}

	if d, ok := r.listener.(deadliner); ok {
		stop := context.AfterFunc(ctx, func() { _ = d.SetDeadline(time.Now()) })
		defer func() {
			if !stop() {
				_ = d.SetDeadline(time.Time{})
			}
		}()
	}
	conn, err := r.listener.Accept()
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("accept: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		conn.Close()
		return nil, net.ErrClosed
	}
	r.next++
	r.conns[r.next] = conn
	return []byte(strconv.FormatUint(uint64(r.next), 10)), nil
}

// watch interrupts blocking I/O on conn when ctx is done.
func watch(ctx context.Context, conn net.Conn) func() {
	stop := context.AfterFunc(ctx, func() { _ = conn.SetDeadline(time.Now()) })
	return func() {
		if !stop() {
			_ = conn.SetDeadline(time.Time{})
		}
	}
}

func (r *resource) read(ctx context.Context, in []byte) ([]byte, error) {
	id, err := parseID(in)
	if err != nil {
		return nil, err
	}
	conn, err := r.lookup(id)
	if err != nil {
		return nil, err
	}
	defer watch(ctx, conn)()

	buf := make([]byte, chunkSize)
	n, err := conn.Read(buf)
	if n > 0 {
		return buf[:n], nil
	}
	switch {
	case errors.Is(err, io.EOF):
		return []byte{}, nil
	case ctx.Err() != nil:
		return nil, ctx.Err()
	}
	return nil, fmt.Errorf("read connection %d: %w", id, err)
}

func (r *resource) write(ctx context.Context, in []byte) ([]byte, error) {
	rawID, data, ok := bytes.Cut(in, []byte{0})
	if !ok {
		return nil, fmt.Errorf("%w: write input is id NUL data", capability.ErrInvalidArgument)
	}
	id, err := parseID(rawID)
	if err != nil {
		return nil, err
	}
	conn, err := r.lookup(id)
	if err != nil {
		return nil, err
	}
	defer watch(ctx, conn)()

	n, err := conn.Write(data)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("write connection %d: %w", id, err)
	}
	return []byte(strconv.Itoa(n)), nil
}

func parseID(in []byte) (uint32, error) {
	id, err := strconv.ParseUint(string(in), 10, 32)
	if err != nil || id == 0 {
		return 0, fmt.Errorf("%w: bad connection id %q", capability.ErrInvalidArgument, in)
	}
	return uint32(id), nil
}

func (r *resource) lookup(id uint32) (net.Conn, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	conn, ok := r.conns[id]
	if !ok {
		return nil, fmt.Errorf("%w: no connection %d", capability.ErrInvalidArgument, id)
	}
	return conn, nil
}

func (r *resource) take(id uint32) (net.Conn, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	conn, ok := r.conns[id]
	if !ok {
		return nil, fmt.Errorf("%w: no connection %d", capability.ErrInvalidArgument, id)
	}
	delete(r.conns, id)
	return conn, nil
}

// Close closes the handle's connections. The listener belongs to the
// run and stays open for other handles.
func (r *resource) Close() error {
	r.mu.Lock()
	conns := r.conns
	r.conns = make(map[uint32]net.Conn)
	r.closed = true
	r.mu.Unlock()

	var errs []error
	for _, c := range conns {
		if err := c.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
