package netpool

import (
	"bufio"
	"context"
	"net"
	"sync/atomic"
	"time"
)

// State of a pooled connection. Closed is terminal.
type State int32

const (
	StateIdle State = iota
	StateInUse
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateInUse:
		return "in-use"
	case StateClosed:
		return "closed"
	}
	return "unknown"
}

var aLongTimeAgo = time.Unix(1, 0)

// Conn is one transport connection owned by a Pool. While InUse it belongs
// exclusively to the caller that acquired it.
type Conn struct {
	pool *Pool
	raw  net.Conn

	R *bufio.Reader
	W *bufio.Writer

	// guarded by pool.mu
	state     State
	gen       uint64
	reused    bool
	idleSince time.Time

	written, read atomic.Int64
	stop          func() bool
}

func newConn(p *Pool, raw net.Conn) *Conn {
	c := &Conn{pool: p, raw: raw}
	c.R = bufio.NewReader(counter{c, &c.read})
	c.W = bufio.NewWriter(counter{c, &c.written})
	return c
}

type counter struct {
	c *Conn
	n *atomic.Int64
}

func (w counter) Read(p []byte) (int, error) {
	n, err := w.c.raw.Read(p)
	w.n.Add(int64(n))
	return n, err
}

func (w counter) Write(p []byte) (int, error) {
	n, err := w.c.raw.Write(p)
	w.n.Add(int64(n))
	return n, err
}

func (c *Conn) Key() Key { return c.pool.key }

// Raw returns the underlying connection.
func (c *Conn) Raw() net.Conn { return c.raw }

func (c *Conn) State() State {
	c.pool.mu.Lock()
	defer c.pool.mu.Unlock()
	return c.state
}

// Generation counts the checkouts of c, it changes every time c leaves the
// idle list.
func (c *Conn) Generation() uint64 {
	c.pool.mu.Lock()
	defer c.pool.mu.Unlock()
	return c.gen
}

// Reused reports whether the current checkout was served from the idle
// list rather than by a dial.
func (c *Conn) Reused() bool {
	c.pool.mu.Lock()
	defer c.pool.mu.Unlock()
	return c.reused
}

// BytesWritten and BytesRead count wire bytes of the current checkout.
func (c *Conn) BytesWritten() int64 { return c.written.Load() }
func (c *Conn) BytesRead() int64    { return c.read.Load() }

// Bind ties the socket to ctx until the connection is released: the
// deadline of ctx becomes the socket deadline and cancellation of ctx
// interrupts blocked reads and writes.
func (c *Conn) Bind(ctx context.Context) {
	if c.stop != nil {
		c.stop()
	}
	d, _ := ctx.Deadline()
	c.raw.SetDeadline(d)
	c.stop = context.AfterFunc(ctx, func() { c.raw.SetDeadline(aLongTimeAgo) })
}

// unbind reports false if the bound context fired, leaving the socket in
// an unknown state.
func (c *Conn) unbind() bool {
	ok := true
	if c.stop != nil {
		ok = c.stop()
		c.stop = nil
	}
	if ok {
		c.raw.SetDeadline(time.Time{})
	}
	return ok
}

// Lease pins one checkout of a Conn. Releasing a stale lease is a no-op.
type Lease struct {
	c   *Conn
	gen uint64
}

// Lease returns the lease of the current checkout.
func (c *Conn) Lease() Lease { return Lease{c: c, gen: c.Generation()} }

func (l Lease) Conn() *Conn { return l.c }

func (l Lease) Release(reusable bool) { l.c.pool.release(l.c, l.gen, reusable) }
