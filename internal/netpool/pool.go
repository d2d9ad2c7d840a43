package netpool

import (
	"context"
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/frankli0324/asks/internal/metrics"
	"github.com/frankli0324/asks/internal/model"
	"github.com/frankli0324/asks/utils/nettools"
)

// DialFunc opens a transport connection for key.
type DialFunc func(ctx context.Context, key Key) (net.Conn, error)

type Options struct {
	// MaxConns bounds idle + in-use + pending connections. Zero is a
	// configuration error, a negative value lifts the bound.
	MaxConns int
	// MaxIdle bounds the idle list, zero or negative means MaxConns.
	MaxIdle     int
	IdleTimeout time.Duration // zero keeps idle connections forever
	// PoolTimeout bounds the wait for a slot, zero waits until the caller
	// gives up.
	PoolTimeout time.Duration

	Dial    DialFunc
	Logger  *zap.Logger
	Metrics *metrics.Metrics
}

// Stats is a snapshot of a Pool's counters.
type Stats struct {
	Idle    int
	InUse   int
	Pending int
	Waiting int
	Dials   uint64
}

// Pool is the bounded set of connections of one host key. Waiters are
// served in arrival order.
type Pool struct {
	key  Key
	opts Options
	log  *zap.Logger
	sem  *semaphore.Weighted // nil when unbounded

	mu      sync.Mutex
	idle    []*Conn // most recently released last
	inUse   int
	pending int
	dials   uint64
	closed  bool
	waiting atomic.Int32
}

func NewPool(key Key, opts Options) *Pool {
	p := &Pool{key: key, opts: opts, log: opts.Logger}
	if p.log == nil {
		p.log = zap.NewNop()
	}
	p.log = p.log.With(zap.String("host", key.String()))
	if opts.MaxConns > 0 {
		p.sem = semaphore.NewWeighted(int64(opts.MaxConns))
	}
	return p
}

func (p *Pool) Key() Key { return p.key }

func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Stats{
		Idle: len(p.idle), InUse: p.inUse, Pending: p.pending,
		Waiting: int(p.waiting.Load()), Dials: p.dials,
	}
}

// must hold p.mu
func (p *Pool) observe() {
	p.opts.Metrics.PoolState(p.key.String(), len(p.idle), p.inUse, int(p.waiting.Load()))
}

func (p *Pool) acquireSlot(ctx context.Context) error {
	if p.sem == nil || p.sem.TryAcquire(1) {
		return nil
	}
	wctx := ctx
	if p.opts.PoolTimeout > 0 {
		var cancel context.CancelFunc
		wctx, cancel = context.WithTimeoutCause(ctx, p.opts.PoolTimeout, model.ErrPoolTimeout)
		defer cancel()
	}
	p.wait(1)
	err := p.sem.Acquire(wctx, 1)
	p.wait(-1)
	if err == nil {
		return nil
	}
	if ctx.Err() != nil {
		return context.Cause(ctx)
	}
	return model.ErrPoolTimeout
}

func (p *Pool) wait(delta int32) {
	p.mu.Lock()
	p.waiting.Add(delta)
	p.observe()
	p.mu.Unlock()
}

func (p *Pool) releaseSlot() {
	if p.sem != nil {
		p.sem.Release(1)
	}
}

// Acquire checks out a connection. Unless fresh is set, the most recently
// idled connection is preferred; a fresh acquisition always dials, evicting
// one idle connection to stay within bounds.
func (p *Pool) Acquire(ctx context.Context, fresh bool) (*Conn, error) {
	if p.opts.MaxConns == 0 {
		return nil, model.ErrInvalidPoolSize
	}
	if err := p.acquireSlot(ctx); err != nil {
		return nil, err
	}
	c, err := p.takeIdle(fresh)
	if err != nil {
		p.releaseSlot()
		return nil, err
	}
	if c != nil {
		if c.R.Buffered() == 0 && !nettools.PeerClosed(c.raw) {
			p.checkout(c)
			return c, nil
		}
		// dead while idle, replace it once
		c.raw.Close()
		p.log.Debug("discarding stale idle connection")
		p.opts.Metrics.Discard(p.key.String())
	}
	return p.dial(ctx)
}

// takeIdle pops the idle candidate. Expired connections and, for fresh
// acquisitions, one evicted connection are closed on the way.
func (p *Pool) takeIdle(fresh bool) (*Conn, error) {
	var drop []*Conn
	defer func() {
		for _, c := range drop {
			c.raw.Close()
			p.opts.Metrics.Discard(p.key.String())
		}
	}()

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil, model.ErrPoolClosed
	}
	defer p.observe()
	for len(p.idle) > 0 {
		c := p.idle[len(p.idle)-1]
		p.idle[len(p.idle)-1] = nil
		p.idle = p.idle[:len(p.idle)-1]
		if fresh || p.expired(c) {
			c.state = StateClosed
			drop = append(drop, c)
			if fresh {
				return nil, nil
			}
			continue
		}
		c.state = StateClosed // not counted anywhere until checkout or dial
		return c, nil
	}
	return nil, nil
}

func (p *Pool) expired(c *Conn) bool {
	return p.opts.IdleTimeout > 0 && time.Since(c.idleSince) > p.opts.IdleTimeout
}

func (p *Pool) checkout(c *Conn) {
	p.mu.Lock()
	c.state, c.reused = StateInUse, true
	c.gen++
	p.inUse++
	p.observe()
	p.mu.Unlock()
	c.written.Store(0)
	c.read.Store(0)
	p.log.Debug("reusing idle connection", zap.Uint64("generation", c.gen))
	p.opts.Metrics.Reuse(p.key.String())
}

func (p *Pool) dial(ctx context.Context) (*Conn, error) {
	p.mu.Lock()
	p.pending++
	p.dials++
	p.mu.Unlock()
	p.opts.Metrics.Dial(p.key.String())

	var raw net.Conn
	err := errors.New("asks: no dialer configured")
	if p.opts.Dial != nil {
		raw, err = p.opts.Dial(ctx, p.key)
	}

	p.mu.Lock()
	p.pending--
	if err != nil {
		p.mu.Unlock()
		p.releaseSlot()
		p.log.Warn("dial failed", zap.Error(err))
		var cerr *model.ConnectionError
		if errors.As(err, &cerr) {
			return nil, err
		}
		if ctx.Err() != nil {
			err = context.Cause(ctx)
		}
		return nil, &model.ConnectionError{Op: "dial", Addr: p.key.String(), Err: err}
	}
	c := newConn(p, raw)
	c.state, c.gen = StateInUse, 1
	p.inUse++
	p.observe()
	p.mu.Unlock()
	p.log.Debug("dialed new connection")
	return c, nil
}

// Release hands c back. A reusable connection joins the idle list unless
// the list is full, anything else is closed. Releasing a connection that is
// not in use is a no-op.
func (p *Pool) Release(c *Conn, reusable bool) { p.release(c, 0, reusable) }

// Discard closes c and frees its slot.
func (p *Pool) Discard(c *Conn) { p.release(c, 0, false) }

func (p *Pool) release(c *Conn, gen uint64, reusable bool) {
	p.mu.Lock()
	if c.pool != p || c.state != StateInUse || (gen != 0 && c.gen != gen) {
		p.mu.Unlock()
		return
	}
	p.inUse--
	maxIdle := p.opts.MaxIdle
	if maxIdle <= 0 {
		maxIdle = p.opts.MaxConns
	}
	reusable = c.unbind() && reusable && !p.closed &&
		c.R.Buffered() == 0 && (maxIdle < 0 || len(p.idle) < maxIdle)
	if reusable {
		c.state, c.idleSince = StateIdle, time.Now()
		p.idle = append(p.idle, c)
	} else {
		c.state = StateClosed
	}
	p.observe()
	p.mu.Unlock()

	if !reusable {
		c.raw.Close()
		p.log.Debug("discarded connection", zap.Uint64("generation", c.gen))
		p.opts.Metrics.Discard(p.key.String())
	}
	p.releaseSlot()
}

// CloseIdle closes all idle connections.
func (p *Pool) CloseIdle() {
	p.mu.Lock()
	idle := p.idle
	p.idle = nil
	for _, c := range idle {
		c.state = StateClosed
	}
	p.observe()
	p.mu.Unlock()
	for _, c := range idle {
		c.raw.Close()
	}
}

// Close closes the idle connections and fails later acquisitions with
// ErrPoolClosed. Connections in use are closed when they are released.
func (p *Pool) Close() {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	p.CloseIdle()
}
