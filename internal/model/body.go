package model

import (
	"io"
	"sync"
	"sync/atomic"
)

const (
	bodyOpen int32 = iota
	bodyEOF
	bodyClosed
	bodyFailed
)

const chunkSize = 32 << 10

// Body is the lazy, not restartable chunk sequence of a response. Read and
// Each are two consumers over one producer, so Callback, Read and Each all
// observe the same chunks in the same order.
//
// The connection the body is read from is handed back exactly once: on EOF
// (reusable if the exchange decided so), on Close before EOF or on a read
// error (discarded).
type Body struct {
	src      io.Reader
	cleanup  func() error
	callback func([]byte) error

	keepAlive bool
	release   func(reusable bool)
	once      sync.Once

	// readMu serializes src.Read with cleanup, Close may come from
	// another goroutine while the reader is blocked in src.
	readMu sync.Mutex

	hookMu   sync.Mutex
	released bool
	hooks    []func()

	state    atomic.Int32
	iterated atomic.Bool

	buf     []byte
	pending []byte
	err     error
}

// NewBody wraps src. release is invoked exactly once. If src is an
// io.Closer it is closed right before release when the body is drained, and
// right after it otherwise, so that a reader blocked on the discarded
// connection returns first. callback may be nil.
func NewBody(src io.Reader, keepAlive bool, callback func([]byte) error, release func(reusable bool)) *Body {
	b := &Body{src: src, keepAlive: keepAlive, callback: callback, release: release}
	if c, ok := src.(io.Closer); ok {
		b.cleanup = c.Close
	}
	return b
}

// EmptyBody is a drained body that owns no connection.
func EmptyBody() *Body {
	b := &Body{released: true}
	b.state.Store(bodyEOF)
	b.once.Do(func() {})
	return b
}

func (b *Body) done(reusable bool) {
	b.once.Do(func() {
		if reusable {
			b.closeSrc()
		}
		if b.release != nil {
			b.release(reusable)
		}
		if !reusable {
			b.closeSrc()
		}
		b.hookMu.Lock()
		b.released = true
		hooks := b.hooks
		b.hooks = nil
		b.hookMu.Unlock()
		for _, fn := range hooks {
			fn()
		}
	})
}

func (b *Body) closeSrc() {
	if b.cleanup == nil {
		return
	}
	b.readMu.Lock()
	defer b.readMu.Unlock()
	b.cleanup()
}

// AfterRelease registers fn to run once the connection was handed back,
// or runs it right away if that already happened.
func (b *Body) AfterRelease(fn func()) {
	b.hookMu.Lock()
	if !b.released {
		b.hooks = append(b.hooks, fn)
		b.hookMu.Unlock()
		return
	}
	b.hookMu.Unlock()
	fn()
}

func (b *Body) fail(err error) {
	b.err = err
	if b.state.CompareAndSwap(bodyOpen, bodyFailed) {
		b.done(false)
	}
}

// next is the single producer. A chunk returned with a nil error has
// already been passed to the callback; its memory is reused by the
// following call.
func (b *Body) next() ([]byte, error) {
	for {
		switch b.state.Load() {
		case bodyEOF:
			return nil, io.EOF
		case bodyClosed, bodyFailed:
			return nil, ErrStreamConsumed
		}
		if b.buf == nil {
			b.buf = make([]byte, chunkSize)
		}
		b.readMu.Lock()
		if b.state.Load() != bodyOpen {
			b.readMu.Unlock()
			continue
		}
		n, err := b.src.Read(b.buf)
		b.readMu.Unlock()
		if err != nil && err != io.EOF {
			if b.state.Load() == bodyClosed {
				return nil, ErrStreamConsumed
			}
			b.fail(err)
			return nil, err
		}
		chunk := b.buf[:n]
		if n > 0 && b.callback != nil {
			if cerr := b.callback(chunk); cerr != nil {
				b.fail(cerr)
				return nil, cerr
			}
		}
		if err == io.EOF && b.state.CompareAndSwap(bodyOpen, bodyEOF) {
			b.done(b.keepAlive)
		}
		if n > 0 {
			return chunk, nil
		}
	}
}

// Read implements io.Reader. After Close or a failed exchange it returns
// ErrStreamConsumed, after the body was drained io.EOF.
func (b *Body) Read(p []byte) (int, error) {
	if s := b.state.Load(); s == bodyClosed || s == bodyFailed {
		return 0, ErrStreamConsumed
	}
	if len(b.pending) > 0 {
		n := copy(p, b.pending)
		b.pending = b.pending[n:]
		return n, nil
	}
	if len(p) == 0 {
		return 0, nil
	}
	chunk, err := b.next()
	if err != nil {
		return 0, err
	}
	n := copy(p, chunk)
	b.pending = chunk[n:]
	return n, nil
}

// Each feeds every remaining chunk to fn. It may only be called once, and
// not after Read already drained the body; the chunk passed to fn is only
// valid during the call. An error returned by fn aborts the stream and
// discards its connection.
func (b *Body) Each(fn func(chunk []byte) error) error {
	if !b.iterated.CompareAndSwap(false, true) {
		return ErrStreamConsumed
	}
	switch b.state.Load() {
	case bodyClosed, bodyFailed:
		return ErrStreamConsumed
	case bodyEOF:
		if len(b.pending) == 0 && b.src != nil {
			return ErrStreamConsumed
		}
	}
	if len(b.pending) > 0 {
		p := b.pending
		b.pending = nil
		if err := fn(p); err != nil {
			b.fail(err)
			return err
		}
	}
	for {
		chunk, err := b.next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
		if err := fn(chunk); err != nil {
			b.fail(err)
			return err
		}
	}
}

// ReadAll materializes the remaining body. It marks the body as iterated.
func (b *Body) ReadAll() ([]byte, error) {
	var out []byte
	err := b.Each(func(chunk []byte) error {
		out = append(out, chunk...)
		return nil
	})
	return out, err
}

// Close releases the connection if the body was not drained yet. It is
// safe to call Close several times and from another goroutine than the
// reader.
func (b *Body) Close() error {
	for {
		switch s := b.state.Load(); s {
		case bodyOpen:
			if b.state.CompareAndSwap(bodyOpen, bodyClosed) {
				b.done(false)
				return nil
			}
		case bodyEOF:
			if b.state.CompareAndSwap(bodyEOF, bodyClosed) {
				return nil
			}
		default:
			return nil
		}
	}
}

// Err returns the error that aborted the stream, if any.
func (b *Body) Err() error {
	if b.state.Load() != bodyFailed {
		return nil
	}
	return b.err
}

// Drained reports whether the body was read to its end.
func (b *Body) Drained() bool { return b.state.Load() == bodyEOF }
