package internal

import (
	"context"
	"errors"
	"io"
	"net/http/httptrace"
	"time"

	"go.uber.org/zap"

	"github.com/frankli0324/asks/internal/model"
	"github.com/frankli0324/asks/internal/netpool"
)

// roundTrip sends one hop. A request that failed on a reused connection
// before any response byte arrived is sent once more on a freshly dialed
// connection, provided its method is retried and its body can be replayed.
func (s *Session) roundTrip(ctx context.Context, pr *PreparedRequest) (*model.Response, error) {
	key, err := netpool.KeyOf(pr.U)
	if err != nil {
		return nil, err
	}
	pool, err := s.group().Get(key)
	if err != nil {
		return nil, err
	}
	resp, retry, err := s.exchange(ctx, pool, pr, false)
	if err != nil && retry {
		s.log.Debug("retrying on a fresh connection",
			zap.String("method", pr.Method), zap.String("url", pr.U.String()), zap.Error(err))
		s.metrics.Retry()
		resp, _, err = s.exchange(ctx, pool, pr, true)
	}
	if err != nil {
		s.log.Warn("request failed",
			zap.String("method", pr.Method), zap.String("url", pr.U.String()), zap.Error(err))
	}
	return resp, err
}

func (s *Session) retryPolicy(pr *PreparedRequest) *model.RetryPolicy {
	if pr.Request != nil && pr.Request.Retry != nil {
		return pr.Request.Retry
	}
	return s.retry
}

// exchange writes pr to a pooled connection and reads the response head.
// The returned body owns the connection until it is drained or closed.
func (s *Session) exchange(ctx context.Context, pool *netpool.Pool, pr *PreparedRequest, fresh bool) (*model.Response, bool, error) {
	trace := httptrace.ContextClientTrace(ctx)
	if trace != nil && trace.GetConn != nil {
		trace.GetConn(pool.Key().Addr())
	}
	c, err := pool.Acquire(ctx, fresh)
	if err != nil {
		return nil, false, err
	}
	if trace != nil && trace.GotConn != nil {
		trace.GotConn(httptrace.GotConnInfo{Conn: c.Raw(), Reused: c.Reused(), WasIdle: c.Reused()})
	}
	lease := c.Lease()
	c.Bind(ctx)
	start := time.Now()
	addr := pool.Key().String()

	fail := func(op string, err error) (*model.Response, bool, error) {
		reused, read, wrote := c.Reused(), c.BytesRead(), c.BytesWritten()
		lease.Release(false)
		err = classify(ctx, op, addr, err)
		var cerr *model.ConnectionError
		retry := !fresh && errors.As(err, &cerr) &&
			read == 0 && (reused || wrote == 0) &&
			pr.Replayable && s.retryPolicy(pr).Retries(pr.Method)
		return nil, retry, err
	}

	err = s.codec.WriteRequest(c.W, pr)
	if trace != nil && trace.WroteRequest != nil {
		trace.WroteRequest(httptrace.WroteRequestInfo{Err: err})
	}
	if err != nil {
		return fail("write", err)
	}
	if trace != nil && trace.GotFirstResponseByte != nil {
		if _, err := c.R.Peek(1); err != nil {
			return fail("read", err)
		}
		trace.GotFirstResponseByte()
	}
	m, err := s.codec.ReadResponse(c.R, pr)
	if err != nil {
		return fail("read", err)
	}
	s.metrics.Exchange(pr.Method, m.StatusCode, time.Since(start))

	keepAlive := m.KeepAlive && !pr.Close
	resp := &model.Response{
		Proto:         m.Proto,
		ProtoMajor:    m.ProtoMajor,
		ProtoMinor:    m.ProtoMinor,
		Status:        m.Status,
		StatusCode:    m.StatusCode,
		Header:        m.Header,
		ContentLength: m.ContentLength,
		Method:        pr.Method,
		URL:           pr.U,
		Cookies:       model.ParseCookies(m.Header),
		KeepAlive:     keepAlive,
	}
	var callback func([]byte) error
	if pr.Request != nil {
		callback = pr.Request.Callback
	}
	if m.NoBody {
		lease.Release(keepAlive)
		resp.Body = model.EmptyBody()
		return resp, false, nil
	}
	src := &errReader{ctx: ctx, rc: m.Body, addr: addr}
	resp.Body = model.NewBody(src, keepAlive, callback, lease.Release)
	resp.Body.AfterRelease(func() { resp.Trailer = m.Trailer() })
	return resp, false, nil
}

// classify maps a failed exchange to the error reported to the caller.
// Expiry of the call's own deadline wins over whatever the connection
// reported when it was cut.
func classify(ctx context.Context, op, addr string, err error) error {
	if ctx.Err() != nil {
		if cause := context.Cause(ctx); cause != nil {
			return cause
		}
	}
	var perr *model.ProtocolError
	var cerr *model.ConnectionError
	switch {
	case errors.As(err, &perr), errors.As(err, &cerr):
		return err
	}
	return &model.ConnectionError{Op: op, Addr: addr, Err: err}
}

// errReader classifies the errors of a response body the way exchange
// does for the head.
type errReader struct {
	ctx  context.Context
	rc   io.ReadCloser
	addr string
}

func (r *errReader) Read(p []byte) (int, error) {
	n, err := r.rc.Read(p)
	if err != nil && err != io.EOF {
		err = classify(r.ctx, "read", r.addr, err)
	}
	return n, err
}

func (r *errReader) Close() error { return r.rc.Close() }
