package internal

import (
	"context"
	"errors"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/frankli0324/asks/internal/model"
)

var errNilRequest = errors.New("asks: nil request")

// Do sends req and follows redirects. Unless req.Stream is set the body is
// read before Do returns and the connection is back in its pool.
//
// Errors are *url.Error values wrapping one of the model errors.
func (s *Session) Do(ctx context.Context, req *model.Request) (*model.Response, error) {
	if req == nil {
		return nil, errNilRequest
	}
	start := time.Now()
	pr, err := req.Prepare(s.base, s.headers)
	if err != nil {
		return nil, urlErrorWrap(req.Method, req.URL, err)
	}

	timeout := req.Timeout
	if timeout <= 0 {
		timeout = s.cfg.Timeout
	}
	cancel := context.CancelFunc(func() {})
	if timeout > 0 {
		ctx, cancel = context.WithTimeoutCause(ctx, timeout, &model.RequestTimeoutError{Limit: timeout})
	}

	resp, err := s.follow(ctx, pr)
	if err != nil {
		err = timeoutCause(ctx, err)
		cancel()
		return nil, urlErrorWrap(pr.Method, pr.U.String(), err)
	}
	if req.Stream {
		resp.Body.AfterRelease(cancel)
		resp.Elapsed = time.Since(start)
		return resp, nil
	}
	err = resp.Materialize()
	if err != nil {
		err = timeoutCause(ctx, err)
	}
	cancel()
	resp.Elapsed = time.Since(start)
	if err != nil {
		return nil, urlErrorWrap(pr.Method, resp.URL.String(), err)
	}
	return resp, nil
}

// timeoutCause replaces err by the call's *RequestTimeoutError when the
// call ran out of time, whichever layer noticed first.
func timeoutCause(ctx context.Context, err error) error {
	if ctx.Err() == nil {
		return err
	}
	var te *model.RequestTimeoutError
	if errors.As(context.Cause(ctx), &te) {
		return te
	}
	return err
}

// Request builds a request from method, url and opts and sends it.
func (s *Session) Request(ctx context.Context, method, url string, opts ...model.Option) (*model.Response, error) {
	return s.Do(ctx, model.NewRequest(method, url, opts...))
}

func (s *Session) Get(ctx context.Context, url string, opts ...model.Option) (*model.Response, error) {
	return s.Request(ctx, "GET", url, opts...)
}

func (s *Session) Head(ctx context.Context, url string, opts ...model.Option) (*model.Response, error) {
	return s.Request(ctx, "HEAD", url, opts...)
}

func (s *Session) Options(ctx context.Context, url string, opts ...model.Option) (*model.Response, error) {
	return s.Request(ctx, "OPTIONS", url, opts...)
}

func (s *Session) Delete(ctx context.Context, url string, opts ...model.Option) (*model.Response, error) {
	return s.Request(ctx, "DELETE", url, opts...)
}

func (s *Session) Post(ctx context.Context, url string, opts ...model.Option) (*model.Response, error) {
	return s.Request(ctx, "POST", url, opts...)
}

func (s *Session) Put(ctx context.Context, url string, opts ...model.Option) (*model.Response, error) {
	return s.Request(ctx, "PUT", url, opts...)
}

func (s *Session) Patch(ctx context.Context, url string, opts ...model.Option) (*model.Response, error) {
	return s.Request(ctx, "PATCH", url, opts...)
}

// Result pairs the outcome of one request of DoAll.
type Result struct {
	Response *model.Response
	Err      error
}

// DoAll sends all requests concurrently and waits for every one of them.
// Results are keyed like reqs, a failing request does not cancel the
// others. Concurrency per host is bounded by the pools.
func (s *Session) DoAll(ctx context.Context, reqs map[string]*model.Request) map[string]Result {
	var (
		mu      sync.Mutex
		g       errgroup.Group
		results = make(map[string]Result, len(reqs))
	)
	for key, req := range reqs {
		g.Go(func() error {
			resp, err := s.Do(ctx, req)
			mu.Lock()
			results[key] = Result{Response: resp, Err: err}
			mu.Unlock()
			return nil
		})
	}
	g.Wait()
	return results
}
