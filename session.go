package asks

import (
	"context"
	"sync"

	"github.com/frankli0324/asks/internal/config"
)

var (
	defaultOnce    sync.Once
	defaultSession *Session
	defaultErr     error
)

// Default returns the session used by the package level functions. It is
// configured from ASKS_* environment variables on first use, falling back
// to the defaults when they do not parse.
func Default() (*Session, error) {
	defaultOnce.Do(func() {
		defaultSession, defaultErr = NewSession(config.LoadOrDefault())
	})
	return defaultSession, defaultErr
}

func Do(ctx context.Context, req *Request) (*Response, error) {
	s, err := Default()
	if err != nil {
		return nil, err
	}
	return s.Do(ctx, req)
}

// Send builds a request from method, url and opts and sends it with the
// default session. It is the package level counterpart of
// Session.Request.
func Send(ctx context.Context, method, url string, opts ...Option) (*Response, error) {
	return Do(ctx, NewRequest(method, url, opts...))
}

func Get(ctx context.Context, url string, opts ...Option) (*Response, error) {
	return Send(ctx, "GET", url, opts...)
}

func Head(ctx context.Context, url string, opts ...Option) (*Response, error) {
	return Send(ctx, "HEAD", url, opts...)
}

func Options(ctx context.Context, url string, opts ...Option) (*Response, error) {
	return Send(ctx, "OPTIONS", url, opts...)
}

func Delete(ctx context.Context, url string, opts ...Option) (*Response, error) {
	return Send(ctx, "DELETE", url, opts...)
}

func Post(ctx context.Context, url string, opts ...Option) (*Response, error) {
	return Send(ctx, "POST", url, opts...)
}

func Put(ctx context.Context, url string, opts ...Option) (*Response, error) {
	return Send(ctx, "PUT", url, opts...)
}

func Patch(ctx context.Context, url string, opts ...Option) (*Response, error) {
	return Send(ctx, "PATCH", url, opts...)
}
