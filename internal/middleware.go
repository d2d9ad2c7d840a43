package internal

import (
	"context"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/frankli0324/asks/internal/model"
)

// Handler performs one hop of a request. Redirects call the chain again
// for every hop, with the cookies of the hop already attached.
type Handler = func(ctx context.Context, req *PreparedRequest) (*model.Response, error)
type Middleware func(next Handler) Handler

func (s *Session) chain() Handler {
	next := s.roundTrip
	for _, mw := range s.middlewares {
		next = mw(next)
	}
	return next
}

// RateLimit delays every hop until l admits it.
func RateLimit(l *rate.Limiter) Middleware {
	return func(next Handler) Handler {
		return func(ctx context.Context, req *PreparedRequest) (*model.Response, error) {
			if err := l.Wait(ctx); err != nil {
				return nil, err
			}
			return next(ctx, req)
		}
	}
}

// RequestIDHeader is set by RequestID.
const RequestIDHeader = "X-Request-Id"

// RequestID tags requests that carry no X-Request-Id header with a random
// one, a fresh one per hop.
func RequestID() Middleware {
	return func(next Handler) Handler {
		return func(ctx context.Context, req *PreparedRequest) (*model.Response, error) {
			if req.Header.Get(RequestIDHeader) == "" {
				r := *req
				r.Header = req.Header.Clone()
				r.Header.Set(RequestIDHeader, uuid.NewString())
				req = &r
			}
			return next(ctx, req)
		}
	}
}
