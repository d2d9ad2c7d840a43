package model

import (
	"net/http"
	"net/url"
	"time"
)

// Producer lazily yields request body chunks. It returns io.EOF once the
// body is complete. Bodies produced this way are sent chunked and can
// not be replayed.
type Producer func() ([]byte, error)

// RedirectPolicy overrides the session's redirect behavior for one
// request.
type RedirectPolicy struct {
	Disabled bool
	Max      int // zero keeps the session default
}

// RetryPolicy controls the single automatic retry on a stale keep-alive
// connection.
type RetryPolicy struct {
	Disabled bool
	Methods  []string // methods considered idempotent, upper case
}

// Retries reports whether method is eligible for the automatic retry.
func (p *RetryPolicy) Retries(method string) bool {
	if p == nil || p.Disabled {
		return false
	}
	for _, m := range p.Methods {
		if m == method {
			return true
		}
	}
	return false
}

type Request struct {
	Method string
	URL    string // absolute, or relative to the session base URL
	Header http.Header
	Params url.Values

	// Body is one of nil, string, []byte, *bytes.Buffer, *bytes.Reader,
	// *strings.Reader, io.Reader or Producer. JSON and Form are
	// alternatives to Body; at most one of the three may be set.
	Body interface{}
	JSON interface{}
	Form url.Values

	Cookies []*http.Cookie
	Host    string

	Timeout time.Duration
	// Stream defers reading the body until the caller consumes
	// Response.Body, the connection stays checked out until then.
	Stream bool
	// Callback receives every body chunk in arrival order before it is
	// buffered or handed to a stream reader.
	Callback func(chunk []byte) error

	Redirect *RedirectPolicy
	Retry    *RetryPolicy
}

type Option func(*Request)

func NewRequest(method, url string, opts ...Option) *Request {
	r := &Request{Method: method, URL: url}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func WithHeader(key, value string) Option {
	return func(r *Request) {
		if r.Header == nil {
			r.Header = http.Header{}
		}
		r.Header.Add(key, value)
	}
}

func WithHeaders(h http.Header) Option {
	return func(r *Request) {
		if r.Header == nil {
			r.Header = http.Header{}
		}
		for k, vv := range h {
			for _, v := range vv {
				r.Header.Add(k, v)
			}
		}
	}
}

func WithParams(params url.Values) Option {
	return func(r *Request) {
		if r.Params == nil {
			r.Params = url.Values{}
		}
		for k, vv := range params {
			r.Params[k] = append(r.Params[k], vv...)
		}
	}
}

func WithBody(body interface{}) Option { return func(r *Request) { r.Body = body } }

func WithJSON(v interface{}) Option { return func(r *Request) { r.JSON = v } }

func WithForm(form url.Values) Option { return func(r *Request) { r.Form = form } }

func WithCookies(cookies ...*http.Cookie) Option {
	return func(r *Request) { r.Cookies = append(r.Cookies, cookies...) }
}

func WithHost(host string) Option { return func(r *Request) { r.Host = host } }

func WithTimeout(d time.Duration) Option { return func(r *Request) { r.Timeout = d } }

func WithStream() Option { return func(r *Request) { r.Stream = true } }

func WithCallback(cb func(chunk []byte) error) Option {
	return func(r *Request) { r.Callback = cb }
}

func WithRedirects(p RedirectPolicy) Option { return func(r *Request) { r.Redirect = &p } }

func WithRetry(p RetryPolicy) Option { return func(r *Request) { r.Retry = &p } }
