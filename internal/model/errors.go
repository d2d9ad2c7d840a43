package model

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"
)

var (
	// ErrStreamConsumed is returned when a response body is iterated a
	// second time, or read after it was closed or its exchange failed.
	ErrStreamConsumed = errors.New("asks: stream already consumed or closed")

	ErrPoolTimeout      = errors.New("asks: timed out waiting for a pooled connection")
	ErrInvalidPoolSize  = errors.New("asks: max connections per host must not be zero")
	ErrPoolClosed       = errors.New("asks: connection pool closed")
	ErrTooManyRedirects = errors.New("asks: too many redirects")
	ErrRequestTimeout   = errors.New("asks: request timeout")
)

// ConnectionError reports a failure of the underlying byte stream:
// dialing, writing the request or reading the response.
type ConnectionError struct {
	Op   string // "dial", "write" or "read"
	Addr string
	Err  error
}

func (e *ConnectionError) Error() string {
	return "asks: " + e.Op + " " + e.Addr + ": " + e.Err.Error()
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// ProtocolError is returned when the peer sent a malformed or
// non-conformant HTTP/1.x message.
type ProtocolError struct {
	Msg string
}

func (e *ProtocolError) Error() string { return "asks: protocol error: " + e.Msg }

func NewProtocolError(format string, args ...interface{}) *ProtocolError {
	return &ProtocolError{Msg: fmt.Sprintf(format, args...)}
}

type RedirectLoopError struct {
	Max int
	URL string
}

func (e *RedirectLoopError) Error() string {
	return fmt.Sprintf("asks: stopped after %d redirects at %s", e.Max, e.URL)
}

func (e *RedirectLoopError) Is(target error) bool { return target == ErrTooManyRedirects }

// RequestTimeoutError reports that a call ran past its timeout. It
// satisfies net.Error.
type RequestTimeoutError struct {
	Limit time.Duration
}

func (e *RequestTimeoutError) Error() string {
	return "asks: request exceeded timeout of " + e.Limit.String()
}

func (e *RequestTimeoutError) Is(target error) bool { return target == ErrRequestTimeout }

func (e *RequestTimeoutError) Timeout() bool   { return true }
func (e *RequestTimeoutError) Temporary() bool { return true }

// BadStatusError is produced by Response.RaiseForStatus for 4xx and 5xx
// responses.
type BadStatusError struct {
	StatusCode int
	Reason     string
	URL        string
}

func (e *BadStatusError) Error() string {
	kind := "Server Error"
	if e.StatusCode < 500 {
		kind = "Client Error"
	}
	reason := e.Reason
	if reason == "" {
		reason = http.StatusText(e.StatusCode)
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%d %s: %s", e.StatusCode, kind, reason)
	if e.URL != "" {
		b.WriteString(" for url: ")
		b.WriteString(e.URL)
	}
	return b.String()
}
