package model

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync/atomic"

	"github.com/bytedance/sonic"
	"golang.org/x/net/http/httpguts"
)

// PreparedRequest is the immutable, wire-ready form of a Request. The
// session never modifies a PreparedRequest after it was handed to a
// connection, it derives new ones instead.
type PreparedRequest struct {
	*Request

	U          *url.URL
	Method     string
	GetBody    func() (io.ReadCloser, error)
	Header     http.Header
	HeaderHost string
	Cookie     string // explicit request cookies, jar cookies are appended per hop

	ContentLength int64 // -1 if unknown, such bodies are sent chunked
	HasBody       bool
	Replayable    bool
	Close         bool
}

// Prepare resolves r against base and merges the session defaults. Header
// values from r replace defaults with the same key.
func (r *Request) Prepare(base *url.URL, defaults http.Header) (*PreparedRequest, error) {
	method := strings.ToUpper(r.Method)
	if method == "" {
		method = "GET"
	}
	if strings.IndexFunc(method, func(c rune) bool { return !httpguts.IsTokenRune(c) }) != -1 {
		return nil, fmt.Errorf("asks: invalid method %q", r.Method)
	}
	u, err := resolveURL(base, r.URL)
	if err != nil {
		return nil, err
	}
	if len(r.Params) > 0 {
		if enc := r.Params.Encode(); u.RawQuery == "" {
			u.RawQuery = enc
		} else {
			u.RawQuery += "&" + enc
		}
	}

	headers := make(http.Header, len(defaults)+len(r.Header))
	for k, v := range defaults {
		headers[http.CanonicalHeaderKey(k)] = append([]string(nil), v...)
	}
	for k, v := range r.Header {
		headers[http.CanonicalHeaderKey(k)] = append([]string(nil), v...)
	}

	host := u.Host
	cl := int64(-1)
	// user defined headers has higher priority
	if v := headers["Host"]; len(v) != 0 {
		host = v[0]
	}
	delete(headers, "Host")
	if r.Host != "" {
		host = r.Host
	}
	if v := headers["Content-Length"]; len(v) != 0 {
		if n, err := strconv.ParseInt(v[0], 10, 64); err == nil {
			cl = n
		}
	}
	delete(headers, "Content-Length")
	cookie := strings.Join(headers["Cookie"], "; ")
	delete(headers, "Cookie")

	if host, err = httpguts.PunycodeHostPort(host); err != nil {
		return nil, err
	}
	if !httpguts.ValidHostHeader(host) {
		return nil, url.InvalidHostError(host)
	}
	for k, vv := range headers {
		if !httpguts.ValidHeaderFieldName(k) {
			return nil, fmt.Errorf("asks: invalid header field name %q", k)
		}
		for _, v := range vv {
			if !httpguts.ValidHeaderFieldValue(v) {
				return nil, fmt.Errorf("asks: invalid header field value for %q", k)
			}
		}
	}

	pr := &PreparedRequest{
		Request: r, U: u, Method: method,
		Header: headers, HeaderHost: host, Cookie: cookie,
		ContentLength: -1,
	}
	for _, c := range r.Cookies {
		pr.Cookie = joinCookie(pr.Cookie, c)
	}
	if err := pr.updateBody(); err != nil {
		// note that updateBody potentially updates content-length
		return nil, err
	}
	if cl != -1 && pr.ContentLength != cl {
		return nil, errors.New("asks: conflicting value between body size and content-length request header")
	}
	pr.Close = httpguts.HeaderValuesContainsToken(headers["Connection"], "close")
	return pr, nil
}

// should only be called once at [Request.Prepare]
func (r *PreparedRequest) updateBody() error {
	set := 0
	for _, present := range []bool{r.Request.Body != nil, r.Request.JSON != nil, r.Request.Form != nil} {
		if present {
			set++
		}
	}
	if set > 1 {
		return errors.New("asks: only one of Body, JSON and Form may be set")
	}

	body := r.Request.Body
	switch {
	case r.Request.JSON != nil:
		b, err := sonic.Marshal(r.Request.JSON)
		if err != nil {
			return fmt.Errorf("asks: encode json body: %w", err)
		}
		body = b
		r.defaultContentType("application/json")
	case r.Request.Form != nil:
		body = r.Request.Form.Encode()
		r.defaultContentType("application/x-www-form-urlencoded")
	}

	r.Replayable = true
	if body == nil {
		r.ContentLength = 0
		r.GetBody = func() (io.ReadCloser, error) { return http.NoBody, nil }
		return nil
	}
	r.HasBody = true
	switch b := body.(type) {
	case string:
		r.ContentLength = int64(len(b))
		r.GetBody = func() (io.ReadCloser, error) {
			return io.NopCloser(strings.NewReader(b)), nil
		}
	case []byte:
		r.ContentLength = int64(len(b))
		r.GetBody = func() (io.ReadCloser, error) {
			return io.NopCloser(bytes.NewReader(b)), nil
		}
	case *bytes.Buffer: // below is taken from http.NewRequest
		r.ContentLength = int64(b.Len())
		buf := b.Bytes()
		r.GetBody = func() (io.ReadCloser, error) {
			return io.NopCloser(bytes.NewReader(buf)), nil
		}
	case *bytes.Reader:
		r.ContentLength = int64(b.Len())
		snapshot := *b
		r.GetBody = func() (io.ReadCloser, error) {
			r := snapshot
			return io.NopCloser(&r), nil
		}
	case *strings.Reader:
		r.ContentLength = int64(b.Len())
		snapshot := *b
		r.GetBody = func() (io.ReadCloser, error) {
			r := snapshot
			return io.NopCloser(&r), nil
		}
	case Producer:
		r.Replayable = false
		r.GetBody = onceBody(io.NopCloser(&producerReader{produce: b}))
	case func() ([]byte, error):
		r.Replayable = false
		r.GetBody = onceBody(io.NopCloser(&producerReader{produce: b}))
	case io.Reader:
		r.Replayable = false
		if sizer, ok := b.(interface{ Size() int64 }); ok {
			r.ContentLength = sizer.Size()
		}
		cb, ok := b.(io.ReadCloser)
		if !ok {
			cb = io.NopCloser(b)
		}
		r.GetBody = onceBody(cb)
	default:
		return fmt.Errorf("asks: unsupported body type: %T", body)
	}
	return nil
}

func (r *PreparedRequest) defaultContentType(ct string) {
	if r.Header.Get("Content-Type") == "" {
		r.Header.Set("Content-Type", ct)
	}
}

func onceBody(b io.ReadCloser) func() (io.ReadCloser, error) {
	once := uint32(0)
	return func() (io.ReadCloser, error) {
		if atomic.CompareAndSwapUint32(&once, 0, 1) {
			return b, nil
		}
		return nil, http.ErrBodyReadAfterClose
	}
}

// AttachCookies returns a copy of r whose Cookie header holds the explicit
// request cookies followed by cookies.
func (r *PreparedRequest) AttachCookies(cookies []*http.Cookie) *PreparedRequest {
	next := *r
	next.Header = r.Header.Clone()
	line := r.Cookie
	for _, c := range cookies {
		line = joinCookie(line, c)
	}
	if line != "" {
		next.Header.Set("Cookie", line)
	}
	return &next
}

// Redirect derives the request for the next hop of a redirect chain.
func (r *PreparedRequest) Redirect(loc *url.URL, status int) (*PreparedRequest, error) {
	next := *r
	next.U = loc
	next.Header = r.Header.Clone()
	next.HeaderHost = loc.Host
	if h, err := httpguts.PunycodeHostPort(loc.Host); err == nil {
		next.HeaderHost = h
	}

	dropBody := false
	switch status {
	case http.StatusMovedPermanently, http.StatusFound:
		if r.Method == "POST" {
			next.Method, dropBody = "GET", true
		}
	case http.StatusSeeOther:
		if r.Method != "HEAD" {
			next.Method, dropBody = "GET", true
		}
	}
	if !dropBody && r.HasBody && !r.Replayable {
		return nil, fmt.Errorf("asks: cannot follow %d redirect with a non-replayable body", status)
	}
	if dropBody {
		next.HasBody, next.Replayable, next.ContentLength = false, true, 0
		next.GetBody = func() (io.ReadCloser, error) { return http.NoBody, nil }
		for _, k := range []string{"Content-Type", "Content-Encoding", "Transfer-Encoding"} {
			next.Header.Del(k)
		}
	}
	if !strings.EqualFold(r.U.Hostname(), loc.Hostname()) {
		next.Header.Del("Authorization")
		next.Header.Del("Www-Authenticate")
		next.Cookie = ""
	}
	return &next, nil
}

func joinCookie(line string, c *http.Cookie) string {
	s := (&http.Cookie{Name: c.Name, Value: c.Value}).String()
	if s == "" {
		return line
	}
	if line == "" {
		return s
	}
	return line + "; " + s
}

func resolveURL(base *url.URL, raw string) (*url.URL, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, err
	}
	if u.Scheme == "" {
		if base == nil {
			return nil, fmt.Errorf("asks: relative url %q without a base url", raw)
		}
		if u.Host != "" { // scheme relative
			u.Scheme = base.Scheme
		} else {
			joined := *base
			if u.Path != "" {
				joined.Path = strings.TrimSuffix(base.Path, "/") + "/" + strings.TrimPrefix(u.Path, "/")
				joined.RawPath = ""
			}
			if u.RawQuery != "" {
				if joined.RawQuery != "" {
					joined.RawQuery += "&" + u.RawQuery
				} else {
					joined.RawQuery = u.RawQuery
				}
			}
			joined.Fragment = u.Fragment
			u = &joined
		}
	}
	u.Scheme = strings.ToLower(u.Scheme)
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("asks: unsupported protocol scheme %q", u.Scheme)
	}
	if u.Host = removeEmptyPort(u.Host); u.Host == "" {
		return nil, url.InvalidHostError("empty host")
	}
	return u, nil
}

func hasPort(s string) bool { return strings.LastIndex(s, ":") > strings.LastIndex(s, "]") }

func removeEmptyPort(host string) string {
	if hasPort(host) {
		return strings.TrimSuffix(host, ":")
	}
	return host
}

type producerReader struct {
	produce func() ([]byte, error)
	pending []byte
	err     error
}

func (p *producerReader) Read(b []byte) (int, error) {
	for len(p.pending) == 0 {
		if p.err != nil {
			return 0, p.err
		}
		p.pending, p.err = p.produce()
	}
	n := copy(b, p.pending)
	p.pending = p.pending[n:]
	return n, nil
}
