package model

import (
	"mime"
	"net/http"
	"net/url"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/bytedance/sonic"
	"github.com/gabriel-vasile/mimetype"
	"github.com/saintfish/chardet"
	"golang.org/x/text/encoding/htmlindex"
)

type Response struct {
	Proto      string // e.g. "HTTP/1.1"
	ProtoMajor int
	ProtoMinor int
	Status     string // e.g. "200 OK"
	StatusCode int
	Header     http.Header
	Trailer    http.Header

	// ContentLength of the body as sent on the wire, -1 if unknown or if
	// the body was decompressed.
	ContentLength int64

	Method string
	URL    *url.URL // the final URL after redirects

	Body    *Body
	Cookies []*http.Cookie
	// History holds the redirect responses that led to this one, oldest
	// first. Their bodies are already materialized.
	History []*Response

	// KeepAlive is the reuse decision taken for the connection this
	// response was read from.
	KeepAlive bool
	Elapsed   time.Duration

	content      []byte
	materialized bool
}

// Materialize reads the remaining body into memory. It is a no-op once the
// content is available.
func (r *Response) Materialize() error {
	if r.materialized {
		return nil
	}
	if r.Body == nil {
		r.materialized = true
		return nil
	}
	b, err := r.Body.ReadAll()
	if err != nil {
		return err
	}
	r.content, r.materialized = b, true
	return nil
}

// Content returns the materialized body. For streamed responses it reads
// the remaining stream first and returns nil when that fails, Materialize
// reports why.
func (r *Response) Content() []byte {
	r.Materialize()
	return r.content
}

// Text decodes the content using the charset announced in Content-Type.
// Without one, valid UTF-8 is returned as is and anything else is decoded
// with the detected charset.
func (r *Response) Text() (string, error) {
	content := r.Content()
	name := ""
	if _, params, err := mime.ParseMediaType(r.Header.Get("Content-Type")); err == nil {
		name = params["charset"]
	}
	if name == "" {
		if utf8.Valid(content) {
			return string(content), nil
		}
		res, err := chardet.NewTextDetector().DetectBest(content)
		if err != nil {
			return string(content), nil
		}
		if enc, err := htmlindex.Get(res.Charset); err == nil {
			if s, err := enc.NewDecoder().Bytes(content); err == nil {
				return string(s), nil
			}
		}
		return string(content), nil
	}
	enc, err := htmlindex.Get(name)
	if err != nil {
		return "", err
	}
	s, err := enc.NewDecoder().Bytes(content)
	if err != nil {
		return "", err
	}
	return string(s), nil
}

// JSON decodes the content into v.
func (r *Response) JSON(v interface{}) error {
	return sonic.Unmarshal(r.Content(), v)
}

// ContentType returns the Content-Type header, or the type sniffed from the
// content when the server did not send one.
func (r *Response) ContentType() string {
	if ct := r.Header.Get("Content-Type"); ct != "" {
		return ct
	}
	return mimetype.Detect(r.Content()).String()
}

// OK reports whether the status code is below 400.
func (r *Response) OK() bool { return r.StatusCode < 400 }

// RaiseForStatus returns a *BadStatusError for 4xx and 5xx responses.
func (r *Response) RaiseForStatus() error {
	if r.StatusCode < 400 || r.StatusCode >= 600 {
		return nil
	}
	_, reason, _ := strings.Cut(r.Status, " ")
	u := ""
	if r.URL != nil {
		u = r.URL.String()
	}
	return &BadStatusError{StatusCode: r.StatusCode, Reason: reason, URL: u}
}

// ParseCookies extracts the Set-Cookie records of h. Malformed lines are
// skipped.
func ParseCookies(h http.Header) []*http.Cookie {
	lines := h["Set-Cookie"]
	if len(lines) == 0 {
		return nil
	}
	cookies := make([]*http.Cookie, 0, len(lines))
	for _, line := range lines {
		if c, err := http.ParseSetCookie(line); err == nil {
			cookies = append(cookies, c)
		}
	}
	return cookies
}
