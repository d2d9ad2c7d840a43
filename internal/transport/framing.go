package transport

import (
	"bufio"
	"io"
	"net/http"
	"net/textproto"
	"strconv"
	"strings"

	"golang.org/x/net/http/httpguts"

	"github.com/frankli0324/asks/internal/model"
	"github.com/frankli0324/asks/internal/transport/chunked"
)

// KeepAlive decides whether a connection may carry another exchange once a
// response with the given version and header was consumed completely.
// HTTP/1.1 persists unless either side asked to close, HTTP/1.0 only
// persists when the server opted in.
func KeepAlive(reqClose bool, major, minor int, h http.Header) bool {
	if reqClose {
		return false
	}
	conn := h["Connection"]
	if major < 1 || (major == 1 && minor == 0) {
		return httpguts.HeaderValuesContainsToken(conn, "keep-alive")
	}
	return !httpguts.HeaderValuesContainsToken(conn, "close")
}

func bodyAllowed(method string, status int) bool {
	switch {
	case method == "HEAD":
		return false
	case status >= 100 && status < 200 && status != http.StatusSwitchingProtocols:
		return false
	case status == http.StatusNoContent, status == http.StatusNotModified:
		return false
	case method == "CONNECT" && status >= 200 && status < 300:
		return false // the tunnel starts right after the head
	}
	return true
}

func contentLength(h http.Header) (int64, error) {
	contentLens := h["Content-Length"]
	if len(contentLens) == 0 {
		return -1, nil
	}
	// Hardening against HTTP request smuggling, taken from standard library
	// Per RFC 7230 Section 3.3.2
	first := textproto.TrimString(contentLens[0])
	for _, ct := range contentLens[1:] {
		if first != textproto.TrimString(ct) {
			return -1, model.NewProtocolError("message cannot contain multiple Content-Length headers; got %q", contentLens)
		}
	}
	n, err := strconv.ParseUint(first, 10, 63)
	if err != nil {
		return -1, model.NewProtocolError("bad Content-Length %q", first)
	}
	// deduplicate Content-Length
	h["Content-Length"] = []string{first}
	return int64(n), nil
}

func isChunked(te []string) bool {
	if len(te) == 0 {
		return false
	}
	last := te[len(te)-1]
	if i := strings.LastIndexByte(last, ','); i >= 0 {
		last = last[i+1:]
	}
	return strings.EqualFold(textproto.TrimString(last), "chunked")
}

// frame picks the body framing of m and takes the keep-alive decision.
func (t *HTTP1) frame(br *bufio.Reader, r *model.PreparedRequest, m *Message) error {
	cl, err := contentLength(m.Header)
	if err != nil {
		return err
	}
	m.ContentLength = -1
	te := m.Header["Transfer-Encoding"]
	reusable := true

	var body io.Reader
	switch {
	case !bodyAllowed(r.Method, m.StatusCode):
		body = eofReader{}
		if r.Method == "HEAD" {
			m.ContentLength = cl
		} else {
			m.ContentLength = 0
		}
	case len(te) > 0:
		if cl >= 0 {
			// Transfer-Encoding overrides Content-Length, but a peer
			// sending both is not trusted with another exchange.
			m.Header.Del("Content-Length")
			reusable = false
		}
		if isChunked(te) {
			cr := chunked.NewReader(br)
			body, m.Chunked, m.trailer = cr, true, cr.Trailer
		} else {
			body, m.Delimited = struct{ io.Reader }{br}, true
		}
	case cl == 0:
		body, m.ContentLength = eofReader{}, 0
	case cl > 0:
		body, m.ContentLength = &lengthReader{r: br, n: cl}, cl
	default:
		body, m.Delimited = struct{ io.Reader }{br}, true
	}
	if m.StatusCode == http.StatusSwitchingProtocols {
		reusable = false
	}
	m.KeepAlive = reusable && !m.Delimited && KeepAlive(r.Close, m.ProtoMajor, m.ProtoMinor, m.Header)

	_, m.NoBody = body.(eofReader)
	m.Body = bodyCloser{Reader: body}
	if !m.NoBody && t.decompress(r) {
		if enc := contentEncoding(m.Header); enc != "" {
			d := newDecoder(enc, body)
			m.Body = bodyCloser{Reader: d, close: d.Close}
			m.Decoded, m.ContentLength = true, -1
			m.Header.Del("Content-Encoding")
			m.Header.Del("Content-Length")
		}
	}
	return nil
}

type eofReader struct{}

func (eofReader) Read([]byte) (int, error) { return 0, io.EOF }

// lengthReader returns io.EOF together with the last byte of the body so
// the caller learns about the end without another read.
type lengthReader struct {
	r io.Reader
	n int64
}

func (l *lengthReader) Read(p []byte) (int, error) {
	if l.n <= 0 {
		return 0, io.EOF
	}
	if int64(len(p)) > l.n {
		p = p[:l.n]
	}
	n, err := l.r.Read(p)
	l.n -= int64(n)
	switch {
	case err == io.EOF && l.n > 0:
		err = io.ErrUnexpectedEOF
	case err == nil && l.n == 0:
		err = io.EOF
	}
	return n, err
}
