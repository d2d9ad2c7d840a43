package transport

import (
	"bufio"
	"errors"
	"io"
	"net/http"
	"net/textproto"
	"sort"
	"strconv"
	"strings"

	"github.com/frankli0324/asks/internal/model"
	"github.com/frankli0324/asks/internal/transport/chunked"
)

// AcceptEncoding is advertised when decompression is enabled and the
// caller did not pick its own encodings.
const AcceptEncoding = "gzip, deflate, zstd"

// HTTP1 is the HTTP/1.1 message codec.
type HTTP1 struct {
	DisableCompression bool
}

var _ Transport = (*HTTP1)(nil)

func (t *HTTP1) decompress(r *model.PreparedRequest) bool {
	return !t.DisableCompression && r.Method != "HEAD" && r.Method != "CONNECT" && len(r.Header["Accept-Encoding"]) == 0
}

// WriteRequest writes the request head and streams the body into w. Every
// body chunk is written before the next one is read from its source.
func (t *HTTP1) WriteRequest(w *bufio.Writer, r *model.PreparedRequest) error {
	body, err := r.GetBody() // can write body
	if err != nil {
		return err
	}
	if body != nil {
		defer body.Close() // request body is ALWAYS closed
	}

	if err := t.writeHeader(w, r); err != nil {
		return err
	}
	if r.HasBody && body != nil {
		if err := writeBody(w, body, r.ContentLength); err != nil {
			return err
		}
	}
	return w.Flush()
}

func writeBody(w *bufio.Writer, body io.Reader, length int64) error {
	if length < 0 {
		cw := chunked.NewWriter(w)
		if _, err := io.Copy(cw, body); err != nil {
			return err
		}
		return cw.CloseWithTrailer(nil)
	}
	n, err := io.Copy(w, io.LimitReader(body, length))
	if err != nil {
		return err
	}
	if n != length {
		return errors.New("asks: request body shorter than its content length")
	}
	return nil
}

// bodyExpected lists the methods that announce an empty body explicitly.
var bodyExpected = map[string]bool{"POST": true, "PUT": true, "PATCH": true}

// writeHeader writes the status and header part of an http 1.1 request
// e.g.:
//
//	GET / HTTP/1.1\r\n
//	Host: www.google.com\r\n
//	X-Xx-Yy: cccccc\r\n
//	\r\n
func (t *HTTP1) writeHeader(w *bufio.Writer, r *model.PreparedRequest) error {
	w.WriteString(r.Method)
	w.WriteByte(' ')
	w.WriteString(r.U.RequestURI())
	w.WriteString(" HTTP/1.1\r\n")

	w.WriteString("Host: ")
	w.WriteString(r.HeaderHost)
	w.WriteString("\r\n")
	switch {
	case r.HasBody && r.ContentLength >= 0:
		w.WriteString("Content-Length: ")
		w.WriteString(strconv.FormatInt(r.ContentLength, 10))
		w.WriteString("\r\n")
	case r.HasBody:
		w.WriteString("Transfer-Encoding: chunked\r\n")
	case bodyExpected[r.Method]:
		w.WriteString("Content-Length: 0\r\n")
	}
	if t.decompress(r) {
		w.WriteString("Accept-Encoding: " + AcceptEncoding + "\r\n")
	}

	keys := make([]string, 0, len(r.Header))
	for k := range r.Header {
		switch k {
		case "Host", "Content-Length", "Transfer-Encoding":
			continue // framing is ours
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		for _, v := range r.Header[k] {
			w.WriteString(k)
			w.WriteString(": ")
			w.WriteString(v)
			if _, err := w.WriteString("\r\n"); err != nil {
				return err
			}
		}
	}
	_, err := w.WriteString("\r\n")
	return err
}

// ReadResponse reads one response head from br and frames its body.
// Interim 1xx responses other than 101 are skipped.
func (t *HTTP1) ReadResponse(br *bufio.Reader, r *model.PreparedRequest) (*Message, error) {
	tp := textproto.NewReader(br)
	for {
		m, err := readHead(tp)
		if err != nil {
			return nil, err
		}
		if m.StatusCode >= 100 && m.StatusCode < 200 && m.StatusCode != http.StatusSwitchingProtocols {
			continue
		}
		if err := t.frame(br, r, m); err != nil {
			return nil, err
		}
		return m, nil
	}
}

func readHead(tp *textproto.Reader) (*Message, error) {
	line, err := tp.ReadLine()
	if err != nil {
		return nil, err // io.EOF here means the peer closed before answering
	}
	m := &Message{}
	proto, status, ok := strings.Cut(line, " ")
	if !ok {
		return nil, model.NewProtocolError("malformed HTTP response %q", line)
	}
	if m.ProtoMajor, m.ProtoMinor, ok = http.ParseHTTPVersion(proto); !ok || m.ProtoMajor != 1 {
		return nil, model.NewProtocolError("malformed HTTP version %q", proto)
	}
	m.Proto = proto
	m.Status = strings.TrimLeft(status, " ")

	statusCode, _, _ := strings.Cut(m.Status, " ")
	if len(statusCode) != 3 {
		return nil, model.NewProtocolError("malformed HTTP status code %q", statusCode)
	}
	if m.StatusCode, err = strconv.Atoi(statusCode); err != nil || m.StatusCode < 100 {
		return nil, model.NewProtocolError("malformed HTTP status code %q", statusCode)
	}

	// Parse the response headers.
	mimeHeader, err := tp.ReadMIMEHeader()
	if err != nil {
		var perr textproto.ProtocolError
		if errors.As(err, &perr) {
			return nil, model.NewProtocolError("%s", perr.Error())
		}
		if err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		return nil, err
	}
	if hp, ok := mimeHeader["Pragma"]; ok && len(hp) > 0 && hp[0] == "no-cache" {
		if _, presentcc := mimeHeader["Cache-Control"]; !presentcc {
			mimeHeader["Cache-Control"] = []string{"no-cache"}
		}
	}
	m.Header = http.Header(mimeHeader)
	return m, nil
}
