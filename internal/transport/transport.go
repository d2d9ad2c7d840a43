package transport

import (
	"bufio"
	"io"
	"net/http"

	"github.com/frankli0324/asks/internal/model"
)

// Transport encodes requests onto and decodes responses from one
// connection's buffered streams.
type Transport interface {
	WriteRequest(w *bufio.Writer, req *model.PreparedRequest) error
	ReadResponse(r *bufio.Reader, req *model.PreparedRequest) (*Message, error)
}

// Message is a parsed response head together with its framed body.
type Message struct {
	Proto      string
	ProtoMajor int
	ProtoMinor int
	Status     string
	StatusCode int
	Header     http.Header

	// ContentLength as framed on the wire, -1 when unknown or decoded.
	ContentLength int64
	Chunked       bool
	NoBody        bool // the message ends with its head
	Delimited     bool // the body ends when the peer closes
	Decoded       bool // Content-Encoding was removed while reading

	// KeepAlive is the reuse decision for the connection, valid once Body
	// returned io.EOF.
	KeepAlive bool

	// Body yields the decoded payload and io.EOF once the message framing
	// was consumed completely. Close releases decoder state only, it never
	// touches the connection.
	Body io.ReadCloser

	trailer func() http.Header
}

// Trailer returns the trailer fields of a chunked body. It is only
// complete after Body returned io.EOF.
func (m *Message) Trailer() http.Header {
	if m.trailer == nil {
		return nil
	}
	return m.trailer()
}

type bodyCloser struct {
	io.Reader
	close func() error
}

func (b bodyCloser) Close() error {
	if b.close == nil {
		return nil
	}
	return b.close()
}
