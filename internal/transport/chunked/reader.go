package chunked

import (
	"bufio"
	"bytes"
	"io"
	"net/http"
	"net/textproto"

	"github.com/frankli0324/asks/internal/model"
)

const maxLineLength = 4096

// NewReader decodes a chunked body from r. The returned reader yields
// io.EOF after the last chunk and the trailer section were consumed, which
// leaves r positioned at the next message.
func NewReader(r io.Reader) *Reader {
	var br *bufio.Reader
	if v, ok := r.(*bufio.Reader); ok {
		br = v
	} else {
		br = bufio.NewReader(r)
	}
	return &Reader{r: br}
}

type Reader struct {
	r       *bufio.Reader
	n       uint64 // bytes left in the current chunk
	trailer http.Header
	err     error
}

// Trailer returns the trailer fields, complete once Read returned io.EOF.
func (c *Reader) Trailer() http.Header { return c.trailer }

func (c *Reader) readLine() ([]byte, error) {
	line, err := c.r.ReadSlice('\n')
	if err != nil {
		if err == io.EOF {
			err = io.ErrUnexpectedEOF
		} else if err == bufio.ErrBufferFull {
			err = model.NewProtocolError("chunk header line too long")
		}
		return nil, err
	}
	if len(line) >= maxLineLength {
		return nil, model.NewProtocolError("chunk header line too long")
	}
	return bytes.TrimRight(line, "\r\n"), nil
}

func (c *Reader) readChunkHeader() (size uint64, err error) {
	line, err := c.readLine()
	if err != nil {
		return 0, err
	}
	if i := bytes.IndexByte(line, ';'); i >= 0 {
		line = line[:i] // chunk extensions are ignored
	}
	line = bytes.TrimRight(line, " \t")
	if len(line) == 0 {
		return 0, model.NewProtocolError("empty chunk size")
	}
	if len(line) > 16 {
		return 0, model.NewProtocolError("http chunk length too large")
	}
	for _, b := range line {
		switch {
		case '0' <= b && b <= '9':
			b = b - '0'
		case 'a' <= b && b <= 'f':
			b = b - 'a' + 10
		case 'A' <= b && b <= 'F':
			b = b - 'A' + 10
		default:
			return 0, model.NewProtocolError("invalid byte in chunk length")
		}
		size <<= 4
		size |= uint64(b)
	}
	return size, nil
}

func (c *Reader) readTrailer() error {
	h, err := textproto.NewReader(c.r).ReadMIMEHeader()
	if err != nil {
		if err == io.EOF {
			return io.ErrUnexpectedEOF
		}
		if _, ok := err.(textproto.ProtocolError); ok {
			return model.NewProtocolError("malformed trailer: %v", err)
		}
		return err
	}
	if len(h) > 0 {
		c.trailer = http.Header(h)
	}
	return nil
}

func (c *Reader) Read(p []byte) (n int, err error) {
	if c.err != nil {
		return 0, c.err
	}
	if c.n == 0 {
		size, err := c.readChunkHeader()
		if err == nil && size == 0 {
			if err = c.readTrailer(); err == nil {
				err = io.EOF
			}
		}
		if err != nil {
			c.err = err
			return 0, err
		}
		c.n = size
	}
	if uint64(len(p)) > c.n {
		p = p[:c.n]
	}
	n, err = c.r.Read(p)
	c.n -= uint64(n)
	if err == io.EOF {
		err = io.ErrUnexpectedEOF
	}
	if err == nil && c.n == 0 {
		dr, _ := c.r.ReadByte()
		dn, derr := c.r.ReadByte()
		switch {
		case derr == io.EOF:
			err = io.ErrUnexpectedEOF
		case derr != nil:
			err = derr
		case dr != '\r' || dn != '\n':
			err = model.NewProtocolError("malformed chunked encoding")
		}
	}
	if err != nil {
		c.err = err
	}
	return n, err
}
