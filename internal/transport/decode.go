package transport

import (
	"bufio"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/klauspost/compress/flate"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zlib"
	"github.com/klauspost/compress/zstd"

	"github.com/frankli0324/asks/internal/model"
)

// contentEncoding returns the single supported coding of h, or "" when the
// body has to be passed through as is.
func contentEncoding(h http.Header) string {
	v := h.Values("Content-Encoding")
	if len(v) != 1 {
		return ""
	}
	switch enc := strings.ToLower(strings.TrimSpace(v[0])); enc {
	case "gzip", "x-gzip":
		return "gzip"
	case "deflate", "zstd":
		return enc
	}
	return ""
}

// decoder lazily wraps the framed body, so that no byte is read off the
// connection before the caller asks for one.
type decoder struct {
	enc    string
	framed *trap
	dec    io.Reader
	close  func() error
	err    error
}

func newDecoder(enc string, framed io.Reader) *decoder {
	return &decoder{enc: enc, framed: &trap{r: framed}}
}

// trap remembers the last error of the framed reader, so decoding failures
// can be told apart from connection failures.
type trap struct {
	r   io.Reader
	err error
}

func (t *trap) Read(p []byte) (int, error) {
	n, err := t.r.Read(p)
	if err != nil && err != io.EOF {
		t.err = err
	}
	return n, err
}

func (d *decoder) init() error {
	switch d.enc {
	case "gzip":
		zr, err := gzip.NewReader(d.framed)
		if err != nil {
			return err
		}
		d.dec, d.close = zr, zr.Close
	case "deflate":
		// "deflate" is zlib wrapped per RFC 9110, but raw streams are common
		br := bufio.NewReader(d.framed)
		head, err := br.Peek(2)
		if err != nil {
			return err
		}
		if head[0]&0x0f == 8 && (uint16(head[0])<<8|uint16(head[1]))%31 == 0 {
			zr, err := zlib.NewReader(br)
			if err != nil {
				return err
			}
			d.dec, d.close = zr, zr.Close
		} else {
			fr := flate.NewReader(br)
			d.dec, d.close = fr, fr.Close
		}
	case "zstd":
		zr, err := zstd.NewReader(d.framed, zstd.WithDecoderConcurrency(1))
		if err != nil {
			return err
		}
		rc := zr.IOReadCloser()
		d.dec, d.close = rc, rc.Close
	}
	return nil
}

func (d *decoder) Read(p []byte) (int, error) {
	if d.err != nil {
		return 0, d.err
	}
	if d.dec == nil {
		if err := d.init(); err != nil {
			if err == io.EOF && d.framed.err == nil {
				d.err = io.EOF // empty body, nothing to decode
			} else {
				d.err = d.classify(err)
			}
			return 0, d.err
		}
	}
	n, err := d.dec.Read(p)
	switch {
	case err == io.EOF:
		// drain the framing so the connection can carry another exchange
		if _, derr := io.Copy(io.Discard, d.framed); derr != nil {
			err = derr
		}
		d.err = err
	case err != nil:
		d.err = d.classify(err)
		err = d.err
	}
	return n, err
}

func (d *decoder) classify(err error) error {
	if d.framed.err != nil && errors.Is(err, d.framed.err) {
		return err
	}
	if err == io.ErrUnexpectedEOF {
		return err
	}
	var perr *model.ProtocolError
	if errors.As(err, &perr) {
		return err
	}
	return model.NewProtocolError("%s body: %v", d.enc, err)
}

func (d *decoder) Close() error {
	if d.close == nil {
		return nil
	}
	return d.close()
}
