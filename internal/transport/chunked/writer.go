package chunked

import (
	"fmt"
	"io"
	"net/http"
)

// NewWriter is taken from golang src/net/http/internal/chunked.go. If w
// can be flushed, every chunk is flushed before Write returns.
func NewWriter(w io.Writer) *Writer {
	return &Writer{w}
}

type Writer struct {
	Wire io.Writer
}

func (cw *Writer) Write(data []byte) (n int, err error) {

	// Don't send 0-length data. It looks like EOF for chunked encoding.
	if len(data) == 0 {
		return 0, nil
	}

	if _, err = fmt.Fprintf(cw.Wire, "%x\r\n", len(data)); err != nil {
		return 0, err
	}
	if n, err = cw.Wire.Write(data); err != nil {
		return
	}
	if n != len(data) {
		err = io.ErrShortWrite
		return
	}
	if _, err = io.WriteString(cw.Wire, "\r\n"); err != nil {
		return
	}
	if f, ok := cw.Wire.(interface{ Flush() error }); ok {
		err = f.Flush()
	}
	return
}

// CloseWithTrailer writes the last chunk followed by trailer. It does not
// close the underlying writer.
func (cw *Writer) CloseWithTrailer(trailer http.Header) error {
	if _, err := io.WriteString(cw.Wire, "0\r\n"); err != nil {
		return err
	}
	if err := trailer.Write(cw.Wire); err != nil {
		return err
	}
	_, err := io.WriteString(cw.Wire, "\r\n")
	return err
}
