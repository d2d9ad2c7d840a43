package chunked_test

import (
	"bufio"
	"bytes"
	"io"
	"net/http"
	"strings"
	"testing"
	"testing/iotest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/frankli0324/asks/internal/model"
	"github.com/frankli0324/asks/internal/transport/chunked"
)

func TestRoundTrip(t *testing.T) {
	var wire bytes.Buffer
	w := chunked.NewWriter(&wire)
	for _, s := range []string{"hello", "", " world"} {
		_, err := w.Write([]byte(s))
		require.NoError(t, err)
	}
	require.NoError(t, w.CloseWithTrailer(http.Header{"X-Checksum": {"abc"}}))
	assert.Equal(t, "5\r\nhello\r\n6\r\n world\r\n0\r\nX-Checksum: abc\r\n\r\n", wire.String())

	wire.WriteString("NEXT")
	br := bufio.NewReader(&wire)
	r := chunked.NewReader(br)
	b, err := io.ReadAll(iotest.OneByteReader(r))
	require.NoError(t, err)
	assert.Equal(t, "hello world", string(b))
	assert.Equal(t, "abc", r.Trailer().Get("X-Checksum"))
	rest, _ := io.ReadAll(br)
	assert.Equal(t, "NEXT", string(rest))
}

func TestReaderExtensionsIgnored(t *testing.T) {
	r := chunked.NewReader(strings.NewReader("3;name=value\r\nabc\r\n0\r\n\r\n"))
	b, err := io.ReadAll(r)
	require.NoError(t, err)
	assert.Equal(t, "abc", string(b))
	assert.Nil(t, r.Trailer())
}

func TestReaderErrors(t *testing.T) {
	for name, c := range map[string]struct {
		wire     string
		protocol bool
	}{
		"BadHex":        {"zz\r\nabc\r\n0\r\n\r\n", true},
		"EmptySize":     {"\r\nabc\r\n", true},
		"TooLarge":      {"11111111111111111\r\n", true},
		"MissingCRLF":   {"3\r\nabcXY0\r\n\r\n", true},
		"LongLine":      {strings.Repeat("0", 5000) + "\r\n", true},
		"Truncated":     {"5\r\nab", false},
		"NoLastChunk":   {"3\r\nabc\r\n", false},
		"NoTrailerCRLF": {"0\r\n", false},
	} {
		t.Run(name, func(t *testing.T) {
			_, err := io.ReadAll(chunked.NewReader(strings.NewReader(c.wire)))
			require.Error(t, err)
			var perr *model.ProtocolError
			if c.protocol {
				assert.ErrorAs(t, err, &perr)
			} else {
				assert.ErrorIs(t, err, io.ErrUnexpectedEOF)
			}
		})
	}
}
