package internal_test

import (
	"bufio"
	"bytes"
	"compress/gzip"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"net/http/httptrace"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/frankli0324/asks/internal"
	"github.com/frankli0324/asks/internal/config"
	"github.com/frankli0324/asks/internal/dialer"
	"github.com/frankli0324/asks/internal/model"
	"github.com/frankli0324/asks/internal/netpool"
)

func newSession(t *testing.T, mod func(*config.Config)) *internal.Session {
	t.Helper()
	cfg := config.Default()
	cfg.Logging.Level = "error"
	if mod != nil {
		mod(cfg)
	}
	s, err := internal.NewSession(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func totals(s *internal.Session) netpool.Stats {
	var sum netpool.Stats
	for _, st := range s.Stats() {
		sum.Idle += st.Idle
		sum.InUse += st.InUse
		sum.Pending += st.Pending
		sum.Dials += st.Dials
	}
	return sum
}

// countingServer counts the connections accepted by srv.
func countingServer(t *testing.T, h http.HandlerFunc) (*httptest.Server, *atomic.Int32) {
	t.Helper()
	var conns atomic.Int32
	srv := httptest.NewUnstartedServer(h)
	srv.Config.ConnState = func(_ net.Conn, st http.ConnState) {
		if st == http.StateNew {
			conns.Add(1)
		}
	}
	srv.Start()
	t.Cleanup(srv.Close)
	return srv, &conns
}

func TestConcurrentRequestsShareConnections(t *testing.T) {
	var mu sync.Mutex
	var starts, finishes []time.Time
	srv, conns := countingServer(t, func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		starts = append(starts, time.Now())
		mu.Unlock()
		time.Sleep(10 * time.Millisecond)
		mu.Lock()
		finishes = append(finishes, time.Now())
		mu.Unlock()
		io.WriteString(w, "ok")
	})
	s := newSession(t, func(c *config.Config) { c.Pool.MaxConnsPerHost = 2 })

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			resp, err := s.Get(context.Background(), srv.URL)
			if assert.NoError(t, err) {
				assert.Equal(t, "ok", string(resp.Content()))
			}
		}()
	}
	wg.Wait()

	assert.LessOrEqual(t, conns.Load(), int32(2))
	require.Len(t, starts, 5)
	sort.Slice(starts, func(i, j int) bool { return starts[i].Before(starts[j]) })
	sort.Slice(finishes, func(i, j int) bool { return finishes[i].Before(finishes[j]) })
	assert.False(t, starts[2].Before(finishes[0]), "a third request started while two were in flight")
	st := totals(s)
	assert.Equal(t, 0, st.InUse)
	assert.LessOrEqual(t, st.Idle, 2)
	assert.LessOrEqual(t, st.Dials, uint64(2))
}

func TestSequentialRequestsReuseOneConnection(t *testing.T) {
	srv, conns := countingServer(t, func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, r.URL.Path)
	})
	s := newSession(t, nil)
	for i := 0; i < 3; i++ {
		resp, err := s.Get(context.Background(), srv.URL+fmt.Sprintf("/%d", i))
		require.NoError(t, err)
		assert.Equal(t, fmt.Sprintf("/%d", i), string(resp.Content()))
		assert.True(t, resp.KeepAlive)
	}
	assert.Equal(t, int32(1), conns.Load())
}

// pipeServer answers exactly one request per connection and then hangs
// up, so every idle connection it leaves behind is stale.
func pipeServer(t *testing.T, dials *atomic.Int32) func(dialer.Dialer) dialer.Dialer {
	t.Helper()
	return func(dialer.Dialer) dialer.Dialer {
		return dialer.DialerFunc(func(ctx context.Context, _ netpool.Key) (net.Conn, error) {
			dials.Add(1)
			client, server := net.Pipe()
			go func() {
				defer server.Close()
				req, err := http.ReadRequest(bufio.NewReader(server))
				if err != nil {
					return
				}
				io.Copy(io.Discard, req.Body)
				fmt.Fprintf(server, "HTTP/1.1 200 OK\r\nContent-Length: %d\r\n\r\n%s", len(req.Method), req.Method)
			}()
			return client, nil
		})
	}
}

func TestRetryOnStaleConnection(t *testing.T) {
	var dials atomic.Int32
	s := newSession(t, nil)
	s.UseDialer(pipeServer(t, &dials))

	for i := 0; i < 2; i++ {
		resp, err := s.Get(context.Background(), "http://stale.test/")
		require.NoError(t, err)
		assert.Equal(t, "GET", string(resp.Content()))
	}
	assert.Equal(t, int32(2), dials.Load(), "the second request needs exactly one extra dial")
}

func TestNoRetryForNonIdempotentMethod(t *testing.T) {
	var dials atomic.Int32
	s := newSession(t, nil)
	s.UseDialer(pipeServer(t, &dials))

	_, err := s.Post(context.Background(), "http://stale.test/", model.WithBody("a"))
	require.NoError(t, err)
	_, err = s.Post(context.Background(), "http://stale.test/", model.WithBody("b"))
	var cerr *model.ConnectionError
	require.ErrorAs(t, err, &cerr)
	assert.Equal(t, "write", cerr.Op)
	assert.Equal(t, int32(1), dials.Load())
}

func TestRetryPolicyOverride(t *testing.T) {
	var dials atomic.Int32
	s := newSession(t, nil)
	s.UseDialer(pipeServer(t, &dials))
	retry := model.WithRetry(model.RetryPolicy{Methods: []string{"POST"}})

	for i := 0; i < 2; i++ {
		resp, err := s.Post(context.Background(), "http://stale.test/", model.WithBody("a"), retry)
		require.NoError(t, err)
		assert.Equal(t, "POST", string(resp.Content()))
	}
	assert.Equal(t, int32(2), dials.Load())

	_, err := s.Get(context.Background(), "http://stale.test/",
		model.WithRetry(model.RetryPolicy{Disabled: true}))
	assert.ErrorIs(t, err, io.ErrClosedPipe)
}

func TestRedirects(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/a", func(w http.ResponseWriter, r *http.Request) {
		http.SetCookie(w, &http.Cookie{Name: "hop", Value: "a"})
		http.Redirect(w, r, "/b", http.StatusFound)
	})
	mux.HandleFunc("/b", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/c", http.StatusTemporaryRedirect)
	})
	mux.HandleFunc("/c", func(w http.ResponseWriter, r *http.Request) {
		c, err := r.Cookie("hop")
		if assert.NoError(t, err) {
			assert.Equal(t, "a", c.Value)
		}
		b, _ := io.ReadAll(r.Body)
		fmt.Fprintf(w, "%s %s", r.Method, b)
	})
	mux.HandleFunc("/loop", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/loop", http.StatusFound)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()
	s := newSession(t, nil)

	t.Run("Chain", func(t *testing.T) {
		resp, err := s.Post(context.Background(), srv.URL+"/a", model.WithBody("x"))
		require.NoError(t, err)
		assert.Equal(t, "GET ", string(resp.Content()), "302 turns POST into GET, 307 keeps it")
		assert.Equal(t, "/c", resp.URL.Path)
		require.Len(t, resp.History, 2)
		assert.Equal(t, http.StatusFound, resp.History[0].StatusCode)
		assert.Equal(t, http.StatusTemporaryRedirect, resp.History[1].StatusCode)
	})
	t.Run("Loop", func(t *testing.T) {
		_, err := s.Get(context.Background(), srv.URL+"/loop",
			model.WithRedirects(model.RedirectPolicy{Max: 3}))
		require.ErrorIs(t, err, model.ErrTooManyRedirects)
		var lerr *model.RedirectLoopError
		require.ErrorAs(t, err, &lerr)
		assert.Equal(t, 3, lerr.Max)
	})
	t.Run("Disabled", func(t *testing.T) {
		resp, err := s.Get(context.Background(), srv.URL+"/loop",
			model.WithRedirects(model.RedirectPolicy{Disabled: true}))
		require.NoError(t, err)
		assert.Equal(t, http.StatusFound, resp.StatusCode)
		assert.Empty(t, resp.History)
	})
	t.Run("NonReplayableBody", func(t *testing.T) {
		resp, err := s.Post(context.Background(), srv.URL+"/b", model.WithBody(strings.NewReader("x")))
		require.NoError(t, err, "a *strings.Reader is replayable")
		assert.Equal(t, "POST x", string(resp.Content()))
		_, err = s.Put(context.Background(), srv.URL+"/b", model.WithBody(io.MultiReader(strings.NewReader("x"))))
		assert.Error(t, err)
	})
}

func TestCookiePersistence(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/login", func(w http.ResponseWriter, r *http.Request) {
		http.SetCookie(w, &http.Cookie{Name: "session", Value: "s3cr3t", Path: "/"})
	})
	mux.HandleFunc("/me", func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, r.Header.Get("Cookie"))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	s := newSession(t, nil)
	resp, err := s.Get(context.Background(), srv.URL+"/login")
	require.NoError(t, err)
	require.Len(t, resp.Cookies, 1)

	resp, err = s.Get(context.Background(), srv.URL+"/me",
		model.WithCookies(&http.Cookie{Name: "explicit", Value: "1"}))
	require.NoError(t, err)
	assert.Equal(t, "explicit=1; session=s3cr3t", string(resp.Content()))

	off := newSession(t, func(c *config.Config) { c.PersistCookies = false })
	_, err = off.Get(context.Background(), srv.URL+"/login")
	require.NoError(t, err)
	resp, err = off.Get(context.Background(), srv.URL+"/me")
	require.NoError(t, err)
	assert.Empty(t, resp.Content())
}

func TestStreamReleasesOnce(t *testing.T) {
	payload := strings.Repeat("0123456789", 10000)
	srv, _ := countingServer(t, func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, payload)
	})
	s := newSession(t, nil)

	t.Run("Drained", func(t *testing.T) {
		resp, err := s.Get(context.Background(), srv.URL, model.WithStream())
		require.NoError(t, err)
		assert.Equal(t, 1, totals(s).InUse)
		b, err := io.ReadAll(resp.Body)
		require.NoError(t, err)
		assert.Equal(t, payload, string(b))
		assert.Equal(t, 0, totals(s).InUse)
		assert.Equal(t, 1, totals(s).Idle)
		require.NoError(t, resp.Body.Close())
		require.NoError(t, resp.Body.Close())
		assert.Equal(t, 1, totals(s).Idle)
	})
	t.Run("ClosedEarly", func(t *testing.T) {
		resp, err := s.Get(context.Background(), srv.URL, model.WithStream())
		require.NoError(t, err)
		buf := make([]byte, 10)
		_, err = io.ReadFull(resp.Body, buf)
		require.NoError(t, err)
		require.NoError(t, resp.Body.Close())
		require.NoError(t, resp.Body.Close())
		_, err = resp.Body.Read(buf)
		assert.ErrorIs(t, err, model.ErrStreamConsumed)
		st := totals(s)
		assert.Equal(t, 0, st.InUse)
		assert.Equal(t, 0, st.Idle, "an abandoned body discards its connection")
	})
	t.Run("EachOnce", func(t *testing.T) {
		resp, err := s.Get(context.Background(), srv.URL, model.WithStream())
		require.NoError(t, err)
		var n int
		require.NoError(t, resp.Body.Each(func(chunk []byte) error {
			n += len(chunk)
			return nil
		}))
		assert.Equal(t, len(payload), n)
		assert.ErrorIs(t, resp.Body.Each(func([]byte) error { return nil }), model.ErrStreamConsumed)
	})
}

func TestTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	defer srv.Close()
	s := newSession(t, nil)

	start := time.Now()
	_, err := s.Get(context.Background(), srv.URL, model.WithTimeout(50*time.Millisecond))
	require.ErrorIs(t, err, model.ErrRequestTimeout)
	var terr *model.RequestTimeoutError
	require.ErrorAs(t, err, &terr)
	assert.Equal(t, 50*time.Millisecond, terr.Limit)
	var nerr net.Error
	require.ErrorAs(t, err, &nerr)
	assert.True(t, nerr.Timeout())
	assert.Less(t, time.Since(start), time.Second)
	assert.Equal(t, 0, totals(s).InUse)
	assert.Equal(t, 0, totals(s).Idle)
}

func TestStreamTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Length", "10")
		io.WriteString(w, "01234")
		w.(http.Flusher).Flush()
		<-r.Context().Done()
	}))
	defer srv.Close()
	s := newSession(t, nil)

	resp, err := s.Get(context.Background(), srv.URL, model.WithStream(), model.WithTimeout(100*time.Millisecond))
	require.NoError(t, err)
	_, err = io.ReadAll(resp.Body)
	assert.ErrorIs(t, err, model.ErrRequestTimeout)
	assert.Equal(t, 0, totals(s).InUse)
}

func TestCallback(t *testing.T) {
	payload := strings.Repeat("abc", 50000)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, payload)
	}))
	defer srv.Close()
	s := newSession(t, nil)

	var seen bytes.Buffer
	resp, err := s.Get(context.Background(), srv.URL, model.WithCallback(func(chunk []byte) error {
		seen.Write(chunk)
		return nil
	}))
	require.NoError(t, err)
	assert.Equal(t, payload, seen.String())
	assert.Equal(t, payload, string(resp.Content()))

	errStop := errors.New("stop")
	_, err = s.Get(context.Background(), srv.URL, model.WithCallback(func([]byte) error { return errStop }))
	assert.ErrorIs(t, err, errStop)
	assert.Equal(t, 0, totals(s).InUse)
}

func TestTransparentDecompression(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Contains(t, r.Header.Get("Accept-Encoding"), "gzip")
		w.Header().Set("Content-Encoding", "gzip")
		zw := gzip.NewWriter(w)
		io.WriteString(zw, "hello, compressed world")
		zw.Close()
	}))
	defer srv.Close()
	s := newSession(t, nil)

	resp, err := s.Get(context.Background(), srv.URL)
	require.NoError(t, err)
	assert.Equal(t, "hello, compressed world", string(resp.Content()))
	assert.Empty(t, resp.Header.Get("Content-Encoding"))
	assert.Equal(t, int64(-1), resp.ContentLength)
	assert.Equal(t, 1, totals(s).Idle)
}

func TestCloseCompressedStreamMidRead(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Encoding", "gzip")
		zw := gzip.NewWriter(w)
		io.WriteString(zw, strings.Repeat("partial ", 64))
		zw.Flush()
		w.(http.Flusher).Flush()
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	defer srv.Close()
	s := newSession(t, nil)

	resp, err := s.Get(context.Background(), srv.URL, model.WithStream())
	require.NoError(t, err)
	errc := make(chan error, 1)
	go func() {
		_, err := io.Copy(io.Discard, resp.Body)
		errc <- err
	}()
	time.Sleep(20 * time.Millisecond)
	require.NoError(t, resp.Body.Close())

	select {
	case err := <-errc:
		assert.ErrorIs(t, err, model.ErrStreamConsumed)
	case <-time.After(time.Second):
		t.Fatal("reader still blocked after Close")
	}
	assert.Equal(t, 0, totals(s).InUse)
	assert.Equal(t, 0, totals(s).Idle)
}

func TestHeadReleasesImmediately(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Length", "1024")
	}))
	defer srv.Close()
	s := newSession(t, nil)

	resp, err := s.Head(context.Background(), srv.URL, model.WithStream())
	require.NoError(t, err)
	assert.Equal(t, int64(1024), resp.ContentLength)
	assert.Equal(t, 1, totals(s).Idle)
	assert.Equal(t, 0, totals(s).InUse)
}

func TestBaseURLAndDefaultHeaders(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, "%s %s %s", r.URL.Path, r.URL.RawQuery, r.Header.Get("X-Api-Key"))
	}))
	defer srv.Close()
	s := newSession(t, func(c *config.Config) {
		c.BaseURL = srv.URL + "/api"
		c.Headers = map[string]string{"X-Api-Key": "k"}
	})

	resp, err := s.Get(context.Background(), "/users", model.WithParams(map[string][]string{"page": {"2"}}))
	require.NoError(t, err)
	assert.Equal(t, "/api/users page=2 k", string(resp.Content()))
}

func TestMiddleware(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, r.Header.Get(internal.RequestIDHeader))
	}))
	defer srv.Close()
	s := newSession(t, nil)

	var order []string
	trace := func(name string) internal.Middleware {
		return func(next internal.Handler) internal.Handler {
			return func(ctx context.Context, req *internal.PreparedRequest) (*model.Response, error) {
				order = append(order, name)
				return next(ctx, req)
			}
		}
	}
	s.Use(trace("first"), internal.RequestID(), trace("last"))

	resp, err := s.Get(context.Background(), srv.URL)
	require.NoError(t, err)
	assert.Equal(t, []string{"last", "first"}, order)
	assert.Len(t, string(resp.Content()), 36)
}

func TestDoAll(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, r.URL.Path)
	}))
	defer srv.Close()
	s := newSession(t, func(c *config.Config) { c.Pool.MaxConnsPerHost = 2 })

	reqs := map[string]*model.Request{"broken": model.NewRequest("GET", "ftp://nowhere")}
	for i := 0; i < 6; i++ {
		reqs[fmt.Sprint(i)] = model.NewRequest("GET", fmt.Sprintf("%s/%d", srv.URL, i))
	}
	results := s.DoAll(context.Background(), reqs)
	require.Len(t, results, 7)
	assert.Error(t, results["broken"].Err)
	for i := 0; i < 6; i++ {
		r := results[fmt.Sprint(i)]
		if assert.NoError(t, r.Err) {
			assert.Equal(t, fmt.Sprintf("/%d", i), string(r.Response.Content()))
		}
	}
}

func TestClosedSession(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer srv.Close()
	s := newSession(t, nil)
	_, err := s.Get(context.Background(), srv.URL)
	require.NoError(t, err)

	s.CloseIdleConnections()
	assert.Equal(t, 0, totals(s).Idle)
	require.NoError(t, s.Close())
	_, err = s.Get(context.Background(), srv.URL)
	assert.ErrorIs(t, err, model.ErrPoolClosed)
}

func TestInvalidConfig(t *testing.T) {
	cfg := config.Default()
	cfg.Pool.MaxConnsPerHost = 0
	_, err := internal.NewSession(cfg)
	assert.Error(t, err)
}

func TestClientTrace(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer srv.Close()
	s := newSession(t, nil)

	var events []string
	trace := &httptrace.ClientTrace{
		GetConn: func(string) { events = append(events, "get") },
		GotConn: func(info httptrace.GotConnInfo) {
			events = append(events, fmt.Sprintf("got reused=%v", info.Reused))
		},
		WroteRequest:         func(httptrace.WroteRequestInfo) { events = append(events, "wrote") },
		GotFirstResponseByte: func() { events = append(events, "first byte") },
	}
	ctx := httptrace.WithClientTrace(context.Background(), trace)
	for i := 0; i < 2; i++ {
		_, err := s.Get(ctx, srv.URL)
		require.NoError(t, err)
	}
	assert.Equal(t, []string{
		"get", "got reused=false", "wrote", "first byte",
		"get", "got reused=true", "wrote", "first byte",
	}, events)
}
