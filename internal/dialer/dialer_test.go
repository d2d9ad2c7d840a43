package dialer_test

import (
	"bufio"
	"context"
	"crypto/tls"
	"encoding/base64"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/frankli0324/asks/internal/dialer"
	"github.com/frankli0324/asks/internal/netpool"
)

func echoServer(t *testing.T) net.Listener {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })
	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			go func() {
				defer c.Close()
				io.Copy(c, c)
			}()
		}
	}()
	return ln
}

func roundTrip(t *testing.T, c net.Conn) {
	t.Helper()
	_, err := c.Write([]byte("ping"))
	require.NoError(t, err)
	buf := make([]byte, 4)
	_, err = io.ReadFull(c, buf)
	require.NoError(t, err)
	assert.Equal(t, "ping", string(buf))
}

func TestDialStaticHost(t *testing.T) {
	ln := echoServer(t)
	_, port, _ := net.SplitHostPort(ln.Addr().String())
	d := &dialer.CoreDialer{ResolveConfig: &dialer.ResolveConfig{
		Network:     "ip4",
		StaticHosts: map[string]string{"service.test": "127.0.0.1"},
	}}
	c, err := d.Dial(context.Background(), netpool.Key{Host: "service.test", Port: port})
	require.NoError(t, err)
	defer c.Close()
	roundTrip(t, c)
}

// connectProxy answers CONNECT requests and splices the tunnel to its
// target.
func connectProxy(t *testing.T, status int, seen chan<- *http.Request) net.Listener {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })
	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			go func() {
				defer c.Close()
				br := bufio.NewReader(c)
				req, err := http.ReadRequest(br)
				if err != nil {
					return
				}
				seen <- req
				if status != http.StatusOK {
					io.WriteString(c, "HTTP/1.1 407 Proxy Authentication Required\r\nContent-Length: 6\r\n\r\ndenied")
					return
				}
				up, err := net.Dial("tcp", req.Host)
				if err != nil {
					io.WriteString(c, "HTTP/1.1 502 Bad Gateway\r\nContent-Length: 0\r\n\r\n")
					return
				}
				defer up.Close()
				io.WriteString(c, "HTTP/1.1 200 Connection established\r\n\r\n")
				go io.Copy(up, br)
				io.Copy(c, up)
			}()
		}
	}()
	return ln
}

func TestDialOverProxy(t *testing.T) {
	target := echoServer(t)
	_, port, _ := net.SplitHostPort(target.Addr().String())
	seen := make(chan *http.Request, 1)
	proxy := connectProxy(t, http.StatusOK, seen)

	d := &dialer.CoreDialer{GetProxy: dialer.StaticProxy("http://user:secret@" + proxy.Addr().String())}
	c, err := d.Dial(context.Background(), netpool.Key{Host: "127.0.0.1", Port: port})
	require.NoError(t, err)
	defer c.Close()

	req := <-seen
	assert.Equal(t, "CONNECT", req.Method)
	assert.Equal(t, "127.0.0.1:"+port, req.Host)
	assert.Equal(t, "Basic "+base64.StdEncoding.EncodeToString([]byte("user:secret")), req.Header.Get("Proxy-Authorization"))
	roundTrip(t, c)
}

func TestDialProxyRejected(t *testing.T) {
	seen := make(chan *http.Request, 1)
	proxy := connectProxy(t, http.StatusProxyAuthRequired, seen)
	d := &dialer.CoreDialer{GetProxy: dialer.StaticProxy("http://" + proxy.Addr().String())}
	_, err := d.Dial(context.Background(), netpool.Key{Host: "example.com", Port: "443", Secure: true})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status:407")
	assert.Contains(t, err.Error(), "denied")
}

func TestDialUnsupportedProxy(t *testing.T) {
	d := &dialer.CoreDialer{GetProxy: dialer.StaticProxy("socks5://127.0.0.1:1080")}
	_, err := d.Dial(context.Background(), netpool.Key{Host: "example.com", Port: "80"})
	assert.ErrorContains(t, err, "unsupported proxy scheme")
}

func TestDialTLS(t *testing.T) {
	srv := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer srv.Close()
	host, port, _ := net.SplitHostPort(srv.Listener.Addr().String())

	d := &dialer.CoreDialer{TLSConfig: &tls.Config{InsecureSkipVerify: true}}
	c, err := d.Dial(context.Background(), netpool.Key{Host: host, Port: port, Secure: true})
	require.NoError(t, err)
	defer c.Close()
	tc, ok := c.(*tls.Conn)
	require.True(t, ok)
	assert.True(t, tc.ConnectionState().HandshakeComplete)

	_, err = (&dialer.CoreDialer{}).Dial(context.Background(), netpool.Key{Host: host, Port: port, Secure: true})
	assert.Error(t, err, "self signed certificate must not verify")
}

func TestResolveConfigMerge(t *testing.T) {
	base := &dialer.ResolveConfig{CustomDNSServer: "1.1.1.1:53", Network: "ip4", StaticHosts: map[string]string{"a": "1", "b": "2"}}
	over := &dialer.ResolveConfig{StaticHosts: map[string]string{"a": "9"}}

	m := over.Merge(base)
	assert.Equal(t, "1.1.1.1:53", m.CustomDNSServer)
	assert.Equal(t, "ip4", m.Network)
	assert.Equal(t, map[string]string{"a": "9", "b": "2"}, m.StaticHosts)
	assert.Equal(t, map[string]string{"a": "9"}, over.StaticHosts, "merge must not modify its receiver")

	var none *dialer.ResolveConfig
	assert.Equal(t, base.StaticHosts, none.Merge(base).StaticHosts)
}
