package dialer

import (
	"bufio"
	"context"
	"crypto/tls"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net"
	"net/http"
	"net/url"
	"time"

	"go.uber.org/zap"
	"golang.org/x/net/http/httpproxy"

	"github.com/frankli0324/asks/internal/model"
	"github.com/frankli0324/asks/internal/netpool"
	"github.com/frankli0324/asks/internal/transport"
)

type ProxyConfig struct {
	TLSConfig      *tls.Config // the [*tls.Config] to use with proxy, if nil, *[CoreDialer.TLSConfig] will be used
	ResolveLocally bool
	ResolveConfig  *ResolveConfig // overrides the resolver config for dialer for proxy
}

func (c *ProxyConfig) Clone() *ProxyConfig {
	if c == nil {
		return nil
	}
	return &ProxyConfig{
		TLSConfig:      c.TLSConfig.Clone(),
		ResolveLocally: c.ResolveLocally,
		ResolveConfig:  c.ResolveConfig.Clone(),
	}
}

var (
	h1Transport = transport.HTTP1{DisableCompression: true}
)

var noDeadline time.Time

var proxySchemes = map[string]string{
	"http": "80", "https": "443",
}

// StaticProxy tunnels every connection through proxy.
func StaticProxy(proxy string) func(context.Context, netpool.Key) (string, error) {
	return func(context.Context, netpool.Key) (string, error) { return proxy, nil }
}

// ProxyFromEnvironment picks the proxy from HTTP_PROXY, HTTPS_PROXY and
// NO_PROXY the way net/http does.
func ProxyFromEnvironment() func(context.Context, netpool.Key) (string, error) {
	pick := httpproxy.FromEnvironment().ProxyFunc()
	return func(_ context.Context, key netpool.Key) (string, error) {
		u := &url.URL{Scheme: "http", Host: key.Addr()}
		if key.Secure {
			u.Scheme = "https"
		}
		p, err := pick(u)
		if err != nil || p == nil {
			return "", err
		}
		return p.String(), nil
	}
}

func (d *CoreDialer) tryDialProxy(ctx context.Context, key netpool.Key) (net.Conn, error) {
	if d.GetProxy != nil {
		proxy, perr := d.GetProxy(ctx, key)
		if perr != nil {
			return nil, perr
		}
		if proxy != "" {
			proxyU, perr := url.Parse(proxy)
			if perr != nil {
				return nil, perr
			}
			return d.DialContextOverProxy(ctx, key, proxyU)
		}
	}
	return nil, nil
}

// DialContextOverProxy opens a CONNECT tunnel to key through an http or
// https proxy. The TLS session with the remote, if any, is left to the
// caller. This part of logic may be reused when wrapping *[CoreDialer] into
// a new custom [Dialer]
func (d *CoreDialer) DialContextOverProxy(ctx context.Context, key netpool.Key, proxy *url.URL) (net.Conn, error) {
	port, ok := proxySchemes[proxy.Scheme]
	if !ok { // TODO: socks5 through golang.org/x/net/proxy
		return nil, errors.New("asks: unsupported proxy scheme: " + proxy.Scheme)
	}
	hp := proxy.Host
	if proxy.Port() == "" {
		hp = net.JoinHostPort(proxy.Hostname(), port)
	}
	cfg := d.ProxyConfig
	if cfg == nil {
		cfg = &ProxyConfig{}
	}

	conn, err := d.netDialer(d.ResolveConfig).DialContext(ctx, "tcp", hp)
	if err != nil {
		return nil, err
	}
	if proxy.Scheme == "https" {
		tlsCfg := cfg.TLSConfig
		if tlsCfg == nil {
			tlsCfg = d.TLSConfig
		}
		if conn, err = d.handshake(ctx, conn, proxy.Hostname(), tlsCfg); err != nil {
			return nil, err
		}
	}

	addr := key.Host
	if cfg.ResolveLocally {
		dnsCfg := cfg.ResolveConfig.Merge(d.ResolveConfig)
		ips, err := d.lookup(ctx, dnsCfg, addr)
		if err != nil {
			conn.Close()
			return nil, err
		}
		if len(ips) == 0 {
			conn.Close()
			return nil, &net.DNSError{Err: "no such host", Name: addr, IsNotFound: true}
		}
		addr = ips[rand.Intn(len(ips))].String()
	}
	target := net.JoinHostPort(addr, key.Port)

	connReq := &model.PreparedRequest{
		Request:    &model.Request{},
		Method:     "CONNECT",
		HeaderHost: target,
		U:          &url.URL{Opaque: target},
		Header:     http.Header{},
		GetBody:    func() (io.ReadCloser, error) { return http.NoBody, nil },
	}
	if u := proxy.User; u != nil {
		pass, _ := u.Password()
		auth := u.Username() + ":" + pass
		connReq.Header.Set("Proxy-Authorization", "Basic "+base64.StdEncoding.EncodeToString([]byte(auth)))
	}
	if dl, ok := ctx.Deadline(); ok {
		conn.SetDeadline(dl)
		defer conn.SetDeadline(noDeadline)
	}
	if err := h1Transport.WriteRequest(bufio.NewWriter(conn), connReq); err != nil {
		conn.Close()
		return nil, err
	}
	br := bufio.NewReader(conn)
	resp, err := h1Transport.ReadResponse(br, connReq)
	if err != nil {
		conn.Close()
		return nil, err
	}
	if resp.StatusCode/100 != 2 {
		s, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		conn.Close()
		return nil, fmt.Errorf("asks: proxy server returned error. status:%d, body:%s", resp.StatusCode, string(s))
	}
	if br.Buffered() > 0 {
		conn.Close()
		return nil, errors.New("asks: proxy sent data before the tunnel was used")
	}
	d.logger().Debug("tunnel established", zap.String("proxy", proxy.Redacted()), zap.String("target", target))
	return conn, nil
}
