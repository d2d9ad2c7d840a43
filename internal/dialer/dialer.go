package dialer

import (
	"context"
	"crypto/tls"
	"net"
	"time"

	"go.uber.org/zap"

	"github.com/frankli0324/asks/internal/netpool"
)

// Dialers are responsible for creating the byte streams requests are
// written to, e.g. a raw TCP connection or a TLS session over a proxy
// tunnel. A Dialer holds configuration only, never connection state, so it
// can be swapped out of a session at any time.
type Dialer interface {
	Dial(ctx context.Context, key netpool.Key) (net.Conn, error)
}

// DialerFunc adapts a function to the Dialer interface.
type DialerFunc func(ctx context.Context, key netpool.Key) (net.Conn, error)

func (f DialerFunc) Dial(ctx context.Context, key netpool.Key) (net.Conn, error) { return f(ctx, key) }

type CoreDialer struct {
	ResolveConfig *ResolveConfig

	TLSConfig *tls.Config // the config to use
	Timeout   time.Duration

	// GetProxy returns the proxy URL for key, an empty string dials
	// directly.
	GetProxy    func(ctx context.Context, key netpool.Key) (string, error)
	ProxyConfig *ProxyConfig

	Logger *zap.Logger
}

func (d *CoreDialer) Clone() *CoreDialer {
	return &CoreDialer{
		ResolveConfig: d.ResolveConfig.Clone(),
		TLSConfig:     d.TLSConfig.Clone(),
		Timeout:       d.Timeout,
		GetProxy:      d.GetProxy,
		ProxyConfig:   d.ProxyConfig.Clone(),
		Logger:        d.Logger,
	}
}

func (d *CoreDialer) logger() *zap.Logger {
	if d.Logger == nil {
		return zap.NewNop()
	}
	return d.Logger
}

func (d *CoreDialer) netDialer(cfg *ResolveConfig) *net.Dialer {
	nd := &net.Dialer{Timeout: d.Timeout, KeepAlive: 30 * time.Second}
	if cfg != nil && cfg.CustomDNSServer != "" {
		nd.Resolver = &customServerResolver
	}
	return nd
}

func (d *CoreDialer) Dial(ctx context.Context, key netpool.Key) (net.Conn, error) {
	conn, err := d.tryDialProxy(ctx, key)
	if err != nil {
		return nil, err
	}
	if conn == nil {
		// as of now net.Dialer could handle current DNS configurations
		network, dialctx, dst := "tcp", ctx, key.Addr()
		cfg := d.ResolveConfig
		if cfg != nil {
			switch cfg.Network {
			case "ip4":
				network = "tcp4"
			case "ip6":
				network = "tcp6"
			}
			if static, ok := cfg.StaticHosts[key.Host]; ok {
				dst = net.JoinHostPort(static, key.Port)
			}
			if dns := cfg.CustomDNSServer; dns != "" {
				dialctx = dnsServerCtx{dialctx, dns}
			}
		}
		if conn, err = d.netDialer(cfg).DialContext(dialctx, network, dst); err != nil {
			return nil, err
		}
		d.logger().Debug("dialed", zap.String("addr", dst), zap.String("network", network))
	}
	if key.Secure {
		return d.handshake(ctx, conn, key.Host, d.TLSConfig)
	}
	return conn, nil
}

func (d *CoreDialer) handshake(ctx context.Context, conn net.Conn, serverName string, cfg *tls.Config) (net.Conn, error) {
	config := cfg.Clone()
	if config == nil {
		config = &tls.Config{}
	}
	if config.ServerName == "" {
		config.ServerName = serverName
	}
	config.NextProtos = []string{"http/1.1"}
	c := tls.Client(conn, config)
	if err := c.HandshakeContext(ctx); err != nil {
		conn.Close()
		return nil, err
	}
	return c, nil
}
