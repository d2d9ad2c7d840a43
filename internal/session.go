package internal

import (
	"context"
	"crypto/tls"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/frankli0324/asks/internal/config"
	"github.com/frankli0324/asks/internal/dialer"
	"github.com/frankli0324/asks/internal/logging"
	"github.com/frankli0324/asks/internal/metrics"
	"github.com/frankli0324/asks/internal/model"
	"github.com/frankli0324/asks/internal/netpool"
	"github.com/frankli0324/asks/internal/transport"
)

type PreparedRequest = model.PreparedRequest

// Session owns a group of per host connection pools and the defaults every
// request issued through it starts from. It is safe for concurrent use.
//
// The Use* methods configure the session and must be called before the
// first request.
type Session struct {
	cfg     config.Config
	base    *url.URL
	headers http.Header
	retry   *model.RetryPolicy
	codec   *transport.HTTP1

	dialerMu sync.RWMutex
	dialer   dialer.Dialer

	poolsOnce sync.Once
	pools     *netpool.Group

	middlewares []Middleware
	jar         http.CookieJar
	log         *zap.Logger
	metrics     *metrics.Metrics
}

// NewSession validates cfg and builds a session from it. A nil cfg uses
// config.Default.
func NewSession(cfg *config.Config) (*Session, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	s := &Session{
		cfg:     *cfg,
		headers: http.Header{},
		codec:   &transport.HTTP1{DisableCompression: cfg.DisableCompression},
		retry: &model.RetryPolicy{
			Disabled: cfg.Retry.Disabled,
			Methods:  append([]string(nil), cfg.Retry.Methods...),
		},
		jar: newJar(),
		log: logging.NewOrNop(logging.Config{
			Level:       cfg.Logging.Level,
			Development: cfg.Logging.Development,
		}),
	}
	if cfg.BaseURL != "" {
		u, err := url.Parse(cfg.BaseURL)
		if err != nil {
			return nil, err
		}
		s.base = u
	}
	for k, v := range cfg.Headers {
		s.headers.Set(k, v)
	}
	s.dialer = s.coreDialer()
	if cfg.RateLimit.RequestsPerSecond > 0 {
		burst := cfg.RateLimit.Burst
		if burst < 1 {
			burst = 1
		}
		s.Use(RateLimit(rate.NewLimiter(rate.Limit(cfg.RateLimit.RequestsPerSecond), burst)))
	}
	return s, nil
}

func (s *Session) coreDialer() *dialer.CoreDialer {
	d := s.cfg.Dial
	cd := &dialer.CoreDialer{
		ResolveConfig: &dialer.ResolveConfig{
			CustomDNSServer: d.DNSServer,
			Network:         d.Network,
			StaticHosts:     d.StaticHosts,
		},
		TLSConfig: &tls.Config{InsecureSkipVerify: d.InsecureSkipVerify},
		Timeout:   d.Timeout,
		Logger:    s.log,
	}
	switch {
	case d.Proxy != "":
		cd.GetProxy = dialer.StaticProxy(d.Proxy)
	case d.ProxyFromEnv:
		cd.GetProxy = dialer.ProxyFromEnvironment()
	}
	return cd
}

// Config returns a copy of the settings the session was built from.
func (s *Session) Config() config.Config { return s.cfg }

// Header returns the default headers sent with every request. The map may
// be modified before the first request.
func (s *Session) Header() http.Header { return s.headers }

// UseDialer replaces the dialer with the one returned by wrap, which
// receives the current dialer. Only connections dialed afterwards are
// affected.
func (s *Session) UseDialer(wrap func(dialer.Dialer) dialer.Dialer) {
	s.dialerMu.Lock()
	defer s.dialerMu.Unlock()
	s.dialer = wrap(s.dialer)
}

func (s *Session) dial(ctx context.Context, key netpool.Key) (net.Conn, error) {
	s.dialerMu.RLock()
	d := s.dialer
	s.dialerMu.RUnlock()
	return d.Dial(ctx, key)
}

func (s *Session) UseLogger(log *zap.Logger) {
	if log == nil {
		log = zap.NewNop()
	}
	s.log = log
	s.UseDialer(func(d dialer.Dialer) dialer.Dialer {
		if cd, ok := d.(*dialer.CoreDialer); ok {
			cd = cd.Clone()
			cd.Logger = log
			return cd
		}
		return d
	})
}

func (s *Session) UseMetrics(m *metrics.Metrics) { s.metrics = m }

// UseJar replaces the cookie jar, nil disables cookie persistence.
func (s *Session) UseJar(jar http.CookieJar) { s.jar = jar }

// Use appends mws to the end of the chain. The last Use'd middleware
// executes first.
func (s *Session) Use(mws ...Middleware) {
	s.middlewares = append(s.middlewares, mws...)
}

func (s *Session) group() *netpool.Group {
	s.poolsOnce.Do(func() {
		s.pools = netpool.NewGroup(netpool.Options{
			MaxConns:    s.cfg.Pool.MaxConnsPerHost,
			MaxIdle:     s.cfg.Pool.MaxIdlePerHost,
			IdleTimeout: s.cfg.Pool.IdleTimeout,
			PoolTimeout: s.cfg.Pool.WaitTimeout,
			Dial:        s.dial,
			Logger:      s.log,
			Metrics:     s.metrics,
		})
	})
	return s.pools
}

// Stats returns a snapshot of every pool the session created so far.
func (s *Session) Stats() map[netpool.Key]netpool.Stats { return s.group().Stats() }

// CloseIdleConnections closes all idle connections, in-use connections
// are left alone.
func (s *Session) CloseIdleConnections() { s.group().CloseIdle() }

// Close closes every pool. Requests issued afterwards fail with
// model.ErrPoolClosed.
func (s *Session) Close() error {
	s.group().Close()
	return nil
}

func urlErrorOp(method string) string {
	if method == "" {
		return "Get"
	}
	return method[:1] + strings.ToLower(method[1:])
}

func urlErrorWrap(method, u string, err error) error {
	if _, ok := err.(*url.Error); ok {
		return err
	}
	return &url.Error{Op: urlErrorOp(method), URL: u, Err: err}
}
