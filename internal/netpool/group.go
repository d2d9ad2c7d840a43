package netpool

import (
	"fmt"
	"net"
	"net/url"
	"strings"
	"sync"

	"golang.org/x/net/idna"

	"github.com/frankli0324/asks/internal/model"
)

// Key identifies the connections that may be shared: same host, port and
// secure flag.
type Key struct {
	Host   string
	Port   string
	Secure bool
}

var schemes = map[string]string{
	"http": "80", "https": "443",
}

// KeyOf returns the host key of an absolute http or https URL. The host is
// lower cased and converted to its ASCII form.
func KeyOf(u *url.URL) (Key, error) {
	port, ok := schemes[u.Scheme]
	if !ok {
		return Key{}, fmt.Errorf("asks: unsupported protocol scheme %q", u.Scheme)
	}
	if p := u.Port(); p != "" {
		port = p
	}
	host := u.Hostname()
	if host == "" {
		return Key{}, url.InvalidHostError(u.Host)
	}
	if net.ParseIP(host) == nil && !isASCII(host) {
		h, err := idna.Lookup.ToASCII(host)
		if err != nil {
			return Key{}, err
		}
		host = h
	}
	return Key{Host: strings.ToLower(host), Port: port, Secure: u.Scheme == "https"}, nil
}

func isASCII(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] >= 0x80 {
			return false
		}
	}
	return true
}

// Addr is the host:port to dial.
func (k Key) Addr() string { return net.JoinHostPort(k.Host, k.Port) }

func (k Key) String() string {
	if k.Secure {
		return "https://" + k.Addr()
	}
	return "http://" + k.Addr()
}

// Group lazily creates one Pool per Key, all sharing the same Options.
type Group struct {
	sync.RWMutex
	pools  map[Key]*Pool
	opts   Options
	closed bool
}

func NewGroup(opts Options) *Group {
	return &Group{pools: map[Key]*Pool{}, opts: opts}
}

// Get returns the pool of key, creating it on first use.
func (g *Group) Get(key Key) (*Pool, error) {
	g.RLock()
	p, ok := g.pools[key]
	closed := g.closed
	g.RUnlock()
	if closed {
		return nil, model.ErrPoolClosed
	}
	if ok {
		return p, nil
	}
	g.Lock()
	defer g.Unlock()
	if g.closed {
		return nil, model.ErrPoolClosed
	}
	if p, ok = g.pools[key]; !ok {
		p = NewPool(key, g.opts)
		g.pools[key] = p
	}
	return p, nil
}

func (g *Group) Stats() map[Key]Stats {
	g.RLock()
	defer g.RUnlock()
	s := make(map[Key]Stats, len(g.pools))
	for k, p := range g.pools {
		s[k] = p.Stats()
	}
	return s
}

func (g *Group) CloseIdle() {
	g.RLock()
	defer g.RUnlock()
	for _, p := range g.pools {
		p.CloseIdle()
	}
}

// Close closes every pool; Get fails with ErrPoolClosed afterwards.
func (g *Group) Close() {
	g.Lock()
	g.closed = true
	pools := g.pools
	g.Unlock()
	for _, p := range pools {
		p.Close()
	}
}
