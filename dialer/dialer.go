package dialer

import (
	"github.com/frankli0324/asks/internal/dialer"
)

// Dialers are responsible for creating the byte streams requests are
// written to, for example a raw TCP connection or a TLS session tunneled
// through a proxy.
//
// A Dialer MUST NOT hold connection state: connections belong to the
// session's pools, so a Dialer can be swapped out of a [asks.Session]
// with UseDialer at any time. It SHOULD hold the connection related
// configs like [ProxyConfig] or *[crypto/tls.Config].
type Dialer = dialer.Dialer

// DialerFunc adapts a function to [Dialer].
type DialerFunc = dialer.DialerFunc

// CoreDialer is the default implementation of the [Dialer] interface,
// built by a session from its dial settings.
type CoreDialer = dialer.CoreDialer

type ProxyConfig = dialer.ProxyConfig

// ResolveConfig customizes name resolution: a dedicated DNS server, the
// address family and static host entries. The standard library only
// follows the system configuration, so a custom server is reached through
// the [net.Resolver.Dial] hook of a Go resolver.
type ResolveConfig = dialer.ResolveConfig

var (
	// StaticProxy routes every connection through proxy.
	StaticProxy = dialer.StaticProxy
	// ProxyFromEnvironment honors HTTP_PROXY, HTTPS_PROXY and NO_PROXY.
	ProxyFromEnvironment = dialer.ProxyFromEnvironment
)
