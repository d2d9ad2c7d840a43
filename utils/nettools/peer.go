// Package nettools holds socket level helpers that net does not expose.
package nettools

import (
	"net"
	"syscall"
)

// PeerClosed reports whether an idle connection is unusable: the peer
// closed it, reset it, or sent bytes nobody asked for. It never blocks.
// Connections without a file descriptor (e.g. net.Pipe) report false.
func PeerClosed(c net.Conn) bool {
	rc := rawConn(c)
	if rc == nil {
		return false
	}
	closed := false
	// errors only happen before the control action runs, in which case the
	// descriptor is already gone
	if err := rc.Control(func(fd uintptr) { closed = readable(int(fd)) }); err != nil {
		return true
	}
	return closed
}

func rawConn(raw net.Conn) syscall.RawConn {
	if t, ok := raw.(interface{ NetConn() net.Conn }); ok {
		// is *tls.Conn
		raw = t.NetConn()
	}
	if c, ok := raw.(syscall.Conn); ok {
		if c, err := c.SyscallConn(); err == nil {
			return c
		}
	}
	return nil
}
