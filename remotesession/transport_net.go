//go:build !tinygo

package remotesession

import "net"

// NetConn adapts a standard net.Conn to the Conn interface, for host tests,
// the cmd/wifictl client, and any non-TinyGo build of the server side.
type NetConn struct {
	c net.Conn
}

// NewNetConn wraps c.
func NewNetConn(c net.Conn) *NetConn { return &NetConn{c: c} }

func (n *NetConn) Read(buf []byte) (int, error)  { return n.c.Read(buf) }
func (n *NetConn) Write(buf []byte) (int, error) { return n.c.Write(buf) }

// Flush is a no-op: net.Conn has no internal write buffering to flush.
func (n *NetConn) Flush() error { return nil }

func (n *NetConn) Close() error { return n.c.Close() }

// Abort forcibly tears down the connection without a graceful TCP close,
// matching the semantics lneto's tcp.Conn.Abort has on device.
func (n *NetConn) Abort() {
	if tc, ok := n.c.(*net.TCPConn); ok {
		tc.SetLinger(0)
	}
	n.c.Close()
}
