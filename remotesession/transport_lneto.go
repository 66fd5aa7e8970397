//go:build tinygo

package remotesession

import "github.com/soypat/lneto/tcp"

// LnetoConn adapts a *tcp.Conn to the Conn interface.
// Read/Write/Flush/Close/Abort already match its method set, so this
// adapter is a thin pass-through kept only so the session state machine
// never imports lneto directly and stays testable on the host.
type LnetoConn struct {
	c *tcp.Conn
}

// NewLnetoConn wraps an already-accepted *tcp.Conn.
func NewLnetoConn(c *tcp.Conn) *LnetoConn { return &LnetoConn{c: c} }

func (l *LnetoConn) Read(buf []byte) (int, error)  { return l.c.Read(buf) }
func (l *LnetoConn) Write(buf []byte) (int, error) { return l.c.Write(buf) }
func (l *LnetoConn) Flush() error                  { return l.c.Flush() }
func (l *LnetoConn) Close() error                  { return l.c.Close() }
func (l *LnetoConn) Abort()                        { l.c.Abort() }
