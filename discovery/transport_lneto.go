//go:build tinygo

package discovery

import "github.com/soypat/lneto/udp"

// LnetoPacketConn adapts a *udp.Conn to the PacketConn interface. Its shape
// mirrors the *tcp.Conn usage this codebase's TCP paths already depend on
// (configure once against a stack-owned listener, then Read/Write in a
// poll loop); lneto's UDP socket exposes the same read/write-with-address
// primitives as the stdlib's net.PacketConn, just addressed by the
// stack's own address representation instead of net.Addr.
type LnetoPacketConn struct {
	c *udp.Conn
}

// NewLnetoPacketConn wraps an already-bound *udp.Conn listening on
// discovery.Port.
func NewLnetoPacketConn(c *udp.Conn) *LnetoPacketConn { return &LnetoPacketConn{c: c} }

func (l *LnetoPacketConn) ReadFrom(buf []byte) (int, []byte, error) {
	n, addr, err := l.c.ReadFrom(buf)
	if err != nil {
		return n, nil, err
	}
	return n, addr.AppendTo(nil), nil
}

func (l *LnetoPacketConn) WriteTo(buf []byte, addr []byte) (int, error) {
	var a udp.Addr
	if err := a.UnmarshalBinary(addr); err != nil {
		return 0, err
	}
	return l.c.WriteTo(buf, a)
}
