//go:build !tinygo

package discovery

import "net"

// NetPacketConn adapts a standard net.PacketConn to the PacketConn
// interface, for host tests and any non-TinyGo build.
type NetPacketConn struct {
	c net.PacketConn
}

// NewNetPacketConn wraps c.
func NewNetPacketConn(c net.PacketConn) *NetPacketConn { return &NetPacketConn{c: c} }

func (n *NetPacketConn) ReadFrom(buf []byte) (int, []byte, error) {
	nn, addr, err := n.c.ReadFrom(buf)
	if err != nil {
		return nn, nil, err
	}
	return nn, []byte(addr.String()), nil
}

func (n *NetPacketConn) WriteTo(buf []byte, addr []byte) (int, error) {
	udpAddr, err := net.ResolveUDPAddr("udp", string(addr))
	if err != nil {
		return 0, err
	}
	return n.c.WriteTo(buf, udpAddr)
}
