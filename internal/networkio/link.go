package networkio

import (
	"net"
	"time"
)

// connLink adapts a net.Conn (TCP or UDP) to model.LinkInterface. It is
// constructed by the two exported helpers below rather than directly;
// IsReliable is fixed by which helper is called, not read from the conn.
type connLink struct {
	conn       *closeOnceConn
	mtu        int
	isReliable bool
}

// NewTCPLink wraps a TCP net.Conn as a reliable, stream-oriented link.
func NewTCPLink(conn net.Conn, mtu int) *connLink {
	return &connLink{conn: newCloseOnceConn(conn), mtu: mtu, isReliable: true}
}

// NewUDPLink wraps a UDP net.Conn as an unreliable, datagram-oriented link.
func NewUDPLink(conn net.Conn, mtu int) *connLink {
	return &connLink{conn: newCloseOnceConn(conn), mtu: mtu, isReliable: false}
}

func (l *connLink) RemoteAddr() net.Addr { return l.conn.RemoteAddr() }
func (l *connLink) MTU() int             { return l.mtu }
func (l *connLink) IsReliable() bool     { return l.isReliable }

func (l *connLink) ReadPacket() ([]byte, error) {
	return ReadPacket(l.conn)
}

func (l *connLink) WritePacket(b []byte) (int, error) {
	return WritePacket(l.conn, b)
}

func (l *connLink) SetDeadline(t time.Time) error      { return l.conn.SetDeadline(t) }
func (l *connLink) SetReadDeadline(t time.Time) error  { return l.conn.SetReadDeadline(t) }
func (l *connLink) SetWriteDeadline(t time.Time) error { return l.conn.SetWriteDeadline(t) }
func (l *connLink) Close() error                       { return l.conn.Close() }
