package networkio

import (
	"net"
	"time"

	"github.com/pia-foss/tunnelkit-go/internal/model"
)

var (
	_ model.LinkInterface = &connLink{}
	_ model.LinkInterface = &Pipe{}
)

// Pipe is an in-memory model.LinkInterface backed by net.Pipe, used by
// tests that need a deterministic, lossless link without a real socket.
type Pipe struct {
	conn net.Conn
	mtu  int
}

// NewPipe returns two connected Pipes, analogous to net.Pipe.
func NewPipe(mtu int) (*Pipe, *Pipe) {
	a, b := net.Pipe()
	return &Pipe{conn: a, mtu: mtu}, &Pipe{conn: b, mtu: mtu}
}

func (p *Pipe) RemoteAddr() net.Addr { return p.conn.RemoteAddr() }
func (p *Pipe) MTU() int             { return p.mtu }
func (p *Pipe) IsReliable() bool     { return true }

func (p *Pipe) ReadPacket() ([]byte, error) {
	buf := make([]byte, maxUDPDatagram)
	n, err := p.conn.Read(buf)
	if err != nil {
		return nil, err
	}
	return buf[:n], nil
}

func (p *Pipe) WritePacket(b []byte) (int, error) {
	return p.conn.Write(b)
}

func (p *Pipe) SetDeadline(t time.Time) error      { return p.conn.SetDeadline(t) }
func (p *Pipe) SetReadDeadline(t time.Time) error  { return p.conn.SetReadDeadline(t) }
func (p *Pipe) SetWriteDeadline(t time.Time) error { return p.conn.SetWriteDeadline(t) }
func (p *Pipe) Close() error                       { return p.conn.Close() }
