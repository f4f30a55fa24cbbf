package model

import (
	"net"
	"time"
)

// LinkInterface is the capability set the session consumes for the
// underlying wire transport. Implementations exist for TCP,
// UDP, and an in-memory pipe used by tests (see internal/networkio).
type LinkInterface interface {
	// RemoteAddr returns the address of the remote peer.
	RemoteAddr() net.Addr

	// MTU returns the MTU of the underlying link.
	MTU() int

	// IsReliable reports whether this link already guarantees ordered,
	// duplicate-free, lossless delivery (e.g. TCP). When true, the
	// reliability layer disables its own retransmission timers and changes
	// push-request retry gating to "only when no acks pending".
	IsReliable() bool

	// ReadPacket reads the next raw packet off the link.
	ReadPacket() ([]byte, error)

	// WritePacket writes a raw packet to the link.
	WritePacket(b []byte) (int, error)

	SetDeadline(time.Time) error
	SetReadDeadline(time.Time) error
	SetWriteDeadline(time.Time) error

	Close() error
}

// TunnelInterface is the capability set the session consumes for the local
// tunnel device.
type TunnelInterface interface {
	// IsPersistent reports whether the tunnel device survives a session
	// restart (platform tun/tap devices usually do; test fakes usually
	// don't).
	IsPersistent() bool

	// WritePackets delivers one batch of decrypted IP packets to the
	// tunnel, preserving intra-batch order.
	WritePackets(packets [][]byte) error

	// ReadPacket reads one IP packet coming from the local tunnel device,
	// to be encrypted and sent out over the data channel.
	ReadPacket() ([]byte, error)

	Close() error
}
