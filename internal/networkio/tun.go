package networkio

import (
	"sync"

	"github.com/pia-foss/tunnelkit-go/internal/model"
)

var _ model.TunnelInterface = &MemoryTun{}

// MemoryTun is an in-memory model.TunnelInterface, used by tests and
// diagnostics that want to observe the decrypted packet flow without a
// platform tun device. Packets the session writes toward the device land
// on Delivered; packets queued with Inject are handed to the session as if
// read from the device.
type MemoryTun struct {
	incoming  chan []byte
	delivered chan []byte

	closeOnce sync.Once
	closed    chan struct{}
}

// NewMemoryTun returns a MemoryTun able to buffer up to capacity packets
// in each direction.
func NewMemoryTun(capacity int) *MemoryTun {
	return &MemoryTun{
		incoming:  make(chan []byte, capacity),
		delivered: make(chan []byte, capacity),
		closed:    make(chan struct{}),
	}
}

// IsPersistent implements model.TunnelInterface. A MemoryTun never
// survives the session that created it.
func (m *MemoryTun) IsPersistent() bool { return false }

// WritePackets implements model.TunnelInterface, preserving intra-batch
// order.
func (m *MemoryTun) WritePackets(packets [][]byte) error {
	for _, pkt := range packets {
		select {
		case m.delivered <- pkt:
		case <-m.closed:
			return ErrTunClosed
		}
	}
	return nil
}

// ReadPacket implements model.TunnelInterface, blocking until a packet has
// been queued with Inject or the tun is closed.
func (m *MemoryTun) ReadPacket() ([]byte, error) {
	select {
	case pkt := <-m.incoming:
		return pkt, nil
	case <-m.closed:
		return nil, ErrTunClosed
	}
}

// Inject queues one packet to be returned by a future ReadPacket call.
func (m *MemoryTun) Inject(pkt []byte) error {
	select {
	case <-m.closed:
		return ErrTunClosed
	default:
	}
	select {
	case m.incoming <- pkt:
		return nil
	case <-m.closed:
		return ErrTunClosed
	}
}

// Delivered returns the channel carrying packets written toward the
// device, in delivery order.
func (m *MemoryTun) Delivered() <-chan []byte { return m.delivered }

// Close implements model.TunnelInterface. Idempotent.
func (m *MemoryTun) Close() error {
	m.closeOnce.Do(func() { close(m.closed) })
	return nil
}
