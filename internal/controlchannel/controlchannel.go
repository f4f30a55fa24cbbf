// Package controlchannel implements the reliability layer that rides under
// the OpenVPN control channel: a sliding send window with retransmission, a
// packet-id-ordered inbound reassembly buffer, ack piggybacking, and the
// optional tls-auth/tls-crypt wrap of every control packet.
package controlchannel

import (
	"sort"
	"sync"
	"time"

	"github.com/pia-foss/tunnelkit-go/internal/model"
	"github.com/pia-foss/tunnelkit-go/internal/session"
)

// DefaultRetransmissionLimit is the default interval after which an unacked
// outbound control packet is retransmitted.
const DefaultRetransmissionLimit = 2 * time.Second

// maxPiggybackACKs is the most ack ids a single control packet can carry,
// bounded by the one-byte ack count field.
const maxPiggybackACKs = 255

// outboundItem is one control packet awaiting acknowledgement.
type outboundItem struct {
	packet   *model.Packet
	lastSent time.Time
}

// ReliableLayer is the control-channel reliability layer for one
// negotiation key. The zero value is not usable; construct with
// [NewReliableLayer].
type ReliableLayer struct {
	mu sync.Mutex

	logger  model.Logger
	session *session.Manager

	retransmitEvery time.Duration
	isReliableLink  bool

	outbound []*outboundItem

	pendingACKs []model.PacketID

	inbound       map[model.PacketID]*model.Packet
	nextInboundID model.PacketID

	wrap *wrapState
}

// NewReliableLayer builds a ReliableLayer. tlsWrap may be nil to disable
// tls-auth/tls-crypt. isReliableLink disables retransmission timers: a
// TCP-like link already guarantees delivery.
func NewReliableLayer(
	logger model.Logger,
	sessionManager *session.Manager,
	tlsWrap *model.TLSWrap,
	retransmitEvery time.Duration,
	isReliableLink bool,
) (*ReliableLayer, error) {
	if retransmitEvery <= 0 {
		retransmitEvery = DefaultRetransmissionLimit
	}
	w, err := newWrapState(tlsWrap)
	if err != nil {
		return nil, err
	}
	return &ReliableLayer{
		logger:          logger,
		session:         sessionManager,
		retransmitEvery: retransmitEvery,
		isReliableLink:  isReliableLink,
		inbound:         make(map[model.PacketID]*model.Packet),
		wrap:            w,
	}, nil
}

// EnqueueOutbound splits payload into mtu-fitting control packets and
// queues them for transmission, each with its own sequentially assigned
// packet id.
func (r *ReliableLayer) EnqueueOutbound(opcode model.Opcode, payload []byte, mtu int) error {
	defer r.mu.Unlock()
	r.mu.Lock()

	const headerOverhead = 1 + 8 + 1 + 8 + 4 // opcode/keyid, session id, ack count, ack session id, packet id
	chunkSize := mtu - headerOverhead
	if chunkSize <= 0 {
		return ErrNoOutboundCapacity
	}

	if len(payload) == 0 {
		pkt, err := r.session.NewPacket(opcode, nil)
		if err != nil {
			return err
		}
		r.outbound = append(r.outbound, &outboundItem{packet: pkt})
		return nil
	}

	for off := 0; off < len(payload); off += chunkSize {
		end := off + chunkSize
		if end > len(payload) {
			end = len(payload)
		}
		pkt, err := r.session.NewPacket(opcode, payload[off:end])
		if err != nil {
			return err
		}
		r.outbound = append(r.outbound, &outboundItem{packet: pkt})
	}
	return nil
}

// EnqueueRawOutbound queues a pre-built control packet for transmission and
// retransmission, bypassing EnqueueOutbound's mtu chunking and the session
// manager's current-key stamping. Used for hard-reset packets (whose id
// must stay 0 across every retransmit) and for a renegotiation's initial
// SoftResetV1 announcement, which must carry the negotiating key id rather
// than the currently active one.
func (r *ReliableLayer) EnqueueRawOutbound(pkt *model.Packet) {
	defer r.mu.Unlock()
	r.mu.Lock()
	r.outbound = append(r.outbound, &outboundItem{packet: pkt})
}

// EnqueueOutboundKeyed is EnqueueOutbound for a key id other than the
// session's currently active one: every chunk is built via
// session.Manager.NewPacketWithKeyID instead of NewPacket.
func (r *ReliableLayer) EnqueueOutboundKeyed(keyID uint8, opcode model.Opcode, payload []byte, mtu int) error {
	defer r.mu.Unlock()
	r.mu.Lock()

	const headerOverhead = 1 + 8 + 1 + 8 + 4
	chunkSize := mtu - headerOverhead
	if chunkSize <= 0 {
		return ErrNoOutboundCapacity
	}

	if len(payload) == 0 {
		pkt, err := r.session.NewPacketWithKeyID(opcode, keyID, nil)
		if err != nil {
			return err
		}
		r.outbound = append(r.outbound, &outboundItem{packet: pkt})
		return nil
	}

	for off := 0; off < len(payload); off += chunkSize {
		end := off + chunkSize
		if end > len(payload) {
			end = len(payload)
		}
		pkt, err := r.session.NewPacketWithKeyID(opcode, keyID, payload[off:end])
		if err != nil {
			return err
		}
		r.outbound = append(r.outbound, &outboundItem{packet: pkt})
	}
	return nil
}

// WriteOutbound serializes everything ready to go, in ascending packet-id
// order: any control packet never sent or due for retransmission, with
// pending acks piggybacked onto the first one going out. When acks are
// pending but no control packet is due, a standalone ack packet goes out
// first instead. On a reliable link (TCP), only never-sent packets are
// written: the link itself guarantees delivery, so there is nothing to
// retransmit.
func (r *ReliableLayer) WriteOutbound(now time.Time) ([][]byte, error) {
	defer r.mu.Unlock()
	r.mu.Lock()

	var out [][]byte

	sort.Slice(r.outbound, func(i, j int) bool {
		return r.outbound[i].packet.ID < r.outbound[j].packet.ID
	})

	var due []*outboundItem
	for _, item := range r.outbound {
		if item.lastSent.IsZero() || (!r.isReliableLink && now.Sub(item.lastSent) >= r.retransmitEvery) {
			due = append(due, item)
		}
	}

	if len(r.pendingACKs) > 0 {
		ids := r.ackIDsLocked()
		var overflow []model.PacketID
		if len(ids) > maxPiggybackACKs {
			ids, overflow = ids[:maxPiggybackACKs], ids[maxPiggybackACKs:]
		}
		// A hard reset must stay bit-identical across retransmits, so it
		// never carries piggybacked acks.
		if len(due) > 0 && !due[0].packet.IsHardReset() {
			due[0].packet.ACKs = ids
		} else {
			ackPkt, err := r.session.NewACKForPacketIDs(ids)
			if err == nil {
				raw, err := r.serializeLocked(ackPkt, now)
				if err == nil {
					out = append(out, raw)
				}
			}
		}
		r.pendingACKs = overflow
	}

	for _, item := range due {
		raw, err := r.serializeLocked(item.packet, now)
		if err != nil {
			return out, err
		}
		out = append(out, raw)
		item.lastSent = now
	}
	return out, nil
}

func (r *ReliableLayer) serializeLocked(pkt *model.Packet, now time.Time) ([]byte, error) {
	raw := pkt.Bytes()
	if r.wrap == nil {
		return raw, nil
	}
	return r.wrap.wrap(raw, uint32(now.Unix()))
}

func (r *ReliableLayer) ackIDsLocked() []model.PacketID {
	ids := append([]model.PacketID{}, r.pendingACKs...)
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// ReadInbound unwraps (if a tls-wrap is configured) and parses one raw
// wire packet into a model.Packet.
func (r *ReliableLayer) ReadInbound(buf []byte) (*model.Packet, error) {
	raw := buf
	if r.wrap != nil {
		var err error
		raw, err = r.wrap.unwrap(buf)
		if err != nil {
			return nil, err
		}
	}
	return model.ParsePacket(raw)
}

// AckOutbound removes every outbound packet whose id is in ids from the
// retransmission set.
func (r *ReliableLayer) AckOutbound(ids []model.PacketID) {
	defer r.mu.Unlock()
	r.mu.Lock()
	if len(ids) == 0 {
		return
	}
	acked := make(map[model.PacketID]bool, len(ids))
	for _, id := range ids {
		acked[id] = true
	}
	kept := r.outbound[:0]
	for _, item := range r.outbound {
		if !acked[item.packet.ID] {
			kept = append(kept, item)
		}
	}
	r.outbound = kept
}

// EnqueueInbound buffers an inbound control packet by packet id and
// returns the contiguous in-order prefix that becomes newly deliverable.
// Every buffered (non-ack) packet id is also queued to be acked on the
// next WriteOutbound call.
func (r *ReliableLayer) EnqueueInbound(pkt *model.Packet) []*model.Packet {
	defer r.mu.Unlock()
	r.mu.Lock()

	if pkt.IsACK() {
		// Acks carry no packet id of their own to reassemble; the caller
		// is expected to route pkt.ACKs into AckOutbound separately.
		return nil
	}

	if pkt.ID < r.nextInboundID {
		// Duplicate of something already delivered: ack it again (the
		// server may have missed our first ack) but don't redeliver.
		r.pendingACKs = append(r.pendingACKs, pkt.ID)
		return nil
	}
	if _, dup := r.inbound[pkt.ID]; dup {
		r.pendingACKs = append(r.pendingACKs, pkt.ID)
		return nil
	}

	r.inbound[pkt.ID] = pkt
	r.pendingACKs = append(r.pendingACKs, pkt.ID)

	var deliverable []*model.Packet
	for {
		next, ok := r.inbound[r.nextInboundID]
		if !ok {
			break
		}
		deliverable = append(deliverable, next)
		delete(r.inbound, r.nextInboundID)
		r.nextInboundID++
	}
	return deliverable
}

// HasPendingOutbound reports whether any control packet is still awaiting
// an ack. The session engine uses this on reliable links to gate
// push-request retries until the ack queue has drained.
func (r *ReliableLayer) HasPendingOutbound() bool {
	defer r.mu.Unlock()
	r.mu.Lock()
	return len(r.outbound) > 0
}

// HasPendingACKs reports whether any inbound packet id is waiting to be
// acked on the next WriteOutbound call.
func (r *ReliableLayer) HasPendingACKs() bool {
	defer r.mu.Unlock()
	r.mu.Lock()
	return len(r.pendingACKs) > 0
}
