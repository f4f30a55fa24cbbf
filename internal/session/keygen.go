package session

import (
	"fmt"

	"github.com/pia-foss/tunnelkit-go/internal/optional"
)

// NumberOfKeys is the size of the key-id space: a 3-bit generation counter
// threaded through every control and data packet.
const NumberOfKeys = 8

// StartNegotiation allocates a new key id for a soft renegotiation and
// creates its (empty, not-yet-ready) DataChannelKey slot. Key id 0 is
// reserved for the initial hard reset, so the id space wraps starting at
// 1. It is an error to start a new negotiation while one is already
// pending.
func (m *Manager) StartNegotiation() (uint8, error) {
	defer m.mu.Unlock()
	m.mu.Lock()
	if !m.negotiatingKeyID.IsNone() {
		return 0, fmt.Errorf("%w: %s", errDataChannelKey, "a renegotiation is already in progress")
	}
	next := uint8((int(m.keyID) + 1) % NumberOfKeys)
	if next == 0 {
		next = 1
	}
	for int(next) >= len(m.keys) {
		m.keys = append(m.keys, &DataChannelKey{})
	}
	m.keys[next] = &DataChannelKey{}
	m.negotiatingKeyID = optional.Some(next)
	return next, nil
}

// NegotiatingKey returns the DataChannelKey for the in-progress
// renegotiation, if any.
func (m *Manager) NegotiatingKey() (*DataChannelKey, bool) {
	defer m.mu.Unlock()
	m.mu.Lock()
	if m.negotiatingKeyID.IsNone() {
		return nil, false
	}
	return m.keys[m.negotiatingKeyID.Unwrap()], true
}

// NegotiatingKeyID returns the key id of the in-progress renegotiation, if
// any.
func (m *Manager) NegotiatingKeyID() (uint8, bool) {
	defer m.mu.Unlock()
	m.mu.Lock()
	if m.negotiatingKeyID.IsNone() {
		return 0, false
	}
	return m.negotiatingKeyID.Unwrap(), true
}

// PromoteNegotiatingToCurrent completes a renegotiation: the previously
// current key becomes the single retained "old" key (dropping whatever old
// key existed before, per the one-slot invariant), and the negotiating key
// becomes current.
func (m *Manager) PromoteNegotiatingToCurrent() error {
	defer m.mu.Unlock()
	m.mu.Lock()
	if m.negotiatingKeyID.IsNone() {
		return fmt.Errorf("%w: %s", errDataChannelKey, "no renegotiation in progress")
	}
	m.logger.Infof("[@] promoting key %d to current (was %d)", m.negotiatingKeyID.Unwrap(), m.keyID)
	m.oldKeyID = optional.Some(m.keyID)
	m.keyID = m.negotiatingKeyID.Unwrap()
	m.negotiatingKeyID = optional.None[uint8]()
	return nil
}

// AbandonNegotiation drops an in-progress renegotiation that timed out
// before completing, freeing keyID's
// slot so a later renegotiation attempt can reuse it. A no-op if keyID
// isn't the current negotiation (e.g. it already completed or was never
// started).
func (m *Manager) AbandonNegotiation(keyID uint8) {
	defer m.mu.Unlock()
	m.mu.Lock()
	if m.negotiatingKeyID.IsNone() || m.negotiatingKeyID.Unwrap() != keyID {
		return
	}
	m.keys[keyID] = &DataChannelKey{}
	m.negotiatingKeyID = optional.None[uint8]()
}

// OldKey returns the single retained previous-generation DataChannelKey,
// if one exists. It keeps handling in-flight data packets until the next
// transition drops it.
func (m *Manager) OldKey() (*DataChannelKey, uint8, bool) {
	defer m.mu.Unlock()
	m.mu.Lock()
	if m.oldKeyID.IsNone() {
		return nil, 0, false
	}
	id := m.oldKeyID.Unwrap()
	return m.keys[id], id, true
}

// DropOldKey destroys and forgets the retained previous-generation key.
// Called on the next transition after a renegotiation completes.
func (m *Manager) DropOldKey() {
	defer m.mu.Unlock()
	m.mu.Lock()
	if m.oldKeyID.IsNone() {
		return
	}
	id := m.oldKeyID.Unwrap()
	m.keys[id].Destroy()
	m.keys[id] = &DataChannelKey{}
	m.oldKeyID = optional.None[uint8]()
}
