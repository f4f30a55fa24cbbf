package session

import (
	"errors"
	"sync"

	"github.com/pia-foss/tunnelkit-go/internal/bytesx"
)

// randomFn is a seam for tests to substitute a deterministic source.
var randomFn = bytesx.RandomBytes

// errDataChannelKey indicates a problem with a DataChannelKey's state.
var errDataChannelKey = errors.New("session: data channel key error")

// KeySource holds one side's contribution to the key-material blob
// exchanged during the TLS handshake: two 32-byte random
// blobs and, for the local side only, a 48-byte pre-master secret.
type KeySource struct {
	R1        [32]byte
	R2        [32]byte
	PreMaster [48]byte
}

// NewKeySource generates a fresh local KeySource.
func NewKeySource() (*KeySource, error) {
	preMaster, err := randomFn(48)
	if err != nil {
		return nil, err
	}
	r1, err := randomFn(32)
	if err != nil {
		return nil, err
	}
	r2, err := randomFn(32)
	if err != nil {
		return nil, err
	}
	ks := &KeySource{}
	copy(ks.PreMaster[:], preMaster)
	copy(ks.R1[:], r1)
	copy(ks.R2[:], r2)
	return ks, nil
}

// Bytes returns pre_master||random1||random2 in the order expected by the
// key-material blob's wire layout. The pre-master secret is zero for a
// KeySource parsed from the remote side's contribution (it never sends
// one).
func (k *KeySource) Bytes() []byte {
	out := make([]byte, 0, 112)
	out = append(out, k.PreMaster[:]...)
	out = append(out, k.R1[:]...)
	out = append(out, k.R2[:]...)
	return out
}

// DataChannelKey holds one generation of the key schedule: the local and
// (once received) remote KeySource contributions for a given key id.
// Ready becomes true once both are present and key derivation can proceed.
type DataChannelKey struct {
	mu     sync.Mutex
	local  *KeySource
	remote *KeySource
	ready  bool
}

// Ready reports whether both the local and remote KeySource are present.
func (dck *DataChannelKey) Ready() bool {
	defer dck.mu.Unlock()
	dck.mu.Lock()
	return dck.ready
}

// Local returns the local KeySource, or nil if not yet generated.
func (dck *DataChannelKey) Local() *KeySource {
	defer dck.mu.Unlock()
	dck.mu.Lock()
	return dck.local
}

// Remote returns the remote KeySource, or nil if not yet received.
func (dck *DataChannelKey) Remote() *KeySource {
	defer dck.mu.Unlock()
	dck.mu.Lock()
	return dck.remote
}

// SetLocal sets the local KeySource. Safe to call only before AddRemoteKey.
func (dck *DataChannelKey) SetLocal(k *KeySource) {
	defer dck.mu.Unlock()
	dck.mu.Lock()
	dck.local = k
}

// AddRemoteKey attaches the remote side's KeySource, completing this
// generation's key material.
func (dck *DataChannelKey) AddRemoteKey(remote *KeySource) error {
	defer dck.mu.Unlock()
	dck.mu.Lock()
	if dck.local == nil {
		return errors.New("session: cannot add remote key before local key exists")
	}
	if dck.ready {
		return errDataChannelKey
	}
	dck.remote = remote
	dck.ready = true
	return nil
}

// Destroy scrubs both KeySources' secret material in place. Call this when
// a key generation is retired.
func (dck *DataChannelKey) Destroy() {
	defer dck.mu.Unlock()
	dck.mu.Lock()
	if dck.local != nil {
		zeroArray(dck.local.PreMaster[:])
		zeroArray(dck.local.R1[:])
		zeroArray(dck.local.R2[:])
	}
	if dck.remote != nil {
		zeroArray(dck.remote.PreMaster[:])
		zeroArray(dck.remote.R1[:])
		zeroArray(dck.remote.R2[:])
	}
	dck.local = nil
	dck.remote = nil
	dck.ready = false
}

func zeroArray(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
