package datachannel

//
// OpenVPN data channel worker wiring.
//

import (
	"sync"

	"github.com/pia-foss/tunnelkit-go/internal/model"
	"github.com/pia-foss/tunnelkit-go/internal/session"
	"github.com/pia-foss/tunnelkit-go/internal/workers"
)

// Service is the datachannel service. Make sure you initialize
// the channels before invoking [Service.StartWorkers].
type Service struct {
	// MuxerToData moves packets up to us
	MuxerToData chan *model.Packet
	// DataOrControlToMuxer is a shared channel to write packets to the muxer layer below
	DataOrControlToMuxer *chan *model.Packet
	// TUNToData moves bytes down from the TUN layer above
	TUNToData chan []byte
	// DataToTUN moves bytes up from us to the TUN layer above us
	DataToTUN chan []byte
	// KeyReady is where the session layer passes us any new keys, tagged
	// with the generation's key id and session ids so we can derive this
	// generation's key material.
	KeyReady chan *KeyReadyEvent
	// DropKey is where the session layer tells us a previously retained
	// key id (the single retained "old" generation) is no longer needed
	// and its material should be scrubbed.
	DropKey chan uint8
	// Errors carries session-fatal conditions the data channel detects on
	// its own, back up to the engine.
	Errors chan error
}

// KeyReadyEvent carries a completed DataChannelKey plus the context needed
// to derive key material from it.
type KeyReadyEvent struct {
	Key             *session.DataChannelKey
	KeyID           uint8
	LocalSessionID  []byte
	RemoteSessionID []byte
}

// StartWorkers starts the data-channel workers.
//
// We start three workers:
//
// 1. moveUpWorker BLOCKS on MuxerToData to read a packet coming from the
// muxer and eventually delivers the decrypted payload to DataToTUN;
//
// 2. moveDownWorker BLOCKS on TUNToData to read a packet and eventually
// delivers the encrypted packet to DataOrControlToMuxer;
//
// 3. keyWorker BLOCKS on KeyReady to receive a newly completed key and
// derives this generation's cipher/HMAC key material from it.
func (s *Service) StartWorkers(
	logger model.Logger,
	workersManager *workers.Manager,
	sessionManager *session.Manager,
	config *model.Config,
) {
	ws := &workersState{
		logger:               logger,
		config:               config,
		muxerToData:          s.MuxerToData,
		dataOrControlToMuxer: *s.DataOrControlToMuxer,
		tunToData:            s.TUNToData,
		dataToTUN:            s.DataToTUN,
		keyReady:             s.KeyReady,
		dropKey:              s.DropKey,
		errs:                 s.Errors,
		channels:             make(map[uint8]*DataChannel),
		newKey:               make(chan any, 1),
		workersManager:       workersManager,
		sessionManager:       sessionManager,
	}
	workersManager.StartWorker(ws.moveUpWorker)
	workersManager.StartWorker(ws.moveDownWorker)
	workersManager.StartWorker(ws.keyWorker)
}

// workersState contains the data channel state. channels holds one derived
// DataChannel per live key id: the current generation, plus at most one
// retained "old" generation while its in-flight packets are still being
// decrypted.
type workersState struct {
	logger               model.Logger
	config               *model.Config
	workersManager       *workers.Manager
	sessionManager       *session.Manager
	keyReady             <-chan *KeyReadyEvent
	dropKey              <-chan uint8
	errs                 chan<- error
	muxerToData          <-chan *model.Packet
	dataOrControlToMuxer chan<- *model.Packet
	dataToTUN            chan<- []byte
	tunToData            <-chan []byte

	mu           sync.Mutex
	channels     map[uint8]*DataChannel
	currentKeyID uint8

	newKey chan any
}

func (ws *workersState) currentChannel() *DataChannel {
	ws.mu.Lock()
	defer ws.mu.Unlock()
	return ws.channels[ws.currentKeyID]
}

func (ws *workersState) channelForKeyID(id uint8) *DataChannel {
	ws.mu.Lock()
	defer ws.mu.Unlock()
	return ws.channels[id]
}

func (ws *workersState) reportBadKey(keyID uint8) {
	ws.logger.Warnf("datachannel: data packet references unknown key id %d", keyID)
	if ws.errs == nil {
		return
	}
	select {
	case ws.errs <- model.ErrBadKey:
	default:
	}
}

// moveDownWorker moves packets down the stack: it waits for the first key
// to be ready, then repeatedly reads plaintext from the tunnel, encrypts
// it, and forwards the result to the muxer.
func (ws *workersState) moveDownWorker() {
	defer func() {
		ws.workersManager.OnWorkerDone()
		ws.workersManager.StartShutdown()
		ws.logger.Debug("datachannel: moveDownWorker: done")
	}()
	select {
	case <-ws.newKey:
	case <-ws.workersManager.ShouldShutdown():
		return
	}
	for {
		select {
		case data := <-ws.tunToData:
			dc := ws.currentChannel()
			if dc == nil {
				continue
			}
			pid, err := ws.sessionManager.LocalDataPacketID()
			if err != nil {
				ws.logger.Warnf("datachannel: cannot get packet id: %v", err)
				continue
			}
			packet, err := dc.writePacket(data, pid)
			if err != nil {
				ws.logger.Warnf("datachannel: encrypt error: %v", err)
				continue
			}
			select {
			case ws.dataOrControlToMuxer <- packet:
			case <-ws.workersManager.ShouldShutdown():
				return
			}

		case <-ws.newKey:
			// a renegotiation completed: the current key id has already
			// been swapped by keyWorker, nothing else to do here.

		case <-ws.workersManager.ShouldShutdown():
			return
		}
	}
}

// moveUpWorker moves packets up the stack: decrypting inbound data packets
// and forwarding their plaintext to the tunnel device.
func (ws *workersState) moveUpWorker() {
	defer func() {
		ws.workersManager.OnWorkerDone()
		ws.workersManager.StartShutdown()
		ws.logger.Debug("datachannel: moveUpWorker: done")
	}()
	for {
		select {
		case pkt := <-ws.muxerToData:
			dc := ws.channelForKeyID(pkt.KeyID)
			if dc == nil {
				ws.reportBadKey(pkt.KeyID)
				continue
			}
			decrypted, err := dc.readPacket(pkt)
			if err != nil {
				ws.logger.Warnf("datachannel: decrypt error: %v", err)
				continue
			}
			select {
			case ws.dataToTUN <- decrypted:
			case <-ws.workersManager.ShouldShutdown():
				return
			}
		case <-ws.workersManager.ShouldShutdown():
			return
		}
	}
}

// keyWorker receives newly completed keys and derives this generation's
// key material before signalling that data traffic can flow.
func (ws *workersState) keyWorker() {
	defer func() {
		ws.mu.Lock()
		for _, dc := range ws.channels {
			dc.destroy()
		}
		ws.mu.Unlock()
		ws.workersManager.OnWorkerDone()
		ws.workersManager.StartShutdown()
		ws.logger.Debug("datachannel: keyWorker: done")
	}()

	ws.logger.Debug("datachannel: keyWorker: started")
	for {
		select {
		case ev := <-ws.keyReady:
			dc, err := newDataChannelForKey(ws.logger, ws.config, ws.sessionManager, ev.KeyID)
			if err != nil {
				ws.logger.Warnf("datachannel: cannot initialize key %d: %v", ev.KeyID, err)
				continue
			}
			if err := dc.setupKeys(ev.Key, ev.LocalSessionID, ev.RemoteSessionID); err != nil {
				ws.logger.Warnf("datachannel: key derivation error: %v", err)
				continue
			}
			ws.mu.Lock()
			ws.channels[ev.KeyID] = dc
			ws.currentKeyID = ev.KeyID
			ws.mu.Unlock()
			ws.sessionManager.SetNegotiationState(model.S_GENERATED_KEYS)
			select {
			case ws.newKey <- true:
			case <-ws.workersManager.ShouldShutdown():
				return
			}

		case id, ok := <-ws.dropKey:
			if !ok {
				continue
			}
			ws.mu.Lock()
			if dc, exists := ws.channels[id]; exists {
				dc.destroy()
				delete(ws.channels, id)
			}
			ws.mu.Unlock()

		case <-ws.workersManager.ShouldShutdown():
			return
		}
	}
}
