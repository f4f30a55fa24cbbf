package vpn

//
// OpenVPN client session engine: the state machine that drives one session
// from the initial hard reset through TLS, credential exchange, and
// push-reply negotiation to a connected data channel, and that watches for
// soft renegotiation once connected.
//
// Each concern below keeps its own package (control-channel reliability,
// TLS, the application-level authenticator, the data channel); this file
// is the orchestrator a single goroutine drives, while the data channel
// runs its own worker goroutines underneath (internal/datachannel).
//

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pia-foss/tunnelkit-go/internal/controlchannel"
	"github.com/pia-foss/tunnelkit-go/internal/datachannel"
	"github.com/pia-foss/tunnelkit-go/internal/handshake"
	"github.com/pia-foss/tunnelkit-go/internal/model"
	"github.com/pia-foss/tunnelkit-go/internal/pia"
	"github.com/pia-foss/tunnelkit-go/internal/session"
	"github.com/pia-foss/tunnelkit-go/internal/tlssession"
	"github.com/pia-foss/tunnelkit-go/internal/workers"
)

// defaultMTU is used when the configuration leaves MTU unset.
const defaultMTU = 1400

// defaultRetransmitInterval matches controlchannel.DefaultRetransmissionLimit.
const defaultRetransmitInterval = controlchannel.DefaultRetransmissionLimit

// tickInterval drives all of the engine's periodic work: control-channel
// retransmission, push-request retry, keepalive and renegotiation checks.
const tickInterval = 100 * time.Millisecond

// peerInfo is the IV_* bootstrap line sent as part of the key-material
// blob; OpenVPN servers tolerate an empty or minimal set, and this engine
// advertises nothing version-specific.
const peerInfo = "IV_PROTO=2\n"

// pingPayload is OpenVPN's fixed 16-byte keepalive ping payload, sent as an
// ordinary data-channel packet once the tunnel has been idle for
// KeepAliveInterval.
var pingPayload = []byte{
	0x2a, 0x18, 0x7b, 0xf3, 0x64, 0x1e, 0xb4, 0xcb,
	0x07, 0xed, 0x2d, 0x0a, 0x98, 0x1f, 0xc7, 0x48,
}

// keyGen tracks per-key-generation state: the TLS engine and authenticator
// for this generation's negotiation, plus its own progress and retry
// bookkeeping, independent of any other generation that may be negotiating
// concurrently during a renegotiation.
type keyGen struct {
	keyID uint8

	tls  *tlssession.Session
	auth *handshake.Authenticator

	state           model.NegotiationState
	startTime       time.Time
	lastPushRequest time.Time
	pushRequestSent bool
}

// engine is the session state machine. The zero value is not usable;
// construct with newEngine.
type engine struct {
	logger model.Logger
	config *model.Config

	// link is swappable in place once the server has assigned a peer id
	// (OpenVPN session mobility); linkGen counts swaps so the reader can
	// tell a dead link from one that was just replaced under it.
	linkMu  sync.Mutex
	link    model.LinkInterface
	linkGen int
	rebound chan struct{}

	// bytesIn/bytesOut count raw link traffic in both directions, updated
	// with sync/atomic.
	bytesIn  uint64
	bytesOut uint64

	ctx    context.Context
	cancel context.CancelFunc

	workersManager *workers.Manager
	sessionManager *session.Manager
	reliable       *controlchannel.ReliableLayer

	currentGen     *keyGen
	negotiatingGen *keyGen

	events chan model.Event

	controlOut chan []byte
	inboundRaw chan []byte

	dataService *datachannel.Service
	dataOut     chan *model.Packet

	// TUNToData/DataToTUN are the data channel's plaintext boundary,
	// consumed by Client.Read/Write.
	tunToData chan []byte
	dataToTUN chan []byte

	mtu int

	// lastInboundAt/lastOutboundAt back the liveness check. lastInboundAt is only touched from controlLoop;
	// lastOutboundAt is written from writerWorker, so it's guarded by
	// lastOutboundMu.
	lastInboundAt  time.Time
	lastOutboundMu sync.Mutex
	lastOutboundAt time.Time

	stopOnce sync.Once
	stopErr  error
}

// newEngine builds an engine ready to Start. link must already be
// connected to the remote OpenVPN server.
func newEngine(config *model.Config, link model.LinkInterface) (*engine, error) {
	sessionManager, err := session.NewManager(config)
	if err != nil {
		return nil, err
	}

	mtu := config.MTU
	if mtu <= 0 {
		mtu = link.MTU()
	}
	if mtu <= 0 {
		mtu = defaultMTU
	}

	reliable, err := controlchannel.NewReliableLayer(
		config.Logger(), sessionManager, config.TLSWrap,
		defaultRetransmitInterval, link.IsReliable(),
	)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())

	dataOut := make(chan *model.Packet, 64)
	e := &engine{
		logger:         config.Logger(),
		config:         config,
		link:           link,
		rebound:        make(chan struct{}, 1),
		ctx:            ctx,
		cancel:         cancel,
		workersManager: workers.NewManager(),
		sessionManager: sessionManager,
		reliable:       reliable,
		currentGen:     &keyGen{keyID: 0},
		events:         make(chan model.Event, 16),
		controlOut:     make(chan []byte, 64),
		inboundRaw:     make(chan []byte, 64),
		dataOut:        dataOut,
		tunToData:      make(chan []byte, 64),
		dataToTUN:      make(chan []byte, 64),
		mtu:            mtu,
	}

	e.dataService = &datachannel.Service{
		MuxerToData:          make(chan *model.Packet, 64),
		DataOrControlToMuxer: &dataOut,
		TUNToData:            e.tunToData,
		DataToTUN:            e.dataToTUN,
		KeyReady:             make(chan *datachannel.KeyReadyEvent, 2),
		DropKey:              make(chan uint8, 2),
		Errors:               make(chan error, 4),
	}
	return e, nil
}

// Start launches every worker goroutine and sends the initial hard reset.
func (e *engine) Start() error {
	now := time.Now()
	e.lastInboundAt = now
	e.setLastOutboundAt(now)

	e.dataService.StartWorkers(e.logger, e.workersManager, e.sessionManager, e.config)

	e.workersManager.StartWorker(e.readerWorker)
	e.workersManager.StartWorker(e.writerWorker)
	e.workersManager.StartWorker(e.controlLoop)

	return e.sendHardReset()
}

func (e *engine) setLastOutboundAt(t time.Time) {
	e.lastOutboundMu.Lock()
	e.lastOutboundAt = t
	e.lastOutboundMu.Unlock()
}

func (e *engine) getLastOutboundAt() time.Time {
	e.lastOutboundMu.Lock()
	defer e.lastOutboundMu.Unlock()
	return e.lastOutboundAt
}

// Events returns the channel EventStarted/EventStopped/EventStatusChanged/
// EventPeerVerificationFailed are delivered on.
func (e *engine) Events() <-chan model.Event { return e.events }

// currentLink returns the live link and its generation counter.
func (e *engine) currentLink() (model.LinkInterface, int) {
	e.linkMu.Lock()
	defer e.linkMu.Unlock()
	return e.link, e.linkGen
}

// canRebindLink reports whether the server assigned a peer id in its push
// reply, which is what makes swapping the link mid-session possible.
func (e *engine) canRebindLink() bool {
	return e.sessionManager.TunnelInfo().PeerID != model.PeerIDDisabled
}

// rebindLink swaps the underlying link in place, closing the old one.
// Keys and session ids are untouched; data flow resumes on the new link
// without a new handshake.
func (e *engine) rebindLink(link model.LinkInterface) error {
	if !e.canRebindLink() {
		return fmt.Errorf("%w: server did not assign a peer id", errBadInput)
	}
	e.linkMu.Lock()
	old := e.link
	e.link = link
	e.linkGen++
	e.linkMu.Unlock()
	old.Close()
	select {
	case e.rebound <- struct{}{}:
	default:
	}
	return nil
}

// dataCount returns the raw bytes received from and written to the link
// so far.
func (e *engine) dataCount() (in, out uint64) {
	return atomic.LoadUint64(&e.bytesIn), atomic.LoadUint64(&e.bytesOut)
}

func (e *engine) postEvent(ev model.Event) {
	select {
	case e.events <- ev:
	default:
	}
}

// Stop requests an orderly shutdown of every worker and blocks until they
// have all returned.
func (e *engine) Stop() {
	e.cancel()
	e.workersManager.StartShutdown()
	e.workersManager.WaitWorkersShutdown()
	link, _ := e.currentLink()
	link.Close()
}

// fail records the first fatal error and starts shutting every worker
// down. Idempotent: later calls (from any goroutine) are ignored.
func (e *engine) fail(err error) {
	e.stopOnce.Do(func() {
		e.stopErr = err
		e.postEvent(model.EventStopped{ShouldReconnect: model.Recoverable(err), Reason: err})
		e.workersManager.StartShutdown()
	})
}

//
// hard reset / key negotiation
//

func (e *engine) sendHardReset() error {
	pkt := e.sessionManager.NewHardResetPacket()
	if e.config.UsesPIAPatches {
		pkt.Payload = pia.BuildHardResetPayload(e.config.CA, e.config.Cipher, e.config.Auth)
	}
	e.currentGen.state = model.S_HARD_RESET
	e.currentGen.startTime = time.Now()
	e.reliable.EnqueueRawOutbound(pkt)
	return nil
}

// beginKeyNegotiation starts the TLS engine and authenticator for gen: the
// shared step between the initial hard reset's response and a soft
// renegotiation's announcement.
func (e *engine) beginKeyNegotiation(gen *keyGen) error {
	link, _ := e.currentLink()
	tlsSess, err := tlssession.NewSession(e.config, link.RemoteAddr().String(), e.events)
	if err != nil {
		return err
	}
	gen.tls = tlsSess
	gen.auth = handshake.NewAuthenticator()
	gen.state = model.S_TLS_HANDSHAKE_STARTED
	gen.startTime = time.Now()
	tlsSess.Start(e.ctx)
	if gen.keyID == 0 {
		e.sessionManager.SetNegotiationState(model.S_TLS_HANDSHAKE_STARTED)
	}
	return nil
}

func (e *engine) genForKeyID(keyID uint8) *keyGen {
	if e.currentGen != nil && e.currentGen.keyID == keyID {
		return e.currentGen
	}
	if e.negotiatingGen != nil && e.negotiatingGen.keyID == keyID {
		return e.negotiatingGen
	}
	return nil
}

//
// inbound packet handling
//

func (e *engine) readerWorker() {
	defer func() {
		e.workersManager.OnWorkerDone()
		e.workersManager.StartShutdown()
	}()
	for {
		link, gen := e.currentLink()
		raw, err := link.ReadPacket()
		if err != nil {
			if _, g := e.currentLink(); g != gen {
				// A rebind replaced the link under us; keep reading from
				// the fresh one.
				continue
			}
			e.logger.Warnf("vpn: link read error: %v", err)
			if e.canRebindLink() {
				// Wait for the owner to install a fresh link. If none
				// arrives, the liveness check shuts the session down with
				// a ping timeout.
				select {
				case <-e.rebound:
					continue
				case <-e.workersManager.ShouldShutdown():
					return
				}
			}
			e.fail(model.ErrFailedLinkWrite)
			return
		}
		atomic.AddUint64(&e.bytesIn, uint64(len(raw)))
		select {
		case e.inboundRaw <- raw:
		case <-e.workersManager.ShouldShutdown():
			return
		}
	}
}

func (e *engine) writerWorker() {
	defer func() {
		e.workersManager.OnWorkerDone()
		e.workersManager.StartShutdown()
	}()
	for {
		select {
		case b := <-e.controlOut:
			if err := e.writeToLink(b); err != nil {
				return
			}
		case pkt := <-e.dataOut:
			e.config.Tracer().OnOutgoingPacket(pkt)
			if err := e.writeToLink(pkt.Bytes()); err != nil {
				return
			}
		case <-e.workersManager.ShouldShutdown():
			return
		}
	}
}

// writeToLink sends one raw packet, retrying once on the fresh link if a
// rebind raced the write. A persistent failure stops the session with a
// recoverable error.
func (e *engine) writeToLink(b []byte) error {
	link, gen := e.currentLink()
	n, err := link.WritePacket(b)
	if err != nil {
		if fresh, g := e.currentLink(); g != gen {
			n, err = fresh.WritePacket(b)
			if err == nil {
				atomic.AddUint64(&e.bytesOut, uint64(n))
				e.setLastOutboundAt(time.Now())
				return nil
			}
		}
		e.logger.Warnf("vpn: link write error: %v", err)
		e.fail(model.ErrFailedLinkWrite)
		return err
	}
	atomic.AddUint64(&e.bytesOut, uint64(n))
	e.setLastOutboundAt(time.Now())
	return nil
}

func (e *engine) controlLoop() {
	defer func() {
		e.workersManager.OnWorkerDone()
		e.workersManager.StartShutdown()
	}()
	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()
	for {
		select {
		case raw := <-e.inboundRaw:
			e.lastInboundAt = time.Now()
			e.handleInbound(raw)
		case now := <-ticker.C:
			e.tick(now)
		case err := <-e.dataService.Errors:
			e.fail(err)
		case <-e.workersManager.ShouldShutdown():
			return
		}
	}
}

func (e *engine) handleInbound(raw []byte) {
	pkt, err := e.reliable.ReadInbound(raw)
	if err != nil {
		e.logger.Warnf("vpn: dropping malformed/replayed packet: %v", err)
		e.config.Tracer().OnDroppedPacket(err.Error(), nil)
		return
	}
	e.config.Tracer().OnIncomingPacket(pkt)

	if pkt.IsData() {
		e.handleDataInbound(pkt)
		return
	}

	if pkt.IsHardReset() {
		// This check must run before the reliability layer's duplicate
		// filter: a restarted server reuses packet id 0, which would
		// otherwise be dropped as a duplicate and never reach us.
		if e.currentGen.state != model.S_HARD_RESET || e.sessionManager.IsRemoteSessionIDSet() {
			e.fail(model.ErrStaleSession)
			return
		}
	} else {
		// The remote session id is pinned by the server's hard reset and
		// must match on every later control packet.
		remote := e.sessionManager.RemoteSessionID()
		if remote == nil {
			e.fail(model.ErrMissingSessionID)
			return
		}
		if !bytes.Equal(pkt.LocalSessionID[:], remote) {
			e.fail(model.ErrSessionMismatch)
			return
		}
	}

	e.reliable.AckOutbound(pkt.ACKs)

	if pkt.IsACK() {
		return
	}

	for _, p := range e.reliable.EnqueueInbound(pkt) {
		switch {
		case p.IsHardReset():
			e.handleHardResetInbound(p)
		case p.Opcode == model.P_CONTROL_SOFT_RESET_V1:
			e.handleSoftResetInbound(p)
		default:
			e.handleControlPayload(p)
		}
	}
}

func (e *engine) handleDataInbound(pkt *model.Packet) {
	if pkt.Opcode == model.P_DATA_V2 {
		assigned := e.sessionManager.TunnelInfo().PeerID
		if assigned != model.PeerIDDisabled {
			got := int(pkt.PeerID[0])<<16 | int(pkt.PeerID[1])<<8 | int(pkt.PeerID[2])
			if got != assigned {
				e.logger.Warnf("vpn: dropping data packet with mismatched peer id %d", got)
				return
			}
		}
	}
	select {
	case e.dataService.MuxerToData <- pkt:
	case <-e.workersManager.ShouldShutdown():
	}
}

// handleHardResetInbound handles the server's answer to our hard reset.
// Staleness (a hard reset arriving after negotiation advanced) has already
// been ruled out by handleInbound.
func (e *engine) handleHardResetInbound(pkt *model.Packet) {
	e.sessionManager.SetRemoteSessionID(pkt.LocalSessionID)
	e.sessionManager.SetNegotiationState(model.S_CONTROL_CHANNEL_OPEN)
	if err := e.beginKeyNegotiation(e.currentGen); err != nil {
		e.fail(fmt.Errorf("vpn: cannot start tls: %w", err))
	}
}

// handleSoftResetInbound handles a server-initiated renegotiation
// announcement. Only renegotiations already tracked locally (i.e. this
// engine's own client-initiated renegotiation being acknowledged back, or
// a concurrent key the engine is already aware of) are picked up;
// unsolicited server-initiated renegotiation is outside this engine's
// scope (see DESIGN.md).
func (e *engine) handleSoftResetInbound(pkt *model.Packet) {
	gen := e.genForKeyID(pkt.KeyID)
	if gen == nil || gen.tls != nil {
		return
	}
	if err := e.beginKeyNegotiation(gen); err != nil {
		e.logger.Warnf("vpn: cannot start renegotiation tls: %v", err)
	}
}

func (e *engine) handleControlPayload(pkt *model.Packet) {
	gen := e.genForKeyID(pkt.KeyID)
	if gen == nil || gen.tls == nil {
		e.logger.Warnf("vpn: dropping control packet for unknown key %d", pkt.KeyID)
		return
	}
	if err := gen.tls.PutCipherText(pkt.Payload); err != nil {
		e.logger.Warnf("vpn: tls ciphertext queue full, dropping: %v", err)
	}
}

//
// periodic work
//

func (e *engine) tick(now time.Time) {
	out, err := e.reliable.WriteOutbound(now)
	if err != nil {
		e.logger.Warnf("vpn: cannot serialize outbound control packet: %v", err)
	}
	for _, b := range out {
		select {
		case e.controlOut <- b:
		case <-e.workersManager.ShouldShutdown():
			return
		}
	}

	for _, gen := range e.activeGens() {
		e.pumpTLS(gen, now)
	}

	e.checkNegotiationTimeouts(now)
	e.checkLiveness(now)
	e.maybeStartRenegotiation(now)
}

// checkNegotiationTimeouts enforces the per-phase deadline on any
// generation still negotiating. A timed-out initial
// negotiation is fatal to the whole engine (recoverable only while still
// in the hard-reset phase); a timed-out renegotiation is abandoned instead,
// since the current key keeps serving the tunnel regardless.
func (e *engine) checkNegotiationTimeouts(now time.Time) {
	if e.config.NegotiationTimeout <= 0 {
		return
	}
	if e.currentGen != nil && e.currentGen.state != model.S_CONNECTED &&
		now.Sub(e.currentGen.startTime) > e.config.NegotiationTimeout {
		isHardReset := e.currentGen.state == model.S_HARD_RESET
		e.fail(model.WrapNegotiationTimeout(isHardReset))
		return
	}
	if e.negotiatingGen != nil && e.negotiatingGen.state != model.S_CONNECTED &&
		now.Sub(e.negotiatingGen.startTime) > e.config.NegotiationTimeout {
		e.logger.Warnf("vpn: renegotiation on key %d timed out, abandoning", e.negotiatingGen.keyID)
		e.abandonRenegotiation()
	}
}

// abandonRenegotiation drops an in-progress renegotiation that failed to
// complete in time, freeing its key id slot so a future renegotiation
// attempt can reuse it. The currently connected key is untouched.
func (e *engine) abandonRenegotiation() {
	if e.negotiatingGen == nil {
		return
	}
	keyID := e.negotiatingGen.keyID
	e.negotiatingGen = nil
	e.sessionManager.AbandonNegotiation(keyID)
}

// checkLiveness sends a keepalive ping once the link has been quiet for
// KeepAliveInterval, and shuts down with ErrPingTimeout if nothing has
// been received for PingTimeout.
func (e *engine) checkLiveness(now time.Time) {
	if e.currentGen == nil || e.currentGen.state != model.S_CONNECTED {
		return
	}
	if e.config.PingTimeout > 0 && now.Sub(e.lastInboundAt) > e.config.PingTimeout {
		e.fail(model.ErrPingTimeout)
		return
	}
	if e.config.KeepAliveInterval > 0 && now.Sub(e.getLastOutboundAt()) >= e.config.KeepAliveInterval {
		select {
		case e.tunToData <- pingPayload:
			e.setLastOutboundAt(now)
		default:
		}
	}
}

func (e *engine) activeGens() []*keyGen {
	gens := make([]*keyGen, 0, 2)
	if e.currentGen != nil {
		gens = append(gens, e.currentGen)
	}
	if e.negotiatingGen != nil {
		gens = append(gens, e.negotiatingGen)
	}
	return gens
}

// pumpTLS drains gen's TLS engine in both directions and drives this
// generation's own state machine: handshake completion, the key-material
// blob, the PUSH_REQUEST retry loop, and the push reply.
func (e *engine) pumpTLS(gen *keyGen, now time.Time) {
	if gen.tls == nil {
		return
	}

	select {
	case err, ok := <-gen.tls.HandshakeError():
		if ok && err != nil {
			if errors.Is(err, tlssession.ErrPeerVerificationFailed) {
				e.fail(model.ErrPeerVerificationFailed)
				return
			}
			e.fail(fmt.Errorf("%w: %s", model.ErrTLSHandshake, err))
			return
		}
		if !ok && gen.state == model.S_TLS_HANDSHAKE_STARTED {
			e.onTLSHandshakeDone(gen)
		}
	default:
	}

	for {
		ct, err := gen.tls.PullCipherText()
		if err != nil {
			break
		}
		if err := e.reliable.EnqueueOutboundKeyed(gen.keyID, model.P_CONTROL_V1, ct, e.mtu); err != nil {
			e.logger.Warnf("vpn: cannot enqueue tls ciphertext: %v", err)
		}
	}

	for {
		plain, err := gen.tls.PullPlainText()
		if err != nil {
			break
		}
		e.handleAuthPlainText(gen, plain)
	}

	if gen.state == model.S_PUSH_REQUEST_SENT {
		e.maybeRetryPushRequest(gen, now)
	}
}

func (e *engine) onTLSHandshakeDone(gen *keyGen) {
	gen.state = model.S_TLS_HANDSHAKE_DONE
	if gen.keyID == 0 {
		e.sessionManager.SetNegotiationState(model.S_TLS_HANDSHAKE_DONE)
	}

	dck := e.activeDataChannelKey(gen)
	if dck == nil {
		e.fail(fmt.Errorf("vpn: no key slot for generation %d", gen.keyID))
		return
	}
	local := dck.Local()
	if local == nil {
		e.fail(fmt.Errorf("vpn: no local key source for generation %d", gen.keyID))
		return
	}

	blob, err := handshake.BuildKeyMaterial(
		local.PreMaster[:], local.R1[:], local.R2[:],
		e.config.Username, e.credentialPassword(), peerInfo,
	)
	if err != nil {
		e.fail(err)
		return
	}
	defer blob.Destroy()
	if err := gen.tls.PutPlainText(blob.Bytes()); err != nil {
		e.logger.Warnf("vpn: cannot send key-material blob: %v", err)
	}
}

// activeDataChannelKey returns the session manager's DataChannelKey slot
// for gen, generating and attaching this side's KeySource if it hasn't
// been already (the initial key already has one from session.NewManager;
// a renegotiation's slot gets one in maybeStartRenegotiation).
func (e *engine) activeDataChannelKey(gen *keyGen) *session.DataChannelKey {
	if gen.keyID == e.sessionManager.CurrentKeyID() {
		dck, err := e.sessionManager.ActiveKey()
		if err != nil {
			return nil
		}
		return dck
	}
	dck, ok := e.sessionManager.NegotiatingKey()
	if !ok {
		return nil
	}
	return dck
}

// credentialPassword returns the auth token in place of the configured
// password once the server has issued one, so renegotiations reuse the
// token rather than the original credentials.
func (e *engine) credentialPassword() string {
	if e.config.AuthToken != "" {
		return e.config.AuthToken
	}
	return e.config.Password
}

func (e *engine) handleAuthPlainText(gen *keyGen, plain []byte) {
	gotPrefix, messages, err := gen.auth.Feed(plain)
	if err != nil {
		e.fail(fmt.Errorf("%w: %s", model.ErrWrongControlDataPrefix, err))
		return
	}
	if gotPrefix && gen.state == model.S_TLS_HANDSHAKE_DONE {
		e.onServerRandomsReady(gen)
	}
	for _, msg := range messages {
		e.handleAuthMessage(gen, msg)
	}
}

func (e *engine) onServerRandomsReady(gen *keyGen) {
	remote := &session.KeySource{R1: gen.auth.ServerRandom1, R2: gen.auth.ServerRandom2}
	dck := e.activeDataChannelKey(gen)
	if dck != nil {
		if err := dck.AddRemoteKey(remote); err != nil {
			e.logger.Warnf("vpn: cannot attach remote key source: %v", err)
		}
	}

	if gen.keyID == 0 {
		e.sessionManager.SetNegotiationState(model.S_PUSH_REQUEST_SENT)
	}
	gen.state = model.S_PUSH_REQUEST_SENT
	e.sendPushRequest(gen)
}

func (e *engine) sendPushRequest(gen *keyGen) {
	if err := gen.tls.PutPlainText([]byte("PUSH_REQUEST\x00")); err != nil {
		e.logger.Warnf("vpn: cannot send push request: %v", err)
		return
	}
	gen.lastPushRequest = time.Now()
	gen.pushRequestSent = true
}

func (e *engine) maybeRetryPushRequest(gen *keyGen, now time.Time) {
	if now.Sub(gen.lastPushRequest) < defaultRetransmitInterval {
		return
	}
	link, _ := e.currentLink()
	if link.IsReliable() && e.reliable.HasPendingOutbound() {
		return
	}
	e.sendPushRequest(gen)
}

func (e *engine) handleAuthMessage(gen *keyGen, msg string) {
	switch {
	case handshake.IsAuthFailed(msg):
		e.fail(model.ErrBadCredentials)
	case handshake.IsPushReply(msg):
		e.handlePushReply(gen, msg)
	default:
		e.logger.Debugf("vpn: unrecognized control message: %q", msg)
	}
}

func (e *engine) handlePushReply(gen *keyGen, msg string) {
	ti, err := handshake.ParsePushReply(msg)
	if err != nil {
		e.logger.Warnf("vpn: cannot parse push reply: %v", err)
		return
	}
	e.sessionManager.UpdateTunnelInfo(ti)
	if ti.AuthToken != "" {
		e.config.AuthToken = ti.AuthToken
	}
	gen.state = model.S_GOT_PUSH_REPLY

	if gen.keyID == 0 {
		e.completeInitialNegotiation(gen, ti)
	} else {
		e.completeRenegotiation(gen)
	}
}

func (e *engine) completeInitialNegotiation(gen *keyGen, ti *model.TunnelInfo) {
	e.sessionManager.SetNegotiationState(model.S_GOT_PUSH_REPLY)
	dck, err := e.sessionManager.ActiveKey()
	if err != nil {
		e.fail(err)
		return
	}
	e.dataService.KeyReady <- &datachannel.KeyReadyEvent{
		Key:             dck,
		KeyID:           0,
		LocalSessionID:  e.sessionManager.LocalSessionID(),
		RemoteSessionID: e.sessionManager.RemoteSessionID(),
	}
	gen.state = model.S_CONNECTED
	link, _ := e.currentLink()
	e.postEvent(model.EventStarted{Remote: link.RemoteAddr().String(), Reply: *ti})
}

func (e *engine) completeRenegotiation(gen *keyGen) {
	negotiatedKey, ok := e.sessionManager.NegotiatingKey()
	if !ok {
		e.logger.Warnf("vpn: completeRenegotiation called with no negotiating key")
		return
	}
	if err := e.sessionManager.PromoteNegotiatingToCurrent(); err != nil {
		e.logger.Warnf("vpn: cannot promote renegotiated key: %v", err)
		return
	}

	e.dataService.KeyReady <- &datachannel.KeyReadyEvent{
		Key:             negotiatedKey,
		KeyID:           gen.keyID,
		LocalSessionID:  e.sessionManager.LocalSessionID(),
		RemoteSessionID: e.sessionManager.RemoteSessionID(),
	}

	gen.state = model.S_CONNECTED
	if e.currentGen != nil && e.currentGen.tls != nil {
		// The old generation's TLS engine served only its negotiation;
		// its data-plane keys live on in the data channel.
		e.currentGen.tls.Close()
	}
	e.currentGen = gen
	e.negotiatingGen = nil

	// The previous generation stays live as the retained "old" key for
	// one extra generation, to decrypt data packets still in flight on
	// it; it's dropped at the start of the *next* renegotiation, not
	// immediately here.
}

// dropRetainedOldKey scrubs and forgets the single retained previous-
// generation key, if any, before a new renegotiation begins.
func (e *engine) dropRetainedOldKey() {
	if _, oldID, ok := e.sessionManager.OldKey(); ok {
		e.sessionManager.DropOldKey()
		select {
		case e.dataService.DropKey <- oldID:
		default:
		}
	}
}

// maybeStartRenegotiation triggers a client-initiated soft reset once the
// current key has been active longer than RenegotiatesAfter.
func (e *engine) maybeStartRenegotiation(now time.Time) {
	if e.config.RenegotiatesAfter <= 0 {
		return
	}
	if e.currentGen == nil || e.currentGen.state != model.S_CONNECTED {
		return
	}
	if e.negotiatingGen != nil {
		return
	}
	if now.Sub(e.currentGen.startTime) < e.config.RenegotiatesAfter {
		return
	}

	e.dropRetainedOldKey()

	newID, err := e.sessionManager.StartNegotiation()
	if err != nil {
		e.logger.Warnf("vpn: cannot start renegotiation: %v", err)
		return
	}
	localKey, err := session.NewKeySource()
	if err != nil {
		e.logger.Warnf("vpn: cannot generate renegotiation key source: %v", err)
		return
	}
	negKey, ok := e.sessionManager.NegotiatingKey()
	if !ok {
		return
	}
	negKey.SetLocal(localKey)

	gen := &keyGen{keyID: newID}
	e.negotiatingGen = gen

	pkt, err := e.sessionManager.NewPacketWithKeyID(model.P_CONTROL_SOFT_RESET_V1, newID, nil)
	if err != nil {
		e.logger.Warnf("vpn: cannot build soft reset packet: %v", err)
		return
	}
	e.reliable.EnqueueRawOutbound(pkt)

	if err := e.beginKeyNegotiation(gen); err != nil {
		e.logger.Warnf("vpn: cannot start renegotiation tls: %v", err)
	}
}
