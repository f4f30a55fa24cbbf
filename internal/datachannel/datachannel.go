// Package datachannel implements the encrypted data path: deriving the
// per-generation cipher/HMAC keys from a completed key exchange, framing
// and encrypting outbound IP packets, and decrypting and replay-checking
// inbound ones.
package datachannel

import (
	"crypto/hmac"
	"errors"
	"fmt"

	"github.com/pia-foss/tunnelkit-go/internal/bytesx"
	"github.com/pia-foss/tunnelkit-go/internal/crypto"
	"github.com/pia-foss/tunnelkit-go/internal/model"
	"github.com/pia-foss/tunnelkit-go/internal/session"
)

var (
	// errBadInput indicates invalid input to a DataChannel method.
	errBadInput = errors.New("datachannel: bad input")

	// errNotReady indicates keys haven't been derived yet.
	errNotReady = errors.New("datachannel: not ready")
)

const (
	masterSecretLabel = "OpenVPN master secret"
	keyExpansionLabel = "OpenVPN key expansion"
	masterSecretSize  = 48
	keyExpansionSize  = 256
	keyBlockSize      = 64
)

// DataChannel holds the derived key material and cipher state for one key
// generation and turns plaintext IP packets into data packets and back.
type DataChannel struct {
	logger model.Logger

	dataCipher crypto.DataCipher
	hmacName   string

	decryptCipherKey []byte
	decryptHMACKey   []byte
	encryptCipherKey []byte
	encryptHMACKey   []byte

	keyID              uint8
	peerID             [3]byte
	usePeerID          bool
	compressionFraming model.CompressionFraming

	replay *replayWindow

	ready bool
}

// NewDataChannelFromOptions builds an un-keyed DataChannel for the
// session's currently active key id. Keys are filled in later by
// setupKeys once the TLS handshake's key-material exchange completes.
func NewDataChannelFromOptions(logger model.Logger, config *model.Config, sessionManager *session.Manager) (*DataChannel, error) {
	return newDataChannelForKey(logger, config, sessionManager, sessionManager.CurrentKeyID())
}

// newDataChannelForKey builds an un-keyed DataChannel for an explicit key
// id, rather than whatever the session manager currently considers
// "current", so a renegotiation's key generation derives under its own
// key id even while the previous generation is still current.
func newDataChannelForKey(logger model.Logger, config *model.Config, sessionManager *session.Manager, keyID uint8) (*DataChannel, error) {
	dc, err := crypto.NewDataCipherFromName(config.Cipher)
	if err != nil {
		return nil, err
	}
	peerID := sessionManager.TunnelInfo().PeerID
	dataChannel := &DataChannel{
		logger:             logger,
		dataCipher:         dc,
		hmacName:           config.Auth,
		keyID:              keyID,
		compressionFraming: config.CompressionFraming,
		replay:             &replayWindow{},
	}
	if peerID == model.PeerIDDisabled && keyID == 0 {
		logger.Warnf("datachannel: push reply carried no peer id; stamping the disabled peer id on data V2 packets")
	}
	if peerID != 0 {
		dataChannel.usePeerID = true
		dataChannel.peerID = [3]byte{byte(peerID >> 16), byte(peerID >> 8), byte(peerID)}
	}
	return dataChannel, nil
}

// destroy scrubs this generation's derived cipher/HMAC key material.
// Called once a key is retired: either the single retained "old" key is
// dropped at the next renegotiation, or the engine shuts down.
func (d *DataChannel) destroy() {
	zero(d.decryptCipherKey)
	zero(d.decryptHMACKey)
	zero(d.encryptCipherKey)
	zero(d.encryptHMACKey)
}

// setupKeys derives this generation's cipher and HMAC keys from the
// completed DataChannelKey's local/remote KeySource pair and the session
// ids.
func (d *DataChannel) setupKeys(key *session.DataChannelKey, localSessionID, remoteSessionID []byte) error {
	if !key.Ready() {
		return fmt.Errorf("%w: %s", errNotReady, "key exchange incomplete")
	}
	local, remote := key.Local(), key.Remote()

	master := crypto.Expand(
		local.PreMaster[:], []byte(masterSecretLabel),
		local.R1[:], remote.R1[:], nil, nil, masterSecretSize,
	)
	defer zero(master)

	keyExpansion := crypto.Expand(
		master, []byte(keyExpansionLabel),
		local.R2[:], remote.R2[:], localSessionID, remoteSessionID, keyExpansionSize,
	)
	defer zero(keyExpansion)

	d.decryptCipherKey = append([]byte{}, keyExpansion[0*keyBlockSize:1*keyBlockSize]...)
	d.decryptHMACKey = append([]byte{}, keyExpansion[1*keyBlockSize:2*keyBlockSize]...)
	d.encryptCipherKey = append([]byte{}, keyExpansion[2*keyBlockSize:3*keyBlockSize]...)
	d.encryptHMACKey = append([]byte{}, keyExpansion[3*keyBlockSize:4*keyBlockSize]...)
	d.ready = true
	return nil
}

func zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}

// writePacket encrypts plaintext (an IP packet read from the tunnel
// device) into a data-channel model.Packet ready for the link.
func (d *DataChannel) writePacket(plaintext []byte, packetID model.PacketID) (*model.Packet, error) {
	if !d.ready {
		return nil, errNotReady
	}
	framed := plaintext
	if b, ok := d.compressionFraming.Byte(); ok {
		framed = make([]byte, 0, len(plaintext)+1)
		framed = append(framed, b)
		framed = append(framed, plaintext...)
	}

	opcode := model.P_DATA_V1
	if d.usePeerID {
		opcode = model.P_DATA_V2
	}

	var idBuf [4]byte
	idBuf[0] = byte(packetID >> 24)
	idBuf[1] = byte(packetID >> 16)
	idBuf[2] = byte(packetID >> 8)
	idBuf[3] = byte(packetID)

	var iv []byte
	var ciphertext []byte
	var err error
	if d.dataCipher.IsAEAD() {
		// The packet id doubles as the explicit IV half and rides in the
		// clear ahead of the ciphertext.
		ad := d.additionalData(opcode, idBuf[:])
		iv = append(append([]byte{}, idBuf[:]...), d.encryptHMACKey[:8]...)
		ciphertext, err = d.dataCipher.Encrypt(d.encryptCipherKey, iv, framed, ad)
		if err != nil {
			return nil, err
		}
		ciphertext = append(idBuf[:], ciphertext...)
	} else {
		// CBC carries the packet id encrypted, at the head of the
		// plaintext, ahead of any compression framing byte.
		iv, err = randomIV(d.dataCipher.BlockSize())
		if err != nil {
			return nil, err
		}
		withID := make([]byte, 0, 4+len(framed))
		withID = append(withID, idBuf[:]...)
		withID = append(withID, framed...)
		enc, err := d.dataCipher.Encrypt(d.encryptCipherKey, iv, withID, nil)
		if err != nil {
			return nil, err
		}
		tag, err := crypto.HMAC(d.hmacName, d.encryptHMACKey, append(append([]byte{}, iv...), enc...))
		if err != nil {
			return nil, err
		}
		ciphertext = append(append(append([]byte{}, tag...), iv...), enc...)
	}

	pkt := model.NewPacket(opcode, d.keyID, ciphertext)
	if d.usePeerID {
		pkt.PeerID = d.peerID
	}
	return pkt, nil
}

// readPacket decrypts a data-channel model.Packet into the plaintext IP
// packet it carries, checking the replay window first.
func (d *DataChannel) readPacket(pkt *model.Packet) ([]byte, error) {
	if !d.ready {
		return nil, errNotReady
	}
	if !pkt.IsData() {
		return nil, errBadInput
	}

	var plaintext []byte
	var err error
	if d.dataCipher.IsAEAD() {
		if len(pkt.Payload) < 4 {
			return nil, errBadInput
		}
		idBuf := pkt.Payload[:4]
		ciphertext := pkt.Payload[4:]
		if !d.replay.accept(beUint32(idBuf)) {
			return nil, crypto.ErrReplay
		}
		iv := append(append([]byte{}, idBuf...), d.decryptHMACKey[:8]...)
		ad := d.additionalData(pkt.Opcode, idBuf)
		plaintext, err = d.dataCipher.Decrypt(d.decryptCipherKey, iv, ciphertext, ad)
		if err != nil {
			return nil, err
		}
	} else {
		hashSize := crypto.HashSize(d.hmacName)
		blockSize := d.dataCipher.BlockSize()
		if len(pkt.Payload) < hashSize+blockSize {
			return nil, errBadInput
		}
		gotTag := pkt.Payload[:hashSize]
		iv := pkt.Payload[hashSize : hashSize+blockSize]
		ciphertext := pkt.Payload[hashSize+blockSize:]

		wantTag, err := crypto.HMAC(d.hmacName, d.decryptHMACKey, append(append([]byte{}, iv...), ciphertext...))
		if err != nil {
			return nil, err
		}
		if !hmac.Equal(gotTag, wantTag) {
			return nil, errBadInput
		}
		plaintext, err = d.dataCipher.Decrypt(d.decryptCipherKey, iv, ciphertext, nil)
		if err != nil {
			return nil, err
		}
		if len(plaintext) < 4 {
			return nil, errBadInput
		}
		if !d.replay.accept(beUint32(plaintext[:4])) {
			return nil, crypto.ErrReplay
		}
		plaintext = plaintext[4:]
	}

	if b, ok := d.compressionFraming.Byte(); ok {
		if len(plaintext) == 0 || plaintext[0] != b {
			return nil, errBadInput
		}
		plaintext = plaintext[1:]
	}
	return plaintext, nil
}

func (d *DataChannel) additionalData(opcode model.Opcode, packetID []byte) []byte {
	ad := make([]byte, 0, 1+3+4)
	ad = append(ad, byte(opcode)<<3|d.keyID&0x07)
	if d.usePeerID {
		ad = append(ad, d.peerID[:]...)
	}
	ad = append(ad, packetID...)
	return ad
}

func beUint32(b []byte) uint32 {
	return uint32(b[0])<<24 | uint32(b[1])<<16 | uint32(b[2])<<8 | uint32(b[3])
}

func randomIV(size int) ([]byte, error) {
	return bytesx.RandomBytes(size)
}
