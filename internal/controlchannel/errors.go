package controlchannel

import "errors"

var (
	// ErrShortWrappedPacket indicates a tls-auth/tls-crypt wrapped packet
	// was too short to contain its extended header.
	ErrShortWrappedPacket = errors.New("controlchannel: wrapped packet too short")

	// ErrReplayedWrap indicates a tls-auth/tls-crypt wrapped packet's
	// replay id did not advance past the last one seen.
	ErrReplayedWrap = errors.New("controlchannel: replayed tls-wrap packet")

	// ErrUnknownWrapStrategy indicates a model.TLSWrap with an
	// unrecognized Strategy value.
	ErrUnknownWrapStrategy = errors.New("controlchannel: unknown tls-wrap strategy")

	// ErrNoOutboundCapacity indicates EnqueueOutbound was asked to split a
	// payload into packets but the MTU leaves no room for any payload at
	// all.
	ErrNoOutboundCapacity = errors.New("controlchannel: mtu too small for control packet")
)
