// Package pia builds the vendor-specific hard-reset payload variant used by
// Private Internet Access servers: the initial HardResetClientV2 control
// packet normally carries an empty payload, but a PIA-patched server expects
// a CA fingerprint plus the negotiated cipher/digest names instead.
package pia

import (
	"crypto/md5"
)

// BuildHardResetPayload returns "CA-MD5 ∥ cipher-tag ∥ digest-tag": the
// 16-byte MD5 digest of the CA certificate PEM, followed by the negotiated
// cipher and digest names, each NUL-terminated ASCII. The exact tag framing
// isn't specified by upstream OpenVPN proper (this is PIA's own server-side
// patch); NUL-terminated names are used here because every other
// variable-length string the control channel carries in this codebase
// (key-material username/password/options, PUSH_REQUEST) is NUL-terminated,
// and PIA's reference client encodes them the same way.
func BuildHardResetPayload(caPEM []byte, cipher, digest string) []byte {
	sum := md5.Sum(caPEM)

	out := make([]byte, 0, len(sum)+len(cipher)+1+len(digest)+1)
	out = append(out, sum[:]...)
	out = append(out, cipher...)
	out = append(out, 0x00)
	out = append(out, digest...)
	out = append(out, 0x00)
	return out
}
