package bytesx

import "encoding/hex"

// ZeroingBytes is a growable byte buffer for secret material (pre-master
// secrets, derived keys, tls-crypt keys, passwords in flight). Every
// operation that shrinks or abandons part of the backing array scrubs it
// first, including bytes past a logical truncation that remain allocated.
type ZeroingBytes struct {
	buf []byte
}

// NewZeroingBytes wraps an existing slice. Ownership of b transfers to the
// returned ZeroingBytes: the caller must not retain or mutate b afterwards.
func NewZeroingBytes(b []byte) *ZeroingBytes {
	return &ZeroingBytes{buf: b}
}

// Append appends b to the buffer, growing the backing array when needed.
// When growth forces a reallocation, the old backing array is zeroed
// before it is dropped.
func (z *ZeroingBytes) Append(b []byte) {
	needed := len(z.buf) + len(b)
	if needed <= cap(z.buf) {
		z.buf = append(z.buf, b...)
		return
	}
	newBuf := make([]byte, needed)
	copy(newBuf, z.buf)
	copy(newBuf[len(z.buf):], b)
	zero(z.buf[:cap(z.buf)])
	z.buf = newBuf
}

// AppendLengthPrefixed appends a 2-byte big-endian length followed by b.
// (The pre_master/random fields of the key-material blob carry no length
// prefix; only its string fields are length-framed.)
func (z *ZeroingBytes) AppendLengthPrefixed(b []byte) error {
	if len(b) > 0xFFFF {
		return ErrEncodeOption
	}
	prefixed := make([]byte, 2+len(b))
	prefixed[0] = byte(len(b) >> 8)
	prefixed[1] = byte(len(b))
	copy(prefixed[2:], b)
	z.Append(prefixed)
	return nil
}

// View returns the buffer's current contents. The returned slice aliases
// the buffer's backing array and must not be retained past the next
// mutating call.
func (z *ZeroingBytes) View() []byte {
	return z.buf
}

// Bytes returns a freshly allocated copy of the buffer's contents.
func (z *ZeroingBytes) Bytes() []byte {
	out := make([]byte, len(z.buf))
	copy(out, z.buf)
	return out
}

// Len returns the number of bytes currently held.
func (z *ZeroingBytes) Len() int {
	return len(z.buf)
}

// TruncateFront drops the first n bytes, zeroing them before they are
// discarded.
func (z *ZeroingBytes) TruncateFront(n int) {
	if n <= 0 {
		return
	}
	if n > len(z.buf) {
		n = len(z.buf)
	}
	zero(z.buf[:n])
	z.buf = z.buf[n:]
}

// Equal reports whether z holds exactly the bytes in b.
func (z *ZeroingBytes) Equal(b []byte) bool {
	if len(z.buf) != len(b) {
		return false
	}
	for i := range z.buf {
		if z.buf[i] != b[i] {
			return false
		}
	}
	return true
}

// Hex returns the buffer contents hex-encoded, for logging.
func (z *ZeroingBytes) Hex() string {
	return hex.EncodeToString(z.buf)
}

// NullTerminatedString interprets the buffer as a NUL-terminated string,
// as used by the legacy auth-token and option-string fields.
func (z *ZeroingBytes) NullTerminatedString() string {
	for i, b := range z.buf {
		if b == 0x00 {
			return string(z.buf[:i])
		}
	}
	return string(z.buf)
}

// Destroy zeros every byte the buffer ever held, including capacity beyond
// its current length, and empties the buffer. Call this as soon as the
// secret is no longer needed.
func (z *ZeroingBytes) Destroy() {
	full := z.buf[:cap(z.buf)]
	zero(full)
	z.buf = nil
}

func zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
