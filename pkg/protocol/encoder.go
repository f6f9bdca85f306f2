package protocol

// Encoder appends wire primitives to an internal buffer.
type Encoder struct {
	buf []byte
}

// NewEncoder creates a new encoder with a default initial capacity.
func NewEncoder() *Encoder {
	return &Encoder{
		buf: make([]byte, 0, 256),
	}
}

// NewEncoderWithCap creates a new encoder with the specified initial capacity.
func NewEncoderWithCap(cap int) *Encoder {
	return &Encoder{
		buf: make([]byte, 0, cap),
	}
}

// Bytes returns the encoded bytes. The returned slice is valid until
// the next Write call.
func (e *Encoder) Bytes() []byte {
	return e.buf
}

// Len returns the number of bytes currently encoded.
func (e *Encoder) Len() int {
	return len(e.buf)
}

// WriteByte appends a single byte.
// Note: This intentionally doesn't return error (unlike io.ByteWriter)
// because our buffer is unbounded and can always append.
func (e *Encoder) WriteByte(b byte) {
	e.buf = append(e.buf, b)
}

// WriteUvarint appends an unsigned varint.
func (e *Encoder) WriteUvarint(v uint64) {
	var tmp [MaxVarintLen]byte
	n := EncodeUvarint(tmp[:], v)
	e.buf = append(e.buf, tmp[:n]...)
}

// WriteVarBytes appends length-prefixed bytes.
// Format: varuint length + bytes
func (e *Encoder) WriteVarBytes(b []byte) {
	e.WriteUvarint(uint64(len(b)))
	e.buf = append(e.buf, b...)
}

// WriteVarString appends a length-prefixed UTF-8 string.
// Format: varuint length + string bytes
func (e *Encoder) WriteVarString(s string) {
	e.WriteUvarint(uint64(len(s)))
	e.buf = append(e.buf, s...)
}
