package protocol

import (
	"errors"
	"io"
)

// Allocation limits to prevent DoS attacks via malicious length prefixes.
// Lengths and counts are always checked against the unread input as well.
const (
	// DefaultMaxAllocation is the default maximum allocation size (4MB).
	DefaultMaxAllocation = 4 * 1024 * 1024

	// MaxCollectionCount is the default maximum number of items in a collection.
	// This prevents OOM from huge counts with small per-item overhead.
	MaxCollectionCount = 1_000_000
)

// Common decoding errors.
var (
	ErrVarintOverflow     = errors.New("protocol: varint overflow")
	ErrAllocationTooLarge = errors.New("protocol: allocation size exceeds limit")
	ErrCollectionTooLarge = errors.New("protocol: collection count exceeds limit")
)

// DecoderOption configures a Decoder.
type DecoderOption func(*Decoder)

// WithMaxAllocation caps the length of a single var-bytes or var-string
// read. Zero or negative leaves only the bound of the unread input.
// Default: DefaultMaxAllocation.
func WithMaxAllocation(n int) DecoderOption {
	return func(d *Decoder) {
		d.maxAlloc = n
	}
}

// WithMaxCollectionCount caps ReadCollectionCount. Zero or negative leaves
// only the bound of the unread input.
// Default: MaxCollectionCount.
func WithMaxCollectionCount(n int) DecoderOption {
	return func(d *Decoder) {
		d.maxCount = n
	}
}

// Decoder is a binary decoder that reads from a byte buffer.
type Decoder struct {
	buf      []byte
	pos      int
	maxAlloc int
	maxCount int
}

// NewDecoder creates a new decoder from the given byte slice.
func NewDecoder(buf []byte, opts ...DecoderOption) *Decoder {
	d := &Decoder{
		buf:      buf,
		maxAlloc: DefaultMaxAllocation,
		maxCount: MaxCollectionCount,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Remaining returns the number of unread bytes.
func (d *Decoder) Remaining() int {
	return len(d.buf) - d.pos
}

// EOF returns true if all bytes have been read.
func (d *Decoder) EOF() bool {
	return d.pos >= len(d.buf)
}

// ReadByte reads a single byte.
func (d *Decoder) ReadByte() (byte, error) {
	if d.pos >= len(d.buf) {
		return 0, io.ErrUnexpectedEOF
	}
	b := d.buf[d.pos]
	d.pos++
	return b, nil
}

// ReadUvarint reads an unsigned varint.
func (d *Decoder) ReadUvarint() (uint64, error) {
	v, n := DecodeUvarint(d.buf[d.pos:])
	switch {
	case n == -2:
		return 0, ErrVarintOverflow
	case n < 0:
		return 0, io.ErrUnexpectedEOF
	}
	d.pos += n
	return v, nil
}

// ReadVarBytes reads length-prefixed bytes.
// Returns a copy of the bytes (safe to retain).
func (d *Decoder) ReadVarBytes() ([]byte, error) {
	n, err := d.readLen()
	if err != nil {
		return nil, err
	}
	b := make([]byte, n)
	copy(b, d.buf[d.pos:d.pos+n])
	d.pos += n
	return b, nil
}

// ReadVarString reads a length-prefixed UTF-8 string.
func (d *Decoder) ReadVarString() (string, error) {
	n, err := d.readLen()
	if err != nil {
		return "", err
	}
	s := string(d.buf[d.pos : d.pos+n])
	d.pos += n
	return s, nil
}

func (d *Decoder) readLen() (int, error) {
	length, err := d.ReadUvarint()
	if err != nil {
		return 0, err
	}
	// Bounds check: length must fit in remaining buffer
	if length > uint64(d.Remaining()) {
		return 0, io.ErrUnexpectedEOF
	}
	if d.maxAlloc > 0 && length > uint64(d.maxAlloc) {
		return 0, ErrAllocationTooLarge
	}
	return int(length), nil
}

// ReadCollectionCount reads a varint count and validates it against limits.
// Every collection element occupies at least one byte, so a count larger
// than the unread remainder is rejected before anything is allocated.
func (d *Decoder) ReadCollectionCount() (int, error) {
	count, err := d.ReadUvarint()
	if err != nil {
		return 0, err
	}
	if d.maxCount > 0 && count > uint64(d.maxCount) {
		return 0, ErrCollectionTooLarge
	}
	if count > uint64(d.Remaining()) {
		return 0, io.ErrUnexpectedEOF
	}
	return int(count), nil
}
