package protocol

import (
	"errors"
	"io"
	"testing"
)

func TestEncoderDecoder(t *testing.T) {
	e := NewEncoder()

	e.WriteByte(0x42)
	e.WriteUvarint(12345)
	e.WriteVarString("hello world")
	e.WriteVarBytes([]byte{0xDE, 0xAD, 0xBE, 0xEF})

	d := NewDecoder(e.Bytes())

	b, err := d.ReadByte()
	if err != nil || b != 0x42 {
		t.Errorf("ReadByte() = %x, %v; want 0x42, nil", b, err)
	}

	uv, err := d.ReadUvarint()
	if err != nil || uv != 12345 {
		t.Errorf("ReadUvarint() = %d, %v; want 12345, nil", uv, err)
	}

	s, err := d.ReadVarString()
	if err != nil || s != "hello world" {
		t.Errorf("ReadVarString() = %q, %v; want \"hello world\", nil", s, err)
	}

	bs, err := d.ReadVarBytes()
	if err != nil || string(bs) != "\xDE\xAD\xBE\xEF" {
		t.Errorf("ReadVarBytes() = %x, %v; want deadbeef, nil", bs, err)
	}

	if !d.EOF() {
		t.Errorf("Remaining() = %d, want 0", d.Remaining())
	}
}

func TestEncoderLen(t *testing.T) {
	e := NewEncoderWithCap(4)
	e.WriteVarString("abc")
	if e.Len() != 4 {
		t.Fatalf("Len() = %d, want 4", e.Len())
	}
	e.WriteUvarint(1 << 14)
	if e.Len() != 4+UvarintLen(1<<14) {
		t.Fatalf("Len() = %d, want %d", e.Len(), 4+UvarintLen(1<<14))
	}
}

func TestFrameBuffersFit(t *testing.T) {
	payload := make([]byte, 300)
	frames := map[string][]byte{
		"step1":     EncodeSyncStep1(payload),
		"step2":     EncodeSyncStep2(payload),
		"update":    EncodeSyncUpdate(payload),
		"awareness": EncodeAwareness(payload),
	}
	for name, frame := range frames {
		if cap(frame) > frameCap(payload) {
			t.Errorf("%s: cap = %d, want at most %d", name, cap(frame), frameCap(payload))
		}
	}
}

func TestDecoderTruncated(t *testing.T) {
	tests := []struct {
		name string
		buf  []byte
		read func(*Decoder) error
	}{
		{"empty uvarint", nil, func(d *Decoder) error { _, err := d.ReadUvarint(); return err }},
		{"unterminated uvarint", []byte{0x81}, func(d *Decoder) error { _, err := d.ReadUvarint(); return err }},
		{"short bytes", []byte{0x05, 0x01}, func(d *Decoder) error { _, err := d.ReadVarBytes(); return err }},
		{"short string", []byte{0x03, 'a'}, func(d *Decoder) error { _, err := d.ReadVarString(); return err }},
		{"count exceeds remaining", []byte{0x09, 0x00}, func(d *Decoder) error { _, err := d.ReadCollectionCount(); return err }},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.read(NewDecoder(tc.buf))
			if !errors.Is(err, io.ErrUnexpectedEOF) {
				t.Fatalf("err = %v, want io.ErrUnexpectedEOF", err)
			}
		})
	}
}

func TestDecoderVarintOverflow(t *testing.T) {
	buf := []byte{0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0x01}
	_, err := NewDecoder(buf).ReadUvarint()
	if !errors.Is(err, ErrVarintOverflow) {
		t.Fatalf("err = %v, want ErrVarintOverflow", err)
	}
}

func TestReadCollectionCountTooLarge(t *testing.T) {
	e := NewEncoder()
	e.WriteUvarint(MaxCollectionCount + 1)
	_, err := NewDecoder(e.Bytes()).ReadCollectionCount()
	if !errors.Is(err, ErrCollectionTooLarge) {
		t.Fatalf("err = %v, want ErrCollectionTooLarge", err)
	}
}
