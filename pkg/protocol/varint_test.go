package protocol

import (
	"math"
	"testing"
)

func TestEncodeDecodeUvarint(t *testing.T) {
	tests := []struct {
		name  string
		value uint64
		bytes int // expected encoded length
	}{
		{"zero", 0, 1},
		{"one", 1, 1},
		{"max_1byte", 127, 1},
		{"min_2byte", 128, 2},
		{"max_2byte", 16383, 2},
		{"min_3byte", 16384, 3},
		{"max_uint32", math.MaxUint32, 5},
		{"max_uint64", math.MaxUint64, 10},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			buf := make([]byte, MaxVarintLen)
			n := EncodeUvarint(buf, tc.value)

			if n != tc.bytes {
				t.Errorf("EncodeUvarint(%d) = %d bytes, want %d", tc.value, n, tc.bytes)
			}
			if got := UvarintLen(tc.value); got != n {
				t.Errorf("UvarintLen(%d) = %d, want %d", tc.value, got, n)
			}

			decoded, read := DecodeUvarint(buf[:n])
			if read != n {
				t.Errorf("DecodeUvarint read %d bytes, want %d", read, n)
			}
			if decoded != tc.value {
				t.Errorf("DecodeUvarint = %d, want %d", decoded, tc.value)
			}
		})
	}
}

func TestDecodeUvarintErrors(t *testing.T) {
	if _, n := DecodeUvarint([]byte{0x80, 0x80}); n != -1 {
		t.Errorf("incomplete varint: n = %d, want -1", n)
	}

	overflow := make([]byte, MaxVarintLen+1)
	for i := range overflow {
		overflow[i] = 0xFF
	}
	if _, n := DecodeUvarint(overflow); n != -2 {
		t.Errorf("overflow varint: n = %d, want -2", n)
	}
}

func TestEncoderMatchesEncodeUvarint(t *testing.T) {
	for _, v := range []uint64{0, 1, 300, 1 << 35} {
		buf := make([]byte, MaxVarintLen)
		n := EncodeUvarint(buf, v)

		e := NewEncoder()
		e.WriteUvarint(v)
		if string(e.Bytes()) != string(buf[:n]) {
			t.Errorf("WriteUvarint(%d) = %x, want %x", v, e.Bytes(), buf[:n])
		}
	}
}
