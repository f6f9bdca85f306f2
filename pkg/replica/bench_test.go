package replica

import (
	"fmt"
	"testing"
)

func BenchmarkApplyUpdate(b *testing.B) {
	for _, n := range []int{1_000, 10_000, 40_000} {
		state := chainUpdate(1, n, n/10)
		b.Run(fmt.Sprintf("items=%d", n), func(b *testing.B) {
			b.ReportAllocs()
			for i := 0; i < b.N; i++ {
				d := New(WithClientID(2))
				if err := d.ApplyUpdate(state, nil); err != nil {
					b.Fatal(err)
				}
			}
		})
	}
}

// BenchmarkApplyUpdate_Reversed delivers a chain newest first, so every
// item but the last waits for its predecessor.
func BenchmarkApplyUpdate_Reversed(b *testing.B) {
	const n = 10_000
	src := New(WithClientID(1))
	var updates [][]byte
	src.OnUpdate(func(update []byte, origin any) { updates = append(updates, update) })
	for i := 0; i < n; i++ {
		if err := src.Insert(i, "x"); err != nil {
			b.Fatal(err)
		}
	}

	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		d := New(WithClientID(2))
		for k := len(updates) - 1; k >= 0; k-- {
			if err := d.ApplyUpdate(updates[k], nil); err != nil {
				b.Fatal(err)
			}
		}
		if d.Len() != n {
			b.Fatalf("Len() = %d, want %d", d.Len(), n)
		}
	}
}

func BenchmarkMergeUpdates(b *testing.B) {
	updates := make([][]byte, 0, 100)
	for c := uint64(1); c <= 100; c++ {
		updates = append(updates, chainUpdate(c, 400, 40))
	}
	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := MergeUpdates(updates); err != nil {
			b.Fatal(err)
		}
	}
}

func BenchmarkInsertFront(b *testing.B) {
	d := New(WithClientID(1))
	b.ReportAllocs()
	for i := 0; i < b.N; i++ {
		if err := d.Insert(0, "x"); err != nil {
			b.Fatal(err)
		}
	}
}
