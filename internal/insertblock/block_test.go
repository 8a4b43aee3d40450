package insertblock

import (
	"encoding/binary"
	"errors"
	"testing"

	"github.com/distr1/tsjoin/internal/tsjoinerr"
)

func row(ts int64, rowSize int) []byte {
	r := make([]byte, rowSize)
	binary.LittleEndian.PutUint64(r, uint64(ts))
	return r
}

func rowTSList(t *testing.T, sb SubmitBlock) []int64 {
	t.Helper()
	var out []int64
	for i := 0; i < sb.NumRows; i++ {
		out = append(out, int64(binary.LittleEndian.Uint64(sb.Payload[i*8:i*8+8])))
	}
	return out
}

// Invariant 6 (spec §8): unordered input with duplicate primary keys
// finalizes strictly ascending with one row per distinct ts.
func TestFinalizeSortsAndDedupes(t *testing.T) {
	b := newBlock(1, 0, 1, 8, 2)
	for _, ts := range []int64{30, 10, 20, 10, 30} {
		if err := b.AppendRow(row(ts, 8)); err != nil {
			t.Fatalf("AppendRow(%d): %v", ts, err)
		}
	}
	sb := Finalize(b)
	got := rowTSList(t, sb)
	want := []int64{10, 20, 30}
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("got %v, want %v", got, want)
		}
	}
}

// Scenario 4 (spec §8): descending client timestamps clear ordered,
// and finalize reorders them ascending.
func TestOutOfOrderClearsOrdered(t *testing.T) {
	b := newBlock(1, 0, 1, 8, 2)
	if err := b.AppendRow(row(100, 8)); err != nil {
		t.Fatalf("AppendRow: %v", err)
	}
	if b.ordered != true {
		t.Fatalf("ordered should still be true after first row")
	}
	if err := b.AppendRow(row(50, 8)); err != nil {
		t.Fatalf("AppendRow: %v", err)
	}
	if b.ordered {
		t.Fatalf("ordered should be false after a descending row")
	}
	sb := Finalize(b)
	got := rowTSList(t, sb)
	if got[0] != 50 || got[1] != 100 {
		t.Fatalf("got %v, want ascending [50 100]", got)
	}
}

// Scenario 5 (spec §8): mixing server time (ts=0) and client time
// within one block is fatal.
func TestMixedTsSourceIsFatal(t *testing.T) {
	b := newBlock(1, 0, 1, 8, 2)
	if err := b.AppendRow(row(0, 8)); err != nil {
		t.Fatalf("AppendRow(server time): %v", err)
	}
	err := b.AppendRow(row(1234, 8))
	if err == nil {
		t.Fatalf("expected IncompatibleTsSource error")
	}
	if !errors.Is(err, tsjoinerr.IncompatibleTsSource) {
		t.Fatalf("err = %v, want IncompatibleTsSource", err)
	}
}

func TestAppendRowWrongWidth(t *testing.T) {
	b := newBlock(1, 0, 1, 8, 2)
	if err := b.AppendRow(make([]byte, 4)); err == nil {
		t.Fatalf("expected error for wrong row width")
	}
}

func TestGrowIfNeeded(t *testing.T) {
	b := newBlock(1, 0, 1, 8, 1) // capacity for 1 row only
	for i := 0; i < 10; i++ {
		if err := b.AppendRow(row(int64(i+1), 8)); err != nil {
			t.Fatalf("AppendRow %d: %v", i, err)
		}
	}
	if b.NumRows() != 10 {
		t.Fatalf("NumRows() = %d, want 10", b.NumRows())
	}
}

func TestMergeByShard(t *testing.T) {
	a := NewAssembler()
	b1 := a.GetOrCreateBlock(1, 0, 1, 8, 2)
	b1.AppendRow(row(10, 8))
	b2 := a.GetOrCreateBlock(2, 1, 1, 8, 2)
	b2.AppendRow(row(20, 8))
	b3 := a.GetOrCreateBlock(3, 0, 1, 8, 2)
	b3.AppendRow(row(30, 8))

	batches := a.MergeByShard()
	if len(batches) != 2 {
		t.Fatalf("got %d shard batches, want 2", len(batches))
	}
	if batches[0].ShardID != 0 || len(batches[0].Blocks) != 2 {
		t.Fatalf("shard 0 batch = %+v", batches[0])
	}
	if batches[1].ShardID != 1 || len(batches[1].Blocks) != 1 {
		t.Fatalf("shard 1 batch = %+v", batches[1])
	}
}
