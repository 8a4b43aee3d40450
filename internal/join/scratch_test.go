package join

import (
	"path/filepath"
	"testing"

	"github.com/distr1/tsjoin"
)

func TestScratchRoundTripRaw(t *testing.T) {
	triples := []tsjoin.Triple{{ShardID: 1, Tag: 2, TS: 3}, {ShardID: 1, Tag: 2, TS: 4}}
	path := filepath.Join(t.TempDir(), "raw")
	if err := writeScratch(path, encodeTriples(triples)); err != nil {
		t.Fatalf("writeScratch: %v", err)
	}
	raw, err := readScratch(path)
	if err != nil {
		t.Fatalf("readScratch: %v", err)
	}
	got := decodeTriples(raw)
	if len(got) != len(triples) || got[0] != triples[0] || got[1] != triples[1] {
		t.Fatalf("got %v, want %v", got, triples)
	}
}

func TestScratchRoundTripGzipFramed(t *testing.T) {
	var triples []tsjoin.Triple
	for i := 0; i < 1000; i++ {
		triples = append(triples, tsjoin.Triple{ShardID: 1, Tag: int64(i), TS: int64(i) * 10})
	}
	raw := encodeTriples(triples)
	if len(raw) <= gzipThreshold {
		t.Fatalf("test fixture too small to exercise gzip framing: %d bytes", len(raw))
	}
	path := filepath.Join(t.TempDir(), "gz")
	if err := writeScratch(path, raw); err != nil {
		t.Fatalf("writeScratch: %v", err)
	}
	got, err := readScratch(path)
	if err != nil {
		t.Fatalf("readScratch: %v", err)
	}
	decoded := decodeTriples(got)
	if len(decoded) != len(triples) {
		t.Fatalf("got %d triples, want %d", len(decoded), len(triples))
	}
	for i := range triples {
		if decoded[i] != triples[i] {
			t.Fatalf("triple %d: got %v, want %v", i, decoded[i], triples[i])
		}
	}
}
