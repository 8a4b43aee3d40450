// Package insertblock assembles parsed VALUES rows into per-table
// wire-ready submission blocks, detecting whether the rows arrived in
// timestamp order and re-sorting/deduplicating them when they did not
// (spec C4).
//
// Grounded on original_source/src/client/src/tscParseInsert.c's
// tscAllocateMemIfNeed (the ×1.5 growth rule once headroom drops below
// 5 rows) and its ordered-flag tracking in tsParseValues, translated
// from manual malloc/memcpy into a Go byte slice grown by hand to the
// same policy rather than relying on append's own growth curve, since
// the policy is a named part of the spec.
package insertblock

import (
	"encoding/binary"
	"sort"

	"golang.org/x/xerrors"

	"github.com/distr1/tsjoin/internal/tsjoinerr"
)

// tsSource records whether a block's rows carry a server-assigned or
// client-assigned primary timestamp (spec §4.4 ordering detection).
type tsSource int8

const (
	tsUnset tsSource = iota
	tsServer
	tsClient
)

// Block accumulates one destination table's rows before submission.
// Every row is RowSize bytes with its primary TIMESTAMP column as the
// first 8 little-endian bytes.
type Block struct {
	TableUID int64
	ShardID  uint32
	SVersion int32
	RowSize  int

	payload []byte
	numRows int

	ordered  bool
	tsSource tsSource
	prevTS   int64
}

// newBlock allocates a Block with initialSize rows of headroom.
func newBlock(tableUID int64, shardID uint32, sversion int32, rowSize, initialSize int) *Block {
	return &Block{
		TableUID: tableUID,
		ShardID:  shardID,
		SVersion: sversion,
		RowSize:  rowSize,
		payload:  make([]byte, 0, rowSize*initialSize),
		ordered:  true,
	}
}

// NumRows reports how many rows have been appended so far.
func (b *Block) NumRows() int { return b.numRows }

// AppendRow appends one already-parsed, fixed-width row (spec §4.4
// append_row). row's first 8 bytes are its primary timestamp,
// little-endian; row must be exactly RowSize bytes.
func (b *Block) AppendRow(row []byte) error {
	if len(row) != b.RowSize {
		return xerrors.Errorf("row is %d bytes, want %d: %w", len(row), b.RowSize, tsjoinerr.InvalidSQL)
	}

	ts := int64(binary.LittleEndian.Uint64(row[:8]))
	source := tsClient
	if ts == 0 {
		source = tsServer
	}
	if b.tsSource == tsUnset {
		b.tsSource = source
	} else if b.tsSource != source {
		return xerrors.Errorf("table %d: mixed server/client timestamps in one block: %w",
			b.TableUID, tsjoinerr.IncompatibleTsSource)
	}
	if source == tsClient {
		if b.numRows > 0 && ts <= b.prevTS {
			b.ordered = false
		}
		b.prevTS = ts
	}

	b.growIfNeeded()
	b.payload = append(b.payload, row...)
	b.numRows++
	return nil
}

// growIfNeeded implements the ×1.5 capacity growth rule (spec §4.4:
// "grows by ×1.5 when less than 5 × row_size remains").
func (b *Block) growIfNeeded() {
	remaining := cap(b.payload) - len(b.payload)
	if remaining >= 5*b.RowSize {
		return
	}
	newCap := int(float64(cap(b.payload)) * 1.5)
	if min := len(b.payload) + b.RowSize; newCap < min {
		newCap = min
	}
	grown := make([]byte, len(b.payload), newCap)
	copy(grown, b.payload)
	b.payload = grown
}

func (b *Block) rowAt(i int) []byte {
	return b.payload[i*b.RowSize : (i+1)*b.RowSize]
}

func (b *Block) rowTS(i int) int64 {
	return int64(binary.LittleEndian.Uint64(b.rowAt(i)[:8]))
}

// SubmitBlock is the wire-ready, finalized payload for one table
// (spec §6 "parse_insert_sql(sql) -> Vec<SubmitBlock>").
type SubmitBlock struct {
	ShardID  uint32
	TableUID int64
	SVersion int32
	NumRows  int
	Payload  []byte
}

// Finalize sorts (stable, ascending by primary timestamp) and
// deduplicates (keep-first) b's rows if they did not already arrive
// ordered, then returns the wire-ready block (spec §4.4 finalize).
func Finalize(b *Block) SubmitBlock {
	if !b.ordered {
		b.sortAndDedupe()
	}
	return SubmitBlock{
		ShardID:  b.ShardID,
		TableUID: b.TableUID,
		SVersion: b.SVersion,
		NumRows:  b.numRows,
		Payload:  b.payload,
	}
}

func (b *Block) sortAndDedupe() {
	idx := make([]int, b.numRows)
	for i := range idx {
		idx[i] = i
	}
	sort.SliceStable(idx, func(i, j int) bool {
		return b.rowTS(idx[i]) < b.rowTS(idx[j])
	})

	out := make([]byte, 0, len(b.payload))
	var prevTS int64
	haveAny := false
	kept := 0
	for _, i := range idx {
		row := b.rowAt(i)
		ts := b.rowTS(i)
		if haveAny && ts == prevTS {
			continue // keep-first on duplicate primary key
		}
		out = append(out, row...)
		prevTS = ts
		haveAny = true
		kept++
	}
	b.payload = out
	b.numRows = kept
	b.ordered = true
}
