package tsbuffer

import (
	"golang.org/x/xerrors"

	"github.com/distr1/tsjoin"
	"github.com/distr1/tsjoin/internal/tsjoinerr"
)

// Cursor is a bidirectional, tag-grouped traversal position over a
// Buffer (spec §3 Cursor, §4.1 Cursor API/semantics). It owns the
// currently decompressed block's timestamps as an ordinary slice
// (spec §9: "model it as an index into an owned byte vector ... do
// not model it as a reference with the buffer's lifetime").
type Cursor struct {
	buf   *Buffer
	order tsjoin.Order

	shardIdx int32 // -1 == before-first/after-last
	blockIdx int32
	tsIdx    int32

	block decodedBlock
}

type decodedBlock struct {
	tag int64
	ts  []int64
}

// Pos is an opaque, restorable cursor position (spec §4.1
// get_cursor/set_cursor).
type Pos struct {
	shardIdx int32
	blockIdx int32
	tsIdx    int32
	order    tsjoin.Order
}

// ResetPos places the cursor before-first/after-last without changing
// its order.
func (c *Cursor) ResetPos() {
	c.shardIdx, c.blockIdx, c.tsIdx = -1, -1, -1
	c.block = decodedBlock{}
}

// SetOrder changes the traversal direction; callers should ResetPos
// afterwards if resuming from scratch.
func (c *Cursor) SetOrder(o tsjoin.Order) { c.order = o }

// GetCursor captures the current position for later restoration.
func (c *Cursor) GetCursor() Pos {
	return Pos{shardIdx: c.shardIdx, blockIdx: c.blockIdx, tsIdx: c.tsIdx, order: c.order}
}

// SetCursor restores a position previously captured by GetCursor,
// reloading the block it points at.
func (c *Cursor) SetCursor(p Pos) error {
	c.order = p.order
	if p.shardIdx < 0 {
		c.ResetPos()
		return nil
	}
	if err := c.loadBlock(int(p.shardIdx), int(p.blockIdx)); err != nil {
		return err
	}
	c.tsIdx = p.tsIdx
	return nil
}

// NextPos advances the cursor one element in its order, loading
// blocks/shard-sections as needed, and reports whether a valid
// element is now positioned (false at either end of the buffer).
//
// Grounded directly on tscJoinProcess.c's tsBufNextPos: first call
// after reset lands on the first (Asc) or last (Desc) element of the
// first/last shard; thereafter it steps within the current block,
// falling through to the next block and then the next shard-section
// as each runs out, in the cursor's direction.
func (c *Cursor) NextPos() bool {
	buf := c.buf
	if len(buf.dirs) == 0 {
		return false
	}

	if c.shardIdx == -1 {
		return c.firstPos()
	}

	step := int32(1)
	if c.order == tsjoin.OrderDesc {
		step = -1
	}

	atBlockEnd := (c.order == tsjoin.OrderAsc && c.tsIdx >= int32(len(c.block.ts))-1) ||
		(c.order == tsjoin.OrderDesc && c.tsIdx <= 0)
	if !atBlockEnd {
		c.tsIdx += step
		return true
	}

	offsets := buf.blockOffsetsFor(int(c.shardIdx))
	atSectionEnd := (c.order == tsjoin.OrderAsc && c.blockIdx >= int32(len(offsets))-1) ||
		(c.order == tsjoin.OrderDesc && c.blockIdx <= 0)
	if !atSectionEnd {
		if err := c.loadBlock(int(c.shardIdx), int(c.blockIdx)+int(step)); err != nil {
			c.ResetPos()
			return false
		}
		c.seekEdge()
		return true
	}

	atBufEnd := (c.order == tsjoin.OrderAsc && int(c.shardIdx) >= len(buf.dirs)-1) ||
		(c.order == tsjoin.OrderDesc && c.shardIdx <= 0)
	if atBufEnd {
		c.ResetPos()
		return false
	}

	nextShard := int(c.shardIdx) + int(step)
	nextOffsets := buf.blockOffsetsFor(nextShard)
	nextBlock := 0
	if c.order == tsjoin.OrderDesc {
		nextBlock = len(nextOffsets) - 1
	}
	if nextBlock < 0 {
		c.ResetPos()
		return false
	}
	if err := c.loadBlock(nextShard, nextBlock); err != nil {
		c.ResetPos()
		return false
	}
	c.seekEdge()
	return true
}

func (c *Cursor) firstPos() bool {
	buf := c.buf
	if c.order == tsjoin.OrderAsc {
		if err := c.loadBlock(0, 0); err != nil || len(c.block.ts) == 0 {
			c.ResetPos()
			return false
		}
		c.tsIdx = 0
		return true
	}

	lastShard := len(buf.dirs) - 1
	offsets := buf.blockOffsetsFor(lastShard)
	lastBlock := len(offsets) - 1
	if lastBlock < 0 {
		c.ResetPos()
		return false
	}
	if err := c.loadBlock(lastShard, lastBlock); err != nil || len(c.block.ts) == 0 {
		c.ResetPos()
		return false
	}
	c.tsIdx = int32(len(c.block.ts) - 1)
	return true
}

// seekEdge positions tsIdx at the leading edge of the just-loaded
// block for the cursor's direction.
func (c *Cursor) seekEdge() {
	if c.order == tsjoin.OrderAsc {
		c.tsIdx = 0
	} else {
		c.tsIdx = int32(len(c.block.ts) - 1)
	}
}

// GetElem returns the triple at the cursor's current position. ok is
// false when the cursor is before-first/after-last.
func (c *Cursor) GetElem() (tsjoin.Triple, bool) {
	if c.shardIdx < 0 {
		return tsjoin.Triple{}, false
	}
	return tsjoin.Triple{
		ShardID: c.buf.dirs[c.shardIdx].ShardID,
		Tag:     c.block.tag,
		TS:      c.block.ts[c.tsIdx],
	}, true
}

// GetStartPos positions the cursor at the first (Asc) or last (Desc)
// element of the block matching (shard, tag), scanning the shard's
// blocks in the cursor's order (spec §4.1 get_start_pos). ok is false
// when the shard is unknown or no block carries that tag.
func (c *Cursor) GetStartPos(shard uint32, tag int64) (tsjoin.Triple, bool) {
	shardIdx, ok := c.buf.shardIndex[shard]
	if !ok {
		return tsjoin.Triple{}, false
	}
	offsets := c.buf.blockOffsetsFor(shardIdx)
	n := len(offsets)

	start, stop, step := 0, n, 1
	if c.order == tsjoin.OrderDesc {
		start, stop, step = n-1, -1, -1
	}
	for i := start; i != stop; i += step {
		if err := c.loadBlock(shardIdx, i); err != nil {
			return tsjoin.Triple{}, false
		}
		if c.block.tag == tag {
			c.seekEdge()
			elem, ok := c.GetElem()
			return elem, ok
		}
	}
	return tsjoin.Triple{}, false
}

// loadBlock reads, decompresses, and installs the blockIdx-th block of
// shard-array-index shardIdx as the cursor's current block.
func (c *Cursor) loadBlock(shardIdx, blockIdx int) error {
	buf := c.buf
	if shardIdx < 0 || shardIdx >= len(buf.dirs) {
		return xerrors.Errorf("shard index %d out of range: %w", shardIdx, tsjoinerr.BadFormat)
	}
	offsets := buf.blockOffsetsFor(shardIdx)
	if blockIdx < 0 || blockIdx >= len(offsets) {
		return xerrors.Errorf("block index %d out of range: %w", blockIdx, tsjoinerr.BadFormat)
	}

	entry := buf.dirs[shardIdx]
	off := int64(entry.Offset + offsets[blockIdx])

	hdrBuf := make([]byte, 16)
	if _, err := buf.r.ReadAt(hdrBuf, off); err != nil {
		return xerrors.Errorf("read block header at %d: %w", off, wrapIo(err))
	}
	hdr := unmarshalBlockHeader(hdrBuf)

	payload := make([]byte, hdr.CompLen)
	if hdr.CompLen > 0 {
		if _, err := buf.r.ReadAt(payload, off+16); err != nil {
			return xerrors.Errorf("read block payload at %d: %w", off+16, wrapIo(err))
		}
	}

	trailer := make([]byte, 4)
	if _, err := buf.r.ReadAt(trailer, off+16+int64(hdr.CompLen)); err != nil {
		return xerrors.Errorf("read block trailer at %d: %w", off, wrapIo(err))
	}
	if getUint32(trailer) != hdr.CompLen {
		return xerrors.Errorf("block at %d: trailing comp_len %d != leading %d: %w",
			off, getUint32(trailer), hdr.CompLen, tsjoinerr.BadFormat)
	}

	ts, err := buf.codec.Decompress(payload, hdr.N, nil)
	if err != nil {
		return xerrors.Errorf("decompress block at %d: %w", off, err)
	}

	c.shardIdx, c.blockIdx = int32(shardIdx), int32(blockIdx)
	c.block = decodedBlock{tag: hdr.Tag, ts: ts}
	return nil
}

// blockOffsetsFor returns the cumulative byte offsets (relative to the
// shard section's start) of each block in that section, computing and
// caching them on first use. Only the fixed-size leading fields of
// each block are read during the scan, not its payload.
func (b *Buffer) blockOffsetsFor(shardIdx int) []uint64 {
	if offs, ok := b.blockOffsets[shardIdx]; ok {
		return offs
	}
	if shardIdx < 0 || shardIdx >= len(b.dirs) {
		return nil
	}
	entry := b.dirs[shardIdx]

	var offs []uint64
	var pos uint64
	hdrBuf := make([]byte, 16)
	for pos < uint64(entry.CompLen) {
		if _, err := b.r.ReadAt(hdrBuf, int64(entry.Offset+pos)); err != nil {
			break
		}
		hdr := unmarshalBlockHeader(hdrBuf)
		offs = append(offs, pos)
		pos += uint64(blockFixedSize) + uint64(hdr.CompLen)
	}
	b.blockOffsets[shardIdx] = offs
	return offs
}

func getUint32(b []byte) uint32 {
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24
}
