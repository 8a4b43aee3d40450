// Package tsbuffer implements the append-only, segmented, compressed
// on-disk store of (shard, tag, ts) triples (spec C1), along with its
// bidirectional tag-grouped cursor (cursor.go).
//
// Grounded on original_source/src/client/src/tscJoinProcess.c's
// STSBuf/tsBufCreate/tsBufAppend/tsBufFlush/tsBufMerge family, and on
// the teacher's internal/squashfs writer/reader for the general shape
// of a fixed-size-header-plus-directory binary container built with
// encoding/binary over a plain *os.File.
package tsbuffer

import (
	"fmt"
	"io"
	"os"

	"github.com/google/renameio"
	"golang.org/x/exp/mmap"
	"golang.org/x/sys/unix"
	"golang.org/x/xerrors"

	"github.com/distr1/tsjoin"
	"github.com/distr1/tsjoin/internal/tscodec"
	"github.com/distr1/tsjoin/internal/tsjoinerr"
)

// Buffer is a TS-Buffer: one open file, its shard directory (mirrored
// in memory and on disk), a staging area for not-yet-compressed
// timestamps, and the cursor used to traverse it.
//
// A Buffer created with Create is writable (backed by *os.File) and
// also readable through the same handle. A Buffer obtained with Open
// is read-only, backed by a memory-mapped file, since an already
// written TS-Buffer is immutable by invariant (§3: "once written they
// are immutable").
type Buffer struct {
	path       string
	autoDelete bool
	codec      tscodec.Codec

	w io.WriterAt // non-nil in write mode
	f *os.File    // non-nil in write mode, needed for Truncate/Sync/Close
	r io.ReaderAt // always non-nil: *os.File in write mode, *mmap.ReaderAt in read mode
	closer func() error

	order      tsjoin.Order
	dirs       []shardDirEntry
	shardIndex map[uint32]int
	writeOff   uint64 // next data-section write offset

	blockOffsets map[int][]uint64 // shard array index -> cumulative block start offsets, lazily filled

	curShard    uint32
	haveShard   bool
	curTag      int64
	haveTag     bool
	staging     []int64
	compScratch []byte

	lastTS    int64
	haveLastTS bool

	closed bool
}

// Create allocates a brand-new, empty TS-Buffer backed by a file at
// path (the caller chooses the path, typically via an
// internal/tmpfile.Allocator — spec §9's injected-allocator note).
// autoDelete controls whether Close unlinks the file afterwards.
func Create(path string, autoDelete bool) (*Buffer, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, xerrors.Errorf("create %s: %w", path, wrapIo(err))
	}

	b := &Buffer{
		path:         path,
		autoDelete:   autoDelete,
		codec:        tscodec.Default,
		w:            f,
		f:            f,
		r:            f,
		shardIndex:   make(map[uint32]int),
		blockOffsets: make(map[int][]uint64),
		writeOff:     dataStartOffset,
	}
	if err := b.persistHeader(); err != nil {
		f.Close()
		os.Remove(path)
		return nil, err
	}
	return b, nil
}

// Open attaches to an existing TS-Buffer file read-only, via
// memory-mapped I/O (spec §9 DOMAIN STACK: golang.org/x/exp/mmap).
// Once written, a TS-Buffer is never appended to again by this
// handle, so there is no cursor invalidation hazard from mmap.
func Open(path string, autoDelete bool) (*Buffer, error) {
	ra, err := mmap.Open(path)
	if err != nil {
		return nil, xerrors.Errorf("open %s: %w", path, wrapIo(err))
	}

	hdr := make([]byte, fileHeaderSize)
	if _, err := ra.ReadAt(hdr, 0); err != nil {
		ra.Close()
		return nil, xerrors.Errorf("read header of %s: %w", path, wrapIo(err))
	}
	fh, err := unmarshalFileHeader(hdr)
	if err != nil {
		ra.Close()
		return nil, xerrors.Errorf("%s: %w", path, err)
	}

	dirBuf := make([]byte, directoryBytes)
	if _, err := ra.ReadAt(dirBuf, fileHeaderSize); err != nil {
		ra.Close()
		return nil, xerrors.Errorf("read directory of %s: %w", path, wrapIo(err))
	}

	b := &Buffer{
		path:         path,
		autoDelete:   autoDelete,
		codec:        tscodec.Default,
		r:            ra,
		closer:       ra.Close,
		order:        tsjoin.Order(fh.TSOrder),
		shardIndex:   make(map[uint32]int),
		blockOffsets: make(map[int][]uint64),
	}
	maxEnd := dataStartOffset
	for i := uint32(0); i < fh.ShardCount; i++ {
		e := unmarshalShardDirEntry(dirBuf[i*dirEntrySize:])
		b.dirs = append(b.dirs, e)
		b.shardIndex[e.ShardID] = len(b.dirs) - 1
		if end := e.Offset + uint64(e.CompLen); end > maxEnd {
			maxEnd = end
		}
	}
	b.writeOff = maxEnd
	return b, nil
}

func wrapIo(err error) error {
	return xerrors.Errorf("%s: %w", err, tsjoinerr.Io)
}

// Append stages ts (one or more timestamps sharing shard and tag) for
// compression, flushing whatever was previously staged first if shard
// or tag changed (spec §3 invariant 7, §4.1 append). Order detection
// (spec §4.1) fires while the buffer's order is still Unset.
func (b *Buffer) Append(shard uint32, tag int64, ts []int64) error {
	if b.w == nil {
		return xerrors.Errorf("append to read-only buffer %s: %w", b.path, tsjoinerr.Io)
	}
	if len(ts) == 0 {
		return nil
	}

	if b.haveShard && (shard != b.curShard || (tag != b.curTag && len(b.staging) > 0)) {
		if err := b.flushLocked(); err != nil {
			return err
		}
	}
	b.curShard, b.haveShard = shard, true
	b.curTag, b.haveTag = tag, true

	b.detectOrder(ts)

	b.staging = append(b.staging, ts...)
	b.lastTS, b.haveLastTS = ts[len(ts)-1], true

	if len(b.staging)*8 >= MemBufSize {
		return b.flushLocked()
	}
	return nil
}

// detectOrder implements the "compare against last-seen" rule from
// tscJoinProcess.c's setCheckTSOrder: while order is Unset, compare
// the new batch's first timestamp against whatever timestamp was seen
// immediately before it (the tail of pending staging, or the previous
// append's last value), falling back to comparing the new batch's own
// first two values when nothing earlier exists yet.
func (b *Buffer) detectOrder(ts []int64) {
	if b.order != tsjoin.OrderUnset {
		return
	}
	var prev int64
	var have bool
	if n := len(b.staging); n > 0 {
		prev, have = b.staging[n-1], true
	} else if b.haveLastTS {
		prev, have = b.lastTS, true
	}
	if have {
		switch {
		case ts[0] > prev:
			b.order = tsjoin.OrderAsc
		case ts[0] < prev:
			b.order = tsjoin.OrderDesc
		}
		return
	}
	if len(ts) >= 2 {
		switch {
		case ts[1] > ts[0]:
			b.order = tsjoin.OrderAsc
		case ts[1] < ts[0]:
			b.order = tsjoin.OrderDesc
		}
	}
}

// Flush compresses whatever is currently staged into a new TS-Block,
// appends it to the file, updates the shard directory, and fsyncs
// (spec §4.1 flush). It is a no-op when nothing is staged.
func (b *Buffer) Flush() error {
	if b.w == nil {
		return xerrors.Errorf("flush read-only buffer %s: %w", b.path, tsjoinerr.Io)
	}
	return b.flushLocked()
}

func (b *Buffer) flushLocked() error {
	if len(b.staging) == 0 {
		return nil
	}

	payload, err := b.codec.Compress(b.staging, b.compScratch)
	if err != nil {
		return xerrors.Errorf("compress block (shard %d tag %d): %w", b.curShard, b.curTag, err)
	}
	b.compScratch = payload

	hdr := blockHeader{Tag: b.curTag, N: uint32(len(b.staging)), CompLen: uint32(len(payload))}
	buf := make([]byte, blockFixedSize+len(payload))
	hdr.marshal(buf[:16])
	copy(buf[16:], payload)
	putUint32(buf[16+len(payload):], hdr.CompLen)

	off := b.writeOff
	if _, err := b.w.WriteAt(buf, int64(off)); err != nil {
		return xerrors.Errorf("write block at %d: %w", off, wrapIo(err))
	}
	blockBytes := uint64(len(buf))
	b.writeOff += blockBytes

	idx, ok := b.shardIndex[b.curShard]
	if !ok {
		if len(b.dirs) >= MaxShards {
			return xerrors.Errorf("shard %d: %w", b.curShard, tsjoinerr.TooManyShards)
		}
		b.dirs = append(b.dirs, shardDirEntry{ShardID: b.curShard, Offset: off})
		idx = len(b.dirs) - 1
		b.shardIndex[b.curShard] = idx
	}
	b.dirs[idx].CompLen += uint32(blockBytes)
	b.dirs[idx].NumBlocks++
	delete(b.blockOffsets, idx) // section grew, cached offsets are stale

	if len(b.staging) > 2*(MemBufSize/8) {
		b.staging = make([]int64, 0, MemBufSize/8)
	} else {
		b.staging = b.staging[:0]
	}

	if err := b.persistHeader(); err != nil {
		return err
	}
	return b.sync()
}

func (b *Buffer) sync() error {
	if b.f == nil {
		return nil
	}
	if err := unix.Fsync(int(b.f.Fd())); err != nil {
		return xerrors.Errorf("fsync %s: %w", b.path, wrapIo(err))
	}
	return nil
}

// persistHeader rewrites the file header and the full fixed-size
// shard directory (unused slots zero, per spec §6).
func (b *Buffer) persistHeader() error {
	if b.w == nil {
		return nil
	}
	buf := make([]byte, dataStartOffset)
	fileHeader{Magic: Magic, ShardCount: uint32(len(b.dirs)), TSOrder: int32(b.order)}.marshal(buf[:fileHeaderSize])
	for i, e := range b.dirs {
		e.marshal(buf[fileHeaderSize+i*dirEntrySize:])
	}
	if _, err := b.w.WriteAt(buf, 0); err != nil {
		return xerrors.Errorf("write header of %s: %w", b.path, wrapIo(err))
	}
	return nil
}

// Merge grafts src's single shard section onto b, relabelling it to
// newShardID, accumulating into the existing entry of that id when it
// is already the last one (spec §4.1 merge). It copies the underlying
// bytes with unix.CopyFileRange when both sides are backed by regular
// files, falling back to io.Copy otherwise (e.g. src was opened via
// mmap).
func (b *Buffer) Merge(src *Buffer, newShardID uint32) error {
	if b.w == nil {
		return xerrors.Errorf("merge into read-only buffer %s: %w", b.path, tsjoinerr.Io)
	}
	if len(src.dirs) == 0 {
		return nil
	}
	if len(src.dirs) > 1 {
		return xerrors.Errorf("merge source %s has %d shards, want 1: %w", src.path, len(src.dirs), tsjoinerr.BadFormat)
	}
	if err := b.flushLocked(); err != nil {
		return err
	}

	srcEntry := src.dirs[0]
	n := int64(srcEntry.CompLen)
	dstOff := int64(b.writeOff)
	if err := b.copyBytes(src, int64(srcEntry.Offset), dstOff, n); err != nil {
		return xerrors.Errorf("merge %s into %s: %w", src.path, b.path, err)
	}

	if idx, ok := b.shardIndex[newShardID]; ok && idx == len(b.dirs)-1 {
		b.dirs[idx].CompLen += srcEntry.CompLen
		b.dirs[idx].NumBlocks += srcEntry.NumBlocks
		delete(b.blockOffsets, idx)
	} else {
		if len(b.dirs) >= MaxShards {
			return xerrors.Errorf("merge new shard %d: %w", newShardID, tsjoinerr.TooManyShards)
		}
		b.dirs = append(b.dirs, shardDirEntry{
			ShardID:   newShardID,
			Offset:    uint64(dstOff),
			CompLen:   srcEntry.CompLen,
			NumBlocks: srcEntry.NumBlocks,
		})
		b.shardIndex[newShardID] = len(b.dirs) - 1
	}
	b.writeOff += uint64(n)

	if err := b.persistHeader(); err != nil {
		return err
	}
	return b.sync()
}

// copyBytes transfers n bytes from src at srcOff to b's file at
// dstOff, preferring the zero-copy in-kernel path (spec §6
// zero_copy_file_to_file) when both ends are plain files.
func (b *Buffer) copyBytes(src *Buffer, srcOff, dstOff, n int64) error {
	if sf, ok := src.r.(*os.File); ok && b.f != nil {
		remaining := n
		so, do := srcOff, dstOff
		for remaining > 0 {
			written, err := unix.CopyFileRange(int(sf.Fd()), &so, int(b.f.Fd()), &do, int(remaining), 0)
			if err != nil {
				return copyBytesFallback(src.r, b.w, srcOff, dstOff, n)
			}
			if written == 0 {
				break
			}
			remaining -= int64(written)
		}
		if remaining == 0 {
			return nil
		}
		return copyBytesFallback(src.r, b.w, srcOff, dstOff, n)
	}
	return copyBytesFallback(src.r, b.w, srcOff, dstOff, n)
}

func copyBytesFallback(src io.ReaderAt, dst io.WriterAt, srcOff, dstOff, n int64) error {
	buf := make([]byte, n)
	if _, err := io.ReadFull(io.NewSectionReader(src, srcOff, n), buf); err != nil {
		return wrapIo(err)
	}
	if _, err := dst.WriteAt(buf, dstOff); err != nil {
		return wrapIo(err)
	}
	return nil
}

// Clone reopens the same file read-only, returning an independent
// Buffer with its own cursor state (spec §4.1 clone).
func (b *Buffer) Clone() (*Buffer, error) {
	if b.w != nil {
		if err := b.Flush(); err != nil {
			return nil, err
		}
	}
	return Open(b.path, false)
}

// NewCursor returns a cursor positioned before-first/after-last,
// traversing b in the given order.
func (b *Buffer) NewCursor(order tsjoin.Order) *Cursor {
	return &Cursor{buf: b, order: order, shardIdx: -1, blockIdx: -1, tsIdx: -1}
}

// Sync persists the header and fsyncs without touching staged data,
// used after SetOrder forces a header field without any new block
// being written (spec §4.2 "tie-break on incomplete order inference").
func (b *Buffer) Sync() error {
	if b.w == nil {
		return nil
	}
	if err := b.persistHeader(); err != nil {
		return err
	}
	return b.sync()
}

// Order reports the buffer's currently locked-in timestamp order
// (OrderUnset if fewer than two distinct timestamps have been seen).
func (b *Buffer) Order() tsjoin.Order { return b.order }

// SetOrder force-sets the buffer's header order, used by the
// intersector to coerce an Unset output order to Asc (spec §4.2 "Tie
// break on incomplete order inference").
func (b *Buffer) SetOrder(o tsjoin.Order) { b.order = o }

// NumShards reports how many shard sections the buffer currently has.
func (b *Buffer) NumShards() int { return len(b.dirs) }

// Close flushes any pending staging data, persists the header one
// last time, closes the underlying file, and — if autoDelete is set —
// unlinks it (spec §3 "destroyed on drop").
func (b *Buffer) Close() error {
	if b.closed {
		return nil
	}
	b.closed = true

	var ferr error
	if b.w != nil {
		ferr = b.flushLocked()
	}
	if b.f != nil {
		if cerr := b.f.Close(); ferr == nil {
			ferr = cerr
		}
	} else if b.closer != nil {
		if cerr := b.closer(); ferr == nil {
			ferr = cerr
		}
	}
	if b.autoDelete {
		os.Remove(b.path)
	} else if ferr != nil {
		b.writeDiagnostic(ferr)
	}
	return ferr
}

// writeDiagnostic atomically writes a postmortem file describing a
// fatal close-time error next to a kept (auto_delete=false) TS-Buffer,
// using renameio so a concurrent reader never observes a partial write
// (spec §7: a fatal error on a buffer the caller chose to keep should
// leave behind something diagnosable rather than silently vanishing).
func (b *Buffer) writeDiagnostic(cause error) {
	msg := fmt.Sprintf("tsbuffer %s: close failed: %v\nshards=%d order=%s writeOff=%d\n",
		b.path, cause, len(b.dirs), b.order, b.writeOff)
	_ = renameio.WriteFile(b.path+".diag", []byte(msg), 0o644)
}

func putUint32(b []byte, v uint32) {
	b[0] = byte(v)
	b[1] = byte(v >> 8)
	b[2] = byte(v >> 16)
	b[3] = byte(v >> 24)
}
