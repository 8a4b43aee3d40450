package tsbuffer

import (
	"encoding/binary"

	"golang.org/x/xerrors"

	"github.com/distr1/tsjoin/internal/tsjoinerr"
)

// On-disk format (spec §3/§6), bit-exact, little-endian:
//
//	[FileHeader]
//	[ShardDirEntry × MaxShards]
//	[ShardSection × shard_count]   (each = [TSBlock × num_blocks])
const (
	// Magic identifies a TS-Buffer file ("TSBF" read little-endian).
	Magic = 0x46425354

	// MaxShards is the compile-time directory capacity (spec §3: "e.g. 256").
	MaxShards = 256

	fileHeaderSize  = 4 + 4 + 4     // Magic, ShardCount, TSOrder
	dirEntrySize    = 4 + 8 + 4 + 4 // ShardID, Offset, CompLen, NumBlocks
	directoryBytes  = MaxShards * dirEntrySize
	dataStartOffset = fileHeaderSize + directoryBytes

	// blockFixedSize is the size of a TSBlock excluding its payload: tag,
	// n, comp_len, <payload>, comp_len (trailing sentinel).
	blockFixedSize = 8 + 4 + 4 + 4
)

// MemBufSize is the initial/resting size of the staging buffer (spec
// §4.1: "allocates scratch regions sized to MEM_BUF_SIZE (≥ 64 KiB)").
const MemBufSize = 64 * 1024

// fileHeader is the first fixed-size record in a TS-Buffer file.
type fileHeader struct {
	Magic      uint32
	ShardCount uint32
	TSOrder    int32
}

func (h fileHeader) marshal(b []byte) {
	_ = b[fileHeaderSize-1]
	e := binary.LittleEndian
	e.PutUint32(b[0:], h.Magic)
	e.PutUint32(b[4:], h.ShardCount)
	e.PutUint32(b[8:], uint32(h.TSOrder))
}

func unmarshalFileHeader(b []byte) (fileHeader, error) {
	if len(b) < fileHeaderSize {
		return fileHeader{}, xerrors.Errorf("short header (%d bytes): %w", len(b), tsjoinerr.BadFormat)
	}
	e := binary.LittleEndian
	h := fileHeader{
		Magic:      e.Uint32(b[0:]),
		ShardCount: e.Uint32(b[4:]),
		TSOrder:    int32(e.Uint32(b[8:])),
	}
	if h.Magic != Magic {
		return fileHeader{}, xerrors.Errorf("magic %#x, want %#x: %w", h.Magic, Magic, tsjoinerr.BadFormat)
	}
	if h.TSOrder < -1 || h.TSOrder > 1 {
		return fileHeader{}, xerrors.Errorf("ts_order %d out of {-1,0,1}: %w", h.TSOrder, tsjoinerr.BadFormat)
	}
	return h, nil
}

// shardDirEntry describes one contiguous shard-section.
type shardDirEntry struct {
	ShardID   uint32
	Offset    uint64
	CompLen   uint32
	NumBlocks uint32
}

func (e shardDirEntry) marshal(b []byte) {
	_ = b[dirEntrySize-1]
	le := binary.LittleEndian
	le.PutUint32(b[0:], e.ShardID)
	le.PutUint64(b[4:], e.Offset)
	le.PutUint32(b[12:], e.CompLen)
	le.PutUint32(b[16:], e.NumBlocks)
}

func unmarshalShardDirEntry(b []byte) shardDirEntry {
	_ = b[dirEntrySize-1]
	le := binary.LittleEndian
	return shardDirEntry{
		ShardID:   le.Uint32(b[0:]),
		Offset:    le.Uint64(b[4:]),
		CompLen:   le.Uint32(b[12:]),
		NumBlocks: le.Uint32(b[16:]),
	}
}

// blockHeader is a TS-Block's fixed-size leading fields (tag, n, comp_len).
// The trailing comp_len sentinel is written/read separately since it
// comes after the variable-length payload.
type blockHeader struct {
	Tag     int64
	N       uint32
	CompLen uint32
}

func (h blockHeader) marshal(b []byte) {
	_ = b[15]
	le := binary.LittleEndian
	le.PutUint64(b[0:], uint64(h.Tag))
	le.PutUint32(b[8:], h.N)
	le.PutUint32(b[12:], h.CompLen)
}

func unmarshalBlockHeader(b []byte) blockHeader {
	_ = b[15]
	le := binary.LittleEndian
	return blockHeader{
		Tag:     int64(le.Uint64(b[0:])),
		N:       le.Uint32(b[8:]),
		CompLen: le.Uint32(b[12:]),
	}
}
