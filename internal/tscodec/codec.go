// Package tscodec provides the default implementation of the two-stage
// timestamp compressor the join core treats as an external collaborator
// (spec §6: compress_ts/decompress_ts). The contract only specifies the
// shape (raw []int64 in, bounded []byte out, lossless, scratch-memory
// reuse); this package fills it in with delta-of-delta + zigzag varint
// framing followed by a general-purpose entropy coder, mirroring the
// two-stage shape of tsCompressTimestamp/tsDecompressTimestamp in
// original_source/src/client/src/tscJoinProcess.c without copying its
// bit-packing scheme.
package tscodec

import (
	"encoding/binary"
	"sync"

	"github.com/klauspost/compress/zstd"
	"golang.org/x/xerrors"

	"github.com/distr1/tsjoin/internal/tsjoinerr"
)

// Codec compresses and decompresses a run of timestamps belonging to a
// single TS-Block. Implementations must be safe to reuse across many
// calls when given the same scratch slice (the caller owns scratch and
// may reuse it across blocks to avoid per-block allocation).
type Codec interface {
	// Compress encodes src into a new, tightly-sized byte slice. scratch
	// may be used as working memory and is not required to hold the
	// result on return.
	Compress(src []int64, scratch []byte) ([]byte, error)

	// Decompress decodes exactly n timestamps from src.
	Decompress(src []byte, n uint32, scratch []byte) ([]int64, error)
}

// Default is the module-wide default Codec: delta-of-delta + zigzag
// varint, entropy-coded with zstd at its fastest setting (matching the
// teacher's zlib.BestSpeed choice in internal/squashfs/writer.go, which
// notes "results in only a 2x slow-down over no compression").
var Default Codec = &deltaZstd{}

type deltaZstd struct{}

var encoderPool = sync.Pool{
	New: func() interface{} {
		enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedFastest))
		if err != nil {
			panic(err) // only fails on invalid options, which are fixed above
		}
		return enc
	},
}

var decoderPool = sync.Pool{
	New: func() interface{} {
		dec, err := zstd.NewReader(nil)
		if err != nil {
			panic(err)
		}
		return dec
	},
}

func zigzag(v int64) uint64 {
	return uint64((v << 1) ^ (v >> 63))
}

func unzigzag(v uint64) int64 {
	return int64(v>>1) ^ -int64(v&1)
}

// deltaEncode writes the delta-of-delta, zigzag-varint encoding of ts
// into buf (grown as needed) and returns the result.
func deltaEncode(ts []int64, buf []byte) []byte {
	buf = buf[:0]
	var prev, prevDelta int64
	var scratch [binary.MaxVarintLen64]byte
	for i, v := range ts {
		var dd int64
		switch i {
		case 0:
			dd = v
		case 1:
			dd = v - prev
		default:
			delta := v - prev
			dd = delta - prevDelta
			prevDelta = delta
		}
		if i == 1 {
			prevDelta = dd
		}
		n := binary.PutUvarint(scratch[:], zigzag(dd))
		buf = append(buf, scratch[:n]...)
		prev = v
	}
	return buf
}

func deltaDecode(buf []byte, n uint32, out []int64) ([]int64, error) {
	out = out[:0]
	var prev, prevDelta int64
	for i := uint32(0); i < n; i++ {
		dd64, sz := binary.Uvarint(buf)
		if sz <= 0 {
			return nil, xerrors.Errorf("decode timestamp %d: %w", i, tsjoinerr.BadFormat)
		}
		buf = buf[sz:]
		dd := unzigzag(dd64)
		var v int64
		switch i {
		case 0:
			v = dd
		case 1:
			v = prev + dd
			prevDelta = v - prev
		default:
			delta := prevDelta + dd
			v = prev + delta
			prevDelta = delta
		}
		out = append(out, v)
		prev = v
	}
	return out, nil
}

func (deltaZstd) Compress(src []int64, scratch []byte) ([]byte, error) {
	if len(src) == 0 {
		return nil, nil
	}
	raw := deltaEncode(src, scratch)
	enc := encoderPool.Get().(*zstd.Encoder)
	defer encoderPool.Put(enc)
	return enc.EncodeAll(raw, make([]byte, 0, len(raw)/2+16)), nil
}

func (deltaZstd) Decompress(src []byte, n uint32, scratch []byte) ([]int64, error) {
	if n == 0 {
		return nil, nil
	}
	dec := decoderPool.Get().(*zstd.Decoder)
	defer decoderPool.Put(dec)
	raw, err := dec.DecodeAll(src, scratch[:0])
	if err != nil {
		return nil, xerrors.Errorf("zstd decode: %w", err)
	}
	out, err := deltaDecode(raw, n, make([]int64, 0, n))
	if err != nil {
		return nil, err
	}
	return out, nil
}
