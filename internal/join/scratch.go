package join

import (
	"bytes"
	"encoding/binary"
	"io"
	"os"

	"github.com/klauspost/pgzip"

	"github.com/distr1/tsjoin"
)

// gzipThreshold is the staged-byte cutover point above which a
// first-stage scratch file is framed through pgzip rather than written
// raw (spec §4.5 domain note: "when staged bytes exceed 4 KiB").
const gzipThreshold = 4096

const tripleWire = 4 + 8 + 8 // shard uint32, tag int64, ts int64

// encodeTriples serializes triples to the scratch file's raw wire
// format (little-endian, fixed width), prior to any gzip framing.
func encodeTriples(triples []tsjoin.Triple) []byte {
	buf := make([]byte, len(triples)*tripleWire)
	for i, t := range triples {
		off := i * tripleWire
		binary.LittleEndian.PutUint32(buf[off:], t.ShardID)
		binary.LittleEndian.PutUint64(buf[off+4:], uint64(t.Tag))
		binary.LittleEndian.PutUint64(buf[off+12:], uint64(t.TS))
	}
	return buf
}

func decodeTriples(buf []byte) []tsjoin.Triple {
	n := len(buf) / tripleWire
	out := make([]tsjoin.Triple, n)
	for i := 0; i < n; i++ {
		off := i * tripleWire
		out[i] = tsjoin.Triple{
			ShardID: binary.LittleEndian.Uint32(buf[off:]),
			Tag:     int64(binary.LittleEndian.Uint64(buf[off+4:])),
			TS:      int64(binary.LittleEndian.Uint64(buf[off+12:])),
		}
	}
	return out
}

// writeScratch stages raw bytes to path, gzip-framing them through
// pgzip once they're large enough to be worth the framing overhead
// (spec §4.5 domain note on the Join Coordinator's scratch files).
func writeScratch(path string, raw []byte) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()

	if len(raw) <= gzipThreshold {
		_, err := f.Write(raw)
		return err
	}
	zw := pgzip.NewWriter(f)
	if _, err := zw.Write(raw); err != nil {
		zw.Close()
		return err
	}
	return zw.Close()
}

// readScratch reverses writeScratch: it sniffs the gzip magic rather
// than trusting a size threshold, since the writer and reader sides
// only need to agree on the bytes on disk.
func readScratch(path string) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	head := make([]byte, 2)
	n, err := io.ReadFull(f, head)
	if err != nil && err != io.ErrUnexpectedEOF && err != io.EOF {
		return nil, err
	}
	rest, err := io.ReadAll(f)
	if err != nil {
		return nil, err
	}
	all := append(head[:n], rest...)

	if n == 2 && head[0] == 0x1f && head[1] == 0x8b {
		zr, err := pgzip.NewReader(bytes.NewReader(all))
		if err != nil {
			return nil, err
		}
		defer zr.Close()
		return io.ReadAll(zr)
	}
	return all, nil
}
