// ABOUTME: on-disk record encode/decode for page store entries
// ABOUTME: Implements CRC32-checksummed records in wal.Entry's style

package pagestore

import (
	"encoding/binary"
	"hash/crc32"

	"github.com/nainya/dbzero/pkg/diffcodec"
)

// Record kinds. recordBase carries a full page image; recordDiff and
// recordZeroDiff carry a diffcodec.Diff against, respectively, the
// previous state's page image or an implicit all-zero page.
const (
	recordBase     = 1
	recordDiff     = 2
	recordZeroDiff = 3
)

// recordHeaderSize is the fixed prefix before the variable payload:
// kind(1) + pageNum(8) + stateNum(8) + payloadLen(4).
const recordHeaderSize = 1 + 8 + 8 + 4

// record is a single logical entry in the page store's data area.
type record struct {
	Kind     byte
	PageNum  uint64
	StateNum uint64
	Payload  []byte // meaning depends on Kind, see encode/decode below
}

// ErrCorruptRecord is returned by decodeRecord when the trailing CRC32
// does not match the payload, the same "surface on read, keep the
// store open" discipline the component design calls for.
var ErrCorruptRecord = perr("pagestore: corrupt record")

type perr string

func (e perr) Error() string { return string(e) }

// encodeRecord serializes a record as
// [kind u8][pageNum u64][stateNum u64][payloadLen u32][payload][crc32 u32].
func encodeRecord(r record) []byte {
	buf := make([]byte, recordHeaderSize+len(r.Payload)+4)
	buf[0] = r.Kind
	binary.LittleEndian.PutUint64(buf[1:9], r.PageNum)
	binary.LittleEndian.PutUint64(buf[9:17], r.StateNum)
	binary.LittleEndian.PutUint32(buf[17:21], uint32(len(r.Payload)))
	copy(buf[recordHeaderSize:], r.Payload)
	crc := crc32.ChecksumIEEE(buf[:recordHeaderSize+len(r.Payload)])
	binary.LittleEndian.PutUint32(buf[len(buf)-4:], crc)
	return buf
}

// decodeRecord parses a record previously produced by encodeRecord and
// verifies its CRC32 trailer. The second return value is how many bytes of buf
// the record occupied, so callers scanning a stream of records can
// advance past it.
func decodeRecord(buf []byte) (record, int, error) {
	if len(buf) < recordHeaderSize+4 {
		return record{}, 0, ErrCorruptRecord
	}
	payloadLen := int(binary.LittleEndian.Uint32(buf[17:21]))
	total := recordHeaderSize + payloadLen + 4
	if len(buf) < total {
		return record{}, 0, ErrCorruptRecord
	}

	want := binary.LittleEndian.Uint32(buf[total-4 : total])
	got := crc32.ChecksumIEEE(buf[:total-4])
	if want != got {
		return record{}, 0, ErrCorruptRecord
	}

	r := record{
		Kind:     buf[0],
		PageNum:  binary.LittleEndian.Uint64(buf[1:9]),
		StateNum: binary.LittleEndian.Uint64(buf[9:17]),
		Payload:  append([]byte(nil), buf[recordHeaderSize:recordHeaderSize+payloadLen]...),
	}
	return r, total, nil
}

// encodeDiffPayload packs a diffcodec.Diff into a record payload:
// [runCount u16][runCount x u16][diff bytes].
func encodeDiffPayload(d diffcodec.Diff) []byte {
	buf := make([]byte, 2+2*len(d.Runs)+len(d.Bytes))
	binary.LittleEndian.PutUint16(buf[0:2], uint16(len(d.Runs)))
	off := 2
	for _, run := range d.Runs {
		binary.LittleEndian.PutUint16(buf[off:off+2], run)
		off += 2
	}
	copy(buf[off:], d.Bytes)
	return buf
}

// decodeDiffPayload is the inverse of encodeDiffPayload.
func decodeDiffPayload(buf []byte) diffcodec.Diff {
	runCount := int(binary.LittleEndian.Uint16(buf[0:2]))
	off := 2
	runs := make([]uint16, runCount)
	for i := 0; i < runCount; i++ {
		runs[i] = binary.LittleEndian.Uint16(buf[off : off+2])
		off += 2
	}
	return diffcodec.Diff{Runs: runs, Bytes: append([]byte(nil), buf[off:]...)}
}
