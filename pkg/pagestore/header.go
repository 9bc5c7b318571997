// ABOUTME: fixed-size page store header, analogous to kv.go's meta page
// ABOUTME: Implements Encode/Decode for the store's durable bookkeeping

package pagestore

import "encoding/binary"

// headerMagic identifies a dbzero page store file.
var headerMagic = [4]byte{'D', 'B', '0', 'Z'}

// headerSize is the fixed size of the header at offset 0 of the file.
const headerSize = 48

const headerVersion = 1

// header is the durable store-wide bookkeeping block: page size, the
// current checkpoint's location, the highest committed state number,
// and the next free byte offset in the data area.
type header struct {
	PageSize         uint32
	CheckpointOffset uint64
	CheckpointLen    uint64
	MaxState         uint64
	DataEnd          uint64
}

func encodeHeader(h header) []byte {
	buf := make([]byte, headerSize)
	copy(buf[0:4], headerMagic[:])
	binary.LittleEndian.PutUint32(buf[4:8], headerVersion)
	binary.LittleEndian.PutUint32(buf[8:12], h.PageSize)
	binary.LittleEndian.PutUint64(buf[12:20], h.CheckpointOffset)
	binary.LittleEndian.PutUint64(buf[20:28], h.CheckpointLen)
	binary.LittleEndian.PutUint64(buf[28:36], h.MaxState)
	binary.LittleEndian.PutUint64(buf[36:44], h.DataEnd)
	return buf
}

func decodeHeader(buf []byte) (header, error) {
	if len(buf) < headerSize {
		return header{}, ErrCorruptRecord
	}
	if string(buf[0:4]) != string(headerMagic[:]) {
		return header{}, ErrNotAPageStore
	}
	var h header
	h.PageSize = binary.LittleEndian.Uint32(buf[8:12])
	h.CheckpointOffset = binary.LittleEndian.Uint64(buf[12:20])
	h.CheckpointLen = binary.LittleEndian.Uint64(buf[20:28])
	h.MaxState = binary.LittleEndian.Uint64(buf[28:36])
	h.DataEnd = binary.LittleEndian.Uint64(buf[36:44])
	return h, nil
}
