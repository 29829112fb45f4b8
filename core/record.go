package core

import (
	"encoding/binary"
	"fmt"

	"github.com/klauspost/crc32"
)

// On-disk record layout (little-endian):
//
//	0  4   crc32 of everything after the checksum field
//	4  8   timestamp
//	12 4   key_size
//	16 4   value_size (tombstoneSize marks a delete)
//	20 key_size   key bytes
//	20+key_size value_size   value bytes (absent if tombstone)
const (
	csLen      = 4
	tsLen      = 8
	keyLenLen  = 4
	valLenLen  = 4
	headerLen  = csLen + tsLen + keyLenLen + valLenLen // 20
	hintHdrLen = tsLen + keyLenLen + valLenLen + 8      // timestamp, keySize, valSize, valueOffset
)

// tombstoneSize is the reserved value_size sentinel marking a delete. A live
// write may never legally carry this length.
const tombstoneSize uint32 = 0xFFFFFFFF

// record is a single decoded unit from a segment's append log.
type record struct {
	timestamp uint64
	key       []byte
	value     []byte
	tombstone bool
	// off is the offset of the start of the record (not the value) within
	// the segment it was read from.
	off int64
	// valueOff is the offset of the value payload itself.
	valueOff int64
}

// encodeRecord serializes a live or tombstone record and returns the full
// on-disk byte representation.
func encodeRecord(ts uint64, key, val []byte, tombstone bool) []byte {
	valLen := len(val)
	valSize := uint32(valLen)
	if tombstone {
		valSize = tombstoneSize
		valLen = 0
	}

	total := headerLen + len(key) + valLen
	buf := make([]byte, total)

	sb := buf[csLen:]
	binary.LittleEndian.PutUint64(sb, ts)
	sb = sb[tsLen:]
	binary.LittleEndian.PutUint32(sb, uint32(len(key)))
	sb = sb[keyLenLen:]
	binary.LittleEndian.PutUint32(sb, valSize)
	sb = sb[valLenLen:]
	copy(sb, key)
	sb = sb[len(key):]
	if !tombstone {
		copy(sb, val)
	}

	binary.LittleEndian.PutUint32(buf[:csLen], crc32.ChecksumIEEE(buf[csLen:]))

	return buf
}

// decodeHeader splits the fixed-size header at the start of hdr into its
// fields. It does not verify the checksum; decodeRecord does that.
func decodeHeader(hdr []byte) (checksum uint32, ts uint64, keySize, valSize uint32) {
	checksum = binary.LittleEndian.Uint32(hdr[0:csLen])
	ts = binary.LittleEndian.Uint64(hdr[csLen : csLen+tsLen])
	keySize = binary.LittleEndian.Uint32(hdr[csLen+tsLen : csLen+tsLen+keyLenLen])
	valSize = binary.LittleEndian.Uint32(hdr[csLen+tsLen+keyLenLen : headerLen])
	return
}

// decodeRecord parses a full record (header+key+value) out of buf, which
// must hold exactly the bytes for one record starting at its header, and
// verifies its checksum.
func decodeRecord(buf []byte) (*record, error) {
	if len(buf) < headerLen {
		return nil, fmt.Errorf("%w: short record (%d bytes)", ErrCorruptRecord, len(buf))
	}

	checksum, ts, keySize, valSize := decodeHeader(buf)

	tombstone := valSize == tombstoneSize
	valLen := int(valSize)
	if tombstone {
		valLen = 0
	}

	want := headerLen + int(keySize) + valLen
	if len(buf) != want {
		return nil, fmt.Errorf("%w: expected %d bytes, got %d", ErrCorruptRecord, want, len(buf))
	}

	if computed := crc32.ChecksumIEEE(buf[csLen:]); computed != checksum {
		return nil, fmt.Errorf("%w: checksum mismatch: expected %x, got %x", ErrCorruptRecord, checksum, computed)
	}

	key := append([]byte(nil), buf[headerLen:headerLen+int(keySize)]...)
	var val []byte
	if !tombstone {
		val = append([]byte(nil), buf[headerLen+int(keySize):]...)
	}

	return &record{
		timestamp: ts,
		key:       key,
		value:     val,
		tombstone: tombstone,
	}, nil
}

// recordLen returns the total on-disk length of a record with the given key
// and value sizes, including the header.
func recordLen(keySize, valSize int) int64 {
	return int64(headerLen + keySize + valSize)
}

// encodeHint serializes a hint record: timestamp(8) | key_size(4) |
// value_size(4) | value_offset(8) | key_bytes. Hint records never describe
// tombstones: only live records are ever rewritten into compacted segments.
func encodeHint(ts uint64, key []byte, valueOffset int64, valueSize uint32) []byte {
	buf := make([]byte, hintHdrLen+len(key))
	binary.LittleEndian.PutUint64(buf[0:8], ts)
	binary.LittleEndian.PutUint32(buf[8:12], uint32(len(key)))
	binary.LittleEndian.PutUint32(buf[12:16], valueSize)
	binary.LittleEndian.PutUint64(buf[16:24], uint64(valueOffset))
	copy(buf[24:], key)
	return buf
}

// hintRecord is a decoded entry from a hint file.
type hintRecord struct {
	timestamp   uint64
	key         []byte
	valueOffset int64
	valueSize   uint32
}

func decodeHint(buf []byte) (*hintRecord, int, error) {
	if len(buf) < hintHdrLen {
		return nil, 0, fmt.Errorf("%w: short hint record", ErrCorruptRecord)
	}
	ts := binary.LittleEndian.Uint64(buf[0:8])
	keySize := binary.LittleEndian.Uint32(buf[8:12])
	valSize := binary.LittleEndian.Uint32(buf[12:16])
	valueOffset := int64(binary.LittleEndian.Uint64(buf[16:24]))

	total := hintHdrLen + int(keySize)
	if len(buf) < total {
		return nil, 0, fmt.Errorf("%w: short hint record", ErrCorruptRecord)
	}

	key := append([]byte(nil), buf[hintHdrLen:total]...)
	return &hintRecord{timestamp: ts, key: key, valueOffset: valueOffset, valueSize: valSize}, total, nil
}
