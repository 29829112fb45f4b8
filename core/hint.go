package core

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"os"
)

// hintWriter accumulates hint records for a freshly-rewritten segment. It is
// created alongside a compaction output segment and closed once that
// segment is finalized.
type hintWriter struct {
	file *os.File
}

func createHintFile(dir string, id uint32) (*hintWriter, error) {
	path := hintSegmentPath(dir, id)
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return nil, fmt.Errorf("create hint file %q: %w", path, err)
	}
	return &hintWriter{file: f}, nil
}

func (h *hintWriter) append(ts uint64, key []byte, valueOffset int64, valueSize uint32) error {
	buf := encodeHint(ts, key, valueOffset, valueSize)
	if _, err := h.file.Write(buf); err != nil {
		return fmt.Errorf("append hint: %w", err)
	}
	return nil
}

func (h *hintWriter) sync() error {
	return h.file.Sync()
}

func (h *hintWriter) close() error {
	return h.file.Close()
}

// hasHint reports whether a hint file exists for the given segment id.
func hasHint(dir string, id uint32) bool {
	_, err := os.Stat(hintSegmentPath(dir, id))
	return err == nil
}

// readHintFile reads every record out of a segment's hint file in order.
func readHintFile(dir string, id uint32) ([]*hintRecord, error) {
	path := hintSegmentPath(dir, id)
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open hint file %q: %w", path, err)
	}
	defer f.Close()

	var recs []*hintRecord
	r := bufio.NewReader(f)
	for {
		hdr := make([]byte, hintHdrLen)
		if _, err := io.ReadFull(r, hdr); err != nil {
			if isEOF(err) {
				break
			}
			return nil, fmt.Errorf("%w: read hint header: %v", ErrCorruptRecord, err)
		}
		keySize := binary.LittleEndian.Uint32(hdr[8:12])
		rest := make([]byte, keySize)
		if _, err := io.ReadFull(r, rest); err != nil {
			return nil, fmt.Errorf("%w: read hint key: %v", ErrCorruptRecord, err)
		}

		full := append(hdr, rest...)
		rec, _, err := decodeHint(full)
		if err != nil {
			return nil, err
		}
		recs = append(recs, rec)
	}
	return recs, nil
}
