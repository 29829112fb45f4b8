package core

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
)

// segment wraps a single append-only data file. The active segment is the
// only one ever appended to; immutable segments are shared read-only
// between callers, so ReadAt (which does not move any file cursor) is safe
// to call concurrently.
//
// A compaction cycle retires a segment once its live records have been
// rewritten elsewhere, but a reader may already be mid-readAt against it.
// refs/retired track that handoff: retire marks the segment superseded,
// and its file is only closed and unlinked once the last acquired reader
// releases it, so a concurrent Get/Range never sees a closed fd or a
// missing file for a segment it already resolved.
type segment struct {
	id   uint32
	dir  string
	file *os.File
	size atomic.Int64

	mu      sync.Mutex
	refs    int
	retired bool
}

func dataSegmentPath(dir string, id uint32) string {
	return filepath.Join(dir, fmt.Sprintf("%010d.data", id))
}

func hintSegmentPath(dir string, id uint32) string {
	return filepath.Join(dir, fmt.Sprintf("%010d.hint", id))
}

// createSegment creates a brand-new, empty segment file.
func createSegment(dir string, id uint32) (*segment, error) {
	path := dataSegmentPath(dir, id)
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return nil, fmt.Errorf("create segment %q: %w", path, err)
	}
	return &segment{id: id, dir: dir, file: f}, nil
}

// openSegment opens an existing segment file for reading and writing.
func openSegment(dir string, id uint32) (*segment, error) {
	path := dataSegmentPath(dir, id)
	f, err := os.OpenFile(path, os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open segment %q: %w", path, err)
	}
	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("stat segment %q: %w", path, err)
	}
	seg := &segment{id: id, dir: dir, file: f}
	seg.size.Store(info.Size())
	return seg, nil
}

// acquire takes a reference on the segment, keeping its file open and on
// disk until a matching release. It reports false if the segment has
// already been retired, in which case the caller must re-resolve the key
// through the Directory: a retire is only ever issued after the Directory
// has moved the key's entry to wherever it was rewritten.
func (s *segment) acquire() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.retired {
		return false
	}
	s.refs++
	return true
}

// release gives back a reference taken by acquire. If the segment was
// retired while the reference was outstanding and this was the last one,
// the file is closed and unlinked now.
func (s *segment) release() {
	s.mu.Lock()
	if s.refs > 0 {
		s.refs--
	}
	finalize := s.retired && s.refs == 0
	s.mu.Unlock()

	if finalize {
		s.finalize()
	}
}

// retire marks the segment superseded by a compaction rewrite. Its file is
// closed and removed immediately if no reader currently holds it, or
// deferred to the last release otherwise.
func (s *segment) retire() {
	s.mu.Lock()
	s.retired = true
	finalize := s.refs == 0
	s.mu.Unlock()

	if finalize {
		s.finalize()
	}
}

// finalize closes the segment's file handle and removes it (and its hint
// file, if any) from disk. Only ever called once, after the last reference
// on a retired segment has been released.
func (s *segment) finalize() {
	if err := s.file.Close(); err != nil {
		log.Printf("rangecask: close superseded segment %d: %v", s.id, err)
	}
	if err := os.Remove(dataSegmentPath(s.dir, s.id)); err != nil {
		log.Printf("rangecask: remove superseded segment %d: %v", s.id, err)
	}
	_ = os.Remove(hintSegmentPath(s.dir, s.id))
}

// append writes buf to the end of the segment in a single syscall and
// returns the offset the write started at. Callers are responsible for
// serializing concurrent appends to the same segment (the writer lock).
func (s *segment) append(buf []byte) (int64, error) {
	off := s.size.Load()
	n, err := s.file.WriteAt(buf, off)
	if err != nil {
		return 0, fmt.Errorf("append segment %d: %w", s.id, err)
	}
	s.size.Add(int64(n))
	return off, nil
}

// readAt performs a positional read of exactly size bytes starting at off.
// It never touches the append cursor, so it is safe to call from readers
// concurrently with a writer appending to the same segment.
func (s *segment) readAt(off int64, size int64) ([]byte, error) {
	buf := make([]byte, size)
	if _, err := s.file.ReadAt(buf, off); err != nil {
		return nil, fmt.Errorf("read segment %d at %d: %w", s.id, off, err)
	}
	return buf, nil
}

func (s *segment) Size() int64 {
	return s.size.Load()
}

func (s *segment) sync() error {
	return s.file.Sync()
}

func (s *segment) close() error {
	return s.file.Close()
}

// truncate cuts the segment down to n bytes, discarding a torn tail, and
// repositions the in-memory size to match.
func (s *segment) truncate(n int64) error {
	if err := s.file.Truncate(n); err != nil {
		return fmt.Errorf("truncate segment %d: %w", s.id, err)
	}
	s.size.Store(n)
	return nil
}

// recordScanner sequentially decodes records from a segment, starting at
// offset 0, stopping at EOF or at the first decode error. A decode error
// (such as a checksum mismatch) is exposed via err. A record cut short by
// EOF ends the scan with err still nil, just like a clean EOF; the caller
// (recovery) detects that torn tail by end() falling short of Size().
type recordScanner struct {
	reader *bufio.Reader
	off    int64 // offset of the next record to decode
	rec    *record
	err    error
}

func newRecordScanner(s *segment) *recordScanner {
	sr := io.NewSectionReader(s.file, 0, s.Size())
	return &recordScanner{reader: bufio.NewReader(sr)}
}

// scan advances to the next record, returning false when there is nothing
// more to read (EOF, including a record truncated by EOF, via rs.err == nil,
// or a decode error, via rs.err != nil).
func (rs *recordScanner) scan() bool {
	if rs.err != nil {
		return false
	}
	rs.rec = nil

	startOff := rs.off

	var hdr [headerLen]byte
	if _, err := io.ReadFull(rs.reader, hdr[:]); err != nil {
		if !isEOF(err) {
			rs.err = fmt.Errorf("%w: read header: %v", ErrCorruptRecord, err)
		}
		return false
	}

	_, _, keySize, valSize := decodeHeader(hdr[:])
	valLen := int(valSize)
	if valSize == tombstoneSize {
		valLen = 0
	}

	body := make([]byte, headerLen+int(keySize)+valLen)
	copy(body, hdr[:])
	if _, err := io.ReadFull(rs.reader, body[headerLen:]); err != nil {
		if !isEOF(err) {
			rs.err = fmt.Errorf("%w: read body: %v", ErrCorruptRecord, err)
		}
		return false
	}

	rec, err := decodeRecord(body)
	if err != nil {
		rs.err = err
		return false
	}
	rec.off = startOff
	rec.valueOff = startOff + int64(headerLen+int(keySize))

	rs.rec = rec
	rs.off = startOff + int64(len(body))
	return true
}

// end is the offset immediately after the last successfully decoded record;
// it is the point a torn tail should be truncated to.
func (rs *recordScanner) end() int64 {
	return rs.off
}

func isEOF(err error) bool {
	return err == io.EOF || errors.Is(err, io.ErrUnexpectedEOF)
}
