package core

import (
	"fmt"
	"log"
	"os"
	"sort"
	"strconv"
	"strings"

	mapset "github.com/deckarep/golang-set/v2"
)

// recoverState is what Open needs out of recovery to finish constructing a
// DB: the full set of opened segments (in ascending-id order), a rebuilt
// Directory, and the next id to hand out.
type recoverState struct {
	segments []*segment
	dir      *directory
	nextID   uint32
}

// recoverDir enumerates the data directory, prefers hint files where
// present, and otherwise rescans segments to rebuild the Directory from
// scratch. A decode error at the tail of the highest-id (newest) segment is
// treated as a torn tail: the segment is truncated to its last intact
// record and recovery proceeds normally. A decode error anywhere else is
// fatal.
//
// This does not distinguish a true trailing torn write from a mid-file
// corruption that merely happens to surface on the newest segment (a
// checksum mismatch partway through, say): either truncates everything
// after the last intact record. A crash only ever produces the former, so
// this matches the common case; a bit flip deep in the newest segment is
// the rarer one it can't tell apart from a torn tail.
func recoverDir(dataDir string) (*recoverState, error) {
	ids, orphans, err := listSegmentIDs(dataDir)
	if err != nil {
		return nil, err
	}
	if len(orphans) > 0 {
		log.Printf("rangecask: ignoring unrecognized files in %s: %v", dataDir, orphans)
	}

	dirw := newDirectory()
	var segments []*segment

	var maxID uint32
	if len(ids) > 0 {
		maxID = ids[len(ids)-1]
	}

	for _, id := range ids {
		seg, err := openSegment(dataDir, id)
		if err != nil {
			return nil, err
		}
		segments = append(segments, seg)

		if hasHint(dataDir, id) {
			if err := loadFromHint(dataDir, id, dirw); err != nil {
				return nil, err
			}
			continue
		}

		decodedEnd, scanErr := loadFromScan(seg, dirw)

		if scanErr != nil && id != maxID {
			return nil, fmt.Errorf("%w: segment %d: %v", ErrCorruptSegment, id, scanErr)
		}

		if decodedEnd < seg.Size() {
			if id != maxID {
				return nil, fmt.Errorf("%w: segment %d has %d unreadable trailing bytes before the newest segment",
					ErrCorruptSegment, id, seg.Size()-decodedEnd)
			}
			// torn tail on the newest segment, whether from a short read or
			// a failed decode (e.g. checksum mismatch): discard the
			// incomplete/corrupt suffix and keep going, per §4.6.
			if err := seg.truncate(decodedEnd); err != nil {
				return nil, err
			}
		}
	}

	if len(segments) == 0 {
		seg, err := createSegment(dataDir, 0)
		if err != nil {
			return nil, err
		}
		segments = append(segments, seg)
		maxID = 0
	}

	return &recoverState{segments: segments, dir: dirw, nextID: maxID + 1}, nil
}

// loadFromHint rebuilds Directory entries for one segment directly from its
// hint file, without touching the (potentially much larger) data file.
func loadFromHint(dataDir string, id uint32, dirw *directory) error {
	recs, err := readHintFile(dataDir, id)
	if err != nil {
		return err
	}
	for _, r := range recs {
		dirw.put(dirEntry{
			key:         r.key,
			segmentID:   id,
			valueOffset: r.valueOffset,
			valueSize:   r.valueSize,
			timestamp:   r.timestamp,
		})
	}
	return nil
}

// loadFromScan rescans a segment's data file record by record, applying
// each one to the Directory, and returns the offset immediately after the
// last successfully decoded record.
func loadFromScan(seg *segment, dirw *directory) (int64, error) {
	rs := newRecordScanner(seg)
	for rs.scan() {
		rec := rs.rec
		if rec.tombstone {
			dirw.del(rec.key)
			continue
		}
		dirw.put(dirEntry{
			key:         rec.key,
			segmentID:   seg.id,
			valueOffset: rec.valueOff,
			valueSize:   uint32(len(rec.value)),
			timestamp:   rec.timestamp,
		})
	}
	return rs.end(), rs.err
}

// listSegmentIDs scans dataDir for "NNNN.data" files, returning their ids in
// ascending order. The LOCK file and hint files are recognized but not
// listed; every other entry in the directory (anything recovery does not
// recognize) is found via a set difference and reported back as an orphan,
// the same way a crash mid-merge can leave stray files behind.
func listSegmentIDs(dataDir string) (ids []uint32, orphans []string, err error) {
	entries, err := os.ReadDir(dataDir)
	if err != nil {
		return nil, nil, fmt.Errorf("read data dir %q: %w", dataDir, err)
	}

	actual := mapset.NewSet[string]()
	recognized := mapset.NewSet[string]()

	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		actual.Add(name)

		switch {
		case name == "LOCK":
			recognized.Add(name)
		case strings.HasSuffix(name, ".data"):
			idStr := strings.TrimSuffix(name, ".data")
			id, err := strconv.ParseUint(idStr, 10, 32)
			if err != nil {
				continue
			}
			ids = append(ids, uint32(id))
			recognized.Add(name)
		case strings.HasSuffix(name, ".hint"):
			recognized.Add(name) // paired with a .data file, not listed on its own
		}
	}

	if diff := actual.Difference(recognized); diff.Cardinality() != 0 {
		orphans = diff.ToSlice()
		sort.Strings(orphans)
	}

	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, orphans, nil
}
