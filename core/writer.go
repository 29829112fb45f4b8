package core

// writer.go owns everything that touches the active segment: serializing a
// record, appending it, computing the value's offset, rolling over when the
// active segment crosses the configured size, and folding the resulting
// location into the Directory. Durability policy (fsync_every_write vs.
// fsync_on_rollover_and_close) is applied here.

// entryLoc is the location writer.go hands back to callers after a
// successful append, ready to be installed into the Directory.
type entryLoc = dirEntry

// appendOne serializes and appends a single record to the active segment,
// rolling over first if necessary, and returns its Directory location. The
// writer lock is held for the whole operation: the Directory is not
// touched here, only the file append and cursor update.
func (db *DB) appendOne(key, val []byte, tombstone bool) (entryLoc, error) {
	db.writerMu.Lock()
	defer db.writerMu.Unlock()

	ts := db.nextTimestamp()
	buf := encodeRecord(ts, key, val, tombstone)

	if err := db.maybeRolloverLocked(int64(len(buf))); err != nil {
		return entryLoc{}, err
	}

	seg := db.activeSegment()
	off, err := seg.append(buf)
	if err != nil {
		return entryLoc{}, err
	}
	db.totalBytes.Add(int64(len(buf)))

	if db.opts.fsyncPolicy == FsyncEveryWrite {
		if err := seg.sync(); err != nil {
			return entryLoc{}, err
		}
	}

	valSize := uint32(len(val))
	if tombstone {
		valSize = tombstoneSize
	}

	loc := entryLoc{
		key:         append([]byte(nil), key...),
		segmentID:   seg.id,
		valueOffset: off + int64(headerLen+len(key)),
		valueSize:   valSize,
		timestamp:   ts,
	}
	return loc, nil
}

// batchEntryMeta tracks where one entry of a batch landed inside the
// in-progress contiguous write buffer, so locations can be computed once
// the buffer's final file offset is known.
type batchEntryMeta struct {
	key    []byte
	ts     uint64
	bufOff int64
	keyLen int
	valLen int
}

// appendBatch appends entries to the active segment, splitting at record
// boundaries across as many segments as rollover requires, and returns
// their Directory locations in input order. The writer lock is held for
// the whole batch: batch_put is not a transaction, but it does hold the
// writer slot for its duration, so a concurrent Put cannot interleave with
// it mid-batch.
func (db *DB) appendBatch(entries []KV) ([]entryLoc, error) {
	db.writerMu.Lock()
	defer db.writerMu.Unlock()

	locs := make([]entryLoc, len(entries))

	i := 0
	for i < len(entries) {
		seg := db.activeSegment()
		remaining := db.opts.rolloverThreshold - seg.Size()
		if remaining <= 0 && seg.Size() > 0 {
			if err := db.rolloverLocked(); err != nil {
				return nil, err
			}
			continue
		}

		var buf []byte
		var metas []batchEntryMeta

		for i < len(entries) {
			e := entries[i]
			ts := db.nextTimestamp()
			rec := encodeRecord(ts, e.Key, e.Value, false)

			if len(buf) > 0 && int64(len(buf)+len(rec)) > remaining {
				break
			}

			metas = append(metas, batchEntryMeta{
				key: e.Key, ts: ts, bufOff: int64(len(buf)),
				keyLen: len(e.Key), valLen: len(e.Value),
			})
			buf = append(buf, rec...)
			i++

			if int64(len(buf)) >= remaining {
				break
			}
		}

		if len(buf) == 0 {
			continue
		}

		off, err := seg.append(buf)
		if err != nil {
			return nil, err
		}
		db.totalBytes.Add(int64(len(buf)))

		if db.opts.fsyncPolicy == FsyncEveryWrite {
			if err := seg.sync(); err != nil {
				return nil, err
			}
		}

		startIdx := i - len(metas)
		for j, m := range metas {
			locs[startIdx+j] = entryLoc{
				key:         m.key,
				segmentID:   seg.id,
				valueOffset: off + m.bufOff + int64(headerLen+m.keyLen),
				valueSize:   uint32(m.valLen),
				timestamp:   m.ts,
			}
		}

		if i < len(entries) {
			if err := db.rolloverLocked(); err != nil {
				return nil, err
			}
		}
	}

	return locs, nil
}

// maybeRolloverLocked rolls the active segment over if appending nextLen
// more bytes would push it past the configured threshold. Must be called
// with writerMu held.
func (db *DB) maybeRolloverLocked(nextLen int64) error {
	seg := db.activeSegment()
	if seg.Size() > 0 && seg.Size()+nextLen > db.opts.rolloverThreshold {
		return db.rolloverLocked()
	}
	return nil
}

// rolloverLocked closes the active segment off from further appends (it is
// immutable from here on) and makes a freshly allocated segment active.
// Must be called with writerMu held.
func (db *DB) rolloverLocked() error {
	old := db.activeSegment()
	if db.opts.fsyncPolicy == FsyncOnRolloverAndClose {
		if err := old.sync(); err != nil {
			return err
		}
	}

	seg, err := createSegment(db.dir, db.claimNextID())
	if err != nil {
		return err
	}

	db.segMu.Lock()
	db.segments = append(db.segments, seg)
	db.segByID[seg.id] = seg
	db.active = seg
	db.segMu.Unlock()

	return nil
}
