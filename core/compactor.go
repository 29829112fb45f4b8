package core

import (
	"fmt"
	"os"
	"sort"
	"time"
)

// compactor runs compaction cycles in the background. A cycle rewrites the
// live records of every currently-immutable segment into fresh segments
// with matching hint files, then atomically swaps the Directory entries of
// the keys it touched and deletes the superseded files. It never changes
// user-visible state: it is pure space reclamation.
type compactor struct {
	db *DB

	sem   chan struct{} // size 1: only one cycle runs at a time
	stop  chan struct{}
	done  chan struct{}
	errCh chan error
}

func newCompactor(db *DB) *compactor {
	return &compactor{
		db:    db,
		sem:   make(chan struct{}, 1),
		stop:  make(chan struct{}),
		done:  make(chan struct{}),
		errCh: make(chan error, 1),
	}
}

func (c *compactor) run() {
	defer close(c.done)

	ticker := time.NewTicker(c.db.opts.compactionInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.stop:
			return
		case <-ticker.C:
			if c.db.shouldCompact() {
				c.tryCompact()
			}
		}
	}
}

// maybeTrigger is called after every write; it starts a cycle immediately
// if the configured thresholds are already crossed, instead of waiting for
// the next tick.
func (c *compactor) maybeTrigger() {
	if !c.db.opts.compactionEnabled {
		return
	}
	if c.db.shouldCompact() {
		c.tryCompact()
	}
}

func (c *compactor) tryCompact() {
	select {
	case c.sem <- struct{}{}:
		go func() {
			defer func() { <-c.sem }()
			if err := c.db.compactOnce(); err != nil {
				select {
				case c.errCh <- err:
				default:
				}
			}
		}()
	default:
		// a cycle is already running
	}
}

// stopAndWait shuts the background ticker loop down (if it was started) and
// then joins any compaction cycle still in flight, whether it was started
// by the ticker or by an explicit Compact() call, so resources are never
// dropped out from under a running cycle (§5).
func (c *compactor) stopAndWait() {
	if c.db.opts.compactionEnabled {
		close(c.stop)
		<-c.done
	}

	c.sem <- struct{}{}
	<-c.sem
}

// shouldCompact reports whether either configured trigger has been crossed:
// enough immutable segments, or a high enough dead/live byte ratio.
func (db *DB) shouldCompact() bool {
	db.segMu.RLock()
	inactive := len(db.segments) - 1
	db.segMu.RUnlock()

	if inactive >= db.opts.compactionSegmentThreshold {
		return true
	}

	dead := db.deadBytes.Load()
	if dead == 0 {
		return false
	}
	live := db.totalBytes.Load() - dead
	if live <= 0 {
		return true
	}
	ratio := float64(dead) / float64(live)
	return ratio >= db.opts.compactionTriggerRatio
}

// outSegment is one freshly-created segment produced by a compaction cycle,
// paired with the hint file that describes it.
type outSegment struct {
	seg  *segment
	hint *hintWriter
}

// compactOnce runs a single compaction cycle end to end. Only immutable
// segments are ever read here, so there is no race with the writer's
// cursor on the active segment.
func (db *DB) compactOnce() (rerr error) {
	db.segMu.RLock()
	n := len(db.segments)
	toCompact := append([]*segment(nil), db.segments[:n-1]...)
	db.segMu.RUnlock()

	db.opts.onCompactionStart()

	if len(toCompact) == 0 {
		return nil
	}

	var outSegs []outSegment
	// indexChanges maps a key to the (old, new) location pair the swap
	// phase should apply, guarded by strict equality against the old
	// location so a write that raced ahead of compaction is never
	// clobbered.
	indexChanges := make(map[string][2]dirEntry)

	defer func() {
		if rerr != nil {
			for _, o := range outSegs {
				_ = o.hint.close()
				_ = os.Remove(hintSegmentPath(db.dir, o.seg.id))
				_ = o.seg.close()
				_ = os.Remove(dataSegmentPath(db.dir, o.seg.id))
			}
		}
	}()

	newOutSegment := func() (outSegment, error) {
		id := db.claimNextID()
		seg, err := createSegment(db.dir, id)
		if err != nil {
			return outSegment{}, fmt.Errorf("create compaction segment: %w", err)
		}
		hw, err := createHintFile(db.dir, id)
		if err != nil {
			_ = seg.close()
			return outSegment{}, fmt.Errorf("create compaction hint file: %w", err)
		}
		return outSegment{seg: seg, hint: hw}, nil
	}

	cur, err := newOutSegment()
	if err != nil {
		return err
	}
	outSegs = append(outSegs, cur)

	for _, seg := range toCompact {
		rs := newRecordScanner(seg)
		for rs.scan() {
			rec := rs.rec
			if rec.tombstone {
				continue // dead by definition; never rewritten
			}

			loc, ok := db.dirw.get(rec.key)
			if !ok {
				continue // key was deleted since
			}
			isLive := loc.segmentID == seg.id && loc.valueOffset == rec.valueOff
			if !isLive {
				continue // a newer write has already superseded this record
			}

			if cur.seg.Size() >= db.opts.rolloverThreshold {
				cur, err = newOutSegment()
				if err != nil {
					return err
				}
				outSegs = append(outSegs, cur)
			}

			buf := encodeRecord(rec.timestamp, rec.key, rec.value, false)
			off, err := cur.seg.append(buf)
			if err != nil {
				return fmt.Errorf("write key during compaction: %w", err)
			}
			valueOff := off + int64(headerLen+len(rec.key))
			if err := cur.hint.append(rec.timestamp, rec.key, valueOff, uint32(len(rec.value))); err != nil {
				return err
			}

			indexChanges[string(rec.key)] = [2]dirEntry{
				loc,
				{key: rec.key, segmentID: cur.seg.id, valueOffset: valueOff, valueSize: uint32(len(rec.value)), timestamp: rec.timestamp},
			}
		}
		if rs.err != nil {
			return fmt.Errorf("compact scan segment %d: %w", seg.id, rs.err)
		}
	}

	// Data must be durable before the hint files that describe it, so a
	// crash between the two still leaves a data-only segment that
	// recovery can rescan directly.
	for _, o := range outSegs {
		if err := o.seg.sync(); err != nil {
			return err
		}
	}
	for _, o := range outSegs {
		if err := o.hint.sync(); err != nil {
			return err
		}
		if err := o.hint.close(); err != nil {
			return err
		}
	}

	// Short exclusive phase: swap Directory entries for rewritten keys,
	// splice the new segments into the list, and roll the writer onto a
	// fresh active segment so the active segment keeps the highest id
	// even though the new compacted segments claimed higher ids than the
	// segments toCompact snapshotted at the start of this cycle
	// (invariant 3, §3). writerMu is held across the whole phase, so no
	// concurrent rollover can race the id allocation or the segment list
	// splice below.
	db.writerMu.Lock()

	for keyStr, locs := range indexChanges {
		db.dirw.casLocation([]byte(keyStr), locs[0], locs[1])
	}

	freshID := db.claimNextID()
	freshSeg, err := createSegment(db.dir, freshID)
	if err != nil {
		db.writerMu.Unlock()
		return err
	}

	toCompactSet := make(map[uint32]bool, len(toCompact))
	for _, seg := range toCompact {
		toCompactSet[seg.id] = true
	}

	// The live segment list may hold more than just toCompact plus the
	// segment that was active when this cycle started: a concurrent
	// rollover during the scan phase above can have appended further
	// immutable segments and a new active one. Keep everything that
	// isn't being superseded, rather than assuming the pre-compaction
	// active segment is the only survivor, or those segments leak.
	db.segMu.Lock()
	newSegs := make([]*segment, 0, len(db.segments)+len(outSegs)+1)
	for _, seg := range db.segments {
		if !toCompactSet[seg.id] {
			newSegs = append(newSegs, seg)
		}
	}
	for _, o := range outSegs {
		newSegs = append(newSegs, o.seg)
		db.segByID[o.seg.id] = o.seg
	}
	newSegs = append(newSegs, freshSeg)
	sort.Slice(newSegs, func(i, j int) bool { return newSegs[i].id < newSegs[j].id })

	db.segments = newSegs
	db.segByID[freshSeg.id] = freshSeg
	db.active = freshSeg
	db.segMu.Unlock()

	db.writerMu.Unlock()

	// Superseded segments are no longer reachable from db.segments. Retire
	// them rather than closing and unlinking outright: a reader that
	// already resolved one of these segments from segByID before this
	// swap (and is still mid readAt) holds a reference that defers the
	// actual close/remove until it releases.
	for _, seg := range toCompact {
		db.segMu.Lock()
		delete(db.segByID, seg.id)
		db.segMu.Unlock()

		seg.retire()
	}

	db.recomputeByteStats()

	return nil
}

// recomputeByteStats resets the dead-byte heuristic after a compaction
// cycle: everything still on disk is live by construction.
func (db *DB) recomputeByteStats() {
	db.segMu.RLock()
	var total int64
	for _, s := range db.segments {
		total += s.Size()
	}
	db.segMu.RUnlock()

	db.totalBytes.Store(total)
	db.deadBytes.Store(0)
}
