package core

import "time"

// FsyncPolicy selects when the writer flushes the active segment to
// durable storage.
type FsyncPolicy int

const (
	// FsyncOnRolloverAndClose flushes only on segment rollover and Close.
	// This is the default: higher throughput, at the cost of losing at
	// most the unflushed suffix of the active segment on a crash (a torn
	// tail, which recovery discards cleanly).
	FsyncOnRolloverAndClose FsyncPolicy = iota
	// FsyncEveryWrite flushes after every single Put/Delete/BatchPut
	// append. Safest, slowest.
	FsyncEveryWrite
)

type options struct {
	rolloverThreshold int64
	fsyncPolicy       FsyncPolicy

	compactionEnabled          bool
	compactionInterval         time.Duration
	compactionTriggerRatio     float64
	compactionSegmentThreshold int

	readParallelism int

	onCompactionStart func()
}

// Option configures a DB at Open time.
type Option func(*options)

// WithRolloverThreshold sets the byte size at which the active segment is
// closed and a fresh one takes over.
func WithRolloverThreshold(n int64) Option {
	return func(o *options) { o.rolloverThreshold = n }
}

// WithFsyncPolicy sets the durability policy used on every append.
func WithFsyncPolicy(p FsyncPolicy) Option {
	return func(o *options) { o.fsyncPolicy = p }
}

// WithCompactionEnabled turns the background compactor on or off.
func WithCompactionEnabled(b bool) Option {
	return func(o *options) { o.compactionEnabled = b }
}

// WithCompactionInterval sets how often the background compactor re-checks
// its triggers. A write that crosses a trigger starts a cycle at once, so
// cycles are not held to a minimum spacing of this interval.
func WithCompactionInterval(d time.Duration) Option {
	return func(o *options) { o.compactionInterval = d }
}

// WithCompactionTriggerRatio sets the minimum dead/live byte ratio that
// triggers a compaction cycle.
func WithCompactionTriggerRatio(r float64) Option {
	return func(o *options) { o.compactionTriggerRatio = r }
}

// WithCompactionSegmentThreshold sets the minimum number of immutable
// segments that triggers a compaction cycle, independent of the byte ratio.
func WithCompactionSegmentThreshold(n int) Option {
	return func(o *options) { o.compactionSegmentThreshold = n }
}

// WithReadParallelism sets the worker count used by Range's reader pool.
func WithReadParallelism(n int) Option {
	return func(o *options) { o.readParallelism = n }
}

// WithOnCompactionStart installs a test hook invoked the moment a
// compaction cycle has picked its input segments.
func WithOnCompactionStart(f func()) Option {
	return func(o *options) { o.onCompactionStart = f }
}

func defaultOptions() *options {
	return &options{
		rolloverThreshold:          128 * 1024 * 1024,
		fsyncPolicy:                FsyncOnRolloverAndClose,
		compactionEnabled:          true,
		compactionInterval:         time.Minute,
		compactionTriggerRatio:     0.5,
		compactionSegmentThreshold: 100,
		readParallelism:            8,
		onCompactionStart:          func() {},
	}
}
