// Package buffer implements the per-signal history of measurements: a list of
// fixed-capacity blocks with retention-driven recycling and binary-search
// lookup by timestamp.
package buffer

import (
	"sort"
	"sync"
	"time"

	"github.com/basekick-labs/eca/pkg/models"
)

const (
	// DefaultBlockSize is the number of measurements per block.
	DefaultBlockSize = 128

	// RecycleInterval is the minimum time between two recycle passes.
	RecycleInterval = time.Second

	// HistorySize is the number of recycle passes averaged to size the pool
	// of spare blocks.
	HistorySize = 15
)

type block struct {
	items []models.Measurement
}

func (b *block) first() int64 { return b.items[0].Timestamp }
func (b *block) last() int64  { return b.items[len(b.items)-1].Timestamp }

// Option configures a SignalBuffer.
type Option func(*SignalBuffer)

// WithBlockSize overrides the block capacity.
func WithBlockSize(n int) Option {
	return func(b *SignalBuffer) {
		if n > 0 {
			b.blockSize = n
		}
	}
}

// WithClock overrides the clock used to throttle recycling.
func WithClock(now func() time.Time) Option {
	return func(b *SignalBuffer) {
		if now != nil {
			b.now = now
		}
	}
}

// Stats is a snapshot of buffer occupancy.
type Stats struct {
	Measurements   int
	Blocks         int
	SpareBlocks    int
	RecycledBlocks uint64
}

// SignalBuffer stores the measurement history of one signal. Measurements
// must be queued in timestamp order. All methods are safe for concurrent use.
//
// blocks[:current+1] hold data, blocks[current] is the one being filled and
// anything after it is a reset spare waiting for reuse. The initial state is
// a single empty block.
type SignalBuffer struct {
	key       models.MeasurementKey
	blockSize int

	mu          sync.Mutex
	blocks      []*block
	current     int
	retention   int64
	lastRecycle time.Time
	history     *removalHistory
	recycled    uint64
	now         func() time.Time
}

// New creates an empty buffer for key.
func New(key models.MeasurementKey, opts ...Option) *SignalBuffer {
	b := &SignalBuffer{
		key:       key,
		blockSize: DefaultBlockSize,
		history:   newRemovalHistory(HistorySize),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(b)
	}
	b.blocks = []*block{b.newBlock()}
	b.lastRecycle = b.now()
	return b
}

func (b *SignalBuffer) newBlock() *block {
	return &block{items: make([]models.Measurement, 0, b.blockSize)}
}

// Key returns the signal the buffer belongs to.
func (b *SignalBuffer) Key() models.MeasurementKey {
	return b.key
}

// RetentionTime returns the oldest timestamp that must be kept.
func (b *SignalBuffer) RetentionTime() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.retention
}

// SetRetentionTime sets the oldest timestamp that must be kept. Blocks are
// released lazily by the next read once the recycle interval has elapsed.
func (b *SignalBuffer) SetRetentionTime(ts int64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.retention = ts
}

// Queue appends a measurement.
func (b *SignalBuffer) Queue(m models.Measurement) {
	b.mu.Lock()
	defer b.mu.Unlock()

	cur := b.blocks[b.current]
	if len(cur.items) == b.blockSize {
		b.current++
		if b.current == len(b.blocks) {
			b.blocks = append(b.blocks, b.newBlock())
		}
		cur = b.blocks[b.current]
	}
	cur.items = append(cur.items, m)
}

// Len returns the number of buffered measurements.
func (b *SignalBuffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.count()
}

func (b *SignalBuffer) count() int {
	n := 0
	for i := 0; i <= b.current; i++ {
		n += len(b.blocks[i].items)
	}
	return n
}

func (b *SignalBuffer) empty() bool {
	return b.current == 0 && len(b.blocks[0].items) == 0
}

// Stats returns a snapshot of buffer occupancy.
func (b *SignalBuffer) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()
	return Stats{
		Measurements:   b.count(),
		Blocks:         b.current + 1,
		SpareBlocks:    len(b.blocks) - b.current - 1,
		RecycledBlocks: b.recycled,
	}
}

// Recycle releases leading blocks that lie entirely before the retention
// time. It runs at most once per RecycleInterval and returns the number of
// blocks released. Reads call it implicitly.
func (b *SignalBuffer) Recycle() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.recycle()
}

func (b *SignalBuffer) recycle() int {
	now := b.now()
	if now.Sub(b.lastRecycle) < RecycleInterval {
		return 0
	}
	b.lastRecycle = now

	// The block being filled is never released.
	stale := 0
	for stale < b.current && b.blocks[stale].last() < b.retention {
		stale++
	}
	b.history.add(stale)
	if stale == 0 {
		b.trimSpares()
		return 0
	}

	released := b.blocks[:stale]
	live := b.blocks[stale:]
	blocks := make([]*block, 0, len(b.blocks))
	blocks = append(blocks, live...)
	for _, blk := range released {
		blk.items = blk.items[:0]
		blocks = append(blocks, blk)
	}
	b.blocks = blocks
	b.current -= stale
	b.recycled += uint64(stale)
	b.trimSpares()
	return stale
}

// trimSpares keeps at most the smoothed number of spare blocks.
func (b *SignalBuffer) trimSpares() {
	keep := b.history.spareTarget()
	if spares := len(b.blocks) - b.current - 1; spares > keep {
		for i := b.current + 1 + keep; i < len(b.blocks); i++ {
			b.blocks[i] = nil
		}
		b.blocks = b.blocks[:b.current+1+keep]
	}
}

type position struct {
	block, item int
}

// lowerBound returns the position of the first measurement with a
// timestamp at or after ts, or the end position.
func (b *SignalBuffer) lowerBound(ts int64) position {
	n := b.current + 1
	// First block starting after ts; the candidate is the one before it.
	bi := sort.Search(n, func(i int) bool {
		return len(b.blocks[i].items) > 0 && b.blocks[i].first() > ts
	})
	if bi == 0 {
		return position{0, 0}
	}
	items := b.blocks[bi-1].items
	j := sort.Search(len(items), func(i int) bool { return items[i].Timestamp >= ts })
	if j < len(items) {
		return position{bi - 1, j}
	}
	return position{bi, 0}
}

func (b *SignalBuffer) valid(p position) bool {
	return p.block <= b.current && p.item < len(b.blocks[p.block].items)
}

func (b *SignalBuffer) at(p position) models.Measurement {
	return b.blocks[p.block].items[p.item]
}

func (b *SignalBuffer) prev(p position) (position, bool) {
	if p.item > 0 {
		return position{p.block, p.item - 1}, true
	}
	if p.block == 0 {
		return position{}, false
	}
	blk := b.blocks[p.block-1]
	return position{p.block - 1, len(blk.items) - 1}, true
}

func (b *SignalBuffer) next(p position) position {
	if p.item+1 < len(b.blocks[p.block].items) {
		return position{p.block, p.item + 1}
	}
	return position{p.block + 1, 0}
}

// GetNearestMeasurements returns the measurements straddling ts: the latest
// at or before ts and the earliest at or after it. An exact hit is returned
// on both sides; a missing side is nil.
func (b *SignalBuffer) GetNearestMeasurements(ts int64) (left, right *models.Measurement) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.recycle()
	return b.nearest(ts)
}

func (b *SignalBuffer) nearest(ts int64) (left, right *models.Measurement) {
	if b.empty() {
		return nil, nil
	}

	pos := b.lowerBound(ts)
	if b.valid(pos) {
		m := b.at(pos)
		right = &m
		if m.Timestamp == ts {
			return right, right
		}
	}
	if p, ok := b.prev(pos); ok && b.valid(p) {
		m := b.at(p)
		left = &m
	}
	return left, right
}

// GetNearestMeasurement returns the measurement closest to ts. When two are
// equally close the earlier one wins.
func (b *SignalBuffer) GetNearestMeasurement(ts int64) (models.Measurement, bool) {
	left, right := b.GetNearestMeasurements(ts)
	switch {
	case left == nil && right == nil:
		return models.Measurement{}, false
	case left == nil:
		return *right, true
	case right == nil:
		return *left, true
	case right.Timestamp-ts < ts-left.Timestamp:
		return *right, true
	default:
		return *left, true
	}
}

// GetMeasurements returns the measurements with start <= timestamp <= end.
func (b *SignalBuffer) GetMeasurements(start, end int64) []models.Measurement {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.recycle()
	if b.empty() || end < start {
		return nil
	}

	var out []models.Measurement
	for p := b.lowerBound(start); b.valid(p); p = b.next(p) {
		m := b.at(p)
		if m.Timestamp > end {
			break
		}
		out = append(out, m)
	}
	return out
}
