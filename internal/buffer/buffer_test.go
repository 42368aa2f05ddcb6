package buffer

import (
	"sync"
	"testing"
	"time"

	"github.com/basekick-labs/eca/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const ms = int64(1000)

var testKey = models.MeasurementKey{Source: "PPA", ID: 1}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// fill queues samples every 100ms from 0 to 10s inclusive.
func fill(b *SignalBuffer) {
	for i := int64(0); i <= 100; i++ {
		b.Queue(models.Measurement{Key: testKey, Timestamp: i * 100 * ms, Value: float64(i)})
	}
}

func TestSignalBuffer_Empty(t *testing.T) {
	b := New(testKey)
	assert.Equal(t, 0, b.Len())

	_, ok := b.GetNearestMeasurement(0)
	assert.False(t, ok)
	left, right := b.GetNearestMeasurements(0)
	assert.Nil(t, left)
	assert.Nil(t, right)
	assert.Empty(t, b.GetMeasurements(0, 1000))
	assert.Equal(t, Stats{Blocks: 1}, b.Stats())
}

func TestSignalBuffer_GetNearestMeasurement(t *testing.T) {
	for _, size := range []int{DefaultBlockSize, 7} {
		b := New(testKey, WithBlockSize(size))
		fill(b)
		require.Equal(t, 101, b.Len())

		tests := []struct {
			ts   int64
			want int64
		}{
			{2030 * ms, 2000 * ms},
			{2070 * ms, 2100 * ms},
			{2050 * ms, 2000 * ms}, // tie goes to the earlier sample
			{2000 * ms, 2000 * ms},
			{-5 * ms, 0},
			{10500 * ms, 10000 * ms},
			{700 * ms, 700 * ms},
		}
		for _, tt := range tests {
			m, ok := b.GetNearestMeasurement(tt.ts)
			require.True(t, ok)
			assert.Equal(t, tt.want, m.Timestamp, "size %d ts %d", size, tt.ts)
		}
	}
}

func TestSignalBuffer_GetNearestMeasurements(t *testing.T) {
	b := New(testKey, WithBlockSize(10))
	fill(b)

	left, right := b.GetNearestMeasurements(1950 * ms)
	require.NotNil(t, left)
	require.NotNil(t, right)
	assert.Equal(t, 1900*ms, left.Timestamp)
	assert.Equal(t, 2000*ms, right.Timestamp)

	// Straddling a block boundary.
	left, right = b.GetNearestMeasurements(950 * ms)
	assert.Equal(t, 900*ms, left.Timestamp)
	assert.Equal(t, 1000*ms, right.Timestamp)

	left, right = b.GetNearestMeasurements(3000 * ms)
	assert.Same(t, left, right)
	assert.Equal(t, 3000*ms, left.Timestamp)

	left, right = b.GetNearestMeasurements(-1)
	assert.Nil(t, left)
	assert.Equal(t, int64(0), right.Timestamp)

	left, right = b.GetNearestMeasurements(20000 * ms)
	assert.Equal(t, 10000*ms, left.Timestamp)
	assert.Nil(t, right)

	// Returned values are copies.
	left.Value = -1
	m, _ := b.GetNearestMeasurement(10000 * ms)
	assert.Equal(t, float64(100), m.Value)
}

func TestSignalBuffer_GetMeasurements(t *testing.T) {
	b := New(testKey, WithBlockSize(10))
	fill(b)

	got := b.GetMeasurements(1000*ms, 1300*ms)
	require.Len(t, got, 4)
	assert.Equal(t, 1000*ms, got[0].Timestamp)
	assert.Equal(t, 1300*ms, got[3].Timestamp)

	got = b.GetMeasurements(950*ms, 1250*ms)
	require.Len(t, got, 3)
	assert.Equal(t, 1000*ms, got[0].Timestamp)

	assert.Len(t, b.GetMeasurements(-1000*ms, 20000*ms), 101)
	assert.Empty(t, b.GetMeasurements(20000*ms, 30000*ms))
	assert.Empty(t, b.GetMeasurements(2000*ms, 1000*ms))
}

func TestSignalBuffer_RecycleThrottle(t *testing.T) {
	clock := newFakeClock()
	b := New(testKey, WithBlockSize(10), WithClock(clock.Now))
	fill(b)
	require.Equal(t, 11, b.Stats().Blocks)

	b.SetRetentionTime(5000 * ms)
	assert.Equal(t, 5000*ms, b.RetentionTime())

	// Within the throttle window nothing is trimmed.
	assert.Len(t, b.GetMeasurements(0, 20000*ms), 101)

	clock.Advance(RecycleInterval)
	got := b.GetMeasurements(0, 20000*ms)
	require.Len(t, got, 51)
	assert.Equal(t, 5000*ms, got[0].Timestamp)

	stats := b.Stats()
	assert.Equal(t, 6, stats.Blocks)
	assert.Equal(t, 5, stats.SpareBlocks)
	assert.Equal(t, uint64(5), stats.RecycledBlocks)

	// Reading again immediately must not re-trim.
	b.SetRetentionTime(8000 * ms)
	assert.Len(t, b.GetMeasurements(0, 20000*ms), 51)
	assert.Equal(t, 0, b.Recycle())

	clock.Advance(RecycleInterval + time.Millisecond)
	m, ok := b.GetNearestMeasurement(0)
	require.True(t, ok)
	assert.Equal(t, 8000*ms, m.Timestamp)
	assert.Equal(t, 3, b.Stats().Blocks)
}

func TestSignalBuffer_ReusesSpareBlocks(t *testing.T) {
	clock := newFakeClock()
	b := New(testKey, WithBlockSize(10), WithClock(clock.Now))
	fill(b)
	b.SetRetentionTime(5000 * ms)
	clock.Advance(RecycleInterval)
	require.Equal(t, 5, b.Recycle())
	spares := b.Stats().SpareBlocks

	// The last block holds one sample; 9 more fill it, the 10th moves on.
	for i := int64(101); i <= 110; i++ {
		b.Queue(models.Measurement{Key: testKey, Timestamp: i * 100 * ms})
	}
	stats := b.Stats()
	assert.Equal(t, spares-1, stats.SpareBlocks)
	assert.Equal(t, 61, stats.Measurements)

	m, ok := b.GetNearestMeasurement(11000 * ms)
	require.True(t, ok)
	assert.Equal(t, 11000*ms, m.Timestamp)
}

func TestSignalBuffer_SpareTargetSmoothing(t *testing.T) {
	h := newRemovalHistory(3)
	_, ok := h.average()
	assert.False(t, ok)
	assert.Equal(t, 1, h.spareTarget())

	h.add(4)
	h.add(1)
	assert.Equal(t, 4, h.spareTarget()) // ceil(2.5)+1

	h.add(1)
	h.add(0) // evicts the 4
	avg, ok := h.average()
	require.True(t, ok)
	assert.InDelta(t, 2.0/3.0, avg, 1e-9)
	assert.Equal(t, 2, h.spareTarget())
}

func TestSignalBuffer_ConcurrentQueueAndRead(t *testing.T) {
	b := New(testKey, WithBlockSize(16))
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := int64(0); i < 2000; i++ {
			b.Queue(models.Measurement{Key: testKey, Timestamp: i})
		}
	}()
	for i := 0; i < 200; i++ {
		b.GetNearestMeasurement(int64(i * 10))
		b.GetMeasurements(0, int64(i))
	}
	wg.Wait()
	assert.Equal(t, 2000, b.Len())
}
