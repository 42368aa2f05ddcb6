package buffer

import "math"

// removalHistory is a fixed-capacity circular buffer of per-cycle block
// removal counts.
type removalHistory struct {
	counts []int
	next   int
	filled int
	total  int
}

func newRemovalHistory(capacity int) *removalHistory {
	if capacity <= 0 {
		capacity = 1
	}
	return &removalHistory{counts: make([]int, capacity)}
}

func (h *removalHistory) add(count int) {
	if h.filled == len(h.counts) {
		h.total -= h.counts[h.next]
	} else {
		h.filled++
	}
	h.counts[h.next] = count
	h.total += count
	h.next = (h.next + 1) % len(h.counts)
}

// average returns the mean of the recorded counts, or false when nothing
// has been recorded yet.
func (h *removalHistory) average() (float64, bool) {
	if h.filled == 0 {
		return 0, false
	}
	return float64(h.total) / float64(h.filled), true
}

// spareTarget is the number of recycled blocks worth keeping: the rounded-up
// average removal count plus one.
func (h *removalHistory) spareTarget() int {
	avg, ok := h.average()
	if !ok {
		return 1
	}
	return int(math.Ceil(avg)) + 1
}
