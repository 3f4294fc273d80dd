package accounting

import (
	"sync/atomic"
	"time"
)

// Histogram bucket layout. Samples below the floor share bucket 0, samples at
// or above the ceiling share the last bucket, everything in between falls into
// fixed-width buckets starting at the floor.
const (
	HistogramFloor = 100 * time.Microsecond
	HistogramWidth = time.Millisecond
	HistogramCeil  = 10 * time.Second

	// number of fixed-width buckets between floor and ceiling (rounded up)
	histogramSpan = int((HistogramCeil - HistogramFloor + HistogramWidth - 1) / HistogramWidth)

	// HistogramBuckets counts the below-floor and overflow buckets too.
	HistogramBuckets = histogramSpan + 2
)

// Histogram is a lock-free fixed-bucket latency histogram.
type Histogram struct {
	buckets [HistogramBuckets]atomic.Int64
	count   atomic.Int64
}

// NewHistogram returns an empty histogram.
func NewHistogram() *Histogram {
	return &Histogram{}
}

// BucketIndex maps a sample to its bucket.
func BucketIndex(d time.Duration) int {
	switch {
	case d < HistogramFloor:
		return 0
	case d >= HistogramCeil:
		return HistogramBuckets - 1
	default:
		return 1 + int((d-HistogramFloor)/HistogramWidth)
	}
}

// BucketLowerBound returns the inclusive lower bound of bucket i.
func BucketLowerBound(i int) time.Duration {
	switch {
	case i <= 0:
		return 0
	case i >= HistogramBuckets-1:
		return HistogramCeil
	default:
		return HistogramFloor + time.Duration(i-1)*HistogramWidth
	}
}

// Add records one sample.
func (h *Histogram) Add(d time.Duration) {
	h.buckets[BucketIndex(d)].Add(1)
	h.count.Add(1)
}

// Since records the time elapsed since start.
func (h *Histogram) Since(start time.Time) {
	h.Add(time.Since(start))
}

// Count returns the total number of samples recorded.
func (h *Histogram) Count() int64 {
	return h.count.Load()
}

// Bucket returns the count held by bucket i.
func (h *Histogram) Bucket(i int) int64 {
	if i < 0 || i >= HistogramBuckets {
		return 0
	}
	return h.buckets[i].Load()
}

// Snapshot returns the non-empty buckets keyed by their lower bound in
// microseconds.
func (h *Histogram) Snapshot() map[int64]int64 {
	out := make(map[int64]int64)
	for i := range h.buckets {
		if n := h.buckets[i].Load(); n > 0 {
			out[BucketLowerBound(i).Microseconds()] = n
		}
	}
	return out
}
