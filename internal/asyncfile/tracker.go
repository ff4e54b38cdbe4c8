package asyncfile

import "sync"

// defaultMaxPrefetchPages is the read-ahead window cap a tracker uses when
// NewSequentialReadTracker is given a cap of zero or less; callers pass
// their own cap from config.CacheConfig.MaxPrefetchPages.
const defaultMaxPrefetchPages = 32

// SequentialReadTracker remembers the last-accepted (offset, length) for
// one file and grows a read-ahead window across consecutive sequential
// reads, grounded on spec.md §4.5.3.
type SequentialReadTracker struct {
	mu               sync.Mutex
	lastOffset       int64
	lastLen          int64
	prefetchPages    int64
	maxPrefetchPages int64
}

// NewSequentialReadTracker creates a tracker with no read history yet.
func NewSequentialReadTracker(maxPrefetchPages int64) *SequentialReadTracker {
	if maxPrefetchPages <= 0 {
		maxPrefetchPages = defaultMaxPrefetchPages
	}
	return &SequentialReadTracker{maxPrefetchPages: maxPrefetchPages}
}

// Accept classifies a read at offset as sequential or not, and returns
// the prefetch window (in pages) to use for this read. A sequential hit
// doubles the previous window (or starts it at one page, the first time
// a hit is observed); a miss resets the window to zero.
func (t *SequentialReadTracker) Accept(offset int64) int64 {
	t.mu.Lock()
	defer t.mu.Unlock()

	if offset == t.lastOffset+t.lastLen {
		if t.prefetchPages == 0 {
			t.prefetchPages = 1
		} else {
			t.prefetchPages *= 2
		}
		if t.prefetchPages > t.maxPrefetchPages {
			t.prefetchPages = t.maxPrefetchPages
		}
	} else {
		t.prefetchPages = 0
	}
	return t.prefetchPages
}

// Complete records the outcome of a read accepted above: the offset and
// actual number of bytes read, which become the baseline the next call
// to Accept compares against.
func (t *SequentialReadTracker) Complete(offset, nbytesRead int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.lastOffset = offset
	t.lastLen = nbytesRead
}
