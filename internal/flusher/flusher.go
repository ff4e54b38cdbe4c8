// Package flusher drains dirty pages from a page cache back to the
// files they belong to, on demand or on a periodic schedule.
//
// What: FlushByFD (bounded-batch drain of one file's dirty pages, used
// by both AsyncFile.Flush and the periodic sweep) and FlushAll (sweep
// every registered file).
// How: writes go out through the same ports.AsyncIOPort AsyncFile reads
// through (SubmitWriteV on the file's own fd), grounded on the original
// file/mod.rs's Rt::flusher().flush_by_fd(self.fd, ...) call — the
// flusher is not a separate device client, it writes back through
// exactly the fd its pages were fetched from. The periodic sweep is
// grounded on the teacher's internal/storage.Scheduler use of
// github.com/robfig/cron/v3, generalized from a SQL-job schedule to a
// fixed-interval cache flush.
package flusher

import (
	"context"
	"log"
	"sort"
	"sync"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"github.com/samber/lo"

	"github.com/tee-os/pagecache/internal/cache"
	"github.com/tee-os/pagecache/internal/cacheerr"
	"github.com/tee-os/pagecache/internal/ports"
	"github.com/tee-os/pagecache/internal/waiter"
)

// MaxBatchSize bounds how many dirty pages a single drain pass pops from
// the cache before re-checking the dirty list, matching the original
// CachedDisk::flush's MAX_BATCH_SIZE.
const MaxBatchSize = 1024

// Flusher drains dirty pages from a shared PageCache back to whichever
// file descriptor they belong to, via a shared AsyncIOPort.
type Flusher struct {
	cache   *cache.PageCache
	asyncIO ports.AsyncIOPort

	cron *cron.Cron

	filesMu sync.Mutex
	files   map[int32]*waiter.Queue
}

// New creates a flusher draining c through asyncIO, with no files
// registered and no periodic schedule running yet.
func New(c *cache.PageCache, asyncIO ports.AsyncIOPort) *Flusher {
	return &Flusher{
		cache:   c,
		asyncIO: asyncIO,
		cron:    cron.New(),
		files:   make(map[int32]*waiter.Queue),
	}
}

// Register associates fd with the waiter queue slow-path readers and
// writers on that file are enrolled in, so a flush can wake them once
// it makes progress.
func (f *Flusher) Register(fd int32, wq *waiter.Queue) {
	f.filesMu.Lock()
	defer f.filesMu.Unlock()
	f.files[fd] = wq
}

// Unregister drops fd from the periodic sweep, typically called when a
// file is closed.
func (f *Flusher) Unregister(fd int32) {
	f.filesMu.Lock()
	defer f.filesMu.Unlock()
	delete(f.files, fd)
}

// StartPeriodic begins a background sweep of every registered file on
// the given cron schedule (e.g. "@every 5s", matching the original
// CachedDisk flusher task's five-second period). It returns an error
// only if the schedule expression fails to parse.
func (f *Flusher) StartPeriodic(schedule string) error {
	_, err := f.cron.AddFunc(schedule, func() {
		if err := f.FlushAll(context.Background()); err != nil {
			log.Printf("pagecache: periodic flush failed: %v", err)
		}
	})
	if err != nil {
		return err
	}
	f.cron.Start()
	return nil
}

// StopPeriodic halts the background sweep and waits for any in-flight
// run to finish.
func (f *Flusher) StopPeriodic() {
	ctx := f.cron.Stop()
	<-ctx.Done()
}

// FlushAll drains every registered file's dirty pages, one file at a
// time.
func (f *Flusher) FlushAll(ctx context.Context) error {
	f.filesMu.Lock()
	fds := lo.Keys(f.files)
	f.filesMu.Unlock()

	for _, fd := range fds {
		if _, err := f.FlushByFD(ctx, fd, MaxBatchSize); err != nil {
			return err
		}
	}
	return nil
}

// FlushByFD drains up to maxBatch of fd's dirty pages in one pass,
// writing each one back through the file's own fd. It returns the
// number of pages written. Callers that want every dirty page gone
// (AsyncFile.Flush) call this in a loop until it returns 0.
func (f *Flusher) FlushByFD(ctx context.Context, fd int32, maxBatch int) (int, error) {
	handles := f.cache.EvictDirtyByFD(fd, maxBatch)
	if len(handles) == 0 {
		return 0, nil
	}

	sort.Slice(handles, func(i, j int) bool { return handles[i].Offset() < handles[j].Offset() })

	// A page may have raced with a concurrent writer between
	// EvictDirtyByFD's pop and the lock taken here (re-dirtied, or
	// discarded); filter those out before committing to Flushing.
	isDirty := func(h cache.PageHandle, _ int) bool {
		h.Lock()
		defer h.Unlock()
		return h.State() == cache.Dirty
	}
	toFlush := lo.Filter(handles, isDirty)
	for _, h := range lo.Reject(handles, isDirty) {
		f.cache.Release(h)
	}
	for _, h := range toFlush {
		h.Lock()
		h.SetState(cache.Flushing)
		h.Unlock()
	}

	total := 0
	runs := consecutiveRuns(toFlush)
	for i, run := range runs {
		ok, err := f.flushRun(ctx, fd, run)
		if err != nil {
			// The runs not yet written are still in Flushing; hand them
			// back as Dirty too.
			for _, rest := range runs[i+1:] {
				f.requeueAsDirty(rest)
			}
			return total, err
		}
		if ok {
			total += len(run)
		}
	}

	// Cache capacity is shared across every open file, so freeing pages
	// here (via Flushing -> UpToDate -> Evictable) can unblock a
	// different file's Acquire that returned "cache full": spec.md §5's
	// backpressure guarantee ("the periodic flusher guarantees forward
	// progress") only holds if every registered file gets a chance to
	// retry, not just fd.
	f.wakeAllRegistered()
	return total, nil
}

func (f *Flusher) wakeAllRegistered() {
	f.filesMu.Lock()
	queues := make([]*waiter.Queue, 0, len(f.files))
	for _, wq := range f.files {
		queues = append(queues, wq)
	}
	f.filesMu.Unlock()
	for _, wq := range queues {
		wq.WakeAll()
	}
}

// consecutiveRuns splits offset-sorted handles into maximal runs of
// page-adjacent offsets, so flushRun can issue one scatter write per run
// instead of one per page, matching spec.md §4.6's "one per page or
// batched consecutive where available".
func consecutiveRuns(handles []cache.PageHandle) [][]cache.PageHandle {
	var runs [][]cache.PageHandle
	for _, h := range handles {
		if n := len(runs); n > 0 {
			last := runs[n-1]
			if last[len(last)-1].Offset()+cache.PageSize == h.Offset() {
				runs[n-1] = append(last, h)
				continue
			}
		}
		runs = append(runs, []cache.PageHandle{h})
	}
	return runs
}

// flushRun writes every handle in run (already offset-consecutive and
// transitioned to Flushing) back through fd with a single gather write,
// then transitions each page Flushing -> UpToDate and releases it.
func (f *Flusher) flushRun(ctx context.Context, fd int32, run []cache.PageHandle) (bool, error) {
	firstOffset := run[0].Offset()
	bufs := lo.Map(run, func(h cache.PageHandle, _ int) []byte { return h.Page().Bytes() })

	done := make(chan int32, 1)
	f.asyncIO.SubmitWriteV(ctx, fd, bufs, firstOffset, uuid.New(), func(retval int32) {
		done <- retval
	})

	select {
	case <-ctx.Done():
		// Unlike the Rust original, a Go PageHandle has no Drop impl to
		// auto-release the batch on an early return: leaving these pages
		// in Flushing and off every LRU list would strand them (and their
		// cache slots) forever. Put them back on the Dirty list so a later
		// flush can retry them instead.
		f.requeueAsDirty(run)
		return false, ctx.Err()
	case retval := <-done:
		if retval < 0 {
			f.requeueAsDirty(run)
			return false, cacheerr.Wrap(cacheerr.KindDeviceIO, -retval, nil, "flush write failed")
		}
		for _, h := range run {
			h.Lock()
			h.SetState(cache.UpToDate)
			h.Unlock()
			f.cache.Release(h)
		}
		return true, nil
	}
}

// requeueAsDirty transitions every handle in run back to Dirty and
// releases it, so a failed or canceled flush returns its pages to the
// Dirty LRU list instead of stranding them in Flushing with no list
// membership and no path back to the cache's reclaim policy.
func (f *Flusher) requeueAsDirty(run []cache.PageHandle) {
	for _, h := range run {
		h.Lock()
		h.SetState(cache.Dirty)
		h.Unlock()
		f.cache.Release(h)
	}
}
