// Package asyncfile implements AsyncFile: a buffered, random-access file
// facade whose reads and writes are serviced through a shared page
// cache, with read-ahead on sequential access and write-back through a
// Flusher.
//
// What: Open/ReadAt/WriteAt/Flush, the two-phase fetch/prefetch
// algorithm, and the write-path state dispatch.
// How: grounded on the original async-file crate's file/mod.rs
// (AsyncFile::read_at/write_at/try_read_at/try_write/fetch_pages/
// fetch_consecutive_pages), translated from its Rust async/await
// suspension points to Go: a goroutine blocks in two places, the
// slow-path retry loop's internal/waiter.Wait and fetchConsecutivePages'
// wait for its device read to complete, and no cache or state lock is
// ever held across either.
package asyncfile

import (
	"context"
	"math"
	"sync"

	"github.com/google/uuid"

	"github.com/tee-os/pagecache/internal/cache"
	"github.com/tee-os/pagecache/internal/cacheerr"
	"github.com/tee-os/pagecache/internal/ports"
	"github.com/tee-os/pagecache/internal/waiter"
)

// AsyncFile is a single open file serviced through a shared PageCache.
type AsyncFile struct {
	fd       int32
	rt       ports.RuntimePort
	canRead  bool
	canWrite bool

	lenMu sync.RWMutex
	len   int64

	seqRd       *SequentialReadTracker
	waiterQueue *waiter.Queue
}

// Open-flag bits, mirroring the subset of POSIX open(2) flags this
// facade cares about.
const (
	OWronly = 1 << iota
	ORdwr
)

// Open registers fd (already opened by the caller through whatever
// mechanism backs the Device/AsyncIO port) of the given length as an
// AsyncFile serviced by rt. flags selects read/write intent exactly as
// open(2)'s O_WRONLY/O_RDWR would (the zero value is O_RDONLY): a
// write-only file still fetches pages internally to satisfy a partial
// write's read-modify-write, but ReadAt itself is refused.
func Open(fd int32, length int64, flags int, rt ports.RuntimePort, maxPrefetchPages int64) *AsyncFile {
	canRead, canWrite := true, false
	switch {
	case flags&OWronly != 0:
		canRead, canWrite = false, true
	case flags&ORdwr != 0:
		canRead, canWrite = true, true
	}

	wq := waiter.NewQueue()
	f := &AsyncFile{
		fd:          fd,
		rt:          rt,
		canRead:     canRead,
		canWrite:    canWrite,
		len:         length,
		seqRd:       NewSequentialReadTracker(maxPrefetchPages),
		waiterQueue: wq,
	}
	rt.Flusher().Register(fd, wq)
	return f
}

// Close unregisters the file from its Flusher. It does not close the
// underlying fd; that remains the caller's responsibility since this
// package never opened it.
func (f *AsyncFile) Close() {
	f.rt.Flusher().Unregister(f.fd)
}

// FD returns the file descriptor this AsyncFile wraps.
func (f *AsyncFile) FD() int32 { return f.fd }

// maxOffset guards against the offset-overflow case spec.md §4.5
// requires: any offset at or beyond this bound is rejected with
// EINVAL before any arithmetic is attempted on it. Half of MaxInt64
// leaves room for offset+len(buf) (len is at most MaxInt32) to stay
// within int64.
const maxOffset = math.MaxInt64 / 2

// ReadAt reads into buf starting at offset, returning the number of
// bytes read (possibly short, including 0 at EOF) or a negative errno.
func (f *AsyncFile) ReadAt(ctx context.Context, offset int64, buf []byte) int32 {
	if !f.canRead {
		return -cacheerr.EBADF
	}
	if len(buf) == 0 {
		return 0
	}
	if offset < 0 || offset >= maxOffset || len(buf) > math.MaxInt32 {
		return -cacheerr.EINVAL
	}

	if retval := f.tryReadAt(offset, buf); retval != -cacheerr.EAGAIN {
		return retval
	}

	w := waiter.New()
	f.waiterQueue.Enqueue(w)
	defer f.waiterQueue.Dequeue(w)
	for {
		if retval := f.tryReadAt(offset, buf); retval != -cacheerr.EAGAIN {
			return retval
		}
		if err := w.Wait(ctx); err != nil {
			return -cacheerr.EAGAIN
		}
	}
}

func (f *AsyncFile) tryReadAt(offset int64, buf []byte) int32 {
	fileLen := f.fileLen()
	if offset >= fileLen {
		return 0
	}

	fileRemaining := fileLen - offset
	bufLen := int64(len(buf))
	if bufLen > fileRemaining {
		bufLen = fileRemaining
	}
	buf = buf[:bufLen]

	prefetchPages := f.seqRd.Accept(offset)
	prefetchLen := prefetchPages * cache.PageSize
	maxPrefetchLen := fileRemaining - bufLen
	if prefetchLen > maxPrefetchLen {
		prefetchLen = maxPrefetchLen
	}

	var readNBytes int64
	f.fetchPages(offset, bufLen, prefetchLen, func(h cache.PageHandle) {
		innerOffset := offset + readNBytes - h.Offset()
		pageRemain := int64(cache.PageSize) - innerOffset
		bufRemain := bufLen - readNBytes
		copySize := bufRemain
		if pageRemain < copySize {
			copySize = pageRemain
		}
		src := h.Page().Bytes()[innerOffset : innerOffset+copySize]
		copy(buf[readNBytes:readNBytes+copySize], src)
		readNBytes += copySize
	})

	if readNBytes > 0 {
		f.seqRd.Complete(offset, readNBytes)
		return int32(readNBytes)
	}
	return -cacheerr.EAGAIN
}

func (f *AsyncFile) fileLen() int64 {
	f.lenMu.RLock()
	defer f.lenMu.RUnlock()
	return f.len
}

// fetchPages walks pages in [align_down(offset), align_up(offset+len+prefetchLen))
// in one forward pass, invoking access for each of the leading pages
// that are already readable (Phase A), then issuing batched device
// reads for whatever Uninit pages remain in range (Phase B), per
// spec.md §4.5.1.
func (f *AsyncFile) fetchPages(offset, length, prefetchLen int64, access func(cache.PageHandle)) {
	shouldAccess := true
	var consecutive []cache.PageHandle

	pageBegin := cache.AlignDown(offset)
	pageEnd := cache.AlignUp(offset + length + prefetchLen)
	fetchEnd := cache.AlignUp(offset + length)

	flushBatch := func() {
		if len(consecutive) > 0 {
			f.fetchConsecutivePages(consecutive)
			consecutive = nil
		}
	}

	pc := f.rt.PageCache()
	for pageOffset := pageBegin; pageOffset < pageEnd; pageOffset += cache.PageSize {
		if shouldAccess && pageOffset >= fetchEnd {
			shouldAccess = false
		}

		h, ok := pc.Acquire(f.fd, pageOffset)
		if !ok {
			// Cache saturated mid-scan: stop here: Phase A has already
			// delivered whatever it could, and Phase B simply fetches
			// less than requested this round.
			break
		}
		h.Lock()
		state := h.State()

		if shouldAccess {
			switch state {
			case cache.UpToDate, cache.Dirty, cache.Flushing:
				access(h)
				h.Unlock()
				pc.Release(h)
			case cache.Uninit:
				h.SetState(cache.Fetching)
				h.Unlock()
				consecutive = append(consecutive, h)
				shouldAccess = false
			case cache.Fetching:
				h.Unlock()
				pc.Release(h)
				shouldAccess = false
			}
			continue
		}

		switch state {
		case cache.Uninit:
			h.SetState(cache.Fetching)
			h.Unlock()
			consecutive = append(consecutive, h)
		default:
			h.Unlock()
			pc.Release(h)
			flushBatch()
		}
	}
	flushBatch()
}

// fetchConsecutivePages issues one scatter read covering every page in
// pages (which must be offset-contiguous and all in state Fetching),
// and blocks until it completes. Matches spec.md §4.5.1's "batched
// device read": a short read zero-fills the unread tail of each
// affected page.
func (f *AsyncFile) fetchConsecutivePages(pages []cache.PageHandle) {
	firstOffset := pages[0].Offset()
	bufs := make([][]byte, len(pages))
	for i, h := range pages {
		bufs[i] = h.Page().Bytes()
	}

	done := make(chan int32, 1)
	f.rt.AsyncIO().SubmitReadV(context.Background(), f.fd, bufs, firstOffset, uuid.New(), func(retval int32) {
		done <- retval
	})
	retval := <-done

	readNBytes := int64(0)
	if retval >= 0 {
		readNBytes = int64(retval)
	}

	pc := f.rt.PageCache()
	for _, h := range pages {
		pageOffset := h.Offset()
		validNBytes := int64(0)
		if firstOffset+readNBytes > pageOffset {
			validNBytes = firstOffset + readNBytes - pageOffset
			if validNBytes > cache.PageSize {
				validNBytes = cache.PageSize
			}
		}
		if validNBytes < cache.PageSize {
			h.Page().ZeroFrom(int(validNBytes))
		}

		h.Lock()
		h.SetState(cache.UpToDate)
		h.Unlock()
		pc.Release(h)
	}
	f.waiterQueue.WakeAll()
}

// WriteAt writes buf at offset, returning the number of bytes written
// (possibly short) or a negative errno. It may extend the file's
// length.
func (f *AsyncFile) WriteAt(ctx context.Context, offset int64, buf []byte) int32 {
	if !f.canWrite {
		return -cacheerr.EBADF
	}
	if len(buf) == 0 {
		return 0
	}
	if offset < 0 || offset >= maxOffset || len(buf) > math.MaxInt32 {
		return -cacheerr.EINVAL
	}

	if retval := f.tryWrite(offset, buf); retval != -cacheerr.EAGAIN {
		return retval
	}

	w := waiter.New()
	f.waiterQueue.Enqueue(w)
	defer f.waiterQueue.Dequeue(w)
	for {
		if retval := f.tryWrite(offset, buf); retval != -cacheerr.EAGAIN {
			return retval
		}
		if err := w.Wait(ctx); err != nil {
			return -cacheerr.EAGAIN
		}
	}
}

// writeOutcome tells tryWrite's page loop whether to keep going after
// handling one page.
type writeOutcome int

const (
	writeContinue writeOutcome = iota
	writeStop
)

func (f *AsyncFile) tryWrite(offset int64, buf []byte) int32 {
	if offset < 0 || offset >= maxOffset {
		return -cacheerr.EINVAL
	}

	pc := f.rt.PageCache()
	newDirtyPages := false
	var writeNBytes int64

	pageBegin := cache.AlignDown(offset)
	pageEnd := cache.AlignUp(offset + int64(len(buf)))

	for pageOffset := pageBegin; pageOffset < pageEnd; pageOffset += cache.PageSize {
		h, ok := pc.Acquire(f.fd, pageOffset)
		if !ok {
			break
		}
		innerOffset := offset + writeNBytes - pageOffset
		pageRemain := int64(cache.PageSize) - innerOffset
		bufRemain := int64(len(buf)) - writeNBytes
		copySize := bufRemain
		if pageRemain < copySize {
			copySize = pageRemain
		}
		toWriteFullPage := copySize == cache.PageSize

		doWrite := func() {
			dst := h.Page().Bytes()[innerOffset : innerOffset+copySize]
			copy(dst, buf[writeNBytes:writeNBytes+copySize])
			writeNBytes += copySize
		}

		var outcome writeOutcome
		h.Lock()
		switch h.State() {
		case cache.UpToDate:
			doWrite()
			h.SetState(cache.Dirty)
			h.Unlock()
			pc.Release(h)
			newDirtyPages = true
			outcome = writeContinue

		case cache.Dirty:
			doWrite()
			h.Unlock()
			pc.Release(h)
			outcome = writeContinue

		case cache.Uninit:
			if toWriteFullPage {
				doWrite()
				h.SetState(cache.Dirty)
				h.Unlock()
				pc.Release(h)
				newDirtyPages = true
				outcome = writeContinue
				break
			}
			// A partial write into a page with no backing content yet: it
			// must be fetched before it can be merged with buf. Kick off
			// the fetch and abort this write; the caller retries once the
			// fetch wakes it.
			h.SetState(cache.Fetching)
			h.Unlock()
			f.fetchConsecutivePages([]cache.PageHandle{h})
			outcome = writeStop

		default: // Fetching, Flushing: owned elsewhere, caller must retry
			h.Unlock()
			pc.Release(h)
			outcome = writeStop
		}

		if outcome == writeStop {
			break
		}
	}

	if newDirtyPages {
		f.rt.AutoFlush()
	}

	if writeNBytes > 0 {
		f.lenMu.Lock()
		if offset+writeNBytes > f.len {
			f.len = offset + writeNBytes
		}
		f.lenMu.Unlock()
		return int32(writeNBytes)
	}
	return -cacheerr.EAGAIN
}

// Flush drains every dirty page belonging to this file through the
// Flusher, returning once none remain.
func (f *AsyncFile) Flush(ctx context.Context) error {
	const flushBatchSize = 64
	for {
		n, err := f.rt.Flusher().FlushByFD(ctx, f.fd, flushBatchSize)
		if err != nil {
			return err
		}
		if n == 0 {
			return nil
		}
	}
}
