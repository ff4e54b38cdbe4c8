// Package asyncio implements the real ports.AsyncIOPort: scatter/gather
// reads and writes dispatched to a worker goroutine pool, completing via
// callback rather than blocking the submitting goroutine.
//
// What: a fixed-size pool of worker goroutines draining a request
// channel, grounded on the teacher's internal/storage.WorkerPool
// (channel-fed goroutines, context-cancelable, graceful Close).
// How: each worker calls golang.org/x/sys/unix.Preadv/Pwritev directly on
// the raw fd, so a single syscall covers every buffer in the request.
package asyncio

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/sys/unix"

	"github.com/tee-os/pagecache/internal/cacheerr"
	"github.com/tee-os/pagecache/internal/ports"
)

type request struct {
	ctx    context.Context
	fd     int32
	bufs   [][]byte
	offset int64
	id     uuid.UUID
	write  bool
	done   func(retval int32)
}

// Backend is a ports.AsyncIOPort backed by real preadv(2)/pwritev(2)
// syscalls, issued from a pool of worker goroutines so callers do not wait
// for the syscall in Submit; a Submit blocks only while the request queue
// is full (or until its ctx is canceled).
type Backend struct {
	reqCh  chan request
	wg     sync.WaitGroup
	cancel context.CancelFunc
}

// NewBackend starts a backend with numWorkers goroutines draining a
// request queue of the given depth. numWorkers and queueDepth both default
// to a sane minimum of 1 if given as zero or less.
func NewBackend(numWorkers, queueDepth int) *Backend {
	if numWorkers <= 0 {
		numWorkers = 1
	}
	if queueDepth <= 0 {
		queueDepth = 1
	}
	ctx, cancel := context.WithCancel(context.Background())
	b := &Backend{
		reqCh:  make(chan request, queueDepth),
		cancel: cancel,
	}
	b.wg.Add(numWorkers)
	for i := 0; i < numWorkers; i++ {
		go b.worker(ctx)
	}
	return b
}

func (b *Backend) worker(ctx context.Context) {
	defer b.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case req, ok := <-b.reqCh:
			if !ok {
				return
			}
			b.process(req)
		}
	}
}

func (b *Backend) process(req request) {
	var (
		n   int
		err error
	)
	if req.write {
		n, err = unix.Pwritev(int(req.fd), req.bufs, req.offset)
	} else {
		n, err = unix.Preadv(int(req.fd), req.bufs, req.offset)
	}
	if err != nil {
		req.done(-int32(errnoOf(err)))
		return
	}
	req.done(int32(n))
}

func errnoOf(err error) unix.Errno {
	if errno, ok := err.(unix.Errno); ok {
		return errno
	}
	return unix.EIO
}

// SubmitReadV queues a scatter read. done runs on a worker goroutine once
// the syscall returns; it must not block.
func (b *Backend) SubmitReadV(ctx context.Context, fd int32, bufs [][]byte, offset int64, id uuid.UUID, done func(retval int32)) {
	b.submit(request{ctx: ctx, fd: fd, bufs: bufs, offset: offset, id: id, write: false, done: done})
}

// SubmitWriteV queues a gather write.
func (b *Backend) SubmitWriteV(ctx context.Context, fd int32, bufs [][]byte, offset int64, id uuid.UUID, done func(retval int32)) {
	b.submit(request{ctx: ctx, fd: fd, bufs: bufs, offset: offset, id: id, write: true, done: done})
}

func (b *Backend) submit(req request) {
	select {
	case b.reqCh <- req:
	case <-req.ctx.Done():
		req.done(-int32(cacheerr.EAGAIN))
	}
}

// Close stops every worker and waits for them to exit. Requests already
// handed to a worker run to completion; anything still sitting in the
// queue is abandoned.
func (b *Backend) Close() {
	b.cancel()
	b.wg.Wait()
}

var _ ports.AsyncIOPort = (*Backend)(nil)
