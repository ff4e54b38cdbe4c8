// Package ports declares the trait/port boundaries spec.md §6 draws
// around the core: what the page-cache/async-file/flusher/block-device
// substrate consumes from its environment, without depending on any
// concrete implementation. Concrete adapters live in internal/asyncio,
// internal/blockdev, and internal/runtime.
package ports

import (
	"context"

	"github.com/google/uuid"

	"github.com/tee-os/pagecache/internal/cache"
	"github.com/tee-os/pagecache/internal/waiter"
)

// AsyncIOPort is a completion-based I/O facility capable of scatter
// reads/writes on a file descriptor at an absolute offset. Submit does
// not wait for the operation: it returns once the request has been handed
// off, and
// invokes done exactly once with the device's raw return value (bytes
// transferred, or a negative errno) when the operation completes.
type AsyncIOPort interface {
	// SubmitReadV issues a scatter read of the given buffers at offset
	// into fd. The correlation id threads through to logs and lets
	// completions be traced back to their submission.
	SubmitReadV(ctx context.Context, fd int32, bufs [][]byte, offset int64, id uuid.UUID, done func(retval int32))
	// SubmitWriteV issues a gather write of the given buffers at offset
	// into fd.
	SubmitWriteV(ctx context.Context, fd int32, bufs [][]byte, offset int64, id uuid.UUID, done func(retval int32))
}

// BioType identifies the kind of operation a BioReq carries.
type BioType uint8

const (
	BioRead BioType = iota
	BioWrite
	BioFlush
)

func (t BioType) String() string {
	switch t {
	case BioRead:
		return "read"
	case BioWrite:
		return "write"
	case BioFlush:
		return "flush"
	default:
		return "unknown"
	}
}

// BioReq is a block I/O request submitted to a DevicePort: a type, a
// starting block index, an ordered list of buffer segments, an opaque
// "extra info" payload carried for the on-drop cleanup hook, and the
// cleanup hook itself.
type BioReq struct {
	Type     BioType
	BlockIdx int64
	Bufs     [][]byte
	ID       uuid.UUID
	Ext      any

	// OnDrop runs exactly once, after the request's completion has been
	// observed, so the submitter can release any scratch buffers it
	// allocated into Bufs (spec.md §4.7's "freed deterministically via a
	// request-completion hook").
	OnDrop func(req *BioReq)
}

// Done runs the request's cleanup hook, if any. Submitters call this
// once after consuming the completion.
func (r *BioReq) Done() {
	if r.OnDrop != nil {
		r.OnDrop(r)
	}
}

// BioCompletion is the result of a submitted BioReq: either the number
// of blocks/bytes the device processed, or a negative errno.
type BioCompletion struct {
	Req    *BioReq
	Retval int32
}

// DevicePort is a block device: submit carries no "short block" I/O
// risk (spec.md §6) — a submission either completes in full or reports
// an error.
type DevicePort interface {
	// TotalBytes returns the addressable size of the device in bytes.
	TotalBytes() int64
	// Submit hands off req for processing and returns a channel that
	// receives exactly one BioCompletion.
	Submit(ctx context.Context, req *BioReq) <-chan BioCompletion
}

// The Waiter/WaiterQueue primitive of spec.md §6 (enqueue, dequeue,
// wake-all, wait/wait-with-timeout) is implemented concretely by
// internal/waiter rather than declared as an interface here: unlike the
// device and async-I/O boundaries, the core never needs to swap this
// primitive out for a test double, so a single concrete implementation
// stands in for the port.

// PageCachePort is the slice of *cache.PageCache's API AsyncFile needs.
// Declaring it here rather than depending on AsyncFile importing
// internal/cache's concrete type directly keeps RuntimePort
// implementation-agnostic, per spec.md §6's "static reference to the
// PageCache instance".
type PageCachePort interface {
	Acquire(fileID int32, offset int64) (cache.PageHandle, bool)
	Release(h cache.PageHandle)
	Discard(h cache.PageHandle)
	EvictDirtyByFD(fd int32, maxCount int) []cache.PageHandle
	NumDirty() int
}

// FlusherPort is the slice of *flusher.Flusher's API AsyncFile needs.
type FlusherPort interface {
	Register(fd int32, wq *waiter.Queue)
	Unregister(fd int32)
	FlushByFD(ctx context.Context, fd int32, maxBatch int) (int, error)
}

// RuntimePort supplies the statics AsyncFile and Flusher depend on:
// the async I/O backend, the shared page cache, the flusher instance,
// and a hook the write path calls whenever it creates new dirty pages.
type RuntimePort interface {
	AsyncIO() AsyncIOPort
	PageCache() PageCachePort
	Flusher() FlusherPort
	AutoFlush()
}
