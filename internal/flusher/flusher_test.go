package flusher

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/tee-os/pagecache/internal/asyncio"
	"github.com/tee-os/pagecache/internal/cache"
	"github.com/tee-os/pagecache/internal/waiter"
)

func dirtyPage(t *testing.T, c *cache.PageCache, fd int32, offset int64, fill byte) cache.PageHandle {
	t.Helper()
	h, ok := c.Acquire(fd, offset)
	if !ok {
		t.Fatalf("Acquire(%d, %d) failed", fd, offset)
	}
	h.Lock()
	h.SetState(cache.Dirty)
	for i := range h.Page().Bytes() {
		h.Page().Bytes()[i] = fill
	}
	h.Unlock()
	return h
}

func TestFlushByFDDrainsDirtyPages(t *testing.T) {
	c := cache.New(8)
	backend := asyncio.NewFakeBackend()
	backend.SetFile(1, make([]byte, 4*cache.PageSize))
	f := New(c, backend)
	f.Register(1, waiter.NewQueue())

	h0 := dirtyPage(t, c, 1, 0, 0xAA)
	h1 := dirtyPage(t, c, 1, cache.PageSize, 0xBB)
	c.Release(h0)
	c.Release(h1)

	n, err := f.FlushByFD(context.Background(), 1, MaxBatchSize)
	if err != nil {
		t.Fatalf("FlushByFD: %v", err)
	}
	if n != 2 {
		t.Fatalf("flushed %d pages, want 2", n)
	}
	if c.NumDirty() != 0 {
		t.Fatalf("NumDirty() = %d, want 0", c.NumDirty())
	}

	got := backend.File(1)
	if !bytes.Equal(got[:cache.PageSize], bytes.Repeat([]byte{0xAA}, cache.PageSize)) {
		t.Fatalf("page 0 not written back correctly")
	}
	if !bytes.Equal(got[cache.PageSize:2*cache.PageSize], bytes.Repeat([]byte{0xBB}, cache.PageSize)) {
		t.Fatalf("page 1 not written back correctly")
	}
}

func TestFlushByFDUnregisteredFileStillFlushes(t *testing.T) {
	c := cache.New(4)
	backend := asyncio.NewFakeBackend()
	backend.SetFile(99, make([]byte, cache.PageSize))
	f := New(c, backend)

	h := dirtyPage(t, c, 99, 0, 0x01)
	c.Release(h)

	n, err := f.FlushByFD(context.Background(), 99, MaxBatchSize)
	if err != nil || n != 1 {
		t.Fatalf("FlushByFD on unregistered fd: n=%d err=%v", n, err)
	}
}

func TestFlushAllSweepsEveryRegisteredFile(t *testing.T) {
	c := cache.New(8)
	backend := asyncio.NewFakeBackend()
	backend.SetFile(1, make([]byte, cache.PageSize))
	backend.SetFile(2, make([]byte, cache.PageSize))
	f := New(c, backend)
	f.Register(1, waiter.NewQueue())
	f.Register(2, waiter.NewQueue())

	h1 := dirtyPage(t, c, 1, 0, 0x01)
	h2 := dirtyPage(t, c, 2, 0, 0x02)
	c.Release(h1)
	c.Release(h2)

	if err := f.FlushAll(context.Background()); err != nil {
		t.Fatalf("FlushAll: %v", err)
	}
	if c.NumDirty() != 0 {
		t.Fatalf("NumDirty() = %d, want 0", c.NumDirty())
	}
}

func TestFlushByFDWakesOtherRegisteredFiles(t *testing.T) {
	// Cache capacity is shared across files: a reader on fd 2 blocked on
	// "cache full" needs to retry once fd 1's flush frees pages, even
	// though the flush never touched fd 2 itself.
	c := cache.New(8)
	backend := asyncio.NewFakeBackend()
	backend.SetFile(1, make([]byte, 2*cache.PageSize))
	f := New(c, backend)
	f.Register(1, waiter.NewQueue())

	wq2 := waiter.NewQueue()
	f.Register(2, wq2)
	w := waiter.New()
	wq2.Enqueue(w)

	h0 := dirtyPage(t, c, 1, 0, 0xAA)
	h1 := dirtyPage(t, c, 1, cache.PageSize, 0xBB)
	c.Release(h0)
	c.Release(h1)

	woken := make(chan error, 1)
	go func() { woken <- w.Wait(context.Background()) }()

	if _, err := f.FlushByFD(context.Background(), 1, MaxBatchSize); err != nil {
		t.Fatalf("FlushByFD: %v", err)
	}

	select {
	case err := <-woken:
		if err != nil {
			t.Fatalf("Wait returned error: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("fd 2's waiter was never woken by fd 1's flush")
	}
}

func TestFlushByFDWriteFailureRequeuesPagesAsDirty(t *testing.T) {
	// A failed flush write must not strand its pages in Flushing, off
	// every LRU list: they have to come back as Dirty so a later flush
	// can retry them.
	c := cache.New(4)
	backend := asyncio.NewFakeBackend()
	backend.SetFile(1, make([]byte, 2*cache.PageSize))
	f := New(c, backend)

	h0 := dirtyPage(t, c, 1, 0, 0xAA)
	h1 := dirtyPage(t, c, 1, cache.PageSize, 0xBB)
	c.Release(h0)
	c.Release(h1)

	backend.ArmFailure(-5) // -EIO
	n, err := f.FlushByFD(context.Background(), 1, MaxBatchSize)
	if err == nil {
		t.Fatalf("FlushByFD with armed failure returned nil error")
	}
	if n != 0 {
		t.Fatalf("FlushByFD with armed failure flushed %d pages, want 0", n)
	}
	if got := c.NumDirty(); got != 2 {
		t.Fatalf("NumDirty() after failed flush = %d, want 2 (pages requeued as Dirty)", got)
	}

	// A retried flush with no armed failure must succeed, proving the
	// pages are reachable again rather than stuck in Flushing.
	n, err = f.FlushByFD(context.Background(), 1, MaxBatchSize)
	if err != nil {
		t.Fatalf("retried FlushByFD: %v", err)
	}
	if n != 2 {
		t.Fatalf("retried FlushByFD flushed %d pages, want 2", n)
	}
	if c.NumDirty() != 0 {
		t.Fatalf("NumDirty() after retried flush = %d, want 0", c.NumDirty())
	}
}

func TestFlushByFDReturnsZeroWhenNothingDirty(t *testing.T) {
	c := cache.New(4)
	backend := asyncio.NewFakeBackend()
	f := New(c, backend)

	n, err := f.FlushByFD(context.Background(), 1, MaxBatchSize)
	if err != nil || n != 0 {
		t.Fatalf("FlushByFD on clean fd: n=%d err=%v", n, err)
	}
}

// neverCompletingBackend never invokes its done callback, so a flush
// against it only returns via ctx cancellation, exercising flushRun's
// ctx.Done() branch deterministically.
type neverCompletingBackend struct{}

func (neverCompletingBackend) SubmitReadV(ctx context.Context, fd int32, bufs [][]byte, offset int64, id uuid.UUID, done func(retval int32)) {
}
func (neverCompletingBackend) SubmitWriteV(ctx context.Context, fd int32, bufs [][]byte, offset int64, id uuid.UUID, done func(retval int32)) {
}

func TestFlushByFDCanceledContextRequeuesPagesAsDirty(t *testing.T) {
	c := cache.New(4)
	h0 := dirtyPage(t, c, 1, 0, 0xAA)
	h1 := dirtyPage(t, c, 1, cache.PageSize, 0xBB)
	c.Release(h0)
	c.Release(h1)

	f := New(c, neverCompletingBackend{})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	n, err := f.FlushByFD(ctx, 1, MaxBatchSize)
	if err == nil {
		t.Fatalf("FlushByFD with a canceled context returned nil error")
	}
	if n != 0 {
		t.Fatalf("FlushByFD with a canceled context flushed %d pages, want 0", n)
	}
	if got := c.NumDirty(); got != 2 {
		t.Fatalf("NumDirty() after canceled flush = %d, want 2 (pages requeued as Dirty)", got)
	}
}
