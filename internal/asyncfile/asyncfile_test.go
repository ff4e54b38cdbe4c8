package asyncfile

import (
	"bytes"
	"context"
	"testing"

	"github.com/tee-os/pagecache/internal/asyncio"
	"github.com/tee-os/pagecache/internal/cache"
	"github.com/tee-os/pagecache/internal/cacheerr"
	"github.com/tee-os/pagecache/internal/flusher"
	"github.com/tee-os/pagecache/internal/ports"
)

// testRuntime wires a real PageCache and Flusher around a FakeBackend,
// satisfying ports.RuntimePort for tests. AutoFlush is a no-op: tests
// that care about write-back call Flush explicitly.
type testRuntime struct {
	backend *asyncio.FakeBackend
	pc      *cache.PageCache
	fl      *flusher.Flusher
}

func newTestRuntime(capacityPages int) *testRuntime {
	pc := cache.New(capacityPages)
	backend := asyncio.NewFakeBackend()
	return &testRuntime{
		backend: backend,
		pc:      pc,
		fl:      flusher.New(pc, backend),
	}
}

func (rt *testRuntime) AsyncIO() ports.AsyncIOPort     { return rt.backend }
func (rt *testRuntime) PageCache() ports.PageCachePort { return rt.pc }
func (rt *testRuntime) Flusher() ports.FlusherPort     { return rt.fl }
func (rt *testRuntime) AutoFlush()                     {}

func openFile(t *testing.T, rt *testRuntime, fd int32, length int64) *AsyncFile {
	t.Helper()
	rt.backend.SetFile(fd, make([]byte, length))
	return Open(fd, length, ORdwr, rt, 0)
}

func TestColdSequentialReadBuildsPrefetchWindow(t *testing.T) {
	rt := newTestRuntime(64)
	data := make([]byte, 8*cache.PageSize)
	for i := range data {
		data[i] = byte(i)
	}
	rt.backend.SetFile(1, data)
	f := Open(1, int64(len(data)), ORdwr, rt, 0)

	buf := make([]byte, 16384)
	n := f.ReadAt(context.Background(), 0, buf)
	if n <= 0 {
		t.Fatalf("ReadAt(0) = %d, want positive", n)
	}
	if !bytes.Equal(buf[:n], data[:n]) {
		t.Fatalf("read content mismatch")
	}
	if f.seqRd.prefetchPages == 0 {
		t.Fatalf("prefetch window did not build after cold sequential read")
	}
}

func TestReadPastEOFReturnsZero(t *testing.T) {
	rt := newTestRuntime(16)
	f := openFile(t, rt, 1, cache.PageSize)

	buf := make([]byte, 64)
	n := f.ReadAt(context.Background(), cache.PageSize*2, buf)
	if n != 0 {
		t.Fatalf("ReadAt past EOF = %d, want 0", n)
	}
}

func TestPartialReadNearEOFReturnsOnlyAvailableBytes(t *testing.T) {
	rt := newTestRuntime(16)
	data := bytes.Repeat([]byte{0x7A}, cache.PageSize+100)
	rt.backend.SetFile(1, data)
	f := Open(1, int64(len(data)), ORdwr, rt, 0)

	buf := make([]byte, 4096)
	n := f.ReadAt(context.Background(), cache.PageSize, buf)
	if n != 100 {
		t.Fatalf("ReadAt near EOF = %d, want 100", n)
	}
}

func TestWriteThenReadRoundTrip(t *testing.T) {
	rt := newTestRuntime(16)
	f := openFile(t, rt, 1, 0)

	payload := []byte("hello, page cache")
	n := f.WriteAt(context.Background(), 0, payload)
	if n != int32(len(payload)) {
		t.Fatalf("WriteAt = %d, want %d", n, len(payload))
	}

	buf := make([]byte, len(payload))
	rn := f.ReadAt(context.Background(), 0, buf)
	if rn != int32(len(payload)) {
		t.Fatalf("ReadAt after write = %d, want %d", rn, len(payload))
	}
	if !bytes.Equal(buf, payload) {
		t.Fatalf("round trip mismatch: got %q want %q", buf, payload)
	}
}

func TestWriteExtendsFileLength(t *testing.T) {
	rt := newTestRuntime(16)
	f := openFile(t, rt, 1, 0)

	payload := bytes.Repeat([]byte{0x01}, cache.PageSize+10)
	writeAll(t, f, 0, payload)
	if got := f.fileLen(); got != int64(len(payload)) {
		t.Fatalf("file length = %d, want %d", got, len(payload))
	}
}

// writeAll drives WriteAt to completion, since a single call may return a
// short write when a multi-page request crosses into a not-yet-cached
// page that only needs a partial fill (spec.md §4.5.2's abort-and-retry
// path for Uninit, non-full-page writes).
func writeAll(t *testing.T, f *AsyncFile, offset int64, payload []byte) {
	t.Helper()
	written := int64(0)
	for written < int64(len(payload)) {
		n := f.WriteAt(context.Background(), offset+written, payload[written:])
		if n < 0 {
			t.Fatalf("WriteAt at %d failed: errno %d", offset+written, -n)
		}
		written += int64(n)
	}
}

func TestWriteThenFlushPersistsThroughDroppedCache(t *testing.T) {
	rt := newTestRuntime(16)
	f := openFile(t, rt, 1, cache.PageSize)

	payload := bytes.Repeat([]byte{0x42}, cache.PageSize)
	if n := f.WriteAt(context.Background(), 0, payload); n != int32(len(payload)) {
		t.Fatalf("WriteAt = %d", n)
	}
	if err := f.Flush(context.Background()); err != nil {
		t.Fatalf("Flush: %v", err)
	}

	got := rt.backend.File(1)
	if !bytes.Equal(got, payload) {
		t.Fatalf("flushed content mismatch")
	}

	// A fresh cache (simulating process restart, no warm pages) must
	// still read back the flushed content from the backend.
	rt2 := newTestRuntime(16)
	rt2.backend.SetFile(1, got)
	f2 := Open(1, int64(len(got)), ORdwr, rt2, 0)
	buf := make([]byte, cache.PageSize)
	if n := f2.ReadAt(context.Background(), 0, buf); n != int32(cache.PageSize) {
		t.Fatalf("ReadAt after reopen = %d", n)
	}
	if !bytes.Equal(buf, payload) {
		t.Fatalf("content mismatch after reopen")
	}
}

func TestWriteOnReadOnlyFileFails(t *testing.T) {
	rt := newTestRuntime(16)
	rt.backend.SetFile(1, make([]byte, cache.PageSize))
	f := Open(1, cache.PageSize, 0, rt, 0)

	n := f.WriteAt(context.Background(), 0, []byte("x"))
	if n != -cacheerr.EBADF {
		t.Fatalf("WriteAt on read-only file = %d, want -EBADF", n)
	}
}

func TestReadOnEmptyBufferReturnsZero(t *testing.T) {
	rt := newTestRuntime(16)
	f := openFile(t, rt, 1, cache.PageSize)
	n := f.ReadAt(context.Background(), 0, nil)
	if n != 0 {
		t.Fatalf("ReadAt with empty buf = %d, want 0", n)
	}
}

func TestDiscardedPageReadsFreshOnNextAcquire(t *testing.T) {
	rt := newTestRuntime(16)
	data := bytes.Repeat([]byte{0x5}, cache.PageSize)
	rt.backend.SetFile(1, data)
	f := Open(1, int64(len(data)), ORdwr, rt, 0)

	buf := make([]byte, cache.PageSize)
	if n := f.ReadAt(context.Background(), 0, buf); n != int32(cache.PageSize) {
		t.Fatalf("initial ReadAt = %d", n)
	}

	h, ok := rt.pc.Acquire(1, 0)
	if !ok {
		t.Fatalf("Acquire failed")
	}
	rt.pc.Discard(h)

	rt.backend.SetFile(1, bytes.Repeat([]byte{0x9}, cache.PageSize))
	buf2 := make([]byte, cache.PageSize)
	if n := f.ReadAt(context.Background(), 0, buf2); n != int32(cache.PageSize) {
		t.Fatalf("ReadAt after discard = %d", n)
	}
	if !bytes.Equal(buf2, bytes.Repeat([]byte{0x9}, cache.PageSize)) {
		t.Fatalf("discard did not force a fresh fetch: got %v", buf2[:4])
	}
}
