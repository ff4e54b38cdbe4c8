package runtime

import (
	"context"
	"testing"
	"time"

	"github.com/tee-os/pagecache/internal/asyncfile"
	"github.com/tee-os/pagecache/internal/asyncio"
	"github.com/tee-os/pagecache/internal/cache"
	"github.com/tee-os/pagecache/internal/config"
)

func testConfig(capacityPages int) config.CacheConfig {
	cfg := config.Default()
	cfg.CapacityPages = capacityPages
	cfg.FlushBatchSize = 64
	return cfg
}

func TestEngineSatisfiesRuntimePort(t *testing.T) {
	backend := asyncio.NewFakeBackend()
	backend.SetFile(1, make([]byte, cache.PageSize))
	e := NewWithAsyncIO(testConfig(16), backend)

	f := asyncfile.Open(1, cache.PageSize, asyncfile.ORdwr, e, 0)
	defer f.Close()

	payload := []byte("engine wiring works")
	n := f.WriteAt(context.Background(), 0, payload)
	if n != int32(len(payload)) {
		t.Fatalf("WriteAt = %d, want %d", n, len(payload))
	}
	if err := f.Flush(context.Background()); err != nil {
		t.Fatalf("Flush: %v", err)
	}

	got := backend.File(1)
	if string(got[:len(payload)]) != string(payload) {
		t.Fatalf("flushed content mismatch: got %q", got[:len(payload)])
	}
}

func TestAutoFlushTriggersOnceThresholdCrossed(t *testing.T) {
	backend := asyncio.NewFakeBackend()
	backend.SetFile(1, make([]byte, 8*cache.PageSize))
	cfg := testConfig(8) // threshold = 8/4 = 2 dirty pages
	e := NewWithAsyncIO(cfg, backend)

	f := asyncfile.Open(1, 8*cache.PageSize, asyncfile.ORdwr, e, 0)
	defer f.Close()

	for i := 0; i < 3; i++ {
		payload := make([]byte, cache.PageSize)
		if n := f.WriteAt(context.Background(), int64(i)*cache.PageSize, payload); n != int32(cache.PageSize) {
			t.Fatalf("WriteAt page %d = %d", i, n)
		}
	}

	deadline := time.Now().Add(2 * time.Second)
	for e.PageCache().NumDirty() > 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if n := e.PageCache().NumDirty(); n != 0 {
		t.Fatalf("NumDirty() = %d after auto-flush should have drained it, want 0", n)
	}
}
