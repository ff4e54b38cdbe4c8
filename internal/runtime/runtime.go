// Package runtime wires the async I/O backend, page cache, and flusher
// into the concrete ports.RuntimePort AsyncFile depends on.
//
// What: Engine, the single object an application constructs once and
// shares across every AsyncFile it opens.
// How: grounded on the original AsyncFileRt trait (async-file/src/file/mod.rs)
// translated from a static/global trait implementation to an ordinary
// struct instance, and on the teacher's internal/storage.Scheduler for
// the no-overlap background-job dedup pattern AutoFlush reuses.
package runtime

import (
	"context"
	"log"
	"sync/atomic"

	"github.com/tee-os/pagecache/internal/asyncio"
	"github.com/tee-os/pagecache/internal/cache"
	"github.com/tee-os/pagecache/internal/config"
	"github.com/tee-os/pagecache/internal/flusher"
	"github.com/tee-os/pagecache/internal/ports"
)

// Engine is the concrete ports.RuntimePort: one async I/O backend, one
// shared page cache, and one flusher, plus the dirty-page threshold
// that drives AutoFlush.
type Engine struct {
	asyncIO *asyncio.Backend
	ioPort  ports.AsyncIOPort
	cache   *cache.PageCache
	flusher *flusher.Flusher

	autoFlushThreshold int
	flushBatchSize     int
	flushing           atomic.Bool
}

// New builds an Engine from cfg: an async I/O worker pool sized by
// AsyncIOWorkers/AsyncIOQueueDepth, a page cache sized by CapacityPages,
// and a flusher draining through that pool. It does not start the
// periodic sweep; call StartPeriodicFlush for that.
func New(cfg config.CacheConfig) *Engine {
	backend := asyncio.NewBackend(cfg.AsyncIOWorkers, cfg.AsyncIOQueueDepth)
	pc := cache.New(cfg.CapacityPages)
	fl := flusher.New(pc, backend)

	return &Engine{
		asyncIO:            backend,
		ioPort:             backend,
		cache:              pc,
		flusher:            fl,
		autoFlushThreshold: cfg.CapacityPages / 4,
		flushBatchSize:     cfg.FlushBatchSize,
	}
}

// NewWithAsyncIO builds an Engine over a caller-supplied AsyncIOPort
// (e.g. asyncio.FakeBackend in tests), bypassing the worker-pool
// construction New performs.
func NewWithAsyncIO(cfg config.CacheConfig, backend ports.AsyncIOPort) *Engine {
	pc := cache.New(cfg.CapacityPages)
	fl := flusher.New(pc, backend)
	return &Engine{
		ioPort:             backend,
		cache:              pc,
		flusher:            fl,
		autoFlushThreshold: cfg.CapacityPages / 4,
		flushBatchSize:     cfg.FlushBatchSize,
	}
}

// AsyncIO returns the engine's async I/O port.
func (e *Engine) AsyncIO() ports.AsyncIOPort {
	return e.ioPort
}

// PageCache returns the engine's shared page cache.
func (e *Engine) PageCache() ports.PageCachePort { return e.cache }

// Flusher returns the engine's flusher.
func (e *Engine) Flusher() ports.FlusherPort { return e.flusher }

// AutoFlush is the write path's post-dirty hook (spec.md §4.5.2 step 5):
// if the number of dirty pages has crossed autoFlushThreshold, kick off
// a background sweep. At most one sweep runs at a time; a write that
// finds one already in flight does nothing; the next dirtying write
// will try again.
func (e *Engine) AutoFlush() {
	if e.cache.NumDirty() < e.autoFlushThreshold {
		return
	}
	if !e.flushing.CompareAndSwap(false, true) {
		return
	}
	go func() {
		defer e.flushing.Store(false)
		if err := e.flusher.FlushAll(context.Background()); err != nil {
			log.Printf("pagecache: auto-flush failed: %v", err)
		}
	}()
}

// StartPeriodicFlush begins the background sweep on cfg's cron
// schedule, in addition to AutoFlush's threshold-triggered sweeps.
func (e *Engine) StartPeriodicFlush(schedule string) error {
	return e.flusher.StartPeriodic(schedule)
}

// StopPeriodicFlush halts the background sweep started by
// StartPeriodicFlush.
func (e *Engine) StopPeriodicFlush() {
	e.flusher.StopPeriodic()
}

// Close stops the async I/O worker pool. Safe to call even if the
// engine was built with NewWithAsyncIO (no worker pool to stop).
func (e *Engine) Close() {
	if e.asyncIO != nil {
		e.asyncIO.Close()
	}
}

var _ ports.RuntimePort = (*Engine)(nil)
