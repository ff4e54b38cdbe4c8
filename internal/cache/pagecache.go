package cache

import "sync"

// PageCache is a bounded map (file-id, offset) -> PageEntry, backed by
// three LRU lists partitioned by state: Unused (Uninit, no I/O pending),
// Evictable (clean UpToDate, no external holders), and Dirty (needs
// flush before reclaim). It is grounded on the teacher's
// internal/storage/pager.PageBufferPool doubly-linked LRU, generalized
// from a single list to three, with the eviction policy and refcount
// bookkeeping of the original async-file page_cache crate.
type PageCache struct {
	mapMu sync.Mutex

	capacity     int
	numAllocated int
	byKey        map[pageKey]*PageEntry
	lists        [3]pageLRUList
}

// New creates a page cache that holds at most capacity pages. capacity
// must be greater than zero.
func New(capacity int) *PageCache {
	if capacity <= 0 {
		panic("cache: capacity must be > 0")
	}
	return &PageCache{
		capacity: capacity,
		byKey:    make(map[pageKey]*PageEntry),
	}
}

// Acquire returns a handle for the page at (fileID, offset), creating a
// fresh Uninit entry if none is cached. offset must be page-aligned; an
// unaligned offset is a caller bug and panics, matching spec.md §4.4's
// "unaligned offsets are caller errors".
//
// The second return value is false only when the cache is saturated with
// non-evictable pages (all capacity consumed by Fetching/Flushing/Dirty
// pages or externally-held pages) and no Unused/Evictable victim exists;
// the caller should wait for the flusher to make progress and retry.
func (c *PageCache) Acquire(fileID int32, offset int64) (PageHandle, bool) {
	if offset%PageSize != 0 {
		panic("cache: unaligned page offset")
	}
	key := pageKey{fileID: fileID, offset: offset}

	c.mapMu.Lock()
	defer c.mapMu.Unlock()

	if e, ok := c.byKey[key]; ok {
		c.touchList(e)
		e.refcount++
		return PageHandle{e}, true
	}

	entry := c.allocateLocked(key)
	if entry == nil {
		return PageHandle{}, false
	}
	entry.refcount = 2 // +1 for the map, +1 for the handle returned below
	c.byKey[key] = entry
	return PageHandle{entry}, true
}

// allocateLocked finds or creates an entry for key, following the
// preference order of spec.md §4.3: reuse Unused, else allocate under
// capacity, else evict Evictable. Returns nil if none is available. The
// caller must hold mapMu.
func (c *PageCache) allocateLocked(key pageKey) *PageEntry {
	if e := c.lists[listUnused].popLRU(); e != nil {
		e.list = listNone
		e.reset(key.fileID, key.offset)
		return e
	}
	if c.numAllocated < c.capacity {
		c.numAllocated++
		return newPageEntry(key.fileID, key.offset)
	}
	// Acquire leaves a re-acquired entry on the Evictable list; only an
	// entry held by nothing but the map and the list (refcount 2) is a
	// victim.
	if e := c.lists[listEvictable].popLRUWhere(func(e *PageEntry) bool { return e.refcount == 2 }); e != nil {
		e.list = listNone
		delete(c.byKey, e.key)
		e.reset(key.fileID, key.offset)
		return e
	}
	return nil
}

// touchList moves e to the MRU end of whichever list it currently
// belongs to, a no-op if it belongs to none (Fetching/Flushing).
func (c *PageCache) touchList(e *PageEntry) {
	if e.list == listNone {
		return
	}
	c.lists[e.list].touch(e)
}

// Release returns a handle to the cache. When the last external holder
// releases an entry, it is placed on the LRU list matching its current
// state: Uninit -> Unused (and removed from the map), UpToDate ->
// Evictable, Dirty -> Dirty. A Fetching or Flushing entry is left off
// every list until its in-flight I/O completes.
func (c *PageCache) Release(h PageHandle) {
	c.release(h, false)
}

// Discard is like Release but forces the page to Uninit first, dropping
// its cached data and removing it from the map once the last holder lets
// go.
func (c *PageCache) Discard(h PageHandle) {
	c.release(h, true)
}

func (c *PageCache) release(h PageHandle, discard bool) {
	e := h.PageEntry
	c.mapMu.Lock()
	defer c.mapMu.Unlock()

	e.Lock()
	defer e.Unlock()

	inMapBefore := c.byKey[e.key] == e
	oldBaseline := int32(0)
	if inMapBefore {
		oldBaseline++
	}
	if e.list != listNone {
		oldBaseline++
	}
	otherHoldersRemain := e.refcount-oldBaseline > 1

	var dst listName
	inMapAfter := inMapBefore
	if otherHoldersRemain {
		// Another caller still holds a handle. We can only safely hand
		// the page to the Dirty list (so the flusher can still pick it
		// up); Unused/Evictable would imply exclusive reclaim rights we
		// don't have while someone else is using the page.
		if e.state == Dirty {
			dst = listDirty
		} else {
			dst = listNone
		}
	} else {
		// This is the last external holder: free the page cache slot.
		// Discard forces Uninit even out of Fetching/Flushing — the
		// legal-transition table in state.go only models normal
		// application-driven transitions, not a forced drop of
		// in-flight I/O data, so we bypass SetState here deliberately.
		if discard {
			e.state = Uninit
		}
		if e.state == Uninit && inMapBefore {
			delete(c.byKey, e.key)
			inMapAfter = false
		}
		switch e.state {
		case Uninit:
			dst = listUnused
		case UpToDate:
			dst = listEvictable
		case Dirty:
			dst = listDirty
		default:
			dst = listNone
		}
	}
	c.reinsert(e, dst)

	// refcount tracks three implicit owners: map membership, LRU-list
	// membership, and external handles. This release gives up exactly
	// one external handle; the map/list membership each may have just
	// been gained or lost above (inMapBefore/After, oldBaseline vs the
	// list membership implied by dst), so the net adjustment is the
	// change in (map+list) baseline minus the one handle retiring, not
	// a blanket decrement — otherwise a page with other live handles
	// could be miscounted as unheld once it first enters a list.
	newBaseline := int32(0)
	if inMapAfter {
		newBaseline++
	}
	if e.list != listNone {
		newBaseline++
	}
	e.refcount += newBaseline - oldBaseline - 1
}

// reinsert moves e from its current list (if any) to dst (if any),
// matching spec.md §4.4: updating list membership is always part of the
// same critical section that decides the destination.
func (c *PageCache) reinsert(e *PageEntry, dst listName) {
	src := e.list
	if src == dst {
		if src != listNone {
			c.lists[src].touch(e)
		}
		return
	}
	if src != listNone {
		c.lists[src].unlink(e)
	}
	e.list = dst
	if dst != listNone {
		c.lists[dst].pushMRU(e)
	}
}

// EvictDirty pops up to maxCount LRU entries off the Dirty list without
// freeing them, returning handles for the Flusher. The returned handles
// retain the cache's ownership share until released by the caller.
func (c *PageCache) EvictDirty(maxCount int) []PageHandle {
	c.mapMu.Lock()
	defer c.mapMu.Unlock()

	entries := c.lists[listDirty].drainLRU(maxCount)
	return wrapEntries(entries)
}

// EvictDirtyByFD is like EvictDirty but only considers pages belonging
// to fd.
func (c *PageCache) EvictDirtyByFD(fd int32, maxCount int) []PageHandle {
	c.mapMu.Lock()
	defer c.mapMu.Unlock()

	entries := c.lists[listDirty].drainLRUWhere(maxCount, func(e *PageEntry) bool {
		return e.key.fileID == fd
	})
	return wrapEntries(entries)
}

func wrapEntries(entries []*PageEntry) []PageHandle {
	handles := make([]PageHandle, len(entries))
	for i, e := range entries {
		e.list = listNone
		handles[i] = PageHandle{e}
	}
	return handles
}

// NumDirty reports how many pages currently sit on the Dirty LRU list.
func (c *PageCache) NumDirty() int {
	c.mapMu.Lock()
	defer c.mapMu.Unlock()
	return c.lists[listDirty].len()
}

// Capacity returns the maximum number of live entries the cache will
// hold.
func (c *PageCache) Capacity() int {
	return c.capacity
}
