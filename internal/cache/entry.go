package cache

import "sync"

// pageKey identifies a cached page by file and page-aligned offset.
type pageKey struct {
	fileID int32
	offset int64
}

// listName identifies which of PageCache's three LRU lists an entry
// currently belongs to, or listNone if it belongs to none: a freshly
// allocated entry that has not been released yet, an entry popped for
// flushing, or an entry released while other handles remain or while its
// Fetching/Flushing I/O is in flight.
type listName int8

const (
	listNone listName = iota - 1
	listUnused
	listEvictable
	listDirty
)

// PageEntry is the shared cache record for one page. Two implicit
// refcount contributions exist: +1 while present in the map, +1 while
// present in an LRU list; PageHandle holders contribute additional refs.
//
// The state mutex protects only the PageState field and must never be
// held across a suspension point (a channel receive or blocking I/O call)
// per spec.md §9.
type PageEntry struct {
	key  pageKey
	page Page

	stateMu sync.Mutex
	state   PageState

	// list is owned by PageCache: it is only mutated while the cache's
	// map mutex is held, in the same critical section that moves the
	// entry between LRU lists.
	list listName
	prev *PageEntry
	next *PageEntry

	refcount int32 // protected by PageCache.mapMu
}

func newPageEntry(fileID int32, offset int64) *PageEntry {
	return &PageEntry{
		key:  pageKey{fileID: fileID, offset: offset},
		list: listNone,
	}
}

// reset reinitializes a recycled entry for a new (file, offset) pair. The
// caller must hold PageCache.mapMu and must not be exposing the entry to
// any other goroutine yet.
func (e *PageEntry) reset(fileID int32, offset int64) {
	e.key = pageKey{fileID: fileID, offset: offset}
	e.state = Uninit
}

// FileID returns the file identifier this page belongs to.
func (e *PageEntry) FileID() int32 { return e.key.fileID }

// Offset returns the page-aligned byte offset this page covers.
func (e *PageEntry) Offset() int64 { return e.key.offset }

// Page returns the backing buffer. Callers must hold the state lock
// (Lock/Unlock) for the duration of any access.
func (e *PageEntry) Page() *Page { return &e.page }

// Lock acquires the page's state lock. It must be released (Unlock)
// before any blocking operation, notably device I/O submission.
func (e *PageEntry) Lock() { e.stateMu.Lock() }

// Unlock releases the state lock acquired by Lock.
func (e *PageEntry) Unlock() { e.stateMu.Unlock() }

// State returns the current state. Must be called while holding the
// state lock.
func (e *PageEntry) State() PageState { return e.state }

// SetState transitions the page to s. Must be called while holding the
// state lock. Panics if the transition is not one of the legal edges of
// spec.md §3 — this is a programmer error, not a runtime condition.
func (e *PageEntry) SetState(s PageState) {
	if !IsLegalTransition(e.state, s) {
		panic("cache: illegal page state transition " + e.state.String() + " -> " + s.String())
	}
	e.state = s
}

// PageHandle is a reference-counted handle to a PageEntry, issued by
// PageCache.Acquire. It is cheap to pass around; ownership is returned to
// the cache by calling PageCache.Release or PageCache.Discard exactly
// once per handle obtained.
type PageHandle struct {
	*PageEntry
}
