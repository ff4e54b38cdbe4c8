package cache

// PageState classifies a cached page. Exactly one of these applies to a
// page at any instant; the legal transitions are enumerated in
// transitionTable and asserted by SetState in debug-assert style.
type PageState uint8

const (
	// Uninit means the page's contents are undefined and no I/O is in
	// flight for it.
	Uninit PageState = iota
	// Fetching means a device read is in flight; contents are undefined
	// until it completes.
	Fetching
	// UpToDate means the page's contents match the backing store.
	UpToDate
	// Dirty means the page's contents are newer than the backing store
	// and it is eligible for flush.
	Dirty
	// Flushing means a device write is in flight with the page's
	// pre-flush contents.
	Flushing
)

func (s PageState) String() string {
	switch s {
	case Uninit:
		return "Uninit"
	case Fetching:
		return "Fetching"
	case UpToDate:
		return "UpToDate"
	case Dirty:
		return "Dirty"
	case Flushing:
		return "Flushing"
	default:
		return "Unknown"
	}
}

// transitionTable enumerates every legal (from, to) edge of spec.md §3,
// plus one edge spec.md's happy-path table doesn't model: Flushing ->
// Dirty. spec.md §3 only describes a flush that runs to completion; it
// says nothing about a write that fails or a drain that's canceled
// mid-flight. Without a way back to Dirty, a page whose flush errors out
// would be stuck in Flushing forever, off every LRU list, with no route
// back to the cache's reclaim policy. internal/flusher.requeueAsDirty is
// the only caller of this edge.
var transitionTable = map[[2]PageState]bool{
	{Uninit, Fetching}:  true,
	{Uninit, Dirty}:     true,
	{Fetching, UpToDate}: true,
	{UpToDate, Dirty}:   true,
	{Dirty, Flushing}:   true,
	{Flushing, UpToDate}: true,
	{UpToDate, Uninit}:  true,
	{Dirty, Uninit}:     true,
	{Flushing, Dirty}:   true,
}

// IsLegalTransition reports whether moving from `from` to `to` is one of
// the edges spec.md §3 permits. A no-op transition (from == to) is always
// legal: Dirty pages that receive another write while already Dirty stay
// Dirty. (The write path in internal/asyncfile does not write into a
// Flushing page; it returns EAGAIN instead.)
func IsLegalTransition(from, to PageState) bool {
	if from == to {
		return true
	}
	return transitionTable[[2]PageState{from, to}]
}
