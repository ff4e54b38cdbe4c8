package cache

// pageLRUList is a doubly-linked list of PageEntry ordered from
// least-recently-used (head) to most-recently-used (tail), generalized
// from the teacher's single-list internal/storage/pager.PageBufferPool
// into the per-state lists PageCache partitions entries across.
//
// Every method assumes the caller already holds PageCache.mapMu; the list
// itself carries no lock of its own, since spec.md §5 requires the map
// lock to be acquired before any LRU-list manipulation in the same
// critical section.
type pageLRUList struct {
	head, tail *PageEntry // head = LRU, tail = MRU
	size       int
}

func (l *pageLRUList) len() int { return l.size }

// pushMRU appends e to the most-recently-used end.
func (l *pageLRUList) pushMRU(e *PageEntry) {
	e.prev = l.tail
	e.next = nil
	if l.tail != nil {
		l.tail.next = e
	}
	l.tail = e
	if l.head == nil {
		l.head = e
	}
	l.size++
}

// unlink removes e from whichever position it occupies in this list. It
// does not touch e.list; callers update that themselves.
func (l *pageLRUList) unlink(e *PageEntry) {
	if e.prev != nil {
		e.prev.next = e.next
	} else {
		l.head = e.next
	}
	if e.next != nil {
		e.next.prev = e.prev
	} else {
		l.tail = e.prev
	}
	e.prev = nil
	e.next = nil
	l.size--
}

// touch moves e to the MRU end in place.
func (l *pageLRUList) touch(e *PageEntry) {
	l.unlink(e)
	l.pushMRU(e)
}

// popLRU removes and returns the least-recently-used entry, or nil if the
// list is empty.
func (l *pageLRUList) popLRU() *PageEntry {
	e := l.head
	if e == nil {
		return nil
	}
	l.unlink(e)
	return e
}

// popLRUWhere removes and returns the least-recently-used entry matching
// pred, scanning from the LRU end. Returns nil if no entry matches.
func (l *pageLRUList) popLRUWhere(pred func(*PageEntry) bool) *PageEntry {
	for e := l.head; e != nil; e = e.next {
		if pred(e) {
			l.unlink(e)
			return e
		}
	}
	return nil
}

// drainLRU pops up to max entries from the LRU end, in LRU-to-MRU order.
func (l *pageLRUList) drainLRU(max int) []*PageEntry {
	out := make([]*PageEntry, 0, max)
	for len(out) < max {
		e := l.popLRU()
		if e == nil {
			break
		}
		out = append(out, e)
	}
	return out
}

// drainLRUWhere pops up to max entries matching pred, scanning repeatedly
// from the LRU end.
func (l *pageLRUList) drainLRUWhere(max int, pred func(*PageEntry) bool) []*PageEntry {
	out := make([]*PageEntry, 0, max)
	for len(out) < max {
		e := l.popLRUWhere(pred)
		if e == nil {
			break
		}
		out = append(out, e)
	}
	return out
}
