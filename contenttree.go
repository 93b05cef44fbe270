package dtcore

// ItemState is the lifecycle state of a YjsSpan inside the content tree.
type ItemState uint8

const (
	// StateNotInsertedYet means this run hasn't been integrated into the
	// visible document by the tracker yet (its causal range hasn't been
	// advanced over).
	StateNotInsertedYet ItemState = iota
	// StateInserted means the run is currently visible.
	StateInserted
	// StateDeleted means the run has been tombstoned by at least one
	// delete operation (see tracker.go's double-delete counter for runs
	// deleted more than once).
	StateDeleted
)

// YjsSpan is a run of characters in the content tree: a contiguous Time
// range plus the origin anchors recorded when the run was integrated and
// its current lifecycle state. Per spec §3, only the first character of
// a multi-character run stores a "real" OriginLeft; every other offset's
// effective origin-left is self-contiguous (id.Start+k-1).
type YjsSpan struct {
	ID          TimeSpan
	OriginLeft  Time
	OriginRight Time
	State       ItemState
}

// Len returns the number of characters in the run.
func (s YjsSpan) Len() int { return s.ID.Len() }

// Split cuts s at an internal offset, producing two runs whose
// concatenation is s. The right half's OriginLeft becomes its
// predecessor in s (self-contiguity); the left half keeps s's OriginLeft
// and its OriginRight becomes the right half's start.
func (s YjsSpan) Split(offset int) (YjsSpan, YjsSpan) {
	cut := s.ID.Start + Time(offset)
	left := YjsSpan{ID: TimeSpan{s.ID.Start, cut}, OriginLeft: s.OriginLeft, OriginRight: cut, State: s.State}
	right := YjsSpan{ID: TimeSpan{cut, s.ID.End}, OriginLeft: cut - 1, OriginRight: s.OriginRight, State: s.State}
	return left, right
}

// treeCursor names a position in the content tree: an arena slot index
// (see contentTree) and an intra-item character offset. idx == -1 means
// "the end of the tree" (append position, past every item).
type treeCursor struct {
	idx    int
	offset int
}

// itemSlot is one arena-allocated run plus its neighbors in the
// doubly-linked positional order. Per spec §9's design note, this is the
// "arena-index" simplification of the order-statistics B-tree: items
// never move once allocated, so a stored index (as kept by the marker
// index) stays valid even as earlier items split or later items are
// inserted — only a notify callback on an actual content change (a
// split) needs to retarget a marker, exactly as spec'd.
type itemSlot struct {
	item YjsSpan
	prev int
	next int
}

// contentTree is an ordered run-list of YjsSpans, allocated in an
// append-only arena and threaded together with a doubly linked list for
// positional order. It implements the same external contract as the
// order-statistics B-tree spec.md asks for (cursor-by-content-position,
// cursor-by-upstream-position, cursor-by-time via marker hint,
// insert-with-notify, mutate-with-notify) with O(n) cursor walks instead
// of O(log n) — the documented simplification in DESIGN.md's Open
// Questions, shared with the one existing Go port of this algorithm in
// the retrieval pack.
type contentTree struct {
	slots      []itemSlot
	head, tail int
}

// newContentTree creates an empty tree.
func newContentTree() *contentTree {
	return &contentTree{head: -1, tail: -1}
}

// Item returns the run stored at arena index idx.
func (t *contentTree) Item(idx int) YjsSpan { return t.slots[idx].item }

// setItem overwrites the run stored at arena index idx in place (used
// by the tracker to flip State without moving anything).
func (t *contentTree) setItem(idx int, item YjsSpan) { t.slots[idx].item = item }

func (t *contentTree) alloc(item YjsSpan) int {
	idx := len(t.slots)
	t.slots = append(t.slots, itemSlot{item: item, prev: -1, next: -1})
	return idx
}

// linkAfter splices newly-allocated arena slot idx into the positional
// order immediately after prevIdx (-1 meaning "at the head").
func (t *contentTree) linkAfter(prevIdx, idx int) {
	if prevIdx == -1 {
		oldHead := t.head
		t.slots[idx].next = oldHead
		t.slots[idx].prev = -1
		if oldHead != -1 {
			t.slots[oldHead].prev = idx
		}
		t.head = idx
		if t.tail == -1 {
			t.tail = idx
		}
		return
	}
	nextIdx := t.slots[prevIdx].next
	t.slots[prevIdx].next = idx
	t.slots[idx].prev = prevIdx
	t.slots[idx].next = nextIdx
	if nextIdx != -1 {
		t.slots[nextIdx].prev = idx
	} else {
		t.tail = idx
	}
}

// cursorAt walks the positional order accumulating metric(item) per run
// until it would exceed pos, landing the cursor inside that run. Runs
// that contribute 0 under metric (e.g. a NotInsertedYet run under the
// content-position metric) are passed over, except that with stickEnd
// false a pos of 0 lands at offset 0 of the head run whatever its width.
// stickEnd controls which side of an exact run boundary the cursor lands
// on: with stickEnd false the cursor lands at the end of the run that
// finishes at pos (offset == its length).
func (t *contentTree) cursorAt(pos int, stickEnd bool, metric func(YjsSpan) int) treeCursor {
	acc := 0
	for idx := t.head; idx != -1; idx = t.slots[idx].next {
		l := metric(t.slots[idx].item)
		if acc+l > pos || (acc+l == pos && !stickEnd) {
			return treeCursor{idx: idx, offset: pos - acc}
		}
		acc += l
	}
	return treeCursor{idx: -1, offset: 0}
}

// cursorAtContentPos locates the cursor for the pth character of the
// currently visible document.
func (t *contentTree) cursorAtContentPos(pos int, stickEnd bool) treeCursor {
	return t.cursorAt(pos, stickEnd, func(s YjsSpan) int {
		if s.State == StateInserted {
			return s.Len()
		}
		return 0
	})
}

// cursorAtUpstreamPos locates the cursor for the pth character that has
// ever been inserted (Inserted or Deleted, not NotInsertedYet).
func (t *contentTree) cursorAtUpstreamPos(pos int, stickEnd bool) treeCursor {
	return t.cursorAt(pos, stickEnd, func(s YjsSpan) int {
		if s.State != StateNotInsertedYet {
			return s.Len()
		}
		return 0
	})
}

// cursorBeforeTime locates the run containing time, given an optional
// marker-index hint (an arena index): O(1) when the hint is valid,
// otherwise an O(n) fallback scan over every allocated slot (arena slots
// are never removed, only shrunk by splits, so a full scan is always
// correct even without following positional order).
func (t *contentTree) cursorBeforeTime(time Time, hint int) (treeCursor, bool) {
	if hint >= 0 && hint < len(t.slots) && t.slots[hint].item.ID.Contains(time) {
		return treeCursor{idx: hint, offset: int(time - t.slots[hint].item.ID.Start)}, true
	}
	for i := range t.slots {
		if t.slots[i].item.ID.Contains(time) {
			return treeCursor{idx: i, offset: int(time - t.slots[i].item.ID.Start)}, true
		}
	}
	return treeCursor{}, false
}

// splitAt ensures cur names a clean item-boundary position (offset 0 at
// some arena index, or the end-of-tree cursor), splitting the
// straddled run into two arena slots if cur fell in the middle of one.
func (t *contentTree) splitAt(cur treeCursor, notify func(item YjsSpan, idx int)) treeCursor {
	if cur.idx == -1 || cur.offset == 0 {
		return cur
	}
	if cur.offset == t.slots[cur.idx].item.Len() {
		return treeCursor{idx: t.slots[cur.idx].next, offset: 0}
	}
	slot := &t.slots[cur.idx]
	left, right := slot.item.Split(cur.offset)
	slot.item = left
	rightIdx := t.alloc(right)
	t.linkAfter(cur.idx, rightIdx)
	notify(right, rightIdx)
	return treeCursor{idx: rightIdx, offset: 0}
}

// insertNotify inserts newItem at cur, splitting the run straddling cur
// if cur doesn't already fall on a run boundary. notify is called once
// for newItem's new arena index, and again for any existing run's
// right-hand half that had to be relocated to a fresh slot by a split.
// Returns newItem's arena index.
func (t *contentTree) insertNotify(cur treeCursor, newItem YjsSpan, notify func(item YjsSpan, idx int)) int {
	var prevIdx int
	switch {
	case cur.idx == -1:
		prevIdx = t.tail
	case cur.offset == 0:
		prevIdx = t.slots[cur.idx].prev
	case cur.offset == t.slots[cur.idx].item.Len():
		prevIdx = cur.idx
	default:
		slot := &t.slots[cur.idx]
		left, right := slot.item.Split(cur.offset)
		slot.item = left
		rightIdx := t.alloc(right)
		t.linkAfter(cur.idx, rightIdx)
		notify(right, rightIdx)
		prevIdx = cur.idx
	}
	newIdx := t.alloc(newItem)
	t.linkAfter(prevIdx, newIdx)
	notify(newItem, newIdx)
	return newIdx
}

// mutateSingleEntryNotify applies mutate to at most maxLen characters
// starting at cur, splitting the straddled run(s) into fresh arena slots
// as needed so the mutation only touches the requested sub-range.
// notify is called for every run whose content moved to a new slot
// (including, always, the mutated run itself, so the marker index can
// be repointed). Returns the number of characters actually mutated.
func (t *contentTree) mutateSingleEntryNotify(cur treeCursor, maxLen int, mutate func(*YjsSpan), notify func(item YjsSpan, idx int)) int {
	if cur.idx == -1 {
		panic("dtcore: mutateSingleEntryNotify: cursor at end of tree")
	}
	working := cur.idx
	if cur.offset > 0 {
		slot := &t.slots[working]
		left, rest := slot.item.Split(cur.offset)
		slot.item = left
		restIdx := t.alloc(rest)
		t.linkAfter(working, restIdx)
		notify(rest, restIdx)
		working = restIdx
	}

	avail := t.slots[working].item.Len()
	n := avail
	if maxLen < n {
		n = maxLen
	}
	if n < avail {
		slot := &t.slots[working]
		target, rest := slot.item.Split(n)
		slot.item = target
		restIdx := t.alloc(rest)
		t.linkAfter(working, restIdx)
		notify(rest, restIdx)
	}

	mutate(&t.slots[working].item)
	notify(t.slots[working].item, working)
	return n
}
