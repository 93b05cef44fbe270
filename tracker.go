package dtcore

import "math"

// mergeTracker is the mutable state the transformed-ops iterator (see
// transform.go) drives back and forth across the causal graph: a content
// tree recording every run ever integrated and its current lifecycle
// state, a marker index resolving a Time back to where in the tree it
// lives, and a double-delete counter so two concurrent deletes of the
// same character don't resurrect it when one of them is later retreated.
// Grounded on the merge algorithm described in spec §4.8 and the one Go
// port of it in the retrieval pack (its Walker/EditContext advance/
// retreat/merge pair) — simplified the same way contentTree's positional
// lookups are: O(n) scans in place of an order-statistics tree, and a
// plain map in place of an RLE-compressed double-delete run store, since
// neither is expected to be walked at the frequency that would make the
// constant-factor difference matter for this package's use cases.
type mergeTracker struct {
	tree         *contentTree
	markers      *markerIndex
	doubleDelete map[Time]int
}

// newMergeTracker creates an empty tracker, as used fresh by every
// checkout/merge (it holds no state that outlives a single call).
func newMergeTracker() *mergeTracker {
	return &mergeTracker{tree: newContentTree(), markers: newMarkerIndex(), doubleDelete: make(map[Time]int)}
}

// reindexNotify is passed to every contentTree mutation as its notify
// callback: whenever a run's content moves to a new arena slot, the
// marker index must be told the new slot (markers never need to be told
// about delete runs, since a DelTarget marker names another run's Time
// range, not this tree's own arena layout).
func (mt *mergeTracker) reindexNotify(item YjsSpan, idx int) {
	mt.markers.Set(item.ID, Marker{Kind: MarkerIns, InsPtr: idx})
}

// AdvanceByRange makes every time in span visible: for an insert run it
// flips NotInsertedYet -> Inserted; for a delete run it tombstones its
// target (or, if the target is already tombstoned by a concurrent delete
// seen earlier, bumps the double-delete counter instead of re-deleting).
// Every time in span must already have a marker (set by Integrate or
// LocateDelete on first encounter).
func (mt *mergeTracker) AdvanceByRange(span TimeSpan) {
	for t := span.Start; t < span.End; t++ {
		mt.advanceOne(t)
	}
}

// RetreatByRange is AdvanceByRange's inverse, walking span in reverse
// time order so a run's own internal double-delete bookkeeping unwinds
// in the opposite order it was built up.
func (mt *mergeTracker) RetreatByRange(span TimeSpan) {
	for t := span.End - 1; t >= span.Start; t-- {
		mt.retreatOne(t)
	}
}

func (mt *mergeTracker) advanceOne(t Time) {
	marker, offset, ok := mt.markers.Get(t)
	if !ok {
		panic("dtcore: AdvanceByRange: time has no marker — must be integrated or located first")
	}
	switch marker.Kind {
	case MarkerIns:
		mt.setItemState(marker.InsPtr, t, StateInserted)
	case MarkerDel:
		target := marker.DelTarget.At(offset)
		if mt.doubleDelete[target] > 0 || mt.isDeleted(target) {
			mt.bumpDoubleDelete(target, 1)
		} else {
			mt.setItemStateByTime(target, StateDeleted)
		}
	}
}

func (mt *mergeTracker) retreatOne(t Time) {
	marker, offset, ok := mt.markers.Get(t)
	if !ok {
		panic("dtcore: RetreatByRange: time has no marker — must be integrated or located first")
	}
	switch marker.Kind {
	case MarkerIns:
		mt.setItemState(marker.InsPtr, t, StateNotInsertedYet)
	case MarkerDel:
		target := marker.DelTarget.At(offset)
		if mt.doubleDelete[target] > 0 {
			mt.bumpDoubleDelete(target, -1)
		} else {
			mt.setItemStateByTime(target, StateInserted)
		}
	}
}

func (mt *mergeTracker) bumpDoubleDelete(t Time, delta int) {
	n := mt.doubleDelete[t] + delta
	if n <= 0 {
		delete(mt.doubleDelete, t)
		return
	}
	mt.doubleDelete[t] = n
}

func (mt *mergeTracker) isDeleted(t Time) bool {
	cur, ok := mt.tree.cursorBeforeTime(t, -1)
	if !ok {
		panic("dtcore: isDeleted: time not found in content tree")
	}
	return mt.tree.Item(cur.idx).State == StateDeleted
}

// setItemState mutates exactly the one character at t, using hint as an
// O(1) shortcut straight to its arena slot when it's still valid.
func (mt *mergeTracker) setItemState(hint int, t Time, state ItemState) {
	cur, ok := mt.tree.cursorBeforeTime(t, hint)
	if !ok {
		panic("dtcore: setItemState: time not found in content tree")
	}
	mt.tree.mutateSingleEntryNotify(cur, 1, func(s *YjsSpan) { s.State = state }, mt.reindexNotify)
}

func (mt *mergeTracker) setItemStateByTime(t Time, state ItemState) {
	mt.setItemState(-1, t, state)
}

// cursorAfterTimeUpstream returns the clean item-boundary cursor
// immediately following t in the tree's structural (arena-link) order,
// or the head of the tree if t is RootTime.
func (mt *mergeTracker) cursorAfterTimeUpstream(t Time) treeCursor {
	if t == RootTime {
		return treeCursor{idx: mt.tree.head, offset: 0}
	}
	cur, ok := mt.tree.cursorBeforeTime(t, -1)
	if !ok {
		panic("dtcore: Integrate: originLeft time not found in content tree")
	}
	item := mt.tree.Item(cur.idx)
	after := treeCursor{idx: cur.idx, offset: cur.offset + 1}
	if after.offset >= item.Len() {
		return treeCursor{idx: mt.tree.slots[cur.idx].next, offset: 0}
	}
	return mt.tree.splitAt(after, mt.reindexNotify)
}

// structuralPosOf returns t's position counting every run regardless of
// state — the fixed order runs were actually integrated in, which is
// what origin_right comparisons need (state is an orthogonal property of
// a run, tracked separately from its place in that order). RootTime
// (meaning "no right neighbor", i.e. "runs all the way to the end of the
// document") sorts after everything.
func (mt *mergeTracker) structuralPosOf(t Time) int {
	if t == RootTime {
		return math.MaxInt
	}
	acc := 0
	for idx := mt.tree.head; idx != -1; idx = mt.tree.slots[idx].next {
		item := mt.tree.Item(idx)
		if item.ID.Contains(t) {
			return acc + int(t-item.ID.Start)
		}
		acc += item.Len()
	}
	panic("dtcore: structuralPosOf: time not found in content tree")
}

// contentPosBefore returns the number of currently-visible characters
// before arena slot idx.
func (mt *mergeTracker) contentPosBefore(idx int) int {
	acc := 0
	for i := mt.tree.head; i != idx; i = mt.tree.slots[i].next {
		if mt.tree.Item(i).State == StateInserted {
			acc += mt.tree.Item(i).Len()
		}
	}
	return acc
}

// Integrate places a brand-new insert run (span, never before seen by
// this tracker) into the content tree and marks it immediately visible,
// following the YJS insertion rule: scan forward from just after
// originLeft past every run that's a "sibling" of ours (shares our
// originLeft), using originRight position to decide whether a sibling
// sits above or below us, and before as the final (agent, seq) tie-break
// for siblings that agree on both anchors. Returns the run's arena index
// and the content position it landed at.
//
// This collapses the full algorithm's two-level scan-then-backtrack
// (needed only when a sibling's own originRight is itself concurrent
// with ours) into a single forward pass that decides by comparing
// current structural position of each side's originRight — correct for
// every case that doesn't itself require the backtrack, which is the
// documented simplification recorded in DESIGN.md.
func (mt *mergeTracker) Integrate(span TimeSpan, originLeft, originRight Time, before func(a, b Time) bool) (idx int, contentPos int) {
	newItem := YjsSpan{ID: span, OriginLeft: originLeft, OriginRight: originRight, State: StateInserted}

	start := mt.cursorAfterTimeUpstream(originLeft)
	scanIdx := start.idx
	ourRightPos := mt.structuralPosOf(originRight)

	for scanIdx != -1 {
		peer := mt.tree.Item(scanIdx)
		if peer.OriginLeft != originLeft {
			break
		}
		if peer.OriginRight == originRight {
			if before(peer.ID.Start, span.Start) {
				scanIdx = mt.tree.slots[scanIdx].next
				continue
			}
			break
		}
		peerRightPos := mt.structuralPosOf(peer.OriginRight)
		if peerRightPos < ourRightPos {
			break
		}
		scanIdx = mt.tree.slots[scanIdx].next
	}

	cur := treeCursor{idx: scanIdx, offset: 0}
	idx = mt.tree.insertNotify(cur, newItem, mt.reindexNotify)
	contentPos = mt.contentPosBefore(idx)
	return idx, contentPos
}

// cleanBoundaryAtContentPos locates the document content-position pos and
// ensures the content tree has a clean item-boundary cursor there,
// splitting the straddled run into two arena slots if pos falls in the
// middle of one. Used by transform.go to resolve the origin anchors of a
// brand-new insert run relative to the tracker's current document state.
func (mt *mergeTracker) cleanBoundaryAtContentPos(pos int) treeCursor {
	cur := mt.tree.cursorAtContentPos(pos, false)
	return mt.tree.splitAt(cur, mt.reindexNotify)
}

// originsAtCursor reads off the origin_left/origin_right anchors implied
// by a clean-boundary cursor: the last time of the item immediately
// preceding cur in structural (arena-link) order, and the first time of
// the item at cur, each ROOT if there is no such neighbor.
func (mt *mergeTracker) originsAtCursor(cur treeCursor) (originLeft, originRight Time) {
	var prevIdx int
	if cur.idx == -1 {
		prevIdx = mt.tree.tail
	} else {
		prevIdx = mt.tree.slots[cur.idx].prev
	}
	if prevIdx == -1 {
		originLeft = RootTime
	} else {
		originLeft = mt.tree.Item(prevIdx).ID.Last()
	}
	if cur.idx == -1 {
		originRight = RootTime
	} else {
		originRight = mt.tree.Item(cur.idx).ID.Start
	}
	return originLeft, originRight
}

// contentPosOfTime returns the number of currently-visible characters
// before time t, for a t whose run is still in the Inserted state (i.e.
// called before the delete that will tombstone it is advanced).
func (mt *mergeTracker) contentPosOfTime(t Time) int {
	cur, ok := mt.tree.cursorBeforeTime(t, -1)
	if !ok {
		panic("dtcore: contentPosOfTime: time not found in content tree")
	}
	return mt.contentPosBefore(cur.idx) + cur.offset
}

// LocateDelete resolves, for a brand-new delete run (never before seen
// by this tracker) covering span with document-position range loc, the
// target Time each of its characters deletes, using the tracker's
// current (pre-deletion) content-tree state, and records a MarkerDel
// entry for each. It must be called — once — before AdvanceByRange is
// ever invoked on span. Returns the target of span's first character and
// whether that target is already tombstoned; transform.go reports that
// one flag for the whole run. Only the first character's target is
// checked, so a run whose later characters are already tombstoned and
// whose first is not is reported as not already deleted.
func (mt *mergeTracker) LocateDelete(span TimeSpan, loc RangeRev) (firstTarget Time, alreadyDeleted bool) {
	n := span.Len()
	for k := 0; k < n; k++ {
		t := span.Start + Time(k)
		pos := loc.At(k)
		cur := mt.tree.cursorAtContentPos(int(pos), false)
		if cur.idx == -1 {
			panic("dtcore: LocateDelete: position past end of document")
		}
		item := mt.tree.Item(cur.idx)
		target := item.ID.Start + Time(cur.offset)
		mt.markers.Set(TimeSpan{t, t + 1}, Marker{Kind: MarkerDel, DelTarget: RangeRev{Span: TimeSpan{target, target + 1}, Fwd: true}})
		if k == 0 {
			firstTarget = target
			alreadyDeleted = mt.tree.Item(cur.idx).State == StateDeleted
		}
	}
	return firstTarget, alreadyDeleted
}
