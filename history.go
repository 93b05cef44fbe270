package dtcore

import (
	"container/heap"
	"sort"
)

// HistoryEntry is one RLE run in the causal DAG: a contiguous span of
// times that share the same parents and the same shadow (spec §3/§4.3).
type HistoryEntry struct {
	Span      TimeSpan
	Parents   Frontier // the parents of Span.Start; empty means "parented by root".
	Shadow    Time
	ParentIdx []int
	ChildIdx  []int
}

// contains reports whether t falls inside this entry's span.
func (e *HistoryEntry) contains(t Time) bool { return e.Span.Contains(t) }

// parentsAt returns the effective parents of time t within this entry:
// t-1 if t isn't the very first time in the entry (self-contiguous),
// otherwise the entry's declared Parents.
func (e *HistoryEntry) parentsAt(t Time) Frontier {
	if t > e.Span.Start {
		return Frontier{t - 1}
	}
	return e.Parents
}

// shadowCovers reports whether time is dominated by this entry's shadow
// range, i.e. [shadow, Span.End) are all transitive ancestors of
// Span.End-1 and hence of anything that descends from this entry.
func (e *HistoryEntry) shadowCovers(t Time) bool {
	return e.Shadow == RootTime || t >= e.Shadow
}

// CausalGraph stores the append-only, RLE-compressed DAG of history
// entries plus the indexes of entries parented directly by root.
type CausalGraph struct {
	entries      []HistoryEntry
	rootChildren []int
}

// NewCausalGraph creates an empty graph.
func NewCausalGraph() *CausalGraph {
	return &CausalGraph{}
}

// NumEntries returns the number of RLE runs currently stored.
func (cg *CausalGraph) NumEntries() int { return len(cg.entries) }

// NextTime returns the next time that would be assigned (the length of
// the history, span-wise).
func (cg *CausalGraph) NextTime() Time {
	if len(cg.entries) == 0 {
		return 0
	}
	return cg.entries[len(cg.entries)-1].Span.End
}

// entryContaining finds the entry containing t via binary search (entries
// partition [0, NextTime()) with no gaps).
func (cg *CausalGraph) entryContaining(t Time) (*HistoryEntry, int, bool) {
	i := sort.Search(len(cg.entries), func(i int) bool {
		return cg.entries[i].Span.End > t
	})
	if i == len(cg.entries) || t < cg.entries[i].Span.Start {
		return nil, 0, false
	}
	return &cg.entries[i], i, true
}

// Push appends a new history entry covering span, caused by parents (the
// frontier at the moment the operation was created). Per spec §4.3, the
// fast path extends the previous entry in place when it is a pure
// continuation; otherwise a fresh entry is created, its shadow derived,
// and parent/child indexes wired up on both sides.
func (cg *CausalGraph) Push(parents Frontier, span TimeSpan) int {
	if n := len(cg.entries); n > 0 {
		last := &cg.entries[n-1]
		if len(parents) == 1 && parents[0] == last.Span.Last() && last.Span.CanAppend(span) {
			last.Span.End = span.End
			return n - 1
		}
	}

	shadow := span.Start
	for shadow >= 1 && parents.Contains(shadow-1) {
		e, _, ok := cg.entryContaining(shadow - 1)
		if !ok {
			break
		}
		shadow = e.Shadow
	}
	if shadow == 0 {
		shadow = RootTime
	}

	idx := len(cg.entries)
	var parentIdx []int
	if len(parents) == 0 {
		cg.rootChildren = append(cg.rootChildren, idx)
	} else {
		for _, p := range parents {
			_, pidx, ok := cg.entryContaining(p)
			if !ok {
				panic("dtcore: Push: unknown parent time")
			}
			parentIdx = append(parentIdx, pidx)
			parentEntry := &cg.entries[pidx]
			already := false
			for _, c := range parentEntry.ChildIdx {
				if c == idx {
					already = true
					break
				}
			}
			if !already {
				parentEntry.ChildIdx = append(parentEntry.ChildIdx, idx)
			}
		}
	}

	cg.entries = append(cg.entries, HistoryEntry{
		Span:      span,
		Parents:   parents.Clone(),
		Shadow:    shadow,
		ParentIdx: parentIdx,
	})
	return idx
}

// IsAncestor reports whether a is a causal ancestor of (strictly
// precedes, transitively) b. RootTime is an ancestor of everything.
func (cg *CausalGraph) IsAncestor(a, b Time) bool {
	if a == RootTime {
		return true
	}
	if a == b {
		return false
	}
	return cg.FrontierContains(Frontier{b}, a)
}

// FrontierContains reports whether target is an ancestor of (or equal
// to) some element of frontier — i.e. whether a document at `frontier`
// already causally includes `target`. RootTime is contained in every
// frontier. Shadow ranges let this skip whole contiguous runs at once
// instead of walking one time at a time.
func (cg *CausalGraph) FrontierContains(frontier Frontier, target Time) bool {
	if target == RootTime {
		return true
	}
	if len(frontier) == 0 {
		return false
	}
	stack := append(Frontier(nil), frontier...)
	visited := make(map[int]bool)
	for len(stack) > 0 {
		t := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if t == RootTime || t < target {
			continue
		}
		e, idx, ok := cg.entryContaining(t)
		if !ok {
			continue
		}
		if e.contains(target) {
			return true
		}
		if e.shadowCovers(target) {
			return true
		}
		if visited[idx] {
			continue
		}
		visited[idx] = true
		stack = append(stack, e.Parents...)
	}
	return false
}

// Dominators reduces times to the minimal antichain equivalent to it:
// any element that is an ancestor of another element in the set is
// dropped.
func (cg *CausalGraph) Dominators(times []Time) Frontier {
	uniq := append([]Time(nil), times...)
	sort.Slice(uniq, func(i, j int) bool { return uniq[i] < uniq[j] })
	uniq = dedupSortedTimes(uniq)

	keep := make([]bool, len(uniq))
	for i := range keep {
		keep[i] = true
	}
	for i, a := range uniq {
		if !keep[i] {
			continue
		}
		for j, b := range uniq {
			if i == j || !keep[j] {
				continue
			}
			if cg.IsAncestor(a, b) {
				keep[i] = false
				break
			}
		}
	}
	out := make(Frontier, 0, len(uniq))
	for i, t := range uniq {
		if keep[i] {
			out = append(out, t)
		}
	}
	return out
}

// ComputeFrontier re-derives the frontier from scratch: the last time of
// every entry that no entry names as a parent (a child may attach to a
// time in the middle of an entry, which leaves that entry's last time a
// head). Used by OpLog.Validate to cross-check the incrementally
// maintained frontier.
func (cg *CausalGraph) ComputeFrontier() Frontier {
	isParent := make(map[Time]bool)
	for i := range cg.entries {
		for _, p := range cg.entries[i].Parents {
			isParent[p] = true
		}
	}
	var heads []Time
	for i := range cg.entries {
		if last := cg.entries[i].Span.Last(); !isParent[last] {
			heads = append(heads, last)
		}
	}
	sort.Slice(heads, func(i, j int) bool { return heads[i] < heads[j] })
	return Frontier(heads)
}

func dedupSortedTimes(s []Time) []Time {
	if len(s) == 0 {
		return s
	}
	out := s[:1]
	for _, t := range s[1:] {
		if t != out[len(out)-1] {
			out = append(out, t)
		}
	}
	return out
}

// diffFlag tags a time during the conflict-finding walk in IterConflicting.
type diffFlag uint8

const (
	flagOnlyA diffFlag = iota
	flagOnlyB
	flagShared
)

type diffQueueItem struct {
	t    Time
	flag diffFlag
}

type diffQueue []diffQueueItem

func (q diffQueue) Len() int            { return len(q) }
func (q diffQueue) Less(i, j int) bool   { return q[i].t > q[j].t } // max-heap
func (q diffQueue) Swap(i, j int)        { q[i], q[j] = q[j], q[i] }
func (q *diffQueue) Push(x interface{})  { *q = append(*q, x.(diffQueueItem)) }
func (q *diffQueue) Pop() interface{} {
	old := *q
	n := len(old)
	item := old[n-1]
	*q = old[:n-1]
	return item
}

// IterConflicting walks the causal graph backward from frontiers a and b
// simultaneously, classifying every time as reachable OnlyA, OnlyB, or
// Shared (reachable from both), and returns the RLE-merged spans for
// OnlyA and OnlyB plus the greatest common ancestor frontier (the
// dominators of whatever remained Shared when the walk terminated). This
// is the engine behind Frontier.Diff and OptimizedTxnsBetween.
func (cg *CausalGraph) IterConflicting(a, b Frontier) (onlyA, onlyB []TimeSpan, commonAncestor Frontier) {
	if equalFrontiers(a, b) {
		return nil, nil, a.Clone()
	}
	if len(a) == 1 && len(b) == 1 {
		av, bv := a[0], b[0]
		if av < bv && cg.shadowOf(bv) <= av {
			return nil, []TimeSpan{{av + 1, bv + 1}}, Frontier{av}
		}
		if bv < av && cg.shadowOf(av) <= bv {
			return []TimeSpan{{bv + 1, av + 1}}, nil, Frontier{bv}
		}
	}

	var q diffQueue
	for _, t := range a {
		q = append(q, diffQueueItem{t, flagOnlyA})
	}
	for _, t := range b {
		q = append(q, diffQueueItem{t, flagOnlyB})
	}
	heap.Init(&q)

	numShared := 0
	var aBuilder, bBuilder reverseSpanBuilder
	ancestorSet := make(map[Time]bool)

	markRun := func(start, end Time, flag diffFlag) { // inclusive [start, end]
		switch flag {
		case flagOnlyA:
			aBuilder.add(start, end)
		case flagOnlyB:
			bBuilder.add(start, end)
		case flagShared:
			ancestorSet[end] = true
		}
	}

	for q.Len() > 0 {
		item := heap.Pop(&q).(diffQueueItem)
		t, flag := item.t, item.flag
		if flag == flagShared {
			numShared--
		}

		for q.Len() > 0 && q[0].t == t {
			peek := heap.Pop(&q).(diffQueueItem)
			if peek.flag != flag {
				flag = flagShared
			}
			if peek.flag == flagShared {
				numShared--
			}
		}

		entry, _, ok := cg.entryContaining(t)
		if !ok {
			continue
		}

		for q.Len() > 0 && q[0].t >= entry.Span.Start {
			peek := heap.Pop(&q).(diffQueueItem)
			if peek.flag != flag {
				markRun(peek.t+1, t, flag)
				t = peek.t
				flag = flagShared
			}
			if peek.flag == flagShared {
				numShared--
			}
		}

		// Mark the remainder of this entry down to its own start — even
		// when that's a single point (t == entry.Span.Start, the common
		// case for a length-1 entry, or the terminal entry nearest the
		// root): the inner loop above only ever marks strictly above the
		// surviving t, so [entry.Span.Start, t] is always still unmarked
		// and always a valid (possibly single-point) inclusive run.
		markRun(entry.Span.Start, t, flag)

		for _, p := range entry.Parents {
			if p == RootTime {
				continue
			}
			q = append(q, diffQueueItem{p, flag})
			if flag == flagShared {
				numShared++
			}
		}
		heap.Init(&q)

		if q.Len() == numShared {
			for _, it := range q {
				ancestorSet[it.t] = true
			}
			break
		}
	}

	common := make([]Time, 0, len(ancestorSet))
	for t := range ancestorSet {
		common = append(common, t)
	}
	return aBuilder.spans, bBuilder.spans, cg.Dominators(common)
}

// reverseSpanBuilder accumulates times seen in descending order and
// RLE-merges them into ascending TimeSpans.
type reverseSpanBuilder struct {
	spans []TimeSpan
}

// add records the inclusive range [start, end] (start <= end), merging
// with the previously-added span when contiguous.
func (b *reverseSpanBuilder) add(start, end Time) {
	span := TimeSpan{start, end + 1}
	if n := len(b.spans); n > 0 && b.spans[n-1].Start == span.End {
		b.spans[n-1].Start = span.Start
		return
	}
	b.spans = append(b.spans, span)
}

func equalFrontiers(a, b Frontier) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// shadowOf returns the shadow of the entry containing t.
func (cg *CausalGraph) shadowOf(t Time) Time {
	e, _, ok := cg.entryContaining(t)
	if !ok {
		panic("dtcore: shadowOf: unknown time")
	}
	return e.Shadow
}

// truncate discards every entry at or past index n and drops any
// rootChildren index that referred to a discarded entry — used to roll
// back a failed decode merge (spec §7).
func (cg *CausalGraph) truncate(n int) {
	cg.entries = cg.entries[:n]
	kept := cg.rootChildren[:0:0]
	for _, idx := range cg.rootChildren {
		if idx < n {
			kept = append(kept, idx)
		}
	}
	cg.rootChildren = kept
	for i := range cg.entries {
		childKept := cg.entries[i].ChildIdx[:0:0]
		for _, c := range cg.entries[i].ChildIdx {
			if c < n {
				childKept = append(childKept, c)
			}
		}
		cg.entries[i].ChildIdx = childKept
	}
}

// Walk is one step of a spanning-tree traversal from a source frontier to
// a target frontier, as produced by OptimizedTxnsBetween: retreat out of
// Retreat, re-advance through AdvanceRev, then consume the new,
// causally-contiguous range Consume whose first time's parents are
// Parents.
type Walk struct {
	Retreat    []TimeSpan
	AdvanceRev []TimeSpan
	Consume    TimeSpan
	Parents    Frontier
}

// OptimizedTxnsBetween yields the sequence of Walk steps needed to bring
// a cursor sitting at `from` up to date with every operation that `to`
// has but `from` doesn't, per spec §4.3/§4.9. Spans only known to `to`
// are visited in ascending time order (which is always a valid
// topological order, since every parent time is numerically smaller than
// its children); spans only known to `from` are retreated out up front,
// in the first Walk.
//
// This is a simplified, single-pass spanning walk rather than the fully
// allocation-minimized traversal the original implementation uses (see
// DESIGN.md's Open Questions): it never needs AdvanceRev, because
// retreating once at the start is always sufficient when `to`-only spans
// are consumed in increasing order.
func (cg *CausalGraph) OptimizedTxnsBetween(from, to Frontier) []Walk {
	onlyA, onlyB, _ := cg.IterConflicting(from, to)
	if len(onlyB) == 0 {
		return nil
	}
	sort.Slice(onlyB, func(i, j int) bool { return onlyB[i].Start < onlyB[j].Start })

	walks := make([]Walk, 0, len(onlyB))
	for i, span := range onlyB {
		w := Walk{Consume: span}
		if i == 0 {
			w.Retreat = onlyA
		}
		entry, _, ok := cg.entryContaining(span.Start)
		if !ok {
			panic("dtcore: OptimizedTxnsBetween: unknown time")
		}
		w.Parents = entry.parentsAt(span.Start)
		walks = append(walks, w)
	}
	return walks
}
