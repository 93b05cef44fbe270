package dtcore

import "sort"

// MarkerKind distinguishes the two marker shapes spec §4.7 names.
type MarkerKind uint8

const (
	// MarkerIns points at the content-tree arena slot holding an
	// inserted run.
	MarkerIns MarkerKind = iota
	// MarkerDel names the insert-time range a delete run targets.
	MarkerDel
)

// Marker is the value held for a run of times in the marker index:
// either a content-tree arena pointer (for inserts) or the reversible
// range of insert-times a delete targets.
type Marker struct {
	Kind      MarkerKind
	InsPtr    int
	DelTarget RangeRev
	runLen    int
}

// Len reports how many times this marker run covers.
func (m Marker) Len() int { return m.runLen }

// Split cuts m at offset. An insert marker's halves both keep the same
// InsPtr (a coarse marker names one leaf for its whole run — a tree
// split that actually moves part of that run to a new leaf is handled
// by a separate call to Set, not by this split law). A delete marker's
// halves split DelTarget accordingly.
func (m Marker) Split(offset int) (Marker, Marker) {
	left, right := m, m
	left.runLen = offset
	right.runLen = m.runLen - offset
	if m.Kind == MarkerDel {
		l, r := m.DelTarget.Split(offset)
		left.DelTarget, right.DelTarget = l, r
	}
	return left, right
}

// TryAppend merges m with next when they're the same kind and (for
// inserts) name the same leaf, or (for deletes) their target ranges
// themselves RLE-merge.
func (m Marker) TryAppend(next Marker) (Marker, bool) {
	if m.Kind != next.Kind {
		return Marker{}, false
	}
	if m.Kind == MarkerIns {
		if m.InsPtr != next.InsPtr {
			return Marker{}, false
		}
		return Marker{Kind: MarkerIns, InsPtr: m.InsPtr, runLen: m.runLen + next.runLen}, true
	}
	merged, ok := m.DelTarget.TryAppend(next.DelTarget)
	if !ok {
		return Marker{}, false
	}
	return Marker{Kind: MarkerDel, DelTarget: merged, runLen: m.runLen + next.runLen}, true
}

// markerEntry is one run in a markerIndex: sorted, non-overlapping.
type markerEntry struct {
	start Time
	value Marker
}

// markerIndex answers "where in the content tree is time t?" in support
// of the merge tracker (spec §4.7). Unlike agent.go/rle.go's RLEStore
// (strictly append-only), marker entries must be overwritten in place —
// a content-tree split that relocates part of an already-indexed run
// needs its marker updated without touching neighboring entries — so
// this keeps its own small sorted-slice implementation with an explicit
// Set (overwrite-with-trim) operation instead.
type markerIndex struct {
	entries []markerEntry
}

// newMarkerIndex creates an empty index, as used fresh by every merge
// tracker (the index never persists across oplog writes, per spec §3).
func newMarkerIndex() *markerIndex {
	return &markerIndex{}
}

// Set records value for every time in span, trimming or removing any
// existing entries that overlapped it.
func (mi *markerIndex) Set(span TimeSpan, value Marker) {
	value.runLen = span.Len()
	lo, hi := span.Start, span.End

	out := make([]markerEntry, 0, len(mi.entries)+1)
	for _, e := range mi.entries {
		eEnd := e.start + Time(e.value.Len())
		if eEnd <= lo || e.start >= hi {
			out = append(out, e)
			continue
		}
		if e.start < lo {
			left, _ := e.value.Split(int(lo - e.start))
			out = append(out, markerEntry{start: e.start, value: left})
		}
		if eEnd > hi {
			_, right := e.value.Split(int(hi - e.start))
			out = append(out, markerEntry{start: hi, value: right})
		}
	}
	out = append(out, markerEntry{start: lo, value: value})
	sort.Slice(out, func(i, j int) bool { return out[i].start < out[j].start })
	mi.entries = out
}

// Get finds the marker run covering t and t's offset within it.
func (mi *markerIndex) Get(t Time) (Marker, int, bool) {
	i := sort.Search(len(mi.entries), func(i int) bool {
		e := mi.entries[i]
		return e.start+Time(e.value.Len()) > t
	})
	if i == len(mi.entries) {
		return Marker{}, 0, false
	}
	e := mi.entries[i]
	if t < e.start {
		return Marker{}, 0, false
	}
	return e.value, int(t - e.start), true
}
