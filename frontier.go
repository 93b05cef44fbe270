package dtcore

import "sort"

// Frontier is a sorted, duplicate-free set of Times naming a document
// version: the set of times that have no descendants within whatever
// history the frontier is being interpreted against. The empty frontier
// names the root (empty document, before any operation).
//
// Invariant: sorted ascending, no duplicates, and no element is an
// ancestor of another (Frontier is always an antichain in the causal
// DAG).
type Frontier []Time

// Clone returns an independent copy of f.
func (f Frontier) Clone() Frontier {
	out := make(Frontier, len(f))
	copy(out, f)
	return out
}

// Contains reports whether t is literally an element of f (not whether t
// is an ancestor of f — that's CausalGraph.FrontierContains).
func (f Frontier) Contains(t Time) bool {
	i := sort.Search(len(f), func(i int) bool { return f[i] >= t })
	return i < len(f) && f[i] == t
}

// IsRoot reports whether f names the empty/root version.
func (f Frontier) IsRoot() bool { return len(f) == 0 }

func (f Frontier) insertSorted(t Time) Frontier {
	i := sort.Search(len(f), func(i int) bool { return f[i] >= t })
	f = append(f, 0)
	copy(f[i+1:], f[i:])
	f[i] = t
	return f
}

func (f Frontier) without(parents Frontier) Frontier {
	out := f[:0:0]
	for _, t := range f {
		if !parents.Contains(t) {
			out = append(out, t)
		}
	}
	return out
}

// AdvanceByKnownRun moves f forward across a newly-applied contiguous
// range of operations whose declared parents are `parents`. Per spec
// §4.4: remove every element of parents from f, then insert range.Last()
// preserving sort order. The common case — f is the single element
// parents[0] — is special-cased to avoid any allocation.
func (f Frontier) AdvanceByKnownRun(parents Frontier, span TimeSpan) Frontier {
	if len(f) == 1 && len(parents) == 1 && f[0] == parents[0] {
		f[0] = span.Last()
		return f
	}
	out := f.without(parents)
	return out.insertSorted(span.Last())
}

// RetreatBy moves f backward, undoing a contiguous range of operations.
// Per spec §4.4: if range strictly follows the start of the history
// entry containing it, the frontier element is replaced in place with
// range.Start-1 (we're only retreating partway through one entry's run).
// Otherwise the entry's own declared parents are spliced back in, each
// one only if it isn't already dominated by some other frontier element.
func (f Frontier) RetreatBy(cg *CausalGraph, span TimeSpan) Frontier {
	entry, _, ok := cg.entryContaining(span.Start)
	if !ok {
		panic("dtcore: RetreatBy: unknown time range")
	}
	last := span.Last()
	idx := -1
	for i, t := range f {
		if t == last {
			idx = i
			break
		}
	}
	if idx < 0 {
		panic("dtcore: RetreatBy: frontier does not contain span's last time")
	}

	if span.Start > entry.Span.Start {
		out := f.Clone()
		out[idx] = span.Start - 1
		sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
		return out
	}

	// Full entry retreat: drop `last` and splice back in any parents not
	// already dominated by a remaining frontier element.
	out := make(Frontier, 0, len(f)+len(entry.Parents))
	out = append(out, f[:idx]...)
	out = append(out, f[idx+1:]...)
	for _, p := range entry.Parents {
		if len(out) == 0 || !cg.FrontierContains(out, p) {
			out = out.insertSorted(p)
		}
	}
	return out
}

// Diff returns the spans of time reachable from a but not b, and from b
// but not a (each as ascending-Start TimeSpans), by delegating to the
// causal graph's conflict-finding walk.
func (f Frontier) Diff(cg *CausalGraph, other Frontier) (onlyA, onlyB []TimeSpan) {
	onlyA, onlyB, _ = cg.IterConflicting(f, other)
	sortSpansAsc(onlyA)
	sortSpansAsc(onlyB)
	return onlyA, onlyB
}

// Dominators returns the minimal sub-frontier equivalent to times: any
// element that is a causal ancestor of another element is dropped.
func (f Frontier) Dominators(cg *CausalGraph) Frontier {
	return cg.Dominators(f)
}
