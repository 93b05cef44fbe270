package dtcore

import "sort"

// RLEValue is the constraint every value stored in an RLEStore must
// satisfy: it has a length, it can be cut at an internal offset (the
// split law), and it can report whether it continues another value of
// the same type (the merge law). Operation, AgentSpan, TimeSpan and
// RangeRev implement it.
type RLEValue[V any] interface {
	Len() int
	Split(offset int) (V, V)
	TryAppend(next V) (V, bool)
}

// rleEntry is one run in an RLEStore: a value together with the key its
// first element occupies.
type rleEntry[K ~int64, V RLEValue[V]] struct {
	start K
	value V
}

// RLEStore is an ordered sequence of (key, value) runs, where values obey
// the split/merge laws captured by RLEValue. It supports binary-search
// lookup, RLE-extending append, and ranged iteration that automatically
// truncates at range boundaries.
//
// RLEStore assumes keys are non-negative and monotonically increasing as
// entries are appended; FindSparse additionally tolerates gaps between
// entries. Push-built stores (including the per-agent sequence tables,
// which start at 0) have no gaps.
type RLEStore[K ~int64, V RLEValue[V]] struct {
	entries []rleEntry[K, V]
}

// NewRLEStore creates an empty store.
func NewRLEStore[K ~int64, V RLEValue[V]]() *RLEStore[K, V] {
	return &RLEStore[K, V]{}
}

// Len returns the number of runs currently stored (not the number of
// logical keys).
func (s *RLEStore[K, V]) Len() int { return len(s.entries) }

// End returns the key one past the last stored entry, i.e. the next key
// that would be assigned by an append-only allocator layered on top of
// this store. Returns 0 on an empty store.
func (s *RLEStore[K, V]) End() K {
	if len(s.entries) == 0 {
		return 0
	}
	last := s.entries[len(s.entries)-1]
	return last.start + K(last.value.Len())
}

// Push appends value as a new run starting immediately after the current
// end of the store. If the previous entry's value RLE-merges with value,
// it is extended in place instead of creating a new entry.
func (s *RLEStore[K, V]) Push(value V) {
	s.Insert(s.End(), value)
}

// Insert places value at the given start key, maintaining key order. If
// it directly extends the preceding entry, the two are merged; otherwise
// a new entry is appended. Insert assumes callers only ever append at or
// past the current End() — this store is an append-only log, not a
// general-purpose ordered map.
func (s *RLEStore[K, V]) Insert(start K, value V) {
	if n := len(s.entries); n > 0 {
		last := &s.entries[n-1]
		if last.start+K(last.value.Len()) == start {
			if merged, ok := last.value.TryAppend(value); ok {
				last.value = merged
				return
			}
		}
	}
	s.entries = append(s.entries, rleEntry[K, V]{start: start, value: value})
}

// Find performs a binary search for the entry whose key range covers k,
// returning the run and the offset of k within it. ok is false if k lies
// past the end of the store or before its start.
func (s *RLEStore[K, V]) Find(k K) (value V, offset int, ok bool) {
	idx := s.findEntryIndex(k)
	if idx < 0 {
		return value, 0, false
	}
	e := s.entries[idx]
	return e.value, int(k - e.start), true
}

// FindSparse is like Find, but also succeeds when k falls in a gap
// between entries. holeLen reports how many keys remain until the next entry (or
// -1 if there is no following entry), and ok reports whether k fell
// strictly inside a value's run (as opposed to a hole).
func (s *RLEStore[K, V]) FindSparse(k K) (value V, offset int, holeLen int, ok bool) {
	i := sort.Search(len(s.entries), func(i int) bool {
		e := s.entries[i]
		return e.start+K(e.value.Len()) > k
	})
	if i == len(s.entries) {
		return value, 0, -1, false
	}
	e := s.entries[i]
	if k >= e.start {
		return e.value, int(k - e.start), 0, true
	}
	return value, 0, int(e.start - k), false
}

// findEntryIndex returns the index of the entry covering k, or -1.
func (s *RLEStore[K, V]) findEntryIndex(k K) int {
	i := sort.Search(len(s.entries), func(i int) bool {
		e := s.entries[i]
		return e.start+K(e.value.Len()) > k
	})
	if i == len(s.entries) {
		return -1
	}
	e := s.entries[i]
	if k < e.start {
		return -1
	}
	return i
}

// Entry is a (start key, value) pair yielded during iteration.
type Entry[K ~int64, V RLEValue[V]] struct {
	Start K
	Value V
}

// IterRange yields the (possibly truncated) runs covering [lo, hi),
// splitting entries at the range boundaries so the first and last
// yielded values never extend outside [lo, hi).
func (s *RLEStore[K, V]) IterRange(lo, hi K) []Entry[K, V] {
	if hi <= lo {
		return nil
	}
	var out []Entry[K, V]
	for _, e := range s.entries {
		eEnd := e.start + K(e.value.Len())
		if eEnd <= lo || e.start >= hi {
			continue
		}
		val := e.value
		start := e.start
		if start < lo {
			_, right := val.Split(int(lo - start))
			val = right
			start = lo
		}
		if end := start + K(val.Len()); end > hi {
			left, _ := val.Split(int(hi - start))
			val = left
		}
		out = append(out, Entry[K, V]{Start: start, Value: val})
	}
	return out
}

// All returns every stored run, in key order.
func (s *RLEStore[K, V]) All() []Entry[K, V] {
	out := make([]Entry[K, V], len(s.entries))
	for i, e := range s.entries {
		out[i] = Entry[K, V]{Start: e.start, Value: e.value}
	}
	return out
}

// Truncate discards every run whose values overlap [k, End()), shrinking
// the run that straddles k to only the portion before k. Used to roll
// back a failed decode merge (§7).
func (s *RLEStore[K, V]) Truncate(k K) {
	idx := s.findEntryIndex(k)
	if idx < 0 {
		// k might exactly equal End(), meaning nothing to truncate, or it
		// might fall in a gap past all entries — either way there's
		// nothing overlapping [k, End()) to remove.
		return
	}
	e := s.entries[idx]
	if e.start == k {
		s.entries = s.entries[:idx]
		return
	}
	left, _ := e.value.Split(int(k - e.start))
	s.entries = s.entries[:idx]
	s.entries = append(s.entries, rleEntry[K, V]{start: e.start, value: left})
}
