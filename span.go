package dtcore

// RangeRev is a "reversible span": an ordinary half-open TimeSpan plus a
// direction bit. Fwd=true means the span was produced by characters
// arriving in increasing position order (a normal left-to-right insert);
// Fwd=false means the opposite (e.g. a run of backspaces, each one
// deleting the character immediately before the last).
//
// All split/append/length operations on operations branch on Fwd and the
// operation kind; see Operation in operation.go for how Ins/Del interpret
// it.
type RangeRev struct {
	Span TimeSpan
	Fwd  bool
}

// NewRangeRev builds a forward reversible range over [start, start+length).
func NewRangeRev(start Time, length int) RangeRev {
	return RangeRev{Span: NewTimeSpan(start, length), Fwd: true}
}

// Len returns the number of times spanned.
func (r RangeRev) Len() int { return r.Span.Len() }

// First returns the time of the first character touched by this range in
// the order it actually happened (as opposed to Span.Start, which is
// always the numerically smallest time).
func (r RangeRev) First() Time {
	if r.Fwd {
		return r.Span.Start
	}
	return r.Span.Last()
}

// Last returns the time of the last character touched, in the order it
// actually happened.
func (r RangeRev) Last() Time {
	if r.Fwd {
		return r.Span.Last()
	}
	return r.Span.Start
}

// At returns the time touched at position offset in the order it
// actually happened (offset 0 == First()).
func (r RangeRev) At(offset int) Time {
	if r.Fwd {
		return r.Span.Start + Time(offset)
	}
	return r.Span.Last() - Time(offset)
}

// TryAppend reports whether next continues this range (in its own
// direction) and, if so, returns the merged range. Two reversible ranges
// merge iff they agree on direction and next picks up exactly where r
// left off: for Fwd ranges that means next.Span.Start == r.Span.End; for
// reverse ranges (used today only by deletes) it means next.Span.End ==
// r.Span.Start, i.e. next covers the characters immediately below r.
func (r RangeRev) TryAppend(next RangeRev) (RangeRev, bool) {
	if r.Fwd != next.Fwd {
		return RangeRev{}, false
	}
	if r.Fwd {
		if r.Span.End != next.Span.Start {
			return RangeRev{}, false
		}
		return RangeRev{Span: TimeSpan{r.Span.Start, next.Span.End}, Fwd: true}, true
	}
	if next.Span.End != r.Span.Start {
		return RangeRev{}, false
	}
	return RangeRev{Span: TimeSpan{next.Span.Start, r.Span.End}, Fwd: false}, true
}

// Split cuts r at an internal offset (measured in the order characters
// actually happened, i.e. offset chars "from First()") and returns the
// first and second halves, each itself a valid RangeRev in the same
// direction.
func (r RangeRev) Split(offset int) (RangeRev, RangeRev) {
	if !r.Fwd {
		// Reverse ranges: offset 0 is r.Span.End-1 (First()), increasing
		// offset walks downward. The first `offset` chars (highest times)
		// become the first half.
		cut := r.Span.End - Time(offset)
		first := RangeRev{Span: TimeSpan{cut, r.Span.End}, Fwd: false}
		second := RangeRev{Span: TimeSpan{r.Span.Start, cut}, Fwd: false}
		return first, second
	}
	first, second := r.Span.Truncate(offset)
	return RangeRev{Span: first, Fwd: true}, RangeRev{Span: second, Fwd: true}
}
