package dtcore

import "math"

// Time (also called an LV, for "local version") names a single
// character-operation in process-local, monotonically assigned order.
// Times are assigned contiguously starting at 0 and are never reordered
// or recycled.
type Time int64

const (
	// RootTime is the sentinel meaning "no predecessor" — the implicit
	// parent of the very first operation in a history. It is never a
	// valid element of a TimeSpan.
	RootTime Time = -1

	// UnderwaterStart is the upper bound on assigned times: AddOpAt
	// panics rather than assign a time at or past it. The codec does not
	// use it.
	UnderwaterStart Time = math.MaxInt64 / 2
)

// TimeSpan is a half-open range [Start, End) of Times, naming a
// contiguous run of operations assigned to one agent in one causal
// history entry.
type TimeSpan struct {
	Start Time
	End   Time
}

// NewTimeSpan builds a [start, start+length) span.
func NewTimeSpan(start Time, length int) TimeSpan {
	return TimeSpan{Start: start, End: start + Time(length)}
}

// Len returns the number of times in the span.
func (s TimeSpan) Len() int { return int(s.End - s.Start) }

// IsEmpty reports whether the span contains no times.
func (s TimeSpan) IsEmpty() bool { return s.End <= s.Start }

// Last returns the final time in the span. Undefined on an empty span.
func (s TimeSpan) Last() Time { return s.End - 1 }

// Contains reports whether t falls within the span.
func (s TimeSpan) Contains(t Time) bool { return t >= s.Start && t < s.End }

// Truncate returns the portion of s before offset and the portion from
// offset onward, splitting at an internal offset (0 < offset < s.Len()).
func (s TimeSpan) Truncate(offset int) (TimeSpan, TimeSpan) {
	mid := s.Start + Time(offset)
	return TimeSpan{s.Start, mid}, TimeSpan{mid, s.End}
}

// CanAppend reports whether other immediately follows s, i.e. whether the
// two spans would RLE-merge into TimeSpan{s.Start, other.End}.
func (s TimeSpan) CanAppend(other TimeSpan) bool {
	return s.End == other.Start
}
