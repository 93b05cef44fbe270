package dtcore

// OpKind distinguishes an insert from a delete operation.
type OpKind uint8

const (
	OpIns OpKind = iota
	OpDel
)

func (k OpKind) String() string {
	if k == OpIns {
		return "Ins"
	}
	return "Del"
}

// ByteSpan is a half-open byte offset range into one of the oplog's
// append-only content blobs (operation.go's Operation.Content).
type ByteSpan struct {
	Start int
	End   int
}

// Len returns the number of bytes spanned.
func (b ByteSpan) Len() int { return b.End - b.Start }

// Operation is one run of same-kind, causally-contiguous character edits:
// a kind (Ins/Del), a reversible location span, and an optional pointer
// into the out-of-band content blob holding the actual inserted or
// deleted bytes. Keeping content out-of-band keeps Operation fixed-size
// and cache-friendly, per spec §3.
type Operation struct {
	Kind       OpKind
	Loc        RangeRev
	Content    ByteSpan
	HasContent bool
}

// Len returns the number of characters this run covers.
func (o Operation) Len() int { return o.Loc.Len() }

// Split cuts the operation at an internal offset (in First()-relative
// order, matching RangeRev.Split), producing two operations whose
// concatenation is equal to o.
func (o Operation) Split(offset int) (Operation, Operation) {
	left, right := o.Loc.Split(offset)
	out1 := Operation{Kind: o.Kind, Loc: left}
	out2 := Operation{Kind: o.Kind, Loc: right}
	if o.HasContent {
		out1.HasContent = true
		out1.Content = ByteSpan{o.Content.Start, o.Content.Start + offset}
		out2.HasContent = true
		out2.Content = ByteSpan{o.Content.Start + offset, o.Content.End}
	}
	return out1, out2
}

// TryAppend reports whether next RLE-merges onto the end of o. Per spec
// §4.5, inserts only merge in the forward direction and deletes only
// merge in reverse (a run of backspaces); content byte offsets must be
// contiguous (or both operations must lack stored content).
func (o Operation) TryAppend(next Operation) (Operation, bool) {
	if o.Kind != next.Kind {
		return Operation{}, false
	}
	switch o.Kind {
	case OpIns:
		if !o.Loc.Fwd || !next.Loc.Fwd {
			return Operation{}, false
		}
	case OpDel:
		if o.Loc.Fwd || next.Loc.Fwd {
			return Operation{}, false
		}
	}
	mergedLoc, ok := o.Loc.TryAppend(next.Loc)
	if !ok {
		return Operation{}, false
	}
	out := Operation{Kind: o.Kind, Loc: mergedLoc}
	if o.HasContent != next.HasContent {
		return Operation{}, false
	}
	if o.HasContent {
		if o.Content.End != next.Content.Start {
			return Operation{}, false
		}
		out.HasContent = true
		out.Content = ByteSpan{o.Content.Start, next.Content.End}
	}
	return out, true
}
