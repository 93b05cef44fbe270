package dtcore

// Branch is a checked-out view of an OpLog at some version: a frontier
// plus the materialized document content at that frontier. Per spec §1,
// the actual rope/text-buffer data structure is an external collaborator
// consumed through a plain insert/delete interface; Branch's content
// field is the minimal stand-in for that interface used by this
// package's own tests and examples, not a rope implementation in its own
// right — callers embedding dtcore in a real editor are expected to
// swap it for their own rope, applying the same TransformedOp stream
// Branch.Merge computes.
//
// Grounded on the teacher's RGA's materialized-string approach
// (rga.go's Value()) and original_source/src/list/branch.rs.
type Branch struct {
	version Frontier
	content []byte
}

// NewBranch creates an empty branch at the root version.
func NewBranch() *Branch {
	return &Branch{}
}

// NewBranchAt checks out oplog at version, replaying every operation
// from the root up to it.
func NewBranchAt(oplog *OpLog, version []Time) *Branch {
	b := NewBranch()
	b.Merge(oplog, version)
	return b
}

// Version returns the branch's current frontier.
func (b *Branch) Version() Frontier { return b.version.Clone() }

// Content returns the branch's current document content.
func (b *Branch) Content() string { return string(b.content) }

// Len returns the number of characters currently in the document.
func (b *Branch) Len() int { return len(b.content) }

// Merge advances the branch to the join of its current version and
// target, applying every TransformedOp in between to its content.
func (b *Branch) Merge(oplog *OpLog, target []Time) {
	targetFrontier := oplog.cg.Dominators(append(Frontier(nil), target...))
	for _, t := range oplog.TransformedOpsRange(b.version, targetFrontier) {
		b.apply(t)
	}
	b.version = oplog.cg.Dominators(append(append(Frontier(nil), b.version...), targetFrontier...))
}

// apply performs the rope-level effect of one transformed operation run.
func (b *Branch) apply(t TransformedOp) {
	switch {
	case t.Op.Kind == OpIns:
		b.insertAt(t.Transform.Pos, []byte(t.Content))
	case t.Transform.Kind == TransformDeleteAlreadyHappened:
		// Already removed by a concurrent delete seen earlier; nothing
		// to do to the visible content.
	default:
		b.deleteAt(t.Transform.Pos, t.Op.Len())
	}
}

func (b *Branch) insertAt(pos int, text []byte) {
	out := make([]byte, 0, len(b.content)+len(text))
	out = append(out, b.content[:pos]...)
	out = append(out, text...)
	out = append(out, b.content[pos:]...)
	b.content = out
}

func (b *Branch) deleteAt(pos, n int) {
	b.content = append(b.content[:pos], b.content[pos+n:]...)
}
