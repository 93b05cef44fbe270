package dtcore

import "testing"

func TestOpLog_SequentialInsertDelete(t *testing.T) {
	o := NewOpLog(nil)
	alice := o.GetOrCreateAgentID("alice")

	// "him" typed left to right, then the middle 'i' backspaced out.
	t1 := o.AddInsertAt(alice, nil, 0, "h")
	t2 := o.AddInsertAt(alice, Frontier{t1}, 1, "i")
	t3 := o.AddInsertAt(alice, Frontier{t2}, 2, "m")

	b := NewBranchAt(o, []Time{t3})
	if b.Content() != "him" {
		t.Fatalf("expected %q, got %q", "him", b.Content())
	}

	o.AddDeleteAt(alice, Frontier{t3}, NewRangeRev(1, 1), "i")
	if err := o.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}

	b2 := NewBranchAt(o, o.Frontier())
	if b2.Content() != "hm" {
		t.Fatalf("expected %q after delete, got %q", "hm", b2.Content())
	}
}

func TestOpLog_ConcurrentInsertConverges(t *testing.T) {
	o := NewOpLog(nil)
	alice := o.GetOrCreateAgentID("alice")
	bob := o.GetOrCreateAgentID("bob")

	base := o.AddInsertAt(alice, nil, 0, "aaa")

	// Both agents concurrently append "bbb" right after the shared base.
	tA := o.AddInsertAt(alice, Frontier{base}, 3, "bbb")
	tB := o.AddInsertAt(bob, Frontier{base}, 3, "bbb")

	final := o.Frontier()
	if len(final) != 2 {
		t.Fatalf("expected a 2-element frontier for concurrent edits, got %v", final)
	}

	b := NewBranchAt(o, []Time{tA, tB})
	if len(b.Content()) != len("aaa")+len("bbb")+len("bbb") {
		t.Fatalf("expected both concurrent inserts to survive, got %q", b.Content())
	}

	// Order is deterministic regardless of which way the branch is built.
	b2 := NewBranch()
	b2.Merge(o, []Time{tB})
	b2.Merge(o, []Time{tA})
	if b.Content() != b2.Content() {
		t.Fatalf("merge order affected result: %q vs %q", b.Content(), b2.Content())
	}
}

func TestOpLog_ConcurrentDeleteDoubleCounts(t *testing.T) {
	o := NewOpLog(nil)
	alice := o.GetOrCreateAgentID("alice")
	bob := o.GetOrCreateAgentID("bob")

	base := o.AddInsertAt(alice, nil, 0, "xyz")

	// Both agents concurrently delete the middle character.
	tA := o.AddDeleteAt(alice, Frontier{base}, NewRangeRev(1, 1), "y")
	tB := o.AddDeleteAt(bob, Frontier{base}, NewRangeRev(1, 1), "y")

	b := NewBranchAt(o, []Time{tA, tB})
	if b.Content() != "xz" {
		t.Fatalf("expected %q, got %q (double-delete should not resurrect the character)", "xz", b.Content())
	}
}

func TestOpLog_BackspaceRunMergesOneOperation(t *testing.T) {
	o := NewOpLog(nil)
	alice := o.GetOrCreateAgentID("alice")

	base := o.AddInsertAt(alice, nil, 0, "abcdef")

	// Backspacing from the end: each delete targets position 5, 4, 3 — a
	// reverse-direction run that should RLE-merge into one Operation.
	o.AddDeleteAt(alice, Frontier{base}, RangeRev{Span: TimeSpan{5, 6}, Fwd: false}, "f")
	o.AddDeleteAt(alice, o.Frontier(), RangeRev{Span: TimeSpan{4, 5}, Fwd: false}, "e")
	o.AddDeleteAt(alice, o.Frontier(), RangeRev{Span: TimeSpan{3, 4}, Fwd: false}, "d")

	entries := o.ops.All()
	deleteRuns := 0
	for _, e := range entries {
		if e.Value.Kind == OpDel {
			deleteRuns++
		}
	}
	if deleteRuns != 1 {
		t.Fatalf("expected the three backspaces to RLE-merge into one Operation run, got %d runs", deleteRuns)
	}

	b := NewBranchAt(o, o.Frontier())
	if b.Content() != "abc" {
		t.Fatalf("expected %q, got %q", "abc", b.Content())
	}
}

func TestOpLog_MergeEntriesFromIsIdempotent(t *testing.T) {
	src := NewOpLog(nil)
	alice := src.GetOrCreateAgentID("alice")
	src.AddInsertAt(alice, nil, 0, "hello")

	dst := NewOpLog(nil)
	dst.MergeEntriesFrom(src)
	dst.MergeEntriesFrom(src) // repeat: must not duplicate

	if dst.Len() != src.Len() {
		t.Fatalf("expected merge to be idempotent: dst.Len()=%d src.Len()=%d", dst.Len(), src.Len())
	}
	if err := dst.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}

	b := NewBranchAt(dst, dst.Frontier())
	if b.Content() != "hello" {
		t.Fatalf("expected %q, got %q", "hello", b.Content())
	}
}

func TestOpLog_ConflictPhaseThreeWayConcurrentInsert(t *testing.T) {
	o := NewOpLog(nil)
	alice := o.GetOrCreateAgentID("alice")
	bob := o.GetOrCreateAgentID("bob")
	carol := o.GetOrCreateAgentID("carol")

	base := o.AddInsertAt(alice, nil, 0, "X")

	// Three agents concurrently insert distinct text right after the
	// shared base character — a genuine 3-way conflict with no linear
	// fast-forward path, forcing TransformedOpsRange's tracker-driven
	// conflictPhase.
	tA := o.AddInsertAt(alice, Frontier{base}, 1, "a")
	tB := o.AddInsertAt(bob, Frontier{base}, 1, "b")
	tC := o.AddInsertAt(carol, Frontier{base}, 1, "c")

	final := o.Frontier()
	if len(final) != 3 {
		t.Fatalf("expected a 3-element frontier, got %v", final)
	}

	if _, ok := o.tryFastForward(Frontier{base}, []TimeSpan{{tA, tC + 1}}); ok {
		t.Fatalf("expected fast-forward to be unavailable across a 3-way concurrent insert")
	}

	ops := o.TransformedOpsRange(Frontier{base}, final)
	if len(ops) == 0 {
		t.Fatalf("expected conflictPhase to produce transformed ops")
	}
	for _, op := range ops {
		if op.Transform.Kind != TransformBaseMoved {
			t.Fatalf("expected every concurrent insert to be TransformBaseMoved, got %v", op.Transform.Kind)
		}
	}

	b := NewBranchAt(o, final)
	content := b.Content()
	if len(content) != len("Xabc") {
		t.Fatalf("expected all four characters to survive the merge, got %q", content)
	}

	// Deterministic regardless of merge order.
	b2 := NewBranch()
	b2.Merge(o, []Time{tC})
	b2.Merge(o, []Time{tB})
	b2.Merge(o, []Time{tA})
	if b.Content() != b2.Content() {
		t.Fatalf("merge order affected 3-way conflict result: %q vs %q", b.Content(), b2.Content())
	}
}

func TestOpLog_CheckoutPartialVersionExcludesConcurrentSibling(t *testing.T) {
	o := NewOpLog(nil)
	alice := o.GetOrCreateAgentID("alice")
	bob := o.GetOrCreateAgentID("bob")

	base := o.AddInsertAt(alice, nil, 0, "X")
	// tA is assigned a lower time than tB but is NOT its ancestor — the
	// case the old root short-circuit got wrong, since it treated every
	// time up to tB as "only reachable from tB".
	_ = o.AddInsertAt(alice, Frontier{base}, 1, "a") // tA: concurrent with tB, excluded from the checkout below
	tB := o.AddInsertAt(bob, Frontier{base}, 1, "b")

	// Checking out the branch at tB alone (an empty `from` diffed against a
	// non-root, non-tip frontier) must materialize only base+tB, never the
	// concurrent sibling's insert.
	b := NewBranchAt(o, []Time{tB})
	if b.Content() != "Xb" {
		t.Fatalf("expected %q, got %q (concurrent sibling leaked into a partial checkout)", "Xb", b.Content())
	}
}

func TestOpLog_MergeExcludesBranchConcurrentToBothEndpoints(t *testing.T) {
	o := NewOpLog(nil)
	alice := o.GetOrCreateAgentID("alice")
	bob := o.GetOrCreateAgentID("bob")
	carol := o.GetOrCreateAgentID("carol")

	base := o.AddInsertAt(alice, nil, 0, "X")
	tA := o.AddInsertAt(alice, Frontier{base}, 1, "a")
	tB := o.AddInsertAt(bob, Frontier{base}, 1, "b")
	// tZ is concurrent with both tA and tB: its author never saw either of
	// them, and neither tA nor tB's author ever saw it.
	_ = o.AddInsertAt(carol, Frontier{base}, 1, "z")

	// Check out tA alone, then merge forward to tB. The shared prefix the
	// conflict phase replays must be bounded by the two endpoints' actual
	// common ancestor (base), not "everything in the oplog that isn't
	// exclusively onlyA/onlyB" — which would wrongly pull tZ's insert in.
	b := NewBranchAt(o, []Time{tA})
	b.Merge(o, []Time{tB})

	content := b.Content()
	if len(content) != len("Xab") {
		t.Fatalf("expected only base+tA+tB (%d chars), got %q (%d chars) — a branch concurrent to both endpoints leaked in", len("Xab"), content, len(content))
	}
	for _, r := range content {
		if r == 'z' {
			t.Fatalf("expected no trace of the mutually-concurrent branch's content, got %q", content)
		}
	}
}

func TestFrontier_FastForwardNoTrackerNeeded(t *testing.T) {
	o := NewOpLog(nil)
	alice := o.GetOrCreateAgentID("alice")

	t1 := o.AddInsertAt(alice, nil, 0, "a")
	t2 := o.AddInsertAt(alice, Frontier{t1}, 1, "b")
	t3 := o.AddInsertAt(alice, Frontier{t2}, 2, "c")

	// A purely linear history: from t1 to t3 must take the fast-forward
	// path (no concurrency anywhere in the range).
	out, ok := o.tryFastForward(Frontier{t1}, []TimeSpan{{t2, t3 + 1}})
	if !ok {
		t.Fatalf("expected fast-forward to succeed on linear history")
	}
	// t2 and t3 are consecutive forward inserts, so the operation store
	// holds them as a single RLE-merged run.
	if len(out) != 1 {
		t.Fatalf("expected 1 transformed op run, got %d", len(out))
	}
}
