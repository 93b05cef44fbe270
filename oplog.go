package dtcore

import (
	"fmt"
	"sort"

	"go.uber.org/zap"
)

// OpEntry is one (possibly RLE-merged) operation run yielded by
// OpLog.IterRange, together with its resolved content.
type OpEntry struct {
	Time    Time
	Op      Operation
	Content string
}

// OpLog owns the agent assignment table, the causal graph, the current
// frontier, and the two parallel append-only stores every operation
// indexes into: the operations themselves (keyed by Time) and the raw
// inserted/deleted character content. It is the single entry point for
// appending new edits and for reading back any range of history. Per
// spec §5, OpLog is not internally synchronized: callers serialize their
// own writes.
type OpLog struct {
	agents     *AgentAssignment
	cg         *CausalGraph
	frontier   Frontier
	ops        *RLEStore[Time, Operation]
	insContent []byte
	delContent []byte

	log *zap.Logger
}

// NewOpLog creates an empty log at the root version. A nil logger is
// replaced with a no-op logger so OpLog is always safe to use
// unconfigured.
func NewOpLog(log *zap.Logger) *OpLog {
	if log == nil {
		log = zap.NewNop()
	}
	agents := NewAgentAssignment()
	return &OpLog{
		agents: agents,
		cg:     NewCausalGraph(),
		ops:    NewRLEStore[Time, Operation](),
		log:    log.Named("oplog"),
	}
}

// GetOrCreateAgentID interns name, returning its existing small integer
// id or assigning a fresh one.
func (o *OpLog) GetOrCreateAgentID(name string) AgentId {
	return o.agents.GetOrCreateAgentID(name)
}

// Len returns the next unassigned Time — the length of the history.
func (o *OpLog) Len() Time { return o.cg.NextTime() }

// Frontier returns the oplog's current version: the set of times with no
// descendants.
func (o *OpLog) Frontier() Frontier { return o.frontier.Clone() }

// AddOpAt allocates the next contiguous Time range (length op.Len()),
// records op in the operations store, assigns the range to agent,
// extends the causal graph with parents, and advances the frontier.
// Returns the last time in the newly assigned range. Per spec §4.5,
// assigning a sequence collision for agent, or overflowing into the
// UnderwaterStart reserved range, is a programmer error and panics.
func (o *OpLog) AddOpAt(agent AgentId, parents Frontier, op Operation) Time {
	n := op.Len()
	if n <= 0 {
		panic("dtcore: AddOpAt: operation has non-positive length")
	}
	start := o.cg.NextTime()
	if start+Time(n) >= UnderwaterStart {
		panic("dtcore: AddOpAt: time range overflows into underwater reserved range")
	}
	span := NewTimeSpan(start, n)

	o.agents.Assign(agent, span)
	o.ops.Push(op)
	o.cg.Push(parents, span)
	o.frontier = o.frontier.AdvanceByKnownRun(parents, span)
	return span.Last()
}

// AddInsertAt appends a left-to-right insert of text at document
// position pos, authored by agent with the given causal parents.
// Returns the last time of the new run.
func (o *OpLog) AddInsertAt(agent AgentId, parents Frontier, pos int, text string) Time {
	if len(text) == 0 {
		panic("dtcore: AddInsertAt: empty insert")
	}
	return o.addContentOp(agent, parents, OpIns, NewRangeRev(Time(pos), len(text)), text)
}

// AddDeleteAt appends a delete over loc (a reversible document-position
// range — Fwd=false models a run of backspaces), authored by agent.
// deletedText, if non-empty, is recorded in the out-of-band delete
// content arena so it's available to readers that want it (spec §9's
// "store deleted content" option governs only whether this is later
// persisted by the codec, not whether it's tracked in memory).
func (o *OpLog) AddDeleteAt(agent AgentId, parents Frontier, loc RangeRev, deletedText string) Time {
	return o.addContentOp(agent, parents, OpDel, loc, deletedText)
}

// addContentOp is the shared body of AddInsertAt/AddDeleteAt (and
// MergeEntriesFrom, which imports runs of either kind): it appends text
// to the appropriate arena when non-empty and builds the Operation
// record before handing off to AddOpAt.
func (o *OpLog) addContentOp(agent AgentId, parents Frontier, kind OpKind, loc RangeRev, text string) Time {
	op := Operation{Kind: kind, Loc: loc}
	if text != "" {
		arena := &o.insContent
		if kind == OpDel {
			arena = &o.delContent
		}
		contentStart := len(*arena)
		*arena = append(*arena, text...)
		op.HasContent = true
		op.Content = ByteSpan{Start: contentStart, End: contentStart + len(text)}
	}
	return o.AddOpAt(agent, parents, op)
}

// contentFor resolves op's stored bytes, if any, from the appropriate
// content arena.
func (o *OpLog) contentFor(op Operation) string {
	if !op.HasContent {
		return ""
	}
	blob := o.insContent
	if op.Kind == OpDel {
		blob = o.delContent
	}
	return string(blob[op.Content.Start:op.Content.End])
}

// IterRange yields the operation runs covering span, in time order, with
// content resolved and RLE boundaries split/re-merged as needed.
func (o *OpLog) IterRange(span TimeSpan) []OpEntry {
	entries := o.ops.IterRange(span.Start, span.End)
	out := make([]OpEntry, 0, len(entries))
	for _, e := range entries {
		out = append(out, OpEntry{Time: e.Start, Op: e.Value, Content: o.contentFor(e.Value)})
	}
	return out
}

// LocalToRemoteVersion maps each local time to its externally stable
// (agent, seq) identity. Panics if any time is unknown.
func (o *OpLog) LocalToRemoteVersion(times []Time) []RemoteId {
	out := make([]RemoteId, 0, len(times))
	for _, t := range times {
		id, ok := o.agents.TimeToRemoteId(t)
		if !ok {
			panic(fmt.Sprintf("dtcore: LocalToRemoteVersion: unknown time %d", t))
		}
		out = append(out, id)
	}
	return out
}

// RemoteIdsToFrontier is the inverse of LocalToRemoteVersion applied to a
// frontier: it resolves every remote id to local time and reduces the
// result to a true antichain frontier. It panics on a remote id this log
// does not know; it never interns an agent name.
func (o *OpLog) RemoteIdsToFrontier(ids []RemoteId) Frontier {
	times := make([]Time, 0, len(ids))
	for _, id := range ids {
		t, ok := o.agents.RemoteIdToTime(id)
		if !ok {
			panic(fmt.Sprintf("dtcore: RemoteIdsToFrontier: unknown remote id %+v", id))
		}
		times = append(times, t)
	}
	sort.Slice(times, func(i, j int) bool { return times[i] < times[j] })
	return Frontier(dedupSortedTimes(times)).Dominators(o.cg)
}

// RemoteIdToTime resolves a single remote id, for callers (like
// MergeEntriesFrom) that need to test membership one id at a time.
func (o *OpLog) RemoteIdToTime(id RemoteId) (Time, bool) {
	return o.agents.RemoteIdToTime(id)
}

// MergeEntriesFrom idempotently imports every operation in other that
// this log doesn't already have, translating other's local times into
// this log's own local Time space via the remote-id round trip. Entries
// already known (by (agent, seq)) are skipped. Returns the resulting
// frontier.
//
// This walks other's causal-graph entries one at a time rather than
// reusing the wire codec's bulk run-length remapping (codec.go does
// that, separately, for the on-disk format) — simpler, and the right
// trade for an in-memory merge that's expected to run far less often
// than a single add_insert_at/add_delete_at call.
func (o *OpLog) MergeEntriesFrom(other *OpLog) Frontier {
	for _, he := range other.cg.entries {
		for _, piece := range other.ops.IterRange(he.Span.Start, he.Span.End) {
			remoteID, ok := other.agents.TimeToRemoteId(piece.Start)
			if !ok {
				panic("dtcore: MergeEntriesFrom: source time has no remote id")
			}
			if _, known := o.agents.RemoteIdToTime(remoteID); known {
				continue
			}

			pieceParents := he.parentsAt(piece.Start)
			localParents := make(Frontier, 0, len(pieceParents))
			for _, p := range pieceParents {
				if p == RootTime {
					continue
				}
				pRemote, ok := other.agents.TimeToRemoteId(p)
				if !ok {
					panic("dtcore: MergeEntriesFrom: parent time has no remote id")
				}
				pLocal, ok := o.agents.RemoteIdToTime(pRemote)
				if !ok {
					panic("dtcore: MergeEntriesFrom: parent not yet merged — entries out of order")
				}
				localParents = append(localParents, pLocal)
			}
			sort.Slice(localParents, func(i, j int) bool { return localParents[i] < localParents[j] })

			localAgent := o.GetOrCreateAgentID(remoteID.Agent)
			content := other.contentFor(piece.Value)

			o.log.Debug("merge: importing run",
				zap.String("agent", remoteID.Agent),
				zap.String("kind", piece.Value.Kind.String()),
				zap.Int("len", piece.Value.Len()),
				zap.Bool("hasContent", content != ""))
			o.addContentOp(localAgent, localParents, piece.Value.Kind, piece.Value.Loc, content)
		}
	}
	return o.Frontier()
}

// oplogSnapshot captures everything needed to undo a failed decode merge:
// every store an OpLog owns is append-only, so rollback is always a set
// of truncations back to a remembered boundary (spec §7).
type oplogSnapshot struct {
	agents        agentSnapshot
	cgEntries     int
	opsEnd        Time
	insContentLen int
	delContentLen int
	frontier      Frontier
}

func (o *OpLog) snapshot() oplogSnapshot {
	return oplogSnapshot{
		agents:        o.agents.snapshot(),
		cgEntries:     o.cg.NumEntries(),
		opsEnd:        o.ops.End(),
		insContentLen: len(o.insContent),
		delContentLen: len(o.delContent),
		frontier:      o.frontier.Clone(),
	}
}

func (o *OpLog) restore(snap oplogSnapshot) {
	o.ops.Truncate(snap.opsEnd)
	o.cg.truncate(snap.cgEntries)
	o.agents.rollback(snap.agents)
	o.insContent = o.insContent[:snap.insContentLen]
	o.delContent = o.delContent[:snap.delContentLen]
	o.frontier = snap.frontier
}

// Validate re-derives the frontier, the shadow of every history entry,
// and the agent⟷time bijection from the live structures and checks them
// against each other, returning the first inconsistency found. It is
// the debug-assertion equivalent of the original implementation's
// check(), used by this package's property tests rather than on any
// hot path.
func (o *OpLog) Validate() error {
	n := o.cg.NextTime()
	if o.ops.End() != n {
		return fmt.Errorf("dtcore: Validate: operations store ends at %d, causal graph at %d", o.ops.End(), n)
	}

	recomputed := o.cg.ComputeFrontier()
	if !equalFrontiers(recomputed, o.frontier) {
		return fmt.Errorf("dtcore: Validate: frontier %v does not match recomputed heads %v", o.frontier, recomputed)
	}

	for t := Time(0); t < n; t++ {
		id, ok := o.agents.TimeToCRDTId(t)
		if !ok {
			return fmt.Errorf("dtcore: Validate: time %d has no agent assignment", t)
		}
		back, ok := o.agents.SeqToTime(id.Agent, id.Seq)
		if !ok || back != t {
			return fmt.Errorf("dtcore: Validate: agent/time bijection broken at time %d", t)
		}
	}

	for i := range o.cg.entries {
		e := &o.cg.entries[i]
		shadow := e.Span.Start
		for shadow >= 1 && e.Parents.Contains(shadow-1) {
			pe, _, ok := o.cg.entryContaining(shadow - 1)
			if !ok {
				break
			}
			shadow = pe.Shadow
		}
		if shadow == 0 {
			shadow = RootTime
		}
		if shadow != e.Shadow {
			return fmt.Errorf("dtcore: Validate: entry %d has shadow %d, recomputed %d", i, e.Shadow, shadow)
		}
		for _, p := range e.Parents {
			if p >= e.Span.Start {
				return fmt.Errorf("dtcore: Validate: entry %d has parent %d >= its own span start %d", i, p, e.Span.Start)
			}
			parentEntry, parentIdx, ok := o.cg.entryContaining(p)
			if !ok {
				return fmt.Errorf("dtcore: Validate: entry %d parent %d not found in any entry", i, p)
			}
			found := false
			for _, c := range parentEntry.ChildIdx {
				if c == i {
					found = true
					break
				}
			}
			if !found {
				return fmt.Errorf("dtcore: Validate: entry %d not recorded as child of parent entry %d", i, parentIdx)
			}
		}
	}
	return nil
}
