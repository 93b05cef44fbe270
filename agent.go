package dtcore

import "math"

// AgentId is a small integer naming a writer, interned from that
// writer's human-readable agent name.
type AgentId uint32

// RootAgent is the reserved AgentId backing the name "ROOT" — the
// implicit author of the document's empty starting state.
const RootAgent AgentId = math.MaxUint32

// Seq is an agent-local sequence number: the nth operation that
// particular agent has ever appended, counting from 0.
type Seq int64

// CRDTId is the internal, process-local identity of an operation: which
// agent created it and that agent's sequence number for it. Local Time
// ranges and CRDTId (agent, seq) ranges are kept in bijection by
// AgentAssignment.
type CRDTId struct {
	Agent AgentId
	Seq   Seq
}

// RemoteId is the externally stable identity of an operation, suitable
// for shipping between processes that may have interned agent names to
// different local AgentIds. The wire codec and local_to_remote_version /
// remote_ids_to_frontier exist specifically to translate between this
// and local Time.
type RemoteId struct {
	Agent string
	Seq   Seq
}

// AgentSpan is the value stored in AgentAssignment's global Time-keyed
// RLE table: which agent owns a run of times, and the first sequence
// number in that run.
type AgentSpan struct {
	Agent    AgentId
	SeqStart Seq
	Length   int
}

func (a AgentSpan) Len() int { return a.Length }

func (a AgentSpan) Split(offset int) (AgentSpan, AgentSpan) {
	return AgentSpan{a.Agent, a.SeqStart, offset}, AgentSpan{a.Agent, a.SeqStart + Seq(offset), a.Length - offset}
}

func (a AgentSpan) TryAppend(next AgentSpan) (AgentSpan, bool) {
	if a.Agent != next.Agent || a.SeqStart+Seq(a.Length) != next.SeqStart {
		return AgentSpan{}, false
	}
	return AgentSpan{a.Agent, a.SeqStart, a.Length + next.Length}, true
}

// Split and TryAppend on TimeSpan let it be stored directly as an
// RLEValue — used here as the per-agent seq -> Time table.

func (s TimeSpan) Split(offset int) (TimeSpan, TimeSpan) { return s.Truncate(offset) }

func (s TimeSpan) TryAppend(next TimeSpan) (TimeSpan, bool) {
	if !s.CanAppend(next) {
		return TimeSpan{}, false
	}
	return TimeSpan{s.Start, next.End}, true
}

// AgentAssignment maps global Time to (agent, seq) and back, and assigns
// fresh Time ranges to agents. Per spec §4.2, agent names are interned
// to small integer ids, looked up through a name-to-id map.
type AgentAssignment struct {
	names    []string
	byName   map[string]AgentId
	perAgent map[AgentId]*RLEStore[Seq, TimeSpan]
	timeline *RLEStore[Time, AgentSpan]
}

// NewAgentAssignment creates an empty assignment table.
func NewAgentAssignment() *AgentAssignment {
	return &AgentAssignment{
		byName:   make(map[string]AgentId),
		perAgent: make(map[AgentId]*RLEStore[Seq, TimeSpan]),
		timeline: NewRLEStore[Time, AgentSpan](),
	}
}

// GetOrCreateAgentID interns name, returning its existing id if already
// known or assigning the next small integer otherwise. The reserved name
// "ROOT" always maps to RootAgent and is never actually stored in the
// table.
func (a *AgentAssignment) GetOrCreateAgentID(name string) AgentId {
	if name == "ROOT" {
		return RootAgent
	}
	if id, ok := a.byName[name]; ok {
		return id
	}
	id := AgentId(len(a.names))
	a.names = append(a.names, name)
	a.byName[name] = id
	a.perAgent[id] = NewRLEStore[Seq, TimeSpan]()
	return id
}

// AgentName returns the human-readable name for id, or "ROOT".
func (a *AgentAssignment) AgentName(id AgentId) string {
	if id == RootAgent {
		return "ROOT"
	}
	if int(id) >= len(a.names) {
		panic("dtcore: unknown agent id")
	}
	return a.names[id]
}

// NextSeqForAgent returns the sequence number that would be assigned to
// agent's next operation.
func (a *AgentAssignment) NextSeqForAgent(agent AgentId) Seq {
	store, ok := a.perAgent[agent]
	if !ok {
		panic("dtcore: unknown agent id")
	}
	return Seq(store.End())
}

// Assign records that agent produced the contiguous time range span,
// extending both the per-agent seq table and the global timeline. It
// panics if agent is unknown — allocating time for an agent that was
// never interned is a programmer error (spec §4.5/§7).
func (a *AgentAssignment) Assign(agent AgentId, span TimeSpan) {
	store, ok := a.perAgent[agent]
	if !ok {
		panic("dtcore: add_op_at: unknown agent")
	}
	seqStart := Seq(store.End())
	store.Push(span)
	a.timeline.Push(AgentSpan{Agent: agent, SeqStart: seqStart, Length: span.Len()})
}

// SeqToTime resolves an agent's sequence number back to the local time
// it was assigned, if any.
func (a *AgentAssignment) SeqToTime(agent AgentId, seq Seq) (Time, bool) {
	store, ok := a.perAgent[agent]
	if !ok {
		return 0, false
	}
	span, offset, ok := store.Find(seq)
	if !ok {
		return 0, false
	}
	return span.Start + Time(offset), true
}

// TimeToCRDTId resolves a local time to the (agent, seq) pair that
// produced it.
func (a *AgentAssignment) TimeToCRDTId(t Time) (CRDTId, bool) {
	span, offset, ok := a.timeline.Find(t)
	if !ok {
		return CRDTId{}, false
	}
	return CRDTId{Agent: span.Agent, Seq: span.SeqStart + Seq(offset)}, true
}

// TimeToRemoteId resolves a local time to its externally stable
// (agent-name, seq) identity.
func (a *AgentAssignment) TimeToRemoteId(t Time) (RemoteId, bool) {
	id, ok := a.TimeToCRDTId(t)
	if !ok {
		return RemoteId{}, false
	}
	return RemoteId{Agent: a.AgentName(id.Agent), Seq: id.Seq}, true
}

// RemoteIdToTime resolves an externally stable (agent-name, seq) pair
// back to local time. It reports false for an agent name that has not
// been interned or a seq that agent has not been assigned; it never
// interns a name.
func (a *AgentAssignment) RemoteIdToTime(id RemoteId) (Time, bool) {
	agent, ok := a.byName[id.Agent]
	if id.Agent == "ROOT" {
		agent, ok = RootAgent, true
	}
	if !ok {
		return 0, false
	}
	return a.SeqToTime(agent, id.Seq)
}

// RemoteSpan names a contiguous run by its externally stable starting
// identity and length, rather than a single RemoteId.
type RemoteSpan struct {
	Id  RemoteId
	Len int
}

// snapshot captures enough state to undo every Assign/GetOrCreateAgentID
// call made after this point, for the codec's decode rollback (spec §7).
type agentSnapshot struct {
	numAgents int
	agentEnds map[AgentId]Seq
	timeEnd   Time
}

func (a *AgentAssignment) snapshot() agentSnapshot {
	ends := make(map[AgentId]Seq, len(a.perAgent))
	for id, store := range a.perAgent {
		ends[id] = Seq(store.End())
	}
	return agentSnapshot{numAgents: len(a.names), agentEnds: ends, timeEnd: a.timeline.End()}
}

// rollback undoes every name interned and every span assigned since snap
// was taken.
func (a *AgentAssignment) rollback(snap agentSnapshot) {
	a.timeline.Truncate(snap.timeEnd)
	for id, store := range a.perAgent {
		if end, existedBefore := snap.agentEnds[id]; existedBefore {
			store.Truncate(Seq(end))
		}
	}
	for i := snap.numAgents; i < len(a.names); i++ {
		name := a.names[i]
		delete(a.byName, name)
		delete(a.perAgent, AgentId(i))
	}
	a.names = a.names[:snap.numAgents]
}

// SpansToRemote is the true multi-span inverse of a local Time range:
// unlike TimeToRemoteId (one Time at a time), it walks the global
// timeline directly so a range crossing more than one agent-assignment
// run comes back as more than one RemoteSpan — the shape the wire
// codec's OpVersions chunk needs (spec §4.10/§12).
func (a *AgentAssignment) SpansToRemote(span TimeSpan) []RemoteSpan {
	var out []RemoteSpan
	for _, e := range a.timeline.IterRange(span.Start, span.End) {
		out = append(out, RemoteSpan{
			Id:  RemoteId{Agent: a.AgentName(e.Value.Agent), Seq: e.Value.SeqStart},
			Len: e.Value.Len(),
		})
	}
	return out
}
