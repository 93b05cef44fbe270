package dtcore

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"io"

	"github.com/pierrec/lz4/v4"
)

// Chunked binary wire/disk format, grounded on
// original_source/src/list/encoding/{encode_oplog,decode_oplog,varint}.rs:
// a fixed magic and version header followed by a fixed sequence of
// self-describing (id, length, bytes) chunks, unsigned LEB128 varints
// throughout (encoding/binary's Uvarint; no signed/zigzag varints are
// written), and a trailing CRC32
// chunk covering everything before it. Decoding an unrecognized chunk id
// where one of the fixed sequence is expected is a structural error —
// this package does not attempt forward compatibility with a future
// format version.
//
// Simplification from the original's bit-packed OpTypeAndPosition records
// (kind/fwd/has-content/length/position folded into a single LEB): this
// port writes one varint per field for clarity, at the cost of a larger
// encoding — documented in DESIGN.md alongside this package's other
// size-for-clarity trades. EncodeFrom also only supports a `from`
// frontier that is a genuine history prefix boundary (every entry at or
// after it was authored no earlier than that point) rather than an
// arbitrary antichain — the common incremental-checkpoint-sync case spec
// §8's test scenarios exercise, not the fully general substrate-rewrite
// case.
var codecMagic = [8]byte{'D', 'T', 'C', 'O', 'R', 'E', 'C', '1'}

const codecProtoVersion = 1

type chunkID uint32

const (
	chunkCompressedFields  chunkID = 1
	chunkFileInfo          chunkID = 2
	chunkStartBranch       chunkID = 3
	chunkPatchContentIns   chunkID = 4
	chunkPatchContentDel   chunkID = 5
	chunkOpVersions        chunkID = 6
	chunkOpTypeAndPosition chunkID = 7
	chunkOpParents         chunkID = 8
	chunkCRC               chunkID = 9
)

// EncodeOptions governs which optional regions Encode/EncodeFrom include.
// The zero value is the minimal encoding: no content snapshot, no
// inserted text, no deleted text, no compression. A log decoded from it
// has its operations but not the text they inserted.
type EncodeOptions struct {
	StoreStartContent    bool
	StoreInsertedContent bool
	StoreDeletedContent  bool
	Compress             bool
}

// DefaultEncodeOptions matches the original implementation's common case:
// inserted content kept, deleted content and start-branch snapshots
// dropped (derivable by replaying from root), LZ4 compression on.
func DefaultEncodeOptions() EncodeOptions {
	return EncodeOptions{StoreInsertedContent: true, Compress: true}
}

// DecodeOptions governs how DecodeAndAdd verifies incoming bytes.
type DecodeOptions struct {
	// IgnoreCRC skips the trailing checksum chunk's verification. Nothing
	// in this package sets it; the WAL replay path decodes with the check
	// on.
	IgnoreCRC bool
}

// Encode serializes this OpLog's entire history from root.
func (o *OpLog) Encode(opts EncodeOptions) []byte {
	return o.encodeRange(opts, 0, o.cg.NextTime(), nil)
}

// EncodeFrom serializes only the operations after the history-prefix
// boundary named by from (see the package doc comment's caveat on which
// frontiers this accepts).
func (o *OpLog) EncodeFrom(opts EncodeOptions, from Frontier) []byte {
	start := boundaryTime(from)
	return o.encodeRange(opts, start, o.cg.NextTime(), from)
}

// boundaryTime returns the time one past the greatest element of from, or
// 0 for the root frontier.
func boundaryTime(from Frontier) Time {
	max := Time(-1)
	for _, t := range from {
		if t > max {
			max = t
		}
	}
	return max + 1
}

func (o *OpLog) encodeRange(opts EncodeOptions, start, end Time, from Frontier) []byte {
	var insBlob, delBlob bytes.Buffer
	var fileInfo, startBranch, opVersions, opTypePos, opParents bytes.Buffer

	writeUvarint(&fileInfo, uint64(len(o.agents.names)))
	for _, name := range o.agents.names {
		writeString(&fileInfo, name)
	}

	hasStartContent := opts.StoreStartContent && from != nil
	writeUvarint(&startBranch, uint64(len(from)))
	for _, t := range from {
		id, _ := o.agents.TimeToRemoteId(t)
		writeString(&startBranch, id.Agent)
		writeUvarint(&startBranch, uint64(id.Seq))
	}
	writeBool(&startBranch, hasStartContent)
	if hasStartContent {
		content := NewBranchAt(o, from).Content()
		writeString(&startBranch, content)
	}

	for _, e := range o.ops.IterRange(start, end) {
		op := e.Value
		flags := uint64(0)
		if op.Kind == OpDel {
			flags |= 1
		}
		if !op.Loc.Fwd {
			flags |= 2
		}
		storeContent := op.HasContent && ((op.Kind == OpIns && opts.StoreInsertedContent) || (op.Kind == OpDel && opts.StoreDeletedContent))
		if storeContent {
			flags |= 4
		}
		writeUvarint(&opTypePos, flags)
		writeUvarint(&opTypePos, uint64(op.Len()))
		writeUvarint(&opTypePos, uint64(op.Loc.Span.Start))

		if storeContent {
			blob := &insBlob
			if op.Kind == OpDel {
				blob = &delBlob
			}
			blob.WriteString(o.contentFor(op))
		}

		parents := o.parentsForEncodedTime(e.Start, start)
		writeParentsList(&opParents, parents, e.Start, start, o.agents)
	}

	versionRuns := o.agents.timeline.IterRange(start, end)
	writeUvarint(&opVersions, uint64(len(versionRuns)))
	for _, e := range versionRuns {
		writeString(&opVersions, o.agents.AgentName(e.Value.Agent))
		writeUvarint(&opVersions, uint64(e.Value.SeqStart))
		writeUvarint(&opVersions, uint64(e.Value.Len()))
	}

	var out bytes.Buffer
	out.Write(codecMagic[:])
	writeUvarint(&out, codecProtoVersion)

	if opts.Compress {
		var raw bytes.Buffer
		writeBytes(&raw, insBlob.Bytes())
		writeBytes(&raw, delBlob.Bytes())
		compressed := compressLZ4(raw.Bytes())
		var payload bytes.Buffer
		writeUvarint(&payload, uint64(raw.Len()))
		payload.Write(compressed)
		writeChunk(&out, chunkCompressedFields, payload.Bytes())
	} else {
		writeChunk(&out, chunkPatchContentIns, insBlob.Bytes())
		writeChunk(&out, chunkPatchContentDel, delBlob.Bytes())
	}

	writeChunk(&out, chunkFileInfo, fileInfo.Bytes())
	writeChunk(&out, chunkStartBranch, startBranch.Bytes())
	writeChunk(&out, chunkOpVersions, opVersions.Bytes())
	writeChunk(&out, chunkOpTypeAndPosition, opTypePos.Bytes())
	writeChunk(&out, chunkOpParents, opParents.Bytes())

	sum := crc32.ChecksumIEEE(out.Bytes())
	var crcBuf [4]byte
	binary.LittleEndian.PutUint32(crcBuf[:], sum)
	writeChunk(&out, chunkCRC, crcBuf[:])

	return out.Bytes()
}

// parentsForEncodedTime resolves t's effective parents (history.go's
// parentsAt) as absolute local times; rangeStart is not used. parentsAt
// handles the "t is mid-entry" case by returning {t-1}, so the result is
// correct for every t.
func (o *OpLog) parentsForEncodedTime(t, rangeStart Time) Frontier {
	entry, _, ok := o.cg.entryContaining(t)
	if !ok {
		panic("dtcore: parentsForEncodedTime: unknown time")
	}
	return entry.parentsAt(t)
}

// writeParentsList encodes parents per spec §4.10/§12: a zero-valued
// reserved varint for "no parents" (root), otherwise one varint per
// parent with bit0 = has-more, bit1 = is-local, followed either by a
// local delta (entryStart - parent, valid since local parents always
// satisfy parent < entryStart and parent >= rangeStart) or a
// (agent-name, seq) pair for a parent outside the encoded range.
func writeParentsList(w *bytes.Buffer, parents Frontier, entryStart, rangeStart Time, agents *AgentAssignment) {
	if len(parents) == 0 {
		writeUvarint(w, 0)
		return
	}
	for i, p := range parents {
		local := p >= rangeStart
		// header is never 0 for a real parent (a root-parented entry has
		// len(parents)==0 and takes the early return above), so 0 is safe
		// to reserve as the "no parents" marker read by readParentsList.
		header := uint64(4)
		if i < len(parents)-1 {
			header |= 1
		}
		if local {
			header |= 2
		}
		writeUvarint(w, header)
		if local {
			writeUvarint(w, uint64(entryStart-p))
		} else {
			id, _ := agents.TimeToRemoteId(p)
			writeString(w, id.Agent)
			writeUvarint(w, uint64(id.Seq))
		}
	}
}

// readParentsList is writeParentsList's inverse. entryStart is the
// chunk-relative (0-based) start of the entry whose parents are being
// read; resolve converts a chunk-relative local parent time into this
// oplog's real local Time, or a (agent, seq) pair into one.
func readParentsList(c *byteCursor, entryStart Time, resolve func(chunkRel Time) (Time, bool), getOrCreateAgent func(name string) AgentId, seqToTime func(agent AgentId, seq Seq) (Time, bool)) ([]Time, error) {
	first, err := c.uvarint()
	if err != nil {
		return nil, err
	}
	if first == 0 {
		return nil, nil
	}
	var out []Time
	header := first
	for {
		hasMore := header&1 != 0
		local := header&2 != 0
		if local {
			delta, err := c.uvarint()
			if err != nil {
				return nil, err
			}
			chunkRel := entryStart - Time(delta)
			t, ok := resolve(chunkRel)
			if !ok {
				return nil, ErrUnknownParent
			}
			out = append(out, t)
		} else {
			name, err := c.string()
			if err != nil {
				return nil, err
			}
			seq, err := c.uvarint()
			if err != nil {
				return nil, err
			}
			agent := getOrCreateAgent(name)
			t, ok := seqToTime(agent, Seq(seq))
			if !ok {
				return nil, ErrUnknownParent
			}
			out = append(out, t)
		}
		if !hasMore {
			break
		}
		header, err = c.uvarint()
		if err != nil {
			return nil, err
		}
	}
	return out, nil
}

func compressLZ4(data []byte) []byte {
	var buf bytes.Buffer
	w := lz4.NewWriter(&buf)
	_, _ = w.Write(data)
	_ = w.Close()
	return buf.Bytes()
}

func decompressLZ4(data []byte, sizeHint int) ([]byte, error) {
	r := lz4.NewReader(bytes.NewReader(data))
	out := make([]byte, 0, sizeHint)
	buf := make([]byte, 4096)
	for {
		n, err := r.Read(buf)
		out = append(out, buf[:n]...)
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
	}
	return out, nil
}

// DecodeAndAdd parses data as a wire-format blob and idempotently merges
// every operation it contains that this OpLog doesn't already have,
// exactly as MergeEntriesFrom does for an in-memory source. A structural,
// integrity, or semantic failure at any point rolls every partial change
// back, per spec §7.
func (o *OpLog) DecodeAndAdd(data []byte, opts DecodeOptions) (Frontier, error) {
	snap := o.snapshot()
	f, err := o.decodeAndAdd(data, opts)
	if err != nil {
		o.restore(snap)
		return nil, err
	}
	return f, nil
}

func (o *OpLog) decodeAndAdd(data []byte, opts DecodeOptions) (Frontier, error) {
	if len(data) < 8 || !bytes.Equal(data[:8], codecMagic[:]) {
		return nil, newCodecError(ErrClassStructural, "decode", ErrBadMagic)
	}
	c := &byteCursor{buf: data, pos: 8}
	ver, err := c.uvarint()
	if err != nil {
		return nil, newCodecError(ErrClassStructural, "decode", err)
	}
	if ver != codecProtoVersion {
		return nil, newCodecError(ErrClassStructural, "decode", ErrUnsupportedVer)
	}

	chunks := make(map[chunkID][]byte)
	for c.pos < len(data) {
		id, payload, err := c.chunkHeader()
		if err != nil {
			return nil, newCodecError(ErrClassStructural, "decode", err)
		}
		if id < chunkCompressedFields || id > chunkCRC {
			return nil, newCodecError(ErrClassStructural, "decode", fmt.Errorf("unknown chunk id %d", id))
		}
		chunks[id] = payload
		if id == chunkCRC {
			break
		}
	}

	if !opts.IgnoreCRC {
		crcPayload, ok := chunks[chunkCRC]
		if !ok || len(crcPayload) != 4 {
			return nil, newCodecError(ErrClassStructural, "decode", ErrTruncated)
		}
		want := binary.LittleEndian.Uint32(crcPayload)
		crcChunkLen := chunkHeaderLen(chunkCRC, 4)
		got := crc32.ChecksumIEEE(data[:len(data)-crcChunkLen])
		if got != want {
			return nil, newCodecError(ErrClassIntegrity, "decode", ErrBadChecksum)
		}
	}

	var insBlob, delBlob []byte
	if payload, ok := chunks[chunkCompressedFields]; ok {
		cc := &byteCursor{buf: payload}
		rawLen, err := cc.uvarint()
		if err != nil {
			return nil, newCodecError(ErrClassStructural, "decode", err)
		}
		raw, err := decompressLZ4(cc.remaining(), int(rawLen))
		if err != nil {
			return nil, newCodecError(ErrClassStructural, "decode", err)
		}
		rc := &byteCursor{buf: raw}
		insBlob, err = rc.bytesField()
		if err != nil {
			return nil, newCodecError(ErrClassStructural, "decode", err)
		}
		delBlob, err = rc.bytesField()
		if err != nil {
			return nil, newCodecError(ErrClassStructural, "decode", err)
		}
	} else {
		insBlob = chunks[chunkPatchContentIns]
		delBlob = chunks[chunkPatchContentDel]
	}

	fi := &byteCursor{buf: chunks[chunkFileInfo]}
	numAgents, err := fi.uvarint()
	if err != nil {
		return nil, newCodecError(ErrClassStructural, "decode:FileInfo", err)
	}
	for i := uint64(0); i < numAgents; i++ {
		if _, err := fi.string(); err != nil {
			return nil, newCodecError(ErrClassStructural, "decode:FileInfo", err)
		}
	}

	sb := &byteCursor{buf: chunks[chunkStartBranch]}
	numStart, err := sb.uvarint()
	if err != nil {
		return nil, newCodecError(ErrClassStructural, "decode:StartBranch", err)
	}
	startIDs := make([]RemoteId, 0, numStart)
	for i := uint64(0); i < numStart; i++ {
		agent, err := sb.string()
		if err != nil {
			return nil, newCodecError(ErrClassStructural, "decode:StartBranch", err)
		}
		seq, err := sb.uvarint()
		if err != nil {
			return nil, newCodecError(ErrClassStructural, "decode:StartBranch", err)
		}
		startIDs = append(startIDs, RemoteId{Agent: agent, Seq: Seq(seq)})
	}
	hasStartContent, err := sb.boolean()
	if err != nil {
		return nil, newCodecError(ErrClassStructural, "decode:StartBranch", err)
	}
	if hasStartContent {
		if _, err := sb.string(); err != nil {
			return nil, newCodecError(ErrClassStructural, "decode:StartBranch", err)
		}
	}

	ov := &byteCursor{buf: chunks[chunkOpVersions]}
	numSpans, err := ov.uvarint()
	if err != nil {
		return nil, newCodecError(ErrClassStructural, "decode:OpVersions", err)
	}
	type versionSpan struct {
		agent string
		seq   Seq
		len   int
	}
	spans := make([]versionSpan, 0, numSpans)
	for i := uint64(0); i < numSpans; i++ {
		name, err := ov.string()
		if err != nil {
			return nil, newCodecError(ErrClassStructural, "decode:OpVersions", err)
		}
		seqStart, err := ov.uvarint()
		if err != nil {
			return nil, newCodecError(ErrClassStructural, "decode:OpVersions", err)
		}
		length, err := ov.uvarint()
		if err != nil {
			return nil, newCodecError(ErrClassStructural, "decode:OpVersions", err)
		}
		spans = append(spans, versionSpan{agent: name, seq: Seq(seqStart), len: int(length)})
	}

	otp := &byteCursor{buf: chunks[chunkOpTypeAndPosition]}
	opc := &byteCursor{buf: chunks[chunkOpParents]}

	var tmap chunkTimeMap
	var chunkCursor Time
	var insOff, delOff int
	var spanIdx, spanUsed int

	for otp.pos < len(chunks[chunkOpTypeAndPosition]) {
		flags, err := otp.uvarint()
		if err != nil {
			return nil, newCodecError(ErrClassStructural, "decode:OpTypeAndPosition", err)
		}
		n, err := otp.uvarint()
		if err != nil {
			return nil, newCodecError(ErrClassStructural, "decode:OpTypeAndPosition", err)
		}
		posStart, err := otp.uvarint()
		if err != nil {
			return nil, newCodecError(ErrClassStructural, "decode:OpTypeAndPosition", err)
		}

		kind := OpIns
		if flags&1 != 0 {
			kind = OpDel
		}
		fwd := flags&2 == 0
		hasContent := flags&4 != 0

		if spanIdx >= len(spans) {
			return nil, newCodecError(ErrClassSemantic, "decode:OpVersions", ErrTruncated)
		}
		sp := spans[spanIdx]
		agentID := o.GetOrCreateAgentID(sp.agent)
		seq := sp.seq + Seq(spanUsed)

		entryStart := chunkCursor
		parentsRel, err := readParentsList(opc, entryStart,
			func(chunkRel Time) (Time, bool) { return tmap.resolve(chunkRel) },
			o.GetOrCreateAgentID,
			o.agents.SeqToTime,
		)
		if err != nil {
			return nil, newCodecError(ErrClassSemantic, "decode:OpParents", err)
		}

		if existing, known := o.agents.SeqToTime(agentID, seq); known {
			// Already have this (agent, seq): nothing to append, but later
			// local parent references into this run must still resolve, so
			// record the mapping against the time we already hold.
			tmap.record(chunkCursor, chunkCursor+Time(n), existing)
		} else {
			loc := NewRangeRev(Time(posStart), int(n))
			if !fwd {
				loc = RangeRev{Span: loc.Span, Fwd: false}
			}
			var content string
			if hasContent {
				blob := insBlob
				off := &insOff
				if kind == OpDel {
					blob = delBlob
					off = &delOff
				}
				if *off+int(n) > len(blob) {
					return nil, newCodecError(ErrClassStructural, "decode:content", ErrTruncated)
				}
				content = string(blob[*off : *off+int(n)])
				*off += int(n)
			}
			last := o.addContentOp(agentID, Frontier(parentsRel), kind, loc, content)
			assignedStart := last - Time(n) + 1
			tmap.record(chunkCursor, chunkCursor+Time(n), assignedStart)
		}

		chunkCursor += Time(n)
		spanUsed += int(n)
		if spanUsed >= sp.len {
			spanIdx++
			spanUsed = 0
		}
	}

	return o.Frontier(), nil
}

// chunkTimeMap resolves a chunk-relative (0-based) time from the range
// that was encoded into a local Time in this oplog, needed to translate a
// "local" parent reference (spec §4.10/§12): since every decoded run is
// assigned a contiguous local Time range of the same length as its
// chunk-relative span, the mapping is a per-run constant offset, found by
// scanning previously recorded runs for the one containing the query —
// acceptable since runs-per-chunk is small, consistent with this
// package's other O(n)-for-clarity choices.
type chunkTimeMap struct {
	bounds  []Time // chunk-relative end, ascending
	offsets []Time // localAbsoluteStart - chunkRelStart
}

func (m *chunkTimeMap) record(chunkRelStart, chunkRelEnd, localAbsoluteStart Time) {
	m.bounds = append(m.bounds, chunkRelEnd)
	m.offsets = append(m.offsets, localAbsoluteStart-chunkRelStart)
}

func (m *chunkTimeMap) resolve(chunkRelTime Time) (Time, bool) {
	for i, b := range m.bounds {
		lo := Time(0)
		if i > 0 {
			lo = m.bounds[i-1]
		}
		if chunkRelTime >= lo && chunkRelTime < b {
			return chunkRelTime + m.offsets[i], true
		}
	}
	return 0, false
}

func chunkHeaderLen(id chunkID, payloadLen int) int {
	var b bytes.Buffer
	writeUvarint(&b, uint64(id))
	writeUvarint(&b, uint64(payloadLen))
	return b.Len() + payloadLen
}

// --- varint / chunk primitives -------------------------------------------

func writeUvarint(buf *bytes.Buffer, v uint64) {
	var tmp [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(tmp[:], v)
	buf.Write(tmp[:n])
}

func writeString(buf *bytes.Buffer, s string) {
	writeUvarint(buf, uint64(len(s)))
	buf.WriteString(s)
}

func writeBytes(buf *bytes.Buffer, b []byte) {
	writeUvarint(buf, uint64(len(b)))
	buf.Write(b)
}

func writeBool(buf *bytes.Buffer, v bool) {
	if v {
		writeUvarint(buf, 1)
	} else {
		writeUvarint(buf, 0)
	}
}

func writeChunk(out *bytes.Buffer, id chunkID, payload []byte) {
	writeUvarint(out, uint64(id))
	writeUvarint(out, uint64(len(payload)))
	out.Write(payload)
}

type byteCursor struct {
	buf []byte
	pos int
}

func (c *byteCursor) remaining() []byte { return c.buf[c.pos:] }

func (c *byteCursor) uvarint() (uint64, error) {
	v, n := binary.Uvarint(c.remaining())
	if n <= 0 {
		return 0, ErrTruncated
	}
	c.pos += n
	return v, nil
}

func (c *byteCursor) take(n int) ([]byte, error) {
	if n < 0 || c.pos+n > len(c.buf) {
		return nil, ErrTruncated
	}
	b := c.buf[c.pos : c.pos+n]
	c.pos += n
	return b, nil
}

func (c *byteCursor) string() (string, error) {
	n, err := c.uvarint()
	if err != nil {
		return "", err
	}
	b, err := c.take(int(n))
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func (c *byteCursor) bytesField() ([]byte, error) {
	n, err := c.uvarint()
	if err != nil {
		return nil, err
	}
	return c.take(int(n))
}

func (c *byteCursor) boolean() (bool, error) {
	v, err := c.uvarint()
	if err != nil {
		return false, err
	}
	return v != 0, nil
}

func (c *byteCursor) chunkHeader() (chunkID, []byte, error) {
	id, err := c.uvarint()
	if err != nil {
		return 0, nil, err
	}
	payload, err := c.bytesField()
	if err != nil {
		return 0, nil, err
	}
	return chunkID(id), payload, nil
}
