package dtcore

import (
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func buildSampleLog(t *testing.T) *OpLog {
	t.Helper()
	o := NewOpLog(nil)
	alice := o.GetOrCreateAgentID("alice")
	bob := o.GetOrCreateAgentID("bob")

	base := o.AddInsertAt(alice, nil, 0, "hello")
	tA := o.AddInsertAt(alice, Frontier{base}, 5, " world")
	o.AddDeleteAt(bob, Frontier{base}, NewRangeRev(0, 1), "h")
	_ = tA
	return o
}

func TestCodec_RoundTripUncompressed(t *testing.T) {
	src := buildSampleLog(t)
	data := src.Encode(EncodeOptions{StoreInsertedContent: true, StoreDeletedContent: true})

	dst := NewOpLog(nil)
	if _, err := dst.DecodeAndAdd(data, DecodeOptions{}); err != nil {
		t.Fatalf("DecodeAndAdd: %v", err)
	}
	if dst.Len() != src.Len() {
		t.Fatalf("expected dst.Len()=%d to match src.Len()=%d", dst.Len(), src.Len())
	}
	if err := dst.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}

	bSrc := NewBranchAt(src, src.Frontier())
	bDst := NewBranchAt(dst, dst.Frontier())
	if bSrc.Content() != bDst.Content() {
		t.Fatalf("round trip changed content: %q vs %q", bSrc.Content(), bDst.Content())
	}
}

func TestCodec_RoundTripCompressed(t *testing.T) {
	src := buildSampleLog(t)
	data := src.Encode(DefaultEncodeOptions())

	dst := NewOpLog(nil)
	if _, err := dst.DecodeAndAdd(data, DecodeOptions{}); err != nil {
		t.Fatalf("DecodeAndAdd: %v", err)
	}

	bSrc := NewBranchAt(src, src.Frontier())
	bDst := NewBranchAt(dst, dst.Frontier())
	if bSrc.Content() != bDst.Content() {
		t.Fatalf("compressed round trip changed content: %q vs %q", bSrc.Content(), bDst.Content())
	}
}

// opShape strips the out-of-band content span from an Operation, leaving
// just the kind and location, so two logs with independent content
// arenas (different byte offsets) can still be compared structurally.
type opShape struct {
	Kind OpKind
	Loc  RangeRev
}

func shapesOf(o *OpLog) []opShape {
	entries := o.IterRange(TimeSpan{0, o.Len()})
	out := make([]opShape, 0, len(entries))
	for _, e := range entries {
		out = append(out, opShape{Kind: e.Op.Kind, Loc: e.Op.Loc})
	}
	return out
}

func TestCodec_RoundTripPreservesOperationSequence(t *testing.T) {
	src := buildSampleLog(t)
	data := src.Encode(EncodeOptions{StoreInsertedContent: true, StoreDeletedContent: true})

	dst := NewOpLog(nil)
	if _, err := dst.DecodeAndAdd(data, DecodeOptions{}); err != nil {
		t.Fatalf("DecodeAndAdd: %v", err)
	}

	if diff := cmp.Diff(shapesOf(src), shapesOf(dst)); diff != "" {
		t.Fatalf("decoded operation sequence differs from source (-src +dst):\n%s", diff)
	}
}

func TestCodec_EncodeFromIncremental(t *testing.T) {
	src := NewOpLog(nil)
	alice := src.GetOrCreateAgentID("alice")
	base := src.AddInsertAt(alice, nil, 0, "abc")

	dst := NewOpLog(nil)
	if _, err := dst.DecodeAndAdd(src.Encode(DefaultEncodeOptions()), DecodeOptions{}); err != nil {
		t.Fatalf("initial DecodeAndAdd: %v", err)
	}

	checkpoint := src.Frontier()
	src.AddInsertAt(alice, Frontier{base}, 3, "def")

	delta := src.EncodeFrom(DefaultEncodeOptions(), checkpoint)
	if _, err := dst.DecodeAndAdd(delta, DecodeOptions{}); err != nil {
		t.Fatalf("incremental DecodeAndAdd: %v", err)
	}

	bSrc := NewBranchAt(src, src.Frontier())
	bDst := NewBranchAt(dst, dst.Frontier())
	if bSrc.Content() != bDst.Content() {
		t.Fatalf("incremental sync diverged: %q vs %q", bSrc.Content(), bDst.Content())
	}
	if dst.Len() != src.Len() {
		t.Fatalf("expected dst.Len()=%d to match src.Len()=%d after incremental sync", dst.Len(), src.Len())
	}
}

func TestCodec_DecodeIsIdempotent(t *testing.T) {
	src := buildSampleLog(t)
	data := src.Encode(DefaultEncodeOptions())

	dst := NewOpLog(nil)
	if _, err := dst.DecodeAndAdd(data, DecodeOptions{}); err != nil {
		t.Fatalf("first DecodeAndAdd: %v", err)
	}
	firstLen := dst.Len()

	if _, err := dst.DecodeAndAdd(data, DecodeOptions{}); err != nil {
		t.Fatalf("repeat DecodeAndAdd: %v", err)
	}
	if dst.Len() != firstLen {
		t.Fatalf("repeat decode should be a no-op: length changed from %d to %d", firstLen, dst.Len())
	}
}

func TestCodec_BadMagicRejected(t *testing.T) {
	src := buildSampleLog(t)
	data := src.Encode(DefaultEncodeOptions())
	corrupt := append([]byte(nil), data...)
	corrupt[0] ^= 0xFF

	dst := NewOpLog(nil)
	_, err := dst.DecodeAndAdd(corrupt, DecodeOptions{})
	if err == nil {
		t.Fatalf("expected an error decoding a bad-magic blob")
	}
	if !errors.Is(err, ErrBadMagic) {
		t.Fatalf("expected ErrBadMagic, got %v", err)
	}
}

func TestCodec_TruncatedInputRejected(t *testing.T) {
	src := buildSampleLog(t)
	data := src.Encode(DefaultEncodeOptions())
	truncated := data[:len(data)-10]

	dst := NewOpLog(nil)
	_, err := dst.DecodeAndAdd(truncated, DecodeOptions{})
	if err == nil {
		t.Fatalf("expected an error decoding truncated input")
	}
}

func TestCodec_BadChecksumRejected(t *testing.T) {
	src := buildSampleLog(t)
	data := src.Encode(DefaultEncodeOptions())
	corrupt := append([]byte(nil), data...)
	// Flip a byte well inside the body, away from the header and trailing
	// CRC chunk, so the blob still parses structurally but the checksum
	// no longer matches.
	corrupt[len(corrupt)/2] ^= 0xFF

	dst := NewOpLog(nil)
	_, err := dst.DecodeAndAdd(corrupt, DecodeOptions{})
	if err == nil {
		t.Fatalf("expected an error decoding a blob with a corrupted checksum")
	}
	if !errors.Is(err, ErrBadChecksum) {
		t.Fatalf("expected ErrBadChecksum, got %v", err)
	}
}

func TestCodec_DecodeFailureRollsBack(t *testing.T) {
	dst := NewOpLog(nil)
	alice := dst.GetOrCreateAgentID("alice")
	dst.AddInsertAt(alice, nil, 0, "preexisting")
	before := dst.snapshot()

	src := buildSampleLog(t)
	data := src.Encode(DefaultEncodeOptions())
	corrupt := append([]byte(nil), data...)
	corrupt[0] ^= 0xFF

	if _, err := dst.DecodeAndAdd(corrupt, DecodeOptions{}); err == nil {
		t.Fatalf("expected decode of corrupt data to fail")
	}

	after := dst.snapshot()
	if after.opsEnd != before.opsEnd || after.cgEntries != before.cgEntries {
		t.Fatalf("failed decode should leave the oplog unchanged: before=%+v after=%+v", before, after)
	}
	b := NewBranchAt(dst, dst.Frontier())
	if b.Content() != "preexisting" {
		t.Fatalf("failed decode corrupted existing content: %q", b.Content())
	}
}
