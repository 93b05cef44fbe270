package dtcore

import (
	"os"
	"path/filepath"
	"testing"
)

func TestWAL_AppendReadAllRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "log.wal")

	w, err := OpenWAL(path, nil)
	if err != nil {
		t.Fatalf("OpenWAL: %v", err)
	}
	defer w.Close()

	if err := w.Append([]byte("first")); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if err := w.Append([]byte("second")); err != nil {
		t.Fatalf("Append: %v", err)
	}

	records, err := w.ReadAll()
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("expected 2 records, got %d", len(records))
	}
	if string(records[0].Payload) != "first" || string(records[1].Payload) != "second" {
		t.Fatalf("unexpected payloads: %q, %q", records[0].Payload, records[1].Payload)
	}
	if records[0].WriterID != records[1].WriterID {
		t.Fatalf("expected both records from the same WAL handle to share a writer id")
	}
}

func TestWAL_ReopenPreservesRecords(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "log.wal")

	w, err := OpenWAL(path, nil)
	if err != nil {
		t.Fatalf("OpenWAL: %v", err)
	}
	if err := w.Append([]byte("persisted")); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	w2, err := OpenWAL(path, nil)
	if err != nil {
		t.Fatalf("reopen OpenWAL: %v", err)
	}
	defer w2.Close()

	records, err := w2.ReadAll()
	if err != nil {
		t.Fatalf("ReadAll after reopen: %v", err)
	}
	if len(records) != 1 || string(records[0].Payload) != "persisted" {
		t.Fatalf("expected the persisted record to survive reopen, got %+v", records)
	}
}

func TestWAL_CorruptTailIsQuarantined(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "log.wal")

	w, err := OpenWAL(path, nil)
	if err != nil {
		t.Fatalf("OpenWAL: %v", err)
	}
	if err := w.Append([]byte("good")); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	// Simulate a crash mid-write: append a few garbage bytes that look
	// like the start of a record header but never complete.
	f, err := os.OpenFile(path, os.O_RDWR|os.O_APPEND, 0o644)
	if err != nil {
		t.Fatalf("reopen for corruption: %v", err)
	}
	if _, err := f.Write([]byte{0xDE, 0xAD, 0xBE, 0xEF, 0x01, 0x02}); err != nil {
		t.Fatalf("write garbage tail: %v", err)
	}
	if err := f.Close(); err != nil {
		t.Fatalf("close after corruption: %v", err)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	corruptSize := info.Size()

	w2, err := OpenWAL(path, nil)
	if err != nil {
		t.Fatalf("OpenWAL on corrupt tail should recover, not fail: %v", err)
	}
	defer w2.Close()

	if _, err := os.Stat(path + ".backup"); err != nil {
		t.Fatalf("expected a .backup file to be created for the quarantined tail: %v", err)
	}

	records, err := w2.ReadAll()
	if err != nil {
		t.Fatalf("ReadAll after recovery: %v", err)
	}
	if len(records) != 1 || string(records[0].Payload) != "good" {
		t.Fatalf("expected the good record to survive recovery, got %+v", records)
	}

	recoveredInfo, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat after recovery: %v", err)
	}
	if recoveredInfo.Size() >= corruptSize {
		t.Fatalf("expected the live file to be truncated below the corrupt size %d, got %d", corruptSize, recoveredInfo.Size())
	}
}

func TestWAL_ReplayIntoMergesRecords(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "log.wal")

	src := NewOpLog(nil)
	alice := src.GetOrCreateAgentID("alice")
	base := src.AddInsertAt(alice, nil, 0, "hi")

	w, err := OpenWAL(path, nil)
	if err != nil {
		t.Fatalf("OpenWAL: %v", err)
	}
	defer w.Close()

	if err := w.Append(src.Encode(DefaultEncodeOptions())); err != nil {
		t.Fatalf("Append: %v", err)
	}

	checkpoint := src.Frontier()
	src.AddInsertAt(alice, Frontier{base}, 2, "!")
	if err := w.Append(src.EncodeFrom(DefaultEncodeOptions(), checkpoint)); err != nil {
		t.Fatalf("Append incremental: %v", err)
	}

	dst := NewOpLog(nil)
	if err := w.ReplayInto(dst); err != nil {
		t.Fatalf("ReplayInto: %v", err)
	}

	b := NewBranchAt(dst, dst.Frontier())
	if b.Content() != "hi!" {
		t.Fatalf("expected replay to reconstruct %q, got %q", "hi!", b.Content())
	}
}
