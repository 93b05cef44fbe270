package dtcore

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"io"
	"os"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// WAL is an append-only, crash-safe log of codec-encoded OpLog deltas on
// disk: a fixed magic + version header followed by a sequence of
// records, each CRC32(4) | LEN(4) | WriterID(16) | bytes(LEN), grounded
// on original_source/src/storage/wal.rs's framing (that file's own
// records are CRC32(4)|LEN(4)|bytes; WriterID is this package's
// addition, so a reader can tell which process produced the record that
// corrupted a tail during multi-writer use — spec §12's supplemented WAL
// feature). Every Append call's payload is expected to be one
// OpLog.Encode/EncodeFrom blob; WAL itself never parses it.
type WAL struct {
	f        *os.File
	path     string
	writerID uuid.UUID
	log      *zap.Logger
}

var walMagic = [8]byte{'D', 'T', 'C', 'O', 'R', 'E', 'W', 'L'}

const walVersion uint32 = 1
const walHeaderLen = 8 + 4
const walRecordHeaderLen = 4 + 4 + 16

// OpenWAL opens (creating if necessary) the WAL file at path, writing a
// fresh header for a new file or validating an existing one, and running
// Recover to quarantine any corrupt tail before returning.
func OpenWAL(path string, log *zap.Logger) (*WAL, error) {
	if log == nil {
		log = zap.NewNop()
	}
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, fmt.Errorf("dtcore: OpenWAL: %w", err)
	}
	w := &WAL{f: f, path: path, writerID: uuid.New(), log: log.Named("wal")}

	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}
	if info.Size() == 0 {
		if err := w.writeHeader(); err != nil {
			f.Close()
			return nil, err
		}
	} else if err := w.checkHeader(); err != nil {
		f.Close()
		return nil, err
	}
	if err := w.Recover(); err != nil {
		f.Close()
		return nil, err
	}
	return w, nil
}

func (w *WAL) writeHeader() error {
	var buf [walHeaderLen]byte
	copy(buf[:8], walMagic[:])
	binary.LittleEndian.PutUint32(buf[8:12], walVersion)
	if _, err := w.f.WriteAt(buf[:], 0); err != nil {
		return err
	}
	return w.f.Sync()
}

func (w *WAL) checkHeader() error {
	var buf [walHeaderLen]byte
	if _, err := io.ReadFull(io.NewSectionReader(w.f, 0, walHeaderLen), buf[:]); err != nil {
		return newCodecError(ErrClassStructural, "WAL.checkHeader", ErrTruncated)
	}
	if string(buf[:8]) != string(walMagic[:]) {
		return newCodecError(ErrClassStructural, "WAL.checkHeader", ErrBadMagic)
	}
	ver := binary.LittleEndian.Uint32(buf[8:12])
	if ver != walVersion {
		return newCodecError(ErrClassStructural, "WAL.checkHeader", ErrUnsupportedVer)
	}
	return nil
}

// Recover scans every record after the header, stopping at the first one
// that fails its length or CRC check. If any bytes remain after that
// point, they're copied to path+".backup" and the live file is truncated
// to the last good record boundary — corrupt tails are a crash mid-write,
// never silently dropped.
func (w *WAL) Recover() error {
	info, err := w.f.Stat()
	if err != nil {
		return err
	}
	size := info.Size()
	pos := int64(walHeaderLen)

	for pos < size {
		hdr := make([]byte, walRecordHeaderLen)
		n, err := w.f.ReadAt(hdr, pos)
		if err != nil && err != io.EOF {
			return err
		}
		if n < walRecordHeaderLen {
			break
		}
		wantCRC := binary.LittleEndian.Uint32(hdr[0:4])
		length := binary.LittleEndian.Uint32(hdr[4:8])
		recordEnd := pos + walRecordHeaderLen + int64(length)
		if recordEnd > size {
			break
		}
		body := make([]byte, 16+int(length))
		if _, err := w.f.ReadAt(body, pos+8); err != nil {
			return err
		}
		if crc32.ChecksumIEEE(body) != wantCRC {
			break
		}
		pos = recordEnd
	}

	if pos < size {
		w.log.Warn("WAL: corrupt tail detected, quarantining",
			zap.Int64("goodBytes", pos), zap.Int64("fileSize", size))
		if err := w.backupTail(pos, size); err != nil {
			return err
		}
		if err := w.f.Truncate(pos); err != nil {
			return err
		}
	}
	return nil
}

func (w *WAL) backupTail(from, to int64) error {
	tail := make([]byte, to-from)
	if _, err := w.f.ReadAt(tail, from); err != nil {
		return err
	}
	return os.WriteFile(w.path+".backup", tail, 0o644)
}

// Append writes one framed record holding payload (an Encode/EncodeFrom
// blob) and fsyncs it before returning, so a crash immediately after
// Append never leaves a record Recover can't validate.
func (w *WAL) Append(payload []byte) error {
	body := make([]byte, 16+len(payload))
	copy(body[:16], w.writerID[:])
	copy(body[16:], payload)

	var hdr [8]byte
	binary.LittleEndian.PutUint32(hdr[0:4], crc32.ChecksumIEEE(body))
	binary.LittleEndian.PutUint32(hdr[4:8], uint32(len(payload)))

	if _, err := w.f.Seek(0, io.SeekEnd); err != nil {
		return err
	}
	if _, err := w.f.Write(hdr[:]); err != nil {
		return err
	}
	if _, err := w.f.Write(body); err != nil {
		return err
	}
	return w.f.Sync()
}

// WALRecord is one successfully-read record: the payload plus the
// writer id that appended it.
type WALRecord struct {
	WriterID uuid.UUID
	Payload  []byte
}

// ReadAll returns every record currently in the WAL, in append order. It
// re-validates each record's CRC (cheap relative to disk I/O, and cheaper
// than trusting Recover's prior pass blindly) and stops at the first
// failure rather than returning a partial, silently-truncated result.
func (w *WAL) ReadAll() ([]WALRecord, error) {
	info, err := w.f.Stat()
	if err != nil {
		return nil, err
	}
	size := info.Size()
	pos := int64(walHeaderLen)
	var out []WALRecord

	for pos < size {
		hdr := make([]byte, walRecordHeaderLen)
		if _, err := w.f.ReadAt(hdr, pos); err != nil {
			return nil, err
		}
		wantCRC := binary.LittleEndian.Uint32(hdr[0:4])
		length := binary.LittleEndian.Uint32(hdr[4:8])
		recordEnd := pos + walRecordHeaderLen + int64(length)
		if recordEnd > size {
			return nil, newCodecError(ErrClassStructural, "WAL.ReadAll", ErrTruncated)
		}
		body := make([]byte, 16+int(length))
		if _, err := w.f.ReadAt(body, pos+8); err != nil {
			return nil, err
		}
		if crc32.ChecksumIEEE(body) != wantCRC {
			return nil, newCodecError(ErrClassIntegrity, "WAL.ReadAll", ErrBadChecksum)
		}
		var id uuid.UUID
		copy(id[:], body[:16])
		out = append(out, WALRecord{WriterID: id, Payload: body[16:]})
		pos = recordEnd
	}
	return out, nil
}

// ReplayInto decodes and merges every record in the WAL into log, in
// order, via OpLog.DecodeAndAdd. A failure partway through leaves log at
// the frontier reached by the last successfully-applied record (each
// DecodeAndAdd call already rolls back its own partial effect).
func (w *WAL) ReplayInto(log *OpLog) error {
	records, err := w.ReadAll()
	if err != nil {
		return err
	}
	for _, rec := range records {
		if _, err := log.DecodeAndAdd(rec.Payload, DecodeOptions{}); err != nil {
			return err
		}
	}
	return nil
}

// Close closes the underlying file.
func (w *WAL) Close() error { return w.f.Close() }
