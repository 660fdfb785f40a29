// Package wal implements the durable, segmented write-ahead journal: one
// mutex-serialized append handle per active segment, synchronous fsync per
// record, and rotation once a segment crosses its size cap.
//
// The wire format carries no checksum field, and durability requires a
// synchronous fsync on every insert rather than a periodic async flush,
// so a completed Insert/Remove call is guaranteed durable before it
// returns.
package wal

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/InchanHan/kepler-go/internal/kverrors"
)

const (
	// HeaderSize is seqno(8) + type(1) + key_len(4) + val_len(4).
	HeaderSize = 8 + 1 + 4 + 4

	// RotateSize is the segment size threshold; a write that crosses it
	// triggers rotation to a new segment after the record durably lands.
	RotateSize = 64 << 20

	typePut    = 0
	typeDelete = 1
)

// Writer owns the active WAL segment for one engine instance. Rotation
// creates new segments named wal-(id+1).log; the caller is responsible for
// ensuring dir already exists.
type Writer struct {
	mu           sync.Mutex
	dir          string
	id           uint64
	f            *os.File
	bw           *bufio.Writer
	bytesWritten int64
}

// SegmentPath returns the conventional path for a WAL segment id inside
// dir: wal-NNNNNN.log, six zero-padded digits.
func SegmentPath(dir string, id uint64) string {
	return filepath.Join(dir, fmt.Sprintf("wal-%06d.log", id))
}

// OpenWriter opens (creating if necessary) the segment named by id for
// append, ready to receive further records.
func OpenWriter(dir string, id uint64) (*Writer, error) {
	f, err := os.OpenFile(SegmentPath(dir, id), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, kverrors.NewIOError("wal open", err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, kverrors.NewIOError("wal stat", err)
	}
	return &Writer{
		dir:          dir,
		id:           id,
		f:            f,
		bw:           bufio.NewWriter(f),
		bytesWritten: info.Size(),
	}, nil
}

// Insert appends one record, flushes the buffer, and fsyncs before
// returning — the per-operation durability guarantee the journal owes the
// engine. value must be nil (and tombstone true) for a delete record.
func (w *Writer) Insert(seqno uint64, key, value []byte, tombstone bool) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	var header [HeaderSize]byte
	binary.LittleEndian.PutUint64(header[0:8], seqno)
	if tombstone {
		header[8] = typeDelete
	} else {
		header[8] = typePut
	}
	binary.LittleEndian.PutUint32(header[9:13], uint32(len(key)))
	valLen := 0
	if !tombstone {
		valLen = len(value)
	}
	binary.LittleEndian.PutUint32(header[13:17], uint32(valLen))

	if _, err := w.bw.Write(header[:]); err != nil {
		return kverrors.NewIOError("wal write header", err)
	}
	if _, err := w.bw.Write(key); err != nil {
		return kverrors.NewIOError("wal write key", err)
	}
	if !tombstone {
		if _, err := w.bw.Write(value); err != nil {
			return kverrors.NewIOError("wal write value", err)
		}
	}

	if err := w.fsyncLocked(); err != nil {
		return err
	}

	w.bytesWritten += int64(HeaderSize + len(key) + valLen)

	if w.bytesWritten >= RotateSize {
		return w.rotateLocked()
	}
	return nil
}

// ID returns the currently active segment's id.
func (w *Writer) ID() uint64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.id
}

func (w *Writer) rotateLocked() error {
	if err := w.fsyncLocked(); err != nil {
		return err
	}
	next := w.id + 1
	f, err := os.OpenFile(SegmentPath(w.dir, next), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return kverrors.NewIOError("wal rotate open", err)
	}
	if err := w.f.Close(); err != nil {
		f.Close()
		return kverrors.NewIOError("wal rotate close old", err)
	}
	w.id = next
	w.f = f
	w.bw = bufio.NewWriter(f)
	w.bytesWritten = 0
	return nil
}

func (w *Writer) fsyncLocked() error {
	if err := w.bw.Flush(); err != nil {
		return kverrors.NewIOError("wal flush", err)
	}
	if err := w.f.Sync(); err != nil {
		return kverrors.NewIOError("wal fsync", err)
	}
	return nil
}

// Close flushes and closes the active segment.
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.fsyncLocked(); err != nil {
		w.f.Close()
		return err
	}
	return kverrors.NewIOError("wal close", w.f.Close())
}
