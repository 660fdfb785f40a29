// Package manifest implements the engine's durable record of which SSTs are
// live: an append-only log of 25-byte frames (type|sstno|max_seqno|min_seqno)
// written by a single background goroutine, and a recovery pass that folds
// those frames into a Version the rest of the engine bootstraps from.
//
// A bounded channel decouples the SST writer from manifest I/O, and every
// frame is flushed and fsynced before the writer moves on, so a crash
// never leaves an SST registered without its frame durable or vice versa.
package manifest

import (
	"bufio"
	"encoding/binary"
	"log"
	"os"
	"path/filepath"
	"sync"

	"github.com/InchanHan/kepler-go/internal/kverrors"
	"github.com/InchanHan/kepler-go/internal/sstable"
)

const (
	frameSize = 25
	typeAdd   = 0
	typeRemove = 1

	// channelCapacity bounds how many pending flush results the manifest
	// writer goroutine may queue before the SST writer blocks on Send.
	channelCapacity = 8
)

// Version is the reconstructed state of the manifest at open time: which
// SSTs are live, and the next seqno/sstno the engine should allocate.
type Version struct {
	SSTList   map[uint64]struct{}
	NextSeqno uint64
	NextSSTNo uint64
}

// Writer owns the manifest's append handle and the single goroutine that
// drains flush results onto it.
type Writer struct {
	ch     chan sstable.FlushResult
	errCh  chan<- error
	done   chan struct{}
	mu     sync.Mutex
	closed bool
}

// Open opens (or creates) <dir>/manifest, replays it into a Version, and
// starts the background writer goroutine. errCh receives a single error if
// the writer goroutine ever fails and gives up — the engine treats that as
// an unrecoverable/poisoning condition.
func Open(dir string, errCh chan<- error) (*Writer, Version, error) {
	path := filepath.Join(dir, "manifest")

	version, err := restore(path)
	if err != nil {
		return nil, Version{}, err
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, Version{}, kverrors.NewIOError("manifest open", err)
	}

	w := &Writer{
		ch:    make(chan sstable.FlushResult, channelCapacity),
		errCh: errCh,
		done:  make(chan struct{}),
	}
	go w.run(f)

	return w, version, nil
}

func (w *Writer) run(f *os.File) {
	defer close(w.done)
	bw := bufio.NewWriter(f)

	var frame [frameSize]byte
	for result := range w.ch {
		frame[0] = typeAdd
		binary.LittleEndian.PutUint64(frame[1:9], result.SSTNo)
		binary.LittleEndian.PutUint64(frame[9:17], result.MaxSeqno)
		binary.LittleEndian.PutUint64(frame[17:25], result.MinSeqno)

		if _, err := bw.Write(frame[:]); err != nil {
			w.fail(f, err)
			return
		}
		if err := bw.Flush(); err != nil {
			w.fail(f, err)
			return
		}
		if err := f.Sync(); err != nil {
			w.fail(f, err)
			return
		}
	}
}

func (w *Writer) fail(f *os.File, err error) {
	log.Printf("manifest: writer goroutine failing: %v", err)
	f.Close()
	select {
	case w.errCh <- kverrors.NewIOError("manifest write", err):
	default:
	}
}

// Record enqueues a completed flush for the background goroutine to persist.
// It never blocks the caller past the channel's capacity, matching the
// original's sync_channel(8) backpressure.
func (w *Writer) Record(result sstable.FlushResult) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return
	}
	w.ch <- result
}

// Close stops accepting new records and waits for the writer goroutine to
// drain and exit.
func (w *Writer) Close() error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return nil
	}
	w.closed = true
	close(w.ch)
	w.mu.Unlock()

	<-w.done
	return nil
}

func restore(path string) (Version, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDONLY, 0o644)
	if err != nil {
		return Version{}, kverrors.NewIOError("manifest open for recovery", err)
	}
	defer f.Close()

	br := bufio.NewReader(f)
	sstList := make(map[uint64]struct{})
	var maxSeqno, maxSSTNo uint64

	var frame [frameSize]byte
	var count int
	for {
		if _, err := readFullOrEOF(br, frame[:]); err != nil {
			if err == errBenignEOF {
				break
			}
			return Version{}, err
		}

		typ := frame[0]
		sstno := binary.LittleEndian.Uint64(frame[1:9])
		maxno := binary.LittleEndian.Uint64(frame[9:17])

		switch typ {
		case typeAdd:
			if sstno > maxSSTNo {
				maxSSTNo = sstno
			}
			if maxno > maxSeqno {
				maxSeqno = maxno
			}
			sstList[sstno] = struct{}{}
		case typeRemove:
			delete(sstList, sstno)
		default:
			return Version{}, kverrors.NewCorruptionError("manifest", int64(count*frameSize), "unknown frame type")
		}
		count++
	}

	log.Printf("manifest: recovered %d live SSTs from %d frames", len(sstList), count)

	return Version{
		SSTList:   sstList,
		NextSeqno: maxSeqno + 1,
		NextSSTNo: maxSSTNo + 1,
	}, nil
}
