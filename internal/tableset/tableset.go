// Package tableset binds the active memtable, the immutable queue, and the
// SST manager into a single read/write path, and runs the background flush
// worker that drains frozen memtables into SSTs.
//
// Put holds the active memtable's write lock across both the insert and
// the freeze-and-signal sequence, so a reader that acquires the same lock
// immediately after a freeze always sees the new, empty active memtable —
// never a half-swapped state.
package tableset

import (
	"log"
	"sync"

	"github.com/InchanHan/kepler-go/internal/kverrors"
	"github.com/InchanHan/kepler-go/internal/manifest"
	"github.com/InchanHan/kepler-go/internal/memtable"
	"github.com/InchanHan/kepler-go/internal/sstable"
)

// ActiveCapMax is the active memtable's byte threshold: at or above this,
// Put freezes it into the immutable queue and signals a flush.
const ActiveCapMax = 32 << 20

// flushChanCapacity bounds how many pending freezes the flush worker may
// queue before a freezing Put blocks, matching the original's
// sync_channel(4).
const flushChanCapacity = 4

// TableSet is the engine's single read/write coordination point over the
// active memtable, the immutable queue, and the SST manager.
type TableSet struct {
	mu     sync.RWMutex
	active *memtable.Memtable

	imm *memtable.ImmutableQueue
	sst *sstable.Manager
	man *manifest.Writer

	dir   string
	flush chan *memtable.Memtable
	errCh chan<- error
	done  chan struct{}
}

// New wires an already-recovered active memtable, SST manager, and manifest
// writer, plus a fresh empty immutable queue, into a TableSet and starts its
// background flush worker. sstDir is the directory flushed SSTs are written
// into.
func New(sstDir string, active *memtable.Memtable, sstMgr *sstable.Manager, man *manifest.Writer, errCh chan<- error) *TableSet {
	ts := &TableSet{
		active: active,
		imm:    memtable.NewImmutableQueue(),
		sst:    sstMgr,
		man:    man,
		dir:    sstDir,
		flush:  make(chan *memtable.Memtable, flushChanCapacity),
		errCh:  errCh,
		done:   make(chan struct{}),
	}
	go ts.runFlushWorker()
	return ts
}

// Get consults the active memtable, then the immutable queue newest-first,
// then the SST manager newest-first — the first authoritative answer
// (value or tombstone) wins.
func (ts *TableSet) Get(key []byte) (value []byte, tombstone bool, found bool, err error) {
	ts.mu.RLock()
	active := ts.active
	ts.mu.RUnlock()

	if value, tombstone, found = active.Get(key); found {
		return value, tombstone, true, nil
	}
	if value, tombstone, found = ts.imm.Get(key); found {
		return value, tombstone, true, nil
	}
	return ts.sst.Get(key)
}

// Put inserts (seqno, key, value|tombstone) into the active memtable. If
// that push crosses ActiveCapMax, the active memtable is atomically swapped
// for a fresh empty one and the frozen one is pushed onto the immutable
// queue and handed to the flush worker — all while still holding the write
// lock, so the swap is indivisible from a reader's perspective.
func (ts *TableSet) Put(seqno uint64, key, value []byte, tombstone bool) error {
	ts.mu.Lock()
	defer ts.mu.Unlock()

	ts.active.Put(seqno, key, value, tombstone)

	if ts.active.BytesWritten() >= ActiveCapMax {
		frozen := ts.active
		ts.active = memtable.New()
		ts.imm.PushBack(frozen)

		// Blocks once flushChanCapacity frozen memtables are pending, the
		// same backpressure the original's bounded sync_channel(4) applies.
		ts.flush <- frozen
	}
	return nil
}

func (ts *TableSet) runFlushWorker() {
	defer close(ts.done)
	for frozen := range ts.flush {
		if err := ts.flushOne(frozen); err != nil {
			log.Printf("tableset: flush worker failing: %v", err)
			select {
			case ts.errCh <- err:
			default:
			}
			return
		}
	}
}

func (ts *TableSet) flushOne(frozen *memtable.Memtable) error {
	sstno := ts.sst.NextID()

	path, result, err := sstable.Flush(ts.dir, sstno, frozen.NewIterator(), frozen.Len())
	if err != nil {
		return err
	}

	table, err := sstable.Open(path)
	if err != nil {
		return kverrors.NewIOError("reopen flushed sst", err)
	}

	ts.sst.Push(table)
	ts.man.Record(result)
	ts.imm.PopFront()
	return nil
}

// Close stops the flush worker and waits for it to drain, then closes the
// SST manager's mappings.
func (ts *TableSet) Close() error {
	close(ts.flush)
	<-ts.done
	return ts.sst.Close()
}
