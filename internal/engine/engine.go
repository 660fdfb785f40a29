// Package engine coordinates the journal, table set, and manifest into the
// single entry point pkg/kv builds its facade on: atomic seqno allocation,
// write-ahead durability before an insert becomes visible, and a poisoned
// state any call can observe once a background worker gives up.
//
// Every call drains the error channel without blocking before doing any
// work, so a background worker's failure is observed by the next caller
// instead of silently swallowed.
package engine

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/InchanHan/kepler-go/internal/kverrors"
	"github.com/InchanHan/kepler-go/internal/manifest"
	"github.com/InchanHan/kepler-go/internal/sstable"
	"github.com/InchanHan/kepler-go/internal/tableset"
	"github.com/InchanHan/kepler-go/internal/wal"
	"golang.org/x/sys/unix"
)

// state is the engine's health: Healthy until a background worker fails,
// after which every subsequent call returns kverrors.ErrPoisoned.
type state int32

const (
	stateHealthy state = iota
	statePoisoned
)

// Engine is the top-level coordinating object. One Engine is shared by
// every pkg/kv.DB handle cloned from the same Open call.
type Engine struct {
	seqno uint64 // atomic

	tables *tableset.TableSet
	man    *manifest.Writer
	wal    *wal.Writer
	walMu  sync.Mutex

	lockFile *os.File
	closed   int32 // atomic, 1 once Close has run

	errCh    chan error
	state    int32 // atomic, state
	poisonMu sync.Mutex
	poisonedBy error
}

// Open ensures the data directory exists, takes its exclusive directory
// lock, recovers the manifest/SST manager/journal in that order, and
// returns a ready-to-use Engine.
func Open(root string) (*Engine, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, kverrors.NewIOError("ensure data dir", err)
	}

	lockFile, err := acquireLock(root)
	if err != nil {
		return nil, err
	}

	errCh := make(chan error, 1)

	walDir := filepath.Join(root, "wal")
	sstDir := filepath.Join(root, "sst")
	if err := os.MkdirAll(sstDir, 0o755); err != nil {
		lockFile.Close()
		return nil, kverrors.NewIOError("ensure sst dir", err)
	}

	man, version, err := manifest.Open(root, errCh)
	if err != nil {
		lockFile.Close()
		return nil, err
	}

	sstMgr, err := sstable.Recover(sstDir, version.SSTList, version.NextSSTNo)
	if err != nil {
		man.Close()
		lockFile.Close()
		return nil, err
	}

	walWriter, mt, nextSeqno, err := wal.Open(walDir, version.NextSeqno)
	if err != nil {
		sstMgr.Close()
		man.Close()
		lockFile.Close()
		return nil, err
	}

	tables := tableset.New(sstDir, mt, sstMgr, man, errCh)

	e := &Engine{
		tables:   tables,
		man:      man,
		wal:      walWriter,
		lockFile: lockFile,
		errCh:    errCh,
	}
	atomic.StoreUint64(&e.seqno, nextSeqno)

	return e, nil
}

func acquireLock(root string) (*os.File, error) {
	path := filepath.Join(root, "LOCK")
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, kverrors.NewIOError("open lock file", err)
	}
	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		f.Close()
		return nil, kverrors.NewCorruptionError("lock", 0, "data directory already held by another process")
	}
	return f, nil
}

// Put durably appends (key, value) to the journal, then inserts it into
// the table set. The journal write happens before the table-set insert so
// a crash between the two still recovers the record on restart.
func (e *Engine) Put(key, value []byte) error {
	if err := e.checkPoisoned(); err != nil {
		return err
	}
	seqno := atomic.AddUint64(&e.seqno, 1) - 1

	e.walMu.Lock()
	err := e.wal.Insert(seqno, key, value, false)
	e.walMu.Unlock()
	if err != nil {
		return err
	}

	return e.tables.Put(seqno, key, value, false)
}

// Remove durably appends a tombstone for key, then inserts it into the
// table set.
func (e *Engine) Remove(key []byte) error {
	if err := e.checkPoisoned(); err != nil {
		return err
	}
	seqno := atomic.AddUint64(&e.seqno, 1) - 1

	e.walMu.Lock()
	err := e.wal.Insert(seqno, key, nil, true)
	e.walMu.Unlock()
	if err != nil {
		return err
	}

	return e.tables.Put(seqno, key, nil, true)
}

// Get returns (value, true, nil) if key is live, (nil, false, nil) if key
// is absent or tombstoned, and a non-nil error only on I/O/corruption
// failure or a poisoned engine.
func (e *Engine) Get(key []byte) ([]byte, bool, error) {
	if err := e.checkPoisoned(); err != nil {
		return nil, false, err
	}
	value, tombstone, found, err := e.tables.Get(key)
	if err != nil {
		return nil, false, err
	}
	if !found || tombstone {
		return nil, false, nil
	}
	return value, true, nil
}

// checkPoisoned performs the non-blocking error-channel drain every call
// makes before doing any work, upgrading the engine to Poisoned the first
// time a background worker reports failure. Calls made after Close get
// kverrors.ErrClosed.
func (e *Engine) checkPoisoned() error {
	if atomic.LoadInt32(&e.closed) == 1 {
		return kverrors.ErrClosed
	}
	if atomic.LoadInt32(&e.state) == int32(statePoisoned) {
		return e.poisonedErr()
	}

	select {
	case err := <-e.errCh:
		e.poisonMu.Lock()
		e.poisonedBy = err
		e.poisonMu.Unlock()
		atomic.StoreInt32(&e.state, int32(statePoisoned))
		return e.poisonedErr()
	default:
		return nil
	}
}

func (e *Engine) poisonedErr() error {
	e.poisonMu.Lock()
	cause := e.poisonedBy
	e.poisonMu.Unlock()
	if cause == nil {
		return kverrors.ErrPoisoned
	}
	return fmt.Errorf("%w: %v", kverrors.ErrPoisoned, cause)
}

// Close flushes and releases the journal, stops the table set's flush
// worker, stops the manifest writer, and releases the directory lock.
// Only the first call tears anything down; later calls return
// kverrors.ErrClosed.
func (e *Engine) Close() error {
	if !atomic.CompareAndSwapInt32(&e.closed, 0, 1) {
		return kverrors.ErrClosed
	}

	var firstErr error
	record := func(err error) {
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}

	record(e.wal.Close())
	record(e.tables.Close())
	record(e.man.Close())

	if e.lockFile != nil {
		unix.Flock(int(e.lockFile.Fd()), unix.LOCK_UN)
		record(e.lockFile.Close())
	}

	return firstErr
}
