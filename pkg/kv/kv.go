// Package kv is the public facade over the embedded ordered key-value
// engine: Open a data directory, Insert/Remove/Get byte-slice records, and
// Close when done. Cloned handles share one underlying engine, so the same
// store can be used concurrently from multiple goroutines without opening
// the directory twice.
package kv

import (
	"fmt"
	"sync"

	"github.com/InchanHan/kepler-go/internal/engine"
	"github.com/InchanHan/kepler-go/internal/kverrors"
)

// ErrClosed is returned by any call made after Close.
var ErrClosed = kverrors.ErrClosed

// DB is a handle onto an open store. Multiple DB values returned by Clone
// share the same underlying engine and directory lock. Each handle tracks
// its own closed state, but closing any one of them closes the shared
// engine; the engine is only ever torn down once, and calls through the
// other handles then return ErrClosed.
type DB struct {
	mu  sync.Mutex
	eng *engine.Engine
}

// Open opens (creating if absent) the store rooted at path.
func Open(path string) (*DB, error) {
	if path == "" {
		return nil, fmt.Errorf("kv: path cannot be empty")
	}

	eng, err := engine.Open(path)
	if err != nil {
		return nil, fmt.Errorf("kv: failed to open database: %w", err)
	}

	return &DB{eng: eng}, nil
}

// handle returns the underlying engine, or ErrClosed once this specific
// handle has been closed.
func (db *DB) handle() (*engine.Engine, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	if db.eng == nil {
		return nil, ErrClosed
	}
	return db.eng, nil
}

// Insert stores value under key, replacing any existing value.
func (db *DB) Insert(key, value []byte) error {
	eng, err := db.handle()
	if err != nil {
		return err
	}
	return eng.Put(key, value)
}

// Remove deletes key. Removing an absent key is not an error.
func (db *DB) Remove(key []byte) error {
	eng, err := db.handle()
	if err != nil {
		return err
	}
	return eng.Remove(key)
}

// Get returns (value, true, nil) if key is live, (nil, false, nil) if key
// is absent or has been removed, and a non-nil error only on a genuine
// engine failure.
func (db *DB) Get(key []byte) ([]byte, bool, error) {
	eng, err := db.handle()
	if err != nil {
		return nil, false, err
	}
	return eng.Get(key)
}

// Clone returns a new handle sharing this DB's underlying engine, for use
// from another goroutine. Each handle tracks its own closed state
// independently; closing one handle tears down the shared engine and makes
// every handle's subsequent calls fail, but only the handle that called
// Close reflects that immediately via a nil'd-out eng field — the others
// find out the next time they touch the (now closed) engine.
func (db *DB) Clone() *DB {
	eng, err := db.handle()
	if err != nil {
		return &DB{}
	}
	return &DB{eng: eng}
}

// Close releases the engine's resources: the journal, the flush worker,
// the manifest writer, and the directory lock. Safe to call more than
// once; subsequent calls return ErrClosed.
func (db *DB) Close() error {
	db.mu.Lock()
	eng := db.eng
	db.eng = nil
	db.mu.Unlock()

	if eng == nil {
		return ErrClosed
	}
	return eng.Close()
}
