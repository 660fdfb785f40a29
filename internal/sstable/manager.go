package sstable

import (
	"log"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/InchanHan/kepler-go/internal/kverrors"
)

var sstNamePattern = regexp.MustCompile(`^sst-(\d{6})\.log$`)

// Manager tracks the live set of SSTs, ordered ascending by sstno, and
// serves point lookups newest-first so the most recently flushed table
// wins on a key collision.
type Manager struct {
	mu     sync.RWMutex
	tables []*Table
	nextID uint64 // atomic
}

// NewManager wraps an already-opened, already-ordered table list (used by
// Recover) plus the next sstno to hand out.
func NewManager(tables []*Table, nextSSTNo uint64) *Manager {
	m := &Manager{tables: tables}
	atomic.StoreUint64(&m.nextID, nextSSTNo)
	return m
}

// NextID allocates the next sstno for a flush.
func (m *Manager) NextID() uint64 {
	return atomic.AddUint64(&m.nextID, 1) - 1
}

// Push registers a freshly flushed table as the newest live SST.
func (m *Manager) Push(t *Table) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tables = append(m.tables, t)
}

// Get scans the live set newest-first, Bloom-gating each table before a
// full lookup, and returns on the first authoritative answer (value or
// tombstone) — mirroring the table-set and memtable read paths.
func (m *Manager) Get(key []byte) (value []byte, tombstone bool, found bool, err error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for i := len(m.tables) - 1; i >= 0; i-- {
		t := m.tables[i]
		if !t.Contains(key) {
			continue
		}
		value, tombstone, found, err = t.Get(key)
		if err != nil {
			return nil, false, false, err
		}
		if found {
			return value, tombstone, true, nil
		}
	}
	return nil, false, false, nil
}

// Len reports the number of live SSTs.
func (m *Manager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.tables)
}

// Close unmaps every live table.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	var firstErr error
	for _, t := range m.tables {
		if err := t.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Recover lists <dir>/sst-*.log, opens only the files whose sstno appears
// in liveSSTNos, and returns them ordered ascending by sstno. Any on-disk
// SST absent from the manifest's live set is the product of a crash
// between the SST's fsync and the manifest's durable append — per spec's
// §4.7 resolution, it is uncommitted and must be ignored, not adopted.
func Recover(dir string, liveSSTNos map[uint64]struct{}, nextSSTNo uint64) (*Manager, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return NewManager(nil, nextSSTNo), nil
		}
		return nil, kverrors.NewIOError("sst dir read", err)
	}

	var ids []uint64
	for _, e := range entries {
		m := sstNamePattern.FindStringSubmatch(e.Name())
		if m == nil {
			continue
		}
		id, perr := strconv.ParseUint(m[1], 10, 64)
		if perr != nil {
			continue
		}
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	var tables []*Table
	var ignored int
	for _, id := range ids {
		if _, live := liveSSTNos[id]; !live {
			ignored++
			continue
		}
		t, err := Open(Path(dir, id))
		if err != nil {
			return nil, err
		}
		tables = append(tables, t)
	}

	log.Printf("sstable: recovered %d live tables from %s, ignored %d uncommitted", len(tables), filepath.Clean(dir), ignored)

	return NewManager(tables, nextSSTNo), nil
}
