package memtable

import (
	"bytes"
	"math/rand"
	"sync"

	"github.com/InchanHan/kepler-go/internal/utils"
)

// MaxLevel bounds how tall a skip list node's forward-pointer tower can
// grow.
const MaxLevel = 16

// entry is one key's ordered-map slot: a sequence number plus either a
// value or a tombstone marker.
type entry struct {
	seqno     uint64
	value     []byte
	tombstone bool
}

// Node is one skip list tower. Each node carries the full entry so the
// flush writer can read each key's seqno and distinguish tombstones from
// zero-length values.
type Node struct {
	key  []byte
	ent  entry
	next []*Node
}

// SkipList is an ordered map over byte-string keys, guarded by a single
// reader-writer lock.
type SkipList struct {
	head  *Node
	level int
	size  int
	mu    sync.RWMutex
}

func NewSkipList() *SkipList {
	return &SkipList{
		head:  &Node{next: make([]*Node, MaxLevel)},
		level: 1,
	}
}

func (sl *SkipList) randomlevel() int {
	level := 1
	for rand.Float64() < 0.5 && level < MaxLevel {
		level++
	}
	return level
}

// entrySize returns the byte-counter contribution of a new entry with no
// prior key: 8 (seqno) + key_len + val_len, per spec's memtable byte
// accounting. Tombstones contribute a zero-length value.
func entrySize(key []byte, ent entry) int64 {
	valLen := 0
	if !ent.tombstone {
		valLen = len(ent.value)
	}
	return int64(8 + len(key) + valLen)
}

// Put inserts or overwrites key with the given entry and returns the
// byte-counter delta the caller should apply: new_val_len - old_val_len if
// the key already existed, else 8 + key_len + new_val_len for a brand new
// key.
func (sl *SkipList) Put(key []byte, seqno uint64, value []byte, tombstone bool) int64 {
	sl.mu.Lock()
	defer sl.mu.Unlock()

	update := make([]*Node, MaxLevel)
	curr := sl.head

	for i := sl.level - 1; i >= 0; i-- {
		for curr.next[i] != nil && bytes.Compare(curr.next[i].key, key) < 0 {
			curr = curr.next[i]
		}
		update[i] = curr
	}

	newEnt := entry{seqno: seqno, value: utils.CopyBytes(value), tombstone: tombstone}

	curr = curr.next[0]
	if curr != nil && bytes.Equal(curr.key, key) {
		oldValLen := int64(0)
		if !curr.ent.tombstone {
			oldValLen = int64(len(curr.ent.value))
		}
		newValLen := int64(0)
		if !tombstone {
			newValLen = int64(len(value))
		}
		curr.ent = newEnt
		return newValLen - oldValLen
	}

	lvl := sl.randomlevel()
	if lvl > sl.level {
		for i := sl.level; i < lvl; i++ {
			update[i] = sl.head
		}
		sl.level = lvl
	}

	newNode := &Node{
		key:  utils.CopyBytes(key),
		ent:  newEnt,
		next: make([]*Node, lvl),
	}

	for i := 0; i < lvl; i++ {
		newNode.next[i] = update[i].next[i]
		update[i].next[i] = newNode
	}

	sl.size++
	return entrySize(key, newEnt)
}

// Get returns (value, tombstone, found). found is false only when the key
// has never been written to this skip list.
func (sl *SkipList) Get(key []byte) (value []byte, tombstone bool, found bool) {
	sl.mu.RLock()
	defer sl.mu.RUnlock()

	curr := sl.head
	for i := sl.level - 1; i >= 0; i-- {
		for curr.next[i] != nil && bytes.Compare(curr.next[i].key, key) < 0 {
			curr = curr.next[i]
		}
	}

	curr = curr.next[0]
	if curr != nil && bytes.Equal(curr.key, key) {
		return curr.ent.value, curr.ent.tombstone, true
	}
	return nil, false, false
}

// Len reports the number of distinct keys held (tombstones count).
func (sl *SkipList) Len() int {
	sl.mu.RLock()
	defer sl.mu.RUnlock()
	return sl.size
}

// SLIterator walks the skip list in ascending key order, used by the flush
// worker to produce ordered SST output.
type SLIterator struct {
	curr *Node
}

func (sl *SkipList) NewIterator() *SLIterator {
	sl.mu.RLock()
	defer sl.mu.RUnlock()
	return &SLIterator{curr: sl.head.next[0]}
}

func (it *SLIterator) Valid() bool { return it.curr != nil }

func (it *SLIterator) Next() { it.curr = it.curr.next[0] }

func (it *SLIterator) Key() []byte { return it.curr.key }

func (it *SLIterator) Seqno() uint64 { return it.curr.ent.seqno }

func (it *SLIterator) Value() []byte { return it.curr.ent.value }

func (it *SLIterator) Tombstone() bool { return it.curr.ent.tombstone }
