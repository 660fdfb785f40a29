// Package memtable implements the ordered in-memory map backing both the
// engine's active write target and its frozen immutable snapshots.
//
// The memtable does not own a WAL writer: the journal is a separate,
// engine-level component (see internal/wal and internal/tableset) bound
// together with the memtable by internal/tableset, rather than a single
// combined type.
package memtable

import "sync/atomic"

// Memtable is an ordered map of key to (seqno, value|tombstone), with a
// running byte counter used to decide when to freeze.
type Memtable struct {
	sl           *SkipList
	bytesWritten int64 // atomic
}

// New returns an empty memtable.
func New() *Memtable {
	return &Memtable{sl: NewSkipList()}
}

// Put inserts or overwrites key with the given (seqno, value) pair and
// updates the byte counter by the delta: new_val_len - old_val_len if the
// key already existed, else 8 + key_len + new_val_len.
func (mt *Memtable) Put(seqno uint64, key, value []byte, tombstone bool) {
	delta := mt.sl.Put(key, seqno, value, tombstone)
	atomic.AddInt64(&mt.bytesWritten, delta)
}

// Get returns (value, tombstone, found). found is false only if key has
// never been written to this memtable.
func (mt *Memtable) Get(key []byte) (value []byte, tombstone bool, found bool) {
	return mt.sl.Get(key)
}

// BytesWritten returns the running byte-counter total.
func (mt *Memtable) BytesWritten() int64 {
	return atomic.LoadInt64(&mt.bytesWritten)
}

// Len returns the number of distinct keys held.
func (mt *Memtable) Len() int {
	return mt.sl.Len()
}

// NewIterator returns an ascending-key iterator over the memtable's
// entries, used by the flush worker to produce ordered SST output.
func (mt *Memtable) NewIterator() *SLIterator {
	return mt.sl.NewIterator()
}
