// Package sstable implements the immutable, mmap-backed Sorted String
// Table: the single-pass flush writer that turns a frozen memtable into a
// file with a sparse index and Bloom filter, the mmap reader that looks a
// key up in one, and the manager that tracks the live set newest-first.
//
// Every value in the data block is length-prefixed, and a tombstone is
// marked by a reserved val_len sentinel rather than a zero-length value,
// so a delete survives being flushed into an SST as an unambiguous,
// authoritative answer rather than collapsing into an empty value.
package sstable

import (
	"fmt"
	"path/filepath"
)

const (
	// LenSize is the width of every length/count field in the format.
	LenSize = 4
	// OffsetSize is the width of every file-offset or seqno field.
	OffsetSize = 8
	// PageSize is the key-block span target that triggers a new
	// sparse-index anchor.
	PageSize = 4096
	// FooterSize is the fixed trailer: sparse_idx_offset, bloom_offset,
	// max_seqno, min_seqno, sstno, magic — six 8-byte fields.
	FooterSize = 48

	// TombstoneSentinel marks a data-block entry as a delete: no value
	// bytes follow the 4-byte length field. Any other val_len (including
	// zero) denotes a real, possibly-empty value.
	TombstoneSentinel = uint32(0xFFFFFFFF)
)

// Magic is the fixed 8-byte sentinel closing every SST footer.
var Magic = [8]byte{'K', 'P', 'L', 'R', 'S', 'S', 'T', 'B'}

// Path returns the conventional path for an SST file: sst-NNNNNN.log, six
// zero-padded digits.
func Path(dir string, sstno uint64) string {
	return filepath.Join(dir, fmt.Sprintf("sst-%06d.log", sstno))
}
