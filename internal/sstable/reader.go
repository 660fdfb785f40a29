package sstable

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"sort"

	"github.com/InchanHan/kepler-go/internal/bloom"
	"github.com/InchanHan/kepler-go/internal/kverrors"
	"golang.org/x/exp/mmap"
)

// sparseEntry is one parsed sparse-index row: the anchor key plus the
// contiguous key-block region it covers.
type sparseEntry struct {
	firstKey []byte
	offset   uint64
	length   uint64
}

// Table is one immutable, mmap-backed SST, opened either right after a
// flush or during startup recovery — both paths share this parser, since
// mmap'ing a file immediately after writing it is equivalent to recovering
// it on the next boot.
type Table struct {
	sstno    uint64
	maxSeqno uint64
	minSeqno uint64
	size     int64
	r        *mmap.ReaderAt
	index    []sparseEntry
	filter   *bloom.Filter
}

// Open mmaps path, verifies its footer magic, and parses the sparse index
// and Bloom filter sections out of the mapping.
func Open(path string) (*Table, error) {
	r, err := mmap.Open(path)
	if err != nil {
		return nil, kverrors.NewIOError("sst mmap open", err)
	}

	size := int64(r.Len())
	if size < FooterSize {
		r.Close()
		return nil, kverrors.NewCorruptionError("sst", 0, "file smaller than footer")
	}

	footer := make([]byte, FooterSize)
	if _, err := r.ReadAt(footer, size-FooterSize); err != nil {
		r.Close()
		return nil, kverrors.NewIOError("sst read footer", err)
	}

	if !bytes.Equal(footer[40:48], Magic[:]) {
		r.Close()
		return nil, kverrors.NewCorruptionError("sst", size-FooterSize, "bad magic")
	}

	sparseIdxOffset := int64(binary.LittleEndian.Uint64(footer[0:8]))
	bloomOffset := int64(binary.LittleEndian.Uint64(footer[8:16]))
	maxSeqno := binary.LittleEndian.Uint64(footer[16:24])
	minSeqno := binary.LittleEndian.Uint64(footer[24:32])
	sstno := binary.LittleEndian.Uint64(footer[32:40])

	footerLimit := size - FooterSize
	if sparseIdxOffset < 0 || sparseIdxOffset >= footerLimit {
		r.Close()
		return nil, fmt.Errorf("%w: sst sparse index offset %d outside [0,%d)", kverrors.ErrIndexOutOfBounds, sparseIdxOffset, footerLimit)
	}
	if bloomOffset < 0 || bloomOffset >= footerLimit {
		r.Close()
		return nil, fmt.Errorf("%w: sst bloom filter offset %d outside [0,%d)", kverrors.ErrIndexOutOfBounds, bloomOffset, footerLimit)
	}

	index, err := readSparseIndex(r, sparseIdxOffset, footerLimit)
	if err != nil {
		r.Close()
		return nil, err
	}

	filter, err := readBloomFilter(r, bloomOffset)
	if err != nil {
		r.Close()
		return nil, err
	}

	return &Table{
		sstno:    sstno,
		maxSeqno: maxSeqno,
		minSeqno: minSeqno,
		size:     footerLimit,
		r:        r,
		index:    index,
		filter:   filter,
	}, nil
}

func readSparseIndex(r *mmap.ReaderAt, offset, limit int64) ([]sparseEntry, error) {
	var countBuf [4]byte
	if _, err := r.ReadAt(countBuf[:], offset); err != nil {
		return nil, kverrors.NewIOError("sst read index count", err)
	}
	count := binary.LittleEndian.Uint32(countBuf[:])

	idx := offset + 4
	entries := make([]sparseEntry, 0, count)
	for i := uint32(0); i < count; i++ {
		var klenBuf [4]byte
		if _, err := r.ReadAt(klenBuf[:], idx); err != nil {
			return nil, kverrors.NewIOError("sst read index keylen", err)
		}
		klen := binary.LittleEndian.Uint32(klenBuf[:])
		idx += 4

		key := make([]byte, klen)
		if klen > 0 {
			if _, err := r.ReadAt(key, idx); err != nil {
				return nil, kverrors.NewIOError("sst read index key", err)
			}
		}
		idx += int64(klen)

		var offBuf [8]byte
		if _, err := r.ReadAt(offBuf[:], idx); err != nil {
			return nil, kverrors.NewIOError("sst read index offset", err)
		}
		blockOffset := binary.LittleEndian.Uint64(offBuf[:])
		idx += 8

		var lenBuf [8]byte
		if _, err := r.ReadAt(lenBuf[:], idx); err != nil {
			return nil, kverrors.NewIOError("sst read index length", err)
		}
		blockLen := binary.LittleEndian.Uint64(lenBuf[:])
		idx += 8

		if int64(blockOffset) < 0 || int64(blockOffset) > limit || int64(blockOffset)+int64(blockLen) > limit {
			return nil, fmt.Errorf("%w: sst key block [%d,%d) outside [0,%d)", kverrors.ErrIndexOutOfBounds, blockOffset, blockOffset+blockLen, limit)
		}

		entries = append(entries, sparseEntry{firstKey: key, offset: blockOffset, length: blockLen})
	}
	return entries, nil
}

func readBloomFilter(r *mmap.ReaderAt, offset int64) (*bloom.Filter, error) {
	var lenBuf [4]byte
	if _, err := r.ReadAt(lenBuf[:], offset); err != nil {
		return nil, kverrors.NewIOError("sst read filter len", err)
	}
	filterLen := binary.LittleEndian.Uint32(lenBuf[:])

	var bitSizeBuf [4]byte
	if _, err := r.ReadAt(bitSizeBuf[:], offset+4); err != nil {
		return nil, kverrors.NewIOError("sst read filter bit size", err)
	}
	bitSize := binary.LittleEndian.Uint32(bitSizeBuf[:])

	raw := make([]byte, filterLen)
	if filterLen > 0 {
		if _, err := r.ReadAt(raw, offset+8); err != nil {
			return nil, kverrors.NewIOError("sst read filter bytes", err)
		}
	}

	return bloom.FromBytes(uint64(bitSize), raw), nil
}

// Contains is a cheap Bloom-filter pre-check the manager uses before
// attempting a full Get.
func (t *Table) Contains(key []byte) bool {
	return t.filter.MayContain(key)
}

// Get looks up key via a sparse-index binary search (greatest anchor ≤
// key) followed by a linear scan of that key block. found=false means the
// key is absent from this table; tombstone=true means it was found as a
// delete marker.
func (t *Table) Get(key []byte) (value []byte, tombstone bool, found bool, err error) {
	i := sort.Search(len(t.index), func(i int) bool {
		return bytes.Compare(t.index[i].firstKey, key) > 0
	})
	if i == 0 {
		return nil, false, false, nil
	}
	target := t.index[i-1]
	return t.search(key, int64(target.offset), int64(target.length))
}

func (t *Table) search(key []byte, targetOffset, blockLen int64) (value []byte, tombstone bool, found bool, err error) {
	idx := targetOffset
	endBound := targetOffset + blockLen

	for idx+LenSize+OffsetSize <= endBound {
		var klenBuf [4]byte
		if _, err := t.r.ReadAt(klenBuf[:], idx); err != nil {
			return nil, false, false, kverrors.NewIOError("sst scan keylen", err)
		}
		keyLen := int64(binary.LittleEndian.Uint32(klenBuf[:]))

		keyStart := idx + LenSize
		foundKey := make([]byte, keyLen)
		if keyLen > 0 {
			if _, err := t.r.ReadAt(foundKey, keyStart); err != nil {
				return nil, false, false, kverrors.NewIOError("sst scan key", err)
			}
		}

		cmp := bytes.Compare(foundKey, key)
		if cmp == 0 {
			var voffBuf [8]byte
			if _, err := t.r.ReadAt(voffBuf[:], keyStart+keyLen); err != nil {
				return nil, false, false, kverrors.NewIOError("sst scan value offset", err)
			}
			valOffset := int64(binary.LittleEndian.Uint64(voffBuf[:]))

			var vlenBuf [4]byte
			if _, err := t.r.ReadAt(vlenBuf[:], valOffset); err != nil {
				return nil, false, false, kverrors.NewIOError("sst scan value len", err)
			}
			valLen := binary.LittleEndian.Uint32(vlenBuf[:])
			if valLen == TombstoneSentinel {
				return nil, true, true, nil
			}

			val := make([]byte, valLen)
			if valLen > 0 {
				if _, err := t.r.ReadAt(val, valOffset+4); err != nil {
					return nil, false, false, kverrors.NewIOError("sst scan value", err)
				}
			}
			return val, false, true, nil
		}

		if cmp > 0 {
			// Sorted key block: no further entry can match.
			break
		}

		idx += LenSize + keyLen + OffsetSize
	}

	return nil, false, false, nil
}

// SSTNo, MaxSeqno, MinSeqno return the footer's bookkeeping fields.
func (t *Table) SSTNo() uint64    { return t.sstno }
func (t *Table) MaxSeqno() uint64 { return t.maxSeqno }
func (t *Table) MinSeqno() uint64 { return t.minSeqno }

// Close unmaps the underlying file.
func (t *Table) Close() error {
	return kverrors.NewIOError("sst close", t.r.Close())
}
