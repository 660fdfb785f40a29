package sstable

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"math"
	"os"

	"github.com/InchanHan/kepler-go/internal/bloom"
	"github.com/InchanHan/kepler-go/internal/kverrors"
)

// recordSource is the minimal shape the flush writer needs from a frozen
// memtable's iterator — satisfied structurally by *memtable.SLIterator
// without this package importing memtable.
type recordSource interface {
	Valid() bool
	Next()
	Key() []byte
	Seqno() uint64
	Value() []byte
	Tombstone() bool
}

// FlushResult carries the fields the manifest needs to record a completed
// flush: type=0 (SST added), sstno, and the seqno range it covers.
type FlushResult struct {
	SSTNo    uint64
	MaxSeqno uint64
	MinSeqno uint64
}

type indexCandidate struct {
	key      []byte
	blockLen uint64
}

// Flush serializes a frozen memtable's records (already in ascending key
// order) into sst-NNNNNN.log in a single pass: the data block is streamed
// directly to the file as each key is visited, the key block accumulates
// in memory until the whole pass completes, and the sparse index/footer
// offsets fall out of running counters (valOffset, keyBlockIdx) rather
// than a second pass over the data.
func Flush(dir string, sstno uint64, src recordSource, keyCount int) (path string, result FlushResult, err error) {
	path = Path(dir, sstno)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return "", FlushResult{}, kverrors.NewIOError("sst create", err)
	}

	bw := bufio.NewWriter(f)
	var keyBlock bytes.Buffer
	filter := bloom.New(keyCount)

	var indexSet []indexCandidate
	var sparseKey []byte
	blockLen := uint64(0)
	valOffset := uint64(0)
	maxSeqno := uint64(0)
	minSeqno := uint64(math.MaxUint64)

	var scratch [8]byte

	for src.Valid() {
		key := src.Key()
		seqno := src.Seqno()
		tombstone := src.Tombstone()
		value := src.Value()

		if seqno > maxSeqno {
			maxSeqno = seqno
		}
		if seqno < minSeqno {
			minSeqno = seqno
		}

		if sparseKey == nil {
			sparseKey = key
		}

		var valLenField uint32
		var payload []byte
		if tombstone {
			valLenField = TombstoneSentinel
		} else {
			valLenField = uint32(len(value))
			payload = value
		}

		binary.LittleEndian.PutUint32(scratch[:4], valLenField)
		if _, err := bw.Write(scratch[:4]); err != nil {
			f.Close()
			return "", FlushResult{}, kverrors.NewIOError("sst write value header", err)
		}
		if len(payload) > 0 {
			if _, err := bw.Write(payload); err != nil {
				f.Close()
				return "", FlushResult{}, kverrors.NewIOError("sst write value", err)
			}
		}

		binary.LittleEndian.PutUint32(scratch[:4], uint32(len(key)))
		keyBlock.Write(scratch[:4])
		keyBlock.Write(key)
		binary.LittleEndian.PutUint64(scratch[:8], valOffset)
		keyBlock.Write(scratch[:8])

		filter.Add(key)

		valOffset += uint64(LenSize) + uint64(len(payload))
		blockLen += uint64(LenSize) + uint64(len(key)) + uint64(OffsetSize)

		if blockLen+uint64(LenSize)+uint64(OffsetSize) >= PageSize {
			if sparseKey != nil {
				indexSet = append(indexSet, indexCandidate{key: sparseKey, blockLen: blockLen})
				blockLen = 0
			}
			sparseKey = nil
		}

		src.Next()
	}

	// The final run of keys written since the last page-boundary crossing
	// never reaches PageSize and so never triggers the capture above; it
	// must still become a sparse-index candidate, or those keys would have
	// no index entry and be unreachable by search() no matter how the
	// binary search resolves.
	if sparseKey != nil && blockLen > 0 {
		indexSet = append(indexSet, indexCandidate{key: sparseKey, blockLen: blockLen})
	}

	// The key block section follows the data block and the full index
	// section (index_count plus one key_len|key|key_block_offset|block_len
	// entry per candidate — two OFFSET_SIZE fields per entry, not one).
	// keyBlockIdx must start at that section's true absolute offset, not
	// at a running count that only ever added one OFFSET_SIZE per entry.
	indexSectionSize := uint64(LenSize)
	for _, cand := range indexSet {
		indexSectionSize += uint64(LenSize) + uint64(len(cand.key)) + 2*uint64(OffsetSize)
	}
	keyBlockIdx := valOffset + indexSectionSize

	binary.LittleEndian.PutUint32(scratch[:4], uint32(len(indexSet)))
	if _, err := bw.Write(scratch[:4]); err != nil {
		f.Close()
		return "", FlushResult{}, kverrors.NewIOError("sst write index count", err)
	}

	for _, cand := range indexSet {
		binary.LittleEndian.PutUint32(scratch[:4], uint32(len(cand.key)))
		bw.Write(scratch[:4])
		bw.Write(cand.key)
		binary.LittleEndian.PutUint64(scratch[:8], keyBlockIdx)
		bw.Write(scratch[:8])
		binary.LittleEndian.PutUint64(scratch[:8], cand.blockLen)
		bw.Write(scratch[:8])

		keyBlockIdx += cand.blockLen
	}

	if _, err := bw.Write(keyBlock.Bytes()); err != nil {
		f.Close()
		return "", FlushResult{}, kverrors.NewIOError("sst write key block", err)
	}

	filterBytes := filter.ToBytes()
	binary.LittleEndian.PutUint32(scratch[:4], uint32(len(filterBytes)))
	bw.Write(scratch[:4])
	binary.LittleEndian.PutUint32(scratch[:4], uint32(filter.BitSize()))
	bw.Write(scratch[:4])
	if _, err := bw.Write(filterBytes); err != nil {
		f.Close()
		return "", FlushResult{}, kverrors.NewIOError("sst write bloom filter", err)
	}

	sparseIdxOffset := valOffset
	bloomOffset := keyBlockIdx

	binary.LittleEndian.PutUint64(scratch[:8], sparseIdxOffset)
	bw.Write(scratch[:8])
	binary.LittleEndian.PutUint64(scratch[:8], bloomOffset)
	bw.Write(scratch[:8])
	binary.LittleEndian.PutUint64(scratch[:8], maxSeqno)
	bw.Write(scratch[:8])
	binary.LittleEndian.PutUint64(scratch[:8], minSeqno)
	bw.Write(scratch[:8])
	binary.LittleEndian.PutUint64(scratch[:8], sstno)
	bw.Write(scratch[:8])
	if _, err := bw.Write(Magic[:]); err != nil {
		f.Close()
		return "", FlushResult{}, kverrors.NewIOError("sst write footer", err)
	}

	if err := bw.Flush(); err != nil {
		f.Close()
		return "", FlushResult{}, kverrors.NewIOError("sst flush", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return "", FlushResult{}, kverrors.NewIOError("sst fsync", err)
	}
	if err := f.Close(); err != nil {
		return "", FlushResult{}, kverrors.NewIOError("sst close", err)
	}

	return path, FlushResult{SSTNo: sstno, MaxSeqno: maxSeqno, MinSeqno: minSeqno}, nil
}
