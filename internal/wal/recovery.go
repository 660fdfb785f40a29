package wal

import (
	"bufio"
	"encoding/binary"
	"errors"
	"io"
	"log"
	"os"
	"regexp"
	"sort"
	"strconv"

	"github.com/InchanHan/kepler-go/internal/kverrors"
	"github.com/InchanHan/kepler-go/internal/memtable"
)

var segmentNamePattern = regexp.MustCompile(`^wal-(\d{6})\.log$`)

// listSegmentIDs returns every wal-NNNNNN.log id present in dir, sorted
// ascending. Replay must process segments (and records within each
// segment) in ascending order: replaying newest-to-oldest would let older
// writes shadow newer ones for the same key.
func listSegmentIDs(dir string) ([]uint64, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, kverrors.NewIOError("wal readdir", err)
	}
	var ids []uint64
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		m := segmentNamePattern.FindStringSubmatch(e.Name())
		if m == nil {
			continue
		}
		id, err := strconv.ParseUint(m[1], 10, 64)
		if err != nil {
			continue
		}
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}

// Open ensures dir exists, replays every WAL segment found there in
// ascending order into a fresh memtable, and opens a writer for the next
// segment following the latest one found (or segment 1 if none exist).
//
// nextSeqno is the replay boundary derived from the manifest: records with
// seqno < nextSeqno are already durably covered by a persisted SST and are
// skipped (seeked past) rather than replayed.
func Open(dir string, nextSeqno uint64) (w *Writer, mt *memtable.Memtable, newNextSeqno uint64, err error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, nil, 0, kverrors.NewIOError("wal mkdir", err)
	}

	ids, err := listSegmentIDs(dir)
	if err != nil {
		return nil, nil, 0, err
	}

	mt = memtable.New()
	// maxSeqno tracks the highest seqno actually replayed; sawAny guards
	// against bumping newNextSeqno when nothing past the manifest's
	// boundary was found (an empty or fully-covered WAL must leave
	// nextSeqno unchanged, not advance it).
	var maxSeqno uint64
	var sawAny bool
	recovered, skipped := 0, 0

	for _, id := range ids {
		n, err := replaySegment(SegmentPath(dir, id), nextSeqno, mt, &maxSeqno, &sawAny)
		if err != nil {
			return nil, nil, 0, err
		}
		recovered += n.recovered
		skipped += n.skipped
	}

	if recovered > 0 || skipped > 0 {
		log.Printf("wal recovery: %d records recovered, %d skipped", recovered, skipped)
	}

	latestID := uint64(0)
	if len(ids) > 0 {
		latestID = ids[len(ids)-1]
	}

	writer, err := OpenWriter(dir, latestID+1)
	if err != nil {
		return nil, nil, 0, err
	}

	newNextSeqno = nextSeqno
	if sawAny && maxSeqno+1 > newNextSeqno {
		newNextSeqno = maxSeqno + 1
	}

	return writer, mt, newNextSeqno, nil
}

type replayCounts struct{ recovered, skipped int }

// replaySegment reads one segment start to end, applying records whose
// seqno is at or past nextSeqno and seeking past the rest. A record header
// or body truncated by a mid-write crash is treated as benign end-of-log.
func replaySegment(path string, nextSeqno uint64, mt *memtable.Memtable, maxSeqno *uint64, sawAny *bool) (replayCounts, error) {
	f, err := os.Open(path)
	if err != nil {
		return replayCounts{}, kverrors.NewIOError("wal open segment", err)
	}
	defer f.Close()

	r := bufio.NewReaderSize(f, 64<<10)
	var counts replayCounts

	for {
		var header [HeaderSize]byte
		if _, err := io.ReadFull(r, header[:]); err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				break
			}
			return counts, kverrors.NewIOError("wal read header", err)
		}

		seqno := binary.LittleEndian.Uint64(header[0:8])
		t := header[8]
		keyLen := binary.LittleEndian.Uint32(header[9:13])
		valLen := binary.LittleEndian.Uint32(header[13:17])

		if seqno >= nextSeqno {
			key := make([]byte, keyLen)
			if _, err := io.ReadFull(r, key); err != nil {
				if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
					break
				}
				return counts, kverrors.NewIOError("wal read key", err)
			}

			tombstone := t == typeDelete
			var value []byte
			if !tombstone {
				value = make([]byte, valLen)
				if _, err := io.ReadFull(r, value); err != nil {
					if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
						break
					}
					return counts, kverrors.NewIOError("wal read value", err)
				}
			}

			mt.Put(seqno, key, value, tombstone)
			if !*sawAny || seqno > *maxSeqno {
				*maxSeqno = seqno
			}
			*sawAny = true
			counts.recovered++
		} else {
			if _, err := r.Discard(int(keyLen) + int(valLen)); err != nil {
				if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
					break
				}
				return counts, kverrors.NewIOError("wal discard", err)
			}
			counts.skipped++
		}
	}

	return counts, nil
}
