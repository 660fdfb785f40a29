package sstable

import (
	"fmt"
	"testing"

	"github.com/InchanHan/kepler-go/internal/memtable"
)

func buildTable(t *testing.T, dir string, sstno uint64, rows map[string]struct {
	seqno     uint64
	value     []byte
	tombstone bool
}) *Table {
	t.Helper()

	mt := memtable.New()
	for k, v := range rows {
		mt.Put(v.seqno, []byte(k), v.value, v.tombstone)
	}

	path, _, err := Flush(dir, sstno, mt.NewIterator(), len(rows))
	if err != nil {
		t.Fatalf("Flush: %v", err)
	}

	tbl, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { tbl.Close() })
	return tbl
}

func TestFlushAndGetRoundTrip(t *testing.T) {
	dir := t.TempDir()
	rows := map[string]struct {
		seqno     uint64
		value     []byte
		tombstone bool
	}{
		"alpha": {seqno: 1, value: []byte("one")},
		"bravo": {seqno: 2, value: []byte("two")},
		"delta": {seqno: 3, value: []byte("")},
	}
	tbl := buildTable(t, dir, 1, rows)

	for k, v := range rows {
		val, tombstone, found, err := tbl.Get([]byte(k))
		if err != nil {
			t.Fatalf("Get(%q): %v", k, err)
		}
		if !found {
			t.Fatalf("Get(%q): not found", k)
		}
		if tombstone {
			t.Fatalf("Get(%q): unexpected tombstone", k)
		}
		if string(val) != string(v.value) {
			t.Fatalf("Get(%q) = %q, want %q", k, val, v.value)
		}
	}

	if _, _, found, _ := tbl.Get([]byte("nonexistent")); found {
		t.Fatal("Get(nonexistent): expected not found")
	}
}

func TestFlushPreservesTombstone(t *testing.T) {
	dir := t.TempDir()
	rows := map[string]struct {
		seqno     uint64
		value     []byte
		tombstone bool
	}{
		"gone": {seqno: 5, tombstone: true},
	}
	tbl := buildTable(t, dir, 1, rows)

	val, tombstone, found, err := tbl.Get([]byte("gone"))
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !found {
		t.Fatal("Get(gone): expected found (tombstone is an authoritative answer)")
	}
	if !tombstone {
		t.Fatalf("Get(gone): expected tombstone, got value %q", val)
	}
}

func TestFlushDistinguishesEmptyValueFromTombstone(t *testing.T) {
	dir := t.TempDir()
	rows := map[string]struct {
		seqno     uint64
		value     []byte
		tombstone bool
	}{
		"empty": {seqno: 1, value: []byte{}},
		"dead":  {seqno: 2, tombstone: true},
	}
	tbl := buildTable(t, dir, 1, rows)

	val, tombstone, found, err := tbl.Get([]byte("empty"))
	if err != nil || !found {
		t.Fatalf("Get(empty): found=%v err=%v", found, err)
	}
	if tombstone {
		t.Fatal("Get(empty): empty value misread as tombstone")
	}
	if len(val) != 0 {
		t.Fatalf("Get(empty): value = %q, want empty", val)
	}

	_, tombstone, found, err = tbl.Get([]byte("dead"))
	if err != nil || !found || !tombstone {
		t.Fatalf("Get(dead): found=%v tombstone=%v err=%v", found, tombstone, err)
	}
}

func TestFlushManyKeysCrossesPageBoundary(t *testing.T) {
	dir := t.TempDir()
	rows := make(map[string]struct {
		seqno     uint64
		value     []byte
		tombstone bool
	})
	for i := 0; i < 2000; i++ {
		k := fmt.Sprintf("key-%05d", i)
		rows[k] = struct {
			seqno     uint64
			value     []byte
			tombstone bool
		}{seqno: uint64(i + 1), value: []byte(fmt.Sprintf("value-%05d", i))}
	}
	tbl := buildTable(t, dir, 1, rows)

	for i := 0; i < 2000; i += 137 {
		k := fmt.Sprintf("key-%05d", i)
		want := fmt.Sprintf("value-%05d", i)
		val, tombstone, found, err := tbl.Get([]byte(k))
		if err != nil || !found || tombstone {
			t.Fatalf("Get(%q): found=%v tombstone=%v err=%v", k, found, tombstone, err)
		}
		if string(val) != want {
			t.Fatalf("Get(%q) = %q, want %q", k, val, want)
		}
	}
}

func TestManagerRecoverIgnoresUncommittedSST(t *testing.T) {
	dir := t.TempDir()

	mt := memtable.New()
	mt.Put(1, []byte("a"), []byte("1"), false)
	if _, _, err := Flush(dir, 1, mt.NewIterator(), 1); err != nil {
		t.Fatalf("Flush sst 1: %v", err)
	}

	mt2 := memtable.New()
	mt2.Put(2, []byte("b"), []byte("2"), false)
	if _, _, err := Flush(dir, 2, mt2.NewIterator(), 1); err != nil {
		t.Fatalf("Flush sst 2: %v", err)
	}

	live := map[uint64]struct{}{1: {}}
	mgr, err := Recover(dir, live, 3)
	if err != nil {
		t.Fatalf("Recover: %v", err)
	}
	if mgr.Len() != 1 {
		t.Fatalf("Len() = %d, want 1 (sst 2 should be ignored as uncommitted)", mgr.Len())
	}

	val, _, found, err := mgr.Get([]byte("a"))
	if err != nil || !found || string(val) != "1" {
		t.Fatalf("Get(a) = %q found=%v err=%v", val, found, err)
	}
	if _, _, found, _ := mgr.Get([]byte("b")); found {
		t.Fatal("Get(b): key from uncommitted SST should not be visible")
	}
}

func TestManagerGetNewestFirst(t *testing.T) {
	dir := t.TempDir()

	mt1 := memtable.New()
	mt1.Put(1, []byte("k"), []byte("old"), false)
	_, _, err := Flush(dir, 1, mt1.NewIterator(), 1)
	if err != nil {
		t.Fatalf("Flush sst 1: %v", err)
	}
	t1, err := Open(Path(dir, 1))
	if err != nil {
		t.Fatalf("Open sst 1: %v", err)
	}

	mt2 := memtable.New()
	mt2.Put(2, []byte("k"), []byte("new"), false)
	_, _, err = Flush(dir, 2, mt2.NewIterator(), 1)
	if err != nil {
		t.Fatalf("Flush sst 2: %v", err)
	}
	t2, err := Open(Path(dir, 2))
	if err != nil {
		t.Fatalf("Open sst 2: %v", err)
	}

	mgr := NewManager([]*Table{t1, t2}, 3)
	val, _, found, err := mgr.Get([]byte("k"))
	if err != nil || !found {
		t.Fatalf("Get(k): found=%v err=%v", found, err)
	}
	if string(val) != "new" {
		t.Fatalf("Get(k) = %q, want %q (newest SST should win)", val, "new")
	}
}
