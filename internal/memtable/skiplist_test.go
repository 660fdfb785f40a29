package memtable

import "testing"

func TestSkipListPutGet(t *testing.T) {
	sl := NewSkipList()

	testData := map[string]string{
		"key3": "value3",
		"key1": "value1",
		"key2": "value2",
		"key5": "value5",
		"key4": "value4",
	}

	var seqno uint64
	for k, v := range testData {
		sl.Put([]byte(k), seqno, []byte(v), false)
		seqno++
	}

	for k, expectedV := range testData {
		val, tombstone, found := sl.Get([]byte(k))
		if !found {
			t.Errorf("key %s not found", k)
			continue
		}
		if tombstone {
			t.Errorf("key %s unexpectedly a tombstone", k)
		}
		if string(val) != expectedV {
			t.Errorf("key %s: expected %s, got %s", k, expectedV, val)
		}
	}

	if _, _, found := sl.Get([]byte("nonexistent")); found {
		t.Error("non-existent key should not be found")
	}
}

func TestSkipListUpdate(t *testing.T) {
	sl := NewSkipList()

	sl.Put([]byte("key1"), 0, []byte("value1"), false)
	sl.Put([]byte("key1"), 1, []byte("value1_updated"), false)

	val, tombstone, found := sl.Get([]byte("key1"))
	if !found {
		t.Fatal("key should exist after update")
	}
	if tombstone {
		t.Fatal("key should not be a tombstone")
	}
	if string(val) != "value1_updated" {
		t.Errorf("expected value1_updated, got %s", val)
	}
}

func TestSkipListTombstoneDoesNotShowAsValue(t *testing.T) {
	sl := NewSkipList()
	sl.Put([]byte("key1"), 0, []byte("value1"), false)
	sl.Put([]byte("key1"), 1, nil, true)

	_, tombstone, found := sl.Get([]byte("key1"))
	if !found {
		t.Fatal("tombstoned key should still be found")
	}
	if !tombstone {
		t.Fatal("expected tombstone")
	}
}
