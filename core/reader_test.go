package core

import (
	"errors"
	"fmt"
	"testing"
)

func TestReadRangePreservesKeyOrderRegardlessOfCompletionOrder(t *testing.T) {
	db, _, _ := SetupTempDB(t, WithCompactionEnabled(false), WithReadParallelism(4))

	const n = 50
	for i := 0; i < n; i++ {
		if err := db.Put(intKey(i), []byte(fmt.Sprintf("v%d", i))); err != nil {
			t.Fatalf("Put(%d): %v", i, err)
		}
	}

	got, err := db.Range(intKey(0), intKey(n-1))
	if err != nil {
		t.Fatalf("Range: %v", err)
	}
	if len(got) != n {
		t.Fatalf("Range returned %d entries, want %d", len(got), n)
	}
	for i, kv := range got {
		if want := fmt.Sprintf("v%d", i); string(kv.Value) != want {
			t.Fatalf("entry %d = %q, want %q", i, kv.Value, want)
		}
	}
}

func TestReadRangeFailsWholeCallOnMissingSegment(t *testing.T) {
	db, _, _ := SetupTempDB(t, WithCompactionEnabled(false))

	entries := []dirEntry{
		{key: []byte("a"), segmentID: 999, valueOffset: 0, valueSize: 1},
	}
	if _, err := db.readRange(entries); !errors.Is(err, ErrCorruptSegment) {
		t.Fatalf("readRange with an unknown segment = %v, want ErrCorruptSegment", err)
	}
}

func TestReadRangeEmptyInput(t *testing.T) {
	db, _, _ := SetupTempDB(t, WithCompactionEnabled(false))

	got, err := db.readRange(nil)
	if err != nil {
		t.Fatalf("readRange(nil): %v", err)
	}
	if got != nil {
		t.Fatalf("readRange(nil) = %v, want nil", got)
	}
}
