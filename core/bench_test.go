package core

import (
	"fmt"
	"testing"
)

func BenchmarkGet(b *testing.B) {
	db, _, _ := SetupTempDB(b, WithCompactionEnabled(false))

	for i := 0; i < 10000; i++ {
		_ = db.Put(intKey(i), []byte("v"))
	}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := db.Get(intKey(50)); err != nil {
			b.Fatalf("Get: %v", err)
		}
	}
}

func BenchmarkPut(b *testing.B) {
	db, _, _ := SetupTempDB(b, WithCompactionEnabled(false))

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if err := db.Put(intKey(i%10000), []byte("value")); err != nil {
			b.Fatalf("Put: %v", err)
		}
	}
}

func BenchmarkPutFsyncEveryWrite(b *testing.B) {
	db, _, _ := SetupTempDB(b, WithCompactionEnabled(false), WithFsyncPolicy(FsyncEveryWrite))

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if err := db.Put(intKey(i%10000), []byte("value")); err != nil {
			b.Fatalf("Put: %v", err)
		}
	}
}

func BenchmarkRange(b *testing.B) {
	db, _, _ := SetupTempDB(b, WithCompactionEnabled(false))

	const n = 10000
	for i := 0; i < n; i++ {
		_ = db.Put(intKey(i), []byte(fmt.Sprintf("v%d", i)))
	}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := db.Range(intKey(0), intKey(999)); err != nil {
			b.Fatalf("Range: %v", err)
		}
	}
}
