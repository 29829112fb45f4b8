package core

import (
	"errors"
	"os"
	"testing"
)

func TestAcquireDirLockExclusive(t *testing.T) {
	dir, err := os.MkdirTemp("", "rangecask_lock_test_*")
	if err != nil {
		t.Fatalf("MkdirTemp: %v", err)
	}
	t.Cleanup(func() { _ = os.RemoveAll(dir) })

	lock1, err := acquireDirLock(dir)
	if err != nil {
		t.Fatalf("first acquireDirLock: %v", err)
	}

	if _, err := acquireDirLock(dir); !errors.Is(err, ErrLocked) {
		t.Fatalf("second acquireDirLock = %v, want ErrLocked", err)
	}

	if err := lock1.release(); err != nil {
		t.Fatalf("release: %v", err)
	}

	lock2, err := acquireDirLock(dir)
	if err != nil {
		t.Fatalf("acquireDirLock after release: %v", err)
	}
	_ = lock2.release()
}
