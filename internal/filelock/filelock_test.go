package filelock

import (
	"errors"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"testing"
)

func TestForAppendsSuffix(t *testing.T) {
	lock := For("/tmp/progress.db")
	if lock.Path() != "/tmp/progress.db.lock" {
		t.Errorf("Expected lock path /tmp/progress.db.lock, got %s", lock.Path())
	}
}

func TestLockUnlock(t *testing.T) {
	lock := New(filepath.Join(t.TempDir(), "nested", "test.lock"))

	if err := lock.Lock(); err != nil {
		t.Fatalf("Failed to acquire lock: %v", err)
	}
	if !lock.Locked() {
		t.Error("Expected lock to be held")
	}
	if err := lock.Unlock(); err != nil {
		t.Fatalf("Failed to release lock: %v", err)
	}
	if lock.Locked() {
		t.Error("Expected lock to be released")
	}
}

func TestTryLockHeldElsewhere(t *testing.T) {
	target := filepath.Join(t.TempDir(), "progress.db")

	first := For(target)
	if err := first.TryLock(); err != nil {
		t.Fatalf("First TryLock failed: %v", err)
	}
	defer first.Unlock()

	second := For(target)
	err := second.TryLock()
	if !errors.Is(err, ErrLocked) {
		t.Fatalf("Expected ErrLocked, got %v", err)
	}

	if err := first.Unlock(); err != nil {
		t.Fatalf("Unlock failed: %v", err)
	}
	if err := second.TryLock(); err != nil {
		t.Fatalf("TryLock after release failed: %v", err)
	}
	second.Unlock()
}

func TestAtomicWrite(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "out", "export.json")

	if err := AtomicWrite(path, []byte("first")); err != nil {
		t.Fatalf("AtomicWrite failed: %v", err)
	}
	if err := AtomicWrite(path, []byte("second")); err != nil {
		t.Fatalf("AtomicWrite overwrite failed: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile failed: %v", err)
	}
	if string(data) != "second" {
		t.Errorf("Expected content 'second', got %q", data)
	}

	entries, err := os.ReadDir(filepath.Dir(path))
	if err != nil {
		t.Fatalf("ReadDir failed: %v", err)
	}
	if len(entries) != 1 {
		t.Errorf("Expected only the target file, found %d entries", len(entries))
	}
}

func TestLockAndWriteConcurrent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "counter.txt")
	if err := AtomicWrite(path, []byte("0")); err != nil {
		t.Fatal(err)
	}

	const goroutines = 5
	const iterations = 10

	var wg sync.WaitGroup
	for i := 0; i < goroutines; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < iterations; j++ {
				lock := New(path + ".counter")
				if err := lock.Lock(); err != nil {
					t.Errorf("Failed to acquire lock: %v", err)
					return
				}
				data, err := os.ReadFile(path)
				if err != nil {
					t.Errorf("Failed to read counter: %v", err)
					lock.Unlock()
					return
				}
				n, _ := strconv.Atoi(string(data))
				if err := LockAndWrite(path, []byte(strconv.Itoa(n+1))); err != nil {
					t.Errorf("LockAndWrite failed: %v", err)
				}
				lock.Unlock()
			}
		}()
	}
	wg.Wait()

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != strconv.Itoa(goroutines*iterations) {
		t.Errorf("Expected counter %d, got %s", goroutines*iterations, data)
	}
}
