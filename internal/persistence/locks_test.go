package persistence

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// TestKeyedLocker_BasicLockUnlock verifies basic lock/unlock operations.
func TestKeyedLocker_BasicLockUnlock(t *testing.T) {
	locker := NewKeyedLocker()

	locker.Lock("job-1")
	locker.Unlock("job-1")

	// Should be able to lock again after unlock
	locker.Lock("job-1")
	locker.Unlock("job-1")

	if n := locker.Len(); n != 0 {
		t.Errorf("expected no keys after unlock, got %d", n)
	}

	// Unlocking an unknown key is a no-op
	locker.Unlock("never-locked")
}

// TestKeyedLocker_SameKeyBlocks verifies that locking the same key blocks concurrent access.
func TestKeyedLocker_SameKeyBlocks(t *testing.T) {
	locker := NewKeyedLocker()
	orderChan := make(chan int, 2)

	locker.Lock("job-1")

	go func() {
		locker.Lock("job-1")
		orderChan <- 2
		locker.Unlock("job-1")
	}()

	// Give the goroutine time to block on the lock
	time.Sleep(20 * time.Millisecond)
	orderChan <- 1
	locker.Unlock("job-1")

	first := <-orderChan
	second := <-orderChan
	if first != 1 || second != 2 {
		t.Errorf("Expected order [1, 2], got [%d, %d]", first, second)
	}
}

// TestKeyedLocker_DifferentKeysConcurrent verifies that different keys don't block each other.
func TestKeyedLocker_DifferentKeysConcurrent(t *testing.T) {
	locker := NewKeyedLocker()
	var wg sync.WaitGroup
	var both atomic.Int32
	release := make(chan struct{})

	for _, key := range []string{"job-a", "job-b"} {
		wg.Add(1)
		go func(key string) {
			defer wg.Done()
			locker.Lock(key)
			both.Add(1)
			<-release
			locker.Unlock(key)
		}(key)
	}

	deadline := time.After(time.Second)
	for both.Load() != 2 {
		select {
		case <-deadline:
			t.Fatal("different keys blocked each other")
		default:
			time.Sleep(time.Millisecond)
		}
	}
	if n := locker.Len(); n != 2 {
		t.Errorf("expected 2 held keys, got %d", n)
	}

	close(release)
	wg.Wait()
	if n := locker.Len(); n != 0 {
		t.Errorf("expected keys to be released, got %d", n)
	}
}

// TestKeyedLocker_ContendedCounter verifies mutual exclusion under contention.
func TestKeyedLocker_ContendedCounter(t *testing.T) {
	locker := NewKeyedLocker()
	var wg sync.WaitGroup
	counter := 0

	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				locker.Lock("shared")
				counter++
				locker.Unlock("shared")
			}
		}()
	}
	wg.Wait()

	if counter != 5000 {
		t.Errorf("expected 5000 increments, got %d", counter)
	}
	if n := locker.Len(); n != 0 {
		t.Errorf("expected no keys left, got %d", n)
	}
}
