package scheduler

import (
	"sync"
	"testing"
	"time"
)

// TestTaskLocks_BasicLockUnlock verifies basic lock/unlock operations.
func TestTaskLocks_BasicLockUnlock(t *testing.T) {
	locks := NewTaskLocks()

	locks.Lock("task-1")
	locks.Unlock("task-1")

	// Should be able to lock again after unlock
	locks.Lock("task-1")
	locks.Unlock("task-1")

	if n := locks.Len(); n != 0 {
		t.Errorf("expected released locks to be dropped, %d remain", n)
	}
}

// TestTaskLocks_SameTaskBlocks verifies that signals for one task are serialized.
func TestTaskLocks_SameTaskBlocks(t *testing.T) {
	locks := NewTaskLocks()
	orderChan := make(chan int, 2)
	acquired := make(chan struct{})

	go func() {
		locks.Lock("task-1")
		close(acquired)
		orderChan <- 1
		time.Sleep(50 * time.Millisecond)
		locks.Unlock("task-1")
	}()

	<-acquired

	go func() {
		locks.Lock("task-1")
		orderChan <- 2
		locks.Unlock("task-1")
	}()

	first := <-orderChan
	second := <-orderChan
	if first != 1 || second != 2 {
		t.Errorf("Expected order [1, 2], got [%d, %d]", first, second)
	}
}

// TestTaskLocks_DifferentTasksConcurrent verifies that different tasks don't block each other.
func TestTaskLocks_DifferentTasksConcurrent(t *testing.T) {
	locks := NewTaskLocks()
	locks.Lock("task-a")
	defer locks.Unlock("task-a")

	done := make(chan struct{})
	go func() {
		locks.Lock("task-b")
		locks.Unlock("task-b")
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("locking a different task blocked")
	}
}

// TestTaskLocks_LockAllOrdering verifies that LockAll sorts and prevents deadlocks.
func TestTaskLocks_LockAllOrdering(t *testing.T) {
	locks := NewTaskLocks()
	var wg sync.WaitGroup

	for _, ids := range [][]string{{"b", "a", "b"}, {"a", "b"}} {
		wg.Add(1)
		go func(ids []string) {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				locks.LockAll(ids)
				locks.UnlockAll(ids)
			}
		}(ids)
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("LockAll deadlocked")
	}

	if n := locks.Len(); n != 0 {
		t.Errorf("expected all locks dropped, %d remain", n)
	}
}

// TestTaskLocks_UnlockUnknown verifies unlocking an unknown key is a no-op.
func TestTaskLocks_UnlockUnknown(t *testing.T) {
	locks := NewTaskLocks()
	locks.Unlock("never-locked")
}
