package scheduler

import (
	"sort"
	"sync"
)

// TaskLocks provides per-task mutual exclusion for feedback handlers.
// Each task ID gets its own mutex, so completion, failure and review signals
// for one task are applied one at a time while different tasks proceed in
// parallel. Entries are dropped once no goroutine holds or waits on them.
type TaskLocks struct {
	mu    sync.Mutex // Guards the locks map itself
	locks map[string]*taskLock
}

type taskLock struct {
	mu   sync.Mutex
	refs int
}

// NewTaskLocks creates an empty lock set.
func NewTaskLocks() *TaskLocks {
	return &TaskLocks{
		locks: make(map[string]*taskLock),
	}
}

// Lock acquires the mutex for taskID, creating it on first use.
func (l *TaskLocks) Lock(taskID string) {
	l.mu.Lock()
	tl, ok := l.locks[taskID]
	if !ok {
		tl = &taskLock{}
		l.locks[taskID] = tl
	}
	tl.refs++
	l.mu.Unlock()

	// Acquire outside the map lock to avoid contention
	tl.mu.Lock()
}

// Unlock releases the mutex for taskID.
func (l *TaskLocks) Unlock(taskID string) {
	l.mu.Lock()
	tl, ok := l.locks[taskID]
	if !ok {
		l.mu.Unlock()
		return
	}
	tl.refs--
	if tl.refs == 0 {
		delete(l.locks, taskID)
	}
	l.mu.Unlock()

	tl.mu.Unlock()
}

// LockAll acquires the locks of every task ID in sorted order so two callers
// locking overlapping sets cannot deadlock.
func (l *TaskLocks) LockAll(taskIDs []string) {
	for _, id := range sortedUnique(taskIDs) {
		l.Lock(id)
	}
}

// UnlockAll releases locks acquired by LockAll in reverse order.
func (l *TaskLocks) UnlockAll(taskIDs []string) {
	ids := sortedUnique(taskIDs)
	for i := len(ids) - 1; i >= 0; i-- {
		l.Unlock(ids[i])
	}
}

// Len returns the number of tracked locks.
func (l *TaskLocks) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.locks)
}

func sortedUnique(ids []string) []string {
	if len(ids) == 0 {
		return nil
	}
	sorted := make([]string, len(ids))
	copy(sorted, ids)
	sort.Strings(sorted)

	out := sorted[:1]
	for _, id := range sorted[1:] {
		if id != out[len(out)-1] {
			out = append(out, id)
		}
	}
	return out
}
