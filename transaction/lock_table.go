package transaction

import (
	"sync"
	"sync/atomic"

	"github.com/puzpuzpuz/xsync/v3"
	"mit.edu/dsg/godb-pagelock/common"
)

// lockTable maps pages to their lock records. Records are created on first use and dropped as soon as nobody holds
// or waits for the page, so the table only ever contains pages that are in use. The map itself is never locked
// while a goroutine waits for a page.
type lockTable struct {
	locks *xsync.MapOf[common.PageID, *pageLock]
	pool  sync.Pool
	live  atomic.Int64
}

func newLockTable() *lockTable {
	return &lockTable{
		locks: xsync.NewMapOf[common.PageID, *pageLock](),
		pool: sync.Pool{
			New: func() any {
				return &pageLock{
					holders:   make(map[common.TransactionID]LockMode, 4),
					upgraders: make([]*lockRequest, 0, 4),
					waiters:   make([]*lockRequest, 0, 16),
				}
			},
		},
	}
}

// lockRecord returns the record for pid with its mutex held, creating it if needed. Exactly one record is installed
// per page: a goroutine that loses the creation race returns its record to the pool and uses the winner's.
func (t *lockTable) lockRecord(pid common.PageID) *pageLock {
	for {
		lock, ok := t.locks.Load(pid)
		if !ok {
			newLock := t.pool.Get().(*pageLock)
			newLock.mutex.Lock()
			newLock.initialize(pid)
			actualLock, loaded := t.locks.LoadOrStore(pid, newLock)
			if loaded {
				newLock.invalidate()
				newLock.mutex.Unlock()
				t.pool.Put(newLock)
				lock = actualLock
				lock.mutex.Lock()
			} else {
				t.live.Add(1)
				lock = newLock
			}
		} else {
			lock.mutex.Lock()
		}

		// Stale check: the record may have been evicted between Load and Lock
		if lock.tag != pid {
			lock.mutex.Unlock()
			continue
		}
		return lock
	}
}

// lookup returns the live record for pid with its mutex held, or nil if the page has no record.
func (t *lockTable) lookup(pid common.PageID) *pageLock {
	lock, ok := t.locks.Load(pid)
	if !ok {
		return nil
	}
	lock.mutex.Lock()
	if lock.tag != pid {
		// Evicted after Load, so nobody holds or waits for the page
		lock.mutex.Unlock()
		return nil
	}
	return lock
}

// evictIfUnused drops the record from the table when it carries no state. The caller holds lock.mutex and must
// release it afterwards; the record must not be used again.
func (t *lockTable) evictIfUnused(lock *pageLock) bool {
	if !lock.outOfScope() {
		return false
	}
	tag := lock.tag
	lock.invalidate()
	t.locks.Delete(tag)
	t.pool.Put(lock)
	t.live.Add(-1)
	return true
}

// size returns the number of live lock records.
func (t *lockTable) size() int64 {
	return t.live.Load()
}
