package transaction

import (
	"time"

	"mit.edu/dsg/godb-pagelock/common"
	"mit.edu/dsg/godb-pagelock/storage"
)

// TransactionContext holds the runtime state of a single transaction. Its locks live in the LockManager, which
// indexes them by transaction ID.
type TransactionContext struct {
	id    common.TransactionID
	tm    *TransactionManager
	began time.Time
}

// ID returns the transaction's ID.
func (txn *TransactionContext) ID() common.TransactionID {
	return txn.id
}

// AcquireLock locks pid in the given mode for this transaction. Re-acquiring a page already held in a covering mode
// returns at once. If the lock cannot be acquired immediately, this call may block or fail with a lock timeout.
func (txn *TransactionContext) AcquireLock(pid common.PageID, mode LockMode) error {
	return txn.tm.lockManager.Acquire(txn.id, pid, mode)
}

// ReleaseShared gives up a page this transaction only read. Exclusive holds are kept until the transaction ends.
func (txn *TransactionContext) ReleaseShared(pid common.PageID) {
	txn.tm.lockManager.ReleaseShared(txn.id, pid)
}

// HeldPages returns the pages this transaction holds locks on.
func (txn *TransactionContext) HeldPages() []common.PageID {
	return txn.tm.lockManager.PagesHeldBy(txn.id)
}

// GetPage fetches a pinned page through the buffer pool, locking it as perm requires.
func (txn *TransactionContext) GetPage(pid common.PageID, perm common.Permissions) (*storage.PageFrame, error) {
	return txn.tm.bufferPool.GetPage(txn.id, pid, perm)
}

// UnpinPage returns a page obtained from GetPage, marking it modified by this transaction if dirty is set.
func (txn *TransactionContext) UnpinPage(frame *storage.PageFrame, dirty bool) {
	txn.tm.bufferPool.UnpinPage(txn.id, frame, dirty)
}

// Reset clears the transaction context for reuse.
// This is critical when using sync.Pool to avoid leaking data between users.
func (txn *TransactionContext) Reset(id common.TransactionID) {
	txn.id = id
	txn.began = time.Now()
}
