package transaction

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"github.com/puzpuzpuz/xsync/v3"
	"github.com/sirupsen/logrus"
	"mit.edu/dsg/godb-pagelock/common"
	"mit.edu/dsg/godb-pagelock/storage"
)

// TransactionManager is the central component managing the lifecycle of transactions. It hands out transaction IDs
// and, when a transaction ends, settles its pages in the BufferPool and releases its locks in the LockManager.
type TransactionManager struct {
	// activeTxns maps TransactionIDs to their runtime context
	activeTxns *xsync.MapOf[common.TransactionID, *TransactionContext]

	bufferPool  *storage.BufferPool
	lockManager *LockManager
	logger      logrus.FieldLogger

	// forceOnCommit writes a transaction's pages to disk before Commit returns
	forceOnCommit bool

	nextTxnID atomic.Uint64
	// Pool to recycle transaction contexts
	txnPool sync.Pool
}

// NewTransactionManager initializes the transaction manager.
func NewTransactionManager(bufferPool *storage.BufferPool, lockManager *LockManager, forceOnCommit bool,
	logger logrus.FieldLogger) *TransactionManager {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	tm := &TransactionManager{
		activeTxns:    xsync.NewMapOf[common.TransactionID, *TransactionContext](),
		bufferPool:    bufferPool,
		lockManager:   lockManager,
		logger:        logger,
		forceOnCommit: forceOnCommit,
	}
	tm.txnPool.New = func() any {
		return &TransactionContext{tm: tm}
	}
	return tm
}

// LockManager returns the lock manager transactions lock their pages through.
func (tm *TransactionManager) LockManager() *LockManager {
	return tm.lockManager
}

// Begin starts a new transaction and returns the initialized context.
func (tm *TransactionManager) Begin() *TransactionContext {
	tid := common.TransactionID(tm.nextTxnID.Add(1))

	txn := tm.txnPool.Get().(*TransactionContext)
	txn.Reset(tid)
	tm.activeTxns.Store(tid, txn)

	tm.logger.WithField("txn", tid).Debug("transaction started")
	return txn
}

// Commit completes a transaction. Its changes become visible to other transactions as its locks are released; with
// forceOnCommit they are also on disk when Commit returns. A failed force leaves the changes committed in the cache,
// to be written back later, and is reported as an error.
func (tm *TransactionManager) Commit(txn *TransactionContext) error {
	tid, began := txn.id, txn.began
	err := tm.bufferPool.CommitPages(tid, tm.forceOnCommit)
	tm.finish(txn)
	if err != nil {
		return errors.Wrapf(err, "commit %s", tid.String())
	}

	tm.logger.WithFields(logrus.Fields{"txn": tid, "duration": time.Since(began)}).Debug("transaction committed")
	return nil
}

// Abort stops a transaction and rolls back its changes by discarding the pages it wrote, then releases its locks.
func (tm *TransactionManager) Abort(txn *TransactionContext) {
	tid, began := txn.id, txn.began
	tm.bufferPool.DiscardPages(tid)
	tm.finish(txn)
	tm.logger.WithFields(logrus.Fields{"txn": tid, "duration": time.Since(began)}).Debug("transaction aborted")
}

func (tm *TransactionManager) finish(txn *TransactionContext) {
	tm.lockManager.ReleaseAll(txn.id)
	tm.activeTxns.Delete(txn.id)
	txn.id = common.InvalidTransactionID
	tm.txnPool.Put(txn)
}

// Run executes fn inside a new transaction. The transaction commits if fn returns nil and aborts otherwise; fn's
// error is returned as is, so a lock conflict can be recognized with common.IsLockTimeout and the whole call
// retried.
func (tm *TransactionManager) Run(fn func(txn *TransactionContext) error) error {
	txn := tm.Begin()
	if err := fn(txn); err != nil {
		tm.Abort(txn)
		return err
	}
	return tm.Commit(txn)
}

// ActiveTransactions returns the IDs of running transactions in increasing order.
func (tm *TransactionManager) ActiveTransactions() []common.TransactionID {
	var active []common.TransactionID
	tm.activeTxns.Range(func(tid common.TransactionID, _ *TransactionContext) bool {
		active = append(active, tid)
		return true
	})
	sort.Slice(active, func(i, j int) bool { return active[i] < active[j] })
	return active
}
