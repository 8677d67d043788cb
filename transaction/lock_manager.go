package transaction

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"mit.edu/dsg/godb-pagelock/common"
)

const DefaultLockTimeout = 2 * time.Second

// LockManagerOptions configures a LockManager.
type LockManagerOptions struct {
	// Timeout bounds how long a blocked Acquire waits before failing with LockTimeoutError.
	Timeout time.Duration
	// DeadlockDetection makes a request that would close a waits-for cycle fail at once instead of sitting out
	// the timeout.
	DeadlockDetection bool
	// Logger receives lock waits, timeouts and deadlocks. Defaults to the logrus standard logger.
	Logger logrus.FieldLogger
	// Registerer, if set, receives the lock manager's metrics.
	Registerer prometheus.Registerer
}

// DefaultLockManagerOptions returns default options.
func DefaultLockManagerOptions() LockManagerOptions {
	return LockManagerOptions{
		Timeout:           DefaultLockTimeout,
		DeadlockDetection: true,
	}
}

// LockManager manages the granting, releasing, and waiting of page locks. Each page has its own record and mutex, so
// requests for different pages never contend; the only shared structures are the lock table map, the per-transaction
// index and, on the blocking path, the waits-for graph.
//
// All methods are safe for concurrent use. A single transaction must not call Acquire from two goroutines at once.
type LockManager struct {
	table   *lockTable
	index   *lockIndex
	graph   *waitsForGraph
	metrics *lockMetrics
	logger  logrus.FieldLogger
	timeout time.Duration
}

// NewLockManager initializes a new LockManager.
func NewLockManager(opts LockManagerOptions) *LockManager {
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultLockTimeout
	}
	if opts.Logger == nil {
		opts.Logger = logrus.StandardLogger()
	}
	table := newLockTable()
	lm := &LockManager{
		table:   table,
		index:   newLockIndex(),
		metrics: newLockMetrics(opts.Registerer, table),
		logger:  opts.Logger,
		timeout: opts.Timeout,
	}
	if opts.DeadlockDetection {
		lm.graph = newWaitsForGraph()
	}
	return lm
}

// Timeout returns the bound on a blocked Acquire.
func (lm *LockManager) Timeout() time.Duration {
	return lm.timeout
}

// Acquire obtains a lock on pid in the requested mode for tid. It returns immediately if tid already holds the page
// in that mode or a stronger one, and upgrades a shared hold in place when tid is its only holder. Otherwise the
// calling goroutine blocks until the request is granted.
//
// It returns a GoDBError with code LockTimeoutError if the request is not granted within the timeout, or if waiting
// would deadlock. The request is withdrawn in that case and locks tid already held are kept; the caller is expected
// to abort the transaction and call ReleaseAll.
func (lm *LockManager) Acquire(tid common.TransactionID, pid common.PageID, mode LockMode) error {
	common.Assert(tid != common.InvalidTransactionID, "acquiring a lock with an invalid transaction id")
	common.Assert(!pid.IsNil(), "acquiring a lock on a nil page")
	common.Assert(mode.valid(), "invalid lock mode %d", int(mode))

	lock := lm.table.lockRecord(pid)
	req, granted := lock.request(tid, mode)
	if granted {
		if req != nil {
			lm.index.recordHeld(tid, pid, req.mode)
		}
		lock.mutex.Unlock()
		lm.metrics.acquired(mode, outcomeImmediate)
		return nil
	}

	fields := logrus.Fields{"txn": tid, "page": pid, "mode": mode}
	if lm.graph != nil && lm.graph.wait(tid, lock.blockers(req)) {
		lock.cancel(req)
		lm.settle(lock)
		lm.table.evictIfUnused(lock)
		lock.mutex.Unlock()
		lm.metrics.acquired(mode, outcomeDeadlock)
		lm.logger.WithFields(fields).Warn("page lock request would deadlock")
		return common.NewError(common.LockTimeoutError,
			"deadlock: %s waiting for %s on %s would close a waits-for cycle", tid.String(), mode, pid.String())
	}
	lock.mutex.Unlock()
	lm.logger.WithFields(fields).Debug("waiting for page lock")

	timer := time.NewTimer(lm.timeout)
	defer timer.Stop()

	select {
	case <-req.ready:
		lm.waited(req, mode, outcomeWaited)
		return nil
	case <-timer.C:
	}

	// The record cannot have been evicted while req was queued
	lock.mutex.Lock()
	if req.granted {
		// Granted between the timer firing and re-locking
		lock.mutex.Unlock()
		lm.waited(req, mode, outcomeWaited)
		return nil
	}
	lock.cancel(req)
	if lm.graph != nil {
		lm.graph.done(tid)
	}
	lm.settle(lock)
	lm.table.evictIfUnused(lock)
	lock.mutex.Unlock()

	lm.waited(req, mode, outcomeTimeout)
	lm.logger.WithFields(fields).WithField("waited", lm.timeout).Warn("page lock request timed out")
	return common.NewError(common.LockTimeoutError,
		"%s timed out after %s waiting for %s on %s", tid.String(), lm.timeout, mode, pid.String())
}

func (lm *LockManager) waited(req *lockRequest, mode LockMode, outcome string) {
	lm.metrics.waitSeconds.Observe(time.Since(req.queuedAt).Seconds())
	lm.metrics.acquired(mode, outcome)
}

// settle grants whatever the last change to the record made grantable, records the grants in the index, wakes the
// grantees and refreshes the waits-for edges of everyone still queued. Caller holds lock.mutex.
func (lm *LockManager) settle(lock *pageLock) {
	for _, r := range lock.promote() {
		lm.index.recordHeld(r.txnID, lock.tag, r.mode)
		if lm.graph != nil {
			lm.graph.done(r.txnID)
		}
		close(r.ready)
	}
	if lm.graph != nil {
		for _, r := range lock.pending() {
			lm.graph.update(r.txnID, lock.blockers(r))
		}
	}
}

// Release drops tid's lock on pid, whichever mode it was held in, and grants waiting requests that have become
// compatible. Releasing a page that tid does not hold is a no-op.
func (lm *LockManager) Release(tid common.TransactionID, pid common.PageID) {
	lm.release(tid, pid, false)
}

// ReleaseShared drops tid's lock on pid only if it is held in shared mode. Scans use it to give up a page they
// merely read; an exclusive hold is kept until the transaction ends.
func (lm *LockManager) ReleaseShared(tid common.TransactionID, pid common.PageID) {
	lm.release(tid, pid, true)
}

func (lm *LockManager) release(tid common.TransactionID, pid common.PageID, sharedOnly bool) {
	lock := lm.table.lookup(pid)
	if lock == nil {
		return
	}
	defer lock.mutex.Unlock()

	if held, ok := lock.holders[tid]; !ok || (sharedOnly && held != LockShared) {
		return
	}
	lock.unlock(tid)
	lm.index.forget(tid, pid)
	lm.metrics.releases.Inc()
	lm.settle(lock)
	lm.table.evictIfUnused(lock)
}

// ReleaseAll releases every lock tid holds. It is called when a transaction commits or aborts and is safe to call
// any number of times. Afterwards tid holds nothing.
func (lm *LockManager) ReleaseAll(tid common.TransactionID) {
	for _, held := range lm.index.pages(tid) {
		lm.Release(tid, held.pid)
	}
	lm.index.drop(tid)
}

// Holds returns the mode in which tid holds pid, if it holds it at all.
func (lm *LockManager) Holds(tid common.TransactionID, pid common.PageID) (LockMode, bool) {
	lock := lm.table.lookup(pid)
	if lock == nil {
		return 0, false
	}
	defer lock.mutex.Unlock()
	mode, ok := lock.holders[tid]
	return mode, ok
}

// PagesHeldBy returns the pages tid currently holds, ordered by PageID.
func (lm *LockManager) PagesHeldBy(tid common.TransactionID) []common.PageID {
	held := lm.index.pages(tid)
	out := make([]common.PageID, len(held))
	for i, h := range held {
		out[i] = h.pid
	}
	return out
}

// ExclusivePagesHeldBy returns the pages tid holds in exclusive mode, ordered by PageID. These are the only pages
// tid can have modified.
func (lm *LockManager) ExclusivePagesHeldBy(tid common.TransactionID) []common.PageID {
	var out []common.PageID
	for _, h := range lm.index.pages(tid) {
		if h.mode == LockExclusive {
			out = append(out, h.pid)
		}
	}
	return out
}

// LockHeld checks if any transaction currently holds a lock on the given page.
func (lm *LockManager) LockHeld(pid common.PageID) bool {
	lock := lm.table.lookup(pid)
	if lock == nil {
		return false
	}
	defer lock.mutex.Unlock()
	return len(lock.holders) != 0
}

// ModeFor returns the lock mode a page access with the given permissions needs.
func ModeFor(perm common.Permissions) LockMode {
	if perm == common.ReadWrite {
		return LockExclusive
	}
	return LockShared
}

// LockPage acquires the lock that perm requires. It lets the LockManager serve as the buffer pool's PageLocker.
func (lm *LockManager) LockPage(tid common.TransactionID, pid common.PageID, perm common.Permissions) error {
	return lm.Acquire(tid, pid, ModeFor(perm))
}
