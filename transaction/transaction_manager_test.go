package transaction

import (
	"encoding/binary"
	"math/rand"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pkg/errors"
	logrustest "github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"mit.edu/dsg/godb-pagelock/common"
	"mit.edu/dsg/godb-pagelock/storage"
)

const tableOid = common.ObjectID(1)

type testEngine struct {
	tm   *TransactionManager
	bp   *storage.BufferPool
	file storage.DBFile
}

func setupEngine(t *testing.T, frames, pages int, timeout time.Duration, force bool) *testEngine {
	t.Helper()
	logger, _ := logrustest.NewNullLogger()
	sm := storage.NewDiskStorageManager(t.TempDir(), logger)
	t.Cleanup(func() { _ = sm.Close() })

	file, err := sm.GetDBFile(tableOid)
	require.NoError(t, err)
	_, err = file.AllocatePage(pages)
	require.NoError(t, err)

	lm := NewLockManager(LockManagerOptions{Timeout: timeout, DeadlockDetection: true, Logger: logger})
	bp := storage.NewBufferPool(frames, sm, lm, logger)
	return &testEngine{
		tm:   NewTransactionManager(bp, lm, force, logger),
		bp:   bp,
		file: file,
	}
}

func tablePage(n int) common.PageID {
	return common.PageID{Oid: tableOid, PageNum: int32(n)}
}

func writePrefix(t *testing.T, txn *TransactionContext, pid common.PageID, data string) {
	frame, err := txn.GetPage(pid, common.ReadWrite)
	require.NoError(t, err)
	frame.PageLatch.Lock()
	copy(frame.Bytes[:], data)
	frame.PageLatch.Unlock()
	txn.UnpinPage(frame, true)
}

func readPrefix(t *testing.T, txn *TransactionContext, pid common.PageID, n int) string {
	frame, err := txn.GetPage(pid, common.ReadOnly)
	require.NoError(t, err)
	frame.PageLatch.RLock()
	defer frame.PageLatch.RUnlock()
	defer txn.UnpinPage(frame, false)
	return string(frame.Bytes[:n])
}

func diskPrefix(t *testing.T, e *testEngine, pageNum, n int) string {
	buf := make([]byte, common.PageSize)
	require.NoError(t, e.file.ReadPage(pageNum, buf))
	return string(buf[:n])
}

func TestTransactionManager_CommitReleasesLocks(t *testing.T) {
	e := setupEngine(t, 8, 2, longTimeout, false)
	lm := e.tm.LockManager()

	txn := e.tm.Begin()
	tid := txn.ID()
	assert.Equal(t, []common.TransactionID{tid}, e.tm.ActiveTransactions())

	writePrefix(t, txn, tablePage(0), "hello")
	assert.Equal(t, "\x00\x00", readPrefix(t, txn, tablePage(1), 2))
	assert.Equal(t, []common.PageID{tablePage(0), tablePage(1)}, txn.HeldPages())
	mode, _ := lm.Holds(tid, tablePage(0))
	assert.Equal(t, LockExclusive, mode)

	require.NoError(t, e.tm.Commit(txn))
	assert.Empty(t, e.tm.ActiveTransactions())
	assert.Empty(t, lm.PagesHeldBy(tid))
	assert.False(t, lm.LockHeld(tablePage(0)))

	// No-force: the change is committed in the cache only
	assert.Equal(t, "\x00\x00\x00\x00\x00", diskPrefix(t, e, 0, 5))
	assert.Equal(t, map[common.PageID]common.TransactionID{tablePage(0): common.InvalidTransactionID}, e.bp.DirtyPages())

	reader := e.tm.Begin()
	assert.Equal(t, "hello", readPrefix(t, reader, tablePage(0), 5))
	require.NoError(t, e.tm.Commit(reader))

	require.NoError(t, e.bp.FlushAllPages())
	assert.Equal(t, "hello", diskPrefix(t, e, 0, 5))
}

func TestTransactionManager_ForceOnCommit(t *testing.T) {
	e := setupEngine(t, 8, 1, longTimeout, true)

	txn := e.tm.Begin()
	writePrefix(t, txn, tablePage(0), "forced")
	require.NoError(t, e.tm.Commit(txn))

	assert.Equal(t, "forced", diskPrefix(t, e, 0, 6))
	assert.Empty(t, e.bp.DirtyPages())
}

func TestTransactionManager_AbortRestores(t *testing.T) {
	e := setupEngine(t, 8, 1, longTimeout, false)

	first := e.tm.Begin()
	writePrefix(t, first, tablePage(0), "kept")
	require.NoError(t, e.tm.Commit(first))

	second := e.tm.Begin()
	writePrefix(t, second, tablePage(0), "lost")
	e.tm.Abort(second)
	assert.Empty(t, e.tm.ActiveTransactions())

	third := e.tm.Begin()
	assert.Equal(t, "kept", readPrefix(t, third, tablePage(0), 4))
	require.NoError(t, e.tm.Commit(third))
}

func TestTransactionManager_Run(t *testing.T) {
	e := setupEngine(t, 8, 1, longTimeout, false)

	boom := errors.New("boom")
	err := e.tm.Run(func(txn *TransactionContext) error {
		writePrefix(t, txn, tablePage(0), "nope")
		return boom
	})
	assert.Equal(t, boom, err)

	err = e.tm.Run(func(txn *TransactionContext) error {
		assert.Equal(t, "\x00\x00\x00\x00", readPrefix(t, txn, tablePage(0), 4), "failed Run should roll back")
		writePrefix(t, txn, tablePage(0), "done")
		return nil
	})
	require.NoError(t, err)

	err = e.tm.Run(func(txn *TransactionContext) error {
		assert.Equal(t, "done", readPrefix(t, txn, tablePage(0), 4))
		return nil
	})
	require.NoError(t, err)
	assert.Empty(t, e.tm.ActiveTransactions())
}

// TestTransactionManager_Isolation checks that a writer's uncommitted change is invisible: a reader blocks on the
// page until the writer ends, then sees the outcome.
func TestTransactionManager_Isolation(t *testing.T) {
	e := setupEngine(t, 8, 1, longTimeout, false)

	writer := e.tm.Begin()
	writePrefix(t, writer, tablePage(0), "draft")

	seen := make(chan string, 1)
	go func() {
		reader := e.tm.Begin()
		frame, err := reader.GetPage(tablePage(0), common.ReadOnly)
		if !assert.NoError(t, err) {
			e.tm.Abort(reader)
			seen <- ""
			return
		}
		frame.PageLatch.RLock()
		seen <- string(frame.Bytes[:5])
		frame.PageLatch.RUnlock()
		reader.UnpinPage(frame, false)
		assert.NoError(t, e.tm.Commit(reader))
	}()

	select {
	case s := <-seen:
		t.Fatalf("reader saw %q before the writer finished", s)
	case <-time.After(30 * time.Millisecond):
	}
	e.tm.Abort(writer)
	select {
	case s := <-seen:
		assert.Equal(t, "\x00\x00\x00\x00\x00", s)
	case <-time.After(time.Second):
		t.Fatal("reader was not woken")
	}
}

func TestTransactionContext_ReleaseShared(t *testing.T) {
	e := setupEngine(t, 8, 2, longTimeout, false)

	txn := e.tm.Begin()
	readPrefix(t, txn, tablePage(0), 1)
	writePrefix(t, txn, tablePage(1), "x")
	txn.ReleaseShared(tablePage(0))
	txn.ReleaseShared(tablePage(1))
	assert.Equal(t, []common.PageID{tablePage(1)}, txn.HeldPages())

	other := e.tm.Begin()
	require.NoError(t, other.AcquireLock(tablePage(0), LockExclusive))
	e.tm.Abort(other)
	require.NoError(t, e.tm.Commit(txn))
}

// TestTransactionManager_ReleaseBeforeCommit releases an exclusive page lock before the writer ends. The change must
// still be settled by commit, and a second writer that gets the lock early is turned away until then.
func TestTransactionManager_ReleaseBeforeCommit(t *testing.T) {
	e := setupEngine(t, 8, 1, longTimeout, false)
	lm := e.tm.LockManager()

	first := e.tm.Begin()
	writePrefix(t, first, tablePage(0), "early")
	lm.Release(first.ID(), tablePage(0))
	assert.Empty(t, first.HeldPages())

	second := e.tm.Begin()
	_, err := second.GetPage(tablePage(0), common.ReadWrite)
	require.Error(t, err)
	assert.True(t, common.IsLockTimeout(err), "unexpected error %v", err)
	e.tm.Abort(second)

	require.NoError(t, e.tm.Commit(first))
	assert.Equal(t, map[common.PageID]common.TransactionID{tablePage(0): common.InvalidTransactionID}, e.bp.DirtyPages())

	third := e.tm.Begin()
	writePrefix(t, third, tablePage(0), "later")
	require.NoError(t, e.tm.Commit(third))

	require.NoError(t, e.bp.FlushAllPages())
	assert.Equal(t, "later", diskPrefix(t, e, 0, 5))
	assert.Empty(t, e.bp.DirtyPages())
}

func TestTransactionManager_LockConflictSurfaces(t *testing.T) {
	e := setupEngine(t, 8, 1, shortTimeout, false)

	holder := e.tm.Begin()
	writePrefix(t, holder, tablePage(0), "mine")

	err := e.tm.Run(func(txn *TransactionContext) error {
		_, err := txn.GetPage(tablePage(0), common.ReadOnly)
		return err
	})
	require.Error(t, err)
	assert.True(t, common.IsLockTimeout(err))
	require.NoError(t, e.tm.Commit(holder))
}

// TestTransactionManager_Bank transfers money between accounts, one account per page, from many goroutines at once,
// without any lock ordering. Transactions that lose a lock conflict are retried.
//
// Assertions:
// - Serializability: an auditing transaction that reads every account always sees the initial total.
// - Durability: after a final flush, the accounts on disk add up to the initial total.
func TestTransactionManager_Bank(t *testing.T) {
	const (
		numAccounts    = 16
		initialBalance = int64(100)
		numWorkers     = 8
		transfers      = 200
	)
	e := setupEngine(t, 64, numAccounts, 50*time.Millisecond, false)
	expectedTotal := initialBalance * numAccounts

	require.NoError(t, e.tm.Run(func(txn *TransactionContext) error {
		for i := 0; i < numAccounts; i++ {
			frame, err := txn.GetPage(tablePage(i), common.ReadWrite)
			if err != nil {
				return err
			}
			binary.LittleEndian.PutUint64(frame.Bytes[:], uint64(initialBalance))
			txn.UnpinPage(frame, true)
		}
		return nil
	}))

	retry := func(fn func(txn *TransactionContext) error) {
		for {
			err := e.tm.Run(fn)
			if err == nil {
				return
			}
			if !assert.True(t, common.IsLockTimeout(err), "unexpected error %v", err) {
				return
			}
		}
	}

	audit := func(txn *TransactionContext) error {
		var total int64
		for i := 0; i < numAccounts; i++ {
			frame, err := txn.GetPage(tablePage(i), common.ReadOnly)
			if err != nil {
				return err
			}
			frame.PageLatch.RLock()
			total += int64(binary.LittleEndian.Uint64(frame.Bytes[:]))
			frame.PageLatch.RUnlock()
			txn.UnpinPage(frame, false)
		}
		assert.Equal(t, expectedTotal, total, "audit saw a partial transfer")
		return nil
	}

	var audits atomic.Int64
	stop := make(chan struct{})
	var auditWg sync.WaitGroup
	auditWg.Add(1)
	go func() {
		defer auditWg.Done()
		for {
			select {
			case <-stop:
				return
			default:
			}
			retry(audit)
			audits.Add(1)
		}
	}()

	var wg sync.WaitGroup
	for w := 0; w < numWorkers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			r := rand.New(rand.NewSource(int64(w)))
			for i := 0; i < transfers; i++ {
				from := r.Intn(numAccounts)
				to := (from + 1 + r.Intn(numAccounts-1)) % numAccounts
				retry(func(txn *TransactionContext) error {
					src, err := txn.GetPage(tablePage(from), common.ReadWrite)
					if err != nil {
						return err
					}
					dst, err := txn.GetPage(tablePage(to), common.ReadWrite)
					if err != nil {
						txn.UnpinPage(src, false)
						return err
					}
					src.PageLatch.Lock()
					binary.LittleEndian.PutUint64(src.Bytes[:], binary.LittleEndian.Uint64(src.Bytes[:])-1)
					src.PageLatch.Unlock()
					dst.PageLatch.Lock()
					binary.LittleEndian.PutUint64(dst.Bytes[:], binary.LittleEndian.Uint64(dst.Bytes[:])+1)
					dst.PageLatch.Unlock()
					txn.UnpinPage(dst, true)
					txn.UnpinPage(src, true)
					return nil
				})
			}
		}(w)
	}
	wg.Wait()
	close(stop)
	auditWg.Wait()

	assert.Greater(t, audits.Load(), int64(0))
	assert.Empty(t, e.tm.ActiveTransactions())
	require.NoError(t, e.bp.FlushAllPages())

	var total int64
	buf := make([]byte, common.PageSize)
	for i := 0; i < numAccounts; i++ {
		require.NoError(t, e.file.ReadPage(i, buf))
		total += int64(binary.LittleEndian.Uint64(buf))
	}
	assert.Equal(t, expectedTotal, total)
}
