package storage

import (
	"runtime"
	"sort"
	"sync/atomic"

	"github.com/pkg/errors"
	"github.com/puzpuzpuz/xsync/v3"
	"github.com/sirupsen/logrus"
	"mit.edu/dsg/godb-pagelock/common"
)

// Number of victim candidates looked at before the ref bit is ignored
const maxScanSize = 64

// Amount of entries we loop through before yielding to avoid busy loop
const strideSize = 64

// Number of full sweeps over the frames without finding a victim before giving up
const maxSweeps = 4

// BufferPool caches database pages in a fixed number of frames. Every page is locked through the PageLocker before
// it is handed out, so callers only ever see pages their transaction is allowed to access.
//
// The pool follows no-steal / no-force: a frame holding changes of an uncommitted transaction is never written back
// or evicted, and committing does not require writing anything. A frame is claimed by the first transaction that
// fetches it for writing; aborting that transaction restores the image the frame had at that point.
type BufferPool struct {
	storageManager DBFileManager
	locker         PageLocker
	frames         []PageFrame
	clockHand      uint64
	pageTable      *xsync.MapOf[common.PageID, *PageFrame]
	// claims lists the frames each live transaction has claimed. Locks may be released before the transaction ends,
	// so this is the only record of what commit and abort have to settle.
	claims         *xsync.MapOf[common.TransactionID, []*PageFrame]
	logger         logrus.FieldLogger
}

// NewBufferPool creates a new BufferPool with a fixed capacity defined by numPages. It requires a storageManager to
// handle the underlying disk I/O operations and a locker to guard page access.
func NewBufferPool(numPages int, storageManager DBFileManager, locker PageLocker, logger logrus.FieldLogger) *BufferPool {
	common.Assert(numPages > 0, "buffer pool needs at least one frame")
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &BufferPool{
		storageManager: storageManager,
		locker:         locker,
		frames:         make([]PageFrame, numPages),
		pageTable:      xsync.NewMapOf[common.PageID, *PageFrame](),
		claims:         xsync.NewMapOf[common.TransactionID, []*PageFrame](),
		logger:         logger,
	}
}

// StorageManager returns the underlying disk manager.
func (bp *BufferPool) StorageManager() DBFileManager {
	return bp.storageManager
}

func tryTouchPage(frame *PageFrame, pageID common.PageID) bool {
	frame.Lock()
	defer frame.Unlock()
	// Another thread may have evicted the page after we grabbed this page frame but before we locked it.
	if frame.pageID != pageID {
		return false
	}
	frame.pinCount++
	frame.refBit = true
	return true
}

func (bp *BufferPool) findVictim() (*PageFrame, error) {
	numFrames := uint64(len(bp.frames))
	numIters := 0
	scanned := uint64(0)
	for scanned < maxSweeps*numFrames+maxScanSize {
		for i := uint64(0); i < strideSize; i++ {
			scanned++
			idx := atomic.AddUint64(&bp.clockHand, 1) % numFrames

			frame := &bp.frames[idx]
			if !frame.TryLock() {
				continue
			}

			if !frame.evictable() {
				frame.Unlock()
				continue
			}

			// Stop respecting the ref bit if we have scanned for a while and couldn't find a victim
			if numIters >= maxScanSize || !frame.refBit {
				// Return it LOCKED so the caller can safely swap the contents.
				return frame, nil
			}

			// Second chance: clear refBit, unlock, and move on
			frame.refBit = false
			frame.Unlock()
			numIters++
		}
		runtime.Gosched()
	}
	return nil, common.NewError(common.BufferPoolFullError,
		"no evictable frame among %d: all are pinned or hold uncommitted changes", numFrames)
}

func (bp *BufferPool) writeBack(frame *PageFrame) error {
	file, err := bp.storageManager.GetDBFile(frame.pageID.Oid)
	if err != nil {
		return err
	}
	return file.WritePage(int(frame.pageID.PageNum), frame.Bytes[:])
}

func (bp *BufferPool) evict(victim *PageFrame) error {
	// victim should be passed in LOCKED
	if victim.pageID.IsNil() {
		return nil
	}
	// Only committed changes can be dirty here. Flush while holding the latch so others cannot concurrently load it
	if victim.dirty {
		if err := bp.writeBack(victim); err != nil {
			return errors.Wrapf(err, "evict %s", victim.pageID.String())
		}
		victim.dirty = false
	}
	return nil
}

// GetPage locks pageID for tid with the given permissions and returns the pinned frame holding it. If the page is
// not cached, a victim frame is evicted (written back first if it holds committed changes) and the page is read from
// disk. With ReadWrite the frame is claimed by tid and stays in memory until tid commits or aborts.
//
// A lock failure is returned unchanged, so callers can recognize it with common.IsLockTimeout and abort. The same
// code is returned when the page still holds uncommitted changes of a transaction that released its lock early.
func (bp *BufferPool) GetPage(tid common.TransactionID, pageID common.PageID, perm common.Permissions) (*PageFrame, error) {
	if err := bp.locker.LockPage(tid, pageID, perm); err != nil {
		return nil, err
	}
	frame, err := bp.fetch(pageID)
	if err != nil {
		return nil, err
	}
	if perm == common.ReadWrite {
		if err := bp.claim(tid, frame); err != nil {
			bp.UnpinPage(tid, frame, false)
			return nil, err
		}
	}
	return frame, nil
}

// claim records tid as the frame's dirtier and saves its before-image. The caller has the frame pinned and tid holds
// the page exclusively, so nobody else is writing the bytes.
func (bp *BufferPool) claim(tid common.TransactionID, frame *PageFrame) error {
	frame.Lock()
	if frame.dirtier == tid {
		frame.Unlock()
		return nil
	}
	if frame.dirtier != common.InvalidTransactionID {
		owner := frame.dirtier
		frame.Unlock()
		return common.NewError(common.LockTimeoutError, "%s wants %s which holds uncommitted changes of %s",
			tid.String(), frame.pageID.String(), owner.String())
	}
	if frame.before == nil {
		frame.before = new([common.PageSize]byte)
	}
	*frame.before = frame.Bytes
	frame.beforeDirty = frame.dirty
	frame.dirtier = tid
	frame.Unlock()

	bp.claims.Compute(tid, func(frames []*PageFrame, _ bool) ([]*PageFrame, bool) {
		return append(frames, frame), false
	})
	return nil
}

func (bp *BufferPool) fetch(pageID common.PageID) (*PageFrame, error) {
	for {
		if frame, ok := bp.pageTable.Load(pageID); ok {
			if tryTouchPage(frame, pageID) {
				return frame, nil
			}
			continue
		}

		file, err := bp.storageManager.GetDBFile(pageID.Oid)
		if err != nil {
			return nil, err
		}

		victimFrame, err := bp.findVictim()
		if err != nil {
			return nil, err
		}
		// victimFrame is returned LOCKED

		// Others may be concurrently loading this page. Only the goroutine that installs its frame loads it.
		actualFrame, loaded := bp.pageTable.LoadOrStore(pageID, victimFrame)
		if loaded {
			victimFrame.Unlock()
			if tryTouchPage(actualFrame, pageID) {
				return actualFrame, nil
			}
			continue
		}

		if err = bp.evict(victimFrame); err != nil {
			victimFrame.Unlock()
			bp.pageTable.Delete(pageID)
			return nil, err
		}

		// Evict AFTER flushing so we don't read the page from disk while flushing it
		if !victimFrame.pageID.IsNil() {
			bp.pageTable.Delete(victimFrame.pageID)
		}

		if err = file.ReadPage(int(pageID.PageNum), victimFrame.Bytes[:]); err != nil {
			victimFrame.pageID = common.PageID{}
			victimFrame.Unlock()
			bp.pageTable.Delete(pageID)
			return nil, err
		}

		victimFrame.pageID = pageID
		victimFrame.pinCount = 1
		// Do not initially set the ref bit -- only on second access do we consider it a true hot page
		victimFrame.refBit = false
		victimFrame.dirty = false
		victimFrame.dirtier = common.InvalidTransactionID
		victimFrame.Unlock()
		return victimFrame, nil
	}
}

// UnpinPage indicates that tid is done using a page. If setDirty is true the page is marked as modified; tid must have
// fetched it with ReadWrite.
func (bp *BufferPool) UnpinPage(tid common.TransactionID, frame *PageFrame, setDirty bool) {
	frame.Lock()
	defer frame.Unlock()

	common.Assert(frame.pinCount > 0, "attempting to unpin a page that is not pinned")
	frame.pinCount--
	if setDirty {
		common.Assert(frame.dirtier == tid, "%s dirtied %s without fetching it for writing",
			tid.String(), frame.pageID.String())
		frame.dirty = true
	}
}

// takeClaims removes and returns the frames tid claimed, ordered by page. Claimed frames cannot be evicted, so each
// still caches the page it was claimed for.
func (bp *BufferPool) takeClaims(tid common.TransactionID) []*PageFrame {
	frames, _ := bp.claims.LoadAndDelete(tid)
	sort.Slice(frames, func(i, j int) bool { return frames[i].pageID.Less(frames[j].pageID) })
	return frames
}

// CommitPages makes tid's changes committed in the cache. The frames stay dirty and are written back lazily unless
// force is set, in which case they are written in page order before returning. Must be called before tid's remaining
// locks are released.
func (bp *BufferPool) CommitPages(tid common.TransactionID, force bool) error {
	for _, frame := range bp.takeClaims(tid) {
		frame.Lock()
		pid := frame.pageID
		frame.dirtier = common.InvalidTransactionID
		if !force || !frame.dirty {
			frame.Unlock()
			continue
		}
		frame.pinCount++
		frame.PageLatch.RLock()
		frame.Unlock()

		err := bp.writeBack(frame)

		frame.Lock()
		frame.pinCount--
		if err == nil {
			frame.dirty = false
		}
		frame.PageLatch.RUnlock()
		frame.Unlock()
		if err != nil {
			bp.logger.WithError(err).WithFields(logrus.Fields{"txn": tid, "page": pid}).
				Error("failed to force committed page")
			return errors.Wrapf(err, "force %s for %s", pid.String(), tid.String())
		}
	}
	return nil
}

// DiscardPages throws away tid's uncommitted changes by restoring the before-image of every frame it claimed. Must be
// called before tid's remaining locks are released.
func (bp *BufferPool) DiscardPages(tid common.TransactionID) {
	for _, frame := range bp.takeClaims(tid) {
		// The flushers take the frame mutex before the latch, but they skip claimed frames, so they never hold this
		// latch while we wait for the mutex
		frame.PageLatch.Lock()
		frame.Lock()
		frame.Bytes = *frame.before
		frame.dirty = frame.beforeDirty
		frame.dirtier = common.InvalidTransactionID
		frame.Unlock()
		frame.PageLatch.Unlock()
	}
}

// FlushAllPages writes every frame holding committed changes to disk, regardless of pins. Frames with uncommitted
// changes are skipped.
func (bp *BufferPool) FlushAllPages() error {
	for i := 0; i < len(bp.frames); i++ {
		frame := &bp.frames[i]
		frame.Lock()

		if frame.pageID.IsNil() || !frame.dirty || frame.dirtier != common.InvalidTransactionID {
			frame.Unlock()
			continue
		}

		// Flush under Read latch and pin to avoid concurrent modification or eviction
		frame.pinCount++
		pageID := frame.pageID
		frame.PageLatch.RLock()
		frame.Unlock()

		err := bp.writeBack(frame)

		frame.Lock()
		common.Assert(frame.pageID == pageID, "pageID should not change during flush")
		frame.pinCount--
		if err == nil {
			frame.dirty = false
		}
		frame.PageLatch.RUnlock()
		frame.Unlock()
		if err != nil {
			return errors.Wrapf(err, "flush %s", pageID.String())
		}
	}
	return nil
}

// DirtyPages returns the cached pages that differ from their on-disk copy, with the transaction whose uncommitted
// changes they hold (InvalidTransactionID for committed changes).
func (bp *BufferPool) DirtyPages() map[common.PageID]common.TransactionID {
	dirty := make(map[common.PageID]common.TransactionID)

	bp.pageTable.Range(func(key common.PageID, frame *PageFrame) bool {
		frame.Lock()
		defer frame.Unlock()

		if frame.pageID == key && frame.dirty {
			dirty[key] = frame.dirtier
		}
		return true
	})

	return dirty
}
