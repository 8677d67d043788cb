package storage

import (
	"sync"

	"mit.edu/dsg/godb-pagelock/common"
)

type pageFrameMetadata struct {
	pageID   common.PageID
	pinCount int
	refBit   bool
	dirty    bool
	// dirtier is the uncommitted transaction whose changes the frame holds. Such a frame must not reach the disk
	// before that transaction commits, so it is never chosen for eviction.
	dirtier common.TransactionID
	// before is the page as it was when dirtier claimed the frame, and beforeDirty whether that image was still
	// waiting for write-back. Aborting dirtier puts both back.
	before      *[common.PageSize]byte
	beforeDirty bool
	sync.Mutex
}

// PageFrame represents a physical page of data in memory.
// It holds the raw bytes of the page and acts as the container for Buffer Pool management.
type PageFrame struct {
	// Bytes holds the raw physical data of the page.
	Bytes [common.PageSize]byte
	// PageLatch protects the content of the page from concurrent access. Page locks decide which transactions may
	// touch the page; the latch keeps the physical reads and writes of those transactions, and of the flusher, apart.
	PageLatch sync.RWMutex
	pageFrameMetadata
}

// PageID returns the page currently cached in the frame.
func (frame *PageFrame) PageID() common.PageID {
	frame.Lock()
	defer frame.Unlock()
	return frame.pageID
}

func (frame *PageFrame) evictable() bool {
	return frame.pinCount == 0 && frame.dirtier == common.InvalidTransactionID
}
