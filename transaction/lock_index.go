package transaction

import (
	"github.com/puzpuzpuz/xsync/v3"
	"github.com/tidwall/btree"
	"mit.edu/dsg/godb-pagelock/common"
)

type heldPage struct {
	pid  common.PageID
	mode LockMode
}

// heldPages is the set of pages one transaction holds, ordered by PageID.
type heldPages struct {
	tree *btree.BTreeG[heldPage]
}

func newHeldPages() *heldPages {
	return &heldPages{
		tree: btree.NewBTreeG(func(a, b heldPage) bool {
			return a.pid.Less(b.pid)
		}),
	}
}

// lockIndex is the reverse index of the lock table: for every transaction, the pages it currently holds. It is
// updated inside the same page-record critical section that changes the holder set, so the two always agree.
//
// Entries are created and removed with Compute, which runs atomically per transaction; reads go straight to the
// tree, which carries its own latch.
type lockIndex struct {
	txns *xsync.MapOf[common.TransactionID, *heldPages]
}

func newLockIndex() *lockIndex {
	return &lockIndex{
		txns: xsync.NewMapOf[common.TransactionID, *heldPages](),
	}
}

// recordHeld notes that tid holds pid in the given mode, replacing any earlier mode (upgrades).
func (idx *lockIndex) recordHeld(tid common.TransactionID, pid common.PageID, mode LockMode) {
	idx.txns.Compute(tid, func(held *heldPages, loaded bool) (*heldPages, bool) {
		if !loaded {
			held = newHeldPages()
		}
		held.tree.Set(heldPage{pid: pid, mode: mode})
		return held, false
	})
}

// forget removes pid from tid's set. The entry for tid goes away with its last page.
func (idx *lockIndex) forget(tid common.TransactionID, pid common.PageID) {
	idx.txns.Compute(tid, func(held *heldPages, loaded bool) (*heldPages, bool) {
		if !loaded {
			return nil, true
		}
		held.tree.Delete(heldPage{pid: pid})
		return held, held.tree.Len() == 0
	})
}

// drop removes tid's entry entirely.
func (idx *lockIndex) drop(tid common.TransactionID) {
	idx.txns.Delete(tid)
}

// pages returns the pages tid holds, in PageID order.
func (idx *lockIndex) pages(tid common.TransactionID) []heldPage {
	held, ok := idx.txns.Load(tid)
	if !ok {
		return nil
	}
	out := make([]heldPage, 0, held.tree.Len())
	held.tree.Scan(func(item heldPage) bool {
		out = append(out, item)
		return true
	})
	return out
}

// mode returns the mode recorded for tid on pid.
func (idx *lockIndex) mode(tid common.TransactionID, pid common.PageID) (LockMode, bool) {
	held, ok := idx.txns.Load(tid)
	if !ok {
		return 0, false
	}
	item, ok := held.tree.Get(heldPage{pid: pid})
	return item.mode, ok
}

// transactions returns the number of transactions that hold at least one page.
func (idx *lockIndex) transactions() int {
	return idx.txns.Size()
}
