package transaction

import (
	"sync"
	"time"

	"mit.edu/dsg/godb-pagelock/common"
)

// LockMode represents the type of access a transaction is requesting on a page.
type LockMode int

const (
	// LockShared allows reading a page. Multiple transactions can hold shared locks on the same page simultaneously.
	LockShared LockMode = iota
	// LockExclusive allows modifying a page. It is incompatible with every other hold on the page.
	LockExclusive
)

func (m LockMode) String() string {
	switch m {
	case LockShared:
		return "Shared"
	case LockExclusive:
		return "Exclusive"
	}
	return "Unknown lock mode"
}

func (m LockMode) valid() bool {
	return m == LockShared || m == LockExclusive
}

// Compatible returns true if a request for req can be granted while another transaction holds held.
func Compatible(req, held LockMode) bool {
	return req == LockShared && held == LockShared
}

// CoveredBy returns true if the 'held' lock is strong enough to satisfy the 'req' lock.
// This returns true for identity (e.g., CoveredBy(LockExclusive, LockExclusive) is true).
func CoveredBy(req, held LockMode) bool {
	return held == LockExclusive || req == held
}

type lockRequest struct {
	txnID common.TransactionID
	mode  LockMode
	// upgrade is set when txnID already holds the page in shared mode and asks for exclusive.
	upgrade bool
	granted bool
	// ready is closed by whoever grants a queued request. It stays nil for requests granted on arrival.
	ready    chan struct{}
	queuedAt time.Time
}

// pageLock is the lock record of a single page: the current holders and the requests waiting for them. All fields
// are protected by mutex. Upgrades wait in their own queue, which is always served before ordinary waiters.
type pageLock struct {
	tag       common.PageID
	holders   map[common.TransactionID]LockMode
	upgraders []*lockRequest
	waiters   []*lockRequest

	mutex sync.Mutex
}

func (l *pageLock) initialize(tag common.PageID) {
	l.tag = tag
	clear(l.holders)
	l.upgraders = l.upgraders[:0]
	l.waiters = l.waiters[:0]
}

// invalidate marks a record that has been removed from the lock table. Goroutines that looked the record up before
// the removal see the tag mismatch and retry.
func (l *pageLock) invalidate() {
	l.tag = common.PageID{}
}

func (l *pageLock) queued() bool {
	return len(l.upgraders) != 0 || len(l.waiters) != 0
}

// outOfScope returns true if the record carries no state worth keeping.
func (l *pageLock) outOfScope() bool {
	return len(l.holders) == 0 && !l.queued()
}

func (l *pageLock) canGrant(r *lockRequest) bool {
	for tid, held := range l.holders {
		// An upgrader only conflicts with the other holders, never with its own shared hold
		if tid == r.txnID {
			continue
		}
		if !Compatible(r.mode, held) {
			return false
		}
	}
	return true
}

func (l *pageLock) grant(r *lockRequest) {
	l.holders[r.txnID] = r.mode
	r.granted = true
	l.checkInvariant()
}

func (l *pageLock) checkInvariant() {
	exclusive := 0
	for _, m := range l.holders {
		if m == LockExclusive {
			exclusive++
		}
	}
	common.Assert(exclusive == 0 || len(l.holders) == 1,
		"%s has %d holders with %d exclusive", l.tag.String(), len(l.holders), exclusive)
}

// request registers tid's interest in the page. It returns the request and whether it has already been granted. A
// nil request with granted == true means tid already held a covering lock and nothing changed. An ungranted request
// has been queued and the caller must wait on its ready channel.
//
// A new shared request queues behind any queued request, even when every current holder is shared and it would be
// compatible with them. It is not granted immediately in that case, so a waiting exclusive request cannot be starved
// by a stream of readers.
func (l *pageLock) request(tid common.TransactionID, mode LockMode) (*lockRequest, bool) {
	for _, u := range l.upgraders {
		common.Assert(u.txnID != tid, "%s already has a queued upgrade on %s", tid.String(), l.tag.String())
	}
	for _, w := range l.waiters {
		common.Assert(w.txnID != tid, "%s already has a queued request on %s", tid.String(), l.tag.String())
	}

	r := &lockRequest{txnID: tid, mode: mode}
	if held, ok := l.holders[tid]; ok {
		if CoveredBy(mode, held) {
			return nil, true
		}
		// Shared -> exclusive. The request is granted in place only if tid is the sole holder; otherwise it jumps
		// ahead of all ordinary waiters.
		r.upgrade = true
		if l.canGrant(r) {
			l.grant(r)
			return r, true
		}
		r.ready = make(chan struct{})
		r.queuedAt = time.Now()
		l.upgraders = append(l.upgraders, r)
		return r, false
	}

	// New requests never overtake queued ones, which keeps exclusive requests roughly in arrival order.
	if !l.queued() && l.canGrant(r) {
		l.grant(r)
		return r, true
	}
	r.ready = make(chan struct{})
	r.queuedAt = time.Now()
	l.waiters = append(l.waiters, r)
	return r, false
}

// promote grants queued requests in order after the holder set changed: first the upgraders, then the ordinary
// waiters, stopping at the first request that cannot be granted. It returns the requests it granted; their ready
// channels are still open.
func (l *pageLock) promote() []*lockRequest {
	var granted []*lockRequest

	i := 0
	for i < len(l.upgraders) && l.canGrant(l.upgraders[i]) {
		l.grant(l.upgraders[i])
		granted = append(granted, l.upgraders[i])
		l.upgraders[i] = nil
		i++
	}
	l.upgraders = l.upgraders[i:]

	// Pending upgraders hold the page shared and want it exclusive, so nobody behind them can proceed
	if len(l.upgraders) != 0 {
		return granted
	}

	i = 0
	for i < len(l.waiters) && l.canGrant(l.waiters[i]) {
		l.grant(l.waiters[i])
		granted = append(granted, l.waiters[i])
		l.waiters[i] = nil
		i++
	}
	l.waiters = l.waiters[i:]
	return granted
}

// unlock drops tid's hold on the page. It returns the mode that was held, or false if tid held nothing.
func (l *pageLock) unlock(tid common.TransactionID) (LockMode, bool) {
	mode, ok := l.holders[tid]
	if ok {
		delete(l.holders, tid)
	}
	return mode, ok
}

// cancel removes a queued request that gave up waiting. It returns false if the request is no longer queued.
func (l *pageLock) cancel(r *lockRequest) bool {
	queue := &l.waiters
	if r.upgrade {
		queue = &l.upgraders
	}
	for i, q := range *queue {
		if q == r {
			copy((*queue)[i:], (*queue)[i+1:])
			(*queue)[len(*queue)-1] = nil
			*queue = (*queue)[:len(*queue)-1]
			return true
		}
	}
	return false
}

// blockers lists the transactions a queued request is waiting for: holders it conflicts with, and the queued
// requests that will be served before it and conflict with it.
func (l *pageLock) blockers(r *lockRequest) []common.TransactionID {
	seen := make(map[common.TransactionID]struct{})
	var out []common.TransactionID
	add := func(tid common.TransactionID) {
		if tid == r.txnID {
			return
		}
		if _, ok := seen[tid]; ok {
			return
		}
		seen[tid] = struct{}{}
		out = append(out, tid)
	}

	for tid, held := range l.holders {
		if !Compatible(r.mode, held) {
			add(tid)
		}
	}
	for _, u := range l.upgraders {
		if u == r {
			break
		}
		add(u.txnID)
	}
	if !r.upgrade {
		for _, w := range l.waiters {
			if w == r {
				break
			}
			if !Compatible(r.mode, w.mode) || !Compatible(w.mode, r.mode) {
				add(w.txnID)
			}
		}
	}
	return out
}

// pending returns every queued request, upgraders first.
func (l *pageLock) pending() []*lockRequest {
	out := make([]*lockRequest, 0, len(l.upgraders)+len(l.waiters))
	out = append(out, l.upgraders...)
	return append(out, l.waiters...)
}
