package transaction

import (
	"sync"

	"mit.edu/dsg/godb-pagelock/common"
)

// waitsForGraph records, for every blocked transaction, the transactions it is waiting for. A transaction waits on
// at most one page at a time, so its out-edges are simply replaced whenever that page's state changes.
//
// Lock order: a page record's mutex may be held while mu is taken, never the other way around.
type waitsForGraph struct {
	mu    sync.Mutex
	edges map[common.TransactionID][]common.TransactionID
}

func newWaitsForGraph() *waitsForGraph {
	return &waitsForGraph{
		edges: make(map[common.TransactionID][]common.TransactionID),
	}
}

// wait installs tid's out-edges and reports whether they close a cycle back to tid. On a cycle the edges are not
// kept, since tid is the one that will give up.
func (g *waitsForGraph) wait(tid common.TransactionID, blockers []common.TransactionID) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.edges[tid] = blockers
	if g.reaches(blockers, tid) {
		delete(g.edges, tid)
		return true
	}
	return false
}

// update replaces the out-edges of a transaction that is still waiting.
func (g *waitsForGraph) update(tid common.TransactionID, blockers []common.TransactionID) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, ok := g.edges[tid]; ok {
		g.edges[tid] = blockers
	}
}

// done removes tid from the graph once it is granted or gives up.
func (g *waitsForGraph) done(tid common.TransactionID) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.edges, tid)
}

// reaches runs a depth-first search from the given nodes looking for target. Caller holds mu.
func (g *waitsForGraph) reaches(from []common.TransactionID, target common.TransactionID) bool {
	visited := make(map[common.TransactionID]bool)
	stack := append([]common.TransactionID(nil), from...)
	for len(stack) > 0 {
		n := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if n == target {
			return true
		}
		if visited[n] {
			continue
		}
		visited[n] = true
		stack = append(stack, g.edges[n]...)
	}
	return false
}

// waiting returns the out-edges of tid, if it is blocked.
func (g *waitsForGraph) waiting(tid common.TransactionID) ([]common.TransactionID, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	e, ok := g.edges[tid]
	return append([]common.TransactionID(nil), e...), ok
}
