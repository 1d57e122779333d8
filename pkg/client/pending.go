package client

import (
	"container/heap"
	"sync"
	"sync/atomic"
	"time"

	"blobgate/pkg/types"
)

// pendingTable correlates request ids with their cells.
//
// Lookups go through a sync.Map, so the reply path and issuing callers never
// contend on one lock. Deadlines live in a separate min-heap; the sweeper
// only ever looks at its head. A taken cell leaves the heap at once, so the
// heap never holds more than the cells still pending.
type pendingTable struct {
	calls sync.Map // types.RequestID -> *call
	size  atomic.Int64

	mu        sync.Mutex
	deadlines deadlineHeap
	entries   map[types.RequestID]*deadlineEntry
	wake      chan struct{}
}

func newPendingTable() *pendingTable {
	return &pendingTable{
		entries: make(map[types.RequestID]*deadlineEntry),
		wake:    make(chan struct{}, 1),
	}
}

func (p *pendingTable) register(c *call, deadline time.Time) {
	p.calls.Store(c.id, c)
	p.size.Add(1)

	e := &deadlineEntry{id: c.id, deadline: deadline}
	p.mu.Lock()
	heap.Push(&p.deadlines, e)
	p.entries[c.id] = e
	earliest := p.deadlines[0] == e
	p.mu.Unlock()

	if earliest {
		select {
		case p.wake <- struct{}{}:
		default:
		}
	}
}

// take removes and returns the cell for id. The second caller for the same
// id gets false; this is what makes reply, timeout and shutdown mutually
// exclusive.
func (p *pendingTable) take(id types.RequestID) (*call, bool) {
	c, ok := p.takeCall(id)
	if !ok {
		return nil, false
	}
	p.mu.Lock()
	if e, ok := p.entries[id]; ok {
		heap.Remove(&p.deadlines, e.index)
		delete(p.entries, id)
	}
	p.mu.Unlock()
	return c, true
}

// takeCall is take without the deadline bookkeeping; callers holding p.mu
// use it after removing the heap entry themselves.
func (p *pendingTable) takeCall(id types.RequestID) (*call, bool) {
	v, ok := p.calls.LoadAndDelete(id)
	if !ok {
		return nil, false
	}
	p.size.Add(-1)
	return v.(*call), true
}

func (p *pendingTable) len() int { return int(p.size.Load()) }

// deadlineLen reports how many deadlines the sweeper still tracks.
func (p *pendingTable) deadlineLen() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.deadlines.Len()
}

// expire pops every deadline at or before now and returns the cells still
// pending among them. It also reports the next deadline, if any.
func (p *pendingTable) expire(now time.Time) ([]*call, time.Time, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	var out []*call
	for p.deadlines.Len() > 0 && !p.deadlines[0].deadline.After(now) {
		e := heap.Pop(&p.deadlines).(*deadlineEntry)
		delete(p.entries, e.id)
		if c, ok := p.takeCall(e.id); ok {
			out = append(out, c)
		}
	}
	if p.deadlines.Len() == 0 {
		return out, time.Time{}, false
	}
	return out, p.deadlines[0].deadline, true
}

// sweep runs until stop is closed, handing every expired cell to onExpire.
func (p *pendingTable) sweep(stop <-chan struct{}, onExpire func(*call)) {
	const idle = time.Minute

	timer := time.NewTimer(idle)
	defer timer.Stop()

	for {
		expired, next, ok := p.expire(time.Now())
		for _, c := range expired {
			onExpire(c)
		}

		wait := idle
		if ok {
			wait = max(time.Until(next), 0)
		}
		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(wait)

		select {
		case <-stop:
			return
		case <-p.wake:
		case <-timer.C:
		}
	}
}

// drain empties the table, returning every pending cell.
func (p *pendingTable) drain() []*call {
	var out []*call
	p.calls.Range(func(key, _ any) bool {
		if c, ok := p.takeCall(key.(types.RequestID)); ok {
			out = append(out, c)
		}
		return true
	})

	p.mu.Lock()
	p.deadlines = p.deadlines[:0]
	clear(p.entries)
	p.mu.Unlock()
	return out
}

// ---------------------------------------------------------------------------
// deadline heap (container/heap)
// ---------------------------------------------------------------------------

type deadlineEntry struct {
	id       types.RequestID
	deadline time.Time
	index    int // position in the heap, kept by Swap/Push/Pop
}

type deadlineHeap []*deadlineEntry

func (h deadlineHeap) Len() int           { return len(h) }
func (h deadlineHeap) Less(i, j int) bool { return h[i].deadline.Before(h[j].deadline) }

func (h deadlineHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *deadlineHeap) Push(x any) {
	e := x.(*deadlineEntry)
	e.index = len(*h)
	*h = append(*h, e)
}

func (h *deadlineHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	e.index = -1
	*h = old[:n-1]
	return e
}
