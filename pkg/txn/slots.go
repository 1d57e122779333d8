package txn

import (
	"context"
	"hash/fnv"
	"sync"

	"blobgate/pkg/types"

	"golang.org/x/sync/semaphore"
)

const slotShards = 32

// slot serializes transactions on one blob. Waiters are served FIFO by the
// semaphore.
type slot struct {
	sem  *semaphore.Weighted
	refs int
}

type slotShard struct {
	mu    sync.Mutex
	slots map[types.BlobKey]*slot
}

// slotTable holds one slot per blob with an open or queued transaction.
// Idle slots are removed, so the table only grows with concurrency.
type slotTable struct {
	shards [slotShards]slotShard
}

func newSlotTable() *slotTable {
	t := &slotTable{}
	for i := range t.shards {
		t.shards[i].slots = make(map[types.BlobKey]*slot)
	}
	return t
}

func (t *slotTable) shard(key types.BlobKey) *slotShard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return &t.shards[h.Sum32()%slotShards]
}

// acquire blocks until key's slot is free or ctx is done. The returned
// release must be called exactly once.
func (t *slotTable) acquire(ctx context.Context, key types.BlobKey) (release func(), err error) {
	sh := t.shard(key)

	sh.mu.Lock()
	s, ok := sh.slots[key]
	if !ok {
		s = &slot{sem: semaphore.NewWeighted(1)}
		sh.slots[key] = s
	}
	s.refs++
	sh.mu.Unlock()

	if err := s.sem.Acquire(ctx, 1); err != nil {
		t.unref(sh, key, s)
		return nil, err
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			s.sem.Release(1)
			t.unref(sh, key, s)
		})
	}, nil
}

func (t *slotTable) unref(sh *slotShard, key types.BlobKey, s *slot) {
	sh.mu.Lock()
	defer sh.mu.Unlock()
	s.refs--
	if s.refs == 0 {
		delete(sh.slots, key)
	}
}

// busy reports how many blobs currently have a slot.
func (t *slotTable) busy() int {
	n := 0
	for i := range t.shards {
		sh := &t.shards[i]
		sh.mu.Lock()
		n += len(sh.slots)
		sh.mu.Unlock()
	}
	return n
}
