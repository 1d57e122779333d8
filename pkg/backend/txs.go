package backend

import (
	"maps"
	"sync"
	"time"

	"blobgate/pkg/core"
	"blobgate/pkg/types"

	"github.com/google/uuid"
)

// stagedTx is an open transaction. Everything it holds is private to the
// engine until commit.
type stagedTx struct {
	mu sync.Mutex

	desc        core.TxDescriptor
	volumeID    uint
	incarnation string           // row identity of the base blob; empty for a create
	objects     map[int64][]byte // latest write per object index
	metadata    map[string]string
	extent      int64
	touched     time.Time
}

func (tx *stagedTx) stage(index int64, data []byte, extent int64) {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	tx.objects[index] = data
	tx.extent = max(tx.extent, extent)
	tx.touched = time.Now()
}

func (tx *stagedTx) mergeMetadata(delta map[string]string) {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	maps.Copy(tx.metadata, delta)
	tx.touched = time.Now()
}

func (tx *stagedTx) idleSince(now time.Time) time.Duration {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	return now.Sub(tx.touched)
}

type txTable struct {
	mu  sync.Mutex
	txs map[types.TxID]*stagedTx
}

func newTxTable() *txTable {
	return &txTable{txs: make(map[types.TxID]*stagedTx)}
}

func (t *txTable) open(desc core.TxDescriptor, volumeID uint, incarnation string) *stagedTx {
	desc.ID = types.TxID(uuid.NewString())
	tx := &stagedTx{
		desc:        desc,
		volumeID:    volumeID,
		incarnation: incarnation,
		objects:     make(map[int64][]byte),
		metadata:    make(map[string]string),
		touched:     time.Now(),
	}
	t.mu.Lock()
	t.txs[desc.ID] = tx
	t.mu.Unlock()
	return tx
}

func (t *txTable) get(id types.TxID) (*stagedTx, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	tx, ok := t.txs[id]
	return tx, ok
}

// take removes and returns the transaction; only one caller can win it.
func (t *txTable) take(id types.TxID) (*stagedTx, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	tx, ok := t.txs[id]
	delete(t.txs, id)
	return tx, ok
}

func (t *txTable) len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.txs)
}

// expire drops transactions idle for longer than ttl.
func (t *txTable) expire(now time.Time, ttl time.Duration) []types.TxID {
	t.mu.Lock()
	defer t.mu.Unlock()
	var dropped []types.TxID
	for id, tx := range t.txs {
		if tx.idleSince(now) > ttl {
			delete(t.txs, id)
			dropped = append(dropped, id)
		}
	}
	return dropped
}

// sweepIdle reclaims abandoned transactions and sessions of clients that
// went away without closing.
func (e *Engine) sweepIdle() {
	ticker := time.NewTicker(max(min(e.cfg.TxTTL, e.cfg.SessionTTL)/2, time.Second))
	defer ticker.Stop()
	for {
		select {
		case <-e.stop:
			return
		case now := <-ticker.C:
			for _, id := range e.txs.expire(now, e.cfg.TxTTL) {
				e.logger.Warn("abandoned transaction reclaimed", "tx", id)
			}
			for _, id := range e.sessions.expire(now, e.cfg.SessionTTL) {
				e.logger.Info("idle session dropped", "session", id)
			}
		}
	}
}
