package txn

import (
	"context"
	"testing"
	"time"

	"blobgate/pkg/types"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSlotTable_SerializesOneKey(t *testing.T) {
	tbl := newSlotTable()
	ctx := context.Background()
	key := types.NewBlobKey("d", "v", "/f")

	release, err := tbl.acquire(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, 1, tbl.busy())

	got := make(chan func(), 1)
	go func() {
		r, err := tbl.acquire(ctx, key)
		if err == nil {
			got <- r
		}
	}()

	select {
	case <-got:
		t.Fatal("second acquire should wait")
	case <-time.After(50 * time.Millisecond):
	}

	release()
	release() // second call is a no-op

	select {
	case r := <-got:
		r()
	case <-time.After(2 * time.Second):
		t.Fatal("second acquire never got the slot")
	}
	assert.Equal(t, 0, tbl.busy())
}

func TestSlotTable_IndependentKeys(t *testing.T) {
	tbl := newSlotTable()
	ctx := context.Background()

	r1, err := tbl.acquire(ctx, types.NewBlobKey("d", "v", "/a"))
	require.NoError(t, err)
	r2, err := tbl.acquire(ctx, types.NewBlobKey("d", "v", "/b"))
	require.NoError(t, err)
	assert.Equal(t, 2, tbl.busy())

	r1()
	r2()
	assert.Equal(t, 0, tbl.busy())
}

func TestSlotTable_CancelledWaiterLeavesNoSlot(t *testing.T) {
	tbl := newSlotTable()
	key := types.NewBlobKey("d", "v", "/f")

	release, err := tbl.acquire(context.Background(), key)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = tbl.acquire(ctx, key)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, 1, tbl.busy())

	release()
	assert.Equal(t, 0, tbl.busy())
}
