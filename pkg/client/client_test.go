package client

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"testing"
	"time"

	"blobgate/pkg/apierr"
	"blobgate/pkg/core"
	"blobgate/pkg/types"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// -----------------------------------------------------------------------------
// Fake engine: both the Sender and the ReplyListener of a Client
// -----------------------------------------------------------------------------

type fakeEngine struct {
	mu       sync.Mutex
	deliver  func(*core.Reply)
	sent     []*core.Request
	sendErr  error
	stopped  int
	closed   int
	handler  func(req *core.Request) *core.Reply // nil: hold every request
	received chan *core.Request
}

func newFakeEngine() *fakeEngine {
	return &fakeEngine{received: make(chan *core.Request, 1024)}
}

func (f *fakeEngine) Start(deliver func(*core.Reply)) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deliver = deliver
	return "fake:0", nil
}

func (f *fakeEngine) Stop() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopped++
	return nil
}

func (f *fakeEngine) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed++
	return nil
}

func (f *fakeEngine) Send(_ context.Context, req *core.Request) error {
	f.mu.Lock()
	if f.sendErr != nil {
		err := f.sendErr
		f.mu.Unlock()
		return err
	}
	f.sent = append(f.sent, req)
	handler := f.handler
	f.mu.Unlock()

	// handshakes are always answered
	if req.Op == core.OpHandshake {
		go f.reply(okReply(req.ID, core.HandshakeResult{EngineID: "fake"}))
		return nil
	}
	if handler != nil {
		go func() {
			if rep := handler(req); rep != nil {
				f.reply(rep)
			}
		}()
		return nil
	}
	f.received <- req
	return nil
}

func (f *fakeEngine) reply(rep *core.Reply) {
	f.mu.Lock()
	deliver := f.deliver
	f.mu.Unlock()
	deliver(rep)
}

func (f *fakeEngine) next(t *testing.T) *core.Request {
	t.Helper()
	select {
	case req := <-f.received:
		return req
	case <-time.After(2 * time.Second):
		t.Fatal("no request reached the engine")
		return nil
	}
}

func okReply(id types.RequestID, body any) *core.Reply {
	raw, err := core.EncodeBody(body)
	if err != nil {
		panic(err)
	}
	return &core.Reply{ID: id, Body: raw}
}

func failReply(id types.RequestID, kind apierr.Kind, msg string) *core.Reply {
	return &core.Reply{ID: id, Failure: &core.Failure{Kind: kind, Message: msg}}
}

var vol = core.VolumeRef{Domain: "default", Name: "vol"}

func startClient(t *testing.T, eng *fakeEngine, opts ...Option) *Client {
	t.Helper()
	c := New(eng, eng, opts...)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, c.Start(ctx))
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func testCtx(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

// -----------------------------------------------------------------------------
// 1. Lifecycle
// -----------------------------------------------------------------------------

func TestClient_RequestBeforeStart(t *testing.T) {
	eng := newFakeEngine()
	c := New(eng, eng)

	_, err := c.StatBlob(testCtx(t), vol, "/a").Get(testCtx(t))
	assert.ErrorIs(t, err, apierr.ErrServiceUnavailable)
	assert.Empty(t, eng.sent, "nothing may be sent before the listener is up")
}

func TestClient_StartSendsHandshakeWithReplyAddr(t *testing.T) {
	eng := newFakeEngine()
	c := startClient(t, eng)

	require.Len(t, eng.sent, 1)
	hs := eng.sent[0]
	assert.Equal(t, core.OpHandshake, hs.Op)
	assert.Equal(t, c.Session(), hs.Session)

	var body core.HandshakeRequest
	require.NoError(t, core.DecodeBody(hs.Body, &body))
	assert.Equal(t, "fake:0", body.ReplyAddr)

	assert.Error(t, c.Start(testCtx(t)), "second Start must fail")
}

func TestClient_CloseCancelsPendingAndIsIdempotent(t *testing.T) {
	eng := newFakeEngine()
	c := startClient(t, eng)
	ctx := testCtx(t)

	f1 := c.StatBlob(ctx, vol, "/a")
	f2 := c.StatBlob(ctx, vol, "/b")
	eng.next(t)
	eng.next(t)
	require.Equal(t, 2, c.Pending())

	require.NoError(t, c.Close())
	require.NoError(t, c.Close())

	_, err := f1.Get(ctx)
	assert.ErrorIs(t, err, apierr.ErrCancelled)
	_, err = f2.Get(ctx)
	assert.ErrorIs(t, err, apierr.ErrCancelled)
	assert.Zero(t, c.Pending())

	// new requests are refused
	_, err = c.StatBlob(ctx, vol, "/c").Get(ctx)
	assert.ErrorIs(t, err, apierr.ErrCancelled)

	assert.Equal(t, 1, eng.stopped)
	assert.Equal(t, 1, eng.closed)
}

func TestClient_CloseEndsSession(t *testing.T) {
	eng := newFakeEngine()
	c := startClient(t, eng)
	require.NoError(t, c.Close())

	eng.mu.Lock()
	defer eng.mu.Unlock()
	last := eng.sent[len(eng.sent)-1]
	assert.Equal(t, core.OpCloseSession, last.Op)
	assert.Equal(t, c.Session(), last.Session)
	assert.NotEmpty(t, last.ID)
	assert.Zero(t, c.Pending(), "closing a session expects no reply")
}

func TestClient_CloseBeforeStartSendsNothing(t *testing.T) {
	eng := newFakeEngine()
	c := New(eng, eng)
	require.NoError(t, c.Close())
	assert.Empty(t, eng.sent)
}

func TestClient_KeepaliveRepeatsHandshake(t *testing.T) {
	eng := newFakeEngine()
	c := startClient(t, eng, WithKeepalive(20*time.Millisecond))

	handshakes := func() int {
		eng.mu.Lock()
		defer eng.mu.Unlock()
		n := 0
		for _, r := range eng.sent {
			if r.Op == core.OpHandshake {
				assert.Equal(t, c.Session(), r.Session)
				n++
			}
		}
		return n
	}
	assert.Eventually(t, func() bool { return handshakes() >= 3 }, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, c.Close())
	n := handshakes()
	time.Sleep(60 * time.Millisecond)
	assert.Equal(t, n, handshakes(), "no keepalive after Close")
}

// -----------------------------------------------------------------------------
// 2. Correlation
// -----------------------------------------------------------------------------

func TestClient_OutOfOrderReplies(t *testing.T) {
	eng := newFakeEngine()
	c := startClient(t, eng)
	ctx := testCtx(t)

	fa := c.StatBlob(ctx, vol, "/a")
	fb := c.StatBlob(ctx, vol, "/b")
	ra := eng.next(t)
	rb := eng.next(t)

	// answer b first
	eng.reply(okReply(rb.ID, core.BlobDescriptor{Name: "/b", ByteCount: 2}))
	eng.reply(okReply(ra.ID, core.BlobDescriptor{Name: "/a", ByteCount: 1}))

	a, err := fa.Get(ctx)
	require.NoError(t, err)
	b, err := fb.Get(ctx)
	require.NoError(t, err)
	assert.Equal(t, "/a", a.Name)
	assert.Equal(t, "/b", b.Name)
	assert.Zero(t, c.Pending())
}

func TestClient_FailureReplyIsTyped(t *testing.T) {
	eng := newFakeEngine()
	c := startClient(t, eng)
	ctx := testCtx(t)

	f := c.StatBlob(ctx, vol, "/missing")
	req := eng.next(t)
	eng.reply(failReply(req.ID, apierr.KindNotFound, "no such blob"))

	_, err := f.Get(ctx)
	assert.ErrorIs(t, err, apierr.ErrNotFound)
	assert.Contains(t, err.Error(), "statBlob")
}

func TestClient_ConcurrentCallers(t *testing.T) {
	eng := newFakeEngine()
	c := startClient(t, eng)
	ctx := testCtx(t)

	const n = 200
	futures := make([]*Future[core.BlobDescriptor], n)
	var wg sync.WaitGroup
	for i := range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			futures[i] = c.StatBlob(ctx, vol, "/f")
		}()
	}
	wg.Wait()

	reqs := make([]*core.Request, n)
	for i := range n {
		reqs[i] = eng.next(t)
	}
	rand.Shuffle(n, func(i, j int) { reqs[i], reqs[j] = reqs[j], reqs[i] })

	// each reply echoes its id in the name
	var rwg sync.WaitGroup
	for _, r := range reqs {
		rwg.Add(1)
		go func() {
			defer rwg.Done()
			eng.reply(okReply(r.ID, core.BlobDescriptor{Name: r.ID.String()}))
		}()
	}
	rwg.Wait()

	seen := map[string]bool{}
	for _, f := range futures {
		d, err := f.Get(ctx)
		require.NoError(t, err)
		assert.False(t, seen[d.Name], "reply delivered twice")
		seen[d.Name] = true
	}
	assert.Len(t, seen, n)
	assert.Zero(t, c.Pending())
}

// -----------------------------------------------------------------------------
// 3. Timeouts
// -----------------------------------------------------------------------------

func TestClient_TimeoutResolvesOnceAndLateReplyIsDropped(t *testing.T) {
	eng := newFakeEngine()
	c := startClient(t, eng, WithRequestTimeout(time.Hour))
	ctx := testCtx(t)

	// 1. slow carries a short deadline and expires
	short, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	slow := c.StatBlob(short, vol, "/slow")
	slowReq := eng.next(t)

	select {
	case <-slow.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("timeout sweep never fired")
	}
	_, err := slow.Get(ctx)
	assert.ErrorIs(t, err, apierr.ErrTimeout)

	// 2. a second request is in flight when the late reply shows up
	other := c.StatBlob(ctx, vol, "/other")
	otherReq := eng.next(t)

	eng.reply(okReply(slowReq.ID, core.BlobDescriptor{Name: "/slow"}))

	// the late reply changed nothing
	_, err = slow.Get(ctx)
	assert.ErrorIs(t, err, apierr.ErrTimeout)
	assert.False(t, other.Ready())
	assert.Equal(t, 1, c.Pending())

	eng.reply(okReply(otherReq.ID, core.BlobDescriptor{Name: "/other"}))
	d, err := other.Get(ctx)
	require.NoError(t, err)
	assert.Equal(t, "/other", d.Name)
	assert.Zero(t, c.Pending())
}

func TestClient_SettledRequestsLeaveNoDeadlines(t *testing.T) {
	eng := newFakeEngine()
	eng.handler = func(req *core.Request) *core.Reply {
		return okReply(req.ID, core.VolumeDescriptor{Ref: vol, Settings: core.VolumeSettings{ObjectSize: 4}})
	}
	c := startClient(t, eng, WithRequestTimeout(time.Hour))
	ctx := testCtx(t)

	for range 100 {
		_, err := c.StatVolume(ctx, vol).Get(ctx)
		require.NoError(t, err)
	}
	assert.Zero(t, c.Pending())
	assert.Zero(t, c.pending.deadlineLen())
}

func TestClient_ContextDeadlineShortensRequestDeadline(t *testing.T) {
	eng := newFakeEngine()
	c := startClient(t, eng, WithRequestTimeout(time.Hour))

	short, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	f := c.StatBlob(short, vol, "/a")
	eng.next(t)

	select {
	case <-f.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("request outlived its context deadline")
	}
	_, err := f.Get(testCtx(t))
	assert.ErrorIs(t, err, apierr.ErrTimeout)
}

func TestClient_EarlierDeadlineWakesSweeper(t *testing.T) {
	eng := newFakeEngine()
	c := startClient(t, eng, WithRequestTimeout(time.Hour))

	// 1. a long deadline parks the sweeper
	_ = c.StatBlob(context.Background(), vol, "/long")
	eng.next(t)

	// 2. an earlier one must still fire on time
	short, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	f := c.StatBlob(short, vol, "/short")
	eng.next(t)

	select {
	case <-f.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("sweeper was not woken by an earlier deadline")
	}
	assert.Equal(t, 1, c.Pending())
}

// -----------------------------------------------------------------------------
// 4. Send path
// -----------------------------------------------------------------------------

func TestClient_SendFailureCompletesImmediately(t *testing.T) {
	eng := newFakeEngine()
	c := startClient(t, eng)

	eng.mu.Lock()
	eng.sendErr = apierr.New(apierr.KindServiceUnavailable, "send", "queue full")
	eng.mu.Unlock()

	f := c.DeleteBlob(testCtx(t), vol, "/a")
	require.True(t, f.Ready())
	_, err := f.Get(testCtx(t))
	assert.ErrorIs(t, err, apierr.ErrServiceUnavailable)
	assert.Zero(t, c.Pending())
}

func TestClient_InvalidArgumentsNeverReachTheEngine(t *testing.T) {
	eng := newFakeEngine()
	c := startClient(t, eng)
	ctx := testCtx(t)
	sentBefore := len(eng.sent)

	_, err := c.ReadObject(ctx, vol, "/a", 0, 0, -1).Get(ctx)
	assert.ErrorIs(t, err, apierr.ErrInvalidRequest)

	_, err = c.ReadObjects(ctx, vol, "/a", 0, -5).Get(ctx)
	assert.ErrorIs(t, err, apierr.ErrInvalidRequest)

	_, err = c.StatBlob(ctx, core.VolumeRef{}, "/a").Get(ctx)
	assert.ErrorIs(t, err, apierr.ErrInvalidRequest)

	_, err = c.StatBlob(ctx, vol, "").Get(ctx)
	assert.ErrorIs(t, err, apierr.ErrInvalidRequest)

	assert.Len(t, eng.sent, sentBefore)
}

func TestClient_ContextCancelOnGet(t *testing.T) {
	eng := newFakeEngine()
	c := startClient(t, eng)

	f := c.StatBlob(context.Background(), vol, "/a")
	eng.next(t)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := f.Get(ctx)
	assert.ErrorIs(t, err, apierr.ErrCancelled)
	assert.True(t, errors.Is(err, context.Canceled))
	assert.Equal(t, 1, c.Pending(), "abandoning Get does not drop the request")
}

// -----------------------------------------------------------------------------
// 5. Multi-object reads
// -----------------------------------------------------------------------------

// objectEngine answers statVolume and readObject from a flat byte slice.
func objectEngine(objectSize int64, content []byte) func(*core.Request) *core.Reply {
	return func(req *core.Request) *core.Reply {
		switch req.Op {
		case core.OpStatVolume:
			var body core.VolumeRequest
			_ = core.DecodeBody(req.Body, &body)
			return okReply(req.ID, core.VolumeDescriptor{Ref: body.Volume, Settings: core.VolumeSettings{ObjectSize: objectSize}})
		case core.OpReadObject:
			var body core.ReadObjectRequest
			_ = core.DecodeBody(req.Body, &body)
			start := body.Index.ByteOffset(objectSize) + body.InnerOffset
			out := make([]byte, body.InnerLength)
			if start < int64(len(content)) {
				copy(out, content[start:])
			}
			return okReply(req.ID, core.ObjectData{Data: out})
		}
		return failReply(req.ID, apierr.KindInvalidRequest, "unexpected op")
	}
}

func TestClient_ReadObjectsSpansObjects(t *testing.T) {
	content := []byte("0123456789abcdefghij")
	eng := newFakeEngine()
	eng.handler = objectEngine(4, content)
	c := startClient(t, eng)
	ctx := testCtx(t)

	got, err := c.ReadObjects(ctx, vol, "/f", 1, 10).Get(ctx)
	require.NoError(t, err)
	assert.Equal(t, content[4:14], got)

	// object size is asked for once
	_, err = c.ReadObjects(ctx, vol, "/f", 2, 3).Get(ctx)
	require.NoError(t, err)

	stats := 0
	eng.mu.Lock()
	for _, r := range eng.sent {
		if r.Op == core.OpStatVolume {
			stats++
		}
	}
	eng.mu.Unlock()
	assert.Equal(t, 1, stats)
}

func TestClient_CreateVolumeDefaultsObjectSize(t *testing.T) {
	eng := newFakeEngine()
	c := startClient(t, eng)
	ctx := testCtx(t)

	f := c.CreateVolume(ctx, vol, core.VolumeSettings{})
	req := eng.next(t)

	var body core.VolumeRequest
	require.NoError(t, core.DecodeBody(req.Body, &body))
	assert.Equal(t, core.DefaultObjectSize, body.Settings.ObjectSize)

	eng.reply(okReply(req.ID, core.VolumeDescriptor{Ref: vol, Settings: body.Settings}))
	_, err := f.Get(ctx)
	require.NoError(t, err)

	size, err := c.ObjectSize(ctx, vol)
	require.NoError(t, err)
	assert.Equal(t, core.DefaultObjectSize, size)
}

// -----------------------------------------------------------------------------
// 6. Throttle
// -----------------------------------------------------------------------------

func TestClient_RateLimitSpacesSends(t *testing.T) {
	eng := newFakeEngine()
	eng.handler = func(req *core.Request) *core.Reply {
		return okReply(req.ID, core.VolumeDescriptor{Ref: vol, Settings: core.VolumeSettings{ObjectSize: 4}})
	}
	// the handshake spends the only burst token
	c := startClient(t, eng, WithRateLimit(20, 1))
	ctx := testCtx(t)

	start := time.Now()
	for range 3 {
		_, err := c.StatVolume(ctx, vol).Get(ctx)
		require.NoError(t, err)
	}
	assert.GreaterOrEqual(t, time.Since(start), 100*time.Millisecond)
}

func TestClient_RateLimitRespectsDeadline(t *testing.T) {
	eng := newFakeEngine()
	c := startClient(t, eng, WithRateLimit(0.5, 1))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := c.StatVolume(ctx, vol).Get(context.Background())
	assert.ErrorIs(t, err, apierr.ErrTimeout)
	assert.Zero(t, c.Pending())
}
