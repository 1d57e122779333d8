// Package client is the asynchronous access path to a blob engine.
//
// The engine only takes one-way sends; its replies arrive on a separate
// inbound listener. Every request is stamped with a fresh correlation id and
// registered before it is sent; the reply, the deadline sweeper and Close
// race to take the entry, and whoever takes it completes the Future.
package client

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"blobgate/pkg/apierr"
	"blobgate/pkg/core"
	"blobgate/pkg/types"

	"github.com/google/uuid"
	"golang.org/x/time/rate"
)

const (
	DefaultRequestTimeout = 30 * time.Second
	// DefaultKeepalive must stay well under the engine's session TTL.
	DefaultKeepalive = time.Minute
)

type state uint8

const (
	stateNew state = iota
	stateRunning
	stateClosed
)

// Client is the AsyncBlobClient. It is safe for concurrent use.
type Client struct {
	session  types.SessionID
	sender   Sender
	listener ReplyListener
	pending  *pendingTable

	timeout   time.Duration
	keepalive time.Duration
	limiter   *rate.Limiter
	logger    *slog.Logger

	// volume object sizes, immutable once a volume exists
	objectSizes sync.Map // core.VolumeRef -> int64

	lifecycle sync.RWMutex
	state     state
	stop      chan struct{}
	workers   sync.WaitGroup // deadline sweeper and keepalive
	closeOnce sync.Once
}

type Option func(*Client)

// WithRequestTimeout sets the per-request deadline.
func WithRequestTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.timeout = d
		}
	}
}

// WithKeepalive sets how often an idle session is re-announced to the engine.
func WithKeepalive(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.keepalive = d
		}
	}
}

// WithRateLimit throttles outbound sends to r per second with the given burst.
func WithRateLimit(r float64, burst int) Option {
	return func(c *Client) {
		if r > 0 {
			c.limiter = rate.NewLimiter(rate.Limit(r), max(burst, 1))
		}
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(c *Client) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithSessionID pins the session id announced at handshake.
func WithSessionID(id types.SessionID) Option {
	return func(c *Client) { c.session = id }
}

func New(sender Sender, listener ReplyListener, opts ...Option) *Client {
	c := &Client{
		session:  types.SessionID(uuid.NewString()),
		sender:   sender,
		listener: listener,
		pending:  newPendingTable(),
		timeout:   DefaultRequestTimeout,
		keepalive: DefaultKeepalive,
		logger:    slog.Default(),
		stop:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.With(slog.String("session", c.session.String()))
	return c
}

// Dial builds a grpc-backed client. Nothing is sent until Start.
func Dial(serverAddr, listenAddr, advertiseAddr string, opts ...Option) (*Client, error) {
	sender, err := NewGRPCSender(serverAddr)
	if err != nil {
		return nil, err
	}
	c := New(sender, nil, opts...)
	c.listener = NewGRPCListener(listenAddr, advertiseAddr, c.logger)
	return c, nil
}

func (c *Client) Session() types.SessionID { return c.session }

// Pending reports how many requests are awaiting a reply.
func (c *Client) Pending() int { return c.pending.len() }

// Start brings up the inbound listener, then the timeout sweeper and the
// keepalive, and finally announces the listener to the engine with a
// handshake.
func (c *Client) Start(ctx context.Context) error {
	c.lifecycle.Lock()
	if c.state != stateNew {
		c.lifecycle.Unlock()
		return fmt.Errorf("client already started or closed")
	}

	// 1. Inbound path first: no request may go out before a reply can land
	addr, err := c.listener.Start(c.deliver)
	if err != nil {
		c.lifecycle.Unlock()
		return apierr.Wrap(apierr.KindServiceUnavailable, "start", err)
	}

	// 2. Deadline sweeper and keepalive
	c.workers.Add(2)
	go func() {
		defer c.workers.Done()
		c.pending.sweep(c.stop, c.expire)
	}()
	go func() {
		defer c.workers.Done()
		c.keepAlive(addr)
	}()
	c.state = stateRunning
	c.lifecycle.Unlock()

	// 3. Handshake
	if _, err := c.Handshake(ctx, addr).Get(ctx); err != nil {
		return fmt.Errorf("handshake with engine failed: %w", err)
	}
	c.logger.Info("blob client started", slog.String("reply_addr", addr))
	return nil
}

// Close rejects new requests, fails every pending one with Cancelled, ends
// the engine session and releases the inbound listener. Calling it again is
// a no-op.
func (c *Client) Close() error {
	var errs []error
	c.closeOnce.Do(func() {
		c.lifecycle.Lock()
		started := c.state == stateRunning
		c.state = stateClosed
		c.lifecycle.Unlock()

		close(c.stop)
		c.workers.Wait()

		for _, cl := range c.pending.drain() {
			cl.complete(nil, apierr.New(apierr.KindCancelled, string(cl.op), "client is shutting down"))
		}
		if started {
			c.endSession()
		}

		if c.listener != nil {
			if err := c.listener.Stop(); err != nil {
				errs = append(errs, err)
			}
		}
		if c.sender != nil {
			if err := c.sender.Close(); err != nil {
				errs = append(errs, err)
			}
		}
	})
	if len(errs) > 0 {
		return fmt.Errorf("close blob client: %v", errs)
	}
	return nil
}

// issue registers and sends one request. Failures before or during the send
// complete the returned cell immediately.
func (c *Client) issue(ctx context.Context, op core.Op, body any) *call {
	cl := newCall(types.RequestID(uuid.NewString()), op)

	req, err := core.NewRequest(op, body)
	if err != nil {
		cl.complete(nil, apierr.Wrap(apierr.KindInternal, string(op), err))
		return cl
	}
	req.ID = cl.id
	req.Session = c.session

	// 1. Register under the read side of the lifecycle lock so Close cannot
	// slip between the state check and the insert.
	c.lifecycle.RLock()
	switch c.state {
	case stateNew:
		c.lifecycle.RUnlock()
		cl.complete(nil, apierr.New(apierr.KindServiceUnavailable, string(op), "client not started"))
		return cl
	case stateClosed:
		c.lifecycle.RUnlock()
		cl.complete(nil, apierr.New(apierr.KindCancelled, string(op), "client is closed"))
		return cl
	}
	c.pending.register(cl, c.deadline(ctx))
	c.lifecycle.RUnlock()

	// 2. Throttle
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			// Wait also fails early when the token would arrive after ctx's deadline
			kind := apierr.KindTimeout
			if ctx.Err() != nil {
				kind = apierr.KindOf(ctx.Err())
			}
			c.fail(cl.id, apierr.Wrap(kind, string(op), err))
			return cl
		}
	}

	// 3. One-way send
	if err := c.sender.Send(ctx, req); err != nil {
		c.fail(cl.id, err)
	}
	return cl
}

func (c *Client) deadline(ctx context.Context) time.Time {
	d := time.Now().Add(c.timeout)
	if cd, ok := ctx.Deadline(); ok && cd.Before(d) {
		return cd
	}
	return d
}

func (c *Client) fail(id types.RequestID, err error) {
	if cl, ok := c.pending.take(id); ok {
		cl.complete(nil, err)
	}
}

// deliver is the inbound path.
func (c *Client) deliver(rep *core.Reply) {
	cl, ok := c.pending.take(rep.ID)
	if !ok {
		c.logger.Debug("discarding reply with no pending request", slog.String("id", rep.ID.String()))
		return
	}
	cl.complete(rep, nil)
}

func (c *Client) expire(cl *call) {
	cl.complete(nil, apierr.New(apierr.KindTimeout, string(cl.op), "no reply within %s", c.timeout))
	c.logger.Warn("request timed out", slog.String("op", string(cl.op)), slog.String("id", cl.id.String()))
}

// keepAlive repeats the handshake so an idle session is not reclaimed by the
// engine. It runs until Close.
func (c *Client) keepAlive(addr string) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		<-c.stop
		cancel()
	}()

	ticker := time.NewTicker(c.keepalive)
	defer ticker.Stop()
	for {
		select {
		case <-c.stop:
			return
		case <-ticker.C:
			if _, err := c.Handshake(ctx, addr).Get(ctx); err != nil && ctx.Err() == nil {
				c.logger.Warn("keepalive failed", slog.String("error", err.Error()))
			}
		}
	}
}

// endSession tells the engine to forget this session. It is one-way and
// best effort; an engine that never hears it drops the session once idle.
func (c *Client) endSession() {
	req, err := core.NewRequest(core.OpCloseSession, nil)
	if err != nil {
		return
	}
	req.ID = types.RequestID(uuid.NewString())
	req.Session = c.session

	ctx, cancel := context.WithTimeout(context.Background(), min(c.timeout, 5*time.Second))
	defer cancel()
	if err := c.sender.Send(ctx, req); err != nil {
		c.logger.Debug("close session not sent", slog.String("error", err.Error()))
	}
}
