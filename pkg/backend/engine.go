// Package backend is the reference blob engine: it accepts one-way requests,
// runs them on a worker pool against the catalog and the object store, and
// delivers each outcome back to the session that asked.
package backend

import (
	"context"
	"errors"
	"log/slog"
	"runtime"
	"sync"
	"time"

	"blobgate/pkg/apierr"
	"blobgate/pkg/core"
	"blobgate/pkg/meta"
	"blobgate/pkg/storage"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

const (
	DefaultQueueSize      = 1024
	DefaultTxTTL          = 10 * time.Minute
	DefaultSessionTTL     = 10 * time.Minute
	DefaultRequestTimeout = 30 * time.Second
	DefaultListLimit      = 1000
	deliverTimeout        = 10 * time.Second
)

// ErrQueueFull is returned by Submit when the request queue is at capacity.
var ErrQueueFull = apierr.New(apierr.KindServiceUnavailable, "submit", "request queue full")

type Config struct {
	Workers        int
	QueueSize      int
	TxTTL          time.Duration
	SessionTTL     time.Duration // idle sessions are dropped after this
	RequestTimeout time.Duration
	ListLimit      int
}

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = runtime.NumCPU()
	}
	if c.QueueSize <= 0 {
		c.QueueSize = DefaultQueueSize
	}
	if c.TxTTL <= 0 {
		c.TxTTL = DefaultTxTTL
	}
	if c.SessionTTL <= 0 {
		c.SessionTTL = DefaultSessionTTL
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = DefaultRequestTimeout
	}
	if c.ListLimit <= 0 {
		c.ListLimit = DefaultListLimit
	}
	return c
}

type Engine struct {
	id     string
	cfg    Config
	repo   *meta.Repository
	store  storage.Store
	logger *slog.Logger

	routes   map[core.Op]handlerFunc
	sessions *sessionTable
	txs      *txTable

	queue chan *core.Request

	mu      sync.RWMutex
	started bool
	stopped bool
	stop    chan struct{}
	group   *errgroup.Group
}

type Option func(*Engine)

func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) {
		if l != nil {
			e.logger = l
		}
	}
}

// WithDialer replaces how reply addresses announced at handshake are reached.
func WithDialer(d Dialer) Option {
	return func(e *Engine) { e.sessions.dial = d }
}

func NewEngine(repo *meta.Repository, store storage.Store, cfg Config, opts ...Option) *Engine {
	cfg = cfg.withDefaults()
	e := &Engine{
		id:     uuid.NewString(),
		cfg:    cfg,
		repo:   repo,
		store:  store,
		logger: slog.Default(),
		txs:    newTxTable(),
		queue:  make(chan *core.Request, cfg.QueueSize),
		stop:   make(chan struct{}),
	}
	e.sessions = newSessionTable(e.dialAddr)
	for _, opt := range opts {
		opt(e)
	}
	e.logger = e.logger.With("component", "engine", "engine_id", e.id)
	e.routes = e.buildRoutes()
	return e
}

func (e *Engine) ID() string { return e.id }

// Sessions reports how many client sessions are registered.
func (e *Engine) Sessions() int { return e.sessions.len() }

// Start launches the workers and the idle sweeper. Requests submitted
// before Start wait in the queue.
func (e *Engine) Start() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.started || e.stopped {
		return
	}
	e.started = true

	e.group = new(errgroup.Group)
	for i := 0; i < e.cfg.Workers; i++ {
		e.group.Go(func() error {
			e.work()
			return nil
		})
	}
	e.group.Go(func() error {
		e.sweepIdle()
		return nil
	})
	e.logger.Info("engine started", "workers", e.cfg.Workers, "queue", e.cfg.QueueSize)
}

// Stop rejects new requests, lets workers finish the request in hand and
// closes every reply session. Queued requests are dropped. Idempotent.
func (e *Engine) Stop() {
	e.mu.Lock()
	if e.stopped {
		e.mu.Unlock()
		return
	}
	e.stopped = true
	close(e.stop)
	g := e.group
	e.mu.Unlock()

	if g != nil {
		_ = g.Wait()
	}
	e.sessions.closeAll()
	e.logger.Info("engine stopped", "dropped", len(e.queue))
}

// Submit enqueues req without blocking.
func (e *Engine) Submit(req *core.Request) error {
	if req == nil || req.ID == "" || req.Op == "" {
		return apierr.New(apierr.KindInvalidRequest, "submit", "request without id or op")
	}

	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.stopped {
		return apierr.New(apierr.KindServiceUnavailable, string(req.Op), "engine stopped")
	}
	select {
	case e.queue <- req:
		return nil
	default:
		return ErrQueueFull
	}
}

func (e *Engine) work() {
	for {
		select {
		case <-e.stop:
			return
		case req := <-e.queue:
			e.process(req)
		}
	}
}

func (e *Engine) process(req *core.Request) {
	ctx, cancel := context.WithTimeout(context.Background(), e.cfg.RequestTimeout)
	defer cancel()

	e.sessions.touch(req.Session)

	start := time.Now()
	rep := e.Handle(ctx, req)

	log := e.logger.With("op", req.Op, "request_id", req.ID, "session", req.Session,
		"duration", time.Since(start))
	if rep.Failure != nil {
		log.Debug("request failed", "kind", rep.Failure.Kind, "error", rep.Failure.Message)
	} else {
		log.Debug("request done")
	}

	if req.Op == core.OpCloseSession {
		return
	}
	e.sessions.deliver(ctx, req.Session, rep, e.logger)
}

// Handle runs one request synchronously and builds its reply.
func (e *Engine) Handle(ctx context.Context, req *core.Request) *core.Reply {
	rep := &core.Reply{ID: req.ID}

	h, ok := e.routes[req.Op]
	if !ok {
		rep.Failure = core.FailureOf(apierr.New(apierr.KindInvalidRequest, string(req.Op), "unknown operation"))
		return rep
	}

	result, err := h(ctx, req)
	if err != nil {
		rep.Failure = core.FailureOf(classify(req.Op, err))
		return rep
	}
	body, err := core.EncodeBody(result)
	if err != nil {
		rep.Failure = core.FailureOf(apierr.Wrap(apierr.KindInternal, string(req.Op), err))
		return rep
	}
	rep.Body = body
	return rep
}

// classify maps catalog and store errors onto the failure taxonomy.
func classify(op core.Op, err error) error {
	var typed *apierr.Error
	switch {
	case errors.As(err, &typed):
		if typed.Op == "" {
			cp := *typed
			cp.Op = string(op)
			return &cp
		}
		return err
	case errors.Is(err, meta.ErrVolumeNotFound), errors.Is(err, meta.ErrBlobNotFound):
		return apierr.Wrap(apierr.KindNotFound, string(op), err)
	case errors.Is(err, meta.ErrAlreadyExists):
		return apierr.Wrap(apierr.KindAlreadyExists, string(op), err)
	case errors.Is(err, meta.ErrConcurrentUpdate):
		return apierr.Wrap(apierr.KindConflict, string(op), err)
	case errors.Is(err, context.DeadlineExceeded):
		return apierr.Wrap(apierr.KindTimeout, string(op), err)
	case errors.Is(err, context.Canceled):
		return apierr.Wrap(apierr.KindCancelled, string(op), err)
	case errors.Is(err, storage.ErrNotFound):
		// a catalog row points at a missing payload
		return apierr.Wrap(apierr.KindInternal, string(op), err)
	}
	return apierr.Wrap(apierr.KindInternal, string(op), err)
}
