package backend

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"blobgate/pkg/apierr"
	"blobgate/pkg/core"
	"blobgate/pkg/rpc"
	"blobgate/pkg/types"

	"github.com/google/uuid"
	"google.golang.org/grpc"
)

// Deliverer carries replies back to one client session.
type Deliverer interface {
	Deliver(ctx context.Context, rep *core.Reply) error
	Close() error
}

// Dialer reaches the reply address a client announced at handshake.
type Dialer func(addr string) (Deliverer, error)

// localScheme marks reply addresses served in-process by a LocalTransport.
const localScheme = "local://"

// -----------------------------------------------------------------------------
// Session table
// -----------------------------------------------------------------------------

type sessionTable struct {
	dial     Dialer
	sessions sync.Map // types.SessionID -> *session
	locals   sync.Map // addr -> DeliverFunc
}

type session struct {
	addr string
	d    Deliverer
	seen atomic.Int64 // unix nanos of the last request or handshake
}

func (s *session) touch(now time.Time) { s.seen.Store(now.UnixNano()) }

func (s *session) idleSince(now time.Time) time.Duration {
	return now.Sub(time.Unix(0, s.seen.Load()))
}

func newSessionTable(dial Dialer) *sessionTable {
	return &sessionTable{dial: dial}
}

// register binds id to addr, replacing (and closing) an older binding. A
// repeated handshake with the same address only refreshes the session and
// reports false.
func (t *sessionTable) register(id types.SessionID, addr string) (bool, error) {
	if v, ok := t.sessions.Load(id); ok && v.(*session).addr == addr {
		v.(*session).touch(time.Now())
		return false, nil
	}
	d, err := t.dial(addr)
	if err != nil {
		return false, err
	}
	s := &session{addr: addr, d: d}
	s.touch(time.Now())
	if old, loaded := t.sessions.Swap(id, s); loaded {
		_ = old.(*session).d.Close()
	}
	return true, nil
}

func (t *sessionTable) touch(id types.SessionID) {
	if v, ok := t.sessions.Load(id); ok {
		v.(*session).touch(time.Now())
	}
}

// remove closes and forgets id. It reports whether the session existed.
func (t *sessionTable) remove(id types.SessionID) bool {
	v, ok := t.sessions.LoadAndDelete(id)
	if ok {
		_ = v.(*session).d.Close()
	}
	return ok
}

// expire drops every session idle for longer than ttl.
func (t *sessionTable) expire(now time.Time, ttl time.Duration) []types.SessionID {
	var dropped []types.SessionID
	t.sessions.Range(func(k, v any) bool {
		if v.(*session).idleSince(now) > ttl {
			id := k.(types.SessionID)
			// a handshake may have replaced it meanwhile
			if t.sessions.CompareAndDelete(id, v) {
				_ = v.(*session).d.Close()
				dropped = append(dropped, id)
			}
		}
		return true
	})
	return dropped
}

func (t *sessionTable) len() int {
	n := 0
	t.sessions.Range(func(_, _ any) bool {
		n++
		return true
	})
	return n
}

func (t *sessionTable) deliver(ctx context.Context, id types.SessionID, rep *core.Reply, logger *slog.Logger) {
	v, ok := t.sessions.Load(id)
	if !ok {
		logger.Warn("reply dropped: unknown session", "session", id, "request_id", rep.ID)
		return
	}
	dctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), deliverTimeout)
	defer cancel()
	if err := v.(*session).d.Deliver(dctx, rep); err != nil {
		logger.Warn("reply delivery failed", "session", id, "request_id", rep.ID, "error", err)
	}
}

func (t *sessionTable) closeAll() {
	t.sessions.Range(func(k, v any) bool {
		_ = v.(*session).d.Close()
		t.sessions.Delete(k)
		return true
	})
}

// dialAddr is the default Dialer: local:// addresses resolve to in-process
// transports, anything else is a grpc ResponseService endpoint.
func (e *Engine) dialAddr(addr string) (Deliverer, error) {
	if strings.HasPrefix(addr, localScheme) {
		v, ok := e.sessions.locals.Load(addr)
		if !ok {
			return nil, apierr.New(apierr.KindInvalidRequest, string(core.OpHandshake), "no local listener at %s", addr)
		}
		return v.(DeliverFunc), nil
	}
	return DialGRPC(addr)
}

// -----------------------------------------------------------------------------
// grpc delivery
// -----------------------------------------------------------------------------

type grpcDeliverer struct {
	conn   *grpc.ClientConn
	client *rpc.ResponseClient
}

// DialGRPC connects to a client's ResponseService.
func DialGRPC(addr string) (Deliverer, error) {
	if addr == "" {
		return nil, apierr.New(apierr.KindInvalidRequest, string(core.OpHandshake), "empty reply address")
	}
	conn, err := rpc.Dial(addr)
	if err != nil {
		return nil, fmt.Errorf("dial reply address %s: %w", addr, err)
	}
	return &grpcDeliverer{conn: conn, client: rpc.NewResponseClient(conn)}, nil
}

func (d *grpcDeliverer) Deliver(ctx context.Context, rep *core.Reply) error {
	ack, err := d.client.Deliver(ctx, rep)
	if err != nil {
		return err
	}
	if !ack.Accepted {
		return fmt.Errorf("reply %s refused", rep.ID)
	}
	return nil
}

func (d *grpcDeliverer) Close() error { return d.conn.Close() }

// DeliverFunc adapts a callback to Deliverer.
type DeliverFunc func(*core.Reply)

func (f DeliverFunc) Deliver(_ context.Context, rep *core.Reply) error {
	f(rep)
	return nil
}

func (f DeliverFunc) Close() error { return nil }

// -----------------------------------------------------------------------------
// In-process transport
// -----------------------------------------------------------------------------

// LocalTransport connects a client to an engine in the same process. It is
// both the client's Sender and its ReplyListener.
type LocalTransport struct {
	engine *Engine

	mu   sync.Mutex
	addr string
}

func NewLocalTransport(e *Engine) *LocalTransport {
	return &LocalTransport{engine: e}
}

func (t *LocalTransport) Send(ctx context.Context, req *core.Request) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return t.engine.Submit(req)
}

func (t *LocalTransport) Close() error { return nil }

func (t *LocalTransport) Start(deliver func(*core.Reply)) (string, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.addr != "" {
		return "", fmt.Errorf("local transport already started")
	}
	t.addr = localScheme + uuid.NewString()
	t.engine.sessions.locals.Store(t.addr, DeliverFunc(deliver))
	return t.addr, nil
}

func (t *LocalTransport) Stop() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.addr != "" {
		t.engine.sessions.locals.Delete(t.addr)
		t.addr = ""
	}
	return nil
}
