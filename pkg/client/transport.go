package client

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sync"

	"blobgate/pkg/apierr"
	"blobgate/pkg/core"
	"blobgate/pkg/rpc"
	"blobgate/pkg/server"

	"google.golang.org/grpc"
)

// Sender performs one-way sends to the engine. A nil error only means the
// engine accepted the message.
type Sender interface {
	Send(ctx context.Context, req *core.Request) error
	Close() error
}

// ReplyListener is the inbound path. Start must be listening when it
// returns and reports the address the engine should deliver to.
type ReplyListener interface {
	Start(deliver func(*core.Reply)) (addr string, err error)
	Stop() error
}

// =============================================================================
// grpc sender
// =============================================================================

// GRPCSender sends requests through blobgate.v1.RequestService.
type GRPCSender struct {
	conn   *grpc.ClientConn
	client *rpc.RequestClient
}

func NewGRPCSender(addr string) (*GRPCSender, error) {
	conn, err := rpc.Dial(addr)
	if err != nil {
		return nil, err
	}
	return &GRPCSender{conn: conn, client: rpc.NewRequestClient(conn)}, nil
}

func (s *GRPCSender) Send(ctx context.Context, req *core.Request) error {
	ack, err := s.client.Send(ctx, req)
	if err != nil {
		return apierr.FromStatus(string(req.Op), err)
	}
	if !ack.Accepted {
		return apierr.New(apierr.KindServiceUnavailable, string(req.Op), "engine refused the request")
	}
	return nil
}

func (s *GRPCSender) Close() error {
	if s.conn != nil {
		return s.conn.Close()
	}
	return nil
}

// =============================================================================
// grpc reply listener
// =============================================================================

// GRPCListener serves blobgate.v1.ResponseService on a local address.
type GRPCListener struct {
	listenAddr    string
	advertiseAddr string
	logger        *slog.Logger

	mu  sync.Mutex
	srv *grpc.Server
}

// NewGRPCListener listens on listenAddr (":0" picks a port). advertiseAddr is
// what the engine dials back; empty means derive it from the bound address.
func NewGRPCListener(listenAddr, advertiseAddr string, logger *slog.Logger) *GRPCListener {
	if logger == nil {
		logger = slog.Default()
	}
	return &GRPCListener{listenAddr: listenAddr, advertiseAddr: advertiseAddr, logger: logger}
}

func (l *GRPCListener) Start(deliver func(*core.Reply)) (string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.srv != nil {
		return "", fmt.Errorf("reply listener already started")
	}

	lis, err := net.Listen("tcp", l.listenAddr)
	if err != nil {
		return "", fmt.Errorf("failed to listen on %s: %w", l.listenAddr, err)
	}

	srv := grpc.NewServer(rpc.ServerOptions(server.Interceptors(l.logger))...)
	rpc.RegisterResponseServer(srv, replySink(deliver))
	go func() {
		if err := srv.Serve(lis); err != nil {
			l.logger.Error("reply listener stopped", slog.String("err", err.Error()))
		}
	}()
	l.srv = srv

	return advertised(l.advertiseAddr, lis.Addr()), nil
}

func (l *GRPCListener) Stop() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.srv != nil {
		l.srv.Stop()
		l.srv = nil
	}
	return nil
}

// advertised picks the address the engine should dial. An unspecified bind
// host (0.0.0.0, ::) is replaced by loopback.
func advertised(configured string, bound net.Addr) string {
	if configured != "" {
		return configured
	}
	tcp, ok := bound.(*net.TCPAddr)
	if !ok {
		return bound.String()
	}
	host := tcp.IP.String()
	if tcp.IP == nil || tcp.IP.IsUnspecified() {
		host = "127.0.0.1"
	}
	return net.JoinHostPort(host, fmt.Sprint(tcp.Port))
}

// replySink adapts a deliver callback to the grpc service.
type replySink func(*core.Reply)

func (f replySink) Deliver(_ context.Context, rep *core.Reply) (*core.Ack, error) {
	f(rep)
	return &core.Ack{Accepted: true}, nil
}
