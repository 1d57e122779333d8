package service

import (
	"context"
	"errors"
	"log/slog"

	"blobgate/pkg/apierr"
	"blobgate/pkg/backend"
	"blobgate/pkg/core"
	"blobgate/pkg/rpc"
	"blobgate/pkg/server"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// Submitter accepts a request for asynchronous processing.
type Submitter interface {
	Submit(req *core.Request) error
}

// RequestService is the engine side of blobgate.v1.RequestService. It only
// enqueues; the outcome goes back through the session's ResponseService.
type RequestService struct {
	engine Submitter
}

func NewRequestService(engine Submitter) *RequestService {
	return &RequestService{engine: engine}
}

func (s *RequestService) Send(_ context.Context, req *core.Request) (*core.Ack, error) {
	// 1. Envelope
	if req == nil || req.ID == "" {
		return nil, status.Error(codes.InvalidArgument, "request id is required")
	}
	if req.Op == "" {
		return nil, status.Error(codes.InvalidArgument, "request op is required")
	}
	if req.Session == "" {
		return nil, status.Error(codes.InvalidArgument, "session id is required")
	}

	// 2. Enqueue
	if err := s.engine.Submit(req); err != nil {
		if errors.Is(err, backend.ErrQueueFull) {
			return nil, status.Error(codes.ResourceExhausted, err.Error())
		}
		return nil, apierr.ToStatus(err)
	}
	return &core.Ack{Accepted: true}, nil
}

// NewGRPCServer builds the engine's grpc server with logging and recovery.
// Reflection is not registered: the services are CBOR over hand-written
// descriptors, so there is no proto schema to describe.
func NewGRPCServer(engine Submitter, logger *slog.Logger) *grpc.Server {
	srv := grpc.NewServer(rpc.ServerOptions(server.Interceptors(logger))...)
	rpc.RegisterRequestServer(srv, NewRequestService(engine))
	return srv
}
