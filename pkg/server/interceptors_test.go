package server

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"testing"

	"blobgate/pkg/core"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

func newBufferLogger() (*slog.Logger, *bytes.Buffer) {
	var buf bytes.Buffer
	h := slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug})
	return slog.New(h), &buf
}

var info = &grpc.UnaryServerInfo{FullMethod: "/blobgate.v1.RequestService/Send"}

func TestUnaryRecovery_ConvertsPanic(t *testing.T) {
	logger, buf := newBufferLogger()
	handler := func(ctx context.Context, req any) (any, error) {
		panic("boom")
	}

	resp, err := UnaryRecovery(logger)(context.Background(), nil, info, handler)
	assert.Nil(t, resp)
	require.Error(t, err)
	assert.Equal(t, codes.Internal, status.Code(err))
	assert.Contains(t, buf.String(), "panic recovered")
}

func TestUnaryLogging_IncludesCorrelationID(t *testing.T) {
	logger, buf := newBufferLogger()
	req := &core.Request{ID: "corr-42", Op: core.OpStatBlob}

	_, err := UnaryLogging(logger)(context.Background(), req, info, func(ctx context.Context, req any) (any, error) {
		return &core.Ack{Accepted: true}, nil
	})
	require.NoError(t, err)
	assert.Contains(t, buf.String(), "id=corr-42")
	assert.Contains(t, buf.String(), "level=DEBUG")

	buf.Reset()
	_, err = UnaryLogging(logger)(context.Background(), req, info, func(ctx context.Context, req any) (any, error) {
		return nil, errors.New("plain failure")
	})
	require.Error(t, err)
	assert.Contains(t, buf.String(), "level=ERROR")
}
