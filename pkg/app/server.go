package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"

	"blobgate/pkg/backend"
	"blobgate/pkg/config"
	"blobgate/pkg/meta"
	"blobgate/pkg/service"
	"blobgate/pkg/storage"

	"google.golang.org/grpc"
)

// Server is the dependency container of the engine process.
type Server struct {
	Engine *backend.Engine
	Store  storage.Store
	GRPC   *grpc.Server

	db      *meta.DB
	closers []func() error
	logger  *slog.Logger
}

// NewServer opens the catalog, builds the object store and the engine. The
// engine is not started until Serve.
func NewServer(ctx context.Context, cfg config.Settings, logger *slog.Logger) (*Server, error) {
	if logger == nil {
		logger = slog.Default()
	}

	// 1. Catalog
	maxOpen := cfg.Database.MaxOpenConns
	if cfg.Database.Driver == "sqlite" && maxOpen == 0 {
		maxOpen = 1 // single writer
	}
	db, err := meta.NewDB(ctx, meta.Config{
		Driver:       cfg.Database.Driver,
		DSN:          cfg.Database.DSN,
		MaxIdleConns: cfg.Database.MaxIdleConns,
		MaxOpenConns: maxOpen,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to init metadata db: %w", err)
	}
	s := &Server{db: db, logger: logger}
	s.closers = append(s.closers, db.Close)

	// 2. Objects
	store, err := initStore(ctx, cfg.Storage)
	if err != nil {
		_ = s.close()
		return nil, err
	}
	store, closeCache, err := withCache(store, cfg.Redis)
	if err != nil {
		_ = s.close()
		return nil, err
	}
	if closeCache != nil {
		s.closers = append(s.closers, closeCache)
	}
	s.Store = store

	// 3. Engine and its grpc front
	s.Engine = backend.NewEngine(meta.NewRepository(db), store, backend.Config{
		Workers:    cfg.Engine.Workers,
		QueueSize:  cfg.Engine.QueueSize,
		TxTTL:      cfg.Engine.TxTTL,
		SessionTTL: cfg.Engine.SessionTTL,
	}, backend.WithLogger(logger))
	s.GRPC = service.NewGRPCServer(s.Engine, logger)
	return s, nil
}

// Serve starts the engine and blocks serving lis until Shutdown.
func (s *Server) Serve(lis net.Listener) error {
	s.Engine.Start()
	s.logger.Info("engine listening", "addr", lis.Addr().String(), "engine_id", s.Engine.ID())
	if err := s.GRPC.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
		return err
	}
	return nil
}

// Shutdown drains the grpc server, stops the engine and releases the
// catalog and cache connections.
func (s *Server) Shutdown() error {
	s.GRPC.GracefulStop()
	s.Engine.Stop()
	return s.close()
}

func (s *Server) close() error {
	var errs []error
	for i := len(s.closers) - 1; i >= 0; i-- {
		errs = append(errs, s.closers[i]())
	}
	return errors.Join(errs...)
}
