// Package app assembles blobgate processes from configuration: the engine
// side (Server) and the client side (App).
package app

import (
	"context"
	"fmt"
	"log/slog"

	"blobgate/pkg/client"
	"blobgate/pkg/config"
	"blobgate/pkg/core"
	"blobgate/pkg/exporter"
	"blobgate/pkg/ingester"
	"blobgate/pkg/namespace"
	"blobgate/pkg/txn"
)

// App is the client-side dependency container. It holds the singletons every
// command shares.
type App struct {
	Client   *client.Client
	Txn      *txn.Coordinator
	Ingester *ingester.Ingester
	Exporter *exporter.Exporter
	Domain   string

	cfg    config.Settings
	logger *slog.Logger
}

// NewApp dials the engine and completes the handshake.
func NewApp(ctx context.Context, cfg config.Settings, logger *slog.Logger) (*App, error) {
	if logger == nil {
		logger = slog.Default()
	}
	opts := []client.Option{client.WithLogger(logger)}
	if cfg.Client.RequestTimeout > 0 {
		opts = append(opts, client.WithRequestTimeout(cfg.Client.RequestTimeout))
	}
	if cfg.Client.Keepalive > 0 {
		opts = append(opts, client.WithKeepalive(cfg.Client.Keepalive))
	}
	if cfg.Client.RateLimit > 0 {
		opts = append(opts, client.WithRateLimit(cfg.Client.RateLimit, cfg.Client.RateBurst))
	}

	c, err := client.Dial(cfg.Client.ServerAddr, cfg.Client.ListenAddr, cfg.Client.AdvertiseAddr, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to dial engine: %w", err)
	}
	// Start handshakes: a NewApp that returns nil error has a live session
	if err := c.Start(ctx); err != nil {
		_ = c.Close()
		return nil, err
	}
	return NewWithClient(c, cfg, logger), nil
}

// NewWithClient builds the container around an already started client.
func NewWithClient(c *client.Client, cfg config.Settings, logger *slog.Logger) *App {
	// one coordinator per process, so every command serialises on the same
	// per-blob slots
	co := txn.New(c, txn.WithLogger(logger))
	domain := cfg.Client.Domain
	if domain == "" {
		domain = "default"
	}
	return &App{
		Client:   c,
		Txn:      co,
		Ingester: ingester.NewIngester(c, co),
		Exporter: exporter.NewExporter(c, exporter.DefaultWindow),
		Domain:   domain,
		cfg:      cfg,
		logger:   logger,
	}
}

// Volume names a volume in the configured domain.
func (a *App) Volume(name string) core.VolumeRef {
	return core.VolumeRef{Domain: a.Domain, Name: name}
}

// Namespace returns a filesystem view of vol.
func (a *App) Namespace(vol core.VolumeRef) *namespace.Adapter {
	return namespace.New(a.Client, a.Txn, vol,
		namespace.WithLogger(a.logger),
		namespace.WithListingCacheSize(a.cfg.Namespace.ListingCacheSize),
	)
}

// Owner is the identity new entries get when the caller gives none.
func (a *App) Owner() namespace.Owner {
	return namespace.Owner{UID: a.cfg.Namespace.DefaultUID, GID: a.cfg.Namespace.DefaultGID}
}

// Close ends the engine session.
func (a *App) Close() error {
	return a.Client.Close()
}
