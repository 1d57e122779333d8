// Package backendtest wires an in-process engine to a client for tests.
package backendtest

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"blobgate/pkg/backend"
	"blobgate/pkg/client"
	"blobgate/pkg/core"
	"blobgate/pkg/meta"
	"blobgate/pkg/storage"
	"blobgate/pkg/storage/disk"

	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// Harness is a running engine plus a started client talking to it.
type Harness struct {
	Engine *backend.Engine
	Client *client.Client
	Repo   *meta.Repository
	Store  storage.Store
}

// New builds a harness backed by sqlite in memory and a temp-dir store.
// Everything is torn down with the test.
func New(t testing.TB, cfg backend.Config, opts ...client.Option) *Harness {
	t.Helper()

	// 1. Catalog, one private database per test
	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", name)
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger:         logger.Default.LogMode(logger.Silent),
		TranslateError: true,
	})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)

	metaDB := meta.NewWithConn(db)
	require.NoError(t, metaDB.AutoMigrate(meta.Models()...))
	repo := meta.NewRepository(metaDB)

	// 2. Store
	store, err := disk.NewAdapter(t.TempDir())
	require.NoError(t, err)

	// 3. Engine
	if cfg.Workers == 0 {
		cfg.Workers = 4
	}
	engine := backend.NewEngine(repo, store, cfg)
	engine.Start()

	// 4. Client
	transport := backend.NewLocalTransport(engine)
	opts = append([]client.Option{client.WithRequestTimeout(10 * time.Second)}, opts...)
	c := client.New(transport, transport, opts...)
	require.NoError(t, c.Start(context.Background()))

	t.Cleanup(func() {
		_ = c.Close()
		engine.Stop()
		_ = sqlDB.Close()
	})
	return &Harness{Engine: engine, Client: c, Repo: repo, Store: store}
}

// Volume creates a volume in domain "test" and returns its ref.
func (h *Harness) Volume(t testing.TB, name string, objectSize int64) core.VolumeRef {
	t.Helper()
	ref := core.VolumeRef{Domain: "test", Name: name}
	ctx := context.Background()
	_, err := h.Client.CreateVolume(ctx, ref, core.VolumeSettings{ObjectSize: objectSize}).Get(ctx)
	require.NoError(t, err)
	return ref
}
