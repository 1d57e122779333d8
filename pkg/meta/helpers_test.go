package meta

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"testing"

	"blobgate/pkg/types"

	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// -----------------------------------------------------------------------------
// Helpers
// -----------------------------------------------------------------------------

// setupTestRepo builds an isolated in-memory catalog named after the test.
func setupTestRepo(t *testing.T) *Repository {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger:         logger.Default.LogMode(logger.Silent),
		TranslateError: true,
	})
	require.NoError(t, err)

	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	metaDB := NewWithConn(db)
	require.NoError(t, metaDB.AutoMigrate(Models()...))
	return NewRepository(metaDB)
}

// mockHash returns a valid content hash for input.
func mockHash(input string) types.Hash {
	sum := sha256.Sum256([]byte(input))
	return types.Hash(hex.EncodeToString(sum[:]))
}

func mustCreateVolume(t *testing.T, repo *Repository, name string, objectSize int64) *Volume {
	t.Helper()
	vol, err := repo.CreateVolume(context.Background(), "default", name, objectSize)
	require.NoError(t, err)
	return vol
}

// mustCommit commits and fails the test on error (happy path only).
func mustCommit(t *testing.T, repo *Repository, p CommitParams, msgAndArgs ...any) *Blob {
	t.Helper()
	blob, err := repo.CommitBlob(context.Background(), p)
	require.NoError(t, err, msgAndArgs...)
	return blob
}
