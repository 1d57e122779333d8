package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_DefaultsWithoutFile(t *testing.T) {
	viper.Reset()
	t.Chdir(t.TempDir())

	require.NoError(t, Load(""))
	s, err := Current()
	require.NoError(t, err)

	assert.Equal(t, "localhost:7400", s.Client.ServerAddr)
	assert.Equal(t, 30*time.Second, s.Client.RequestTimeout)
	assert.Equal(t, "disk", s.Storage.Type)
	assert.Equal(t, "sqlite", s.Database.Driver)
	assert.Equal(t, 10*time.Minute, s.Engine.TxTTL)
	assert.Equal(t, 10*time.Minute, s.Engine.SessionTTL)
	assert.Equal(t, time.Minute, s.Client.Keepalive)
	assert.Empty(t, s.Redis.URL)
	assert.Equal(t, 256, s.Namespace.ListingCacheSize)
}

func TestLoad_FileAndEnv(t *testing.T) {
	viper.Reset()
	dir := t.TempDir()
	file := filepath.Join(dir, "config.yaml")
	yaml := `
client:
  server_addr: engine:9000
  request_timeout: 5s
storage:
  type: minio
  compression: zstd
  s3:
    bucket: blobs
    use_ssl: true
`
	require.NoError(t, os.WriteFile(file, []byte(yaml), 0o644))
	t.Setenv("BLOBGATE_ENGINE_WORKERS", "12")
	t.Setenv("BLOBGATE_STORAGE_S3_ENDPOINT", "minio:9000")

	require.NoError(t, Load(file))
	s, err := Current()
	require.NoError(t, err)

	assert.Equal(t, "engine:9000", s.Client.ServerAddr)
	assert.Equal(t, 5*time.Second, s.Client.RequestTimeout)
	assert.Equal(t, "minio", s.Storage.Type)
	assert.Equal(t, "zstd", s.Storage.Compression)
	assert.Equal(t, "blobs", s.Storage.S3.Bucket)
	assert.True(t, s.Storage.S3.UseSSL)
	assert.Equal(t, 12, s.Engine.Workers)
	assert.Equal(t, "minio:9000", s.Storage.S3.Endpoint)
}

func TestLoad_BrokenFile(t *testing.T) {
	viper.Reset()
	file := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(file, []byte("client: [unclosed"), 0o644))
	assert.Error(t, Load(file))
}
