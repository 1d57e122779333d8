// Package config loads blobgate settings with viper: defaults, then a
// config file, then BLOBGATE_* environment variables, then bound flags.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// EnvPrefix namespaces environment overrides: BLOBGATE_CLIENT_SERVER_ADDR
// sets client.server_addr.
const EnvPrefix = "BLOBGATE"

// Load reads the configuration into the global viper instance. cfgFile, if
// set, is used instead of the search path. A missing file is not an error.
func Load(cfgFile string) error {
	// 1. Defaults, so every key exists even without a file
	setDefaults()

	// 2. Where to look
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.AddConfigPath(".")
		viper.AddConfigPath(".blobgate")
		if home, err := os.UserHomeDir(); err == nil {
			viper.AddConfigPath(filepath.Join(home, ".blobgate"))
		}
		viper.SetConfigType("yaml")
		viper.SetConfigName("config")
	}

	// 3. Key: env keys use "_" where config keys use ".", so
	// BLOBGATE_ENGINE_TX_TTL reaches engine.tx_ttl
	viper.SetEnvPrefix(EnvPrefix)
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	// 4. Read; running on defaults and env alone is fine
	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return fmt.Errorf("fatal error config file: %w", err)
		}
		return nil
	}
	// stdout may carry blob content
	fmt.Fprintln(os.Stderr, "🔧 Using config file:", viper.ConfigFileUsed())
	return nil
}

func setDefaults() {
	// client: what blobctl dials and how it behaves
	viper.SetDefault("client.server_addr", "localhost:7400")
	viper.SetDefault("client.listen_addr", "127.0.0.1:0")
	viper.SetDefault("client.advertise_addr", "")
	viper.SetDefault("client.request_timeout", 30*time.Second)
	viper.SetDefault("client.rate_limit", 0.0)
	viper.SetDefault("client.rate_burst", 64)
	viper.SetDefault("client.domain", "default")
	viper.SetDefault("client.keepalive", time.Minute)

	// engine: blobd; workers 0 means one per CPU
	viper.SetDefault("engine.listen_addr", ":7400")
	viper.SetDefault("engine.workers", 0)
	viper.SetDefault("engine.queue_size", 1024)
	viper.SetDefault("engine.tx_ttl", 10*time.Minute)
	viper.SetDefault("engine.session_ttl", 10*time.Minute)

	// catalog; max_open_conns 0 means one connection for sqlite
	viper.SetDefault("database.driver", "sqlite")
	viper.SetDefault("database.dsn", "blobgate.db")
	viper.SetDefault("database.max_idle_conns", 10)
	viper.SetDefault("database.max_open_conns", 0)

	// objects live next to the working directory unless told otherwise
	wd, _ := os.Getwd()
	viper.SetDefault("storage.type", "disk")
	viper.SetDefault("storage.path", filepath.Join(wd, ".blobgate", "objects"))
	viper.SetDefault("storage.compression", "none")
	viper.SetDefault("storage.s3.endpoint", "")
	viper.SetDefault("storage.s3.region", "us-east-1")
	viper.SetDefault("storage.s3.bucket", "")
	viper.SetDefault("storage.s3.prefix", "")
	viper.SetDefault("storage.s3.access_key", "")
	viper.SetDefault("storage.s3.secret_key", "")
	viper.SetDefault("storage.s3.use_path_style", true)
	viper.SetDefault("storage.s3.use_ssl", false)

	// existence cache, off by default
	viper.SetDefault("redis.url", "")
	viper.SetDefault("redis.ttl", 24*time.Hour)

	viper.SetDefault("namespace.default_uid", 0)
	viper.SetDefault("namespace.default_gid", 0)
	viper.SetDefault("namespace.listing_cache_size", 256)
}

// Settings is the typed view of every key.
type Settings struct {
	Client    Client    `mapstructure:"client"`
	Engine    Engine    `mapstructure:"engine"`
	Database  Database  `mapstructure:"database"`
	Storage   Storage   `mapstructure:"storage"`
	Redis     Redis     `mapstructure:"redis"`
	Namespace Namespace `mapstructure:"namespace"`
}

// Client is read by blobctl only.
type Client struct {
	ServerAddr     string        `mapstructure:"server_addr"`
	ListenAddr     string        `mapstructure:"listen_addr"`
	AdvertiseAddr  string        `mapstructure:"advertise_addr"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
	RateLimit      float64       `mapstructure:"rate_limit"`
	RateBurst      int           `mapstructure:"rate_burst"`
	Domain         string        `mapstructure:"domain"`
	Keepalive      time.Duration `mapstructure:"keepalive"`
}

// Engine is read by blobd only.
type Engine struct {
	ListenAddr string        `mapstructure:"listen_addr"`
	Workers    int           `mapstructure:"workers"`
	QueueSize  int           `mapstructure:"queue_size"`
	TxTTL      time.Duration `mapstructure:"tx_ttl"`
	SessionTTL time.Duration `mapstructure:"session_ttl"`
}

type Database struct {
	Driver       string `mapstructure:"driver"` // postgres | sqlite
	DSN          string `mapstructure:"dsn"`
	MaxIdleConns int    `mapstructure:"max_idle_conns"`
	MaxOpenConns int    `mapstructure:"max_open_conns"`
}

type Storage struct {
	Type        string `mapstructure:"type"` // disk | s3 | minio
	Path        string `mapstructure:"path"`
	Compression string `mapstructure:"compression"` // none | lz4 | zstd
	S3          S3     `mapstructure:"s3"`
}

// S3 configures both the s3 and the minio store.
type S3 struct {
	Endpoint     string `mapstructure:"endpoint"`
	Region       string `mapstructure:"region"`
	Bucket       string `mapstructure:"bucket"`
	Prefix       string `mapstructure:"prefix"`
	AccessKey    string `mapstructure:"access_key"`
	SecretKey    string `mapstructure:"secret_key"`
	UsePathStyle bool   `mapstructure:"use_path_style"`
	UseSSL       bool   `mapstructure:"use_ssl"` // minio only
}

type Redis struct {
	URL string        `mapstructure:"url"` // empty disables the cache
	TTL time.Duration `mapstructure:"ttl"`
}

type Namespace struct {
	DefaultUID       uint32 `mapstructure:"default_uid"`
	DefaultGID       uint32 `mapstructure:"default_gid"`
	ListingCacheSize int    `mapstructure:"listing_cache_size"`
}

// Current decodes the loaded configuration.
func Current() (Settings, error) {
	var s Settings
	if err := viper.Unmarshal(&s); err != nil {
		return Settings{}, fmt.Errorf("decode config: %w", err)
	}
	return s, nil
}
