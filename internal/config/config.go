package config

import (
	"fmt"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/sirupsen/logrus"
)

// OAuthConfig holds the Microsoft identity platform app registration
type OAuthConfig struct {
	ClientID     string `toml:"client_id"`
	ClientSecret string `toml:"client_secret"`
	Tenant       string `toml:"tenant"`
	TokenURL     string `toml:"token_url"`
}

// GraphConfig tunes Microsoft Graph access
type GraphConfig struct {
	BaseURL  string  `toml:"base_url"`
	Rate     float64 `toml:"rate"`
	Burst    int     `toml:"burst"`
	PageSize int     `toml:"page_size"`
}

// APIConfig configures the HTTP API and how callers authenticate
type APIConfig struct {
	ListenAddr string `toml:"listen_addr"`
	JWKSURL    string `toml:"jwks_url"`
	JWTSecret  string `toml:"jwt_secret"`
	JWTIssuer  string `toml:"jwt_issuer"`
}

// SyncConfig tunes scheduling and the sync engine
type SyncConfig struct {
	Tick             time.Duration `toml:"tick"`
	BatchSize        int           `toml:"batch_size"`
	BaseInterval     time.Duration `toml:"base_interval"`
	LockTTL          time.Duration `toml:"lock_ttl"`
	Cooldown         time.Duration `toml:"cooldown"`
	ErrorBackoffBase time.Duration `toml:"error_backoff_base"`
	MaxErrorBackoff  time.Duration `toml:"max_error_backoff"`
	MaxHistoryPages  int           `toml:"max_history_pages"`
	MaxDeltaPages    int           `toml:"max_delta_pages"`
}

// ReconcileConfig tunes the repair workers
type ReconcileConfig struct {
	OrphanInterval  time.Duration `toml:"orphan_interval"`
	OrphanBatchSize int           `toml:"orphan_batch_size"`
	OrphanRate      float64       `toml:"orphan_rate"`
	Debounce        time.Duration `toml:"debounce"`
}

// Config is the service configuration
type Config struct {
	DataDir   string `toml:"data_dir"`
	DBPath    string `toml:"db_path"`
	BlobPath  string `toml:"blob_path"`
	LogLevel  string `toml:"log_level"`
	LogFormat string `toml:"log_format"`
	NATSURL   string `toml:"nats_url"`

	OAuth     OAuthConfig     `toml:"oauth"`
	Graph     GraphConfig     `toml:"graph"`
	API       APIConfig       `toml:"api"`
	Sync      SyncConfig      `toml:"sync"`
	Reconcile ReconcileConfig `toml:"reconcile"`
}

// DefaultConfig returns the built-in defaults
func DefaultConfig() Config {
	return Config{
		DataDir:   "data",
		LogLevel:  "info",
		LogFormat: "text",
		OAuth: OAuthConfig{
			Tenant: "common",
		},
		Graph: GraphConfig{
			Rate:     4,
			Burst:    4,
			PageSize: 50,
		},
		API: APIConfig{
			ListenAddr: ":8080",
		},
		Sync: SyncConfig{
			Tick:             30 * time.Second,
			BatchSize:        25,
			BaseInterval:     2 * time.Minute,
			LockTTL:          5 * time.Minute,
			Cooldown:         30 * time.Second,
			ErrorBackoffBase: time.Minute,
			MaxErrorBackoff:  30 * time.Minute,
			MaxHistoryPages:  500,
			MaxDeltaPages:    50,
		},
		Reconcile: ReconcileConfig{
			OrphanInterval:  6 * time.Hour,
			OrphanBatchSize: 50,
			OrphanRate:      5,
			Debounce:        time.Minute,
		},
	}
}

// Load reads a TOML file over the defaults
func Load(path string) (Config, error) {
	cfg := DefaultConfig()
	if path == "" {
		return cfg, nil
	}
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return Config{}, fmt.Errorf("failed to load config %s: %w", path, err)
	}
	return cfg, nil
}

// Override copies every non-zero field of o over c
func (c *Config) Override(o Config) {
	setString(&c.DataDir, o.DataDir)
	setString(&c.DBPath, o.DBPath)
	setString(&c.BlobPath, o.BlobPath)
	setString(&c.LogLevel, o.LogLevel)
	setString(&c.LogFormat, o.LogFormat)
	setString(&c.NATSURL, o.NATSURL)

	setString(&c.OAuth.ClientID, o.OAuth.ClientID)
	setString(&c.OAuth.ClientSecret, o.OAuth.ClientSecret)
	setString(&c.OAuth.Tenant, o.OAuth.Tenant)
	setString(&c.OAuth.TokenURL, o.OAuth.TokenURL)

	setString(&c.Graph.BaseURL, o.Graph.BaseURL)
	setNum(&c.Graph.Rate, o.Graph.Rate)
	setNum(&c.Graph.Burst, o.Graph.Burst)
	setNum(&c.Graph.PageSize, o.Graph.PageSize)

	setString(&c.API.ListenAddr, o.API.ListenAddr)
	setString(&c.API.JWKSURL, o.API.JWKSURL)
	setString(&c.API.JWTSecret, o.API.JWTSecret)
	setString(&c.API.JWTIssuer, o.API.JWTIssuer)

	setNum(&c.Sync.Tick, o.Sync.Tick)
	setNum(&c.Sync.BatchSize, o.Sync.BatchSize)
	setNum(&c.Sync.BaseInterval, o.Sync.BaseInterval)
	setNum(&c.Sync.LockTTL, o.Sync.LockTTL)
	setNum(&c.Sync.Cooldown, o.Sync.Cooldown)
	setNum(&c.Sync.ErrorBackoffBase, o.Sync.ErrorBackoffBase)
	setNum(&c.Sync.MaxErrorBackoff, o.Sync.MaxErrorBackoff)
	setNum(&c.Sync.MaxHistoryPages, o.Sync.MaxHistoryPages)
	setNum(&c.Sync.MaxDeltaPages, o.Sync.MaxDeltaPages)

	setNum(&c.Reconcile.OrphanInterval, o.Reconcile.OrphanInterval)
	setNum(&c.Reconcile.OrphanBatchSize, o.Reconcile.OrphanBatchSize)
	setNum(&c.Reconcile.OrphanRate, o.Reconcile.OrphanRate)
	setNum(&c.Reconcile.Debounce, o.Reconcile.Debounce)
}

func setString(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}

func setNum[T int | float64 | time.Duration](dst *T, v T) {
	if v != 0 {
		*dst = v
	}
}

// Validate checks the settings the service cannot start without and
// fills derived paths
func (c *Config) Validate() error {
	if c.DBPath == "" {
		c.DBPath = filepath.Join(c.DataDir, "mailsync.db")
	}
	if c.BlobPath == "" {
		c.BlobPath = filepath.Join(c.DataDir, "bodies.db")
	}

	if c.OAuth.ClientID == "" {
		return fmt.Errorf("oauth client id is required")
	}
	if c.API.JWKSURL == "" && c.API.JWTSecret == "" {
		return fmt.Errorf("one of jwks url or jwt secret is required")
	}
	if c.Sync.MaxErrorBackoff < c.Sync.ErrorBackoffBase {
		return fmt.Errorf("max error backoff %v is below its base %v",
			c.Sync.MaxErrorBackoff, c.Sync.ErrorBackoffBase)
	}
	return nil
}

// NewLogger builds the process logger from the log settings
func (c *Config) NewLogger() (*logrus.Logger, error) {
	log := logrus.New()

	level, err := logrus.ParseLevel(c.LogLevel)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", c.LogLevel, err)
	}
	log.SetLevel(level)

	switch c.LogFormat {
	case "text":
		log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	case "json":
		log.SetFormatter(&logrus.JSONFormatter{})
	default:
		return nil, fmt.Errorf("invalid log format %q", c.LogFormat)
	}
	return log, nil
}
