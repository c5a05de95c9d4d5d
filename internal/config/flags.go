package config

import (
	"fmt"

	"github.com/urfave/cli/v2"
)

// Flags binds command line flags into o. Flags carry no values of their
// own so that anything left unset falls through to the config file and
// then to the defaults.
func Flags(o *Config) []cli.Flag {
	def := DefaultConfig()
	env := func(name string) []string { return []string{"MAILSYNC_" + name} }

	return []cli.Flag{
		&cli.StringFlag{
			Name:    "config",
			Usage:   "path to a TOML config file",
			EnvVars: env("CONFIG"),
		},
		&cli.StringFlag{
			Name:        "data-dir",
			Usage:       fmt.Sprintf("data directory (default %q)", def.DataDir),
			EnvVars:     env("DATA_DIR"),
			Destination: &o.DataDir,
		},
		&cli.StringFlag{
			Name:        "db-path",
			Usage:       "SQLite database path (default <data-dir>/mailsync.db)",
			EnvVars:     env("DB_PATH"),
			Destination: &o.DBPath,
		},
		&cli.StringFlag{
			Name:        "blob-path",
			Usage:       "body blob store path (default <data-dir>/bodies.db)",
			EnvVars:     env("BLOB_PATH"),
			Destination: &o.BlobPath,
		},
		&cli.StringFlag{
			Name:        "log-level",
			Usage:       fmt.Sprintf("logging level (default %q)", def.LogLevel),
			EnvVars:     env("LOG_LEVEL"),
			Destination: &o.LogLevel,
		},
		&cli.StringFlag{
			Name:        "log-format",
			Usage:       "logging format (text/json)",
			EnvVars:     env("LOG_FORMAT"),
			Destination: &o.LogFormat,
		},
		&cli.StringFlag{
			Name:        "nats-url",
			Usage:       "NATS server URL. events stay queued when empty",
			EnvVars:     env("NATS_URL"),
			Destination: &o.NATSURL,
		},
		&cli.StringFlag{
			Name:        "oauth-client-id",
			Usage:       "OAuth application id",
			EnvVars:     env("OAUTH_CLIENT_ID"),
			Destination: &o.OAuth.ClientID,
		},
		&cli.StringFlag{
			Name:        "oauth-client-secret",
			Usage:       "OAuth application secret",
			EnvVars:     env("OAUTH_CLIENT_SECRET"),
			Destination: &o.OAuth.ClientSecret,
		},
		&cli.StringFlag{
			Name:        "oauth-tenant",
			Usage:       fmt.Sprintf("Azure AD tenant (default %q)", def.OAuth.Tenant),
			EnvVars:     env("OAUTH_TENANT"),
			Destination: &o.OAuth.Tenant,
		},
		&cli.StringFlag{
			Name:        "oauth-token-url",
			Usage:       "token endpoint override",
			EnvVars:     env("OAUTH_TOKEN_URL"),
			Destination: &o.OAuth.TokenURL,
		},
		&cli.StringFlag{
			Name:        "graph-base-url",
			Usage:       "Microsoft Graph endpoint override",
			EnvVars:     env("GRAPH_BASE_URL"),
			Destination: &o.Graph.BaseURL,
		},
		&cli.Float64Flag{
			Name:        "graph-rate",
			Usage:       fmt.Sprintf("Graph requests per second per account (default %v)", def.Graph.Rate),
			EnvVars:     env("GRAPH_RATE"),
			Destination: &o.Graph.Rate,
		},
		&cli.IntFlag{
			Name:        "graph-burst",
			Usage:       "Graph request burst per account",
			EnvVars:     env("GRAPH_BURST"),
			Destination: &o.Graph.Burst,
		},
		&cli.IntFlag{
			Name:        "graph-page-size",
			Usage:       fmt.Sprintf("messages per Graph page (default %d)", def.Graph.PageSize),
			EnvVars:     env("GRAPH_PAGE_SIZE"),
			Destination: &o.Graph.PageSize,
		},
		&cli.StringFlag{
			Name:        "listen",
			Usage:       fmt.Sprintf("HTTP listen address (default %q)", def.API.ListenAddr),
			EnvVars:     env("LISTEN"),
			Destination: &o.API.ListenAddr,
		},
		&cli.StringFlag{
			Name:        "jwks-url",
			Usage:       "JWKS endpoint for verifying API tokens",
			EnvVars:     env("JWKS_URL"),
			Destination: &o.API.JWKSURL,
		},
		&cli.StringFlag{
			Name:        "jwt-secret",
			Usage:       "HS256 secret for verifying API tokens",
			EnvVars:     env("JWT_SECRET"),
			Destination: &o.API.JWTSecret,
		},
		&cli.StringFlag{
			Name:        "jwt-issuer",
			Usage:       "required issuer of HS256 API tokens",
			EnvVars:     env("JWT_ISSUER"),
			Destination: &o.API.JWTIssuer,
		},
		&cli.DurationFlag{
			Name:        "sync-tick",
			Usage:       fmt.Sprintf("scheduler tick (default %v)", def.Sync.Tick),
			EnvVars:     env("SYNC_TICK"),
			Destination: &o.Sync.Tick,
		},
		&cli.IntFlag{
			Name:        "sync-batch-size",
			Usage:       fmt.Sprintf("accounts started per tick (default %d)", def.Sync.BatchSize),
			EnvVars:     env("SYNC_BATCH_SIZE"),
			Destination: &o.Sync.BatchSize,
		},
		&cli.DurationFlag{
			Name:        "sync-interval",
			Usage:       fmt.Sprintf("base polling interval (default %v)", def.Sync.BaseInterval),
			EnvVars:     env("SYNC_INTERVAL"),
			Destination: &o.Sync.BaseInterval,
		},
		&cli.DurationFlag{
			Name:        "lock-ttl",
			Usage:       fmt.Sprintf("sync lock expiry (default %v)", def.Sync.LockTTL),
			EnvVars:     env("LOCK_TTL"),
			Destination: &o.Sync.LockTTL,
		},
		&cli.DurationFlag{
			Name:        "sync-cooldown",
			Usage:       fmt.Sprintf("minimum gap between requested syncs (default %v)", def.Sync.Cooldown),
			EnvVars:     env("SYNC_COOLDOWN"),
			Destination: &o.Sync.Cooldown,
		},
		&cli.DurationFlag{
			Name:        "error-backoff-base",
			Usage:       fmt.Sprintf("delay after the first failed sync (default %v)", def.Sync.ErrorBackoffBase),
			EnvVars:     env("ERROR_BACKOFF_BASE"),
			Destination: &o.Sync.ErrorBackoffBase,
		},
		&cli.DurationFlag{
			Name:        "max-error-backoff",
			Usage:       fmt.Sprintf("ceiling of the failure backoff (default %v)", def.Sync.MaxErrorBackoff),
			EnvVars:     env("MAX_ERROR_BACKOFF"),
			Destination: &o.Sync.MaxErrorBackoff,
		},
		&cli.IntFlag{
			Name:        "max-history-pages",
			Usage:       fmt.Sprintf("page limit of a historical folder walk (default %d)", def.Sync.MaxHistoryPages),
			EnvVars:     env("MAX_HISTORY_PAGES"),
			Destination: &o.Sync.MaxHistoryPages,
		},
		&cli.IntFlag{
			Name:        "max-delta-pages",
			Usage:       fmt.Sprintf("page limit of a delta walk (default %d)", def.Sync.MaxDeltaPages),
			EnvVars:     env("MAX_DELTA_PAGES"),
			Destination: &o.Sync.MaxDeltaPages,
		},
		&cli.DurationFlag{
			Name:        "orphan-interval",
			Usage:       fmt.Sprintf("orphan sweep interval (default %v)", def.Reconcile.OrphanInterval),
			EnvVars:     env("ORPHAN_INTERVAL"),
			Destination: &o.Reconcile.OrphanInterval,
		},
		&cli.IntFlag{
			Name:        "orphan-batch-size",
			Usage:       fmt.Sprintf("messages per orphan sweep batch (default %d)", def.Reconcile.OrphanBatchSize),
			EnvVars:     env("ORPHAN_BATCH_SIZE"),
			Destination: &o.Reconcile.OrphanBatchSize,
		},
		&cli.Float64Flag{
			Name:        "orphan-rate",
			Usage:       fmt.Sprintf("existence checks per second (default %v)", def.Reconcile.OrphanRate),
			EnvVars:     env("ORPHAN_RATE"),
			Destination: &o.Reconcile.OrphanRate,
		},
		&cli.DurationFlag{
			Name:        "read-state-debounce",
			Usage:       fmt.Sprintf("quiet period before re-pushing throttled read state (default %v)", def.Reconcile.Debounce),
			EnvVars:     env("READ_STATE_DEBOUNCE"),
			Destination: &o.Reconcile.Debounce,
		},
	}
}

// FromContext resolves the configuration: flags and environment over the
// config file over the defaults
func FromContext(c *cli.Context, flagged Config) (Config, error) {
	cfg, err := Load(c.String("config"))
	if err != nil {
		return Config{}, err
	}
	cfg.Override(flagged)
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}
