package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	gojwt "github.com/golang-jwt/jwt/v5"
	"github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/Martian-dev/mailsync/internal/api"
	"github.com/Martian-dev/mailsync/internal/auth"
	"github.com/Martian-dev/mailsync/internal/blob"
	"github.com/Martian-dev/mailsync/internal/config"
	"github.com/Martian-dev/mailsync/internal/jobs"
	"github.com/Martian-dev/mailsync/internal/mailbox"
	natsjs "github.com/Martian-dev/mailsync/internal/nats"
	"github.com/Martian-dev/mailsync/internal/providers/outlook"
	"github.com/Martian-dev/mailsync/internal/reconcile"
	"github.com/Martian-dev/mailsync/internal/store"
	msync "github.com/Martian-dev/mailsync/internal/sync"
)

const assetSweepInterval = time.Hour

var graphScopes = []string{
	"offline_access",
	"https://graph.microsoft.com/Mail.ReadWrite",
}

func main() {
	var flagged config.Config

	app := &cli.App{
		Name:   "mailsync",
		Usage:  "keep a local index of connected mailboxes in sync",
		Flags:  config.Flags(&flagged),
		Action: func(c *cli.Context) error { return serve(c, flagged) },
		Commands: []*cli.Command{
			{
				Name:   "serve",
				Usage:  "run the sync workers and the HTTP API",
				Action: func(c *cli.Context) error { return serve(c, flagged) },
			},
			{
				Name:  "token",
				Usage: "issue a development API token signed with the JWT secret",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "user", Required: true, Usage: "user id"},
					&cli.StringFlag{Name: "email", Usage: "user email"},
					&cli.DurationFlag{Name: "ttl", Value: 24 * time.Hour},
				},
				Action: func(c *cli.Context) error { return issueToken(c, flagged) },
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func issueToken(c *cli.Context, flagged config.Config) error {
	cfg, err := config.FromContext(c, flagged)
	if err != nil {
		return err
	}
	if cfg.API.JWTSecret == "" {
		return errors.New("token signing needs a jwt secret")
	}

	now := time.Now()
	tok, err := auth.SignHMAC(cfg.API.JWTSecret, auth.User{
		ID:    c.String("user"),
		Email: c.String("email"),
	}, gojwt.RegisteredClaims{
		Issuer:    cfg.API.JWTIssuer,
		IssuedAt:  gojwt.NewNumericDate(now),
		ExpiresAt: gojwt.NewNumericDate(now.Add(c.Duration("ttl"))),
	})
	if err != nil {
		return err
	}
	fmt.Fprintln(c.App.Writer, tok)
	return nil
}

func serve(c *cli.Context, flagged config.Config) error {
	cfg, err := config.FromContext(c, flagged)
	if err != nil {
		return err
	}
	log, err := cfg.NewLogger()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return fmt.Errorf("failed to create data dir: %w", err)
	}

	ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, err := store.Open(cfg.DBPath, log.WithField("component", "store"))
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}
	defer st.Close()

	blobs, err := blob.OpenBolt(cfg.BlobPath)
	if err != nil {
		return fmt.Errorf("failed to open blob store: %w", err)
	}
	defer blobs.Close()

	verifier, err := newVerifier(ctx, cfg, log)
	if err != nil {
		return err
	}

	tokens := auth.NewTokenManager(auth.OAuthConfig{
		ClientID:     cfg.OAuth.ClientID,
		ClientSecret: cfg.OAuth.ClientSecret,
		Tenant:       cfg.OAuth.Tenant,
		TokenURL:     cfg.OAuth.TokenURL,
		Scopes:       graphScopes,
	}, st, log.WithField("component", "tokens"))

	graph := outlook.NewFactory(outlook.Config{
		BaseURL:  cfg.Graph.BaseURL,
		PageSize: cfg.Graph.PageSize,
		Rate:     rate.Limit(cfg.Graph.Rate),
		Burst:    cfg.Graph.Burst,
	}, log.WithField("component", "graph"))

	assets := mailbox.NewAssetStore(st, blobs, log.WithField("component", "assets"))
	messages := mailbox.NewMessageStore(st, assets, log.WithField("component", "messages"))

	engine := msync.NewEngine(st, tokens, graph.New, messages, assets, nil,
		msync.EngineConfig{
			LockTTL:         cfg.Sync.LockTTL,
			MaxHistoryPages: cfg.Sync.MaxHistoryPages,
			MaxDeltaPages:   cfg.Sync.MaxDeltaPages,
		}, log.WithField("component", "sync"))

	runner := jobs.NewRunner(log.WithField("component", "jobs"))
	defer runner.Shutdown()

	readState := reconcile.NewReadStateQueue(st, engine, runner,
		cfg.Reconcile.Debounce, log.WithField("component", "read_state"))
	engine.SetThrottleReporter(readState)

	schedCfg := msync.DefaultSchedulerConfig()
	schedCfg.Tick = cfg.Sync.Tick
	schedCfg.BatchSize = cfg.Sync.BatchSize
	schedCfg.BaseInterval = cfg.Sync.BaseInterval
	schedCfg.ProviderIntervals[string(msync.ProviderMicrosoft)] = cfg.Sync.BaseInterval
	schedCfg.Cooldown = cfg.Sync.Cooldown
	schedCfg.ErrorBackoffBase = cfg.Sync.ErrorBackoffBase
	schedCfg.MaxErrorBackoff = cfg.Sync.MaxErrorBackoff
	sched := msync.NewScheduler(st, engine, runner, schedCfg, log.WithField("component", "scheduler"))

	orphans := reconcile.NewOrphanSweeper(st, messages, engine, reconcile.OrphanConfig{
		Interval:  cfg.Reconcile.OrphanInterval,
		BatchSize: cfg.Reconcile.OrphanBatchSize,
		Rate:      rate.Limit(cfg.Reconcile.OrphanRate),
	}, log.WithField("component", "orphans"))

	if log.IsLevelEnabled(logrus.DebugLevel) {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}
	srv := &http.Server{
		Addr: cfg.API.ListenAddr,
		Handler: api.NewServer(st, engine, sched, mailbox.NewThreads(st), assets,
			verifier, log.WithField("component", "api")).Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		sched.Run(gctx)
		return nil
	})
	g.Go(func() error {
		orphans.Run(gctx)
		return nil
	})
	g.Go(func() error {
		sweepAssets(gctx, assets, log)
		return nil
	})

	if cfg.NATSURL != "" {
		pub, err := natsjs.NewPublisher(cfg.NATSURL, log.WithField("component", "nats"))
		if err != nil {
			return err
		}
		defer pub.Close()
		if err := pub.EnsureStream(ctx); err != nil {
			return err
		}

		dispatcher := natsjs.NewDispatcher(st, pub, natsjs.DefaultDispatcherConfig(),
			log.WithField("component", "outbox"))
		g.Go(func() error {
			dispatcher.Run(gctx)
			return nil
		})
	} else {
		log.Warn("No NATS URL configured, events stay in the outbox")
	}

	g.Go(func() error {
		log.WithField("addr", srv.Addr).Info("HTTP API listening")
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	err = g.Wait()

	// Push whatever read state is still waiting before exiting.
	flushCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	readState.Flush(flushCtx)

	log.Info("Shut down")
	return err
}

func newVerifier(ctx context.Context, cfg config.Config, log logrus.FieldLogger) (auth.Verifier, error) {
	if cfg.API.JWKSURL != "" {
		v, err := auth.NewJWKSVerifier(ctx, cfg.API.JWKSURL, log.WithField("component", "jwks"))
		if err != nil {
			return nil, fmt.Errorf("failed to set up JWKS verification: %w", err)
		}
		return v, nil
	}
	return auth.NewHMACVerifier(cfg.API.JWTSecret, cfg.API.JWTIssuer), nil
}

func sweepAssets(ctx context.Context, assets *mailbox.AssetStore, log logrus.FieldLogger) {
	ticker := time.NewTicker(assetSweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		n, err := assets.Sweep(ctx)
		if err != nil {
			log.WithError(err).Error("Asset sweep failed")
			continue
		}
		if n > 0 {
			log.WithField("deleted", n).Info("Swept unreferenced assets")
		}
	}
}
