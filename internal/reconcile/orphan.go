package reconcile

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/Martian-dev/mailsync/internal/mailbox"
	"github.com/Martian-dev/mailsync/internal/store"
	msync "github.com/Martian-dev/mailsync/internal/sync"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

// ProviderSource hands out provider clients with fresh credentials
type ProviderSource interface {
	ProviderFor(ctx context.Context, accountID string) (msync.Provider, *store.Account, error)
}

// OrphanConfig tunes the orphan sweep
type OrphanConfig struct {
	Interval    time.Duration
	BatchSize   int
	Rate        rate.Limit
	Burst       int
	Concurrency int
}

// DefaultOrphanConfig returns the sweep defaults
func DefaultOrphanConfig() OrphanConfig {
	return OrphanConfig{
		Interval:    6 * time.Hour,
		BatchSize:   50,
		Rate:        5,
		Burst:       5,
		Concurrency: 4,
	}
}

// SweepResult counts one sweep's checks
type SweepResult struct {
	Checked int
	Deleted int
	Kept    int
}

// OrphanSweeper removes local messages that no longer exist upstream.
// Only an explicit not-found from the provider deletes a record; any other
// answer keeps it.
type OrphanSweeper struct {
	st        *store.Store
	messages  *mailbox.MessageStore
	providers ProviderSource
	limiter   *rate.Limiter
	cfg       OrphanConfig
	log       logrus.FieldLogger
}

// NewOrphanSweeper creates a sweeper. Existence checks across all
// accounts share one rate limiter.
func NewOrphanSweeper(st *store.Store, messages *mailbox.MessageStore,
	providers ProviderSource, cfg OrphanConfig, log logrus.FieldLogger) *OrphanSweeper {

	def := DefaultOrphanConfig()
	if cfg.Interval <= 0 {
		cfg.Interval = def.Interval
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = def.BatchSize
	}
	if cfg.Rate <= 0 {
		cfg.Rate = def.Rate
	}
	if cfg.Burst <= 0 {
		cfg.Burst = def.Burst
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = def.Concurrency
	}

	return &OrphanSweeper{
		st:        st,
		messages:  messages,
		providers: providers,
		limiter:   rate.NewLimiter(cfg.Rate, cfg.Burst),
		cfg:       cfg,
		log:       log,
	}
}

// Run sweeps every active account once per interval until ctx is done
func (o *OrphanSweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(o.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		if _, err := o.SweepAll(ctx); err != nil && ctx.Err() == nil {
			o.log.WithError(err).Error("Orphan sweep failed")
		}
	}
}

// SweepAll sweeps the active accounts concurrently. A failing account is
// logged and does not stop the others.
func (o *OrphanSweeper) SweepAll(ctx context.Context) (SweepResult, error) {
	accounts, err := o.st.ListAccounts(ctx, store.StatusActive)
	if err != nil {
		return SweepResult{}, fmt.Errorf("list accounts: %w", err)
	}

	var checked, deleted, kept atomic.Int64

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(o.cfg.Concurrency)
	for _, acct := range accounts {
		g.Go(func() error {
			res, err := o.SweepAccount(gctx, acct.ID)
			checked.Add(int64(res.Checked))
			deleted.Add(int64(res.Deleted))
			kept.Add(int64(res.Kept))

			if err != nil {
				if gctx.Err() != nil {
					return gctx.Err()
				}
				o.log.WithError(err).WithField("account_id", acct.ID).
					Warn("Orphan sweep of account failed")
			}
			return nil
		})
	}
	err = g.Wait()

	return SweepResult{
		Checked: int(checked.Load()),
		Deleted: int(deleted.Load()),
		Kept:    int(kept.Load()),
	}, err
}

// SweepAccount checks every local message of the account against the
// provider, in id order and fixed-size batches
func (o *OrphanSweeper) SweepAccount(ctx context.Context, accountID string) (SweepResult, error) {
	var res SweepResult
	log := o.log.WithField("account_id", accountID)

	p, _, err := o.providers.ProviderFor(ctx, accountID)
	if err != nil {
		return res, err
	}

	after := ""
	for {
		batch, err := o.st.ListMessagesAfter(ctx, accountID, after, o.cfg.BatchSize)
		if err != nil {
			return res, err
		}
		if len(batch) == 0 {
			break
		}
		after = batch[len(batch)-1].ID

		for _, m := range batch {
			if err := o.limiter.Wait(ctx); err != nil {
				return res, err
			}

			res.Checked++
			err := p.MessageExists(ctx, m.ProviderID)
			switch {
			case err == nil:

			case errors.Is(err, msync.ErrNotFound):
				if err := o.messages.Delete(ctx, m.ID); err != nil {
					return res, fmt.Errorf("delete orphan %s: %w", m.ID, err)
				}
				res.Deleted++
				continue

			case errors.Is(err, msync.ErrUnauthorized):
				// Every further check would fail the same way.
				return res, err

			default:
				log.WithError(err).WithField("message_id", m.ID).
					Debug("Existence check inconclusive, keeping message")
			}
			res.Kept++
		}
	}

	log.WithFields(logrus.Fields{
		"checked": res.Checked,
		"deleted": res.Deleted,
	}).Info("Orphan sweep finished")
	return res, nil
}
