package sync

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Martian-dev/mailsync/internal/jobs"
	"github.com/Martian-dev/mailsync/internal/store"
	"github.com/sirupsen/logrus"
)

// Intent is the reason an immediate sync was requested
type Intent string

const (
	IntentFocus     Intent = "focus"
	IntentInboxOpen Intent = "inbox_open"
	IntentManual    Intent = "manual"
	IntentReconnect Intent = "reconnect"
)

// ErrUnknownIntent is returned for intents outside the known set
var ErrUnknownIntent = errors.New("unknown sync intent")

// Valid reports whether i is a known intent
func (i Intent) Valid() bool {
	switch i {
	case IntentFocus, IntentInboxOpen, IntentManual, IntentReconnect:
		return true
	}
	return false
}

// Request refusal reasons
const (
	ReasonInactive = "account not active"
	ReasonCooldown = "sync requested too recently"
)

// SchedulerConfig tunes polling
type SchedulerConfig struct {
	Tick              time.Duration
	BatchSize         int
	BaseInterval      time.Duration
	ProviderIntervals map[string]time.Duration
	Cooldown          time.Duration
	ErrorBackoffBase  time.Duration
	MaxErrorBackoff   time.Duration
}

// DefaultSchedulerConfig returns the polling defaults
func DefaultSchedulerConfig() SchedulerConfig {
	return SchedulerConfig{
		Tick:         30 * time.Second,
		BatchSize:    25,
		BaseInterval: 2 * time.Minute,
		ProviderIntervals: map[string]time.Duration{
			string(ProviderMicrosoft): 2 * time.Minute,
		},
		Cooldown:         30 * time.Second,
		ErrorBackoffBase: time.Minute,
		MaxErrorBackoff:  30 * time.Minute,
	}
}

// Syncer runs one account sync
type Syncer interface {
	SyncAccount(ctx context.Context, accountID string) (*Outcome, error)
}

// Scheduler decides when accounts sync. Each sync runs as its own job; the
// account lock is the only coordination between them.
type Scheduler struct {
	st     *store.Store
	syncer Syncer
	jobs   *jobs.Runner
	cfg    SchedulerConfig
	log    logrus.FieldLogger
}

// NewScheduler creates a scheduler
func NewScheduler(st *store.Store, syncer Syncer, runner *jobs.Runner, cfg SchedulerConfig, log logrus.FieldLogger) *Scheduler {
	return &Scheduler{st: st, syncer: syncer, jobs: runner, cfg: cfg, log: log}
}

// Interval is the base polling interval for a provider
func (s *Scheduler) Interval(provider string) time.Duration {
	if d, ok := s.cfg.ProviderIntervals[provider]; ok && d > 0 {
		return d
	}
	return s.cfg.BaseInterval
}

// IdleFactor widens the polling interval for accounts nobody looked at
// recently
func IdleFactor(now time.Time, lastActive *time.Time) int {
	if lastActive == nil {
		return 8
	}
	switch idle := now.Sub(*lastActive); {
	case idle < time.Hour:
		return 1
	case idle < 4*time.Hour:
		return 2
	case idle < 24*time.Hour:
		return 4
	}
	return 8
}

// ErrorBackoff is the delay before retrying after the given number of
// consecutive failures. It doubles per failure up to max.
func ErrorBackoff(failures int, base, max time.Duration) time.Duration {
	d := base
	for i := 1; i < failures && d < max; i++ {
		d *= 2
	}
	if d > max {
		return max
	}
	return d
}

// Run ticks until ctx is done
func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.Tick)
	defer ticker.Stop()

	for {
		if _, err := s.Tick(ctx); err != nil {
			s.log.WithError(err).Error("Scheduler tick failed")
		}

		select {
		case <-ctx.Done():
			s.log.Info("Scheduler stopped")
			return
		case <-ticker.C:
		}
	}
}

// Tick starts a sync job for each due account, up to the batch size. The
// next sync time is pushed out before the job starts so that overlapping
// ticks do not pick the account again.
func (s *Scheduler) Tick(ctx context.Context) (int, error) {
	now := s.st.Now()
	due, err := s.st.ListDueAccounts(ctx, now, s.cfg.BatchSize)
	if err != nil {
		return 0, fmt.Errorf("list due accounts: %w", err)
	}

	started := 0
	for _, acct := range due {
		next := now.Add(s.Interval(acct.Provider))
		if err := s.st.SetNextSyncAt(ctx, acct.ID, next); err != nil {
			return started, fmt.Errorf("advance %s: %w", acct.ID, err)
		}
		s.dispatch(acct.ID, "tick")
		started++
	}

	if started > 0 {
		s.log.WithField("accounts", started).Debug("Sync tick dispatched")
	}
	return started, nil
}

func (s *Scheduler) dispatch(accountID, trigger string) {
	s.jobs.After(0, "sync:"+accountID, func(ctx context.Context) {
		s.runSync(ctx, accountID, trigger)
	})
}

// runSync runs one sync and schedules the next from its result
func (s *Scheduler) runSync(ctx context.Context, accountID, trigger string) {
	log := s.log.WithFields(logrus.Fields{
		"account_id": accountID,
		"trigger":    trigger,
	})

	out, syncErr := s.syncer.SyncAccount(ctx, accountID)
	if out == nil {
		log.WithError(syncErr).Error("Sync did not start")
		return
	}
	if out.Skipped {
		return
	}

	acct, err := s.st.GetAccount(ctx, accountID)
	if errors.Is(err, store.ErrNotFound) {
		// Disconnected while syncing.
		return
	}
	if err != nil {
		log.WithError(err).Error("Failed to load account after sync")
		return
	}

	var (
		now      = s.st.Now()
		failures int
		next     time.Time
	)
	if syncErr == nil {
		factor := IdleFactor(now, acct.LastActiveAt)
		next = now.Add(s.Interval(acct.Provider) * time.Duration(factor))
	} else {
		failures = acct.SyncFailures + 1
		next = now.Add(ErrorBackoff(failures, s.cfg.ErrorBackoffBase,
			s.cfg.MaxErrorBackoff))
		log.WithError(syncErr).WithField("failures", failures).
			Warn("Sync failed")
	}

	if err := s.st.RecordSyncOutcome(ctx, accountID, next, failures); err != nil {
		log.WithError(err).Error("Failed to schedule next sync")
		return
	}
	log.WithField("next_sync_at", next).Debug("Next sync scheduled")
}

// RequestResult is the answer to an immediate sync request
type RequestResult struct {
	Accepted   bool          `json:"accepted"`
	Reason     string        `json:"reason,omitempty"`
	RetryAfter time.Duration `json:"retry_after,omitempty"`
}

// RequestImmediateSync starts a sync outside the polling schedule. All
// intents respect the cooldown except manual, which instead refuses while
// the account is already syncing.
func (s *Scheduler) RequestImmediateSync(ctx context.Context, accountID string, intent Intent) (RequestResult, error) {
	if !intent.Valid() {
		return RequestResult{}, fmt.Errorf("%w: %q", ErrUnknownIntent, intent)
	}

	acct, err := s.st.GetAccount(ctx, accountID)
	if err != nil {
		return RequestResult{}, err
	}
	if acct.Status != store.StatusActive || !acct.SyncEnabled {
		return RequestResult{Reason: ReasonInactive}, nil
	}

	now := s.st.Now()
	if intent == IntentManual {
		if acct.IsSyncing {
			return RequestResult{Reason: ReasonLocked}, nil
		}
	} else if last := acct.LastSyncRequestedAt; last != nil {
		if wait := s.cfg.Cooldown - now.Sub(*last); wait > 0 {
			return RequestResult{Reason: ReasonCooldown, RetryAfter: wait}, nil
		}
	}

	if err := s.st.MarkSyncRequested(ctx, accountID, now); err != nil {
		return RequestResult{}, err
	}
	s.dispatch(accountID, string(intent))

	s.log.WithField("account_id", accountID).WithField("intent", intent).
		Info("Immediate sync requested")
	return RequestResult{Accepted: true}, nil
}

// Status is the sync state shown to users
type Status struct {
	AccountID     string              `json:"account_id"`
	Status        store.AccountStatus `json:"status"`
	SyncEnabled   bool                `json:"sync_enabled"`
	IsSyncing     bool                `json:"is_syncing"`
	LastSyncAt    *time.Time          `json:"last_sync_at,omitempty"`
	NextSyncAt    *time.Time          `json:"next_sync_at,omitempty"`
	LastSyncError string              `json:"last_sync_error,omitempty"`
	SyncFailures  int                 `json:"sync_failures"`
}

// GetSyncStatus reports an account's sync state
func (s *Scheduler) GetSyncStatus(ctx context.Context, accountID string) (Status, error) {
	acct, err := s.st.GetAccount(ctx, accountID)
	if err != nil {
		return Status{}, err
	}
	return Status{
		AccountID:     acct.ID,
		Status:        acct.Status,
		SyncEnabled:   acct.SyncEnabled,
		IsSyncing:     acct.IsSyncing,
		LastSyncAt:    acct.LastSyncAt,
		NextSyncAt:    acct.NextSyncAt,
		LastSyncError: acct.LastSyncError,
		SyncFailures:  acct.SyncFailures,
	}, nil
}
