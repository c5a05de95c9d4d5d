package sync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/Martian-dev/mailsync/internal/auth"
	"github.com/Martian-dev/mailsync/internal/mailbox"
	"github.com/Martian-dev/mailsync/internal/store"
	"github.com/Martian-dev/mailsync/internal/taxonomy"
	"github.com/google/uuid"
	"github.com/lightningnetwork/lnd/fn/v2"
	"github.com/sirupsen/logrus"
)

// Page safety valves. Delta responses are expected to be small, so the
// delta walk gets the tighter bound.
const (
	DefaultMaxHistoryPages = 500
	DefaultMaxDeltaPages   = 50
)

// Event types queued in the outbox
const (
	EventNewMail      = "new_mail"
	EventSyncFinished = "sync_finished"
)

// TokenSource yields usable credentials for an account
type TokenSource interface {
	Ensure(ctx context.Context, acct *store.Account) fn.Result[auth.Credentials]
}

// ThrottleReporter receives messages whose provider write was throttled
type ThrottleReporter interface {
	Add(accountID string, messageIDs []string)
}

// EngineConfig tunes the sync engine
type EngineConfig struct {
	LockTTL         time.Duration
	MaxHistoryPages int
	MaxDeltaPages   int
}

// Engine runs account syncs and the user actions that write through to
// the provider
type Engine struct {
	st        *store.Store
	lock      *Lock
	tokens    TokenSource
	providers ProviderFactory
	messages  *mailbox.MessageStore
	assets    *mailbox.AssetStore
	throttle  ThrottleReporter
	cfg       EngineConfig
	log       logrus.FieldLogger
}

// NewEngine wires the sync engine. throttle may be nil.
func NewEngine(st *store.Store, tokens TokenSource, providers ProviderFactory,
	messages *mailbox.MessageStore, assets *mailbox.AssetStore,
	throttle ThrottleReporter, cfg EngineConfig, log logrus.FieldLogger) *Engine {

	if cfg.MaxHistoryPages <= 0 {
		cfg.MaxHistoryPages = DefaultMaxHistoryPages
	}
	if cfg.MaxDeltaPages <= 0 {
		cfg.MaxDeltaPages = DefaultMaxDeltaPages
	}
	return &Engine{
		st:        st,
		lock:      NewLock(st, cfg.LockTTL),
		tokens:    tokens,
		providers: providers,
		messages:  messages,
		assets:    assets,
		throttle:  throttle,
		cfg:       cfg,
		log:       log,
	}
}

// SetThrottleReporter sets where throttled writes are reported
func (e *Engine) SetThrottleReporter(r ThrottleReporter) {
	e.throttle = r
}

// Outcome summarizes one sync attempt
type Outcome struct {
	AccountID string
	RunID     string
	Skipped   bool
	Reason    string
	Folders   int
	Inserted  int
	Updated   int
	Removed   int
	Throttled bool
	NewMail   bool
}

// syncRun is the state of one account sync
type syncRun struct {
	id       string
	acct     *store.Account
	provider Provider
	folders  mailbox.FolderMap
	first    bool
	signaled bool
	out      *Outcome
	log      logrus.FieldLogger
}

// SyncAccount runs one sync of the account. It returns a skipped outcome
// when the account's lock is held. Once the lock is taken it is released
// exactly once, with success only when every folder synced cleanly.
func (e *Engine) SyncAccount(ctx context.Context, accountID string) (*Outcome, error) {
	res, err := e.lock.Acquire(ctx, accountID)
	if err != nil {
		return nil, fmt.Errorf("acquire lock: %w", err)
	}
	if !res.Acquired {
		e.log.WithField("account_id", accountID).
			WithField("reason", res.Reason).Debug("Sync skipped")
		return &Outcome{AccountID: accountID, Skipped: true, Reason: res.Reason}, nil
	}

	out := &Outcome{AccountID: accountID, RunID: uuid.NewString()}
	runErr := e.run(ctx, out)

	// A cancelled run must still unlock.
	relErr := e.lock.Release(context.WithoutCancel(ctx), accountID,
		runErr == nil, runErr)
	if relErr != nil {
		e.log.WithError(relErr).WithField("account_id", accountID).
			Error("Failed to release sync lock")
	}

	return out, errors.Join(runErr, relErr)
}

func (e *Engine) run(ctx context.Context, out *Outcome) error {
	log := e.log.WithFields(logrus.Fields{
		"account_id": out.AccountID,
		"run_id":     out.RunID,
	})
	start := time.Now()

	acct, err := e.st.GetAccount(ctx, out.AccountID)
	if err != nil {
		return fmt.Errorf("load account: %w", err)
	}

	// Credentials are settled before any provider call.
	creds, err := e.tokens.Ensure(ctx, acct).Unpack()
	if err != nil {
		return e.credentialFailure(ctx, acct.ID, err)
	}

	provider, err := e.providers(ctx, acct, creds)
	if err != nil {
		return fmt.Errorf("create provider: %w", err)
	}

	tree, err := FetchFolderTree(ctx, provider)
	if errors.Is(err, ErrUnauthorized) {
		return e.credentialFailure(ctx, acct.ID, err)
	}
	if err != nil {
		return err
	}
	folders, err := storeFolderTree(ctx, e.st, acct.ID, tree, log)
	if err != nil {
		return err
	}

	run := &syncRun{
		id:       out.RunID,
		acct:     acct,
		provider: provider,
		folders:  mailbox.NewFolderMap(folders),
		first:    true,
		out:      out,
		log:      log,
	}

	var failures []error
	for _, f := range syncOrder(folders) {
		err := e.syncFolder(ctx, run, f)
		run.first = false
		out.Folders++

		flog := log.WithField("folder_id", f.ProviderID)
		switch {
		case err == nil:

		case errors.Is(err, ErrCursorInvalid):
			flog.WithError(err).Info("Delta cursor invalidated, " +
				"folder falls back to historical sync")

		case errors.Is(err, ErrThrottled):
			out.Throttled = true
			flog.WithError(err).Warn("Folder sync throttled")

		case errors.Is(err, ErrUnauthorized):
			return e.credentialFailure(ctx, acct.ID, err)

		case IsProviderError(err):
			flog.WithError(err).Warn("Folder sync failed")
			failures = append(failures,
				fmt.Errorf("folder %s: %w", f.ProviderID, err))

		default:
			return fmt.Errorf("folder %s: %w", f.ProviderID, err)
		}
	}

	err = e.emit(ctx, acct.ID, EventSyncFinished, out.RunID, map[string]any{
		"account_id": acct.ID,
		"run_id":     out.RunID,
		"folders":    out.Folders,
		"inserted":   out.Inserted,
		"updated":    out.Updated,
		"removed":    out.Removed,
		"failed":     len(failures),
	})
	if err != nil {
		return err
	}

	log.WithFields(logrus.Fields{
		"folders":  out.Folders,
		"inserted": out.Inserted,
		"updated":  out.Updated,
		"removed":  out.Removed,
		"failed":   len(failures),
		"duration": time.Since(start),
	}).Info("Sync finished")

	return errors.Join(failures...)
}

// credentialFailure puts the account into the error state. The caller
// releases the lock.
func (e *Engine) credentialFailure(ctx context.Context, accountID string, cause error) error {
	if !errors.Is(cause, auth.ErrReconnectRequired) && !errors.Is(cause, ErrUnauthorized) {
		// Local failure while persisting refreshed tokens.
		return cause
	}

	err := cause
	if !errors.Is(err, auth.ErrReconnectRequired) {
		err = fmt.Errorf("%w: %w", auth.ErrReconnectRequired, cause)
	}

	e.log.WithError(err).WithField("account_id", accountID).
		Warn("Account needs to be reconnected")
	serr := e.st.SetAccountStatus(ctx, accountID, store.StatusError, err.Error())
	return errors.Join(err, serr)
}

// syncOrder returns the syncable folders, inbox tagged folders first
func syncOrder(folders []*store.Folder) []*store.Folder {
	var out []*store.Folder
	for _, f := range folders {
		if f.Canonical.Syncable() {
			out = append(out, f)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return rank(out[i]) < rank(out[j])
	})
	return out
}

func rank(f *store.Folder) int {
	if tag, ok := taxonomy.LookupFolder(f.DisplayName); ok && tag == taxonomy.FolderInbox {
		return 0
	}
	if f.Canonical == taxonomy.FolderInbox {
		return 1
	}
	return 2
}

func (e *Engine) emit(ctx context.Context, accountID, event, key string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode %s event: %w", event, err)
	}
	subject := fmt.Sprintf("mail.%s.%s", accountID, event)
	msgID := fmt.Sprintf("%s|%s|%s", event, accountID, key)
	return e.st.AppendOutbox(ctx, subject, event, data, msgID)
}
