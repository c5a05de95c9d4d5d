package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

const accountColumns = `id, user_id, provider, email, access_token, refresh_token,
	token_expiry, sync_enabled, status, last_sync_at, next_sync_at,
	last_sync_error, sync_failures, sync_started_at, sync_lock_ttl,
	is_syncing, last_active_at, last_sync_requested_at, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAccount(row rowScanner) (*Account, error) {
	var (
		a                                Account
		expiry, lastSync, nextSync       sql.NullInt64
		started, lastActive, lastRequest sql.NullInt64
		syncEnabled, isSyncing           int
		lockTTL, createdAt, updatedAt    int64
		status                           string
	)

	err := row.Scan(&a.ID, &a.UserID, &a.Provider, &a.Email, &a.AccessToken,
		&a.RefreshToken, &expiry, &syncEnabled, &status, &lastSync,
		&nextSync, &a.LastSyncError, &a.SyncFailures, &started, &lockTTL,
		&isSyncing, &lastActive, &lastRequest, &createdAt, &updatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}

	if t := fromMillis(expiry); t != nil {
		a.TokenExpiry = *t
	}
	a.SyncEnabled = syncEnabled != 0
	a.Status = AccountStatus(status)
	a.LastSyncAt = fromMillis(lastSync)
	a.NextSyncAt = fromMillis(nextSync)
	a.SyncStartedAt = fromMillis(started)
	a.SyncLockTTL = time.Duration(lockTTL) * time.Millisecond
	a.IsSyncing = isSyncing != 0
	a.LastActiveAt = fromMillis(lastActive)
	a.LastSyncRequestedAt = fromMillis(lastRequest)
	a.CreatedAt = time.UnixMilli(createdAt).UTC()
	a.UpdatedAt = time.UnixMilli(updatedAt).UTC()

	return &a, nil
}

// CreateAccount inserts a new account. Empty IDs are generated.
func (q *Queries) CreateAccount(ctx context.Context, a Account) (*Account, error) {
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	if a.Status == "" {
		a.Status = StatusActive
	}
	now := q.now()

	_, err := q.q.ExecContext(ctx, `
		INSERT INTO accounts (id, user_id, provider, email, access_token,
			refresh_token, token_expiry, sync_enabled, status, last_active_at,
			created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, a.ID, a.UserID, a.Provider, a.Email, a.AccessToken, a.RefreshToken,
		toMillis(&a.TokenExpiry), boolInt(a.SyncEnabled), string(a.Status),
		now.UnixMilli(), now.UnixMilli(), now.UnixMilli())
	if err != nil {
		return nil, fmt.Errorf("failed to insert account: %w", mapSQLError(err))
	}

	return q.GetAccount(ctx, a.ID)
}

// GetAccount loads an account by id
func (q *Queries) GetAccount(ctx context.Context, id string) (*Account, error) {
	row := q.q.QueryRowContext(ctx,
		`SELECT `+accountColumns+` FROM accounts WHERE id = ?`, id)
	return scanAccount(row)
}

// ListAccounts returns every account with the given status
func (q *Queries) ListAccounts(ctx context.Context, status AccountStatus) ([]*Account, error) {
	rows, err := q.q.QueryContext(ctx,
		`SELECT `+accountColumns+` FROM accounts WHERE status = ? ORDER BY id`,
		string(status))
	if err != nil {
		return nil, fmt.Errorf("failed to query accounts: %w", err)
	}
	defer rows.Close()

	return collectAccounts(rows)
}

// ListUserAccounts returns the accounts a user connected
func (q *Queries) ListUserAccounts(ctx context.Context, userID string) ([]*Account, error) {
	rows, err := q.q.QueryContext(ctx,
		`SELECT `+accountColumns+` FROM accounts WHERE user_id = ? ORDER BY created_at, id`,
		userID)
	if err != nil {
		return nil, fmt.Errorf("failed to query accounts: %w", err)
	}
	defer rows.Close()

	return collectAccounts(rows)
}

// ListDueAccounts returns up to limit active, sync-enabled accounts whose
// next sync time is absent or not after now
func (q *Queries) ListDueAccounts(ctx context.Context, now time.Time, limit int) ([]*Account, error) {
	rows, err := q.q.QueryContext(ctx, `
		SELECT `+accountColumns+` FROM accounts
		WHERE status = ? AND sync_enabled = 1
		  AND (next_sync_at IS NULL OR next_sync_at <= ?)
		ORDER BY COALESCE(next_sync_at, 0), id
		LIMIT ?
	`, string(StatusActive), now.UnixMilli(), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query due accounts: %w", err)
	}
	defer rows.Close()

	return collectAccounts(rows)
}

func collectAccounts(rows *sql.Rows) ([]*Account, error) {
	var accounts []*Account
	for rows.Next() {
		a, err := scanAccount(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan account: %w", err)
		}
		accounts = append(accounts, a)
	}
	return accounts, rows.Err()
}

func (q *Queries) execAccount(ctx context.Context, what, query string, args ...any) error {
	res, err := q.q.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to %s: %w", what, mapSQLError(err))
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to %s: %w", what, err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// UpdateAccountTokens persists a refreshed credential pair
func (q *Queries) UpdateAccountTokens(ctx context.Context, id, access, refresh string, expiry time.Time) error {
	return q.execAccount(ctx, "update tokens", `
		UPDATE accounts
		SET access_token = ?, refresh_token = ?, token_expiry = ?, updated_at = ?
		WHERE id = ?
	`, access, refresh, toMillis(&expiry), q.now().UnixMilli(), id)
}

// SetAccountStatus changes the connection status and records errMsg
func (q *Queries) SetAccountStatus(ctx context.Context, id string, status AccountStatus, errMsg string) error {
	return q.execAccount(ctx, "set account status", `
		UPDATE accounts SET status = ?, last_sync_error = ?, updated_at = ?
		WHERE id = ?
	`, string(status), errMsg, q.now().UnixMilli(), id)
}

// SetSyncEnabled toggles whether the scheduler picks the account up
func (q *Queries) SetSyncEnabled(ctx context.Context, id string, enabled bool) error {
	return q.execAccount(ctx, "set sync enabled", `
		UPDATE accounts SET sync_enabled = ?, updated_at = ? WHERE id = ?
	`, boolInt(enabled), q.now().UnixMilli(), id)
}

// AcquireSyncLock atomically takes the account's sync lock. It succeeds
// when no lock is held or the held lock is older than its TTL.
func (q *Queries) AcquireSyncLock(ctx context.Context, id string, now time.Time, ttl time.Duration) (bool, error) {
	res, err := q.q.ExecContext(ctx, `
		UPDATE accounts
		SET sync_started_at = ?, sync_lock_ttl = ?, is_syncing = 1, updated_at = ?
		WHERE id = ?
		  AND (sync_started_at IS NULL OR ? - sync_started_at >= sync_lock_ttl)
	`, now.UnixMilli(), ttl.Milliseconds(), now.UnixMilli(), id, now.UnixMilli())
	if err != nil {
		return false, fmt.Errorf("failed to acquire lock: %w", mapSQLError(err))
	}

	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to acquire lock: %w", err)
	}
	return n == 1, nil
}

// ReleaseSyncLock clears the lock and the syncing flag. Success advances
// last_sync_at and clears the error; failure records errMsg and leaves
// last_sync_at untouched.
func (q *Queries) ReleaseSyncLock(ctx context.Context, id string, success bool, errMsg string, now time.Time) error {
	if success {
		return q.execAccount(ctx, "release lock", `
			UPDATE accounts
			SET sync_started_at = NULL, is_syncing = 0, last_sync_at = ?,
				last_sync_error = '', updated_at = ?
			WHERE id = ?
		`, now.UnixMilli(), now.UnixMilli(), id)
	}

	return q.execAccount(ctx, "release lock", `
		UPDATE accounts
		SET sync_started_at = NULL, is_syncing = 0, last_sync_error = ?,
			updated_at = ?
		WHERE id = ?
	`, errMsg, now.UnixMilli(), id)
}

// SetNextSyncAt schedules the account's next sync
func (q *Queries) SetNextSyncAt(ctx context.Context, id string, next time.Time) error {
	return q.execAccount(ctx, "set next sync", `
		UPDATE accounts SET next_sync_at = ?, updated_at = ? WHERE id = ?
	`, next.UnixMilli(), q.now().UnixMilli(), id)
}

// RecordSyncOutcome stores the next sync time and the consecutive failure
// count computed after a run
func (q *Queries) RecordSyncOutcome(ctx context.Context, id string, next time.Time, failures int) error {
	return q.execAccount(ctx, "record sync outcome", `
		UPDATE accounts SET next_sync_at = ?, sync_failures = ?, updated_at = ?
		WHERE id = ?
	`, next.UnixMilli(), failures, q.now().UnixMilli(), id)
}

// TouchAccount records user activity on the account
func (q *Queries) TouchAccount(ctx context.Context, id string, now time.Time) error {
	return q.execAccount(ctx, "touch account", `
		UPDATE accounts SET last_active_at = ? WHERE id = ?
	`, now.UnixMilli(), id)
}

// MarkSyncRequested records when an immediate sync was last granted
func (q *Queries) MarkSyncRequested(ctx context.Context, id string, now time.Time) error {
	return q.execAccount(ctx, "mark sync requested", `
		UPDATE accounts SET last_sync_requested_at = ? WHERE id = ?
	`, now.UnixMilli(), id)
}

// DeleteAccount removes the account; folders and messages cascade
func (q *Queries) DeleteAccount(ctx context.Context, id string) error {
	return q.execAccount(ctx, "delete account",
		`DELETE FROM accounts WHERE id = ?`, id)
}
