package sync

import (
	"context"
	"errors"
	"time"

	"github.com/Martian-dev/mailsync/internal/store"
)

// DefaultLockTTL bounds how long a crashed sync can block its account
const DefaultLockTTL = 5 * time.Minute

// Lock reasons
const (
	ReasonLocked   = "sync already in progress"
	ReasonNotFound = "account not found"
)

// LockResult is the outcome of an acquire attempt
type LockResult struct {
	Acquired bool
	Reason   string
}

// Lock is the per-account sync mutex. The lock lives in the account
// record, so it holds across processes sharing the store.
type Lock struct {
	st  *store.Store
	ttl time.Duration
}

// NewLock creates a lock with the given TTL
func NewLock(st *store.Store, ttl time.Duration) *Lock {
	if ttl <= 0 {
		ttl = DefaultLockTTL
	}
	return &Lock{st: st, ttl: ttl}
}

// Acquire takes the account's lock unless an unexpired one is held
func (l *Lock) Acquire(ctx context.Context, accountID string) (LockResult, error) {
	ok, err := l.st.AcquireSyncLock(ctx, accountID, l.st.Now(), l.ttl)
	if err != nil {
		return LockResult{}, err
	}
	if ok {
		return LockResult{Acquired: true}, nil
	}

	if _, err := l.st.GetAccount(ctx, accountID); errors.Is(err, store.ErrNotFound) {
		return LockResult{Reason: ReasonNotFound}, nil
	} else if err != nil {
		return LockResult{}, err
	}
	return LockResult{Reason: ReasonLocked}, nil
}

// Release clears the lock. Success stamps the last sync time; failure
// records syncErr and leaves it unchanged.
func (l *Lock) Release(ctx context.Context, accountID string, success bool, syncErr error) error {
	msg := ""
	if !success && syncErr != nil {
		msg = syncErr.Error()
	}
	return l.st.ReleaseSyncLock(ctx, accountID, success, msg, l.st.Now())
}
