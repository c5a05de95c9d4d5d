package mailbox

import (
	"context"
	"fmt"
	"time"

	"github.com/Martian-dev/mailsync/internal/store"
	"github.com/Martian-dev/mailsync/internal/taxonomy"
	"github.com/Martian-dev/mailsync/internal/thread"
)

// ThreadSummary is the derived view of one thread. It is computed on every
// read and never stored.
type ThreadSummary struct {
	AccountID    string              `json:"account_id"`
	ThreadID     string              `json:"thread_id"`
	Subject      string              `json:"subject"`
	State        store.Resolution    `json:"state"`
	MessageCount int                 `json:"message_count"`
	UnreadCount  int                 `json:"unread_count"`
	LatestAt     time.Time           `json:"latest_at"`
	Participants []store.Participant `json:"participants"`
	Folders      []taxonomy.Folder   `json:"folders"`
}

// Summarize derives a thread summary from its messages
func Summarize(acct *store.Account, threadID string, msgs []*store.Message) ThreadSummary {
	s := ThreadSummary{
		AccountID:    acct.ID,
		ThreadID:     threadID,
		State:        thread.Derive(msgs, acct.Email),
		MessageCount: len(msgs),
	}

	seenAddr := make(map[string]struct{})
	seenFolder := make(map[taxonomy.Folder]struct{})
	for _, m := range msgs {
		if !m.IsRead {
			s.UnreadCount++
		}
		if !m.ReceivedAt.Before(s.LatestAt) {
			s.LatestAt = m.ReceivedAt
			s.Subject = m.Subject
		}
		if _, ok := seenAddr[m.From.Address]; !ok && m.From.Address != "" {
			seenAddr[m.From.Address] = struct{}{}
			s.Participants = append(s.Participants, m.From)
		}
		if _, ok := seenFolder[m.CanonicalFolder]; !ok {
			seenFolder[m.CanonicalFolder] = struct{}{}
			s.Folders = append(s.Folders, m.CanonicalFolder)
		}
	}
	return s
}

// Threads serves derived thread views and the resolution mutations
type Threads struct {
	st *store.Store
}

// NewThreads creates the thread view service
func NewThreads(st *store.Store) *Threads {
	return &Threads{st: st}
}

// ListThreads returns summaries of the account's threads matching f,
// newest first
func (t *Threads) ListThreads(ctx context.Context, acct *store.Account, f store.ThreadFilter) ([]ThreadSummary, error) {
	f.AccountID = acct.ID
	refs, err := t.st.ListThreadIDs(ctx, f)
	if err != nil {
		return nil, err
	}

	out := make([]ThreadSummary, 0, len(refs))
	for _, ref := range refs {
		msgs, err := t.st.ListThreadMessages(ctx, acct.ID, ref.ThreadID)
		if err != nil {
			return nil, err
		}
		out = append(out, Summarize(acct, ref.ThreadID, msgs))
	}
	return out, nil
}

// GetThreadState derives one thread. Thread ids are scoped to the account.
func (t *Threads) GetThreadState(ctx context.Context, acct *store.Account, threadID string) (ThreadSummary, error) {
	msgs, err := t.st.ListThreadMessages(ctx, acct.ID, threadID)
	if err != nil {
		return ThreadSummary{}, err
	}
	if len(msgs) == 0 {
		return ThreadSummary{}, store.ErrNotFound
	}
	return Summarize(acct, threadID, msgs), nil
}

// MarkAwaitingMe marks every message of the thread as awaiting me
func (t *Threads) MarkAwaitingMe(ctx context.Context, acct *store.Account, threadID string) error {
	return t.setAll(ctx, acct, threadID, store.ResolutionAwaitingMe)
}

// MarkAwaitingThem marks every message of the thread as awaiting them
func (t *Threads) MarkAwaitingThem(ctx context.Context, acct *store.Account, threadID string) error {
	return t.setAll(ctx, acct, threadID, store.ResolutionAwaitingThem)
}

// ResolveThread marks every message of the thread resolved
func (t *Threads) ResolveThread(ctx context.Context, acct *store.Account, threadID string) error {
	return t.setAll(ctx, acct, threadID, store.ResolutionResolved)
}

// ReopenThread recomputes each message's resolution with the policy used
// when messages are first stored
func (t *Threads) ReopenThread(ctx context.Context, acct *store.Account, threadID string) error {
	return t.st.ExecTx(ctx, func(q *store.Queries) error {
		msgs, err := threadMessages(ctx, q, acct.ID, threadID)
		if err != nil {
			return err
		}

		groups := make(map[store.Resolution][]string)
		for _, m := range msgs {
			r := InitialResolution(m.IsRead, thread.FromSelf(m, acct.Email))
			groups[r] = append(groups[r], m.ID)
		}
		for r, ids := range groups {
			if err := q.SetResolution(ctx, acct.ID, ids, r); err != nil {
				return err
			}
		}
		return nil
	})
}

func (t *Threads) setAll(ctx context.Context, acct *store.Account, threadID string, r store.Resolution) error {
	return t.st.ExecTx(ctx, func(q *store.Queries) error {
		msgs, err := threadMessages(ctx, q, acct.ID, threadID)
		if err != nil {
			return err
		}
		ids := make([]string, len(msgs))
		for i, m := range msgs {
			ids[i] = m.ID
		}
		return q.SetResolution(ctx, acct.ID, ids, r)
	})
}

func threadMessages(ctx context.Context, q *store.Queries, accountID, threadID string) ([]*store.Message, error) {
	msgs, err := q.ListThreadMessages(ctx, accountID, threadID)
	if err != nil {
		return nil, err
	}
	if len(msgs) == 0 {
		return nil, fmt.Errorf("thread %s: %w", threadID, store.ErrNotFound)
	}
	return msgs, nil
}
