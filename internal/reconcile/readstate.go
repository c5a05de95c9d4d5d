package reconcile

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/Martian-dev/mailsync/internal/jobs"
	"github.com/Martian-dev/mailsync/internal/store"
	msync "github.com/Martian-dev/mailsync/internal/sync"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// DefaultDebounce is how long the queue waits after the last throttled
// batch before re-pushing
const DefaultDebounce = time.Minute

// ReadStateQueue collects messages whose read state push was throttled
// and, once no new throttled batch has arrived for the debounce window,
// pushes their current local read state to the provider again.
type ReadStateQueue struct {
	st        *store.Store
	providers ProviderSource
	jobs      *jobs.Runner
	window    time.Duration
	log       logrus.FieldLogger

	mu      sync.Mutex
	pending map[string]map[string]struct{}
	timer   *jobs.Job
}

// NewReadStateQueue creates an empty queue
func NewReadStateQueue(st *store.Store, providers ProviderSource, runner *jobs.Runner,
	window time.Duration, log logrus.FieldLogger) *ReadStateQueue {

	if window <= 0 {
		window = DefaultDebounce
	}
	return &ReadStateQueue{
		st:        st,
		providers: providers,
		jobs:      runner,
		window:    window,
		log:       log,
		pending:   make(map[string]map[string]struct{}),
	}
}

// Add queues message ids of an account and restarts the debounce timer
func (q *ReadStateQueue) Add(accountID string, messageIDs []string) {
	if len(messageIDs) == 0 {
		return
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	set, ok := q.pending[accountID]
	if !ok {
		set = make(map[string]struct{})
		q.pending[accountID] = set
	}
	for _, id := range messageIDs {
		set[id] = struct{}{}
	}

	q.timer.Stop()
	q.timer = q.jobs.After(q.window, "read-state-reconcile", func(ctx context.Context) {
		q.Flush(ctx)
	})
}

// Pending returns the number of queued messages
func (q *ReadStateQueue) Pending() int {
	q.mu.Lock()
	defer q.mu.Unlock()

	n := 0
	for _, set := range q.pending {
		n += len(set)
	}
	return n
}

// Flush drains the queue and re-pushes every account's messages.
// Messages throttled again go back into the queue.
func (q *ReadStateQueue) Flush(ctx context.Context) {
	q.mu.Lock()
	batch := q.pending
	q.pending = make(map[string]map[string]struct{})
	q.mu.Unlock()

	var g errgroup.Group
	for accountID, set := range batch {
		ids := make([]string, 0, len(set))
		for id := range set {
			ids = append(ids, id)
		}
		g.Go(func() error {
			q.flushAccount(ctx, accountID, ids)
			return nil
		})
	}
	_ = g.Wait()
}

func (q *ReadStateQueue) flushAccount(ctx context.Context, accountID string, ids []string) {
	log := q.log.WithField("account_id", accountID)

	msgs, err := q.st.GetMessages(ctx, accountID, ids)
	if err != nil {
		log.WithError(err).Error("Failed to load messages for read state push")
		q.Add(accountID, ids)
		return
	}
	if len(msgs) == 0 {
		return
	}

	p, _, err := q.providers.ProviderFor(ctx, accountID)
	if err != nil {
		log.WithError(err).Warn("Dropping read state push, account unavailable")
		return
	}

	var (
		groups = map[bool][]string{}
		local  = make(map[string]string, len(msgs))
	)
	for _, m := range msgs {
		groups[m.IsRead] = append(groups[m.IsRead], m.ProviderID)
		local[m.ProviderID] = m.ID
	}

	var (
		mu      sync.Mutex
		requeue []string
	)
	throttled := func(providerIDs []string) {
		mu.Lock()
		defer mu.Unlock()
		for _, pid := range providerIDs {
			requeue = append(requeue, local[pid])
		}
	}

	var g errgroup.Group
	for read, providerIDs := range groups {
		g.Go(func() error {
			res, err := p.SetRead(ctx, providerIDs, read)
			switch {
			case errors.Is(err, msync.ErrThrottled):
				throttled(providerIDs)
			case err != nil:
				log.WithError(err).WithField("read", read).
					Warn("Read state push failed")
			default:
				throttled(res.Throttled)
				if len(res.Failed) > 0 {
					log.WithField("failed", len(res.Failed)).
						Warn("Provider rejected read state for some messages")
				}
			}
			return nil
		})
	}
	_ = g.Wait()

	if len(requeue) > 0 {
		log.WithField("throttled", len(requeue)).
			Info("Read state push throttled again, requeued")
		q.Add(accountID, requeue)
	}
	log.WithField("messages", len(msgs)-len(requeue)).
		Debug("Read state reconciled")
}
