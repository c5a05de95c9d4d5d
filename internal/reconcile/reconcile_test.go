package reconcile

import (
	"context"
	"fmt"
	"path/filepath"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/Martian-dev/mailsync/internal/blob"
	"github.com/Martian-dev/mailsync/internal/jobs"
	"github.com/Martian-dev/mailsync/internal/mailbox"
	"github.com/Martian-dev/mailsync/internal/store"
	msync "github.com/Martian-dev/mailsync/internal/sync"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
)

// stubProvider answers existence checks and read pushes from maps. The
// listing calls are unused here.
type stubProvider struct {
	msync.Provider

	mu        sync.Mutex
	exists    map[string]error
	checks    int
	readErr   map[bool]error
	throttled map[string]bool
	pushes    map[bool][]string
}

func newStubProvider() *stubProvider {
	return &stubProvider{
		exists:    make(map[string]error),
		readErr:   make(map[bool]error),
		throttled: make(map[string]bool),
		pushes:    make(map[bool][]string),
	}
}

func (p *stubProvider) MessageExists(_ context.Context, id string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.checks++
	return p.exists[id]
}

func (p *stubProvider) SetRead(_ context.Context, ids []string, read bool) (msync.BatchResult, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.pushes[read] = append(p.pushes[read], ids...)
	if err := p.readErr[read]; err != nil {
		return msync.BatchResult{}, err
	}
	var res msync.BatchResult
	for _, id := range ids {
		if p.throttled[id] {
			res.Throttled = append(res.Throttled, id)
		}
	}
	return res, nil
}

func (p *stubProvider) pushed(read bool) []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := append([]string(nil), p.pushes[read]...)
	sort.Strings(out)
	return out
}

type stubSource struct {
	p   *stubProvider
	err error
}

func (s *stubSource) ProviderFor(context.Context, string) (msync.Provider, *store.Account, error) {
	if s.err != nil {
		return nil, nil, s.err
	}
	return s.p, nil, nil
}

type testEnv struct {
	st       *store.Store
	messages *mailbox.MessageStore
	assets   *mailbox.AssetStore
	runner   *jobs.Runner
	provider *stubProvider
	source   *stubSource
	acct     *store.Account
	log      logrus.FieldLogger
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	log := logrus.New()
	log.SetLevel(logrus.WarnLevel)

	dir := t.TempDir()
	st, err := store.Open(filepath.Join(dir, "mail.db"), log)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	blobs, err := blob.OpenBolt(filepath.Join(dir, "blobs.db"))
	require.NoError(t, err)
	t.Cleanup(func() { blobs.Close() })

	runner := jobs.NewRunner(log)
	t.Cleanup(runner.Shutdown)

	assets := mailbox.NewAssetStore(st, blobs, log)
	p := newStubProvider()
	env := &testEnv{
		st:       st,
		assets:   assets,
		messages: mailbox.NewMessageStore(st, assets, log),
		runner:   runner,
		provider: p,
		source:   &stubSource{p: p},
		log:      log,
	}

	env.acct, err = st.CreateAccount(context.Background(), store.Account{
		UserID:      "user-1",
		Provider:    string(msync.ProviderMicrosoft),
		Email:       "me@example.com",
		SyncEnabled: true,
	})
	require.NoError(t, err)
	return env
}

// seed stores n messages, the even ones read
func (e *testEnv) seed(t *testing.T, n int) []*store.Message {
	t.Helper()
	ctx := context.Background()

	var pms []mailbox.ProviderMessage
	for i := 0; i < n; i++ {
		pms = append(pms, mailbox.ProviderMessage{
			ProviderID: fmt.Sprintf("p-%03d", i),
			ThreadID:   fmt.Sprintf("t-%03d", i),
			From:       store.Participant{Address: "other@example.com"},
			ReceivedAt: time.Now(),
			IsRead:     i%2 == 0,
			FolderID:   "inbox",
		})
	}
	_, err := e.messages.Upsert(ctx, e.acct, pms, nil)
	require.NoError(t, err)

	var out []*store.Message
	for _, pm := range pms {
		m, err := e.st.GetMessageByProviderID(ctx, e.acct.ID, pm.ProviderID)
		require.NoError(t, err)
		out = append(out, m)
	}
	return out
}

func (e *testEnv) sweeper(batch int) *OrphanSweeper {
	return NewOrphanSweeper(e.st, e.messages, e.source, OrphanConfig{
		BatchSize: batch,
		Rate:      1000,
		Burst:     1000,
	}, e.log)
}

func TestOrphanSweepDeletesOnlyNotFound(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	msgs := env.seed(t, 7)

	env.provider.exists["p-001"] = fmt.Errorf("%w: 404", msync.ErrNotFound)
	env.provider.exists["p-004"] = fmt.Errorf("%w: 404", msync.ErrNotFound)
	env.provider.exists["p-005"] = fmt.Errorf("%w: 503", msync.ErrTransient)
	env.provider.exists["p-006"] = fmt.Errorf("%w: 429", msync.ErrThrottled)

	_, err := env.assets.Create(ctx, env.acct.ID, msgs[1].ID, []byte("body"), "text/plain")
	require.NoError(t, err)

	res, err := env.sweeper(3).SweepAccount(ctx, env.acct.ID)
	require.NoError(t, err)
	require.Equal(t, SweepResult{Checked: 7, Deleted: 2, Kept: 5}, res)

	for _, m := range msgs {
		_, err := env.st.GetMessage(ctx, m.ID)
		if m.ProviderID == "p-001" || m.ProviderID == "p-004" {
			require.ErrorIs(t, err, store.ErrNotFound)
		} else {
			require.NoError(t, err)
		}
	}

	// The deleted message's body went with it.
	orphans, err := env.st.ListUnreferencedAssets(ctx, 10)
	require.NoError(t, err)
	require.Empty(t, orphans)
}

func TestOrphanSweepStopsOnUnauthorized(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	msgs := env.seed(t, 4)

	for _, m := range msgs {
		env.provider.exists[m.ProviderID] = fmt.Errorf("%w: 401", msync.ErrUnauthorized)
	}

	res, err := env.sweeper(50).SweepAccount(ctx, env.acct.ID)
	require.ErrorIs(t, err, msync.ErrUnauthorized)
	require.Zero(t, res.Deleted)
	require.Equal(t, 1, env.provider.checks)
}

func TestOrphanSweepAll(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.seed(t, 3)
	env.provider.exists["p-002"] = msync.ErrNotFound

	res, err := env.sweeper(50).SweepAll(ctx)
	require.NoError(t, err)
	require.Equal(t, 3, res.Checked)
	require.Equal(t, 1, res.Deleted)
}

func TestReadStateQueueDebounces(t *testing.T) {
	env := newTestEnv(t)
	msgs := env.seed(t, 4)

	q := NewReadStateQueue(env.st, env.source, env.runner, 50*time.Millisecond, env.log)
	q.Add(env.acct.ID, []string{msgs[0].ID, msgs[1].ID})
	q.Add(env.acct.ID, []string{msgs[2].ID, msgs[3].ID, msgs[0].ID})
	require.Equal(t, 4, q.Pending())

	require.Eventually(t, func() bool {
		return q.Pending() == 0 &&
			len(env.provider.pushed(true))+len(env.provider.pushed(false)) == 4
	}, 5*time.Second, 10*time.Millisecond)

	// One push per group, each carrying the local truth.
	require.Equal(t, []string{"p-000", "p-002"}, env.provider.pushed(true))
	require.Equal(t, []string{"p-001", "p-003"}, env.provider.pushed(false))
}

func TestReadStateQueueUsesCurrentLocalState(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	msgs := env.seed(t, 2)

	q := NewReadStateQueue(env.st, env.source, env.runner, time.Hour, env.log)
	q.Add(env.acct.ID, []string{msgs[0].ID, msgs[1].ID})

	// The user flips the state again before the queue fires.
	_, err := env.messages.SetRead(ctx, env.acct.ID, []string{msgs[1].ID}, true)
	require.NoError(t, err)

	q.Flush(ctx)
	require.Equal(t, []string{"p-000", "p-001"}, env.provider.pushed(true))
	require.Empty(t, env.provider.pushed(false))
}

func TestReadStateQueueRequeuesThrottled(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	msgs := env.seed(t, 4)

	env.provider.throttled["p-000"] = true
	env.provider.readErr[false] = fmt.Errorf("%w: 429", msync.ErrThrottled)

	q := NewReadStateQueue(env.st, env.source, env.runner, time.Hour, env.log)
	q.Add(env.acct.ID, []string{msgs[0].ID, msgs[1].ID, msgs[2].ID, msgs[3].ID})
	q.Flush(ctx)

	// p-000 throttled individually, the unread batch throttled whole.
	require.Equal(t, 3, q.Pending())
}

func TestReadStateQueueDropsUnavailableAccount(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	msgs := env.seed(t, 1)

	env.source.err = fmt.Errorf("account is error")
	q := NewReadStateQueue(env.st, env.source, env.runner, time.Hour, env.log)
	q.Add(env.acct.ID, []string{msgs[0].ID})
	q.Flush(ctx)

	require.Zero(t, q.Pending())
	require.Empty(t, env.provider.pushed(true))
}
