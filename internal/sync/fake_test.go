package sync

import (
	"context"
	"fmt"
	"path/filepath"
	"strconv"
	"strings"
	gosync "sync"
	"testing"
	"time"

	"github.com/Martian-dev/mailsync/internal/auth"
	"github.com/Martian-dev/mailsync/internal/blob"
	"github.com/Martian-dev/mailsync/internal/mailbox"
	"github.com/Martian-dev/mailsync/internal/store"
	"github.com/lightningnetwork/lnd/fn/v2"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
)

// fakeProvider is a scripted in-memory mailbox
type fakeProvider struct {
	mu gosync.Mutex

	folders  []RemoteFolder
	children map[string][]RemoteFolder
	messages map[string][]mailbox.ProviderMessage
	pageSize int

	// failOnce maps "folder/page" to an error returned once by
	// ListMessages
	failOnce map[string]error
	// deltaErr is returned once by the next resumed delta call
	deltaErr error

	// changes queued for the next resumed delta call, per folder
	added   map[string][]mailbox.ProviderMessage
	removed map[string][]string
	version int

	listCalls  map[string]int
	deltaCalls map[string]int

	missing    map[string]bool
	existsErr  error
	readCalls  []readCall
	readErr    error
	moved      map[string]Destination
	bodies     map[string]*Body
	bodyCalls  int
}

type readCall struct {
	ids  []string
	read bool
}

func newFakeProvider() *fakeProvider {
	return &fakeProvider{
		children:   make(map[string][]RemoteFolder),
		messages:   make(map[string][]mailbox.ProviderMessage),
		pageSize:   50,
		failOnce:   make(map[string]error),
		added:      make(map[string][]mailbox.ProviderMessage),
		removed:    make(map[string][]string),
		listCalls:  make(map[string]int),
		deltaCalls: make(map[string]int),
		missing:    make(map[string]bool),
		moved:      make(map[string]Destination),
		bodies:     make(map[string]*Body),
	}
}

func (p *fakeProvider) addFolder(id, name string) {
	p.folders = append(p.folders, RemoteFolder{ID: id, DisplayName: name})
}

func (p *fakeProvider) fill(folderID string, n int) {
	base := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < n; i++ {
		p.messages[folderID] = append(p.messages[folderID],
			fakeMessage(fmt.Sprintf("%s-%03d", folderID, i), folderID,
				base.Add(-time.Duration(i)*time.Minute)))
	}
}

func fakeMessage(id, folderID string, at time.Time) mailbox.ProviderMessage {
	return mailbox.ProviderMessage{
		ProviderID: id,
		ThreadID:   "conv-" + id,
		Subject:    "subject " + id,
		From:       store.Participant{Name: "Sender", Address: "sender@example.com"},
		ReceivedAt: at,
		FolderID:   folderID,
	}
}

func (p *fakeProvider) ListFolders(context.Context) ([]RemoteFolder, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]RemoteFolder(nil), p.folders...), nil
}

func (p *fakeProvider) ListChildFolders(_ context.Context, parentID string) ([]RemoteFolder, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]RemoteFolder(nil), p.children[parentID]...), nil
}

func (p *fakeProvider) page(folderID string, page int) *MessagePage {
	msgs := p.messages[folderID]
	start := page * p.pageSize
	if start > len(msgs) {
		start = len(msgs)
	}
	end := start + p.pageSize
	if end > len(msgs) {
		end = len(msgs)
	}

	pg := &MessagePage{
		Messages: append([]mailbox.ProviderMessage(nil), msgs[start:end]...),
	}
	if end < len(msgs) {
		pg.NextLink = fmt.Sprintf("page:%s:%d", folderID, page+1)
	}
	return pg
}

func pageNumber(link string) int {
	if link == "" {
		return 0
	}
	n, _ := strconv.Atoi(link[strings.LastIndex(link, ":")+1:])
	return n
}

func (p *fakeProvider) ListMessages(_ context.Context, folderID, link string) (*MessagePage, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.listCalls[folderID]++
	page := pageNumber(link)
	key := fmt.Sprintf("%s/%d", folderID, page)
	if err, ok := p.failOnce[key]; ok {
		delete(p.failOnce, key)
		return nil, err
	}
	return p.page(folderID, page), nil
}

func (p *fakeProvider) Delta(_ context.Context, folderID, link string) (*MessagePage, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.deltaCalls[folderID]++

	switch {
	case strings.HasPrefix(link, "delta:"):
		if err := p.deltaErr; err != nil {
			p.deltaErr = nil
			return nil, err
		}
		pg := &MessagePage{
			Messages: p.added[folderID],
			Removed:  p.removed[folderID],
		}
		for _, m := range p.added[folderID] {
			p.messages[folderID] = append(p.messages[folderID], m)
		}
		delete(p.added, folderID)
		delete(p.removed, folderID)
		p.version++
		pg.DeltaLink = fmt.Sprintf("delta:%s:%d", folderID, p.version)
		return pg, nil

	default:
		// Fresh query or a next link of one: the folder's full content.
		pg := p.page(folderID, pageNumber(link))
		if pg.NextLink == "" {
			p.version++
			pg.DeltaLink = fmt.Sprintf("delta:%s:%d", folderID, p.version)
		} else {
			pg.NextLink = "delta-" + pg.NextLink
		}
		return pg, nil
	}
}

func (p *fakeProvider) MessageExists(_ context.Context, id string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.existsErr != nil {
		return p.existsErr
	}
	if p.missing[id] {
		return fmt.Errorf("message %s: %w", id, ErrNotFound)
	}
	return nil
}

func (p *fakeProvider) SetRead(_ context.Context, ids []string, read bool) (BatchResult, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.readCalls = append(p.readCalls, readCall{ids: append([]string(nil), ids...), read: read})
	if p.readErr != nil {
		return BatchResult{}, p.readErr
	}
	return BatchResult{}, nil
}

func (p *fakeProvider) Move(_ context.Context, id string, dest Destination) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.moved[id] = dest
	return id + "-moved", nil
}

func (p *fakeProvider) GetBody(_ context.Context, id string) (*Body, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.bodyCalls++
	if b, ok := p.bodies[id]; ok {
		return b, nil
	}
	return nil, fmt.Errorf("body %s: %w", id, ErrNotFound)
}

// staticTokens hands out fixed credentials or a fixed error
type staticTokens struct {
	err error
}

func (s *staticTokens) Ensure(_ context.Context, acct *store.Account) fn.Result[auth.Credentials] {
	if s.err != nil {
		return fn.Err[auth.Credentials](s.err)
	}
	return fn.Ok(auth.Credentials{
		AccessToken:  "token",
		RefreshToken: acct.RefreshToken,
		Expiry:       time.Now().Add(time.Hour),
	})
}

type recordingThrottle struct {
	mu  gosync.Mutex
	ids map[string][]string
}

func (r *recordingThrottle) Add(accountID string, ids []string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.ids == nil {
		r.ids = make(map[string][]string)
	}
	r.ids[accountID] = append(r.ids[accountID], ids...)
}

type testEnv struct {
	st       *store.Store
	blobs    *blob.BoltStore
	messages *mailbox.MessageStore
	assets   *mailbox.AssetStore
	provider *fakeProvider
	tokens   *staticTokens
	throttle *recordingThrottle
	engine   *Engine
	acct     *store.Account
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

	env := &testEnv{
		st:       st,
		blobs:    blobs,
		provider: newFakeProvider(),
		tokens:   &staticTokens{},
		throttle: &recordingThrottle{},
	}
	env.assets = mailbox.NewAssetStore(st, blobs, log)
	env.messages = mailbox.NewMessageStore(st, env.assets, log)

	factory := func(context.Context, *store.Account, auth.Credentials) (Provider, error) {
		return env.provider, nil
	}
	env.engine = NewEngine(st, env.tokens, factory, env.messages, env.assets,
		env.throttle, EngineConfig{}, log)

	env.acct, err = st.CreateAccount(context.Background(), store.Account{
		UserID:       "user-1",
		Provider:     string(ProviderMicrosoft),
		Email:        "me@example.com",
		RefreshToken: "refresh",
		SyncEnabled:  true,
	})
	require.NoError(t, err)
	return env
}

func (e *testEnv) count(t *testing.T) int {
	t.Helper()
	n := 0
	after := ""
	for {
		msgs, err := e.st.ListMessagesAfter(context.Background(), e.acct.ID, after, 100)
		require.NoError(t, err)
		if len(msgs) == 0 {
			return n
		}
		n += len(msgs)
		after = msgs[len(msgs)-1].ID
	}
}

func (e *testEnv) folder(t *testing.T, providerID string) *store.Folder {
	t.Helper()
	f, err := e.st.GetFolder(context.Background(), e.acct.ID, providerID)
	require.NoError(t, err)
	return f
}

func (e *testEnv) reload(t *testing.T) *store.Account {
	t.Helper()
	a, err := e.st.GetAccount(context.Background(), e.acct.ID)
	require.NoError(t, err)
	return a
}
