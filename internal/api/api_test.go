package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	gojwt "github.com/golang-jwt/jwt/v5"
	"github.com/lightningnetwork/lnd/fn/v2"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"github.com/Martian-dev/mailsync/internal/auth"
	"github.com/Martian-dev/mailsync/internal/blob"
	"github.com/Martian-dev/mailsync/internal/jobs"
	"github.com/Martian-dev/mailsync/internal/mailbox"
	"github.com/Martian-dev/mailsync/internal/store"
	msync "github.com/Martian-dev/mailsync/internal/sync"
	"github.com/Martian-dev/mailsync/internal/taxonomy"
)

const secret = "test-secret"

// stubProvider serves the write-through calls. Listing is never reached
// because syncs are stubbed out.
type stubProvider struct {
	msync.Provider

	mu        sync.Mutex
	reads     map[string]bool
	moved     []string
	bodyCalls int
}

func (p *stubProvider) SetRead(_ context.Context, ids []string, read bool) (msync.BatchResult, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, id := range ids {
		p.reads[id] = read
	}
	return msync.BatchResult{}, nil
}

func (p *stubProvider) Move(_ context.Context, id string, _ msync.Destination) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.moved = append(p.moved, id)
	return "moved-" + id, nil
}

func (p *stubProvider) GetBody(_ context.Context, id string) (*msync.Body, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.bodyCalls++
	return &msync.Body{ContentType: "text/html", Data: []byte("<p>" + id + "</p>")}, nil
}

type staticTokens struct{}

func (staticTokens) Ensure(_ context.Context, acct *store.Account) fn.Result[auth.Credentials] {
	return fn.Ok(auth.Credentials{AccessToken: "token", RefreshToken: acct.RefreshToken})
}

// skipSyncer records requested syncs and reports them skipped
type skipSyncer struct {
	calls chan string
}

func (s *skipSyncer) SyncAccount(_ context.Context, id string) (*msync.Outcome, error) {
	s.calls <- id
	return &msync.Outcome{AccountID: id, Skipped: true}, nil
}

type apiEnv struct {
	st       *store.Store
	provider *stubProvider
	syncer   *skipSyncer
	handler  http.Handler
	acct     *store.Account
}

func newAPIEnv(t *testing.T) *apiEnv {
	t.Helper()
	gin.SetMode(gin.TestMode)

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

	env := &apiEnv{
		st:       st,
		provider: &stubProvider{reads: make(map[string]bool)},
		syncer:   &skipSyncer{calls: make(chan string, 10)},
	}

	assets := mailbox.NewAssetStore(st, blobs, log)
	messages := mailbox.NewMessageStore(st, assets, log)
	factory := func(context.Context, *store.Account, auth.Credentials) (msync.Provider, error) {
		return env.provider, nil
	}
	engine := msync.NewEngine(st, staticTokens{}, factory, messages, assets,
		nil, msync.EngineConfig{}, log)
	sched := msync.NewScheduler(st, env.syncer, runner, msync.DefaultSchedulerConfig(), log)

	srv := NewServer(st, engine, sched, mailbox.NewThreads(st), assets,
		auth.NewHMACVerifier(secret, "mailsync"), log)
	env.handler = srv.Handler()

	env.acct, err = st.CreateAccount(context.Background(), store.Account{
		UserID:       "user-1",
		Provider:     string(msync.ProviderMicrosoft),
		Email:        "me@example.com",
		RefreshToken: "refresh",
		SyncEnabled:  true,
	})
	require.NoError(t, err)
	return env
}

func token(t *testing.T, userID string) string {
	t.Helper()
	tok, err := auth.SignHMAC(secret, auth.User{ID: userID}, gojwt.RegisteredClaims{
		Issuer:    "mailsync",
		ExpiresAt: gojwt.NewNumericDate(time.Now().Add(time.Hour)),
	})
	require.NoError(t, err)
	return tok
}

func (e *apiEnv) do(t *testing.T, user, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if user != "" {
		req.Header.Set("Authorization", "Bearer "+token(t, user))
	}

	rec := httptest.NewRecorder()
	e.handler.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func (e *apiEnv) insert(t *testing.T, m store.Message) *store.Message {
	t.Helper()
	m.AccountID = e.acct.ID
	if m.ReceivedAt.IsZero() {
		m.ReceivedAt = time.Now()
	}
	if m.CanonicalFolder == "" {
		m.CanonicalFolder = taxonomy.FolderInbox
	}
	out, err := e.st.InsertMessage(context.Background(), m)
	require.NoError(t, err)
	return out
}

func (e *apiEnv) path(rest string) string {
	return "/v1/accounts/" + e.acct.ID + rest
}

func TestRequiresAuthentication(t *testing.T) {
	env := newAPIEnv(t)

	rec := env.do(t, "", http.MethodGet, "/v1/accounts", nil)
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = env.do(t, "", http.MethodGet, "/healthz", nil)
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestConnectAndListAccounts(t *testing.T) {
	env := newAPIEnv(t)

	rec := env.do(t, "user-2", http.MethodPost, "/v1/accounts", map[string]any{
		"email":         "other@example.com",
		"access_token":  "a",
		"refresh_token": "r",
		"expires_in":    3600,
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	created := decode[accountView](t, rec)
	require.Equal(t, "MICROSOFT", created.Provider)
	require.Equal(t, store.StatusActive, created.Status)

	rec = env.do(t, "user-2", http.MethodGet, "/v1/accounts", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	list := decode[[]accountView](t, rec)
	require.Len(t, list, 1)
	require.Equal(t, created.ID, list[0].ID)

	rec = env.do(t, "user-2", http.MethodPost, "/v1/accounts", map[string]any{
		"provider":      "GOOGLE",
		"email":         "g@example.com",
		"access_token":  "a",
		"refresh_token": "r",
	})
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = env.do(t, "user-2", http.MethodPost, "/v1/accounts", map[string]any{
		"email": "not-an-address",
	})
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestForeignAccountIsNotFound(t *testing.T) {
	env := newAPIEnv(t)

	rec := env.do(t, "user-2", http.MethodGet, env.path("/status"), nil)
	require.Equal(t, http.StatusNotFound, rec.Code)

	rec = env.do(t, "user-1", http.MethodGet, "/v1/accounts/missing/status", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)

	rec = env.do(t, "user-1", http.MethodGet, env.path("/status"), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	status := decode[msync.Status](t, rec)
	require.Equal(t, env.acct.ID, status.AccountID)
	require.True(t, status.SyncEnabled)
}

func TestRequestSync(t *testing.T) {
	env := newAPIEnv(t)

	rec := env.do(t, "user-1", http.MethodPost, env.path("/sync"), map[string]string{"intent": "focus"})
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())

	select {
	case id := <-env.syncer.calls:
		require.Equal(t, env.acct.ID, id)
	case <-time.After(5 * time.Second):
		t.Fatal("sync was not dispatched")
	}

	rec = env.do(t, "user-1", http.MethodPost, env.path("/sync"), map[string]string{"intent": "inbox_open"})
	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	require.NotEmpty(t, rec.Header().Get("Retry-After"))

	rec = env.do(t, "user-1", http.MethodPost, env.path("/sync"), map[string]string{"intent": "poke"})
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestManualSyncConflictsWithRunningSync(t *testing.T) {
	env := newAPIEnv(t)
	ctx := context.Background()

	ok, err := env.st.AcquireSyncLock(ctx, env.acct.ID, env.st.Now(), time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	rec := env.do(t, "user-1", http.MethodPost, env.path("/sync"), map[string]string{"intent": "manual"})
	require.Equal(t, http.StatusConflict, rec.Code)
}

func TestThreadResolution(t *testing.T) {
	env := newAPIEnv(t)
	now := time.Now()

	env.insert(t, store.Message{
		ProviderID: "p1", ThreadID: "t1", Subject: "Hello",
		From:       store.Participant{Address: "them@example.com"},
		ReceivedAt: now.Add(-time.Hour), IsRead: true,
		Resolution: store.ResolutionNone,
	})
	env.insert(t, store.Message{
		ProviderID: "p2", ThreadID: "t1", Subject: "Re: Hello",
		From:       store.Participant{Address: "them@example.com"},
		ReceivedAt: now, Resolution: store.ResolutionAwaitingMe,
	})

	rec := env.do(t, "user-1", http.MethodGet, env.path("/threads"), nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	threads := decode[[]mailbox.ThreadSummary](t, rec)
	require.Len(t, threads, 1)
	require.Equal(t, store.ResolutionAwaitingMe, threads[0].State)
	require.Equal(t, 2, threads[0].MessageCount)
	require.Equal(t, "Re: Hello", threads[0].Subject)

	rec = env.do(t, "user-1", http.MethodPost, env.path("/threads/t1/resolution"), map[string]string{"action": "resolve"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	require.Equal(t, store.ResolutionResolved, decode[mailbox.ThreadSummary](t, rec).State)

	rec = env.do(t, "user-1", http.MethodPost, env.path("/threads/t1/resolution"), map[string]string{"action": "reopen"})
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, store.ResolutionAwaitingMe, decode[mailbox.ThreadSummary](t, rec).State)

	rec = env.do(t, "user-1", http.MethodPost, env.path("/threads/t1/resolution"), map[string]string{"action": "snooze"})
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = env.do(t, "user-1", http.MethodGet, env.path("/threads/nope"), nil)
	require.Equal(t, http.StatusNotFound, rec.Code)

	rec = env.do(t, "user-1", http.MethodGet, env.path("/threads?folder=attic"), nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = env.do(t, "user-1", http.MethodGet, env.path("/threads?folder=sent"), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Empty(t, decode[[]mailbox.ThreadSummary](t, rec))
}

func TestMessageActions(t *testing.T) {
	env := newAPIEnv(t)
	m := env.insert(t, store.Message{ProviderID: "p1", ThreadID: "t1"})

	rec := env.do(t, "user-1", http.MethodPost, env.path("/messages/read"), map[string]any{
		"ids": []string{m.ID}, "read": true,
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	require.Equal(t, 1, decode[msync.ReadResult](t, rec).Changed)
	require.Equal(t, map[string]bool{"p1": true}, env.provider.reads)

	rec = env.do(t, "user-1", http.MethodPost, env.path("/messages/read"), map[string]any{
		"ids": []string{m.ID},
	})
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = env.do(t, "user-1", http.MethodGet, env.path("/messages/"+m.ID+"/body"), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "text/html", rec.Header().Get("Content-Type"))
	require.Equal(t, "<p>p1</p>", rec.Body.String())

	rec = env.do(t, "user-1", http.MethodGet, env.path("/messages/"+m.ID+"/body"), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, 1, env.provider.bodyCalls)

	rec = env.do(t, "user-1", http.MethodPost, env.path("/messages/move"), map[string]any{
		"ids": []string{m.ID}, "destination": "deleteditems",
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	require.Equal(t, []string{m.ID}, decode[msync.MoveResult](t, rec).Moved)

	moved, err := env.st.GetMessage(context.Background(), m.ID)
	require.NoError(t, err)
	require.Equal(t, "moved-p1", moved.ProviderID)
	require.Equal(t, taxonomy.FolderTrash, moved.CanonicalFolder)

	rec = env.do(t, "user-1", http.MethodPost, env.path("/messages/move"), map[string]any{
		"ids": []string{m.ID}, "destination": "outer-space",
	})
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestInactiveAccountActions(t *testing.T) {
	env := newAPIEnv(t)
	ctx := context.Background()
	m := env.insert(t, store.Message{ProviderID: "p1"})

	require.NoError(t, env.st.SetAccountStatus(ctx, env.acct.ID, store.StatusError, "reconnect"))

	rec := env.do(t, "user-1", http.MethodGet, env.path("/messages/"+m.ID+"/body"), nil)
	require.Equal(t, http.StatusConflict, rec.Code)

	rec = env.do(t, "user-1", http.MethodPut, env.path("/credentials"), map[string]any{
		"access_token": "a2", "refresh_token": "r2", "expires_in": 3600,
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	require.True(t, decode[msync.RequestResult](t, rec).Accepted)

	acct, err := env.st.GetAccount(ctx, env.acct.ID)
	require.NoError(t, err)
	require.Equal(t, store.StatusActive, acct.Status)
	require.Equal(t, "r2", acct.RefreshToken)
}

func TestTouchAndDisconnect(t *testing.T) {
	env := newAPIEnv(t)
	env.insert(t, store.Message{ProviderID: "p1"})

	rec := env.do(t, "user-1", http.MethodPost, env.path("/touch"), nil)
	require.Equal(t, http.StatusNoContent, rec.Code)

	rec = env.do(t, "user-2", http.MethodDelete, env.path(""), nil)
	require.Equal(t, http.StatusNotFound, rec.Code)

	rec = env.do(t, "user-1", http.MethodDelete, env.path(""), nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	require.EqualValues(t, 1, decode[map[string]int](t, rec)["messages"])

	rec = env.do(t, "user-1", http.MethodGet, env.path("/status"), nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
}
