package outlook

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	abstractions "github.com/microsoft/kiota-abstractions-go"
	kiotaauth "github.com/microsoft/kiota-authentication-azure-go"
	msgraphsdk "github.com/microsoftgraph/msgraph-sdk-go"
	"github.com/microsoftgraph/msgraph-sdk-go/models"
	"github.com/microsoftgraph/msgraph-sdk-go/users"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/Martian-dev/mailsync/internal/auth"
	"github.com/Martian-dev/mailsync/internal/store"
	msync "github.com/Martian-dev/mailsync/internal/sync"
)

// Defaults for Graph access
const (
	DefaultPageSize = 50
	DefaultRate     = 4
	DefaultBurst    = 4
)

var messageFields = []string{
	"id", "conversationId", "subject", "from", "toRecipients",
	"ccRecipients", "receivedDateTime", "isRead", "hasAttachments",
	"flag", "importance", "inferenceClassification", "categories",
	"parentFolderId",
}

// Config configures Graph access
type Config struct {
	// BaseURL overrides the Graph endpoint, e.g. for a national cloud
	BaseURL  string
	PageSize int
	Rate     rate.Limit
	Burst    int
}

// Factory creates adapters. Requests of one account share a limiter
// across adapters so that syncs and user actions are paced together.
type Factory struct {
	cfg Config
	log logrus.FieldLogger

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

// NewFactory creates an adapter factory
func NewFactory(cfg Config, log logrus.FieldLogger) *Factory {
	if cfg.PageSize <= 0 {
		cfg.PageSize = DefaultPageSize
	}
	if cfg.Rate <= 0 {
		cfg.Rate = DefaultRate
	}
	if cfg.Burst <= 0 {
		cfg.Burst = DefaultBurst
	}
	return &Factory{
		cfg:      cfg,
		log:      log,
		limiters: make(map[string]*rate.Limiter),
	}
}

func (f *Factory) limiter(accountID string) *rate.Limiter {
	f.mu.Lock()
	defer f.mu.Unlock()

	l, ok := f.limiters[accountID]
	if !ok {
		l = rate.NewLimiter(f.cfg.Rate, f.cfg.Burst)
		f.limiters[accountID] = l
	}
	return l
}

// New builds the Graph adapter for an account. It satisfies
// sync.ProviderFactory.
func (f *Factory) New(_ context.Context, acct *store.Account, creds auth.Credentials) (msync.Provider, error) {
	cred := &staticTokenCredential{token: creds.AccessToken, expiry: creds.Expiry}

	authProvider, err := kiotaauth.NewAzureIdentityAuthenticationProviderWithScopes(
		cred, []string{"https://graph.microsoft.com/.default"})
	if err != nil {
		return nil, fmt.Errorf("failed to create auth provider: %w", err)
	}
	adapter, err := msgraphsdk.NewGraphRequestAdapter(authProvider)
	if err != nil {
		return nil, fmt.Errorf("failed to create request adapter: %w", err)
	}
	if f.cfg.BaseURL != "" {
		adapter.SetBaseUrl(f.cfg.BaseURL)
	}

	return &Adapter{
		client:   msgraphsdk.NewGraphServiceClient(adapter),
		user:     acct.Email,
		limiter:  f.limiter(acct.ID),
		pageSize: int32(f.cfg.PageSize),
		log:      f.log.WithField("account_id", acct.ID),
	}, nil
}

// Adapter implements sync.Provider on Microsoft Graph
type Adapter struct {
	client   *msgraphsdk.GraphServiceClient
	user     string
	limiter  *rate.Limiter
	pageSize int32
	log      logrus.FieldLogger
}

var _ msync.Provider = (*Adapter)(nil)

func (a *Adapter) me() *users.UserItemRequestBuilder {
	return a.client.Users().ByUserId(a.user)
}

func (a *Adapter) wait(ctx context.Context) error {
	return a.limiter.Wait(ctx)
}

func (a *Adapter) maxPageSize() *abstractions.RequestHeaders {
	h := abstractions.NewRequestHeaders()
	h.Add("Prefer", "odata.maxpagesize="+strconv.Itoa(int(a.pageSize)))
	return h
}

// ListFolders returns every top level folder
func (a *Adapter) ListFolders(ctx context.Context) ([]msync.RemoteFolder, error) {
	cfg := &users.ItemMailFoldersRequestBuilderGetRequestConfiguration{
		QueryParameters: &users.ItemMailFoldersRequestBuilderGetQueryParameters{
			Top: &a.pageSize,
		},
	}

	var (
		out  []msync.RemoteFolder
		next string
	)
	for {
		if err := a.wait(ctx); err != nil {
			return nil, err
		}

		var (
			resp models.MailFolderCollectionResponseable
			err  error
		)
		if next == "" {
			resp, err = a.me().MailFolders().Get(ctx, cfg)
		} else {
			resp, err = a.me().MailFolders().WithUrl(next).Get(ctx, nil)
		}
		if err != nil {
			return nil, classify("list folders", err)
		}

		out = append(out, convertFolders(resp.GetValue())...)
		if next = deref(resp.GetOdataNextLink()); next == "" {
			return out, nil
		}
	}
}

// ListChildFolders returns the direct children of a folder
func (a *Adapter) ListChildFolders(ctx context.Context, parentID string) ([]msync.RemoteFolder, error) {
	builder := a.me().MailFolders().ByMailFolderId(parentID).ChildFolders()
	cfg := &users.ItemMailFoldersItemChildFoldersRequestBuilderGetRequestConfiguration{
		QueryParameters: &users.ItemMailFoldersItemChildFoldersRequestBuilderGetQueryParameters{
			Top: &a.pageSize,
		},
	}

	var (
		out  []msync.RemoteFolder
		next string
	)
	for {
		if err := a.wait(ctx); err != nil {
			return nil, err
		}

		var (
			resp models.MailFolderCollectionResponseable
			err  error
		)
		if next == "" {
			resp, err = builder.Get(ctx, cfg)
		} else {
			resp, err = builder.WithUrl(next).Get(ctx, nil)
		}
		if err != nil {
			return nil, classify("list child folders of "+parentID, err)
		}

		for _, f := range convertFolders(resp.GetValue()) {
			if f.ParentID == "" {
				f.ParentID = parentID
			}
			out = append(out, f)
		}
		if next = deref(resp.GetOdataNextLink()); next == "" {
			return out, nil
		}
	}
}

// ListMessages returns one page of a folder, newest first
func (a *Adapter) ListMessages(ctx context.Context, folderID, link string) (*msync.MessagePage, error) {
	if err := a.wait(ctx); err != nil {
		return nil, err
	}

	builder := a.me().MailFolders().ByMailFolderId(folderID).Messages()

	var (
		resp models.MessageCollectionResponseable
		err  error
	)
	if link == "" {
		resp, err = builder.Get(ctx, &users.ItemMailFoldersItemMessagesRequestBuilderGetRequestConfiguration{
			QueryParameters: &users.ItemMailFoldersItemMessagesRequestBuilderGetQueryParameters{
				Top:     &a.pageSize,
				Select:  messageFields,
				Orderby: []string{"receivedDateTime desc"},
			},
		})
	} else {
		resp, err = builder.WithUrl(link).Get(ctx, nil)
	}
	if err != nil {
		return nil, classify("list messages in "+folderID, err)
	}

	page := &msync.MessagePage{NextLink: deref(resp.GetOdataNextLink())}
	for _, m := range resp.GetValue() {
		page.Messages = append(page.Messages, convertMessage(m))
	}
	return page, nil
}

// Delta runs or resumes a delta query on a folder
func (a *Adapter) Delta(ctx context.Context, folderID, link string) (*msync.MessagePage, error) {
	if err := a.wait(ctx); err != nil {
		return nil, err
	}

	builder := a.me().MailFolders().ByMailFolderId(folderID).Messages().Delta()

	var (
		resp users.ItemMailFoldersItemMessagesDeltaGetResponseable
		err  error
	)
	if link == "" {
		resp, err = builder.GetAsDeltaGetResponse(ctx, &users.ItemMailFoldersItemMessagesDeltaRequestBuilderGetRequestConfiguration{
			Headers: a.maxPageSize(),
			QueryParameters: &users.ItemMailFoldersItemMessagesDeltaRequestBuilderGetQueryParameters{
				Select: messageFields,
			},
		})
	} else {
		// Delta links carry their own query; only the page size
		// preference must be repeated.
		resp, err = builder.WithUrl(link).GetAsDeltaGetResponse(ctx,
			&users.ItemMailFoldersItemMessagesDeltaRequestBuilderGetRequestConfiguration{
				Headers: a.maxPageSize(),
			})
	}
	if err != nil {
		return nil, classify("delta of "+folderID, err)
	}

	page := &msync.MessagePage{
		NextLink:  deref(resp.GetOdataNextLink()),
		DeltaLink: deref(resp.GetOdataDeltaLink()),
	}
	for _, m := range resp.GetValue() {
		if removed(m) {
			page.Removed = append(page.Removed, deref(m.GetId()))
			continue
		}
		pm := convertMessage(m)
		if pm.FolderID == "" {
			pm.FolderID = folderID
		}
		page.Messages = append(page.Messages, pm)
	}
	return page, nil
}

// MessageExists fetches only the id of a message
func (a *Adapter) MessageExists(ctx context.Context, messageID string) error {
	if err := a.wait(ctx); err != nil {
		return err
	}

	_, err := a.me().Messages().ByMessageId(messageID).Get(ctx,
		&users.ItemMessagesMessageItemRequestBuilderGetRequestConfiguration{
			QueryParameters: &users.ItemMessagesMessageItemRequestBuilderGetQueryParameters{
				Select: []string{"id"},
			},
		})
	if err != nil {
		return classify("get message "+messageID, err)
	}
	return nil
}

// SetRead patches isRead message by message. A throttled request stops
// the batch; it and the remaining ids are reported as throttled.
func (a *Adapter) SetRead(ctx context.Context, messageIDs []string, read bool) (msync.BatchResult, error) {
	var res msync.BatchResult

	for i, id := range messageIDs {
		if err := a.wait(ctx); err != nil {
			return res, err
		}

		body := models.NewMessage()
		body.SetIsRead(&read)
		_, err := a.me().Messages().ByMessageId(id).Patch(ctx, body, nil)
		if err == nil {
			continue
		}

		err = classify("patch message "+id, err)
		switch {
		case isThrottled(err):
			res.Throttled = append(res.Throttled, messageIDs[i:]...)
			return res, nil
		case isUnauthorized(err):
			return res, err
		}
		a.log.WithError(err).WithField("message_id", id).
			Warn("Failed to set read state")
		res.Failed = append(res.Failed, id)
	}
	return res, nil
}

// Move moves a message to a well-known folder and returns the new id
func (a *Adapter) Move(ctx context.Context, messageID string, dest msync.Destination) (string, error) {
	if err := a.wait(ctx); err != nil {
		return "", err
	}

	destination := string(dest)
	body := users.NewItemMessagesItemMovePostRequestBody()
	body.SetDestinationId(&destination)

	moved, err := a.me().Messages().ByMessageId(messageID).Move().Post(ctx, body, nil)
	if err != nil {
		return "", classify("move message "+messageID, err)
	}
	if moved == nil {
		return messageID, nil
	}
	return deref(moved.GetId()), nil
}

// GetBody fetches a message body
func (a *Adapter) GetBody(ctx context.Context, messageID string) (*msync.Body, error) {
	if err := a.wait(ctx); err != nil {
		return nil, err
	}

	m, err := a.me().Messages().ByMessageId(messageID).Get(ctx,
		&users.ItemMessagesMessageItemRequestBuilderGetRequestConfiguration{
			QueryParameters: &users.ItemMessagesMessageItemRequestBuilderGetQueryParameters{
				Select: []string{"body"},
			},
		})
	if err != nil {
		return nil, classify("get body of "+messageID, err)
	}
	return convertBody(m.GetBody()), nil
}

// staticTokenCredential hands the Graph client an already refreshed token
type staticTokenCredential struct {
	token  string
	expiry time.Time
}

func (c *staticTokenCredential) GetToken(_ context.Context, _ policy.TokenRequestOptions) (azcore.AccessToken, error) {
	expiry := c.expiry
	if expiry.IsZero() {
		expiry = time.Now().Add(time.Hour)
	}
	return azcore.AccessToken{Token: c.token, ExpiresOn: expiry}, nil
}
