package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/Martian-dev/mailsync/internal/store"
	"github.com/lightningnetwork/lnd/fn/v2"
	"github.com/sirupsen/logrus"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/endpoints"
)

// DefaultRefreshMargin is how close to expiry a token may get before a
// sync refreshes it
const DefaultRefreshMargin = 5 * time.Minute

// ErrReconnectRequired means the stored credentials can no longer be
// refreshed and the user has to connect the account again
var ErrReconnectRequired = errors.New("reconnect required")

// Credentials is a usable bearer credential pair
type Credentials struct {
	AccessToken  string
	RefreshToken string
	Expiry       time.Time
}

// TokenStore persists refreshed credentials
type TokenStore interface {
	UpdateAccountTokens(ctx context.Context, id, access, refresh string, expiry time.Time) error
}

// OAuthConfig describes the token endpoint of the provider
type OAuthConfig struct {
	ClientID     string
	ClientSecret string
	Tenant       string
	TokenURL     string // overrides the tenant endpoint when set
	Scopes       []string
}

// Endpoint resolves the OAuth endpoint for the config
func (c OAuthConfig) Endpoint() oauth2.Endpoint {
	tenant := c.Tenant
	if tenant == "" {
		tenant = "common"
	}
	ep := endpoints.AzureAD(tenant)
	if c.TokenURL != "" {
		ep.TokenURL = c.TokenURL
	}
	ep.AuthStyle = oauth2.AuthStyleInParams
	return ep
}

// TokenManager refreshes account credentials ahead of expiry
type TokenManager struct {
	oauth  *oauth2.Config
	store  TokenStore
	margin time.Duration
	client *http.Client
	now    func() time.Time
	log    logrus.FieldLogger
}

// TokenOption configures a TokenManager
type TokenOption func(*TokenManager)

// WithHTTPClient sets the client used to reach the token endpoint
func WithHTTPClient(c *http.Client) TokenOption {
	return func(m *TokenManager) { m.client = c }
}

// WithTokenClock overrides the time source used for expiry checks
func WithTokenClock(now func() time.Time) TokenOption {
	return func(m *TokenManager) { m.now = now }
}

// WithRefreshMargin overrides DefaultRefreshMargin
func WithRefreshMargin(d time.Duration) TokenOption {
	return func(m *TokenManager) { m.margin = d }
}

// NewTokenManager creates a token manager for the given OAuth client
func NewTokenManager(cfg OAuthConfig, store TokenStore, log logrus.FieldLogger, opts ...TokenOption) *TokenManager {
	m := &TokenManager{
		oauth: &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			Endpoint:     cfg.Endpoint(),
			Scopes:       cfg.Scopes,
		},
		store:  store,
		margin: DefaultRefreshMargin,
		client: &http.Client{Timeout: 15 * time.Second},
		now:    time.Now,
		log:    log,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// NeedsRefresh reports whether acct's access token is missing or inside
// the refresh margin
func (m *TokenManager) NeedsRefresh(acct *store.Account) bool {
	if acct.AccessToken == "" || acct.TokenExpiry.IsZero() {
		return true
	}
	return acct.TokenExpiry.Sub(m.now()) < m.margin
}

// Ensure returns credentials valid for at least the refresh margin. When a
// refresh happens the new pair is persisted and acct is updated in place,
// so the rest of the run does not refresh again. Any refresh failure is
// reported as ErrReconnectRequired.
func (m *TokenManager) Ensure(ctx context.Context, acct *store.Account) fn.Result[Credentials] {
	if !m.NeedsRefresh(acct) {
		return fn.Ok(Credentials{
			AccessToken:  acct.AccessToken,
			RefreshToken: acct.RefreshToken,
			Expiry:       acct.TokenExpiry,
		})
	}

	if acct.RefreshToken == "" {
		return fn.Err[Credentials](fmt.Errorf("%w: no refresh token",
			ErrReconnectRequired))
	}

	log := m.log.WithField("account_id", acct.ID)
	log.Debug("Refreshing access token")

	ctx = context.WithValue(ctx, oauth2.HTTPClient, m.client)
	src := m.oauth.TokenSource(ctx, &oauth2.Token{
		RefreshToken: acct.RefreshToken,
		Expiry:       time.Unix(1, 0),
	})
	tok, err := src.Token()
	if err != nil {
		log.WithError(err).Warn("Token refresh failed")
		return fn.Err[Credentials](fmt.Errorf("%w: %v",
			ErrReconnectRequired, err))
	}

	creds := Credentials{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		Expiry:       tok.Expiry,
	}
	// Providers may omit the refresh token when it did not rotate.
	if creds.RefreshToken == "" {
		creds.RefreshToken = acct.RefreshToken
	}

	err = m.store.UpdateAccountTokens(ctx, acct.ID, creds.AccessToken,
		creds.RefreshToken, creds.Expiry)
	if err != nil {
		return fn.Err[Credentials](fmt.Errorf("failed to persist tokens: %w",
			err))
	}

	acct.AccessToken = creds.AccessToken
	acct.RefreshToken = creds.RefreshToken
	acct.TokenExpiry = creds.Expiry

	log.WithField("expiry", creds.Expiry).Info("Access token refreshed")
	return fn.Ok(creds)
}
