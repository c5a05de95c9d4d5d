package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/lestrrat-go/jwx/v2/jwk"
	"github.com/lestrrat-go/jwx/v2/jwt"
	"github.com/sirupsen/logrus"
)

// ErrUnauthenticated is returned when a request carries no usable token
var ErrUnauthenticated = errors.New("unauthenticated")

// User is the authenticated caller of the API
type User struct {
	ID    string `json:"id"`
	Email string `json:"email"`
	Name  string `json:"name"`
}

// Verifier authenticates API requests
type Verifier interface {
	UserFromRequest(r *http.Request) (*User, error)
}

// JWKSVerifier verifies RS/ES signed tokens against a cached JWKS
type JWKSVerifier struct {
	jwksURL    string
	cache      *jwk.Cache
	refreshTTL time.Duration
	log        logrus.FieldLogger

	mu        sync.RWMutex
	keySet    jwk.Set
	lastFetch time.Time
}

var _ Verifier = (*JWKSVerifier)(nil)

// NewJWKSVerifier registers jwksURL, warms the key cache and keeps it
// refreshed until ctx is done
func NewJWKSVerifier(ctx context.Context, jwksURL string, log logrus.FieldLogger) (*JWKSVerifier, error) {
	v := &JWKSVerifier{
		jwksURL:    jwksURL,
		refreshTTL: 5 * time.Minute,
		log:        log,
	}

	v.cache = jwk.NewCache(ctx)
	err := v.cache.Register(jwksURL, jwk.WithMinRefreshInterval(v.refreshTTL))
	if err != nil {
		return nil, fmt.Errorf("failed to register JWKS URL: %w", err)
	}

	fetchCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	keySet, err := v.fetchKeySet(fetchCtx)
	if err != nil {
		return nil, fmt.Errorf("failed initial JWKS fetch: %w", err)
	}
	v.keySet = keySet
	v.lastFetch = time.Now()

	go v.refreshLoop(ctx)

	return v, nil
}

func (v *JWKSVerifier) fetchKeySet(ctx context.Context) (jwk.Set, error) {
	keySet, err := v.cache.Get(ctx, v.jwksURL)
	if err != nil {
		return jwk.Fetch(ctx, v.jwksURL)
	}
	return keySet, nil
}

func (v *JWKSVerifier) refreshLoop(ctx context.Context) {
	ticker := time.NewTicker(v.refreshTTL)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		fetchCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		keySet, err := v.fetchKeySet(fetchCtx)
		cancel()
		if err != nil {
			// Keep serving the previous key set; retry next tick.
			v.log.WithError(err).Warn("JWKS refresh failed")
			continue
		}

		v.mu.Lock()
		v.keySet = keySet
		v.lastFetch = time.Now()
		v.mu.Unlock()
	}
}

func (v *JWKSVerifier) getKeySet() jwk.Set {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.keySet
}

// UserFromRequest validates the bearer token of r
func (v *JWKSVerifier) UserFromRequest(r *http.Request) (*User, error) {
	token, err := jwt.ParseRequest(r,
		jwt.WithKeySet(v.getKeySet()),
		jwt.WithValidate(true),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnauthenticated, err)
	}

	if token.Subject() == "" {
		return nil, fmt.Errorf("%w: token missing subject", ErrUnauthenticated)
	}

	user := &User{ID: token.Subject()}
	if claim, ok := token.Get("email"); ok {
		user.Email, _ = claim.(string)
	}
	if claim, ok := token.Get("name"); ok {
		user.Name, _ = claim.(string)
	}
	return user, nil
}
