package auth

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jwk"
	"github.com/lestrrat-go/jwx/v2/jwt"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
)

func newSigningKey(t *testing.T, kid string) (jwk.Key, jwk.Key) {
	t.Helper()

	raw, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	priv, err := jwk.FromRaw(raw)
	require.NoError(t, err)
	pub, err := jwk.FromRaw(raw.Public())
	require.NoError(t, err)

	for _, k := range []jwk.Key{priv, pub} {
		require.NoError(t, k.Set(jwk.KeyIDKey, kid))
		require.NoError(t, k.Set(jwk.AlgorithmKey, jwa.RS256))
	}
	return priv, pub
}

func signedRequest(t *testing.T, key jwk.Key, build func(*jwt.Builder) *jwt.Builder) *http.Request {
	t.Helper()

	tok, err := build(jwt.NewBuilder().Expiration(time.Now().Add(time.Hour))).Build()
	require.NoError(t, err)
	signed, err := jwt.Sign(tok, jwt.WithKey(jwa.RS256, key))
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/v1/accounts", nil)
	req.Header.Set("Authorization", "Bearer "+string(signed))
	return req
}

func TestJWKSVerifier(t *testing.T) {
	priv, pub := newSigningKey(t, "k1")

	set := jwk.NewSet()
	require.NoError(t, set.AddKey(pub))
	body, err := json.Marshal(set)
	require.NoError(t, err)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write(body)
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	log := logrus.New()
	log.SetLevel(logrus.WarnLevel)
	v, err := NewJWKSVerifier(ctx, srv.URL, log)
	require.NoError(t, err)

	user, err := v.UserFromRequest(signedRequest(t, priv, func(b *jwt.Builder) *jwt.Builder {
		return b.Subject("user-1").Claim("email", "me@example.com").Claim("name", "Me")
	}))
	require.NoError(t, err)
	require.Equal(t, &User{ID: "user-1", Email: "me@example.com", Name: "Me"}, user)

	t.Run("missing subject", func(t *testing.T) {
		_, err := v.UserFromRequest(signedRequest(t, priv, func(b *jwt.Builder) *jwt.Builder {
			return b
		}))
		require.ErrorIs(t, err, ErrUnauthenticated)
	})

	t.Run("unknown key", func(t *testing.T) {
		other, _ := newSigningKey(t, "k1")
		_, err := v.UserFromRequest(signedRequest(t, other, func(b *jwt.Builder) *jwt.Builder {
			return b.Subject("user-1")
		}))
		require.ErrorIs(t, err, ErrUnauthenticated)
	})

	t.Run("no token", func(t *testing.T) {
		_, err := v.UserFromRequest(httptest.NewRequest(http.MethodGet, "/", nil))
		require.ErrorIs(t, err, ErrUnauthenticated)
	})
}
