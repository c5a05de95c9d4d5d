package auth

import (
	"fmt"
	"net/http"
	"strings"

	gojwt "github.com/golang-jwt/jwt/v5"
)

type userClaims struct {
	gojwt.RegisteredClaims
	Email string `json:"email,omitempty"`
	Name  string `json:"name,omitempty"`
}

// HMACVerifier verifies HS256 tokens signed with a shared secret. It is
// meant for deployments without an identity provider.
type HMACVerifier struct {
	secret []byte
	issuer string
}

var _ Verifier = (*HMACVerifier)(nil)

// NewHMACVerifier creates a verifier for secret. An empty issuer skips
// the issuer check.
func NewHMACVerifier(secret, issuer string) *HMACVerifier {
	return &HMACVerifier{secret: []byte(secret), issuer: issuer}
}

// UserFromRequest validates the bearer token of r
func (v *HMACVerifier) UserFromRequest(r *http.Request) (*User, error) {
	raw, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
	if !ok || raw == "" {
		return nil, fmt.Errorf("%w: missing bearer token", ErrUnauthenticated)
	}

	opts := []gojwt.ParserOption{
		gojwt.WithValidMethods([]string{gojwt.SigningMethodHS256.Alg()}),
		gojwt.WithExpirationRequired(),
	}
	if v.issuer != "" {
		opts = append(opts, gojwt.WithIssuer(v.issuer))
	}

	var claims userClaims
	_, err := gojwt.ParseWithClaims(raw, &claims, func(*gojwt.Token) (any, error) {
		return v.secret, nil
	}, opts...)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnauthenticated, err)
	}
	if claims.Subject == "" {
		return nil, fmt.Errorf("%w: token missing subject", ErrUnauthenticated)
	}

	return &User{ID: claims.Subject, Email: claims.Email, Name: claims.Name}, nil
}

// SignHMAC issues an HS256 token for user valid until the given claims
// expire. Used by the dev token command and tests.
func SignHMAC(secret string, user User, claims gojwt.RegisteredClaims) (string, error) {
	claims.Subject = user.ID
	tok := gojwt.NewWithClaims(gojwt.SigningMethodHS256, userClaims{
		RegisteredClaims: claims,
		Email:            user.Email,
		Name:             user.Name,
	})
	return tok.SignedString([]byte(secret))
}
