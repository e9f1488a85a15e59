// Package auth defines the bearer-token verification contract used by the
// gateway's connect path and the httpstub surface, plus a JWT-backed
// implementation. Claims shape borrows the teacher's auth provider's field
// naming (Subject, IssuedAt, ExpiresAt) while delegating actual signature
// verification to golang-jwt/jwt/v5 instead of hand-rolled HMAC.
package auth

import (
	"context"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/duskline/relay/internal/relayerr"
)

// Claims is the verified identity carried by a bearer token.
type Claims struct {
	UserID    string
	Subject   string
	IssuedAt  time.Time
	ExpiresAt time.Time
}

// TokenVerifier validates a bearer token string and extracts its Claims.
type TokenVerifier interface {
	Verify(ctx context.Context, token string) (Claims, error)
}

// relayClaims is the JWT claim set the relay issues and expects.
type relayClaims struct {
	jwt.RegisteredClaims
	UserID string `json:"uid"`
}

// HS256Verifier verifies tokens signed with a shared HMAC secret.
type HS256Verifier struct {
	secret []byte
	issuer string
}

// NewHS256Verifier constructs a verifier for the given shared secret and
// expected issuer.
func NewHS256Verifier(secret []byte, issuer string) *HS256Verifier {
	return &HS256Verifier{secret: secret, issuer: issuer}
}

func (v *HS256Verifier) Verify(ctx context.Context, tokenString string) (Claims, error) {
	claims := &relayClaims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return v.secret, nil
	}, jwt.WithIssuer(v.issuer), jwt.WithValidMethods([]string{"HS256"}))

	if err != nil {
		return Claims{}, relayerr.Wrap(relayerr.CodeUnauthorized, "token verification failed", err)
	}
	if !token.Valid {
		return Claims{}, relayerr.New(relayerr.CodeUnauthorized, "token invalid")
	}
	if claims.UserID == "" {
		return Claims{}, relayerr.New(relayerr.CodeUnauthorized, "token missing subject")
	}

	out := Claims{UserID: claims.UserID, Subject: claims.Subject}
	if claims.IssuedAt != nil {
		out.IssuedAt = claims.IssuedAt.Time
	}
	if claims.ExpiresAt != nil {
		out.ExpiresAt = claims.ExpiresAt.Time
		if time.Now().After(out.ExpiresAt) {
			return Claims{}, relayerr.New(relayerr.CodeTokenExpired, "token expired")
		}
	}
	return out, nil
}

// Issue mints a token for userID, used by the httpstub login/refresh
// endpoints and by tests.
func (v *HS256Verifier) Issue(userID string, ttl time.Duration) (string, error) {
	now := time.Now().UTC()
	claims := relayClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			Issuer:    v.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		UserID: userID,
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(v.secret)
}
