// Package auth verifies the bearer tokens issued by the reading-club login
// service and turns them into a Caller.
package auth

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

type Claims struct {
	Sub  string `json:"sub"`
	Name string `json:"name"`
	JTI  string `json:"jti"`
	Exp  int64  `json:"exp"`
}

var (
	ErrInvalidToken = errors.New("invalid token")
	ErrExpiredToken = errors.New("expired token")
	ErrRevokedToken = errors.New("revoked token")
)

// Caller is the identity a request acts as. The zero value is anonymous.
type Caller struct {
	UserID    string
	Name      string
	TokenID   string
	ExpiresAt time.Time
}

func (c Caller) IsAnonymous() bool {
	return c.UserID == ""
}

// Anonymous is the caller used when a request carries no token.
var Anonymous = Caller{}

func IssueToken(secret []byte, claims Claims) (string, error) {
	payloadBytes, err := json.Marshal(claims)
	if err != nil {
		return "", fmt.Errorf("marshal claims: %w", err)
	}
	payload := base64.RawURLEncoding.EncodeToString(payloadBytes)
	signature := sign(secret, payload)
	return payload + "." + signature, nil
}

func ParseToken(secret []byte, token string, now time.Time) (Claims, error) {
	payload, signature, ok := strings.Cut(token, ".")
	if !ok || strings.Contains(signature, ".") {
		return Claims{}, ErrInvalidToken
	}

	expected := sign(secret, payload)
	if !hmac.Equal([]byte(signature), []byte(expected)) {
		return Claims{}, ErrInvalidToken
	}

	decoded, err := base64.RawURLEncoding.DecodeString(payload)
	if err != nil {
		return Claims{}, ErrInvalidToken
	}

	var claims Claims
	if err := json.Unmarshal(decoded, &claims); err != nil {
		return Claims{}, ErrInvalidToken
	}
	if claims.Sub == "" || claims.JTI == "" || claims.Exp == 0 {
		return Claims{}, ErrInvalidToken
	}
	if now.Unix() >= claims.Exp {
		return Claims{}, ErrExpiredToken
	}
	return claims, nil
}

func sign(secret []byte, payload string) string {
	sum := hmac.New(sha256.New, secret)
	_, _ = sum.Write([]byte(payload))
	return base64.RawURLEncoding.EncodeToString(sum.Sum(nil))
}

// RevocationList records access tokens that were signed out before expiry.
type RevocationList interface {
	RevokeAccessToken(ctx context.Context, jti string, expiresAt time.Time) error
	IsAccessTokenRevoked(ctx context.Context, jti string) (bool, error)
}

type Verifier struct {
	secret  []byte
	revoked RevocationList
	now     func() time.Time
}

func NewVerifier(secret string, revoked RevocationList) *Verifier {
	return &Verifier{
		secret:  []byte(secret),
		revoked: revoked,
		now:     time.Now,
	}
}

// Identify validates token and returns the caller it names. A token that is
// malformed, expired or revoked yields an error, never an anonymous caller.
func (v *Verifier) Identify(ctx context.Context, token string) (Caller, error) {
	claims, err := ParseToken(v.secret, token, v.now())
	if err != nil {
		return Caller{}, err
	}
	if v.revoked != nil {
		revoked, err := v.revoked.IsAccessTokenRevoked(ctx, claims.JTI)
		if err != nil {
			return Caller{}, fmt.Errorf("check revoked token: %w", err)
		}
		if revoked {
			return Caller{}, ErrRevokedToken
		}
	}
	return Caller{
		UserID:    claims.Sub,
		Name:      claims.Name,
		TokenID:   claims.JTI,
		ExpiresAt: time.Unix(claims.Exp, 0).UTC(),
	}, nil
}

// Revoke signs the caller's token out until it would have expired anyway.
func (v *Verifier) Revoke(ctx context.Context, caller Caller) error {
	if caller.IsAnonymous() || caller.TokenID == "" || v.revoked == nil {
		return nil
	}
	return v.revoked.RevokeAccessToken(ctx, caller.TokenID, caller.ExpiresAt)
}
