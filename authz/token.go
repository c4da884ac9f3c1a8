package authz

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// tokenClaims covers both scope spellings seen in the wild: a "scopes"
// string array and an OAuth-style space-separated "scope" string.
type tokenClaims struct {
	jwt.RegisteredClaims
	Scopes   []string `json:"scopes,omitempty"`
	Scope    string   `json:"scope,omitempty"`
	ClientID string   `json:"client_id,omitempty"`
}

// TokenIntrospector introspects JWT bearer tokens locally using the
// authorization server's verification key.
type TokenIntrospector struct {
	keyFunc jwt.Keyfunc
}

// NewTokenIntrospector creates an introspector verifying with keyFunc
func NewTokenIntrospector(keyFunc jwt.Keyfunc) *TokenIntrospector {
	return &TokenIntrospector{keyFunc: keyFunc}
}

// NewHMACIntrospector creates an introspector for HS256-signed tokens
func NewHMACIntrospector(secret []byte) *TokenIntrospector {
	return NewTokenIntrospector(func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", token.Header["alg"])
		}
		return secret, nil
	})
}

// Introspect parses and verifies a token. An expired token introspects as
// inactive rather than failing; any other verification failure is an error.
func (ti *TokenIntrospector) Introspect(_ context.Context, token string) (*Introspection, error) {
	claims := &tokenClaims{}
	parsed, err := jwt.ParseWithClaims(token, claims, ti.keyFunc)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return &Introspection{Active: false}, nil
		}
		return nil, fmt.Errorf("token introspection failed: %w", err)
	}
	if !parsed.Valid {
		return &Introspection{Active: false}, nil
	}

	out := &Introspection{
		Active:   true,
		Scopes:   claims.scopeSet(),
		ClientID: claims.ClientID,
	}
	if claims.ExpiresAt != nil {
		out.ExpiresAt = claims.ExpiresAt.Time
	} else {
		out.ExpiresAt = time.Time{}
	}
	return out, nil
}

func (c *tokenClaims) scopeSet() []string {
	if len(c.Scopes) > 0 {
		return c.Scopes
	}
	if c.Scope == "" {
		return nil
	}
	return strings.Fields(c.Scope)
}
