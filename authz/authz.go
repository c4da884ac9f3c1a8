// Package authz is the client's view of the external authorization
// collaborator: introspecting a bearer token into its granted scopes and
// asking for additional scopes during renegotiation. Token issuance and
// metadata discovery stay on the server side of this boundary.
package authz

import (
	"context"
	"time"
)

// Introspection is what a token resolves to: the scopes it carries, the
// client it was issued to, and when it expires. An inactive introspection
// grants nothing.
type Introspection struct {
	Active    bool
	Scopes    []string
	ClientID  string
	ExpiresAt time.Time
}

// Introspector resolves a bearer token to its introspection
type Introspector interface {
	Introspect(ctx context.Context, token string) (*Introspection, error)
}

// Granter grants a scope set to a bearer and returns the full post-grant
// scope set. The caller feeds that set back into its caller context.
type Granter interface {
	GrantScopes(ctx context.Context, bearer string, scopes []string) ([]string, error)
}
