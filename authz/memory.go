package authz

import (
	"context"
	"sort"
	"sync"
)

// MemoryAuthorizer is an in-process Granter and Introspector keyed by
// bearer string. It backs renegotiation in tests and single-process
// deployments where no real authorization server exists.
type MemoryAuthorizer struct {
	mu     sync.Mutex
	grants map[string]map[string]struct{}

	// DenyScopes refuses specific scopes, for exercising grant failures
	DenyScopes map[string]bool
}

// NewMemoryAuthorizer creates an empty in-memory authorizer
func NewMemoryAuthorizer() *MemoryAuthorizer {
	return &MemoryAuthorizer{grants: make(map[string]map[string]struct{})}
}

// Seed installs an initial scope set for a bearer
func (m *MemoryAuthorizer) Seed(bearer string, scopes ...string) *MemoryAuthorizer {
	m.mu.Lock()
	defer m.mu.Unlock()
	set := m.grants[bearer]
	if set == nil {
		set = make(map[string]struct{})
		m.grants[bearer] = set
	}
	for _, scope := range scopes {
		set[scope] = struct{}{}
	}
	return m
}

// GrantScopes adds scopes to the bearer's grant and returns the full
// post-grant scope set, sorted.
func (m *MemoryAuthorizer) GrantScopes(_ context.Context, bearer string, scopes []string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, scope := range scopes {
		if m.DenyScopes[scope] {
			return nil, &GrantDeniedError{Bearer: bearer, Scope: scope}
		}
	}

	set := m.grants[bearer]
	if set == nil {
		set = make(map[string]struct{})
		m.grants[bearer] = set
	}
	for _, scope := range scopes {
		set[scope] = struct{}{}
	}

	out := make([]string, 0, len(set))
	for scope := range set {
		out = append(out, scope)
	}
	sort.Strings(out)
	return out, nil
}

// Introspect reports the bearer's current grant
func (m *MemoryAuthorizer) Introspect(_ context.Context, bearer string) (*Introspection, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	set, ok := m.grants[bearer]
	if !ok {
		return &Introspection{Active: false}, nil
	}
	scopes := make([]string, 0, len(set))
	for scope := range set {
		scopes = append(scopes, scope)
	}
	sort.Strings(scopes)
	return &Introspection{Active: true, Scopes: scopes, ClientID: bearer}, nil
}

// GrantDeniedError reports a scope the authorizer refuses to grant
type GrantDeniedError struct {
	Bearer string
	Scope  string
}

func (e *GrantDeniedError) Error() string {
	return "scope grant denied: " + e.Scope
}
