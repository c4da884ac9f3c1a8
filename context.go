package toolgate

import (
	"encoding/json"
	"fmt"
	"sort"
)

// CallerContext is the caller's declared and acquired state: advertised
// capabilities, granted scopes, identity claims, per-resource permission
// values, and the current invocation's input arguments.
//
// Evaluation never mutates a context. Mutation happens only through the
// explicit grant/revoke operations below, and the orchestration layer must
// not mutate a context concurrently with an evaluation of the same instance.
type CallerContext struct {
	capabilities map[string]struct{}
	scopes       map[string]struct{}
	claims       map[string]string
	resources    map[string]map[string]struct{}
	inputs       map[string]string
}

// NewCallerContext creates an empty caller context
func NewCallerContext() *CallerContext {
	return &CallerContext{
		capabilities: make(map[string]struct{}),
		scopes:       make(map[string]struct{}),
		claims:       make(map[string]string),
		resources:    make(map[string]map[string]struct{}),
		inputs:       make(map[string]string),
	}
}

// GrantCapability adds named capabilities to the context
func (c *CallerContext) GrantCapability(names ...string) *CallerContext {
	for _, name := range names {
		c.capabilities[name] = struct{}{}
	}
	return c
}

// GrantScopes adds authorization scopes to the context
func (c *CallerContext) GrantScopes(values ...string) *CallerContext {
	for _, value := range values {
		c.scopes[value] = struct{}{}
	}
	return c
}

// RevokeScope removes a scope from the context
func (c *CallerContext) RevokeScope(value string) *CallerContext {
	delete(c.scopes, value)
	return c
}

// ReplaceScopes replaces the full scope set, e.g. with the post-grant set
// returned by an authorization server after renegotiation
func (c *CallerContext) ReplaceScopes(values []string) *CallerContext {
	c.scopes = make(map[string]struct{}, len(values))
	for _, value := range values {
		c.scopes[value] = struct{}{}
	}
	return c
}

// SetClaim records an identity claim
func (c *CallerContext) SetClaim(name, value string) *CallerContext {
	c.claims[name] = value
	return c
}

// GrantResource adds a permission value on a resource URI
func (c *CallerContext) GrantResource(uri, value string) *CallerContext {
	set, ok := c.resources[uri]
	if !ok {
		set = make(map[string]struct{})
		c.resources[uri] = set
	}
	set[value] = struct{}{}
	return c
}

// HasCapability reports whether the context advertises the named capability
func (c *CallerContext) HasCapability(name string) bool {
	_, ok := c.capabilities[name]
	return ok
}

// HasScope reports whether the context holds the scope
func (c *CallerContext) HasScope(value string) bool {
	_, ok := c.scopes[value]
	return ok
}

// Claim returns the value of a named claim
func (c *CallerContext) Claim(name string) (string, bool) {
	value, ok := c.claims[name]
	return value, ok
}

// HasResourcePermission reports whether the context holds the permission
// value on the resource URI
func (c *CallerContext) HasResourcePermission(uri, value string) bool {
	set, ok := c.resources[uri]
	if !ok {
		return false
	}
	_, ok = set[value]
	return ok
}

// Input returns the value of a named invocation input
func (c *CallerContext) Input(property string) (string, bool) {
	value, ok := c.inputs[property]
	return value, ok
}

// InputMatchesAny reports whether any invocation input equals the value.
// Used by input predicates that name no property.
func (c *CallerContext) InputMatchesAny(value string) bool {
	for _, v := range c.inputs {
		if v == value {
			return true
		}
	}
	return false
}

// Scopes returns the granted scopes in sorted order
func (c *CallerContext) Scopes() []string {
	out := make([]string, 0, len(c.scopes))
	for scope := range c.scopes {
		out = append(out, scope)
	}
	sort.Strings(out)
	return out
}

// Clone returns a deep copy of the context
func (c *CallerContext) Clone() *CallerContext {
	out := NewCallerContext()
	for name := range c.capabilities {
		out.capabilities[name] = struct{}{}
	}
	for scope := range c.scopes {
		out.scopes[scope] = struct{}{}
	}
	for name, value := range c.claims {
		out.claims[name] = value
	}
	for uri, set := range c.resources {
		copied := make(map[string]struct{}, len(set))
		for value := range set {
			copied[value] = struct{}{}
		}
		out.resources[uri] = copied
	}
	for property, value := range c.inputs {
		out.inputs[property] = value
	}
	return out
}

// WithInputs returns a copy of the context carrying the given invocation
// inputs. The receiver is unchanged; inputs are scoped to one invocation.
func (c *CallerContext) WithInputs(inputs map[string]string) *CallerContext {
	out := c.Clone()
	out.inputs = make(map[string]string, len(inputs))
	for property, value := range inputs {
		out.inputs[property] = value
	}
	return out
}

// InputsFromArguments converts invocation arguments to the string forms the
// input predicates compare against. Strings pass through; everything else is
// rendered as its JSON encoding.
func InputsFromArguments(args map[string]any) map[string]string {
	out := make(map[string]string, len(args))
	for property, value := range args {
		if s, ok := value.(string); ok {
			out[property] = s
			continue
		}
		raw, err := json.Marshal(value)
		if err != nil {
			out[property] = fmt.Sprintf("%v", value)
			continue
		}
		out[property] = string(raw)
	}
	return out
}
