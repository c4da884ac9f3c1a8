// Package toolgate provides a requirement model for gating tool invocation.
// A tool advertises a tree of capability and permission requirements; a
// caller evaluates the tree against its own declared context before sending
// an invocation over the wire.
package toolgate

import (
	"encoding/json"
	"fmt"
	"strings"
)

// RequirementKind identifies the variant of a Requirement node
type RequirementKind int

const (
	// RequirementCapability requires the caller to advertise a named capability
	RequirementCapability RequirementKind = iota
	// RequirementScope requires the caller to hold an authorization scope
	RequirementScope
	// RequirementClaim requires an identity claim with a specific value
	RequirementClaim
	// RequirementResource requires a permission value on a resource URI
	RequirementResource
	// RequirementInput constrains an invocation input argument
	RequirementInput
	// RequirementAnyOf is satisfied when at least one child is satisfied
	RequirementAnyOf
	// RequirementAllOf is satisfied when every child is satisfied
	RequirementAllOf
	// RequirementNot is satisfied when its single child is not
	RequirementNot
)

// String returns the wire name of the kind
func (k RequirementKind) String() string {
	switch k {
	case RequirementCapability:
		return "capability"
	case RequirementScope:
		return "scope"
	case RequirementClaim:
		return "claim"
	case RequirementResource:
		return "resource"
	case RequirementInput:
		return "input"
	case RequirementAnyOf:
		return "anyOf"
	case RequirementAllOf:
		return "allOf"
	case RequirementNot:
		return "not"
	default:
		return fmt.Sprintf("unknown(%d)", int(k))
	}
}

// Requirement is one node of a requirement tree. The tree is a closed sum:
// leaf predicates (capability, scope, claim, resource, input) and the
// combinators anyOf, allOf, not. Which fields are meaningful depends on Kind:
//
//   - capability: Name
//   - scope:      Value
//   - claim:      Name, Value
//   - resource:   URI, Value
//   - input:      Property (nil means the constraint applies to the call as
//     a whole), Value
//   - anyOf/allOf: Children (non-empty)
//   - not:        Children[0]
//
// The zero value is an invalid node; build nodes with the constructors.
type Requirement struct {
	Kind     RequirementKind
	Name     string
	Value    string
	URI      string
	Property *string
	Children []Requirement
}

// NewCapability builds a capability leaf
func NewCapability(name string) Requirement {
	return Requirement{Kind: RequirementCapability, Name: name}
}

// NewScope builds a scope permission leaf
func NewScope(value string) Requirement {
	return Requirement{Kind: RequirementScope, Value: value}
}

// NewClaim builds a claim permission leaf
func NewClaim(name, value string) Requirement {
	return Requirement{Kind: RequirementClaim, Name: name, Value: value}
}

// NewResource builds a resource permission leaf
func NewResource(uri, value string) Requirement {
	return Requirement{Kind: RequirementResource, URI: uri, Value: value}
}

// NewInput builds an input constraint applying to the call as a whole
func NewInput(value string) Requirement {
	return Requirement{Kind: RequirementInput, Value: value}
}

// NewInputProperty builds an input constraint keyed to a named argument
func NewInputProperty(property, value string) Requirement {
	return Requirement{Kind: RequirementInput, Property: &property, Value: value}
}

// NewAnyOf builds a disjunction over the given children
func NewAnyOf(children ...Requirement) Requirement {
	return Requirement{Kind: RequirementAnyOf, Children: children}
}

// NewAllOf builds a conjunction over the given children
func NewAllOf(children ...Requirement) Requirement {
	return Requirement{Kind: RequirementAllOf, Children: children}
}

// NewNot builds a negation of the given child
func NewNot(child Requirement) Requirement {
	return Requirement{Kind: RequirementNot, Children: []Requirement{child}}
}

// IsLeaf reports whether the node is an atomic predicate
func (r Requirement) IsLeaf() bool {
	switch r.Kind {
	case RequirementAnyOf, RequirementAllOf, RequirementNot:
		return false
	}
	return true
}

// RequirementError reports a structurally invalid requirement node
type RequirementError struct {
	Kind    RequirementKind
	Message string
}

func (e *RequirementError) Error() string {
	return fmt.Sprintf("invalid %s requirement: %s", e.Kind, e.Message)
}

// Validate checks structural invariants of the tree rooted at r: combinators
// carry the right number of children, leaves carry the right fields, and the
// tree does not exceed maxDepth. The depth guard here matches the evaluator's.
func (r Requirement) Validate(maxDepth int) error {
	return r.validate(0, maxDepth)
}

func (r Requirement) validate(depth, maxDepth int) error {
	if depth > maxDepth {
		return ErrTooDeep
	}
	switch r.Kind {
	case RequirementCapability:
		if r.Name == "" {
			return &RequirementError{Kind: r.Kind, Message: "capability name cannot be empty"}
		}
	case RequirementScope:
		if r.Value == "" {
			return &RequirementError{Kind: r.Kind, Message: "scope value cannot be empty"}
		}
	case RequirementClaim:
		if r.Name == "" {
			return &RequirementError{Kind: r.Kind, Message: "claim name cannot be empty"}
		}
	case RequirementResource:
		if r.URI == "" {
			return &RequirementError{Kind: r.Kind, Message: "resource uri cannot be empty"}
		}
	case RequirementInput:
		if r.Property != nil && *r.Property == "" {
			return &RequirementError{Kind: r.Kind, Message: "input property cannot be empty when present"}
		}
	case RequirementAnyOf, RequirementAllOf:
		if len(r.Children) == 0 {
			return &RequirementError{Kind: r.Kind, Message: "combinator requires at least one child"}
		}
		for _, child := range r.Children {
			if err := child.validate(depth+1, maxDepth); err != nil {
				return err
			}
		}
	case RequirementNot:
		if len(r.Children) != 1 {
			return &RequirementError{Kind: r.Kind, Message: "negation requires exactly one child"}
		}
		return r.Children[0].validate(depth+1, maxDepth)
	default:
		return &RequirementError{Kind: r.Kind, Message: "unknown requirement kind"}
	}
	return nil
}

// String renders the node in a compact diagnostic form, e.g.
// capability:mcp:sampling or anyOf(claim:role=admin, claim:role=owner)
func (r Requirement) String() string {
	switch r.Kind {
	case RequirementCapability:
		return "capability:" + r.Name
	case RequirementScope:
		return "scope:" + r.Value
	case RequirementClaim:
		return "claim:" + r.Name + "=" + r.Value
	case RequirementResource:
		return "resource:" + r.URI + "=" + r.Value
	case RequirementInput:
		if r.Property != nil {
			return "input:" + *r.Property + "=" + r.Value
		}
		return "input:=" + r.Value
	case RequirementAnyOf, RequirementAllOf, RequirementNot:
		parts := make([]string, len(r.Children))
		for i, child := range r.Children {
			parts[i] = child.String()
		}
		return r.Kind.String() + "(" + strings.Join(parts, ", ") + ")"
	default:
		return r.Kind.String()
	}
}

// requirementJSON is the wire form of a Requirement. The discriminator is the
// "type" field; combinator children ride in "of", a negated child in "expr".
type requirementJSON struct {
	Type     string            `json:"type"`
	Name     string            `json:"name,omitempty"`
	Value    string            `json:"value,omitempty"`
	URI      string            `json:"uri,omitempty"`
	Property *string           `json:"property,omitempty"`
	Of       []json.RawMessage `json:"of,omitempty"`
	Expr     json.RawMessage   `json:"expr,omitempty"`
}

// MarshalJSON encodes the requirement in its type-discriminated wire form
func (r Requirement) MarshalJSON() ([]byte, error) {
	out := requirementJSON{Type: r.Kind.String()}
	switch r.Kind {
	case RequirementCapability:
		out.Name = r.Name
	case RequirementScope:
		out.Value = r.Value
	case RequirementClaim:
		out.Name = r.Name
		out.Value = r.Value
	case RequirementResource:
		out.URI = r.URI
		out.Value = r.Value
	case RequirementInput:
		out.Property = r.Property
		out.Value = r.Value
	case RequirementAnyOf, RequirementAllOf:
		for _, child := range r.Children {
			raw, err := json.Marshal(child)
			if err != nil {
				return nil, err
			}
			out.Of = append(out.Of, raw)
		}
	case RequirementNot:
		if len(r.Children) != 1 {
			return nil, &RequirementError{Kind: r.Kind, Message: "negation requires exactly one child"}
		}
		raw, err := json.Marshal(r.Children[0])
		if err != nil {
			return nil, err
		}
		out.Expr = raw
	default:
		return nil, &RequirementError{Kind: r.Kind, Message: "unknown requirement kind"}
	}
	return json.Marshal(out)
}

// UnmarshalJSON decodes the type-discriminated wire form. Unknown types are
// rejected rather than skipped: a requirement the caller cannot understand
// must not silently evaluate as satisfied.
func (r *Requirement) UnmarshalJSON(data []byte) error {
	decoded, err := decodeRequirement(data, 0, DefaultDepthLimit)
	if err != nil {
		return err
	}
	*r = decoded
	return nil
}

func decodeRequirement(data []byte, depth, maxDepth int) (Requirement, error) {
	if depth > maxDepth {
		return Requirement{}, ErrTooDeep
	}

	var wire requirementJSON
	if err := json.Unmarshal(data, &wire); err != nil {
		return Requirement{}, fmt.Errorf("failed to parse requirement: %w", err)
	}

	switch wire.Type {
	case "capability":
		if wire.Name == "" {
			return Requirement{}, &RequirementError{Kind: RequirementCapability, Message: "capability name cannot be empty"}
		}
		return NewCapability(wire.Name), nil
	case "scope":
		if wire.Value == "" {
			return Requirement{}, &RequirementError{Kind: RequirementScope, Message: "scope value cannot be empty"}
		}
		return NewScope(wire.Value), nil
	case "claim":
		if wire.Name == "" {
			return Requirement{}, &RequirementError{Kind: RequirementClaim, Message: "claim name cannot be empty"}
		}
		return NewClaim(wire.Name, wire.Value), nil
	case "resource":
		if wire.URI == "" {
			return Requirement{}, &RequirementError{Kind: RequirementResource, Message: "resource uri cannot be empty"}
		}
		return NewResource(wire.URI, wire.Value), nil
	case "input":
		req := Requirement{Kind: RequirementInput, Property: wire.Property, Value: wire.Value}
		if wire.Property != nil && *wire.Property == "" {
			return Requirement{}, &RequirementError{Kind: RequirementInput, Message: "input property cannot be empty when present"}
		}
		return req, nil
	case "anyOf", "allOf":
		kind := RequirementAnyOf
		if wire.Type == "allOf" {
			kind = RequirementAllOf
		}
		if len(wire.Of) == 0 {
			return Requirement{}, &RequirementError{Kind: kind, Message: "combinator requires at least one child"}
		}
		children := make([]Requirement, 0, len(wire.Of))
		for _, raw := range wire.Of {
			child, err := decodeRequirement(raw, depth+1, maxDepth)
			if err != nil {
				return Requirement{}, err
			}
			children = append(children, child)
		}
		return Requirement{Kind: kind, Children: children}, nil
	case "not":
		if len(wire.Expr) == 0 {
			return Requirement{}, &RequirementError{Kind: RequirementNot, Message: "negation requires exactly one child"}
		}
		child, err := decodeRequirement(wire.Expr, depth+1, maxDepth)
		if err != nil {
			return Requirement{}, err
		}
		return NewNot(child), nil
	case "":
		return Requirement{}, fmt.Errorf("requirement is missing the type discriminator")
	default:
		return Requirement{}, fmt.Errorf("unknown requirement type %q", wire.Type)
	}
}
