package toolgate

import (
	"encoding/json"
	"fmt"
)

// ToolDescriptor describes one invocable operation advertised by a peer:
// its name, human description, declared input/output shapes, and the
// ordered requirement sequence a caller must satisfy before invoking it.
// Descriptors are immutable once listed.
type ToolDescriptor struct {
	Name         string          `json:"name"`
	Description  string          `json:"description,omitempty"`
	InputSchema  json.RawMessage `json:"inputSchema,omitempty"`
	OutputSchema json.RawMessage `json:"outputSchema,omitempty"`

	// Requires is the tool's requirement sequence, implicitly conjoined.
	// Absent on the wire means no requirements: always satisfiable.
	Requires []Requirement `json:"requires,omitempty"`
}

// ListToolsResult is the payload of a tools/list response
type ListToolsResult struct {
	Tools []ToolDescriptor `json:"tools"`
}

// ParseListToolsResult decodes and validates a tools/list result payload.
// Each descriptor must carry a non-empty name, and every requirement tree
// must be structurally valid.
func ParseListToolsResult(raw json.RawMessage) (*ListToolsResult, error) {
	if err := ValidateListToolsEnvelope(raw); err != nil {
		return nil, err
	}
	var result ListToolsResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, fmt.Errorf("failed to parse tools/list result: %w", err)
	}
	for _, tool := range result.Tools {
		for _, req := range tool.Requires {
			if err := req.Validate(DefaultDepthLimit); err != nil {
				return nil, fmt.Errorf("tool %s carries an invalid requirement: %w", tool.Name, err)
			}
		}
	}
	return &result, nil
}

// CallToolParams is the params payload of a tools/call request
type CallToolParams struct {
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments,omitempty"`
}

// CallToolResult is the result payload of a tools/call response. IsError
// marks an application-level failure delivered as a result rather than a
// protocol error object.
type CallToolResult struct {
	Content json.RawMessage `json:"content,omitempty"`
	IsError bool            `json:"isError,omitempty"`
}
