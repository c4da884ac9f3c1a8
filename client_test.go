package toolgate

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/machinefabric/toolgate-go/authz"
	"github.com/machinefabric/toolgate-go/duplex"
)

// scriptedTransport records calls and plays back canned responses per method.
type scriptedTransport struct {
	calls     []string
	responses map[string]json.RawMessage
	errs      map[string]error
	lastParam any
}

func newScriptedTransport() *scriptedTransport {
	return &scriptedTransport{
		responses: make(map[string]json.RawMessage),
		errs:      make(map[string]error),
	}
}

func (s *scriptedTransport) Call(_ context.Context, method string, params any, _ time.Duration) (json.RawMessage, error) {
	s.calls = append(s.calls, method)
	s.lastParam = params
	if err := s.errs[method]; err != nil {
		return nil, err
	}
	return s.responses[method], nil
}

func TestClientListTools(t *testing.T) {
	transport := newScriptedTransport()
	transport.responses["tools/list"] = json.RawMessage(`{
		"tools": [
			{"name": "summarize", "requires": [{"type":"capability","name":"mcp:sampling"}]},
			{"name": "echo"}
		]
	}`)

	client := NewClient(transport)
	tools, err := client.ListTools(context.Background())
	require.NoError(t, err)
	require.Len(t, tools, 2)
	assert.Equal(t, "summarize", tools[0].Name)
	assert.Empty(t, tools[1].Requires, "absent requires means always satisfiable")
}

func TestClientListToolsRejectsBadEnvelope(t *testing.T) {
	transport := newScriptedTransport()
	transport.responses["tools/list"] = json.RawMessage(`{"tools":[{"description":"nameless"}]}`)

	_, err := NewClient(transport).ListTools(context.Background())
	assert.Error(t, err)
}

func TestClientCapabilityGateShortCircuits(t *testing.T) {
	// Tool summarize requires the sampling capability. A context without it
	// must veto the invocation before anything is sent.
	transport := newScriptedTransport()
	client := NewClient(transport)

	tool := ToolDescriptor{
		Name:     "summarize",
		Requires: []Requirement{NewCapability("mcp:sampling")},
	}
	cctx := NewCallerContext()

	eval, err := client.CanInvoke(tool, cctx, nil)
	require.NoError(t, err)
	assert.False(t, eval.Satisfied)
	require.Len(t, eval.Unmet, 1)
	assert.Equal(t, NewCapability("mcp:sampling"), eval.Unmet[0])

	_, err = client.Invoke(context.Background(), tool, nil, cctx)
	var notMet *RequirementsNotMetError
	require.ErrorAs(t, err, &notMet)
	assert.Equal(t, "summarize", notMet.Tool)
	assert.Empty(t, transport.calls, "no frame may be sent on a vetoed invocation")

	// Granting the capability opens the gate.
	cctx.GrantCapability("mcp:sampling")
	transport.responses["tools/call"] = json.RawMessage(`{"content":[{"type":"text","text":"done"}]}`)
	result, err := client.Invoke(context.Background(), tool, nil, cctx)
	require.NoError(t, err)
	assert.False(t, result.IsError)
	assert.Equal(t, []string{"tools/call"}, transport.calls)
}

func TestClientScopeGateAndRenegotiation(t *testing.T) {
	transport := newScriptedTransport()
	granter := authz.NewMemoryAuthorizer()
	client := NewClient(transport, WithScopeGranter(granter, "client-1"))

	tool := ToolDescriptor{
		Name:     "deleteUser",
		Requires: []Requirement{NewScope("admin:users:delete")},
	}
	cctx := NewCallerContext().GrantScopes("user:read")

	// Gate closed: user:read does not cover the delete scope.
	_, err := client.Invoke(context.Background(), tool, map[string]any{"id": "u1"}, cctx)
	var notMet *RequirementsNotMetError
	require.ErrorAs(t, err, &notMet)
	assert.Empty(t, transport.calls)

	// The peer names the missing scope in an application error; one explicit
	// renegotiation round updates the context.
	appErr := &ApplicationError{
		Code:    -32001,
		Message: "insufficient scope",
		Data:    json.RawMessage(`{"required_scopes":["admin:users:delete","user:read"]}`),
	}
	changed, err := client.Renegotiate(context.Background(), cctx, appErr)
	require.NoError(t, err)
	assert.True(t, changed)
	assert.True(t, cctx.HasScope("admin:users:delete"))

	// Re-evaluation passes and the call goes out.
	eval, err := client.CanInvoke(tool, cctx, nil)
	require.NoError(t, err)
	assert.True(t, eval.Satisfied)

	transport.responses["tools/call"] = json.RawMessage(`{"content":[{"type":"text","text":"deleted"}]}`)
	result, err := client.Invoke(context.Background(), tool, map[string]any{"id": "u1"}, cctx)
	require.NoError(t, err)
	assert.False(t, result.IsError)

	params, ok := transport.lastParam.(CallToolParams)
	require.True(t, ok)
	assert.Equal(t, "deleteUser", params.Name)
	assert.Equal(t, "u1", params.Arguments["id"])
}

func TestClientNestedDisjunction(t *testing.T) {
	client := NewClient(newScriptedTransport())

	tool := ToolDescriptor{
		Name: "pushImage",
		Requires: []Requirement{NewAnyOf(
			NewClaim("role", "admin"),
			NewClaim("role", "owner"),
			NewInputProperty("imageRepo", "write"),
		)},
	}

	// Satisfied through the owner claim even though no input matches.
	cctx := NewCallerContext().SetClaim("role", "owner")
	eval, err := client.CanInvoke(tool, cctx, map[string]any{"imageRepo": "read"})
	require.NoError(t, err)
	assert.True(t, eval.Satisfied)

	// And through the input predicate when the claims fail.
	cctx = NewCallerContext()
	eval, err = client.CanInvoke(tool, cctx, map[string]any{"imageRepo": "write"})
	require.NoError(t, err)
	assert.True(t, eval.Satisfied)
}

func TestClientInvokeValidatesArguments(t *testing.T) {
	transport := newScriptedTransport()
	client := NewClient(transport)

	_, err := client.Invoke(context.Background(), weatherTool, map[string]any{"days": 3}, NewCallerContext())
	var valErr *SchemaValidationError
	require.ErrorAs(t, err, &valErr)
	assert.Empty(t, transport.calls, "invalid arguments must not reach the wire")
}

func TestClientInvokeIsErrorResult(t *testing.T) {
	transport := newScriptedTransport()
	transport.responses["tools/call"] = json.RawMessage(`{
		"isError": true,
		"content": [{"type":"text","text":"disk full"}]
	}`)
	client := NewClient(transport)

	_, err := client.Invoke(context.Background(), ToolDescriptor{Name: "write"}, nil, NewCallerContext())
	var appErr *ApplicationError
	require.ErrorAs(t, err, &appErr)
	assert.True(t, appErr.IsError)
	assert.Equal(t, "disk full", appErr.Message)
}

func TestClientInvokePeerErrorObject(t *testing.T) {
	transport := newScriptedTransport()
	transport.errs["tools/call"] = &duplex.ErrorObject{
		Code:    -32001,
		Message: "forbidden",
		Data:    json.RawMessage(`{"required_scopes":["s1"]}`),
	}
	client := NewClient(transport)

	_, err := client.Invoke(context.Background(), ToolDescriptor{Name: "x"}, nil, NewCallerContext())
	var appErr *ApplicationError
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, -32001, appErr.Code)
	assert.Equal(t, []string{"s1"}, RequiredScopesClassifier(appErr))
}

func TestClientInvokeTransportErrorPassesThrough(t *testing.T) {
	transport := newScriptedTransport()
	transport.errs["tools/call"] = duplex.ErrTimeout
	client := NewClient(transport)

	_, err := client.Invoke(context.Background(), ToolDescriptor{Name: "x"}, nil, NewCallerContext())
	assert.ErrorIs(t, err, duplex.ErrTimeout)
}

func TestClientRenegotiateNonScopeFailure(t *testing.T) {
	client := NewClient(newScriptedTransport(), WithScopeGranter(authz.NewMemoryAuthorizer(), "b"))
	cctx := NewCallerContext()

	changed, err := client.Renegotiate(context.Background(), cctx, errors.New("plain failure"))
	require.NoError(t, err)
	assert.False(t, changed)

	changed, err = client.Renegotiate(context.Background(), cctx, &ApplicationError{Message: "no data"})
	require.NoError(t, err)
	assert.False(t, changed)
}

func TestClientRenegotiateGrantDenied(t *testing.T) {
	granter := authz.NewMemoryAuthorizer()
	granter.DenyScopes = map[string]bool{"forbidden:scope": true}
	client := NewClient(newScriptedTransport(), WithScopeGranter(granter, "b"))

	appErr := &ApplicationError{Data: json.RawMessage(`{"required_scopes":["forbidden:scope"]}`)}
	_, err := client.Renegotiate(context.Background(), NewCallerContext(), appErr)
	assert.Error(t, err)
}

func TestClientInvokeTooDeepFailsClosed(t *testing.T) {
	transport := newScriptedTransport()
	client := NewClient(transport, WithEvaluator(NewEvaluator(WithDepthLimit(3))))

	req := NewScope("s")
	for i := 0; i < 10; i++ {
		req = NewNot(req)
	}
	tool := ToolDescriptor{Name: "deep", Requires: []Requirement{req}}

	_, err := client.Invoke(context.Background(), tool, nil, NewCallerContext().GrantScopes("s"))
	require.ErrorIs(t, err, ErrTooDeep)
	assert.Empty(t, transport.calls)
}
