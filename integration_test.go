package toolgate

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/machinefabric/toolgate-go/authz"
	"github.com/machinefabric/toolgate-go/duplex"
)

// fakePeer is a minimal in-process tool server on the far end of a session:
// it serves tools/list and tools/call over newline-framed JSON and can issue
// its own requests back to the client mid-call.
type fakePeer struct {
	t     *testing.T
	out   io.Writer
	outMu sync.Mutex
	tools ListToolsResult

	// callHandler services tools/call; it may drive the peer's own
	// client-bound requests before answering.
	callHandler func(p *fakePeer, id duplex.MessageID, params CallToolParams)
}

func startFakePeer(t *testing.T, tools ListToolsResult, callHandler func(*fakePeer, duplex.MessageID, CallToolParams)) *duplex.Session {
	t.Helper()
	fromPeerR, fromPeerW := io.Pipe()
	toPeerR, toPeerW := io.Pipe()

	peer := &fakePeer{t: t, out: fromPeerW, tools: tools, callHandler: callHandler}
	go peer.serve(toPeerR)

	session := duplex.NewSession(fromPeerR, toPeerW)
	t.Cleanup(func() {
		session.Close()
		fromPeerW.Close()
		toPeerR.Close()
	})
	return session
}

func (p *fakePeer) serve(r io.Reader) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		var msg duplex.Message
		if err := json.Unmarshal(scanner.Bytes(), &msg); err != nil {
			continue
		}
		switch {
		case msg.Method == "tools/list":
			p.respond(*msg.ID, p.tools)
		case msg.Method == "tools/call":
			var params CallToolParams
			if err := json.Unmarshal(msg.Params, &params); err != nil {
				p.respondError(*msg.ID, &duplex.ErrorObject{Code: -32602, Message: "bad params"})
				continue
			}
			go p.callHandler(p, *msg.ID, params)
		case msg.IsResponse():
			// Response to a peer-initiated request; callHandler coordinates
			// through channels, nothing to do here.
		}
	}
}

func (p *fakePeer) send(msg *duplex.Message) {
	raw, err := json.Marshal(msg)
	require.NoError(p.t, err)
	p.outMu.Lock()
	defer p.outMu.Unlock()
	_, err = p.out.Write(append(raw, '\n'))
	require.NoError(p.t, err)
}

func (p *fakePeer) respond(id duplex.MessageID, result any) {
	raw, err := json.Marshal(result)
	require.NoError(p.t, err)
	p.send(duplex.NewResult(id, raw))
}

func (p *fakePeer) respondError(id duplex.MessageID, errObj *duplex.ErrorObject) {
	p.send(duplex.NewError(id, errObj))
}

func TestEndToEndListEvaluateInvoke(t *testing.T) {
	tools := ListToolsResult{Tools: []ToolDescriptor{
		{
			Name:     "summarize",
			Requires: []Requirement{NewCapability("mcp:sampling")},
		},
		{Name: "echo"},
	}}

	session := startFakePeer(t, tools, func(p *fakePeer, id duplex.MessageID, params CallToolParams) {
		p.respond(id, CallToolResult{Content: json.RawMessage(`[{"type":"text","text":"ok:` + params.Name + `"}]`)})
	})

	client := NewClient(session, WithClientTimeout(2*time.Second))

	listed, err := client.ListTools(context.Background())
	require.NoError(t, err)
	require.Len(t, listed, 2)

	// The gated tool is vetoed without the capability, invocable with it.
	cctx := NewCallerContext()
	_, err = client.Invoke(context.Background(), listed[0], nil, cctx)
	var notMet *RequirementsNotMetError
	require.ErrorAs(t, err, &notMet)

	cctx.GrantCapability("mcp:sampling")
	result, err := client.Invoke(context.Background(), listed[0], nil, cctx)
	require.NoError(t, err)
	assert.Contains(t, string(result.Content), "ok:summarize")

	// The ungated tool needs nothing.
	result, err = client.Invoke(context.Background(), listed[1], nil, NewCallerContext())
	require.NoError(t, err)
	assert.Contains(t, string(result.Content), "ok:echo")
}

func TestEndToEndScopeRenegotiationRetry(t *testing.T) {
	tools := ListToolsResult{Tools: []ToolDescriptor{{
		Name:     "deleteUser",
		Requires: []Requirement{NewScope("admin:users:delete")},
	}}}

	session := startFakePeer(t, tools, func(p *fakePeer, id duplex.MessageID, params CallToolParams) {
		p.respond(id, CallToolResult{Content: json.RawMessage(`[{"type":"text","text":"user gone"}]`)})
	})

	granter := authz.NewMemoryAuthorizer().Seed("client-7", "user:read")
	client := NewClient(session,
		WithClientTimeout(2*time.Second),
		WithScopeGranter(granter, "client-7"),
	)

	listed, err := client.ListTools(context.Background())
	require.NoError(t, err)
	tool := listed[0]

	cctx := NewCallerContext().GrantScopes("user:read")
	_, err = client.Invoke(context.Background(), tool, map[string]any{"id": "u9"}, cctx)
	var notMet *RequirementsNotMetError
	require.ErrorAs(t, err, &notMet)

	// Caller-driven renegotiation from the unmet diagnostics, then retry.
	appErr := &ApplicationError{Data: json.RawMessage(`{"required_scopes":["admin:users:delete"]}`)}
	changed, err := client.Renegotiate(context.Background(), cctx, appErr)
	require.NoError(t, err)
	require.True(t, changed)
	assert.True(t, cctx.HasScope("user:read"), "the post-grant set keeps prior grants")

	result, err := client.Invoke(context.Background(), tool, map[string]any{"id": "u9"}, cctx)
	require.NoError(t, err)
	assert.Contains(t, string(result.Content), "user gone")
}

func TestEndToEndUnsolicitedSamplingMidCall(t *testing.T) {
	// The peer needs the client to sample text before it can answer the
	// invocation: it issues its own request mid-call and bakes the reply
	// into the final result.
	tools := ListToolsResult{Tools: []ToolDescriptor{{
		Name:     "summarize",
		Requires: []Requirement{NewCapability("mcp:sampling")},
	}}}

	sampled := make(chan string, 1)
	session := startFakePeer(t, tools, func(p *fakePeer, id duplex.MessageID, params CallToolParams) {
		reqID := duplex.NewStringID("peer-req-1")
		p.send(duplex.NewRequest(reqID, "sampling/createMessage", json.RawMessage(`{"prompt":"condense"}`)))

		select {
		case text := <-sampled:
			p.respond(id, CallToolResult{Content: json.RawMessage(`[{"type":"text","text":"summary: ` + text + `"}]`)})
		case <-time.After(2 * time.Second):
			p.respondError(id, &duplex.ErrorObject{Code: -32000, Message: "sampling never answered"})
		}
	})

	// The peer's response to its own request flows back through serve();
	// intercept it by watching the sampling handler instead.
	session.OnUnsolicited("sampling/createMessage", func(_ context.Context, req *duplex.Message) (any, *duplex.ErrorObject) {
		var params struct {
			Prompt string `json:"prompt"`
		}
		if err := json.Unmarshal(req.Params, &params); err != nil {
			return nil, &duplex.ErrorObject{Code: -32602, Message: "bad params"}
		}
		sampled <- params.Prompt
		return map[string]string{"text": params.Prompt}, nil
	})

	client := NewClient(session, WithClientTimeout(2*time.Second))
	cctx := NewCallerContext().GrantCapability("mcp:sampling")

	listed, err := client.ListTools(context.Background())
	require.NoError(t, err)

	result, err := client.Invoke(context.Background(), listed[0], map[string]any{"text": "long document"}, cctx)
	require.NoError(t, err)
	assert.Contains(t, string(result.Content), "summary: condense")
}
