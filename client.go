package toolgate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/machinefabric/toolgate-go/duplex"
)

// Transport is the session surface the client drives: one correlated call
// per invocation. *duplex.Session satisfies it.
type Transport interface {
	Call(ctx context.Context, method string, params any, timeout time.Duration) (json.RawMessage, error)
}

// ScopeGranter is the external authorization collaborator: it grants a
// scope set to a bearer and returns the full post-grant scope set. Token
// issuance mechanics live behind this interface.
type ScopeGranter interface {
	GrantScopes(ctx context.Context, bearer string, scopes []string) ([]string, error)
}

// ScopeClassifier inspects an application-level failure and names the
// scopes the peer found missing, or nothing if the failure is not a scope
// problem. Classification is caller-supplied: the wire carries no single
// canonical shape for it.
type ScopeClassifier func(*ApplicationError) []string

// RequiredScopesClassifier reads a "required_scopes" string array from the
// error's data member.
func RequiredScopesClassifier(appErr *ApplicationError) []string {
	if appErr == nil || len(appErr.Data) == 0 {
		return nil
	}
	var payload struct {
		RequiredScopes []string `json:"required_scopes"`
	}
	if err := json.Unmarshal(appErr.Data, &payload); err != nil {
		return nil
	}
	return payload.RequiredScopes
}

// Client drives the listing, evaluation, invocation, and renegotiation loop
// against one peer session. Requirement evaluation happens before any frame
// is sent: an unsatisfiable invocation costs no network round-trip.
type Client struct {
	transport   Transport
	evaluator   *Evaluator
	validator   *SchemaValidator
	log         *slog.Logger
	callTimeout time.Duration
	classifier  ScopeClassifier
	granter     ScopeGranter
	bearer      string
}

// ClientOption configures a Client
type ClientOption func(*Client)

// WithClientLogger sets the client's logger
func WithClientLogger(log *slog.Logger) ClientOption {
	return func(c *Client) {
		if log != nil {
			c.log = log
		}
	}
}

// WithClientTimeout sets the per-call timeout
func WithClientTimeout(d time.Duration) ClientOption {
	return func(c *Client) {
		if d > 0 {
			c.callTimeout = d
		}
	}
}

// WithEvaluator replaces the default evaluator, e.g. to lower the depth
// ceiling
func WithEvaluator(e *Evaluator) ClientOption {
	return func(c *Client) {
		if e != nil {
			c.evaluator = e
		}
	}
}

// WithScopeClassifier sets the classifier used by Renegotiate
func WithScopeClassifier(f ScopeClassifier) ClientOption {
	return func(c *Client) { c.classifier = f }
}

// WithScopeGranter wires the authorization collaborator and the bearer it
// grants to
func WithScopeGranter(g ScopeGranter, bearer string) ClientOption {
	return func(c *Client) {
		c.granter = g
		c.bearer = bearer
	}
}

// NewClient creates a client over a session
func NewClient(transport Transport, opts ...ClientOption) *Client {
	c := &Client{
		transport:   transport,
		evaluator:   NewEvaluator(),
		validator:   NewSchemaValidator(),
		log:         slog.Default(),
		callTimeout: duplex.DefaultCallTimeout,
		classifier:  RequiredScopesClassifier,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// ListTools retrieves and validates the peer's tool descriptors
func (c *Client) ListTools(ctx context.Context) ([]ToolDescriptor, error) {
	raw, err := c.transport.Call(ctx, "tools/list", struct{}{}, c.callTimeout)
	if err != nil {
		return nil, asApplicationError(err)
	}
	result, err := ParseListToolsResult(raw)
	if err != nil {
		return nil, err
	}
	return result.Tools, nil
}

// CanInvoke evaluates the tool's requirement sequence against the context,
// with the given invocation arguments bound for input predicates. The
// returned evaluation carries the unmet leaves for diagnostics.
func (c *Client) CanInvoke(tool ToolDescriptor, cctx *CallerContext, args map[string]any) (*Evaluation, error) {
	ictx := cctx.WithInputs(InputsFromArguments(args))
	eval, err := c.evaluator.Evaluate(tool.Requires, ictx)
	if err != nil {
		return eval, fmt.Errorf("evaluating requirements for tool %s: %w", tool.Name, err)
	}
	return eval, nil
}

// Invoke runs the gate and, when it passes, sends the invocation and awaits
// the result. An unsatisfied requirement short-circuits to
// RequirementsNotMetError without sending a frame. A peer error object or
// an isError result surfaces as *ApplicationError, never retried here;
// renegotiation is the caller's decision.
func (c *Client) Invoke(ctx context.Context, tool ToolDescriptor, args map[string]any, cctx *CallerContext) (*CallToolResult, error) {
	eval, err := c.CanInvoke(tool, cctx, args)
	if err != nil {
		return nil, err
	}
	if !eval.Satisfied {
		c.log.Debug("invocation vetoed", "tool", tool.Name, "unmet", len(eval.Unmet))
		return nil, &RequirementsNotMetError{Tool: tool.Name, Unmet: eval.Unmet}
	}

	if err := c.validator.ValidateArguments(tool, args); err != nil {
		return nil, err
	}

	raw, err := c.transport.Call(ctx, "tools/call", CallToolParams{Name: tool.Name, Arguments: args}, c.callTimeout)
	if err != nil {
		return nil, asApplicationError(err)
	}

	var result CallToolResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, fmt.Errorf("failed to parse tools/call result for %s: %w", tool.Name, err)
	}
	if result.IsError {
		return nil, &ApplicationError{
			IsError: true,
			Message: firstTextContent(result.Content),
			Content: result.Content,
		}
	}

	if err := c.validator.ValidateResult(tool, result.Content); err != nil {
		return nil, err
	}
	return &result, nil
}

// Renegotiate classifies an invocation failure and, when it names missing
// scopes, asks the authorization collaborator to grant them and updates the
// context with the post-grant scope set. Returns true when the context
// changed; the caller decides whether to retry Invoke. Renegotiation is
// never automatic, so a peer that keeps demanding scopes cannot drive an
// unbounded retry loop.
func (c *Client) Renegotiate(ctx context.Context, cctx *CallerContext, invokeErr error) (bool, error) {
	if c.granter == nil || c.classifier == nil {
		return false, nil
	}
	var appErr *ApplicationError
	if !errors.As(invokeErr, &appErr) {
		return false, nil
	}
	missing := c.classifier(appErr)
	if len(missing) == 0 {
		return false, nil
	}

	granted, err := c.granter.GrantScopes(ctx, c.bearer, missing)
	if err != nil {
		return false, fmt.Errorf("scope grant failed: %w", err)
	}
	cctx.ReplaceScopes(granted)
	c.log.Debug("renegotiated scopes", "granted", len(granted))
	return true, nil
}

// asApplicationError converts a peer error object from the transport into
// the client's error taxonomy; transport errors pass through.
func asApplicationError(err error) error {
	var errObj *duplex.ErrorObject
	if errors.As(err, &errObj) {
		return &ApplicationError{Code: errObj.Code, Message: errObj.Message, Data: errObj.Data}
	}
	return err
}

// firstTextContent extracts the first text block from a tools/call content
// array for use as an error message.
func firstTextContent(content json.RawMessage) string {
	var blocks []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	}
	if err := json.Unmarshal(content, &blocks); err != nil {
		return string(content)
	}
	for _, block := range blocks {
		if block.Type == "text" && block.Text != "" {
			return block.Text
		}
	}
	return string(content)
}
