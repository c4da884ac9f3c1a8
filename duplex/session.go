package duplex

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// DefaultCallTimeout bounds a Call when the caller passes no timeout
const DefaultCallTimeout = 30 * time.Second

// UnsolicitedHandler services a peer-initiated request or notification that
// no ExpectPeerCall waiter claimed. For requests the returned result (or
// error object) is sent back under the request's id; for notifications both
// return values are ignored.
type UnsolicitedHandler func(ctx context.Context, req *Message) (any, *ErrorObject)

// Session owns one FrameCodec and one Correlator bound to a single ordered
// byte stream in each direction. Incoming frames are classified on a reader
// goroutine: response-shaped frames resolve the waiter registered under
// their id; request-shaped frames whose method matches an ExpectPeerCall
// waiter resolve it; everything else dispatches to the registered
// unsolicited handler.
//
// Handlers run on the reader goroutine: a slow handler delays delivery of
// subsequently queued frames on this session. Acceptable for a single-peer
// session; do long work on your own goroutine.
type Session struct {
	writer  io.Writer
	writeMu sync.Mutex
	codec   *FrameCodec
	corr    *Correlator
	log     *slog.Logger

	handlersMu sync.RWMutex
	handlers   map[string]UnsolicitedHandler

	callTimeout time.Duration
	closers     []io.Closer

	doneOnce sync.Once
	done     chan struct{}
}

// SessionOption configures a Session
type SessionOption func(*Session)

// WithLogger sets the session's logger
func WithLogger(log *slog.Logger) SessionOption {
	return func(s *Session) {
		if log != nil {
			s.log = log
		}
	}
}

// WithCallTimeout sets the default per-call timeout
func WithCallTimeout(d time.Duration) SessionOption {
	return func(s *Session) {
		if d > 0 {
			s.callTimeout = d
		}
	}
}

// WithSessionMaxLine bounds the length of a single frame in either direction
func WithSessionMaxLine(n int) SessionOption {
	return func(s *Session) {
		if n > 0 {
			s.codec = NewFrameCodec(WithMaxLine(n))
		}
	}
}

// WithCloser attaches an underlying resource closed with the session, e.g.
// the peer process's stdin pipe.
func WithCloser(c io.Closer) SessionOption {
	return func(s *Session) {
		if c != nil {
			s.closers = append(s.closers, c)
		}
	}
}

// NewSession binds a session to the peer's byte streams and starts the
// reader goroutine.
func NewSession(r io.Reader, w io.Writer, opts ...SessionOption) *Session {
	s := &Session{
		writer:      w,
		codec:       NewFrameCodec(),
		log:         slog.Default(),
		handlers:    make(map[string]UnsolicitedHandler),
		callTimeout: DefaultCallTimeout,
		done:        make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.corr = NewCorrelator()

	go s.readLoop(r)
	return s
}

// Call sends a request and awaits the correlated response. A timeout of
// zero uses the session default. On timeout the outbound request is not
// retracted: the peer may still respond, and that late response is absorbed
// as an orphan.
func (s *Session) Call(ctx context.Context, method string, params any, timeout time.Duration) (json.RawMessage, error) {
	rawParams, err := marshalParams(params)
	if err != nil {
		return nil, err
	}

	id := NewStringID(uuid.NewString())
	waiter, err := s.corr.Register(id)
	if err != nil {
		return nil, err
	}

	if err := s.send(NewRequest(id, method, rawParams)); err != nil {
		s.corr.unregister(waiter)
		return nil, err
	}

	if timeout <= 0 {
		timeout = s.callTimeout
	}
	resp, err := s.corr.Await(ctx, waiter, timeout)
	if err != nil {
		return nil, fmt.Errorf("call %s: %w", method, err)
	}
	if resp.Error != nil {
		return nil, resp.Error
	}
	return resp.Result, nil
}

// Notify sends a fire-and-forget request carrying no id
func (s *Session) Notify(method string, params any) error {
	rawParams, err := marshalParams(params)
	if err != nil {
		return err
	}
	return s.send(NewNotification(method, rawParams))
}

// Send writes an arbitrary frame to the peer
func (s *Session) Send(msg *Message) error {
	return s.send(msg)
}

// Respond sends a success response under the given id
func (s *Session) Respond(id MessageID, result any) error {
	raw, err := marshalParams(result)
	if err != nil {
		return err
	}
	return s.send(NewResult(id, raw))
}

// RespondError sends an error response under the given id
func (s *Session) RespondError(id MessageID, errObj *ErrorObject) error {
	return s.send(NewError(id, errObj))
}

// PeerCall is a pending expectation of one peer-initiated request
type PeerCall struct {
	session *Session
	method  string
	waiter  *Waiter
}

// ExpectPeerCall registers interest in the next peer-initiated request with
// the given method name. Only one expectation per method name may be
// outstanding; a second registration fails with ErrDuplicateKey.
func (s *Session) ExpectPeerCall(method string) (*PeerCall, error) {
	waiter, err := s.corr.RegisterMethod(method)
	if err != nil {
		return nil, err
	}
	return &PeerCall{session: s, method: method, waiter: waiter}, nil
}

// Await blocks until the expected peer request arrives or the deadline
// elapses. The caller replies through Respond/RespondError on the session.
func (p *PeerCall) Await(ctx context.Context, timeout time.Duration) (*Message, error) {
	if timeout <= 0 {
		timeout = p.session.callTimeout
	}
	msg, err := p.session.corr.Await(ctx, p.waiter, timeout)
	if err != nil {
		return nil, fmt.Errorf("awaiting peer call %s: %w", p.method, err)
	}
	return msg, nil
}

// Cancel abandons the expectation. Returns false if a peer request already
// resolved it.
func (p *PeerCall) Cancel() bool {
	return p.session.corr.unregister(p.waiter)
}

// OnUnsolicited registers the handler for peer-initiated requests and
// notifications with the given method name. A nil handler unregisters.
func (s *Session) OnUnsolicited(method string, h UnsolicitedHandler) {
	s.handlersMu.Lock()
	defer s.handlersMu.Unlock()
	if h == nil {
		delete(s.handlers, method)
		return
	}
	s.handlers[method] = h
}

// Done is closed when the session's read side has terminated
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Close fails all pending waiters and closes any attached resources. The
// session is unusable afterwards.
func (s *Session) Close() error {
	s.corr.FailAll(ErrConnectionClosed)
	var firstErr error
	for _, c := range s.closers {
		if err := c.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (s *Session) send(msg *Message) error {
	encoded, err := s.codec.Encode(msg)
	if err != nil {
		return err
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if _, err := s.writer.Write(encoded); err != nil {
		return fmt.Errorf("%w: %v", ErrConnectionClosed, err)
	}
	return nil
}

func (s *Session) readLoop(r io.Reader) {
	buf := make([]byte, 4096)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			frames, errs := s.codec.Feed(buf[:n])
			for _, ferr := range errs {
				s.log.Warn("dropping malformed frame", "error", ferr)
			}
			for _, msg := range frames {
				s.dispatch(msg)
			}
		}
		if err != nil {
			if err != io.EOF {
				s.log.Warn("session read failed", "error", err)
			}
			s.corr.FailAll(ErrConnectionClosed)
			s.doneOnce.Do(func() { close(s.done) })
			return
		}
	}
}

func (s *Session) dispatch(msg *Message) {
	if msg.IsResponse() {
		if !s.corr.Complete(*msg.ID, msg) {
			// Late or duplicate response; absorbed, never fatal.
			s.log.Debug("orphan response", "id", msg.ID.String())
		}
		return
	}

	// Request-shaped. A method-keyed waiter wins over a handler: the caller
	// that expected this peer call consumes and answers it.
	if msg.IsRequest() && s.corr.CompleteMethod(msg.Method, msg) {
		return
	}

	s.handlersMu.RLock()
	handler := s.handlers[msg.Method]
	s.handlersMu.RUnlock()

	if handler == nil {
		s.log.Warn("dropping peer request with no handler", "method", msg.Method)
		if msg.IsRequest() {
			errObj := &ErrorObject{Code: -32601, Message: fmt.Sprintf("method not found: %s", msg.Method)}
			if err := s.RespondError(*msg.ID, errObj); err != nil {
				s.log.Warn("failed to reject peer request", "method", msg.Method, "error", err)
			}
		}
		return
	}

	result, errObj := handler(context.Background(), msg)
	if !msg.IsRequest() {
		return
	}
	var err error
	if errObj != nil {
		err = s.RespondError(*msg.ID, errObj)
	} else {
		err = s.Respond(*msg.ID, result)
	}
	if err != nil {
		s.log.Warn("failed to answer peer request", "method", msg.Method, "error", err)
	}
}

func marshalParams(params any) (json.RawMessage, error) {
	if params == nil {
		return nil, nil
	}
	if raw, ok := params.(json.RawMessage); ok {
		return raw, nil
	}
	raw, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("failed to encode params: %w", err)
	}
	return raw, nil
}
