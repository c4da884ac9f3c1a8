package duplex

import (
	"context"
	"sync"
	"time"
)

// Correlator matches asynchronous responses back to their callers. It keeps
// two keyspaces: response ids for outbound calls, and method names for a
// single expected peer-initiated call. At most one waiter exists per key;
// completion and timeout are mutually exclusive terminal outcomes.
//
// Only one waiter per method name is supported at a time. A system needing
// concurrent identical peer-initiated calls would need a richer keying
// scheme than a method name.
type Correlator struct {
	mu       sync.Mutex
	byID     map[string]*Waiter
	byMethod map[string]*Waiter
	closed   bool
	closeErr error
}

// NewCorrelator creates an empty correlator
func NewCorrelator() *Correlator {
	return &Correlator{
		byID:     make(map[string]*Waiter),
		byMethod: make(map[string]*Waiter),
	}
}

type waiterKind int

const (
	waiterByID waiterKind = iota
	waiterByMethod
)

type waiterOutcome struct {
	msg *Message
	err error
}

// Waiter is a single-fire completion slot owned by the Correlator. It is
// resolved exactly once: with a message, with the session's close error, or
// by its own timeout.
type Waiter struct {
	key     string
	kind    waiterKind
	created time.Time
	ch      chan waiterOutcome
}

// Register installs a waiter for a response id. Fails with ErrDuplicateKey
// if a waiter for that id already exists, and with ErrConnectionClosed once
// the correlator has been failed.
func (c *Correlator) Register(id MessageID) (*Waiter, error) {
	return c.register(id.key(), waiterByID)
}

// RegisterMethod installs a waiter for one peer-initiated request with the
// given method name.
func (c *Correlator) RegisterMethod(method string) (*Waiter, error) {
	return c.register("m:"+method, waiterByMethod)
}

func (c *Correlator) register(key string, kind waiterKind) (*Waiter, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil, c.closeErr
	}
	m := c.keyspace(kind)
	if _, exists := m[key]; exists {
		return nil, ErrDuplicateKey
	}
	w := &Waiter{
		key:     key,
		kind:    kind,
		created: time.Now(),
		ch:      make(chan waiterOutcome, 1),
	}
	m[key] = w
	return w, nil
}

func (c *Correlator) keyspace(kind waiterKind) map[string]*Waiter {
	if kind == waiterByMethod {
		return c.byMethod
	}
	return c.byID
}

// Complete resolves the waiter registered for a response id. Returns false
// if no waiter is registered; a late or duplicate response is the caller's
// cue to log an orphan, not a fault.
func (c *Correlator) Complete(id MessageID, msg *Message) bool {
	return c.complete(id.key(), waiterByID, msg)
}

// CompleteMethod resolves the waiter expecting a peer-initiated request
// with the given method name.
func (c *Correlator) CompleteMethod(method string, msg *Message) bool {
	return c.complete("m:"+method, waiterByMethod, msg)
}

func (c *Correlator) complete(key string, kind waiterKind, msg *Message) bool {
	c.mu.Lock()
	m := c.keyspace(kind)
	w, ok := m[key]
	if ok {
		delete(m, key)
	}
	c.mu.Unlock()

	if !ok {
		return false
	}
	w.ch <- waiterOutcome{msg: msg}
	return true
}

// Await blocks until the waiter resolves, its timeout elapses, or ctx is
// done. On timeout the waiter is unregistered and ErrTimeout returned; a
// completion that raced the timeout and already claimed the waiter wins.
func (c *Correlator) Await(ctx context.Context, w *Waiter, timeout time.Duration) (*Message, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case out := <-w.ch:
		return out.msg, out.err
	case <-timer.C:
		if c.unregister(w) {
			return nil, ErrTimeout
		}
		// A completion claimed the waiter before we could abandon it.
		out := <-w.ch
		return out.msg, out.err
	case <-ctx.Done():
		if c.unregister(w) {
			return nil, ctx.Err()
		}
		out := <-w.ch
		return out.msg, out.err
	}
}

// unregister removes w from its keyspace; false means a completion already
// took it.
func (c *Correlator) unregister(w *Waiter) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	m := c.keyspace(w.kind)
	if current, ok := m[w.key]; ok && current == w {
		delete(m, w.key)
		return true
	}
	return false
}

// FailAll resolves every pending waiter with err and marks the correlator
// closed: subsequent registrations fail with the same error. Used once,
// when the byte stream is lost.
func (c *Correlator) FailAll(err error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.closeErr = err
	waiters := make([]*Waiter, 0, len(c.byID)+len(c.byMethod))
	for _, w := range c.byID {
		waiters = append(waiters, w)
	}
	for _, w := range c.byMethod {
		waiters = append(waiters, w)
	}
	c.byID = make(map[string]*Waiter)
	c.byMethod = make(map[string]*Waiter)
	c.mu.Unlock()

	for _, w := range waiters {
		w.ch <- waiterOutcome{err: err}
	}
}

// PendingCount returns the number of registered waiters across both keyspaces
func (c *Correlator) PendingCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.byID) + len(c.byMethod)
}
