// Package transport adapts an externally supplied streaming JSON-RPC
// transport so sessions survive process restarts: a session id can be bound
// before the underlying transport exists, and is applied lazily when the
// first request materializes it. No re-initialize handshake is needed.
package transport

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"net/http"
	"strings"
	"sync"

	"github.com/atrium-labs/atrium/pkg/cryptoutil"
	"github.com/atrium-labs/atrium/pkg/errors"
	"github.com/atrium-labs/atrium/pkg/logger"
)

// SessionIDHeader carries the session id on the wire.
const SessionIDHeader = "mcp-session-id"

// ErrIncompatibleTransport is returned when the underlying transport rejects
// the initialization state the adapter tries to apply.
var ErrIncompatibleTransport = stderrors.New("underlying transport rejected initialization state")

// Handlers are forwarded into the inner transport when it is created.
type Handlers struct {
	OnMessage func(ctx context.Context, msg json.RawMessage)
	OnClose   func()
	OnError   func(err error)
}

// Inner is the externally supplied streaming transport the adapter wraps.
type Inner interface {
	// Initialize binds a session id and marks the transport initialized.
	Initialize(sessionID string) error

	// HandleRequest processes one framed request.
	HandleRequest(w http.ResponseWriter, r *http.Request, body []byte) error

	// Bind installs the message, close, and error handlers.
	Bind(h Handlers)

	// Close tears the transport down.
	Close() error
}

// EventStore optionally persists the event stream for resumable sessions.
type EventStore interface {
	Append(ctx context.Context, sessionID string, event []byte) error
	Replay(ctx context.Context, sessionID string, fn func(event []byte) error) error
}

// InnerOptions is what the factory receives when the adapter materializes the
// inner transport.
type InnerOptions struct {
	EnableJSONResponse bool
	EventStore         EventStore
}

// Factory creates the inner transport on demand.
type Factory func(opts InnerOptions) (Inner, error)

// Options configures New.
type Options struct {
	// NewInner creates the underlying transport. Required.
	NewInner Factory

	// SessionIDGenerator mints ids for new sessions. Nil means the transport
	// is stateless and ids come from elsewhere.
	SessionIDGenerator func() string

	// EnableJSONResponse switches the inner transport to plain JSON replies
	// instead of a stream.
	EnableJSONResponse bool

	// EventStore, when set, is handed to the inner transport for resumability.
	EventStore EventStore

	// OnSessionInitialized fires after a session id is bound.
	OnSessionInitialized func(sessionID string)

	// OnSessionClosed fires when the adapter closes.
	OnSessionClosed func(sessionID string)

	// Handlers are forwarded to the inner transport when it is created.
	Handlers Handlers
}

// Adapter owns the initialization state the inner transport needs, so the
// state can be staged before the transport exists.
type Adapter struct {
	opts Options

	mu          sync.Mutex
	inner       Inner
	sessionID   string
	initialized bool
	pendingInit string
	hasPending  bool
}

// New creates an adapter. The inner transport is not created until the first
// request arrives.
func New(opts Options) (*Adapter, error) {
	if opts.NewInner == nil {
		return nil, stderrors.New("transport adapter requires an inner transport factory")
	}
	return &Adapter{opts: opts}, nil
}

// GenerateSessionID is the default session id generator.
func GenerateSessionID() string {
	id, err := cryptoutil.RandomID()
	if err != nil {
		panic(err)
	}
	return id
}

// SetInitializationState marks the transport initialized with sessionID.
// When the inner transport does not exist yet, the state is stored as pending
// and applied on the first HandleRequest; compatibility problems surface at
// apply time, not here.
func (a *Adapter) SetInitializationState(sessionID string) error {
	if strings.TrimSpace(sessionID) == "" {
		return errors.NewSessionIDEmptyError("cannot initialize transport with an empty session id")
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.inner == nil {
		a.pendingInit = sessionID
		a.hasPending = true
		logger.Debugw("staged pending transport init state", "session_id", sessionID)
		return nil
	}
	return a.applyLocked(sessionID)
}

// HasPendingInitState reports whether init state is staged but not applied.
func (a *Adapter) HasPendingInitState() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.hasPending
}

// SessionID returns the bound session id, if initialized.
func (a *Adapter) SessionID() (string, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.sessionID, a.initialized
}

// HandleRequest processes one framed request. On the first call it creates
// the inner transport, forwards the handlers, and applies any pending
// initialization state before delegating.
func (a *Adapter) HandleRequest(w http.ResponseWriter, r *http.Request, body []byte) error {
	inner, err := a.ensureInner()
	if err != nil {
		return err
	}
	return inner.HandleRequest(w, r, body)
}

// Close tears down the inner transport and reports the session closed.
func (a *Adapter) Close() error {
	a.mu.Lock()
	inner := a.inner
	a.inner = nil
	sessionID := a.sessionID
	initialized := a.initialized
	a.initialized = false
	a.mu.Unlock()

	var err error
	if inner != nil {
		err = inner.Close()
	}
	if initialized && a.opts.OnSessionClosed != nil {
		a.opts.OnSessionClosed(sessionID)
	}
	return err
}

func (a *Adapter) ensureInner() (Inner, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.inner != nil {
		return a.inner, nil
	}

	inner, err := a.opts.NewInner(InnerOptions{
		EnableJSONResponse: a.opts.EnableJSONResponse,
		EventStore:         a.opts.EventStore,
	})
	if err != nil {
		return nil, err
	}
	inner.Bind(a.opts.Handlers)
	a.inner = inner

	if a.hasPending {
		pending := a.pendingInit
		if err := a.applyLocked(pending); err != nil {
			return nil, err
		}
		a.hasPending = false
		a.pendingInit = ""
		logger.Debugw("applied pending transport init state", "session_id", pending)
	}
	return a.inner, nil
}

// applyLocked binds sessionID on the inner transport. Callers hold a.mu.
func (a *Adapter) applyLocked(sessionID string) error {
	if err := a.inner.Initialize(sessionID); err != nil {
		return stderrors.Join(ErrIncompatibleTransport, err)
	}
	a.sessionID = sessionID
	a.initialized = true
	if a.opts.OnSessionInitialized != nil {
		a.opts.OnSessionInitialized(sessionID)
	}
	return nil
}
