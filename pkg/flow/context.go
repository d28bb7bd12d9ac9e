package flow

import (
	"context"
	"log/slog"

	"github.com/atrium-labs/atrium/pkg/authz"
	"github.com/atrium-labs/atrium/pkg/logger"
	"github.com/atrium-labs/atrium/pkg/session"
)

// State is the per-run scratch space stages share. A flow run is
// single-threaded, so no locking is needed.
type State struct {
	// Error holds the failure that routed the run into the error stages.
	Error error

	values map[string]any
}

// Set stores a value under key.
func (s *State) Set(key string, value any) {
	if s.values == nil {
		s.values = make(map[string]any)
	}
	s.values[key] = value
}

// Get returns the value stored under key, or nil.
func (s *State) Get(key string) any {
	return s.values[key]
}

// GetString returns the string stored under key, or "".
func (s *State) GetString(key string) string {
	v, _ := s.values[key].(string)
	return v
}

// Context carries everything a hook can see during one flow run: the parsed
// input, mutable state, the write-once output slot, and the identity and
// session the request runs under.
type Context struct {
	ctx context.Context

	// Input is the request payload as the parseInput stage left it.
	Input any

	// State is shared mutable scratch space for the run.
	State *State

	// Scope is the logical namespace the request is addressed to.
	Scope string

	// Authorization is the caller's identity. Nil for public flows before
	// initialize completes.
	Authorization authz.Authorization

	// Session is the session record the request runs under, if any.
	Session *session.Record

	// Logger is the request-scoped logger.
	Logger *slog.Logger

	output any
	sealed bool
}

// ContextParams configures NewContext.
type ContextParams struct {
	Input         any
	Scope         string
	Authorization authz.Authorization
	Session       *session.Record
	Logger        *slog.Logger
}

// NewContext creates a flow context for one run.
func NewContext(ctx context.Context, p ContextParams) *Context {
	log := p.Logger
	if log == nil {
		log = logger.Get()
	}
	return &Context{
		ctx:           ctx,
		Input:         p.Input,
		State:         &State{},
		Scope:         p.Scope,
		Authorization: p.Authorization,
		Session:       p.Session,
		Logger:        log,
	}
}

// Context returns the run's cancellation context.
func (fc *Context) Context() context.Context {
	return fc.ctx
}

// Respond seals the output with v. The first call wins; later calls are
// ignored so stages after the responder cannot overwrite the response.
func (fc *Context) Respond(v any) {
	if fc.sealed {
		return
	}
	fc.output = v
	fc.sealed = true
}

// Output returns the sealed response, if any.
func (fc *Context) Output() (any, bool) {
	return fc.output, fc.sealed
}

// Responded reports whether the output is sealed.
func (fc *Context) Responded() bool {
	return fc.sealed
}
