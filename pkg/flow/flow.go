package flow

import (
	"encoding/json"
)

// Access declares who may run a flow.
type Access string

const (
	// AccessPublic flows run without an authorization.
	AccessPublic Access = "public"

	// AccessAuthenticated flows require a valid authorization.
	AccessAuthenticated Access = "authenticated"
)

// Request is the routed view of one inbound message.
type Request struct {
	// Method is the protocol verb, e.g. "tools/call".
	Method string

	// Params is the raw request payload.
	Params json.RawMessage

	// SessionID is the session the request claims, possibly empty.
	SessionID string

	// Scope is the logical namespace the request is addressed to.
	Scope string
}

// Flow is one named pipeline handling one kind of request. A flow supplies
// its plan and registers its hooks (including its execute stage bodies) at
// construction; the registry compiles the result once.
type Flow interface {
	// Name identifies the flow for resolution and logs.
	Name() string

	// Plan declares the flow's stage lists.
	Plan() Plan

	// Access declares whether the flow needs an authorization.
	Access() Access

	// CanActivate reports whether this flow handles req.
	CanActivate(req *Request) bool

	// Register adds the flow's hooks to the table.
	Register(t *Table)
}

// Prioritized is implemented by flows that want routing precedence over
// flows registered earlier. Higher wins; default is 0.
type Prioritized interface {
	Priority() int
}

func flowPriority(f Flow) int {
	if p, ok := f.(Prioritized); ok {
		return p.Priority()
	}
	return 0
}
