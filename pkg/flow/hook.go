// Package flow implements the staged pipeline every request runs through:
// a declarative plan (pre, execute, post, finalize, error stage lists) plus
// typed hooks (stage, will, did, around) with priorities and filters, a
// registry that compiles plans ahead of request time, and a router that picks
// the flow for an incoming request.
package flow

// HookKind distinguishes how a hook attaches to its stage.
type HookKind string

const (
	// KindStage is the stage body itself.
	KindStage HookKind = "stage"

	// KindWill runs before the stage body, higher priority first.
	KindWill HookKind = "will"

	// KindDid runs after the stage body, lower priority first.
	KindDid HookKind = "did"

	// KindAround wraps the stage body; higher priority wraps outermost.
	KindAround HookKind = "around"
)

// HandlerFunc is a stage, will, or did hook body.
type HandlerFunc func(fc *Context) error

// AroundFunc wraps the downstream composition of a stage. Implementations
// decide whether and when to call next.
type AroundFunc func(fc *Context, next func() error) error

// Filter decides per invocation whether a hook participates.
type Filter func(fc *Context) bool

// Hook is one typed entry in a hook table.
type Hook struct {
	Kind     HookKind
	Stage    string
	Priority int32

	// Filter, when set, disables the hook for invocations where it returns
	// false.
	Filter Filter

	// Handler carries stage, will, and did bodies.
	Handler HandlerFunc

	// Around carries around wrappers; set instead of Handler for KindAround.
	Around AroundFunc

	// seq is the registration order, the tie-breaker for equal priorities.
	seq int
}

// Table collects hooks in registration order. Flows and shared hook providers
// append to a table; the registry compiles it against a plan.
type Table struct {
	hooks []Hook
}

// NewTable creates an empty hook table.
func NewTable() *Table {
	return &Table{}
}

// Add appends a hook, preserving registration order.
func (t *Table) Add(h Hook) *Table {
	h.seq = len(t.hooks)
	t.hooks = append(t.hooks, h)
	return t
}

// Stage registers the stage body for the given label.
func (t *Table) Stage(stage string, handler HandlerFunc) *Table {
	return t.Add(Hook{Kind: KindStage, Stage: stage, Handler: handler})
}

// Will registers a before-stage hook.
func (t *Table) Will(stage string, priority int32, handler HandlerFunc) *Table {
	return t.Add(Hook{Kind: KindWill, Stage: stage, Priority: priority, Handler: handler})
}

// Did registers an after-stage hook.
func (t *Table) Did(stage string, priority int32, handler HandlerFunc) *Table {
	return t.Add(Hook{Kind: KindDid, Stage: stage, Priority: priority, Handler: handler})
}

// Around registers a wrapper around the stage body.
func (t *Table) Around(stage string, priority int32, around AroundFunc) *Table {
	return t.Add(Hook{Kind: KindAround, Stage: stage, Priority: priority, Around: around})
}

// Hooks returns the registered hooks in registration order.
func (t *Table) Hooks() []Hook {
	return t.hooks
}

// merge appends the hooks of other tables after t's own, renumbering the
// registration order so ties stay deterministic across tables.
func merge(tables ...*Table) []Hook {
	var out []Hook
	for _, t := range tables {
		if t == nil {
			continue
		}
		for _, h := range t.hooks {
			h.seq = len(out)
			out = append(out, h)
		}
	}
	return out
}
