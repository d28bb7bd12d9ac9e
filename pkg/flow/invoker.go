package flow

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/atrium-labs/atrium/pkg/errors"
)

// DefaultTimeout bounds a flow run when the inbound context has no deadline.
const DefaultTimeout = 30 * time.Second

// CompiledFlow is a flow with its hooks validated, grouped, and sorted. It is
// built once at registration time so nothing fails at request time.
type CompiledFlow struct {
	flow   Flow
	plan   Plan
	stages map[string]*stageHooks
}

type stageHooks struct {
	will   []Hook // priority descending
	around []Hook // priority descending, outermost first
	body   []Hook // priority descending
	did    []Hook // priority ascending
}

// Flow returns the underlying flow.
func (cf *CompiledFlow) Flow() Flow { return cf.flow }

// Plan returns the compiled plan.
func (cf *CompiledFlow) Plan() Plan { return cf.plan }

// Compile validates hooks against the plan and groups them per stage.
// Unknown stage labels and malformed hooks are build-time errors.
func Compile(f Flow, shared *Table) (*CompiledFlow, error) {
	plan := f.Plan()
	own := NewTable()
	f.Register(own)
	hooks := merge(shared, own)

	labels := plan.labels()
	stages := make(map[string]*stageHooks)
	for _, h := range hooks {
		if _, ok := labels[h.Stage]; !ok {
			return nil, fmt.Errorf("flow %s: hook references unknown stage %q", f.Name(), h.Stage)
		}
		if h.Kind == KindAround {
			if h.Around == nil {
				return nil, fmt.Errorf("flow %s: around hook on %q has no wrapper", f.Name(), h.Stage)
			}
		} else if h.Handler == nil {
			return nil, fmt.Errorf("flow %s: %s hook on %q has no handler", f.Name(), h.Kind, h.Stage)
		}

		sh := stages[h.Stage]
		if sh == nil {
			sh = &stageHooks{}
			stages[h.Stage] = sh
		}
		switch h.Kind {
		case KindWill:
			sh.will = append(sh.will, h)
		case KindAround:
			sh.around = append(sh.around, h)
		case KindStage:
			sh.body = append(sh.body, h)
		case KindDid:
			sh.did = append(sh.did, h)
		default:
			return nil, fmt.Errorf("flow %s: unknown hook kind %q on stage %q", f.Name(), h.Kind, h.Stage)
		}
	}

	for _, sh := range stages {
		sortDesc(sh.will)
		sortDesc(sh.around)
		sortDesc(sh.body)
		sortAsc(sh.did)
	}
	return &CompiledFlow{flow: f, plan: plan, stages: stages}, nil
}

// sortDesc orders by priority descending, registration order on ties.
func sortDesc(hooks []Hook) {
	sort.SliceStable(hooks, func(i, j int) bool {
		if hooks[i].Priority != hooks[j].Priority {
			return hooks[i].Priority > hooks[j].Priority
		}
		return hooks[i].seq < hooks[j].seq
	})
}

// sortAsc orders by priority ascending, registration order on ties.
func sortAsc(hooks []Hook) {
	sort.SliceStable(hooks, func(i, j int) bool {
		if hooks[i].Priority != hooks[j].Priority {
			return hooks[i].Priority < hooks[j].Priority
		}
		return hooks[i].seq < hooks[j].seq
	})
}

// Invoker runs compiled flows with deterministic hook ordering and guaranteed
// finalize.
type Invoker struct {
	timeout time.Duration
}

// InvokerOption customizes NewInvoker.
type InvokerOption func(*Invoker)

// WithTimeout overrides the default per-run deadline.
func WithTimeout(d time.Duration) InvokerOption {
	return func(inv *Invoker) { inv.timeout = d }
}

// NewInvoker creates an invoker.
func NewInvoker(opts ...InvokerOption) *Invoker {
	inv := &Invoker{timeout: DefaultTimeout}
	for _, opt := range opts {
		opt(inv)
	}
	return inv
}

// Run executes one flow: pre, execute, and post stages in order, the error
// stages when one of those fails, and the finalize stages exactly once no
// matter what. It returns the sealed output when one was produced, otherwise
// the pending error.
func (inv *Invoker) Run(ctx context.Context, cf *CompiledFlow, fc *Context) (any, error) {
	if _, ok := ctx.Deadline(); !ok && inv.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, inv.timeout)
		defer cancel()
	}
	fc.ctx = ctx

	err := inv.runPhases(fc, cf, cf.plan.Pre, cf.plan.Execute, cf.plan.Post)
	if err != nil {
		// Cancellation skips the error stages but still lands in State.Error,
		// so finalize stages see the outcome they are reporting on.
		fc.State.Error = err
		if !errors.IsFlowCancelled(err) {
			if errErr := inv.runPhases(fc, cf, cf.plan.Error); errErr != nil {
				// A failing error stage takes over; the original stays
				// reachable through Unwrap.
				err = &stageError{err: errErr, cause: err}
				fc.State.Error = err
			}
		}
	}

	// Finalize runs even for cancelled flows, so it gets a context detached
	// from the request's cancellation.
	fc.ctx = context.WithoutCancel(ctx)
	for _, label := range cf.plan.Finalize {
		if finErr := inv.runStage(fc, cf, label); finErr != nil {
			fc.Logger.Warn("finalize stage failed",
				"flow", cf.flow.Name(), "stage", label, "error", finErr)
		}
	}

	if out, ok := fc.Output(); ok {
		return out, nil
	}
	return nil, err
}

// runPhases runs stage lists in order, stopping at the first failure or
// cancellation.
func (inv *Invoker) runPhases(fc *Context, cf *CompiledFlow, lists ...[]string) error {
	for _, list := range lists {
		for _, label := range list {
			if ctxErr := fc.ctx.Err(); ctxErr != nil {
				return errors.NewFlowCancelledError("flow cancelled before stage "+label, ctxErr)
			}
			if err := inv.runStage(fc, cf, label); err != nil {
				return err
			}
		}
	}
	return nil
}

// runStage runs one stage: will hooks, the around-wrapped body, did hooks.
func (inv *Invoker) runStage(fc *Context, cf *CompiledFlow, label string) error {
	sh := cf.stages[label]
	if sh == nil {
		return nil
	}

	for _, h := range sh.will {
		if !enabled(h, fc) {
			continue
		}
		if err := h.Handler(fc); err != nil {
			return err
		}
	}

	next := func() error {
		for _, h := range sh.body {
			if !enabled(h, fc) {
				continue
			}
			if err := h.Handler(fc); err != nil {
				return err
			}
		}
		return nil
	}
	for i := len(sh.around) - 1; i >= 0; i-- {
		h := sh.around[i]
		if !enabled(h, fc) {
			continue
		}
		inner := next
		next = func() error {
			return h.Around(fc, func() error {
				if ctxErr := fc.ctx.Err(); ctxErr != nil {
					return errors.NewFlowCancelledError("flow cancelled in stage "+label, ctxErr)
				}
				return inner()
			})
		}
	}
	if err := next(); err != nil {
		return err
	}

	for _, h := range sh.did {
		if !enabled(h, fc) {
			continue
		}
		if err := h.Handler(fc); err != nil {
			return err
		}
	}
	return nil
}

func enabled(h Hook, fc *Context) bool {
	return h.Filter == nil || h.Filter(fc)
}

// stageError is an error-stage failure layered over the failure that routed
// the run there.
type stageError struct {
	err   error
	cause error
}

func (e *stageError) Error() string { return e.err.Error() }

// Unwrap exposes both the replacing error and the original cause.
func (e *stageError) Unwrap() []error { return []error{e.err, e.cause} }
