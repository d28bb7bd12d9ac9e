package flow

import (
	"fmt"
	"sort"
	"sync"
)

// Registry holds compiled flows and routes requests to them. Flows are
// compiled at registration, so hook mistakes surface at startup rather than
// per request.
type Registry struct {
	shared *Table

	mu     sync.RWMutex
	flows  []*registeredFlow
	byName map[string]*CompiledFlow
}

type registeredFlow struct {
	compiled *CompiledFlow
	priority int
	seq      int
}

// NewRegistry creates a registry. Hooks in shared apply to every registered
// flow, ahead of the flow's own hooks in tie-breaking order.
func NewRegistry(shared *Table) *Registry {
	return &Registry{
		shared: shared,
		byName: make(map[string]*CompiledFlow),
	}
}

// Register compiles and adds a flow. Duplicate names and invalid hook tables
// are errors.
func (r *Registry) Register(f Flow) error {
	compiled, err := Compile(f, r.shared)
	if err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.byName[f.Name()]; exists {
		return fmt.Errorf("flow %s is already registered", f.Name())
	}
	rf := &registeredFlow{
		compiled: compiled,
		priority: flowPriority(f),
		seq:      len(r.flows),
	}
	r.flows = append(r.flows, rf)
	sort.SliceStable(r.flows, func(i, j int) bool {
		if r.flows[i].priority != r.flows[j].priority {
			return r.flows[i].priority > r.flows[j].priority
		}
		return r.flows[i].seq < r.flows[j].seq
	})
	r.byName[f.Name()] = compiled
	return nil
}

// MustRegister registers flows and panics on error. For startup wiring only.
func (r *Registry) MustRegister(flows ...Flow) {
	for _, f := range flows {
		if err := r.Register(f); err != nil {
			panic(err)
		}
	}
}

// Route returns the first flow, in priority then registration order, whose
// CanActivate accepts req. Nil when none match.
func (r *Registry) Route(req *Request) *CompiledFlow {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, rf := range r.flows {
		if rf.compiled.flow.CanActivate(req) {
			return rf.compiled
		}
	}
	return nil
}

// Resolve looks a flow up by name. Nil when absent.
func (r *Registry) Resolve(name string) *CompiledFlow {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.byName[name]
}

// Names returns the registered flow names in routing order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.flows))
	for _, rf := range r.flows {
		out = append(out, rf.compiled.flow.Name())
	}
	return out
}
