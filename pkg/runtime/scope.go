package runtime

import (
	"encoding/json"
	"sort"
	"sync"

	"github.com/atrium-labs/atrium/pkg/authz"
	"github.com/atrium-labs/atrium/pkg/flow"
)

// DefaultScope is the scope requests land in when they name none.
const DefaultScope = "main"

// ToolFunc executes one tool call.
type ToolFunc func(fc *flow.Context, args json.RawMessage) (any, error)

// Tool is a callable unit registered in a scope.
type Tool struct {
	Name        string
	Description string
	InputSchema json.RawMessage

	// Scopes the caller must hold to see or call the tool. Empty means
	// visible to everyone, including anonymous sessions.
	Scopes []string

	Handler ToolFunc
}

// Resource is an addressable unit of content registered in a scope.
type Resource struct {
	URI         string
	Name        string
	Description string
	MimeType    string
	Scopes      []string

	Read func(fc *flow.Context, uri string) (any, error)
}

// Prompt is a parameterized template registered in a scope.
type Prompt struct {
	Name        string
	Description string
	Scopes      []string

	Render func(fc *flow.Context, args map[string]string) (any, error)
}

// Scope owns a named set of tools, resources, and prompts.
type Scope struct {
	name string

	mu        sync.RWMutex
	tools     map[string]Tool
	resources map[string]Resource
	prompts   map[string]Prompt
}

func newScope(name string) *Scope {
	return &Scope{
		name:      name,
		tools:     make(map[string]Tool),
		resources: make(map[string]Resource),
		prompts:   make(map[string]Prompt),
	}
}

// Name returns the scope's name.
func (s *Scope) Name() string { return s.name }

// RegisterTool adds or replaces a tool.
func (s *Scope) RegisterTool(t Tool) {
	s.mu.Lock()
	s.tools[t.Name] = t
	s.mu.Unlock()
}

// RegisterResource adds or replaces a resource.
func (s *Scope) RegisterResource(r Resource) {
	s.mu.Lock()
	s.resources[r.URI] = r
	s.mu.Unlock()
}

// RegisterPrompt adds or replaces a prompt.
func (s *Scope) RegisterPrompt(p Prompt) {
	s.mu.Lock()
	s.prompts[p.Name] = p
	s.mu.Unlock()
}

// Tool looks up a tool by name.
func (s *Scope) Tool(name string) (Tool, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.tools[name]
	return t, ok
}

// Resource looks up a resource by URI.
func (s *Scope) Resource(uri string) (Resource, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.resources[uri]
	return r, ok
}

// Prompt looks up a prompt by name.
func (s *Scope) Prompt(name string) (Prompt, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.prompts[name]
	return p, ok
}

// VisibleTools returns the tools auth may see, sorted by name.
func (s *Scope) VisibleTools(auth authz.Authorization) []Tool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Tool, 0, len(s.tools))
	for _, t := range s.tools {
		if visible(auth, t.Scopes) && auth.IsToolAuthorized(t.Name) {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// VisibleResources returns the resources auth may see, sorted by URI.
func (s *Scope) VisibleResources(auth authz.Authorization) []Resource {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Resource, 0, len(s.resources))
	for _, r := range s.resources {
		if visible(auth, r.Scopes) {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].URI < out[j].URI })
	return out
}

// VisiblePrompts returns the prompts auth may see, sorted by name.
func (s *Scope) VisiblePrompts(auth authz.Authorization) []Prompt {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Prompt, 0, len(s.prompts))
	for _, p := range s.prompts {
		if visible(auth, p.Scopes) && auth.IsPromptAuthorized(p.Name) {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// visible reports whether auth holds every required scope.
func visible(auth authz.Authorization, required []string) bool {
	if auth == nil {
		return len(required) == 0
	}
	for _, s := range required {
		if !authz.HasScope(auth, s) {
			return false
		}
	}
	return true
}

// ScopeRegistry holds the named scopes of the server.
type ScopeRegistry struct {
	mu     sync.RWMutex
	scopes map[string]*Scope
}

// NewScopeRegistry creates a registry with the default scope present.
func NewScopeRegistry() *ScopeRegistry {
	r := &ScopeRegistry{scopes: make(map[string]*Scope)}
	r.scopes[DefaultScope] = newScope(DefaultScope)
	return r
}

// Ensure returns the named scope, creating it if needed. An empty name maps
// to the default scope.
func (r *ScopeRegistry) Ensure(name string) *Scope {
	if name == "" {
		name = DefaultScope
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.scopes[name]
	if !ok {
		s = newScope(name)
		r.scopes[name] = s
	}
	return s
}

// Get returns the named scope, or nil. An empty name maps to the default.
func (r *ScopeRegistry) Get(name string) *Scope {
	if name == "" {
		name = DefaultScope
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.scopes[name]
}
