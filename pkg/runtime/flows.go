package runtime

import (
	"encoding/json"
	"fmt"

	"github.com/atrium-labs/atrium/pkg/approval"
	"github.com/atrium-labs/atrium/pkg/errors"
	"github.com/atrium-labs/atrium/pkg/flow"
)

// ProtocolVersion is the protocol revision the server speaks.
const ProtocolVersion = "2025-06-18"

// ServerInfo identifies this server in the initialize result.
type ServerInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// operation is one built-in flow: a method-matched pipeline on the default
// plan with its execute stages registered as hooks.
type operation struct {
	name   string
	method string
	access flow.Access
	plan   flow.Plan
	hooks  func(t *flow.Table)
}

func (o *operation) Name() string   { return o.name }
func (o *operation) Plan() flow.Plan { return o.plan }

func (o *operation) Access() flow.Access {
	if o.access == "" {
		return flow.AccessAuthenticated
	}
	return o.access
}

func (o *operation) CanActivate(req *flow.Request) bool {
	return req.Method == o.method
}

func (o *operation) Register(t *flow.Table) {
	if o.hooks != nil {
		o.hooks(t)
	}
}

// builtinFlows returns the operations every server exposes.
func (rt *Runtime) builtinFlows() []flow.Flow {
	return []flow.Flow{
		rt.initializeFlow(),
		rt.pingFlow(),
		rt.toolsListFlow(),
		rt.toolsCallFlow(),
		rt.resourcesListFlow(),
		rt.resourcesReadFlow(),
		rt.promptsListFlow(),
		rt.promptsGetFlow(),
		rt.sessionCloseFlow(),
	}
}

type initializeParams struct {
	ProtocolVersion string          `json:"protocolVersion"`
	ClientInfo      clientInfoParam `json:"clientInfo"`
	Capabilities    json.RawMessage `json:"capabilities"`
}

type clientInfoParam struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

func (rt *Runtime) initializeFlow() flow.Flow {
	return &operation{
		name:   "initialize",
		method: "initialize",
		access: flow.AccessPublic,
		plan:   flow.DefaultPlan("initialize", "createSession"),
		hooks: func(t *flow.Table) {
			t.Stage("createSession", func(fc *flow.Context) error {
				var params initializeParams
				if raw, ok := fc.Input.(json.RawMessage); ok && len(raw) > 0 {
					if err := json.Unmarshal(raw, &params); err != nil {
						return fmt.Errorf("%w: malformed initialize params", errInvalidParams)
					}
				}

				rec, _, err := rt.CreateSession(fc.Context(), CreateSessionParams{
					ClientName:    params.ClientInfo.Name,
					ClientVersion: params.ClientInfo.Version,
					Capabilities:  params.Capabilities,
					Token:         fc.State.GetString(stateBearerToken),
				})
				if err != nil {
					return err
				}
				fc.Respond(map[string]any{
					"protocolVersion": ProtocolVersion,
					"serverInfo":      rt.serverInfo,
					"capabilities": map[string]any{
						"tools":     map[string]any{"listChanged": false},
						"resources": map[string]any{},
						"prompts":   map[string]any{},
					},
					"sessionId": rec.ID,
				})
				return nil
			})
		},
	}
}

func (rt *Runtime) pingFlow() flow.Flow {
	return &operation{
		name:   "ping",
		method: "ping",
		access: flow.AccessPublic,
		plan:   flow.DefaultPlan("ping", "pong"),
		hooks: func(t *flow.Table) {
			t.Stage("pong", func(fc *flow.Context) error {
				fc.Respond(map[string]any{})
				return nil
			})
		},
	}
}

func (rt *Runtime) toolsListFlow() flow.Flow {
	return &operation{
		name:   "toolsList",
		method: "tools/list",
		plan:   flow.DefaultPlan("toolsList", "listTools"),
		hooks: func(t *flow.Table) {
			t.Stage("listTools", func(fc *flow.Context) error {
				scope := rt.scopes.Get(fc.Scope)
				if scope == nil {
					return errors.NewFlowNotFoundError("unknown scope " + fc.Scope)
				}
				tools := make([]map[string]any, 0)
				for _, tool := range scope.VisibleTools(fc.Authorization) {
					entry := map[string]any{
						"name":        tool.Name,
						"description": tool.Description,
					}
					if len(tool.InputSchema) > 0 {
						entry["inputSchema"] = tool.InputSchema
					}
					tools = append(tools, entry)
				}
				fc.Respond(map[string]any{"tools": tools})
				return nil
			})
		},
	}
}

type toolCallParams struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
	Context   string          `json:"context,omitempty"`
}

func (rt *Runtime) toolsCallFlow() flow.Flow {
	plan := flow.DefaultPlan("toolsCall", "checkToolAuthorization", "invokeTool")
	return &operation{
		name:   "toolsCall",
		method: "tools/call",
		plan:   plan,
		hooks: func(t *flow.Table) {
			t.Will(flow.StageValidateInput, 0, func(fc *flow.Context) error {
				params, err := toolCallParamsFrom(fc)
				if err != nil {
					return err
				}
				if params.Name == "" {
					return fmt.Errorf("%w: tools/call requires a tool name", errInvalidParams)
				}
				return nil
			})

			// The policy decision lives here so every caller path shares it.
			t.Will("checkToolAuthorization", 0, func(fc *flow.Context) error {
				params, err := toolCallParamsFrom(fc)
				if err != nil {
					return err
				}
				if fc.Authorization != nil && !fc.Authorization.IsToolAuthorized(params.Name) {
					return errors.NewToolNotAllowedError("tool " + params.Name + " is not authorized for this caller")
				}
				return nil
			})
			t.Stage("checkToolAuthorization", func(fc *flow.Context) error {
				params, err := toolCallParamsFrom(fc)
				if err != nil {
					return err
				}
				check := approval.CheckParams{
					ToolName: params.Name,
					Context:  params.Context,
				}
				if fc.Session != nil {
					check.SessionID = fc.Session.ID
				}
				if fc.Authorization != nil {
					if user := fc.Authorization.User(); user != nil {
						check.UserID = user.Subject
					}
				}
				_, err = rt.guard.Authorize(fc.Context(), check)
				return err
			})

			t.Stage("invokeTool", func(fc *flow.Context) error {
				params, err := toolCallParamsFrom(fc)
				if err != nil {
					return err
				}
				scope := rt.scopes.Get(fc.Scope)
				if scope == nil {
					return errors.NewFlowNotFoundError("unknown scope " + fc.Scope)
				}
				tool, ok := scope.Tool(params.Name)
				if !ok || !visible(fc.Authorization, tool.Scopes) {
					return errors.NewToolNotAllowedError("tool " + params.Name + " is not available")
				}
				result, err := tool.Handler(fc, params.Arguments)
				if err != nil {
					return err
				}
				fc.Respond(map[string]any{"content": result})
				return nil
			})
		},
	}
}

// toolCallParamsFrom parses and caches the tools/call params for the run.
func toolCallParamsFrom(fc *flow.Context) (*toolCallParams, error) {
	if cached, ok := fc.State.Get("toolCallParams").(*toolCallParams); ok {
		return cached, nil
	}
	raw, _ := fc.Input.(json.RawMessage)
	var params toolCallParams
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &params); err != nil {
			return nil, fmt.Errorf("%w: malformed tools/call params", errInvalidParams)
		}
	}
	fc.State.Set("toolCallParams", &params)
	return &params, nil
}

func (rt *Runtime) resourcesListFlow() flow.Flow {
	return &operation{
		name:   "resourcesList",
		method: "resources/list",
		plan:   flow.DefaultPlan("resourcesList", "listResources"),
		hooks: func(t *flow.Table) {
			t.Stage("listResources", func(fc *flow.Context) error {
				scope := rt.scopes.Get(fc.Scope)
				if scope == nil {
					return errors.NewFlowNotFoundError("unknown scope " + fc.Scope)
				}
				resources := make([]map[string]any, 0)
				for _, r := range scope.VisibleResources(fc.Authorization) {
					resources = append(resources, map[string]any{
						"uri":         r.URI,
						"name":        r.Name,
						"description": r.Description,
						"mimeType":    r.MimeType,
					})
				}
				fc.Respond(map[string]any{"resources": resources})
				return nil
			})
		},
	}
}

func (rt *Runtime) resourcesReadFlow() flow.Flow {
	return &operation{
		name:   "resourcesRead",
		method: "resources/read",
		plan:   flow.DefaultPlan("resourcesRead", "readResource"),
		hooks: func(t *flow.Table) {
			t.Stage("readResource", func(fc *flow.Context) error {
				var params struct {
					URI string `json:"uri"`
				}
				raw, _ := fc.Input.(json.RawMessage)
				if len(raw) > 0 {
					if err := json.Unmarshal(raw, &params); err != nil {
						return fmt.Errorf("%w: malformed resources/read params", errInvalidParams)
					}
				}
				if params.URI == "" {
					return fmt.Errorf("%w: resources/read requires a uri", errInvalidParams)
				}
				scope := rt.scopes.Get(fc.Scope)
				if scope == nil {
					return errors.NewFlowNotFoundError("unknown scope " + fc.Scope)
				}
				resource, ok := scope.Resource(params.URI)
				if !ok || !visible(fc.Authorization, resource.Scopes) {
					return errors.NewFlowNotFoundError("resource " + params.URI + " is not available")
				}
				contents, err := resource.Read(fc, params.URI)
				if err != nil {
					return err
				}
				fc.Respond(map[string]any{"contents": contents})
				return nil
			})
		},
	}
}

func (rt *Runtime) promptsListFlow() flow.Flow {
	return &operation{
		name:   "promptsList",
		method: "prompts/list",
		plan:   flow.DefaultPlan("promptsList", "listPrompts"),
		hooks: func(t *flow.Table) {
			t.Stage("listPrompts", func(fc *flow.Context) error {
				scope := rt.scopes.Get(fc.Scope)
				if scope == nil {
					return errors.NewFlowNotFoundError("unknown scope " + fc.Scope)
				}
				prompts := make([]map[string]any, 0)
				for _, p := range scope.VisiblePrompts(fc.Authorization) {
					prompts = append(prompts, map[string]any{
						"name":        p.Name,
						"description": p.Description,
					})
				}
				fc.Respond(map[string]any{"prompts": prompts})
				return nil
			})
		},
	}
}

func (rt *Runtime) promptsGetFlow() flow.Flow {
	return &operation{
		name:   "promptsGet",
		method: "prompts/get",
		plan:   flow.DefaultPlan("promptsGet", "renderPrompt"),
		hooks: func(t *flow.Table) {
			t.Stage("renderPrompt", func(fc *flow.Context) error {
				var params struct {
					Name      string            `json:"name"`
					Arguments map[string]string `json:"arguments"`
				}
				raw, _ := fc.Input.(json.RawMessage)
				if len(raw) > 0 {
					if err := json.Unmarshal(raw, &params); err != nil {
						return fmt.Errorf("%w: malformed prompts/get params", errInvalidParams)
					}
				}
				if params.Name == "" {
					return fmt.Errorf("%w: prompts/get requires a name", errInvalidParams)
				}
				scope := rt.scopes.Get(fc.Scope)
				if scope == nil {
					return errors.NewFlowNotFoundError("unknown scope " + fc.Scope)
				}
				prompt, ok := scope.Prompt(params.Name)
				if !ok || !visible(fc.Authorization, prompt.Scopes) ||
					(fc.Authorization != nil && !fc.Authorization.IsPromptAuthorized(params.Name)) {
					return errors.NewFlowNotFoundError("prompt " + params.Name + " is not available")
				}
				messages, err := prompt.Render(fc, params.Arguments)
				if err != nil {
					return err
				}
				fc.Respond(map[string]any{
					"description": prompt.Description,
					"messages":    messages,
				})
				return nil
			})
		},
	}
}

func (rt *Runtime) sessionCloseFlow() flow.Flow {
	return &operation{
		name:   "sessionClose",
		method: "session/close",
		plan:   flow.DefaultPlan("sessionClose", "closeSession"),
		hooks: func(t *flow.Table) {
			t.Stage("closeSession", func(fc *flow.Context) error {
				if fc.Session == nil {
					return errors.NewSessionIDEmptyError("no session to close")
				}
				if err := rt.CloseSession(fc.Context(), fc.Session.ID); err != nil {
					return err
				}
				fc.Respond(map[string]any{"closed": true})
				return nil
			})
		},
	}
}
