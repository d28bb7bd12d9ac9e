// Package runtime wires the core together: it owns the storage backend,
// session store, vault, approval guard, flow registry, and invoker, and
// exposes the three entry points the protocol layer calls: Dispatch,
// CreateSession, and CloseSession.
package runtime

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/atrium-labs/atrium/pkg/approval"
	"github.com/atrium-labs/atrium/pkg/authz"
	"github.com/atrium-labs/atrium/pkg/config"
	"github.com/atrium-labs/atrium/pkg/errors"
	"github.com/atrium-labs/atrium/pkg/flow"
	"github.com/atrium-labs/atrium/pkg/logger"
	"github.com/atrium-labs/atrium/pkg/session"
	"github.com/atrium-labs/atrium/pkg/storage"
	"github.com/atrium-labs/atrium/pkg/telemetry"
	"github.com/atrium-labs/atrium/pkg/vault"
)

const stateBearerToken = "bearerToken"

// sessionInvalidationChannel broadcasts closed session ids so other nodes
// drop their in-process limiter and policy state. Best effort only; the TTL
// and explicit delete stay authoritative.
const sessionInvalidationChannel = "session:invalidated"

// Limits bounds per-session request volume and per-scope concurrency.
// Zero disables the corresponding limit.
type Limits struct {
	QuotaPerMinute int
	MaxConcurrent  int
}

// Options configures New.
type Options struct {
	// Config is the validated runtime configuration. Required.
	Config *config.Config

	// Backend overrides the backend built from Config, mainly for tests.
	// The runtime does not close a supplied backend.
	Backend storage.Backend

	// OnTokenRefresh exchanges refresh tokens in orchestrated mode.
	OnTokenRefresh authz.RefreshFunc

	// ApprovalCallback resolves tool approval requests.
	ApprovalCallback approval.ApprovalCallback

	// Metrics receives runtime observations. Nil disables.
	Metrics *telemetry.Metrics

	// Limits bounds quota and concurrency.
	Limits Limits

	// ServerName and ServerVersion fill the initialize result.
	ServerName    string
	ServerVersion string
}

// Runtime is the assembled core.
type Runtime struct {
	cfg        *config.Config
	backend    storage.Backend
	ownBackend bool

	sessions  *session.Store
	vault     *vault.Vault
	approvals *approval.Store
	guard     *approval.Guard
	registry  *flow.Registry
	invoker   *flow.Invoker
	scopes    *ScopeRegistry
	metrics   *telemetry.Metrics
	limits    Limits

	onRefresh  authz.RefreshFunc
	serverInfo ServerInfo

	mu           sync.Mutex
	orchestrated map[string]*authz.Orchestrated

	unsubscribe func()
}

// New builds a runtime from options and registers the built-in flows.
func New(ctx context.Context, opts Options) (*Runtime, error) {
	cfg := opts.Config
	if cfg == nil {
		return nil, errors.NewStorageConfigError("runtime requires a configuration", nil)
	}

	backend := opts.Backend
	ownBackend := false
	if backend == nil {
		var err error
		backend, err = storage.NewBackend(ctx, cfg.StorageFactoryConfig())
		if err != nil {
			return nil, err
		}
		ownBackend = true
	}

	var signingSecret []byte
	if cfg.Session.SigningSecret != "" {
		signingSecret = []byte(cfg.Session.SigningSecret)
	}
	sessions := session.NewStore(backend, session.StoreConfig{
		TTL:           cfg.SessionTTL(),
		SigningSecret: signingSecret,
		RateLimit: &session.RateLimitConfig{
			Window:      time.Duration(cfg.Session.RateLimit.WindowMs) * time.Millisecond,
			MaxRequests: cfg.Session.RateLimit.MaxRequests,
		},
	})

	var tokenVault *vault.Vault
	if cfg.Vault.MasterSecret != "" {
		var err error
		tokenVault, err = vault.New(backend, []byte(cfg.Vault.MasterSecret))
		if err != nil {
			if ownBackend {
				_ = backend.Close()
			}
			return nil, err
		}
	}

	approvals := approval.NewStore(backend)
	guard := approval.NewGuard(approval.GuardConfig{
		Mode:      approval.PolicyMode(cfg.Approval.DefaultPolicyMode),
		Approvals: approvals,
		Callback:  opts.ApprovalCallback,
	})

	serverInfo := ServerInfo{Name: opts.ServerName, Version: opts.ServerVersion}
	if serverInfo.Name == "" {
		serverInfo.Name = "atrium"
	}

	rt := &Runtime{
		cfg:          cfg,
		backend:      backend,
		ownBackend:   ownBackend,
		sessions:     sessions,
		vault:        tokenVault,
		approvals:    approvals,
		guard:        guard,
		invoker:      flow.NewInvoker(flow.WithTimeout(cfg.InvokerTimeout())),
		scopes:       NewScopeRegistry(),
		metrics:      opts.Metrics,
		limits:       opts.Limits,
		onRefresh:    opts.OnTokenRefresh,
		serverInfo:   serverInfo,
		orchestrated: make(map[string]*authz.Orchestrated),
	}
	rt.registry = flow.NewRegistry(rt.sharedHooks())
	for _, f := range rt.builtinFlows() {
		if err := rt.registry.Register(f); err != nil {
			if ownBackend {
				_ = backend.Close()
			}
			return nil, err
		}
	}
	rt.subscribeInvalidation(ctx)
	return rt, nil
}

// Close releases runtime resources. The storage backend is only closed when
// the runtime created it.
func (rt *Runtime) Close() error {
	if rt.unsubscribe != nil {
		rt.unsubscribe()
		rt.unsubscribe = nil
	}
	if rt.ownBackend {
		return rt.backend.Close()
	}
	return nil
}

// Scopes exposes the scope registry for tool and resource registration.
func (rt *Runtime) Scopes() *ScopeRegistry { return rt.scopes }

// Flows exposes the flow registry so embedders can add flows of their own.
func (rt *Runtime) Flows() *flow.Registry { return rt.registry }

// Guard exposes the skill guard.
func (rt *Runtime) Guard() *approval.Guard { return rt.guard }

// Approvals exposes the approval store.
func (rt *Runtime) Approvals() *approval.Store { return rt.approvals }

// Sessions exposes the session store.
func (rt *Runtime) Sessions() *session.Store { return rt.sessions }

// ActivateSkill installs a tool allowlist for a session.
func (rt *Runtime) ActivateSkill(sessionID, skillID string, allowlist []string) {
	rt.guard.SetPolicy(sessionID, skillID, allowlist)
}

// CreateSessionParams describes an initialize call.
type CreateSessionParams struct {
	ClientName    string
	ClientVersion string
	Capabilities  json.RawMessage

	// Token is the caller's bearer token, empty for anonymous sessions.
	Token string
}

// CreateSession mints a session record, persists it, and materializes the
// authorization it runs under.
func (rt *Runtime) CreateSession(ctx context.Context, p CreateSessionParams) (*session.Record, authz.Authorization, error) {
	id, err := rt.sessions.AllocID()
	if err != nil {
		return nil, nil, err
	}

	now := time.Now()
	expiresAt := now.Add(rt.cfg.SessionTTL()).UnixMilli()
	maxLifetimeAt := expiresAt
	if d := rt.cfg.MaxLifetime(); d > 0 {
		maxLifetimeAt = now.Add(d).UnixMilli()
		if maxLifetimeAt < expiresAt {
			expiresAt = maxLifetimeAt
		}
	}

	rec := &session.Record{
		ID:             id,
		CreatedAt:      now.UnixMilli(),
		LastAccessedAt: now.UnixMilli(),
		ExpiresAt:      expiresAt,
		MaxLifetimeAt:  maxLifetimeAt,
		ClientInfo: session.ClientInfo{
			Name:    p.ClientName,
			Version: p.ClientVersion,
		},
		Capabilities: p.Capabilities,
	}
	if p.Token == "" {
		rec.AuthorizationID = session.AnonymousAuthorizationPrefix + id
		rec.AnonymousScopes = rt.cfg.Auth.AnonymousScopes
	} else {
		rec.AuthorizationID = authz.TokenID(p.Token)
	}

	if err := rt.sessions.Create(ctx, rec, 0); err != nil {
		rt.observeSessionOp("create", "error")
		return nil, nil, err
	}
	rt.observeSessionOp("create", "ok")

	auth, err := rt.authorizationFor(rec, p.Token)
	if err != nil {
		return nil, nil, err
	}
	logger.Infow("session created",
		"session_id", id, "authorization_id", rec.AuthorizationID,
		"client", p.ClientName, "anonymous", rec.IsAnonymous())
	return rec, auth, nil
}

// CloseSession deletes the session, clears its policy and approvals, and
// broadcasts the invalidation.
func (rt *Runtime) CloseSession(ctx context.Context, id string) error {
	if err := rt.sessions.Delete(ctx, id); err != nil {
		rt.observeSessionOp("delete", "error")
		return err
	}
	rt.observeSessionOp("delete", "ok")
	rt.guard.ClearPolicy(id)
	if _, err := rt.approvals.ClearSessionApprovals(ctx, id); err != nil {
		logger.Warnw("failed to clear session approvals", "session_id", id, "error", err)
	}

	if provider, ok := rt.backend.(storage.PubSubProvider); ok {
		if _, err := provider.PubSub().Publish(ctx, sessionInvalidationChannel, []byte(id)); err != nil {
			logger.Debugw("session invalidation broadcast failed", "session_id", id, "error", err)
		}
	}
	logger.Infow("session closed", "session_id", id)
	return nil
}

// DispatchOptions carries per-message transport context.
type DispatchOptions struct {
	// BearerToken is the caller's token for forwarded and orchestrated modes.
	BearerToken string

	// ClientID keys the session read rate limit.
	ClientID string

	// Scope addresses a non-default scope.
	Scope string
}

// Dispatch handles one framed request end to end and always returns a
// response envelope.
func (rt *Runtime) Dispatch(ctx context.Context, env *RequestEnvelope, sessionID string, opts DispatchOptions) *ResponseEnvelope {
	req := &flow.Request{
		Method:    env.Method,
		Params:    env.Params,
		SessionID: sessionID,
		Scope:     opts.Scope,
	}
	cf := rt.registry.Route(req)
	if cf == nil {
		return errorEnvelope(env.ID, errors.NewFlowNotFoundError("no flow handles method "+env.Method))
	}

	var rec *session.Record
	if sessionID != "" && env.Method != "initialize" {
		var err error
		rec, err = rt.sessions.Get(ctx, sessionID, session.GetOptions{ClientIdentifier: opts.ClientID})
		if err != nil {
			rt.observeSessionOp("get", "error")
			return errorEnvelope(env.ID, err)
		}
		if rec == nil {
			rt.observeSessionOp("get", "miss")
		} else {
			rt.observeSessionOp("get", "hit")
		}
	}

	// Access denials are not returned here; they are staged into the context
	// and raised by the first bindProviders hook, so the plan shows the check
	// and flow hooks on that stage can observe it.
	var auth authz.Authorization
	var accessErr error
	if cf.Flow().Access() == flow.AccessAuthenticated {
		switch {
		case rec == nil && strings.TrimSpace(sessionID) == "":
			accessErr = errors.NewSessionIDEmptyError("authenticated flows require a session id")
		case rec == nil:
			accessErr = errors.NewSessionExpiredError("session is missing or expired")
		default:
			auth, accessErr = rt.authorizationFor(rec, opts.BearerToken)
		}
	} else if rec != nil {
		// Best effort for public flows; they run without one if it fails.
		auth, _ = rt.authorizationFor(rec, opts.BearerToken)
	}

	fc := flow.NewContext(ctx, flow.ContextParams{
		Input:         env.Params,
		Scope:         opts.Scope,
		Authorization: auth,
		Session:       rec,
		Logger:        logger.Get().With("method", env.Method, "session_id", sessionID),
	})
	fc.State.Set(stateFlowName, cf.Flow().Name())
	fc.State.Set(stateRequestID, env.ID)
	if opts.BearerToken != "" {
		fc.State.Set(stateBearerToken, opts.BearerToken)
	}
	if accessErr != nil {
		fc.State.Set(stateAccessError, accessErr)
	}

	out, err := rt.invoker.Run(ctx, cf, fc)
	if err != nil {
		return errorEnvelope(env.ID, err)
	}
	return resultEnvelope(env.ID, out)
}

// authorizationFor materializes the authorization a session runs under, per
// the configured mode.
func (rt *Runtime) authorizationFor(rec *session.Record, token string) (authz.Authorization, error) {
	mode := config.AuthMode(rt.cfg.Auth.Mode)

	if mode == config.AuthModePublic || (rec.IsAnonymous() && token == "") {
		scopes := rec.AnonymousScopes
		if len(scopes) == 0 {
			scopes = rt.cfg.Auth.AnonymousScopes
		}
		return authz.NewAnonymous(authz.AnonymousParams{
			SessionID:   rec.ID,
			Scopes:      scopes,
			Projections: anonymousProjections(),
		}), nil
	}

	switch mode {
	case config.AuthModeForwarded:
		if token == "" {
			return nil, errors.NewInvalidTokenError("forwarded mode requires a bearer token", nil)
		}
		claims, user, err := authz.ClaimsFromJWT(token)
		if err != nil {
			// Opaque bearer: usable as-is, just without claims.
			claims, user = authz.Claims{}, nil
		}
		return authz.NewForwarded(authz.ForwardedParams{
			Token:       token,
			User:        user,
			Claims:      claims,
			Scopes:      scopesFromClaims(claims),
			Projections: fullProjections(),
		}), nil

	case config.AuthModeOrchestrated:
		if token == "" {
			return nil, errors.NewInvalidTokenError("orchestrated mode requires a bearer token", nil)
		}
		return rt.orchestratedFor(token), nil

	default:
		return nil, errors.NewInvalidTokenError("unsupported auth mode "+string(mode), nil)
	}
}

// orchestratedFor returns the cached orchestrated authorization for the
// token, creating it on first sight. Progressive app grants accumulate on
// the cached instance across requests.
func (rt *Runtime) orchestratedFor(token string) *authz.Orchestrated {
	id := authz.TokenID(token)
	rt.mu.Lock()
	defer rt.mu.Unlock()
	if o, ok := rt.orchestrated[id]; ok {
		return o
	}
	o := authz.NewOrchestrated(authz.OrchestratedParams{
		Token:          token,
		TokenVault:     rt.vault,
		OnTokenRefresh: rt.observedRefresh(),
		Projections:    fullProjections(),
	})
	rt.orchestrated[id] = o
	return o
}

// observedRefresh wraps the refresh callback with metrics.
func (rt *Runtime) observedRefresh() authz.RefreshFunc {
	if rt.onRefresh == nil {
		return nil
	}
	return func(ctx context.Context, providerID, refreshToken string) (*authz.RefreshedTokens, error) {
		tokens, err := rt.onRefresh(ctx, providerID, refreshToken)
		if rt.metrics != nil {
			result := "success"
			if err != nil {
				result = "error"
			}
			rt.metrics.ObserveTokenRefresh(providerID, result)
		}
		return tokens, err
	}
}

func (rt *Runtime) observeSessionOp(op, result string) {
	if rt.metrics != nil {
		rt.metrics.ObserveSessionOp(op, result)
	}
}

// subscribeInvalidation drops in-process session state when another node
// closes a session. Best effort: missing pub/sub support just disables it.
func (rt *Runtime) subscribeInvalidation(ctx context.Context) {
	provider, ok := rt.backend.(storage.PubSubProvider)
	if !ok {
		return
	}
	unsub, err := provider.PubSub().Subscribe(ctx, sessionInvalidationChannel, func(msg []byte) {
		id := string(msg)
		rt.sessions.ForgetLimiter(id)
		rt.guard.ClearPolicy(id)
	})
	if err != nil {
		logger.Warnw("session invalidation subscription unavailable", "error", err)
		return
	}
	rt.unsubscribe = unsub
}

// anonymousProjections let scope requirements govern visibility: the
// projection layer stays open and required scopes do the gating.
func anonymousProjections() authz.Projections {
	return fullProjections()
}

func fullProjections() authz.Projections {
	return authz.Projections{
		ToolIDs:   []string{authz.WildcardAll},
		PromptIDs: []string{authz.WildcardAll},
		Resources: []string{authz.WildcardAll},
	}
}

// scopesFromClaims lifts a "scopes" claim into the scope list.
func scopesFromClaims(claims authz.Claims) []string {
	raw, ok := claims.Extra["scopes"]
	if !ok {
		return nil
	}
	switch v := raw.(type) {
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, s := range v {
			if str, ok := s.(string); ok {
				out = append(out, str)
			}
		}
		return out
	case string:
		return []string{v}
	default:
		return nil
	}
}
