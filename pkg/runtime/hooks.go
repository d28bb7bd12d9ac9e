package runtime

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/atrium-labs/atrium/pkg/authz"
	"github.com/atrium-labs/atrium/pkg/errors"
	"github.com/atrium-labs/atrium/pkg/flow"
	"github.com/atrium-labs/atrium/pkg/telemetry"
)

// State keys the shared hooks communicate through.
const (
	stateParams       = "params"
	stateInputBytes   = "inputBytes"
	stateSemaphoreKey = "semaphoreKey"
	stateRequestID    = "requestId"
	stateStartedAt    = "startedAt"
	stateProviderIDs  = "providerIds"
	stateFlowName     = "flow"
	stateAccessError  = "accessError"
)

// maxInputBytes bounds a single request payload.
const maxInputBytes = 1 << 20

// sharedHooks builds the hook table behind the default plan stages. Every
// registered flow gets these; flow-specific behavior hangs off the same
// stages via the flow's own table.
func (rt *Runtime) sharedHooks() *flow.Table {
	t := flow.NewTable()

	// The access denial raised by Dispatch surfaces here, as the first body
	// hook of the first stage, so flow-level will and around hooks on
	// bindProviders observe it like any other stage failure.
	t.Add(flow.Hook{
		Kind:     flow.KindStage,
		Stage:    flow.StageBindProviders,
		Priority: 1000,
		Handler: func(fc *flow.Context) error {
			if err, ok := fc.State.Get(stateAccessError).(error); ok {
				return err
			}
			return nil
		},
	})

	t.Stage(flow.StageBindProviders, func(fc *flow.Context) error {
		fc.State.Set(stateStartedAt, time.Now())
		if o, ok := fc.Authorization.(*authz.Orchestrated); ok {
			fc.State.Set(stateProviderIDs, o.AuthorizedProviderIDs())
		}
		return nil
	})

	t.Stage(flow.StageAcquireQuota, rt.acquireQuota)
	t.Stage(flow.StageAcquireSemaphore, rt.acquireSemaphore)

	t.Stage(flow.StageParseInput, func(fc *flow.Context) error {
		raw, ok := fc.Input.(json.RawMessage)
		if !ok || len(raw) == 0 {
			return nil
		}
		var params any
		if err := json.Unmarshal(raw, &params); err != nil {
			return fmt.Errorf("%w: request params are not valid JSON", errInvalidParams)
		}
		fc.State.Set(stateParams, params)
		return nil
	})

	t.Stage(flow.StageDeductInput, func(fc *flow.Context) error {
		raw, _ := fc.Input.(json.RawMessage)
		fc.State.Set(stateInputBytes, len(raw))
		if len(raw) > maxInputBytes {
			return fmt.Errorf("%w: request payload exceeds %d bytes", errInvalidParams, maxInputBytes)
		}
		return nil
	})

	// validateInput is a slot: flows attach their own checks to it.

	t.Stage(flow.StageRedactOutput, func(fc *flow.Context) error {
		if out, ok := fc.Output(); ok {
			redactValue(out)
		}
		return nil
	})

	t.Stage(flow.StageValidateOutput, func(fc *flow.Context) error {
		out, ok := fc.Output()
		if !ok {
			return nil
		}
		if _, err := json.Marshal(out); err != nil {
			return fmt.Errorf("flow produced unserializable output: %w", err)
		}
		return nil
	})

	// The semaphore is released in finalize so it drains on every outcome.
	t.Will(flow.StageAudit, 100, func(fc *flow.Context) error {
		if key := fc.State.GetString(stateSemaphoreKey); key != "" {
			if _, err := rt.backend.IncrBy(fc.Context(), key, -1); err != nil {
				fc.Logger.Warn("failed to release concurrency slot", "key", key, "error", err)
			}
		}
		return nil
	})

	t.Stage(flow.StageAudit, func(fc *flow.Context) error {
		fields := []any{
			"input_bytes", fc.State.Get(stateInputBytes),
		}
		if fc.Session != nil {
			fields = append(fields, "session_id", fc.Session.ID)
		}
		if fc.Authorization != nil {
			fields = append(fields, "authorization_id", fc.Authorization.ID())
		}
		if started, ok := fc.State.Get(stateStartedAt).(time.Time); ok {
			fields = append(fields, "duration", time.Since(started).String())
		}
		if fc.State.Error != nil {
			fields = append(fields, "error", fc.State.Error.Error())
			fc.Logger.Warn("request failed", fields...)
			return nil
		}
		fc.Logger.Info("request handled", fields...)
		return nil
	})

	t.Stage(flow.StageMetrics, func(fc *flow.Context) error {
		if rt.metrics == nil {
			return nil
		}
		outcome := telemetry.OutcomeSuccess
		if fc.State.Error != nil {
			outcome = telemetry.OutcomeError
			if errors.IsFlowCancelled(fc.State.Error) {
				outcome = telemetry.OutcomeCancelled
			}
		}
		rt.metrics.ObserveFlowRun(fc.State.GetString(stateFlowName), outcome)
		if started, ok := fc.State.Get(stateStartedAt).(time.Time); ok {
			rt.metrics.ObserveStage(fc.State.GetString(stateFlowName), "total", time.Since(started))
		}
		return nil
	})

	t.Stage(flow.StageError, func(fc *flow.Context) error {
		fc.Logger.Debug("flow routed to error stage", "error", fc.State.Error)
		return nil
	})

	return t
}

// acquireQuota enforces the per-session request budget on a shared counter,
// bucketed per minute so it self-resets.
func (rt *Runtime) acquireQuota(fc *flow.Context) error {
	if rt.limits.QuotaPerMinute <= 0 || fc.Session == nil {
		return nil
	}
	bucket := time.Now().Unix() / 60
	key := "quota:" + fc.Session.ID + ":" + strconv.FormatInt(bucket, 10)
	n, err := rt.backend.IncrBy(fc.Context(), key, 1)
	if err != nil {
		return err
	}
	if n == 1 {
		if _, err := rt.backend.Expire(fc.Context(), key, 2*time.Minute); err != nil {
			return err
		}
	}
	if n > int64(rt.limits.QuotaPerMinute) {
		return errors.NewSessionRateLimitedError("request quota exceeded for this session")
	}
	return nil
}

// acquireSemaphore bounds concurrent flows per scope on a shared counter.
func (rt *Runtime) acquireSemaphore(fc *flow.Context) error {
	if rt.limits.MaxConcurrent <= 0 {
		return nil
	}
	key := "sem:" + fc.Scope
	n, err := rt.backend.IncrBy(fc.Context(), key, 1)
	if err != nil {
		return err
	}
	if n > int64(rt.limits.MaxConcurrent) {
		if _, derr := rt.backend.IncrBy(fc.Context(), key, -1); derr != nil {
			fc.Logger.Warn("failed to roll back concurrency slot", "key", key, "error", derr)
		}
		return errors.NewSessionRateLimitedError("too many concurrent requests in scope " + fc.Scope)
	}
	fc.State.Set(stateSemaphoreKey, key)
	return nil
}

// sensitiveKeys are redacted from responses regardless of nesting.
var sensitiveKeys = []string{"token", "secret", "password", "authorization", "apikey", "api_key"}

// redactValue rewrites sensitive fields in place. Responses are built from
// maps and slices, so mutation reaches the sealed output.
func redactValue(v any) {
	switch val := v.(type) {
	case map[string]any:
		for k, inner := range val {
			if isSensitiveKey(k) {
				val[k] = "[redacted]"
				continue
			}
			redactValue(inner)
		}
	case []any:
		for _, inner := range val {
			redactValue(inner)
		}
	}
}

func isSensitiveKey(k string) bool {
	k = strings.ToLower(k)
	for _, s := range sensitiveKeys {
		if k == s {
			return true
		}
	}
	return false
}
