package flow

import (
	"context"
	stderrors "errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atrium-labs/atrium/pkg/errors"
)

type testFlow struct {
	name     string
	plan     Plan
	access   Access
	activate func(*Request) bool
	register func(*Table)
	priority int
}

func (f *testFlow) Name() string  { return f.name }
func (f *testFlow) Plan() Plan    { return f.plan }
func (f *testFlow) Priority() int { return f.priority }

func (f *testFlow) Access() Access {
	if f.access == "" {
		return AccessPublic
	}
	return f.access
}

func (f *testFlow) CanActivate(req *Request) bool {
	if f.activate == nil {
		return false
	}
	return f.activate(req)
}

func (f *testFlow) Register(t *Table) {
	if f.register != nil {
		f.register(t)
	}
}

func trace(log *[]string, name string) HandlerFunc {
	return func(*Context) error {
		*log = append(*log, name)
		return nil
	}
}

func runFlow(t *testing.T, f Flow, fc *Context) (any, error) {
	t.Helper()
	cf, err := Compile(f, nil)
	require.NoError(t, err)
	return NewInvoker().Run(context.Background(), cf, fc)
}

func TestHookOrderingIsDeterministic(t *testing.T) {
	t.Parallel()

	var log []string
	f := &testFlow{
		name: "ordered",
		plan: Plan{Name: "ordered", Execute: []string{"work"}},
		register: func(tb *Table) {
			tb.Will("work", 1, trace(&log, "will-p1"))
			tb.Will("work", 5, trace(&log, "will-p5"))
			tb.Will("work", 1, trace(&log, "will-p1-later"))
			tb.Around("work", 1, func(fc *Context, next func() error) error {
				log = append(log, "around-inner-before")
				err := next()
				log = append(log, "around-inner-after")
				return err
			})
			tb.Around("work", 9, func(fc *Context, next func() error) error {
				log = append(log, "around-outer-before")
				err := next()
				log = append(log, "around-outer-after")
				return err
			})
			tb.Stage("work", trace(&log, "body"))
			tb.Did("work", 5, trace(&log, "did-p5"))
			tb.Did("work", 1, trace(&log, "did-p1"))
		},
	}

	want := []string{
		"will-p5", "will-p1", "will-p1-later",
		"around-outer-before", "around-inner-before",
		"body",
		"around-inner-after", "around-outer-after",
		"did-p1", "did-p5",
	}

	for run := range 3 {
		log = nil
		_, err := runFlow(t, f, NewContext(context.Background(), ContextParams{}))
		require.NoError(t, err)
		assert.Equal(t, want, log, "run %d must repeat the same order", run)
	}
}

func TestSharedHooksRunBeforeFlowHooksOnTies(t *testing.T) {
	t.Parallel()

	var log []string
	shared := NewTable().Will("work", 0, trace(&log, "shared"))
	f := &testFlow{
		name: "tied",
		plan: Plan{Name: "tied", Execute: []string{"work"}},
		register: func(tb *Table) {
			tb.Will("work", 0, trace(&log, "own"))
			tb.Stage("work", trace(&log, "body"))
		},
	}
	cf, err := Compile(f, shared)
	require.NoError(t, err)

	_, err = NewInvoker().Run(context.Background(), cf, NewContext(context.Background(), ContextParams{}))
	require.NoError(t, err)
	assert.Equal(t, []string{"shared", "own", "body"}, log)
}

func TestRespondSealsOutput(t *testing.T) {
	t.Parallel()

	var log []string
	f := &testFlow{
		name: "sealing",
		plan: Plan{Name: "sealing", Execute: []string{"first", "second"}},
		register: func(tb *Table) {
			tb.Stage("first", func(fc *Context) error {
				fc.Respond("winner")
				return nil
			})
			tb.Stage("second", func(fc *Context) error {
				log = append(log, "second-ran")
				fc.Respond("loser")
				return nil
			})
		},
	}

	out, err := runFlow(t, f, NewContext(context.Background(), ContextParams{}))
	require.NoError(t, err)
	assert.Equal(t, "winner", out, "the first respond wins")
	assert.Equal(t, []string{"second-ran"}, log, "later stages still run")
}

func TestErrorRoutesToErrorStagesAndFinalizeRuns(t *testing.T) {
	t.Parallel()

	var log []string
	boom := fmt.Errorf("boom")
	f := &testFlow{
		name: "failing",
		plan: Plan{
			Name:     "failing",
			Pre:      []string{"setup"},
			Execute:  []string{"work", "after"},
			Post:     []string{"cleanup"},
			Finalize: []string{"finalize"},
			Error:    []string{"error"},
		},
		register: func(tb *Table) {
			tb.Stage("setup", trace(&log, "setup"))
			tb.Stage("work", func(*Context) error { return boom })
			tb.Stage("after", trace(&log, "after"))
			tb.Stage("cleanup", trace(&log, "cleanup"))
			tb.Stage("error", func(fc *Context) error {
				log = append(log, "error")
				assert.Same(t, boom, fc.State.Error)
				return nil
			})
			tb.Stage("finalize", trace(&log, "finalize"))
		},
	}

	_, err := runFlow(t, f, NewContext(context.Background(), ContextParams{}))
	require.ErrorIs(t, err, boom)
	assert.Equal(t, []string{"setup", "error", "finalize"}, log,
		"remaining execute and post stages are skipped")
}

func TestErrorStageFailureReplacesWithCause(t *testing.T) {
	t.Parallel()

	original := fmt.Errorf("original")
	replacement := fmt.Errorf("replacement")
	f := &testFlow{
		name: "doublefault",
		plan: Plan{Name: "doublefault", Execute: []string{"work"}, Error: []string{"error"}},
		register: func(tb *Table) {
			tb.Stage("work", func(*Context) error { return original })
			tb.Stage("error", func(*Context) error { return replacement })
		},
	}

	_, err := runFlow(t, f, NewContext(context.Background(), ContextParams{}))
	require.Error(t, err)
	assert.Equal(t, "replacement", err.Error())
	assert.True(t, stderrors.Is(err, replacement))
	assert.True(t, stderrors.Is(err, original), "the original error stays reachable")
}

func TestFinalizeRunsExactlyOncePerRun(t *testing.T) {
	t.Parallel()

	newFlow := func(finalizes *int, body HandlerFunc) *testFlow {
		return &testFlow{
			name: "counted",
			plan: Plan{Name: "counted", Execute: []string{"work"}, Finalize: []string{"finalize"}, Error: []string{"error"}},
			register: func(tb *Table) {
				tb.Stage("work", body)
				tb.Stage("finalize", func(*Context) error {
					*finalizes++
					return nil
				})
			},
		}
	}

	t.Run("success", func(t *testing.T) {
		finalizes := 0
		_, err := runFlow(t, newFlow(&finalizes, func(fc *Context) error {
			fc.Respond("ok")
			return nil
		}), NewContext(context.Background(), ContextParams{}))
		require.NoError(t, err)
		assert.Equal(t, 1, finalizes)
	})

	t.Run("error", func(t *testing.T) {
		finalizes := 0
		_, err := runFlow(t, newFlow(&finalizes, func(*Context) error {
			return fmt.Errorf("boom")
		}), NewContext(context.Background(), ContextParams{}))
		require.Error(t, err)
		assert.Equal(t, 1, finalizes)
	})

	t.Run("cancelled", func(t *testing.T) {
		finalizes := 0
		ctx, cancel := context.WithCancel(context.Background())
		f := newFlow(&finalizes, func(fc *Context) error {
			cancel()
			return nil
		})
		// Add a second execute stage so the cancellation lands on a boundary.
		f.plan.Execute = append(f.plan.Execute, "work2")
		cf, err := Compile(f, nil)
		require.NoError(t, err)

		_, err = NewInvoker().Run(ctx, cf, NewContext(ctx, ContextParams{}))
		require.Error(t, err)
		assert.True(t, errors.IsFlowCancelled(err))
		assert.Equal(t, 1, finalizes, "finalize still runs for cancelled flows")
	})
}

func TestCancelledRunMarksStateError(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	var finalizeSaw error
	errorStages := 0
	f := &testFlow{
		name: "marked",
		plan: Plan{Name: "marked", Execute: []string{"work"}, Finalize: []string{"finalize"}, Error: []string{"error"}},
		register: func(tb *Table) {
			tb.Stage("work", func(*Context) error { return nil })
			tb.Stage("error", func(*Context) error {
				errorStages++
				return nil
			})
			tb.Stage("finalize", func(fc *Context) error {
				finalizeSaw = fc.State.Error
				return nil
			})
		},
	}
	cf, err := Compile(f, nil)
	require.NoError(t, err)

	_, err = NewInvoker().Run(ctx, cf, NewContext(ctx, ContextParams{}))
	require.Error(t, err)
	assert.True(t, errors.IsFlowCancelled(err))
	assert.Equal(t, 0, errorStages, "cancellation skips the error stages")
	require.NotNil(t, finalizeSaw, "finalize stages see the cancellation in State.Error")
	assert.True(t, errors.IsFlowCancelled(finalizeSaw))
}

func TestFinalizeErrorDoesNotReplaceResult(t *testing.T) {
	t.Parallel()

	f := &testFlow{
		name: "finfail",
		plan: Plan{Name: "finfail", Execute: []string{"work"}, Finalize: []string{"finalize"}},
		register: func(tb *Table) {
			tb.Stage("work", func(fc *Context) error {
				fc.Respond("ok")
				return nil
			})
			tb.Stage("finalize", func(*Context) error { return fmt.Errorf("finalize boom") })
		},
	}

	out, err := runFlow(t, f, NewContext(context.Background(), ContextParams{}))
	require.NoError(t, err, "finalize failures are logged, not surfaced")
	assert.Equal(t, "ok", out)
}

func TestFiltersDisableHooks(t *testing.T) {
	t.Parallel()

	var log []string
	f := &testFlow{
		name: "filtered",
		plan: Plan{Name: "filtered", Execute: []string{"work"}},
		register: func(tb *Table) {
			tb.Add(Hook{
				Kind: KindWill, Stage: "work",
				Filter:  func(fc *Context) bool { return fc.State.GetString("mode") == "on" },
				Handler: trace(&log, "conditional"),
			})
			tb.Stage("work", trace(&log, "body"))
		},
	}

	fc := NewContext(context.Background(), ContextParams{})
	_, err := runFlow(t, f, fc)
	require.NoError(t, err)
	assert.Equal(t, []string{"body"}, log)

	log = nil
	fc = NewContext(context.Background(), ContextParams{})
	fc.State.Set("mode", "on")
	_, err = runFlow(t, f, fc)
	require.NoError(t, err)
	assert.Equal(t, []string{"conditional", "body"}, log)
}

func TestAroundSeesCancellationBeforeNext(t *testing.T) {
	t.Parallel()

	bodyRan := false
	ctx, cancel := context.WithCancel(context.Background())
	f := &testFlow{
		name: "aroundcancel",
		plan: Plan{Name: "aroundcancel", Execute: []string{"work"}},
		register: func(tb *Table) {
			tb.Around("work", 0, func(fc *Context, next func() error) error {
				cancel()
				return next()
			})
			tb.Stage("work", func(*Context) error {
				bodyRan = true
				return nil
			})
		},
	}
	cf, err := Compile(f, nil)
	require.NoError(t, err)

	_, err = NewInvoker().Run(ctx, cf, NewContext(ctx, ContextParams{}))
	require.Error(t, err)
	assert.True(t, errors.IsFlowCancelled(err))
	assert.False(t, bodyRan, "the body must not run after cancellation")
}

func TestInvokerAppliesDefaultDeadline(t *testing.T) {
	t.Parallel()

	f := &testFlow{
		name: "deadline",
		plan: Plan{Name: "deadline", Execute: []string{"work"}},
		register: func(tb *Table) {
			tb.Stage("work", func(fc *Context) error {
				_, ok := fc.Context().Deadline()
				assert.True(t, ok, "a run without a deadline gets the default")
				fc.Respond("ok")
				return nil
			})
		},
	}
	cf, err := Compile(f, nil)
	require.NoError(t, err)

	out, err := NewInvoker(WithTimeout(time.Second)).Run(context.Background(), cf, NewContext(context.Background(), ContextParams{}))
	require.NoError(t, err)
	assert.Equal(t, "ok", out)
}

func TestCompileRejectsBadHooks(t *testing.T) {
	t.Parallel()

	t.Run("unknown stage label", func(t *testing.T) {
		f := &testFlow{
			name: "bad",
			plan: Plan{Name: "bad", Execute: []string{"work"}},
			register: func(tb *Table) {
				tb.Stage("nope", func(*Context) error { return nil })
			},
		}
		_, err := Compile(f, nil)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "unknown stage")
	})

	t.Run("missing handler", func(t *testing.T) {
		f := &testFlow{
			name: "bad",
			plan: Plan{Name: "bad", Execute: []string{"work"}},
			register: func(tb *Table) {
				tb.Add(Hook{Kind: KindWill, Stage: "work"})
			},
		}
		_, err := Compile(f, nil)
		require.Error(t, err)
	})

	t.Run("missing around wrapper", func(t *testing.T) {
		f := &testFlow{
			name: "bad",
			plan: Plan{Name: "bad", Execute: []string{"work"}},
			register: func(tb *Table) {
				tb.Add(Hook{Kind: KindAround, Stage: "work"})
			},
		}
		_, err := Compile(f, nil)
		require.Error(t, err)
	})
}

func TestDefaultPlanShape(t *testing.T) {
	t.Parallel()

	p := DefaultPlan("toolsCall", "invokeTool")
	assert.Equal(t, "toolsCall", p.Name)
	assert.Equal(t, []string{
		StageBindProviders, StageAcquireQuota, StageAcquireSemaphore,
		StageParseInput, StageDeductInput, StageValidateInput,
	}, p.Pre)
	assert.Equal(t, []string{"invokeTool"}, p.Execute)
	assert.Equal(t, []string{StageRedactOutput, StageValidateOutput}, p.Post)
	assert.Equal(t, []string{StageAudit, StageMetrics}, p.Finalize)
	assert.Equal(t, []string{StageError}, p.Error)
}
