package engine

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fiscalpilot/core/pkg/actions"
	"github.com/fiscalpilot/core/pkg/audit"
	"github.com/fiscalpilot/core/pkg/autonomy"
	"github.com/fiscalpilot/core/pkg/executor"
	"github.com/fiscalpilot/core/pkg/gate"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

type fixture struct {
	gate   *gate.Gate
	log    *audit.Log
	engine *Engine
	clock  *fakeClock
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newFixture(t *testing.T, gateCfg gate.Config, engineCfg Config) *fixture {
	t.Helper()
	resolver, err := autonomy.NewResolver(autonomy.RuleTable{})
	require.NoError(t, err)

	clk := newFakeClock()
	log := audit.NewLog().WithClock(clk.Now)
	g := gate.New(gateCfg, resolver, log).WithClock(clk.Now)

	logger := quietLogger()
	registry := executor.NewRegistry(logger)
	registry.Register(executor.NewCategorizationExecutor(logger))
	registry.Register(executor.NewNotificationExecutor(logger))
	registry.Register(executor.NewSubscriptionExecutor(logger))

	eng := New(engineCfg, g, registry, log, logger).WithClock(clk.Now)
	return &fixture{gate: g, log: log, engine: eng, clock: clk}
}

func tagAction() *actions.ProposedAction {
	return &actions.ProposedAction{
		ActionType: actions.ActionTagExpense,
		Title:      "Tag travel spend",
		Steps:      []actions.ActionStep{{Seq: 1, Description: "Apply travel tag"}},
		Parameters: map[string]any{
			"transaction_ids": []any{"tx-1"},
			"category":        "travel",
		},
	}
}

func cancelAction() *actions.ProposedAction {
	return &actions.ProposedAction{
		ActionType: actions.ActionCancelSubscription,
		Title:      "Cancel unused SaaS seat",
		Steps:      []actions.ActionStep{{Seq: 1, Description: "Cancel via vendor portal"}},
		Parameters: map[string]any{"vendor": "Acme SaaS", "subscription_id": "sub-42"},
	}
}

func reminderAction() *actions.ProposedAction {
	return &actions.ProposedAction{
		ActionType: actions.ActionSendReminder,
		Title:      "Remind vendor about invoice",
		Steps:      []actions.ActionStep{{Seq: 1, Description: "Send reminder email"}},
		Parameters: map[string]any{"recipient": "ap@vendor.example", "channel": "email"},
	}
}

func TestGreenActionExecutesEndToEnd(t *testing.T) {
	f := newFixture(t, gate.Config{RequireApproval: true}, Config{})
	ctx := context.Background()

	a, err := f.gate.Propose(ctx, tagAction())
	require.NoError(t, err)
	require.Equal(t, actions.StatusAutoApproved, a.Status)

	summary, err := f.engine.Execute(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Picked)
	assert.Equal(t, 1, summary.Executed)
	assert.Equal(t, 0, summary.Failed)

	got, err := f.gate.Get(a.ID)
	require.NoError(t, err)
	assert.Equal(t, actions.StatusExecuted, got.Status)
	require.NotNil(t, got.ExecutedAt)

	events := make([]audit.EventType, 0)
	for _, entry := range f.log.ForAction(a.ID) {
		events = append(events, entry.Event)
	}
	assert.Equal(t, []audit.EventType{
		audit.EventProposed, audit.EventExecuting, audit.EventExecuted,
	}, events)
	require.NoError(t, f.log.VerifyChain())
}

func TestPendingActionIsNotPickedUp(t *testing.T) {
	f := newFixture(t, gate.Config{RequireApproval: true}, Config{})
	ctx := context.Background()

	a, err := f.gate.Propose(ctx, cancelAction())
	require.NoError(t, err)
	require.Equal(t, actions.StatusPendingApproval, a.Status)

	summary, err := f.engine.Execute(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, summary.Picked)

	got, err := f.gate.Get(a.ID)
	require.NoError(t, err)
	assert.Equal(t, actions.StatusPendingApproval, got.Status)
}

func TestDoubleExecuteIsIdempotent(t *testing.T) {
	f := newFixture(t, gate.Config{RequireApproval: true}, Config{})
	ctx := context.Background()

	a, err := f.gate.Propose(ctx, tagAction())
	require.NoError(t, err)

	first, err := f.engine.Execute(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, first.Executed)
	require.Len(t, first.Results, 1)

	// The second pass executes nothing but surfaces the identical result.
	second, err := f.engine.Execute(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, second.Picked)
	assert.Equal(t, 0, second.Executed)
	require.Len(t, second.Results, 1)
	assert.Equal(t, first.Results[0].ID, second.Results[0].ID)

	assert.Len(t, f.log.Query(audit.Filter{ActionID: a.ID, Event: audit.EventExecuted}), 1)
	assert.Len(t, f.engine.Results(a.ID), 1)
}

func TestPriorResultRecoveredFromAuditLog(t *testing.T) {
	f := newFixture(t, gate.Config{RequireApproval: true}, Config{})
	ctx := context.Background()

	a, err := f.gate.Propose(ctx, tagAction())
	require.NoError(t, err)

	first, err := f.engine.Execute(ctx)
	require.NoError(t, err)
	require.Len(t, first.Results, 1)

	// A fresh engine over the same gate and log stands in for a restart:
	// its in-memory results are empty, the audit log is not.
	logger := quietLogger()
	registry := executor.NewRegistry(logger)
	registry.Register(executor.NewCategorizationExecutor(logger))
	restarted := New(Config{}, f.gate, registry, f.log, logger).WithClock(f.clock.Now)

	summary, err := restarted.Execute(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, summary.Executed)
	require.Len(t, summary.Results, 1)
	assert.Equal(t, first.Results[0].ID, summary.Results[0].ID)
	assert.Len(t, f.log.Query(audit.Filter{ActionID: a.ID, Event: audit.EventExecuted}), 1)

	// Rollback also finds the recovered result.
	undo, err := restarted.Rollback(ctx, a.ID, "alice")
	require.NoError(t, err)
	assert.Equal(t, actions.ExecRolledBack, undo.Status)
}

func TestDryRunChangesNothing(t *testing.T) {
	f := newFixture(t, gate.Config{RequireApproval: true}, Config{DryRun: true})
	ctx := context.Background()

	a, err := f.gate.Propose(ctx, tagAction())
	require.NoError(t, err)

	summary, err := f.engine.Execute(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Executed)
	assert.True(t, summary.DryRun)
	require.Len(t, summary.Results, 1)
	assert.True(t, summary.Results[0].DryRun)

	got, err := f.gate.Get(a.ID)
	require.NoError(t, err)
	assert.Equal(t, actions.StatusAutoApproved, got.Status)
	assert.Nil(t, got.ExecutedAt)

	assert.Len(t, f.log.Query(audit.Filter{ActionID: a.ID, Event: audit.EventDryRun}), 1)
	assert.Empty(t, f.log.Query(audit.Filter{ActionID: a.ID, Event: audit.EventExecuting}))
	assert.Empty(t, f.log.Query(audit.Filter{ActionID: a.ID, Event: audit.EventExecuted}))

	// A dry run leaves the action executable by a later live pass.
	assert.Len(t, f.gate.Approved(), 1)
}

func TestCancelSubscriptionFullLifecycle(t *testing.T) {
	f := newFixture(t, gate.Config{RequireApproval: true}, Config{})
	ctx := context.Background()

	a, err := f.gate.Propose(ctx, cancelAction())
	require.NoError(t, err)

	_, err = f.gate.Decide(ctx, a.ID, "alice", actions.DecisionApprove, "confirmed unused", nil)
	require.NoError(t, err)

	summary, err := f.engine.Execute(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Executed)

	got, err := f.gate.Get(a.ID)
	require.NoError(t, err)
	assert.Equal(t, actions.StatusExecuted, got.Status)

	undo, err := f.engine.Rollback(ctx, a.ID, "alice")
	require.NoError(t, err)
	assert.Equal(t, actions.ExecRolledBack, undo.Status)

	got, err = f.gate.Get(a.ID)
	require.NoError(t, err)
	assert.Equal(t, actions.StatusRolledBack, got.Status)
	assert.True(t, got.Status.Terminal())

	events := make([]audit.EventType, 0)
	for _, entry := range f.log.ForAction(a.ID) {
		events = append(events, entry.Event)
	}
	assert.Equal(t, []audit.EventType{
		audit.EventProposed, audit.EventApproved, audit.EventExecuting,
		audit.EventExecuted, audit.EventRolledBack,
	}, events)
	require.NoError(t, f.log.VerifyChain())
}

func TestNonReversibleRollbackLeavesExecuted(t *testing.T) {
	f := newFixture(t, gate.Config{RequireApproval: true}, Config{})
	ctx := context.Background()

	a, err := f.gate.Propose(ctx, reminderAction())
	require.NoError(t, err)

	_, err = f.engine.Execute(ctx)
	require.NoError(t, err)

	res, err := f.engine.Rollback(ctx, a.ID, "alice")
	require.NoError(t, err)
	assert.Equal(t, actions.ExecNotReversible, res.Status)

	got, err := f.gate.Get(a.ID)
	require.NoError(t, err)
	assert.Equal(t, actions.StatusExecuted, got.Status)

	assert.Len(t, f.log.Query(audit.Filter{ActionID: a.ID, Event: audit.EventNotReversible}), 1)
}

func TestRollbackRequiresExecutedState(t *testing.T) {
	f := newFixture(t, gate.Config{RequireApproval: true}, Config{})
	ctx := context.Background()

	a, err := f.gate.Propose(ctx, cancelAction())
	require.NoError(t, err)

	_, err = f.engine.Rollback(ctx, a.ID, "alice")
	assert.True(t, actions.IsState(err))

	_, err = f.engine.Rollback(ctx, "no-such-action", "alice")
	assert.ErrorIs(t, err, actions.ErrActionNotFound)
}

func TestFailureIsolation(t *testing.T) {
	f := newFixture(t, gate.Config{RequireApproval: false}, Config{})
	ctx := context.Background()

	// No executor handles this custom type: live execution must fail.
	unhandled := &actions.ProposedAction{
		ActionType: actions.ActionCustom,
		CustomType: "rotate_api_keys",
		Title:      "Rotate vendor API keys",
	}
	bad, err := f.gate.Propose(ctx, unhandled)
	require.NoError(t, err)
	good, err := f.gate.Propose(ctx, tagAction())
	require.NoError(t, err)

	summary, err := f.engine.Execute(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, summary.Picked)
	assert.Equal(t, 1, summary.Executed)
	assert.Equal(t, 1, summary.Failed)

	gotBad, err := f.gate.Get(bad.ID)
	require.NoError(t, err)
	assert.Equal(t, actions.StatusFailed, gotBad.Status)

	gotGood, err := f.gate.Get(good.ID)
	require.NoError(t, err)
	assert.Equal(t, actions.StatusExecuted, gotGood.Status)

	failures := f.log.Query(audit.Filter{ActionID: bad.ID, Event: audit.EventFailed})
	require.Len(t, failures, 1)
}

func TestValidationFailureMarksActionFailed(t *testing.T) {
	f := newFixture(t, gate.Config{RequireApproval: true}, Config{})
	ctx := context.Background()

	invalid := tagAction()
	invalid.Parameters = map[string]any{"category": "travel"} // missing transaction_ids
	a, err := f.gate.Propose(ctx, invalid)
	require.NoError(t, err)

	summary, err := f.engine.Execute(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Failed)

	got, err := f.gate.Get(a.ID)
	require.NoError(t, err)
	assert.Equal(t, actions.StatusFailed, got.Status)

	results := f.engine.Results(a.ID)
	require.Len(t, results, 1)
	assert.Equal(t, "validation", results[0].ErrorCode)
}

type denyLimiter struct{}

func (denyLimiter) Allow(context.Context, string) (bool, error) { return false, nil }

func TestRateLimitDefersWithoutResult(t *testing.T) {
	f := newFixture(t, gate.Config{RequireApproval: true}, Config{})
	f.engine.WithLimiter(denyLimiter{})
	ctx := context.Background()

	a, err := f.gate.Propose(ctx, tagAction())
	require.NoError(t, err)

	summary, err := f.engine.Execute(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Deferred)
	assert.Equal(t, 0, summary.Executed)
	assert.Empty(t, summary.Results)

	got, err := f.gate.Get(a.ID)
	require.NoError(t, err)
	assert.Equal(t, actions.StatusAutoApproved, got.Status)

	deferred := f.log.Query(audit.Filter{ActionID: a.ID, Event: audit.EventDeferred})
	require.Len(t, deferred, 1)
	assert.Contains(t, string(deferred[0].Payload), actions.ErrRateLimitDeferred.Error())

	// The next pass, with capacity available, executes it.
	f.engine.WithLimiter(unlimited{})
	summary, err = f.engine.Execute(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Executed)
}

func TestLocalLimiterBurst(t *testing.T) {
	l := NewLocalLimiter(60, 2)
	ctx := context.Background()

	first, err := l.Allow(ctx, "tag_expense")
	require.NoError(t, err)
	second, err := l.Allow(ctx, "tag_expense")
	require.NoError(t, err)
	third, err := l.Allow(ctx, "tag_expense")
	require.NoError(t, err)

	assert.True(t, first)
	assert.True(t, second)
	assert.False(t, third)

	// Separate keys get separate buckets.
	other, err := l.Allow(ctx, "send_reminder")
	require.NoError(t, err)
	assert.True(t, other)
}

type panicExecutor struct{}

func (panicExecutor) Name() string                           { return "panics" }
func (panicExecutor) CanHandle(key string) bool              { return key == "panics" }
func (panicExecutor) Validate(*actions.ProposedAction) error { return nil }
func (panicExecutor) Execute(context.Context, *actions.ProposedAction, bool) (*actions.ExecutionResult, error) {
	panic("executor bug")
}
func (panicExecutor) Rollback(context.Context, *actions.ProposedAction, *actions.ExecutionResult) (*actions.ExecutionResult, error) {
	panic("executor bug")
}

func TestPanickingExecutorFailsItsAction(t *testing.T) {
	f := newFixture(t, gate.Config{RequireApproval: false}, Config{})
	ctx := context.Background()

	logger := quietLogger()
	registry := executor.NewRegistry(logger)
	registry.Register(panicExecutor{})
	eng := New(Config{}, f.gate, registry, f.log, logger).WithClock(f.clock.Now)

	a, err := f.gate.Propose(ctx, &actions.ProposedAction{
		ActionType: actions.ActionCustom,
		CustomType: "panics",
		Title:      "Trigger the buggy executor",
	})
	require.NoError(t, err)

	summary, err := eng.Execute(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Failed)

	got, err := f.gate.Get(a.ID)
	require.NoError(t, err)
	assert.Equal(t, actions.StatusFailed, got.Status)
}

func TestMaxActionsPerRunCapsPass(t *testing.T) {
	f := newFixture(t, gate.Config{RequireApproval: true}, Config{MaxActionsPerRun: 2, Parallelism: 4})
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_, err := f.gate.Propose(ctx, tagAction())
		require.NoError(t, err)
	}

	summary, err := f.engine.Execute(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, summary.Picked)
	assert.Equal(t, 2, summary.Executed)
	assert.Len(t, f.gate.Approved(), 3)
}

func TestAuditTrailPassthrough(t *testing.T) {
	f := newFixture(t, gate.Config{RequireApproval: true}, Config{})
	ctx := context.Background()

	a, err := f.gate.Propose(ctx, tagAction())
	require.NoError(t, err)
	_, err = f.engine.Execute(ctx)
	require.NoError(t, err)

	trail := f.engine.AuditTrail(a.ID)
	require.Len(t, trail, 3)
	assert.Equal(t, audit.EventProposed, trail[0].Event)

	all := f.engine.AuditTrail("")
	assert.GreaterOrEqual(t, len(all), 3)
}
