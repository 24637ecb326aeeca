// Package engine orchestrates execution of approved actions: at-most-once
// dispatch to the executor registry, rate-limit deferral, dry-run isolation,
// rollback, and the audit trail around all of it.
package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/fiscalpilot/core/pkg/actions"
	"github.com/fiscalpilot/core/pkg/audit"
	"github.com/fiscalpilot/core/pkg/executor"
	"github.com/fiscalpilot/core/pkg/gate"
	"github.com/fiscalpilot/core/pkg/observability"
)

// Config controls one engine instance.
type Config struct {
	// DryRun simulates every execution: no external effects, no status
	// changes, only dry_run audit entries.
	DryRun bool
	// MaxActionsPerRun caps how many actions one Execute pass picks up.
	// Zero means no cap.
	MaxActionsPerRun int
	// Parallelism bounds concurrent executions within a pass. Zero or
	// one runs actions sequentially.
	Parallelism int
}

// Engine executes approved actions through the registry. Per-action
// serialization is shared with the gate, so a decision and an execution of
// the same action can never interleave.
type Engine struct {
	cfg      Config
	gate     *gate.Gate
	registry *executor.Registry
	log      *audit.Log
	limiter  RateLimiter
	metrics  *observability.Provider
	logger   *slog.Logger
	clock    func() time.Time

	mu      sync.Mutex
	results map[string][]*actions.ExecutionResult
}

// New creates an engine. Passing a nil limiter disables rate limiting.
func New(cfg Config, g *gate.Gate, registry *executor.Registry, log *audit.Log, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		cfg:      cfg,
		gate:     g,
		registry: registry,
		log:      log,
		limiter:  unlimited{},
		logger:   logger,
		clock:    time.Now,
		results:  make(map[string][]*actions.ExecutionResult),
	}
}

// WithLimiter attaches a rate limiter.
func (e *Engine) WithLimiter(l RateLimiter) *Engine {
	if l != nil {
		e.limiter = l
	}
	return e
}

// WithMetrics attaches the telemetry provider.
func (e *Engine) WithMetrics(p *observability.Provider) *Engine {
	e.metrics = p
	return e
}

// WithClock overrides the clock for deterministic testing.
func (e *Engine) WithClock(clock func() time.Time) *Engine {
	e.clock = clock
	return e
}

// Summary reports one Execute pass.
type Summary struct {
	Picked   int                        `json:"picked"`
	Executed int                        `json:"executed"`
	Failed   int                        `json:"failed"`
	Deferred int                        `json:"deferred"`
	DryRun   bool                       `json:"dry_run"`
	Results  []*actions.ExecutionResult `json:"results"`
}

// Execute runs one pass over every approved action. Individual failures are
// isolated: they mark their own action FAILED and never abort the pass.
func (e *Engine) Execute(ctx context.Context) (*Summary, error) {
	ready := e.gate.Approved()
	if e.cfg.MaxActionsPerRun > 0 && len(ready) > e.cfg.MaxActionsPerRun {
		ready = ready[:e.cfg.MaxActionsPerRun]
	}

	summary := &Summary{Picked: len(ready), DryRun: e.cfg.DryRun}

	// Already-executed actions re-surface their stored result, so a repeated
	// pass over the same action returns the identical result instead of
	// silence. They do not count as picked and are never executed again.
	ready = append(ready, e.gate.Executed()...)

	parallelism := e.cfg.Parallelism
	if parallelism < 1 {
		parallelism = 1
	}
	sem := make(chan struct{}, parallelism)

	var (
		wg sync.WaitGroup
		mu sync.Mutex
	)
	for _, a := range ready {
		wg.Add(1)
		sem <- struct{}{}
		go func(a *actions.ProposedAction) {
			defer wg.Done()
			defer func() { <-sem }()

			res, outcome := e.executeOne(ctx, a)

			mu.Lock()
			defer mu.Unlock()
			switch outcome {
			case outcomeExecuted:
				summary.Executed++
			case outcomeFailed:
				summary.Failed++
			case outcomeDeferred:
				summary.Deferred++
			}
			if res != nil {
				summary.Results = append(summary.Results, res)
			}
		}(a)
	}
	wg.Wait()

	e.logger.Info("execution pass complete",
		"picked", summary.Picked,
		"executed", summary.Executed,
		"failed", summary.Failed,
		"deferred", summary.Deferred,
		"dry_run", summary.DryRun,
	)
	return summary, nil
}

type outcome int

const (
	outcomeSkipped outcome = iota
	outcomeExecuted
	outcomeFailed
	outcomeDeferred
)

// executeOne runs a single action under its lock. The snapshot from
// Approved() may be stale by the time the lock is held, so the action is
// re-read and re-checked first.
func (e *Engine) executeOne(ctx context.Context, snapshot *actions.ProposedAction) (*actions.ExecutionResult, outcome) {
	var (
		result *actions.ExecutionResult
		out    outcome
	)
	err := e.gate.Do(snapshot.ID, func() error {
		a, err := e.gate.Get(snapshot.ID)
		if err != nil {
			return err
		}
		// At-most-once: a prior live success is returned as-is with no
		// new execution and no new audit entries.
		if a.Status == actions.StatusExecuted {
			result = e.priorLiveResult(a.ID)
			out = outcomeSkipped
			return nil
		}
		if !a.Status.Executable() {
			out = outcomeSkipped
			return nil
		}

		if e.cfg.DryRun {
			result, out = e.dryRunOne(ctx, a)
			return nil
		}

		allowed, err := e.limiter.Allow(ctx, a.TypeKey())
		if err != nil {
			return fmt.Errorf("engine: rate limiter: %w", err)
		}
		if !allowed {
			if err := e.gate.NoteLocked(ctx, a.ID, audit.EventDeferred, audit.SystemActor, map[string]any{
				"reason": actions.ErrRateLimitDeferred.Error(),
			}); err != nil {
				return err
			}
			if e.metrics != nil {
				e.metrics.RecordDeferred(ctx, a.TypeKey())
			}
			e.logger.Info("action deferred by rate limit", "action_id", a.ID, "type", a.TypeKey())
			out = outcomeDeferred
			return nil
		}

		result, out = e.liveRun(ctx, a)
		return nil
	})
	if err != nil {
		e.logger.Error("execution error", "action_id", snapshot.ID, "error", err)
		return nil, outcomeFailed
	}
	return result, out
}

// dryRunOne simulates the action. Status never changes; the only trace is a
// dry_run audit entry carrying the simulated result.
func (e *Engine) dryRunOne(ctx context.Context, a *actions.ProposedAction) (*actions.ExecutionResult, outcome) {
	exec, err := e.registry.Resolve(a, true)
	if err != nil {
		// Unreachable: dry runs always fall back to log-only.
		return e.failedResult(a, err, "executor_not_found"), outcomeFailed
	}

	var res *actions.ExecutionResult
	if err := exec.Validate(a); err != nil {
		res = e.failedResult(a, err, "validation")
	} else {
		res, err = e.runGuarded(ctx, exec, a, true)
		if err != nil {
			res = e.failedResult(a, err, "executor")
		}
	}
	res.DryRun = true

	if err := e.gate.NoteLocked(ctx, a.ID, audit.EventDryRun, audit.SystemActor, res); err != nil {
		e.logger.Error("dry run audit failed", "action_id", a.ID, "error", err)
		return nil, outcomeFailed
	}
	if e.metrics != nil {
		e.metrics.RecordExecuted(ctx, a.TypeKey(), true)
	}
	if res.Status == actions.ExecSucceeded {
		return res, outcomeExecuted
	}
	return res, outcomeFailed
}

// liveRun performs the real execution with the EXECUTING/EXECUTED/FAILED
// transitions around it.
func (e *Engine) liveRun(ctx context.Context, a *actions.ProposedAction) (*actions.ExecutionResult, outcome) {
	started := e.clock()

	exec, err := e.registry.Resolve(a, false)
	if err != nil {
		return e.markFailure(ctx, a, e.failedResult(a, err, "executor_not_found"))
	}
	if err := exec.Validate(a); err != nil {
		return e.markFailure(ctx, a, e.failedResult(a, err, "validation"))
	}

	if _, err := e.gate.TransitionLocked(ctx, a.ID, actions.StatusExecuting, audit.EventExecuting, audit.SystemActor, nil); err != nil {
		e.logger.Error("transition to executing failed", "action_id", a.ID, "error", err)
		return nil, outcomeFailed
	}

	res, err := e.runGuarded(ctx, exec, a, false)
	if err != nil {
		res = e.failedResult(a, err, "executor")
	}

	if e.metrics != nil {
		e.metrics.ObserveDuration(ctx, a.TypeKey(), e.clock().Sub(started))
	}

	if res.Status != actions.ExecSucceeded {
		if _, err := e.gate.TransitionLocked(ctx, a.ID, actions.StatusFailed, audit.EventFailed, audit.SystemActor, res); err != nil {
			e.logger.Error("transition to failed failed", "action_id", a.ID, "error", err)
		}
		if e.metrics != nil {
			e.metrics.RecordFailed(ctx, a.TypeKey(), res.ErrorCode)
		}
		e.saveResult(res)
		return res, outcomeFailed
	}

	if _, err := e.gate.TransitionLocked(ctx, a.ID, actions.StatusExecuted, audit.EventExecuted, audit.SystemActor, res); err != nil {
		e.logger.Error("transition to executed failed", "action_id", a.ID, "error", err)
		return nil, outcomeFailed
	}
	if e.metrics != nil {
		e.metrics.RecordExecuted(ctx, a.TypeKey(), false)
	}
	e.saveResult(res)
	return res, outcomeExecuted
}

// markFailure records a failure that happened before the executor ran. The
// state machine has no APPROVED→FAILED edge, so the action passes through
// EXECUTING on its way down.
func (e *Engine) markFailure(ctx context.Context, a *actions.ProposedAction, res *actions.ExecutionResult) (*actions.ExecutionResult, outcome) {
	if _, err := e.gate.TransitionLocked(ctx, a.ID, actions.StatusExecuting, audit.EventExecuting, audit.SystemActor, nil); err != nil {
		e.logger.Error("transition to executing failed", "action_id", a.ID, "error", err)
		return nil, outcomeFailed
	}
	if _, err := e.gate.TransitionLocked(ctx, a.ID, actions.StatusFailed, audit.EventFailed, audit.SystemActor, res); err != nil {
		e.logger.Error("transition to failed failed", "action_id", a.ID, "error", err)
	}
	if e.metrics != nil {
		e.metrics.RecordFailed(ctx, a.TypeKey(), res.ErrorCode)
	}
	e.saveResult(res)
	return res, outcomeFailed
}

// runGuarded invokes the executor with panic isolation: a panicking executor
// fails its own action, not the pass.
func (e *Engine) runGuarded(ctx context.Context, exec executor.Executor, a *actions.ProposedAction, dryRun bool) (res *actions.ExecutionResult, err error) {
	defer func() {
		if r := recover(); r != nil {
			res = nil
			err = fmt.Errorf("engine: executor %s panicked: %v", exec.Name(), r)
		}
	}()
	res, err = exec.Execute(ctx, a, dryRun)
	if err == nil && res == nil {
		err = fmt.Errorf("engine: executor %s returned no result", exec.Name())
	}
	return res, err
}

func newResultID() string { return uuid.New().String() }

func (e *Engine) failedResult(a *actions.ProposedAction, cause error, code string) *actions.ExecutionResult {
	now := e.clock().UTC()
	return &actions.ExecutionResult{
		ID:         newResultID(),
		ActionID:   a.ID,
		Status:     actions.ExecFailed,
		Summary:    "execution failed",
		Error:      cause.Error(),
		ErrorCode:  code,
		StartedAt:  now,
		FinishedAt: now,
	}
}

func (e *Engine) saveResult(res *actions.ExecutionResult) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.results[res.ActionID] = append(e.results[res.ActionID], res)
}

// liveResult returns the action's prior successful live execution, if any.
func (e *Engine) liveResult(actionID string) *actions.ExecutionResult {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, r := range e.results[actionID] {
		if !r.DryRun && r.Status == actions.ExecSucceeded {
			return r
		}
	}
	return nil
}

// executedPayload is the result portion of an executed audit entry.
type executedPayload struct {
	Result *actions.ExecutionResult `json:"result"`
}

// priorLiveResult returns the action's prior successful live execution,
// recovering it from the executed audit entry when the in-memory record is
// gone, e.g. after a restart.
func (e *Engine) priorLiveResult(actionID string) *actions.ExecutionResult {
	if r := e.liveResult(actionID); r != nil {
		return r
	}
	for _, entry := range e.log.ForAction(actionID) {
		if entry.Event != audit.EventExecuted || len(entry.Payload) == 0 {
			continue
		}
		var p executedPayload
		if err := json.Unmarshal(entry.Payload, &p); err != nil || p.Result == nil {
			continue
		}
		e.saveResult(p.Result)
		return p.Result
	}
	return nil
}

// Results returns every recorded result for an action, oldest first.
func (e *Engine) Results(actionID string) []*actions.ExecutionResult {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]*actions.ExecutionResult, len(e.results[actionID]))
	copy(out, e.results[actionID])
	return out
}

// Rollback undoes a previously executed action. Only EXECUTED actions can
// roll back; a non-reversible execution yields a not_reversible result and
// leaves the action EXECUTED.
func (e *Engine) Rollback(ctx context.Context, actionID, actor string) (*actions.ExecutionResult, error) {
	var result *actions.ExecutionResult
	err := e.gate.Do(actionID, func() error {
		a, err := e.gate.Get(actionID)
		if err != nil {
			return err
		}
		if a.Status != actions.StatusExecuted {
			return &actions.StateError{ActionID: actionID, Status: a.Status, Op: "rollback"}
		}

		prior := e.priorLiveResult(actionID)
		if prior == nil {
			return &actions.StateError{ActionID: actionID, Status: a.Status, Op: "rollback"}
		}

		if !prior.Reversible {
			result = e.notReversibleResult(a)
			e.saveResult(result)
			return e.gate.NoteLocked(ctx, actionID, audit.EventNotReversible, actor, result)
		}

		exec, err := e.registry.Resolve(a, false)
		if err != nil {
			return err
		}
		res, err := exec.Rollback(ctx, a, prior)
		if err != nil {
			return fmt.Errorf("engine: rollback %s: %w", actionID, err)
		}
		e.saveResult(res)

		if res.Status == actions.ExecNotReversible {
			result = res
			return e.gate.NoteLocked(ctx, actionID, audit.EventNotReversible, actor, res)
		}
		if _, err := e.gate.TransitionLocked(ctx, actionID, actions.StatusRolledBack, audit.EventRolledBack, actor, res); err != nil {
			return err
		}
		result = res
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (e *Engine) notReversibleResult(a *actions.ProposedAction) *actions.ExecutionResult {
	now := e.clock().UTC()
	return &actions.ExecutionResult{
		ID:         newResultID(),
		ActionID:   a.ID,
		Status:     actions.ExecNotReversible,
		Summary:    "execution was not reversible; action remains executed",
		StartedAt:  now,
		FinishedAt: now,
	}
}

// AuditTrail returns the ordered audit history for one action, or the whole
// log when actionID is empty.
func (e *Engine) AuditTrail(actionID string) []*audit.Entry {
	if actionID == "" {
		return e.log.Query(audit.Filter{})
	}
	return e.log.ForAction(actionID)
}
