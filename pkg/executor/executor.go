// Package executor defines the pluggable execution layer: the Executor
// interface, the registry that dispatches actions by type key, and the
// built-in executors. Executors perform the real-world change and report an
// immutable result; they never touch action status or the audit log.
package executor

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/fiscalpilot/core/pkg/actions"
)

// Executor performs one category of real-world change.
type Executor interface {
	// Name identifies the executor in results and logs.
	Name() string
	// CanHandle reports whether this executor accepts the type key.
	CanHandle(typeKey string) bool
	// Validate checks the action's parameters before any state change.
	Validate(a *actions.ProposedAction) error
	// Execute performs the action, or simulates it when dryRun is set. A
	// dry run must cause no external side effects.
	Execute(ctx context.Context, a *actions.ProposedAction, dryRun bool) (*actions.ExecutionResult, error)
	// Rollback undoes a prior successful execution. Executors that cannot
	// undo return a not_reversible result, not an error.
	Rollback(ctx context.Context, a *actions.ProposedAction, prior *actions.ExecutionResult) (*actions.ExecutionResult, error)
}

// Registry maps type keys to executors. Later registrations win on overlap,
// so deployments can shadow a built-in with their own implementation.
type Registry struct {
	mu        sync.RWMutex
	executors []Executor
	fallback  Executor
	logger    *slog.Logger
}

// NewRegistry creates a registry with the log-only fallback installed.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		fallback: &LogOnlyExecutor{logger: logger},
		logger:   logger,
	}
}

// Register adds an executor. The most recently registered executor that can
// handle a type key wins.
func (r *Registry) Register(e Executor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.executors = append(r.executors, e)
	r.logger.Info("executor registered", "executor", e.Name())
}

// Lookup returns the executor for a type key, newest registration first.
func (r *Registry) Lookup(typeKey string) (Executor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for i := len(r.executors) - 1; i >= 0; i-- {
		if r.executors[i].CanHandle(typeKey) {
			return r.executors[i], true
		}
	}
	return nil, false
}

// Resolve returns the executor that will run the action. Dry runs fall back
// to the log-only executor when nothing is registered; live execution never
// silently no-ops.
func (r *Registry) Resolve(a *actions.ProposedAction, dryRun bool) (Executor, error) {
	key := a.TypeKey()
	if e, ok := r.Lookup(key); ok {
		return e, nil
	}
	if dryRun {
		return r.fallback, nil
	}
	return nil, &actions.ExecutorNotFoundError{TypeKey: key}
}

// Names returns the registered executor names, oldest first.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.executors))
	for _, e := range r.executors {
		names = append(names, e.Name())
	}
	return names
}

// newResult stamps a fresh result record for one attempt.
func newResult(a *actions.ProposedAction, startedAt time.Time) *actions.ExecutionResult {
	return &actions.ExecutionResult{
		ID:         uuid.New().String(),
		ActionID:   a.ID,
		StartedAt:  startedAt.UTC(),
		FinishedAt: time.Now().UTC(),
	}
}

// LogOnlyExecutor records what would have happened and succeeds without any
// external effect. It backs dry runs of unhandled action types.
type LogOnlyExecutor struct {
	logger *slog.Logger
}

// Name implements Executor.
func (e *LogOnlyExecutor) Name() string { return "log_only" }

// CanHandle implements Executor; the fallback accepts everything.
func (e *LogOnlyExecutor) CanHandle(string) bool { return true }

// Validate implements Executor.
func (e *LogOnlyExecutor) Validate(*actions.ProposedAction) error { return nil }

// Execute implements Executor.
func (e *LogOnlyExecutor) Execute(_ context.Context, a *actions.ProposedAction, dryRun bool) (*actions.ExecutionResult, error) {
	started := time.Now()
	e.logger.Info("log-only execution",
		"action_id", a.ID,
		"type", a.TypeKey(),
		"title", a.Title,
		"dry_run", dryRun,
	)
	res := newResult(a, started)
	res.Status = actions.ExecSucceeded
	res.Summary = "logged only; no external effect"
	res.DryRun = dryRun
	res.Reversible = false
	return res, nil
}

// Rollback implements Executor; there is nothing to undo.
func (e *LogOnlyExecutor) Rollback(_ context.Context, a *actions.ProposedAction, _ *actions.ExecutionResult) (*actions.ExecutionResult, error) {
	res := newResult(a, time.Now())
	res.Status = actions.ExecNotReversible
	res.Summary = "log-only execution has nothing to undo"
	return res, nil
}
