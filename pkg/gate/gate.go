// Package gate implements the approval gate: routing proposed actions by
// tier, collecting human decisions, enforcing the approval window, and
// recording every transition in the audit log before acknowledging it.
package gate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/fiscalpilot/core/pkg/actions"
	"github.com/fiscalpilot/core/pkg/audit"
	"github.com/fiscalpilot/core/pkg/autonomy"
)

// ErrNotQualified is returned when a decision comes from an actor whose
// configured tier is below the action's tier.
var ErrNotQualified = errors.New("gate: actor not qualified for this tier")

// DefaultTimeout is the approval window when none is configured.
const DefaultTimeout = 72 * time.Hour

// DefaultQuorum is the number of distinct approvals a CRITICAL action needs.
const DefaultQuorum = 2

// Config controls routing and decision policy.
type Config struct {
	// RequireApproval false routes every tier to AUTO_APPROVED. Intended
	// for sandboxes; production keeps it on.
	RequireApproval bool
	// Timeout is the approval window measured from proposal time. A
	// decision arriving strictly after CreatedAt+Timeout expires the
	// action instead.
	Timeout time.Duration
	// Quorum is the number of distinct qualifying approvals a CRITICAL
	// action needs.
	Quorum int
	// Approvers maps actor IDs to the highest tier they may decide.
	// Empty means any actor may decide any tier.
	Approvers map[string]actions.ApprovalLevel
}

func (c Config) timeout() time.Duration {
	if c.Timeout > 0 {
		return c.Timeout
	}
	return DefaultTimeout
}

func (c Config) quorum() int {
	if c.Quorum > 0 {
		return c.Quorum
	}
	return DefaultQuorum
}

// Persister stores action snapshots durably. The gate works without one; the
// audit log sink is then the only durable record.
type Persister interface {
	SaveAction(ctx context.Context, a *actions.ProposedAction) error
}

// Gate owns the lifecycle of actions from proposal until they are handed to
// the execution engine. All methods are safe for concurrent use; operations
// on the same action are serialized by a per-action lock.
type Gate struct {
	cfg      Config
	resolver *autonomy.Resolver
	log      *audit.Log
	store    Persister
	notifier Notifier
	clock    func() time.Time

	mu        sync.Mutex
	byID      map[string]*actions.ProposedAction
	decisions map[string][]*actions.ApprovalDecision
	locks     map[string]*sync.Mutex
}

// New creates a gate over the given resolver and audit log.
func New(cfg Config, resolver *autonomy.Resolver, log *audit.Log) *Gate {
	return &Gate{
		cfg:       cfg,
		resolver:  resolver,
		log:       log,
		clock:     time.Now,
		byID:      make(map[string]*actions.ProposedAction),
		decisions: make(map[string][]*actions.ApprovalDecision),
		locks:     make(map[string]*sync.Mutex),
	}
}

// WithClock overrides the clock for deterministic testing.
func (g *Gate) WithClock(clock func() time.Time) *Gate {
	g.clock = clock
	return g
}

// WithStore attaches a durable snapshot store.
func (g *Gate) WithStore(s Persister) *Gate {
	g.store = s
	return g
}

// WithNotifier attaches a notifier for YELLOW-tier alerts.
func (g *Gate) WithNotifier(n Notifier) *Gate {
	g.notifier = n
	return g
}

// Restore seeds the gate's in-memory index from persisted snapshots, after
// the audit log itself has been restored, and rebuilds recorded decisions
// from the log. A quorum in flight at crash time keeps its approvals, and
// the per-actor uniqueness record survives with them.
func (g *Gate) Restore(list []*actions.ProposedAction) {
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, a := range list {
		g.byID[a.ID] = a.Clone()
		if ds := g.replayDecisions(a.ID); len(ds) > 0 {
			g.decisions[a.ID] = ds
		}
	}
}

// replayDecisions reconstructs the decision list for one action from its
// approved/rejected audit entries. System entries (auto-approval overrides)
// are not decisions and are skipped.
func (g *Gate) replayDecisions(actionID string) []*actions.ApprovalDecision {
	var out []*actions.ApprovalDecision
	for _, entry := range g.log.ForAction(actionID) {
		if entry.Event != audit.EventApproved && entry.Event != audit.EventRejected {
			continue
		}
		if entry.Actor == audit.SystemActor {
			continue
		}
		var p transitionPayload
		if len(entry.Payload) > 0 {
			if err := json.Unmarshal(entry.Payload, &p); err != nil {
				continue
			}
		}
		out = append(out, &actions.ApprovalDecision{
			ID:            entry.EntryID,
			ActionID:      actionID,
			Actor:         entry.Actor,
			Decision:      p.Decision,
			Reason:        p.Reason,
			ModifiedSteps: p.Steps,
			DecidedAt:     entry.Timestamp,
		})
	}
	return out
}

func (g *Gate) lockFor(actionID string) *sync.Mutex {
	g.mu.Lock()
	defer g.mu.Unlock()
	l, ok := g.locks[actionID]
	if !ok {
		l = &sync.Mutex{}
		g.locks[actionID] = l
	}
	return l
}

// Do runs fn while holding the per-action lock. The execution engine uses
// this so that decide, execute, and rollback on one action never interleave.
func (g *Gate) Do(actionID string, fn func() error) error {
	l := g.lockFor(actionID)
	l.Lock()
	defer l.Unlock()
	return fn()
}

// transitionPayload is what the gate records with each audit entry. The
// status field makes the audit log fully replayable on its own.
type transitionPayload struct {
	Status        actions.ActionStatus  `json:"status"`
	ApprovalLevel actions.ApprovalLevel `json:"approval_level,omitempty"`
	Steps         []actions.ActionStep  `json:"steps,omitempty"`
	Decision      actions.DecisionKind  `json:"decision,omitempty"`
	Reason        string                `json:"reason,omitempty"`
	Approvals     int                   `json:"approvals,omitempty"`
	Quorum        int                   `json:"quorum,omitempty"`
}

// record appends one audit entry, bumps the action version, and persists the
// snapshot. The audit write happens first; a failed write means the
// transition did not happen.
func (g *Gate) record(ctx context.Context, a *actions.ProposedAction, event audit.EventType, actor string, payload any) error {
	if _, err := g.log.Append(ctx, event, a.ID, actor, payload); err != nil {
		return err
	}
	a.Version++
	if g.store != nil {
		if err := g.store.SaveAction(ctx, a); err != nil {
			return err
		}
	}
	return nil
}

// Propose validates an incoming action, resolves its tier, routes it, and
// records the proposal. The returned action carries the assigned ID and
// routed status.
func (g *Gate) Propose(ctx context.Context, a *actions.ProposedAction) (*actions.ProposedAction, error) {
	if err := a.Validate(); err != nil {
		return nil, err
	}

	a = a.Clone()
	a.ID = uuid.New().String()
	a.CreatedAt = g.clock().UTC()
	a.DecidedAt = nil
	a.ExecutedAt = nil
	a.Version = 0

	level, err := g.resolver.Resolve(a)
	if err != nil {
		return nil, fmt.Errorf("gate: resolve tier: %w", err)
	}
	a.ApprovalLevel = level
	a.Status = g.route(level)

	if _, err := g.log.Append(ctx, audit.EventProposed, a.ID, audit.SystemActor, a); err != nil {
		return nil, err
	}
	a.Version = 1
	if g.store != nil {
		if err := g.store.SaveAction(ctx, a); err != nil {
			return nil, err
		}
	}

	g.mu.Lock()
	g.byID[a.ID] = a
	g.mu.Unlock()

	// Tiers that would normally wait on a human get the global override
	// recorded as a system approval with its reason.
	if !g.cfg.RequireApproval && level.Rank() >= actions.LevelRed.Rank() {
		if err := g.record(ctx, a, audit.EventApproved, audit.SystemActor, transitionPayload{
			Status: a.Status,
			Reason: "approval disabled globally",
		}); err != nil {
			return nil, err
		}
	}

	if level == actions.LevelYellow && a.Status == actions.StatusAutoApproved {
		if err := g.notifyYellow(ctx, a); err != nil {
			return nil, err
		}
	}
	return a.Clone(), nil
}

func (g *Gate) route(level actions.ApprovalLevel) actions.ActionStatus {
	if !g.cfg.RequireApproval {
		return actions.StatusAutoApproved
	}
	switch level {
	case actions.LevelGreen, actions.LevelYellow:
		return actions.StatusAutoApproved
	case actions.LevelRed:
		return actions.StatusPendingApproval
	default:
		return actions.StatusPendingQuorum
	}
}

// notifyYellow records the notification obligation in the audit log and, if
// a notifier is attached, delivers it.
func (g *Gate) notifyYellow(ctx context.Context, a *actions.ProposedAction) error {
	if err := g.record(ctx, a, audit.EventNotificationDue, audit.SystemActor, transitionPayload{
		Status: a.Status,
	}); err != nil {
		return err
	}
	if g.notifier != nil {
		return g.notifier.Notify(ctx, yellowNotification(a))
	}
	return nil
}

// get returns a working copy of the action. Callers holding the per-action
// lock mutate the copy and commit it back, so readers never observe a
// half-applied transition.
func (g *Gate) get(actionID string) (*actions.ProposedAction, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	a, ok := g.byID[actionID]
	if !ok {
		return nil, actions.ErrActionNotFound
	}
	return a.Clone(), nil
}

func (g *Gate) commit(a *actions.ProposedAction) {
	g.mu.Lock()
	g.byID[a.ID] = a
	g.mu.Unlock()
}

// Get returns a copy of the action.
func (g *Gate) Get(actionID string) (*actions.ProposedAction, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	a, ok := g.byID[actionID]
	if !ok {
		return nil, actions.ErrActionNotFound
	}
	return a.Clone(), nil
}

// Decisions returns the recorded decisions for an action, oldest first.
func (g *Gate) Decisions(actionID string) []*actions.ApprovalDecision {
	g.mu.Lock()
	defer g.mu.Unlock()
	list := g.decisions[actionID]
	out := make([]*actions.ApprovalDecision, len(list))
	copy(out, list)
	return out
}

// expired reports whether the approval window has passed. The boundary is
// strict: a decision at exactly CreatedAt+Timeout is still in time.
func (g *Gate) expired(a *actions.ProposedAction, now time.Time) bool {
	return now.After(a.CreatedAt.Add(g.cfg.timeout()))
}

func (g *Gate) expire(ctx context.Context, a *actions.ProposedAction, now time.Time) error {
	a.Status = actions.StatusExpired
	t := now.UTC()
	a.DecidedAt = &t
	return g.record(ctx, a, audit.EventExpired, audit.SystemActor, transitionPayload{
		Status: a.Status,
	})
}

// qualified reports whether actor may decide an action at the given tier.
func (g *Gate) qualified(actor string, level actions.ApprovalLevel) bool {
	if len(g.cfg.Approvers) == 0 {
		return true
	}
	max, ok := g.cfg.Approvers[actor]
	return ok && max.Rank() >= level.Rank()
}

// Decide applies one human decision to a pending action. RED actions are
// decided by a single decision; CRITICAL actions accumulate approvals until
// quorum, with any single rejection final. A decision arriving after the
// approval window expires the action and reports a state error.
//
// A reject on an AUTO_APPROVED or APPROVED action is an explicit
// cancellation: any time before execution begins the action can still be
// pulled back to REJECTED.
func (g *Gate) Decide(ctx context.Context, actionID string, actor string, kind actions.DecisionKind, reason string, modifiedSteps []actions.ActionStep) (*actions.ProposedAction, error) {
	if err := actions.ValidateDecision(actor, kind, modifiedSteps); err != nil {
		return nil, err
	}

	var result *actions.ProposedAction
	err := g.Do(actionID, func() error {
		a, err := g.get(actionID)
		if err != nil {
			return err
		}

		switch a.Status {
		case actions.StatusAutoApproved, actions.StatusApproved:
			if kind != actions.DecisionReject {
				// A late approval on a single-approver action is the
				// losing side of a decision race; on a quorum action the
				// decision window has closed.
				if a.Status == actions.StatusApproved && a.ApprovalLevel != actions.LevelCritical {
					return &actions.AlreadyDecidedError{ActionID: actionID}
				}
				return &actions.StateError{ActionID: actionID, Status: a.Status, Op: "decide"}
			}
			if !g.qualified(actor, a.ApprovalLevel) {
				return fmt.Errorf("%w: actor %q, tier %s", ErrNotQualified, actor, a.ApprovalLevel)
			}
			cancel := &actions.ApprovalDecision{
				ID:        uuid.New().String(),
				ActionID:  actionID,
				Actor:     actor,
				Decision:  kind,
				Reason:    reason,
				DecidedAt: g.clock().UTC(),
			}
			if err := g.decideSingle(ctx, a, cancel); err != nil {
				return err
			}
			g.commit(a)
			result = a.Clone()
			return nil
		case actions.StatusRejected:
			if a.ApprovalLevel == actions.LevelCritical {
				return &actions.StateError{ActionID: actionID, Status: a.Status, Op: "decide"}
			}
			return &actions.AlreadyDecidedError{ActionID: actionID}
		}
		if !a.Status.Pending() {
			return &actions.StateError{ActionID: actionID, Status: a.Status, Op: "decide"}
		}

		now := g.clock()
		if g.expired(a, now) {
			if err := g.expire(ctx, a, now); err != nil {
				return err
			}
			g.commit(a)
			return &actions.StateError{ActionID: actionID, Status: actions.StatusExpired, Op: "decide"}
		}

		if !g.qualified(actor, a.ApprovalLevel) {
			return fmt.Errorf("%w: actor %q, tier %s", ErrNotQualified, actor, a.ApprovalLevel)
		}

		decision := &actions.ApprovalDecision{
			ID:            uuid.New().String(),
			ActionID:      actionID,
			Actor:         actor,
			Decision:      kind,
			Reason:        reason,
			ModifiedSteps: modifiedSteps,
			DecidedAt:     now.UTC(),
		}

		if a.Status == actions.StatusPendingQuorum {
			if err := g.decideQuorum(ctx, a, decision); err != nil {
				return err
			}
		} else {
			if err := g.decideSingle(ctx, a, decision); err != nil {
				return err
			}
		}
		g.commit(a)
		result = a.Clone()
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (g *Gate) decideSingle(ctx context.Context, a *actions.ProposedAction, d *actions.ApprovalDecision) error {
	switch d.Decision {
	case actions.DecisionReject:
		a.Status = actions.StatusRejected
	case actions.DecisionModify:
		a.Steps = append([]actions.ActionStep(nil), d.ModifiedSteps...)
		a.Status = actions.StatusApproved
	default:
		a.Status = actions.StatusApproved
	}
	a.DecidedAt = &d.DecidedAt

	event := audit.EventApproved
	if a.Status == actions.StatusRejected {
		event = audit.EventRejected
	}
	if err := g.record(ctx, a, event, d.Actor, transitionPayload{
		Status:   a.Status,
		Steps:    d.ModifiedSteps,
		Decision: d.Decision,
		Reason:   d.Reason,
	}); err != nil {
		return err
	}

	g.mu.Lock()
	g.decisions[a.ID] = append(g.decisions[a.ID], d)
	g.mu.Unlock()
	return nil
}

func (g *Gate) decideQuorum(ctx context.Context, a *actions.ProposedAction, d *actions.ApprovalDecision) error {
	g.mu.Lock()
	for _, prior := range g.decisions[a.ID] {
		if prior.Actor == d.Actor {
			g.mu.Unlock()
			return &actions.AlreadyDecidedError{ActionID: a.ID, Actor: d.Actor}
		}
	}
	g.decisions[a.ID] = append(g.decisions[a.ID], d)
	approvals := 0
	for _, prior := range g.decisions[a.ID] {
		if prior.Decision != actions.DecisionReject {
			approvals++
		}
	}
	g.mu.Unlock()

	quorum := g.cfg.quorum()

	// Any single rejection is final.
	if d.Decision == actions.DecisionReject {
		a.Status = actions.StatusRejected
		a.DecidedAt = &d.DecidedAt
		return g.record(ctx, a, audit.EventRejected, d.Actor, transitionPayload{
			Status:    a.Status,
			Decision:  d.Decision,
			Reason:    d.Reason,
			Approvals: approvals,
			Quorum:    quorum,
		})
	}

	if d.Decision == actions.DecisionModify {
		a.Steps = append([]actions.ActionStep(nil), d.ModifiedSteps...)
	}
	if approvals >= quorum {
		a.Status = actions.StatusApproved
		a.DecidedAt = &d.DecidedAt
	}
	return g.record(ctx, a, audit.EventApproved, d.Actor, transitionPayload{
		Status:    a.Status,
		Steps:     d.ModifiedSteps,
		Decision:  d.Decision,
		Reason:    d.Reason,
		Approvals: approvals,
		Quorum:    quorum,
	})
}

// Reresolve re-runs tier resolution for an action that has not yet received
// any decision, re-routing it when the tier changed. Once a decision exists
// the tier is frozen.
func (g *Gate) Reresolve(ctx context.Context, actionID string) (*actions.ProposedAction, error) {
	var result *actions.ProposedAction
	err := g.Do(actionID, func() error {
		a, err := g.get(actionID)
		if err != nil {
			return err
		}
		switch a.Status {
		case actions.StatusAutoApproved, actions.StatusPendingApproval, actions.StatusPendingQuorum:
		default:
			return &actions.StateError{ActionID: actionID, Status: a.Status, Op: "reresolve"}
		}
		g.mu.Lock()
		decided := len(g.decisions[actionID]) > 0
		g.mu.Unlock()
		if decided {
			return &actions.StateError{ActionID: actionID, Status: a.Status, Op: "reresolve"}
		}

		level, err := g.resolver.Resolve(a)
		if err != nil {
			return fmt.Errorf("gate: resolve tier: %w", err)
		}
		if level != a.ApprovalLevel {
			a.ApprovalLevel = level
			a.Status = g.route(level)
			if err := g.record(ctx, a, audit.EventReresolved, audit.SystemActor, transitionPayload{
				Status:        a.Status,
				ApprovalLevel: level,
			}); err != nil {
				return err
			}
			if level == actions.LevelYellow && a.Status == actions.StatusAutoApproved {
				if err := g.notifyYellow(ctx, a); err != nil {
					return err
				}
			}
			g.commit(a)
		}
		result = a.Clone()
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// SweepExpired expires every pending action whose approval window has
// passed. Returns the number of actions expired.
func (g *Gate) SweepExpired(ctx context.Context) (int, error) {
	g.mu.Lock()
	ids := make([]string, 0)
	for id, a := range g.byID {
		if a.Status.Pending() {
			ids = append(ids, id)
		}
	}
	g.mu.Unlock()

	expired := 0
	for _, id := range ids {
		err := g.Do(id, func() error {
			a, err := g.get(id)
			if err != nil {
				return err
			}
			now := g.clock()
			if !a.Status.Pending() || !g.expired(a, now) {
				return nil
			}
			if err := g.expire(ctx, a, now); err != nil {
				return err
			}
			g.commit(a)
			expired++
			return nil
		})
		if err != nil {
			return expired, err
		}
	}
	return expired, nil
}

// executionPayload is recorded for engine-driven transitions; the status
// keeps the entry replayable, the detail carries the execution result.
type executionPayload struct {
	Status actions.ActionStatus `json:"status"`
	Result any                  `json:"result,omitempty"`
}

// TransitionLocked moves an action along a state machine edge and records
// the event. The caller must hold the action's lock via Do; the execution
// engine wraps its whole execute sequence in one Do so decisions cannot
// interleave with it.
func (g *Gate) TransitionLocked(ctx context.Context, actionID string, to actions.ActionStatus, event audit.EventType, actor string, detail any) (*actions.ProposedAction, error) {
	a, err := g.get(actionID)
	if err != nil {
		return nil, err
	}
	if !actions.CanTransition(a.Status, to) {
		return nil, &actions.StateError{ActionID: actionID, Status: a.Status, Op: "transition to " + string(to)}
	}
	a.Status = to
	if to == actions.StatusExecuted {
		t := g.clock().UTC()
		a.ExecutedAt = &t
	}
	if err := g.record(ctx, a, event, actor, executionPayload{Status: to, Result: detail}); err != nil {
		return nil, err
	}
	g.commit(a)
	return a.Clone(), nil
}

// NoteLocked records an audit event that does not change the action's
// status (dry runs, deferrals). Caller must hold the action's lock via Do.
func (g *Gate) NoteLocked(ctx context.Context, actionID string, event audit.EventType, actor string, detail any) error {
	a, err := g.get(actionID)
	if err != nil {
		return err
	}
	if err := g.record(ctx, a, event, actor, executionPayload{Status: a.Status, Result: detail}); err != nil {
		return err
	}
	g.commit(a)
	return nil
}

// Approved returns copies of every action ready for execution, oldest first.
func (g *Gate) Approved() []*actions.ProposedAction {
	g.mu.Lock()
	defer g.mu.Unlock()
	ready := make([]*actions.ProposedAction, 0)
	for _, a := range g.byID {
		if a.Status.Executable() {
			ready = append(ready, a.Clone())
		}
	}
	sort.Slice(ready, func(i, j int) bool {
		return ready[i].CreatedAt.Before(ready[j].CreatedAt)
	})
	return ready
}

// Executed returns copies of every action in the EXECUTED state, oldest
// first. The engine uses this to re-surface prior results idempotently.
func (g *Gate) Executed() []*actions.ProposedAction {
	g.mu.Lock()
	defer g.mu.Unlock()
	done := make([]*actions.ProposedAction, 0)
	for _, a := range g.byID {
		if a.Status == actions.StatusExecuted {
			done = append(done, a.Clone())
		}
	}
	sort.Slice(done, func(i, j int) bool {
		return done[i].CreatedAt.Before(done[j].CreatedAt)
	})
	return done
}
