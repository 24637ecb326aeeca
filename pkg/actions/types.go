// Package actions defines the record types and enumerations for the
// proposal → approval → execution pipeline: proposed actions, approval
// decisions, execution results, and the action state machine.
package actions

import (
	"time"
)

// ActionType identifies what kind of real-world change an action performs.
type ActionType string

const (
	ActionCategorizeTransaction ActionType = "categorize_transaction"
	ActionTagExpense            ActionType = "tag_expense"
	ActionUpdateCategoryBulk    ActionType = "update_category_bulk"
	ActionGenerateReport        ActionType = "generate_report"
	ActionFlagForReview         ActionType = "flag_for_review"
	ActionCreateBudgetAlert     ActionType = "create_budget_alert"
	ActionSendReminder          ActionType = "send_reminder"
	ActionCancelSubscription    ActionType = "cancel_subscription"
	ActionRenegotiateVendor     ActionType = "renegotiate_vendor"
	ActionPayInvoice            ActionType = "pay_invoice"
	ActionChangePayroll         ActionType = "change_payroll"
	ActionFileTaxForm           ActionType = "file_tax_form"
	ActionTransferFunds         ActionType = "transfer_funds"

	// ActionCustom carries a free-form type in ProposedAction.CustomType.
	ActionCustom ActionType = "custom"
)

// BuiltinActionTypes lists every non-custom action type.
var BuiltinActionTypes = []ActionType{
	ActionCategorizeTransaction,
	ActionTagExpense,
	ActionUpdateCategoryBulk,
	ActionGenerateReport,
	ActionFlagForReview,
	ActionCreateBudgetAlert,
	ActionSendReminder,
	ActionCancelSubscription,
	ActionRenegotiateVendor,
	ActionPayInvoice,
	ActionChangePayroll,
	ActionFileTaxForm,
	ActionTransferFunds,
}

// Known reports whether t is a recognized action type (including custom).
func (t ActionType) Known() bool {
	if t == ActionCustom {
		return true
	}
	for _, b := range BuiltinActionTypes {
		if t == b {
			return true
		}
	}
	return false
}

// ApprovalLevel is the risk tier controlling how much human sign-off an
// action requires before execution.
type ApprovalLevel string

const (
	LevelGreen    ApprovalLevel = "GREEN"    // auto-execute
	LevelYellow   ApprovalLevel = "YELLOW"   // auto-execute + notify
	LevelRed      ApprovalLevel = "RED"      // single human approval
	LevelCritical ApprovalLevel = "CRITICAL" // multi-party quorum
)

// Rank orders tiers by risk; higher is riskier. Unknown tiers rank above
// CRITICAL so that comparisons fail safe.
func (l ApprovalLevel) Rank() int {
	switch l {
	case LevelGreen:
		return 0
	case LevelYellow:
		return 1
	case LevelRed:
		return 2
	case LevelCritical:
		return 3
	default:
		return 4
	}
}

// Valid reports whether l is one of the four defined tiers.
func (l ApprovalLevel) Valid() bool {
	return l == LevelGreen || l == LevelYellow || l == LevelRed || l == LevelCritical
}

// ActionStatus is the single authoritative lifecycle field of an action.
type ActionStatus string

const (
	StatusProposed        ActionStatus = "PROPOSED"
	StatusAutoApproved    ActionStatus = "AUTO_APPROVED"
	StatusPendingApproval ActionStatus = "PENDING_APPROVAL"
	StatusPendingQuorum   ActionStatus = "PENDING_QUORUM"
	StatusApproved        ActionStatus = "APPROVED"
	StatusRejected        ActionStatus = "REJECTED"
	StatusExpired         ActionStatus = "EXPIRED"
	StatusExecuting       ActionStatus = "EXECUTING"
	StatusExecuted        ActionStatus = "EXECUTED"
	StatusFailed          ActionStatus = "FAILED"
	StatusRolledBack      ActionStatus = "ROLLED_BACK"
)

// transitions is the authoritative edge table of the action state machine.
var transitions = map[ActionStatus][]ActionStatus{
	StatusProposed:        {StatusAutoApproved, StatusPendingApproval, StatusPendingQuorum},
	StatusAutoApproved:    {StatusExecuting, StatusRejected},
	StatusPendingApproval: {StatusApproved, StatusRejected, StatusExpired},
	StatusPendingQuorum:   {StatusApproved, StatusRejected, StatusExpired},
	StatusApproved:        {StatusExecuting, StatusRejected},
	StatusExecuting:       {StatusExecuted, StatusFailed},
	StatusExecuted:        {StatusRolledBack},
	// REJECTED, EXPIRED, FAILED, ROLLED_BACK are terminal.
}

// CanTransition reports whether from → to is a legal state machine edge.
func CanTransition(from, to ActionStatus) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Terminal reports whether s admits no further transitions.
func (s ActionStatus) Terminal() bool {
	return len(transitions[s]) == 0
}

// Pending reports whether s is waiting on a human disposition.
func (s ActionStatus) Pending() bool {
	return s == StatusPendingApproval || s == StatusPendingQuorum
}

// Executable reports whether s permits dispatch to an executor.
func (s ActionStatus) Executable() bool {
	return s == StatusApproved || s == StatusAutoApproved
}

// ActionStep is one human-readable instruction within an action plan.
type ActionStep struct {
	Seq         int    `json:"seq"`
	Description string `json:"description"`
}

// ProposedAction is one unit of proposed real-world change derived from an
// upstream finding. The ID is assigned at proposal time and is stable for
// the action's lifetime; timestamps are set once and never rewritten.
type ProposedAction struct {
	ID              string         `json:"id"`
	ActionType      ActionType     `json:"action_type"`
	CustomType      string         `json:"custom_type,omitempty"`
	Title           string         `json:"title"`
	Steps           []ActionStep   `json:"steps"`
	Parameters      map[string]any `json:"parameters,omitempty"`
	EstimatedSavings *float64      `json:"estimated_savings,omitempty"`
	SourceFindingID string         `json:"source_finding_id,omitempty"`

	ApprovalLevel ApprovalLevel `json:"approval_level"`
	Status        ActionStatus  `json:"status"`

	// Version supports optimistic concurrency in the snapshot store.
	Version int64 `json:"version"`

	CreatedAt  time.Time  `json:"created_at"`
	DecidedAt  *time.Time `json:"decided_at,omitempty"`
	ExecutedAt *time.Time `json:"executed_at,omitempty"`
}

// TypeKey returns the dispatch key for executor lookup: the custom type
// string for custom actions, the action type otherwise.
func (a *ProposedAction) TypeKey() string {
	if a.ActionType == ActionCustom && a.CustomType != "" {
		return a.CustomType
	}
	return string(a.ActionType)
}

// Clone returns a deep copy so callers cannot mutate pipeline-owned state.
func (a *ProposedAction) Clone() *ProposedAction {
	cp := *a
	cp.Steps = append([]ActionStep(nil), a.Steps...)
	if a.Parameters != nil {
		cp.Parameters = make(map[string]any, len(a.Parameters))
		for k, v := range a.Parameters {
			cp.Parameters[k] = v
		}
	}
	if a.EstimatedSavings != nil {
		v := *a.EstimatedSavings
		cp.EstimatedSavings = &v
	}
	if a.DecidedAt != nil {
		t := *a.DecidedAt
		cp.DecidedAt = &t
	}
	if a.ExecutedAt != nil {
		t := *a.ExecutedAt
		cp.ExecutedAt = &t
	}
	return &cp
}

// DecisionKind is the disposition a decider applies to one action.
type DecisionKind string

const (
	DecisionApprove DecisionKind = "approve"
	DecisionReject  DecisionKind = "reject"
	DecisionModify  DecisionKind = "modify" // replace steps, then approve
)

// ApprovalDecision records one human or automated disposition. Immutable
// once created; CRITICAL actions may accumulate several, unique per actor.
type ApprovalDecision struct {
	ID            string       `json:"id"`
	ActionID      string       `json:"action_id"`
	Actor         string       `json:"actor"`
	Decision      DecisionKind `json:"decision"`
	Reason        string       `json:"reason,omitempty"`
	ModifiedSteps []ActionStep `json:"modified_steps,omitempty"`
	DecidedAt     time.Time    `json:"decided_at"`
}

// ApprovalRule maps an action type (or a glob pattern over type keys, with
// an optional CEL condition over the action) to an approval level.
type ApprovalRule struct {
	ActionType ActionType    `json:"action_type,omitempty" yaml:"action_type,omitempty"`
	Pattern    string        `json:"pattern,omitempty" yaml:"pattern,omitempty"`
	Condition  string        `json:"condition,omitempty" yaml:"condition,omitempty"`
	Level      ApprovalLevel `json:"level" yaml:"level"`
}

// ExecutionStatus is the outcome class of one execution or rollback attempt.
type ExecutionStatus string

const (
	ExecSucceeded     ExecutionStatus = "succeeded"
	ExecFailed        ExecutionStatus = "failed"
	ExecRolledBack    ExecutionStatus = "rolled_back"
	ExecNotReversible ExecutionStatus = "not_reversible"
)

// ExecutionResult is the immutable outcome of one execution attempt.
// Retries produce new results, never mutations of prior ones.
type ExecutionResult struct {
	ID         string          `json:"id"`
	ActionID   string          `json:"action_id"`
	Status     ExecutionStatus `json:"status"`
	Summary    string          `json:"summary"`
	Error      string          `json:"error,omitempty"`
	ErrorCode  string          `json:"error_code,omitempty"`
	DryRun     bool            `json:"dry_run"`
	Reversible bool            `json:"reversible"`
	Details    map[string]any  `json:"details,omitempty"`
	StartedAt  time.Time       `json:"started_at"`
	FinishedAt time.Time       `json:"finished_at"`
}

// Succeeded reports whether the attempt completed without failure.
func (r *ExecutionResult) Succeeded() bool {
	return r.Status == ExecSucceeded || r.Status == ExecRolledBack
}

// Finding is the upstream analytical observation an action derives from.
// Findings are produced outside this core; only the back-reference matters.
type Finding struct {
	ID               string  `json:"id"`
	Category         string  `json:"category"`
	Severity         string  `json:"severity"`
	EstimatedSavings float64 `json:"estimated_savings"`
}
