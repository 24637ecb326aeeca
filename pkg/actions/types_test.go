package actions

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStateMachineEdges(t *testing.T) {
	legal := []struct{ from, to ActionStatus }{
		{StatusProposed, StatusAutoApproved},
		{StatusProposed, StatusPendingApproval},
		{StatusProposed, StatusPendingQuorum},
		{StatusAutoApproved, StatusExecuting},
		{StatusPendingApproval, StatusApproved},
		{StatusPendingApproval, StatusRejected},
		{StatusPendingApproval, StatusExpired},
		{StatusPendingQuorum, StatusApproved},
		{StatusPendingQuorum, StatusRejected},
		{StatusPendingQuorum, StatusExpired},
		{StatusApproved, StatusExecuting},
		{StatusExecuting, StatusExecuted},
		{StatusExecuting, StatusFailed},
		{StatusExecuted, StatusRolledBack},
	}
	for _, edge := range legal {
		assert.True(t, CanTransition(edge.from, edge.to), "%s -> %s should be legal", edge.from, edge.to)
	}

	illegal := []struct{ from, to ActionStatus }{
		{StatusProposed, StatusExecuted},
		{StatusPendingApproval, StatusExecuting},
		{StatusRejected, StatusApproved},
		{StatusExpired, StatusApproved},
		{StatusExecuted, StatusExecuting},
		{StatusFailed, StatusExecuting},
		{StatusRolledBack, StatusApproved},
	}
	for _, edge := range illegal {
		assert.False(t, CanTransition(edge.from, edge.to), "%s -> %s should be illegal", edge.from, edge.to)
	}
}

func TestTerminalStates(t *testing.T) {
	for _, s := range []ActionStatus{StatusRejected, StatusExpired, StatusFailed, StatusRolledBack} {
		assert.True(t, s.Terminal(), "%s should be terminal", s)
	}
	for _, s := range []ActionStatus{StatusProposed, StatusApproved, StatusExecuting, StatusExecuted} {
		assert.False(t, s.Terminal(), "%s should not be terminal", s)
	}
}

func TestExecutableStates(t *testing.T) {
	assert.True(t, StatusApproved.Executable())
	assert.True(t, StatusAutoApproved.Executable())
	assert.False(t, StatusPendingApproval.Executable())
	assert.False(t, StatusExecuted.Executable())
}

func TestApprovalLevelRankOrdering(t *testing.T) {
	assert.Less(t, LevelGreen.Rank(), LevelYellow.Rank())
	assert.Less(t, LevelYellow.Rank(), LevelRed.Rank())
	assert.Less(t, LevelRed.Rank(), LevelCritical.Rank())
	// Unknown tiers rank above CRITICAL so comparisons fail safe.
	assert.Greater(t, ApprovalLevel("PURPLE").Rank(), LevelCritical.Rank())
}

func TestTypeKey(t *testing.T) {
	a := &ProposedAction{ActionType: ActionPayInvoice}
	assert.Equal(t, "pay_invoice", a.TypeKey())

	custom := &ProposedAction{ActionType: ActionCustom, CustomType: "rotate_api_keys"}
	assert.Equal(t, "rotate_api_keys", custom.TypeKey())
}

func TestCloneIsDeep(t *testing.T) {
	savings := 100.0
	decided := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	a := &ProposedAction{
		ID:               "act-1",
		ActionType:       ActionTagExpense,
		Title:            "Tag travel spend",
		Steps:            []ActionStep{{Seq: 1, Description: "original"}},
		Parameters:       map[string]any{"category": "travel"},
		EstimatedSavings: &savings,
		DecidedAt:        &decided,
	}

	cp := a.Clone()
	cp.Steps[0].Description = "mutated"
	cp.Parameters["category"] = "mutated"
	*cp.EstimatedSavings = 999.0
	*cp.DecidedAt = decided.Add(time.Hour)

	assert.Equal(t, "original", a.Steps[0].Description)
	assert.Equal(t, "travel", a.Parameters["category"])
	assert.Equal(t, 100.0, *a.EstimatedSavings)
	assert.Equal(t, decided, *a.DecidedAt)
}

func TestValidateRejectsBadRecords(t *testing.T) {
	valid := &ProposedAction{
		ActionType: ActionTagExpense,
		Title:      "Tag travel spend",
		Steps:      []ActionStep{{Seq: 1, Description: "apply tag"}},
	}
	require.NoError(t, valid.Validate())

	cases := map[string]func(*ProposedAction){
		"empty title":        func(a *ProposedAction) { a.Title = "  " },
		"unknown type":       func(a *ProposedAction) { a.ActionType = "launch_rocket" },
		"custom without key": func(a *ProposedAction) { a.ActionType = ActionCustom; a.CustomType = "" },
		"no steps":           func(a *ProposedAction) { a.Steps = nil },
		"invalid tier":       func(a *ProposedAction) { a.ApprovalLevel = "PURPLE" },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			a := valid.Clone()
			mutate(a)
			err := a.Validate()
			assert.True(t, IsValidation(err), "expected validation error, got %v", err)
		})
	}
}

func TestValidateDecisionShapes(t *testing.T) {
	steps := []ActionStep{{Seq: 1, Description: "alternative"}}

	assert.NoError(t, ValidateDecision("alice", DecisionApprove, nil))
	assert.NoError(t, ValidateDecision("alice", DecisionModify, steps))
	assert.True(t, IsValidation(ValidateDecision("", DecisionApprove, nil)))
	assert.True(t, IsValidation(ValidateDecision("alice", DecisionApprove, steps)))
	assert.True(t, IsValidation(ValidateDecision("alice", DecisionModify, nil)))
	assert.True(t, IsValidation(ValidateDecision("alice", "shrug", nil)))
}

func TestExecutionResultSucceeded(t *testing.T) {
	assert.True(t, (&ExecutionResult{Status: ExecSucceeded}).Succeeded())
	assert.True(t, (&ExecutionResult{Status: ExecRolledBack}).Succeeded())
	assert.False(t, (&ExecutionResult{Status: ExecFailed}).Succeeded())
	assert.False(t, (&ExecutionResult{Status: ExecNotReversible}).Succeeded())
}
