package autonomy

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fiscalpilot/core/pkg/actions"
)

func TestResolveTypeExactRuleWins(t *testing.T) {
	table := RuleTable{
		Rules: []actions.ApprovalRule{
			{ActionType: actions.ActionCancelSubscription, Level: actions.LevelCritical},
		},
	}
	got := ResolveType(actions.ActionCancelSubscription, table)
	assert.Equal(t, actions.LevelCritical, got, "explicit rule must override builtin RED")
}

func TestResolveTypeBuiltinDefaults(t *testing.T) {
	table := RuleTable{}
	assert.Equal(t, actions.LevelGreen, ResolveType(actions.ActionCategorizeTransaction, table))
	assert.Equal(t, actions.LevelYellow, ResolveType(actions.ActionSendReminder, table))
	assert.Equal(t, actions.LevelRed, ResolveType(actions.ActionPayInvoice, table))
	assert.Equal(t, actions.LevelCritical, ResolveType(actions.ActionChangePayroll, table))
}

func TestResolveTypeGlobalDefault(t *testing.T) {
	table := RuleTable{Default: actions.LevelYellow}
	assert.Equal(t, actions.LevelYellow, ResolveType(actions.ActionCustom, table))
}

func TestResolveTypeFailSafeCritical(t *testing.T) {
	// Unknown type, no rules, no default: never auto-execute.
	assert.Equal(t, actions.LevelCritical, ResolveType(actions.ActionCustom, RuleTable{}))
	assert.Equal(t, actions.LevelCritical, ResolveType(actions.ActionType("never_seen"), RuleTable{}))
}

func TestResolveTypePatternMatch(t *testing.T) {
	table := RuleTable{
		Rules: []actions.ApprovalRule{
			{Pattern: "pay_*", Level: actions.LevelCritical},
		},
	}
	assert.Equal(t, actions.LevelCritical, ResolveType(actions.ActionPayInvoice, table))
	// Non-matching type falls through to the builtin table.
	assert.Equal(t, actions.LevelGreen, ResolveType(actions.ActionTagExpense, table))
}

func TestResolverConditionalRule(t *testing.T) {
	table := RuleTable{
		Rules: []actions.ApprovalRule{
			{
				ActionType: actions.ActionSendReminder,
				Condition:  `action.estimated_savings > 1000.0`,
				Level:      actions.LevelRed,
			},
		},
	}
	r, err := NewResolver(table)
	require.NoError(t, err)

	big := 5000.0
	level, err := r.Resolve(&actions.ProposedAction{
		ActionType:       actions.ActionSendReminder,
		Title:            "chase overdue invoice",
		EstimatedSavings: &big,
	})
	require.NoError(t, err)
	assert.Equal(t, actions.LevelRed, level)

	small := 50.0
	level, err = r.Resolve(&actions.ProposedAction{
		ActionType:       actions.ActionSendReminder,
		Title:            "gentle nudge",
		EstimatedSavings: &small,
	})
	require.NoError(t, err)
	assert.Equal(t, actions.LevelYellow, level, "condition false falls through to builtin default")
}

func TestResolverCustomTypePattern(t *testing.T) {
	table := RuleTable{
		Rules: []actions.ApprovalRule{
			{Pattern: "restaurant_*", Level: actions.LevelYellow},
		},
	}
	r, err := NewResolver(table)
	require.NoError(t, err)

	level, err := r.Resolve(&actions.ProposedAction{
		ActionType: actions.ActionCustom,
		CustomType: "restaurant_menu_reprice",
		Title:      "reprice low-margin dishes",
	})
	require.NoError(t, err)
	assert.Equal(t, actions.LevelYellow, level)
}

func TestResolverRejectsBadCondition(t *testing.T) {
	_, err := NewResolver(RuleTable{
		Rules: []actions.ApprovalRule{
			{ActionType: actions.ActionPayInvoice, Condition: `action.(((`, Level: actions.LevelRed},
		},
	})
	require.Error(t, err)
}

func TestResolverDeterminism(t *testing.T) {
	table := RuleTable{
		Rules: []actions.ApprovalRule{
			{ActionType: actions.ActionPayInvoice, Condition: `action.estimated_savings >= 0.0`, Level: actions.LevelCritical},
		},
	}
	r, err := NewResolver(table)
	require.NoError(t, err)

	a := &actions.ProposedAction{ActionType: actions.ActionPayInvoice, Title: "pay vendor"}
	first, err := r.Resolve(a)
	require.NoError(t, err)
	for i := 0; i < 50; i++ {
		again, err := r.Resolve(a)
		require.NoError(t, err)
		assert.Equal(t, first, again)
	}
}
