package executor

import (
	"context"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fiscalpilot/core/pkg/actions"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestRegistry() *Registry {
	logger := quietLogger()
	r := NewRegistry(logger)
	r.Register(NewCategorizationExecutor(logger))
	r.Register(NewNotificationExecutor(logger))
	r.Register(NewSubscriptionExecutor(logger))
	return r
}

func categorizeAction() *actions.ProposedAction {
	return &actions.ProposedAction{
		ID:         "act-1",
		ActionType: actions.ActionCategorizeTransaction,
		Title:      "Recategorize AWS spend",
		Steps:      []actions.ActionStep{{Seq: 1, Description: "Move to cloud-infra"}},
		Parameters: map[string]any{
			"transaction_ids": []any{"tx-1", "tx-2"},
			"category":        "cloud-infra",
		},
	}
}

func TestRegistryDispatchesByTypeKey(t *testing.T) {
	r := newTestRegistry()

	e, ok := r.Lookup(string(actions.ActionCancelSubscription))
	require.True(t, ok)
	assert.Equal(t, "subscription", e.Name())

	e, ok = r.Lookup(string(actions.ActionTagExpense))
	require.True(t, ok)
	assert.Equal(t, "categorization", e.Name())

	_, ok = r.Lookup("no_such_type")
	assert.False(t, ok)
}

func TestRegistryLaterRegistrationWins(t *testing.T) {
	r := newTestRegistry()
	override := &LogOnlyExecutor{logger: quietLogger()}
	r.Register(override)

	e, ok := r.Lookup(string(actions.ActionCancelSubscription))
	require.True(t, ok)
	assert.Equal(t, "log_only", e.Name())
}

func TestResolveUnhandledLiveFails(t *testing.T) {
	r := newTestRegistry()
	a := &actions.ProposedAction{
		ID:         "act-1",
		ActionType: actions.ActionCustom,
		CustomType: "rotate_api_keys",
		Title:      "Rotate vendor API keys",
	}

	_, err := r.Resolve(a, false)
	var notFound *actions.ExecutorNotFoundError
	require.ErrorAs(t, err, &notFound)
	assert.Equal(t, "rotate_api_keys", notFound.TypeKey)
}

func TestResolveUnhandledDryRunFallsBack(t *testing.T) {
	r := newTestRegistry()
	a := &actions.ProposedAction{
		ID:         "act-1",
		ActionType: actions.ActionCustom,
		CustomType: "rotate_api_keys",
		Title:      "Rotate vendor API keys",
	}

	e, err := r.Resolve(a, true)
	require.NoError(t, err)
	assert.Equal(t, "log_only", e.Name())

	res, err := e.Execute(context.Background(), a, true)
	require.NoError(t, err)
	assert.Equal(t, actions.ExecSucceeded, res.Status)
	assert.True(t, res.DryRun)
	assert.False(t, res.Reversible)
}

func TestCategorizationRoundTrip(t *testing.T) {
	e := NewCategorizationExecutor(quietLogger())
	a := categorizeAction()
	require.NoError(t, e.Validate(a))

	res, err := e.Execute(context.Background(), a, false)
	require.NoError(t, err)
	assert.Equal(t, actions.ExecSucceeded, res.Status)
	assert.True(t, res.Reversible)
	assert.Contains(t, res.Details, "original_categories")

	undo, err := e.Rollback(context.Background(), a, res)
	require.NoError(t, err)
	assert.Equal(t, actions.ExecRolledBack, undo.Status)
}

func TestCategorizationValidateRejectsMissingParams(t *testing.T) {
	e := NewCategorizationExecutor(quietLogger())
	a := categorizeAction()
	delete(a.Parameters, "category")

	err := e.Validate(a)
	require.Error(t, err)
	assert.True(t, actions.IsValidation(err))
}

func TestCategorizationValidateRejectsEmptyTransactionList(t *testing.T) {
	e := NewCategorizationExecutor(quietLogger())
	a := categorizeAction()
	a.Parameters["transaction_ids"] = []any{}

	assert.True(t, actions.IsValidation(e.Validate(a)))
}

func TestNotificationIsNotReversible(t *testing.T) {
	e := NewNotificationExecutor(quietLogger())
	a := &actions.ProposedAction{
		ID:         "act-1",
		ActionType: actions.ActionSendReminder,
		Title:      "Remind vendor about invoice",
		Parameters: map[string]any{"recipient": "ap@vendor.example", "channel": "email"},
	}
	require.NoError(t, e.Validate(a))

	res, err := e.Execute(context.Background(), a, false)
	require.NoError(t, err)
	assert.False(t, res.Reversible)

	undo, err := e.Rollback(context.Background(), a, res)
	require.NoError(t, err)
	assert.Equal(t, actions.ExecNotReversible, undo.Status)
}

func TestNotificationValidateRejectsBadChannel(t *testing.T) {
	e := NewNotificationExecutor(quietLogger())
	a := &actions.ProposedAction{
		ID:         "act-1",
		ActionType: actions.ActionSendReminder,
		Title:      "Remind vendor about invoice",
		Parameters: map[string]any{"recipient": "ap@vendor.example", "channel": "carrier_pigeon"},
	}
	assert.True(t, actions.IsValidation(e.Validate(a)))
}

func TestSubscriptionCancelAndReactivate(t *testing.T) {
	e := NewSubscriptionExecutor(quietLogger())
	a := &actions.ProposedAction{
		ID:         "act-1",
		ActionType: actions.ActionCancelSubscription,
		Title:      "Cancel unused SaaS seat",
		Parameters: map[string]any{"vendor": "Acme SaaS", "subscription_id": "sub-42", "monthly_cost": 49.0},
	}
	require.NoError(t, e.Validate(a))

	res, err := e.Execute(context.Background(), a, false)
	require.NoError(t, err)
	assert.Equal(t, actions.ExecSucceeded, res.Status)
	assert.True(t, res.Reversible)

	undo, err := e.Rollback(context.Background(), a, res)
	require.NoError(t, err)
	assert.Equal(t, actions.ExecRolledBack, undo.Status)
	assert.Contains(t, undo.Summary, "Acme SaaS")
}

func TestDryRunProducesNoLiveResult(t *testing.T) {
	e := NewSubscriptionExecutor(quietLogger())
	a := &actions.ProposedAction{
		ID:         "act-1",
		ActionType: actions.ActionCancelSubscription,
		Title:      "Cancel unused SaaS seat",
		Parameters: map[string]any{"vendor": "Acme SaaS"},
	}

	res, err := e.Execute(context.Background(), a, true)
	require.NoError(t, err)
	assert.True(t, res.DryRun)
	assert.Equal(t, actions.ExecSucceeded, res.Status)
}
