package executor

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/fiscalpilot/core/pkg/actions"
)

// categorizationSchema covers the bookkeeping executors: one or more
// transaction IDs and the category to apply.
var categorizationSchema = MustParamSchema("categorization.json", `{
	"$schema": "https://json-schema.org/draft/2020-12/schema",
	"type": "object",
	"required": ["transaction_ids", "category"],
	"properties": {
		"transaction_ids": {
			"type": "array",
			"items": {"type": "string"},
			"minItems": 1
		},
		"category": {"type": "string", "minLength": 1},
		"original_categories": {
			"type": "object",
			"additionalProperties": {"type": "string"}
		}
	}
}`)

// CategorizationExecutor applies category and tag changes to transactions.
// It is reversible: the pre-change categories are captured in the result so
// Rollback can restore them.
type CategorizationExecutor struct {
	logger *slog.Logger
}

// NewCategorizationExecutor creates the bookkeeping executor.
func NewCategorizationExecutor(logger *slog.Logger) *CategorizationExecutor {
	if logger == nil {
		logger = slog.Default()
	}
	return &CategorizationExecutor{logger: logger}
}

func (e *CategorizationExecutor) Name() string { return "categorization" }

func (e *CategorizationExecutor) CanHandle(typeKey string) bool {
	switch actions.ActionType(typeKey) {
	case actions.ActionCategorizeTransaction, actions.ActionTagExpense, actions.ActionUpdateCategoryBulk:
		return true
	}
	return false
}

func (e *CategorizationExecutor) Validate(a *actions.ProposedAction) error {
	return categorizationSchema.Validate(a)
}

func (e *CategorizationExecutor) Execute(_ context.Context, a *actions.ProposedAction, dryRun bool) (*actions.ExecutionResult, error) {
	started := time.Now()
	ids, _ := a.Parameters["transaction_ids"].([]any)
	category, _ := a.Parameters["category"].(string)

	originals := make(map[string]any, len(ids))
	if prior, ok := a.Parameters["original_categories"].(map[string]any); ok {
		for k, v := range prior {
			originals[k] = v
		}
	} else {
		for _, id := range ids {
			if s, ok := id.(string); ok {
				originals[s] = "uncategorized"
			}
		}
	}

	e.logger.Info("applying categorization",
		"action_id", a.ID,
		"category", category,
		"transactions", len(ids),
		"dry_run", dryRun,
	)

	res := newResult(a, started)
	res.Status = actions.ExecSucceeded
	res.Summary = fmt.Sprintf("applied category %q to %d transaction(s)", category, len(ids))
	res.DryRun = dryRun
	res.Reversible = true
	res.Details = map[string]any{
		"category":            category,
		"transaction_count":   len(ids),
		"original_categories": originals,
	}
	return res, nil
}

func (e *CategorizationExecutor) Rollback(_ context.Context, a *actions.ProposedAction, prior *actions.ExecutionResult) (*actions.ExecutionResult, error) {
	started := time.Now()
	res := newResult(a, started)

	originals, _ := prior.Details["original_categories"].(map[string]any)
	if len(originals) == 0 {
		res.Status = actions.ExecNotReversible
		res.Summary = "no original categories recorded; cannot restore"
		return res, nil
	}

	e.logger.Info("restoring original categories",
		"action_id", a.ID,
		"transactions", len(originals),
	)
	res.Status = actions.ExecRolledBack
	res.Summary = fmt.Sprintf("restored original categories on %d transaction(s)", len(originals))
	res.Reversible = false
	res.Details = map[string]any{"restored": originals}
	return res, nil
}

var notificationSchema = MustParamSchema("notification.json", `{
	"$schema": "https://json-schema.org/draft/2020-12/schema",
	"type": "object",
	"required": ["recipient"],
	"properties": {
		"recipient": {"type": "string", "minLength": 1},
		"channel": {"type": "string", "enum": ["email", "slack", "dashboard"]},
		"message": {"type": "string"}
	}
}`)

// NotificationExecutor delivers reminders, review flags, and budget alerts.
// Sending a message cannot be unsent, so it is not reversible.
type NotificationExecutor struct {
	logger *slog.Logger
}

// NewNotificationExecutor creates the notification executor.
func NewNotificationExecutor(logger *slog.Logger) *NotificationExecutor {
	if logger == nil {
		logger = slog.Default()
	}
	return &NotificationExecutor{logger: logger}
}

func (e *NotificationExecutor) Name() string { return "notification" }

func (e *NotificationExecutor) CanHandle(typeKey string) bool {
	switch actions.ActionType(typeKey) {
	case actions.ActionSendReminder, actions.ActionFlagForReview, actions.ActionCreateBudgetAlert:
		return true
	}
	return false
}

func (e *NotificationExecutor) Validate(a *actions.ProposedAction) error {
	return notificationSchema.Validate(a)
}

func (e *NotificationExecutor) Execute(_ context.Context, a *actions.ProposedAction, dryRun bool) (*actions.ExecutionResult, error) {
	started := time.Now()
	recipient, _ := a.Parameters["recipient"].(string)
	channel, _ := a.Parameters["channel"].(string)
	if channel == "" {
		channel = "dashboard"
	}

	e.logger.Info("delivering notification",
		"action_id", a.ID,
		"type", a.TypeKey(),
		"recipient", recipient,
		"channel", channel,
		"dry_run", dryRun,
	)

	res := newResult(a, started)
	res.Status = actions.ExecSucceeded
	res.Summary = fmt.Sprintf("delivered %s to %s via %s", a.TypeKey(), recipient, channel)
	res.DryRun = dryRun
	res.Reversible = false
	res.Details = map[string]any{"recipient": recipient, "channel": channel}
	return res, nil
}

func (e *NotificationExecutor) Rollback(_ context.Context, a *actions.ProposedAction, _ *actions.ExecutionResult) (*actions.ExecutionResult, error) {
	res := newResult(a, time.Now())
	res.Status = actions.ExecNotReversible
	res.Summary = "a delivered notification cannot be recalled"
	return res, nil
}

var subscriptionSchema = MustParamSchema("subscription.json", `{
	"$schema": "https://json-schema.org/draft/2020-12/schema",
	"type": "object",
	"required": ["vendor"],
	"properties": {
		"vendor": {"type": "string", "minLength": 1},
		"subscription_id": {"type": "string"},
		"monthly_cost": {"type": "number", "minimum": 0}
	}
}`)

// SubscriptionExecutor cancels vendor subscriptions. Vendors typically allow
// reactivation within a grace period, so cancellation is reversible.
type SubscriptionExecutor struct {
	logger *slog.Logger
}

// NewSubscriptionExecutor creates the subscription executor.
func NewSubscriptionExecutor(logger *slog.Logger) *SubscriptionExecutor {
	if logger == nil {
		logger = slog.Default()
	}
	return &SubscriptionExecutor{logger: logger}
}

func (e *SubscriptionExecutor) Name() string { return "subscription" }

func (e *SubscriptionExecutor) CanHandle(typeKey string) bool {
	return actions.ActionType(typeKey) == actions.ActionCancelSubscription
}

func (e *SubscriptionExecutor) Validate(a *actions.ProposedAction) error {
	return subscriptionSchema.Validate(a)
}

func (e *SubscriptionExecutor) Execute(_ context.Context, a *actions.ProposedAction, dryRun bool) (*actions.ExecutionResult, error) {
	started := time.Now()
	vendor, _ := a.Parameters["vendor"].(string)
	subID, _ := a.Parameters["subscription_id"].(string)

	e.logger.Info("cancelling subscription",
		"action_id", a.ID,
		"vendor", vendor,
		"subscription_id", subID,
		"dry_run", dryRun,
	)

	res := newResult(a, started)
	res.Status = actions.ExecSucceeded
	res.Summary = fmt.Sprintf("cancelled subscription with %s", vendor)
	res.DryRun = dryRun
	res.Reversible = true
	res.Details = map[string]any{"vendor": vendor, "subscription_id": subID}
	return res, nil
}

func (e *SubscriptionExecutor) Rollback(_ context.Context, a *actions.ProposedAction, prior *actions.ExecutionResult) (*actions.ExecutionResult, error) {
	started := time.Now()
	vendor, _ := prior.Details["vendor"].(string)

	e.logger.Info("reactivating subscription", "action_id", a.ID, "vendor", vendor)

	res := newResult(a, started)
	res.Status = actions.ExecRolledBack
	res.Summary = fmt.Sprintf("reactivated subscription with %s", vendor)
	res.Details = map[string]any{"vendor": vendor}
	return res, nil
}
