package autonomy

import "github.com/fiscalpilot/core/pkg/actions"

// DefaultLevels is the built-in tier table shipped with the system. It is
// consulted after explicit rules and before the configured global default.
// Action types absent from this table (including custom types) fall through;
// the final fail-safe is CRITICAL, never auto-execute.
var DefaultLevels = map[actions.ActionType]actions.ApprovalLevel{
	// Low risk: bookkeeping and read-only outputs.
	actions.ActionCategorizeTransaction: actions.LevelGreen,
	actions.ActionTagExpense:            actions.LevelGreen,
	actions.ActionGenerateReport:        actions.LevelGreen,
	actions.ActionCreateBudgetAlert:     actions.LevelGreen,

	// Medium risk: outbound messages and bulk edits.
	actions.ActionSendReminder:       actions.LevelYellow,
	actions.ActionFlagForReview:      actions.LevelYellow,
	actions.ActionUpdateCategoryBulk: actions.LevelYellow,

	// High risk: money movement and vendor contact.
	actions.ActionCancelSubscription: actions.LevelRed,
	actions.ActionRenegotiateVendor:  actions.LevelRed,
	actions.ActionPayInvoice:         actions.LevelRed,

	// Critical: payroll, tax, large transfers.
	actions.ActionChangePayroll: actions.LevelCritical,
	actions.ActionFileTaxForm:   actions.LevelCritical,
	actions.ActionTransferFunds: actions.LevelCritical,
}
