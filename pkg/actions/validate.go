package actions

import (
	"math"
	"strings"
)

// Validate checks a proposed action's record shape before it enters the
// pipeline. It performs no I/O and changes no state; the first violated
// field is reported in a ValidationError.
func (a *ProposedAction) Validate() error {
	if strings.TrimSpace(a.Title) == "" {
		return &ValidationError{Field: "title", Reason: "must not be empty"}
	}
	if !a.ActionType.Known() {
		return &ValidationError{Field: "action_type", Reason: "unknown action type " + string(a.ActionType)}
	}
	if a.ActionType == ActionCustom {
		if strings.TrimSpace(a.CustomType) == "" {
			return &ValidationError{Field: "custom_type", Reason: "required for custom actions"}
		}
	} else if len(a.Steps) == 0 {
		return &ValidationError{Field: "steps", Reason: "must not be empty for non-custom actions"}
	}
	if a.EstimatedSavings != nil {
		v := *a.EstimatedSavings
		if math.IsNaN(v) {
			return &ValidationError{Field: "estimated_savings", Reason: "must not be NaN"}
		}
		if math.IsInf(v, 0) {
			return &ValidationError{Field: "estimated_savings", Reason: "must be finite"}
		}
	}
	if a.ApprovalLevel != "" && !a.ApprovalLevel.Valid() {
		return &ValidationError{Field: "approval_level", Reason: "unknown tier " + string(a.ApprovalLevel)}
	}
	return nil
}

// ValidateDecision checks the shape of a decision request before the gate
// applies it.
func ValidateDecision(actor string, kind DecisionKind, modifiedSteps []ActionStep) error {
	if strings.TrimSpace(actor) == "" {
		return &ValidationError{Field: "actor", Reason: "must not be empty"}
	}
	switch kind {
	case DecisionApprove, DecisionReject:
		if len(modifiedSteps) > 0 {
			return &ValidationError{Field: "modified_steps", Reason: "only allowed with a modify decision"}
		}
	case DecisionModify:
		if len(modifiedSteps) == 0 {
			return &ValidationError{Field: "modified_steps", Reason: "required for a modify decision"}
		}
	default:
		return &ValidationError{Field: "decision", Reason: "unknown decision kind " + string(kind)}
	}
	return nil
}
