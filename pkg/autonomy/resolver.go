// Package autonomy resolves an action's approval tier from a configurable
// rule table with a total, deterministic precedence order:
//
//  1. exact action-type rule match,
//  2. glob pattern rule match over the action's type key,
//  3. built-in default tier table,
//  4. configured global default,
//  5. CRITICAL fail-safe.
//
// Resolution is a pure function of its inputs. Rules may carry an optional
// CEL condition over the action; conditions are compiled once and evaluated
// without side effects, so the same action and table always yield the same
// tier.
package autonomy

import (
	"fmt"
	"path"

	"github.com/google/cel-go/cel"

	"github.com/fiscalpilot/core/pkg/actions"
)

// RuleTable is the autonomy configuration for one pipeline invocation.
type RuleTable struct {
	Rules   []actions.ApprovalRule
	Default actions.ApprovalLevel
}

// ResolveType resolves a tier for a bare action type, ignoring conditional
// rules (a condition cannot be evaluated without an action instance).
func ResolveType(t actions.ActionType, table RuleTable) actions.ApprovalLevel {
	for _, rule := range table.Rules {
		if rule.Condition != "" {
			continue
		}
		if rule.ActionType == t {
			return rule.Level
		}
	}
	for _, rule := range table.Rules {
		if rule.Condition != "" || rule.Pattern == "" {
			continue
		}
		if ok, _ := path.Match(rule.Pattern, string(t)); ok {
			return rule.Level
		}
	}
	return fallbackLevel(t, table)
}

func fallbackLevel(t actions.ActionType, table RuleTable) actions.ApprovalLevel {
	if level, ok := DefaultLevels[t]; ok {
		return level
	}
	if table.Default.Valid() {
		return table.Default
	}
	return actions.LevelCritical
}

// Resolver evaluates a rule table, including conditional rules, against
// concrete actions. Conditions are compiled at construction; Resolve itself
// holds no mutable state.
type Resolver struct {
	table    RuleTable
	programs []cel.Program // nil entry for rules without a condition
}

// NewResolver compiles the table's CEL conditions. A rule condition sees a
// single `action` variable carrying the type key, title, estimated savings,
// and parameters.
func NewResolver(table RuleTable) (*Resolver, error) {
	env, err := cel.NewEnv(
		cel.Variable("action", cel.DynType),
	)
	if err != nil {
		return nil, fmt.Errorf("autonomy: cel env: %w", err)
	}

	programs := make([]cel.Program, len(table.Rules))
	for i, rule := range table.Rules {
		if rule.Condition == "" {
			continue
		}
		if !rule.Level.Valid() {
			return nil, fmt.Errorf("autonomy: rule %d: invalid level %q", i, rule.Level)
		}
		ast, issues := env.Compile(rule.Condition)
		if issues != nil && issues.Err() != nil {
			return nil, fmt.Errorf("autonomy: rule %d condition: %w", i, issues.Err())
		}
		prg, err := env.Program(ast)
		if err != nil {
			return nil, fmt.Errorf("autonomy: rule %d program: %w", i, err)
		}
		programs[i] = prg
	}
	return &Resolver{table: table, programs: programs}, nil
}

// Resolve returns the approval tier for one action. Rule order follows the
// package precedence; among rules of equal specificity the first match wins.
func (r *Resolver) Resolve(a *actions.ProposedAction) (actions.ApprovalLevel, error) {
	input := celInput(a)

	// Pass 1: exact type rules.
	for i, rule := range r.table.Rules {
		if rule.ActionType != a.ActionType || rule.ActionType == "" {
			continue
		}
		ok, err := r.matches(i, rule, input)
		if err != nil {
			return "", err
		}
		if ok {
			return rule.Level, nil
		}
	}

	// Pass 2: pattern rules over the type key.
	key := a.TypeKey()
	for i, rule := range r.table.Rules {
		if rule.Pattern == "" {
			continue
		}
		matched, err := path.Match(rule.Pattern, key)
		if err != nil {
			return "", fmt.Errorf("autonomy: rule %d pattern %q: %w", i, rule.Pattern, err)
		}
		if !matched {
			continue
		}
		ok, err := r.matches(i, rule, input)
		if err != nil {
			return "", err
		}
		if ok {
			return rule.Level, nil
		}
	}

	return fallbackLevel(a.ActionType, r.table), nil
}

func (r *Resolver) matches(i int, rule actions.ApprovalRule, input map[string]any) (bool, error) {
	if rule.Condition == "" {
		return true, nil
	}
	out, _, err := r.programs[i].Eval(input)
	if err != nil {
		return false, fmt.Errorf("autonomy: rule %d condition eval: %w", i, err)
	}
	allowed, ok := out.Value().(bool)
	if !ok {
		return false, fmt.Errorf("autonomy: rule %d condition is not boolean", i)
	}
	return allowed, nil
}

func celInput(a *actions.ProposedAction) map[string]any {
	savings := 0.0
	if a.EstimatedSavings != nil {
		savings = *a.EstimatedSavings
	}
	params := a.Parameters
	if params == nil {
		params = map[string]any{}
	}
	return map[string]any{
		"action": map[string]any{
			"type":              string(a.ActionType),
			"type_key":          a.TypeKey(),
			"title":             a.Title,
			"estimated_savings": savings,
			"source_finding_id": a.SourceFindingID,
			"parameters":        params,
		},
	}
}
