package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/fiscalpilot/core/pkg/actions"
	"github.com/fiscalpilot/core/pkg/audit"
)

// transitionPayload is the subset of audit payload fields the fold cares
// about. Events that change an action's state always record the resulting
// status; reresolution records the new tier, modify-approvals the replacement
// steps.
type transitionPayload struct {
	Status        actions.ActionStatus  `json:"status"`
	ApprovalLevel actions.ApprovalLevel `json:"approval_level"`
	Steps         []actions.ActionStep  `json:"steps"`
}

// Replay rebuilds the actions snapshot table from the audit log. The log is
// the source of truth; any drift in the projection is repaired by folding
// every entry in sequence order.
func (s *Store) Replay(ctx context.Context) (int, error) {
	entries, err := s.LoadEntries(ctx)
	if err != nil {
		return 0, err
	}

	rebuilt := make(map[string]*actions.ProposedAction)
	order := make([]string, 0)

	for _, e := range entries {
		if e.Event == audit.EventProposed {
			var a actions.ProposedAction
			if err := json.Unmarshal(e.Payload, &a); err != nil {
				return 0, fmt.Errorf("store: replay proposed entry %d: %w", e.Sequence, err)
			}
			a.Version = 1
			rebuilt[a.ID] = &a
			order = append(order, a.ID)
			continue
		}

		a, ok := rebuilt[e.ActionID]
		if !ok {
			return 0, fmt.Errorf("store: replay entry %d references unknown action %s", e.Sequence, e.ActionID)
		}

		var p transitionPayload
		if len(e.Payload) > 0 {
			if err := json.Unmarshal(e.Payload, &p); err != nil {
				return 0, fmt.Errorf("store: replay entry %d: %w", e.Sequence, err)
			}
		}
		a.Version++

		if p.ApprovalLevel != "" {
			a.ApprovalLevel = p.ApprovalLevel
		}
		if len(p.Steps) > 0 {
			a.Steps = p.Steps
		}
		if p.Status != "" && p.Status != a.Status {
			a.Status = p.Status
		}

		ts := e.Timestamp
		switch e.Event {
		case audit.EventApproved, audit.EventRejected, audit.EventExpired:
			// Partial quorum approvals leave the action pending; only a
			// decided disposition sets the decision time, matching what
			// the gate wrote live. A later cancellation overwrites it,
			// also matching the live path.
			switch p.Status {
			case actions.StatusApproved, actions.StatusRejected, actions.StatusExpired:
				a.DecidedAt = &ts
			}
		case audit.EventExecuted:
			a.ExecutedAt = &ts
		}
	}

	if _, err := s.db.ExecContext(ctx, `DELETE FROM actions`); err != nil {
		return 0, fmt.Errorf("store: replay reset snapshot: %w", err)
	}
	insert := s.rebind(`INSERT INTO actions (id, status, approval_level, version, data, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)`)
	for _, id := range order {
		a := rebuilt[id]
		data, err := json.Marshal(a)
		if err != nil {
			return 0, fmt.Errorf("store: replay marshal action %s: %w", a.ID, err)
		}
		updatedAt := a.CreatedAt
		if a.DecidedAt != nil {
			updatedAt = *a.DecidedAt
		}
		if a.ExecutedAt != nil {
			updatedAt = *a.ExecutedAt
		}
		if _, err := s.db.ExecContext(ctx, insert,
			a.ID, string(a.Status), string(a.ApprovalLevel), a.Version,
			string(data), updatedAt.UTC().Format(time.RFC3339Nano)); err != nil {
			return 0, fmt.Errorf("store: replay write action %s: %w", a.ID, err)
		}
	}
	return len(order), nil
}
