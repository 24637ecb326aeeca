package gate

import (
	"context"
	"sync"
	"time"

	"golang.org/x/text/language"
	"golang.org/x/text/message"
	"golang.org/x/text/number"

	"github.com/fiscalpilot/core/pkg/actions"
)

// Notification is the human-facing alert for a YELLOW auto-approval.
type Notification struct {
	ActionID  string                `json:"action_id"`
	Level     actions.ApprovalLevel `json:"level"`
	Title     string                `json:"title"`
	Message   string                `json:"message"`
	CreatedAt time.Time             `json:"created_at"`
}

// Notifier delivers notifications. Delivery failures fail the proposal, so
// a YELLOW action is never silently executed without its alert on record.
type Notifier interface {
	Notify(ctx context.Context, n Notification) error
}

var printer = message.NewPrinter(language.English)

func yellowNotification(a *actions.ProposedAction) Notification {
	msg := printer.Sprintf("Action %q was auto-approved and will execute on the next run.", a.Title)
	if a.EstimatedSavings != nil {
		msg = printer.Sprintf("Action %q was auto-approved and will execute on the next run. Estimated savings: $%v.",
			a.Title, number.Decimal(*a.EstimatedSavings, number.MaxFractionDigits(2)))
	}
	return Notification{
		ActionID:  a.ID,
		Level:     a.ApprovalLevel,
		Title:     a.Title,
		Message:   msg,
		CreatedAt: a.CreatedAt,
	}
}

// QueueNotifier buffers notifications in memory for later delivery. It is
// the default when no external channel is wired.
type QueueNotifier struct {
	mu      sync.Mutex
	pending []Notification
}

// NewQueueNotifier creates an empty queue.
func NewQueueNotifier() *QueueNotifier {
	return &QueueNotifier{}
}

// Notify enqueues the notification.
func (q *QueueNotifier) Notify(_ context.Context, n Notification) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.pending = append(q.pending, n)
	return nil
}

// Drain returns and clears all pending notifications.
func (q *QueueNotifier) Drain() []Notification {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := q.pending
	q.pending = nil
	return out
}
