// Package alerts periodically evaluates user-authored threshold rules
// against the live metrics and drives alert firing lifecycles. It is the
// only writer of AlertRule firing state and AlertFiring rows.
package alerts

import (
	"context"

	"github.com/google/uuid"

	"github.com/gpilot-io/gpilot/internal/db"
)

// Notifier delivers alert notifications on the channels the core does not
// own (email, in_app). Implementations live outside the core; a failure on
// one channel must never block the others, which the evaluator enforces by
// calling channels independently and only logging errors.
type Notifier interface {
	Notify(ctx context.Context, channel string, rule *db.AlertRule, firing *db.AlertFiring) error
}

// NopNotifier discards notifications. Used when no external channels are
// configured, and in tests.
type NopNotifier struct{}

func (NopNotifier) Notify(context.Context, string, *db.AlertRule, *db.AlertFiring) error {
	return nil
}

// WalletReader supplies externally owned wallet data for the budget_usage
// metric. Billing is not part of the core; this is its read-only seam.
type WalletReader interface {
	// BudgetUsage returns the user's spent fraction of their credit budget
	// in [0, 1+].
	BudgetUsage(ctx context.Context, userID uuid.UUID) (float64, error)
}

// Publisher is the webhook notification channel: the evaluator publishes
// alert lifecycle events through it without naming the dispatcher type.
type Publisher interface {
	Publish(ctx context.Context, userID uuid.UUID, eventType string, data map[string]any)
}
