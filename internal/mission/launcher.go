package mission

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/gpilot-io/gpilot/internal/queue"
)

// Launcher submits a mission and enqueues its run job in one call. The API
// layer and the recurring scheduler both launch missions through it, so the
// submit-then-enqueue pairing lives in exactly one place.
type Launcher struct {
	exec *Executor
	q    *queue.Queue
}

// NewLauncher creates a Launcher.
func NewLauncher(exec *Executor, q *queue.Queue) *Launcher {
	return &Launcher{exec: exec, q: q}
}

// Launch validates and persists the plan, then enqueues the durable run job.
// The mission ID doubles as the idempotency key so a crash after submit
// cannot double-run the mission.
func (l *Launcher) Launch(ctx context.Context, userID uuid.UUID, plan *Plan) (uuid.UUID, error) {
	id, err := l.exec.Submit(ctx, userID, plan)
	if err != nil {
		return uuid.Nil, err
	}

	_, err = l.q.Enqueue(ctx, QueueName, RunJobType,
		RunPayload{MissionID: id.String()},
		queue.EnqueueOptions{
			UserID:         userID,
			IdempotencyKey: "mission-run-" + id.String(),
		})
	if err != nil {
		return uuid.Nil, fmt.Errorf("mission: launch: %w", err)
	}
	return id, nil
}
