// Package repositories is the persistence gateway of the G-Pilot core: the
// only seam between in-memory logic and durable storage. It exposes typed
// repository interfaces with GORM implementations and never leaks
// driver-level objects to callers.
//
// Write ownership is strict: the task queue owns Job rows, the mission
// executor owns Mission rows, the agent executor owns AgentStatus rows, the
// snapshotter owns MetricSnapshot rows, the alert evaluator owns AlertRule
// firing state and AlertFiring rows, and the webhook dispatcher owns
// WebhookDelivery rows. Every other component holds read views only.
package repositories

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/gpilot-io/gpilot/internal/db"
)

// ListOptions contains common pagination options for list queries.
type ListOptions struct {
	Limit  int
	Offset int
}

// JobCounts is the per-status census of one queue (or one user's jobs).
// Counts are of current rows, not cumulative over time.
type JobCounts struct {
	Waiting   int64 `json:"waiting"`
	Active    int64 `json:"active"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
	Delayed   int64 `json:"delayed"`
}

// WindowStats summarizes job outcomes inside a trailing time window,
// used by the metrics collector for error-rate and throughput.
type WindowStats struct {
	Completed     int64
	Failed        int64
	AvgDurationMS float64
}

// -----------------------------------------------------------------------------
// JobRepository
// -----------------------------------------------------------------------------

// JobRepository owns the Job table. ClaimNext is the single contested
// operation of the whole system and must be atomic: concurrent callers never
// receive the same job.
type JobRepository interface {
	Create(ctx context.Context, job *db.Job) error
	GetByID(ctx context.Context, id uuid.UUID) (*db.Job, error)

	// FindByIdempotencyKey returns the most recent non-dead job with the
	// given key in the queue enqueued after the cutoff, or ErrNotFound.
	FindByIdempotencyKey(ctx context.Context, queue, key string, since time.Time) (*db.Job, error)

	// ClaimNext atomically selects the best claimable job in the queue
	// (waiting, or delayed with delayed_until <= now; lowest priority number
	// first, oldest enqueued_at breaking ties), flips it to active, stamps
	// started_at, records the worker, increments attempts, and returns it.
	// Returns ErrNoJob when the queue has nothing claimable.
	ClaimNext(ctx context.Context, queue, workerID string, now time.Time) (*db.Job, error)

	// MarkCompleted moves an active job to completed. Completed is terminal.
	MarkCompleted(ctx context.Context, id uuid.UUID, now time.Time) error

	// MarkDelayed schedules a retry: active -> delayed with the given
	// wake-up time and the error that caused the retry.
	MarkDelayed(ctx context.Context, id uuid.UUID, until time.Time, errMsg string) error

	// MarkFailedWithDeadLetter transactionally moves the job to failed and
	// inserts the dead-letter entry. Partial failure rolls back both.
	MarkFailedWithDeadLetter(ctx context.Context, id uuid.UUID, errMsg string, entry *db.DeadLetterEntry) error

	// MarkDead moves a failed job to dead (terminal). Used by DLQ purge.
	MarkDead(ctx context.Context, id uuid.UUID) error

	// ReleaseActive returns an active job to waiting without consuming an
	// attempt. The queue workers do not call it: a consistency fault is
	// logged and leaves the job as it is.
	ReleaseActive(ctx context.Context, id uuid.UUID) error

	// Requeue resets a job for replay from the dead-letter queue:
	// attempts back to zero, status waiting, error cleared.
	Requeue(ctx context.Context, id uuid.UUID) error

	CountsByQueue(ctx context.Context, queue string) (JobCounts, error)
	CountsByUser(ctx context.Context, userID uuid.UUID) (JobCounts, error)

	// StatsSince aggregates completed/failed counts and the average
	// active-run duration for a user's jobs completed after the cutoff.
	StatsSince(ctx context.Context, userID uuid.UUID, since time.Time) (WindowStats, error)

	List(ctx context.Context, userID uuid.UUID, opts ListOptions) ([]db.Job, int64, error)

	// ActiveUsers returns the distinct users with job activity after the
	// cutoff. The snapshotter uses it to decide whose metrics to persist.
	ActiveUsers(ctx context.Context, since time.Time) ([]uuid.UUID, error)

	// DeleteTerminalBefore removes completed and dead jobs older than the
	// cutoff (TTL expiry of terminal rows).
	DeleteTerminalBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// -----------------------------------------------------------------------------
// MissionRepository
// -----------------------------------------------------------------------------

type MissionRepository interface {
	Create(ctx context.Context, mission *db.Mission) error
	GetByID(ctx context.Context, id uuid.UUID) (*db.Mission, error)
	List(ctx context.Context, userID uuid.UUID, opts ListOptions) ([]db.Mission, int64, error)

	// MarkRunning transitions PENDING -> RUNNING. Returns ErrStale if the
	// mission already left PENDING.
	MarkRunning(ctx context.Context, id uuid.UUID) error

	// Finalize writes the terminal state exactly once: status, result,
	// audit, costs. Returns ErrStale if the mission is already terminal.
	Finalize(ctx context.Context, mission *db.Mission) error

	// TokensSince sums TokensUsed over missions finished after the cutoff,
	// for the tokens-per-minute metric.
	TokensSince(ctx context.Context, userID uuid.UUID, since time.Time) (int64, error)

	// CostSince sums TotalCost over missions finished after the cutoff,
	// for the cost-per-hour metric.
	CostSince(ctx context.Context, userID uuid.UUID, since time.Time) (int64, error)
}

// -----------------------------------------------------------------------------
// AgentStatusRepository
// -----------------------------------------------------------------------------

type AgentStatusRepository interface {
	// Upsert writes the full status row for (user, agent), inserting it on
	// first sight. The agent executor is the only caller.
	Upsert(ctx context.Context, status *db.AgentStatus) error

	Get(ctx context.Context, userID uuid.UUID, agentName string) (*db.AgentStatus, error)
	ListByUser(ctx context.Context, userID uuid.UUID) ([]db.AgentStatus, error)
}

// -----------------------------------------------------------------------------
// DeadLetterRepository
// -----------------------------------------------------------------------------

type DeadLetterRepository interface {
	GetByID(ctx context.Context, id uuid.UUID) (*db.DeadLetterEntry, error)
	List(ctx context.Context, userID uuid.UUID, opts ListOptions) ([]db.DeadLetterEntry, int64, error)
	CountOpen(ctx context.Context, userID uuid.UUID) (int64, error)

	// Resolve stamps resolved_at. Called on replay and on purge.
	Resolve(ctx context.Context, id uuid.UUID, at time.Time) error
}

// -----------------------------------------------------------------------------
// SnapshotRepository
// -----------------------------------------------------------------------------

type SnapshotRepository interface {
	// Upsert writes the snapshot for (minute, user), overwriting an existing
	// row for the same minute (last-write-wins; the snapshotter is the single
	// writer).
	Upsert(ctx context.Context, snapshot *db.MetricSnapshot) error

	// ListSince returns snapshots for the user with Timestamp >= since,
	// ordered ascending.
	ListSince(ctx context.Context, userID uuid.UUID, since time.Time) ([]db.MetricSnapshot, error)

	DeleteBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// -----------------------------------------------------------------------------
// AlertRepository
// -----------------------------------------------------------------------------

type AlertRepository interface {
	CreateRule(ctx context.Context, rule *db.AlertRule) error
	GetRule(ctx context.Context, id uuid.UUID) (*db.AlertRule, error)
	UpdateRule(ctx context.Context, rule *db.AlertRule) error
	DeleteRule(ctx context.Context, id uuid.UUID) error
	ListRules(ctx context.Context, userID uuid.UUID) ([]db.AlertRule, error)
	ListActiveRules(ctx context.Context) ([]db.AlertRule, error)

	// SetFiring flips the rule's is_firing flag and, when firing, stamps
	// last_fired_at.
	SetFiring(ctx context.Context, ruleID uuid.UUID, firing bool, at time.Time) error

	CreateFiring(ctx context.Context, firing *db.AlertFiring) error

	// GetOpenFiring returns the rule's unresolved firing, or ErrNotFound.
	// At most one open firing exists per rule.
	GetOpenFiring(ctx context.Context, ruleID uuid.UUID) (*db.AlertFiring, error)

	// ResolveFiring closes the rule's open firing by stamping resolved_at.
	ResolveFiring(ctx context.Context, ruleID uuid.UUID, at time.Time) error

	ListFirings(ctx context.Context, userID uuid.UUID, opts ListOptions) ([]db.AlertFiring, int64, error)

	// FiringCountsSince returns (opened, resolved) counts after the cutoff.
	FiringCountsSince(ctx context.Context, userID uuid.UUID, since time.Time) (int64, int64, error)
}

// -----------------------------------------------------------------------------
// WebhookRepository
// -----------------------------------------------------------------------------

type WebhookRepository interface {
	CreateEndpoint(ctx context.Context, endpoint *db.WebhookEndpoint) error
	GetEndpoint(ctx context.Context, id uuid.UUID) (*db.WebhookEndpoint, error)
	UpdateEndpoint(ctx context.Context, endpoint *db.WebhookEndpoint) error
	DeleteEndpoint(ctx context.Context, id uuid.UUID) error
	ListEndpoints(ctx context.Context, userID uuid.UUID) ([]db.WebhookEndpoint, error)

	// ListActiveEndpointsForEvent returns the user's active endpoints whose
	// Events array contains the event type.
	ListActiveEndpointsForEvent(ctx context.Context, userID uuid.UUID, eventType string) ([]db.WebhookEndpoint, error)

	CreateDelivery(ctx context.Context, delivery *db.WebhookDelivery) error
	GetDelivery(ctx context.Context, id uuid.UUID) (*db.WebhookDelivery, error)
	UpdateDelivery(ctx context.Context, delivery *db.WebhookDelivery) error
	ListDeliveries(ctx context.Context, endpointID uuid.UUID, opts ListOptions) ([]db.WebhookDelivery, int64, error)
	DeleteDeliveriesBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// -----------------------------------------------------------------------------
// ScheduleRepository
// -----------------------------------------------------------------------------

type ScheduleRepository interface {
	Create(ctx context.Context, schedule *db.Schedule) error
	GetByID(ctx context.Context, id uuid.UUID) (*db.Schedule, error)
	Update(ctx context.Context, schedule *db.Schedule) error
	Delete(ctx context.Context, id uuid.UUID) error
	ListEnabled(ctx context.Context) ([]db.Schedule, error)
	ListByUser(ctx context.Context, userID uuid.UUID) ([]db.Schedule, error)
	UpdateRunTimes(ctx context.Context, id uuid.UUID, lastRunAt, nextRunAt time.Time) error
}
