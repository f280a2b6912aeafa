package db

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// base contains the common fields shared by all models.
// ID uses UUID v7 (time-ordered) for efficient B-tree indexing and natural
// chronological ordering without a separate created_at sort. CreatedAt and
// UpdatedAt are managed automatically by GORM.
type base struct {
	ID        uuid.UUID `gorm:"type:text;primaryKey"`
	CreatedAt time.Time `gorm:"not null"`
	UpdatedAt time.Time `gorm:"not null"`
}

// BeforeCreate generates a new UUID v7 if the ID is not already set.
// This ensures every record has a valid time-ordered ID before insertion.
func (b *base) BeforeCreate(tx *gorm.DB) error {
	if b.ID == (uuid.UUID{}) {
		id, err := uuid.NewV7()
		if err != nil {
			return err
		}
		b.ID = id
	}
	return nil
}

// -----------------------------------------------------------------------------
// Jobs
// -----------------------------------------------------------------------------

// JobStatus is the closed set of states a job can occupy. The task queue is
// the only component that transitions jobs between states; persistence stores
// the short string code.
type JobStatus string

const (
	JobWaiting   JobStatus = "waiting"
	JobActive    JobStatus = "active"
	JobCompleted JobStatus = "completed"
	JobFailed    JobStatus = "failed"
	JobDelayed   JobStatus = "delayed"
	JobDead      JobStatus = "dead"
)

// Terminal reports whether the status permits no further transitions.
func (s JobStatus) Terminal() bool {
	return s == JobCompleted || s == JobDead
}

// Job is a unit of queued work. Rows are created by Enqueue and mutated only
// by the task queue. Lower Priority runs first; ties break on EnqueuedAt.
//
// IdempotencyKey deduplicates enqueues: a non-dead job with the same key in
// the same queue within 24 hours short-circuits the insert.
type Job struct {
	base
	Queue          string    `gorm:"not null;index:idx_jobs_claim,priority:1"`
	Type           string    `gorm:"not null"`
	Payload        string    `gorm:"type:text;not null;default:'{}'"` // JSON
	Status         JobStatus `gorm:"type:text;not null;default:'waiting';index:idx_jobs_claim,priority:2"`
	Priority       int       `gorm:"not null;default:0;index:idx_jobs_claim,priority:3"`
	Attempts       int       `gorm:"not null;default:0"`
	MaxAttempts    int       `gorm:"not null;default:3"`
	BackoffBaseMS  int       `gorm:"not null;default:1000"`
	EnqueuedAt     time.Time `gorm:"not null;index:idx_jobs_claim,priority:4"`
	DelayedUntil   *time.Time
	StartedAt      *time.Time
	CompletedAt    *time.Time
	Error          string    `gorm:"type:text;default:''"`
	UserID         uuid.UUID `gorm:"type:text;not null;index"`
	WorkerID       string    `gorm:"default:''"` // set while active, for diagnostics
	IdempotencyKey string    `gorm:"default:'';index"`

	// MissionID links jobs that materialize mission steps back to their
	// mission so completion telemetry can be attributed. Nil for plain jobs.
	MissionID *uuid.UUID `gorm:"type:text;index"`
}

// -----------------------------------------------------------------------------
// Missions
// -----------------------------------------------------------------------------

// MissionStatus is the closed set of mission states. COMPLETED and FAILED
// are terminal — a mission row is immutable after reaching either.
type MissionStatus string

const (
	MissionPending   MissionStatus = "PENDING"
	MissionRunning   MissionStatus = "RUNNING"
	MissionCompleted MissionStatus = "COMPLETED"
	MissionFailed    MissionStatus = "FAILED"
)

// Mission is a user-submitted DAG plan together with its execution outcome.
// Plan, Result, Audit and AgentCosts are JSON documents owned by the mission
// executor; TotalCost always equals the sum of the AgentCosts values.
type Mission struct {
	base
	UserID     uuid.UUID     `gorm:"type:text;not null;index"`
	Status     MissionStatus `gorm:"type:text;not null;default:'PENDING'"`
	Plan       string        `gorm:"type:text;not null"`     // JSON mission plan
	Result     string        `gorm:"type:text;default:'{}'"` // JSON step outputs
	Audit      string        `gorm:"type:text;default:'[]'"` // JSON ordered step audit
	AgentCosts string        `gorm:"type:text;default:'{}'"` // JSON map agent -> credits
	TotalCost  int64         `gorm:"not null;default:0"`
	FailedStep string        `gorm:"default:''"` // agent name of the step that failed the mission
	TokensUsed int64         `gorm:"not null;default:0"`
}

// -----------------------------------------------------------------------------
// Agent status
// -----------------------------------------------------------------------------

// AgentState is the closed set of per-agent states tracked by the executor.
type AgentState string

const (
	AgentIdle    AgentState = "idle"
	AgentActive  AgentState = "active"
	AgentFailed  AgentState = "failed"
	AgentUnknown AgentState = "unknown"
)

// AgentStatus tracks the execution health of one agent for one user.
// Exactly one row exists per (user, agent) pair; the agent executor is the
// only writer. ConsecutiveFailures resets to zero on any success.
// AvgDurationMS is an exponentially weighted moving average (alpha 0.2).
type AgentStatus struct {
	base
	UserID              uuid.UUID  `gorm:"type:text;not null;uniqueIndex:idx_agent_status_user_agent,priority:1"`
	AgentName           string     `gorm:"not null;uniqueIndex:idx_agent_status_user_agent,priority:2"`
	Status              AgentState `gorm:"type:text;not null;default:'unknown'"`
	CurrentJobID        string     `gorm:"default:''"`
	StartedAt           *time.Time
	LastActiveAt        *time.Time
	TotalExecutions     int64   `gorm:"not null;default:0"`
	ConsecutiveFailures int     `gorm:"not null;default:0"`
	AvgDurationMS       float64 `gorm:"not null;default:0"`
}

// -----------------------------------------------------------------------------
// Dead letters
// -----------------------------------------------------------------------------

// DeadLetterEntry parks a job that exhausted its retries or was rejected
// permanently. JobSnapshot preserves the job row as JSON at the moment of
// death so the original payload survives later job-row TTL expiry.
// ResolvedAt is stamped on replay or admin purge.
type DeadLetterEntry struct {
	base
	JobID         uuid.UUID `gorm:"type:text;not null;index"`
	Queue         string    `gorm:"not null;index"`
	JobType       string    `gorm:"not null"`
	UserID        uuid.UUID `gorm:"type:text;not null;index"`
	JobSnapshot   string    `gorm:"type:text;not null"` // JSON copy of the job row
	FailureReason string    `gorm:"not null"`           // "max_attempts_exhausted" or "permanent_error"
	LastError     string    `gorm:"type:text;default:''"`
	EnteredAt     time.Time `gorm:"not null"`
	ResolvedAt    *time.Time
}

// -----------------------------------------------------------------------------
// Metric snapshots
// -----------------------------------------------------------------------------

// MetricSnapshot is one minute-resolution row of aggregate metrics for one
// user. Timestamp is floored to the minute; (Timestamp, UserID) is unique.
// Rows are retained for 30 days and purged by a maintenance job.
type MetricSnapshot struct {
	base
	UserID          uuid.UUID `gorm:"type:text;not null;uniqueIndex:idx_snapshots_minute_user,priority:2"`
	Timestamp       time.Time `gorm:"not null;uniqueIndex:idx_snapshots_minute_user,priority:1"`
	QueueDepth      int64     `gorm:"not null;default:0"`
	ActiveJobs      int64     `gorm:"not null;default:0"`
	FailedJobs      int64     `gorm:"not null;default:0"`
	CompletedJobs   int64     `gorm:"not null;default:0"`
	ActiveAgents    int64     `gorm:"not null;default:0"`
	IdleAgents      int64     `gorm:"not null;default:0"`
	JobsPerMinute   float64   `gorm:"not null;default:0"`
	CostPerHour     float64   `gorm:"not null;default:0"`
	TokensPerMinute float64   `gorm:"not null;default:0"`
	ErrorRate       float64   `gorm:"not null;default:0"`
}

// -----------------------------------------------------------------------------
// Alerts
// -----------------------------------------------------------------------------

// AlertRule is a user-authored threshold rule evaluated against the current
// metrics. IsFiring is managed exclusively by the alert evaluator; at most
// one open AlertFiring exists per rule at any time.
//
// WindowMinutes is advisory: the collector computes windowed metrics (error
// rate, throughput) over a fixed 5-minute window, and rule windows only pace
// evaluation. Channels and WebhookIDs are JSON arrays.
type AlertRule struct {
	base
	UserID        uuid.UUID `gorm:"type:text;not null;index"`
	Name          string    `gorm:"not null"`
	Metric        string    `gorm:"not null"` // e.g. "error_rate", "queue_depth", "budget_usage"
	Condition     string    `gorm:"not null"` // "gt", "gte", "lt", "lte", "eq"
	Threshold     float64   `gorm:"not null"`
	WindowMinutes int       `gorm:"not null;default:5"`
	Channels      string    `gorm:"type:text;not null;default:'[]'"` // JSON array of channel names
	WebhookIDs    string    `gorm:"type:text;not null;default:'[]'"` // JSON array of endpoint UUIDs
	IsActive      bool      `gorm:"not null;default:true"`
	IsFiring      bool      `gorm:"not null;default:false"`
	LastFiredAt   *time.Time
}

// AlertFiring is one open-to-resolved alert episode. Opened when a rule's
// IsFiring transitions false to true, closed when it transitions back.
type AlertFiring struct {
	base
	RuleID            uuid.UUID `gorm:"type:text;not null;index"`
	UserID            uuid.UUID `gorm:"type:text;not null;index"`
	MetricValue       float64   `gorm:"not null"`
	Message           string    `gorm:"type:text;not null"`
	TriggeredAt       time.Time `gorm:"not null"`
	ResolvedAt        *time.Time
	NotificationsSent string `gorm:"type:text;not null;default:'[]'"` // JSON array of channel names
}

// -----------------------------------------------------------------------------
// Webhooks
// -----------------------------------------------------------------------------

// WebhookEndpoint is a subscriber URL for domain events. Secret is encrypted
// at rest via EncryptedString and never returned by the API. Events is a
// JSON array of event types the endpoint subscribes to.
type WebhookEndpoint struct {
	base
	UserID   uuid.UUID       `gorm:"type:text;not null;index"`
	URL      string          `gorm:"not null"`
	Secret   EncryptedString `gorm:"type:text;not null"`
	Events   string          `gorm:"type:text;not null;default:'[]'"`
	IsActive bool            `gorm:"not null;default:true"`
}

// DeliveryStatus is the closed set of webhook delivery states.
type DeliveryStatus string

const (
	DeliveryPending  DeliveryStatus = "pending"
	DeliveryRetrying DeliveryStatus = "retrying"
	DeliverySent     DeliveryStatus = "sent"
	DeliveryFailed   DeliveryStatus = "failed"
)

// WebhookDelivery is one attempt series to POST a signed event to one
// endpoint. A delivery in "sent" always has a non-nil SentAt. ResponseBody
// holds at most the first KiB of the receiver's response. Rows are retained
// for 30 days.
type WebhookDelivery struct {
	base
	EndpointID   uuid.UUID      `gorm:"type:text;not null;index"`
	UserID       uuid.UUID      `gorm:"type:text;not null;index"`
	EventType    string         `gorm:"not null"`
	Payload      string         `gorm:"type:text;not null"` // JSON request body
	Status       DeliveryStatus `gorm:"type:text;not null;default:'pending'"`
	Attempts     int            `gorm:"not null;default:0"`
	MaxAttempts  int            `gorm:"not null;default:5"`
	ResponseCode int            `gorm:"not null;default:0"`
	ResponseBody string         `gorm:"type:text;default:''"`
	Error        string         `gorm:"type:text;default:''"`
	SentAt       *time.Time
}

// -----------------------------------------------------------------------------
// Schedules
// -----------------------------------------------------------------------------

// Schedule enqueues a mission from a stored plan template on a recurring
// cron schedule. Only the fixed cron vocabulary is recognized; unknown
// expressions run hourly (a warning is logged when the schedule loads).
type Schedule struct {
	base
	UserID    uuid.UUID `gorm:"type:text;not null;index"`
	Name      string    `gorm:"not null"`
	CronExpr  string    `gorm:"not null"`
	Plan      string    `gorm:"type:text;not null"` // JSON mission plan template
	Enabled   bool      `gorm:"not null;default:true"`
	LastRunAt *time.Time
	NextRunAt *time.Time
}
