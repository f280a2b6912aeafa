package mission

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/gpilot-io/gpilot/internal/agents"
	"github.com/gpilot-io/gpilot/internal/db"
	"github.com/gpilot-io/gpilot/internal/queue"
	"github.com/gpilot-io/gpilot/internal/repositories"
)

// DefaultParallelism caps concurrent steps within one DAG level unless the
// plan overrides it.
const DefaultParallelism = 8

// Publisher receives mission lifecycle events for webhook fan-out. The
// executor depends on this narrow interface so it never names the dispatcher.
type Publisher interface {
	Publish(ctx context.Context, userID uuid.UUID, eventType string, data map[string]any)
}

// nopPublisher drops events when no dispatcher is wired.
type nopPublisher struct{}

func (nopPublisher) Publish(context.Context, uuid.UUID, string, map[string]any) {}

// stepStatus is the terminal state of one step within a run.
type stepStatus string

const (
	stepCompleted stepStatus = "completed"
	stepFailed    stepStatus = "failed"
	stepSkipped   stepStatus = "skipped"
)

// AuditEntry is one step's record in the mission audit trail.
type AuditEntry struct {
	Agent       string     `json:"agent"`
	Status      string     `json:"status"`
	Reason      string     `json:"reason,omitempty"`
	Error       string     `json:"error,omitempty"`
	CostCredits int64      `json:"cost_credits"`
	DurationMS  int64      `json:"duration_ms"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	FinishedAt  *time.Time `json:"finished_at,omitempty"`
	Logs        []LogLine  `json:"logs,omitempty"`
}

// LogLine is one line streamed by a step through its log sink.
type LogLine struct {
	Level   string    `json:"level"`
	Message string    `json:"message"`
	At      time.Time `json:"at"`
}

// auditSink buffers a step's streamed log lines. Implements queue.LogSink;
// the executor drains it into the audit entry when the step settles.
type auditSink struct {
	mu    sync.Mutex
	lines []LogLine
}

func (s *auditSink) Append(level, message string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lines = append(s.lines, LogLine{Level: level, Message: message, At: time.Now().UTC()})
}

func (s *auditSink) drain() []LogLine {
	s.mu.Lock()
	defer s.mu.Unlock()
	lines := s.lines
	s.lines = nil
	return lines
}

// stepOutcome is the settled result of one step.
type stepOutcome struct {
	status stepStatus
	reason string
	err    error
	result agents.Result
	entry  AuditEntry
}

// Executor runs mission plans level by level. It owns Mission rows: creation
// at submit, single-shot terminal finalization at the end of a run.
type Executor struct {
	missions    repositories.MissionRepository
	agentExec   *agents.Executor
	publisher   Publisher
	logger      *zap.Logger
	parallelism int
}

// NewExecutor creates a mission Executor. publisher may be nil.
func NewExecutor(missions repositories.MissionRepository, agentExec *agents.Executor, publisher Publisher, logger *zap.Logger, parallelism int) *Executor {
	if parallelism <= 0 {
		parallelism = DefaultParallelism
	}
	if publisher == nil {
		publisher = nopPublisher{}
	}
	return &Executor{
		missions:    missions,
		agentExec:   agentExec,
		publisher:   publisher,
		logger:      logger.Named("mission"),
		parallelism: parallelism,
	}
}

// Submit validates the plan and persists a PENDING mission. Validation
// failures (including cycles) surface synchronously and leave no row behind.
func (e *Executor) Submit(ctx context.Context, userID uuid.UUID, plan *Plan) (uuid.UUID, error) {
	if err := plan.Validate(); err != nil {
		return uuid.Nil, err
	}
	raw, err := json.Marshal(plan)
	if err != nil {
		return uuid.Nil, fmt.Errorf("%w: %v", ErrInvalidPlan, err)
	}

	mission := &db.Mission{
		UserID:     userID,
		Status:     db.MissionPending,
		Plan:       string(raw),
		Result:     "{}",
		Audit:      "[]",
		AgentCosts: "{}",
	}
	if err := e.missions.Create(ctx, mission); err != nil {
		return uuid.Nil, fmt.Errorf("mission: submit: %w", err)
	}

	e.logger.Info("mission submitted",
		zap.String("mission_id", mission.ID.String()),
		zap.String("user_id", userID.String()),
		zap.Int("steps", len(plan.Steps)),
	)
	return mission.ID, nil
}

// Run executes a submitted mission to its terminal state. Steps at the same
// level run concurrently, bounded by the parallelism cap; dependents never
// observe partial-level outputs because each level settles completely before
// the next starts.
func (e *Executor) Run(ctx context.Context, missionID uuid.UUID) error {
	mission, err := e.missions.GetByID(ctx, missionID)
	if err != nil {
		return fmt.Errorf("mission: run: %w", err)
	}

	plan, err := ParsePlan([]byte(mission.Plan))
	if err != nil {
		return e.finalize(ctx, mission, nil, nil, "", err)
	}

	if err := e.missions.MarkRunning(ctx, missionID); err != nil {
		// Already running or terminal — another runner owns it.
		return fmt.Errorf("mission: run: %w", err)
	}

	levels, err := plan.levels()
	if err != nil {
		return e.finalize(ctx, mission, nil, nil, "", err)
	}

	limit := plan.Parallelism
	if limit <= 0 {
		limit = e.parallelism
	}

	outcomes := make(map[string]*stepOutcome, len(plan.Steps))
	failedStep := ""

	for _, level := range levels {
		if failedStep != "" {
			for _, step := range level {
				outcomes[step.Agent] = skipOutcome(step.Agent, "mission failed before this step started")
			}
			continue
		}

		runnable := make([]*Step, 0, len(level))
		for _, step := range level {
			if out := e.preFlight(step, outcomes); out != nil {
				outcomes[step.Agent] = out
				continue
			}
			runnable = append(runnable, step)
		}

		e.runLevel(ctx, mission, runnable, outcomes, limit)

		for _, step := range level {
			out := outcomes[step.Agent]
			if out.status == stepFailed && !step.ContinueOnError {
				failedStep = step.Agent
				break
			}
		}
	}

	return e.finalize(ctx, mission, plan, outcomes, failedStep, nil)
}

// skipOutcome builds the settled outcome for a step that never dispatched.
func skipOutcome(agent, reason string) *stepOutcome {
	return &stepOutcome{
		status: stepSkipped,
		reason: reason,
		entry: AuditEntry{
			Agent:  agent,
			Status: string(stepSkipped),
			Reason: reason,
		},
	}
}

// preFlight decides skips before dispatch: inherited skips (all dependencies
// skipped) and condition gates. Returns nil when the step should run.
func (e *Executor) preFlight(step *Step, outcomes map[string]*stepOutcome) *stepOutcome {
	if len(step.Dependencies) > 0 {
		allSkipped := true
		for _, dep := range step.Dependencies {
			if out := outcomes[dep]; out == nil || out.status != stepSkipped {
				allSkipped = false
				break
			}
		}
		if allSkipped {
			return skipOutcome(step.Agent, "all dependencies were skipped")
		}
	}

	if step.Condition != "" {
		view := conditionView(step, outcomes)
		hold, err := EvalCondition(step.Condition, view)
		if err != nil {
			return skipOutcome(step.Agent, fmt.Sprintf("condition rejected: %v", err))
		}
		if !hold {
			return skipOutcome(step.Agent, fmt.Sprintf("condition %q not met", step.Condition))
		}
	}

	return nil
}

// conditionView builds the read-only output view a condition sees: every
// completed step's output under its agent name, plus the step's own
// dependency outputs merged at the top level. A failed continue-on-error
// dependency appears as an explicit null.
func conditionView(step *Step, outcomes map[string]*stepOutcome) map[string]any {
	view := make(map[string]any)
	for agent, out := range outcomes {
		switch out.status {
		case stepCompleted:
			view[agent] = out.result.Output
		case stepFailed:
			view[agent] = nil
		}
	}
	for _, dep := range step.Dependencies {
		out := outcomes[dep]
		if out == nil || out.status != stepCompleted {
			continue
		}
		for k, v := range out.result.Output {
			view[k] = v
		}
	}
	return view
}

// runLevel dispatches the runnable steps of one level concurrently, bounded
// by the parallelism cap, and waits for all of them to settle.
func (e *Executor) runLevel(ctx context.Context, mission *db.Mission, steps []*Step, outcomes map[string]*stepOutcome, limit int) {
	if len(steps) == 0 {
		return
	}

	var (
		mu  sync.Mutex
		wg  sync.WaitGroup
		sem = make(chan struct{}, limit)
	)

	for _, step := range steps {
		wg.Add(1)
		go func(step *Step) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()

			out := e.runStep(ctx, mission, step)

			mu.Lock()
			outcomes[step.Agent] = out
			mu.Unlock()
		}(step)
	}

	wg.Wait()
}

// runStep executes one step through the agent executor and records its audit
// entry.
func (e *Executor) runStep(ctx context.Context, mission *db.Mission, step *Step) *stepOutcome {
	sink := &auditSink{}
	started := time.Now().UTC()

	result, err := e.agentExec.Execute(ctx, step.Agent, agents.Invocation{
		UserID: mission.UserID,
		JobID:  mission.ID.String(),
		Input:  step.Input,
		Log:    sink,
	})
	finished := time.Now().UTC()

	entry := AuditEntry{
		Agent:       step.Agent,
		CostCredits: result.CostCredits,
		DurationMS:  result.DurationMS,
		StartedAt:   &started,
		FinishedAt:  &finished,
		Logs:        sink.drain(),
	}

	if err != nil {
		entry.Status = string(stepFailed)
		entry.Error = err.Error()
		e.logger.Warn("mission step failed",
			zap.String("mission_id", mission.ID.String()),
			zap.String("agent", step.Agent),
			zap.Error(err),
		)
		return &stepOutcome{status: stepFailed, err: err, result: result, entry: entry}
	}

	entry.Status = string(stepCompleted)
	return &stepOutcome{status: stepCompleted, result: result, entry: entry}
}

// finalize writes the terminal mission state exactly once and publishes the
// lifecycle event. Skipped steps contribute no cost.
func (e *Executor) finalize(ctx context.Context, mission *db.Mission, plan *Plan, outcomes map[string]*stepOutcome, failedStep string, planErr error) error {
	var (
		auditEntries []AuditEntry
		results      = make(map[string]any)
		agentCosts   = make(map[string]int64)
		totalCost    int64
		tokensUsed   int64
	)

	if plan != nil {
		for i := range plan.Steps {
			step := &plan.Steps[i]
			out := outcomes[step.Agent]
			if out == nil {
				continue
			}
			auditEntries = append(auditEntries, out.entry)
			switch out.status {
			case stepCompleted:
				results[step.Agent] = out.result.Output
				agentCosts[step.Agent] = out.result.CostCredits
				totalCost += out.result.CostCredits
				tokensUsed += out.result.Tokens.Total()
			case stepFailed:
				results[step.Agent] = nil
				if out.result.CostCredits > 0 {
					agentCosts[step.Agent] = out.result.CostCredits
					totalCost += out.result.CostCredits
				}
			}
		}
	}

	status := db.MissionCompleted
	if planErr != nil || failedStep != "" {
		status = db.MissionFailed
	}
	if planErr != nil && failedStep == "" {
		failedStep = planErr.Error()
	}

	resultJSON, _ := json.Marshal(results)
	auditJSON, _ := json.Marshal(auditEntries)
	costsJSON, _ := json.Marshal(agentCosts)

	mission.Status = status
	mission.Result = string(resultJSON)
	mission.Audit = string(auditJSON)
	mission.AgentCosts = string(costsJSON)
	mission.TotalCost = totalCost
	mission.TokensUsed = tokensUsed
	mission.FailedStep = failedStep

	if err := e.missions.Finalize(ctx, mission); err != nil {
		return fmt.Errorf("mission: finalize: %w", err)
	}

	eventType := "mission.completed"
	if status == db.MissionFailed {
		eventType = "mission.failed"
	}
	e.publisher.Publish(ctx, mission.UserID, eventType, map[string]any{
		"mission_id": mission.ID.String(),
		"status":     string(status),
		"total_cost": totalCost,
	})

	e.logger.Info("mission finished",
		zap.String("mission_id", mission.ID.String()),
		zap.String("status", string(status)),
		zap.Int64("total_cost", totalCost),
	)

	if planErr != nil {
		return planErr
	}
	return nil
}

// RegisterRunHandler wires the mission run job type onto the missions queue,
// so submitted missions execute through the durable worker pool.
func (e *Executor) RegisterRunHandler(q *queue.Queue) error {
	return q.RegisterHandler(QueueName, RunJobType, queue.Registration{
		Payload: func() any { return new(RunPayload) },
		Handle: func(ctx context.Context, inv *queue.Invocation) error {
			payload := inv.Payload.(*RunPayload)
			id, err := uuid.Parse(payload.MissionID)
			if err != nil {
				return queue.Permanent(fmt.Errorf("bad mission id %q: %w", payload.MissionID, err))
			}
			return e.Run(ctx, id)
		},
	})
}

// QueueName and RunJobType identify mission execution jobs on the task queue.
const (
	QueueName  = "missions"
	RunJobType = "mission.run"
)

// RunPayload is the job body for a mission run.
type RunPayload struct {
	MissionID string `json:"mission_id"`
}
