package agents

import (
	"context"
	"fmt"
	"math"
	"time"

	"go.uber.org/zap"

	"github.com/gpilot-io/gpilot/internal/db"
	"github.com/gpilot-io/gpilot/internal/repositories"
)

// TokensPerCredit is the exchange rate between language-model tokens and
// billing credits: one credit covers 100 000 tokens, partial blocks round up.
const TokensPerCredit = 100_000

// ewmaAlpha weights the most recent run in the rolling average duration.
const ewmaAlpha = 0.2

// Result is the executor's account of one agent run.
type Result struct {
	Output      map[string]any
	CostCredits int64
	DurationMS  int64
	Tokens      TokenUsage
}

// Executor looks up agents in the registry and runs them with full
// AgentStatus bookkeeping. It is the only writer of AgentStatus rows.
type Executor struct {
	registry *Registry
	statuses repositories.AgentStatusRepository
	logger   *zap.Logger
}

// NewExecutor creates an Executor over the given registry.
func NewExecutor(registry *Registry, statuses repositories.AgentStatusRepository, logger *zap.Logger) *Executor {
	return &Executor{
		registry: registry,
		statuses: statuses,
		logger:   logger.Named("executor"),
	}
}

// Execute runs one agent and returns its output with cost and duration
// attached. The status row moves idle/unknown -> active -> idle on success or
// failed on error; consecutive failures reset to zero on any success.
//
// Status-row write failures are logged, not returned: bookkeeping must never
// turn a successful agent run into a failed one.
func (e *Executor) Execute(ctx context.Context, agentName string, inv Invocation) (Result, error) {
	fn, ok := e.registry.Lookup(agentName)
	if !ok {
		return Result{}, fmt.Errorf("agents: unknown agent %q", agentName)
	}

	now := time.Now().UTC()
	status := e.loadStatus(ctx, inv, agentName)
	status.Status = db.AgentActive
	status.CurrentJobID = inv.JobID
	status.StartedAt = &now
	e.saveStatus(ctx, status)

	started := time.Now()
	outcome, err := fn(ctx, inv)
	elapsed := time.Since(started)
	finished := time.Now().UTC()

	status.CurrentJobID = ""
	status.LastActiveAt = &finished

	if err != nil {
		status.Status = db.AgentFailed
		status.ConsecutiveFailures++
		e.saveStatus(ctx, status)
		return Result{DurationMS: elapsed.Milliseconds()}, fmt.Errorf("agents: %s: %w", agentName, err)
	}

	status.Status = db.AgentIdle
	status.ConsecutiveFailures = 0
	status.TotalExecutions++
	durationMS := float64(elapsed.Milliseconds())
	if status.AvgDurationMS == 0 {
		status.AvgDurationMS = durationMS
	} else {
		status.AvgDurationMS = ewmaAlpha*durationMS + (1-ewmaAlpha)*status.AvgDurationMS
	}
	e.saveStatus(ctx, status)

	credits := CreditsFor(outcome.Tokens)
	if outcome.Tokens.Total() == 0 && inv.Log != nil {
		inv.Log.Append("warn", fmt.Sprintf("agent %s reported no token usage; cost recorded as 0", agentName))
	}

	return Result{
		Output:      outcome.Output,
		CostCredits: credits,
		DurationMS:  elapsed.Milliseconds(),
		Tokens:      outcome.Tokens,
	}, nil
}

// CreditsFor converts token usage into whole credits, rounding up.
func CreditsFor(tokens TokenUsage) int64 {
	total := tokens.Total()
	if total <= 0 {
		return 0
	}
	return int64(math.Ceil(float64(total) / TokensPerCredit))
}

// loadStatus fetches the existing status row for (user, agent) or builds a
// fresh one on first sight.
func (e *Executor) loadStatus(ctx context.Context, inv Invocation, agentName string) *db.AgentStatus {
	status, err := e.statuses.Get(ctx, inv.UserID, agentName)
	if err == nil {
		return status
	}
	if err != repositories.ErrNotFound {
		e.logger.Warn("load agent status failed, starting fresh",
			zap.String("agent", agentName),
			zap.Error(err),
		)
	}
	return &db.AgentStatus{
		UserID:    inv.UserID,
		AgentName: agentName,
		Status:    db.AgentUnknown,
	}
}

func (e *Executor) saveStatus(ctx context.Context, status *db.AgentStatus) {
	if err := e.statuses.Upsert(ctx, status); err != nil {
		e.logger.Error("upsert agent status failed",
			zap.String("agent", status.AgentName),
			zap.String("user_id", status.UserID.String()),
			zap.Error(err),
		)
	}
}
