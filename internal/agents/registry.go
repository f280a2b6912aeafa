// Package agents maintains the registry of in-process agent handlers and
// executes them with cost and duration bookkeeping. An agent is an opaque,
// invocable unit identified by name — its business meaning is irrelevant to
// scheduling and fault handling, which is exactly why the executor can stay
// generic.
package agents

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/gpilot-io/gpilot/internal/queue"
)

// TokenUsage reports the language-model tokens an agent consumed. Agents
// that do not call a model return the zero value.
type TokenUsage struct {
	PromptTokens     int64 `json:"prompt_tokens"`
	CompletionTokens int64 `json:"completion_tokens"`
}

// Total returns prompt plus completion tokens.
func (u TokenUsage) Total() int64 { return u.PromptTokens + u.CompletionTokens }

// Outcome is what an agent handler produces: a structured output document
// and the token usage behind it.
type Outcome struct {
	Output map[string]any
	Tokens TokenUsage
}

// Invocation carries one agent call's inputs.
type Invocation struct {
	UserID uuid.UUID
	JobID  string // the queue job or mission step driving this call, for status rows
	Input  map[string]any
	Log    queue.LogSink
}

// AgentFunc is the handler contract. Handlers must honor ctx cancellation on
// I/O; retry is never their business — they succeed, fail retryably, or fail
// permanently via queue.Permanent.
type AgentFunc func(ctx context.Context, inv Invocation) (Outcome, error)

// Registry maps agent names to handlers. It is safe for concurrent use —
// registration happens at composition time, lookups happen from worker
// goroutines.
type Registry struct {
	mu     sync.RWMutex
	agents map[string]AgentFunc
	logger *zap.Logger
}

// NewRegistry creates an empty Registry.
func NewRegistry(logger *zap.Logger) *Registry {
	return &Registry{
		agents: make(map[string]AgentFunc),
		logger: logger.Named("agents"),
	}
}

// Register adds an agent handler under its name. Registering a name twice is
// an error — handler identity must be unambiguous for cost attribution.
func (r *Registry) Register(name string, fn AgentFunc) error {
	if name == "" || fn == nil {
		return fmt.Errorf("agents: name and handler are required")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, dup := r.agents[name]; dup {
		return fmt.Errorf("agents: %q already registered", name)
	}
	r.agents[name] = fn

	r.logger.Debug("agent registered", zap.String("agent", name))
	return nil
}

// Lookup returns the handler for name, or false if none is registered.
func (r *Registry) Lookup(name string) (AgentFunc, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	fn, ok := r.agents[name]
	return fn, ok
}

// Names returns all registered agent names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.agents))
	for name := range r.agents {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Count returns the number of registered agents.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.agents)
}
