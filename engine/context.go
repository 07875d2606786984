package engine

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/buildforge/buildforge/engine/gen"
)

// ExecutionContext is the per-run bag owned by the orchestrator. Tasks get
// a read-only view; the orchestrator and recovery manager are the only
// writers, so the handful of mutable fields are guarded by one mutex.
type ExecutionContext struct {
	ExecutionID string
	SessionID   string
	ProjectID   string

	// ProjectRoot is the directory all file-operation paths resolve
	// against.
	ProjectRoot string

	mu sync.RWMutex

	// Research results cached per phase id during preparation.
	research map[string]gen.ResearchResult

	// Rule application results per phase id.
	ruleResults map[string]any

	// MCP configuration produced by phase preparation.
	mcpConfig map[string]any

	// Resume hints injected by the recovery manager or checkpoint
	// restore: execution restarts at ResumeFromPhase, skipping completed
	// work recorded in CompletedTasks.
	resumeFromPhase string
	resumeFromTask  string
	skipTasks       map[string]bool
	completedTasks  map[string]bool

	cancelled atomic.Bool
}

// NewExecutionContext creates a context for a fresh run. The session id is
// the human-friendly timestamp form; the execution id is a UUID.
func NewExecutionContext(projectID, projectRoot string) *ExecutionContext {
	return &ExecutionContext{
		ExecutionID:    uuid.NewString(),
		SessionID:      time.Now().UTC().Format("20060102_150405"),
		ProjectID:      projectID,
		ProjectRoot:    projectRoot,
		research:       make(map[string]gen.ResearchResult),
		ruleResults:    make(map[string]any),
		mcpConfig:      make(map[string]any),
		skipTasks:      make(map[string]bool),
		completedTasks: make(map[string]bool),
	}
}

// Cancel flags the execution as cancelled. Cooperative: polled before each
// task launch and inside retry sleeps.
func (c *ExecutionContext) Cancel() { c.cancelled.Store(true) }

// Cancelled reports whether a cancel was requested.
func (c *ExecutionContext) Cancelled() bool { return c.cancelled.Load() }

// AddResearch caches research results for a phase.
func (c *ExecutionContext) AddResearch(phaseID string, result gen.ResearchResult) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.research[phaseID] = result
}

// Research returns cached research for a phase.
func (c *ExecutionContext) Research(phaseID string) (gen.ResearchResult, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	r, ok := c.research[phaseID]
	return r, ok
}

// SetRuleResults attaches rule application output for a phase.
func (c *ExecutionContext) SetRuleResults(phaseID string, results any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ruleResults[phaseID] = results
}

// SetMCPConfig attaches MCP configuration for a phase.
func (c *ExecutionContext) SetMCPConfig(phaseID string, config any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.mcpConfig[phaseID] = config
}

// SetResumePoint records where execution should resume.
func (c *ExecutionContext) SetResumePoint(phaseID, taskID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.resumeFromPhase = phaseID
	c.resumeFromTask = taskID
}

// ResumePoint returns the recorded resume hints, empty when starting fresh.
func (c *ExecutionContext) ResumePoint() (phaseID, taskID string) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.resumeFromPhase, c.resumeFromTask
}

// MarkSkip flags tasks the next attempt must skip.
func (c *ExecutionContext) MarkSkip(taskIDs ...string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, id := range taskIDs {
		c.skipTasks[id] = true
	}
}

// ShouldSkip reports whether recovery marked a task to be skipped.
func (c *ExecutionContext) ShouldSkip(taskID string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.skipTasks[taskID]
}

// MarkCompleted records task ids already finished in an earlier attempt.
func (c *ExecutionContext) MarkCompleted(taskIDs ...string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, id := range taskIDs {
		c.completedTasks[id] = true
	}
}

// ClearCompleted drops all completed markers (restart-all recovery).
func (c *ExecutionContext) ClearCompleted() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.completedTasks = make(map[string]bool)
}

// AlreadyCompleted reports whether a task finished in an earlier attempt.
func (c *ExecutionContext) AlreadyCompleted(taskID string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.completedTasks[taskID]
}

// CompletedTasks returns a copy of the completed-task set.
func (c *ExecutionContext) CompletedTasks() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	ids := make([]string, 0, len(c.completedTasks))
	for id := range c.completedTasks {
		ids = append(ids, id)
	}
	return ids
}

// Request builds the gen.Request coordinates for a task call.
func (c *ExecutionContext) Request(phaseID, taskID string, params map[string]any) gen.Request {
	return gen.Request{
		ExecutionID: c.ExecutionID,
		ProjectID:   c.ProjectID,
		PhaseID:     phaseID,
		TaskID:      taskID,
		Params:      params,
	}
}
