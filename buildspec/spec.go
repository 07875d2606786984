// Package buildspec defines the declarative project specification consumed by
// the execution engine: a project is an ordered list of phases, each phase an
// ordered list of tasks with an intra-phase dependency graph.
package buildspec

import (
	"fmt"
	"sort"
	"time"
)

// TaskKind selects the handler used to execute a task.
type TaskKind string

// Built-in task kinds. Custom kinds may be registered with the runner.
const (
	KindCodeGeneration   TaskKind = "code-generation"
	KindFileOperation    TaskKind = "file-operation"
	KindCommandExecution TaskKind = "command-execution"
	KindAPICall          TaskKind = "api-call"
	KindValidation       TaskKind = "validation"
	KindTransformation   TaskKind = "transformation"
	KindAnalysis         TaskKind = "analysis"
	KindResearch         TaskKind = "research"
	KindMCP              TaskKind = "mcp"
	KindCustom           TaskKind = "custom"
)

// TaskStatus is the execution status of a task.
type TaskStatus string

const (
	TaskPending    TaskStatus = "pending"
	TaskInProgress TaskStatus = "in-progress"
	TaskCompleted  TaskStatus = "completed"
	TaskFailed     TaskStatus = "failed"
	TaskSkipped    TaskStatus = "skipped"
	TaskBlocked    TaskStatus = "blocked"
)

// Terminal reports whether no further progress is possible for this status.
func (s TaskStatus) Terminal() bool {
	return s == TaskCompleted || s == TaskFailed || s == TaskSkipped
}

// PhaseStatus is the execution status of a phase.
type PhaseStatus string

const (
	PhasePending    PhaseStatus = "pending"
	PhasePlanning   PhaseStatus = "planning"
	PhaseExecuting  PhaseStatus = "executing"
	PhaseValidating PhaseStatus = "validating"
	PhaseCompleted  PhaseStatus = "completed"
	PhaseFailed     PhaseStatus = "failed"
	PhasePartial    PhaseStatus = "partial"
	PhaseSkipped    PhaseStatus = "skipped"
)

// Terminal reports whether the phase has reached a final status.
func (s PhaseStatus) Terminal() bool {
	return s == PhaseCompleted || s == PhaseFailed || s == PhasePartial || s == PhaseSkipped
}

// Task is the immutable declaration of a unit of work. Execution state
// (status, attempts, outputs) lives in the engine's task results, not here.
type Task struct {
	ID          string         `yaml:"id" json:"id"`
	Name        string         `yaml:"name" json:"name"`
	Description string         `yaml:"description,omitempty" json:"description,omitempty"`
	Kind        TaskKind       `yaml:"kind" json:"kind"`
	Params      map[string]any `yaml:"params,omitempty" json:"params,omitempty"`

	// DependsOn lists ids of tasks in the same phase that must reach a
	// terminal success status (completed or skipped) before this task runs.
	DependsOn []string `yaml:"depends_on,omitempty" json:"depends_on,omitempty"`

	// Weight scales this task's contribution to phase progress. Must be
	// >= 0; zero-weight tasks run but do not move the progress bar.
	Weight   float64 `yaml:"weight,omitempty" json:"weight,omitempty"`
	Priority int     `yaml:"priority,omitempty" json:"priority,omitempty"`

	EstimatedDuration time.Duration `yaml:"estimated_duration,omitempty" json:"estimated_duration,omitempty"`
	Timeout           time.Duration `yaml:"timeout,omitempty" json:"timeout,omitempty"`
	MaxRetries        int           `yaml:"max_retries,omitempty" json:"max_retries,omitempty"`
	Critical          bool          `yaml:"critical,omitempty" json:"critical,omitempty"`
}

// Phase groups tasks that share an objective. Phases execute strictly in
// declaration order; tasks inside a phase execute under a strategy.
type Phase struct {
	ID        string `yaml:"id" json:"id"`
	Name      string `yaml:"name" json:"name"`
	Objective string `yaml:"objective,omitempty" json:"objective,omitempty"`

	Tasks []*Task `yaml:"tasks" json:"tasks"`

	// Complexity and Priority are 1..10; complexity feeds duration
	// estimation, priority is advisory for planners.
	Complexity int `yaml:"complexity,omitempty" json:"complexity,omitempty"`
	Priority   int `yaml:"priority,omitempty" json:"priority,omitempty"`

	// Capabilities names the generator features this phase requires
	// (e.g. "tools", "long-context"). The engine carries the list but does
	// not check it against the configured generator.
	Capabilities []string `yaml:"capabilities,omitempty" json:"capabilities,omitempty"`

	// Rollback optionally names the strategy used when the phase is
	// rolled back ("checkpoint", "none").
	Rollback string `yaml:"rollback,omitempty" json:"rollback,omitempty"`
}

// Task returns the task with the given id, or nil.
func (p *Phase) Task(id string) *Task {
	for _, t := range p.Tasks {
		if t.ID == id {
			return t
		}
	}
	return nil
}

// TotalWeight sums task weights as declared; a zero weight adds nothing.
// Parse replaces unset weights with DefaultWeight before this is called.
func (p *Phase) TotalWeight() float64 {
	var total float64
	for _, t := range p.Tasks {
		total += t.Weight
	}
	return total
}

// Project is the top-level specification: metadata plus ordered phases.
type Project struct {
	Name        string `yaml:"name" json:"name"`
	Version     string `yaml:"version,omitempty" json:"version,omitempty"`
	Description string `yaml:"description,omitempty" json:"description,omitempty"`

	Technologies []string `yaml:"technologies,omitempty" json:"technologies,omitempty"`
	Features     []string `yaml:"features,omitempty" json:"features,omitempty"`

	Phases []*Phase `yaml:"phases" json:"phases"`
}

// Phase returns the phase with the given id, or nil.
func (p *Project) Phase(id string) *Phase {
	for _, ph := range p.Phases {
		if ph.ID == id {
			return ph
		}
	}
	return nil
}

// PhaseIndex returns the position of the phase with the given id, or -1.
func (p *Project) PhaseIndex(id string) int {
	for i, ph := range p.Phases {
		if ph.ID == id {
			return i
		}
	}
	return -1
}

// Validate checks structural invariants: non-empty names, unique phase and
// task ids, dependencies that resolve within the phase, and an acyclic
// dependency graph. It returns the first violation found.
func (p *Project) Validate() error {
	if p.Name == "" {
		return fmt.Errorf("project name is required")
	}
	if len(p.Phases) == 0 {
		return fmt.Errorf("project %q declares no phases", p.Name)
	}

	phaseIDs := make(map[string]bool, len(p.Phases))
	for _, ph := range p.Phases {
		if ph.ID == "" {
			return fmt.Errorf("phase %q has no id", ph.Name)
		}
		if phaseIDs[ph.ID] {
			return fmt.Errorf("duplicate phase id %q", ph.ID)
		}
		phaseIDs[ph.ID] = true

		if err := ph.validate(); err != nil {
			return fmt.Errorf("phase %q: %w", ph.ID, err)
		}
	}
	return nil
}

func (p *Phase) validate() error {
	if p.Complexity < 0 || p.Complexity > 10 {
		return fmt.Errorf("complexity %d out of range [0,10]", p.Complexity)
	}

	taskIDs := make(map[string]bool, len(p.Tasks))
	for _, t := range p.Tasks {
		if t.ID == "" {
			return fmt.Errorf("task %q has no id", t.Name)
		}
		if taskIDs[t.ID] {
			return fmt.Errorf("duplicate task id %q", t.ID)
		}
		taskIDs[t.ID] = true

		if t.Weight < 0 {
			return fmt.Errorf("task %q has negative weight", t.ID)
		}
	}

	for _, t := range p.Tasks {
		for _, dep := range t.DependsOn {
			if !taskIDs[dep] {
				return fmt.Errorf("task %q depends on unknown task %q", t.ID, dep)
			}
			if dep == t.ID {
				return fmt.Errorf("task %q depends on itself", t.ID)
			}
		}
	}

	if unreachable := p.UnreachableTasks(nil); len(unreachable) > 0 {
		return &CycleError{PhaseID: p.ID, Unreachable: unreachable}
	}
	return nil
}

// CycleError reports a dependency cycle inside a phase, naming the tasks
// that can never become runnable.
type CycleError struct {
	PhaseID     string
	Unreachable []string
}

func (e *CycleError) Error() string {
	return fmt.Sprintf("phase %q: dependency cycle, unreachable tasks: %v", e.PhaseID, e.Unreachable)
}

// UnreachableTasks runs Kahn's algorithm over the phase's dependency graph
// and returns the ids of tasks that can never run, given a set of already
// satisfied task ids. An empty result means a valid topological order exists.
func (p *Phase) UnreachableTasks(done map[string]bool) []string {
	indegree := make(map[string]int, len(p.Tasks))
	dependents := make(map[string][]string)

	for _, t := range p.Tasks {
		if done[t.ID] {
			continue
		}
		indegree[t.ID] = 0
	}
	for _, t := range p.Tasks {
		if done[t.ID] {
			continue
		}
		for _, dep := range t.DependsOn {
			if done[dep] {
				continue
			}
			indegree[t.ID]++
			dependents[dep] = append(dependents[dep], t.ID)
		}
	}

	queue := make([]string, 0, len(indegree))
	for id, deg := range indegree {
		if deg == 0 {
			queue = append(queue, id)
		}
	}

	visited := 0
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		visited++
		for _, next := range dependents[id] {
			indegree[next]--
			if indegree[next] == 0 {
				queue = append(queue, next)
			}
		}
	}

	if visited == len(indegree) {
		return nil
	}

	var unreachable []string
	for id, deg := range indegree {
		if deg > 0 {
			unreachable = append(unreachable, id)
		}
	}
	sort.Strings(unreachable)
	return unreachable
}
