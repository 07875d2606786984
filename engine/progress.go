package engine

import (
	"fmt"
	"sync"
	"time"

	"github.com/buildforge/buildforge/buildspec"
)

// ETAMethod names an estimation model.
type ETAMethod string

const (
	ETALinear     ETAMethod = "linear"
	ETAVelocity   ETAMethod = "velocity"
	ETAHistorical ETAMethod = "historical"
	ETAHybrid     ETAMethod = "hybrid"
	ETAAuto       ETAMethod = "auto"
)

// ETA is an estimated time to completion with a confidence in [0,1].
type ETA struct {
	Remaining  time.Duration  `json:"remaining"`
	At         time.Time      `json:"at"`
	Confidence float64        `json:"confidence"`
	Method     ETAMethod      `json:"method"`
	Factors    map[string]any `json:"factors,omitempty"`
}

// TaskProgress tracks one task.
type TaskProgress struct {
	TaskID            string               `json:"task_id"`
	Name              string               `json:"name"`
	Status            buildspec.TaskStatus `json:"status"`
	StartedAt         time.Time            `json:"started_at,omitempty"`
	CompletedAt       time.Time            `json:"completed_at,omitempty"`
	Percent           float64              `json:"percent"`
	Weight            float64              `json:"weight"`
	EstimatedDuration time.Duration        `json:"estimated_duration,omitempty"`
	ActualDuration    time.Duration        `json:"actual_duration,omitempty"`
}

// PhaseProgress tracks one phase and its tasks.
type PhaseProgress struct {
	PhaseID           string                   `json:"phase_id"`
	Name              string                   `json:"name"`
	Status            buildspec.PhaseStatus    `json:"status"`
	StartedAt         time.Time                `json:"started_at,omitempty"`
	CompletedAt       time.Time                `json:"completed_at,omitempty"`
	Percent           float64                  `json:"percent"`
	TasksCompleted    int                      `json:"tasks_completed"`
	TasksTotal        int                      `json:"tasks_total"`
	Tasks             map[string]*TaskProgress `json:"tasks"`
	EstimatedDuration time.Duration            `json:"estimated_duration,omitempty"`
	ActualDuration    time.Duration            `json:"actual_duration,omitempty"`

	// explicit is set when a caller pushed a percent directly; the
	// weighted task average no longer overwrites it.
	explicit bool
}

// ProjectProgress is the root of one execution's progress tree.
type ProjectProgress struct {
	ProjectID       string                    `json:"project_id"`
	ProjectName     string                    `json:"project_name"`
	ExecutionID     string                    `json:"execution_id"`
	StartedAt       time.Time                 `json:"started_at"`
	CompletedAt     time.Time                 `json:"completed_at,omitempty"`
	Percent         float64                   `json:"percent"`
	PhasesCompleted int                       `json:"phases_completed"`
	PhasesTotal     int                       `json:"phases_total"`
	Phases          map[string]*PhaseProgress `json:"phases"`
	EstimatedTotal  time.Duration             `json:"estimated_total,omitempty"`
	TasksPerMinute  float64                   `json:"tasks_per_minute"`
}

type progressSample struct {
	at      time.Time
	percent float64
}

// ProgressTracker maintains progress trees per execution and computes ETAs
// under four models. A single mutex guards everything; updates are cheap
// and contention is bounded by the phase concurrency limit.
type ProgressTracker struct {
	mu sync.Mutex

	projects  map[string]*ProjectProgress // execution id -> tree
	samples   map[string][]progressSample // execution id -> recent samples
	taskHist  map[string][]time.Duration  // task id -> last durations
	phaseHist map[string][]time.Duration  // phase id -> last durations

	windowSize    int // samples used by the velocity model
	minETASamples int
}

// Bounded history: velocity window and per-entity duration rings.
const (
	etaWindowSize     = 10
	etaMinSamples     = 3
	taskHistoryLimit  = 10
	phaseHistoryLimit = 5
)

// NewProgressTracker creates an empty tracker.
func NewProgressTracker() *ProgressTracker {
	return &ProgressTracker{
		projects:      make(map[string]*ProjectProgress),
		samples:       make(map[string][]progressSample),
		taskHist:      make(map[string][]time.Duration),
		phaseHist:     make(map[string][]time.Duration),
		windowSize:    etaWindowSize,
		minETASamples: etaMinSamples,
	}
}

// StartProject seeds the progress tree for an execution and computes
// initial duration estimates.
func (pt *ProgressTracker) StartProject(project *buildspec.Project, executionID string) *ProjectProgress {
	pt.mu.Lock()
	defer pt.mu.Unlock()

	pp := &ProjectProgress{
		ProjectID:   project.Name,
		ProjectName: project.Name,
		ExecutionID: executionID,
		StartedAt:   time.Now(),
		PhasesTotal: len(project.Phases),
		Phases:      make(map[string]*PhaseProgress, len(project.Phases)),
	}

	var total time.Duration
	for _, phase := range project.Phases {
		phaseEst := pt.estimatePhaseLocked(phase)
		total += phaseEst

		phasePg := &PhaseProgress{
			PhaseID:           phase.ID,
			Name:              phase.Name,
			Status:            buildspec.PhasePending,
			TasksTotal:        len(phase.Tasks),
			Tasks:             make(map[string]*TaskProgress, len(phase.Tasks)),
			EstimatedDuration: phaseEst,
		}
		for _, task := range phase.Tasks {
			phasePg.Tasks[task.ID] = &TaskProgress{
				TaskID:            task.ID,
				Name:              task.Name,
				Status:            buildspec.TaskPending,
				Weight:            task.Weight,
				EstimatedDuration: pt.estimateTaskLocked(task),
			}
		}
		pp.Phases[phase.ID] = phasePg
	}

	// Overhead buffer on top of the per-phase estimates.
	pp.EstimatedTotal = time.Duration(float64(total) * 1.2)
	pt.projects[executionID] = pp
	return pp
}

// UpdateTask transitions a task's progress, maintaining start/end times,
// phase counters and the duration history.
func (pt *ProgressTracker) UpdateTask(executionID, phaseID, taskID string, status buildspec.TaskStatus, percent float64) {
	pt.mu.Lock()
	defer pt.mu.Unlock()

	pp, ok := pt.projects[executionID]
	if !ok {
		return
	}
	phasePg, ok := pp.Phases[phaseID]
	if !ok {
		return
	}
	tp, ok := phasePg.Tasks[taskID]
	if !ok {
		return
	}

	old := tp.Status
	tp.Status = status
	now := time.Now()

	if old != status {
		switch {
		case status == buildspec.TaskInProgress && tp.StartedAt.IsZero():
			tp.StartedAt = now
		case status.Terminal():
			tp.CompletedAt = now
			if !tp.StartedAt.IsZero() {
				tp.ActualDuration = tp.CompletedAt.Sub(tp.StartedAt)
				pt.recordTaskDurationLocked(taskID, tp.ActualDuration)
			}
		}
	}

	switch {
	case percent >= 0:
		tp.Percent = clampPercent(percent)
	case status == buildspec.TaskCompleted || status == buildspec.TaskSkipped:
		tp.Percent = 100
	}

	if status == buildspec.TaskCompleted && old != buildspec.TaskCompleted {
		phasePg.TasksCompleted++
	} else if old == buildspec.TaskCompleted && status != buildspec.TaskCompleted {
		phasePg.TasksCompleted--
		if phasePg.TasksCompleted < 0 {
			phasePg.TasksCompleted = 0
		}
	}

	pt.refreshLocked(pp)
}

// UpdatePhase transitions a phase's progress. A negative percent keeps the
// weighted task average; an explicit percent pins the phase value.
func (pt *ProgressTracker) UpdatePhase(executionID, phaseID string, status buildspec.PhaseStatus, percent float64) {
	pt.mu.Lock()
	defer pt.mu.Unlock()

	pp, ok := pt.projects[executionID]
	if !ok {
		return
	}
	phasePg, ok := pp.Phases[phaseID]
	if !ok {
		return
	}

	old := phasePg.Status
	phasePg.Status = status
	now := time.Now()

	if old != status {
		switch {
		case status == buildspec.PhaseExecuting && phasePg.StartedAt.IsZero():
			phasePg.StartedAt = now
		case status.Terminal():
			phasePg.CompletedAt = now
			if !phasePg.StartedAt.IsZero() {
				phasePg.ActualDuration = phasePg.CompletedAt.Sub(phasePg.StartedAt)
				pt.recordPhaseDurationLocked(phaseID, phasePg.ActualDuration)
			}
		}
	}

	if percent >= 0 {
		phasePg.Percent = clampPercent(percent)
		phasePg.explicit = true
	}
	if status == buildspec.PhaseCompleted && phasePg.TasksTotal == 0 {
		// An empty phase completes immediately at 100%.
		phasePg.Percent = 100
		phasePg.explicit = true
	}

	pt.refreshLocked(pp)
}

// Project returns a deep copy of the progress tree, safe to hand to the UI.
func (pt *ProgressTracker) Project(executionID string) *ProjectProgress {
	pt.mu.Lock()
	defer pt.mu.Unlock()

	pp, ok := pt.projects[executionID]
	if !ok {
		return nil
	}
	return copyProject(pp)
}

// refreshLocked recomputes aggregates and records a performance sample.
func (pt *ProgressTracker) refreshLocked(pp *ProjectProgress) {
	completed := 0
	var sum float64
	for _, phasePg := range pp.Phases {
		if !phasePg.explicit {
			phasePg.Percent = weightedTaskAverage(phasePg)
		}
		if phasePg.Status == buildspec.PhaseCompleted {
			completed++
		}
		sum += phasePg.Percent
	}
	pp.PhasesCompleted = completed
	if pp.PhasesTotal == 0 {
		pp.Percent = 100
	} else {
		pp.Percent = sum / float64(pp.PhasesTotal)
	}

	elapsedMin := time.Since(pp.StartedAt).Minutes()
	if elapsedMin > 0 {
		total := 0
		for _, phasePg := range pp.Phases {
			total += phasePg.TasksCompleted
		}
		pp.TasksPerMinute = float64(total) / elapsedMin
	}

	pt.recordSampleLocked(pp.ExecutionID, pp.Percent)
}

// weightedTaskAverage computes phase progress as the task-weight-weighted
// mean of task percents.
func weightedTaskAverage(phasePg *PhaseProgress) float64 {
	if len(phasePg.Tasks) == 0 {
		if phasePg.Status == buildspec.PhaseCompleted {
			return 100
		}
		return 0
	}
	var weightSum, acc float64
	for _, tp := range phasePg.Tasks {
		w := tp.Weight
		if w <= 0 {
			continue
		}
		weightSum += w
		acc += tp.Percent * w
	}
	if weightSum == 0 {
		return 0
	}
	return acc / weightSum
}

// recordSampleLocked appends a (timestamp, percent) sample with strictly
// increasing timestamps, trimming beyond twice the velocity window.
func (pt *ProgressTracker) recordSampleLocked(executionID string, percent float64) {
	samples := pt.samples[executionID]
	now := time.Now()
	if n := len(samples); n > 0 && !now.After(samples[n-1].at) {
		now = samples[n-1].at.Add(time.Nanosecond)
	}
	samples = append(samples, progressSample{at: now, percent: percent})
	if len(samples) > pt.windowSize*2 {
		samples = samples[len(samples)-pt.windowSize:]
	}
	pt.samples[executionID] = samples
}

func (pt *ProgressTracker) recordTaskDurationLocked(taskID string, d time.Duration) {
	hist := append(pt.taskHist[taskID], d)
	if len(hist) > taskHistoryLimit {
		hist = hist[len(hist)-taskHistoryLimit:]
	}
	pt.taskHist[taskID] = hist
}

func (pt *ProgressTracker) recordPhaseDurationLocked(phaseID string, d time.Duration) {
	hist := append(pt.phaseHist[phaseID], d)
	if len(hist) > phaseHistoryLimit {
		hist = hist[len(hist)-phaseHistoryLimit:]
	}
	pt.phaseHist[phaseID] = hist
}

// Baseline duration estimates per task kind, scaled by phase complexity.
var baseTaskEstimates = map[buildspec.TaskKind]time.Duration{
	buildspec.KindCodeGeneration: 30 * time.Second,
	buildspec.KindFileOperation:  10 * time.Second,
	buildspec.KindResearch:       60 * time.Second,
	buildspec.KindValidation:     20 * time.Second,
}

func (pt *ProgressTracker) estimateTaskLocked(task *buildspec.Task) time.Duration {
	if hist := pt.taskHist[task.ID]; len(hist) > 0 {
		return meanDuration(hist)
	}
	if task.EstimatedDuration > 0 {
		return task.EstimatedDuration
	}
	if base, ok := baseTaskEstimates[task.Kind]; ok {
		return base
	}
	return 30 * time.Second
}

func (pt *ProgressTracker) estimatePhaseLocked(phase *buildspec.Phase) time.Duration {
	if hist := pt.phaseHist[phase.ID]; len(hist) > 0 {
		return meanDuration(hist)
	}
	base := 60 * time.Second
	complexity := phase.Complexity
	if complexity < 1 {
		complexity = 1
	}
	return time.Duration(float64(base) * float64(complexity) * (1 + float64(len(phase.Tasks))*0.5))
}

func meanDuration(durations []time.Duration) time.Duration {
	var sum time.Duration
	for _, d := range durations {
		sum += d
	}
	return sum / time.Duration(len(durations))
}

// ThroughputMetrics summarizes execution velocity.
type ThroughputMetrics struct {
	TasksPerMinute   float64       `json:"tasks_per_minute"`
	PhasesPerHour    float64       `json:"phases_per_hour"`
	AvgTaskDuration  time.Duration `json:"avg_task_duration"`
	AvgPhaseDuration time.Duration `json:"avg_phase_duration"`
}

// Throughput computes the current throughput metrics.
func (pt *ProgressTracker) Throughput(executionID string) ThroughputMetrics {
	pt.mu.Lock()
	defer pt.mu.Unlock()

	pp, ok := pt.projects[executionID]
	if !ok {
		return ThroughputMetrics{}
	}

	var metrics ThroughputMetrics
	elapsed := time.Since(pp.StartedAt)
	if minutes := elapsed.Minutes(); minutes > 0 {
		total := 0
		for _, phasePg := range pp.Phases {
			total += phasePg.TasksCompleted
		}
		metrics.TasksPerMinute = float64(total) / minutes
	}
	if hours := elapsed.Hours(); hours > 0 {
		metrics.PhasesPerHour = float64(pp.PhasesCompleted) / hours
	}

	var taskDurations, phaseDurations []time.Duration
	for _, hist := range pt.taskHist {
		taskDurations = append(taskDurations, hist...)
	}
	for _, hist := range pt.phaseHist {
		phaseDurations = append(phaseDurations, hist...)
	}
	if len(taskDurations) > 0 {
		metrics.AvgTaskDuration = meanDuration(taskDurations)
	}
	if len(phaseDurations) > 0 {
		metrics.AvgPhaseDuration = meanDuration(phaseDurations)
	}
	return metrics
}

// CalculateETA estimates remaining time under the requested model. ETAAuto
// picks velocity with enough samples, historical when an estimate exists,
// else linear.
func (pt *ProgressTracker) CalculateETA(executionID string, method ETAMethod) (ETA, error) {
	pt.mu.Lock()
	defer pt.mu.Unlock()

	pp, ok := pt.projects[executionID]
	if !ok {
		return ETA{}, fmt.Errorf("no progress tracked for execution %s", executionID)
	}

	if pp.Percent >= 100 {
		return ETA{Remaining: 0, At: time.Now(), Confidence: 1, Method: method}, nil
	}

	if method == ETAAuto || method == "" {
		switch {
		case len(pt.samples[executionID]) >= pt.minETASamples:
			method = ETAVelocity
		case pp.EstimatedTotal > 0:
			method = ETAHistorical
		default:
			method = ETALinear
		}
	}

	switch method {
	case ETALinear:
		return pt.linearETALocked(pp), nil
	case ETAVelocity:
		return pt.velocityETALocked(pp), nil
	case ETAHistorical:
		return pt.historicalETALocked(pp), nil
	case ETAHybrid:
		return pt.hybridETALocked(pp), nil
	}
	return ETA{}, fmt.Errorf("unknown ETA method %q", method)
}

func (pt *ProgressTracker) linearETALocked(pp *ProjectProgress) ETA {
	elapsed := time.Since(pp.StartedAt).Seconds()
	if pp.Percent <= 0 || elapsed <= 0 {
		return ETA{Method: ETALinear, At: time.Now()}
	}

	rate := pp.Percent / elapsed
	remaining := (100 - pp.Percent) / rate
	confidence := pp.Percent / 100
	if confidence > 0.9 {
		confidence = 0.9
	}

	return ETA{
		Remaining:  time.Duration(remaining * float64(time.Second)),
		At:         time.Now().Add(time.Duration(remaining * float64(time.Second))),
		Confidence: confidence,
		Method:     ETALinear,
		Factors:    map[string]any{"rate": rate, "elapsed": elapsed},
	}
}

func (pt *ProgressTracker) velocityETALocked(pp *ProjectProgress) ETA {
	samples := pt.samples[pp.ExecutionID]
	if len(samples) < pt.minETASamples {
		return pt.linearETALocked(pp)
	}
	if len(samples) > pt.windowSize {
		samples = samples[len(samples)-pt.windowSize:]
	}

	var totalTime, totalProgress float64
	var rates []float64
	for i := 1; i < len(samples); i++ {
		dt := samples[i].at.Sub(samples[i-1].at).Seconds()
		dp := samples[i].percent - samples[i-1].percent
		if dt <= 0 {
			continue
		}
		totalTime += dt
		totalProgress += dp
		rates = append(rates, dp/dt)
	}
	if totalTime <= 0 {
		return pt.linearETALocked(pp)
	}

	velocity := totalProgress / totalTime
	if velocity <= 0 {
		return ETA{Method: ETAVelocity, At: time.Now()}
	}

	remaining := (100 - pp.Percent) / velocity
	variance := rateVariance(rates)
	confidence := 1.0 / (1.0 + variance)
	if confidence < 0.1 {
		confidence = 0.1
	}
	if confidence > 0.95 {
		confidence = 0.95
	}

	return ETA{
		Remaining:  time.Duration(remaining * float64(time.Second)),
		At:         time.Now().Add(time.Duration(remaining * float64(time.Second))),
		Confidence: confidence,
		Method:     ETAVelocity,
		Factors:    map[string]any{"velocity": velocity, "variance": variance},
	}
}

func (pt *ProgressTracker) historicalETALocked(pp *ProjectProgress) ETA {
	if pp.EstimatedTotal <= 0 {
		return pt.linearETALocked(pp)
	}
	remaining := pp.EstimatedTotal - time.Since(pp.StartedAt)
	if remaining < 0 {
		remaining = 0
	}
	return ETA{
		Remaining:  remaining,
		At:         time.Now().Add(remaining),
		Confidence: 0.7,
		Method:     ETAHistorical,
		Factors:    map[string]any{"estimated_total": pp.EstimatedTotal.Seconds()},
	}
}

// Hybrid weights: velocity dominates, linear anchors, historical corrects.
var hybridWeights = map[ETAMethod]float64{
	ETALinear:     0.3,
	ETAVelocity:   0.5,
	ETAHistorical: 0.2,
}

func (pt *ProgressTracker) hybridETALocked(pp *ProjectProgress) ETA {
	linear := pt.linearETALocked(pp)
	velocity := pt.velocityETALocked(pp)
	historical := pt.historicalETALocked(pp)

	totalConfidence := linear.Confidence*hybridWeights[ETALinear] +
		velocity.Confidence*hybridWeights[ETAVelocity] +
		historical.Confidence*hybridWeights[ETAHistorical]

	var remaining time.Duration
	if totalConfidence > 0 {
		weighted := float64(linear.Remaining)*linear.Confidence*hybridWeights[ETALinear] +
			float64(velocity.Remaining)*velocity.Confidence*hybridWeights[ETAVelocity] +
			float64(historical.Remaining)*historical.Confidence*hybridWeights[ETAHistorical]
		remaining = time.Duration(weighted / totalConfidence)
	} else {
		remaining = linear.Remaining
	}

	confidence := totalConfidence
	if confidence > 0.95 {
		confidence = 0.95
	}

	return ETA{
		Remaining:  remaining,
		At:         time.Now().Add(remaining),
		Confidence: confidence,
		Method:     ETAHybrid,
		Factors: map[string]any{
			"linear":     linear.Remaining.Seconds(),
			"velocity":   velocity.Remaining.Seconds(),
			"historical": historical.Remaining.Seconds(),
		},
	}
}

func rateVariance(rates []float64) float64 {
	if len(rates) < 2 {
		return 0
	}
	var mean float64
	for _, r := range rates {
		mean += r
	}
	mean /= float64(len(rates))

	var variance float64
	for _, r := range rates {
		variance += (r - mean) * (r - mean)
	}
	return variance / float64(len(rates)-1)
}

func clampPercent(p float64) float64 {
	if p < 0 {
		return 0
	}
	if p > 100 {
		return 100
	}
	return p
}

func copyProject(pp *ProjectProgress) *ProjectProgress {
	out := *pp
	out.Phases = make(map[string]*PhaseProgress, len(pp.Phases))
	for id, phasePg := range pp.Phases {
		phaseCopy := *phasePg
		phaseCopy.Tasks = make(map[string]*TaskProgress, len(phasePg.Tasks))
		for tid, tp := range phasePg.Tasks {
			taskCopy := *tp
			phaseCopy.Tasks[tid] = &taskCopy
		}
		out.Phases[id] = &phaseCopy
	}
	return &out
}
