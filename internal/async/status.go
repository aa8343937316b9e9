// Package async provides background task infrastructure for long-running
// maintenance work: change-feed retention pruning, scheduled vector index
// persistence, and similar jobs that run on a timer or a stoppable loop
// rather than inside a request path.
package async

import (
	"sync"
	"time"
)

// TaskStatus represents the overall state of a background task.
type TaskStatus string

const (
	// StatusRunning indicates the task is in progress.
	StatusRunning TaskStatus = "running"
	// StatusReady indicates the task completed successfully.
	StatusReady TaskStatus = "ready"
	// StatusError indicates the task failed with an error.
	StatusError TaskStatus = "error"
)

// TaskProgressSnapshot is an immutable snapshot of task progress.
type TaskProgressSnapshot struct {
	Status         string  `json:"status"`
	ItemsTotal     int     `json:"items_total"`
	ItemsProcessed int     `json:"items_processed"`
	ProgressPct    float64 `json:"progress_pct"`
	ElapsedSeconds int     `json:"elapsed_seconds"`
	ErrorMessage   string  `json:"error_message,omitempty"`
}

// TaskProgress provides thread-safe tracking of a background task's progress.
type TaskProgress struct {
	mu sync.RWMutex

	status         TaskStatus
	itemsTotal     int
	itemsProcessed int
	startTime      time.Time
	errorMessage   string
}

// NewTaskProgress creates a new progress tracker initialized for a running task.
func NewTaskProgress() *TaskProgress {
	return &TaskProgress{
		status:    StatusRunning,
		startTime: time.Now(),
	}
}

// SetTotal sets the total number of items the task expects to process.
func (p *TaskProgress) SetTotal(total int) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.itemsTotal = total
}

// UpdateProcessed updates the number of items processed so far.
func (p *TaskProgress) UpdateProcessed(processed int) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.itemsProcessed = processed
}

// SetError marks the task as failed with an error message.
func (p *TaskProgress) SetError(message string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.status = StatusError
	p.errorMessage = message
}

// SetReady marks the task as complete.
func (p *TaskProgress) SetReady() {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.status = StatusReady
}

// IsRunning returns true if the task is still in progress.
func (p *TaskProgress) IsRunning() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()

	return p.status == StatusRunning
}

// Snapshot returns an immutable copy of the current progress state.
func (p *TaskProgress) Snapshot() TaskProgressSnapshot {
	p.mu.RLock()
	defer p.mu.RUnlock()

	var progressPct float64
	if p.itemsTotal > 0 {
		progressPct = float64(p.itemsProcessed) / float64(p.itemsTotal) * 100.0
	}

	return TaskProgressSnapshot{
		Status:         string(p.status),
		ItemsTotal:     p.itemsTotal,
		ItemsProcessed: p.itemsProcessed,
		ProgressPct:    progressPct,
		ElapsedSeconds: int(time.Since(p.startTime).Seconds()),
		ErrorMessage:   p.errorMessage,
	}
}
