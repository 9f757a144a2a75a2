package jobs

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/danielsimonjr/nexus-core/pkg/models"
)

// Job represents an async tool execution. Its lifecycle is tracked through
// an embedded JobContext rather than an ad-hoc status field, so every
// caller that mutates a Job goes through the same legal-transition graph
// (see context.go) regardless of which code path created it.
type Job struct {
	ID         string
	ToolName   string
	ToolCallID string
	Ctx        *JobContext
	Result     *models.ToolResult

	// cancelFunc is set when the job starts and can be called to cancel execution.
	cancelFunc context.CancelFunc
}

// NewToolJob creates a job in StatePending for an async tool call.
func NewToolJob(toolName, toolCallID string) *Job {
	ctx := New("", toolName, "")
	return &Job{
		ID:         ctx.JobID.String(),
		ToolName:   toolName,
		ToolCallID: toolCallID,
		Ctx:        ctx,
	}
}

// State returns the job's current lifecycle state.
func (j *Job) State() State {
	if j == nil || j.Ctx == nil {
		return StatePending
	}
	return j.Ctx.State
}

// Start transitions the job Pending -> InProgress.
func (j *Job) Start() error {
	if j.Ctx == nil {
		return nil
	}
	return j.Ctx.TransitionTo(StateInProgress, "execution started")
}

// Succeed transitions the job to Completed and records its result.
func (j *Job) Succeed(result *models.ToolResult) error {
	j.Result = result
	if j.Ctx == nil {
		return nil
	}
	return j.Ctx.TransitionTo(StateCompleted, "execution succeeded")
}

// Fail transitions the job to Failed and records the error message.
func (j *Job) Fail(message string) error {
	if j.Ctx != nil {
		j.Ctx.mu.Lock()
		if j.Ctx.Metadata == nil {
			j.Ctx.Metadata = make(map[string]any)
		}
		j.Ctx.Metadata["error"] = message
		j.Ctx.mu.Unlock()
		return j.Ctx.TransitionTo(StateFailed, message)
	}
	return nil
}

// Error returns the failure message recorded on the job, if any.
func (j *Job) Error() string {
	if j.Ctx == nil {
		return ""
	}
	s := j.Ctx.Snapshot()
	if v, ok := s.Metadata["error"].(string); ok {
		return v
	}
	return ""
}

// CreatedAt returns when the job was created.
func (j *Job) CreatedAt() time.Time {
	if j.Ctx == nil {
		return time.Time{}
	}
	return j.Ctx.CreatedAt
}

// StartedAt returns when the job entered InProgress, or the zero time.
func (j *Job) StartedAt() time.Time {
	if j.Ctx == nil || j.Ctx.StartedAt == nil {
		return time.Time{}
	}
	return *j.Ctx.StartedAt
}

// FinishedAt returns when the job reached a terminal state, or the zero time.
func (j *Job) FinishedAt() time.Time {
	if j.Ctx == nil || j.Ctx.CompletedAt == nil {
		return time.Time{}
	}
	return *j.Ctx.CompletedAt
}

// Cancellable reports whether the job is in a state that a Cancel call can act on.
func (j *Job) Cancellable() bool {
	s := j.State()
	return s == StatePending || s == StateInProgress || s == StateStuck
}

type jobJSON struct {
	ID         string             `json:"id"`
	ToolName   string             `json:"tool_name"`
	ToolCallID string             `json:"tool_call_id"`
	Status     State              `json:"status"`
	CreatedAt  time.Time          `json:"created_at"`
	StartedAt  time.Time          `json:"started_at,omitempty"`
	FinishedAt time.Time          `json:"finished_at,omitempty"`
	Result     *models.ToolResult `json:"result,omitempty"`
	Error      string             `json:"error,omitempty"`
}

// MarshalJSON renders the job as the flat status document tool callers expect.
func (j *Job) MarshalJSON() ([]byte, error) {
	return json.Marshal(jobJSON{
		ID:         j.ID,
		ToolName:   j.ToolName,
		ToolCallID: j.ToolCallID,
		Status:     j.State(),
		CreatedAt:  j.CreatedAt(),
		StartedAt:  j.StartedAt(),
		FinishedAt: j.FinishedAt(),
		Result:     j.Result,
		Error:      j.Error(),
	})
}

// Store persists job records.
type Store interface {
	Create(ctx context.Context, job *Job) error
	Update(ctx context.Context, job *Job) error
	Get(ctx context.Context, id string) (*Job, error)
	List(ctx context.Context, limit, offset int) ([]*Job, error)
	// Prune removes jobs older than the given duration. Returns count of pruned jobs.
	Prune(ctx context.Context, olderThan time.Duration) (int64, error)
	// Cancel marks a running job as failed with a cancellation error.
	Cancel(ctx context.Context, id string) error
}

// MemoryStore keeps jobs in memory.
type MemoryStore struct {
	mu       sync.RWMutex
	jobs     map[string]*Job
	keys     []string
	watchdog *Watchdog
}

// NewMemoryStore returns a new in-memory job store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		jobs: make(map[string]*Job),
	}
}

// SetWatchdog attaches a watchdog that tracks every job created or updated
// through this store, so long-running processes can detect jobs stuck
// InProgress without each caller having to remember to track them.
func (s *MemoryStore) SetWatchdog(w *Watchdog) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.watchdog = w
}

// Create stores a job.
func (s *MemoryStore) Create(ctx context.Context, job *Job) error {
	if job == nil {
		return nil
	}
	s.mu.Lock()
	if _, exists := s.jobs[job.ID]; !exists {
		s.keys = append(s.keys, job.ID)
	}
	s.jobs[job.ID] = job
	w := s.watchdog
	s.mu.Unlock()
	if w != nil && job.Ctx != nil {
		w.Track(job.Ctx)
	}
	return nil
}

// Update records the latest state of a job. Since Job wraps a *JobContext
// that is itself safe for concurrent mutation, Update only needs to ensure
// the store is tracking the pointer (idempotent after Create). A job that
// has reached a terminal state is dropped from watchdog tracking.
func (s *MemoryStore) Update(ctx context.Context, job *Job) error {
	if job == nil {
		return nil
	}
	s.mu.Lock()
	if _, exists := s.jobs[job.ID]; !exists {
		s.keys = append(s.keys, job.ID)
	}
	s.jobs[job.ID] = job
	w := s.watchdog
	s.mu.Unlock()
	if w != nil {
		if isTerminal(job.State()) {
			w.Untrack(job.ID)
		} else if job.Ctx != nil {
			w.Track(job.Ctx)
		}
	}
	return nil
}

// Get returns a job by id.
func (s *MemoryStore) Get(ctx context.Context, id string) (*Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	job, ok := s.jobs[id]
	if !ok {
		return nil, nil
	}
	return job, nil
}

// List returns jobs in insertion order.
func (s *MemoryStore) List(ctx context.Context, limit, offset int) ([]*Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if offset < 0 {
		offset = 0
	}
	if limit <= 0 || limit > len(s.keys) {
		limit = len(s.keys)
	}
	if offset >= len(s.keys) {
		return nil, nil
	}
	end := offset + limit
	if end > len(s.keys) {
		end = len(s.keys)
	}
	result := make([]*Job, 0, end-offset)
	for _, id := range s.keys[offset:end] {
		if job, ok := s.jobs[id]; ok {
			result = append(result, job)
		}
	}
	return result, nil
}

// Prune removes jobs older than the given duration.
func (s *MemoryStore) Prune(ctx context.Context, olderThan time.Duration) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := time.Now().Add(-olderThan)
	var pruned int64
	var newKeys []string

	for _, id := range s.keys {
		job, ok := s.jobs[id]
		if !ok {
			continue
		}
		if job.CreatedAt().Before(cutoff) {
			delete(s.jobs, id)
			pruned++
		} else {
			newKeys = append(newKeys, id)
		}
	}
	s.keys = newKeys
	return pruned, nil
}

// Cancel transitions a cancellable job to Cancelled.
func (s *MemoryStore) Cancel(ctx context.Context, id string) error {
	s.mu.Lock()
	job, ok := s.jobs[id]
	s.mu.Unlock()
	if !ok {
		return nil
	}
	if !job.Cancellable() {
		return nil
	}
	if job.cancelFunc != nil {
		job.cancelFunc()
	}
	if job.Ctx != nil {
		err := job.Ctx.TransitionTo(StateCancelled, "cancelled by request")
		s.mu.RLock()
		w := s.watchdog
		s.mu.RUnlock()
		if w != nil {
			w.Untrack(id)
		}
		return err
	}
	return nil
}

// SetCancelFunc sets the cancel function for a running job.
func (s *MemoryStore) SetCancelFunc(id string, cancel context.CancelFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if job, ok := s.jobs[id]; ok {
		job.cancelFunc = cancel
	}
}
