package jobs

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// State is the lifecycle state of a JobContext.
type State string

const (
	StatePending    State = "pending"
	StateInProgress State = "in_progress"
	StateCompleted  State = "completed"
	StateSubmitted  State = "submitted"
	StateAccepted   State = "accepted"
	StateFailed     State = "failed"
	StateStuck      State = "stuck"
	StateCancelled  State = "cancelled"
)

// legalTransitions enumerates the edges of the job state machine. A state
// absent from this map, or a target absent from its slice, has no legal
// transition.
var legalTransitions = map[State][]State{
	StatePending:    {StateInProgress, StateCancelled},
	StateInProgress: {StateCompleted, StateFailed, StateStuck, StateCancelled},
	StateCompleted:  {StateSubmitted, StateFailed},
	StateSubmitted:  {StateAccepted, StateFailed},
	StateStuck:      {StateInProgress, StateFailed, StateCancelled},
	// Accepted, Failed, Cancelled are terminal: no outgoing edges.
}

// maxTransitions bounds the transition log; the oldest entries are dropped
// on overflow.
const maxTransitions = 200

// CanTransition reports whether from -> to is a legal edge.
func CanTransition(from, to State) bool {
	for _, s := range legalTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// StateTransition is one entry in a job's transition log.
type StateTransition struct {
	From      State
	To        State
	Timestamp time.Time
	Reason    string
}

// TransitionError reports an illegal state transition attempt.
type TransitionError struct {
	From State
	To   State
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("cannot transition from %s to %s", e.From, e.To)
}

// BudgetExceededError is returned by AddTokens when the running total
// crosses MaxTokens. The tokens are still recorded (see spec §3.1 / §9).
type BudgetExceededError struct {
	TotalTokensUsed int64
	MaxTokens       int64
}

func (e *BudgetExceededError) Error() string {
	return fmt.Sprintf("token budget exceeded: used %d of max %d", e.TotalTokensUsed, e.MaxTokens)
}

// JobContext is the unit around which cost, time, and token budgets are
// enforced. Mutating methods are safe for concurrent use; each acquires an
// internal mutex and returns a copy-free, already-applied result.
type JobContext struct {
	mu sync.Mutex

	JobID          uuid.UUID
	State          State
	UserID         string
	ConversationID string
	Title          string
	Description    string
	Category       string

	Budget        *float64
	BudgetToken   *int64
	BidAmount     *float64
	EstimatedCost *float64
	EstimatedDur  *time.Duration

	ActualCost      float64
	TotalTokensUsed int64
	MaxTokens       int64 // 0 = unlimited

	CreatedAt   time.Time
	StartedAt   *time.Time
	CompletedAt *time.Time

	RepairAttempts int

	Transitions []StateTransition
	Metadata    map[string]any
}

// New creates a JobContext in state Pending.
func New(userID, title, description string) *JobContext {
	return &JobContext{
		JobID:       uuid.New(),
		State:       StatePending,
		UserID:      userID,
		Title:       title,
		Description: description,
		CreatedAt:   time.Now(),
		Metadata:    make(map[string]any),
	}
}

// RestoreJobContext rebuilds a JobContext from persisted fields without
// replaying its transition history. Storage backends use this to load a
// row back into memory; it does not go through TransitionTo because the
// state was already legally reached before it was persisted.
func RestoreJobContext(jobID uuid.UUID, state State, createdAt time.Time, startedAt, completedAt *time.Time) *JobContext {
	return &JobContext{
		JobID:       jobID,
		State:       state,
		CreatedAt:   createdAt,
		StartedAt:   startedAt,
		CompletedAt: completedAt,
		Metadata:    make(map[string]any),
	}
}

// TransitionTo attempts to move the job to newState. On success it appends
// a StateTransition (trimming the log to maxTransitions), then applies the
// started_at/completed_at side effects. On failure the job is left
// unmodified and a *TransitionError is returned.
func (j *JobContext) TransitionTo(newState State, reason string) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.transitionLocked(newState, reason)
}

func (j *JobContext) transitionLocked(newState State, reason string) error {
	if !CanTransition(j.State, newState) {
		return &TransitionError{From: j.State, To: newState}
	}

	now := time.Now()
	j.Transitions = append(j.Transitions, StateTransition{
		From:      j.State,
		To:        newState,
		Timestamp: now,
		Reason:    reason,
	})
	if len(j.Transitions) > maxTransitions {
		j.Transitions = j.Transitions[len(j.Transitions)-maxTransitions:]
	}

	j.State = newState

	if newState == StateInProgress && j.StartedAt == nil {
		j.StartedAt = &now
	}
	if isTerminal(newState) {
		j.CompletedAt = &now
	}

	return nil
}

func isTerminal(s State) bool {
	switch s {
	case StateAccepted, StateFailed, StateCancelled:
		return true
	default:
		return false
	}
}

// AddCost accumulates ActualCost with no budget check.
func (j *JobContext) AddCost(amount float64) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.ActualCost += amount
}

// AddTokens always records n against TotalTokensUsed. If MaxTokens > 0 and
// the running total exceeds it, a *BudgetExceededError is returned — the
// tokens remain recorded regardless (see spec §9 open question: intentional
// record-and-error behavior, not reverted on overshoot).
func (j *JobContext) AddTokens(n int64) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.TotalTokensUsed += n
	if j.MaxTokens > 0 && j.TotalTokensUsed > j.MaxTokens {
		return &BudgetExceededError{TotalTokensUsed: j.TotalTokensUsed, MaxTokens: j.MaxTokens}
	}
	return nil
}

// BudgetExceeded reports whether ActualCost has crossed Budget. A nil
// Budget always yields false.
func (j *JobContext) BudgetExceeded() bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.Budget == nil {
		return false
	}
	return j.ActualCost > *j.Budget
}

// Elapsed returns CompletedAt (or now, if still open) minus StartedAt,
// saturating at zero. It returns nil if the job never started.
func (j *JobContext) Elapsed() *time.Duration {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.StartedAt == nil {
		return nil
	}
	end := time.Now()
	if j.CompletedAt != nil {
		end = *j.CompletedAt
	}
	d := end.Sub(*j.StartedAt)
	if d < 0 {
		d = 0
	}
	return &d
}

// MarkStuck is a shortcut for TransitionTo(Stuck, reason).
func (j *JobContext) MarkStuck(reason string) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.transitionLocked(StateStuck, reason)
}

// AttemptRecovery transitions Stuck -> InProgress and increments
// RepairAttempts. It errors (without mutation) from any other state.
func (j *JobContext) AttemptRecovery() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.State != StateStuck {
		return &TransitionError{From: j.State, To: StateInProgress}
	}
	if err := j.transitionLocked(StateInProgress, "recovered"); err != nil {
		return err
	}
	j.RepairAttempts++
	return nil
}

// Snapshot returns a shallow copy of the job's observable fields, safe to
// read without holding the job's lock. The Transitions slice is copied.
func (j *JobContext) Snapshot() JobContext {
	j.mu.Lock()
	defer j.mu.Unlock()
	cp := *j
	cp.Transitions = append([]StateTransition(nil), j.Transitions...)
	meta := make(map[string]any, len(j.Metadata))
	for k, v := range j.Metadata {
		meta[k] = v
	}
	cp.Metadata = meta
	cp.mu = sync.Mutex{}
	return cp
}
