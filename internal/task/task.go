package task

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

type Status string

const (
	StatusPending    Status = "PENDING"
	StatusProcessing Status = "PROCESSING"
	StatusCompleted  Status = "COMPLETED"
	StatusFailed     Status = "FAILED"
	StatusRetrying   Status = "RETRYING"
)

func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusProcessing, StatusCompleted, StatusFailed, StatusRetrying:
		return true
	}
	return false
}

type Type string

const (
	TypeCreateClaim      Type = "CREATE_CLAIM"
	TypeCheckEligibility Type = "CHECK_ELIGIBILITY"
	TypeGenerateEDI      Type = "GENERATE_EDI"
	TypeSubmitClaim      Type = "SUBMIT_CLAIM"
	TypeCheckStatus      Type = "CHECK_STATUS"
)

// Types lists every task type in pipeline order.
func Types() []Type {
	return []Type{TypeCreateClaim, TypeCheckEligibility, TypeGenerateEDI, TypeSubmitClaim, TypeCheckStatus}
}

func (t Type) Valid() bool {
	switch t {
	case TypeCreateClaim, TypeCheckEligibility, TypeGenerateEDI, TypeSubmitClaim, TypeCheckStatus:
		return true
	}
	return false
}

// Entity types referenced by tasks.
const (
	EntityReport = "report"
	EntityClaim  = "claim"
)

// Pipeline priorities: earlier stages run first.
const (
	PriorityCreateClaim      = 5
	PriorityCheckEligibility = 4
	PriorityGenerateEDI      = 3
	PrioritySubmitClaim      = 2
	PriorityCheckStatus      = 1
)

// DefaultPriority returns the pipeline priority of t, or 0 for an unknown type.
func DefaultPriority(t Type) int {
	switch t {
	case TypeCreateClaim:
		return PriorityCreateClaim
	case TypeCheckEligibility:
		return PriorityCheckEligibility
	case TypeGenerateEDI:
		return PriorityGenerateEDI
	case TypeSubmitClaim:
		return PrioritySubmitClaim
	case TypeCheckStatus:
		return PriorityCheckStatus
	}
	return 0
}

const DefaultMaxAttempts = 3

// Failure is the serialized form of the last handler error.
type Failure struct {
	Kind    string    `json:"kind"`
	Message string    `json:"message"`
	Details []string  `json:"details,omitempty"`
	At      time.Time `json:"at"`
}

type Task struct {
	ID             string          `json:"id"`
	Type           Type            `json:"type"`
	EntityID       string          `json:"entity_id"`
	EntityType     string          `json:"entity_type"`
	Status         Status          `json:"status"`
	Priority       int             `json:"priority"`
	Attempts       int             `json:"attempts"`
	MaxAttempts    int             `json:"max_attempts"`
	ScheduledFor   time.Time       `json:"scheduled_for"`
	LeaseExpiresAt *time.Time      `json:"lease_expires_at,omitempty"`
	DedupeKey      string          `json:"dedupe_key,omitempty"`
	Error          *Failure        `json:"error,omitempty"`
	Result         json.RawMessage `json:"result,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

// Params describes a task to enqueue.
type Params struct {
	Type        Type
	EntityID    string
	EntityType  string
	Priority    int
	MaxAttempts int
	DedupeKey   string
}

// New builds a PENDING task due at now. It returns an error for input that
// can never be processed.
func New(p Params, now time.Time) (*Task, error) {
	if !p.Type.Valid() {
		return nil, fmt.Errorf("unknown task type: %q", p.Type)
	}
	if p.EntityID == "" {
		return nil, fmt.Errorf("entity id is required")
	}
	if p.MaxAttempts < 0 {
		return nil, fmt.Errorf("max attempts must be positive, got %d", p.MaxAttempts)
	}
	if p.MaxAttempts == 0 {
		p.MaxAttempts = DefaultMaxAttempts
	}

	return &Task{
		ID:           uuid.New().String(),
		Type:         p.Type,
		EntityID:     p.EntityID,
		EntityType:   p.EntityType,
		Status:       StatusPending,
		Priority:     p.Priority,
		MaxAttempts:  p.MaxAttempts,
		ScheduledFor: now,
		DedupeKey:    p.DedupeKey,
		CreatedAt:    now,
		UpdatedAt:    now,
	}, nil
}

// Less orders tasks for dispatch: priority descending, then earlier due
// first, then earlier created first.
func Less(a, b *Task) bool {
	if a.Priority != b.Priority {
		return a.Priority > b.Priority
	}
	if !a.ScheduledFor.Equal(b.ScheduledFor) {
		return a.ScheduledFor.Before(b.ScheduledFor)
	}
	return a.CreatedAt.Before(b.CreatedAt)
}

// Terminal reports whether the scheduler will never pick the task up again.
func (t *Task) Terminal() bool {
	return t.Status == StatusCompleted || t.Status == StatusFailed
}
