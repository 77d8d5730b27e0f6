package claim

import (
	"context"
	"fmt"

	"github.com/podushkina/claimflow/internal/apperror"
)

var transitions = map[Status][]Status{
	StatusDraft:         {StatusReady},
	StatusReady:         {StatusSubmitted},
	StatusSubmitted:     {StatusAccepted, StatusRejected, StatusDenied},
	StatusAccepted:      {StatusPartiallyPaid, StatusPaid},
	StatusPartiallyPaid: {StatusPaid},
}

// CanTransition reports whether a claim may move from one status to another.
func CanTransition(from, to Status) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Terminal reports whether no transition leaves s.
func Terminal(s Status) bool {
	return s.Valid() && len(transitions[s]) == 0
}

// Workflow is the only writer of claim status.
type Workflow struct {
	store Store
}

func NewWorkflow(store Store) *Workflow {
	return &Workflow{store: store}
}

// Transition moves c to status to. Disallowed moves fail with a validation
// error before anything is written.
func (w *Workflow) Transition(ctx context.Context, c *Claim, to Status) error {
	if !CanTransition(c.Status, to) {
		return apperror.Validation("claim transition", "claim %s cannot move from %s to %s", c.ID, c.Status, to)
	}
	if err := w.store.UpdateStatus(ctx, c.ID, c.Status, to); err != nil {
		return fmt.Errorf("update claim %s status: %w", c.ID, err)
	}
	c.Status = to
	return nil
}

// Advance is Transition for re-runnable callers: a claim already at to is
// left alone.
func (w *Workflow) Advance(ctx context.Context, c *Claim, to Status) error {
	if c.Status == to {
		return nil
	}
	return w.Transition(ctx, c, to)
}
