// Package handlers implements one handler per billing pipeline stage. Every
// handler can be re-run after a partial failure: writes are keyed on natural
// identifiers and the next stage is enqueued under a dedupe key derived from
// the running task.
package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/podushkina/claimflow/internal/apperror"
	"github.com/podushkina/claimflow/internal/claim"
	"github.com/podushkina/claimflow/internal/clearinghouse"
	"github.com/podushkina/claimflow/internal/edi"
	"github.com/podushkina/claimflow/internal/eligibility"
	"github.com/podushkina/claimflow/internal/filestore"
	"github.com/podushkina/claimflow/internal/scheduler"
	"github.com/podushkina/claimflow/internal/task"
)

// TaskQueue stores follow-up tasks.
type TaskQueue interface {
	Enqueue(ctx context.Context, t *task.Task) (*task.Task, error)
}

type Deps struct {
	Claims        claim.Store
	Validator     *eligibility.Validator
	Generator     *edi.Generator
	Files         filestore.Store
	Clearinghouse clearinghouse.Client
	Tasks         TaskQueue
	Logger        zerolog.Logger
	Now           func() time.Time
}

type Handlers struct {
	claims        claim.Store
	workflow      *claim.Workflow
	validator     *eligibility.Validator
	generator     *edi.Generator
	files         filestore.Store
	clearinghouse clearinghouse.Client
	tasks         TaskQueue
	log           zerolog.Logger
	now           func() time.Time
}

func New(d Deps) *Handlers {
	if d.Validator == nil {
		d.Validator = eligibility.NewValidator()
	}
	if d.Now == nil {
		d.Now = time.Now
	}
	return &Handlers{
		claims:        d.Claims,
		workflow:      claim.NewWorkflow(d.Claims),
		validator:     d.Validator,
		generator:     d.Generator,
		files:         d.Files,
		clearinghouse: d.Clearinghouse,
		tasks:         d.Tasks,
		log:           d.Logger,
		now:           d.Now,
	}
}

// Table returns the scheduler dispatch table.
func (h *Handlers) Table() scheduler.Handlers {
	return scheduler.Handlers{
		CreateClaim:      h.CreateClaim,
		CheckEligibility: h.CheckEligibility,
		GenerateEDI:      h.GenerateEDI,
		SubmitClaim:      h.SubmitClaim,
		CheckStatus:      h.CheckStatus,
	}
}

type StageResult struct {
	ClaimID            string               `json:"claim_id"`
	ClaimNumber        string               `json:"claim_number,omitempty"`
	ClaimStatus        claim.Status         `json:"claim_status"`
	EDIFileLocation    string               `json:"edi_file_location,omitempty"`
	SubmissionID       string               `json:"submission_id,omitempty"`
	ClearinghouseState clearinghouse.Status `json:"clearinghouse_status,omitempty"`
	NextTaskID         string               `json:"next_task_id,omitempty"`
}

func (r StageResult) encode() (json.RawMessage, error) {
	data, err := json.Marshal(r)
	if err != nil {
		return nil, fmt.Errorf("marshal result: %w", err)
	}
	return data, nil
}

func (h *Handlers) CreateClaim(ctx context.Context, t *task.Task) (json.RawMessage, error) {
	const op = "create claim"

	report, err := h.claims.GetReport(ctx, t.EntityID)
	if err != nil {
		if errors.Is(err, claim.ErrNotFound) {
			return nil, apperror.NotFound(op, "report %s not found", t.EntityID)
		}
		return nil, apperror.Transient(op, err)
	}

	c, err := h.claims.UpsertByReport(ctx, claim.FromReport(report, h.now()))
	if err != nil {
		return nil, apperror.Transient(op, err)
	}
	h.log.Info().
		Str("task_id", t.ID).
		Str("report_id", report.ID).
		Str("claim_id", c.ID).
		Str("claim_number", c.ClaimNumber).
		Msg("claim created")

	next, err := h.next(ctx, t, task.TypeCheckEligibility, c.ID, task.PriorityCheckEligibility)
	if err != nil {
		return nil, err
	}
	return StageResult{ClaimID: c.ID, ClaimNumber: c.ClaimNumber, ClaimStatus: c.Status, NextTaskID: next}.encode()
}

func (h *Handlers) CheckEligibility(ctx context.Context, t *task.Task) (json.RawMessage, error) {
	const op = "check eligibility"

	c, err := h.claim(ctx, op, t.EntityID)
	if err != nil {
		return nil, err
	}

	if c.Status == claim.StatusDraft {
		if res := h.validator.Validate(c.Plan); !res.Valid() {
			return nil, apperror.Eligibility(op, res.Errors)
		}

		payer, err := h.clearinghouse.CheckEligibility(ctx, c.Plan)
		if err != nil {
			return nil, apperror.Transient(op, err)
		}
		if !payer.Eligible {
			return nil, apperror.Eligibility(op, payer.Messages)
		}

		if err := h.workflow.Advance(ctx, c, claim.StatusReady); err != nil {
			return nil, err
		}
	}

	next, err := h.next(ctx, t, task.TypeGenerateEDI, c.ID, task.PriorityGenerateEDI)
	if err != nil {
		return nil, err
	}
	return StageResult{ClaimID: c.ID, ClaimNumber: c.ClaimNumber, ClaimStatus: c.Status, NextTaskID: next}.encode()
}

func (h *Handlers) GenerateEDI(ctx context.Context, t *task.Task) (json.RawMessage, error) {
	const op = "generate edi"

	c, err := h.claim(ctx, op, t.EntityID)
	if err != nil {
		return nil, err
	}
	if c.Status == claim.StatusDraft {
		return nil, apperror.Validation(op, "claim %s has not passed eligibility", c.ID)
	}

	if c.EDIFileLocation == "" {
		sub, err := h.claims.GetSubscriber(ctx, c.UserID)
		if err != nil {
			if errors.Is(err, claim.ErrNotFound) {
				return nil, apperror.Generation(op, "subscriber %s not found", c.UserID)
			}
			return nil, apperror.Transient(op, err)
		}

		file, err := h.generator.Generate(ctx, edi.Input{Claim: c, Plan: c.Plan, Subscriber: sub})
		if err != nil {
			return nil, err
		}

		location, err := h.files.Put(ctx, file.Key(), []byte(file.Content))
		if err != nil {
			return nil, apperror.Transient(op, err)
		}

		err = h.claims.SetEDIFileLocation(ctx, c.ID, file.Key())
		switch {
		case errors.Is(err, claim.ErrEDILocationSet):
			// a concurrent run won; keep its file
			if c, err = h.claim(ctx, op, c.ID); err != nil {
				return nil, err
			}
		case err != nil:
			return nil, apperror.Transient(op, err)
		default:
			c.EDIFileLocation = file.Key()
			h.log.Info().
				Str("task_id", t.ID).
				Str("claim_number", c.ClaimNumber).
				Str("control_number", file.ControlNumber).
				Str("location", location).
				Msg("edi file generated")
		}
	}

	next, err := h.next(ctx, t, task.TypeSubmitClaim, c.ID, task.PrioritySubmitClaim)
	if err != nil {
		return nil, err
	}
	return StageResult{
		ClaimID:         c.ID,
		ClaimNumber:     c.ClaimNumber,
		ClaimStatus:     c.Status,
		EDIFileLocation: c.EDIFileLocation,
		NextTaskID:      next,
	}.encode()
}

func (h *Handlers) SubmitClaim(ctx context.Context, t *task.Task) (json.RawMessage, error) {
	const op = "submit claim"

	c, err := h.claim(ctx, op, t.EntityID)
	if err != nil {
		return nil, err
	}
	if c.EDIFileLocation == "" {
		return nil, apperror.Validation(op, "claim %s has no EDI file", c.ID)
	}

	if c.Status == claim.StatusReady {
		content, err := h.files.Get(ctx, c.EDIFileLocation)
		if err != nil {
			return nil, apperror.Transient(op, err)
		}

		sub, err := h.clearinghouse.Submit(ctx, c.ClaimNumber, c.EDIFileLocation, content)
		if err != nil {
			return nil, apperror.Transient(op, err)
		}
		if c.SubmissionID != sub.ID {
			if err := h.claims.SetSubmissionID(ctx, c.ID, sub.ID); err != nil {
				return nil, apperror.Transient(op, err)
			}
			c.SubmissionID = sub.ID
		}
		if err := h.workflow.Advance(ctx, c, claim.StatusSubmitted); err != nil {
			return nil, err
		}
		h.log.Info().
			Str("task_id", t.ID).
			Str("claim_number", c.ClaimNumber).
			Str("submission_id", sub.ID).
			Msg("claim submitted")
	}

	next, err := h.next(ctx, t, task.TypeCheckStatus, c.ID, task.PriorityCheckStatus)
	if err != nil {
		return nil, err
	}
	return StageResult{
		ClaimID:      c.ID,
		ClaimNumber:  c.ClaimNumber,
		ClaimStatus:  c.Status,
		SubmissionID: c.SubmissionID,
		NextTaskID:   next,
	}.encode()
}

// adjudication lists the claim statuses each clearinghouse answer walks the
// claim through.
var adjudication = map[clearinghouse.Status][]claim.Status{
	clearinghouse.StatusAccepted:      {claim.StatusAccepted},
	clearinghouse.StatusRejected:      {claim.StatusRejected},
	clearinghouse.StatusDenied:        {claim.StatusDenied},
	clearinghouse.StatusPartiallyPaid: {claim.StatusAccepted, claim.StatusPartiallyPaid},
	clearinghouse.StatusPaid:          {claim.StatusAccepted, claim.StatusPaid},
}

var errStillPending = errors.New("claim is still pending at the clearinghouse")

func (h *Handlers) CheckStatus(ctx context.Context, t *task.Task) (json.RawMessage, error) {
	const op = "check status"

	c, err := h.claim(ctx, op, t.EntityID)
	if err != nil {
		return nil, err
	}
	if c.SubmissionID == "" {
		return nil, apperror.Validation(op, "claim %s was never submitted", c.ID)
	}

	sub, err := h.clearinghouse.Status(ctx, c.SubmissionID)
	if err != nil {
		return nil, apperror.Transient(op, err)
	}
	if sub.Status == clearinghouse.StatusPending {
		return nil, apperror.Transient(op, errStillPending)
	}

	path, ok := adjudication[sub.Status]
	if !ok {
		return nil, apperror.Validation(op, "unknown clearinghouse status %q", sub.Status)
	}
	if err := h.walk(ctx, c, path); err != nil {
		return nil, err
	}
	h.log.Info().
		Str("task_id", t.ID).
		Str("claim_number", c.ClaimNumber).
		Str("status", string(c.Status)).
		Msg("claim adjudicated")

	return StageResult{
		ClaimID:            c.ID,
		ClaimNumber:        c.ClaimNumber,
		ClaimStatus:        c.Status,
		SubmissionID:       c.SubmissionID,
		ClearinghouseState: sub.Status,
	}.encode()
}

// walk advances c through path. Intermediate steps c has already moved
// past are skipped; the final step is always enforced.
func (h *Handlers) walk(ctx context.Context, c *claim.Claim, path []claim.Status) error {
	for i, s := range path {
		if c.Status == s {
			continue
		}
		if i < len(path)-1 && !claim.CanTransition(c.Status, s) {
			continue
		}
		if err := h.workflow.Advance(ctx, c, s); err != nil {
			return err
		}
	}
	return nil
}

func (h *Handlers) claim(ctx context.Context, op, id string) (*claim.Claim, error) {
	c, err := h.claims.Get(ctx, id)
	if err != nil {
		if errors.Is(err, claim.ErrNotFound) {
			return nil, apperror.NotFound(op, "claim %s not found", id)
		}
		return nil, apperror.Transient(op, err)
	}
	return c, nil
}

// next enqueues the following stage for claimID, once per source task.
func (h *Handlers) next(ctx context.Context, src *task.Task, typ task.Type, claimID string, priority int) (string, error) {
	t, err := task.New(task.Params{
		Type:       typ,
		EntityID:   claimID,
		EntityType: task.EntityClaim,
		Priority:   priority,
		DedupeKey:  fmt.Sprintf("%s:%s", typ, src.ID),
	}, h.now())
	if err != nil {
		return "", apperror.Validation("enqueue "+string(typ), "%s", err.Error())
	}
	stored, err := h.tasks.Enqueue(ctx, t)
	if err != nil {
		return "", apperror.Transient("enqueue "+string(typ), err)
	}
	return stored.ID, nil
}
