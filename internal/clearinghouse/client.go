// Package clearinghouse is the boundary to the claim-routing service. The
// shipped Stub answers in-process; a network client implements the same
// Client interface.
package clearinghouse

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/podushkina/claimflow/internal/claim"
)

var ErrUnknownSubmission = errors.New("unknown submission")

type Status string

const (
	StatusPending       Status = "PENDING"
	StatusAccepted      Status = "ACCEPTED"
	StatusRejected      Status = "REJECTED"
	StatusDenied        Status = "DENIED"
	StatusPartiallyPaid Status = "PARTIALLY_PAID"
	StatusPaid          Status = "PAID"
)

type Eligibility struct {
	Eligible bool     `json:"eligible"`
	Messages []string `json:"messages,omitempty"`
}

type Submission struct {
	ID          string    `json:"id"`
	ClaimNumber string    `json:"claim_number"`
	FileKey     string    `json:"file_key"`
	Status      Status    `json:"status"`
	SubmittedAt time.Time `json:"submitted_at"`
}

type Client interface {
	CheckEligibility(ctx context.Context, plan *claim.InsurancePlan) (*Eligibility, error)
	// Submit is idempotent per claim number: resubmitting returns the
	// original submission.
	Submit(ctx context.Context, claimNumber, fileKey string, content []byte) (*Submission, error)
	Status(ctx context.Context, submissionID string) (*Submission, error)
}

type Option func(*Stub)

// WithRate limits calls to rps per second with the given burst.
func WithRate(rps float64, burst int) Option {
	return func(s *Stub) {
		if rps <= 0 {
			s.limiter = rate.NewLimiter(rate.Inf, 0)
			return
		}
		if burst < 1 {
			burst = 1
		}
		s.limiter = rate.NewLimiter(rate.Limit(rps), burst)
	}
}

// WithOutcome decides the adjudication result for a claim number.
func WithOutcome(fn func(claimNumber string) Status) Option {
	return func(s *Stub) { s.outcome = fn }
}

// WithPendingPolls keeps a submission PENDING for the first n status calls.
func WithPendingPolls(n int) Option {
	return func(s *Stub) { s.pendingPolls = n }
}

func WithClock(now func() time.Time) Option {
	return func(s *Stub) { s.now = now }
}

type submission struct {
	Submission
	polls int
}

// Stub accepts every well-formed submission. Adjudication is decided by the
// outcome function and becomes visible after the configured pending polls.
type Stub struct {
	limiter      *rate.Limiter
	outcome      func(string) Status
	pendingPolls int
	now          func() time.Time

	mu      sync.Mutex
	byID    map[string]*submission
	byClaim map[string]*submission
}

func NewStub(opts ...Option) *Stub {
	s := &Stub{
		limiter: rate.NewLimiter(rate.Every(100*time.Millisecond), 10),
		outcome: func(string) Status { return StatusAccepted },
		now:     time.Now,
		byID:    make(map[string]*submission),
		byClaim: make(map[string]*submission),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Stub) wait(ctx context.Context) error {
	if err := s.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("clearinghouse rate limit: %w", err)
	}
	return nil
}

func (s *Stub) CheckEligibility(ctx context.Context, plan *claim.InsurancePlan) (*Eligibility, error) {
	if err := s.wait(ctx); err != nil {
		return nil, err
	}
	if plan == nil {
		return &Eligibility{Messages: []string{"No coverage on file"}}, nil
	}

	res := &Eligibility{Eligible: true}
	now := s.now()
	if !plan.IsActive {
		res.Eligible = false
		res.Messages = append(res.Messages, "Coverage is not active at payer")
	}
	if plan.EffectiveDate != nil && now.Before(*plan.EffectiveDate) {
		res.Eligible = false
		res.Messages = append(res.Messages, "Coverage has not started")
	}
	if plan.TermDate != nil && !now.Before(*plan.TermDate) {
		res.Eligible = false
		res.Messages = append(res.Messages, "Coverage has ended")
	}
	return res, nil
}

func (s *Stub) Submit(ctx context.Context, claimNumber, fileKey string, content []byte) (*Submission, error) {
	if err := s.wait(ctx); err != nil {
		return nil, err
	}
	if claimNumber == "" {
		return nil, fmt.Errorf("claim number is required")
	}
	if len(content) == 0 {
		return nil, fmt.Errorf("claim %s: empty EDI file", claimNumber)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.byClaim[claimNumber]; ok {
		out := existing.Submission
		return &out, nil
	}

	sub := &submission{Submission: Submission{
		ID:          uuid.New().String(),
		ClaimNumber: claimNumber,
		FileKey:     fileKey,
		Status:      StatusPending,
		SubmittedAt: s.now(),
	}}
	s.byID[sub.ID] = sub
	s.byClaim[claimNumber] = sub

	out := sub.Submission
	return &out, nil
}

func (s *Stub) Status(ctx context.Context, submissionID string) (*Submission, error) {
	if err := s.wait(ctx); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	sub, ok := s.byID[submissionID]
	if !ok {
		return nil, fmt.Errorf("%s: %w", submissionID, ErrUnknownSubmission)
	}
	if sub.Status == StatusPending {
		sub.polls++
		if sub.polls > s.pendingPolls {
			sub.Status = s.outcome(sub.ClaimNumber)
		}
	}

	out := sub.Submission
	return &out, nil
}
