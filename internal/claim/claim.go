// Package claim holds the claim aggregate, its status workflow and the store
// contract the billing pipeline persists claims through.
package claim

import (
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
)

type Status string

const (
	StatusDraft         Status = "DRAFT"
	StatusReady         Status = "READY"
	StatusSubmitted     Status = "SUBMITTED"
	StatusAccepted      Status = "ACCEPTED"
	StatusRejected      Status = "REJECTED"
	StatusDenied        Status = "DENIED"
	StatusPartiallyPaid Status = "PARTIALLY_PAID"
	StatusPaid          Status = "PAID"
)

// Statuses lists every claim status.
func Statuses() []Status {
	return []Status{
		StatusDraft, StatusReady, StatusSubmitted, StatusAccepted,
		StatusRejected, StatusDenied, StatusPartiallyPaid, StatusPaid,
	}
}

func (s Status) Valid() bool {
	for _, v := range Statuses() {
		if s == v {
			return true
		}
	}
	return false
}

type PlanType string

const (
	PlanPPO       PlanType = "PPO"
	PlanHMO       PlanType = "HMO"
	PlanEPO       PlanType = "EPO"
	PlanPOS       PlanType = "POS"
	PlanHDHP      PlanType = "HDHP"
	PlanIndemnity PlanType = "INDEMNITY"
)

func (p PlanType) Valid() bool {
	switch p {
	case PlanPPO, PlanHMO, PlanEPO, PlanPOS, PlanHDHP, PlanIndemnity:
		return true
	}
	return false
}

type InsurancePlan struct {
	PayerID       string     `json:"payer_id"`
	PayerName     string     `json:"payer_name"`
	MemberID      string     `json:"member_id"`
	GroupNumber   string     `json:"group_number,omitempty"`
	PlanType      PlanType   `json:"plan_type,omitempty"`
	EffectiveDate *time.Time `json:"effective_date,omitempty"`
	TermDate      *time.Time `json:"term_date,omitempty"`
	IsPrimary     bool       `json:"is_primary"`
	IsActive      bool       `json:"is_active"`
}

type Line struct {
	CPTCode     string    `json:"cpt_code"`
	ICD10Codes  []string  `json:"icd10_codes"`
	Charge      float64   `json:"charge"`
	Units       int       `json:"units"`
	ServiceDate time.Time `json:"service_date"`
	FacilityNPI string    `json:"facility_npi,omitempty"`
	ProviderNPI string    `json:"provider_npi,omitempty"`
}

type Provider struct {
	FirstName string `json:"first_name,omitempty"`
	LastName  string `json:"last_name,omitempty"`
	NPI       string `json:"npi"`
}

type Address struct {
	Line1 string `json:"line1,omitempty"`
	City  string `json:"city,omitempty"`
	State string `json:"state,omitempty"`
	Zip   string `json:"zip,omitempty"`
}

func (a Address) Empty() bool {
	return a.Line1 == "" && a.City == "" && a.State == "" && a.Zip == ""
}

// Subscriber is the insured person the claim is billed for.
type Subscriber struct {
	ID          string     `json:"id"`
	FirstName   string     `json:"first_name"`
	LastName    string     `json:"last_name"`
	DateOfBirth *time.Time `json:"date_of_birth,omitempty"`
	Gender      string     `json:"gender,omitempty"`
	Address     Address    `json:"address"`
}

// Report is the billable view of an uploaded health report.
type Report struct {
	ID                string         `json:"id"`
	UserID            string         `json:"user_id"`
	Plan              *InsurancePlan `json:"insurance_plan,omitempty"`
	Lines             []Line         `json:"lines"`
	RenderingProvider *Provider      `json:"rendering_provider,omitempty"`
	PlaceOfService    string         `json:"place_of_service,omitempty"`
}

type Claim struct {
	ID                string         `json:"id"`
	ReportID          string         `json:"report_id"`
	UserID            string         `json:"user_id"`
	ClaimNumber       string         `json:"claim_number"`
	Status            Status         `json:"status"`
	TotalCharge       float64        `json:"total_charge"`
	Plan              *InsurancePlan `json:"insurance_plan,omitempty"`
	Lines             []Line         `json:"lines"`
	RenderingProvider *Provider      `json:"rendering_provider,omitempty"`
	PlaceOfService    string         `json:"place_of_service"`
	EDIFileLocation   string         `json:"edi_file_location,omitempty"`
	SubmissionID      string         `json:"submission_id,omitempty"`
	CreatedAt         time.Time      `json:"created_at"`
	UpdatedAt         time.Time      `json:"updated_at"`
}

const DefaultPlaceOfService = "11"

// NewClaimNumber returns a sortable, collision-resistant claim number.
func NewClaimNumber() string {
	return "CLM" + ulid.Make().String()
}

// FromReport drafts a claim for a billable report.
func FromReport(r *Report, now time.Time) *Claim {
	lines := make([]Line, len(r.Lines))
	for i, l := range r.Lines {
		if l.Units <= 0 {
			l.Units = 1
		}
		l.ICD10Codes = append([]string(nil), l.ICD10Codes...)
		lines[i] = l
	}

	pos := r.PlaceOfService
	if pos == "" {
		pos = DefaultPlaceOfService
	}

	c := &Claim{
		ID:             uuid.New().String(),
		ReportID:       r.ID,
		UserID:         r.UserID,
		ClaimNumber:    NewClaimNumber(),
		Status:         StatusDraft,
		TotalCharge:    TotalCharge(lines),
		Lines:          lines,
		PlaceOfService: pos,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if r.Plan != nil {
		p := *r.Plan
		c.Plan = &p
	}
	if r.RenderingProvider != nil {
		p := *r.RenderingProvider
		c.RenderingProvider = &p
	}
	return c
}

// TotalCharge sums charge times units over lines.
func TotalCharge(lines []Line) float64 {
	var total float64
	for _, l := range lines {
		units := l.Units
		if units <= 0 {
			units = 1
		}
		total += l.Charge * float64(units)
	}
	return total
}

// Clone returns a deep copy so stores never share memory with callers.
func (c *Claim) Clone() *Claim {
	cp := *c
	if c.Plan != nil {
		p := *c.Plan
		cp.Plan = &p
	}
	if c.RenderingProvider != nil {
		p := *c.RenderingProvider
		cp.RenderingProvider = &p
	}
	cp.Lines = make([]Line, len(c.Lines))
	for i, l := range c.Lines {
		l.ICD10Codes = append([]string(nil), l.ICD10Codes...)
		cp.Lines[i] = l
	}
	return &cp
}
