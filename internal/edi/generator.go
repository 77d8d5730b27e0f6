// Package edi encodes claims as ANSI X12 005010X222A1 (837P) transactions.
package edi

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/podushkina/claimflow/internal/apperror"
	"github.com/podushkina/claimflow/internal/claim"
)

const (
	implementationRef = "005010X222A1"
	transactionSetID  = "0001"
	maxDiagnoses      = 12
	maxPointers       = 4
	controlModulus    = 999_999_999
)

// Defaults used when optional names are absent from the claim.
const (
	DefaultRenderingFirstName = "RENDERING"
	DefaultRenderingLastName  = "PROVIDER"
	DefaultFacilityName       = "SERVICE FACILITY"
)

type BillingProvider struct {
	Name    string
	NPI     string
	TaxID   string
	Address claim.Address
}

// Sender identifies the submitting organization in the envelope and the
// 1000A/1000B/2010AA loops.
type Sender struct {
	SubmitterName   string
	SubmitterID     string
	ContactName     string
	ContactPhone    string
	ReceiverName    string
	ReceiverID      string
	BillingProvider BillingProvider
	// UsageIndicator is ISA15: P for production, T for test.
	UsageIndicator string
}

func DefaultSender() Sender {
	return Sender{
		SubmitterName: "CLAIMFLOW",
		SubmitterID:   "CLAIMFLOW",
		ContactName:   "BILLING OFFICE",
		ContactPhone:  "8005550100",
		ReceiverName:  "CLEARINGHOUSE",
		ReceiverID:    "CLEARINGHOUSE",
		BillingProvider: BillingProvider{
			Name:  "CLAIMFLOW BILLING",
			NPI:   "1999999984",
			TaxID: "000000000",
			Address: claim.Address{
				Line1: "100 MAIN ST",
				City:  "AUSTIN",
				State: "TX",
				Zip:   "787010000",
			},
		},
		UsageIndicator: "P",
	}
}

// withDefaults fills empty sender fields from DefaultSender.
func (s Sender) withDefaults() Sender {
	d := DefaultSender()
	fill := func(v *string, def string) {
		if strings.TrimSpace(*v) == "" {
			*v = def
		}
	}
	fill(&s.SubmitterName, d.SubmitterName)
	fill(&s.SubmitterID, d.SubmitterID)
	fill(&s.ContactName, d.ContactName)
	fill(&s.ContactPhone, d.ContactPhone)
	fill(&s.ReceiverName, d.ReceiverName)
	fill(&s.ReceiverID, d.ReceiverID)
	fill(&s.BillingProvider.Name, d.BillingProvider.Name)
	fill(&s.BillingProvider.NPI, d.BillingProvider.NPI)
	fill(&s.BillingProvider.TaxID, d.BillingProvider.TaxID)
	if s.BillingProvider.Address.Empty() {
		s.BillingProvider.Address = d.BillingProvider.Address
	}
	if s.UsageIndicator != "T" {
		s.UsageIndicator = "P"
	}
	return s
}

// ControlNumbers hands out interchange control numbers. Implementations must
// never return the same value twice within the 1..999999999 cycle.
type ControlNumbers interface {
	Next(ctx context.Context) (int64, error)
}

// Counter is an in-process ControlNumbers.
type Counter struct {
	n atomic.Int64
}

func (c *Counter) Next(context.Context) (int64, error) {
	return c.n.Add(1), nil
}

// Input is the claim aggregate to encode.
type Input struct {
	Claim      *claim.Claim
	Plan       *claim.InsurancePlan
	Subscriber *claim.Subscriber
	// Lines defaults to Claim.Lines when empty.
	Lines []claim.Line
}

type File struct {
	ClaimNumber   string
	ControlNumber string
	GeneratedAt   time.Time
	Content       string
}

// Key is the storage key of the file: one object per generation.
func (f *File) Key() string {
	return FileKey(f.ClaimNumber, f.ControlNumber)
}

func FileKey(claimNumber, controlNumber string) string {
	return fmt.Sprintf("edi/%s/%s.x12", claimNumber, controlNumber)
}

type Option func(*Generator)

// WithClock overrides the envelope timestamp source.
func WithClock(now func() time.Time) Option {
	return func(g *Generator) { g.now = now }
}

type Generator struct {
	sender  Sender
	numbers ControlNumbers
	now     func() time.Time
}

func NewGenerator(sender Sender, numbers ControlNumbers, opts ...Option) *Generator {
	if numbers == nil {
		numbers = &Counter{}
	}
	g := &Generator{sender: sender.withDefaults(), numbers: numbers, now: time.Now}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// diagnoses is the claim-level ICD-10 set with per-line pointers.
type diagnoses struct {
	codes    []string
	pointers [][]int
}

func collectDiagnoses(lines []claim.Line) (*diagnoses, error) {
	d := &diagnoses{pointers: make([][]int, len(lines))}
	index := make(map[string]int)

	for i, line := range lines {
		seen := make(map[int]bool)
		for _, raw := range line.ICD10Codes {
			code := NormalizeICD10(raw)
			if code == "" {
				continue
			}
			if !ValidICD10(code) {
				return nil, apperror.Generation("generate edi", "service line %d (%s) has invalid diagnosis code %q", i+1, line.CPTCode, raw)
			}
			pos, ok := index[code]
			if !ok {
				d.codes = append(d.codes, code)
				pos = len(d.codes)
				index[code] = pos
			}
			if !seen[pos] && len(d.pointers[i]) < maxPointers {
				seen[pos] = true
				d.pointers[i] = append(d.pointers[i], pos)
			}
		}
		if len(d.pointers[i]) == 0 {
			return nil, apperror.Generation("generate edi", "service line %d (%s) has no diagnosis codes", i+1, line.CPTCode)
		}
	}
	if len(d.codes) > maxDiagnoses {
		return nil, apperror.Generation("generate edi", "claim has %d distinct diagnosis codes, at most %d allowed", len(d.codes), maxDiagnoses)
	}
	return d, nil
}

func validateInput(in Input, lines []claim.Line) error {
	const op = "generate edi"
	if in.Claim == nil {
		return apperror.Generation(op, "claim is required")
	}
	if in.Claim.ClaimNumber == "" {
		return apperror.Generation(op, "claim %s has no claim number", in.Claim.ID)
	}
	if in.Plan == nil {
		return apperror.Generation(op, "claim %s has no insurance plan", in.Claim.ClaimNumber)
	}
	if in.Plan.PayerID == "" || in.Plan.PayerName == "" {
		return apperror.Generation(op, "insurance plan has no payer")
	}
	if in.Plan.MemberID == "" {
		return apperror.Generation(op, "insurance plan has no member ID")
	}
	if in.Subscriber == nil || in.Subscriber.LastName == "" {
		return apperror.Generation(op, "subscriber name is required")
	}
	if len(lines) == 0 {
		return apperror.Generation(op, "claim %s has no service lines", in.Claim.ClaimNumber)
	}
	for i, l := range lines {
		if l.CPTCode == "" {
			return apperror.Generation(op, "service line %d has no procedure code", i+1)
		}
		if l.ServiceDate.IsZero() {
			return apperror.Generation(op, "service line %d has no service date", i+1)
		}
	}
	return nil
}

// Generate encodes in as a single-claim 837P interchange. Nothing is
// returned unless every required element resolves.
func (g *Generator) Generate(ctx context.Context, in Input) (*File, error) {
	lines := in.Lines
	if len(lines) == 0 && in.Claim != nil {
		lines = in.Claim.Lines
	}
	if err := validateInput(in, lines); err != nil {
		return nil, err
	}
	dx, err := collectDiagnoses(lines)
	if err != nil {
		return nil, err
	}

	n, err := g.numbers.Next(ctx)
	if err != nil {
		return nil, apperror.Transient("next control number", err)
	}
	control := (n-1)%controlModulus + 1
	if control <= 0 {
		control += controlModulus
	}

	now := g.now().UTC()
	w := &writer{}
	g.envelopeHeader(w, now, control)
	g.transactionHeader(w, in.Claim, now)
	g.submitterReceiver(w)
	g.billingProvider(w)
	subscriberLoop(w, in.Plan, in.Subscriber)
	claimLoop(w, in.Claim, lines, dx)
	g.trailers(w, control)

	return &File{
		ClaimNumber:   in.Claim.ClaimNumber,
		ControlNumber: fmt.Sprintf("%09d", control),
		GeneratedAt:   now,
		Content:       w.String(),
	}, nil
}

func (g *Generator) envelopeHeader(w *writer, now time.Time, control int64) {
	w.fixed("ISA",
		"00", pad("", 10),
		"00", pad("", 10),
		"ZZ", pad(g.sender.SubmitterID, 15),
		"ZZ", pad(g.sender.ReceiverID, 15),
		now.Format("060102"),
		now.Format("1504"),
		RepetitionSeparator,
		"00501",
		fmt.Sprintf("%09d", control),
		"0",
		g.sender.UsageIndicator,
		ComponentSeparator,
	)
	w.segment("GS", "HC",
		text(g.sender.SubmitterID), text(g.sender.ReceiverID),
		now.Format("20060102"), now.Format("1504"),
		strconv.FormatInt(control, 10), "X", implementationRef)
}

func (g *Generator) transactionHeader(w *writer, c *claim.Claim, now time.Time) {
	w.beginSet()
	w.segment("ST", "837", transactionSetID, implementationRef)
	w.segment("BHT", "0019", "00", text(c.ClaimNumber), now.Format("20060102"), now.Format("1504"), "CH")
}

func (g *Generator) submitterReceiver(w *writer) {
	// 1000A
	w.segment("NM1", "41", "2", text(g.sender.SubmitterName), "", "", "", "", "46", text(g.sender.SubmitterID))
	w.segment("PER", "IC", text(g.sender.ContactName), "TE", digits(g.sender.ContactPhone))
	// 1000B
	w.segment("NM1", "40", "2", text(g.sender.ReceiverName), "", "", "", "", "46", text(g.sender.ReceiverID))
}

func (g *Generator) billingProvider(w *writer) {
	bp := g.sender.BillingProvider
	w.segment("HL", "1", "", "20", "1")
	w.segment("NM1", "85", "2", text(bp.Name), "", "", "", "", "XX", digits(bp.NPI))
	address(w, bp.Address)
	w.segment("REF", "EI", digits(bp.TaxID))
}

func subscriberLoop(w *writer, plan *claim.InsurancePlan, sub *claim.Subscriber) {
	w.segment("HL", "2", "1", "22", "0")
	payerResponsibility := "S"
	if plan.IsPrimary {
		payerResponsibility = "P"
	}
	w.segment("SBR", payerResponsibility, "18", text(plan.GroupNumber), "", "", "", "", "", filingIndicator(plan.PlanType))

	// 2010BA
	w.segment("NM1", "IL", "1", text(sub.LastName), text(sub.FirstName), "", "", "", "MI", text(plan.MemberID))
	if !sub.Address.Empty() {
		address(w, sub.Address)
	}
	if sub.DateOfBirth != nil {
		w.segment("DMG", "D8", sub.DateOfBirth.Format("20060102"), gender(sub.Gender))
	}

	// 2010BB
	w.segment("NM1", "PR", "2", text(plan.PayerName), "", "", "", "", "PI", text(plan.PayerID))
}

func claimLoop(w *writer, c *claim.Claim, lines []claim.Line, dx *diagnoses) {
	pos := c.PlaceOfService
	if pos == "" {
		pos = claim.DefaultPlaceOfService
	}
	w.segment("CLM", text(c.ClaimNumber), amount(claim.TotalCharge(lines)), "", "",
		composite(pos, "B", "1"), "Y", "A", "Y", "Y")

	hi := make([]string, len(dx.codes))
	for i, code := range dx.codes {
		qualifier := "ABF"
		if i == 0 {
			qualifier = "ABK"
		}
		hi[i] = composite(qualifier, code)
	}
	w.segment("HI", hi...)

	// 2310B
	renderingNPI := ""
	if rp := c.RenderingProvider; rp != nil && rp.NPI != "" {
		renderingNPI = digits(rp.NPI)
		renderingName(w, rp.LastName, rp.FirstName, renderingNPI)
	}

	for i, line := range lines {
		units := line.Units
		if units <= 0 {
			units = 1
		}
		ptrs := make([]string, len(dx.pointers[i]))
		for j, p := range dx.pointers[i] {
			ptrs[j] = strconv.Itoa(p)
		}

		w.segment("LX", strconv.Itoa(i+1))
		w.segment("SV1", composite("HC", text(line.CPTCode)), amount(line.Charge*float64(units)),
			"UN", strconv.Itoa(units), "", "", composite(ptrs...))
		w.segment("DTP", "472", "D8", line.ServiceDate.Format("20060102"))
		// 2420A
		if npi := digits(line.ProviderNPI); npi != "" && npi != renderingNPI {
			renderingName(w, "", "", npi)
		}
		// 2420C
		if npi := digits(line.FacilityNPI); npi != "" {
			w.segment("NM1", "77", "2", DefaultFacilityName, "", "", "", "", "XX", npi)
		}
	}
}

func renderingName(w *writer, last, first, npi string) {
	if strings.TrimSpace(last) == "" {
		last = DefaultRenderingLastName
	}
	if strings.TrimSpace(first) == "" {
		first = DefaultRenderingFirstName
	}
	w.segment("NM1", "82", "1", text(last), text(first), "", "", "", "XX", npi)
}

func (g *Generator) trailers(w *writer, control int64) {
	w.segment("SE", strconv.Itoa(w.endSet()), transactionSetID)
	w.segment("GE", "1", strconv.FormatInt(control, 10))
	w.segment("IEA", "1", fmt.Sprintf("%09d", control))
}

func address(w *writer, a claim.Address) {
	w.segment("N3", text(a.Line1))
	w.segment("N4", text(a.City), text(a.State), digits(a.Zip))
}

func filingIndicator(t claim.PlanType) string {
	switch t {
	case claim.PlanPPO:
		return "12"
	case claim.PlanPOS:
		return "13"
	case claim.PlanEPO:
		return "14"
	case claim.PlanIndemnity:
		return "15"
	case claim.PlanHMO:
		return "HM"
	}
	return "CI"
}

func gender(g string) string {
	switch strings.ToUpper(strings.TrimSpace(g)) {
	case "F", "FEMALE":
		return "F"
	case "M", "MALE":
		return "M"
	}
	return "U"
}
