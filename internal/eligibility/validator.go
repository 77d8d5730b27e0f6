// Package eligibility checks an insurance plan against business rules before
// a claim is encoded. Every rule runs so callers see the full list of
// problems at once.
package eligibility

import (
	"fmt"
	"regexp"

	"github.com/podushkina/claimflow/internal/claim"
)

// Rule inspects a plan and returns one message per violation. A returned
// error means the rule itself could not be evaluated.
type Rule interface {
	Description() string
	Check(plan *claim.InsurancePlan) ([]string, error)
}

type ruleFunc struct {
	description string
	check       func(plan *claim.InsurancePlan) ([]string, error)
}

func (r ruleFunc) Description() string { return r.description }

func (r ruleFunc) Check(plan *claim.InsurancePlan) ([]string, error) { return r.check(plan) }

// NewRule adapts a function to Rule.
func NewRule(description string, check func(plan *claim.InsurancePlan) ([]string, error)) Rule {
	return ruleFunc{description: description, check: check}
}

var memberIDRx = regexp.MustCompile(`^[A-Za-z0-9\-_]+$`)

// DefaultRules returns the rules every plan is held to.
func DefaultRules() []Rule {
	return []Rule{
		NewRule("required fields", func(p *claim.InsurancePlan) ([]string, error) {
			var errs []string
			if p.PayerID == "" {
				errs = append(errs, "Payer ID is required")
			}
			if p.PayerName == "" {
				errs = append(errs, "Payer name is required")
			}
			if p.MemberID == "" {
				errs = append(errs, "Member ID is required")
			}
			if p.EffectiveDate == nil || p.EffectiveDate.IsZero() {
				errs = append(errs, "Effective date is required")
			}
			return errs, nil
		}),
		NewRule("coverage dates", func(p *claim.InsurancePlan) ([]string, error) {
			if p.EffectiveDate == nil || p.TermDate == nil {
				return nil, nil
			}
			if !p.EffectiveDate.Before(*p.TermDate) {
				return []string{"Effective date must be before termination date"}, nil
			}
			return nil, nil
		}),
		NewRule("member ID format", func(p *claim.InsurancePlan) ([]string, error) {
			if p.MemberID == "" {
				return nil, nil
			}
			if !memberIDRx.MatchString(p.MemberID) {
				return []string{"Member ID contains invalid characters"}, nil
			}
			return nil, nil
		}),
		NewRule("plan type", func(p *claim.InsurancePlan) ([]string, error) {
			if p.PlanType == "" || p.PlanType.Valid() {
				return nil, nil
			}
			return []string{fmt.Sprintf("Invalid plan type: %s", p.PlanType)}, nil
		}),
		NewRule("active coverage", func(p *claim.InsurancePlan) ([]string, error) {
			if !p.IsActive {
				return []string{"Insurance plan is not active"}, nil
			}
			return nil, nil
		}),
	}
}

type Result struct {
	Errors []string `json:"errors"`
}

func (r Result) Valid() bool { return len(r.Errors) == 0 }

type Validator struct {
	rules []Rule
}

// NewValidator runs the default rules followed by extra.
func NewValidator(extra ...Rule) *Validator {
	return &Validator{rules: append(DefaultRules(), extra...)}
}

// Validate evaluates every rule against plan.
func (v *Validator) Validate(plan *claim.InsurancePlan) Result {
	if plan == nil {
		return Result{Errors: []string{"Insurance plan is required"}}
	}
	var res Result
	for _, rule := range v.rules {
		res.Errors = append(res.Errors, run(rule, plan)...)
	}
	return res
}

func run(rule Rule, plan *claim.InsurancePlan) (errs []string) {
	defer func() {
		if recover() != nil {
			errs = []string{"Error validating " + rule.Description()}
		}
	}()
	errs, err := rule.Check(plan)
	if err != nil {
		return []string{"Error validating " + rule.Description()}
	}
	return errs
}
