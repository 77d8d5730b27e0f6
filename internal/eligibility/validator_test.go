package eligibility

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/podushkina/claimflow/internal/claim"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func date(y int, m time.Month, d int) *time.Time {
	t := time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
	return &t
}

func validPlan() *claim.InsurancePlan {
	return &claim.InsurancePlan{
		PayerID:       "60054",
		PayerName:     "Aetna",
		MemberID:      "W123_456-789",
		GroupNumber:   "GRP001",
		PlanType:      claim.PlanPPO,
		EffectiveDate: date(2025, 1, 1),
		TermDate:      date(2026, 1, 1),
		IsPrimary:     true,
		IsActive:      true,
	}
}

func TestValidate_ValidPlan(t *testing.T) {
	res := NewValidator().Validate(validPlan())
	assert.True(t, res.Valid(), res.Errors)
}

func TestValidate_MissingPayerAndMember(t *testing.T) {
	plan := validPlan()
	plan.PayerID = ""
	plan.MemberID = ""

	res := NewValidator().Validate(plan)
	assert.False(t, res.Valid())
	assert.Contains(t, res.Errors, "Payer ID is required")
	assert.Contains(t, res.Errors, "Member ID is required")
}

func TestValidate_CollectsEveryFailure(t *testing.T) {
	plan := &claim.InsurancePlan{
		MemberID:      "abc.def",
		PlanType:      "CATASTROPHIC",
		EffectiveDate: date(2025, 6, 1),
		TermDate:      date(2025, 6, 1),
	}

	res := NewValidator().Validate(plan)
	assert.Equal(t, []string{
		"Payer ID is required",
		"Payer name is required",
		"Effective date must be before termination date",
		"Member ID contains invalid characters",
		"Invalid plan type: CATASTROPHIC",
		"Insurance plan is not active",
	}, res.Errors)
}

func TestValidate_OptionalFields(t *testing.T) {
	plan := validPlan()
	plan.PlanType = ""
	plan.TermDate = nil
	assert.True(t, NewValidator().Validate(plan).Valid())
}

func TestValidate_MissingEffectiveDate(t *testing.T) {
	plan := validPlan()
	plan.EffectiveDate = nil
	res := NewValidator().Validate(plan)
	assert.Equal(t, []string{"Effective date is required"}, res.Errors)
}

func TestValidate_NilPlan(t *testing.T) {
	res := NewValidator().Validate(nil)
	assert.Equal(t, []string{"Insurance plan is required"}, res.Errors)
}

func TestValidate_BrokenRuleDoesNotStopOthers(t *testing.T) {
	panicky := NewRule("network lookup", func(*claim.InsurancePlan) ([]string, error) {
		panic("nil map")
	})
	failing := NewRule("payer directory", func(*claim.InsurancePlan) ([]string, error) {
		return nil, errors.New("directory offline")
	})

	plan := validPlan()
	plan.MemberID = ""

	res := NewValidator(panicky, failing).Validate(plan)
	assert.Equal(t, []string{
		"Member ID is required",
		"Error validating network lookup",
		"Error validating payer directory",
	}, res.Errors)
}

const rulesYAML = `
rules:
  - description: group number
    payers: ["60054"]
    expression: plan.group_number != ""
    message: Group number is required for this payer
  - description: primary coverage
    expression: plan.is_primary == true
    message: Only primary coverage is billed
`

func TestPayerRules(t *testing.T) {
	rules, err := ParsePayerRules([]byte(rulesYAML))
	require.NoError(t, err)
	require.Len(t, rules, 2)

	v := NewValidator(rules...)

	plan := validPlan()
	plan.GroupNumber = ""
	plan.IsPrimary = false
	assert.Equal(t, []string{
		"Group number is required for this payer",
		"Only primary coverage is billed",
	}, v.Validate(plan).Errors)

	other := validPlan()
	other.PayerID = "87726"
	other.GroupNumber = ""
	assert.True(t, v.Validate(other).Valid())
}

func TestPayerRules_RejectsBadExpressions(t *testing.T) {
	_, err := CompilePayerRules([]PayerRuleSpec{{Expression: "plan.member_id +", Message: "x"}})
	assert.Error(t, err)

	_, err = CompilePayerRules([]PayerRuleSpec{{Expression: `"text"`, Message: "x"}})
	assert.Error(t, err)

	_, err = CompilePayerRules([]PayerRuleSpec{{Expression: "true"}})
	assert.Error(t, err)
}

func TestPayerRules_EvalErrorBecomesMessage(t *testing.T) {
	rules, err := CompilePayerRules([]PayerRuleSpec{{
		Description: "numeric member id",
		Expression:  "plan.member_id > 5",
		Message:     "x",
	}})
	require.NoError(t, err)

	res := NewValidator(rules...).Validate(validPlan())
	assert.Equal(t, []string{"Error validating numeric member id"}, res.Errors)
}

func TestLoadPayerRules(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rules.yaml")
	require.NoError(t, os.WriteFile(path, []byte(rulesYAML), 0o600))

	rules, err := LoadPayerRules(path)
	require.NoError(t, err)
	assert.Len(t, rules, 2)

	_, err = LoadPayerRules(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}
