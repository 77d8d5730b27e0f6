package eligibility

import (
	"fmt"
	"os"
	"time"

	"github.com/google/cel-go/cel"
	"gopkg.in/yaml.v3"

	"github.com/podushkina/claimflow/internal/claim"
)

// PayerRuleSpec is one entry of the payer rules file.
//
//	rules:
//	  - description: group number
//	    payers: ["00590"]
//	    expression: plan.group_number != ""
//	    message: Group number is required for this payer
type PayerRuleSpec struct {
	Description string   `yaml:"description"`
	Payers      []string `yaml:"payers"`
	Expression  string   `yaml:"expression"`
	Message     string   `yaml:"message"`
}

type payerRulesFile struct {
	Rules []PayerRuleSpec `yaml:"rules"`
}

// PayerRule is a CEL expression that must hold for plans of the listed
// payers, or for every plan when no payer is listed.
type PayerRule struct {
	spec   PayerRuleSpec
	payers map[string]bool
	prg    cel.Program
}

func newCELEnv() (*cel.Env, error) {
	return cel.NewEnv(cel.Variable("plan", cel.MapType(cel.StringType, cel.DynType)))
}

// CompilePayerRules compiles specs into rules; an expression that does not
// compile or does not yield a bool is rejected up front.
func CompilePayerRules(specs []PayerRuleSpec) ([]Rule, error) {
	env, err := newCELEnv()
	if err != nil {
		return nil, fmt.Errorf("create CEL environment: %w", err)
	}

	rules := make([]Rule, 0, len(specs))
	for i, spec := range specs {
		if spec.Expression == "" {
			return nil, fmt.Errorf("payer rule %d: expression is required", i)
		}
		if spec.Message == "" {
			return nil, fmt.Errorf("payer rule %d: message is required", i)
		}
		if spec.Description == "" {
			spec.Description = spec.Expression
		}

		ast, issues := env.Compile(spec.Expression)
		if issues != nil && issues.Err() != nil {
			return nil, fmt.Errorf("payer rule %q: compile: %w", spec.Description, issues.Err())
		}
		if out := ast.OutputType(); !out.IsExactType(cel.BoolType) && !out.IsExactType(cel.DynType) {
			return nil, fmt.Errorf("payer rule %q: expression must return bool, got %s", spec.Description, ast.OutputType())
		}
		prg, err := env.Program(ast, cel.CostLimit(10000))
		if err != nil {
			return nil, fmt.Errorf("payer rule %q: program: %w", spec.Description, err)
		}

		payers := make(map[string]bool, len(spec.Payers))
		for _, p := range spec.Payers {
			payers[p] = true
		}
		rules = append(rules, &PayerRule{spec: spec, payers: payers, prg: prg})
	}
	return rules, nil
}

// ParsePayerRules reads a YAML rules document.
func ParsePayerRules(data []byte) ([]Rule, error) {
	var f payerRulesFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse payer rules: %w", err)
	}
	return CompilePayerRules(f.Rules)
}

// LoadPayerRules reads and compiles the rules file at path.
func LoadPayerRules(path string) ([]Rule, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read payer rules: %w", err)
	}
	return ParsePayerRules(data)
}

func (r *PayerRule) Description() string { return r.spec.Description }

func (r *PayerRule) Check(plan *claim.InsurancePlan) ([]string, error) {
	if len(r.payers) > 0 && !r.payers[plan.PayerID] {
		return nil, nil
	}
	out, _, err := r.prg.Eval(map[string]any{"plan": planVars(plan)})
	if err != nil {
		return nil, fmt.Errorf("eval: %w", err)
	}
	ok, isBool := out.Value().(bool)
	if !isBool {
		return nil, fmt.Errorf("result not bool")
	}
	if !ok {
		return []string{r.spec.Message}, nil
	}
	return nil, nil
}

func planVars(p *claim.InsurancePlan) map[string]any {
	return map[string]any{
		"payer_id":       p.PayerID,
		"payer_name":     p.PayerName,
		"member_id":      p.MemberID,
		"group_number":   p.GroupNumber,
		"plan_type":      string(p.PlanType),
		"effective_date": formatDate(p.EffectiveDate),
		"term_date":      formatDate(p.TermDate),
		"is_primary":     p.IsPrimary,
		"is_active":      p.IsActive,
	}
}

func formatDate(t *time.Time) string {
	if t == nil {
		return ""
	}
	return t.Format("2006-01-02")
}
