package quarantine

import (
	"encoding/json"
	"fmt"
	"sort"

	"github.com/google/cel-go/cel"
)

// Admission evaluates deterministic rules over a finished summary.
// Rules see the structured summary only, never raw text, and every
// rule must come back true for the summary to pass.
type Admission struct {
	rules []admissionRule
}

type admissionRule struct {
	name string
	prg  cel.Program
}

// DefaultRules are the boundary's standing admission policy.
func DefaultRules() map[string]string {
	return map[string]string{
		"has-substance": `summary.abstract.size() >= 16`,
		"known-source":  `summary.source in ["seeker", "operator", "carryover"]`,
		"titled":        `summary.title.size() > 0`,
		"kind-named":    `summary.kind.size() > 0`,
	}
}

// NewAdmission compiles named rule expressions. Each rule gets one
// variable, summary, and a hard cost limit; a rule that cannot settle
// cheaply has no business gating intake.
func NewAdmission(rules map[string]string) (*Admission, error) {
	env, err := cel.NewEnv(
		cel.Variable("summary", cel.MapType(cel.StringType, cel.DynType)),
	)
	if err != nil {
		return nil, fmt.Errorf("quarantine: cel env: %w", err)
	}

	names := make([]string, 0, len(rules))
	for name := range rules {
		names = append(names, name)
	}
	sort.Strings(names)

	a := &Admission{rules: make([]admissionRule, 0, len(rules))}
	for _, name := range names {
		ast, issues := env.Compile(rules[name])
		if issues != nil && issues.Err() != nil {
			return nil, fmt.Errorf("quarantine: rule %s: %w", name, issues.Err())
		}
		prg, err := env.Program(ast,
			cel.InterruptCheckFrequency(100),
			cel.CostLimit(10000),
		)
		if err != nil {
			return nil, fmt.Errorf("quarantine: rule %s: %w", name, err)
		}
		a.rules = append(a.rules, admissionRule{name: name, prg: prg})
	}
	return a, nil
}

// Admit runs every rule in name order. The first refusal names its
// rule; a rule error is a refusal, not a pass.
func (a *Admission) Admit(sum Summary) error {
	m, err := toMap(sum)
	if err != nil {
		return fmt.Errorf("quarantine: summary serialize: %w", err)
	}
	input := map[string]any{"summary": m}
	for _, rule := range a.rules {
		out, _, err := rule.prg.Eval(input)
		if err != nil {
			return fmt.Errorf("%w: rule %q: %v", ErrRefused, rule.name, err)
		}
		pass, ok := out.Value().(bool)
		if !ok || !pass {
			return fmt.Errorf("%w: rule %q", ErrRefused, rule.name)
		}
	}
	return nil
}

func toMap(sum Summary) (map[string]any, error) {
	raw, err := json.Marshal(sum)
	if err != nil {
		return nil, err
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, err
	}
	return m, nil
}
