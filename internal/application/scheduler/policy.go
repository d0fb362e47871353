package scheduler

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/Knetic/govaluate"
	"gopkg.in/yaml.v3"

	"github.com/escrow-hub/escrow-hub/internal/domain/escrow"
)

// Policy turns elapsed time in a state into a transition or a reminder.
// Condition is a govaluate expression over age_hours, overdue_seconds,
// has_deadline and amount.
type Policy struct {
	Name      string                  `yaml:"name"`
	State     escrow.State            `yaml:"state"`
	Condition string                  `yaml:"condition"`
	Action    escrow.TransitionKind   `yaml:"action,omitempty"`
	Remind    bool                    `yaml:"remind,omitempty"`
	Result    escrow.InspectionResult `yaml:"result,omitempty"`
	Reason    string                  `yaml:"reason,omitempty"`
}

type policyFile struct {
	Policies []Policy `yaml:"policies"`
}

// DefaultPolicies returns the built-in deadline rules.
func DefaultPolicies() []Policy {
	return []Policy{
		{
			Name:      "payment_deadline",
			State:     escrow.StateAwaitingPayment,
			Condition: "has_deadline && overdue_seconds > 0",
			Action:    escrow.KindExpire,
			Reason:    "payment deadline passed",
		},
		{
			Name:      "signature_window",
			State:     escrow.StateContractGenerated,
			Condition: "age_hours >= 168",
			Action:    escrow.KindExpire,
			Reason:    "contract not signed within 7 days",
		},
		{
			Name:      "inspection_overdue",
			State:     escrow.StateInspectionScheduled,
			Condition: "age_hours >= 168",
			Action:    escrow.KindCompleteInspection,
			Result:    escrow.InspectionFailed,
			Reason:    "inspection not completed within 7 days",
		},
		{
			Name:      "stale_expired",
			State:     escrow.StateExpired,
			Condition: "age_hours >= 336",
			Action:    escrow.KindCancel,
			Reason:    "expired for 14 days",
		},
		{
			Name:      "payment_reminder",
			State:     escrow.StateAwaitingPayment,
			Condition: "age_hours >= 48 && !(overdue_seconds > 0)",
			Remind:    true,
		},
	}
}

// LoadPolicies decodes a YAML policy list.
func LoadPolicies(r io.Reader) ([]Policy, error) {
	var f policyFile
	if err := yaml.NewDecoder(r).Decode(&f); err != nil {
		return nil, fmt.Errorf("decode policies: %w", err)
	}
	if len(f.Policies) == 0 {
		return nil, errors.New("policy file declares no policies")
	}
	return f.Policies, nil
}

// LoadPolicyFile reads policies from path.
func LoadPolicyFile(path string) ([]Policy, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return LoadPolicies(f)
}

type compiledPolicy struct {
	Policy
	expr *govaluate.EvaluableExpression
}

func compile(policies []Policy) ([]compiledPolicy, error) {
	out := make([]compiledPolicy, 0, len(policies))
	seen := map[string]bool{}
	for _, p := range policies {
		p.Name = strings.TrimSpace(p.Name)
		if p.Name == "" {
			return nil, errors.New("policy name is required")
		}
		if seen[p.Name] {
			return nil, fmt.Errorf("policy %s declared twice", p.Name)
		}
		seen[p.Name] = true
		if !p.State.Valid() {
			return nil, fmt.Errorf("policy %s: unknown state %q", p.Name, p.State)
		}
		if p.Remind == (p.Action != "") {
			return nil, fmt.Errorf("policy %s: exactly one of action or remind is required", p.Name)
		}
		if p.Action != "" && !escrow.CanApply(p.Action, p.State) {
			return nil, fmt.Errorf("policy %s: %s cannot be applied from %s", p.Name, p.Action, p.State)
		}
		expr, err := govaluate.NewEvaluableExpression(p.Condition)
		if err != nil {
			return nil, fmt.Errorf("policy %s: %w", p.Name, err)
		}
		out = append(out, compiledPolicy{Policy: p, expr: expr})
	}
	return out, nil
}

func conditionParams(t *escrow.Transaction, now time.Time) map[string]interface{} {
	params := map[string]interface{}{
		"age_hours":       now.Sub(t.StateEnteredAt).Hours(),
		"overdue_seconds": float64(0),
		"has_deadline":    t.PaymentDeadline != nil,
		"amount":          t.Amount.InexactFloat64(),
	}
	if t.PaymentDeadline != nil {
		params["overdue_seconds"] = now.Sub(*t.PaymentDeadline).Seconds()
	}
	return params
}

func (p compiledPolicy) matches(t *escrow.Transaction, now time.Time) (bool, error) {
	if t.State != p.State {
		return false, nil
	}
	result, err := p.expr.Evaluate(conditionParams(t, now))
	if err != nil {
		return false, err
	}
	v, ok := result.(bool)
	if !ok {
		return false, fmt.Errorf("policy %s: condition did not evaluate to boolean", p.Name)
	}
	return v, nil
}

func (p compiledPolicy) payload() escrow.Payload {
	return escrow.Payload{Reason: p.Reason, InspectionResult: p.Result}
}
