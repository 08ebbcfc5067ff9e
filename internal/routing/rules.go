package routing

import (
	"callrouter/internal/domain"
)

const defaultMaxAttempts = 3

// TurnInput is one caller turn after classification. Known is false when the
// classifier timed out or failed; an unknown confidence is below every
// threshold.
type TurnInput struct {
	Text       string
	DTMF       string
	Intent     string
	Confidence float64
	Known      bool
}

type RuleContext struct {
	Level        domain.Level
	AttemptCount int
	Flow         domain.CallFlowVersion
	Tenant       domain.Tenant
	Input        TurnInput
}

// Decision is the outcome of evaluating a turn. When Transition is false the
// call stays at its level; CountAttempt marks a failed L1 turn.
type Decision struct {
	Rule         string
	Transition   bool
	To           domain.Level
	Reason       domain.TriggerReason
	Policy       string
	CountAttempt bool
}

// Rule inspects a turn and either decides (ok=true) or defers to the next
// rule in the list.
type Rule struct {
	Name  string
	Apply func(rc RuleContext) (Decision, bool)
}

// Rules are evaluated in order and the first match wins. Policy and keyword
// rules precede the confidence rules.
var Rules = []Rule{
	{Name: "policy_required", Apply: policyRule},
	{Name: "keyword", Apply: keywordRule},
	{Name: "l1_confidence", Apply: l1ConfidenceRule},
	{Name: "l2_confidence", Apply: l2ConfidenceRule},
}

// Evaluate runs the rule list for a turn. L3 and Terminated never move.
func Evaluate(rc RuleContext) Decision {
	if rc.Level >= domain.LevelL3 || rc.Level < domain.LevelL1 {
		return Decision{Rule: "terminal"}
	}
	for _, r := range Rules {
		if d, ok := r.Apply(rc); ok {
			d.Rule = r.Name
			return d
		}
	}
	return Decision{Rule: "none"}
}

func escalate(reason domain.TriggerReason) Decision {
	return Decision{Transition: true, To: domain.LevelL3, Reason: reason}
}

func policyRule(rc RuleContext) (Decision, bool) {
	p, ok := rc.Tenant.RequiresHuman(rc.Input.Text, rc.Input.Intent)
	if !ok {
		return Decision{}, false
	}
	d := escalate(domain.TriggerPolicyRequired)
	d.Policy = p.Name
	return d, true
}

func keywordRule(rc RuleContext) (Decision, bool) {
	if _, ok := rc.Flow.MatchKeyword(rc.Input.Text); ok {
		return escalate(domain.TriggerKeyword), true
	}
	if rc.Input.DTMF != "" && rc.Flow.OperatorDigit != "" && rc.Input.DTMF == rc.Flow.OperatorDigit {
		return escalate(domain.TriggerKeyword), true
	}
	return Decision{}, false
}

func l1ConfidenceRule(rc RuleContext) (Decision, bool) {
	if rc.Level != domain.LevelL1 {
		return Decision{}, false
	}
	if rc.Input.Known && rc.Input.Confidence >= rc.Flow.T1 {
		return Decision{Transition: true, To: domain.LevelL2, Reason: domain.TriggerIntentCaptured}, true
	}
	maxAttempts := rc.Flow.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = defaultMaxAttempts
	}
	if rc.AttemptCount+1 >= maxAttempts {
		return escalate(domain.TriggerMaxAttempts), true
	}
	return Decision{CountAttempt: true}, true
}

func l2ConfidenceRule(rc RuleContext) (Decision, bool) {
	if rc.Level != domain.LevelL2 {
		return Decision{}, false
	}
	if !rc.Input.Known || rc.Input.Confidence < rc.Flow.T2 {
		return escalate(domain.TriggerLowConfidence), true
	}
	return Decision{}, true
}
