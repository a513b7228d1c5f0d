package margin

import (
	"fmt"
	"strings"
	"time"
)

// DeploymentDecision is the outcome of evaluating one (signal, margin type)
// pair under the current mode, threshold and matched policy. The decision
// function is pure so the table can be tested in isolation.
type DeploymentDecision struct {
	Deploy            bool
	Priority          int
	Emergency         bool
	Fraction          float64
	Reason            string
	EstimatedDuration time.Duration
	ExpectedOutcome   string
}

// severityFraction is the share of available margin a deployment draws.
var severityFraction = map[SignalSeverity]float64{
	SeverityLow:      0.05,
	SeverityMedium:   0.10,
	SeverityHigh:     0.20,
	SeverityCritical: 0.35,
}

// reserveFraction is the baseline commitment a relevant signal adds to an
// allocation even when no deployment is warranted.
var reserveFraction = map[SignalSeverity]float64{
	SeverityLow:      0.01,
	SeverityMedium:   0.02,
	SeverityHigh:     0.05,
	SeverityCritical: 0.08,
}

var severityDuration = map[SignalSeverity]time.Duration{
	SeverityLow:      72 * time.Hour,
	SeverityMedium:   24 * time.Hour,
	SeverityHigh:     8 * time.Hour,
	SeverityCritical: 4 * time.Hour,
}

// relevantMargins maps a signal type to the margin pools it draws on.
// Emergencies touch everything.
func relevantMargins(t SignalType) []MarginType {
	switch t {
	case SignalAssetCondition:
		return []MarginType{MarginMaterial, MarginFinancial}
	case SignalPerformanceDegradation:
		return []MarginType{MarginTime, MarginCapacity}
	case SignalRiskEscalation:
		return []MarginType{MarginFinancial, MarginTime}
	case SignalEmergency:
		return append([]MarginType(nil), MarginTypes...)
	case SignalOperational:
		return []MarginType{MarginCapacity}
	default:
		return nil
	}
}

// matchesTrigger reports whether a policy trigger covers the given signal
// and mode. Empty trigger slices act as wildcards.
func matchesTrigger(tr PolicyTrigger, sig Signal, mode ResilienceMode) bool {
	if len(tr.SignalTypes) > 0 && !containsSignalType(tr.SignalTypes, sig.Type) {
		return false
	}
	if len(tr.Severities) > 0 && !containsSeverity(tr.Severities, sig.Severity) {
		return false
	}
	if len(tr.ResilienceModes) > 0 && !containsMode(tr.ResilienceModes, mode) {
		return false
	}
	return true
}

// matchPolicy returns the first active policy whose trigger covers the
// signal and mode, or nil.
func matchPolicy(policies []MarginPolicy, sig Signal, mode ResilienceMode) *MarginPolicy {
	for i := range policies {
		if !policies[i].IsActive {
			continue
		}
		if matchesTrigger(policies[i].Trigger, sig, mode) {
			return &policies[i]
		}
	}
	return nil
}

// ruleFor returns the policy allocation rule covering mt, or nil.
func ruleFor(p *MarginPolicy, mt MarginType) *AllocationRule {
	if p == nil {
		return nil
	}
	for i := range p.AllocationRules {
		if p.AllocationRules[i].MarginType == mt {
			return &p.AllocationRules[i]
		}
	}
	return nil
}

// Decide evaluates the deployment decision table for one signal against one
// margin type. Rows, in order of precedence:
//
//	EMERGENCY-type signal            -> deploy, priority 1, emergency class
//	CRITICAL severity, EMERGENCY     -> deploy, priority 2, emergency class
//	CRITICAL severity, HIGH_STRESS   -> deploy, priority 2
//	HIGH severity, EMERGENCY         -> deploy, priority 3
//	utilization already >= critical  -> deploy, priority 3 (shore up)
//	otherwise                        -> no deployment
//
// A matched policy gates margin types (when it carries allocation rules) and
// can tighten priority; a "graduated" deployment strategy halves the draw.
func Decide(sig Signal, mt MarginType, mode ResilienceMode, th MarginThreshold, utilization float64, policy *MarginPolicy) DeploymentDecision {
	d := DeploymentDecision{
		Fraction:          severityFraction[sig.Severity],
		EstimatedDuration: severityDuration[sig.Severity],
	}

	switch {
	case sig.Type == SignalEmergency:
		d.Deploy = true
		d.Priority = 1
		d.Emergency = true
		d.Reason = fmt.Sprintf("Emergency signal %s: immediate %s margin deployment", sig.ID, strings.ToLower(string(mt)))
	case sig.Severity == SeverityCritical && mode == ModeEmergency:
		d.Deploy = true
		d.Priority = 2
		d.Emergency = true
		d.Reason = fmt.Sprintf("Emergency posture: critical %s signal %s requires %s margin", strings.ToLower(string(sig.Type)), sig.ID, strings.ToLower(string(mt)))
	case sig.Severity == SeverityCritical && mode == ModeHighStress:
		d.Deploy = true
		d.Priority = 2
		d.Reason = fmt.Sprintf("Critical %s signal %s under high stress", strings.ToLower(string(sig.Type)), sig.ID)
	case sig.Severity == SeverityHigh && mode == ModeEmergency:
		d.Deploy = true
		d.Priority = 3
		d.Reason = fmt.Sprintf("High severity signal %s during emergency operations", sig.ID)
	case th.IsActive && utilization >= th.CriticalThreshold:
		d.Deploy = true
		d.Priority = 3
		d.Reason = fmt.Sprintf("%s margin already past critical threshold while handling signal %s", string(mt), sig.ID)
	default:
		return d
	}

	if policy != nil {
		if rule := ruleFor(policy, mt); rule != nil && rule.Priority > 0 && rule.Priority < d.Priority {
			d.Priority = rule.Priority
		}
		if strings.EqualFold(policy.DeploymentStrategy, "graduated") {
			d.Fraction /= 2
		}
		d.Reason = fmt.Sprintf("%s (policy %s)", d.Reason, policy.Name)
	}

	d.ExpectedOutcome = fmt.Sprintf("Restore %s margin headroom within %s", strings.ToLower(string(mt)), d.EstimatedDuration)
	return d
}

func containsSignalType(list []SignalType, v SignalType) bool {
	for _, t := range list {
		if t == v {
			return true
		}
	}
	return false
}

func containsSeverity(list []SignalSeverity, v SignalSeverity) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}

func containsMode(list []ResilienceMode, v ResilienceMode) bool {
	for _, m := range list {
		if m == v {
			return true
		}
	}
	return false
}
