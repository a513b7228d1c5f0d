package margin

import (
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
)

// System is the margin management engine for one organisation. It holds all
// allocation, deployment and event state in memory and mutates it only
// through its methods.
//
// A System is owned by a single caller at a time: it carries no internal
// locking, so concurrent callers must serialize access externally (the
// service layer keeps one System plus one mutex per organisation).
type System struct {
	clock       Clock
	cfg         Configuration
	thresholds  map[MarginType]MarginThreshold
	policies    []MarginPolicy
	allocations map[MarginType]*MarginAllocation

	deployments []MarginDeployment
	events      []MarginEvent
	trends      []TrendPoint
	recs        []Recommendation
	lastChanged time.Time
}

// NewSystem constructs a System from the given configuration. Each margin
// type starts at 20% baseline utilization with status AVAILABLE. A nil clock
// falls back to the system clock.
func NewSystem(cfg Configuration, clock Clock) *System {
	if clock == nil {
		clock = SystemClock()
	}
	if cfg.RetentionPeriod <= 0 {
		cfg.RetentionPeriod = defaultRetentionDays
	}
	if cfg.DefaultStrategy == "" {
		cfg.DefaultStrategy = StrategyDynamic
	}

	s := &System{
		clock:       clock,
		cfg:         cfg,
		thresholds:  make(map[MarginType]MarginThreshold, len(MarginTypes)),
		allocations: make(map[MarginType]*MarginAllocation, len(MarginTypes)),
		policies:    append([]MarginPolicy(nil), cfg.DefaultPolicies...),
	}

	for _, mt := range MarginTypes {
		s.thresholds[mt] = defaultThreshold(mt)
	}
	for _, th := range cfg.DefaultThresholds {
		s.thresholds[th.MarginType] = th
	}

	now := clock.Now()
	for _, mt := range MarginTypes {
		total := defaultTotals[mt]
		allocated := total * initialUtilization
		s.allocations[mt] = &MarginAllocation{
			MarginType:      mt,
			Total:           total,
			Allocated:       allocated,
			Available:       total - allocated,
			UtilizationRate: initialUtilization,
			Status:          StatusAvailable,
			LastUpdated:     now,
		}
	}
	s.lastChanged = now
	return s
}

// validSignal reports whether a signal carries the fields processing needs.
// Anything else is dropped silently.
func validSignal(sig *Signal) bool {
	if sig == nil || sig.ID == "" {
		return false
	}
	switch sig.Type {
	case SignalAssetCondition, SignalPerformanceDegradation, SignalRiskEscalation, SignalEmergency, SignalOperational:
	default:
		return false
	}
	switch sig.Severity {
	case SeverityLow, SeverityMedium, SeverityHigh, SeverityCritical:
	default:
		return false
	}
	return true
}

// ProcessSignals applies a batch of signals under the given resilience mode.
// Malformed entries (nil, missing id, unknown type or severity) are filtered
// out. When the system is disabled the call is a no-op returning empty
// slices. Signals are processed in input order; the result's Deployments,
// Recommendations and Events reflect this call only, while Allocations
// mirror live state.
func (s *System) ProcessSignals(signals []*Signal, mode ResilienceMode) ProcessResult {
	result := ProcessResult{
		Allocations:     []MarginAllocation{},
		Deployments:     []MarginDeployment{},
		Recommendations: []Recommendation{},
		Events:          []MarginEvent{},
	}
	if !s.cfg.Enabled {
		return result
	}

	for _, sig := range signals {
		if !validSignal(sig) {
			continue
		}
		s.applySignal(*sig, mode, &result)
	}

	s.recs = s.computeRecommendations()
	result.Recommendations = append(result.Recommendations, s.recs...)
	result.Allocations = s.snapshotAllocations()
	return result
}

// applySignal adjusts every margin pool the signal is relevant to, creating
// deployments and audit events as the decision table dictates.
func (s *System) applySignal(sig Signal, mode ResilienceMode, result *ProcessResult) {
	policy := matchPolicy(s.policies, sig, mode)
	now := s.clock.Now()

	for _, mt := range relevantMargins(sig.Type) {
		if policy != nil && len(policy.AllocationRules) > 0 && ruleFor(policy, mt) == nil {
			// Policy gates this signal to the margin types it rules on.
			continue
		}
		alloc := s.allocations[mt]
		th := s.thresholds[mt]
		prevStatus := alloc.Status
		prevUtil := alloc.UtilizationRate

		decision := Decide(sig, mt, mode, th, alloc.UtilizationRate, policy)
		draw := reserveFraction[sig.Severity] * alloc.Available

		if decision.Deploy {
			amount := decision.Fraction * alloc.Available
			if rule := ruleFor(policy, mt); rule != nil {
				if rule.MaxAmount > 0 && amount > rule.MaxAmount {
					amount = rule.MaxAmount
				}
				if amount < rule.MinAmount {
					amount = rule.MinAmount
				}
			}
			if amount < 1 {
				amount = 1
			}
			// Policy floors cannot commit more than the pool actually has.
			if alloc.Available > 0 && amount > alloc.Available {
				amount = alloc.Available
			}
			status := DeploymentPending
			if decision.Emergency && mode == ModeEmergency {
				status = DeploymentInProgress
			}
			dep := MarginDeployment{
				ID:                uuid.New(),
				MarginType:        mt,
				Amount:            amount,
				Priority:          decision.Priority,
				Status:            status,
				Reason:            decision.Reason,
				RequestedAt:       now,
				RequestedBy:       requestedByIdentity,
				EstimatedDuration: decision.EstimatedDuration,
				ExpectedOutcome:   decision.ExpectedOutcome,
				SignalID:          sig.ID,
			}
			s.deployments = append(s.deployments, dep)
			result.Deployments = append(result.Deployments, dep)
			draw += amount

			s.appendEvent(result, MarginEvent{
				EventType:   EventDeploymentRequested,
				MarginType:  mt,
				Description: decision.Reason,
				Impact:      fmt.Sprintf("%.2f units of %s margin committed (priority %d)", amount, mt, decision.Priority),
			})
		}

		s.mutateAllocation(alloc, th, draw, now)

		s.appendEvent(result, MarginEvent{
			EventType:   EventAllocationAdjusted,
			MarginType:  mt,
			Description: fmt.Sprintf("Allocation adjusted for signal %s (%s/%s)", sig.ID, sig.Type, sig.Severity),
			Impact:      fmt.Sprintf("utilization %.1f%% -> %.1f%%", prevUtil*100, alloc.UtilizationRate*100),
		})

		if breached(prevStatus, alloc.Status) {
			s.appendEvent(result, MarginEvent{
				EventType:   EventThresholdBreached,
				MarginType:  mt,
				Description: fmt.Sprintf("%s margin crossed from %s to %s", mt, prevStatus, alloc.Status),
				Impact:      fmt.Sprintf("utilization %.1f%% against critical threshold %.1f%%", alloc.UtilizationRate*100, th.CriticalThreshold*100),
			})
		}
	}
}

// mutateAllocation commits a draw against an allocation, keeping the
// derived fields reconciled and utilization clamped to [0,1].
func (s *System) mutateAllocation(alloc *MarginAllocation, th MarginThreshold, draw float64, now time.Time) {
	alloc.Allocated = clamp(alloc.Allocated+draw, 0, alloc.Total)
	alloc.Available = alloc.Total - alloc.Allocated
	alloc.UtilizationRate = clamp(alloc.Allocated/alloc.Total, 0, 1)
	alloc.Status = statusFor(alloc.UtilizationRate, th)
	alloc.LastUpdated = now
	s.lastChanged = now

	s.trends = append(s.trends, TrendPoint{
		MarginType:      alloc.MarginType,
		UtilizationRate: alloc.UtilizationRate,
		Timestamp:       now,
		Status:          alloc.Status,
	})
}

func (s *System) appendEvent(result *ProcessResult, ev MarginEvent) {
	ev.ID = uuid.New()
	ev.Timestamp = s.clock.Now()
	s.events = append(s.events, ev)
	result.Events = append(result.Events, ev)
}

// statusFor derives the allocation status from utilization vs. thresholds.
func statusFor(util float64, th MarginThreshold) MarginStatus {
	switch {
	case util >= th.EmergencyThreshold:
		return StatusExhausted
	case util >= th.CriticalThreshold:
		return StatusCritical
	case util >= th.WarningThreshold:
		return StatusConstrained
	default:
		return StatusAvailable
	}
}

func statusRank(st MarginStatus) int {
	switch st {
	case StatusConstrained:
		return 1
	case StatusCritical:
		return 2
	case StatusExhausted:
		return 3
	default:
		return 0
	}
}

// breached reports a transition into CRITICAL or EXHAUSTED from below.
func breached(prev, cur MarginStatus) bool {
	return statusRank(cur) >= statusRank(StatusCritical) && statusRank(cur) > statusRank(prev)
}

// computeRecommendations derives the outstanding recommendation set from
// current utilization vs. each type's optimal range.
func (s *System) computeRecommendations() []Recommendation {
	recs := []Recommendation{}
	for _, mt := range MarginTypes {
		alloc := s.allocations[mt]
		band := s.thresholds[mt].OptimalRange
		switch {
		case alloc.UtilizationRate > band.Max:
			priority := 2
			if alloc.Status == StatusCritical || alloc.Status == StatusExhausted {
				priority = 1
			}
			recs = append(recs, Recommendation{
				MarginType:         mt,
				RecommendationType: "REPLENISH_MARGIN",
				Priority:           priority,
				Description:        fmt.Sprintf("%s margin utilization %.1f%% exceeds optimal band max %.1f%%; replenish or rebalance", mt, alloc.UtilizationRate*100, band.Max*100),
			})
		case alloc.UtilizationRate < band.Min:
			recs = append(recs, Recommendation{
				MarginType:         mt,
				RecommendationType: "RELEASE_MARGIN",
				Priority:           3,
				Description:        fmt.Sprintf("%s margin utilization %.1f%% sits below optimal band min %.1f%%; excess reserve can be released", mt, alloc.UtilizationRate*100, band.Min*100),
			})
		}
	}
	return recs
}

func (s *System) snapshotAllocations() []MarginAllocation {
	out := make([]MarginAllocation, 0, len(MarginTypes))
	for _, mt := range MarginTypes {
		out = append(out, *s.allocations[mt])
	}
	return out
}

// GetStatus returns the current read-only view. Every field is a non-nil
// slice; allocations are empty when the system is disabled.
func (s *System) GetStatus() Status {
	st := Status{
		Allocations:       []MarginAllocation{},
		ActiveDeployments: []MarginDeployment{},
		RecentEvents:      []MarginEvent{},
		UtilizationTrends: []TrendPoint{},
		Recommendations:   []Recommendation{},
	}
	if !s.cfg.Enabled {
		return st
	}
	st.Allocations = s.snapshotAllocations()
	for _, dep := range s.deployments {
		if dep.Status == DeploymentPending || dep.Status == DeploymentInProgress {
			st.ActiveDeployments = append(st.ActiveDeployments, dep)
		}
	}
	cutoff := s.clock.Now().AddDate(0, 0, -s.cfg.RetentionPeriod)
	for _, ev := range s.events {
		if !ev.Timestamp.Before(cutoff) {
			st.RecentEvents = append(st.RecentEvents, ev)
		}
	}
	st.UtilizationTrends = append(st.UtilizationTrends, s.trends...)
	st.Recommendations = append(st.Recommendations, s.recs...)
	return st
}

// GetMetrics aggregates the current allocations. LastUpdated is
// monotonically non-decreasing across calls.
func (s *System) GetMetrics() Metrics {
	m := Metrics{LastUpdated: s.lastChanged}
	if !s.cfg.Enabled {
		return m
	}
	var utilSum, effSum float64
	for _, mt := range MarginTypes {
		alloc := s.allocations[mt]
		th := s.thresholds[mt]
		m.TotalMargin += alloc.Total
		m.TotalAllocated += alloc.Allocated
		utilSum += alloc.UtilizationRate
		effSum += bandFit(alloc.UtilizationRate, th.OptimalRange)
		if alloc.UtilizationRate >= th.CriticalThreshold {
			m.CriticalMargins++
		}
		if alloc.UtilizationRate >= th.OptimalRange.Min && alloc.UtilizationRate <= th.OptimalRange.Max {
			m.OptimalMargins++
		}
	}
	n := float64(len(MarginTypes))
	m.TotalAvailable = m.TotalMargin - m.TotalAllocated
	m.AverageUtilization = clamp(utilSum/n, 0, 1)
	m.MarginEfficiency = clamp(effSum/n, 0, 1)
	return m
}

// bandFit scores how well a utilization sits inside the optimal band:
// 1 inside, falling off linearly with distance outside.
func bandFit(util float64, band OptimalRange) float64 {
	switch {
	case util < band.Min:
		return clamp(1-(band.Min-util), 0, 1)
	case util > band.Max:
		return clamp(1-(util-band.Max), 0, 1)
	default:
		return 1
	}
}

// UpdateConfig merges a partial configuration. Changes take effect on the
// next call; no restart is needed.
func (s *System) UpdateConfig(update ConfigurationUpdate) {
	if update.Enabled != nil {
		s.cfg.Enabled = *update.Enabled
	}
	if update.DefaultStrategy != nil {
		s.cfg.DefaultStrategy = *update.DefaultStrategy
	}
	if update.UpdateInterval != nil {
		s.cfg.UpdateInterval = *update.UpdateInterval
	}
	if update.RetentionPeriod != nil && *update.RetentionPeriod > 0 {
		s.cfg.RetentionPeriod = *update.RetentionPeriod
	}
	if update.DefaultThresholds != nil {
		s.UpdateThresholds(update.DefaultThresholds)
	}
	if update.DefaultPolicies != nil {
		s.UpdatePolicies(update.DefaultPolicies)
	}
}

// UpdateThresholds replaces the thresholds for the margin types present in
// the list and re-derives each affected allocation's status.
func (s *System) UpdateThresholds(thresholds []MarginThreshold) {
	now := s.clock.Now()
	for _, th := range thresholds {
		alloc, ok := s.allocations[th.MarginType]
		if !ok {
			continue
		}
		s.thresholds[th.MarginType] = th
		prev := alloc.Status
		alloc.Status = statusFor(alloc.UtilizationRate, th)
		if alloc.Status != prev {
			alloc.LastUpdated = now
			s.lastChanged = now
			s.events = append(s.events, MarginEvent{
				ID:          uuid.New(),
				Timestamp:   now,
				EventType:   EventConfigUpdated,
				MarginType:  th.MarginType,
				Description: fmt.Sprintf("Threshold update moved %s margin from %s to %s", th.MarginType, prev, alloc.Status),
				Impact:      fmt.Sprintf("warning %.0f%% / critical %.0f%% / emergency %.0f%%", th.WarningThreshold*100, th.CriticalThreshold*100, th.EmergencyThreshold*100),
			})
		}
	}
}

// UpdatePolicies replaces the active policy set.
func (s *System) UpdatePolicies(policies []MarginPolicy) {
	s.policies = append([]MarginPolicy(nil), policies...)
}

// Configuration returns a copy of the current configuration.
func (s *System) Configuration() Configuration {
	return s.cfg
}

func clamp(v, lo, hi float64) float64 {
	return math.Min(hi, math.Max(lo, v))
}
