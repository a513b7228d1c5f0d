package margin

import (
	"fmt"
	"math"
)

const (
	// DefaultForecastHorizonDays is used when the caller passes a
	// non-positive horizon.
	DefaultForecastHorizonDays = 7

	// forecastTau is the time constant (days) of the exponential approach
	// toward the long-run utilization target.
	forecastTau = 14.0
)

// GenerateForecast projects utilization per margin type over the given
// horizon (days). The projection is an exponential approach from current
// utilization toward a slightly elevated long-run target, so it is monotonic
// in the horizon and bounded to [0,1]. The call is pure with respect to
// store state.
func (s *System) GenerateForecast(timeHorizonDays int) Forecast {
	if timeHorizonDays <= 0 {
		timeHorizonDays = DefaultForecastHorizonDays
	}
	f := Forecast{
		TimeHorizon: timeHorizonDays,
		GeneratedAt: s.clock.Now(),
		Projections: make([]Projection, 0, len(MarginTypes)),
		Confidence:  math.Max(0.5, 0.95-0.02*float64(timeHorizonDays)),
		Assumptions: []string{
			"Current signal load continues at the observed rate",
			"No margin replenishment occurs within the horizon",
			"Active thresholds and policies remain unchanged",
		},
	}

	for _, mt := range MarginTypes {
		alloc := s.allocations[mt]
		th := s.thresholds[mt]
		current := clamp(alloc.UtilizationRate, 0, 1)
		projected := projectUtilization(current, timeHorizonDays)

		p := Projection{
			MarginType:           mt,
			CurrentUtilization:   current,
			ProjectedUtilization: projected,
			ProjectedAvailable:   math.Max(0, alloc.Total*(1-projected)),
			RiskLevel:            riskFor(projected, th),
			Recommendations:      []string{},
		}
		if projected >= th.CriticalThreshold {
			p.Recommendations = append(p.Recommendations,
				fmt.Sprintf("Projected %s utilization %.1f%% breaches the critical threshold within %d days; schedule replenishment", mt, projected*100, timeHorizonDays))
		} else if projected > th.OptimalRange.Max {
			p.Recommendations = append(p.Recommendations,
				fmt.Sprintf("Projected %s utilization drifts above the optimal band; review committed work", mt))
		}
		f.Projections = append(f.Projections, p)
	}
	return f
}

// projectUtilization moves current utilization toward a 15% elevated
// long-run target with time constant forecastTau.
func projectUtilization(current float64, horizonDays int) float64 {
	target := clamp(current*1.15, current, 1)
	progress := 1 - math.Exp(-float64(horizonDays)/forecastTau)
	return clamp(current+(target-current)*progress, 0, 1)
}

func riskFor(projected float64, th MarginThreshold) RiskLevel {
	switch {
	case projected >= th.CriticalThreshold:
		return RiskHigh
	case projected >= th.WarningThreshold:
		return RiskMedium
	default:
		return RiskLow
	}
}
