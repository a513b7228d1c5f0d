package margin_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Duds/CouncilWorks-sub003/internal/margin"
)

func TestGenerateForecastDefaults(t *testing.T) {
	sys := margin.NewSystem(margin.DefaultConfiguration(), newStepClock())

	f := sys.GenerateForecast(0)
	assert.Equal(t, 7, f.TimeHorizon)
	assert.False(t, f.GeneratedAt.IsZero())
	assert.GreaterOrEqual(t, f.Confidence, 0.0)
	assert.LessOrEqual(t, f.Confidence, 1.0)
	assert.NotEmpty(t, f.Assumptions)
	for _, a := range f.Assumptions {
		assert.NotEmpty(t, a)
	}

	require.Len(t, f.Projections, 4)
	for _, p := range f.Projections {
		assert.GreaterOrEqual(t, p.CurrentUtilization, 0.0)
		assert.LessOrEqual(t, p.CurrentUtilization, 1.0)
		assert.GreaterOrEqual(t, p.ProjectedUtilization, 0.0)
		assert.LessOrEqual(t, p.ProjectedUtilization, 1.0)
		assert.GreaterOrEqual(t, p.ProjectedAvailable, 0.0)
		assert.Contains(t, []margin.RiskLevel{margin.RiskLow, margin.RiskMedium, margin.RiskHigh}, p.RiskLevel)
		assert.NotNil(t, p.Recommendations)
	}
}

func TestGenerateForecastExplicitHorizon(t *testing.T) {
	sys := margin.NewSystem(margin.DefaultConfiguration(), newStepClock())
	f := sys.GenerateForecast(14)
	assert.Equal(t, 14, f.TimeHorizon)
	assert.Len(t, f.Projections, 4)
}

func TestForecastMonotonicInHorizon(t *testing.T) {
	sys := margin.NewSystem(margin.DefaultConfiguration(), newStepClock())
	sys.ProcessSignals([]*margin.Signal{
		signal("f-1", margin.SignalEmergency, margin.SeverityCritical),
	}, margin.ModeEmergency)

	short := sys.GenerateForecast(3)
	long := sys.GenerateForecast(30)
	for i := range short.Projections {
		assert.GreaterOrEqual(t, long.Projections[i].ProjectedUtilization, short.Projections[i].ProjectedUtilization)
	}
}

func TestForecastIsPureRead(t *testing.T) {
	sys := margin.NewSystem(margin.DefaultConfiguration(), newStepClock())
	before := sys.GetStatus().Allocations
	sys.GenerateForecast(7)
	after := sys.GetStatus().Allocations
	assert.Equal(t, before, after)
}

func TestForecastHighUtilizationFlagsRisk(t *testing.T) {
	sys := margin.NewSystem(margin.DefaultConfiguration(), newStepClock())
	for i := 0; i < 30; i++ {
		sys.ProcessSignals([]*margin.Signal{
			signal("f-load", margin.SignalEmergency, margin.SeverityCritical),
		}, margin.ModeEmergency)
	}

	f := sys.GenerateForecast(7)
	for _, p := range f.Projections {
		assert.Equal(t, margin.RiskHigh, p.RiskLevel)
		assert.NotEmpty(t, p.Recommendations)
	}
}
