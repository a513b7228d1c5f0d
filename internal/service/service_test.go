package service

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Duds/CouncilWorks-sub003/internal/margin"
	"github.com/Duds/CouncilWorks-sub003/internal/store"
)

type fixedClock struct{ now time.Time }

func (c *fixedClock) Now() time.Time {
	c.now = c.now.Add(time.Second)
	return c.now
}

func newTestService() (*Service, *store.MemoryStore) {
	st := store.NewMemoryStore()
	clock := &fixedClock{now: time.Date(2026, time.March, 1, 9, 0, 0, 0, time.UTC)}
	return New(st, margin.DefaultConfiguration(), clock), st
}

func emergencySignal(id string) *margin.Signal {
	return &margin.Signal{
		ID:       id,
		Source:   margin.SourceEmergencyService,
		Type:     margin.SignalEmergency,
		Severity: margin.SeverityCritical,
	}
}

func TestProcessSignalsPersistsDeploymentsAndEvents(t *testing.T) {
	svc, st := newTestService()

	result, err := svc.ProcessSignals(context.Background(), "org-1", []*margin.Signal{emergencySignal("sig-1")}, margin.ModeEmergency)
	require.NoError(t, err)
	require.NotEmpty(t, result.Deployments)
	require.NotEmpty(t, result.Events)

	active, err := st.ListActiveDeployments(context.Background(), "org-1")
	require.NoError(t, err)
	assert.Len(t, active, len(result.Deployments))

	pending, err := st.FetchPendingEventsForStreaming(context.Background(), 100)
	require.NoError(t, err)
	assert.Len(t, pending, len(result.Events))
	for _, ev := range pending {
		assert.Equal(t, "org-1", ev.OrganisationID)
	}
}

func TestOrganisationsAreIsolated(t *testing.T) {
	svc, _ := newTestService()

	_, err := svc.ProcessSignals(context.Background(), "org-a", []*margin.Signal{emergencySignal("sig-1")}, margin.ModeEmergency)
	require.NoError(t, err)

	// org-b never processed anything, so its engine sits at initial state.
	statusA := svc.Status("org-a")
	statusB := svc.Status("org-b")
	assert.NotEmpty(t, statusA.ActiveDeployments)
	assert.Empty(t, statusB.ActiveDeployments)
	for _, alloc := range statusB.Allocations {
		assert.InDelta(t, 0.2, alloc.UtilizationRate, 1e-9)
	}
}

func TestConcurrentProcessingSameOrg(t *testing.T) {
	svc, _ := newTestService()

	done := make(chan error, 8)
	for i := 0; i < 8; i++ {
		go func() {
			_, err := svc.ProcessSignals(context.Background(), "org-1", []*margin.Signal{
				{ID: "sig", Source: margin.SourceIoTSensor, Type: margin.SignalOperational, Severity: margin.SeverityLow},
			}, margin.ModeNormal)
			done <- err
		}()
	}
	for i := 0; i < 8; i++ {
		require.NoError(t, <-done)
	}

	m := svc.Metrics("org-1")
	assert.GreaterOrEqual(t, m.AverageUtilization, 0.0)
	assert.LessOrEqual(t, m.AverageUtilization, 1.0)
}

func TestUpdateConfigPerOrg(t *testing.T) {
	svc, _ := newTestService()

	disabled := false
	svc.UpdateConfig("org-a", margin.ConfigurationUpdate{Enabled: &disabled})

	resA, err := svc.ProcessSignals(context.Background(), "org-a", []*margin.Signal{emergencySignal("sig-1")}, margin.ModeEmergency)
	require.NoError(t, err)
	assert.Empty(t, resA.Deployments)

	resB, err := svc.ProcessSignals(context.Background(), "org-b", []*margin.Signal{emergencySignal("sig-1")}, margin.ModeEmergency)
	require.NoError(t, err)
	assert.NotEmpty(t, resB.Deployments)
}

func TestReportDeploymentStatus(t *testing.T) {
	svc, _ := newTestService()

	result, err := svc.ProcessSignals(context.Background(), "org-1", []*margin.Signal{emergencySignal("sig-1")}, margin.ModeEmergency)
	require.NoError(t, err)
	require.NotEmpty(t, result.Deployments)
	id := result.Deployments[0].ID

	rec, err := svc.ReportDeploymentStatus(context.Background(), id, margin.DeploymentCompleted, "crew released")
	require.NoError(t, err)
	assert.Equal(t, margin.DeploymentCompleted, rec.Status)
	assert.Equal(t, "crew released", rec.StatusDetail)

	_, err = svc.ReportDeploymentStatus(context.Background(), id, margin.DeploymentPending, "")
	assert.Error(t, err)
}

func TestForecastHonorsHorizon(t *testing.T) {
	svc, _ := newTestService()

	f := svc.Forecast("org-1", 14)
	assert.Equal(t, 14, f.TimeHorizon)
	assert.Len(t, f.Projections, len(margin.MarginTypes))
}
