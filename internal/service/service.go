// Package service coordinates margin engines per organisation and persists
// what they produce.
package service

import (
	"context"
	"fmt"
	"log"
	"sync"

	"github.com/google/uuid"

	"github.com/Duds/CouncilWorks-sub003/internal/margin"
	"github.com/Duds/CouncilWorks-sub003/internal/store"
)

// Service owns one margin.System per organisation. The engine carries no
// internal locking, so every call against an organisation's system runs
// under that organisation's mutex.
type Service struct {
	store    store.Store
	clock    margin.Clock
	template margin.Configuration

	mu   sync.Mutex
	orgs map[string]*orgSystem
}

type orgSystem struct {
	mu  sync.Mutex
	sys *margin.System
}

// New constructs a Service. template seeds the configuration of every
// organisation's engine; a nil clock uses the system clock.
func New(st store.Store, template margin.Configuration, clock margin.Clock) *Service {
	if clock == nil {
		clock = margin.SystemClock()
	}
	return &Service{
		store:    st,
		clock:    clock,
		template: template,
		orgs:     map[string]*orgSystem{},
	}
}

func (s *Service) org(organisationID string) *orgSystem {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.orgs[organisationID]
	if !ok {
		o = &orgSystem{sys: margin.NewSystem(s.template, s.clock)}
		s.orgs[organisationID] = o
	}
	return o
}

// ProcessSignals runs a signal batch through the organisation's engine and
// persists the resulting deployments and events. Engine results are
// returned even if persistence partially fails; the first store error is
// reported so the caller can surface it.
func (s *Service) ProcessSignals(ctx context.Context, organisationID string, signals []*margin.Signal, mode margin.ResilienceMode) (margin.ProcessResult, error) {
	o := s.org(organisationID)
	o.mu.Lock()
	result := o.sys.ProcessSignals(signals, mode)
	o.mu.Unlock()

	var firstErr error
	for _, dep := range result.Deployments {
		_, err := s.store.InsertDeployment(ctx, store.DeploymentInput{
			ID:                dep.ID,
			OrganisationID:    organisationID,
			MarginType:        dep.MarginType,
			Amount:            dep.Amount,
			Priority:          dep.Priority,
			Status:            dep.Status,
			Reason:            dep.Reason,
			RequestedBy:       dep.RequestedBy,
			RequestedAt:       dep.RequestedAt,
			EstimatedDuration: dep.EstimatedDuration,
			ExpectedOutcome:   dep.ExpectedOutcome,
			SignalID:          dep.SignalID,
		})
		if err != nil && firstErr == nil {
			firstErr = fmt.Errorf("persist deployment %s: %w", dep.ID, err)
		}
	}
	for _, ev := range result.Events {
		_, err := s.store.InsertEvent(ctx, store.EventInput{
			ID:             ev.ID,
			OrganisationID: organisationID,
			EventType:      ev.EventType,
			MarginType:     ev.MarginType,
			Description:    ev.Description,
			Impact:         ev.Impact,
			TS:             ev.Timestamp,
		})
		if err != nil && firstErr == nil {
			firstErr = fmt.Errorf("persist event %s: %w", ev.ID, err)
		}
	}
	if firstErr != nil {
		log.Printf("[margin.service] org %s: %v", organisationID, firstErr)
	}
	return result, firstErr
}

// Status returns the engine's current read-only view.
func (s *Service) Status(organisationID string) margin.Status {
	o := s.org(organisationID)
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.sys.GetStatus()
}

// Metrics returns the engine's aggregate view.
func (s *Service) Metrics(organisationID string) margin.Metrics {
	o := s.org(organisationID)
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.sys.GetMetrics()
}

// Forecast projects utilization over the given horizon in days.
func (s *Service) Forecast(organisationID string, horizonDays int) margin.Forecast {
	o := s.org(organisationID)
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.sys.GenerateForecast(horizonDays)
}

// UpdateConfig merges a partial configuration into the organisation's engine.
func (s *Service) UpdateConfig(organisationID string, update margin.ConfigurationUpdate) {
	o := s.org(organisationID)
	o.mu.Lock()
	defer o.mu.Unlock()
	o.sys.UpdateConfig(update)
}

// UpdateThresholds replaces thresholds for the listed margin types.
func (s *Service) UpdateThresholds(organisationID string, thresholds []margin.MarginThreshold) {
	o := s.org(organisationID)
	o.mu.Lock()
	defer o.mu.Unlock()
	o.sys.UpdateThresholds(thresholds)
}

// UpdatePolicies replaces the organisation's policy set.
func (s *Service) UpdatePolicies(organisationID string, policies []margin.MarginPolicy) {
	o := s.org(organisationID)
	o.mu.Lock()
	defer o.mu.Unlock()
	o.sys.UpdatePolicies(policies)
}

// ActiveDeployments lists persisted deployments still pending or in
// progress for the organisation.
func (s *Service) ActiveDeployments(ctx context.Context, organisationID string) ([]store.DeploymentRecord, error) {
	return s.store.ListActiveDeployments(ctx, organisationID)
}

// ReportDeploymentStatus records the outcome of an externally executed
// deployment (completed or failed).
func (s *Service) ReportDeploymentStatus(ctx context.Context, id uuid.UUID, status margin.DeploymentStatus, detail string) (store.DeploymentRecord, error) {
	switch status {
	case margin.DeploymentInProgress, margin.DeploymentCompleted, margin.DeploymentFailed:
	default:
		return store.DeploymentRecord{}, fmt.Errorf("status %q not reportable", status)
	}
	return s.store.UpdateDeploymentStatus(ctx, id, status, detail)
}
