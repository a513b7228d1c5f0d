package store

import (
	"context"
	"database/sql"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Duds/CouncilWorks-sub003/internal/margin"
)

// MemoryStore provides an in-memory implementation useful for tests and
// local development without Postgres.
type MemoryStore struct {
	mu          sync.RWMutex
	deployments map[uuid.UUID]DeploymentRecord
	events      map[uuid.UUID]EventRecord
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		deployments: map[uuid.UUID]DeploymentRecord{},
		events:      map[uuid.UUID]EventRecord{},
	}
}

func (m *MemoryStore) Ping(ctx context.Context) error { return nil }

func (m *MemoryStore) InsertDeployment(ctx context.Context, in DeploymentInput) (DeploymentRecord, error) {
	if in.ID == uuid.Nil {
		in.ID = uuid.New()
	}
	if in.RequestedAt.IsZero() {
		in.RequestedAt = time.Now().UTC()
	}
	now := time.Now().UTC()
	rec := DeploymentRecord{
		ID:                in.ID,
		OrganisationID:    in.OrganisationID,
		MarginType:        in.MarginType,
		Amount:            in.Amount,
		Priority:          in.Priority,
		Status:            in.Status,
		Reason:            in.Reason,
		RequestedBy:       in.RequestedBy,
		RequestedAt:       in.RequestedAt,
		EstimatedDuration: in.EstimatedDuration,
		ExpectedOutcome:   in.ExpectedOutcome,
		SignalID:          in.SignalID,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deployments[rec.ID] = rec
	return rec, nil
}

func (m *MemoryStore) UpdateDeploymentStatus(ctx context.Context, id uuid.UUID, status margin.DeploymentStatus, detail string) (DeploymentRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.deployments[id]
	if !ok {
		return DeploymentRecord{}, ErrNotFound
	}
	rec.Status = status
	rec.StatusDetail = detail
	rec.UpdatedAt = time.Now().UTC()
	m.deployments[id] = rec
	return rec, nil
}

func (m *MemoryStore) GetDeployment(ctx context.Context, id uuid.UUID) (DeploymentRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.deployments[id]
	if !ok {
		return DeploymentRecord{}, ErrNotFound
	}
	return rec, nil
}

func (m *MemoryStore) ListActiveDeployments(ctx context.Context, organisationID string) ([]DeploymentRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := []DeploymentRecord{}
	for _, rec := range m.deployments {
		if rec.OrganisationID != organisationID {
			continue
		}
		if rec.Status == margin.DeploymentPending || rec.Status == margin.DeploymentInProgress {
			out = append(out, rec)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority < out[j].Priority
		}
		return out[i].RequestedAt.Before(out[j].RequestedAt)
	})
	return out, nil
}

func (m *MemoryStore) InsertEvent(ctx context.Context, in EventInput) (EventRecord, error) {
	if in.ID == uuid.Nil {
		in.ID = uuid.New()
	}
	if in.TS.IsZero() {
		in.TS = time.Now().UTC()
	}
	rec := EventRecord{
		ID:             in.ID,
		OrganisationID: in.OrganisationID,
		EventType:      in.EventType,
		MarginType:     in.MarginType,
		Description:    in.Description,
		Impact:         in.Impact,
		TS:             in.TS,
		StreamStatus:   StreamPending,
		CreatedAt:      time.Now().UTC(),
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events[rec.ID] = rec
	return rec, nil
}

func (m *MemoryStore) FetchPendingEventsForStreaming(ctx context.Context, limit int) ([]EventRecord, error) {
	if limit <= 0 {
		limit = 10
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	pending := []EventRecord{}
	for _, rec := range m.events {
		if (rec.StreamStatus == StreamPending || rec.StreamStatus == StreamFailed) && rec.Attempts < 5 {
			pending = append(pending, rec)
		}
	}
	sort.Slice(pending, func(i, j int) bool { return pending[i].TS.Before(pending[j].TS) })
	if len(pending) > limit {
		pending = pending[:limit]
	}
	for i := range pending {
		pending[i].StreamStatus = StreamInProgress
		pending[i].Attempts++
		m.events[pending[i].ID] = pending[i]
	}
	return pending, nil
}

func (m *MemoryStore) MarkEventStreamResult(ctx context.Context, id uuid.UUID, archivedKey sql.NullString, success bool, lastError sql.NullString) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.events[id]
	if !ok {
		return ErrNotFound
	}
	if success {
		rec.StreamStatus = StreamDone
		rec.LastError = nil
		if archivedKey.Valid {
			key := archivedKey.String
			rec.ArchivedKey = &key
		}
		now := time.Now().UTC()
		rec.StreamedAt = &now
	} else {
		rec.StreamStatus = StreamFailed
		if lastError.Valid {
			msg := lastError.String
			rec.LastError = &msg
		}
	}
	m.events[id] = rec
	return nil
}

var _ Store = (*MemoryStore)(nil)
