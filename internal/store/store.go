// Package store persists margin deployments and margin events so the
// engine's in-memory state has a durable record for audit and for the
// downstream event streamer.
package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/Duds/CouncilWorks-sub003/internal/margin"
)

var ErrNotFound = errors.New("not found")

// Store is the persistence abstraction the margin service uses.
type Store interface {
	InsertDeployment(ctx context.Context, in DeploymentInput) (DeploymentRecord, error)
	UpdateDeploymentStatus(ctx context.Context, id uuid.UUID, status margin.DeploymentStatus, detail string) (DeploymentRecord, error)
	GetDeployment(ctx context.Context, id uuid.UUID) (DeploymentRecord, error)
	ListActiveDeployments(ctx context.Context, organisationID string) ([]DeploymentRecord, error)

	InsertEvent(ctx context.Context, in EventInput) (EventRecord, error)
	FetchPendingEventsForStreaming(ctx context.Context, limit int) ([]EventRecord, error)
	MarkEventStreamResult(ctx context.Context, id uuid.UUID, archivedKey sql.NullString, success bool, lastError sql.NullString) error

	Ping(ctx context.Context) error
}

// DeploymentInput carries a margin deployment into the store.
type DeploymentInput struct {
	ID                uuid.UUID
	OrganisationID    string
	MarginType        margin.MarginType
	Amount            float64
	Priority          int
	Status            margin.DeploymentStatus
	Reason            string
	RequestedBy       string
	RequestedAt       time.Time
	EstimatedDuration time.Duration
	ExpectedOutcome   string
	SignalID          string
}

// DeploymentRecord is a persisted margin deployment.
type DeploymentRecord struct {
	ID                uuid.UUID               `json:"id"`
	OrganisationID    string                  `json:"organisationId"`
	MarginType        margin.MarginType       `json:"marginType"`
	Amount            float64                 `json:"amount"`
	Priority          int                     `json:"priority"`
	Status            margin.DeploymentStatus `json:"status"`
	Reason            string                  `json:"reason"`
	RequestedBy       string                  `json:"requestedBy"`
	RequestedAt       time.Time               `json:"requestedAt"`
	EstimatedDuration time.Duration           `json:"estimatedDuration"`
	ExpectedOutcome   string                  `json:"expectedOutcome"`
	SignalID          string                  `json:"signalId,omitempty"`
	StatusDetail      string                  `json:"statusDetail,omitempty"`
	CreatedAt         time.Time               `json:"createdAt"`
	UpdatedAt         time.Time               `json:"updatedAt"`
}

// EventInput carries a margin event into the store. Stream bookkeeping
// columns start at pending/0 attempts.
type EventInput struct {
	ID             uuid.UUID
	OrganisationID string
	EventType      margin.EventType
	MarginType     margin.MarginType
	Description    string
	Impact         string
	TS             time.Time
}

// Stream statuses for EventRecord.StreamStatus.
const (
	StreamPending    = "pending"
	StreamInProgress = "in_progress"
	StreamDone       = "done"
	StreamFailed     = "failed"
)

// EventRecord is a persisted margin event plus its streaming bookkeeping.
type EventRecord struct {
	ID             uuid.UUID         `json:"id"`
	OrganisationID string            `json:"organisationId"`
	EventType      margin.EventType  `json:"eventType"`
	MarginType     margin.MarginType `json:"marginType"`
	Description    string            `json:"description"`
	Impact         string            `json:"impact"`
	TS             time.Time         `json:"ts"`

	StreamStatus string     `json:"streamStatus,omitempty"`
	Attempts     int        `json:"attempts,omitempty"`
	ArchivedKey  *string    `json:"archivedKey,omitempty"`
	LastError    *string    `json:"lastError,omitempty"`
	StreamedAt   *time.Time `json:"streamedAt,omitempty"`
	CreatedAt    time.Time  `json:"createdAt"`
}
