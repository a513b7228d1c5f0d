package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/Duds/CouncilWorks-sub003/internal/margin"
)

// PGStore persists deployments and events into Postgres.
type PGStore struct {
	db *sql.DB
}

func NewPGStore(db *sql.DB) *PGStore {
	return &PGStore{db: db}
}

func (p *PGStore) Ping(ctx context.Context) error {
	if err := p.db.PingContext(ctx); err != nil {
		return fmt.Errorf("db ping: %w", err)
	}
	return nil
}

func (p *PGStore) InsertDeployment(ctx context.Context, in DeploymentInput) (DeploymentRecord, error) {
	if in.ID == uuid.Nil {
		in.ID = uuid.New()
	}
	if in.RequestedAt.IsZero() {
		in.RequestedAt = time.Now().UTC()
	}
	query := `
		INSERT INTO margin_deployments
		  (id, organisation_id, margin_type, amount, priority, status, reason,
		   requested_by, requested_at, estimated_duration_seconds, expected_outcome, signal_id)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
		RETURNING created_at, updated_at
	`
	var created, updated time.Time
	err := p.db.QueryRowContext(ctx, query,
		in.ID, in.OrganisationID, in.MarginType, in.Amount, in.Priority, in.Status,
		in.Reason, in.RequestedBy, in.RequestedAt, int64(in.EstimatedDuration.Seconds()),
		in.ExpectedOutcome, in.SignalID,
	).Scan(&created, &updated)
	if err != nil {
		return DeploymentRecord{}, fmt.Errorf("insert margin deployment: %w", err)
	}
	return DeploymentRecord{
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
		CreatedAt:         created,
		UpdatedAt:         updated,
	}, nil
}

func (p *PGStore) UpdateDeploymentStatus(ctx context.Context, id uuid.UUID, status margin.DeploymentStatus, detail string) (DeploymentRecord, error) {
	query := `
		UPDATE margin_deployments
		SET status=$2, status_detail=$3, updated_at=NOW()
		WHERE id=$1
		RETURNING organisation_id, margin_type, amount, priority, reason, requested_by,
		          requested_at, estimated_duration_seconds, expected_outcome, signal_id,
		          status_detail, created_at, updated_at
	`
	rec := DeploymentRecord{ID: id, Status: status}
	var durationSecs int64
	var signalID, statusDetail sql.NullString
	err := p.db.QueryRowContext(ctx, query, id, status, detail).Scan(
		&rec.OrganisationID,
		&rec.MarginType,
		&rec.Amount,
		&rec.Priority,
		&rec.Reason,
		&rec.RequestedBy,
		&rec.RequestedAt,
		&durationSecs,
		&rec.ExpectedOutcome,
		&signalID,
		&statusDetail,
		&rec.CreatedAt,
		&rec.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return DeploymentRecord{}, ErrNotFound
		}
		return DeploymentRecord{}, fmt.Errorf("update deployment status: %w", err)
	}
	rec.EstimatedDuration = time.Duration(durationSecs) * time.Second
	if signalID.Valid {
		rec.SignalID = signalID.String
	}
	if statusDetail.Valid {
		rec.StatusDetail = statusDetail.String
	}
	return rec, nil
}

func (p *PGStore) GetDeployment(ctx context.Context, id uuid.UUID) (DeploymentRecord, error) {
	const query = `
		SELECT organisation_id, margin_type, amount, priority, status, reason, requested_by,
		       requested_at, estimated_duration_seconds, expected_outcome, signal_id,
		       status_detail, created_at, updated_at
		FROM margin_deployments
		WHERE id=$1
	`
	rec := DeploymentRecord{ID: id}
	var durationSecs int64
	var signalID, statusDetail sql.NullString
	err := p.db.QueryRowContext(ctx, query, id).Scan(
		&rec.OrganisationID,
		&rec.MarginType,
		&rec.Amount,
		&rec.Priority,
		&rec.Status,
		&rec.Reason,
		&rec.RequestedBy,
		&rec.RequestedAt,
		&durationSecs,
		&rec.ExpectedOutcome,
		&signalID,
		&statusDetail,
		&rec.CreatedAt,
		&rec.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return DeploymentRecord{}, ErrNotFound
		}
		return DeploymentRecord{}, fmt.Errorf("get deployment: %w", err)
	}
	rec.EstimatedDuration = time.Duration(durationSecs) * time.Second
	if signalID.Valid {
		rec.SignalID = signalID.String
	}
	if statusDetail.Valid {
		rec.StatusDetail = statusDetail.String
	}
	return rec, nil
}

func (p *PGStore) ListActiveDeployments(ctx context.Context, organisationID string) ([]DeploymentRecord, error) {
	const query = `
		SELECT id, margin_type, amount, priority, status, reason, requested_by,
		       requested_at, estimated_duration_seconds, expected_outcome, signal_id,
		       created_at, updated_at
		FROM margin_deployments
		WHERE organisation_id=$1 AND status IN ('pending','in_progress')
		ORDER BY priority ASC, requested_at ASC
	`
	rows, err := p.db.QueryContext(ctx, query, organisationID)
	if err != nil {
		return nil, fmt.Errorf("list active deployments: %w", err)
	}
	defer rows.Close()

	out := []DeploymentRecord{}
	for rows.Next() {
		rec := DeploymentRecord{OrganisationID: organisationID}
		var durationSecs int64
		var signalID sql.NullString
		if err := rows.Scan(
			&rec.ID,
			&rec.MarginType,
			&rec.Amount,
			&rec.Priority,
			&rec.Status,
			&rec.Reason,
			&rec.RequestedBy,
			&rec.RequestedAt,
			&durationSecs,
			&rec.ExpectedOutcome,
			&signalID,
			&rec.CreatedAt,
			&rec.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan deployment: %w", err)
		}
		rec.EstimatedDuration = time.Duration(durationSecs) * time.Second
		if signalID.Valid {
			rec.SignalID = signalID.String
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate deployments: %w", err)
	}
	return out, nil
}

func (p *PGStore) InsertEvent(ctx context.Context, in EventInput) (EventRecord, error) {
	if in.ID == uuid.Nil {
		in.ID = uuid.New()
	}
	if in.TS.IsZero() {
		in.TS = time.Now().UTC()
	}
	query := `
		INSERT INTO margin_events
		  (id, organisation_id, event_type, margin_type, description, impact, ts, stream_status, attempts)
		VALUES ($1,$2,$3,$4,$5,$6,$7,'pending',0)
		RETURNING created_at
	`
	var created time.Time
	err := p.db.QueryRowContext(ctx, query,
		in.ID, in.OrganisationID, in.EventType, in.MarginType, in.Description, in.Impact, in.TS,
	).Scan(&created)
	if err != nil {
		return EventRecord{}, fmt.Errorf("insert margin event: %w", err)
	}
	return EventRecord{
		ID:             in.ID,
		OrganisationID: in.OrganisationID,
		EventType:      in.EventType,
		MarginType:     in.MarginType,
		Description:    in.Description,
		Impact:         in.Impact,
		TS:             in.TS,
		StreamStatus:   StreamPending,
		CreatedAt:      created,
	}, nil
}

// FetchPendingEventsForStreaming claims up to limit pending events in one
// transaction using FOR UPDATE SKIP LOCKED, so concurrent streamers never
// claim the same row. Claimed rows move to in_progress with attempts
// incremented; the DB stays the source of truth for retries.
func (p *PGStore) FetchPendingEventsForStreaming(ctx context.Context, limit int) ([]EventRecord, error) {
	if limit <= 0 {
		limit = 10
	}
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin claim tx: %w", err)
	}
	defer tx.Rollback()

	const selectQuery = `
		SELECT id FROM margin_events
		WHERE stream_status IN ('pending','failed') AND attempts < 5
		ORDER BY ts ASC
		FOR UPDATE SKIP LOCKED
		LIMIT $1
	`
	rows, err := tx.QueryContext(ctx, selectQuery, limit)
	if err != nil {
		return nil, fmt.Errorf("select pending events: %w", err)
	}
	ids := []uuid.UUID{}
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan pending event id: %w", err)
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate pending ids: %w", err)
	}
	if len(ids) == 0 {
		return []EventRecord{}, tx.Commit()
	}

	const claimQuery = `
		UPDATE margin_events
		SET stream_status='in_progress', attempts=attempts+1
		WHERE id=$1
		RETURNING organisation_id, event_type, margin_type, description, impact, ts, attempts, created_at
	`
	out := make([]EventRecord, 0, len(ids))
	for _, id := range ids {
		rec := EventRecord{ID: id, StreamStatus: StreamInProgress}
		if err := tx.QueryRowContext(ctx, claimQuery, id).Scan(
			&rec.OrganisationID,
			&rec.EventType,
			&rec.MarginType,
			&rec.Description,
			&rec.Impact,
			&rec.TS,
			&rec.Attempts,
			&rec.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("claim event %s: %w", id, err)
		}
		out = append(out, rec)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit claim: %w", err)
	}
	return out, nil
}

// MarkEventStreamResult records the outcome of a produce+archive attempt.
func (p *PGStore) MarkEventStreamResult(ctx context.Context, id uuid.UUID, archivedKey sql.NullString, success bool, lastError sql.NullString) error {
	var err error
	if success {
		const query = `
			UPDATE margin_events
			SET stream_status='done', archived_key=$1, last_stream_error=NULL, streamed_at=NOW()
			WHERE id=$2
		`
		_, err = p.db.ExecContext(ctx, query, archivedKey, id)
	} else {
		const query = `
			UPDATE margin_events
			SET stream_status='failed', last_stream_error=$1
			WHERE id=$2
		`
		_, err = p.db.ExecContext(ctx, query, lastError, id)
	}
	if err != nil {
		return fmt.Errorf("mark event stream result: %w", err)
	}
	return nil
}

var _ Store = (*PGStore)(nil)
