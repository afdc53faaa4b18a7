package db

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"crewdesk/internal/types"
)

const eventColumns = `id, type, organization_id, aggregate_type, aggregate_id, data, metadata, created_at, processed_at`

// EventRepository persists domain_events rows.
type EventRepository struct {
	db DBTX
}

func NewEventRepository(db DBTX) *EventRepository {
	return &EventRepository{db: db}
}

func scanEvent(row pgx.Row) (*types.DomainEvent, error) {
	var (
		e        types.DomainEvent
		evType   string
		aggType  string
		data     []byte
		metadata []byte
	)
	if err := row.Scan(&e.ID, &evType, &e.OrganizationID, &aggType, &e.AggregateID,
		&data, &metadata, &e.CreatedAt, &e.ProcessedAt); err != nil {
		return nil, err
	}
	e.Type = types.EventType(evType)
	e.AggregateType = types.AggregateType(aggType)
	e.Data = data
	if len(metadata) > 0 {
		if err := json.Unmarshal(metadata, &e.Metadata); err != nil {
			return nil, err
		}
	}
	return &e, nil
}

// Insert persists e and fills CreatedAt from the database clock.
func (r *EventRepository) Insert(ctx context.Context, e *types.DomainEvent) error {
	metadata, err := json.Marshal(e.Metadata)
	if err != nil {
		return types.NewAppError(types.ErrCodeValidationInvalidPayload, "event metadata is not serializable", err)
	}
	err = r.db.QueryRow(ctx,
		`INSERT INTO domain_events
		 (id, type, organization_id, aggregate_type, aggregate_id, data, metadata)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 RETURNING created_at`,
		e.ID,
		string(e.Type),
		e.OrganizationID,
		string(e.AggregateType),
		e.AggregateID,
		[]byte(e.Data),
		metadata,
	).Scan(&e.CreatedAt)
	if isUniqueViolation(err) {
		return types.NewAppError(types.ErrCodeConflictAlreadyProcessed, fmt.Sprintf("event %s already recorded", e.ID), err)
	}
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to persist event", err)
	}
	return nil
}

// MarkProcessed stamps processed_at. It records that handlers were attempted,
// not that they succeeded.
func (r *EventRepository) MarkProcessed(ctx context.Context, id string, at time.Time) error {
	_, err := r.db.Exec(ctx,
		`UPDATE domain_events SET processed_at = $2 WHERE id = $1`, id, at,
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to mark event processed", err)
	}
	return nil
}

func (r *EventRepository) Get(ctx context.Context, id string) (*types.DomainEvent, error) {
	e, err := scanEvent(r.db.QueryRow(ctx,
		`SELECT `+eventColumns+` FROM domain_events WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, types.NewAppError(types.ErrCodeNotFoundEvent, fmt.Sprintf("event %s not found", id), nil)
	}
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to get event", err)
	}
	return e, nil
}

// ListSince returns an organization's events created at or after from, in
// creation order. An empty eventTypes matches every type.
func (r *EventRepository) ListSince(ctx context.Context, orgID string, from time.Time, eventTypes []types.EventType) ([]*types.DomainEvent, error) {
	names := make([]string, 0, len(eventTypes))
	for _, t := range eventTypes {
		names = append(names, string(t))
	}

	rows, err := r.db.Query(ctx,
		`SELECT `+eventColumns+`
		 FROM domain_events
		 WHERE organization_id = $1 AND created_at >= $2
		   AND (cardinality($3::text[]) = 0 OR type = ANY($3))
		 ORDER BY created_at ASC, id ASC`,
		orgID, from, names,
	)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to list events", err)
	}
	return collectEvents(rows)
}

// ListProcessedBefore returns up to limit processed events older than cutoff,
// oldest first. Used by the archiver.
func (r *EventRepository) ListProcessedBefore(ctx context.Context, cutoff time.Time, limit int) ([]*types.DomainEvent, error) {
	rows, err := r.db.Query(ctx,
		`SELECT `+eventColumns+`
		 FROM domain_events
		 WHERE processed_at IS NOT NULL AND created_at < $1
		 ORDER BY created_at ASC
		 LIMIT $2`,
		cutoff, limit,
	)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to list archivable events", err)
	}
	return collectEvents(rows)
}

func (r *EventRepository) DeleteByIDs(ctx context.Context, ids []string) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	tag, err := r.db.Exec(ctx, `DELETE FROM domain_events WHERE id = ANY($1)`, ids)
	if err != nil {
		return 0, types.NewAppError(types.ErrCodeInternalDB, "failed to delete archived events", err)
	}
	return tag.RowsAffected(), nil
}

func collectEvents(rows pgx.Rows) ([]*types.DomainEvent, error) {
	defer rows.Close()

	var out []*types.DomainEvent
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to scan event row", err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed iterating event rows", err)
	}
	return out, nil
}
