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

// AppointmentRepository reads appointments and records reminder side effects.
type AppointmentRepository struct {
	db DBTX
}

func NewAppointmentRepository(db DBTX) *AppointmentRepository {
	return &AppointmentRepository{db: db}
}

// Get returns the appointment scoped to orgID.
func (r *AppointmentRepository) Get(ctx context.Context, orgID, id string) (*types.Appointment, error) {
	var (
		a        types.Appointment
		status   string
		address  *string
		metadata []byte
	)
	err := r.db.QueryRow(ctx,
		`SELECT id, organization_id, customer_id, technician_id, scheduled_at, status,
		        service_type, address, metadata, created_at, updated_at
		 FROM appointments
		 WHERE id = $1 AND organization_id = $2`,
		id, orgID,
	).Scan(&a.ID, &a.OrganizationID, &a.CustomerID, &a.TechnicianID, &a.ScheduledAt, &status,
		&a.ServiceType, &address, &metadata, &a.CreatedAt, &a.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, types.NewAppError(types.ErrCodeNotFoundAppointment, fmt.Sprintf("appointment %s not found", id), nil)
	}
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to get appointment", err)
	}
	a.Status = types.AppointmentStatus(status)
	a.Address = deref(address)
	if len(metadata) > 0 {
		if err := json.Unmarshal(metadata, &a.Metadata); err != nil {
			return nil, types.NewAppError(types.ErrCodeInternalDB, "appointment metadata is corrupt", err)
		}
	}
	return &a, nil
}

// UpdateStatus moves an appointment to status. Appointments already in a
// terminal state are left alone and reported as a conflict.
func (r *AppointmentRepository) UpdateStatus(ctx context.Context, orgID, id string, status types.AppointmentStatus) error {
	tag, err := r.db.Exec(ctx,
		`UPDATE appointments SET status = $3, updated_at = NOW()
		 WHERE id = $1 AND organization_id = $2
		   AND status NOT IN ('completed', 'canceled', 'no_show')`,
		id, orgID, string(status),
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to update appointment status", err)
	}
	if tag.RowsAffected() == 0 {
		return types.NewAppError(types.ErrCodeConflictAppointmentState,
			fmt.Sprintf("appointment %s is missing or already closed", id), nil)
	}
	return nil
}

// StampMetadata merges key=at into the appointment's metadata document.
func (r *AppointmentRepository) StampMetadata(ctx context.Context, id, key string, at time.Time) error {
	patch, err := json.Marshal(map[string]string{key: at.UTC().Format(time.RFC3339)})
	if err != nil {
		return err
	}
	_, err = r.db.Exec(ctx,
		`UPDATE appointments
		 SET metadata = COALESCE(metadata, '{}'::jsonb) || $2::jsonb, updated_at = NOW()
		 WHERE id = $1`,
		id, patch,
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to stamp appointment metadata", err)
	}
	return nil
}
