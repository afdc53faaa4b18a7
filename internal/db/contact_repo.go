package db

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"crewdesk/internal/types"
)

// ContactRepository reads customers and technicians.
type ContactRepository struct {
	db DBTX
}

func NewContactRepository(db DBTX) *ContactRepository {
	return &ContactRepository{db: db}
}

func (r *ContactRepository) GetCustomer(ctx context.Context, orgID, id string) (*types.Customer, error) {
	var (
		c            types.Customer
		phone, email *string
	)
	err := r.db.QueryRow(ctx,
		`SELECT id, organization_id, name, phone, email
		 FROM customers WHERE id = $1 AND organization_id = $2`,
		id, orgID,
	).Scan(&c.ID, &c.OrganizationID, &c.Name, &phone, &email)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, types.NewAppError(types.ErrCodeNotFoundCustomer, fmt.Sprintf("customer %s not found", id), nil)
	}
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to get customer", err)
	}
	c.Phone = deref(phone)
	c.Email = deref(email)
	return &c, nil
}

func (r *ContactRepository) GetTechnician(ctx context.Context, orgID, id string) (*types.Technician, error) {
	var t types.Technician
	err := r.db.QueryRow(ctx,
		`SELECT id, organization_id, name FROM technicians WHERE id = $1 AND organization_id = $2`,
		id, orgID,
	).Scan(&t.ID, &t.OrganizationID, &t.Name)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, types.NewAppError(types.ErrCodeNotFoundTechnician, fmt.Sprintf("technician %s not found", id), nil)
	}
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to get technician", err)
	}
	return &t, nil
}
