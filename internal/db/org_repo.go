package db

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"

	"crewdesk/internal/types"
)

// OrganizationRepository reads per-organization messaging settings.
type OrganizationRepository struct {
	db       DBTX
	defaults types.QuietHours
}

// NewOrganizationRepository returns a repository that fills unset quiet-hours
// fields from defaults.
func NewOrganizationRepository(db DBTX, defaults types.QuietHours) *OrganizationRepository {
	return &OrganizationRepository{db: db, defaults: defaults}
}

// GetSmsSettings returns the organization's SMS settings. Unknown
// organizations and unset columns resolve to the defaults; only driver
// failures are returned as errors.
func (r *OrganizationRepository) GetSmsSettings(ctx context.Context, orgID string) (*types.SmsSettings, error) {
	var (
		name, fromNumber, reviewURL *string
		qhEnabled                   *bool
		qhStart, qhEnd, tz          *string
	)
	err := r.db.QueryRow(ctx,
		`SELECT name, sms_from_number, review_url,
		        quiet_hours_enabled, quiet_hours_start, quiet_hours_end, timezone
		 FROM organizations
		 WHERE id = $1 AND deleted_at IS NULL`,
		orgID,
	).Scan(&name, &fromNumber, &reviewURL, &qhEnabled, &qhStart, &qhEnd, &tz)

	settings := &types.SmsSettings{OrganizationID: orgID, QuietHours: r.defaults}
	if errors.Is(err, pgx.ErrNoRows) {
		return settings, nil
	}
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to load organization sms settings", err)
	}

	settings.OrganizationName = deref(name)
	settings.FromNumber = deref(fromNumber)
	settings.ReviewURL = deref(reviewURL)
	if qhEnabled != nil {
		settings.QuietHours.Enabled = *qhEnabled
	}
	if v := deref(qhStart); v != "" {
		settings.QuietHours.Start = v
	}
	if v := deref(qhEnd); v != "" {
		settings.QuietHours.End = v
	}
	if v := deref(tz); v != "" {
		settings.QuietHours.Timezone = v
	}
	return settings, nil
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
