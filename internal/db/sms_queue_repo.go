package db

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"crewdesk/internal/types"
)

const smsColumns = `id, organization_id, customer_id, conversation_id, to_number, message,
	template_type, sender_type, metadata, process_after, attempts, last_error,
	processed_at, twilio_sid, message_id, created_at`

// SmsQueueRepository persists sms_queue rows.
type SmsQueueRepository struct {
	db DBTX
}

func NewSmsQueueRepository(db DBTX) *SmsQueueRepository {
	return &SmsQueueRepository{db: db}
}

func scanQueuedSms(row pgx.Row) (*types.QueuedSms, error) {
	var (
		q        types.QueuedSms
		tmpl     *string
		sender   string
		metadata []byte
	)
	err := row.Scan(
		&q.ID, &q.OrganizationID, &q.CustomerID, &q.ConversationID, &q.To, &q.Message,
		&tmpl, &sender, &metadata, &q.ProcessAfter, &q.Attempts, &q.LastError,
		&q.ProcessedAt, &q.TwilioSID, &q.MessageID, &q.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	if tmpl != nil {
		t := types.TemplateType(*tmpl)
		q.TemplateType = &t
	}
	q.SenderType = types.SenderType(sender)
	if len(metadata) > 0 {
		if err := json.Unmarshal(metadata, &q.Metadata); err != nil {
			return nil, err
		}
	}
	return &q, nil
}

func (r *SmsQueueRepository) Insert(ctx context.Context, q *types.QueuedSms) error {
	var tmpl *string
	if q.TemplateType != nil {
		s := string(*q.TemplateType)
		tmpl = &s
	}
	metadata, err := json.Marshal(q.Metadata)
	if err != nil {
		return types.NewAppError(types.ErrCodeValidationInvalidPayload, "sms metadata is not serializable", err)
	}

	err = r.db.QueryRow(ctx,
		`INSERT INTO sms_queue
		 (id, organization_id, customer_id, conversation_id, to_number, message,
		  template_type, sender_type, metadata, process_after, attempts)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, 0)
		 RETURNING created_at`,
		q.ID,
		q.OrganizationID,
		q.CustomerID,
		q.ConversationID,
		q.To,
		q.Message,
		tmpl,
		string(q.SenderType),
		metadata,
		q.ProcessAfter,
	).Scan(&q.CreatedAt)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to queue sms", err)
	}
	return nil
}

// ListDue returns unsent rows past their process_after with attempts left,
// oldest created first.
func (r *SmsQueueRepository) ListDue(ctx context.Context, now time.Time, limit int) ([]*types.QueuedSms, error) {
	rows, err := r.db.Query(ctx,
		`SELECT `+smsColumns+`
		 FROM sms_queue
		 WHERE processed_at IS NULL AND process_after <= $1 AND attempts < $2
		 ORDER BY created_at ASC
		 LIMIT $3`,
		now, types.MaxSmsAttempts, limit,
	)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to list due sms", err)
	}
	defer rows.Close()

	var out []*types.QueuedSms
	for rows.Next() {
		q, err := scanQueuedSms(rows)
		if err != nil {
			return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to scan queued sms", err)
		}
		out = append(out, q)
	}
	if err := rows.Err(); err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed iterating queued sms", err)
	}
	return out, nil
}

// MarkSent records a successful delivery. A row canceled in the meantime
// keeps its cancel marker and yields ErrCodeConflictAlreadyProcessed.
func (r *SmsQueueRepository) MarkSent(ctx context.Context, id string, at time.Time, twilioSID, messageID string) error {
	tag, err := r.db.Exec(ctx,
		`UPDATE sms_queue
		 SET processed_at = $2, twilio_sid = $3, message_id = $4
		 WHERE id = $1 AND processed_at IS NULL`,
		id, at, nilIfEmpty(twilioSID), nilIfEmpty(messageID),
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to mark sms sent", err)
	}
	if tag.RowsAffected() == 0 {
		return smsNotPending(id)
	}
	return nil
}

// RecordFailure bumps attempts and stores the error in one statement.
func (r *SmsQueueRepository) RecordFailure(ctx context.Context, id string, msg string) error {
	tag, err := r.db.Exec(ctx,
		`UPDATE sms_queue SET attempts = attempts + 1, last_error = $2
		 WHERE id = $1 AND processed_at IS NULL`,
		id, msg,
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to record sms failure", err)
	}
	if tag.RowsAffected() == 0 {
		return smsNotPending(id)
	}
	return nil
}

func smsNotPending(id string) error {
	return types.NewAppError(types.ErrCodeConflictAlreadyProcessed,
		fmt.Sprintf("queued sms %s is not pending", id), nil)
}

// CountPending counts unsent rows with attempts left for one organization.
func (r *SmsQueueRepository) CountPending(ctx context.Context, orgID string) (int, error) {
	var n int
	err := r.db.QueryRow(ctx,
		`SELECT COUNT(*) FROM sms_queue
		 WHERE organization_id = $1 AND processed_at IS NULL AND attempts < $2`,
		orgID, types.MaxSmsAttempts,
	).Scan(&n)
	if err != nil {
		return 0, types.NewAppError(types.ErrCodeInternalDB, "failed to count pending sms", err)
	}
	return n, nil
}

// CountAllPending is the fleet-wide gauge used by metrics.
func (r *SmsQueueRepository) CountAllPending(ctx context.Context) (int, error) {
	var n int
	err := r.db.QueryRow(ctx,
		`SELECT COUNT(*) FROM sms_queue WHERE processed_at IS NULL AND attempts < $1`,
		types.MaxSmsAttempts,
	).Scan(&n)
	if err != nil {
		return 0, types.NewAppError(types.ErrCodeInternalDB, "failed to count pending sms", err)
	}
	return n, nil
}

func (r *SmsQueueRepository) Cancel(ctx context.Context, id string, at time.Time) (bool, error) {
	tag, err := r.db.Exec(ctx,
		`UPDATE sms_queue SET processed_at = $2, last_error = $3 WHERE id = $1`,
		id, at, types.CanceledMarker,
	)
	if err != nil {
		return false, types.NewAppError(types.ErrCodeInternalDB, "failed to cancel queued sms", err)
	}
	return tag.RowsAffected() > 0, nil
}

func (r *SmsQueueRepository) DeleteProcessedBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := r.db.Exec(ctx,
		`DELETE FROM sms_queue WHERE processed_at IS NOT NULL AND processed_at < $1`,
		cutoff,
	)
	if err != nil {
		return 0, types.NewAppError(types.ErrCodeInternalDB, "failed to clean up sms queue", err)
	}
	return tag.RowsAffected(), nil
}
