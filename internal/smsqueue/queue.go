// Package smsqueue holds outbound SMS deferred by quiet hours and drains it
// once each organization's window has closed.
package smsqueue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"crewdesk/internal/notifications/core"
	"crewdesk/internal/scheduler"
	"crewdesk/internal/types"
)

const (
	DefaultPollInterval  = 60 * time.Second
	DefaultBatchSize     = 50
	DefaultRetentionDays = 30
)

// Store is the persistence the queue needs. *db.SmsQueueRepository
// implements it.
type Store interface {
	Insert(ctx context.Context, q *types.QueuedSms) error
	ListDue(ctx context.Context, now time.Time, limit int) ([]*types.QueuedSms, error)
	MarkSent(ctx context.Context, id string, at time.Time, twilioSID, messageID string) error
	RecordFailure(ctx context.Context, id string, msg string) error
	CountPending(ctx context.Context, orgID string) (int, error)
	Cancel(ctx context.Context, id string, at time.Time) (bool, error)
	DeleteProcessedBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// Sender delivers a message. The SMS service implements it; the queue always
// sends with Urgent set so a drained message is never deferred again.
type Sender interface {
	Send(ctx context.Context, in types.SendInput) (*types.SendResult, error)
}

// SentMarker remembers deliveries so a row whose bookkeeping write failed is
// not sent twice. Optional.
type SentMarker interface {
	Lookup(ctx context.Context, key string) (sid string, found bool, err error)
	Mark(ctx context.Context, key, sid string) error
}

// Recorder receives per-row outcomes and cycle latency. Optional.
type Recorder interface {
	RecordSmsOutcome(ctx context.Context, result string)
	RecordCycle(ctx context.Context, queue string, d time.Duration)
}

type Config struct {
	PollInterval time.Duration
	BatchSize    int
	// Defaults is used when an organization's own window cannot be parsed.
	Defaults types.QuietHours
}

// QueueOptions describes a message to defer.
type QueueOptions struct {
	OrganizationID string
	CustomerID     string
	ConversationID *string
	To             string
	Message        string
	TemplateType   *types.TemplateType
	SenderType     types.SenderType
	Metadata       map[string]any
	// ProcessAfter overrides the computed end of quiet hours.
	ProcessAfter *time.Time
}

type CycleStats struct {
	Fetched    int           `json:"fetched"`
	Sent       int           `json:"sent"`
	Failed     int           `json:"failed"`
	StillQuiet int           `json:"still_quiet"`
	Skipped    int           `json:"skipped"`
	Duration   time.Duration `json:"duration_ns"`
}

type Option func(*Queue)

func WithClock(c types.Clock) Option { return func(q *Queue) { q.clock = c } }
func WithLogger(l *slog.Logger) Option { return func(q *Queue) { q.logger = l } }
func WithRecorder(r Recorder) Option { return func(q *Queue) { q.recorder = r } }
func WithSentMarker(m SentMarker) Option { return func(q *Queue) { q.marker = m } }
func withIDFunc(f func() string) Option { return func(q *Queue) { q.newID = f } }

type Queue struct {
	store    Store
	sender   Sender
	settings types.OrgSettingsLookup
	quiet    *core.QuietHoursEvaluator
	cfg      Config
	clock    types.Clock
	logger   *slog.Logger
	recorder Recorder
	marker   SentMarker
	newID    func() string

	loop *scheduler.Loop[CycleStats]
}

func New(store Store, sender Sender, settings types.OrgSettingsLookup, cfg Config, opts ...Option) *Queue {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultBatchSize
	}

	q := &Queue{
		store:    store,
		sender:   sender,
		settings: settings,
		cfg:      cfg,
		clock:    types.RealClock{},
		logger:   slog.Default(),
		newID:    func() string { return "sms_" + uuid.NewString() },
	}
	for _, opt := range opts {
		opt(q)
	}
	q.logger = q.logger.With("component", "smsqueue")
	q.quiet = core.NewQuietHoursEvaluator(q.clock, types.NewSlogLogger(q.logger))
	q.loop, _ = scheduler.NewLoop("sms_queue", cfg.PollInterval, q.cycle, q.logger)
	return q
}

// Queue stores a message to be sent when the organization's quiet hours end.
// Today's end time is used unless it has already passed.
func (q *Queue) Queue(ctx context.Context, opts QueueOptions) (string, error) {
	if opts.OrganizationID == "" || opts.To == "" || opts.Message == "" {
		return "", types.NewAppError(types.ErrCodeValidationMissingField, "organization_id, to and message are required", nil)
	}

	processAfter, err := q.resumeTime(ctx, opts)
	if err != nil {
		return "", err
	}
	senderType := opts.SenderType
	if senderType == "" {
		senderType = types.SenderSystem
	}

	row := &types.QueuedSms{
		ID:             q.newID(),
		OrganizationID: opts.OrganizationID,
		CustomerID:     opts.CustomerID,
		ConversationID: opts.ConversationID,
		To:             opts.To,
		Message:        opts.Message,
		TemplateType:   opts.TemplateType,
		SenderType:     senderType,
		Metadata:       opts.Metadata,
		ProcessAfter:   processAfter,
	}
	if err := q.store.Insert(ctx, row); err != nil {
		return "", err
	}

	q.logger.InfoContext(ctx, "sms deferred for quiet hours",
		"queued_id", row.ID, "org_id", row.OrganizationID, "process_after", row.ProcessAfter)
	return row.ID, nil
}

func (q *Queue) resumeTime(ctx context.Context, opts QueueOptions) (time.Time, error) {
	if opts.ProcessAfter != nil {
		return opts.ProcessAfter.UTC(), nil
	}
	settings, err := q.settings.GetSmsSettings(ctx, opts.OrganizationID)
	if err != nil {
		return time.Time{}, err
	}
	now := q.clock.Now()
	at, err := core.NextQuietEnd(settings.QuietHours, now)
	if err == nil {
		return at, nil
	}
	q.logger.WarnContext(ctx, "organization quiet hours invalid, using defaults",
		"org_id", opts.OrganizationID, "error", err)
	at, err = core.NextQuietEnd(q.cfg.Defaults, now)
	if err != nil {
		return time.Time{}, types.NewAppError(types.ErrCodeValidationInvalidTime, "default quiet hours are invalid", err)
	}
	return at, nil
}

func (q *Queue) Start() bool { return q.loop.Start() }
func (q *Queue) Stop() bool { return q.loop.Stop() }
func (q *Queue) Done() <-chan struct{} { return q.loop.Done() }
func (q *Queue) IsRunning() bool { return q.loop.IsRunning() }

// ProcessQueue runs a drain cycle now. It shares the single-flight guard of
// the timer-driven cycle and returns scheduler.ErrCycleInProgress when one is
// already running.
func (q *Queue) ProcessQueue(ctx context.Context) (CycleStats, error) {
	return q.loop.RunOnce(context.WithoutCancel(ctx))
}

func (q *Queue) cycle(ctx context.Context) (CycleStats, error) {
	var stats CycleStats
	start := q.clock.Now()

	rows, err := q.store.ListDue(ctx, start, q.cfg.BatchSize)
	if err != nil {
		return stats, fmt.Errorf("fetching due sms: %w", err)
	}
	stats.Fetched = len(rows)

	for _, row := range rows {
		q.drain(ctx, row, &stats)
	}

	stats.Duration = q.clock.Now().Sub(start)
	if q.recorder != nil {
		q.recorder.RecordCycle(ctx, "sms_queue", stats.Duration)
	}
	if stats.Fetched > 0 {
		q.logger.InfoContext(ctx, "sms queue cycle finished",
			"fetched", stats.Fetched, "sent", stats.Sent, "failed", stats.Failed,
			"still_quiet", stats.StillQuiet, "skipped", stats.Skipped)
	}
	return stats, nil
}

func (q *Queue) drain(ctx context.Context, row *types.QueuedSms, stats *CycleStats) {
	// Settings may have changed since the row was queued.
	settings, err := q.settings.GetSmsSettings(ctx, row.OrganizationID)
	if err != nil {
		stats.Skipped++
		q.logger.ErrorContext(ctx, "failed to load org settings, leaving sms pending",
			"queued_id", row.ID, "org_id", row.OrganizationID, "error", err)
		return
	}
	if d := q.quiet.Evaluate(settings.QuietHours); d.Quiet {
		stats.StillQuiet++
		q.record(ctx, "still_quiet")
		q.logger.InfoContext(ctx, "organization still in quiet hours, leaving sms pending",
			"queued_id", row.ID, "org_id", row.OrganizationID, "resume_at", d.ResumeAt)
		return
	}

	key := "sms_queue:" + row.ID
	if q.marker != nil {
		if sid, found, err := q.marker.Lookup(ctx, key); err == nil && found {
			q.logger.WarnContext(ctx, "sms already delivered, completing row", "queued_id", row.ID, "twilio_sid", sid)
			q.complete(ctx, row, &types.SendResult{Success: true, TwilioSID: sid}, stats)
			return
		}
	}

	res, err := q.send(ctx, row)
	if err == nil && (res == nil || !res.Success) {
		msg := "send failed"
		if res != nil && res.Error != "" {
			msg = res.Error
		}
		err = errors.New(msg)
	}
	if err != nil {
		stats.Failed++
		q.record(ctx, "failed")
		q.logger.WarnContext(ctx, "queued sms send failed",
			"queued_id", row.ID, "org_id", row.OrganizationID, "attempt", row.Attempts+1, "error", err)
		rerr := q.store.RecordFailure(ctx, row.ID, err.Error())
		switch {
		case types.HasCode(rerr, types.ErrCodeConflictAlreadyProcessed):
			q.logger.InfoContext(ctx, "queued sms canceled during send, dropping failure", "queued_id", row.ID)
		case rerr != nil:
			q.logger.ErrorContext(ctx, "failed to record sms failure", "queued_id", row.ID, "error", rerr)
		}
		return
	}

	if q.marker != nil {
		if err := q.marker.Mark(ctx, key, res.TwilioSID); err != nil {
			q.logger.WarnContext(ctx, "failed to set sent marker", "queued_id", row.ID, "error", err)
		}
	}
	q.complete(ctx, row, res, stats)
}

func (q *Queue) send(ctx context.Context, row *types.QueuedSms) (res *types.SendResult, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("sms send panic: %v", r)
		}
	}()
	return q.sender.Send(ctx, types.SendInput{
		OrganizationID: row.OrganizationID,
		CustomerID:     row.CustomerID,
		ConversationID: row.ConversationID,
		To:             row.To,
		Message:        row.Message,
		TemplateType:   row.TemplateType,
		SenderType:     row.SenderType,
		Metadata:       row.Metadata,
		Urgent:         true,
	})
}

func (q *Queue) complete(ctx context.Context, row *types.QueuedSms, res *types.SendResult, stats *CycleStats) {
	err := q.store.MarkSent(ctx, row.ID, q.clock.Now(), res.TwilioSID, res.MessageID)
	if types.HasCode(err, types.ErrCodeConflictAlreadyProcessed) {
		stats.Skipped++
		q.logger.WarnContext(ctx, "queued sms canceled while it was being sent", "queued_id", row.ID, "twilio_sid", res.TwilioSID)
		return
	}
	if err != nil {
		stats.Skipped++
		q.logger.ErrorContext(ctx, "sms sent but row could not be marked", "queued_id", row.ID, "error", err)
		return
	}
	stats.Sent++
	q.record(ctx, "sent")
}

func (q *Queue) record(ctx context.Context, result string) {
	if q.recorder != nil {
		q.recorder.RecordSmsOutcome(ctx, result)
	}
}

// GetPendingCount counts unsent rows with attempts left for orgID.
func (q *Queue) GetPendingCount(ctx context.Context, orgID string) (int, error) {
	return q.store.CountPending(ctx, orgID)
}

// Cancel marks a queued message processed with the cancel marker. Failures,
// including an unknown id, are logged and reported as false.
func (q *Queue) Cancel(ctx context.Context, id string) bool {
	ok, err := q.store.Cancel(ctx, id, q.clock.Now())
	if err != nil {
		q.logger.ErrorContext(ctx, "queued sms cancel failed", "queued_id", id, "error", err)
		return false
	}
	return ok
}

// Cleanup deletes rows processed more than olderThanDays ago; non-positive
// values use DefaultRetentionDays.
func (q *Queue) Cleanup(ctx context.Context, olderThanDays int) (int64, error) {
	if olderThanDays <= 0 {
		olderThanDays = DefaultRetentionDays
	}
	return q.store.DeleteProcessedBefore(ctx, q.clock.Now().AddDate(0, 0, -olderThanDays))
}
