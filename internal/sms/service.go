// Package sms sends customer text messages. Non-urgent messages that would
// land inside an organization's quiet hours are handed to the quiet-hours
// queue instead of the carrier.
package sms

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"crewdesk/internal/external"
	"crewdesk/internal/notifications/core"
	"crewdesk/internal/smsqueue"
	"crewdesk/internal/types"
)

// Deferrer stores a message for later delivery. *smsqueue.Queue implements
// it.
type Deferrer interface {
	Queue(ctx context.Context, opts smsqueue.QueueOptions) (string, error)
}

// Recorder receives send outcomes. Optional.
type Recorder interface {
	RecordSmsOutcome(ctx context.Context, result string)
}

type Config struct {
	// FromNumber is used when an organization has no number of its own.
	FromNumber string
	// DefaultOrgName signs templated messages for organizations with no
	// name on file. Empty uses the package DefaultOrgName.
	DefaultOrgName string
}

type Option func(*Service)

func WithClock(c types.Clock) Option { return func(s *Service) { s.clock = c } }
func WithLogger(l *slog.Logger) Option { return func(s *Service) { s.logger = l } }
func WithRecorder(r Recorder) Option { return func(s *Service) { s.recorder = r } }
func withIDFunc(f func() string) Option { return func(s *Service) { s.newID = f } }
func WithDeferrer(d Deferrer) Option { return func(s *Service) { s.deferrer = d } }
func WithRenderer(r *Renderer) Option { return func(s *Service) { s.renderer = r } }

type Service struct {
	provider external.SMSProvider
	settings types.OrgSettingsLookup
	renderer *Renderer
	cfg      Config
	clock    types.Clock
	logger   *slog.Logger
	recorder Recorder
	newID    func() string
	quiet    *core.QuietHoursEvaluator

	mu       sync.RWMutex
	deferrer Deferrer
}

func New(provider external.SMSProvider, settings types.OrgSettingsLookup, cfg Config, opts ...Option) (*Service, error) {
	s := &Service{
		provider: provider,
		settings: settings,
		cfg:      cfg,
		clock:    types.RealClock{},
		logger:   slog.Default(),
		newID:    func() string { return "msg_" + uuid.NewString() },
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.renderer == nil {
		r, err := NewRenderer(cfg.DefaultOrgName)
		if err != nil {
			return nil, err
		}
		s.renderer = r
	}
	s.logger = s.logger.With("component", "sms")
	s.quiet = core.NewQuietHoursEvaluator(s.clock, types.NewSlogLogger(s.logger))
	return s, nil
}

// SetDeferrer attaches the quiet-hours queue after construction. The queue
// sends through this service, so one of the two must be wired late.
func (s *Service) SetDeferrer(d Deferrer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deferrer = d
}

func (s *Service) getDeferrer() Deferrer {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.deferrer
}

// Send delivers in.Message to in.To. Carrier failures are reported through
// SendResult with Success false; the returned error is reserved for invalid
// input and failures reading organization settings or writing the queue.
func (s *Service) Send(ctx context.Context, in types.SendInput) (*types.SendResult, error) {
	if in.OrganizationID == "" || in.To == "" || in.Message == "" {
		return nil, types.NewAppError(types.ErrCodeValidationMissingField, "organization_id, to and message are required", nil)
	}
	if in.SenderType == "" {
		in.SenderType = types.SenderSystem
	}

	settings, err := s.settings.GetSmsSettings(ctx, in.OrganizationID)
	if err != nil {
		return nil, err
	}

	if !in.Urgent {
		if d := s.getDeferrer(); d != nil {
			if decision := s.quiet.Evaluate(settings.QuietHours); decision.Quiet {
				return s.deferSend(ctx, d, in)
			}
		}
	}

	from := settings.FromNumber
	if from == "" {
		from = s.cfg.FromNumber
	}

	receipt, err := s.provider.Send(ctx, external.SMSMessage{To: in.To, From: from, Body: in.Message})
	if err != nil {
		s.logger.ErrorContext(ctx, "sms send failed",
			"org_id", in.OrganizationID, "customer_id", in.CustomerID, "error", err)
		s.record(ctx, outcomeFor(err))
		return &types.SendResult{Success: false, Error: err.Error()}, nil
	}

	messageID := s.newID()
	s.logger.InfoContext(ctx, "sms sent",
		"org_id", in.OrganizationID, "customer_id", in.CustomerID,
		"message_id", messageID, "twilio_sid", receipt.SID, "urgent", in.Urgent)
	s.record(ctx, "sent")
	return &types.SendResult{Success: true, TwilioSID: receipt.SID, MessageID: messageID}, nil
}

func (s *Service) deferSend(ctx context.Context, d Deferrer, in types.SendInput) (*types.SendResult, error) {
	id, err := d.Queue(ctx, smsqueue.QueueOptions{
		OrganizationID: in.OrganizationID,
		CustomerID:     in.CustomerID,
		ConversationID: in.ConversationID,
		To:             in.To,
		Message:        in.Message,
		TemplateType:   in.TemplateType,
		SenderType:     in.SenderType,
		Metadata:       in.Metadata,
	})
	if err != nil {
		return nil, err
	}
	s.logger.InfoContext(ctx, "sms deferred for quiet hours",
		"org_id", in.OrganizationID, "customer_id", in.CustomerID, "queued_id", id)
	s.record(ctx, "deferred")
	return &types.SendResult{Success: true, Queued: true, QueuedID: id}, nil
}

// SendTemplated renders in.Template and sends the result. org_name and
// review_url default to the organization's settings; a blank customer or
// organization name falls back to a generic greeting rather than failing.
func (s *Service) SendTemplated(ctx context.Context, in types.SendTemplatedInput) (*types.SendResult, error) {
	if in.OrganizationID == "" {
		return nil, types.NewAppError(types.ErrCodeValidationMissingField, "organization_id is required", nil)
	}
	settings, err := s.settings.GetSmsSettings(ctx, in.OrganizationID)
	if err != nil {
		return nil, err
	}

	vars := make(map[string]string, len(in.Variables)+2)
	vars["org_name"] = settings.OrganizationName
	vars["review_url"] = settings.ReviewURL
	for k, v := range in.Variables {
		if v != "" {
			vars[k] = v
		}
	}

	body, err := s.renderer.Render(in.Template, vars)
	if err != nil {
		return nil, err
	}

	metadata := make(map[string]any, len(in.Metadata)+1)
	for k, v := range in.Metadata {
		metadata[k] = v
	}
	metadata["template"] = string(in.Template)

	tt := in.Template
	return s.Send(ctx, types.SendInput{
		OrganizationID: in.OrganizationID,
		CustomerID:     in.CustomerID,
		To:             in.To,
		Message:        body,
		TemplateType:   &tt,
		SenderType:     in.SenderType,
		Metadata:       metadata,
		Urgent:         in.Urgent,
	})
}

func (s *Service) record(ctx context.Context, result string) {
	if s.recorder != nil {
		s.recorder.RecordSmsOutcome(ctx, result)
	}
}

func outcomeFor(err error) string {
	var appErr *types.AppError
	if errors.As(err, &appErr) && appErr.Code == types.ErrCodeSmsUndeliverable {
		return "undeliverable"
	}
	return "failed"
}

// FormatCents renders an amount in minor units for message bodies.
func FormatCents(cents int64, currency string) string {
	if currency == "" || currency == "usd" {
		return fmt.Sprintf("$%d.%02d", cents/100, cents%100)
	}
	return fmt.Sprintf("%d.%02d %s", cents/100, cents%100, currency)
}

var _ smsqueue.Sender = (*Service)(nil)
