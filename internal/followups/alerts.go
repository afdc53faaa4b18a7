package followups

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"text/template"

	"crewdesk/internal/types"
)

// EmailSender is external.EmailProvider.
type EmailSender interface {
	Send(ctx context.Context, input types.EmailInput) (string, error)
}

var exhaustedBody = template.Must(template.New("exhausted").Parse(`A delayed job gave up after {{.Attempts}} of {{.MaxAttempts}} attempts.

Job:          {{.JobID}}
Type:         {{.JobType}}
Organization: {{.OrganizationID}}
Last error:   {{.LastError}}

The job stays in the queue as exhausted. Inspect it with GET /v1/queue/jobs/{{.JobID}}.
`))

// ExhaustedAlerter emails the operator when a delayed job exhausts its
// attempts.
type ExhaustedAlerter struct {
	email  EmailSender
	from   types.SenderIdentity
	to     string
	logger *slog.Logger
}

// NewExhaustedAlerter returns an alerter; an empty operator address disables
// it.
func NewExhaustedAlerter(email EmailSender, from types.SenderIdentity, operatorEmail string, logger *slog.Logger) *ExhaustedAlerter {
	if logger == nil {
		logger = slog.Default()
	}
	return &ExhaustedAlerter{email: email, from: from, to: operatorEmail, logger: logger.With("component", "exhausted_alerts")}
}

func (a *ExhaustedAlerter) Attach(bus Subscriber) {
	bus.On(types.EventJobExhausted, a.OnJobExhausted)
}

func (a *ExhaustedAlerter) OnJobExhausted(ctx context.Context, e *types.DomainEvent) error {
	if a.to == "" {
		return nil
	}
	d, err := decodeData[types.JobExhaustedData](e)
	if err != nil {
		return err
	}

	var body bytes.Buffer
	if err := exhaustedBody.Execute(&body, struct {
		types.JobExhaustedData
		OrganizationID string
	}{d, e.OrganizationID}); err != nil {
		return err
	}

	msgID, err := a.email.Send(ctx, types.EmailInput{
		To:          a.to,
		From:        a.from,
		Subject:     fmt.Sprintf("[CrewDesk] %s job %s exhausted", d.JobType, d.JobID),
		BodyText:    body.String(),
		ReferenceID: d.JobID,
	})
	if err != nil {
		return err
	}
	a.logger.InfoContext(ctx, "exhausted job alert sent", "job_id", d.JobID, "provider_msg_id", msgID)
	return nil
}
