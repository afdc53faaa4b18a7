package external

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sesv2"
	sestypes "github.com/aws/aws-sdk-go-v2/service/sesv2/types"

	"crewdesk/internal/types"
)

// SESAPI is the subset of the SES v2 client used by SESClient.
type SESAPI interface {
	SendEmail(ctx context.Context, params *sesv2.SendEmailInput, optFns ...func(*sesv2.Options)) (*sesv2.SendEmailOutput, error)
}

type SESClientConfig struct {
	// ConfigSetName routes bounce and complaint events. Optional.
	ConfigSetName string
	Logger        *slog.Logger
}

// SESClient sends operator alerts through SES v2. The SDK handles signing and
// retries, so it does not go through BaseClient.
type SESClient struct {
	api    SESAPI
	cfgSet string
	logger *slog.Logger
}

func NewSESClient(awsCfg aws.Config, cfg SESClientConfig) *SESClient {
	return NewSESClientWithAPI(sesv2.NewFromConfig(awsCfg), cfg)
}

func NewSESClientWithAPI(api SESAPI, cfg SESClientConfig) *SESClient {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &SESClient{api: api, cfgSet: cfg.ConfigSetName, logger: logger.With("component", "ses")}
}

func (s *SESClient) Send(ctx context.Context, in types.EmailInput) (string, error) {
	out, err := s.api.SendEmail(ctx, s.buildMessage(in))
	if err != nil {
		s.logger.ErrorContext(ctx, "ses send failed", "reference_id", in.ReferenceID, "error", err)
		return "", mapSESError(err)
	}
	return aws.ToString(out.MessageId), nil
}

func (s *SESClient) buildMessage(in types.EmailInput) *sesv2.SendEmailInput {
	from := in.From.Address
	if in.From.Name != "" {
		from = fmt.Sprintf("%s <%s>", in.From.Name, in.From.Address)
	}

	var body sestypes.Body
	if in.BodyText != "" {
		body.Text = utf8Content(in.BodyText)
	}
	if in.BodyHTML != "" {
		body.Html = utf8Content(in.BodyHTML)
	}

	msg := &sesv2.SendEmailInput{
		FromEmailAddress: aws.String(from),
		Destination:      &sestypes.Destination{ToAddresses: []string{in.To}},
		Content: &sestypes.EmailContent{
			Simple: &sestypes.Message{Subject: utf8Content(in.Subject), Body: &body},
		},
	}
	if s.cfgSet != "" {
		msg.ConfigurationSetName = aws.String(s.cfgSet)
	}
	if in.ReferenceID != "" {
		msg.EmailTags = []sestypes.MessageTag{{Name: aws.String("ReferenceID"), Value: aws.String(in.ReferenceID)}}
	}
	return msg
}

func utf8Content(s string) *sestypes.Content {
	return &sestypes.Content{Data: aws.String(s), Charset: aws.String("UTF-8")}
}

// sesErrorCodes maps SES exceptions to error codes. Anything else is
// ErrCodeUpstreamEmailProvider.
var sesErrorCodes = []struct {
	match func(error) bool
	code  types.ErrorCode
	msg   string
}{
	{func(err error) bool { var e *sestypes.MessageRejected; return errors.As(err, &e) }, types.ErrCodeEmailBlocked, "SES rejected message"},
	{func(err error) bool { var e *sestypes.TooManyRequestsException; return errors.As(err, &e) }, types.ErrCodeUpstreamRateLimited, "SES rate limit exceeded"},
	{func(err error) bool { var e *sestypes.SendingPausedException; return errors.As(err, &e) }, types.ErrCodeUpstreamUnavailable, "SES sending paused"},
}

func mapSESError(err error) error {
	for _, m := range sesErrorCodes {
		if m.match(err) {
			return types.NewAppError(m.code, fmt.Sprintf("%s: %v", m.msg, err), err)
		}
	}
	return types.NewAppError(types.ErrCodeUpstreamEmailProvider, fmt.Sprintf("SES error: %v", err), err)
}

var _ EmailProvider = (*SESClient)(nil)
