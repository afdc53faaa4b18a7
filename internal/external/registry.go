package external

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"

	"crewdesk/internal/config"
)

// ClientRegistry holds every vendor client. It is the single point of access
// for the rest of the application to third-party services.
type ClientRegistry struct {
	SMS            SMSProvider
	Invoices       InvoiceLookup
	Email          EmailProvider
	StripeVerifier WebhookVerifier
}

type RegistryOption func(*registryConfig)

type registryConfig struct {
	awsCfg *aws.Config
}

// WithAWSConfig provides the AWS config the SES client is built from. Without
// it the registry falls back to the stub email provider.
func WithAWSConfig(cfg aws.Config) RegistryOption {
	return func(rc *registryConfig) { rc.awsCfg = &cfg }
}

// NewClientRegistry returns stubs when cfg.IsTestMode is set or the
// environment is "local", and real clients with per-vendor timeouts
// otherwise.
func NewClientRegistry(cfg *config.Config, logger *slog.Logger, opts ...RegistryOption) (*ClientRegistry, error) {
	if logger == nil {
		logger = slog.Default()
	}
	rc := &registryConfig{}
	for _, opt := range opts {
		opt(rc)
	}

	if cfg.IsTestMode || cfg.Environment == "local" {
		logger.Info("initializing external clients in STUB mode",
			"is_test_mode", cfg.IsTestMode,
			"environment", cfg.Environment,
		)
		return newStubRegistry(logger), nil
	}

	logger.Info("initializing external clients in PRODUCTION mode", "environment", cfg.Environment)
	return newProductionRegistry(cfg, logger, rc), nil
}

func newStubRegistry(logger *slog.Logger) *ClientRegistry {
	stubLogger := logger.With("mode", "stub")
	return &ClientRegistry{
		SMS:            NewStubSMSProvider(stubLogger),
		Invoices:       NewStubInvoiceLookup(stubLogger),
		Email:          NewStubEmailProvider(stubLogger),
		StripeVerifier: NewStubWebhookVerifier(stubLogger),
	}
}

func newProductionRegistry(cfg *config.Config, logger *slog.Logger, rc *registryConfig) *ClientRegistry {
	reg := &ClientRegistry{
		SMS: NewTwilioClient(&http.Client{Timeout: 10 * time.Second}, TwilioClientConfig{
			AccountSID: cfg.SMS.TwilioAccountSID,
			AuthToken:  cfg.SMS.TwilioAuthToken.Unmask(),
			Logger:     logger.With("client", "twilio"),
		}),
		Invoices: NewStripeClient(&http.Client{Timeout: 20 * time.Second}, StripeClientConfig{
			SecretKey: cfg.Billing.StripeSecretKey.Unmask(),
			Logger:    logger.With("client", "stripe"),
		}),
		StripeVerifier: &StripeVerifier{},
	}

	if rc.awsCfg != nil {
		reg.Email = NewSESClient(*rc.awsCfg, SESClientConfig{
			ConfigSetName: cfg.Email.ConfigSetName,
			Logger:        logger.With("client", "ses"),
		})
	} else {
		logger.Warn("no AWS config supplied; email alerts use the stub provider")
		reg.Email = NewStubEmailProvider(logger.With("mode", "stub"))
	}
	return reg
}
