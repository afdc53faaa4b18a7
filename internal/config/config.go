// Package config defines the process configuration for CrewDesk services.
// Configuration is loaded once at startup and is immutable afterwards.
//
// Values are resolved via a priority chain:
//
//	OS Environment (Highest) -> Dotenv File -> AWS SSM Parameter Store (Lowest)
//
// A missing required value or an invalid format fails startup.
package config

import (
	"time"

	"crewdesk/internal/types"
)

// SecretString is an alias for types.SecretString.
type SecretString = types.SecretString

// Config is the top-level configuration struct. Sub-components receive only
// the section they need.
type Config struct {
	Environment string `envconfig:"APP_ENV" validate:"required,oneof=local dev staging prod"`
	Service     string `envconfig:"SERVICE_NAME" default:"crewdesk-api"`
	LogLevel    string `envconfig:"LOG_LEVEL" default:"info" validate:"oneof=debug info warn error"`
	IsTestMode  bool   `envconfig:"IS_TEST_MODE" default:"false"`

	Server        ServerConfig
	Database      DatabaseConfig
	Queue         QueueConfig
	SMS           SMSConfig
	Followups     FollowupConfig
	Billing       BillingConfig
	Email         EmailConfig
	Redis         RedisConfig
	AWS           AWSConfig
	Security      SecurityConfig
	Observability ObservabilityConfig

	// Injected via ldflags, not env.
	Build BuildInfo
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Port            string        `envconfig:"PORT" default:"8080"`
	RequestTimeout  time.Duration `envconfig:"REQUEST_TIMEOUT" default:"29s"`
	ShutdownTimeout time.Duration `envconfig:"SHUTDOWN_TIMEOUT" default:"15s"`
}

// DatabaseConfig holds database connection and pool tuning parameters.
type DatabaseConfig struct {
	URL SecretString `envconfig:"DATABASE_URL" validate:"required"`

	MaxConns          int           `envconfig:"DB_MAX_CONNS" default:"10"`
	MinConns          int           `envconfig:"DB_MIN_CONNS" default:"2"`
	MaxConnLifetime   time.Duration `envconfig:"DB_MAX_CONN_LIFETIME" default:"30m"`
	HealthCheckPeriod time.Duration `envconfig:"DB_HEALTH_CHECK_PERIOD" default:"1m"`
}

// QueueConfig tunes the delayed job queue and the SMS quiet-hours queue.
type QueueConfig struct {
	JobPollInterval   time.Duration `envconfig:"JOB_POLL_INTERVAL" default:"10s" validate:"gt=0"`
	JobBatchSize      int           `envconfig:"JOB_BATCH_SIZE" default:"100" validate:"min=1,max=1000"`
	JobRetentionDays  int           `envconfig:"JOB_RETENTION_DAYS" default:"7" validate:"min=1"`
	HandlerTimeout    time.Duration `envconfig:"JOB_HANDLER_TIMEOUT" default:"2m"`
	SmsPollInterval   time.Duration `envconfig:"SMS_QUEUE_POLL_INTERVAL" default:"60s" validate:"gt=0"`
	SmsBatchSize      int           `envconfig:"SMS_QUEUE_BATCH_SIZE" default:"50" validate:"min=1,max=500"`
	SmsRetentionDays  int           `envconfig:"SMS_QUEUE_RETENTION_DAYS" default:"30" validate:"min=1"`
	EventRetention    time.Duration `envconfig:"EVENT_RETENTION" default:"2160h"`
	EventArchiveBatch int           `envconfig:"EVENT_ARCHIVE_BATCH" default:"1000" validate:"min=1"`
	WorkersEnabled    bool          `envconfig:"QUEUE_WORKERS_ENABLED" default:"true"`
}

// SMSConfig holds Twilio credentials and quiet-hours defaults applied when an
// organization has not configured its own window.
type SMSConfig struct {
	TwilioAccountSID  string        `envconfig:"TWILIO_ACCOUNT_SID" validate:"required"`
	TwilioAuthToken   SecretString  `envconfig:"TWILIO_AUTH_TOKEN" validate:"required"`
	TwilioFromNumber  string        `envconfig:"TWILIO_FROM_NUMBER" validate:"required,e164"`
	DefaultQuietStart string        `envconfig:"SMS_QUIET_HOURS_START" default:"21:00"`
	DefaultQuietEnd   string        `envconfig:"SMS_QUIET_HOURS_END" default:"08:00"`
	DefaultTimezone   string        `envconfig:"SMS_DEFAULT_TIMEZONE" default:"America/New_York"`
	SentCacheTTL      time.Duration `envconfig:"SMS_SENT_CACHE_TTL" default:"72h"`
	DefaultOrgName    string        `envconfig:"SMS_DEFAULT_ORG_NAME" default:"your service team"`
}

// FollowupConfig tunes the review-request and payment-reminder flows.
type FollowupConfig struct {
	ReviewDelay         time.Duration `envconfig:"REVIEW_REQUEST_DELAY" default:"2h"`
	PaymentReminderWait time.Duration `envconfig:"PAYMENT_REMINDER_GRACE" default:"72h"`
}

// BillingConfig holds Stripe credentials.
type BillingConfig struct {
	StripeSecretKey     SecretString `envconfig:"STRIPE_SECRET_KEY" validate:"required"`
	StripeWebhookSecret SecretString `envconfig:"STRIPE_WEBHOOK_SECRET" validate:"required"`
}

// EmailConfig holds SES sender identity and the operator alert inbox.
type EmailConfig struct {
	FromAddress   string `envconfig:"EMAIL_FROM_ADDRESS" default:"alerts@crewdesk.app" validate:"email"`
	FromName      string `envconfig:"EMAIL_FROM_NAME" default:"CrewDesk"`
	OperatorEmail string `envconfig:"OPERATOR_ALERT_EMAIL" validate:"omitempty,email"`
	ConfigSetName string `envconfig:"SES_CONFIGURATION_SET"`
}

// RedisConfig locates the send-idempotency cache. An empty address disables
// the cache.
type RedisConfig struct {
	Addr     string       `envconfig:"REDIS_ADDR"`
	Password SecretString `envconfig:"REDIS_PASSWORD"`
	DB       int          `envconfig:"REDIS_DB" default:"0"`
}

// AWSConfig holds AWS resource identifiers and regional configuration.
type AWSConfig struct {
	Region         string `envconfig:"AWS_REGION" default:"us-east-1"`
	EventStreamURL string `envconfig:"SQS_EVENT_STREAM" validate:"omitempty,url"`
	ArchiveBucket  string `envconfig:"ARCHIVE_BUCKET"`
	EndpointURL    string `envconfig:"AWS_ENDPOINT_URL"`
}

// SecurityConfig holds the operator API key.
type SecurityConfig struct {
	AdminAPIKey SecretString `envconfig:"ADMIN_API_KEY" validate:"required,min=16"`
}

// ObservabilityConfig holds telemetry settings.
type ObservabilityConfig struct {
	MetricNamespace string `envconfig:"METRIC_NAMESPACE" default:"CrewDesk"`
	EnableMetrics   bool   `envconfig:"ENABLE_METRICS" default:"true"`
}

// BuildInfo holds build-time metadata injected via ldflags.
type BuildInfo struct {
	Version   string
	Commit    string
	BuildTime string
}

// ConfigErrorType categorizes configuration loading failures.
type ConfigErrorType string

const (
	ErrMissingEnv    ConfigErrorType = "MISSING_ENV"
	ErrSSMResolution ConfigErrorType = "SSM_FAILURE"
	ErrValidation    ConfigErrorType = "VALIDATION_FAILED"
	ErrParsing       ConfigErrorType = "PARSING_FAILED"
)
