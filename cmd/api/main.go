// Command api runs the CrewDesk admin API together with the in-process
// workers: the delayed job queue and the SMS quiet-hours queue. Both poll
// Postgres, so any number of replicas can run side by side.
//
// SIGINT or SIGTERM stops intake, lets in-flight cycles and event handlers
// finish within SHUTDOWN_TIMEOUT and exits.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"crewdesk/internal/api/handlers"
	"crewdesk/internal/cache"
	"crewdesk/internal/config"
	"crewdesk/internal/core"
	"crewdesk/internal/db"
	"crewdesk/internal/events"
	"crewdesk/internal/external"
	"crewdesk/internal/followups"
	"crewdesk/internal/jobqueue"
	notifcore "crewdesk/internal/notifications/core"
	"crewdesk/internal/queue"
	"crewdesk/internal/reminders"
	"crewdesk/internal/sms"
	"crewdesk/internal/smsqueue"
	"crewdesk/internal/types"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var provider config.SecretProvider
	if os.Getenv("APP_ENV") != "local" {
		provider = config.NewSSMProvider(os.Getenv("AWS_REGION"))
	}
	cfg, err := config.LoadConfig(provider)
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}

	logger := newLogger(cfg.LogLevel).With("service", cfg.Service)
	logger.Info("crewdesk api starting",
		"environment", cfg.Environment,
		"version", cfg.Build.Version,
		"commit", cfg.Build.Commit,
		"port", cfg.Server.Port,
		"workers_enabled", cfg.Queue.WorkersEnabled,
	)

	a, err := build(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.close()
	return a.serve(ctx)
}

// app holds the wired process.
type app struct {
	cfg    *config.Config
	logger *slog.Logger

	pool  *pgxpool.Pool
	redis *redis.Client
	bus   *events.Bus
	jobs  *jobqueue.Queue
	sms   *smsqueue.Queue
	http  *http.Server
}

func build(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*app, error) {
	pool, err := db.NewPool(ctx, cfg.Database.URL.Unmask(), db.PoolOptions{
		MaxConns:          int32(cfg.Database.MaxConns),
		MinConns:          int32(cfg.Database.MinConns),
		MaxConnLifetime:   cfg.Database.MaxConnLifetime,
		HealthCheckPeriod: cfg.Database.HealthCheckPeriod,
	})
	if err != nil {
		return nil, fmt.Errorf("connecting to database: %w", err)
	}
	a := &app{cfg: cfg, logger: logger, pool: pool}

	awsCfg, err := loadAWS(ctx, cfg.AWS)
	if err != nil {
		a.close()
		return nil, fmt.Errorf("loading AWS SDK config: %w", err)
	}

	quietDefaults := types.QuietHours{
		Enabled:  true,
		Start:    cfg.SMS.DefaultQuietStart,
		End:      cfg.SMS.DefaultQuietEnd,
		Timezone: cfg.SMS.DefaultTimezone,
	}
	orgs := db.NewOrganizationRepository(pool, quietDefaults)
	contacts := db.NewContactRepository(pool)
	appointments := db.NewAppointmentRepository(pool)

	var metrics *notifcore.QueueMetrics
	if cfg.Observability.EnableMetrics && cfg.Environment != "local" {
		metrics = notifcore.NewQueueMetrics(cloudwatch.NewFromConfig(awsCfg),
			cfg.Observability.MetricNamespace, types.NewSlogLogger(logger))
	}

	a.bus = events.New(db.NewEventRepository(pool),
		events.WithLogger(logger),
		events.WithHandlerTimeout(cfg.Queue.HandlerTimeout),
	)

	jobOpts := []jobqueue.Option{jobqueue.WithLogger(logger), jobqueue.WithEmitter(a.bus)}
	if metrics != nil {
		jobOpts = append(jobOpts, jobqueue.WithRecorder(metrics))
	}
	a.jobs = jobqueue.New(db.NewJobRepository(pool), jobqueue.Config{
		PollInterval:   cfg.Queue.JobPollInterval,
		BatchSize:      cfg.Queue.JobBatchSize,
		HandlerTimeout: cfg.Queue.HandlerTimeout,
	}, jobOpts...)

	clients, err := external.NewClientRegistry(cfg, logger, external.WithAWSConfig(awsCfg))
	if err != nil {
		a.close()
		return nil, fmt.Errorf("building upstream clients: %w", err)
	}

	var sent *cache.SentCache
	if cfg.Redis.Addr != "" {
		a.redis = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password.Unmask(),
			DB:       cfg.Redis.DB,
		})
		sent = cache.NewSentCache(a.redis, cfg.SMS.SentCacheTTL)
	}

	smsOpts := []sms.Option{sms.WithLogger(logger)}
	if metrics != nil {
		smsOpts = append(smsOpts, sms.WithRecorder(metrics))
	}
	smsSvc, err := sms.New(clients.SMS, orgs, sms.Config{
		FromNumber:     cfg.SMS.TwilioFromNumber,
		DefaultOrgName: cfg.SMS.DefaultOrgName,
	}, smsOpts...)
	if err != nil {
		a.close()
		return nil, fmt.Errorf("building sms service: %w", err)
	}

	queueOpts := []smsqueue.Option{smsqueue.WithLogger(logger)}
	if metrics != nil {
		queueOpts = append(queueOpts, smsqueue.WithRecorder(metrics))
	}
	if sent != nil {
		queueOpts = append(queueOpts, smsqueue.WithSentMarker(sent))
	}
	a.sms = smsqueue.New(db.NewSmsQueueRepository(pool), smsSvc, orgs, smsqueue.Config{
		PollInterval: cfg.Queue.SmsPollInterval,
		BatchSize:    cfg.Queue.SmsBatchSize,
		Defaults:     quietDefaults,
	}, queueOpts...)
	smsSvc.SetDeferrer(a.sms)

	schedOpts := []reminders.Option{reminders.WithLogger(logger)}
	if sent != nil {
		schedOpts = append(schedOpts, reminders.WithSentMarker(sent))
	}
	sched := reminders.New(a.jobs, appointments, contacts, smsSvc, orgs, schedOpts...)
	sched.Register(a.jobs)

	followups.NewReviewRequests(a.jobs, contacts, smsSvc, orgs, a.bus, cfg.Followups.ReviewDelay, logger).Attach(a.bus)
	followups.NewPaymentReminders(a.jobs, contacts, smsSvc, clients.Invoices, cfg.Followups.PaymentReminderWait, nil, logger).Attach(a.bus)
	followups.NewExhaustedAlerter(clients.Email,
		types.SenderIdentity{Name: cfg.Email.FromName, Address: cfg.Email.FromAddress},
		cfg.Email.OperatorEmail, logger).Attach(a.bus)
	queue.NewEventForwarder(sqs.NewFromConfig(awsCfg), cfg.AWS, logger).Attach(a.bus)

	srv, err := core.NewServer(cfg, logger)
	if err != nil {
		a.close()
		return nil, fmt.Errorf("creating server: %w", err)
	}
	srv.HealthProbes = append(srv.HealthProbes, core.PingProbe{Label: "database", Ping: pool.Ping})
	if sent != nil {
		srv.HealthProbes = append(srv.HealthProbes, core.PingProbe{Label: "redis", Ping: sent.Ping})
	}
	srv.AdminRoutes = append(srv.AdminRoutes,
		handlers.NewAppointmentHandler(appointments, sched, a.bus, logger).RegisterRoutes,
		handlers.NewServiceJobHandler(a.bus, srv.Validator, logger).RegisterRoutes,
		handlers.NewInvoiceHandler(a.bus, srv.Validator, logger).RegisterRoutes,
		handlers.NewQueueHandler(a.jobs, a.sms, srv.Validator, logger).RegisterRoutes,
		handlers.NewEventHandler(a.bus, srv.Validator, logger).RegisterRoutes,
	)
	srv.PublicRoutes = append(srv.PublicRoutes,
		handlers.NewStripeWebhookHandler(clients.StripeVerifier, a.bus,
			cfg.Billing.StripeWebhookSecret.Unmask(), logger).RegisterRoutes,
	)
	srv.MountRoutes()

	a.http = &http.Server{
		Addr:              ":" + cfg.Server.Port,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      cfg.Server.RequestTimeout + 5*time.Second,
		IdleTimeout:       120 * time.Second,
	}
	return a, nil
}

func loadAWS(ctx context.Context, c config.AWSConfig) (aws.Config, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(c.Region))
	if err != nil {
		return aws.Config{}, err
	}
	if c.EndpointURL != "" {
		awsCfg.BaseEndpoint = aws.String(c.EndpointURL)
	}
	return awsCfg, nil
}

// serve runs the HTTP server and the workers until ctx is canceled or one of
// them fails.
func (a *app) serve(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		a.logger.Info("HTTP server listening", "addr", a.http.Addr)
		if err := a.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		a.logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.Server.ShutdownTimeout)
		defer cancel()
		if err := a.http.Shutdown(shutdownCtx); err != nil {
			a.logger.Error("HTTP server shutdown error", "error", err)
		}
		return nil
	})

	if a.cfg.Queue.WorkersEnabled {
		g.Go(func() error {
			a.jobs.Start()
			a.sms.Start()
			<-gctx.Done()
			return a.drain()
		})
	}

	err := g.Wait()
	if err == nil || errors.Is(err, context.Canceled) {
		a.logger.Info("crewdesk api stopped")
		return nil
	}
	return err
}

// drain stops both poll loops and waits for in-flight work, including event
// handlers spawned by that work.
func (a *app) drain() error {
	a.jobs.Stop()
	a.sms.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), a.cfg.Server.ShutdownTimeout)
	defer cancel()
	for _, done := range []<-chan struct{}{a.jobs.Done(), a.sms.Done()} {
		select {
		case <-done:
		case <-ctx.Done():
			a.logger.Warn("workers did not stop before the shutdown deadline")
			return nil
		}
	}
	if err := a.bus.Wait(ctx); err != nil {
		a.logger.Warn("event handlers still running at shutdown", "error", err)
	}
	return nil
}

func (a *app) close() {
	if a.redis != nil {
		if err := a.redis.Close(); err != nil {
			a.logger.Error("closing redis client", "error", err)
		}
	}
	if a.pool != nil {
		a.pool.Close()
	}
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
}
