package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/sync/errgroup"

	"github.com/worklog/guard/internal/archive"
	"github.com/worklog/guard/internal/auth"
	"github.com/worklog/guard/internal/config"
	"github.com/worklog/guard/internal/database"
	"github.com/worklog/guard/internal/email"
	"github.com/worklog/guard/internal/handler"
	"github.com/worklog/guard/internal/logger"
	"github.com/worklog/guard/internal/masking"
	"github.com/worklog/guard/internal/metrics"
	"github.com/worklog/guard/internal/middleware"
	"github.com/worklog/guard/internal/model"
	"github.com/worklog/guard/internal/repository"
	"github.com/worklog/guard/internal/repository/memory"
	"github.com/worklog/guard/internal/router"
	"github.com/worklog/guard/internal/scheduler"
	"github.com/worklog/guard/internal/service"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	// Initialize logger
	log := logger.New(cfg.Log.Level, cfg.Log.Format)
	log.Info().Str("version", handler.Version).Str("storage", cfg.Storage.Driver).Msg("starting worklog guard")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, log); err != nil {
		log.Fatal().Err(err).Msg("server stopped with error")
	}
	log.Info().Msg("server stopped")
}

// stores is the storage backend selected by configuration
type stores struct {
	audit     service.AuditStore
	alerts    service.AlertStore
	rules     service.RuleStore
	sessions  service.SessionStore
	apiKeys   service.APIKeyStore
	secrets   service.SecretStore
	retention service.RetentionStore
}

func postgresStores(db *database.Postgres) stores {
	return stores{
		audit:     repository.NewAuditRepository(db),
		alerts:    repository.NewAlertRepository(db),
		rules:     repository.NewRuleRepository(db),
		sessions:  repository.NewSessionRepository(db),
		apiKeys:   repository.NewAPIKeyRepository(db),
		secrets:   repository.NewEncryptedDataRepository(db),
		retention: repository.NewRetentionRepository(db),
	}
}

func memoryStores() stores {
	audit := memory.NewAuditStore()
	alerts := memory.NewAlertStore()
	sessions := memory.NewSessionStore()
	return stores{
		audit:     audit,
		alerts:    alerts,
		rules:     memory.NewRuleStore(),
		sessions:  sessions,
		apiKeys:   memory.NewAPIKeyStore(),
		secrets:   memory.NewSecretStore(),
		retention: memory.NewRetentionStore(audit, alerts, sessions),
	}
}

func run(ctx context.Context, cfg *config.Config, log *logger.Logger) error {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	checks := map[string]handler.HealthChecker{}

	var st stores
	switch cfg.Storage.Driver {
	case "postgres":
		db, err := database.NewPostgres(cfg.Database)
		if err != nil {
			return fmt.Errorf("failed to connect to database: %w", err)
		}
		defer db.Close()
		log.Info().Msg("connected to PostgreSQL")
		checks["postgres"] = db
		st = postgresStores(db)
	default:
		log.Warn().Msg("using in-memory storage; data is lost on restart")
		st = memoryStores()
	}

	// Redis backs shared rate-limit counters and pub/sub
	memCounters := memory.NewCounterStore()
	var (
		pub      service.Publisher
		counters service.CounterStore = memCounters
	)
	if cfg.Redis.Enabled {
		rdb, err := database.NewRedis(cfg.Redis)
		if err != nil {
			return fmt.Errorf("failed to connect to Redis: %w", err)
		}
		defer rdb.Close()
		log.Info().Msg("connected to Redis")
		checks["redis"] = rdb
		pub = rdb
		if cfg.Security.RateLimiting.Store == "redis" {
			counters = repository.NewRateLimitRepository(rdb)
			memCounters = nil
		}
	}

	encryptor, err := auth.NewEncryptor(cfg.Security.Encryption)
	if err != nil {
		return fmt.Errorf("failed to initialize encryption: %w", err)
	}
	identity, err := auth.NewIdentityVerifier(cfg.Identity)
	if err != nil {
		return fmt.Errorf("failed to initialize identity verifier: %w", err)
	}

	// Audit trail first; everything else records into it
	masker := masking.New(cfg.Security.Masking)
	fallback := logger.NewFallbackSink(cfg.Audit.FallbackPath, log)
	defer fallback.Close()
	auditSvc := service.NewAuditService(st.audit, masker, fallback, m, cfg.Audit, log)

	limiter := service.NewRateLimitService(counters, auditSvc, m, cfg.Security.RateLimiting, log)

	notifiers, err := buildNotifiers(ctx, cfg, log, pub, masker, limiter)
	if err != nil {
		return err
	}
	monitor := service.NewMonitoringService(st.alerts, st.rules, auditSvc, notifiers, m, cfg.Monitoring, log)
	if err := monitor.LoadRules(ctx, cfg.Monitoring.Rules); err != nil {
		return fmt.Errorf("failed to load monitoring rules: %w", err)
	}
	auditSvc.AddObserver(monitor)
	log.Info().Int("rules", len(monitor.Rules())).Int("notifiers", len(notifiers)).Msg("monitoring initialized")

	sessionSvc := service.NewSessionService(st.sessions, auditSvc, pub, m, cfg.Security.Sessions, log)
	apiKeySvc := service.NewAPIKeyService(st.apiKeys, auditSvc, m, cfg.Security.APIKeys, log)
	secretSvc := service.NewSecretService(st.secrets, encryptor, auditSvc, m, log)

	var archiver service.Archiver
	if cfg.Archive.Enabled {
		s3Archiver, err := archive.NewS3Archiver(cfg.Archive)
		if err != nil {
			return fmt.Errorf("failed to initialize archive: %w", err)
		}
		archiver = s3Archiver
		log.Info().Str("bucket", cfg.Archive.Bucket).Msg("archiving swept rows")
	}
	archivalSvc := service.NewArchivalService(st.retention, archiver, auditSvc, m, cfg.Retention, log)

	// Maintenance jobs
	sched := scheduler.New(log)
	if err := sched.Add("retention", cfg.Retention.Schedule, time.Hour, func(ctx context.Context) error {
		_, err := archivalSvc.PerformCleanup(ctx)
		return err
	}); err != nil {
		return err
	}
	if err := sched.Add("session-cleanup", cfg.Security.Sessions.CleanupSchedule, 5*time.Minute, func(ctx context.Context) error {
		_, err := sessionSvc.CleanupExpiredSessions(ctx)
		return err
	}); err != nil {
		return err
	}
	if memCounters != nil {
		if err := sched.Add("ratelimit-prune", cfg.Security.RateLimiting.PruneSchedule, time.Minute, func(context.Context) error {
			if n := memCounters.Prune(); n > 0 {
				log.Debug().Int("windows", n).Msg("pruned rate-limit windows")
			}
			return nil
		}); err != nil {
			return err
		}
	}

	// HTTP
	mw := middleware.New(log, cfg, auditSvc, limiter, sessionSvc, apiKeySvc)
	h := handler.New(log, cfg, mw, handler.Services{
		Audit:      auditSvc,
		Monitoring: monitor,
		Sessions:   sessionSvc,
		APIKeys:    apiKeySvc,
		Secrets:    secretSvc,
		Identity:   identity,
	}, checks)

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      router.New(h, mw, reg),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		log.Info().Str("addr", addr).Bool("tls", cfg.Server.TLS.Enabled).Msg("HTTP server listening")
		var err error
		if cfg.Server.TLS.Enabled {
			err = srv.ListenAndServeTLS(cfg.Server.TLS.CertFile, cfg.Server.TLS.KeyFile)
		} else {
			err = srv.ListenAndServe()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("HTTP server error: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		sched.Start(gctx)
		<-gctx.Done()

		log.Info().Msg("shutting down server...")

		// Graceful shutdown with timeout
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		var errs []error
		if err := srv.Shutdown(shutdownCtx); err != nil {
			errs = append(errs, fmt.Errorf("server forced to shutdown: %w", err))
		}
		if err := sched.Stop(shutdownCtx); err != nil {
			errs = append(errs, err)
		}
		// Last: requests and jobs above may still record entries
		if err := auditSvc.Close(shutdownCtx); err != nil {
			errs = append(errs, err)
		}
		if err := monitor.Close(shutdownCtx); err != nil {
			errs = append(errs, err)
		}
		return errors.Join(errs...)
	})

	return g.Wait()
}

// buildNotifiers assembles the alert delivery channels that are configured
func buildNotifiers(ctx context.Context, cfg *config.Config, log *logger.Logger, pub service.Publisher, masker *masking.Masker, limiter masking.Limiter) ([]service.AlertNotifier, error) {
	notifiers := []service.AlertNotifier{service.NewLogNotifier(log)}

	if pub != nil {
		notifiers = append(notifiers, service.NewPubSubNotifier(pub))
	}

	if len(cfg.Monitoring.NotifyEmails) > 0 {
		g := cfg.Email.Gmail
		sender, err := email.NewSenderFromConfig(ctx, cfg.Email.Provider, email.GmailConfig{
			CredentialsJSON: g.CredentialsJSON,
			SenderAddress:   g.SenderAddress,
			SenderName:      g.SenderName,
		}, g.ClientID, g.ClientSecret, g.RefreshToken)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize email sender: %w", err)
		}
		if sender != nil {
			notifiers = append(notifiers, service.NewEmailNotifier(sender, cfg.Monitoring.NotifyEmails,
				cfg.Email.AppName, model.Severity(cfg.Monitoring.EmailMinSeverity)))
		} else {
			log.Warn().Msg("monitoring.notify_emails is set but email.provider is empty; alert e-mails disabled")
		}
	}

	if cfg.Monitoring.WebhookURL != "" {
		client := masking.NewOutboundClient(masker, limiter, 10*time.Second)
		notifiers = append(notifiers, service.NewWebhookNotifier(client, cfg.Monitoring.WebhookURL, cfg.Monitoring.WebhookToken))
	}

	return notifiers, nil
}
