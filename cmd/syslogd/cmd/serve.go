package cmd

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/telhawk-systems/telhawk-syslog/internal/bus"
	"github.com/telhawk-systems/telhawk-syslog/internal/classify"
	"github.com/telhawk-systems/telhawk-syslog/internal/config"
	"github.com/telhawk-systems/telhawk-syslog/internal/event"
	"github.com/telhawk-systems/telhawk-syslog/internal/filter"
	"github.com/telhawk-systems/telhawk-syslog/internal/forward"
	"github.com/telhawk-systems/telhawk-syslog/internal/listener"
	"github.com/telhawk-systems/telhawk-syslog/internal/logging"
	"github.com/telhawk-systems/telhawk-syslog/internal/parser"
	"github.com/telhawk-systems/telhawk-syslog/internal/pipeline"
	"github.com/telhawk-systems/telhawk-syslog/internal/ratelimit"
	"github.com/telhawk-systems/telhawk-syslog/internal/repository"
	"github.com/telhawk-systems/telhawk-syslog/internal/retention"
	"github.com/telhawk-systems/telhawk-syslog/internal/server"
	"github.com/telhawk-systems/telhawk-syslog/internal/source"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the syslog collector",
	RunE: func(cmd *cobra.Command, args []string) error {
		return serve()
	},
}

// reloader re-applies rules, targets and classifier signatures.
type reloader struct {
	repo       repository.Repository
	engine     *filter.Engine
	forwarder  *forward.Forwarder
	classifier *classify.Classifier
	sigFile    string
}

// Reload loads the active rule and target sets and swaps them in, and
// re-reads the signature file when one is configured. A load or
// validation error leaves the previous configuration active. Rule match
// counters are flushed to the repository first so the persisted stats
// survive the swap.
func (r *reloader) Reload(ctx context.Context) error {
	if r.sigFile != "" {
		sigs, err := classify.LoadFile(r.sigFile)
		if err != nil {
			return fmt.Errorf("load signatures: %w", err)
		}
		r.classifier.Reload(sigs)
	}

	r.flushRuleStats(ctx)

	rules, err := r.repo.ListActiveRules(ctx)
	if err != nil {
		return fmt.Errorf("load rules: %w", err)
	}
	if err := r.engine.Reload(rules); err != nil {
		return fmt.Errorf("apply rules: %w", err)
	}

	targets, err := r.repo.ListActiveTargets(ctx)
	if err != nil {
		return fmt.Errorf("load targets: %w", err)
	}
	if err := r.forwarder.Reload(targets); err != nil {
		return fmt.Errorf("apply targets: %w", err)
	}
	return nil
}

// flushRuleStats persists the current match counters. Best-effort: a
// write failure never blocks the reload.
func (r *reloader) flushRuleStats(ctx context.Context) {
	for _, rule := range r.engine.Rules() {
		count := rule.MatchCount()
		if count == 0 {
			continue
		}
		if err := r.repo.UpdateRuleStats(ctx, rule.ID, count, rule.LastMatchAt()); err != nil {
			slog.Warn("Failed to persist rule stats",
				logging.RuleID(rule.ID), logging.Error(err))
		}
	}
}

// logAlerter is the alert side-channel: structured log plus, when the
// live bus is up, a publish on the alert subject.
type logAlerter struct {
	logger *logging.Logger
	bus    *bus.Publisher
}

func (a *logAlerter) Alert(ctx context.Context, ev *event.Event, rule *filter.Rule, message string) {
	if message == "" {
		message = "filter rule alert"
	}
	a.logger.Warn(message,
		logging.RuleID(rule.ID),
		logging.EventID(ev.ID),
		logging.Source(ev.SourceAddress),
		slog.Int("severity", ev.Severity),
	)
	if a.bus != nil {
		a.bus.Publish(ctx, ev)
	}
}

func serve() error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	logger := logging.New(
		logging.ParseLevel(cfg.Logging.Level),
		cfg.Logging.Format,
	).With(slog.String("service", "syslogd"))
	logging.SetDefault(logger)

	slog.Info("Starting syslog collector",
		slog.String("udp_addr", cfg.Intake.UDPAddr),
		slog.Int("admin_port", cfg.Server.Port),
		slog.String("log_level", cfg.Logging.Level),
	)

	rootCtx, rootCancel := context.WithCancel(context.Background())
	defer rootCancel()

	// Classifier signatures
	sigs := classify.DefaultSignatures()
	if cfg.Classifier.SignatureFile != "" {
		sigs, err = classify.LoadFile(cfg.Classifier.SignatureFile)
		if err != nil {
			log.Fatalf("Failed to load classifier signatures: %v", err)
		}
		slog.Info("Loaded classifier signatures",
			slog.String("file", cfg.Classifier.SignatureFile),
			slog.Int("count", len(sigs)))
	}
	classifier := classify.New(sigs)

	// Repository (configuration persistence)
	var repo repository.Repository
	if cfg.Database.Enabled {
		slog.Info("Running database migrations")
		if err := repository.RunMigrations(cfg.Database.MigrationsURL, cfg.Database.URL); err != nil {
			log.Fatalf("Failed to run migrations: %v", err)
		}
		pg, err := repository.NewPostgres(rootCtx, cfg.Database.URL)
		if err != nil {
			log.Fatalf("Failed to connect to PostgreSQL: %v", err)
		}
		defer pg.Close()
		repo = pg
	} else {
		slog.Info("Database disabled, running with static configuration")
	}

	// Retention policy: the persisted record wins over config defaults.
	policy := retention.Policy{
		MaxSizeBytes:            cfg.Retention.MaxSizeBytes,
		RetentionDays:           cfg.Retention.RetentionDays,
		CleanupThresholdPercent: cfg.Retention.CleanupThresholdPercent,
		SweepInterval:           cfg.Retention.SweepInterval,
	}
	if repo != nil {
		stored, err := repo.GetRetentionPolicy(rootCtx)
		switch {
		case err == nil:
			policy = stored
		case errors.Is(err, repository.ErrPolicyNotFound):
			if err := repo.UpdateRetentionPolicy(rootCtx, policy); err != nil {
				slog.Warn("Failed to seed retention policy", logging.Error(err))
			}
		default:
			log.Fatalf("Failed to load retention policy: %v", err)
		}
	}

	// Retention backend
	var storeOpts []retention.Option
	switch cfg.Retention.Backend {
	case "postgres":
		if repo == nil {
			log.Fatalf("Retention backend postgres requires database.enabled")
		}
		storeOpts = append(storeOpts, retention.WithBackend(retention.NewPostgresBackend(repo.Pool())))
		slog.Info("Retention backend: postgres")
	case "opensearch":
		backend, err := retention.NewOpenSearchBackend(retention.OpenSearchConfig{
			URL:           cfg.Retention.OpenSearchURL,
			Username:      cfg.Retention.OpenSearchUsername,
			Password:      cfg.Retention.OpenSearchPassword,
			TLSSkipVerify: cfg.Retention.OpenSearchTLSSkipVerify,
			IndexPrefix:   cfg.Retention.OpenSearchIndexPrefix,
		})
		if err != nil {
			log.Fatalf("Failed to initialize OpenSearch backend: %v", err)
		}
		storeOpts = append(storeOpts, retention.WithBackend(backend))
		slog.Info("Retention backend: opensearch", slog.String("url", cfg.Retention.OpenSearchURL))
	case "", "none":
		slog.Info("Retention backend: in-memory only")
	default:
		log.Fatalf("Unknown retention backend: %s", cfg.Retention.Backend)
	}

	store, err := retention.New(policy, logger, storeOpts...)
	if err != nil {
		log.Fatalf("Failed to create retention store: %v", err)
	}
	go store.Run(rootCtx)

	// Live event bus
	var publisher *bus.Publisher
	if cfg.Bus.Enabled {
		publisher, err = bus.Connect(bus.Config{
			URL:       cfg.Bus.URL,
			Subject:   cfg.Bus.Subject,
			QueueSize: cfg.Bus.QueueSize,
		}, logger)
		if err != nil {
			// Best-effort channel: a dead bus never stops ingestion.
			slog.Warn("Live event bus unavailable, continuing without it", logging.Error(err))
		} else {
			slog.Info("Live event bus connected", slog.String("url", cfg.Bus.URL))
		}
	}

	// Forwarder and filter engine
	forwarder := forward.New(logger)
	alerter := &logAlerter{logger: logger.With(logging.Component("alert")), bus: publisher}
	engine := filter.NewEngine(alerter, forwarder, logger)

	var cfgReloader *reloader
	if repo != nil {
		r := &reloader{
			repo:       repo,
			engine:     engine,
			forwarder:  forwarder,
			classifier: classifier,
			sigFile:    cfg.Classifier.SignatureFile,
		}
		cfgReloader = r
		if err := r.Reload(rootCtx); err != nil {
			log.Fatalf("Failed to load initial configuration: %v", err)
		}
		go func() {
			ticker := time.NewTicker(cfg.Database.ReloadEvery)
			defer ticker.Stop()
			for {
				select {
				case <-rootCtx.Done():
					return
				case <-ticker.C:
					if err := r.Reload(rootCtx); err != nil {
						slog.Warn("Configuration reload failed, keeping previous", logging.Error(err))
					}
				}
			}
		}()
	}
	forwarder.Start(rootCtx)

	// Source tracker
	tracker := source.NewTracker(logger)
	if repo != nil {
		go tracker.FlushLoop(rootCtx, repo, cfg.Database.SourceFlush)
	}

	// Pipeline
	var busPublisher pipeline.EventPublisher
	if publisher != nil {
		busPublisher = publisher
	}
	pipe := pipeline.New(pipeline.Config{
		ParseQueueSize:  cfg.Intake.ParseQueueSize,
		StoreQueueSize:  cfg.Intake.StoreQueueSize,
		FilterQueueSize: cfg.Intake.FilterQueueSize,
		TagBeforeStore:  cfg.Intake.TagBeforeStore,
	}, parser.New(), classifier, store, engine, busPublisher, tracker, logger)
	pipe.Run(rootCtx)

	// Rate limiter for stream intake
	var limiter ratelimit.Limiter = ratelimit.NoOp{}
	if cfg.Redis.Enabled {
		rl, err := ratelimit.NewRedis(cfg.Redis.URL, cfg.Redis.RateLimitRequests, cfg.Redis.RateLimitWindow)
		if err != nil {
			slog.Warn("Rate limiter unavailable, continuing without it", logging.Error(err))
		} else {
			limiter = rl
			slog.Info("Rate limiting enabled",
				slog.Int("requests", cfg.Redis.RateLimitRequests),
				slog.Duration("window", cfg.Redis.RateLimitWindow))
		}
	}
	defer limiter.Close()

	// Intake listeners. A bind failure is startup-fatal.
	listenerErrs := make(chan error, 3)
	udp := listener.NewUDP(cfg.Intake.UDPAddr, pipe.Sink("udp"), logger)
	go func() { listenerErrs <- udp.Run(rootCtx) }()

	if cfg.Intake.TCPEnabled {
		tcp := listener.NewTCP(listener.TCPConfig{
			Addr:        cfg.Intake.TCPAddr,
			ReadTimeout: cfg.Intake.ReadTimeout,
		}, pipe.Sink("tcp"), limiter, logger)
		go func() { listenerErrs <- tcp.Run(rootCtx) }()
	}
	if cfg.Intake.TLSEnabled {
		cert, err := tls.LoadX509KeyPair(cfg.Intake.TLSCertFile, cfg.Intake.TLSKeyFile)
		if err != nil {
			log.Fatalf("Failed to load intake TLS material: %v", err)
		}
		tlsListener := listener.NewTCP(listener.TCPConfig{
			Addr:        cfg.Intake.TLSAddr,
			TLS:         &tls.Config{Certificates: []tls.Certificate{cert}},
			ReadTimeout: cfg.Intake.ReadTimeout,
		}, pipe.Sink("tls"), limiter, logger)
		go func() { listenerErrs <- tlsListener.Run(rootCtx) }()
	}

	// Admin/observability server
	handler := server.NewHandler(pipe, store, engine, forwarder, tracker, adminReloader(cfgReloader), logger)
	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      server.NewRouter(handler),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}
	go func() {
		slog.Info("Admin endpoint listening", slog.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Admin server error: %v", err)
		}
	}()

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-quit:
		slog.Info("Shutdown signal received")
	case err := <-listenerErrs:
		if err != nil {
			log.Fatalf("Listener error: %v", err)
		}
		slog.Info("Listener stopped")
	}

	// Stop intake first, then drain each stage within its grace period.
	rootCancel()
	pipe.Shutdown(cfg.Forwarding.ShutdownGrace)
	forwarder.Stop(cfg.Forwarding.ShutdownGrace)
	if publisher != nil {
		publisher.Close()
	}
	if cfgReloader != nil {
		// Final counter flush; rootCtx is cancelled by now.
		flushCtx, flushCancel := context.WithTimeout(context.Background(), 5*time.Second)
		cfgReloader.flushRuleStats(flushCtx)
		flushCancel()
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.WriteTimeout)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Warn("Admin server forced shutdown", logging.Error(err))
	}

	slog.Info("Collector stopped")
	return nil
}

// adminReloader converts the typed nil into a nil interface so the
// handler can detect an absent reload hook.
func adminReloader(r *reloader) server.Reloader {
	if r == nil {
		return nil
	}
	return r
}
