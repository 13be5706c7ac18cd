package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"lantern/internal/database/boltstore"
	"lantern/internal/email"
	"lantern/internal/handlers"
	"lantern/internal/metrics"
	"lantern/internal/moderation"
	"lantern/internal/notify"
	"lantern/internal/oracle"
	"lantern/internal/pipeline"
	"lantern/internal/routing"
	"lantern/internal/tracing"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

func main() {
	// Configure zerolog
	// Set log level from environment (default: info)
	logLevel := os.Getenv("LOG_LEVEL")
	switch logLevel {
	case "debug":
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	case "info", "":
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	case "warn":
		zerolog.SetGlobalLevel(zerolog.WarnLevel)
	case "error":
		zerolog.SetGlobalLevel(zerolog.ErrorLevel)
	default:
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}

	// Use pretty console logging in development, JSON in production
	if os.Getenv("LOG_FORMAT") == "json" {
		log.Logger = zerolog.New(os.Stdout).With().Timestamp().Logger()
	} else {
		log.Logger = log.Output(zerolog.ConsoleWriter{
			Out:        os.Stdout,
			TimeFormat: time.RFC3339,
		})
	}

	log.Info().Msg("Starting Lantern moderation service")

	// Get port from env or use default
	port := os.Getenv("PORT")
	if port == "" {
		port = "18920"
	}

	dataDir := dataDirectory()

	// Primary document store
	dbPath := os.Getenv("LANTERN_DB_PATH")
	if dbPath == "" {
		dbPath = filepath.Join(dataDir, "lantern.db")
	}

	store, err := boltstore.Open(boltstore.Options{
		Path: dbPath,
	})
	if err != nil {
		log.Fatal().Err(err).Str("path", dbPath).Msg("Failed to open database")
	}
	defer store.Close()

	log.Info().Str("path", dbPath).Msg("Database opened")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Tracing is best effort; a missing collector only costs spans
	if tp, err := tracing.Init(ctx); err != nil {
		log.Warn().Err(err).Msg("Tracing disabled")
	} else {
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = tp.Shutdown(shutdownCtx)
		}()
	}

	// Threshold policy, overridable per deployment
	policyCfg := moderation.PolicyConfigFromEnv()
	policy, err := moderation.NewPolicy(policyCfg)
	if err != nil {
		log.Fatal().Err(err).Msg("Invalid policy configuration")
	}
	log.Info().
		Int("needs_review_threshold", policyCfg.NeedsReviewThreshold).
		Int("auto_hide_threshold", policyCfg.AutoHideThreshold).
		Msg("Policy configured")

	// Oracle client is optional; without it content skips AI moderation
	var classifier oracle.Classifier
	if oracleCfg := oracle.DefaultConfig(); oracleCfg.Endpoint != "" {
		client, err := oracle.NewClient(oracleCfg)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to initialize oracle client")
		}
		classifier = client
		log.Info().Str("endpoint", oracleCfg.Endpoint).Msg("Oracle client initialized")
	} else {
		log.Warn().Msg("MODERATION_ORACLE_URL not set, AI moderation disabled")
	}

	// Notification inbox, with a log-only fallback
	var notifier notify.Dispatcher
	inboxPath := os.Getenv("LANTERN_INBOX_PATH")
	if inboxPath == "" {
		inboxPath = filepath.Join(dataDir, "inbox.db")
	}
	inbox, inboxErr := notify.OpenInbox(inboxPath, nil)
	if inboxErr != nil {
		log.Warn().Err(inboxErr).Str("path", inboxPath).Msg("Failed to open notification inbox, falling back to log delivery")
		notifier = notify.LogDispatcher{}
	} else {
		defer inbox.Close()
		notifier = inbox
		log.Info().Str("path", inboxPath).Msg("Notification inbox opened")
	}

	profanity := moderation.NewProfanityFilter(nil, 5*time.Minute)

	engine, err := pipeline.NewEngine(pipeline.EngineConfig{
		Store:     store,
		Policy:    policy,
		Oracle:    classifier,
		Notifier:  notifier,
		Profanity: profanity,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize pipeline engine")
	}

	// Trigger stream consumer, optional for HTTP-only deployments
	var consumer *pipeline.Consumer
	if endpoints := os.Getenv("STREAM_ENDPOINTS"); endpoints != "" {
		consumerCfg := pipeline.DefaultConsumerConfig()
		consumerCfg.Endpoints = strings.Split(endpoints, ",")
		consumer = pipeline.NewConsumer(consumerCfg, engine, store)
		log.Info().Strs("endpoints", consumerCfg.Endpoints).Msg("Stream consumer configured")
	} else {
		log.Warn().Msg("STREAM_ENDPOINTS not set, stream consumption disabled")
	}

	// Periodic gauge collection for the admin dashboards
	metrics.StartCollector(ctx, metrics.StatsSource{
		PendingReports:  func() int { return store.CountPendingReports(ctx) },
		HiddenPosts:     func() int { return store.CountHiddenPosts(ctx) },
		BlockedIPs:      func() int { return store.CountBlockedIPs(ctx) },
		SuspendedGuests: func() int { return store.CountSuspendedGuests(ctx) },
		ConsumerConnected: func() bool {
			return consumer != nil && consumer.IsConnected()
		},
	}, 30*time.Second)

	adminToken := os.Getenv("ADMIN_TOKEN")
	if adminToken == "" {
		log.Warn().Msg("ADMIN_TOKEN not set, admin surface disabled")
	}

	h := handlers.NewHandler(store, engine, handlers.Config{
		AdminToken: adminToken,
	})
	if inboxErr == nil {
		h.SetInbox(inbox)
	}
	if consumer != nil {
		h.SetConsumer(consumer)
	}

	// Admin escalation mail is optional
	if emailCfg := email.ConfigFromEnv(); emailCfg.Host != "" {
		h.SetAlerts(email.NewSender(emailCfg))
		log.Info().Str("host", emailCfg.Host).Msg("Escalation email configured")
	}

	handler := routing.SetupRouter(routing.Config{
		Handlers: h,
		Logger:   log.Logger,
	})

	server := &http.Server{
		Addr:              "0.0.0.0:" + port,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gCtx := errgroup.WithContext(ctx)

	g.Go(func() error {
		log.Info().
			Str("address", server.Addr).
			Str("database", dbPath).
			Msg("Starting HTTP server")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	if consumer != nil {
		consumer.Start(gCtx)
	}

	g.Go(func() error {
		<-gCtx.Done()

		log.Info().Msg("Shutting down")
		if consumer != nil {
			consumer.Stop()
		}

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		log.Fatal().Err(err).Msg("Server exited with error")
	}
	log.Info().Msg("Shutdown complete")
}

// dataDirectory resolves the default on-disk location for databases,
// preferring XDG conventions.
func dataDirectory() string {
	dataDir := os.Getenv("XDG_DATA_HOME")
	if dataDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to get home directory")
		}
		dataDir = filepath.Join(home, ".local", "share")
	}
	return filepath.Join(dataDir, "lantern")
}
