package main

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"opalsync/features/audit"
	"opalsync/features/graph"
	"opalsync/features/ingest"
	"opalsync/features/stats"
	"opalsync/internal/adapter/gemini"
	"opalsync/internal/config"
	"opalsync/internal/depgraph"
	"opalsync/internal/enhance"
	"opalsync/internal/logger"
	"opalsync/internal/middleware"
	"opalsync/internal/security"
	"opalsync/internal/stream"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	_ "github.com/lib/pq"
	"github.com/nsqio/go-nsq"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func main() {
	// Initialize structured logger with correlation id propagation
	base := slog.NewJSONHandler(os.Stdout, nil)
	slog.SetDefault(slog.New(logger.NewContextHandler(base)))

	// 1. Load Config
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	// 2. Database Connection
	dsn := fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=disable",
		cfg.DBHost, cfg.DBPort, cfg.DBUser, cfg.DBPass, cfg.DBName)

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		slog.Error("failed to open db connection", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	retryDelay := time.Duration(cfg.BootstrapRetryDelaySeconds) * time.Second
	for i := 0; i < cfg.BootstrapRetryAttempts; i++ {
		if err := db.Ping(); err == nil {
			break
		}
		slog.Warn("failed to ping db, retrying...", "attempt", i+1, "max_attempts", cfg.BootstrapRetryAttempts)
		time.Sleep(retryDelay)
	}
	if err := db.Ping(); err != nil {
		slog.Error("failed to ping db after retries", "error", err)
		os.Exit(1)
	}

	// 3. Run Migrations
	driver, err := postgres.WithInstance(db, &postgres.Config{})
	if err != nil {
		slog.Error("failed to create migration driver", "error", err)
		os.Exit(1)
	}
	m, err := migrate.NewWithDatabaseInstance(cfg.MigrationPath, "postgres", driver)
	if err != nil {
		slog.Error("failed to create migration instance", "error", err)
		os.Exit(1)
	}
	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		slog.Error("failed to run migrations", "error", err)
		os.Exit(1)
	}
	slog.Info("migrations applied successfully")

	// 4. NSQ Producer
	nsqCfg := nsq.NewConfig()
	nsqProducer, err := nsq.NewProducer(cfg.NSQDHost, nsqCfg)
	if err != nil {
		slog.Error("failed to create NSQ producer", "error", err)
		os.Exit(1)
	}
	defer nsqProducer.Stop()

	// NSQ creates topics lazily on publish, but consumers querying lookupd
	// 404 until then. Pre-create them via the nsqd http api.
	go preCreateTopics(cfg.NSQDHTTP,
		config.TopicEventStream, config.TopicMonitoring,
		config.TopicAuditTrail, config.TopicWorkflow)

	// 5. Gemini Client
	if cfg.GeminiAPIKey == "" {
		slog.Warn("GEMINI_API_KEY not set, enhancement calls will fail and fall back")
	}
	aiClient, err := gemini.NewClient(context.Background(), cfg.GeminiAPIKey, cfg.GeminiModel)
	if err != nil {
		slog.Error("failed to create gemini client", "error", err)
		os.Exit(1)
	}
	defer aiClient.Close()

	// 6. Core Services
	validator := security.NewValidator(cfg.WebhookSecret, cfg.RateLimitWindow, cfg.RateLimitMax, cfg.TimestampSkew)

	detector := enhance.NewDetector(cfg.QuantVocabulary())
	engine := enhance.NewEngine(aiClient, detector, cfg.EnhanceMaxAttempts, cfg.EnhanceTimeout, cfg.EnhanceBackoffBase)

	depStore := depgraph.NewPostgresStore(db)
	depGraph := depgraph.NewGraph(depStore)
	if n, err := depGraph.LoadFromStore(context.Background()); err != nil {
		slog.Error("failed to load dependency graph", "error", err)
		os.Exit(1)
	} else {
		slog.Info("dependency graph loaded", "dependencies", n)
	}

	cacheStore := depgraph.NewPostgresCacheStore(db)
	workflowApplier := depgraph.NewTopicWorkflowApplier(nsqProducer, config.TopicWorkflow)
	propagator := depgraph.NewPropagator(depGraph, cacheStore, workflowApplier)
	consistency := depgraph.NewConsistencyValidator(depGraph, cacheStore, cacheStore, cfg.CriticalUnits())

	bus := stream.New(stream.Options{
		WindowSize:      cfg.StreamWindowSize,
		DefaultTTL:      cfg.StreamDefaultTTL,
		PurgeInterval:   cfg.StreamPurgeInterval,
		MetricsInterval: cfg.StreamMetricsInterval,
		MaxSubscribers:  cfg.StreamMaxSubscribers,
		MemoryLimitMB:   cfg.StreamMemoryLimitMB,
	}, nsqProducer)
	bus.Start()
	defer bus.Stop()

	// Feature: Audit
	auditRepo := audit.NewPostgresRepo(db)
	auditHandler := audit.NewHandler(auditRepo)

	// Feature: Ingest
	ingestService := ingest.NewService(validator, engine, propagator, bus, auditRepo, cfg.PropagationTimeout).
		WithAuditMirror(nsqProducer)
	ingestHandler := ingest.NewHandler(ingestService)

	// Feature: Graph Management
	graphHandler := graph.NewHandler(depGraph, consistency)

	// Feature: Stats
	statsHandler := stats.NewHandler(bus, depGraph, auditRepo)

	// Middleware: CORS
	enableCORS := func(next http.HandlerFunc) http.HandlerFunc {
		return func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Access-Control-Allow-Origin", "*")
			w.Header().Set("Access-Control-Allow-Methods", "POST, GET, OPTIONS, PUT, DELETE")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, X-Opal-Signature, X-Opal-Timestamp, X-Correlation-ID, X-Agent-Source")

			if r.Method == "OPTIONS" {
				w.WriteHeader(http.StatusOK)
				return
			}
			next(w, r)
		}
	}

	// Routes
	http.Handle("POST /webhooks/opal", middleware.CorrelationID(enableCORS(ingestHandler.Webhook)))

	http.Handle("POST /dependencies", middleware.CorrelationID(enableCORS(graphHandler.Register)))
	http.Handle("DELETE /dependencies/{id}", middleware.CorrelationID(enableCORS(graphHandler.Deregister)))
	http.Handle("POST /consistency/{unit}", middleware.CorrelationID(enableCORS(graphHandler.ValidateConsistency)))

	http.Handle("GET /audit/{correlation_id}", middleware.CorrelationID(enableCORS(auditHandler.Trail)))

	http.Handle("GET /stream/ws", middleware.CorrelationID(stream.HandleWebSocket(bus)))

	http.Handle("GET /stats", middleware.CorrelationID(enableCORS(statsHandler.Stats)))
	http.HandleFunc("GET /health", statsHandler.Health)
	http.Handle("GET /metrics", promhttp.Handler())

	// 7. Start Server
	addr := fmt.Sprintf(":%d", cfg.ServerPort)
	slog.Info("server starting", "port", cfg.ServerPort)
	if err := http.ListenAndServe(addr, nil); err != nil {
		slog.Error("server failed", "error", err)
		os.Exit(1)
	}
}

// preCreateTopics hits the nsqd http api to create topics before any consumer
// queries lookupd for them.
func preCreateTopics(nsqdHTTP string, topics ...string) {
	// Wait for nsqd to be ready
	time.Sleep(2 * time.Second)

	for _, topic := range topics {
		url := fmt.Sprintf("http://%s/topic/create?topic=%s", nsqdHTTP, topic)
		resp, err := http.Post(url, "application/json", nil)
		if err != nil {
			slog.Warn("failed to pre-create topic", "topic", topic, "error", err)
			continue
		}
		resp.Body.Close()
		if resp.StatusCode == http.StatusOK {
			slog.Info("topic pre-created", "topic", topic)
		}
	}
}
