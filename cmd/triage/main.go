package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/carebridge/triage/internal/ai"
	"github.com/carebridge/triage/internal/alert"
	"github.com/carebridge/triage/internal/attribution"
	"github.com/carebridge/triage/internal/audit"
	"github.com/carebridge/triage/internal/confidence"
	"github.com/carebridge/triage/internal/datum"
	"github.com/carebridge/triage/internal/emr"
	"github.com/carebridge/triage/internal/escalation"
	"github.com/carebridge/triage/internal/gateway"
	"github.com/carebridge/triage/internal/ingest/mqttingest"
	"github.com/carebridge/triage/internal/shared/auth"
	"github.com/carebridge/triage/internal/shared/config"
	"github.com/carebridge/triage/internal/shared/database"
	"github.com/carebridge/triage/internal/shared/events"
	"github.com/carebridge/triage/internal/shared/logging"
	"github.com/carebridge/triage/internal/shared/metrics"
	secmiddleware "github.com/carebridge/triage/internal/shared/middleware"
	"github.com/carebridge/triage/internal/triage"
)

const emrSyncInterval = 15 * time.Minute

// App holds the long-lived application dependencies
type App struct {
	Config *config.Config
	Log    *zap.Logger
	DB     *database.DB
	Bus    *events.Bus
	Dedupe *triage.Deduper
}

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	log, err := logging.New(cfg.Log)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to init logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	app := &App{Config: cfg, Log: log}

	db, err := database.New(ctx, cfg.Database)
	if err != nil {
		log.Fatal("database unavailable", zap.Error(err))
	}
	app.DB = db
	defer db.Close()

	if err := database.Migrate(ctx, db.Pool); err != nil {
		log.Fatal("migration failed", zap.Error(err))
	}

	// Event publisher is optional; the engine degrades to store-only
	var publisher events.Publisher
	if cfg.EventStore.Enabled {
		bus, err := events.NewBus(ctx, cfg.EventStore)
		if err != nil {
			log.Warn("event store unavailable, running store-only", zap.Error(err))
		} else {
			app.Bus = bus
			publisher = bus
			defer bus.Close()
		}
	}

	// Audit chain
	auditRepo := audit.NewPostgresRepository(db.Pool)
	if err := auditRepo.Initialize(ctx); err != nil {
		log.Fatal("audit initialization failed", zap.Error(err))
	}
	auditor := audit.NewLogger(auditRepo, log)

	// Clinical data and alerts
	datumRepo := datum.NewPostgresRepository(db.Pool)
	dataSvc := datum.NewService(datumRepo, auditor, publisher, log)

	alertRepo := alert.NewPostgresRepository(db.Pool)
	alertSvc := alert.NewService(alertRepo, auditor, publisher, log, cfg.Triage)

	// Triage pipeline
	detector, err := escalation.NewDetector()
	if err != nil {
		log.Fatal("failed to load escalation keywords", zap.Error(err))
	}
	log.Info("escalation keyword set loaded", zap.String("version", detector.Version()))

	app.Dedupe = triage.NewDeduper(cfg.Redis)
	defer app.Dedupe.Close()

	gatewayClient := gateway.NewClient(cfg.Gateway)
	aiClient := ai.NewClient(cfg.AI)

	triageSvc := triage.NewService(
		app.Dedupe,
		detector,
		confidence.NewEstimator(),
		dataSvc,
		alertSvc,
		gatewayClient,
		aiClient,
		log,
		cfg.Triage,
	)

	// EMR import loop
	if cfg.EMR.Enabled {
		importer, err := emr.NewImporter(cfg.EMR, dataSvc, auditor, log)
		if err != nil {
			log.Error("EMR importer unavailable", zap.Error(err))
		} else {
			defer importer.Close()
			go importer.Run(ctx, emrSyncInterval)
			log.Info("EMR import enabled", zap.Duration("interval", emrSyncInterval))
		}
	}

	// Device vitals feed
	if cfg.MQTT.Enabled {
		subscriber := mqttingest.NewSubscriber(cfg.MQTT, dataSvc, alertSvc, auditor, log)
		if err := subscriber.Start(ctx); err != nil {
			log.Error("device vitals subscriber failed to start", zap.Error(err))
		} else {
			defer subscriber.Stop()
		}
	}

	r := chi.NewRouter()

	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Recoverer)
	r.Use(chimiddleware.Timeout(60 * time.Second))
	r.Use(secmiddleware.SecurityHeaders)
	r.Use(secmiddleware.RateLimiter(100, 200))
	r.Use(metrics.Middleware)

	r.Get("/health", healthHandler)
	r.Get("/ready", readyHandler(app))
	r.Handle("/metrics", metrics.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(auth.Middleware(cfg.Auth))

		datumHandler := datum.NewHandler(dataSvc, attribution.Format)
		r.Mount("/data", datumHandler.Routes())

		alertHandler := alert.NewHandler(alertSvc)
		r.Mount("/alerts", alertHandler.Routes())
		r.Mount("/patients", alertHandler.PatientRoutes())

		auditHandler := audit.NewHandler(auditRepo)
		r.Mount("/audit", auditHandler.Routes())

		triageHandler := triage.NewHandler(triageSvc)
		r.Mount("/inbound", triageHandler.Routes())
	})

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	done := make(chan bool)
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-quit
		log.Info("shutting down")
		cancel()

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer shutdownCancel()

		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error("server shutdown error", zap.Error(err))
		}
		close(done)
	}()

	log.Info("clinical triage engine listening",
		zap.Int("port", cfg.Server.Port),
		zap.String("env", cfg.Server.Env),
		zap.Duration("lock_window", cfg.Triage.LockWindow),
		zap.Int("lock_threshold", cfg.Triage.LockThreshold))

	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatal("server error", zap.Error(err))
	}

	<-done
	log.Info("server stopped")
}

func healthHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(map[string]string{"status": "healthy"})
}

func readyHandler(app *App) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		checks := map[string]string{
			"server": "ready",
		}

		if err := app.DB.Health(r.Context()); err != nil {
			checks["database"] = "not ready: " + err.Error()
		} else {
			checks["database"] = "ready"
		}

		if err := app.Dedupe.Health(r.Context()); err != nil {
			checks["redis"] = "not ready: " + err.Error()
		} else {
			checks["redis"] = "ready"
		}

		if app.Bus != nil {
			if err := app.Bus.Health(); err != nil {
				checks["eventstore"] = "not ready: " + err.Error()
			} else {
				checks["eventstore"] = "ready"
			}
		} else {
			checks["eventstore"] = "not configured"
		}

		allReady := true
		for _, status := range checks {
			if status != "ready" && status != "not configured" {
				allReady = false
				break
			}
		}

		status := http.StatusOK
		if !allReady {
			status = http.StatusServiceUnavailable
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		json.NewEncoder(w).Encode(map[string]any{
			"status": map[bool]string{true: "ready", false: "not ready"}[allReady],
			"checks": checks,
		})
	}
}
