// Package api wires together all HTTP routes for the audit engine.
//
// Route grouping philosophy:
//   - Event ingestion and per-entity trail/version reads require a valid
//     bearer token (any authenticated service or user).
//   - Cross-entity search, bulk verification, and manual record creation are
//     admin-only: they expose or modify history beyond a single entity.
//   - Health and readiness are public for orchestrator probes.
package api

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jmoiron/sqlx"

	"github.com/contracthub/audit-engine/internal/api/events"
	"github.com/contracthub/audit-engine/internal/api/records"
	"github.com/contracthub/audit-engine/internal/api/versions"
	"github.com/contracthub/audit-engine/internal/archive"
	"github.com/contracthub/audit-engine/internal/auditlog"
	"github.com/contracthub/audit-engine/internal/auth"
	"github.com/contracthub/audit-engine/internal/config"
	"github.com/contracthub/audit-engine/internal/db/repositories"
	"github.com/contracthub/audit-engine/internal/entities"
	"github.com/contracthub/audit-engine/internal/integrity"
	"github.com/contracthub/audit-engine/internal/jobs"
	"github.com/contracthub/audit-engine/internal/middleware"
	"github.com/contracthub/audit-engine/internal/recorder"
	"github.com/contracthub/audit-engine/internal/safego"
	"github.com/contracthub/audit-engine/internal/shipper"
	"github.com/contracthub/audit-engine/internal/versionstore"

	// Import archive backends to register them
	_ "github.com/contracthub/audit-engine/internal/archive/azure"
	_ "github.com/contracthub/audit-engine/internal/archive/gcs"
	_ "github.com/contracthub/audit-engine/internal/archive/local"
	_ "github.com/contracthub/audit-engine/internal/archive/s3"
)

// BackgroundServices holds references to background workers and resources
// that must be stopped during graceful shutdown. The caller (cmd/server) is
// responsible for calling Shutdown() when the process receives a termination
// signal.
type BackgroundServices struct {
	recorder     *recorder.Recorder
	shipper      *shipper.MultiShipper
	sweepJob     *jobs.IntegritySweep
	exportJob    *jobs.ArchiveExport
	rateLimiter  *middleware.RateLimiter
	jobsCancel   context.CancelFunc
	drainTimeout time.Duration
}

// Shutdown stops all background goroutines, draining the recorder queue
// first so queued audit events are not lost. It should be called after the
// HTTP server has been shut down so in-flight requests stop producing events.
func (bg *BackgroundServices) Shutdown() {
	slog.Info("stopping background services")

	ctx, cancel := context.WithTimeout(context.Background(), bg.drainTimeout)
	defer cancel()
	if err := bg.recorder.Close(ctx); err != nil {
		slog.Warn("recorder drain incomplete", "error", err)
	}

	if bg.jobsCancel != nil {
		bg.jobsCancel()
	}
	if bg.sweepJob != nil {
		bg.sweepJob.Stop()
	}
	if bg.exportJob != nil {
		bg.exportJob.Stop()
	}
	if bg.shipper != nil {
		_ = bg.shipper.Close()
	}
	if bg.rateLimiter != nil {
		bg.rateLimiter.Stop()
	}
	slog.Info("all background services stopped")
}

// NewRouter creates and configures the Gin router along with the background
// services attached to it.
func NewRouter(cfg *config.Config, db *sql.DB) (*gin.Engine, *BackgroundServices) {
	router := gin.New()

	// Integrity hasher: raw key when configured, PBKDF2 derivation otherwise
	hasher, err := buildHasher(&cfg.Audit.Integrity)
	if err != nil {
		log.Fatalf("Failed to initialize integrity hasher: %v", err)
	}

	// Repositories
	auditRepo := repositories.NewAuditRepository(db)
	sqlxDB := sqlx.NewDb(db, "postgres")
	versionRepo := repositories.NewVersionRepository(sqlxDB)

	// Entity registry with the built-in contract-management types
	registry := entities.NewRegistry()
	entities.RegisterDefaults(registry)

	// Services
	auditService := auditlog.NewService(auditRepo, hasher)
	versionService := versionstore.NewService(versionRepo, hasher, registry)

	// Shipper fan-out (may be empty when no destinations are configured)
	ship, err := shipper.NewMultiShipper(cfg.Audit.Shippers)
	if err != nil {
		log.Fatalf("Failed to initialize audit shippers: %v", err)
	}

	// Recorder: the async write path. Bound back into the version store so
	// rollbacks can log their audit record through the same redaction path.
	rec := recorder.New(auditService, versionService, registry, ship,
		cfg.Audit.Recorder.QueueSize, cfg.Audit.Recorder.Workers)
	versionService.BindRecorder(rec)

	// Background jobs
	jobsCtx, jobsCancel := context.WithCancel(context.Background())

	var sweepJob *jobs.IntegritySweep
	if cfg.Audit.Sweep.Enabled {
		sweepJob = jobs.NewIntegritySweep(auditService, cfg.Audit.Sweep.IntervalHours, cfg.Audit.Sweep.WindowHours)
		safego.GoNamed("integrity-sweep", func() { sweepJob.Start(jobsCtx) })
	}

	var exportJob *jobs.ArchiveExport
	if cfg.Audit.Archive.Enabled {
		backend, err := archive.New(&cfg.Audit.Archive)
		if err != nil {
			log.Fatalf("Failed to initialize archive backend: %v", err)
		}
		log.Printf("Initialized archive backend: %s", cfg.Audit.Archive.Backend)
		exportJob = jobs.NewArchiveExport(auditRepo, backend, &cfg.Audit.Archive)
		safego.GoNamed("archive-export", func() { exportJob.Start(jobsCtx) })
	}

	// Auth verifier for the API surface
	var verifier *auth.Verifier
	if cfg.Auth.Enabled {
		verifier, err = auth.NewVerifier(cfg.Auth.JWTSecret, cfg.Auth.Issuer)
		if err != nil {
			log.Fatalf("Failed to initialize auth verifier: %v", err)
		}
	}

	rateLimiter := middleware.NewRateLimiter(cfg.Security.RateLimiting)

	// Middleware
	router.Use(gin.Recovery())
	router.Use(middleware.SecurityHeadersMiddleware(middleware.APISecurityHeadersConfig()))
	router.Use(middleware.RequestIDMiddleware())
	router.Use(middleware.MetricsMiddleware())
	router.Use(LoggerMiddleware())
	router.Use(CORSMiddleware(cfg))

	// Health and readiness probes
	router.GET("/health", healthCheckHandler(db))
	router.GET("/ready", readinessHandler(db))
	router.GET("/version", versionHandler())

	// Handlers
	recordsHandler := records.NewHandler(auditService)
	versionsHandler := versions.NewHandler(versionService)
	eventsHandler := events.NewHandler(rec)

	apiV1 := router.Group("/api/v1")
	if cfg.Security.RateLimiting.Enabled {
		apiV1.Use(middleware.RateLimitMiddleware(rateLimiter))
	}
	apiV1.Use(middleware.AuthMiddleware(verifier))
	{
		// Event ingestion (async, fail-open)
		apiV1.POST("/events", eventsHandler.Record)

		// Per-entity audit trail
		apiV1.GET("/trail/:entityType/:entityId", recordsHandler.Trail)
		apiV1.GET("/records/:id", recordsHandler.Get)
		apiV1.GET("/records/:id/verify", recordsHandler.VerifyOne)
		apiV1.GET("/stats", recordsHandler.Stats)

		// Entity version history
		apiV1.GET("/versions/:entityType/:entityId", versionsHandler.History)
		apiV1.GET("/versions/:entityType/:entityId/latest", versionsHandler.Latest)
		apiV1.GET("/version/:id", versionsHandler.Get)
		apiV1.GET("/compare", versionsHandler.Compare)
		apiV1.POST("/version/:id/rollback", versionsHandler.Rollback)

		// Admin-only: cross-entity access and manual writes
		adminGroup := apiV1.Group("/admin")
		adminGroup.Use(middleware.RequireAdmin(cfg.Auth.Enabled))
		{
			adminGroup.GET("/records/search", recordsHandler.Search)
			adminGroup.POST("/records", recordsHandler.Create)
			adminGroup.POST("/records/verify", recordsHandler.VerifyBatch)
			adminGroup.GET("/records/verify-range", recordsHandler.VerifyRange)
		}
	}

	bg := &BackgroundServices{
		recorder:     rec,
		shipper:      ship,
		sweepJob:     sweepJob,
		exportJob:    exportJob,
		rateLimiter:  rateLimiter,
		jobsCancel:   jobsCancel,
		drainTimeout: cfg.Audit.Recorder.ShutdownTimeout,
	}
	if bg.drainTimeout <= 0 {
		bg.drainTimeout = 10 * time.Second
	}

	return router, bg
}

// buildHasher constructs the integrity hasher from configuration
func buildHasher(cfg *config.IntegrityConfig) (*integrity.Hasher, error) {
	if cfg.Key != "" {
		return integrity.NewHasher([]byte(cfg.Key))
	}
	return integrity.DeriveHasher(cfg.Passphrase, []byte(cfg.Salt), cfg.Iterations)
}

// healthCheckHandler returns the health status of the service
func healthCheckHandler(db *sql.DB) gin.HandlerFunc {
	return func(c *gin.Context) {
		if err := db.Ping(); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{
				"status": "unhealthy",
				"error":  "database connection failed",
			})
			return
		}

		c.JSON(http.StatusOK, gin.H{
			"status": "healthy",
			"time":   time.Now().UTC().Format(time.RFC3339),
		})
	}
}

// readinessHandler returns the readiness status of the service. The audit
// engine's only hard dependency is the database; shippers and archive
// backends are fail-open and must not gate traffic.
func readinessHandler(db *sql.DB) gin.HandlerFunc {
	return func(c *gin.Context) {
		checks := gin.H{}

		if err := db.Ping(); err != nil {
			checks["database"] = "unhealthy"
			c.JSON(http.StatusServiceUnavailable, gin.H{
				"ready":  false,
				"checks": checks,
				"error":  "database not ready",
			})
			return
		}
		checks["database"] = "healthy"

		c.JSON(http.StatusOK, gin.H{
			"ready":  true,
			"checks": checks,
			"time":   time.Now().UTC().Format(time.RFC3339),
		})
	}
}

// versionHandler returns the API version
func versionHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"version":     "0.1.0",
			"api_version": "v1",
		})
	}
}

// LoggerMiddleware provides structured request logging
func LoggerMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path
		query := c.Request.URL.RawQuery

		c.Next()

		latency := time.Since(start)
		requestID, _ := c.Get(middleware.RequestIDKey)

		slog.LogAttrs(
			c.Request.Context(),
			slog.LevelInfo,
			"http request",
			slog.String("method", c.Request.Method),
			slog.String("path", path),
			slog.String("query", query),
			slog.Int("status", c.Writer.Status()),
			slog.Int("size", c.Writer.Size()),
			slog.Duration("latency", latency),
			slog.String("ip", c.ClientIP()),
			slog.String("request_id", fmt.Sprintf("%v", requestID)),
			slog.String("user_agent", c.Request.UserAgent()),
		)
	}
}

// CORSMiddleware handles CORS
func CORSMiddleware(cfg *config.Config) gin.HandlerFunc {
	return func(c *gin.Context) {
		origin := c.Request.Header.Get("Origin")

		allowed := false
		for _, allowedOrigin := range cfg.Security.CORS.AllowedOrigins {
			if allowedOrigin == "*" || allowedOrigin == origin {
				allowed = true
				break
			}
		}

		if allowed {
			if origin == "" {
				c.Header("Access-Control-Allow-Origin", "*")
			} else {
				c.Header("Access-Control-Allow-Origin", origin)
			}
			c.Header("Access-Control-Allow-Credentials", "true")
			c.Header("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			c.Header("Access-Control-Allow-Headers", "Origin, Content-Type, Accept, Authorization, X-Requested-With")
			c.Header("Access-Control-Max-Age", "3600")
		}

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}
