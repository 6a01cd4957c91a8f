package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/mmdatafocus/kickback_backend/api"
	"github.com/mmdatafocus/kickback_backend/config"
	"github.com/mmdatafocus/kickback_backend/middlewares"
	"github.com/mmdatafocus/kickback_backend/models"
	"github.com/mmdatafocus/kickback_backend/utils"
	"github.com/mmdatafocus/kickback_backend/webhooks"
	"github.com/mmdatafocus/kickback_backend/workflow"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
)

const (
	defaultPort     = "8080"
	shutdownTimeout = 30 * time.Second
)

func listenPort() string {
	for _, key := range []string{"API_PORT", "PORT"} {
		if v := strings.TrimSpace(os.Getenv(key)); v != "" {
			return v
		}
	}
	return defaultPort
}

// In production only CORS_ALLOWED_ORIGINS may call the API; elsewhere any origin can.
func corsConfig() cors.Config {
	cfg := cors.DefaultConfig()
	if config.IsProduction() {
		cfg.AllowOrigins = utils.SplitAndTrim(os.Getenv("CORS_ALLOWED_ORIGINS"))
		if len(cfg.AllowOrigins) == 0 {
			// cors.New rejects a config with no origin source at all.
			cfg.AllowOriginFunc = func(string) bool { return false }
		}
	} else {
		cfg.AllowAllOrigins = true
	}
	cfg.AddAllowMethods("GET", "POST", "PUT", "DELETE", "OPTIONS")
	cfg.AddAllowHeaders("token", "Origin", "Content-Type", "Authorization", middlewares.OpsKeyHeader, middlewares.CorrelationHeader)
	cfg.AddExposeHeaders("Content-Length", "Content-Disposition", middlewares.CorrelationHeader)
	cfg.AllowCredentials = true
	return cfg
}

func positiveIntEnv(key string, def int64) int64 {
	if n, err := strconv.ParseInt(strings.TrimSpace(os.Getenv(key)), 10, 64); err == nil && n > 0 {
		return n
	}
	return def
}

// rateLimiterFromEnv returns nil unless RATE_LIMIT_ENABLED is set. RATE_LIMIT_MAX_REQUESTS (600)
// per RATE_LIMIT_WINDOW_SECONDS (60) per client IP.
func rateLimiterFromEnv() *middlewares.RateLimiter {
	if !config.EnvBool("RATE_LIMIT_ENABLED", false) {
		return nil
	}
	client := redis.NewClient(config.RedisOptionsFromEnv())
	limit := positiveIntEnv("RATE_LIMIT_MAX_REQUESTS", 600)
	window := time.Duration(positiveIntEnv("RATE_LIMIT_WINDOW_SECONDS", 60)) * time.Second
	return middlewares.NewRateLimiter(client, limit, window)
}

// newRouter wires every route against the process-wide DB, which may not be connected yet.
func newRouter(logger *logrus.Logger) *gin.Engine {
	r := gin.New()
	r.Use(middlewares.CorrelationMiddleware())
	r.Use(middlewares.ReadinessGate())
	r.GET("/healthz", func(c *gin.Context) { c.Status(http.StatusNoContent) })
	r.Use(cors.New(corsConfig()))
	if limiter := rateLimiterFromEnv(); limiter != nil {
		r.Use(limiter.RateLimitMiddleware)
	}
	r.Use(middlewares.LoaderMiddleware())
	r.Use(errorLogger(logger))
	r.Use(gin.Recovery())

	webhooks.NewHandlers(nil).Register(r.Group("/webhooks"))
	api.NewHandlers(nil).Register(r)
	r.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, gin.H{"error": "route not found"})
	})
	return r
}

func main() {
	logger := config.GetLogger()
	workflow.SetTracer(otel.Tracer("kickback-settlement"))

	// Cloud Run sends SIGTERM before stopping a revision.
	sigCtx, stopSignals := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stopSignals()

	// The port opens before MySQL and Redis are reachable; ReadinessGate answers 503 until then.
	port := listenPort()
	srv := &http.Server{Addr: ":" + port, Handler: newRouter(logger)}
	serverErr := make(chan error, 1)
	go func() { serverErr <- srv.ListenAndServe() }()

	config.ConnectDatabaseWithRetry()
	config.ConnectRedisWithRetry()
	db := config.GetDB()

	if config.EnvBool("SKIP_MIGRATIONS", false) {
		logger.WithFields(logrus.Fields{"field": "migrations"}).Warn("SKIP_MIGRATIONS set; schema is managed by a separate job")
	} else {
		models.MigrateTable()
	}

	dispatcherCtx, stopDispatcher := context.WithCancel(context.Background())
	defer stopDispatcher()
	go workflow.NewOutboxDispatcher(db, logger).Run(dispatcherCtx)

	logger.WithFields(logrus.Fields{"field": "http", "port": port}).Info("settlement service ready")

	select {
	case <-sigCtx.Done():
	case err := <-serverErr:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.WithFields(logrus.Fields{"field": "http"}).Error("server stopped unexpectedly: " + err.Error())
		}
	}

	stopDispatcher()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.WithFields(logrus.Fields{"field": "http"}).Error("graceful shutdown failed: " + err.Error())
	}
	config.StopPubSub()
	if sqlDB, err := db.DB(); err == nil {
		_ = sqlDB.Close()
	}
	if rdb := config.GetRedisDB(); rdb != nil {
		_ = rdb.Close()
	}
}

// errorLogger logs the errors handlers attached with c.Error.
func errorLogger(logger *logrus.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()
		if len(c.Errors) > 0 {
			logger.WithFields(logrus.Fields{
				"path":   c.Request.URL.Path,
				"status": c.Writer.Status(),
			}).Error(c.Errors.String())
		}
	}
}
