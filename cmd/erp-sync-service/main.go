package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/mmdatafocus/erpsync_backend/config"
	"github.com/mmdatafocus/erpsync_backend/erpsync"
	"github.com/mmdatafocus/erpsync_backend/ledger"
	"github.com/mmdatafocus/erpsync_backend/middlewares"
	"github.com/mmdatafocus/erpsync_backend/models"
	"github.com/mmdatafocus/erpsync_backend/utils"
	"github.com/sirupsen/logrus"
)

const defaultPort = "8080"

func main() {
	port := os.Getenv("ERPSYNC_PORT")
	if port == "" {
		port = os.Getenv("PORT")
	}
	if port == "" {
		port = defaultPort
	}

	logger := config.GetLogger()

	sigCtx, stopSignals := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stopSignals()

	// Serve health checks right away; the API router replaces the boot router
	// once the database and Redis are reachable.
	var active atomic.Value
	active.Store(http.Handler(bootRouter()))
	srv := &http.Server{
		Addr: ":" + port,
		Handler: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			active.Load().(http.Handler).ServeHTTP(w, r)
		}),
	}
	serverErrCh := make(chan error, 1)
	go func() {
		serverErrCh <- srv.ListenAndServe()
	}()

	config.ConnectDatabaseWithRetry()
	config.ConnectRedisWithRetry()

	db := config.GetDB()
	sqlDB, _ := db.DB()
	defer func() {
		if sqlDB != nil {
			_ = sqlDB.Close()
		}
	}()

	if !strings.EqualFold(strings.TrimSpace(os.Getenv("SKIP_MIGRATIONS")), "true") {
		if err := models.MigrateTable(db); err != nil {
			logger.WithFields(logrus.Fields{"field": "migrations"}).Fatal(err)
		}
	} else {
		logger.WithFields(logrus.Fields{"field": "migrations"}).Warn("SKIP_MIGRATIONS=true; skipping AutoMigrate on startup")
	}

	settings := config.GetSyncSettings()
	opts := []erpsync.Option{erpsync.WithLocker(erpsync.NewRedisLocker(config.GetRedisLock()))}
	if settings.ArchiveBucket != "" {
		gcs, err := config.GetGCSClient(sigCtx)
		if err != nil {
			logger.WithFields(logrus.Fields{"field": "archive"}).Warnf("raw batch archive disabled: %v", err)
		} else {
			defer gcs.Close()
			opts = append(opts, erpsync.WithArchiver(erpsync.NewGCSArchiver(gcs, settings.ArchiveBucket)))
		}
	}
	pipeline := erpsync.NewPipeline(db, ledger.NewClient(settings.LedgerTimeout, settings.LedgerRatePerMin), settings, logger, opts...)

	var publish erpsync.Publisher
	if !strings.EqualFold(strings.TrimSpace(os.Getenv("ERPSYNC_INLINE_RUNS")), "true") {
		publish = erpsync.PubSubPublisher(settings.SyncTopic)
	}
	active.Store(http.Handler(apiRouter(logger, pipeline, erpsync.NewHandlers(db, pipeline, publish))))
	logger.WithFields(logrus.Fields{"field": "server", "port": port}).Info("erp sync service ready")

	select {
	case <-sigCtx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	case err := <-serverErrCh:
		if err != nil && err != http.ErrServerClosed {
			logger.WithFields(logrus.Fields{"field": "server"}).Error(err)
		}
	}
}

func bootRouter() *gin.Engine {
	r := gin.New()
	r.GET("/healthz", func(c *gin.Context) { c.Status(http.StatusNoContent) })
	r.NoRoute(func(c *gin.Context) { c.AbortWithStatus(http.StatusServiceUnavailable) })
	return r
}

func apiRouter(logger *logrus.Logger, pipeline *erpsync.Pipeline, handlers *erpsync.Handlers) *gin.Engine {
	r := gin.New()
	r.Use(middlewares.CorrelationId())
	r.GET("/healthz", func(c *gin.Context) { c.Status(http.StatusNoContent) })

	corsConfig := cors.DefaultConfig()
	allowedOrigins := strings.TrimSpace(os.Getenv("CORS_ALLOWED_ORIGINS"))
	if strings.EqualFold(strings.TrimSpace(os.Getenv("GO_ENV")), "production") {
		if allowedOrigins == "" {
			corsConfig.AllowOrigins = []string{}
		} else {
			corsConfig.AllowOrigins = splitAndTrim(allowedOrigins)
		}
	} else {
		corsConfig.AllowAllOrigins = true
	}
	corsConfig.AddAllowMethods("GET", "POST", "PUT", "DELETE", "OPTIONS")
	corsConfig.AddAllowHeaders("token", "Origin", "Content-Type", "Authorization", middlewares.TenantHeader, middlewares.CorrelationHeader)
	corsConfig.AddExposeHeaders("Content-Length", "Content-Disposition", middlewares.CorrelationHeader)
	corsConfig.AllowCredentials = true

	r.Use(cors.New(corsConfig))
	r.Use(func(c *gin.Context) {
		if c.GetHeader("token") == "" {
			auth := strings.TrimSpace(c.GetHeader("Authorization"))
			if strings.HasPrefix(strings.ToLower(auth), "bearer ") {
				token := strings.TrimSpace(auth[7:])
				if token != "" {
					c.Request.Header.Set("token", token)
				}
			}
		}
		c.Next()
	})
	r.Use(middlewares.SessionMiddleware())
	r.Use(customErrorLogger(logger))
	r.Use(gin.Recovery())

	trustHeader := strings.EqualFold(strings.TrimSpace(os.Getenv("ERPSYNC_TRUST_TENANT_HEADER")), "true")
	handlers.Register(r.Group("/api/integrations/erp", middlewares.RequireTenant(trustHeader)))

	// Pub/Sub push endpoint for the sync worker.
	r.POST("/pubsub/erp-sync", erpsync.PubSubPushHandler(pipeline))

	r.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, gin.H{"error": "route not found"})
	})
	return r
}

func splitAndTrim(csv string) []string {
	if strings.TrimSpace(csv) == "" {
		return nil
	}
	parts := strings.Split(csv, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

func customErrorLogger(logger *logrus.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		latency := time.Since(start)
		cid, _ := utils.GetCorrelationIdFromContext(c.Request.Context())
		tenantId, _ := utils.GetTenantIdFromContext(c.Request.Context())
		entry := logger.WithFields(logrus.Fields{
			"status":         c.Writer.Status(),
			"method":         c.Request.Method,
			"path":           c.Request.URL.Path,
			"latency":        latency.String(),
			"correlation_id": cid,
			"tenant_id":      tenantId,
		})
		if c.Writer.Status() >= http.StatusInternalServerError {
			entry.Error("request")
			return
		}
		entry.Info("request")
	}
}
