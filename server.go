package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"bitbucket.org/mmdatafocus/ledger_export_backend/config"
	"bitbucket.org/mmdatafocus/ledger_export_backend/ledger"
	"bitbucket.org/mmdatafocus/ledger_export_backend/models"
	"bitbucket.org/mmdatafocus/ledger_export_backend/utils"
	"bitbucket.org/mmdatafocus/ledger_export_backend/workflow"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

const defaultPort = "8080"

func main() {
	port := os.Getenv("API_PORT")
	if port == "" {
		// Cloud Run standard env var.
		port = os.Getenv("PORT")
	}
	if port == "" {
		port = defaultPort
	}

	logger := config.GetLogger()

	// Cloud Run sends SIGTERM on revision shutdown; handle it for graceful drain.
	sigCtx, stopSignals := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stopSignals()

	// Start the HTTP server ASAP so Cloud Run considers the revision healthy.
	// Until DB/Redis are ready, app endpoints return 503.
	r := gin.New()
	r.Use(correlationMiddleware())
	r.Use(func(c *gin.Context) {
		if c.Request.URL.Path == "/healthz" {
			c.Status(http.StatusNoContent)
			c.Abort()
			return
		}
		if config.GetDB() == nil || config.GetRedisDB() == nil {
			c.AbortWithStatus(http.StatusServiceUnavailable)
			return
		}
		c.Next()
	})
	r.GET("/healthz", func(c *gin.Context) { c.Status(http.StatusNoContent) })

	corsConfig := cors.DefaultConfig()
	// In production, require an explicit allowlist via CORS_ALLOWED_ORIGINS.
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
	corsConfig.AddAllowHeaders("token", "Origin", "Content-Type", "Authorization", "X-Business-Id")
	corsConfig.AddExposeHeaders("Content-Length")
	corsConfig.AllowCredentials = true
	r.Use(cors.New(corsConfig))

	r.Use(businessContextMiddleware())
	r.Use(customErrorLogger(logger))
	r.Use(gin.Recovery())

	// Wiring is deferred: handlers resolve stores lazily through newServices so
	// the port can open before the DB connection is established.
	api := r.Group("/api/v1")
	api.POST("/exports", exportHandler())
	api.POST("/exports/enqueue", enqueueExportHandler(logger))
	api.GET("/exports", listExportsHandler())
	api.POST("/rule-candidates/:id/accept", acceptCandidateHandler())
	api.POST("/rule-candidates/:id/reject", rejectCandidateHandler())
	api.POST("/rule-candidates/dry-run", dryRunHandler())
	api.POST("/rule-versions/:id/rollback", rollbackVersionHandler())

	r.POST("/internal/pubsub/export-push", pushHandlerLazy(logger))

	r.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, gin.H{"error": "route not found"})
	})

	srv := &http.Server{
		Addr:    ":" + port,
		Handler: r,
	}
	serverErrCh := make(chan error, 1)
	go func() {
		serverErrCh <- srv.ListenAndServe()
	}()

	// Connect dependencies after the port is open.
	config.ConnectDatabaseWithRetry()
	config.ConnectRedisWithRetry()

	db := config.GetDB()
	sqlDB, _ := db.DB()
	defer func() {
		if sqlDB != nil {
			_ = sqlDB.Close()
		}
	}()
	// AutoMigrate can run DDL that blocks tables; allow running it as a
	// separate job instead.
	if !strings.EqualFold(strings.TrimSpace(os.Getenv("SKIP_MIGRATIONS")), "true") {
		models.MigrateTable()
	} else {
		logger.WithFields(logrus.Fields{"field": "migrations"}).Warn("SKIP_MIGRATIONS=true; skipping AutoMigrate on startup")
	}

	for attempt := 1; ; attempt++ {
		err := db.Exec("SET SESSION TRANSACTION ISOLATION LEVEL READ COMMITTED").Error
		if err == nil {
			break
		}
		sleep := time.Second * time.Duration(1<<min(attempt, 5))
		if sleep > 30*time.Second {
			sleep = 30 * time.Second
		}
		logger.WithFields(logrus.Fields{
			"field":   "database",
			"attempt": attempt,
		}).Warn("failed to set isolation level; retrying in " + sleep.String() + ": " + err.Error())
		time.Sleep(sleep)
	}

	// Pull worker consuming async export requests.
	workerCtx, cancelWorker := context.WithCancel(context.Background())
	defer cancelWorker()
	if strings.EqualFold(strings.TrimSpace(os.Getenv("ENABLE_EXPORT_PULL_WORKER")), "true") {
		go func() {
			svc := newServices(logger)
			if err := workflow.RunExportWorker(workerCtx, svc.coordinator, logger); err != nil && !errors.Is(err, context.Canceled) {
				logger.WithFields(logrus.Fields{"field": "export_worker"}).Error("export worker stopped: " + err.Error())
			}
		}()
	}

	logger.WithFields(logrus.Fields{
		"info": "Connection Established",
	}).Info("listening on http://localhost:", port, "/")
	log.Println("Server started successfully")

	select {
	case <-sigCtx.Done():
		// graceful shutdown below
	case err := <-serverErrCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.WithFields(logrus.Fields{"field": "http"}).Error("server stopped unexpectedly: " + err.Error())
		}
	}

	cancelWorker()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.WithFields(logrus.Fields{"field": "http"}).Error("graceful shutdown failed: " + err.Error())
	}

	if rdb := config.GetRedisDB(); rdb != nil {
		_ = rdb.Close()
	}
}

type services struct {
	exports     *models.ExportRecordStore
	audit       *models.AuditLogStore
	coordinator *workflow.Coordinator
	promotion   *workflow.PromotionEngine
}

func newServices(logger *logrus.Logger) *services {
	db := config.GetDB()
	exports := models.NewExportRecordStore(db)
	audit := models.NewAuditLogStore(db)
	client := ledger.NewClientFromConfig(db, logger)
	return &services{
		exports:     exports,
		audit:       audit,
		coordinator: workflow.NewCoordinator(exports, client, audit, logger),
		promotion: workflow.NewPromotionEngine(
			models.NewRuleVersionStore(db),
			models.NewRuleCandidateStore(db),
			audit,
			audit,
			logger,
		),
	}
}

// correlationMiddleware generates a correlation id per request unless the
// caller supplied one.
func correlationMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		cid := c.GetHeader("x-correlation-id")
		if cid == "" {
			cid = uuid.NewString()
		}
		c.Request = c.Request.WithContext(utils.SetCorrelationIdInContext(c.Request.Context(), cid))
		c.Next()
	}
}

// businessContextMiddleware resolves the tenant from the X-Business-Id header.
// Internal routes carry the business id inside the message payload instead.
func businessContextMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if strings.HasPrefix(c.Request.URL.Path, "/internal/") {
			c.Next()
			return
		}
		businessId := strings.TrimSpace(c.GetHeader("X-Business-Id"))
		if businessId == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": "X-Business-Id header is required",
				"code":  string(utils.ErrCodeUnauthorized),
			})
			return
		}
		ctx := utils.SetBusinessIdInContext(c.Request.Context(), businessId)
		if user := strings.TrimSpace(c.GetHeader("X-User-Name")); user != "" {
			ctx = utils.SetUserNameInContext(ctx, user)
		}
		c.Request = c.Request.WithContext(ctx)
		c.Next()
	}
}

func exportHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var input models.JournalEntryInput
		if err := c.ShouldBindJSON(&input); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{
				"error":  "invalid journal entry",
				"code":   string(utils.ErrCodeValidation),
				"fields": utils.ProcessValidationErrors(err),
			})
			return
		}

		svc := newServices(config.GetLogger())
		outcome, err := svc.coordinator.PostJournalEntry(c.Request.Context(), &input)
		if err != nil {
			writeDomainError(c, err)
			return
		}

		status := http.StatusOK
		if outcome.Status == workflow.ExportOutcomePosted {
			status = http.StatusCreated
		}
		c.JSON(status, outcome)
	}
}

// enqueueExportHandler accepts the entry, validates it, and hands it to the
// async pipeline. 202 means "durably queued", not "posted".
func enqueueExportHandler(logger *logrus.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		var input models.JournalEntryInput
		if err := c.ShouldBindJSON(&input); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{
				"error":  "invalid journal entry",
				"code":   string(utils.ErrCodeValidation),
				"fields": utils.ProcessValidationErrors(err),
			})
			return
		}
		// Reject unbalanced entries at the door rather than poisoning the queue.
		if err := input.CheckBalanced(); err != nil {
			writeDomainError(c, err)
			return
		}

		ctx := c.Request.Context()
		businessId, _ := utils.GetBusinessIdFromContext(ctx)
		correlationId, _ := utils.GetCorrelationIdFromContext(ctx)
		msgId, err := workflow.PublishExportRequest(ctx, workflow.ExportRequestMessage{
			BusinessId:    businessId,
			CorrelationId: correlationId,
			Entry:         &input,
		})
		if err != nil {
			logger.WithFields(logrus.Fields{
				"field":       "export_enqueue",
				"business_id": businessId,
			}).Error("failed to publish export request: " + err.Error())
			writeDomainError(c, utils.NewTransientError(utils.ErrCodeRetryLater, "export queue is unavailable"))
			return
		}
		c.JSON(http.StatusAccepted, gin.H{"status": "enqueued", "message_id": msgId})
	}
}

func listExportsHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		limit := 50
		if v := strings.TrimSpace(c.Query("limit")); v != "" {
			parsed, err := strconv.Atoi(v)
			if err != nil || parsed <= 0 {
				c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a positive integer", "code": string(utils.ErrCodeValidation)})
				return
			}
			limit = parsed
		}

		svc := newServices(config.GetLogger())
		records, err := svc.exports.ListRecent(c.Request.Context(), limit)
		if err != nil {
			writeDomainError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"exports": records})
	}
}

func acceptCandidateHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		svc := newServices(config.GetLogger())
		outcome, err := svc.promotion.AcceptCandidate(c.Request.Context(), c.Param("id"))
		if err != nil {
			writeDomainError(c, err)
			return
		}
		c.JSON(http.StatusOK, outcome)
	}
}

type rejectCandidateRequest struct {
	Reason string `json:"reason"`
}

func rejectCandidateHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req rejectCandidateRequest
		// Body is optional; rejecting without a reason is allowed.
		_ = c.ShouldBindJSON(&req)

		svc := newServices(config.GetLogger())
		outcome, err := svc.promotion.RejectCandidate(c.Request.Context(), c.Param("id"), req.Reason)
		if err != nil {
			writeDomainError(c, err)
			return
		}
		c.JSON(http.StatusOK, outcome)
	}
}

func rollbackVersionHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		svc := newServices(config.GetLogger())
		outcome, err := svc.promotion.RollbackVersion(c.Request.Context(), c.Param("id"))
		if err != nil {
			writeDomainError(c, err)
			return
		}
		c.JSON(http.StatusOK, outcome)
	}
}

type dryRunRequest struct {
	CandidateIds []string `json:"candidate_ids" binding:"required"`
}

func dryRunHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req dryRunRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "candidate_ids is required", "code": string(utils.ErrCodeValidation)})
			return
		}

		svc := newServices(config.GetLogger())
		report, err := svc.promotion.DryRun(c.Request.Context(), req.CandidateIds)
		if err != nil {
			writeDomainError(c, err)
			return
		}
		c.JSON(http.StatusOK, report)
	}
}

// pushHandlerLazy defers coordinator construction until the first delivery so
// the route can be registered before the DB is connected.
func pushHandlerLazy(logger *logrus.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		svc := newServices(logger)
		workflow.PubSubPushHandler(svc.coordinator, logger)(c)
	}
}

// writeDomainError maps the error taxonomy onto HTTP statuses.
func writeDomainError(c *gin.Context, err error) {
	code := utils.CodeOf(err)
	body := gin.H{"error": err.Error(), "code": string(code)}

	var de *utils.DomainError
	if errors.As(err, &de) && de.RetryAfter > 0 {
		seconds := int(de.RetryAfter.Seconds())
		if seconds < 1 {
			seconds = 1
		}
		body["retry_after_seconds"] = seconds
		c.Header("Retry-After", strconv.Itoa(seconds))
	}

	switch code {
	case utils.ErrCodeUnbalancedJE:
		c.JSON(http.StatusBadRequest, body)
	case utils.ErrCodeValidation:
		c.JSON(http.StatusUnprocessableEntity, body)
	case utils.ErrCodeUnauthorized:
		c.JSON(http.StatusUnauthorized, body)
	case utils.ErrCodeRateLimited:
		c.JSON(http.StatusTooManyRequests, body)
	case utils.ErrCodeUpstream:
		c.JSON(http.StatusBadGateway, body)
	case utils.ErrCodeNotFound:
		c.JSON(http.StatusNotFound, body)
	case utils.ErrCodeConflict:
		c.JSON(http.StatusConflict, body)
	case utils.ErrCodeRetryLater:
		c.JSON(http.StatusServiceUnavailable, body)
	default:
		if utils.IsNotFound(err) {
			c.JSON(http.StatusNotFound, body)
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}

// customErrorLogger logs only requests that recorded errors.
func customErrorLogger(logger *logrus.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		if len(c.Errors) > 0 {
			logger.Error(c.Errors.String())
		}
	}
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
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
