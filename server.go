package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"

	"github.com/eduadmin/cashbook_backend/config"
	"github.com/eduadmin/cashbook_backend/middlewares"
	"github.com/eduadmin/cashbook_backend/models"
	"github.com/eduadmin/cashbook_backend/models/reports"
	"github.com/eduadmin/cashbook_backend/utils"
	"github.com/eduadmin/cashbook_backend/workflow"
)

const defaultPort = "8080"

var tracer = otel.Tracer("cashbook-backend")

// Define a struct to represent the rate limiter.
type RateLimiter struct {
	client *redis.Client
	limit  int64
	window time.Duration
}

func getRedisClient(redisAddress string) *redis.Client {
	client := redis.NewClient(&redis.Options{
		Addr: redisAddress,
	})
	return client
}

// statusForError maps the ledger error taxonomy to HTTP codes:
// validation -> 400, state -> 409, contention -> 503, missing -> 404.
func statusForError(err error) int {
	switch {
	case errors.Is(err, utils.ErrInvalidReceipt),
		errors.Is(err, utils.ErrInactiveFeeType),
		errors.Is(err, utils.ErrInvalidTally),
		errors.Is(err, utils.ErrInvalidMovement),
		errors.Is(err, utils.ErrDuplicateCode):
		return http.StatusBadRequest
	case errors.Is(err, utils.ErrAlreadyClosed), errors.Is(err, utils.ErrDateClosed):
		return http.StatusConflict
	case errors.Is(err, utils.ErrAllocationContention):
		return http.StatusServiceUnavailable
	case errors.Is(err, utils.ErrorRecordNotFound):
		return http.StatusNotFound
	}
	return http.StatusInternalServerError
}

func abortWithError(c *gin.Context, err error) {
	status := statusForError(err)
	if status == http.StatusInternalServerError {
		config.LogError(config.GetLogger(), "server.go", c.FullPath(), "handler", nil, err)
		// storage/transport failures stay generic; the caller must re-query
		// before retrying a commit
		c.JSON(status, gin.H{"error": "internal error"})
		return
	}
	c.JSON(status, gin.H{"error": err.Error()})
}

func abortWithBindError(c *gin.Context, err error) {
	if fields := utils.ParseValidationErrors(err); fields != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request", "fields": fields})
		return
	}
	c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
}

func dateParam(c *gin.Context, name string) (time.Time, bool) {
	raw := c.Param(name)
	if raw == "" {
		raw = c.Query(name)
	}
	date, err := utils.ParseDateString(raw)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("invalid %s: expected yyyy-mm-dd", name)})
		return time.Time{}, false
	}
	return date, true
}

func previewNextReceiptHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		channel := models.PaymentChannel(strings.ToUpper(c.Query("channel")))
		if !channel.IsValid() {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid channel"})
			return
		}
		date, ok := dateParam(c, "date")
		if !ok {
			return
		}

		prefix, next, err := models.PreviewNextReceipt(c.Request.Context(), channel, date)
		if err != nil {
			// Fallback estimation keeps the UI usable when the store read
			// fails, but only if the client sent the numbers it already knows.
			// It is a labeled estimate, never an allocation.
			known := c.QueryArray("known")
			if len(known) > 0 {
				c.JSON(http.StatusOK, gin.H{
					"prefix":        prefix,
					"next_sequence": models.EstimateNextSequence(prefix, known),
					"estimated":     true,
				})
				return
			}
			abortWithError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"prefix":        prefix,
			"next_sequence": next,
			"estimated":     false,
		})
	}
}

func commitReceiptHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var input models.NewReceipt
		if err := c.ShouldBindJSON(&input); err != nil {
			abortWithBindError(c, err)
			return
		}
		idemKey := c.Request.Header.Get("X-Idempotency-Key")
		ctx, span := tracer.Start(c.Request.Context(), "commitReceipt")
		defer span.End()
		receipt, err := models.CreateReceipt(ctx, &input, idemKey)
		if err != nil {
			abortWithError(c, err)
			return
		}
		c.JSON(http.StatusCreated, receipt)
	}
}

func listReceiptsHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		from, ok := dateParam(c, "from")
		if !ok {
			return
		}
		to, ok := dateParam(c, "to")
		if !ok {
			return
		}
		var channel *models.PaymentChannel
		if raw := strings.ToUpper(c.Query("channel")); raw != "" {
			ch := models.PaymentChannel(raw)
			if !ch.IsValid() {
				c.JSON(http.StatusBadRequest, gin.H{"error": "invalid channel"})
				return
			}
			channel = &ch
		}
		receipts, err := models.GetReceiptsByDateRange(c.Request.Context(), from, to, channel)
		if err != nil {
			abortWithError(c, err)
			return
		}
		c.JSON(http.StatusOK, receipts)
	}
}

func getReceiptHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		id, err := strconv.Atoi(c.Param("id"))
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid id"})
			return
		}
		receipt, err := models.GetReceipt(c.Request.Context(), id)
		if err != nil {
			abortWithError(c, err)
			return
		}
		c.JSON(http.StatusOK, receipt)
	}
}

func updateReceiptHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		id, err := strconv.Atoi(c.Param("id"))
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid id"})
			return
		}
		var input models.UpdateReceiptInput
		if err := c.ShouldBindJSON(&input); err != nil {
			abortWithBindError(c, err)
			return
		}
		receipt, err := models.UpdateReceipt(c.Request.Context(), id, &input)
		if err != nil {
			abortWithError(c, err)
			return
		}
		c.JSON(http.StatusOK, receipt)
	}
}

func deleteReceiptHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		id, err := strconv.Atoi(c.Param("id"))
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid id"})
			return
		}
		receipt, err := models.DeleteReceipt(c.Request.Context(), id)
		if err != nil {
			abortWithError(c, err)
			return
		}
		c.JSON(http.StatusOK, receipt)
	}
}

func recordMovementHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var input models.NewCashMovement
		if err := c.ShouldBindJSON(&input); err != nil {
			abortWithBindError(c, err)
			return
		}
		movement, err := models.RecordCashMovement(c.Request.Context(), &input)
		if err != nil {
			abortWithError(c, err)
			return
		}
		c.JSON(http.StatusCreated, movement)
	}
}

func listMovementsHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		date, ok := dateParam(c, "date")
		if !ok {
			return
		}
		movements, err := models.GetCashMovementsByDate(c.Request.Context(), date)
		if err != nil {
			abortWithError(c, err)
			return
		}
		c.JSON(http.StatusOK, movements)
	}
}

func cashDayReportHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		date, ok := dateParam(c, "date")
		if !ok {
			return
		}
		report, err := workflow.GetCashOnHandReport(c.Request.Context(), date)
		if err != nil {
			abortWithError(c, err)
			return
		}
		c.JSON(http.StatusOK, report)
	}
}

func closeCashDayHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		date, ok := dateParam(c, "date")
		if !ok {
			return
		}
		var input struct {
			Tally []models.NewTallyLine `json:"tally" binding:"required"`
		}
		if err := c.ShouldBindJSON(&input); err != nil {
			abortWithBindError(c, err)
			return
		}
		ctx, span := tracer.Start(c.Request.Context(), "closeCashDay")
		defer span.End()
		closing, err := workflow.CloseCashDay(ctx, date, input.Tally)
		if err != nil {
			abortWithError(c, err)
			return
		}
		c.JSON(http.StatusCreated, closing)
	}
}

func listFeeTypesHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		activeOnly := strings.EqualFold(c.Query("active"), "true")
		feeTypes, err := models.GetFeeTypesAll(c.Request.Context(), activeOnly)
		if err != nil {
			abortWithError(c, err)
			return
		}
		c.JSON(http.StatusOK, feeTypes)
	}
}

func createFeeTypeHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var input models.NewFeeType
		if err := c.ShouldBindJSON(&input); err != nil {
			abortWithBindError(c, err)
			return
		}
		feeType, err := models.CreateFeeType(c.Request.Context(), &input)
		if err != nil {
			abortWithError(c, err)
			return
		}
		c.JSON(http.StatusCreated, feeType)
	}
}

func updateFeeTypeHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		id, err := strconv.Atoi(c.Param("id"))
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid id"})
			return
		}
		var input models.UpdateFeeTypeInput
		if err := c.ShouldBindJSON(&input); err != nil {
			abortWithBindError(c, err)
			return
		}
		feeType, err := models.UpdateFeeType(c.Request.Context(), id, &input)
		if err != nil {
			abortWithError(c, err)
			return
		}
		c.JSON(http.StatusOK, feeType)
	}
}

func cashBookReportHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		from, ok := dateParam(c, "from")
		if !ok {
			return
		}
		to, ok := dateParam(c, "to")
		if !ok {
			return
		}
		rows, err := reports.GetCashBookReport(c.Request.Context(), from, to)
		if err != nil {
			abortWithError(c, err)
			return
		}
		if strings.EqualFold(c.Query("format"), "xlsx") {
			c.Header("Content-Type", "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet")
			c.Header("Content-Disposition", "attachment; filename=cash-book.xlsx")
			if err := reports.WriteCashBookExcel(rows, c.Writer); err != nil {
				config.LogError(config.GetLogger(), "server.go", "cashBookReportHandler", "writing xlsx", nil, err)
			}
			return
		}
		c.JSON(http.StatusOK, rows)
	}
}

// correlationMiddleware stamps every request with a correlation id so storage
// traces and error logs can be tied back to one submission.
func correlationMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		correlationId := c.Request.Header.Get("X-Correlation-Id")
		if correlationId == "" {
			correlationId = uuid.NewString()
		}
		ctx := utils.SetCorrelationIdInContext(c.Request.Context(), correlationId)
		c.Request = c.Request.WithContext(ctx)
		c.Writer.Header().Set("X-Correlation-Id", correlationId)
		c.Next()
	}
}

func main() {
	logger := config.GetLogger()

	port := os.Getenv("PORT")
	if port == "" {
		port = defaultPort
	}

	sigCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if strings.EqualFold(strings.TrimSpace(os.Getenv("GO_ENV")), "production") {
		gin.SetMode(gin.ReleaseMode)
	}
	r := gin.New()

	r.Use(func(c *gin.Context) {
		// Always allow the startup probe.
		if c.Request.URL.Path == "/healthz" {
			c.Status(http.StatusNoContent)
			c.Abort()
			return
		}
		// Gate critical endpoints on dependency readiness.
		if config.GetDB() == nil || config.GetRedisDB() == nil {
			c.AbortWithStatus(http.StatusServiceUnavailable)
			return
		}
		c.Next()
	})

	r.GET("/healthz", func(c *gin.Context) { c.Status(http.StatusNoContent) })

	corsConfig := cors.DefaultConfig()
	// Production-safe CORS:
	// - In production, require explicit allowlist via CORS_ALLOWED_ORIGINS (comma-separated).
	// - In non-production, allow all (developer convenience).
	allowedOrigins := strings.TrimSpace(os.Getenv("CORS_ALLOWED_ORIGINS"))
	if strings.EqualFold(strings.TrimSpace(os.Getenv("GO_ENV")), "production") {
		if allowedOrigins == "" {
			// Safer default: deny all if not configured in production.
			corsConfig.AllowOrigins = []string{}
		} else {
			corsConfig.AllowOrigins = splitAndTrim(allowedOrigins)
		}
	} else {
		corsConfig.AllowAllOrigins = true
	}
	corsConfig.AddAllowMethods("GET", "POST", "PUT", "DELETE", "OPTIONS")
	corsConfig.AddAllowHeaders("token", "Origin", "Content-Type", "Authorization", "X-Idempotency-Key", "X-Correlation-Id")
	corsConfig.AddExposeHeaders("Content-Length")
	corsConfig.AllowCredentials = true

	r.Use(cors.New(corsConfig))

	// Optional rate limiting (recommended for production).
	// Env:
	// - RATE_LIMIT_ENABLED=true
	// - RATE_LIMIT_WINDOW_SECONDS=60
	// - RATE_LIMIT_MAX_REQUESTS=600
	if strings.EqualFold(strings.TrimSpace(os.Getenv("RATE_LIMIT_ENABLED")), "true") {
		client := getRedisClient(os.Getenv("REDIS_ADDRESS"))
		limit := int64(600)
		if v := strings.TrimSpace(os.Getenv("RATE_LIMIT_MAX_REQUESTS")); v != "" {
			if n, err := strconv.ParseInt(v, 10, 64); err == nil && n > 0 {
				limit = n
			}
		}
		windowSec := int64(60)
		if v := strings.TrimSpace(os.Getenv("RATE_LIMIT_WINDOW_SECONDS")); v != "" {
			if n, err := strconv.ParseInt(v, 10, 64); err == nil && n > 0 {
				windowSec = n
			}
		}
		rateLimiter := NewRateLimiter(client, limit, time.Duration(windowSec)*time.Second)
		r.Use(rateLimiter.RateLimitMiddleware)
	}

	r.Use(middlewares.SessionMiddleware())
	r.Use(correlationMiddleware())
	r.Use(customErrorLogger(logger))
	r.Use(gin.Recovery())

	r.GET("/receipts/next-number", previewNextReceiptHandler())
	r.POST("/receipts", commitReceiptHandler())
	r.GET("/receipts", listReceiptsHandler())
	r.GET("/receipts/:id", getReceiptHandler())
	r.PUT("/receipts/:id", updateReceiptHandler())
	r.DELETE("/receipts/:id", deleteReceiptHandler())
	r.POST("/cash-movements", recordMovementHandler())
	r.GET("/cash-movements", listMovementsHandler())
	r.GET("/cash-days/:date/report", cashDayReportHandler())
	r.POST("/cash-days/:date/close", closeCashDayHandler())
	r.GET("/fee-types", listFeeTypesHandler())
	r.POST("/fee-types", createFeeTypeHandler())
	r.PUT("/fee-types/:id", updateFeeTypeHandler())
	r.GET("/reports/cash-book", cashBookReportHandler())

	r.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
	})

	// Start listening immediately (startup probe is TCP based).
	srv := &http.Server{
		Addr:    ":" + port,
		Handler: r,
	}
	serverErrCh := make(chan error, 1)
	go func() {
		// ListenAndServe returns http.ErrServerClosed on graceful shutdown.
		serverErrCh <- srv.ListenAndServe()
	}()

	// Connect dependencies after the port is open.
	config.ConnectDatabaseWithRetry()
	config.ConnectRedisWithRetry()

	// Now DB is ready; run migrations.
	db := config.GetDB()
	sqlDB, _ := db.DB()
	defer func() {
		if sqlDB != nil {
			_ = sqlDB.Close()
		}
	}()
	// AutoMigrate can run DDL that blocks tables; allow disabling on startup
	// and running migrations as a separate job instead.
	if !strings.EqualFold(strings.TrimSpace(os.Getenv("SKIP_MIGRATIONS")), "true") {
		models.MigrateTable()
	} else {
		logger.WithFields(logrus.Fields{"field": "migrations"}).Warn("SKIP_MIGRATIONS=true; skipping AutoMigrate on startup")
	}

	// Set the session isolation level to READ COMMITTED
	for attempt := 1; ; attempt++ {
		err := db.Exec("SET SESSION TRANSACTION ISOLATION LEVEL READ COMMITTED").Error
		if err == nil {
			break
		}
		sleep := time.Second * time.Duration(1<<minInt(attempt, 5))
		if sleep > 30*time.Second {
			sleep = 30 * time.Second
		}
		logger.WithFields(logrus.Fields{
			"field":   "database",
			"attempt": attempt,
		}).Warn("failed to set isolation level; retrying in " + sleep.String() + ": " + err.Error())
		time.Sleep(sleep)
	}

	logger.WithFields(logrus.Fields{
		"info": "Connection Established",
	}).Info("cash register ledger listening on :", port)

	// Block until shutdown or server error.
	select {
	case <-sigCtx.Done():
		// graceful shutdown below
	case err := <-serverErrCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.WithFields(logrus.Fields{"field": "http"}).Error("server stopped unexpectedly: " + err.Error())
		}
	}

	// Drain HTTP requests.
	shutdownTimeout := 30 * time.Second
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.WithFields(logrus.Fields{"field": "http"}).Error("graceful shutdown failed: " + err.Error())
	}

	// Close Redis (best-effort).
	if rdb := config.GetRedisDB(); rdb != nil {
		_ = rdb.Close()
	}
}

// customErrorLogger is a custom Gin middleware that logs only errors
func customErrorLogger(logger *logrus.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		// Only log when there are errors
		if len(c.Errors) > 0 {
			logger.Error(c.Errors.String())
		}
	}
}

// Initialize a new RateLimiter instance.
func NewRateLimiter(client *redis.Client, limit int64, window time.Duration) *RateLimiter {
	return &RateLimiter{
		client: client,
		limit:  limit,
		window: window,
	}
}

// Middleware function to check rate limits.
func (rl *RateLimiter) RateLimitMiddleware(c *gin.Context) {
	// Get the IP address or user identifier from the request.
	key := c.ClientIP()

	// Check if the key exists in Redis.
	exists, err := rl.client.Exists(c.Request.Context(), key).Result()
	if err != nil {
		c.AbortWithError(http.StatusInternalServerError, err)
		return
	}

	// If the key doesn't exist, create it and set expiry.
	if exists == 0 {
		err := rl.client.Set(c.Request.Context(), key, 1, rl.window).Err()
		if err != nil {
			c.AbortWithError(http.StatusInternalServerError, err)
			return
		}
		c.Next()
		return
	}

	// If the key exists, get the current count.
	count, err := rl.client.Incr(c.Request.Context(), key).Result()
	if err != nil {
		c.AbortWithError(http.StatusInternalServerError, err)
		return
	}

	// If the count exceeds the limit, return an error response.
	if count > rl.limit {
		c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
			"error": fmt.Sprintf("Rate limit exceeded. Try again in %d seconds", int(rl.window.Seconds())),
		})
		return
	}

	c.Next()
}

func minInt(a, b int) int {
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
