package http

import (
	"context"
	"errors"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/GriffinCanCode/sketchbox/internal/api/types"
	"github.com/GriffinCanCode/sketchbox/internal/infrastructure/monitoring"
	"github.com/GriffinCanCode/sketchbox/internal/infrastructure/resilience"
	"github.com/GriffinCanCode/sketchbox/internal/infrastructure/tracing"
	"github.com/GriffinCanCode/sketchbox/internal/sandbox"
	"github.com/GriffinCanCode/sketchbox/internal/sandbox/capability"
)

// Version is reported by the root endpoint.
var Version = "0.1.0"

// Executor runs sketches. *sandbox.Pool satisfies it.
type Executor interface {
	Execute(ctx context.Context, req sandbox.ExecutionRequest) (*sandbox.ExecutionResult, error)
	History() []sandbox.ExecutionHistoryEntry
	HistoryStats() sandbox.HistoryStats
	Stats() sandbox.PoolStats
}

// Handlers contains all HTTP handlers
type Handlers struct {
	pool    Executor
	metrics *monitoring.Metrics
	tracer  *tracing.Tracer
	log     *zap.Logger
	started time.Time
}

// NewHandlers creates a new handler set. metrics and tracer may be nil.
func NewHandlers(pool Executor, metrics *monitoring.Metrics, tracer *tracing.Tracer, logger *zap.Logger) *Handlers {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handlers{
		pool:    pool,
		metrics: metrics,
		tracer:  tracer,
		log:     logger.With(zap.String("component", "http")),
		started: time.Now(),
	}
}

// Register mounts the handlers on r.
func (h *Handlers) Register(r gin.IRouter) {
	r.GET("/", h.Root)
	r.GET("/health", h.Health)

	v1 := r.Group("/v1")
	v1.POST("/executions", h.Execute)
	v1.GET("/executions/history", h.History)
	v1.GET("/capabilities", h.Capabilities)
	v1.GET("/stats", h.Stats)
}

// Root reports the service identity
func (h *Handlers) Root(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "online",
		"service": "sketchbox",
		"version": Version,
	})
}

// Health reports whether the pool can take work.
func (h *Handlers) Health(c *gin.Context) {
	stats := h.pool.Stats()

	status, code := "healthy", http.StatusOK
	switch {
	case stats.Closed:
		status, code = "closed", http.StatusServiceUnavailable
	case stats.Breaker == resilience.StateOpen:
		status, code = "degraded", http.StatusServiceUnavailable
	}
	c.JSON(code, gin.H{
		"status":         status,
		"pool":           stats,
		"uptime_seconds": int64(time.Since(h.started).Seconds()),
	})
}

// Execute runs one sketch and returns its result. Limit breaches and script
// errors are successful responses; the status field says what happened.
func (h *Handlers) Execute(c *gin.Context) {
	var req types.ExecuteRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.fail(c, http.StatusBadRequest, types.CodeInvalidRequest, err)
		return
	}

	ctx := c.Request.Context()
	var span *tracing.Span
	if h.tracer != nil {
		span, ctx = h.tracer.StartSpan(ctx, "sandbox.execute")
		span.SetTag("code_bytes", strconv.Itoa(len(req.Code)))
		defer func() {
			span.Finish()
			h.tracer.Submit(span)
		}()
	}

	result, err := h.pool.Execute(ctx, req.Sandbox())
	if err != nil {
		status, code := types.Classify(err)
		if span != nil {
			span.SetStatus(status)
			span.SetError(err)
		}
		if errors.Is(err, resilience.ErrCircuitOpen) {
			h.retryAfter(c)
		}
		h.fail(c, status, code, err)
		return
	}
	if span != nil {
		span.SetTag("status", string(result.Status))
		span.SetTag("execution_id", result.ID)
	}
	c.JSON(http.StatusOK, result)
}

// History returns the merged execution history, oldest first.
func (h *Handlers) History(c *gin.Context) {
	entries := h.pool.History()
	if entries == nil {
		entries = []sandbox.ExecutionHistoryEntry{}
	}
	c.JSON(http.StatusOK, types.HistoryResponse{
		Entries: entries,
		Stats:   sandbox.Summarize(entries),
	})
}

// Capabilities lists the denylist, optionally filtered by ?category=.
func (h *Handlers) Capabilities(c *gin.Context) {
	var caps []capability.Capability
	if category := c.Query("category"); category != "" {
		caps = capability.ByCategory(capability.Category(category))
	} else {
		caps = capability.Table()
	}
	if caps == nil {
		caps = []capability.Capability{}
	}
	c.JSON(http.StatusOK, types.CapabilitiesResponse{Capabilities: caps, Count: len(caps)})
}

// Stats returns pool and metric counters
func (h *Handlers) Stats(c *gin.Context) {
	body := gin.H{"pool": h.pool.Stats()}
	if h.metrics != nil {
		body["metrics"] = h.metrics.Snapshot()
	}
	c.JSON(http.StatusOK, body)
}

// retryAfter tells the client when the open breaker admits calls again.
func (h *Handlers) retryAfter(c *gin.Context) {
	at := h.pool.Stats().BreakerRetryAt
	if at == nil {
		return
	}
	secs := int(math.Ceil(time.Until(*at).Seconds()))
	c.Header("Retry-After", strconv.Itoa(max(secs, 1)))
}

func (h *Handlers) fail(c *gin.Context, status int, code string, err error) {
	ctx := c.Request.Context()
	fields := []zap.Field{
		zap.String("path", c.FullPath()),
		zap.String("code", code),
		zap.String("trace", tracing.FormatTrace(tracing.GetTraceID(ctx), tracing.GetSpanID(ctx))),
		zap.Error(err),
	}
	if status >= http.StatusInternalServerError && !errors.Is(err, context.Canceled) {
		h.log.Error("Request failed", fields...)
	} else {
		h.log.Debug("Request rejected", fields...)
	}
	_ = c.Error(err)
	c.AbortWithStatusJSON(status, types.ErrorResponse{Error: err.Error(), Code: code})
}
