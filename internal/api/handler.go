// Package api exposes the sync engine to local clients over HTTP: status,
// manual triggers, queue inspection, session management and metrics.
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	gojson "github.com/goccy/go-json"

	"github.com/kimhsiao/mealsync/internal/auth"
	"github.com/kimhsiao/mealsync/internal/logging"
	"github.com/kimhsiao/mealsync/internal/models"
	"github.com/kimhsiao/mealsync/internal/sync/scheduler"
	"github.com/kimhsiao/mealsync/internal/telemetry"
)

// Scheduler is the subset of the sync scheduler the API drives.
type Scheduler interface {
	Snapshot(ctx context.Context) scheduler.SchedulerStatus
	Enqueue(name string, policy scheduler.ExistingWorkPolicy) (*scheduler.RunHandle, bool)
	Cancel(name string)
}

// Queue is the subset of the sync queue the API drives.
type Queue interface {
	Enqueue(ctx context.Context, entityType models.EntityType, entityID string, op models.Operation, payload json.RawMessage) (int64, error)
	List(ctx context.Context) ([]*models.SyncQueueRecord, error)
	Stats(ctx context.Context) (map[string]int, error)
	RetryFailed(ctx context.Context) (int, error)
}

// Store is the local persistence the API reads and writes.
type Store interface {
	SaveLocalEntity(ctx context.Context, e *models.LocalEntity) error
	DeleteLocalEntity(ctx context.Context, entityType models.EntityType, entityID string) error
	ListConflictLogs(ctx context.Context, limit int) ([]*models.ConflictLog, error)
	WipeLocalData(ctx context.Context) error
}

// Session holds the access token.
type Session interface {
	SetToken(token string)
	Clear()
	Session() auth.Session
	IsAuthenticated(ctx context.Context) bool
}

// Pinger checks database reachability.
type Pinger interface {
	PingContext(ctx context.Context) error
}

// SyncHandler serves the sync API.
type SyncHandler struct {
	Scheduler Scheduler
	Queue     Queue
	Store     Store
	Session   Session
	DB        Pinger
	Hub       *Hub
	// Now overrides the clock used for local edit timestamps.
	Now func() time.Time
	// WaitTimeout bounds POST /sync?wait=true.
	WaitTimeout time.Duration
}

// NewRouter builds a gin engine with recovery and the sync routes.
func NewRouter(h *SyncHandler, debug bool) *gin.Engine {
	if debug {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}
	engine := gin.New()
	engine.Use(gin.Recovery())
	engine.Use(requestLogger())
	h.Register(engine)
	return engine
}

// Register mounts the routes on r.
func (h *SyncHandler) Register(r *gin.Engine) {
	r.GET("/healthz", h.health)
	r.GET("/readyz", h.ready)
	r.GET("/metrics", gin.WrapH(telemetry.Handler()))

	s := r.Group("/sync")
	s.GET("/status", h.status)
	s.POST("", h.trigger)
	s.DELETE("/runs/:name", h.cancelRun)
	s.GET("/queue", h.listQueue)
	s.POST("/queue", h.enqueue)
	s.POST("/queue/retry", h.retryFailed)
	s.GET("/conflicts", h.listConflicts)
	if h.Hub != nil {
		s.GET("/events", h.Hub.ServeWS)
	}

	r.GET("/session", h.getSession)
	r.PUT("/session", h.setSession)
	r.DELETE("/session", h.clearSession)
}

func (h *SyncHandler) now() time.Time {
	if h.Now != nil {
		return h.Now()
	}
	return time.Now()
}

func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logging.Debug("HTTP request", map[string]interface{}{
			"method":     c.Request.Method,
			"path":       c.FullPath(),
			"status":     c.Writer.Status(),
			"latency_ms": time.Since(start).Milliseconds(),
		})
	}
}

// =====================================================
// Health
// =====================================================

func (h *SyncHandler) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (h *SyncHandler) ready(c *gin.Context) {
	if h.DB == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "db_missing"})
		return
	}
	if err := h.DB.PingContext(c.Request.Context()); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "db_unreachable"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ready"})
}

// =====================================================
// Sync runs
// =====================================================

func (h *SyncHandler) status(c *gin.Context) {
	ok(c, http.StatusOK, h.Scheduler.Snapshot(c.Request.Context()), nil)
}

// trigger handles POST /sync?policy=keep|replace&wait=true.
func (h *SyncHandler) trigger(c *gin.Context) {
	policy := scheduler.KeepExisting
	if raw := c.Query("policy"); raw != "" {
		p, err := scheduler.ParsePolicy(raw)
		if err != nil {
			fail(c, http.StatusBadRequest, err.Error(), nil)
			return
		}
		policy = p
	}

	handle, started := h.Scheduler.Enqueue(scheduler.OnDemandRunName, policy)
	meta := map[string]any{"started": started, "run": handle.Name()}

	if c.Query("wait") != "true" {
		ok(c, http.StatusAccepted, nil, meta)
		return
	}

	timeout := h.WaitTimeout
	if timeout <= 0 {
		timeout = 10 * time.Minute
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-handle.Done():
	case <-timer.C:
		fail(c, http.StatusGatewayTimeout, "sync run still in progress", meta)
		return
	case <-c.Request.Context().Done():
		return
	}

	wr := handle.Result()
	if wr.Err != nil {
		failSync(c, wr.Err)
		return
	}
	ok(c, http.StatusOK, wr, meta)
}

func (h *SyncHandler) cancelRun(c *gin.Context) {
	h.Scheduler.Cancel(c.Param("name"))
	c.Status(http.StatusNoContent)
}

// =====================================================
// Queue
// =====================================================

func (h *SyncHandler) listQueue(c *gin.Context) {
	ctx := c.Request.Context()
	records, err := h.Queue.List(ctx)
	if err != nil {
		failSync(c, err)
		return
	}
	stats, err := h.Queue.Stats(ctx)
	if err != nil {
		failSync(c, err)
		return
	}
	ok(c, http.StatusOK, records, map[string]any{"stats": stats})
}

type enqueueRequest struct {
	EntityType models.EntityType `json:"entity_type"`
	EntityID   string            `json:"entity_id"`
	Operation  models.Operation  `json:"operation"`
	Payload    json.RawMessage   `json:"payload"`
}

// enqueue commits a local edit and queues it for upload.
func (h *SyncHandler) enqueue(c *gin.Context) {
	var req enqueueRequest
	if err := gojson.NewDecoder(c.Request.Body).Decode(&req); err != nil {
		fail(c, http.StatusBadRequest, "invalid request body: "+err.Error(), nil)
		return
	}
	if !req.EntityType.Valid() || req.EntityID == "" || !req.Operation.Valid() {
		fail(c, http.StatusBadRequest, "entity_type, entity_id and operation are required", nil)
		return
	}
	if req.Operation != models.OperationDelete && len(req.Payload) == 0 {
		fail(c, http.StatusBadRequest, "payload is required for create and update", nil)
		return
	}

	ctx := c.Request.Context()
	var err error
	if req.Operation == models.OperationDelete {
		req.Payload = nil
		err = h.Store.DeleteLocalEntity(ctx, req.EntityType, req.EntityID)
	} else {
		err = h.Store.SaveLocalEntity(ctx, &models.LocalEntity{
			EntityType: req.EntityType,
			EntityID:   req.EntityID,
			Payload:    req.Payload,
			UpdatedAt:  h.now().UnixMilli(),
		})
	}
	if err != nil {
		failSync(c, err)
		return
	}

	id, err := h.Queue.Enqueue(ctx, req.EntityType, req.EntityID, req.Operation, req.Payload)
	if err != nil {
		failSync(c, err)
		return
	}
	ok(c, http.StatusCreated, gin.H{"record_id": id, "coalesced_away": id == 0}, nil)
}

func (h *SyncHandler) retryFailed(c *gin.Context) {
	n, err := h.Queue.RetryFailed(c.Request.Context())
	if err != nil {
		failSync(c, err)
		return
	}
	ok(c, http.StatusOK, gin.H{"rearmed": n}, nil)
}

func (h *SyncHandler) listConflicts(c *gin.Context) {
	limit := 50
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			fail(c, http.StatusBadRequest, "limit must be a non-negative integer", nil)
			return
		}
		limit = n
	}
	logs, err := h.Store.ListConflictLogs(c.Request.Context(), limit)
	if err != nil {
		failSync(c, err)
		return
	}
	ok(c, http.StatusOK, logs, nil)
}

// =====================================================
// Session
// =====================================================

type sessionResponse struct {
	Authenticated bool       `json:"authenticated"`
	Subject       string     `json:"subject,omitempty"`
	ExpiresAt     *time.Time `json:"expires_at,omitempty"`
}

func (h *SyncHandler) describeSession(ctx context.Context) sessionResponse {
	s := h.Session.Session()
	resp := sessionResponse{Authenticated: h.Session.IsAuthenticated(ctx), Subject: s.Subject}
	if !s.ExpiresAt.IsZero() {
		at := s.ExpiresAt
		resp.ExpiresAt = &at
	}
	return resp
}

func (h *SyncHandler) getSession(c *gin.Context) {
	ok(c, http.StatusOK, h.describeSession(c.Request.Context()), nil)
}

// setSession stores a new token and requests a run, which picks up anything
// queued while signed out.
func (h *SyncHandler) setSession(c *gin.Context) {
	var req struct {
		Token string `json:"token"`
	}
	if err := gojson.NewDecoder(c.Request.Body).Decode(&req); err != nil || req.Token == "" {
		fail(c, http.StatusBadRequest, "token is required", nil)
		return
	}
	h.Session.SetToken(req.Token)
	h.Scheduler.Enqueue(scheduler.OnDemandRunName, scheduler.KeepExisting)
	ok(c, http.StatusOK, h.describeSession(c.Request.Context()), nil)
}

// clearSession signs out. With ?wipe=true the local data is removed as well.
func (h *SyncHandler) clearSession(c *gin.Context) {
	h.Session.Clear()

	if c.Query("wipe") == "true" {
		if err := h.Store.WipeLocalData(c.Request.Context()); err != nil {
			failSync(c, err)
			return
		}
		logging.Info("Local sync data wiped on sign-out")
	}
	c.Status(http.StatusNoContent)
}

// DescribeLastRun reports the scheduler's last outcome for event payloads.
func DescribeLastRun(s Scheduler) func(context.Context) map[string]any {
	return func(ctx context.Context) map[string]any {
		snap := s.Snapshot(ctx)
		detail := map[string]any{
			"outcome":       string(snap.LastOutcome),
			"pending_items": snap.PendingItems,
		}
		if snap.LastErrorCode != "" {
			detail["error_code"] = snap.LastErrorCode
			detail["error"] = snap.LastError
		}
		return detail
	}
}
