package server

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/pawsync/internal/auth"
	"github.com/MarcoPoloResearchLab/pawsync/internal/engine"
	"github.com/MarcoPoloResearchLab/pawsync/internal/entities"
	"github.com/MarcoPoloResearchLab/pawsync/internal/mutations"
	"github.com/MarcoPoloResearchLab/pawsync/internal/queue"
	"github.com/MarcoPoloResearchLab/pawsync/internal/records"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const (
	subjectContextKey        = "pawsync_subject"
	defaultHeartbeatInterval = 25 * time.Second
)

var (
	errMissingSessionValidator = errors.New("session validator dependency required")
	errMissingMutations        = errors.New("mutations service dependency required")
	errMissingSyncController   = errors.New("sync controller dependency required")
	errMissingQueue            = errors.New("operation queue dependency required")
)

type SessionValidator interface {
	ValidateRequest(r *http.Request) (auth.SessionClaims, error)
}

// SyncController is the part of the orchestrator the API drives.
type SyncController interface {
	Trigger() bool
	Status(ctx context.Context) (engine.Status, error)
}

type Dependencies struct {
	Sessions       SessionValidator
	Mutations      *mutations.Service
	Sync           SyncController
	Queue          *queue.Queue
	Realtime       *RealtimeDispatcher
	AllowedOrigins []string
	Logger         *zap.Logger
	// HeartbeatInterval spaces keep-alive events on idle streams.
	HeartbeatInterval time.Duration
}

func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.Sessions == nil {
		return nil, errMissingSessionValidator
	}
	if deps.Mutations == nil {
		return nil, errMissingMutations
	}
	if deps.Sync == nil {
		return nil, errMissingSyncController
	}
	if deps.Queue == nil {
		return nil, errMissingQueue
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	realtime := deps.Realtime
	if realtime == nil {
		realtime = NewRealtimeDispatcher()
	}
	heartbeat := deps.HeartbeatInterval
	if heartbeat <= 0 {
		heartbeat = defaultHeartbeatInterval
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(corsMiddleware(deps.AllowedOrigins...))

	handler := &httpHandler{
		sessions:          deps.Sessions,
		mutations:         deps.Mutations,
		sync:              deps.Sync,
		queue:             deps.Queue,
		realtime:          realtime,
		logger:            logger,
		heartbeatInterval: heartbeat,
	}

	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	protected := router.Group("/")
	protected.Use(handler.authorizeRequest)
	protected.GET("/records/:type", handler.handleListRecords)
	protected.POST("/records/:type", handler.handleCreateRecord)
	protected.GET("/records/:type/:id", handler.handleGetRecord)
	protected.PATCH("/records/:type/:id", handler.handleUpdateRecord)
	protected.DELETE("/records/:type/:id", handler.handleDeleteRecord)
	protected.POST("/sync", handler.handleTriggerSync)
	protected.GET("/sync/status", handler.handleSyncStatus)
	protected.GET("/operations/failed", handler.handleListFailed)
	protected.POST("/operations/:id/retry", handler.handleRetryOperation)
	protected.DELETE("/operations/:id", handler.handleDiscardOperation)
	protected.GET("/events", handler.handleEventStream)

	return router, nil
}

// corsMiddleware allows the configured UI origins; with none configured any
// origin may call the API without credentials.
func corsMiddleware(origins ...string) gin.HandlerFunc {
	config := cors.Config{
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPatch, http.MethodDelete, http.MethodOptions},
		AllowHeaders: []string{"Authorization", "Content-Type", "Last-Event-ID"},
		MaxAge:       12 * time.Hour,
	}
	if len(origins) == 0 {
		config.AllowAllOrigins = true
	} else {
		config.AllowOrigins = origins
		config.AllowCredentials = true
	}
	return cors.New(config)
}

type httpHandler struct {
	sessions          SessionValidator
	mutations         *mutations.Service
	sync              SyncController
	queue             *queue.Queue
	realtime          *RealtimeDispatcher
	logger            *zap.Logger
	heartbeatInterval time.Duration
}

type recordRequestPayload struct {
	Fields records.Fields `json:"fields"`
}

type recordPayload struct {
	ID                  string         `json:"id"`
	RemoteID            string         `json:"remote_id,omitempty"`
	Synced              bool           `json:"synced"`
	UpdatedAt           time.Time      `json:"updated_at"`
	Fields              records.Fields `json:"fields"`
	UnresolvedRelations []string       `json:"unresolved_relations,omitempty"`
}

type operationPayload struct {
	ID          string         `json:"id"`
	Operation   string         `json:"operation"`
	EntityType  string         `json:"entity_type"`
	RecordID    string         `json:"record_id"`
	RemoteID    string         `json:"remote_id,omitempty"`
	Status      string         `json:"status"`
	RetryCount  int            `json:"retry_count"`
	Error       string         `json:"error,omitempty"`
	Data        records.Fields `json:"data,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
	LastAttempt *time.Time     `json:"last_attempt,omitempty"`
}

type statusPayload struct {
	Syncing      bool       `json:"syncing"`
	Pending      int        `json:"pending"`
	Failed       int        `json:"failed"`
	LastStarted  *time.Time `json:"last_started,omitempty"`
	LastFinished *time.Time `json:"last_finished,omitempty"`
	LastError    string     `json:"last_error,omitempty"`
}

func (h *httpHandler) handleListRecords(c *gin.Context) {
	entityType, ok := h.entityTypeParam(c)
	if !ok {
		return
	}
	all, err := h.mutations.List(c.Request.Context(), entityType)
	if err != nil {
		h.respondServiceError(c, err)
		return
	}
	response := make([]recordPayload, 0, len(all))
	for _, record := range all {
		response = append(response, newRecordPayload(record))
	}
	c.JSON(http.StatusOK, gin.H{"records": response})
}

func (h *httpHandler) handleCreateRecord(c *gin.Context) {
	entityType, ok := h.entityTypeParam(c)
	if !ok {
		return
	}
	var request recordRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil || len(request.Fields) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	record, err := h.mutations.Create(c.Request.Context(), entityType, request.Fields)
	if err != nil {
		h.respondServiceError(c, err)
		return
	}
	c.JSON(http.StatusCreated, newRecordPayload(record))
}

func (h *httpHandler) handleGetRecord(c *gin.Context) {
	entityType, ok := h.entityTypeParam(c)
	if !ok {
		return
	}
	record, err := h.mutations.Get(c.Request.Context(), entityType, c.Param("id"))
	if err != nil {
		h.respondServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, newRecordPayload(record))
}

func (h *httpHandler) handleUpdateRecord(c *gin.Context) {
	entityType, ok := h.entityTypeParam(c)
	if !ok {
		return
	}
	var request recordRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	record, err := h.mutations.Update(c.Request.Context(), entityType, c.Param("id"), request.Fields)
	if err != nil {
		h.respondServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, newRecordPayload(record))
}

func (h *httpHandler) handleDeleteRecord(c *gin.Context) {
	entityType, ok := h.entityTypeParam(c)
	if !ok {
		return
	}
	if err := h.mutations.Delete(c.Request.Context(), entityType, c.Param("id")); err != nil {
		h.respondServiceError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *httpHandler) handleTriggerSync(c *gin.Context) {
	subject := c.GetString(subjectContextKey)
	if !h.sync.Trigger() {
		h.logger.Debug("sync request rejected", zap.String("subject", subject))
		c.JSON(http.StatusConflict, gin.H{"error": "sync_in_progress"})
		return
	}
	h.logger.Info("sync requested", zap.String("subject", subject))
	c.JSON(http.StatusAccepted, gin.H{"status": "scheduled"})
}

func (h *httpHandler) handleSyncStatus(c *gin.Context) {
	status, err := h.sync.Status(c.Request.Context())
	if err != nil {
		h.logger.Error("failed to read sync status", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "status_failed"})
		return
	}
	c.JSON(http.StatusOK, statusPayload{
		Syncing:      status.Syncing,
		Pending:      status.Pending,
		Failed:       status.Failed,
		LastStarted:  optionalTime(status.LastStarted),
		LastFinished: optionalTime(status.LastFinished),
		LastError:    status.LastError,
	})
}

func (h *httpHandler) handleListFailed(c *gin.Context) {
	failed, err := h.queue.Failed(c.Request.Context())
	if err != nil {
		h.logger.Error("failed to list failed operations", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "queue_failed"})
		return
	}
	response := make([]operationPayload, 0, len(failed))
	for _, op := range failed {
		response = append(response, newOperationPayload(op))
	}
	c.JSON(http.StatusOK, gin.H{"operations": response})
}

func (h *httpHandler) handleRetryOperation(c *gin.Context) {
	op, err := h.queue.Retry(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.respondQueueError(c, err)
		return
	}
	h.sync.Trigger()
	c.JSON(http.StatusOK, newOperationPayload(op))
}

func (h *httpHandler) handleDiscardOperation(c *gin.Context) {
	if err := h.queue.Discard(c.Request.Context(), c.Param("id")); err != nil {
		h.respondQueueError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *httpHandler) handleEventStream(c *gin.Context) {
	ctx := c.Request.Context()
	stream, cleanup := h.realtime.Subscribe(ctx)
	defer cleanup()

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")
	c.Status(http.StatusOK)
	c.Writer.WriteHeaderNow()
	c.Writer.Flush()

	heartbeat := time.NewTicker(h.heartbeatInterval)
	defer heartbeat.Stop()

	c.Stream(func(_ io.Writer) bool {
		select {
		case <-ctx.Done():
			return false
		case message, ok := <-stream:
			if !ok {
				return false
			}
			c.SSEvent(message.EventType, message)
			return true
		case <-heartbeat.C:
			c.SSEvent(realtimeEventHeartbeat, gin.H{"source": realtimeSourceBackend})
			return true
		}
	})
}

func (h *httpHandler) authorizeRequest(c *gin.Context) {
	request := c.Request
	// EventSource cannot set headers, so streams may carry the token in the query.
	if token := strings.TrimSpace(c.Query("access_token")); token != "" && request.Header.Get("Authorization") == "" {
		request.Header.Set("Authorization", "Bearer "+token)
	}
	claims, err := h.sessions.ValidateRequest(request)
	if err != nil {
		if errors.Is(err, auth.ErrExpiredSessionToken) || errors.Is(err, auth.ErrMissingSessionToken) {
			h.logger.Info("session validation failed", zap.Error(err))
		} else {
			h.logger.Warn("session validation failed", zap.Error(err))
		}
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	c.Set(subjectContextKey, claims.Subject)
	c.Next()
}

func (h *httpHandler) entityTypeParam(c *gin.Context) (records.EntityType, bool) {
	entityType, err := records.NewEntityType(c.Param("type"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown_entity_type"})
		return "", false
	}
	return entityType, true
}

func (h *httpHandler) respondServiceError(c *gin.Context, err error) {
	code := "internal_error"
	var serviceErr *mutations.ServiceError
	if errors.As(err, &serviceErr) {
		code = serviceErr.Code()
	}
	switch {
	case errors.Is(err, mutations.ErrUnknownField),
		errors.Is(err, mutations.ErrRequiredRelation),
		errors.Is(err, mutations.ErrDanglingRelation),
		errors.Is(err, mutations.ErrTooManyRelations),
		errors.Is(err, mutations.ErrNoChanges):
		detail := err.Error()
		if serviceErr != nil && serviceErr.Unwrap() != nil {
			detail = serviceErr.Unwrap().Error()
		}
		c.JSON(http.StatusBadRequest, gin.H{"error": code, "detail": detail})
	case errors.Is(err, entities.ErrUnknownEntityType), errors.Is(err, records.ErrRecordNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": code})
	default:
		h.logger.Error("record request failed", zap.String("code", code), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": code})
	}
}

func (h *httpHandler) respondQueueError(c *gin.Context, err error) {
	if errors.Is(err, queue.ErrOperationNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "operation_not_found"})
		return
	}
	h.logger.Error("operation request failed", zap.String("operation_id", c.Param("id")), zap.Error(err))
	c.JSON(http.StatusInternalServerError, gin.H{"error": "queue_failed"})
}

func newRecordPayload(record records.Record) recordPayload {
	fields := record.Fields
	if fields == nil {
		fields = records.Fields{}
	}
	return recordPayload{
		ID:                  record.ID,
		RemoteID:            record.RemoteID,
		Synced:              record.Synced,
		UpdatedAt:           record.UpdatedAt,
		Fields:              fields,
		UnresolvedRelations: record.UnresolvedRelations,
	}
}

func newOperationPayload(op queue.Operation) operationPayload {
	return operationPayload{
		ID:          op.ID,
		Operation:   string(op.Type),
		EntityType:  op.EntityType.String(),
		RecordID:    op.RecordID,
		RemoteID:    op.RemoteID,
		Status:      string(op.Status),
		RetryCount:  op.RetryCount,
		Error:       op.Error,
		Data:        op.Data,
		CreatedAt:   op.CreatedAt,
		LastAttempt: optionalTime(op.LastAttempt),
	}
}

func optionalTime(value time.Time) *time.Time {
	if value.IsZero() {
		return nil
	}
	utc := value.UTC()
	return &utc
}
