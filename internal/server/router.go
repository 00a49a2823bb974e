package server

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/projectlens/mirrorsync/internal/merge"
	"github.com/projectlens/mirrorsync/internal/mirror"
	"github.com/projectlens/mirrorsync/internal/payload"
	"github.com/projectlens/mirrorsync/internal/reconcile"
	"go.uber.org/zap"
)

const commitTargetAll = "all"

var (
	errMissingMergeEngine = errors.New("merge engine dependency required")
	errMissingCoordinator = errors.New("reconciliation coordinator dependency required")
	errMissingMirrorStore = errors.New("mirror store dependency required")
)

// Dependencies bundles the collaborators of the HTTP surface. Callers are
// authenticated by the permission layer in front of this service; user
// identity arrives as plain request data.
type Dependencies struct {
	MergeEngine *merge.Engine
	Coordinator *reconcile.Coordinator
	MirrorStore *mirror.Store
	Logger      *zap.Logger
}

// NewHTTPHandler wires the record read/draft/commit surface onto a gin
// router.
func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.MergeEngine == nil {
		return nil, errMissingMergeEngine
	}
	if deps.Coordinator == nil {
		return nil, errMissingCoordinator
	}
	if deps.MirrorStore == nil {
		return nil, errMissingMirrorStore
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(cors.New(cors.Config{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowHeaders: []string{"Authorization", "Content-Type"},
		MaxAge:       12 * time.Hour,
	}))

	handler := &httpHandler{
		mergeEngine: deps.MergeEngine,
		coordinator: deps.Coordinator,
		mirrorStore: deps.MirrorStore,
		logger:      logger,
	}

	router.GET("/healthz", handler.handleHealthz)

	records := router.Group("/records")
	records.GET("/:tenantId", handler.handleListRecords)
	records.GET("/:tenantId/sync-status", handler.handleSyncStatus)
	records.POST("/:tenantId/commit", handler.handleCommit)
	records.POST("/:tenantId/:recordId/draft", handler.handleSaveDraft)
	records.POST("/:tenantId/:recordId/discard", handler.handleDiscardDraft)

	return router, nil
}

type httpHandler struct {
	mergeEngine *merge.Engine
	coordinator *reconcile.Coordinator
	mirrorStore *mirror.Store
	logger      *zap.Logger
}

func (h *httpHandler) handleHealthz(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

type effectiveRecordPayload struct {
	RecordID          string         `json:"record_id"`
	Payload           payload.Fields `json:"payload"`
	HasPendingChanges bool           `json:"has_pending_changes"`
	MirrorVersion     string         `json:"mirror_version"`
	LastSyncedAtS     int64          `json:"last_synced_at_s"`
	LocalOnly         bool           `json:"local_only"`
}

func (h *httpHandler) handleListRecords(c *gin.Context) {
	tenantID := strings.TrimSpace(c.Param("tenantId"))
	userID := strings.TrimSpace(c.Query("userId"))
	if tenantID == "" || userID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	filter := merge.ParseFilter(c.Query("filter"))
	records, err := h.mergeEngine.ViewAll(c.Request.Context(), tenantID, userID, filter)
	if err != nil {
		h.logger.Error("failed to list effective records",
			zap.String("tenant_id", tenantID),
			zap.String("user_id", userID),
			zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "list_failed"})
		return
	}

	response := make([]effectiveRecordPayload, 0, len(records))
	for _, record := range records {
		item := effectiveRecordPayload{
			RecordID:          record.RecordID,
			Payload:           record.Payload,
			HasPendingChanges: record.HasPendingChanges,
			MirrorVersion:     record.MirrorVersion,
			LocalOnly:         record.LocalOnly,
		}
		if !record.LastSyncedAt.IsZero() {
			item.LastSyncedAtS = record.LastSyncedAt.Unix()
		}
		response = append(response, item)
	}
	c.JSON(http.StatusOK, gin.H{"records": response})
}

type draftRequestPayload struct {
	UserID        string         `json:"userId"`
	ChangedFields payload.Fields `json:"changedFields"`
}

func (h *httpHandler) handleSaveDraft(c *gin.Context) {
	tenantID := strings.TrimSpace(c.Param("tenantId"))
	recordID := strings.TrimSpace(c.Param("recordId"))

	var request draftRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	userID := strings.TrimSpace(request.UserID)
	if tenantID == "" || recordID == "" || userID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	if len(request.ChangedFields) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "empty_changed_fields"})
		return
	}

	if _, err := h.coordinator.SaveDraft(c.Request.Context(), tenantID, userID, recordID, request.ChangedFields); err != nil {
		h.logger.Error("failed to save draft",
			zap.String("tenant_id", tenantID),
			zap.String("user_id", userID),
			zap.String("record_id", recordID),
			zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "draft_save_failed"})
		return
	}
	c.Status(http.StatusNoContent)
}

type discardRequestPayload struct {
	UserID string `json:"userId"`
}

func (h *httpHandler) handleDiscardDraft(c *gin.Context) {
	tenantID := strings.TrimSpace(c.Param("tenantId"))
	recordID := strings.TrimSpace(c.Param("recordId"))

	var request discardRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	userID := strings.TrimSpace(request.UserID)
	if tenantID == "" || recordID == "" || userID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	if err := h.coordinator.DiscardDraft(c.Request.Context(), tenantID, userID, recordID); err != nil {
		h.logger.Error("failed to discard draft",
			zap.String("tenant_id", tenantID),
			zap.String("user_id", userID),
			zap.String("record_id", recordID),
			zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "discard_failed"})
		return
	}
	c.Status(http.StatusNoContent)
}

type commitRequestPayload struct {
	UserID   string `json:"userId"`
	RecordID string `json:"recordId"`
}

func (h *httpHandler) handleCommit(c *gin.Context) {
	tenantID := strings.TrimSpace(c.Param("tenantId"))

	var request commitRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	userID := strings.TrimSpace(request.UserID)
	recordID := strings.TrimSpace(request.RecordID)
	if tenantID == "" || userID == "" || recordID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	var result reconcile.Result
	var err error
	if recordID == commitTargetAll {
		result, err = h.coordinator.CommitAll(c.Request.Context(), tenantID, userID)
	} else {
		result, err = h.coordinator.Commit(c.Request.Context(), tenantID, userID, recordID)
	}
	if err != nil {
		h.logger.Error("commit failed",
			zap.String("tenant_id", tenantID),
			zap.String("user_id", userID),
			zap.String("record_id", recordID),
			zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "commit_failed"})
		return
	}

	if result.Committed == nil {
		result.Committed = []reconcile.Committed{}
	}
	if result.Conflicts == nil {
		result.Conflicts = []reconcile.Conflict{}
	}
	if result.Rejected == nil {
		result.Rejected = []reconcile.Rejection{}
	}
	c.JSON(http.StatusOK, result)
}

type syncStatusPayload struct {
	RunID            string `json:"run_id"`
	TenantID         string `json:"tenant_id"`
	Status           string `json:"status"`
	StartedAtS       int64  `json:"started_at_s"`
	FinishedAtS      int64  `json:"finished_at_s"`
	RecordsProcessed int64  `json:"records_processed"`
	Error            string `json:"error,omitempty"`
}

func (h *httpHandler) handleSyncStatus(c *gin.Context) {
	tenantID := strings.TrimSpace(c.Param("tenantId"))
	if tenantID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	run, err := h.mirrorStore.LastRun(c.Request.Context(), tenantID)
	if errors.Is(err, mirror.ErrNoRuns) {
		c.JSON(http.StatusNotFound, gin.H{"error": "no_sync_runs"})
		return
	}
	if err != nil {
		h.logger.Error("failed to load sync status",
			zap.String("tenant_id", tenantID),
			zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "sync_status_failed"})
		return
	}

	c.JSON(http.StatusOK, syncStatusPayload{
		RunID:            run.RunID,
		TenantID:         run.TenantID,
		Status:           string(run.Status),
		StartedAtS:       run.StartedAtSeconds,
		FinishedAtS:      run.FinishedAtSeconds,
		RecordsProcessed: run.RecordsProcessed,
		Error:            run.Error,
	})
}
