package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/MarcoPoloResearchLab/animeshelf/internal/connectivity"
	"github.com/MarcoPoloResearchLab/animeshelf/internal/coordinator"
	"github.com/MarcoPoloResearchLab/animeshelf/internal/library"
	"github.com/MarcoPoloResearchLab/animeshelf/internal/remote"
	"github.com/MarcoPoloResearchLab/animeshelf/internal/tracker"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

var (
	errMissingLibrary      = errors.New("library dependency required")
	errMissingTracker      = errors.New("tracker dependency required")
	errMissingSync         = errors.New("sync dependency required")
	errMissingConnectivity = errors.New("connectivity dependency required")
)

// LibraryReader is the read side of the entry store.
type LibraryReader interface {
	ListByStatus(ctx context.Context, status library.Status) ([]library.Entry, error)
	ListAll(ctx context.Context) ([]library.Entry, error)
	FindByLocalID(ctx context.Context, localID int64) (library.Entry, error)
	FindMediaRecord(ctx context.Context, mediaID int64) (library.MediaRecord, error)
	CountByStatus(ctx context.Context) (map[library.Status]int64, error)
}

// Tracker applies user edits.
type Tracker interface {
	Add(ctx context.Context, request tracker.AddRequest) (library.Entry, error)
	SetProgress(ctx context.Context, localID int64, progress int) (library.Entry, error)
	SetStatus(ctx context.Context, localID int64, status library.Status) (library.Entry, error)
	Move(ctx context.Context, localID int64, status library.Status) (library.Entry, error)
	SetScore(ctx context.Context, localID int64, score *float64) (library.Entry, error)
	Reorder(ctx context.Context, status library.Status, fromIndex, toIndex int) ([]library.Entry, error)
	Remove(ctx context.Context, localID int64) (library.Entry, error)
}

// SyncController runs and reports sync.
type SyncController interface {
	Bootstrap(ctx context.Context) (coordinator.RunResult, error)
	Refresh(ctx context.Context) (coordinator.RunResult, error)
	DrainQueue(ctx context.Context) (coordinator.RunResult, error)
	Synchronize(ctx context.Context) (coordinator.RunResult, error)
	Status(ctx context.Context) (coordinator.Status, error)
}

// Dependencies wires the HTTP handler.
type Dependencies struct {
	Library        LibraryReader
	Tracker        Tracker
	Sync           SyncController
	Connectivity   connectivity.Signal
	Metrics        http.Handler
	AllowedOrigins []string
	Logger         *zap.Logger
}

// NewHTTPHandler builds the local API router.
func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.Library == nil {
		return nil, errMissingLibrary
	}
	if deps.Tracker == nil {
		return nil, errMissingTracker
	}
	if deps.Sync == nil {
		return nil, errMissingSync
	}
	if deps.Connectivity == nil {
		return nil, errMissingConnectivity
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(corsMiddleware(deps.AllowedOrigins))

	handler := &httpHandler{
		library:      deps.Library,
		tracker:      deps.Tracker,
		sync:         deps.Sync,
		connectivity: deps.Connectivity,
		logger:       logger,
	}

	router.GET("/healthz", handler.handleHealth)
	if deps.Metrics != nil {
		router.GET("/metrics", gin.WrapH(deps.Metrics))
	}

	router.GET("/entries", handler.handleListEntries)
	router.POST("/entries", handler.handleAddEntry)
	router.GET("/entries/:id", handler.handleGetEntry)
	router.DELETE("/entries/:id", handler.handleRemoveEntry)
	router.PATCH("/entries/:id/progress", handler.handleSetProgress)
	router.PATCH("/entries/:id/status", handler.handleSetStatus)
	router.PATCH("/entries/:id/score", handler.handleSetScore)
	router.POST("/entries/:id/move", handler.handleMoveEntry)

	router.GET("/lists", handler.handleListCounts)
	router.POST("/lists/:status/reorder", handler.handleReorder)

	router.POST("/sync/bootstrap", handler.handleSyncRun(deps.Sync.Bootstrap))
	router.POST("/sync/refresh", handler.handleSyncRun(deps.Sync.Refresh))
	router.POST("/sync/drain", handler.handleSyncRun(deps.Sync.DrainQueue))
	router.POST("/sync/run", handler.handleSyncRun(deps.Sync.Synchronize))
	router.GET("/sync/status", handler.handleSyncStatus)

	router.GET("/events", handler.handleEvents)

	return router, nil
}

func corsMiddleware(allowedOrigins []string) gin.HandlerFunc {
	config := cors.Config{
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPatch, http.MethodDelete, http.MethodOptions},
		AllowHeaders: []string{"Content-Type", "Accept", "Last-Event-ID"},
		MaxAge:       12 * time.Hour,
	}
	if len(allowedOrigins) == 0 {
		config.AllowAllOrigins = true
	} else {
		config.AllowOrigins = allowedOrigins
	}
	return cors.New(config)
}

type httpHandler struct {
	library      LibraryReader
	tracker      Tracker
	sync         SyncController
	connectivity connectivity.Signal
	logger       *zap.Logger
}

func (h *httpHandler) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok", "online": h.connectivity.Online()})
}

// respondError maps domain errors onto HTTP statuses and stable codes.
func (h *httpHandler) respondError(c *gin.Context, err error) {
	status, code := classifyError(err)
	if status >= http.StatusInternalServerError {
		h.logger.Error("request failed",
			zap.String("method", c.Request.Method),
			zap.String("path", c.FullPath()),
			zap.String("code", code),
			zap.Error(err))
	}
	c.JSON(status, gin.H{"error": code})
}

func classifyError(err error) (int, string) {
	switch {
	case errors.Is(err, library.ErrNotFound):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, library.ErrMediaNotFound):
		return http.StatusNotFound, "media_not_found"
	case errors.Is(err, library.ErrDuplicateEntry):
		return http.StatusConflict, "duplicate_entry"
	case errors.Is(err, library.ErrInvalidIndex):
		return http.StatusBadRequest, "invalid_index"
	case errors.Is(err, library.ErrInvalidStatus):
		return http.StatusBadRequest, "invalid_status"
	case errors.Is(err, library.ErrInvalidProgress):
		return http.StatusBadRequest, "invalid_progress"
	case errors.Is(err, library.ErrInvalidScore):
		return http.StatusBadRequest, "invalid_score"
	case errors.Is(err, library.ErrInvalidMediaID):
		return http.StatusBadRequest, "invalid_media_id"
	case errors.Is(err, coordinator.ErrUnauthenticated):
		return http.StatusUnauthorized, "unauthenticated"
	case errors.Is(err, coordinator.ErrOffline):
		return http.StatusServiceUnavailable, "offline"
	case remote.IsKind(err, remote.KindRateLimitExceeded), remote.IsKind(err, remote.KindRateLimited):
		return http.StatusTooManyRequests, "rate_limited"
	}
	if _, ok := remote.KindOf(err); ok {
		return http.StatusBadGateway, "remote_failed"
	}
	return http.StatusInternalServerError, "internal_error"
}
