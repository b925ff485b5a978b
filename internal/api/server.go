// Package api exposes the operational HTTP surface: health, metrics, the
// saved-search list, the execution ledger and the manual run trigger.
package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ivolnistov/telegram-rutor-bot/internal/model"
	"github.com/ivolnistov/telegram-rutor-bot/internal/pkg/queue"
	"github.com/ivolnistov/telegram-rutor-bot/internal/scheduler"
	"github.com/ivolnistov/telegram-rutor-bot/internal/search"
)

// Store is the read surface the API serves.
type Store interface {
	ListSearches(ctx context.Context) ([]model.Search, error)
	ListExecutions(ctx context.Context, limit int) ([]model.TaskExecution, error)
}

// Trigger starts a search run outside its schedule.
type Trigger interface {
	RunNow(ctx context.Context, searchID uint, notifySubs bool) (*model.TaskExecution, error)
}

// Server wires the gin router.
type Server struct {
	logger  *slog.Logger
	store   Store
	trigger Trigger
}

func NewServer(logger *slog.Logger, store Store, trigger Trigger) *Server {
	return &Server{logger: logger, store: store, trigger: trigger}
}

// Router builds the HTTP routes.
func (s *Server) Router() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	apiGroup := r.Group("/api")
	{
		apiGroup.GET("/searches", s.listSearches)
		apiGroup.POST("/searches/:id/run", s.runSearch)
		apiGroup.GET("/executions", s.listExecutions)
	}

	return r
}

func (s *Server) listSearches(c *gin.Context) {
	searches, err := s.store.ListSearches(c.Request.Context())
	if err != nil {
		s.logger.Error("list searches", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"searches": searches})
}

// runSearch triggers a run immediately. ?notify=false suppresses the
// subscriber fan-out for this run.
func (s *Server) runSearch(c *gin.Context) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 32)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid search id"})
		return
	}

	notifySubs := true
	if v := c.Query("notify"); v != "" {
		parsed, err := strconv.ParseBool(v)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid notify value"})
			return
		}
		notifySubs = parsed
	}

	exec, err := s.trigger.RunNow(c.Request.Context(), uint(id), notifySubs)
	switch {
	case errors.Is(err, search.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "search not found"})
	case errors.Is(err, scheduler.ErrAlreadyRunning):
		c.JSON(http.StatusConflict, gin.H{"error": "search is already running"})
	case errors.Is(err, queue.ErrFull):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "run queue is full"})
	case err != nil:
		s.logger.Error("trigger run", slog.Uint64("search_id", id), slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	default:
		c.JSON(http.StatusAccepted, gin.H{"execution_id": exec.ID, "status": exec.Status})
	}
}

func (s *Server) listExecutions(c *gin.Context) {
	limit := 50
	if v := c.Query("limit"); v != "" {
		parsed, err := strconv.Atoi(v)
		if err != nil || parsed <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid limit"})
			return
		}
		limit = parsed
	}

	execs, err := s.store.ListExecutions(c.Request.Context(), limit)
	if err != nil {
		s.logger.Error("list executions", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"executions": execs})
}
