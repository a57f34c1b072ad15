package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/ksanyok/promopilot-sub004/internal/domain"
	"github.com/ksanyok/promopilot-sub004/internal/launcher"
	"github.com/ksanyok/promopilot-sub004/internal/logger"
	"github.com/ksanyok/promopilot-sub004/internal/promotion"
)

// RunService is the run lifecycle the handlers drive.
type RunService interface {
	Start(ctx context.Context, projectID int64) (*domain.Run, launcher.Outcome, error)
	Status(ctx context.Context, runID int64) (*promotion.RunView, error)
	Cancel(ctx context.Context, runID int64) error
	KickRun(ctx context.Context, runID int64) (launcher.Outcome, error)
}

// PublicationCallbacks receives publisher reports.
type PublicationCallbacks interface {
	MarkStarted(ctx context.Context, nodeID int64) (*domain.Node, error)
	Complete(ctx context.Context, nodeID int64, res domain.PublicationResult) (*domain.Node, error)
}

// Handler serves the run and publication endpoints.
type Handler struct {
	runs         RunService
	publications PublicationCallbacks
	log          logger.Logger
}

// NewHandler creates a handler.
func NewHandler(runs RunService, publications PublicationCallbacks, log logger.Logger) *Handler {
	return &Handler{runs: runs, publications: publications, log: log}
}

type startRunRequest struct {
	ProjectID int64 `binding:"required,gt=0" json:"project_id"`
}

type publicationResultRequest struct {
	domain.PublicationResult
	// Status is accepted as an alternative to success=true.
	Status string `json:"status,omitempty"`
}

// StartRun handles POST /api/v1/runs.
func (h *Handler) StartRun(c *gin.Context) {
	var req startRunRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body: " + err.Error()})
		return
	}

	run, out, err := h.runs.Start(c.Request.Context(), req.ProjectID)
	if err != nil {
		if errors.Is(err, domain.ErrRunActive) && run != nil {
			c.JSON(http.StatusConflict, gin.H{"error": err.Error(), "run": run})
			return
		}
		h.handleError(c, err, "start run")
		return
	}

	c.JSON(http.StatusCreated, gin.H{"run": run, "launch": out})
}

// GetRun handles GET /api/v1/runs/:id.
func (h *Handler) GetRun(c *gin.Context) {
	id, ok := parseIDParam(c, "id", "run")
	if !ok {
		return
	}

	view, err := h.runs.Status(c.Request.Context(), id)
	if err != nil {
		h.handleError(c, err, "get run")
		return
	}
	c.JSON(http.StatusOK, view)
}

// CancelRun handles POST /api/v1/runs/:id/cancel.
func (h *Handler) CancelRun(c *gin.Context) {
	id, ok := parseIDParam(c, "id", "run")
	if !ok {
		return
	}

	if err := h.runs.Cancel(c.Request.Context(), id); err != nil {
		h.handleError(c, err, "cancel run")
		return
	}
	c.JSON(http.StatusOK, gin.H{"id": id, "status": domain.RunCancelled})
}

// KickRun handles POST /api/v1/runs/:id/kick.
func (h *Handler) KickRun(c *gin.Context) {
	id, ok := parseIDParam(c, "id", "run")
	if !ok {
		return
	}

	out, err := h.runs.KickRun(c.Request.Context(), id)
	if err != nil {
		h.handleError(c, err, "kick run")
		return
	}
	c.JSON(http.StatusOK, out)
}

// StartPublication handles POST /api/v1/publications/:node_id/start.
func (h *Handler) StartPublication(c *gin.Context) {
	id, ok := parseIDParam(c, "node_id", "node")
	if !ok {
		return
	}

	node, err := h.publications.MarkStarted(c.Request.Context(), id)
	if err != nil {
		h.handleError(c, err, "start publication")
		return
	}
	c.JSON(http.StatusOK, node)
}

// CompletePublication handles POST /api/v1/publications/:node_id/result.
// A report for a node that already finished is answered with 409.
func (h *Handler) CompletePublication(c *gin.Context) {
	id, ok := parseIDParam(c, "node_id", "node")
	if !ok {
		return
	}

	var req publicationResultRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body: " + err.Error()})
		return
	}
	res := req.PublicationResult
	if req.Status == "success" {
		res.Success = true
	}

	node, err := h.publications.Complete(c.Request.Context(), id, res)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			c.JSON(http.StatusConflict, gin.H{"error": "node is not awaiting a result"})
			return
		}
		h.handleError(c, err, "complete publication")
		return
	}
	c.JSON(http.StatusOK, node)
}

func parseIDParam(c *gin.Context, param, entity string) (int64, bool) {
	id, err := strconv.ParseInt(c.Param(param), 10, 64)
	if err != nil || id <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid " + entity + " ID"})
		return 0, false
	}
	return id, true
}

// handleError maps domain errors to status codes; anything unrecognised is
// logged and reported as 500.
func (h *Handler) handleError(c *gin.Context, err error, op string) {
	switch {
	case errors.Is(err, domain.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case errors.Is(err, domain.ErrRunActive),
		errors.Is(err, domain.ErrRunTerminal),
		errors.Is(err, domain.ErrClaimLost),
		errors.Is(err, domain.ErrInvalidTransition):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	case errors.Is(err, domain.ErrInvalidProject):
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error()})
	default:
		h.log.Error("Request failed", logger.String("operation", op), logger.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to " + op})
	}
}
