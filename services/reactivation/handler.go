package reactivation

import (
	"encoding/json"
	"fmt"
	"net/http"

	"autodev-controlplane/pkg/config"
	"autodev-controlplane/pkg/health"
	"autodev-controlplane/pkg/middleware"

	"github.com/gin-gonic/gin"
	"go.uber.org/fx"
)

type Handler struct {
	orch    *Orchestrator
	tracker *ActiveJobTracker
	views   *Views
}

type HandlerParams struct {
	fx.In
	Orchestrator *Orchestrator
	Tracker      *ActiveJobTracker
	Views        *Views
}

func NewHandler(p HandlerParams) *Handler {
	return &Handler{
		orch:    p.Orchestrator,
		tracker: p.Tracker,
		views:   p.Views,
	}
}

func ProvideEngine(cfg *config.Config) *gin.Engine {
	if cfg.AppEnv == "production" {
		gin.SetMode(gin.ReleaseMode)
	}
	e := gin.New()
	e.Use(gin.Recovery(), middleware.Error())
	return e
}

func RegisterRoutes(e *gin.Engine, h *Handler, hs health.HealthService) {
	e.GET("/healthz", hs.Liveness)
	e.GET("/readyz", hs.Readiness)

	v1 := e.Group("/v1")
	v1.POST("/triggers", h.SubmitTrigger)
	v1.POST("/jobs/events", h.JobEvent)
	v1.PATCH("/tasks/:id/status", h.ApplyStatus)
	v1.GET("/tasks/reactivable", h.ReactivableTasks)
	v1.GET("/runs/active", h.ActiveRuns)
	v1.GET("/reactivations/stats", h.Stats)
}

type submitTriggerRequest struct {
	ExternalRef     string          `json:"external_ref" binding:"required"`
	Title           string          `json:"title"`
	TriggerType     string          `json:"trigger_type" binding:"required"`
	TriggerSource   string          `json:"trigger_source"`
	RequestedStatus string          `json:"requested_status" binding:"required"`
	Payload         json.RawMessage `json:"payload"`
	Confidence      *float64        `json:"confidence"`
}

// SubmitTrigger returns the decision for every call: 202 on accept, a
// reason-mapped 4xx/5xx on rejection. Rejections are decisions, not errors.
func (h *Handler) SubmitTrigger(c *gin.Context) {
	var req submitTriggerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	dec, err := h.orch.SubmitTrigger(c.Request.Context(), TriggerRequest{
		ExternalRef:     req.ExternalRef,
		Title:           req.Title,
		Type:            TriggerType(req.TriggerType),
		Source:          req.TriggerSource,
		RequestedStatus: TaskStatus(req.RequestedStatus),
		Payload:         req.Payload,
		Confidence:      req.Confidence,
	})
	if err != nil {
		_ = c.Error(err)
		return
	}

	if dec.Accepted {
		c.JSON(http.StatusAccepted, dec)
		return
	}

	if dec.Reason == ReasonThrottled {
		c.Header("Retry-After", fmt.Sprintf("%d", int(dec.RetryAfter.Seconds())+1))
	}
	c.JSON(rejectionStatus(dec.Reason), dec)
}

func rejectionStatus(reason Reason) int {
	switch reason {
	case ReasonConcurrentAttempt, ReasonAlreadyActive:
		return http.StatusConflict
	case ReasonThrottled, ReasonMaxReactivationsExceeded:
		return http.StatusTooManyRequests
	case ReasonIllegalTransition:
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

type jobEventRequest struct {
	JobID string `json:"job_id" binding:"required"`
	RunID string `json:"run_id" binding:"required"`
	Event string `json:"event" binding:"required"`
	Error string `json:"error"`
}

func (h *Handler) JobEvent(c *gin.Context) {
	var req jobEventRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	kind := JobEventKind(req.Event)
	if !kind.Valid() {
		c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("unknown event %q", req.Event)})
		return
	}

	h.tracker.Dispatch(JobEvent{
		JobID: req.JobID,
		RunID: req.RunID,
		Event: kind,
		Error: req.Error,
	})
	c.JSON(http.StatusAccepted, gin.H{"status": "queued"})
}

type applyStatusRequest struct {
	Status string `json:"status" binding:"required"`
}

func (h *Handler) ApplyStatus(c *gin.Context) {
	var req applyStatusRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if err := h.orch.ApplyStatus(c.Request.Context(), c.Param("id"), TaskStatus(req.Status)); err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (h *Handler) ReactivableTasks(c *gin.Context) {
	tasks, err := h.views.ReactivableTasks(c.Request.Context())
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"tasks": tasks})
}

func (h *Handler) ActiveRuns(c *gin.Context) {
	runs, err := h.views.ActiveRuns(c.Request.Context())
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"runs": runs})
}

func (h *Handler) Stats(c *gin.Context) {
	stats, err := h.views.Stats(c.Request.Context())
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, stats)
}
