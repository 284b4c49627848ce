package orchestrator

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/taskdeck/taskdeck/internal/common/apperr"
	"github.com/taskdeck/taskdeck/internal/common/logger"
	"github.com/taskdeck/taskdeck/internal/events/hub"
	"github.com/taskdeck/taskdeck/internal/task"
)

// Handler exposes the task surface over HTTP.
type Handler struct {
	service         *Service
	hub             *hub.Hub
	streamHeartbeat time.Duration
	logger          *logger.Logger
}

// NewHandler creates the task handler.
func NewHandler(svc *Service, h *hub.Hub, streamHeartbeat time.Duration, log *logger.Logger) *Handler {
	return &Handler{service: svc, hub: h, streamHeartbeat: streamHeartbeat, logger: log}
}

// RegisterRoutes attaches the task endpoints to the API group. Every :id
// route goes through the id-shape gate before its handler.
func (h *Handler) RegisterRoutes(api *gin.RouterGroup) {
	api.POST("/tasks", h.createTask)
	api.GET("/tasks", h.listTasks)

	tasks := api.Group("/tasks/:id", RequireTaskID())
	tasks.GET("", h.getTask)
	tasks.PATCH("", h.updateTask)
	tasks.DELETE("", h.deleteTask)

	tasks.POST("/generate-spec", h.generateSpec)
	tasks.POST("/regenerate-spec", h.regenerateSpec)
	tasks.PATCH("/spec", h.editSpec)
	tasks.POST("/approve-spec", h.approveSpec)
	tasks.POST("/approve-plan", h.approvePlan)
	tasks.POST("/start", h.execute)
	tasks.POST("/execute", h.executeAsync)
	tasks.POST("/feedback", h.feedback)
	tasks.POST("/extend", h.extend)
	tasks.POST("/cancel", h.cancel)
	tasks.POST("/approve", h.approve)
	tasks.POST("/request-changes", h.requestChanges)
	tasks.POST("/pr-merged", h.prMerged)
	tasks.POST("/pr-closed", h.prClosed)
	tasks.POST("/cleanup-worktree", h.cleanupWorktree)
	tasks.POST("/open-editor", h.openEditor)
	tasks.POST("/resolve-conflicts", h.resolveConflicts)
	tasks.GET("/changes", h.changes)
	tasks.GET("/pr-comments", h.prComments)
	tasks.GET("/logs", h.streamSSE)
	tasks.GET("/events", h.streamSSE)
	tasks.GET("/ws", h.streamWS)
}

// RequireTaskID rejects any :id not matching the opaque task id pattern
// before the handler runs, so malformed ids never reach storage or the
// filesystem.
func RequireTaskID() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !task.ValidTaskID(c.Param("id")) {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid-id"})
			return
		}
		c.Next()
	}
}

func (h *Handler) createTask(c *gin.Context) {
	var req CreateTaskRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}
	t, err := h.service.Create(c.Request.Context(), &req)
	if err != nil {
		h.renderError(c, err)
		return
	}
	c.JSON(http.StatusCreated, t)
}

func (h *Handler) listTasks(c *gin.Context) {
	tasks, err := h.service.List(c.Request.Context(), c.Query("repository_id"))
	if err != nil {
		h.renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, tasks)
}

func (h *Handler) getTask(c *gin.Context) {
	t, err := h.service.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, t)
}

func (h *Handler) updateTask(c *gin.Context) {
	var req UpdateTaskRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}
	t, err := h.service.Update(c.Request.Context(), c.Param("id"), &req)
	if err != nil {
		h.renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, t)
}

func (h *Handler) deleteTask(c *gin.Context) {
	if err := h.service.Delete(c.Request.Context(), c.Param("id")); err != nil {
		h.renderError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *Handler) generateSpec(c *gin.Context) {
	if err := h.service.GenerateSpec(c.Request.Context(), c.Param("id")); err != nil {
		h.renderError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"status": string(task.StatusRefining)})
}

func (h *Handler) regenerateSpec(c *gin.Context) {
	if err := h.service.RegenerateSpec(c.Request.Context(), c.Param("id")); err != nil {
		h.renderError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"status": string(task.StatusRefining)})
}

func (h *Handler) editSpec(c *gin.Context) {
	var req struct {
		Spec string `json:"spec"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}
	t, err := h.service.EditSpec(c.Request.Context(), c.Param("id"), req.Spec)
	if err != nil {
		h.renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, t)
}

func (h *Handler) approveSpec(c *gin.Context) {
	t, err := h.service.ApproveSpec(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, t)
}

func (h *Handler) approvePlan(c *gin.Context) {
	if err := h.service.ApprovePlan(c.Request.Context(), c.Param("id")); err != nil {
		h.renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": string(task.StatusCoding)})
}

func (h *Handler) execute(c *gin.Context) {
	if err := h.service.Execute(c.Request.Context(), c.Param("id")); err != nil {
		h.renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": string(task.StatusPlanning)})
}

func (h *Handler) executeAsync(c *gin.Context) {
	if err := h.service.Execute(c.Request.Context(), c.Param("id")); err != nil {
		h.renderError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"status": string(task.StatusPlanning)})
}

func (h *Handler) feedback(c *gin.Context) {
	var req struct {
		Message string `json:"message"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}
	if err := h.service.Feedback(c.Request.Context(), c.Param("id"), req.Message); err != nil {
		h.renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"accepted": true})
}

func (h *Handler) extend(c *gin.Context) {
	deadline, err := h.service.Extend(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"new_timeout": deadline.UTC()})
}

func (h *Handler) cancel(c *gin.Context) {
	if err := h.service.Cancel(c.Request.Context(), c.Param("id")); err != nil {
		h.renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "canceling"})
}

func (h *Handler) approve(c *gin.Context) {
	prURL, err := h.service.Approve(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"pr_url": prURL})
}

func (h *Handler) requestChanges(c *gin.Context) {
	var req struct {
		Feedback string `json:"feedback"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}
	if err := h.service.RequestChanges(c.Request.Context(), c.Param("id"), req.Feedback); err != nil {
		h.renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": string(task.StatusChangesRequested)})
}

func (h *Handler) prMerged(c *gin.Context) {
	if err := h.service.PRMerged(c.Request.Context(), c.Param("id")); err != nil {
		h.renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": string(task.StatusDone)})
}

func (h *Handler) prClosed(c *gin.Context) {
	if err := h.service.PRClosed(c.Request.Context(), c.Param("id")); err != nil {
		h.renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": string(task.StatusCanceled)})
}

func (h *Handler) cleanupWorktree(c *gin.Context) {
	if err := h.service.CleanupWorktree(c.Request.Context(), c.Param("id")); err != nil {
		h.renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"cleaned": true})
}

func (h *Handler) openEditor(c *gin.Context) {
	if err := h.service.OpenEditor(c.Request.Context(), c.Param("id")); err != nil {
		h.renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"opened": true})
}

func (h *Handler) resolveConflicts(c *gin.Context) {
	prURL, remaining, err := h.service.ResolveConflicts(c.Request.Context(), c.Param("id"))
	if err != nil {
		if len(remaining) > 0 {
			c.JSON(http.StatusConflict, gin.H{
				"error":          apperr.MessageOf(err),
				"conflict_files": remaining,
			})
			return
		}
		h.renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"pr_url": prURL})
}

func (h *Handler) changes(c *gin.Context) {
	snapshot, err := h.service.Changes(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, snapshot)
}

func (h *Handler) prComments(c *gin.Context) {
	comments, err := h.service.PRComments(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"comments": comments, "totalCount": len(comments)})
}

// connectState assembles the replay-time snapshot the stream transports
// need.
func (h *Handler) connectState(c *gin.Context) (hub.ConnectState, bool) {
	t, err := h.service.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.renderError(c, err)
		return hub.ConnectState{}, false
	}

	status := task.Normalize(t.Status)
	startedAt, deadline, running := h.service.RunInfo(t.ID)
	return hub.ConnectState{
		Status:       string(status),
		Terminal:     status.IsTerminal(),
		PRURL:        t.PRURL,
		ErrorMessage: t.ErrorMessage,
		AwaitingReview: status == task.StatusAwaitingReview ||
			status == task.StatusPlanReview,
		AgentRunning: running,
		RunningSince: startedAt,
		Deadline:     deadline,
	}, true
}

func (h *Handler) streamSSE(c *gin.Context) {
	state, ok := h.connectState(c)
	if !ok {
		return
	}
	h.hub.ServeSSE(c, c.Param("id"), state, h.streamHeartbeat)
}

func (h *Handler) streamWS(c *gin.Context) {
	state, ok := h.connectState(c)
	if !ok {
		return
	}
	h.hub.ServeWS(c, c.Param("id"), state)
}

func (h *Handler) renderError(c *gin.Context, err error) {
	kind := apperr.KindOf(err)
	switch kind {
	case apperr.KindInvalidInput:
		if details := apperr.DetailsOf(err); len(details) > 0 {
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "Validation failed",
				"details": details,
			})
			return
		}
		c.JSON(http.StatusBadRequest, gin.H{"error": apperr.MessageOf(err)})
	case apperr.KindInvalidTransition:
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "Invalid task status",
			"message": apperr.MessageOf(err),
		})
	default:
		if kind == apperr.KindUnexpected || kind == apperr.KindBackendFailure {
			h.logger.Error("task operation failed",
				zap.String("task_id", c.Param("id")), zap.Error(err))
		}
		c.JSON(apperr.HTTPStatus(kind), gin.H{"error": apperr.MessageOf(err)})
	}
}
