package api

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"devsuite/internal/logging"
	"devsuite/internal/service/generation"
	"devsuite/internal/service/project"
	"devsuite/internal/worker"
)

type generateRequest struct {
	Prompt    string `json:"prompt"`
	ProjectID string `json:"projectId"`
}

func (h *Handler) generateProject(c *gin.Context) {
	userID, ok := h.authorizedUserID(c)
	if !ok {
		return
	}
	var req generateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"message": "invalid request body", "error": err.Error()})
		return
	}
	ctx := c.Request.Context()
	res, err := h.generator.Generate(ctx, userID, req.ProjectID, req.Prompt)
	if err != nil {
		var empty *generation.EmptyCompletionError
		switch {
		case errors.Is(err, generation.ErrPromptRequired):
			c.JSON(http.StatusBadRequest, gin.H{"message": "prompt is required"})
		case errors.Is(err, generation.ErrProjectNotFound):
			c.JSON(http.StatusNotFound, gin.H{"message": "project not found"})
		case errors.Is(err, worker.ErrDispatcherBusy):
			c.JSON(http.StatusTooManyRequests, gin.H{"message": "server is busy, please retry"})
		case errors.As(err, &empty):
			logging.FromContext(ctx).Error().Err(err).Msg("generate project")
			c.JSON(http.StatusInternalServerError, gin.H{
				"message": "failed to generate project",
				"error":   err.Error(),
				"debug":   empty,
			})
		default:
			logging.FromContext(ctx).Error().Err(err).Msg("generate project")
			c.JSON(http.StatusInternalServerError, gin.H{
				"message": "failed to generate project",
				"error":   err.Error(),
			})
		}
		return
	}

	status, message := http.StatusOK, "Project updated successfully"
	if res.Created {
		status, message = http.StatusCreated, "Project created successfully"
	}
	c.JSON(status, gin.H{
		"projectId": res.ProjectID,
		"message":   message,
		"content":   res.Content,
	})
}

func (h *Handler) listProjects(c *gin.Context) {
	userID, ok := h.authorizedUserID(c)
	if !ok {
		return
	}
	list, err := h.projects.List(c.Request.Context(), userID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"projects": list})
}

func (h *Handler) getProject(c *gin.Context) {
	userID, ok := h.authorizedUserID(c)
	if !ok {
		return
	}
	p, err := h.projects.Get(c.Request.Context(), userID, c.Param("id"))
	if err != nil {
		h.projectError(c, err)
		return
	}
	c.JSON(http.StatusOK, p)
}

func (h *Handler) projectPrompts(c *gin.Context) {
	userID, ok := h.authorizedUserID(c)
	if !ok {
		return
	}
	turns, err := h.projects.Turns(c.Request.Context(), userID, c.Param("id"))
	if err != nil {
		h.projectError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"prompts": turns})
}

func (h *Handler) updateProject(c *gin.Context) {
	userID, ok := h.authorizedUserID(c)
	if !ok {
		return
	}
	var req struct {
		Title       *string `json:"title"`
		Description *string `json:"description"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	p, err := h.projects.Rename(c.Request.Context(), userID, c.Param("id"), req.Title, req.Description)
	if err != nil {
		h.projectError(c, err)
		return
	}
	c.JSON(http.StatusOK, p)
}

func (h *Handler) deleteProject(c *gin.Context) {
	userID, ok := h.authorizedUserID(c)
	if !ok {
		return
	}
	if err := h.projects.Delete(c.Request.Context(), userID, strings.TrimSpace(c.Param("id"))); err != nil {
		h.projectError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *Handler) projectError(c *gin.Context, err error) {
	if errors.Is(err, project.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "project not found"})
		return
	}
	if errors.Is(err, project.ErrTitleRequired) {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	logging.FromContext(c.Request.Context()).Error().Err(err).Msg("project request")
	c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
}
