package api

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"devsuite/internal/logging"
	"devsuite/internal/service/sandbox"
)

type executeRequest struct {
	Language string `json:"language"`
	Version  string `json:"version"`
	Code     string `json:"code"`
	Stdin    string `json:"stdin"`
}

func (h *Handler) execute(c *gin.Context) {
	if _, ok := h.authorizedUserID(c); !ok {
		return
	}
	if h.sandbox == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "code execution is disabled"})
		return
	}
	var req executeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	res, err := h.sandbox.Execute(c.Request.Context(), sandbox.Request{
		Language: req.Language,
		Version:  req.Version,
		Code:     req.Code,
		Stdin:    req.Stdin,
	})
	if err != nil {
		switch {
		case errors.Is(err, sandbox.ErrNotConfigured):
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
		case errors.Is(err, sandbox.ErrUpstream):
			logging.FromContext(c.Request.Context()).Error().Err(err).Msg("execute code")
			c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		default:
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		}
		return
	}
	c.JSON(http.StatusOK, res)
}
