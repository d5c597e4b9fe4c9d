package api

import (
	"errors"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"devsuite/internal/chat"
	"devsuite/internal/logging"
)

func (h *Handler) createRoom(c *gin.Context) {
	userID, ok := h.authorizedUserID(c)
	if !ok {
		return
	}
	var req struct {
		Name string `json:"name"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	room, err := h.rooms.CreateRoom(c.Request.Context(), userID, req.Name)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusCreated, room)
}

func (h *Handler) listRooms(c *gin.Context) {
	userID, ok := h.authorizedUserID(c)
	if !ok {
		return
	}
	rooms, err := h.rooms.ListRooms(c.Request.Context(), userID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"rooms": rooms})
}

func (h *Handler) joinRoom(c *gin.Context) {
	userID, ok := h.authorizedUserID(c)
	if !ok {
		return
	}
	if err := h.rooms.Join(c.Request.Context(), userID, c.Param("id")); err != nil {
		roomError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *Handler) leaveRoom(c *gin.Context) {
	userID, ok := h.authorizedUserID(c)
	if !ok {
		return
	}
	if err := h.rooms.Leave(c.Request.Context(), userID, c.Param("id")); err != nil {
		roomError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *Handler) roomMessages(c *gin.Context) {
	userID, ok := h.authorizedUserID(c)
	if !ok {
		return
	}
	limit := 0
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid limit"})
			return
		}
		limit = n
	}
	msgs, err := h.rooms.Messages(c.Request.Context(), userID, c.Param("id"), limit)
	if err != nil {
		roomError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"messages": msgs})
}

// roomSocket upgrades a member's connection and hands it to the hub.
func (h *Handler) roomSocket(c *gin.Context) {
	userID, ok := h.authorizedUserID(c)
	if !ok {
		return
	}
	if h.hub == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "chat is disabled"})
		return
	}
	roomID := c.Param("id")
	ctx := c.Request.Context()
	if err := h.rooms.CheckMember(ctx, userID, roomID); err != nil {
		roomError(c, err)
		return
	}
	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		// the upgrader has already written the error response
		logging.FromContext(ctx).Warn().Err(err).Msg("websocket upgrade")
		return
	}
	h.hub.Serve(ctx, conn, userID, roomID)
}

// checkOrigin accepts same-host upgrades, requests without an Origin header
// and the configured frontend origins.
func (h *Handler) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	if strings.EqualFold(u.Host, r.Host) {
		return true
	}
	for _, allowed := range h.origins {
		if allowed == "*" || strings.EqualFold(strings.TrimRight(allowed, "/"), origin) {
			return true
		}
	}
	return false
}

func roomError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, chat.ErrRoomNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case errors.Is(err, chat.ErrNotMember):
		c.JSON(http.StatusForbidden, gin.H{"error": err.Error()})
	default:
		logging.FromContext(c.Request.Context()).Error().Err(err).Msg("room request")
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	}
}
