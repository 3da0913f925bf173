package api

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/agentdeck/agentdeck/internal/common/logger"
	"github.com/agentdeck/agentdeck/internal/session"
	"github.com/agentdeck/agentdeck/internal/store"
)

// SessionHandler serves session read/delete endpoints.
type SessionHandler struct {
	store  *store.Store
	engine *session.Engine
	logger *logger.Logger
}

// NewSessionHandler creates the session REST handler.
func NewSessionHandler(st *store.Store, engine *session.Engine, log *logger.Logger) *SessionHandler {
	return &SessionHandler{
		store:  st,
		engine: engine,
		logger: log.WithFields(zap.String("component", "session_api")),
	}
}

// RegisterRoutes mounts the session endpoints under /api/v1.
func (h *SessionHandler) RegisterRoutes(r *gin.Engine) {
	g := r.Group("/api/v1/sessions")
	g.GET("", h.list)
	g.GET("/:id", h.get)
	g.GET("/:id/messages", h.messages)
	g.DELETE("/:id", h.delete)
}

func (h *SessionHandler) list(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	offset, _ := strconv.Atoi(c.DefaultQuery("offset", "0"))

	sessions, err := h.store.ListSessions(c.Request.Context(), limit, offset)
	if err != nil {
		h.logger.Error("failed to list sessions", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list sessions"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"sessions": sessions})
}

func (h *SessionHandler) get(c *gin.Context) {
	sess, err := h.store.GetSession(c.Request.Context(), c.Param("id"))
	if err == store.ErrNotFound {
		c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load session"})
		return
	}

	active := h.engine.ActiveTurnFor(sess.ID) != nil
	c.JSON(http.StatusOK, gin.H{"session": sess, "active": active})
}

func (h *SessionHandler) messages(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "200"))
	offset, _ := strconv.Atoi(c.DefaultQuery("offset", "0"))
	excludeTools := c.Query("excludeTools") == "true"

	msgs, err := h.store.ListMessages(c.Request.Context(), c.Param("id"), excludeTools, limit, offset)
	if err != nil {
		h.logger.Error("failed to list messages", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list messages"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"messages": msgs})
}

func (h *SessionHandler) delete(c *gin.Context) {
	id := c.Param("id")

	// A session with a turn in flight is stopped first.
	h.engine.StopTurn(id)

	err := h.store.DeleteSession(c.Request.Context(), id)
	if err == store.ErrNotFound {
		c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to delete session"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}
