package askuser

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/agentdeck/agentdeck/internal/common/logger"
	"github.com/agentdeck/agentdeck/pkg/ws"
)

// NewSecret returns the per-process loopback bearer secret.
func NewSecret() string {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		panic("askuser: secret generation failed: " + err.Error())
	}
	return hex.EncodeToString(buf)
}

// askRequest is the tool plugin's question payload. Either a single question
// string or a questions array; both normalise to questions[].
type askRequest struct {
	RequestID   string        `json:"requestId,omitempty"`
	SessionID   string        `json:"sessionId"`
	Question    string        `json:"question,omitempty"`
	Options     []string      `json:"options,omitempty"`
	MultiSelect bool          `json:"multiSelect,omitempty"`
	Questions   []ws.Question `json:"questions,omitempty"`
}

// notifyRequest is the tool plugin's fire-and-forget notification payload.
type notifyRequest struct {
	SessionID string `json:"sessionId"`
	Level     string `json:"level,omitempty"`
	Title     string `json:"title"`
	Detail    string `json:"detail,omitempty"`
	Progress  int    `json:"progress,omitempty"`
}

// RegisterRoutes mounts the loopback endpoints the tool plugin calls. notify
// frames go straight to the session's subscribers via emit.
func RegisterRoutes(r *gin.Engine, bridge *Bridge, emit EmitFunc, secret string, log *logger.Logger) {
	slog := log.WithFields(zap.String("component", "askuser_http"))

	auth := bearerAuth(secret)

	r.POST("/ask", auth, func(c *gin.Context) {
		var req askRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
			return
		}
		if req.SessionID == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "sessionId is required"})
			return
		}

		questions := req.Questions
		if len(questions) == 0 {
			if req.Question == "" {
				c.JSON(http.StatusBadRequest, gin.H{"error": "question is required"})
				return
			}
			questions = []ws.Question{{
				Question:    req.Question,
				Options:     req.Options,
				MultiSelect: req.MultiSelect,
			}}
		}

		answer := bridge.Ask(c.Request.Context(), req.RequestID, req.SessionID, questions)
		c.JSON(http.StatusOK, gin.H{"answer": answer})
	})

	r.POST("/notify", auth, func(c *gin.Context) {
		var req notifyRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
			return
		}
		if req.SessionID == "" || req.Title == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "sessionId and title are required"})
			return
		}

		emit(req.SessionID, ws.TypeNotification, ws.Marshal(ws.NotificationFrame{
			Type:     ws.TypeNotification,
			Level:    req.Level,
			Title:    req.Title,
			Detail:   req.Detail,
			Progress: req.Progress,
		}))
		slog.Debug("notification forwarded", zap.String("session_id", req.SessionID))
		c.JSON(http.StatusOK, gin.H{"ok": true})
	})
}

// bearerAuth rejects requests without the per-process loopback secret.
func bearerAuth(secret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		token, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || subtle.ConstantTimeCompare([]byte(token), []byte(secret)) != 1 {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		c.Next()
	}
}
