package handler

import (
	"context"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/kart-io/logger"

	"github.com/kart-io/docchat/internal/docchat/biz"
	"github.com/kart-io/docchat/pkg/utils/response"
)

// CreateSessionRequest opens a chat session.
type CreateSessionRequest struct {
	APIKey string `json:"api_key" validate:"omitempty,max=512"`
}

// SessionResponse describes a session.
type SessionResponse struct {
	SessionID string    `json:"session_id"`
	State     biz.State `json:"state"`
	TopK      int       `json:"top_k"`
	Turns     int       `json:"turns"`
}

// SubmitRequest carries one user query.
type SubmitRequest struct {
	Query string `json:"query" validate:"notblank,maxrunes=4000"`
}

// HistoryResponse lists the turns of a session.
type HistoryResponse struct {
	SessionID string     `json:"session_id"`
	State     biz.State  `json:"state"`
	Turns     []biz.Turn `json:"turns"`
}

func sessionResponse(info biz.SessionInfo) SessionResponse {
	return SessionResponse{SessionID: info.ID, State: info.State, TopK: info.TopK, Turns: info.Turns}
}

// CreateSession handles POST /v1/sessions.
func (h *Handler) CreateSession(c *gin.Context) {
	var req CreateSessionRequest
	if err := bind(c, &req, true); err != nil {
		response.Fail(c, err)
		return
	}
	apiKey := strings.TrimSpace(req.APIKey)
	if apiKey == "" {
		apiKey = strings.TrimSpace(c.GetHeader(HeaderAPIKey))
	}

	s, err := h.sessions.Create(c.Request.Context(), apiKey)
	if err != nil {
		response.Fail(c, err)
		return
	}
	logger.Infow("session created", "session_id", s.ID(), "client_key", apiKey != "")
	response.Created(c, sessionResponse(s.Info()))
}

// ListSessions handles GET /v1/sessions.
func (h *Handler) ListSessions(c *gin.Context) {
	infos := h.sessions.List()
	out := make([]SessionResponse, 0, len(infos))
	for _, info := range infos {
		out = append(out, sessionResponse(info))
	}
	response.OK(c, out)
}

// GetSession handles GET /v1/sessions/:id.
func (h *Handler) GetSession(c *gin.Context) {
	s, err := h.sessions.Get(c.Param("id"))
	if err != nil {
		response.Fail(c, err)
		return
	}
	response.OK(c, sessionResponse(s.Info()))
}

// Submit handles POST /v1/sessions/:id/messages.
func (h *Handler) Submit(c *gin.Context) {
	s, req, ok := h.prepareSubmit(c)
	if !ok {
		return
	}
	ctx, cancel := h.submitContext(c)
	defer cancel()

	ans, err := s.Submit(ctx, req.Query, nil)
	if err != nil {
		response.Fail(c, err)
		return
	}
	response.OK(c, ans)
}

// History handles GET /v1/sessions/:id/messages.
func (h *Handler) History(c *gin.Context) {
	s, err := h.sessions.Get(c.Param("id"))
	if err != nil {
		response.Fail(c, err)
		return
	}
	response.OK(c, HistoryResponse{SessionID: s.ID(), State: s.State(), Turns: s.History()})
}

// CloseSession handles DELETE /v1/sessions/:id.
func (h *Handler) CloseSession(c *gin.Context) {
	id := c.Param("id")
	s, err := h.sessions.Get(id)
	if err != nil {
		response.Fail(c, err)
		return
	}
	if err := h.sessions.Close(id); err != nil {
		response.Fail(c, err)
		return
	}
	response.OK(c, sessionResponse(s.Info()))
}

func (h *Handler) prepareSubmit(c *gin.Context) (*biz.Session, *SubmitRequest, bool) {
	s, err := h.sessions.Get(c.Param("id"))
	if err != nil {
		response.Fail(c, err)
		return nil, nil, false
	}
	var req SubmitRequest
	if err := bind(c, &req, false); err != nil {
		response.Fail(c, err)
		return nil, nil, false
	}
	return s, &req, true
}

func (h *Handler) submitContext(c *gin.Context) (context.Context, context.CancelFunc) {
	if h.cfg.SubmitTimeout > 0 {
		return context.WithTimeout(c.Request.Context(), h.cfg.SubmitTimeout)
	}
	return context.WithCancel(c.Request.Context())
}
