package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/kart-io/docchat/internal/docchat/biz"
	"github.com/kart-io/docchat/pkg/utils/response"
)

// SSE event names.
const (
	EventStatus = "status"
	EventAnswer = "answer"
	EventError  = "error"
)

// StatusEvent is the payload of a status event.
type StatusEvent struct {
	Status biz.Status `json:"status"`
}

// Stream handles POST /v1/sessions/:id/messages/stream. Progress is pushed as
// server-sent events and the request ends with either an answer or an error
// event. A client disconnect cancels the submit.
func (h *Handler) Stream(c *gin.Context) {
	s, req, ok := h.prepareSubmit(c)
	if !ok {
		return
	}
	ctx, cancel := h.submitContext(c)
	defer cancel()

	header := c.Writer.Header()
	header.Set("Content-Type", "text/event-stream")
	header.Set("Cache-Control", "no-cache")
	header.Set("Connection", "keep-alive")
	header.Set("X-Accel-Buffering", "no")
	c.Status(http.StatusOK)

	emit := func(event string, data interface{}) {
		c.SSEvent(event, data)
		c.Writer.Flush()
	}

	ans, err := s.Submit(ctx, req.Query, func(st biz.Status) {
		emit(EventStatus, StatusEvent{Status: st})
	})
	if err != nil {
		r := response.Err(err, response.Lang(c))
		r.RequestID = header.Get(response.HeaderRequestID)
		emit(EventError, r)
		return
	}
	emit(EventAnswer, response.Success(ans))
}
