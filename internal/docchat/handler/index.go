package handler

import (
	"github.com/gin-gonic/gin"

	"github.com/kart-io/docchat/pkg/utils/response"
)

// IndexStats handles GET /v1/index/stats. It triggers the shared load when
// no session has done so yet.
func (h *Handler) IndexStats(c *gin.Context) {
	idx, err := h.index.Load(c.Request.Context())
	if err != nil {
		response.Fail(c, err)
		return
	}
	response.OK(c, idx.Stats())
}
