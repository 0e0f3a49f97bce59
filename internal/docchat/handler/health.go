package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/kart-io/docchat/pkg/errors"
	"github.com/kart-io/docchat/pkg/utils/response"
)

// checkTimeout bounds each readiness probe.
const checkTimeout = 2 * time.Second

// ReadyReport lists the outcome of every readiness check.
type ReadyReport struct {
	Ready  bool              `json:"ready"`
	Checks map[string]string `json:"checks"`
}

// Healthz handles GET /healthz.
func (h *Handler) Healthz(c *gin.Context) {
	response.OK(c, gin.H{"status": "ok"})
}

// Readyz handles GET /readyz. The service is ready once the index is loaded
// and every dependency answers its ping.
func (h *Handler) Readyz(c *gin.Context) {
	report := ReadyReport{Ready: true, Checks: make(map[string]string, len(h.checkers)+1)}

	if _, ok := h.index.Get(); ok {
		report.Checks["index"] = "ok"
	} else {
		report.Ready = false
		report.Checks["index"] = "not loaded"
	}

	for _, chk := range h.checkers {
		ctx, cancel := context.WithTimeout(c.Request.Context(), checkTimeout)
		err := chk.Ping(ctx)
		cancel()
		if err != nil {
			report.Ready = false
			report.Checks[chk.Name()] = err.Error()
			continue
		}
		report.Checks[chk.Name()] = "ok"
	}

	if !report.Ready {
		r := response.Err(errors.ErrServiceUnavailable, response.Lang(c))
		r.Data = report
		r.RequestID = c.Writer.Header().Get(response.HeaderRequestID)
		c.JSON(http.StatusServiceUnavailable, r)
		return
	}
	response.OK(c, report)
}

// Metrics handles GET /metrics.
func (h *Handler) Metrics(c *gin.Context) {
	c.Header("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
	c.Status(http.StatusOK)
	_ = h.metrics.WritePrometheus(c.Writer, h.cfg.MetricsNamespace)
}
