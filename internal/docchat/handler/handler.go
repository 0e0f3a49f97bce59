// Package handler provides the HTTP handlers of the document chat service.
package handler

import (
	stderrors "errors"
	"io"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/kart-io/docchat/internal/docchat/biz"
	"github.com/kart-io/docchat/internal/docchat/metrics"
	"github.com/kart-io/docchat/internal/docchat/store"
	"github.com/kart-io/docchat/pkg/component"
	"github.com/kart-io/docchat/pkg/errors"
	"github.com/kart-io/docchat/pkg/utils/response"
	"github.com/kart-io/docchat/pkg/validator"
)

// HeaderAPIKey carries the caller's LLM credential as an alternative to the request body.
const HeaderAPIKey = "X-LLM-API-Key"

// Config tunes the handlers.
type Config struct {
	// SubmitTimeout bounds a single submit, including retrieval. Zero means no limit.
	SubmitTimeout time.Duration
	// MetricsNamespace prefixes exported metric names.
	MetricsNamespace string
}

// Handler serves the chat, index and health endpoints.
type Handler struct {
	cfg      Config
	sessions *biz.Manager
	index    *store.Handle
	metrics  *metrics.Metrics
	checkers []component.Checker
}

// New creates a Handler.
func New(cfg Config, sessions *biz.Manager, index *store.Handle, m *metrics.Metrics, checkers ...component.Checker) *Handler {
	if cfg.MetricsNamespace == "" {
		cfg.MetricsNamespace = "docchat"
	}
	return &Handler{
		cfg:      cfg,
		sessions: sessions,
		index:    index,
		metrics:  m,
		checkers: checkers,
	}
}

// bind decodes an optional JSON body into req and validates it.
func bind(c *gin.Context, req interface{}, optional bool) error {
	if err := c.ShouldBindJSON(req); err != nil {
		if !(optional && stderrors.Is(err, io.EOF)) {
			return errors.ErrBadRequest.WithCause(err)
		}
	}
	if verrs := validator.StructWithLang(req, response.Lang(c)); verrs.HasErrors() {
		return errors.ErrValidationFailed.WithCause(verrs)
	}
	return nil
}
