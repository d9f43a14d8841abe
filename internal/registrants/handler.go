package registrants

import (
	"context"
	"errors"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/aura-events/backend/internal/models"
	"github.com/aura-events/backend/pkg/response"
)

// ViewReader is satisfied by *Repository.
type ViewReader interface {
	PaymentView(ctx context.Context, entity models.EntityType, id int64) (*models.RegistrantPaymentView, error)
}

// Handler exposes registrant payment views to admins.
type Handler struct {
	repo   ViewReader
	logger *zap.Logger
}

// NewHandler creates a registrants handler.
func NewHandler(repo ViewReader, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{repo: repo, logger: logger}
}

// PaymentView handles GET /admin/registrants/:entity/:id/payment.
func (h *Handler) PaymentView(c *gin.Context) {
	entity, err := models.ParseEntityType(c.Param("entity"))
	if err != nil {
		response.BadRequest(c, err.Error())
		return
	}
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		response.BadRequest(c, "invalid id")
		return
	}
	view, err := h.repo.PaymentView(c.Request.Context(), entity, id)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			response.NotFound(c, "registrant not found")
			return
		}
		h.logger.Error("registrant payment view failed", zap.Error(err), zap.String("entity", string(entity)), zap.Int64("id", id))
		response.Internal(c, "failed to load registrant")
		return
	}
	response.OK(c, view)
}
