package otp

import (
	"errors"
	"math"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/aura-events/backend/pkg/response"
)

// Handler serves /otp/send and /otp/verify.
type Handler struct {
	svc    *Service
	logger *zap.Logger
}

// NewHandler creates an OTP handler.
func NewHandler(svc *Service, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{svc: svc, logger: logger}
}

// SendRequest is the body for POST /otp/send.
type SendRequest struct {
	Email   string `json:"email" binding:"required"`
	Purpose string `json:"purpose"`
}

// Send handles POST /otp/send.
func (h *Handler) Send(c *gin.Context) {
	var req SendRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, ErrInvalidInput.Error())
		return
	}
	issued, err := h.svc.Issue(c.Request.Context(), req.Email, req.Purpose)
	if err != nil {
		var cd *CooldownError
		switch {
		case errors.As(err, &cd):
			c.Header("Retry-After", strconv.Itoa(int(math.Ceil(cd.RetryAfter.Seconds()))))
			response.TooManyRequests(c, cd.Error())
		case errors.Is(err, ErrRateLimited):
			response.TooManyRequests(c, err.Error())
		case errors.Is(err, ErrInvalidInput):
			response.BadRequest(c, err.Error())
		default:
			h.logger.Error("otp issue failed", zap.Error(err))
			response.Internal(c, "failed to send code")
		}
		return
	}
	response.OK(c, gin.H{
		"expires_at": issued.ExpiresAt,
		"expires_in": int(issued.ExpiresIn.Seconds()),
	})
}

// VerifyRequest is the body for POST /otp/verify.
type VerifyRequest struct {
	Email   string `json:"email" binding:"required"`
	Purpose string `json:"purpose"`
	Code    string `json:"code" binding:"required"`
}

// Verify handles POST /otp/verify.
func (h *Handler) Verify(c *gin.Context) {
	var req VerifyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "email and code are required")
		return
	}
	err := h.svc.Verify(c.Request.Context(), req.Email, req.Purpose, req.Code)
	switch {
	case err == nil:
		response.OK(c, gin.H{"verified": true})
	case errors.Is(err, ErrTooManyAttempts):
		response.TooManyRequests(c, err.Error())
	case errors.Is(err, ErrInvalidCode), errors.Is(err, ErrExpired), errors.Is(err, ErrInvalidInput):
		response.BadRequest(c, err.Error())
	default:
		h.logger.Error("otp verify failed", zap.Error(err))
		response.Internal(c, "failed to verify code")
	}
}
