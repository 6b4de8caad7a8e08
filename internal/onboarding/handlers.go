package onboarding

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/pharmcompound/pharmcompound-api/internal/logging"
	"github.com/pharmcompound/pharmcompound-api/internal/validation"
)

// Handler provides the registration endpoint.
type Handler struct {
	coordinator *Coordinator
}

// NewHandler creates a new onboarding handler
func NewHandler(c *Coordinator) *Handler {
	return &Handler{coordinator: c}
}

// RegisterRoutes mounts POST /register on the auth group.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/register", h.Register)
}

// Register handles POST /api/auth/register
func (h *Handler) Register(c *gin.Context) {
	var req Request
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "Invalid JSON body"})
		return
	}

	res, err := h.coordinator.Register(c.Request.Context(), req)
	if err != nil {
		var verrs validation.ValidationErrors
		var upstream *UpstreamError
		switch {
		case errors.As(err, &verrs):
			validation.Abort(c, verrs)
		case errors.Is(err, ErrConflict):
			c.JSON(http.StatusConflict, gin.H{"error": "conflict", "message": "Email already registered"})
		case errors.As(err, &upstream):
			logging.L(c.Request.Context()).Error("registration: billing provider failed", "error", err)
			c.JSON(http.StatusBadGateway, gin.H{"error": "upstream_error", "message": "Registration failed"})
		default:
			logging.L(c.Request.Context()).Error("registration failed", "error", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "Registration failed"})
		}
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"success":      true,
		"organization": res.Organization,
		"location":     res.Location,
		"user":         res.User,
		"token":        res.Token,
		"expiresAt":    res.ExpiresAt,
		"trialEndsAt":  res.TrialEndsAt,
	})
}
