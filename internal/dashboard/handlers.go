// Package dashboard provides organization-scoped metric aggregation for the
// pharmacy dashboard.
package dashboard

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/pharmcompound/pharmcompound-api/internal/auth"
	"github.com/pharmcompound/pharmcompound-api/internal/logging"
)

// Handler provides dashboard API endpoints.
type Handler struct {
	store Store
	now   func() time.Time
}

// NewHandler creates a new dashboard handler.
func NewHandler(store Store) *Handler {
	return &Handler{store: store, now: time.Now}
}

// RegisterRoutes sets up dashboard routes under the given group.
// The group must run auth.RequireAuth; reads are scoped to the caller's
// organization.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/dashboard/metrics", h.Metrics)
}

// Metrics handles GET /api/dashboard/metrics
func (h *Handler) Metrics(c *gin.Context) {
	p, ok := auth.GetPrincipal(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized", "message": "Authentication required"})
		return
	}

	m, err := h.store.Metrics(c.Request.Context(), p.OrganizationID, h.now())
	if err != nil {
		logging.L(c.Request.Context()).Error("dashboard metrics failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "Failed to fetch metrics"})
		return
	}
	c.JSON(http.StatusOK, m)
}
