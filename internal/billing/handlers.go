package billing

import (
	"errors"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/pharmcompound/pharmcompound-api/internal/auth"
	"github.com/pharmcompound/pharmcompound-api/internal/logging"
	"github.com/pharmcompound/pharmcompound-api/internal/tenant"
	"github.com/pharmcompound/pharmcompound-api/internal/validation"
)

// maxWebhookBody bounds a provider event payload.
const maxWebhookBody = 64 * 1024

// Handler provides the subscription and webhook endpoints.
type Handler struct {
	service *Service
}

// NewHandler creates a new billing handler
func NewHandler(s *Service) *Handler {
	return &Handler{service: s}
}

// RegisterProtectedRoutes mounts the subscription routes; the group must
// run auth.RequireAuth.
func (h *Handler) RegisterProtectedRoutes(r *gin.RouterGroup) {
	r.GET("/subscription", h.GetSubscription)
	r.POST("/subscription/create", auth.RequireRole(tenant.RoleAdmin), h.CreateCheckout)
}

// RegisterWebhookRoutes mounts POST /stripe; the group must not require auth.
func (h *Handler) RegisterWebhookRoutes(r *gin.RouterGroup) {
	r.POST("/stripe", h.Webhook)
}

// GetSubscription handles GET /api/subscription
func (h *Handler) GetSubscription(c *gin.Context) {
	p, ok := auth.GetPrincipal(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized", "message": "Authentication required"})
		return
	}

	sub, err := h.service.Subscription(c.Request.Context(), p.OrganizationID)
	if errors.Is(err, ErrOrganizationNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "Organization not found"})
		return
	}
	if err != nil {
		logging.L(c.Request.Context()).Error("failed to load subscription", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "Failed to fetch subscription"})
		return
	}
	c.JSON(http.StatusOK, sub)
}

type checkoutRequest struct {
	PlanID        string `json:"planId"`
	BillingPeriod string `json:"billingPeriod"`
}

// CreateCheckout handles POST /api/subscription/create
func (h *Handler) CreateCheckout(c *gin.Context) {
	p, ok := auth.GetPrincipal(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized", "message": "Authentication required"})
		return
	}

	var req checkoutRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "Invalid JSON body"})
		return
	}
	if req.BillingPeriod == "" {
		req.BillingPeriod = PeriodMonthly
	}
	if errs := validation.Validate(
		validation.Required("planId", req.PlanID),
		validation.OneOf("billingPeriod", req.BillingPeriod, PeriodMonthly, PeriodAnnual),
	); len(errs) > 0 {
		validation.Abort(c, errs)
		return
	}

	url, err := h.service.CreateCheckout(c.Request.Context(), p.OrganizationID, req.PlanID, req.BillingPeriod)
	switch {
	case errors.Is(err, ErrOrganizationNotFound), errors.Is(err, ErrNoCustomer):
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "Organization not found"})
		return
	case errors.Is(err, ErrPlanNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "Plan not found"})
		return
	case err != nil:
		var gwErr *Error
		if errors.As(err, &gwErr) {
			logging.L(c.Request.Context()).Error("checkout session failed", "operation", gwErr.Op, "error", gwErr.Err)
			c.JSON(http.StatusBadGateway, gin.H{"error": "upstream_error", "message": "Failed to create checkout session"})
			return
		}
		logging.L(c.Request.Context()).Error("checkout failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "Failed to create checkout session"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"success": true, "checkout_url": url})
}

// Webhook handles POST /webhooks/stripe
func (h *Handler) Webhook(c *gin.Context) {
	payload, err := io.ReadAll(io.LimitReader(c.Request.Body, maxWebhookBody+1))
	if err != nil || len(payload) > maxWebhookBody {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "Unreadable body"})
		return
	}

	err = h.service.HandleWebhook(c.Request.Context(), payload, c.GetHeader("Stripe-Signature"))
	if errors.Is(err, ErrInvalidSignature) {
		logging.L(c.Request.Context()).Warn("webhook signature rejected", "error", err)
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_signature", "message": "Webhook signature verification failed"})
		return
	}
	if err != nil {
		logging.L(c.Request.Context()).Error("webhook processing failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "Webhook processing failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"received": true})
}
