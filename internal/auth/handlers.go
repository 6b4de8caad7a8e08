package auth

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/pharmcompound/pharmcompound-api/internal/logging"
	"github.com/pharmcompound/pharmcompound-api/internal/tenant"
	"github.com/pharmcompound/pharmcompound-api/internal/validation"
)

// LocationLister is the part of tenant.Store that GET /me needs.
type LocationLister interface {
	ListLocations(ctx context.Context, organizationID string) ([]tenant.Location, error)
}

// Handler provides the login and current-principal endpoints.
type Handler struct {
	authn     *Authenticator
	locations LocationLister
}

// NewHandler creates a new auth handler
func NewHandler(a *Authenticator, locations LocationLister) *Handler {
	return &Handler{authn: a, locations: locations}
}

// RegisterPublicRoutes mounts POST /login on the auth group.
func (h *Handler) RegisterPublicRoutes(r *gin.RouterGroup) {
	r.POST("/login", h.Login)
}

// RegisterProtectedRoutes mounts GET /me; the group must run RequireAuth.
func (h *Handler) RegisterProtectedRoutes(r *gin.RouterGroup) {
	r.GET("/me", h.Me)
}

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// Login handles POST /api/auth/login
func (h *Handler) Login(c *gin.Context) {
	var req loginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "Invalid JSON body"})
		return
	}
	if errs := validation.Validate(
		validation.Required("email", req.Email),
		validation.Required("password", req.Password),
		validation.MaxLength("email", req.Email, validation.MaxEmailLength),
		validation.MaxBytes("password", req.Password, validation.MaxPasswordLength),
	); len(errs) > 0 {
		validation.Abort(c, errs)
		return
	}

	sess, err := h.authn.Login(c.Request.Context(), req.Email, req.Password)
	if errors.Is(err, ErrInvalidCredentials) {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid_credentials", "message": "Invalid credentials"})
		return
	}
	if err != nil {
		logging.L(c.Request.Context()).Error("login failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "Login failed"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"success":   true,
		"user":      sess.Account,
		"token":     sess.Token,
		"expiresAt": sess.ExpiresAt,
	})
}

// Me handles GET /api/auth/me
func (h *Handler) Me(c *gin.Context) {
	p, ok := GetPrincipal(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized", "message": "Authentication required"})
		return
	}

	locs, err := h.locations.ListLocations(c.Request.Context(), p.OrganizationID)
	if err != nil {
		logging.L(c.Request.Context()).Error("list locations failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "Failed to load profile"})
		return
	}

	resp := meResponse{Principal: p, Locations: make([]meLocation, 0, len(locs))}
	for _, l := range locs {
		resp.Locations = append(resp.Locations, meLocation{ID: l.ID, Name: l.Name, IsPrimary: l.IsPrimary})
	}
	c.JSON(http.StatusOK, resp)
}

type meResponse struct {
	Principal
	Locations []meLocation `json:"locations"`
}

type meLocation struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	IsPrimary bool   `json:"isPrimary"`
}
