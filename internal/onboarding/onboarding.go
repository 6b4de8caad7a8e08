// Package onboarding registers a new pharmacy: its organization, primary
// location, admin user and billing customer are created together or not
// at all.
package onboarding

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/pharmcompound/pharmcompound-api/internal/auth"
	"github.com/pharmcompound/pharmcompound-api/internal/billing"
	"github.com/pharmcompound/pharmcompound-api/internal/idgen"
	"github.com/pharmcompound/pharmcompound-api/internal/logging"
	"github.com/pharmcompound/pharmcompound-api/internal/metrics"
	"github.com/pharmcompound/pharmcompound-api/internal/tenant"
	"github.com/pharmcompound/pharmcompound-api/internal/traces"
	"github.com/pharmcompound/pharmcompound-api/internal/validation"
)

// ErrConflict means the email already belongs to a user.
var ErrConflict = errors.New("onboarding: email already registered")

// UpstreamError is a billing provider failure during registration.
type UpstreamError struct {
	Err error
}

func (e *UpstreamError) Error() string { return "onboarding: billing provider: " + e.Err.Error() }
func (e *UpstreamError) Unwrap() error { return e.Err }

// StorageError is a persistence failure during registration.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string { return fmt.Sprintf("onboarding: %s: %v", e.Op, e.Err) }
func (e *StorageError) Unwrap() error { return e.Err }

// compensateTimeout bounds the cleanup of an orphaned billing customer.
const compensateTimeout = 10 * time.Second

// Request is a registration form.
type Request struct {
	OrganizationName string `json:"organizationName"`
	Email            string `json:"email"`
	Password         string `json:"password"`
	FirstName        string `json:"firstName"`
	LastName         string `json:"lastName"`
	Phone            string `json:"phone"`
	Address          string `json:"address"`
	City             string `json:"city"`
	State            string `json:"state"`
	PostalCode       string `json:"postalCode"`
}

// Validate checks the form before any side effect.
func (r Request) Validate() validation.ValidationErrors {
	return validation.Validate(
		validation.Required("organizationName", r.OrganizationName),
		validation.Required("email", r.Email),
		validation.Required("password", r.Password),
		validation.Required("firstName", r.FirstName),
		validation.Required("lastName", r.LastName),
		validation.MaxLength("organizationName", r.OrganizationName, validation.MaxNameLength),
		validation.MaxLength("email", r.Email, validation.MaxEmailLength),
		validation.Email("email", validation.NormalizeEmail(r.Email)),
		validation.MinLength("password", r.Password, validation.MinPasswordLength),
		validation.MaxBytes("password", r.Password, validation.MaxPasswordLength),
		validation.MaxLength("firstName", r.FirstName, validation.MaxNameLength),
		validation.MaxLength("lastName", r.LastName, validation.MaxNameLength),
		validation.MaxLength("phone", r.Phone, validation.MaxPhoneLength),
		validation.MaxLength("address", r.Address, validation.MaxNameLength),
		validation.MaxLength("city", r.City, validation.MaxNameLength),
		validation.MaxLength("state", r.State, validation.MaxNameLength),
		validation.MaxLength("postalCode", r.PostalCode, validation.MaxPhoneLength),
	)
}

// sanitized trims the free-text fields and strips NUL bytes; lengths were
// checked by Validate.
func (r Request) sanitized() Request {
	r.OrganizationName = validation.SanitizeString(r.OrganizationName, validation.MaxNameLength)
	r.FirstName = validation.SanitizeString(r.FirstName, validation.MaxNameLength)
	r.LastName = validation.SanitizeString(r.LastName, validation.MaxNameLength)
	r.Phone = validation.SanitizeString(r.Phone, validation.MaxPhoneLength)
	r.Address = validation.SanitizeString(r.Address, validation.MaxNameLength)
	r.City = validation.SanitizeString(r.City, validation.MaxNameLength)
	r.State = validation.SanitizeString(r.State, validation.MaxNameLength)
	r.PostalCode = validation.SanitizeString(r.PostalCode, validation.MaxPhoneLength)
	return r
}

// Result is a completed registration.
type Result struct {
	Organization *tenant.Organization
	Location     *tenant.Location
	User         *tenant.User
	Token        string
	ExpiresAt    time.Time
	TrialEndsAt  time.Time
}

// Coordinator runs registrations.
type Coordinator struct {
	store   tenant.Store
	gateway billing.Gateway
	tokens  *auth.TokenIssuer
	now     func() time.Time
}

// NewCoordinator creates a Coordinator.
func NewCoordinator(store tenant.Store, gateway billing.Gateway, tokens *auth.TokenIssuer) *Coordinator {
	return &Coordinator{store: store, gateway: gateway, tokens: tokens, now: time.Now}
}

// Register creates the organization, its primary location, the admin user
// and the billing customer, then signs the admin in.
//
// Errors: validation.ValidationErrors for a bad form, ErrConflict for a
// registered email, *UpstreamError when the billing provider fails and
// *StorageError when the database does. In every error case no local rows
// remain; a billing customer created before a local rollback is deleted on
// a best-effort basis.
func (c *Coordinator) Register(ctx context.Context, req Request) (*Result, error) {
	ctx, span := traces.StartSpan(ctx, "onboarding.Register")
	defer span.End()

	if errs := req.Validate(); len(errs) > 0 {
		metrics.RegistrationsTotal.WithLabelValues("invalid").Inc()
		return nil, errs
	}
	req = req.sanitized()

	email := validation.NormalizeEmail(req.Email)
	log := logging.L(ctx).With("email", logging.MaskEmail(email))

	hash, err := auth.HashPassword(req.Password)
	if err != nil {
		metrics.RegistrationsTotal.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("onboarding: hash password: %w", err)
	}

	now := c.now().UTC()
	org := &tenant.Organization{
		ID:          idgen.New(),
		Name:        req.OrganizationName,
		Email:       email,
		Phone:       req.Phone,
		Status:      tenant.StatusTrialing,
		TrialEndsAt: now.Add(tenant.TrialPeriod),
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	org.ApplyPlan(tenant.Plans[tenant.DefaultPlan])
	loc := &tenant.Location{
		ID:             idgen.New(),
		OrganizationID: org.ID,
		Name:           tenant.PrimaryLocationName,
		IsPrimary:      true,
		AddressLine1:   req.Address,
		City:           req.City,
		StateProvince:  req.State,
		PostalCode:     req.PostalCode,
		CreatedAt:      now,
	}
	user := &tenant.User{
		ID:             idgen.New(),
		OrganizationID: org.ID,
		Email:          email,
		PasswordHash:   hash,
		FirstName:      req.FirstName,
		LastName:       req.LastName,
		Role:           tenant.RoleAdmin,
		IsActive:       true,
		CreatedAt:      now,
	}
	span.SetAttributes(traces.OrganizationID(org.ID), traces.UserID(user.ID))

	// One key per registration attempt. The customer call runs inside the
	// transaction, so it gets a single try and the client retries the form.
	idempotencyKey := idgen.WithPrefix("onb_")

	err = c.store.WithTx(ctx, func(ctx context.Context, tx tenant.Tx) error {
		exists, err := tx.EmailExists(ctx, email)
		if err != nil {
			return &StorageError{Op: "check email", Err: err}
		}
		if exists {
			return ErrConflict
		}

		org.StripeCustomerID, err = c.gateway.CreateCustomer(ctx, billing.CustomerRequest{
			Email:          email,
			Name:           req.OrganizationName,
			Metadata:       map[string]string{"organization_id": org.ID},
			IdempotencyKey: idempotencyKey,
			SingleAttempt:  true,
		})
		if err != nil {
			return &UpstreamError{Err: err}
		}

		if err := tx.CreateOrganization(ctx, org); err != nil {
			return &StorageError{Op: "create organization", Err: err}
		}
		if err := tx.CreateLocation(ctx, loc); err != nil {
			return &StorageError{Op: "create location", Err: err}
		}
		if err := tx.CreateUser(ctx, user); err != nil {
			if errors.Is(err, tenant.ErrEmailTaken) {
				return ErrConflict
			}
			return &StorageError{Op: "create user", Err: err}
		}
		return nil
	})
	if err != nil {
		if org.StripeCustomerID != "" {
			c.compensate(ctx, org.StripeCustomerID)
		}
		err = classify(err)
		log.Info("registration failed", "error", err)
		traces.Fail(span, err, "registration failed")
		metrics.RegistrationsTotal.WithLabelValues(resultLabel(err)).Inc()
		return nil, err
	}

	token, expiresAt, err := c.tokens.Issue(auth.Principal{
		UserID:         user.ID,
		OrganizationID: org.ID,
		Role:           user.Role,
	})
	if err != nil {
		metrics.RegistrationsTotal.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("onboarding: issue token: %w", err)
	}

	metrics.RegistrationsTotal.WithLabelValues("success").Inc()
	log.Info("organization registered", "organization_id", org.ID, "user_id", user.ID)

	return &Result{
		Organization: org,
		Location:     loc,
		User:         user,
		Token:        token,
		ExpiresAt:    expiresAt,
		TrialEndsAt:  org.TrialEndsAt,
	}, nil
}

// compensate deletes a billing customer whose organization was rolled back.
func (c *Coordinator) compensate(ctx context.Context, customerID string) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), compensateTimeout)
	defer cancel()
	if err := c.gateway.DeleteCustomer(ctx, customerID); err != nil {
		logging.L(ctx).Error("orphaned billing customer", "customer_id", customerID, "error", err)
	}
}

// classify maps a transaction error onto the package's error categories.
func classify(err error) error {
	var upstream *UpstreamError
	var storage *StorageError
	switch {
	case errors.Is(err, ErrConflict):
		return ErrConflict
	case errors.Is(err, tenant.ErrEmailTaken):
		return ErrConflict
	case errors.As(err, &upstream), errors.As(err, &storage):
		return err
	}
	return &StorageError{Op: "transaction", Err: err}
}

func resultLabel(err error) string {
	var upstream *UpstreamError
	switch {
	case errors.Is(err, ErrConflict):
		return "conflict"
	case errors.As(err, &upstream):
		return "upstream_error"
	}
	return "storage_error"
}
