// Package tenant is the credential store: pharmacy organizations, their
// locations and users, and the subscription plan catalogue.
package tenant

import (
	"errors"
	"time"
)

// Errors
var (
	ErrNotFound      = errors.New("tenant: not found")
	ErrEmailTaken    = errors.New("tenant: email already registered")
	ErrPlanNotFound  = errors.New("tenant: plan not found")
	ErrInvalidStatus = errors.New("tenant: invalid subscription status")
)

// Status is an organization's subscription state.
type Status string

const (
	StatusTrialing Status = "trialing"
	StatusActive   Status = "active"
	StatusPastDue  Status = "past_due"
	StatusCanceled Status = "canceled"
)

// Valid reports whether s is a known subscription status.
func (s Status) Valid() bool {
	switch s {
	case StatusTrialing, StatusActive, StatusPastDue, StatusCanceled:
		return true
	}
	return false
}

// Role is a user's permission level within its organization.
type Role string

const (
	RoleAdmin Role = "admin"
	RoleStaff Role = "staff"
)

// TrialPeriod is how long a new organization trials before paying.
const TrialPeriod = 14 * 24 * time.Hour

// PrimaryLocationName names the location created at registration.
const PrimaryLocationName = "Main Location"

// Organization is the billable tenant.
type Organization struct {
	ID                   string     `json:"id"`
	Name                 string     `json:"name"`
	Email                string     `json:"email"`
	Phone                string     `json:"phone,omitempty"`
	StripeCustomerID     string     `json:"-"`
	Status               Status     `json:"subscriptionStatus"`
	Tier                 string     `json:"subscriptionTier"`
	TrialEndsAt          time.Time  `json:"trialEndsAt"`
	SubscriptionStart    *time.Time `json:"subscriptionStartDate,omitempty"`
	SubscriptionEnd      *time.Time `json:"subscriptionEndDate,omitempty"`
	MonthlyCompoundLimit int        `json:"monthlyCompoundLimit"` // 0 = unlimited
	UserLimit            int        `json:"userLimit"`            // 0 = unlimited
	CreatedAt            time.Time  `json:"createdAt"`
	UpdatedAt            time.Time  `json:"updatedAt"`
}

// ApplyPlan copies a plan's tier and limits onto the organization.
func (o *Organization) ApplyPlan(p Plan) {
	o.Tier = p.Name
	o.MonthlyCompoundLimit = p.MonthlyCompoundLimit
	o.UserLimit = p.UserLimit
}

// Location is a pharmacy site owned by an organization.
type Location struct {
	ID             string    `json:"id"`
	OrganizationID string    `json:"organizationId"`
	Name           string    `json:"name"`
	IsPrimary      bool      `json:"isPrimary"`
	AddressLine1   string    `json:"addressLine1"`
	City           string    `json:"city"`
	StateProvince  string    `json:"stateProvince"`
	PostalCode     string    `json:"postalCode"`
	CreatedAt      time.Time `json:"createdAt"`
}

// User is a principal that can sign in. Email is unique across all
// organizations and stored lower-cased.
type User struct {
	ID             string     `json:"id"`
	OrganizationID string     `json:"organizationId"`
	Email          string     `json:"email"`
	PasswordHash   string     `json:"-"`
	FirstName      string     `json:"firstName"`
	LastName       string     `json:"lastName"`
	Role           Role       `json:"role"`
	IsActive       bool       `json:"isActive"`
	LastLoginAt    *time.Time `json:"lastLoginAt,omitempty"`
	CreatedAt      time.Time  `json:"createdAt"`
}

// Account is an active user joined with its organization's plan summary,
// as returned to a client that just signed in.
type Account struct {
	User
	OrganizationName   string    `json:"organizationName"`
	SubscriptionStatus Status    `json:"subscriptionStatus"`
	SubscriptionTier   string    `json:"subscriptionTier"`
	TrialEndsAt        time.Time `json:"trialEndsAt"`
}
