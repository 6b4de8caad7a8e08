package tenant

import (
	"context"
	"time"
)

// Store persists organizations, locations and users.
type Store interface {
	// WithTx runs fn inside one transaction. The transaction commits when fn
	// returns nil and rolls back otherwise; fn's error is returned as is.
	// A duplicate email detected at commit is reported as ErrEmailTaken.
	WithTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error

	GetOrganization(ctx context.Context, id string) (*Organization, error)
	GetOrganizationByCustomer(ctx context.Context, customerID string) (*Organization, error)
	// UpdateOrganization loads the organization, applies mutate and saves
	// the subscription fields atomically.
	UpdateOrganization(ctx context.Context, id string, mutate func(*Organization) error) (*Organization, error)
	ListLocations(ctx context.Context, organizationID string) ([]Location, error)

	// GetActiveAccount finds an active user by (normalized) email.
	GetActiveAccount(ctx context.Context, email string) (*Account, error)
	TouchLastLogin(ctx context.Context, userID string, at time.Time) error
	CountActiveUsers(ctx context.Context, organizationID string) (int, error)

	GetPlan(ctx context.Context, name string) (*Plan, error)
}

// Tx is the write surface available inside WithTx.
type Tx interface {
	EmailExists(ctx context.Context, email string) (bool, error)
	CreateOrganization(ctx context.Context, o *Organization) error
	CreateLocation(ctx context.Context, l *Location) error
	CreateUser(ctx context.Context, u *User) error
}
