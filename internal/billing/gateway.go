// Package billing adapts the subscription-billing provider: customer
// provisioning for onboarding, checkout sessions, and the signed webhook
// that drives subscription status transitions.
package billing

import (
	"context"
	"fmt"
)

// Gateway is the remote billing provider. Implementations must be safe for
// concurrent use and must honour ctx deadlines.
type Gateway interface {
	// CreateCustomer provisions a billing customer and returns its id.
	// Calls sharing an IdempotencyKey return the same customer.
	CreateCustomer(ctx context.Context, req CustomerRequest) (string, error)
	// DeleteCustomer removes a customer; deleting one that is already gone
	// succeeds.
	DeleteCustomer(ctx context.Context, customerID string) error
	// CreateCheckoutSession starts a hosted subscription checkout and
	// returns its URL.
	CreateCheckoutSession(ctx context.Context, req CheckoutRequest) (string, error)
}

// CustomerRequest describes a customer to provision.
type CustomerRequest struct {
	Email          string
	Name           string
	Metadata       map[string]string
	IdempotencyKey string
	// SingleAttempt disables adapter retries. Callers holding a database
	// transaction set it so the transaction never waits out a backoff.
	SingleAttempt bool
}

// CheckoutRequest describes a subscription checkout.
type CheckoutRequest struct {
	CustomerID     string
	PriceID        string
	SuccessURL     string
	CancelURL      string
	Metadata       map[string]string
	IdempotencyKey string
}

// Gateway operation names, used for circuit breaking, metrics and spans.
const (
	OpCreateCustomer = "customers.create"
	OpDeleteCustomer = "customers.delete"
	OpCreateCheckout = "checkout_sessions.create"
)

// Error is a failed gateway call.
type Error struct {
	Op  string
	Err error
}

func (e *Error) Error() string {
	return fmt.Sprintf("billing: %s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}
