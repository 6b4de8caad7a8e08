package billing

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/stripe/stripe-go/v81"
	"github.com/stripe/stripe-go/v81/client"

	"github.com/pharmcompound/pharmcompound-api/internal/circuitbreaker"
	"github.com/pharmcompound/pharmcompound-api/internal/metrics"
	"github.com/pharmcompound/pharmcompound-api/internal/retry"
	"github.com/pharmcompound/pharmcompound-api/internal/traces"
)

const (
	defaultMaxAttempts = 3
	defaultBaseDelay   = 200 * time.Millisecond
)

// StripeGateway implements Gateway with the Stripe API. Every call runs
// under a deadline, is retried with backoff when the failure is transient,
// and goes through a circuit breaker keyed by operation.
type StripeGateway struct {
	api         *client.API
	breaker     *circuitbreaker.Breaker
	timeout     time.Duration
	maxAttempts int
	baseDelay   time.Duration
}

// StripeOption configures a StripeGateway.
type StripeOption func(*StripeGateway, *stripe.Backends)

// WithBackends replaces the Stripe HTTP backends (tests point them at an
// httptest server).
func WithBackends(b *stripe.Backends) StripeOption {
	return func(_ *StripeGateway, dst *stripe.Backends) {
		dst.API, dst.Connect, dst.Uploads = b.API, b.Connect, b.Uploads
	}
}

// WithBreaker shares a circuit breaker with the caller, e.g. for health checks.
func WithBreaker(b *circuitbreaker.Breaker) StripeOption {
	return func(g *StripeGateway, _ *stripe.Backends) { g.breaker = b }
}

// WithRetry sets the attempt budget and the first backoff delay.
func WithRetry(maxAttempts int, baseDelay time.Duration) StripeOption {
	return func(g *StripeGateway, _ *stripe.Backends) {
		g.maxAttempts = maxAttempts
		g.baseDelay = baseDelay
	}
}

// NewStripeGateway creates a gateway for secretKey. timeout bounds each
// operation including its retries.
func NewStripeGateway(secretKey string, timeout time.Duration, opts ...StripeOption) *StripeGateway {
	g := &StripeGateway{
		breaker:     circuitbreaker.New(5, 30*time.Second),
		timeout:     timeout,
		maxAttempts: defaultMaxAttempts,
		baseDelay:   defaultBaseDelay,
	}

	// Retries happen here, with our idempotency keys, not inside stripe-go.
	backend := stripe.GetBackendWithConfig(stripe.APIBackend, &stripe.BackendConfig{
		HTTPClient:        &http.Client{Timeout: timeout},
		MaxNetworkRetries: stripe.Int64(0),
	})
	backends := &stripe.Backends{API: backend, Connect: backend, Uploads: backend}

	for _, opt := range opts {
		opt(g, backends)
	}
	g.api = client.New(secretKey, backends)
	return g
}

// Breaker exposes the gateway's circuit breaker.
func (g *StripeGateway) Breaker() *circuitbreaker.Breaker {
	return g.breaker
}

func (g *StripeGateway) CreateCustomer(ctx context.Context, req CustomerRequest) (string, error) {
	attempts := g.maxAttempts
	if req.SingleAttempt {
		attempts = 1
	}
	var id string
	err := g.call(ctx, OpCreateCustomer, attempts, func(ctx context.Context) error {
		params := &stripe.CustomerParams{
			Email: stripe.String(req.Email),
			Name:  stripe.String(req.Name),
		}
		params.Context = ctx
		for k, v := range req.Metadata {
			params.AddMetadata(k, v)
		}
		if req.IdempotencyKey != "" {
			params.SetIdempotencyKey(req.IdempotencyKey)
		}
		c, err := g.api.Customers.New(params)
		if err != nil {
			return err
		}
		id = c.ID
		return nil
	})
	return id, err
}

func (g *StripeGateway) DeleteCustomer(ctx context.Context, customerID string) error {
	return g.call(ctx, OpDeleteCustomer, g.maxAttempts, func(ctx context.Context) error {
		params := &stripe.CustomerParams{}
		params.Context = ctx
		_, err := g.api.Customers.Del(customerID, params)
		if isMissing(err) {
			return nil
		}
		return err
	})
}

func (g *StripeGateway) CreateCheckoutSession(ctx context.Context, req CheckoutRequest) (string, error) {
	var url string
	err := g.call(ctx, OpCreateCheckout, g.maxAttempts, func(ctx context.Context) error {
		params := &stripe.CheckoutSessionParams{
			Customer:           stripe.String(req.CustomerID),
			PaymentMethodTypes: stripe.StringSlice([]string{"card"}),
			LineItems: []*stripe.CheckoutSessionLineItemParams{{
				Price:    stripe.String(req.PriceID),
				Quantity: stripe.Int64(1),
			}},
			Mode:       stripe.String(string(stripe.CheckoutSessionModeSubscription)),
			SuccessURL: stripe.String(req.SuccessURL),
			CancelURL:  stripe.String(req.CancelURL),
		}
		params.Context = ctx
		for k, v := range req.Metadata {
			params.AddMetadata(k, v)
		}
		if req.IdempotencyKey != "" {
			params.SetIdempotencyKey(req.IdempotencyKey)
		}
		s, err := g.api.CheckoutSessions.New(params)
		if err != nil {
			return err
		}
		url = s.URL
		return nil
	})
	return url, err
}

func (g *StripeGateway) call(ctx context.Context, op string, attempts int, fn func(ctx context.Context) error) error {
	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()
	ctx, span := traces.StartSpan(ctx, "billing.stripe."+op, traces.GatewayOperation(op))
	defer span.End()

	started := time.Now()
	err := g.breaker.Execute(op, isAvailabilityFailure, func() error {
		return retry.Do(ctx, attempts, g.baseDelay, func() error {
			err := fn(ctx)
			if err != nil && !isRetryable(err) {
				return retry.Permanent(err)
			}
			return err
		})
	})
	metrics.ObserveGateway(op, started, err)

	if err != nil {
		traces.Fail(span, err, op+" failed")
		return &Error{Op: op, Err: err}
	}
	return nil
}

// isRejection reports whether Stripe answered and refused the request.
// Those outcomes will not change on retry and say nothing about availability.
func isRejection(err error) bool {
	var se *stripe.Error
	if !errors.As(err, &se) {
		return false
	}
	return se.HTTPStatusCode >= 400 && se.HTTPStatusCode < 500 && se.HTTPStatusCode != http.StatusTooManyRequests
}

func isRetryable(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	return !isRejection(err)
}

func isAvailabilityFailure(err error) bool {
	return !errors.Is(err, context.Canceled) && !isRejection(err)
}

func isMissing(err error) bool {
	var se *stripe.Error
	return errors.As(err, &se) && se.HTTPStatusCode == http.StatusNotFound
}

var _ Gateway = (*StripeGateway)(nil)
