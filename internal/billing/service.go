package billing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/stripe/stripe-go/v81"
	"github.com/stripe/stripe-go/v81/webhook"

	"github.com/pharmcompound/pharmcompound-api/internal/idgen"
	"github.com/pharmcompound/pharmcompound-api/internal/logging"
	"github.com/pharmcompound/pharmcompound-api/internal/metrics"
	"github.com/pharmcompound/pharmcompound-api/internal/tenant"
	"github.com/pharmcompound/pharmcompound-api/internal/traces"
)

// Errors
var (
	ErrOrganizationNotFound = errors.New("billing: organization not found")
	ErrPlanNotFound         = errors.New("billing: plan not found")
	ErrNoCustomer           = errors.New("billing: organization has no billing customer")
	ErrInvalidSignature     = errors.New("billing: invalid webhook signature")
)

// Webhook event types acted upon; everything else is acknowledged and logged.
const (
	EventCheckoutCompleted    = "checkout.session.completed"
	EventSubscriptionUpdated  = "customer.subscription.updated"
	EventSubscriptionDeleted  = "customer.subscription.deleted"
	EventInvoicePaymentFailed = "invoice.payment_failed"
)

// Billing periods accepted by CreateCheckout.
const (
	PeriodMonthly = "monthly"
	PeriodAnnual  = "annual"
)

const (
	metadataOrganizationID = "organization_id"
	metadataPlanID         = "plan_id"
)

// UsageReader reports an organization's metered usage.
type UsageReader interface {
	CompoundsThisMonth(ctx context.Context, organizationID string, now time.Time) (int, error)
}

// Config holds the service's fixed settings.
type Config struct {
	// AppURL is the frontend base URL that checkout returns to.
	AppURL string
	// WebhookSecret verifies inbound provider events. Empty disables the
	// webhook: every event is rejected.
	WebhookSecret string
}

// Service implements subscription reads, checkout and webhook handling.
type Service struct {
	store   tenant.Store
	gateway Gateway
	usage   UsageReader
	cfg     Config
	now     func() time.Time
}

// NewService creates a billing service.
func NewService(store tenant.Store, gateway Gateway, usage UsageReader, cfg Config) *Service {
	cfg.AppURL = strings.TrimRight(cfg.AppURL, "/")
	return &Service{store: store, gateway: gateway, usage: usage, cfg: cfg, now: time.Now}
}

// Subscription is an organization's plan, limits and current usage.
type Subscription struct {
	OrganizationID       string        `json:"id"`
	OrganizationName     string        `json:"name"`
	Status               tenant.Status `json:"subscription_status"`
	Tier                 string        `json:"subscription_tier"`
	StartDate            *time.Time    `json:"subscription_start_date"`
	EndDate              *time.Time    `json:"subscription_end_date"`
	TrialEndsAt          time.Time     `json:"trial_ends_at"`
	MonthlyCompoundLimit int           `json:"monthly_compound_limit"`
	UserLimit            int           `json:"user_limit"`
	PlanName             string        `json:"plan_name,omitempty"`
	MonthlyPriceCents    int64         `json:"price_monthly,omitempty"`
	AnnualPriceCents     int64         `json:"price_annual,omitempty"`
	CurrentUsers         int           `json:"current_users"`
	CompoundsThisMonth   int           `json:"compounds_this_month"`
}

// Subscription returns the organization's subscription summary.
func (s *Service) Subscription(ctx context.Context, organizationID string) (*Subscription, error) {
	org, err := s.store.GetOrganization(ctx, organizationID)
	if errors.Is(err, tenant.ErrNotFound) {
		return nil, ErrOrganizationNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("billing: load organization: %w", err)
	}

	sub := &Subscription{
		OrganizationID:       org.ID,
		OrganizationName:     org.Name,
		Status:               org.Status,
		Tier:                 org.Tier,
		StartDate:            org.SubscriptionStart,
		EndDate:              org.SubscriptionEnd,
		TrialEndsAt:          org.TrialEndsAt,
		MonthlyCompoundLimit: org.MonthlyCompoundLimit,
		UserLimit:            org.UserLimit,
	}

	// A tier missing from the catalogue leaves the plan fields empty.
	plan, err := s.store.GetPlan(ctx, org.Tier)
	switch {
	case err == nil:
		sub.PlanName = plan.DisplayName
		sub.MonthlyPriceCents = plan.MonthlyPriceCents
		sub.AnnualPriceCents = plan.AnnualPriceCents
	case !errors.Is(err, tenant.ErrPlanNotFound):
		return nil, fmt.Errorf("billing: load plan: %w", err)
	}

	if sub.CurrentUsers, err = s.store.CountActiveUsers(ctx, org.ID); err != nil {
		return nil, fmt.Errorf("billing: count users: %w", err)
	}
	if sub.CompoundsThisMonth, err = s.usage.CompoundsThisMonth(ctx, org.ID, s.now().UTC()); err != nil {
		return nil, fmt.Errorf("billing: read usage: %w", err)
	}
	return sub, nil
}

// CreateCheckout starts a hosted checkout that subscribes the organization
// to planID, billed per period ("monthly" or "annual"). It returns the
// checkout URL.
func (s *Service) CreateCheckout(ctx context.Context, organizationID, planID, period string) (string, error) {
	ctx, span := traces.StartSpan(ctx, "billing.CreateCheckout",
		traces.OrganizationID(organizationID), traces.PlanID(planID))
	defer span.End()

	org, err := s.store.GetOrganization(ctx, organizationID)
	if errors.Is(err, tenant.ErrNotFound) {
		return "", ErrOrganizationNotFound
	}
	if err != nil {
		return "", fmt.Errorf("billing: load organization: %w", err)
	}
	if org.StripeCustomerID == "" {
		return "", ErrNoCustomer
	}

	plan, err := s.store.GetPlan(ctx, planID)
	if errors.Is(err, tenant.ErrPlanNotFound) {
		return "", ErrPlanNotFound
	}
	if err != nil {
		return "", fmt.Errorf("billing: load plan: %w", err)
	}
	if period == "" {
		period = PeriodMonthly
	}

	url, err := s.gateway.CreateCheckoutSession(ctx, CheckoutRequest{
		CustomerID: org.StripeCustomerID,
		PriceID:    plan.PriceID(period),
		SuccessURL: s.cfg.AppURL + "/dashboard?success=true",
		CancelURL:  s.cfg.AppURL + "/subscribe?canceled=true",
		Metadata: map[string]string{
			metadataOrganizationID: org.ID,
			metadataPlanID:         plan.Name,
		},
		IdempotencyKey: idgen.WithPrefix("chk_"),
	})
	if err != nil {
		traces.Fail(span, err, "checkout session failed")
		return "", err
	}
	return url, nil
}

// HandleWebhook verifies a provider event and applies the subscription
// transition it carries. Events for unknown customers or of unhandled types
// are acknowledged without change.
func (s *Service) HandleWebhook(ctx context.Context, payload []byte, signature string) error {
	if s.cfg.WebhookSecret == "" {
		return ErrInvalidSignature
	}
	event, err := webhook.ConstructEventWithOptions(payload, signature, s.cfg.WebhookSecret,
		webhook.ConstructEventOptions{IgnoreAPIVersionMismatch: true})
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}

	eventType := string(event.Type)
	ctx, span := traces.StartSpan(ctx, "billing.HandleWebhook", traces.EventType(eventType))
	defer span.End()
	log := logging.L(ctx).With("event_id", event.ID, "event_type", eventType)

	label := eventType
	switch eventType {
	case EventCheckoutCompleted, EventSubscriptionUpdated, EventSubscriptionDeleted, EventInvoicePaymentFailed:
	default:
		label = "other"
	}

	err = s.dispatch(ctx, eventType, event.Data)
	switch {
	case errors.Is(err, errUnhandled):
		metrics.BillingWebhookEventsTotal.WithLabelValues(label, "ignored").Inc()
		log.Info("webhook event ignored")
		return nil
	case errors.Is(err, tenant.ErrNotFound):
		metrics.BillingWebhookEventsTotal.WithLabelValues(label, "unknown_customer").Inc()
		log.Warn("webhook event for unknown organization")
		return nil
	case err != nil:
		traces.Fail(span, err, "webhook event failed")
		metrics.BillingWebhookEventsTotal.WithLabelValues(label, "error").Inc()
		return err
	}
	metrics.BillingWebhookEventsTotal.WithLabelValues(label, "applied").Inc()
	log.Info("webhook event applied")
	return nil
}

var errUnhandled = errors.New("billing: unhandled event")

func (s *Service) dispatch(ctx context.Context, eventType string, data *stripe.EventData) error {
	if data == nil {
		return errUnhandled
	}
	now := s.now().UTC()

	switch eventType {
	case EventCheckoutCompleted:
		var cs stripe.CheckoutSession
		if err := json.Unmarshal(data.Raw, &cs); err != nil {
			return fmt.Errorf("billing: decode checkout session: %w", err)
		}
		orgID, err := s.resolveOrganization(ctx, cs.Metadata[metadataOrganizationID], customerID(cs.Customer))
		if err != nil {
			return err
		}
		// An unknown plan still activates the subscription on the current tier.
		plan, err := s.store.GetPlan(ctx, cs.Metadata[metadataPlanID])
		if err != nil && !errors.Is(err, tenant.ErrPlanNotFound) {
			return fmt.Errorf("billing: load plan: %w", err)
		}
		return s.update(ctx, orgID, func(o *tenant.Organization) {
			o.Status = tenant.StatusActive
			o.SubscriptionStart = &now
			o.SubscriptionEnd = nil
			if plan != nil {
				o.ApplyPlan(*plan)
			}
		})

	case EventSubscriptionUpdated:
		var sub stripe.Subscription
		if err := json.Unmarshal(data.Raw, &sub); err != nil {
			return fmt.Errorf("billing: decode subscription: %w", err)
		}
		status, ok := mapStatus(sub.Status)
		if !ok {
			return errUnhandled
		}
		orgID, err := s.resolveOrganization(ctx, sub.Metadata[metadataOrganizationID], customerID(sub.Customer))
		if err != nil {
			return err
		}
		return s.update(ctx, orgID, func(o *tenant.Organization) { o.Status = status })

	case EventSubscriptionDeleted:
		var sub stripe.Subscription
		if err := json.Unmarshal(data.Raw, &sub); err != nil {
			return fmt.Errorf("billing: decode subscription: %w", err)
		}
		orgID, err := s.resolveOrganization(ctx, sub.Metadata[metadataOrganizationID], customerID(sub.Customer))
		if err != nil {
			return err
		}
		return s.update(ctx, orgID, func(o *tenant.Organization) {
			o.Status = tenant.StatusCanceled
			o.SubscriptionEnd = &now
		})

	case EventInvoicePaymentFailed:
		var inv stripe.Invoice
		if err := json.Unmarshal(data.Raw, &inv); err != nil {
			return fmt.Errorf("billing: decode invoice: %w", err)
		}
		orgID, err := s.resolveOrganization(ctx, "", customerID(inv.Customer))
		if err != nil {
			return err
		}
		return s.update(ctx, orgID, func(o *tenant.Organization) { o.Status = tenant.StatusPastDue })
	}
	return errUnhandled
}

// resolveOrganization prefers the organization id the checkout was created
// with and falls back to the billing customer.
func (s *Service) resolveOrganization(ctx context.Context, organizationID, customer string) (string, error) {
	if organizationID != "" {
		if _, err := s.store.GetOrganization(ctx, organizationID); err == nil {
			return organizationID, nil
		} else if !errors.Is(err, tenant.ErrNotFound) {
			return "", err
		}
	}
	if customer == "" {
		return "", tenant.ErrNotFound
	}
	org, err := s.store.GetOrganizationByCustomer(ctx, customer)
	if err != nil {
		return "", err
	}
	return org.ID, nil
}

func (s *Service) update(ctx context.Context, organizationID string, apply func(*tenant.Organization)) error {
	_, err := s.store.UpdateOrganization(ctx, organizationID, func(o *tenant.Organization) error {
		apply(o)
		return nil
	})
	return err
}

func customerID(c *stripe.Customer) string {
	if c == nil {
		return ""
	}
	return c.ID
}

// mapStatus translates a provider subscription status. Statuses with no
// local meaning (incomplete, paused) report false.
func mapStatus(s stripe.SubscriptionStatus) (tenant.Status, bool) {
	switch s {
	case stripe.SubscriptionStatusActive:
		return tenant.StatusActive, true
	case stripe.SubscriptionStatusTrialing:
		return tenant.StatusTrialing, true
	case stripe.SubscriptionStatusPastDue, stripe.SubscriptionStatusUnpaid:
		return tenant.StatusPastDue, true
	case stripe.SubscriptionStatusCanceled, stripe.SubscriptionStatusIncompleteExpired:
		return tenant.StatusCanceled, true
	}
	return "", false
}
