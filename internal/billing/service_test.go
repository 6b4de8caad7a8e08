package billing

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stripe/stripe-go/v81/webhook"

	"github.com/pharmcompound/pharmcompound-api/internal/tenant"
)

const testWebhookSecret = "whsec_test_secret"

var fixedNow = time.Date(2026, 5, 10, 9, 30, 0, 0, time.UTC)

type stubUsage struct {
	n   int
	err error
}

func (s stubUsage) CompoundsThisMonth(context.Context, string, time.Time) (int, error) {
	return s.n, s.err
}

// seedOrganization stores a trialing organization with one active admin.
func seedOrganization(t *testing.T, store *tenant.MemoryStore, orgID, customerID string) {
	t.Helper()
	err := store.WithTx(context.Background(), func(ctx context.Context, tx tenant.Tx) error {
		org := &tenant.Organization{
			ID: orgID, Name: "Acme Pharmacy", Email: orgID + "@acme.test",
			StripeCustomerID: customerID, Status: tenant.StatusTrialing,
			TrialEndsAt: fixedNow.Add(tenant.TrialPeriod), CreatedAt: fixedNow, UpdatedAt: fixedNow,
		}
		org.ApplyPlan(tenant.Plans[tenant.DefaultPlan])
		if err := tx.CreateOrganization(ctx, org); err != nil {
			return err
		}
		return tx.CreateUser(ctx, &tenant.User{
			ID: "usr-" + orgID, OrganizationID: orgID, Email: "admin-" + orgID + "@acme.test",
			Role: tenant.RoleAdmin, IsActive: true, CreatedAt: fixedNow,
		})
	})
	require.NoError(t, err)
}

func newTestService(store tenant.Store, gw Gateway, usage UsageReader) *Service {
	s := NewService(store, gw, usage, Config{AppURL: "http://app.test/", WebhookSecret: testWebhookSecret})
	s.now = func() time.Time { return fixedNow }
	return s
}

func signed(t *testing.T, eventType, object string) ([]byte, string) {
	t.Helper()
	payload := []byte(fmt.Sprintf(`{"id":"evt_1","object":"event","api_version":"2020-08-27","type":%q,"data":{"object":%s}}`, eventType, object))
	sp := webhook.GenerateTestSignedPayload(&webhook.UnsignedPayload{
		Payload:   payload,
		Secret:    testWebhookSecret,
		Timestamp: time.Now(),
	})
	return sp.Payload, sp.Header
}

func TestSubscription(t *testing.T) {
	store := tenant.NewMemoryStore()
	seedOrganization(t, store, "org-1", "cus_1")
	s := newTestService(store, NewMemoryGateway(), stubUsage{n: 7})

	sub, err := s.Subscription(context.Background(), "org-1")
	require.NoError(t, err)
	assert.Equal(t, "Acme Pharmacy", sub.OrganizationName)
	assert.Equal(t, tenant.StatusTrialing, sub.Status)
	assert.Equal(t, tenant.PlanStarter, sub.Tier)
	assert.Equal(t, "Starter", sub.PlanName)
	assert.EqualValues(t, 19900, sub.MonthlyPriceCents)
	assert.EqualValues(t, 199000, sub.AnnualPriceCents)
	assert.Equal(t, 100, sub.MonthlyCompoundLimit)
	assert.Equal(t, 3, sub.UserLimit)
	assert.Equal(t, 1, sub.CurrentUsers)
	assert.Equal(t, 7, sub.CompoundsThisMonth)
}

func TestSubscription_Errors(t *testing.T) {
	store := tenant.NewMemoryStore()
	seedOrganization(t, store, "org-1", "cus_1")

	_, err := newTestService(store, NewMemoryGateway(), stubUsage{}).Subscription(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrOrganizationNotFound)

	usageErr := errors.New("usage table unavailable")
	_, err = newTestService(store, NewMemoryGateway(), stubUsage{err: usageErr}).Subscription(context.Background(), "org-1")
	assert.ErrorIs(t, err, usageErr)
}

func TestCreateCheckout(t *testing.T) {
	store := tenant.NewMemoryStore()
	seedOrganization(t, store, "org-1", "cus_1")
	gw := NewMemoryGateway()
	s := newTestService(store, gw, stubUsage{})

	url, err := s.CreateCheckout(context.Background(), "org-1", tenant.PlanProfessional, PeriodAnnual)
	require.NoError(t, err)

	req, ok := gw.Session(url)
	require.True(t, ok)
	assert.Equal(t, "cus_1", req.CustomerID)
	assert.Equal(t, "price_professional_annual", req.PriceID)
	assert.Equal(t, "http://app.test/dashboard?success=true", req.SuccessURL)
	assert.Equal(t, "http://app.test/subscribe?canceled=true", req.CancelURL)
	assert.Equal(t, map[string]string{"organization_id": "org-1", "plan_id": "professional"}, req.Metadata)
	assert.NotEmpty(t, req.IdempotencyKey)

	url, err = s.CreateCheckout(context.Background(), "org-1", tenant.PlanStarter, "")
	require.NoError(t, err)
	req, _ = gw.Session(url)
	assert.Equal(t, "price_starter_monthly", req.PriceID, "monthly is the default period")
}

func TestCreateCheckout_Errors(t *testing.T) {
	store := tenant.NewMemoryStore()
	seedOrganization(t, store, "org-1", "cus_1")
	seedOrganization(t, store, "org-2", "")
	gw := NewMemoryGateway()
	s := newTestService(store, gw, stubUsage{})
	ctx := context.Background()

	_, err := s.CreateCheckout(ctx, "missing", tenant.PlanStarter, PeriodMonthly)
	assert.ErrorIs(t, err, ErrOrganizationNotFound)

	_, err = s.CreateCheckout(ctx, "org-2", tenant.PlanStarter, PeriodMonthly)
	assert.ErrorIs(t, err, ErrNoCustomer)

	_, err = s.CreateCheckout(ctx, "org-1", "platinum", PeriodMonthly)
	assert.ErrorIs(t, err, ErrPlanNotFound)

	gw.FailWith(OpCreateCheckout, errors.New("provider down"))
	_, err = s.CreateCheckout(ctx, "org-1", tenant.PlanStarter, PeriodMonthly)
	var gwErr *Error
	require.True(t, errors.As(err, &gwErr))
	assert.Equal(t, OpCreateCheckout, gwErr.Op)
}

func TestHandleWebhook_Transitions(t *testing.T) {
	store := tenant.NewMemoryStore()
	seedOrganization(t, store, "org-1", "cus_1")
	s := newTestService(store, NewMemoryGateway(), stubUsage{})
	ctx := context.Background()

	apply := func(eventType, object string) *tenant.Organization {
		t.Helper()
		payload, sig := signed(t, eventType, object)
		require.NoError(t, s.HandleWebhook(ctx, payload, sig))
		org, err := store.GetOrganization(ctx, "org-1")
		require.NoError(t, err)
		return org
	}

	org := apply(EventCheckoutCompleted,
		`{"id":"cs_1","object":"checkout.session","customer":"cus_1","metadata":{"organization_id":"org-1","plan_id":"professional"}}`)
	assert.Equal(t, tenant.StatusActive, org.Status)
	assert.Equal(t, tenant.PlanProfessional, org.Tier)
	assert.Equal(t, 500, org.MonthlyCompoundLimit)
	assert.Equal(t, 10, org.UserLimit)
	require.NotNil(t, org.SubscriptionStart)
	assert.Equal(t, fixedNow, *org.SubscriptionStart)

	org = apply(EventInvoicePaymentFailed, `{"id":"in_1","object":"invoice","customer":"cus_1"}`)
	assert.Equal(t, tenant.StatusPastDue, org.Status)

	org = apply(EventSubscriptionUpdated, `{"id":"sub_1","object":"subscription","customer":"cus_1","status":"active"}`)
	assert.Equal(t, tenant.StatusActive, org.Status)

	org = apply(EventSubscriptionUpdated, `{"id":"sub_1","object":"subscription","customer":"cus_1","status":"incomplete"}`)
	assert.Equal(t, tenant.StatusActive, org.Status, "statuses without a local meaning are ignored")

	org = apply(EventSubscriptionDeleted, `{"id":"sub_1","object":"subscription","customer":"cus_1","status":"canceled"}`)
	assert.Equal(t, tenant.StatusCanceled, org.Status)
	require.NotNil(t, org.SubscriptionEnd)
	assert.Equal(t, fixedNow, *org.SubscriptionEnd)
	assert.Equal(t, tenant.PlanProfessional, org.Tier, "cancellation keeps the tier")
}

func TestHandleWebhook_CheckoutFallsBackToCustomer(t *testing.T) {
	store := tenant.NewMemoryStore()
	seedOrganization(t, store, "org-1", "cus_1")
	s := newTestService(store, NewMemoryGateway(), stubUsage{})

	payload, sig := signed(t, EventCheckoutCompleted,
		`{"id":"cs_1","object":"checkout.session","customer":"cus_1","metadata":{"plan_id":"unknown-plan"}}`)
	require.NoError(t, s.HandleWebhook(context.Background(), payload, sig))

	org, err := store.GetOrganization(context.Background(), "org-1")
	require.NoError(t, err)
	assert.Equal(t, tenant.StatusActive, org.Status)
	assert.Equal(t, tenant.PlanStarter, org.Tier, "unknown plan leaves the tier alone")
}

// catalogueStore serves plans from its own table instead of the built-ins.
type catalogueStore struct {
	*tenant.MemoryStore
	plans map[string]tenant.Plan
	err   error
}

func (c *catalogueStore) GetPlan(_ context.Context, name string) (*tenant.Plan, error) {
	if c.err != nil {
		return nil, c.err
	}
	p, ok := c.plans[name]
	if !ok {
		return nil, tenant.ErrPlanNotFound
	}
	return &p, nil
}

func TestHandleWebhook_CheckoutUsesStoredPlan(t *testing.T) {
	mem := tenant.NewMemoryStore()
	seedOrganization(t, mem, "org-1", "cus_1")
	repriced := tenant.Plans[tenant.PlanProfessional]
	repriced.MonthlyCompoundLimit = 750
	store := &catalogueStore{MemoryStore: mem, plans: map[string]tenant.Plan{tenant.PlanProfessional: repriced}}
	s := newTestService(store, NewMemoryGateway(), stubUsage{})

	payload, sig := signed(t, EventCheckoutCompleted,
		`{"id":"cs_1","object":"checkout.session","customer":"cus_1","metadata":{"organization_id":"org-1","plan_id":"professional"}}`)
	require.NoError(t, s.HandleWebhook(context.Background(), payload, sig))

	org, err := mem.GetOrganization(context.Background(), "org-1")
	require.NoError(t, err)
	assert.Equal(t, tenant.PlanProfessional, org.Tier)
	assert.Equal(t, 750, org.MonthlyCompoundLimit, "limits come from the plan table")
}

func TestHandleWebhook_CheckoutPlanLookupFails(t *testing.T) {
	mem := tenant.NewMemoryStore()
	seedOrganization(t, mem, "org-1", "cus_1")
	store := &catalogueStore{MemoryStore: mem, err: errors.New("plan table unavailable")}
	s := newTestService(store, NewMemoryGateway(), stubUsage{})

	payload, sig := signed(t, EventCheckoutCompleted,
		`{"id":"cs_1","object":"checkout.session","customer":"cus_1","metadata":{"organization_id":"org-1","plan_id":"professional"}}`)
	assert.Error(t, s.HandleWebhook(context.Background(), payload, sig), "provider retries the delivery")

	org, err := mem.GetOrganization(context.Background(), "org-1")
	require.NoError(t, err)
	assert.Equal(t, tenant.StatusTrialing, org.Status)
}

func TestHandleWebhook_AcknowledgesWithoutChange(t *testing.T) {
	store := tenant.NewMemoryStore()
	seedOrganization(t, store, "org-1", "cus_1")
	s := newTestService(store, NewMemoryGateway(), stubUsage{})
	ctx := context.Background()

	cases := map[string][2]string{
		"unhandled type":   {"customer.created", `{"id":"cus_1","object":"customer"}`},
		"unknown customer": {EventInvoicePaymentFailed, `{"id":"in_1","object":"invoice","customer":"cus_nobody"}`},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			payload, sig := signed(t, tc[0], tc[1])
			require.NoError(t, s.HandleWebhook(ctx, payload, sig))
			org, err := store.GetOrganization(ctx, "org-1")
			require.NoError(t, err)
			assert.Equal(t, tenant.StatusTrialing, org.Status)
		})
	}
}

func TestHandleWebhook_RejectsBadSignatures(t *testing.T) {
	store := tenant.NewMemoryStore()
	s := newTestService(store, NewMemoryGateway(), stubUsage{})
	payload, sig := signed(t, EventInvoicePaymentFailed, `{"id":"in_1","object":"invoice","customer":"cus_1"}`)

	assert.ErrorIs(t, s.HandleWebhook(context.Background(), payload, ""), ErrInvalidSignature)
	assert.ErrorIs(t, s.HandleWebhook(context.Background(), payload, "t=1,v1=deadbeef"), ErrInvalidSignature)

	tampered := append([]byte(nil), payload...)
	tampered[len(tampered)-2] = ' '
	assert.ErrorIs(t, s.HandleWebhook(context.Background(), tampered, sig), ErrInvalidSignature)

	unconfigured := NewService(store, NewMemoryGateway(), stubUsage{}, Config{})
	assert.ErrorIs(t, unconfigured.HandleWebhook(context.Background(), payload, sig), ErrInvalidSignature)
}

func TestMemoryGateway_Idempotency(t *testing.T) {
	gw := NewMemoryGateway()
	ctx := context.Background()

	a, err := gw.CreateCustomer(ctx, CustomerRequest{Email: "a@acme.test", IdempotencyKey: "k1"})
	require.NoError(t, err)
	b, err := gw.CreateCustomer(ctx, CustomerRequest{Email: "a@acme.test", IdempotencyKey: "k1"})
	require.NoError(t, err)
	c, err := gw.CreateCustomer(ctx, CustomerRequest{Email: "a@acme.test"})
	require.NoError(t, err)

	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
	assert.Equal(t, 2, gw.CustomerCount())

	require.NoError(t, gw.DeleteCustomer(ctx, a))
	require.NoError(t, gw.DeleteCustomer(ctx, a), "deleting twice succeeds")
	assert.Equal(t, 1, gw.CustomerCount())
	assert.Equal(t, 3, gw.Calls(OpCreateCustomer))
	assert.Equal(t, 2, gw.Calls(OpDeleteCustomer))
}
