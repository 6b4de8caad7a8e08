package billing

import (
	"bytes"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pharmcompound/pharmcompound-api/internal/auth"
	"github.com/pharmcompound/pharmcompound-api/internal/tenant"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type billingRig struct {
	router  *gin.Engine
	tokens  *auth.TokenIssuer
	store   *tenant.MemoryStore
	gateway *MemoryGateway
}

func newBillingRig(t *testing.T) *billingRig {
	t.Helper()
	store := tenant.NewMemoryStore()
	seedOrganization(t, store, "org-1", "cus_1")
	gw := NewMemoryGateway()
	tokens := auth.NewTokenIssuer("0123456789abcdef0123456789abcdef", "pharmcompound-api")
	h := NewHandler(newTestService(store, gw, stubUsage{n: 3}))

	r := gin.New()
	h.RegisterProtectedRoutes(r.Group("/api", auth.RequireAuth(tokens)))
	h.RegisterWebhookRoutes(r.Group("/webhooks"))
	return &billingRig{router: r, tokens: tokens, store: store, gateway: gw}
}

func (rig *billingRig) do(t *testing.T, method, path, body string, role tenant.Role, orgID string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, bytes.NewBufferString(body))
	req.Header.Set("Content-Type", "application/json")
	if role != "" {
		token, _, err := rig.tokens.Issue(auth.Principal{UserID: "usr-1", OrganizationID: orgID, Role: role})
		require.NoError(t, err)
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	rig.router.ServeHTTP(w, req)
	return w
}

func TestHandler_GetSubscription(t *testing.T) {
	rig := newBillingRig(t)

	w := rig.do(t, http.MethodGet, "/api/subscription", "", tenant.RoleStaff, "org-1")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var body map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "org-1", body["id"])
	assert.Equal(t, "trialing", body["subscription_status"])
	assert.EqualValues(t, 3, body["compounds_this_month"])
	assert.NotContains(t, w.Body.String(), "cus_1", "billing customer id is not exposed")

	assert.Equal(t, http.StatusNotFound, rig.do(t, http.MethodGet, "/api/subscription", "", tenant.RoleStaff, "org-gone").Code)
	assert.Equal(t, http.StatusUnauthorized, rig.do(t, http.MethodGet, "/api/subscription", "", "", "").Code)
}

func TestHandler_CreateCheckout(t *testing.T) {
	rig := newBillingRig(t)
	post := func(body string, role tenant.Role) *httptest.ResponseRecorder {
		return rig.do(t, http.MethodPost, "/api/subscription/create", body, role, "org-1")
	}

	w := post(`{"planId":"enterprise","billingPeriod":"annual"}`, tenant.RoleAdmin)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var resp struct {
		Success     bool   `json:"success"`
		CheckoutURL string `json:"checkout_url"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.True(t, resp.Success)
	sess, ok := rig.gateway.Session(resp.CheckoutURL)
	require.True(t, ok)
	assert.Equal(t, "price_enterprise_annual", sess.PriceID)

	assert.Equal(t, http.StatusForbidden, post(`{"planId":"enterprise"}`, tenant.RoleStaff).Code)
	assert.Equal(t, http.StatusBadRequest, post(`{"planId":"enterprise","billingPeriod":"weekly"}`, tenant.RoleAdmin).Code)
	assert.Equal(t, http.StatusBadRequest, post(`{}`, tenant.RoleAdmin).Code)
	assert.Equal(t, http.StatusNotFound, post(`{"planId":"platinum"}`, tenant.RoleAdmin).Code)

	rig.gateway.FailWith(OpCreateCheckout, errors.New("provider down"))
	assert.Equal(t, http.StatusBadGateway, post(`{"planId":"starter"}`, tenant.RoleAdmin).Code)
}

func TestHandler_Webhook(t *testing.T) {
	rig := newBillingRig(t)
	payload, sig := signed(t, EventInvoicePaymentFailed, `{"id":"in_1","object":"invoice","customer":"cus_1"}`)

	send := func(body []byte, signature string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/webhooks/stripe", bytes.NewReader(body))
		req.Header.Set("Stripe-Signature", signature)
		w := httptest.NewRecorder()
		rig.router.ServeHTTP(w, req)
		return w
	}

	bad := send(payload, "t=1,v1=00")
	assert.Equal(t, http.StatusBadRequest, bad.Code)

	ok := send(payload, sig)
	require.Equal(t, http.StatusOK, ok.Code, ok.Body.String())
	assert.JSONEq(t, `{"received":true}`, ok.Body.String())

	org, err := rig.store.GetOrganization(t.Context(), "org-1")
	require.NoError(t, err)
	assert.Equal(t, tenant.StatusPastDue, org.Status)
}
