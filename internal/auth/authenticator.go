package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/pharmcompound/pharmcompound-api/internal/logging"
	"github.com/pharmcompound/pharmcompound-api/internal/metrics"
	"github.com/pharmcompound/pharmcompound-api/internal/tenant"
	"github.com/pharmcompound/pharmcompound-api/internal/traces"
	"github.com/pharmcompound/pharmcompound-api/internal/validation"
)

// AccountStore is the part of tenant.Store that login needs.
type AccountStore interface {
	GetActiveAccount(ctx context.Context, email string) (*tenant.Account, error)
	TouchLastLogin(ctx context.Context, userID string, at time.Time) error
}

// Session is a successful login.
type Session struct {
	Account   *tenant.Account
	Token     string
	ExpiresAt time.Time
}

// Authenticator verifies credentials and issues sessions.
type Authenticator struct {
	store  AccountStore
	tokens *TokenIssuer
	now    func() time.Time
}

// NewAuthenticator creates an Authenticator.
func NewAuthenticator(store AccountStore, tokens *TokenIssuer) *Authenticator {
	return &Authenticator{store: store, tokens: tokens, now: time.Now}
}

// Login checks email and password against the active account. Unknown
// email, inactive user and wrong password all return ErrInvalidCredentials.
func (a *Authenticator) Login(ctx context.Context, email, password string) (*Session, error) {
	ctx, span := traces.StartSpan(ctx, "auth.Login")
	defer span.End()

	email = validation.NormalizeEmail(email)
	log := logging.L(ctx).With("email", logging.MaskEmail(email))

	acct, err := a.store.GetActiveAccount(ctx, email)
	switch {
	case errors.Is(err, tenant.ErrNotFound):
		CheckPassword(dummyHash(), password)
		metrics.LoginsTotal.WithLabelValues("invalid_credentials").Inc()
		log.Info("login rejected")
		return nil, ErrInvalidCredentials
	case err != nil:
		traces.Fail(span, err, "account lookup failed")
		metrics.LoginsTotal.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("auth: lookup account: %w", err)
	}

	if !CheckPassword(acct.PasswordHash, password) {
		metrics.LoginsTotal.WithLabelValues("invalid_credentials").Inc()
		log.Info("login rejected")
		return nil, ErrInvalidCredentials
	}

	span.SetAttributes(traces.UserID(acct.ID), traces.OrganizationID(acct.OrganizationID))

	now := a.now().UTC()
	if err := a.store.TouchLastLogin(ctx, acct.ID, now); err != nil {
		log.Warn("failed to record last login", "user_id", acct.ID, "error", err)
	} else {
		acct.LastLoginAt = &now
	}

	token, expiresAt, err := a.tokens.Issue(Principal{
		UserID:         acct.ID,
		OrganizationID: acct.OrganizationID,
		Role:           acct.Role,
	})
	if err != nil {
		traces.Fail(span, err, "token issue failed")
		metrics.LoginsTotal.WithLabelValues("error").Inc()
		return nil, err
	}

	metrics.LoginsTotal.WithLabelValues("success").Inc()
	log.Info("login succeeded", "user_id", acct.ID, "organization_id", acct.OrganizationID)
	return &Session{Account: acct, Token: token, ExpiresAt: expiresAt}, nil
}
