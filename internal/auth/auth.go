// Package auth is the session authenticator: password hashing, signed
// session tokens, login, and the gin guard that validates bearer tokens on
// protected routes.
package auth

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"

	"github.com/pharmcompound/pharmcompound-api/internal/tenant"
)

// Errors
var (
	ErrInvalidCredentials = errors.New("auth: invalid credentials")
	ErrMissingToken       = errors.New("auth: missing bearer token")
	ErrInvalidToken       = errors.New("auth: invalid token")
)

const (
	// TokenTTL is the fixed lifetime of a session token.
	TokenTTL = 24 * time.Hour

	// BcryptCost is the work factor for stored password hashes.
	BcryptCost = 10
)

// Principal is the authenticated caller carried by a session token.
type Principal struct {
	UserID         string      `json:"userId"`
	OrganizationID string      `json:"organizationId"`
	Role           tenant.Role `json:"role"`
}

// Claims is the signed token payload.
type Claims struct {
	UserID         string      `json:"userId"`
	OrganizationID string      `json:"organizationId"`
	Role           tenant.Role `json:"role"`
	jwt.RegisteredClaims
}

// TokenIssuer signs and verifies HS256 session tokens. It holds the
// process-wide secret and is safe for concurrent use.
type TokenIssuer struct {
	secret []byte
	issuer string
	ttl    time.Duration
	now    func() time.Time
}

// NewTokenIssuer creates an issuer for the given secret and issuer name.
func NewTokenIssuer(secret, issuer string) *TokenIssuer {
	return &TokenIssuer{
		secret: []byte(secret),
		issuer: issuer,
		ttl:    TokenTTL,
		now:    time.Now,
	}
}

// Issue mints a token for p that expires TokenTTL from now.
func (ti *TokenIssuer) Issue(p Principal) (token string, expiresAt time.Time, err error) {
	now := ti.now()
	expiresAt = now.Add(ti.ttl)

	claims := &Claims{
		UserID:         p.UserID,
		OrganizationID: p.OrganizationID,
		Role:           p.Role,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    ti.issuer,
			Subject:   p.UserID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
	}

	token, err = jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(ti.secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("auth: sign token: %w", err)
	}
	return token, expiresAt, nil
}

// Verify checks signature, algorithm, issuer and expiry. Every failure is
// reported as ErrInvalidToken; the cause is wrapped for logging only.
func (ti *TokenIssuer) Verify(token string) (Principal, error) {
	claims := &Claims{}
	_, err := jwt.ParseWithClaims(token, claims,
		func(*jwt.Token) (any, error) { return ti.secret, nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithIssuer(ti.issuer),
		jwt.WithTimeFunc(ti.now),
	)
	if err != nil {
		return Principal{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if claims.UserID == "" || claims.OrganizationID == "" {
		return Principal{}, fmt.Errorf("%w: incomplete claims", ErrInvalidToken)
	}
	return Principal{
		UserID:         claims.UserID,
		OrganizationID: claims.OrganizationID,
		Role:           claims.Role,
	}, nil
}

// Authenticate extracts the bearer token from an Authorization header value
// and verifies it.
func (ti *TokenIssuer) Authenticate(header string) (Principal, error) {
	token, ok := bearerToken(header)
	if !ok {
		return Principal{}, ErrMissingToken
	}
	return ti.Verify(token)
}

func bearerToken(header string) (string, bool) {
	scheme, token, found := strings.Cut(strings.TrimSpace(header), " ")
	if !found || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	token = strings.TrimSpace(token)
	return token, token != ""
}

// HashPassword returns a salted bcrypt hash of password.
func HashPassword(password string) (string, error) {
	b, err := bcrypt.GenerateFromPassword([]byte(password), BcryptCost)
	if err != nil {
		return "", fmt.Errorf("auth: hash password: %w", err)
	}
	return string(b), nil
}

// CheckPassword reports whether password matches hash.
func CheckPassword(hash, password string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) == nil
}

// dummyHash is compared against when no account matches, so unknown emails
// take as long to reject as wrong passwords.
var dummyHash = sync.OnceValue(func() string {
	h, err := bcrypt.GenerateFromPassword([]byte("pharmcompound-timing-equalizer"), BcryptCost)
	if err != nil {
		panic("auth: dummy hash: " + err.Error())
	}
	return string(h)
})
