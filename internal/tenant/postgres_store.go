package tenant

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgerrcode"
	"github.com/lib/pq"

	"github.com/pharmcompound/pharmcompound-api/internal/logging"
)

// usersEmailConstraint is the unique constraint on users(email).
const usersEmailConstraint = "users_email_key"

// PostgresStore persists tenants in PostgreSQL.
type PostgresStore struct {
	db      *sql.DB
	timeout time.Duration
}

// NewPostgresStore creates a PostgreSQL-backed store. queryTimeout bounds
// each statement; zero disables the bound.
func NewPostgresStore(db *sql.DB, queryTimeout time.Duration) *PostgresStore {
	return &PostgresStore{db: db, timeout: queryTimeout}
}

func (p *PostgresStore) queryCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return withTimeout(ctx, p.timeout)
}

func withTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d)
}

// isUniqueViolation reports whether err is a unique violation, optionally of
// a specific constraint.
func isUniqueViolation(err error, constraint string) bool {
	var pqErr *pq.Error
	if !errors.As(err, &pqErr) || string(pqErr.Code) != pgerrcode.UniqueViolation {
		return false
	}
	return constraint == "" || pqErr.Constraint == constraint
}

func (p *PostgresStore) WithTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	sqlTx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("tenant: begin: %w", err)
	}

	committed := false
	defer func() {
		if committed {
			return
		}
		if rbErr := sqlTx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
			logging.L(ctx).Error("tenant: rollback failed", "error", rbErr)
		}
	}()

	if err := fn(ctx, &pgTx{tx: sqlTx, timeout: p.timeout}); err != nil {
		return err
	}

	if err := sqlTx.Commit(); err != nil {
		if isUniqueViolation(err, usersEmailConstraint) {
			return ErrEmailTaken
		}
		return fmt.Errorf("tenant: commit: %w", err)
	}
	committed = true
	return nil
}

const organizationColumns = `id, name, email, phone, stripe_customer_id, subscription_status,
	subscription_tier, trial_ends_at, subscription_start_date, subscription_end_date,
	monthly_compound_limit, user_limit, created_at, updated_at`

func (p *PostgresStore) GetOrganization(ctx context.Context, id string) (*Organization, error) {
	ctx, cancel := p.queryCtx(ctx)
	defer cancel()
	return scanOrganization(p.db.QueryRowContext(ctx,
		`SELECT `+organizationColumns+` FROM organizations WHERE id = $1`, id))
}

func (p *PostgresStore) GetOrganizationByCustomer(ctx context.Context, customerID string) (*Organization, error) {
	ctx, cancel := p.queryCtx(ctx)
	defer cancel()
	return scanOrganization(p.db.QueryRowContext(ctx,
		`SELECT `+organizationColumns+` FROM organizations WHERE stripe_customer_id = $1`, customerID))
}

func (p *PostgresStore) UpdateOrganization(ctx context.Context, id string, mutate func(*Organization) error) (*Organization, error) {
	ctx, cancel := p.queryCtx(ctx)
	defer cancel()

	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("tenant: begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	org, err := scanOrganization(tx.QueryRowContext(ctx,
		`SELECT `+organizationColumns+` FROM organizations WHERE id = $1 FOR UPDATE`, id))
	if err != nil {
		return nil, err
	}
	if err := mutate(org); err != nil {
		return nil, err
	}
	if !org.Status.Valid() {
		return nil, ErrInvalidStatus
	}
	org.UpdatedAt = time.Now().UTC()

	_, err = tx.ExecContext(ctx, `
		UPDATE organizations SET subscription_status = $1, subscription_tier = $2,
			subscription_start_date = $3, subscription_end_date = $4,
			monthly_compound_limit = $5, user_limit = $6, updated_at = $7
		WHERE id = $8`,
		string(org.Status), org.Tier, nullTime(org.SubscriptionStart), nullTime(org.SubscriptionEnd),
		org.MonthlyCompoundLimit, org.UserLimit, org.UpdatedAt, org.ID,
	)
	if err != nil {
		return nil, fmt.Errorf("tenant: update organization: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("tenant: commit: %w", err)
	}
	return org, nil
}

func (p *PostgresStore) ListLocations(ctx context.Context, organizationID string) ([]Location, error) {
	ctx, cancel := p.queryCtx(ctx)
	defer cancel()

	rows, err := p.db.QueryContext(ctx, `
		SELECT id, organization_id, name, is_primary, address_line1, city, state_province, postal_code, created_at
		FROM pharmacy_locations WHERE organization_id = $1
		ORDER BY is_primary DESC, created_at`, organizationID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var locs []Location
	for rows.Next() {
		var l Location
		if err := rows.Scan(&l.ID, &l.OrganizationID, &l.Name, &l.IsPrimary, &l.AddressLine1,
			&l.City, &l.StateProvince, &l.PostalCode, &l.CreatedAt); err != nil {
			return nil, err
		}
		locs = append(locs, l)
	}
	return locs, rows.Err()
}

func (p *PostgresStore) GetActiveAccount(ctx context.Context, email string) (*Account, error) {
	ctx, cancel := p.queryCtx(ctx)
	defer cancel()

	a := &Account{}
	var (
		role, status string
		lastLogin    sql.NullTime
	)
	err := p.db.QueryRowContext(ctx, `
		SELECT u.id, u.organization_id, u.email, u.password_hash, u.first_name, u.last_name,
			u.role, u.is_active, u.last_login_at, u.created_at,
			o.name, o.subscription_status, o.subscription_tier, o.trial_ends_at
		FROM users u
		JOIN organizations o ON u.organization_id = o.id
		WHERE u.email = $1 AND u.is_active = TRUE`, email,
	).Scan(&a.ID, &a.OrganizationID, &a.Email, &a.PasswordHash, &a.FirstName, &a.LastName,
		&role, &a.IsActive, &lastLogin, &a.CreatedAt,
		&a.OrganizationName, &status, &a.SubscriptionTier, &a.TrialEndsAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	a.Role = Role(role)
	a.SubscriptionStatus = Status(status)
	if lastLogin.Valid {
		t := lastLogin.Time
		a.LastLoginAt = &t
	}
	return a, nil
}

func (p *PostgresStore) TouchLastLogin(ctx context.Context, userID string, at time.Time) error {
	ctx, cancel := p.queryCtx(ctx)
	defer cancel()

	res, err := p.db.ExecContext(ctx, `UPDATE users SET last_login_at = $1 WHERE id = $2`, at, userID)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *PostgresStore) CountActiveUsers(ctx context.Context, organizationID string) (int, error) {
	ctx, cancel := p.queryCtx(ctx)
	defer cancel()

	var n int
	err := p.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM users WHERE organization_id = $1 AND is_active = TRUE`, organizationID,
	).Scan(&n)
	return n, err
}

func (p *PostgresStore) GetPlan(ctx context.Context, name string) (*Plan, error) {
	ctx, cancel := p.queryCtx(ctx)
	defer cancel()

	pl := &Plan{}
	err := p.db.QueryRowContext(ctx, `
		SELECT name, display_name, monthly_price_cents, annual_price_cents,
			monthly_compound_limit, user_limit, stripe_price_id_monthly, stripe_price_id_annual
		FROM subscription_plans WHERE name = $1`, name,
	).Scan(&pl.Name, &pl.DisplayName, &pl.MonthlyPriceCents, &pl.AnnualPriceCents,
		&pl.MonthlyCompoundLimit, &pl.UserLimit, &pl.StripePriceMonthly, &pl.StripePriceAnnual)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrPlanNotFound
	}
	if err != nil {
		return nil, err
	}
	return pl, nil
}

// pgTx implements Tx on an open *sql.Tx.
type pgTx struct {
	tx      *sql.Tx
	timeout time.Duration
}

func (t *pgTx) EmailExists(ctx context.Context, email string) (bool, error) {
	ctx, cancel := withTimeout(ctx, t.timeout)
	defer cancel()

	var exists bool
	err := t.tx.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM users WHERE email = $1)`, email).Scan(&exists)
	return exists, err
}

func (t *pgTx) CreateOrganization(ctx context.Context, o *Organization) error {
	ctx, cancel := withTimeout(ctx, t.timeout)
	defer cancel()

	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO organizations (`+organizationColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`,
		o.ID, o.Name, o.Email, o.Phone, o.StripeCustomerID, string(o.Status),
		o.Tier, o.TrialEndsAt, nullTime(o.SubscriptionStart), nullTime(o.SubscriptionEnd),
		o.MonthlyCompoundLimit, o.UserLimit, o.CreatedAt, o.UpdatedAt,
	)
	return err
}

func (t *pgTx) CreateLocation(ctx context.Context, l *Location) error {
	ctx, cancel := withTimeout(ctx, t.timeout)
	defer cancel()

	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO pharmacy_locations (id, organization_id, name, is_primary,
			address_line1, city, state_province, postal_code, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		l.ID, l.OrganizationID, l.Name, l.IsPrimary, l.AddressLine1, l.City,
		l.StateProvince, l.PostalCode, l.CreatedAt,
	)
	return err
}

func (t *pgTx) CreateUser(ctx context.Context, u *User) error {
	ctx, cancel := withTimeout(ctx, t.timeout)
	defer cancel()

	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO users (id, organization_id, email, password_hash, first_name, last_name,
			role, is_active, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		u.ID, u.OrganizationID, u.Email, u.PasswordHash, u.FirstName, u.LastName,
		string(u.Role), u.IsActive, u.CreatedAt,
	)
	if isUniqueViolation(err, usersEmailConstraint) {
		return ErrEmailTaken
	}
	return err
}

// rowScanner is satisfied by *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanOrganization(row rowScanner) (*Organization, error) {
	o := &Organization{}
	var (
		status     string
		start, end sql.NullTime
	)
	err := row.Scan(&o.ID, &o.Name, &o.Email, &o.Phone, &o.StripeCustomerID, &status,
		&o.Tier, &o.TrialEndsAt, &start, &end,
		&o.MonthlyCompoundLimit, &o.UserLimit, &o.CreatedAt, &o.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	o.Status = Status(status)
	if start.Valid {
		t := start.Time
		o.SubscriptionStart = &t
	}
	if end.Valid {
		t := end.Time
		o.SubscriptionEnd = &t
	}
	return o, nil
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

var _ Store = (*PostgresStore)(nil)
