package dashboard

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// PostgresStore reads dashboard aggregates from PostgreSQL.
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
	if p.timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, p.timeout)
}

func (p *PostgresStore) Metrics(ctx context.Context, organizationID string, now time.Time) (*Metrics, error) {
	ctx, cancel := p.queryCtx(ctx)
	defer cancel()

	start := MonthStart(now)
	m := &Metrics{}
	err := p.db.QueryRowContext(ctx, `
		SELECT
			COUNT(*),
			COUNT(*) FILTER (WHERE preparation_date >= $2 AND preparation_date < $3),
			COUNT(*) FILTER (WHERE risk_level = 'A'),
			COUNT(*) FILTER (WHERE risk_level = 'B'),
			COUNT(*) FILTER (WHERE risk_level = 'C')
		FROM compound_records
		WHERE organization_id = $1`, organizationID, start, start.AddDate(0, 1, 0),
	).Scan(&m.Compounds.Total, &m.Compounds.ThisMonth,
		&m.Compounds.LevelA, &m.Compounds.LevelB, &m.Compounds.LevelC)
	if err != nil {
		return nil, fmt.Errorf("dashboard: compound counts: %w", err)
	}

	err = p.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM master_formulas WHERE organization_id = $1`, organizationID,
	).Scan(&m.Formulas.Total)
	if err != nil {
		return nil, fmt.Errorf("dashboard: formula count: %w", err)
	}

	err = p.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM users WHERE organization_id = $1 AND is_active = TRUE`, organizationID,
	).Scan(&m.Users.Total)
	if err != nil {
		return nil, fmt.Errorf("dashboard: user count: %w", err)
	}
	return m, nil
}

func (p *PostgresStore) CompoundsThisMonth(ctx context.Context, organizationID string, now time.Time) (int, error) {
	ctx, cancel := p.queryCtx(ctx)
	defer cancel()

	var n int
	err := p.db.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(compounds_created), 0)
		FROM usage_tracking
		WHERE organization_id = $1 AND billing_period_start = $2`,
		organizationID, MonthStart(now),
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("dashboard: usage: %w", err)
	}
	return n, nil
}

var _ Store = (*PostgresStore)(nil)
