package dashboard

import (
	"context"
	"time"
)

// Risk levels of a compounded preparation.
const (
	RiskLevelA = "A"
	RiskLevelB = "B"
	RiskLevelC = "C"
)

// CompoundCounts summarizes an organization's compound records.
type CompoundCounts struct {
	Total     int `json:"total_compounds"`
	ThisMonth int `json:"this_month"`
	LevelA    int `json:"level_a"`
	LevelB    int `json:"level_b"`
	LevelC    int `json:"level_c"`
}

// FormulaCounts summarizes an organization's master formulas.
type FormulaCounts struct {
	Total int `json:"total_formulas"`
}

// UserCounts summarizes an organization's users.
type UserCounts struct {
	Total int `json:"total_users"`
}

// Metrics is the dashboard for one organization.
type Metrics struct {
	Compounds CompoundCounts `json:"compounds"`
	Formulas  FormulaCounts  `json:"formulas"`
	Users     UserCounts     `json:"users"`
}

// Store reads dashboard aggregates. All reads are scoped to one
// organization.
type Store interface {
	// Metrics aggregates compounds, formulas and active users; "this month"
	// is the calendar month containing now, in UTC.
	Metrics(ctx context.Context, organizationID string, now time.Time) (*Metrics, error)
	// CompoundsThisMonth returns the metered compound count for the billing
	// period containing now.
	CompoundsThisMonth(ctx context.Context, organizationID string, now time.Time) (int, error)
}

// MonthStart returns the first instant of t's calendar month in UTC.
func MonthStart(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
}
