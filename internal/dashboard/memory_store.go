package dashboard

import (
	"context"
	"sync"
	"time"
)

// UserCounter counts an organization's active users.
type UserCounter interface {
	CountActiveUsers(ctx context.Context, organizationID string) (int, error)
}

// Compound is one compounded preparation.
type Compound struct {
	OrganizationID string
	RiskLevel      string
	PreparedAt     time.Time
}

// MemoryStore is an in-memory store for development and tests. Users are
// counted by the tenant store it wraps.
type MemoryStore struct {
	mu        sync.RWMutex
	users     UserCounter
	compounds map[string][]Compound // by organization ID
	formulas  map[string]int        // by organization ID
	usage     map[string]int        // by organization ID + period start
}

// NewMemoryStore creates an empty store.
func NewMemoryStore(users UserCounter) *MemoryStore {
	return &MemoryStore{
		users:     users,
		compounds: make(map[string][]Compound),
		formulas:  make(map[string]int),
		usage:     make(map[string]int),
	}
}

// AddCompound records a compound and meters it against its month.
func (m *MemoryStore) AddCompound(c Compound) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.compounds[c.OrganizationID] = append(m.compounds[c.OrganizationID], c)
	m.usage[usageKey(c.OrganizationID, c.PreparedAt)]++
}

// AddFormula records a master formula.
func (m *MemoryStore) AddFormula(organizationID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.formulas[organizationID]++
}

func (m *MemoryStore) Metrics(ctx context.Context, organizationID string, now time.Time) (*Metrics, error) {
	users, err := m.users.CountActiveUsers(ctx, organizationID)
	if err != nil {
		return nil, err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	start := MonthStart(now)
	end := start.AddDate(0, 1, 0)
	out := &Metrics{Users: UserCounts{Total: users}}
	out.Formulas.Total = m.formulas[organizationID]
	for _, c := range m.compounds[organizationID] {
		out.Compounds.Total++
		if !c.PreparedAt.Before(start) && c.PreparedAt.Before(end) {
			out.Compounds.ThisMonth++
		}
		switch c.RiskLevel {
		case RiskLevelA:
			out.Compounds.LevelA++
		case RiskLevelB:
			out.Compounds.LevelB++
		case RiskLevelC:
			out.Compounds.LevelC++
		}
	}
	return out, nil
}

func (m *MemoryStore) CompoundsThisMonth(_ context.Context, organizationID string, now time.Time) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.usage[usageKey(organizationID, now)], nil
}

func usageKey(organizationID string, t time.Time) string {
	return organizationID + "|" + MonthStart(t).Format("2006-01")
}

var _ Store = (*MemoryStore)(nil)
