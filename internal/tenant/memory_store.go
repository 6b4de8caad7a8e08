package tenant

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-memory store for development and tests. Writes made
// inside WithTx are staged and applied together on commit; email
// uniqueness is re-checked at that point, so two transactions racing on the
// same email behave as they would against the database's unique index.
type MemoryStore struct {
	mu        sync.RWMutex
	orgs      map[string]*Organization // by ID
	locations map[string][]Location    // by organization ID
	users     map[string]*User         // by ID
	emails    map[string]string        // email → user ID
	plans     map[string]Plan
}

// NewMemoryStore creates a store seeded with the built-in plan catalogue.
func NewMemoryStore() *MemoryStore {
	plans := make(map[string]Plan, len(Plans))
	for name, p := range Plans {
		plans[name] = p
	}
	return &MemoryStore{
		orgs:      make(map[string]*Organization),
		locations: make(map[string][]Location),
		users:     make(map[string]*User),
		emails:    make(map[string]string),
		plans:     plans,
	}
}

func (m *MemoryStore) WithTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	tx := &memTx{store: m}
	if err := fn(ctx, tx); err != nil {
		return err
	}
	return m.commit(tx)
}

func (m *MemoryStore) commit(tx *memTx) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, u := range tx.users {
		if _, taken := m.emails[u.Email]; taken {
			return ErrEmailTaken
		}
	}
	for _, o := range tx.orgs {
		m.orgs[o.ID] = o
	}
	for _, l := range tx.locations {
		m.locations[l.OrganizationID] = append(m.locations[l.OrganizationID], *l)
	}
	for _, u := range tx.users {
		m.users[u.ID] = u
		m.emails[u.Email] = u.ID
	}
	return nil
}

func (m *MemoryStore) GetOrganization(_ context.Context, id string) (*Organization, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	o, ok := m.orgs[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *o
	return &cp, nil
}

func (m *MemoryStore) GetOrganizationByCustomer(_ context.Context, customerID string) (*Organization, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, o := range m.orgs {
		if o.StripeCustomerID == customerID {
			cp := *o
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (m *MemoryStore) UpdateOrganization(_ context.Context, id string, mutate func(*Organization) error) (*Organization, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	o, ok := m.orgs[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *o
	if err := mutate(&cp); err != nil {
		return nil, err
	}
	if !cp.Status.Valid() {
		return nil, ErrInvalidStatus
	}
	cp.UpdatedAt = time.Now().UTC()
	m.orgs[id] = &cp

	out := cp
	return &out, nil
}

func (m *MemoryStore) ListLocations(_ context.Context, organizationID string) ([]Location, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	locs := append([]Location(nil), m.locations[organizationID]...)
	sort.SliceStable(locs, func(i, j int) bool { return locs[i].IsPrimary && !locs[j].IsPrimary })
	return locs, nil
}

func (m *MemoryStore) GetActiveAccount(_ context.Context, email string) (*Account, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	id, ok := m.emails[email]
	if !ok {
		return nil, ErrNotFound
	}
	u := m.users[id]
	if !u.IsActive {
		return nil, ErrNotFound
	}
	o, ok := m.orgs[u.OrganizationID]
	if !ok {
		return nil, ErrNotFound
	}
	return &Account{
		User:               *u,
		OrganizationName:   o.Name,
		SubscriptionStatus: o.Status,
		SubscriptionTier:   o.Tier,
		TrialEndsAt:        o.TrialEndsAt,
	}, nil
}

func (m *MemoryStore) TouchLastLogin(_ context.Context, userID string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	u, ok := m.users[userID]
	if !ok {
		return ErrNotFound
	}
	cp := *u
	cp.LastLoginAt = &at
	m.users[userID] = &cp
	return nil
}

func (m *MemoryStore) CountActiveUsers(_ context.Context, organizationID string) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	n := 0
	for _, u := range m.users {
		if u.OrganizationID == organizationID && u.IsActive {
			n++
		}
	}
	return n, nil
}

func (m *MemoryStore) GetPlan(_ context.Context, name string) (*Plan, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	p, ok := m.plans[name]
	if !ok {
		return nil, ErrPlanNotFound
	}
	return &p, nil
}

// Counts returns the number of stored organizations, locations and users.
func (m *MemoryStore) Counts() (orgs, locations, users int) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, l := range m.locations {
		locations += len(l)
	}
	return len(m.orgs), locations, len(m.users)
}

// memTx stages writes until commit.
type memTx struct {
	store     *MemoryStore
	orgs      []*Organization
	locations []*Location
	users     []*User
}

func (t *memTx) EmailExists(_ context.Context, email string) (bool, error) {
	for _, u := range t.users {
		if u.Email == email {
			return true, nil
		}
	}
	t.store.mu.RLock()
	defer t.store.mu.RUnlock()
	_, ok := t.store.emails[email]
	return ok, nil
}

func (t *memTx) CreateOrganization(_ context.Context, o *Organization) error {
	cp := *o
	t.orgs = append(t.orgs, &cp)
	return nil
}

func (t *memTx) CreateLocation(_ context.Context, l *Location) error {
	cp := *l
	t.locations = append(t.locations, &cp)
	return nil
}

func (t *memTx) CreateUser(ctx context.Context, u *User) error {
	if exists, _ := t.EmailExists(ctx, u.Email); exists {
		return ErrEmailTaken
	}
	cp := *u
	t.users = append(t.users, &cp)
	return nil
}

var _ Store = (*MemoryStore)(nil)
