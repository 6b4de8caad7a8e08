package billing

import (
	"context"
	"fmt"
	"sync"
)

// MemoryGateway is an in-process Gateway for development and tests.
// Requests that repeat an idempotency key get the original result back.
type MemoryGateway struct {
	mu        sync.Mutex
	seq       int
	customers map[string]CustomerRequest // by customer ID
	sessions  map[string]CheckoutRequest // by session URL
	byKey     map[string]string          // idempotency key → customer ID or URL
	failures  map[string]error           // by operation
	calls     map[string]int             // by operation
}

// NewMemoryGateway creates an empty in-memory gateway.
func NewMemoryGateway() *MemoryGateway {
	return &MemoryGateway{
		customers: make(map[string]CustomerRequest),
		sessions:  make(map[string]CheckoutRequest),
		byKey:     make(map[string]string),
		failures:  make(map[string]error),
		calls:     make(map[string]int),
	}
}

// FailWith makes every later call to op return err. A nil err clears it.
func (m *MemoryGateway) FailWith(op string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err == nil {
		delete(m.failures, op)
		return
	}
	m.failures[op] = err
}

func (m *MemoryGateway) CreateCustomer(ctx context.Context, req CustomerRequest) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", &Error{Op: OpCreateCustomer, Err: err}
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	m.calls[OpCreateCustomer]++
	if err := m.failures[OpCreateCustomer]; err != nil {
		return "", &Error{Op: OpCreateCustomer, Err: err}
	}
	if id, ok := m.byKey[req.IdempotencyKey]; ok && req.IdempotencyKey != "" {
		return id, nil
	}
	m.seq++
	id := fmt.Sprintf("cus_mem_%d", m.seq)
	m.customers[id] = req
	if req.IdempotencyKey != "" {
		m.byKey[req.IdempotencyKey] = id
	}
	return id, nil
}

func (m *MemoryGateway) DeleteCustomer(ctx context.Context, customerID string) error {
	if err := ctx.Err(); err != nil {
		return &Error{Op: OpDeleteCustomer, Err: err}
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	m.calls[OpDeleteCustomer]++
	if err := m.failures[OpDeleteCustomer]; err != nil {
		return &Error{Op: OpDeleteCustomer, Err: err}
	}
	delete(m.customers, customerID)
	return nil
}

func (m *MemoryGateway) CreateCheckoutSession(ctx context.Context, req CheckoutRequest) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", &Error{Op: OpCreateCheckout, Err: err}
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	m.calls[OpCreateCheckout]++
	if err := m.failures[OpCreateCheckout]; err != nil {
		return "", &Error{Op: OpCreateCheckout, Err: err}
	}
	if url, ok := m.byKey[req.IdempotencyKey]; ok && req.IdempotencyKey != "" {
		return url, nil
	}
	m.seq++
	url := fmt.Sprintf("https://checkout.local/pay/cs_mem_%d", m.seq)
	m.sessions[url] = req
	if req.IdempotencyKey != "" {
		m.byKey[req.IdempotencyKey] = url
	}
	return url, nil
}

// Customer returns a live customer's request.
func (m *MemoryGateway) Customer(id string) (CustomerRequest, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.customers[id]
	return c, ok
}

// CustomerCount returns the number of live customers.
func (m *MemoryGateway) CustomerCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.customers)
}

// Session returns the checkout request behind a session URL.
func (m *MemoryGateway) Session(url string) (CheckoutRequest, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[url]
	return s, ok
}

// Calls returns how many times op was invoked, failures included.
func (m *MemoryGateway) Calls(op string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls[op]
}

var _ Gateway = (*MemoryGateway)(nil)
