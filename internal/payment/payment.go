package payment

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"github.com/openagentsinc/dvm-engine/common/errors"
)

// InvoiceState is the settlement state of one invoice.
type InvoiceState string

const (
	InvoicePending InvoiceState = "pending"
	InvoicePaid    InvoiceState = "paid"
	InvoiceExpired InvoiceState = "expired"
)

// Invoice is a Lightning payment request issued for a job.
type Invoice struct {
	ID          string
	Bolt11      string
	AmountMsats uint64
}

// Invoicer is the boundary to the Lightning payment backend. The broker
// only creates invoices and polls their state; settlement itself lives
// behind this interface.
type Invoicer interface {
	CreateInvoice(ctx context.Context, amountMsats uint64, memo string) (*Invoice, error)
	CheckInvoice(ctx context.Context, id string) (InvoiceState, error)
}

// MockInvoicer is an in-memory Invoicer for tests and offline runs.
// Invoices become paid when SettleInvoice is called.
type MockInvoicer struct {
	mu     sync.Mutex
	states map[string]InvoiceState
}

func NewMockInvoicer() *MockInvoicer {
	return &MockInvoicer{states: make(map[string]InvoiceState)}
}

func (m *MockInvoicer) CreateInvoice(ctx context.Context, amountMsats uint64, memo string) (*Invoice, error) {
	id := uuid.NewString()
	m.mu.Lock()
	m.states[id] = InvoicePending
	m.mu.Unlock()
	return &Invoice{
		ID:          id,
		Bolt11:      "lnbcmock1" + id,
		AmountMsats: amountMsats,
	}, nil
}

func (m *MockInvoicer) CheckInvoice(ctx context.Context, id string) (InvoiceState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	state, ok := m.states[id]
	if !ok {
		return "", errors.Errorf("unknown invoice %s", id)
	}
	return state, nil
}

// SettleInvoice marks an invoice paid.
func (m *MockInvoicer) SettleInvoice(id string) {
	m.mu.Lock()
	m.states[id] = InvoicePaid
	m.mu.Unlock()
}
