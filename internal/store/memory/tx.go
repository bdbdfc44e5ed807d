package memory

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/Definitely-Not-Chris/oragon-kaha-sub001/internal/domain"
	"github.com/Definitely-Not-Chris/oragon-kaha-sub001/internal/store"
)

var errTxDone = errors.New("transaction already finished")

type Tx struct {
	store *Store
	work  *state
	done  bool
}

func (t *Tx) Commit() error {
	if t.done {
		return errTxDone
	}
	t.store.mu.Lock()
	t.store.current = t.work
	t.store.mu.Unlock()
	t.finish()
	return nil
}

func (t *Tx) Rollback() error {
	if t.done {
		return nil
	}
	t.finish()
	return nil
}

func (t *Tx) finish() {
	t.done = true
	t.work = nil
	t.store.txMu.Unlock()
}

func (t *Tx) Savepoint(_ context.Context, _ string, fn func() error) error {
	if t.done {
		return errTxDone
	}
	snapshot := t.work.clone()
	if err := fn(); err != nil {
		t.work = snapshot
		return err
	}
	return nil
}

func (t *Tx) GetOrganization(_ context.Context, id string) (*domain.Organization, error) {
	return t.work.organization(id)
}

func (t *Tx) LockOrganization(_ context.Context, id string) error {
	if _, ok := t.work.organizations[id]; !ok {
		return store.ErrNotFound
	}
	return nil
}

func (t *Tx) GetTerminal(_ context.Context, id string) (*domain.Terminal, error) {
	term, ok := t.work.terminals[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &term, nil
}

func (t *Tx) FindTerminalByDevice(_ context.Context, organizationID string, deviceID string) (*domain.Terminal, error) {
	if deviceID == "" {
		return nil, store.ErrNotFound
	}
	for _, term := range t.work.terminals {
		if term.OrganizationID == organizationID && term.DeviceID == deviceID {
			return &term, nil
		}
	}
	return nil, store.ErrNotFound
}

func (t *Tx) CountTerminals(_ context.Context, organizationID string) (int, error) {
	n := 0
	for _, term := range t.work.terminals {
		if term.OrganizationID == organizationID {
			n++
		}
	}
	return n, nil
}

func (t *Tx) CreateTerminal(_ context.Context, terminal domain.Terminal) error {
	if terminal.ID == "" || terminal.OrganizationID == "" || terminal.Number < 1 {
		return store.ErrInvalid
	}
	if _, ok := t.work.organizations[terminal.OrganizationID]; !ok {
		return fmt.Errorf("organization %s: %w", terminal.OrganizationID, store.ErrNotFound)
	}
	if _, exists := t.work.terminals[terminal.ID]; exists {
		return store.ErrConflict
	}
	for _, existing := range t.work.terminals {
		if existing.OrganizationID == terminal.OrganizationID && existing.Number == terminal.Number {
			return fmt.Errorf("terminal number %d: %w", terminal.Number, store.ErrConflict)
		}
	}
	if terminal.CreatedAt.IsZero() {
		terminal.CreatedAt = time.Now().UTC()
	}
	t.work.terminals[terminal.ID] = terminal
	return nil
}

func (t *Tx) TouchTerminal(_ context.Context, id string, seenAt time.Time) error {
	term, ok := t.work.terminals[id]
	if !ok {
		return store.ErrNotFound
	}
	term.LastSeenAt = &seenAt
	t.work.terminals[id] = term
	return nil
}

func (t *Tx) GetProduct(_ context.Context, id string) (*domain.Product, error) {
	return t.work.product(id)
}

func (t *Tx) CreateProduct(_ context.Context, product domain.Product) (bool, error) {
	if product.ID == "" || product.Name == "" {
		return false, store.ErrInvalid
	}
	if _, exists := t.work.products[product.ID]; exists {
		return false, nil
	}
	now := time.Now().UTC()
	product.CreatedAt = now
	product.UpdatedAt = now
	t.work.products[product.ID] = product
	return true, nil
}

func (t *Tx) IncrementStock(_ context.Context, productID string, delta int64) error {
	p, ok := t.work.products[productID]
	if !ok {
		return store.ErrNotFound
	}
	p.StockLevel += delta
	p.UpdatedAt = time.Now().UTC()
	t.work.products[productID] = p
	return nil
}

func (t *Tx) SaleExists(_ context.Context, id string) (bool, error) {
	_, ok := t.work.sales[id]
	return ok, nil
}

func (t *Tx) CreateSale(_ context.Context, sale domain.Sale) (bool, error) {
	if _, exists := t.work.sales[sale.ID]; exists {
		return false, nil
	}
	if _, ok := t.work.terminals[sale.TerminalID]; !ok {
		return false, fmt.Errorf("sale %s references terminal %s: %w", sale.ID, sale.TerminalID, store.ErrInvalid)
	}
	items := slices.Clone(sale.Items)
	for i := range items {
		if _, ok := t.work.products[items[i].ProductID]; !ok {
			return false, fmt.Errorf("sale %s references product %s: %w", sale.ID, items[i].ProductID, store.ErrInvalid)
		}
		items[i].SaleID = sale.ID
	}
	sale.Items = items
	t.work.sales[sale.ID] = sale
	return true, nil
}

func (t *Tx) GetCustomer(_ context.Context, id string) (*domain.Customer, error) {
	return t.work.customer(id)
}

func (t *Tx) UpsertCustomer(_ context.Context, customer domain.Customer) error {
	if customer.ID == "" || customer.OrganizationID == "" {
		return store.ErrInvalid
	}
	customer.UpdatedAt = time.Now().UTC()
	t.work.customers[customer.ID] = customer
	return nil
}

func (t *Tx) GetShift(_ context.Context, id string) (*domain.WorkShift, error) {
	return t.work.shift(id)
}

func (t *Tx) UpsertShift(_ context.Context, shift domain.WorkShift) error {
	if shift.ID == "" || shift.OrganizationID == "" {
		return store.ErrInvalid
	}
	shift.CashTransactions = nil
	shift.UpdatedAt = time.Now().UTC()
	t.work.shifts[shift.ID] = shift
	return nil
}

func (t *Tx) InsertCashTransaction(_ context.Context, ct domain.CashTransaction) (bool, error) {
	if _, exists := t.work.cashTransactions[ct.ID]; exists {
		return false, nil
	}
	if _, ok := t.work.shifts[ct.ShiftID]; !ok {
		return false, fmt.Errorf("cash transaction %s references shift %s: %w", ct.ID, ct.ShiftID, store.ErrInvalid)
	}
	t.work.cashTransactions[ct.ID] = ct
	return true, nil
}

func (t *Tx) StockMovementExists(_ context.Context, id string) (bool, error) {
	_, ok := t.work.movements[id]
	return ok, nil
}

func (t *Tx) CreateStockMovement(_ context.Context, movement domain.StockMovement) (bool, error) {
	if _, exists := t.work.movements[movement.ID]; exists {
		return false, nil
	}
	if _, ok := t.work.products[movement.ProductID]; !ok {
		return false, fmt.Errorf("movement %s references product %s: %w", movement.ID, movement.ProductID, store.ErrInvalid)
	}
	t.work.movements[movement.ID] = movement
	t.work.movementOrder = append(t.work.movementOrder, movement.ID)
	return true, nil
}
