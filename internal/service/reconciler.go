package service

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/Definitely-Not-Chris/oragon-kaha-sub001/internal/domain"
	"github.com/Definitely-Not-Chris/oragon-kaha-sub001/internal/store"
)

// skipError marks a record that was left out of the packet without failing it.
type skipError struct {
	entry domain.SyncError
}

func (e *skipError) Error() string {
	return e.entry.Message
}

func skip(entityType string, entityID string, format string, args ...any) error {
	return &skipError{entry: domain.SyncError{
		EntityType: entityType,
		EntityID:   entityID,
		Message:    fmt.Sprintf(format, args...),
	}}
}

type reconcileResult struct {
	skipped   []domain.SyncError
	applied   int
	duplicate int
}

// reconcile writes every record of the packet through tx in the order
// customers, sales, shifts, stock movements. Skipped records are returned;
// any other error means the whole packet must be rolled back.
func (s *Service) reconcile(ctx context.Context, tx store.Tx, terminal domain.Terminal, packet domain.SyncPacket) (reconcileResult, error) {
	var res reconcileResult

	record := func(err error, applied bool) error {
		var se *skipError
		switch {
		case err == nil && applied:
			res.applied++
		case err == nil:
			res.duplicate++
		case errors.As(err, &se):
			s.logger.Warn("sync record skipped",
				zap.String("packet_id", packet.ID),
				zap.String("entity_type", se.entry.EntityType),
				zap.String("entity_id", se.entry.EntityID),
				zap.String("reason", se.entry.Message),
			)
			res.skipped = append(res.skipped, se.entry)
		default:
			return err
		}
		return nil
	}

	for _, customer := range packet.Customers {
		err := s.applyCustomer(ctx, tx, terminal, customer)
		if err := record(err, true); err != nil {
			return res, fmt.Errorf("customer %s: %w", customer.ID, err)
		}
	}

	for _, sale := range packet.Sales {
		applied, err := s.applySale(ctx, tx, terminal, sale)
		if err := record(err, applied); err != nil {
			return res, fmt.Errorf("sale %s: %w", sale.ID, err)
		}
	}

	for _, payload := range packet.Shifts {
		err := s.applyShiftPayload(ctx, tx, terminal, payload)
		if err := record(err, true); err != nil {
			return res, fmt.Errorf("shift %s: %w", payload.Shift.ID, err)
		}
	}

	for _, movement := range packet.StockMovements {
		applied, err := s.applyStockMovement(ctx, tx, terminal, movement)
		if err := record(err, applied); err != nil {
			return res, fmt.Errorf("stock movement %s: %w", movement.ID, err)
		}
	}

	return res, nil
}

func (s *Service) applyCustomer(ctx context.Context, tx store.Tx, terminal domain.Terminal, customer domain.Customer) error {
	existing, err := tx.GetCustomer(ctx, customer.ID)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return err
	}
	if existing != nil && existing.OrganizationID != terminal.OrganizationID {
		return skip(domain.EntityCustomer, customer.ID, "customer id is already used by another organization")
	}

	customer.OrganizationID = terminal.OrganizationID
	return tx.UpsertCustomer(ctx, customer)
}

// applySale writes a sale once. An existing sale is left untouched.
// Products the catalog does not know yet are stubbed from the line items.
func (s *Service) applySale(ctx context.Context, tx store.Tx, terminal domain.Terminal, sale domain.Sale) (bool, error) {
	exists, err := tx.SaleExists(ctx, sale.ID)
	if err != nil {
		return false, err
	}
	if exists {
		return false, nil
	}

	missing := make(map[string]domain.SaleItem, len(sale.Items))
	for _, item := range sale.Items {
		product, err := tx.GetProduct(ctx, item.ProductID)
		switch {
		case errors.Is(err, store.ErrNotFound):
			if _, seen := missing[item.ProductID]; !seen {
				missing[item.ProductID] = item
			}
		case err != nil:
			return false, err
		case product.OrganizationID != terminal.OrganizationID:
			return false, skip(domain.EntitySale, sale.ID, "product %s belongs to another organization", item.ProductID)
		}
	}

	for _, item := range sale.Items {
		stubFrom, ok := missing[item.ProductID]
		if !ok {
			continue
		}
		delete(missing, item.ProductID)
		created, err := tx.CreateProduct(ctx, stubProduct(terminal.OrganizationID, stubFrom))
		if err != nil {
			return false, fmt.Errorf("stub product %s: %w", item.ProductID, err)
		}
		if created {
			continue
		}
		// another packet stubbed it first
		product, err := tx.GetProduct(ctx, item.ProductID)
		if err != nil {
			return false, fmt.Errorf("stub product %s: %w", item.ProductID, err)
		}
		if product.OrganizationID != terminal.OrganizationID {
			return false, skip(domain.EntitySale, sale.ID, "product %s belongs to another organization", item.ProductID)
		}
	}

	sale.OrganizationID = terminal.OrganizationID
	sale.TerminalID = terminal.ID
	return tx.CreateSale(ctx, sale)
}

func stubProduct(orgID string, item domain.SaleItem) domain.Product {
	name := strings.TrimSpace(item.Name)
	if name == "" {
		name = item.ProductID
	}
	category := strings.TrimSpace(item.Category)
	if category == "" {
		category = domain.DefaultProductCategory
	}
	productType := strings.TrimSpace(item.ProductType)
	if productType == "" {
		productType = domain.DefaultProductType
	}
	return domain.Product{
		ID:             item.ProductID,
		OrganizationID: orgID,
		Name:           name,
		Price:          item.PriceAtSale,
		Category:       category,
		Type:           productType,
	}
}

// applyShiftPayload upserts one shift inside its own savepoint so a bad
// shift never takes the rest of the packet down with it.
func (s *Service) applyShiftPayload(ctx context.Context, tx store.Tx, terminal domain.Terminal, payload domain.ShiftPayload) error {
	shift := payload.Shift
	if payload.DecodeError != "" {
		return skip(domain.EntityShift, shift.ID, "malformed shift payload: %s", payload.DecodeError)
	}
	if err := shift.Validate(); err != nil {
		return skip(domain.EntityShift, shift.ID, "malformed shift payload: %v", err)
	}

	err := tx.Savepoint(ctx, "shift_upsert", func() error {
		return s.applyShift(ctx, tx, terminal, shift)
	})
	if err != nil {
		var se *skipError
		if errors.As(err, &se) {
			return err
		}
		return skip(domain.EntityShift, shift.ID, "shift could not be saved: %v", err)
	}
	return nil
}

func (s *Service) applyShift(ctx context.Context, tx store.Tx, terminal domain.Terminal, shift domain.WorkShift) error {
	existing, err := tx.GetShift(ctx, shift.ID)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return err
	}
	if existing != nil && existing.OrganizationID != terminal.OrganizationID {
		return skip(domain.EntityShift, shift.ID, "shift id is already used by another organization")
	}

	shift.OrganizationID = terminal.OrganizationID
	if shift.TerminalID == "" {
		shift.TerminalID = terminal.ID
	}
	if err := tx.UpsertShift(ctx, shift); err != nil {
		return err
	}
	for _, ct := range shift.CashTransactions {
		ct.ShiftID = shift.ID
		if _, err := tx.InsertCashTransaction(ctx, ct); err != nil {
			return fmt.Errorf("cash transaction %s: %w", ct.ID, err)
		}
	}
	return nil
}

// applyStockMovement appends a movement to the ledger and moves the cached
// stock level by the same amount. Movements for products the organization
// does not have are skipped: there is not enough data to stub one.
func (s *Service) applyStockMovement(ctx context.Context, tx store.Tx, terminal domain.Terminal, movement domain.StockMovement) (bool, error) {
	exists, err := tx.StockMovementExists(ctx, movement.ID)
	if err != nil {
		return false, err
	}
	if exists {
		return false, nil
	}

	product, err := tx.GetProduct(ctx, movement.ProductID)
	if errors.Is(err, store.ErrNotFound) || (err == nil && product.OrganizationID != terminal.OrganizationID) {
		return false, skip(domain.EntityStockMovement, movement.ID, "unknown product %s", movement.ProductID)
	}
	if err != nil {
		return false, err
	}

	movement.OrganizationID = terminal.OrganizationID
	movement.TerminalID = terminal.ID
	if movement.Timestamp.IsZero() {
		movement.Timestamp = s.now()
	}
	created, err := tx.CreateStockMovement(ctx, movement)
	if err != nil || !created {
		return false, err
	}
	if err := tx.IncrementStock(ctx, movement.ProductID, movement.QuantityChange); err != nil {
		return false, fmt.Errorf("increment stock: %w", err)
	}
	return true, nil
}
