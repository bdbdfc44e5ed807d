package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/shopspring/decimal"

	"github.com/Definitely-Not-Chris/oragon-kaha-sub001/internal/domain"
	"github.com/Definitely-Not-Chris/oragon-kaha-sub001/internal/store"
)

type organizationRow struct {
	ID        string    `db:"id"`
	Name      string    `db:"name"`
	CreatedAt time.Time `db:"created_at"`
}

func (r organizationRow) toDomain() *domain.Organization {
	return &domain.Organization{ID: r.ID, Name: r.Name, CreatedAt: r.CreatedAt.UTC()}
}

type terminalRow struct {
	ID             string     `db:"id"`
	OrganizationID string     `db:"organization_id"`
	Number         int        `db:"number"`
	Name           string     `db:"name"`
	DeviceID       string     `db:"device_id"`
	LastSeenAt     *time.Time `db:"last_seen_at"`
	RecoveredAt    *time.Time `db:"recovered_at"`
	CreatedAt      time.Time  `db:"created_at"`
}

func (r terminalRow) toDomain() domain.Terminal {
	return domain.Terminal{
		ID:             r.ID,
		OrganizationID: r.OrganizationID,
		Number:         r.Number,
		Name:           r.Name,
		DeviceID:       r.DeviceID,
		LastSeenAt:     utcPtr(r.LastSeenAt),
		RecoveredAt:    utcPtr(r.RecoveredAt),
		CreatedAt:      r.CreatedAt.UTC(),
	}
}

type productRow struct {
	ID             string          `db:"id"`
	OrganizationID string          `db:"organization_id"`
	Name           string          `db:"name"`
	Price          decimal.Decimal `db:"price"`
	Category       string          `db:"category"`
	Type           string          `db:"type"`
	StockLevel     int64           `db:"stock_level"`
	CreatedAt      time.Time       `db:"created_at"`
	UpdatedAt      time.Time       `db:"updated_at"`
}

func (r productRow) toDomain() *domain.Product {
	return &domain.Product{
		ID:             r.ID,
		OrganizationID: r.OrganizationID,
		Name:           r.Name,
		Price:          r.Price,
		Category:       r.Category,
		Type:           r.Type,
		StockLevel:     r.StockLevel,
		CreatedAt:      r.CreatedAt.UTC(),
		UpdatedAt:      r.UpdatedAt.UTC(),
	}
}

type customerRow struct {
	ID             string          `db:"id"`
	OrganizationID string          `db:"organization_id"`
	Name           string          `db:"name"`
	Type           string          `db:"type"`
	Email          string          `db:"email"`
	Phone          string          `db:"phone"`
	Address        string          `db:"address"`
	TotalSpent     decimal.Decimal `db:"total_spent"`
	LastVisit      *time.Time      `db:"last_visit"`
	Birthdate      string          `db:"birthdate"`
	TIN            string          `db:"tin"`
	UpdatedAt      time.Time       `db:"updated_at"`
}

func (r customerRow) toDomain() *domain.Customer {
	return &domain.Customer{
		ID:             r.ID,
		OrganizationID: r.OrganizationID,
		Name:           r.Name,
		Type:           r.Type,
		Email:          r.Email,
		Phone:          r.Phone,
		Address:        r.Address,
		TotalSpent:     r.TotalSpent,
		LastVisit:      utcPtr(r.LastVisit),
		Birthdate:      r.Birthdate,
		TIN:            r.TIN,
		UpdatedAt:      r.UpdatedAt.UTC(),
	}
}

type shiftRow struct {
	ID             string              `db:"id"`
	OrganizationID string              `db:"organization_id"`
	TerminalID     string              `db:"terminal_id"`
	Status         string              `db:"status"`
	StartTime      time.Time           `db:"start_time"`
	EndTime        *time.Time          `db:"end_time"`
	OpeningFloat   decimal.Decimal     `db:"opening_float"`
	ExpectedCash   decimal.Decimal     `db:"expected_cash"`
	ActualCash     decimal.NullDecimal `db:"actual_cash"`
	Variance       decimal.NullDecimal `db:"variance"`
	Notes          string              `db:"notes"`
	OpenedBy       string              `db:"opened_by"`
	ClosedBy       string              `db:"closed_by"`
	UpdatedAt      time.Time           `db:"updated_at"`
}

func (r shiftRow) toDomain() *domain.WorkShift {
	return &domain.WorkShift{
		ID:             r.ID,
		OrganizationID: r.OrganizationID,
		TerminalID:     r.TerminalID,
		Status:         r.Status,
		StartTime:      r.StartTime.UTC(),
		EndTime:        utcPtr(r.EndTime),
		OpeningFloat:   r.OpeningFloat,
		ExpectedCash:   r.ExpectedCash,
		ActualCash:     decimalPtr(r.ActualCash),
		Variance:       decimalPtr(r.Variance),
		Notes:          r.Notes,
		OpenedBy:       r.OpenedBy,
		ClosedBy:       r.ClosedBy,
		UpdatedAt:      r.UpdatedAt.UTC(),
	}
}

type cashTransactionRow struct {
	ID          string          `db:"id"`
	ShiftID     string          `db:"shift_id"`
	Type        string          `db:"type"`
	Amount      decimal.Decimal `db:"amount"`
	Reason      string          `db:"reason"`
	OccurredAt  time.Time       `db:"occurred_at"`
	PerformedBy string          `db:"performed_by"`
}

type saleRow struct {
	ID                string          `db:"id"`
	OrganizationID    string          `db:"organization_id"`
	TerminalID        string          `db:"terminal_id"`
	InvoiceNumber     string          `db:"invoice_number"`
	Subtotal          decimal.Decimal `db:"subtotal"`
	Tax               decimal.Decimal `db:"tax"`
	Discount          decimal.Decimal `db:"discount"`
	ServiceCharge     decimal.Decimal `db:"service_charge"`
	TotalAmount       decimal.Decimal `db:"total_amount"`
	PaymentMethod     string          `db:"payment_method"`
	Status            string          `db:"status"`
	OccurredAt        time.Time       `db:"occurred_at"`
	CustomerID        string          `db:"customer_id"`
	ShiftID           string          `db:"shift_id"`
	DiscountType      string          `db:"discount_type"`
	DiscountReference string          `db:"discount_reference"`
}

type saleItemRow struct {
	ID          string          `db:"id"`
	SaleID      string          `db:"sale_id"`
	ProductID   string          `db:"product_id"`
	Quantity    int64           `db:"quantity"`
	PriceAtSale decimal.Decimal `db:"price_at_sale"`
	Name        string          `db:"name"`
	Category    string          `db:"category"`
	ProductType string          `db:"product_type"`
}

type movementRow struct {
	ID             string    `db:"id"`
	ProductID      string    `db:"product_id"`
	OrganizationID string    `db:"organization_id"`
	TerminalID     string    `db:"terminal_id"`
	Type           string    `db:"type"`
	QuantityChange int64     `db:"quantity_change"`
	Reason         string    `db:"reason"`
	ReferenceID    string    `db:"reference_id"`
	OccurredAt     time.Time `db:"occurred_at"`
}

func (r movementRow) toDomain() domain.StockMovement {
	return domain.StockMovement{
		ID:             r.ID,
		ProductID:      r.ProductID,
		OrganizationID: r.OrganizationID,
		TerminalID:     r.TerminalID,
		Type:           r.Type,
		QuantityChange: r.QuantityChange,
		Reason:         r.Reason,
		ReferenceID:    r.ReferenceID,
		Timestamp:      r.OccurredAt.UTC(),
	}
}

type userRow struct {
	ID             string    `db:"id"`
	Username       string    `db:"username"`
	Password       string    `db:"password"`
	Role           string    `db:"role"`
	OrganizationID string    `db:"organization_id"`
	Active         bool      `db:"active"`
	CreatedAt      time.Time `db:"created_at"`
}

// Lookups shared by Store (autocommit reads) and Tx.

func getOrganization(ctx context.Context, q sqlx.QueryerContext, id string) (*domain.Organization, error) {
	var row organizationRow
	if err := sqlx.GetContext(ctx, q, &row, `SELECT id, name, created_at FROM organizations WHERE id = $1`, id); err != nil {
		return nil, notFound(err)
	}
	return row.toDomain(), nil
}

const terminalColumns = `id, organization_id, number, name, device_id, last_seen_at, recovered_at, created_at`

func getTerminal(ctx context.Context, q sqlx.QueryerContext, id string) (*domain.Terminal, error) {
	var row terminalRow
	if err := sqlx.GetContext(ctx, q, &row, `SELECT `+terminalColumns+` FROM terminals WHERE id = $1`, id); err != nil {
		return nil, notFound(err)
	}
	term := row.toDomain()
	return &term, nil
}

const productColumns = `id, organization_id, name, price, category, type, stock_level, created_at, updated_at`

func getProduct(ctx context.Context, q sqlx.QueryerContext, id string) (*domain.Product, error) {
	var row productRow
	if err := sqlx.GetContext(ctx, q, &row, `SELECT `+productColumns+` FROM products WHERE id = $1`, id); err != nil {
		return nil, notFound(err)
	}
	return row.toDomain(), nil
}

func getCustomer(ctx context.Context, q sqlx.QueryerContext, id string) (*domain.Customer, error) {
	var row customerRow
	err := sqlx.GetContext(ctx, q, &row, `
		SELECT id, organization_id, name, type, email, phone, address, total_spent, last_visit, birthdate, tin, updated_at
		FROM customers
		WHERE id = $1
	`, id)
	if err != nil {
		return nil, notFound(err)
	}
	return row.toDomain(), nil
}

func getShift(ctx context.Context, q sqlx.QueryerContext, id string) (*domain.WorkShift, error) {
	var row shiftRow
	err := sqlx.GetContext(ctx, q, &row, `
		SELECT id, organization_id, terminal_id, status, start_time, end_time, opening_float, expected_cash,
		       actual_cash, variance, notes, opened_by, closed_by, updated_at
		FROM work_shifts
		WHERE id = $1
	`, id)
	if err != nil {
		return nil, notFound(err)
	}
	shift := row.toDomain()

	var cts []cashTransactionRow
	if err := sqlx.SelectContext(ctx, q, &cts, `
		SELECT id, shift_id, type, amount, reason, occurred_at, performed_by
		FROM cash_transactions
		WHERE shift_id = $1
		ORDER BY occurred_at, id
	`, id); err != nil {
		return nil, err
	}
	for _, ct := range cts {
		shift.CashTransactions = append(shift.CashTransactions, domain.CashTransaction{
			ID:          ct.ID,
			ShiftID:     ct.ShiftID,
			Type:        ct.Type,
			Amount:      ct.Amount,
			Reason:      ct.Reason,
			Timestamp:   ct.OccurredAt.UTC(),
			PerformedBy: ct.PerformedBy,
		})
	}
	return shift, nil
}

func getSale(ctx context.Context, q sqlx.QueryerContext, id string) (*domain.Sale, error) {
	var row saleRow
	err := sqlx.GetContext(ctx, q, &row, `
		SELECT id, organization_id, terminal_id, invoice_number, subtotal, tax, discount, service_charge,
		       total_amount, payment_method, status, occurred_at, customer_id, shift_id, discount_type, discount_reference
		FROM sales
		WHERE id = $1
	`, id)
	if err != nil {
		return nil, notFound(err)
	}

	var items []saleItemRow
	if err := sqlx.SelectContext(ctx, q, &items, `
		SELECT id, sale_id, product_id, quantity, price_at_sale, name, category, product_type
		FROM sale_items
		WHERE sale_id = $1
		ORDER BY id
	`, id); err != nil {
		return nil, err
	}

	sale := &domain.Sale{
		ID:                row.ID,
		OrganizationID:    row.OrganizationID,
		TerminalID:        row.TerminalID,
		InvoiceNumber:     row.InvoiceNumber,
		Subtotal:          row.Subtotal,
		Tax:               row.Tax,
		Discount:          row.Discount,
		ServiceCharge:     row.ServiceCharge,
		TotalAmount:       row.TotalAmount,
		PaymentMethod:     row.PaymentMethod,
		Status:            row.Status,
		Timestamp:         row.OccurredAt.UTC(),
		CustomerID:        row.CustomerID,
		ShiftID:           row.ShiftID,
		DiscountType:      row.DiscountType,
		DiscountReference: row.DiscountReference,
		Items:             make([]domain.SaleItem, 0, len(items)),
	}
	for _, it := range items {
		sale.Items = append(sale.Items, domain.SaleItem{
			ID:          it.ID,
			SaleID:      it.SaleID,
			ProductID:   it.ProductID,
			Quantity:    it.Quantity,
			PriceAtSale: it.PriceAtSale,
			Name:        it.Name,
			Category:    it.Category,
			ProductType: it.ProductType,
		})
	}
	return sale, nil
}

func exists(ctx context.Context, q sqlx.QueryerContext, query string, id string) (bool, error) {
	var found bool
	if err := sqlx.GetContext(ctx, q, &found, query, id); err != nil {
		return false, err
	}
	return found, nil
}

func notFound(err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return store.ErrNotFound
	}
	return err
}

// mapWriteError translates constraint violations into store errors.
func mapWriteError(err error, what string) error {
	if err == nil {
		return nil
	}
	switch {
	case isUniqueViolation(err):
		return fmt.Errorf("%s: %w", what, store.ErrConflict)
	case isForeignKeyViolation(err):
		return fmt.Errorf("%s: %w", what, store.ErrInvalid)
	default:
		return err
	}
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := t.UTC()
	return &v
}

func decimalPtr(d decimal.NullDecimal) *decimal.Decimal {
	if !d.Valid {
		return nil
	}
	v := d.Decimal
	return &v
}

func nullDecimal(d *decimal.Decimal) decimal.NullDecimal {
	if d == nil {
		return decimal.NullDecimal{}
	}
	return decimal.NullDecimal{Decimal: *d, Valid: true}
}
