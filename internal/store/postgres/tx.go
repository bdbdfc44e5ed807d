package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jmoiron/sqlx"

	"github.com/Definitely-Not-Chris/oragon-kaha-sub001/internal/domain"
	"github.com/Definitely-Not-Chris/oragon-kaha-sub001/internal/store"
)

type Tx struct {
	tx *sqlx.Tx
}

func (t *Tx) Commit() error {
	return t.tx.Commit()
}

func (t *Tx) Rollback() error {
	if err := t.tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
		return err
	}
	return nil
}

func (t *Tx) Savepoint(ctx context.Context, name string, fn func() error) error {
	ident := pgx.Identifier{name}.Sanitize()
	if _, err := t.tx.ExecContext(ctx, "SAVEPOINT "+ident); err != nil {
		return err
	}
	if err := fn(); err != nil {
		if _, rbErr := t.tx.ExecContext(ctx, "ROLLBACK TO SAVEPOINT "+ident); rbErr != nil {
			return errors.Join(err, fmt.Errorf("rollback to savepoint %s: %w", name, rbErr))
		}
		return err
	}
	_, err := t.tx.ExecContext(ctx, "RELEASE SAVEPOINT "+ident)
	return err
}

func (t *Tx) GetOrganization(ctx context.Context, id string) (*domain.Organization, error) {
	return getOrganization(ctx, t.tx, id)
}

func (t *Tx) LockOrganization(ctx context.Context, id string) error {
	var locked string
	err := t.tx.GetContext(ctx, &locked, `SELECT id FROM organizations WHERE id = $1 FOR UPDATE`, id)
	return notFound(err)
}

func (t *Tx) GetTerminal(ctx context.Context, id string) (*domain.Terminal, error) {
	return getTerminal(ctx, t.tx, id)
}

func (t *Tx) FindTerminalByDevice(ctx context.Context, organizationID string, deviceID string) (*domain.Terminal, error) {
	if deviceID == "" {
		return nil, store.ErrNotFound
	}
	var row terminalRow
	err := t.tx.GetContext(ctx, &row, `
		SELECT `+terminalColumns+`
		FROM terminals
		WHERE organization_id = $1 AND device_id = $2
		ORDER BY number ASC
		LIMIT 1
	`, organizationID, deviceID)
	if err != nil {
		return nil, notFound(err)
	}
	term := row.toDomain()
	return &term, nil
}

func (t *Tx) CountTerminals(ctx context.Context, organizationID string) (int, error) {
	var n int
	if err := t.tx.GetContext(ctx, &n, `SELECT count(*) FROM terminals WHERE organization_id = $1`, organizationID); err != nil {
		return 0, err
	}
	return n, nil
}

func (t *Tx) CreateTerminal(ctx context.Context, terminal domain.Terminal) error {
	if terminal.ID == "" || terminal.OrganizationID == "" || terminal.Number < 1 {
		return store.ErrInvalid
	}
	if terminal.CreatedAt.IsZero() {
		terminal.CreatedAt = time.Now().UTC()
	}
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO terminals (id, organization_id, number, name, device_id, last_seen_at, recovered_at, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
	`, terminal.ID, terminal.OrganizationID, terminal.Number, terminal.Name, terminal.DeviceID,
		terminal.LastSeenAt, terminal.RecoveredAt, terminal.CreatedAt)
	return mapWriteError(err, "terminal "+terminal.ID)
}

func (t *Tx) TouchTerminal(ctx context.Context, id string, seenAt time.Time) error {
	res, err := t.tx.ExecContext(ctx, `UPDATE terminals SET last_seen_at = $2 WHERE id = $1`, id, seenAt)
	if err != nil {
		return err
	}
	return requireAffected(res)
}

func (t *Tx) GetProduct(ctx context.Context, id string) (*domain.Product, error) {
	return getProduct(ctx, t.tx, id)
}

func (t *Tx) CreateProduct(ctx context.Context, product domain.Product) (bool, error) {
	if product.ID == "" || product.Name == "" {
		return false, store.ErrInvalid
	}
	res, err := t.tx.ExecContext(ctx, `
		INSERT INTO products (id, organization_id, name, price, category, type, stock_level, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,now(),now())
		ON CONFLICT (id) DO NOTHING
	`, product.ID, product.OrganizationID, product.Name, product.Price, product.Category, product.Type, product.StockLevel)
	if err != nil {
		return false, mapWriteError(err, "product "+product.ID)
	}
	return inserted(res)
}

// IncrementStock applies delta in SQL so concurrent packets never lose an update.
func (t *Tx) IncrementStock(ctx context.Context, productID string, delta int64) error {
	res, err := t.tx.ExecContext(ctx, `
		UPDATE products
		SET stock_level = stock_level + $2, updated_at = now()
		WHERE id = $1
	`, productID, delta)
	if err != nil {
		return err
	}
	return requireAffected(res)
}

func (t *Tx) SaleExists(ctx context.Context, id string) (bool, error) {
	return exists(ctx, t.tx, `SELECT EXISTS (SELECT 1 FROM sales WHERE id = $1)`, id)
}

// CreateSale inserts the sale and its lines. A concurrent insert of the same
// id waits for the other transaction and then reports false.
func (t *Tx) CreateSale(ctx context.Context, sale domain.Sale) (bool, error) {
	res, err := t.tx.ExecContext(ctx, `
		INSERT INTO sales (
			id, organization_id, terminal_id, invoice_number, subtotal, tax, discount, service_charge,
			total_amount, payment_method, status, occurred_at, customer_id, shift_id, discount_type, discount_reference
		)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16)
		ON CONFLICT (id) DO NOTHING
	`, sale.ID, sale.OrganizationID, sale.TerminalID, sale.InvoiceNumber, sale.Subtotal, sale.Tax, sale.Discount,
		sale.ServiceCharge, sale.TotalAmount, sale.PaymentMethod, sale.Status, sale.Timestamp, sale.CustomerID,
		sale.ShiftID, sale.DiscountType, sale.DiscountReference)
	if err != nil {
		return false, mapWriteError(err, "sale "+sale.ID)
	}
	ok, err := inserted(res)
	if err != nil || !ok {
		return false, err
	}

	for _, item := range sale.Items {
		if item.ID == "" {
			item.ID = uuid.NewString()
		}
		_, err := t.tx.ExecContext(ctx, `
			INSERT INTO sale_items (id, sale_id, product_id, quantity, price_at_sale, name, category, product_type)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
		`, item.ID, sale.ID, item.ProductID, item.Quantity, item.PriceAtSale, item.Name, item.Category, item.ProductType)
		if err != nil {
			return false, mapWriteError(err, fmt.Sprintf("sale %s item %s", sale.ID, item.ProductID))
		}
	}
	return true, nil
}

func (t *Tx) GetCustomer(ctx context.Context, id string) (*domain.Customer, error) {
	return getCustomer(ctx, t.tx, id)
}

func (t *Tx) UpsertCustomer(ctx context.Context, customer domain.Customer) error {
	if customer.ID == "" || customer.OrganizationID == "" {
		return store.ErrInvalid
	}
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO customers (id, organization_id, name, type, email, phone, address, total_spent, last_visit, birthdate, tin, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,now())
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name,
			type = EXCLUDED.type,
			email = EXCLUDED.email,
			phone = EXCLUDED.phone,
			address = EXCLUDED.address,
			total_spent = EXCLUDED.total_spent,
			last_visit = EXCLUDED.last_visit,
			birthdate = EXCLUDED.birthdate,
			tin = EXCLUDED.tin,
			updated_at = now()
		WHERE customers.organization_id = EXCLUDED.organization_id
	`, customer.ID, customer.OrganizationID, customer.Name, customer.Type, customer.Email, customer.Phone,
		customer.Address, customer.TotalSpent, customer.LastVisit, customer.Birthdate, customer.TIN)
	return mapWriteError(err, "customer "+customer.ID)
}

func (t *Tx) GetShift(ctx context.Context, id string) (*domain.WorkShift, error) {
	return getShift(ctx, t.tx, id)
}

func (t *Tx) UpsertShift(ctx context.Context, shift domain.WorkShift) error {
	if shift.ID == "" || shift.OrganizationID == "" {
		return store.ErrInvalid
	}
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO work_shifts (
			id, organization_id, terminal_id, status, start_time, end_time, opening_float, expected_cash,
			actual_cash, variance, notes, opened_by, closed_by, updated_at
		)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,now())
		ON CONFLICT (id) DO UPDATE SET
			terminal_id = EXCLUDED.terminal_id,
			status = EXCLUDED.status,
			start_time = EXCLUDED.start_time,
			end_time = EXCLUDED.end_time,
			opening_float = EXCLUDED.opening_float,
			expected_cash = EXCLUDED.expected_cash,
			actual_cash = EXCLUDED.actual_cash,
			variance = EXCLUDED.variance,
			notes = EXCLUDED.notes,
			opened_by = EXCLUDED.opened_by,
			closed_by = EXCLUDED.closed_by,
			updated_at = now()
		WHERE work_shifts.organization_id = EXCLUDED.organization_id
	`, shift.ID, shift.OrganizationID, shift.TerminalID, shift.Status, shift.StartTime, shift.EndTime,
		shift.OpeningFloat, shift.ExpectedCash, nullDecimal(shift.ActualCash), nullDecimal(shift.Variance),
		shift.Notes, shift.OpenedBy, shift.ClosedBy)
	return mapWriteError(err, "shift "+shift.ID)
}

// InsertCashTransaction reports false when the id was already recorded.
func (t *Tx) InsertCashTransaction(ctx context.Context, ct domain.CashTransaction) (bool, error) {
	res, err := t.tx.ExecContext(ctx, `
		INSERT INTO cash_transactions (id, shift_id, type, amount, reason, occurred_at, performed_by)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
		ON CONFLICT (id) DO NOTHING
	`, ct.ID, ct.ShiftID, ct.Type, ct.Amount, ct.Reason, ct.Timestamp, ct.PerformedBy)
	if err != nil {
		return false, mapWriteError(err, "cash transaction "+ct.ID)
	}
	return inserted(res)
}

func (t *Tx) StockMovementExists(ctx context.Context, id string) (bool, error) {
	return exists(ctx, t.tx, `SELECT EXISTS (SELECT 1 FROM stock_movements WHERE id = $1)`, id)
}

func (t *Tx) CreateStockMovement(ctx context.Context, movement domain.StockMovement) (bool, error) {
	res, err := t.tx.ExecContext(ctx, `
		INSERT INTO stock_movements (id, product_id, organization_id, terminal_id, type, quantity_change, reason, reference_id, occurred_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
		ON CONFLICT (id) DO NOTHING
	`, movement.ID, movement.ProductID, movement.OrganizationID, movement.TerminalID, movement.Type,
		movement.QuantityChange, movement.Reason, movement.ReferenceID, movement.Timestamp)
	if err != nil {
		return false, mapWriteError(err, "stock movement "+movement.ID)
	}
	return inserted(res)
}

func requireAffected(res sql.Result) error {
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return store.ErrNotFound
	}
	return nil
}

func inserted(res sql.Result) (bool, error) {
	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected == 1, nil
}
