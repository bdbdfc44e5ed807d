package terminal

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/Definitely-Not-Chris/oragon-kaha-sub001/internal/domain"
)

var (
	ErrShiftAlreadyOpen = errors.New("a shift is already open on this terminal")
	ErrNoOpenShift      = errors.New("no open shift on this terminal")
	ErrInvalidInput     = errors.New("invalid input")
)

// SaleDraft is what the till knows when the customer pays.
type SaleDraft struct {
	Items             []domain.SaleItem
	Tax               decimal.Decimal
	Discount          decimal.Decimal
	ServiceCharge     decimal.Decimal
	PaymentMethod     string
	CustomerID        string
	DiscountType      string
	DiscountReference string
}

// POS records sales, shifts, cash movements, stock movements and customers
// in the local store. None of its methods touch the network; shift changes
// ask the agent for an eager flush through notify.
type POS struct {
	store  *LocalStore
	notify func(refs ...Ref)
	logger *zap.Logger
	now    func() time.Time
}

func NewPOS(store *LocalStore, notify func(refs ...Ref), logger *zap.Logger) *POS {
	if notify == nil {
		notify = func(...Ref) {}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &POS{
		store:  store,
		notify: notify,
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

func (p *POS) terminalID() (string, error) {
	id, ok, err := p.store.Setting(SettingTerminalID)
	if err != nil {
		return "", err
	}
	if !ok || id == "" {
		return "", errors.New("terminal is not provisioned")
	}
	return id, nil
}

// CompleteSale stores a completed sale and one SALE stock movement per line.
func (p *POS) CompleteSale(_ context.Context, draft SaleDraft) (domain.Sale, error) {
	if len(draft.Items) == 0 {
		return domain.Sale{}, fmt.Errorf("%w: sale has no items", ErrInvalidInput)
	}
	terminalID, err := p.terminalID()
	if err != nil {
		return domain.Sale{}, err
	}

	paymentMethod := strings.ToUpper(strings.TrimSpace(draft.PaymentMethod))
	if paymentMethod == "" {
		paymentMethod = domain.PaymentCash
	}

	now := p.now()
	sale := domain.Sale{
		ID:                uuid.NewString(),
		Items:             draft.Items,
		Tax:               draft.Tax,
		Discount:          draft.Discount,
		ServiceCharge:     draft.ServiceCharge,
		PaymentMethod:     paymentMethod,
		Status:            domain.SaleStatusCompleted,
		Timestamp:         now,
		TerminalID:        terminalID,
		CustomerID:        draft.CustomerID,
		DiscountType:      draft.DiscountType,
		DiscountReference: draft.DiscountReference,
	}
	sale.Subtotal = sale.ItemsSubtotal()
	sale.TotalAmount = sale.ComputedTotal()

	err = p.store.Transaction(func(tx *LocalStore) error {
		invoice, err := tx.NextInvoiceNumber()
		if err != nil {
			return err
		}
		sale.InvoiceNumber = invoice

		shift, err := tx.OpenShift()
		switch {
		case err == nil:
			sale.ShiftID = shift.ID
		case !errors.Is(err, ErrNotFound):
			return err
		}

		if err := sale.Validate(); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidInput, err)
		}
		if _, err := tx.SaveSale(sale); err != nil {
			return err
		}

		for _, item := range sale.Items {
			movement := domain.StockMovement{
				ID:             uuid.NewString(),
				ProductID:      item.ProductID,
				Type:           domain.MovementSale,
				QuantityChange: -item.Quantity,
				Reason:         "sale " + sale.InvoiceNumber,
				Timestamp:      now,
				ReferenceID:    sale.ID,
				TerminalID:     terminalID,
			}
			if _, err := tx.SaveStockMovement(movement); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return domain.Sale{}, err
	}

	p.logger.Info("sale completed",
		zap.String("sale_id", sale.ID),
		zap.String("invoice_number", sale.InvoiceNumber),
		zap.String("total", sale.TotalAmount.StringFixed(2)),
	)
	return sale, nil
}

// OpenShift starts a shift with the counted opening float.
func (p *POS) OpenShift(_ context.Context, openingFloat decimal.Decimal, openedBy string) (domain.WorkShift, error) {
	if openingFloat.IsNegative() {
		return domain.WorkShift{}, fmt.Errorf("%w: opening float must not be negative", ErrInvalidInput)
	}
	terminalID, err := p.terminalID()
	if err != nil {
		return domain.WorkShift{}, err
	}

	shift := domain.WorkShift{
		ID:           uuid.NewString(),
		TerminalID:   terminalID,
		Status:       domain.ShiftOpen,
		StartTime:    p.now(),
		OpeningFloat: openingFloat,
		ExpectedCash: openingFloat,
		OpenedBy:     openedBy,
	}

	err = p.store.Transaction(func(tx *LocalStore) error {
		if _, err := tx.OpenShift(); err == nil {
			return ErrShiftAlreadyOpen
		} else if !errors.Is(err, ErrNotFound) {
			return err
		}
		_, err := tx.SaveShift(shift)
		return err
	})
	if err != nil {
		return domain.WorkShift{}, err
	}

	p.notify(Ref{Kind: domain.EntityShift, ID: shift.ID})
	return shift, nil
}

// PostCashTransaction records a pay-in, pay-out or drop against the open
// shift and moves its running expected cash.
func (p *POS) PostCashTransaction(_ context.Context, txType string, amount decimal.Decimal, reason string, performedBy string) (domain.CashTransaction, error) {
	ct := domain.CashTransaction{
		ID:          uuid.NewString(),
		Type:        strings.ToUpper(strings.TrimSpace(txType)),
		Amount:      amount,
		Reason:      reason,
		Timestamp:   p.now(),
		PerformedBy: performedBy,
	}
	if err := ct.Validate(); err != nil {
		return domain.CashTransaction{}, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}

	var shiftID string
	err := p.store.Transaction(func(tx *LocalStore) error {
		shift, err := tx.OpenShift()
		if errors.Is(err, ErrNotFound) {
			return ErrNoOpenShift
		}
		if err != nil {
			return err
		}
		shiftID = shift.ID
		ct.ShiftID = shift.ID

		if err := tx.SaveCashTransaction(ct); err != nil {
			return err
		}
		shift.ExpectedCash = shift.ExpectedCash.Add(ct.Signed())
		_, err = tx.SaveShift(*shift)
		return err
	})
	if err != nil {
		return domain.CashTransaction{}, err
	}

	p.notify(Ref{Kind: domain.EntityShift, ID: shiftID})
	return ct, nil
}

// CloseShift settles the open shift. Expected cash is recomputed from the
// opening float, the shift's cash sales and its whole cash ledger.
func (p *POS) CloseShift(_ context.Context, actualCash decimal.Decimal, notes string, closedBy string) (domain.WorkShift, error) {
	if actualCash.IsNegative() {
		return domain.WorkShift{}, fmt.Errorf("%w: counted cash must not be negative", ErrInvalidInput)
	}

	var closed domain.WorkShift
	err := p.store.Transaction(func(tx *LocalStore) error {
		shift, err := tx.OpenShift()
		if errors.Is(err, ErrNotFound) {
			return ErrNoOpenShift
		}
		if err != nil {
			return err
		}

		cashSales, err := tx.CashSales(shift.ID)
		if err != nil {
			return err
		}
		expected := domain.ExpectedCash(shift.OpeningFloat, cashSales, shift.CashTransactions)

		end := p.now()
		shift.Close(expected, actualCash)
		shift.EndTime = &end
		shift.Notes = notes
		shift.ClosedBy = closedBy

		if _, err := tx.SaveShift(*shift); err != nil {
			return err
		}
		closed = *shift
		return nil
	})
	if err != nil {
		return domain.WorkShift{}, err
	}

	p.logger.Info("shift closed",
		zap.String("shift_id", closed.ID),
		zap.String("expected_cash", closed.ExpectedCash.StringFixed(2)),
		zap.String("variance", closed.Variance.StringFixed(2)),
	)
	p.notify(Ref{Kind: domain.EntityShift, ID: closed.ID})
	return closed, nil
}

// RecordStockMovement stores a manual stock change (purchase, adjustment, return).
func (p *POS) RecordStockMovement(_ context.Context, movement domain.StockMovement) (domain.StockMovement, error) {
	if movement.ID == "" {
		movement.ID = uuid.NewString()
	}
	if movement.Timestamp.IsZero() {
		movement.Timestamp = p.now()
	}
	movement.Type = strings.ToUpper(strings.TrimSpace(movement.Type))
	if terminalID, err := p.terminalID(); err == nil {
		movement.TerminalID = terminalID
	}
	if err := movement.Validate(); err != nil {
		return domain.StockMovement{}, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	if _, err := p.store.SaveStockMovement(movement); err != nil {
		return domain.StockMovement{}, err
	}
	return movement, nil
}

// SaveCustomer creates or updates a customer record.
func (p *POS) SaveCustomer(_ context.Context, customer domain.Customer) (domain.Customer, error) {
	if customer.ID == "" {
		customer.ID = uuid.NewString()
	}
	if customer.Type == "" {
		customer.Type = domain.CustomerRegular
	}
	customer.UpdatedAt = p.now()
	if err := customer.Validate(); err != nil {
		return domain.Customer{}, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	if _, err := p.store.SaveCustomer(customer); err != nil {
		return domain.Customer{}, err
	}
	return customer, nil
}
