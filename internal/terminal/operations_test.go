package terminal

import (
	"context"
	"errors"
	"testing"

	"github.com/shopspring/decimal"

	"github.com/Definitely-Not-Chris/oragon-kaha-sub001/internal/domain"
)

type notifyRecorder struct {
	refs []Ref
}

func (n *notifyRecorder) notify(refs ...Ref) {
	n.refs = append(n.refs, refs...)
}

func newTestPOS(t *testing.T) (*POS, *LocalStore, *notifyRecorder) {
	t.Helper()
	s := openTestStore(t)
	provision(t, s, "term-1", "org-1")
	rec := &notifyRecorder{}
	return NewPOS(s, rec.notify, nil), s, rec
}

func coffee(qty int64) domain.SaleItem {
	return domain.SaleItem{ProductID: "coffee", Quantity: qty, PriceAtSale: decimal.NewFromInt(120), Name: "Coffee"}
}

func TestCompleteSaleWritesSaleAndMovements(t *testing.T) {
	pos, s, rec := newTestPOS(t)
	ctx := context.Background()

	sale, err := pos.CompleteSale(ctx, SaleDraft{
		Items: []domain.SaleItem{coffee(2), {ProductID: "bun", Quantity: 1, PriceAtSale: decimal.NewFromInt(45), Name: "Bun"}},
		Tax:   decimal.NewFromInt(10),
	})
	if err != nil {
		t.Fatalf("complete sale: %v", err)
	}
	if sale.InvoiceNumber != "000001" {
		t.Fatalf("invoice = %q", sale.InvoiceNumber)
	}
	if !sale.TotalAmount.Equal(decimal.NewFromInt(295)) {
		t.Fatalf("total = %s, want 295", sale.TotalAmount)
	}
	if sale.PaymentMethod != domain.PaymentCash || sale.TerminalID != "term-1" {
		t.Fatalf("unexpected sale defaults: %+v", sale)
	}

	movements, err := s.Pending(domain.EntityStockMovement, 0)
	if err != nil {
		t.Fatalf("pending movements: %v", err)
	}
	if len(movements) != 2 {
		t.Fatalf("expected 2 movements, got %d", len(movements))
	}
	if len(rec.refs) != 0 {
		t.Fatalf("sales should not request an eager push, got %+v", rec.refs)
	}
}

func TestCompleteSaleRejectsEmptyCart(t *testing.T) {
	pos, _, _ := newTestPOS(t)
	if _, err := pos.CompleteSale(context.Background(), SaleDraft{}); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput, got %v", err)
	}
}

func TestCompleteSaleRejectsFractionalCents(t *testing.T) {
	pos, s, _ := newTestPOS(t)
	item := domain.SaleItem{ProductID: "tea", Quantity: 1, PriceAtSale: decimal.RequireFromString("19.995"), Name: "Tea"}

	if _, err := pos.CompleteSale(context.Background(), SaleDraft{Items: []domain.SaleItem{item}}); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput, got %v", err)
	}
	counts, err := s.PendingCounts()
	if err != nil {
		t.Fatalf("pending counts: %v", err)
	}
	if counts[domain.EntitySale] != 0 || counts[domain.EntityStockMovement] != 0 {
		t.Fatalf("rejected sale must leave nothing pending, got %v", counts)
	}
}

func TestShiftLifecycleComputesVariance(t *testing.T) {
	pos, s, rec := newTestPOS(t)
	ctx := context.Background()

	shift, err := pos.OpenShift(ctx, decimal.NewFromInt(1000), "cashier")
	if err != nil {
		t.Fatalf("open shift: %v", err)
	}
	if _, err := pos.OpenShift(ctx, decimal.NewFromInt(500), "cashier"); !errors.Is(err, ErrShiftAlreadyOpen) {
		t.Fatalf("expected ErrShiftAlreadyOpen, got %v", err)
	}

	sale, err := pos.CompleteSale(ctx, SaleDraft{Items: []domain.SaleItem{coffee(1)}})
	if err != nil {
		t.Fatalf("sale: %v", err)
	}
	if sale.ShiftID != shift.ID {
		t.Fatalf("sale not linked to open shift")
	}
	if _, err := pos.CompleteSale(ctx, SaleDraft{Items: []domain.SaleItem{coffee(1)}, PaymentMethod: "card"}); err != nil {
		t.Fatalf("card sale: %v", err)
	}

	if _, err := pos.PostCashTransaction(ctx, domain.CashPayIn, decimal.NewFromInt(200), "change fund", "admin"); err != nil {
		t.Fatalf("pay in: %v", err)
	}
	if _, err := pos.PostCashTransaction(ctx, "drop", decimal.NewFromInt(500), "safe drop", "admin"); err != nil {
		t.Fatalf("drop: %v", err)
	}
	if _, err := pos.PostCashTransaction(ctx, domain.CashPayOut, decimal.Zero, "", "admin"); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("zero amount should be rejected, got %v", err)
	}

	// 1000 float + 120 cash sale + 200 pay-in - 500 drop
	closed, err := pos.CloseShift(ctx, decimal.NewFromInt(810), "short ten", "cashier")
	if err != nil {
		t.Fatalf("close shift: %v", err)
	}
	if closed.Status != domain.ShiftClosed || closed.EndTime == nil {
		t.Fatalf("shift not closed: %+v", closed)
	}
	if !closed.ExpectedCash.Equal(decimal.NewFromInt(820)) {
		t.Fatalf("expected cash = %s, want 820", closed.ExpectedCash)
	}
	if !closed.Variance.Equal(decimal.NewFromInt(-10)) {
		t.Fatalf("variance = %s, want -10", closed.Variance)
	}
	if len(closed.CashTransactions) != 2 {
		t.Fatalf("expected 2 cash transactions on the shift, got %d", len(closed.CashTransactions))
	}

	// open, pay-in, drop, close
	if len(rec.refs) != 4 {
		t.Fatalf("expected 4 eager requests, got %d", len(rec.refs))
	}
	for _, ref := range rec.refs {
		if ref.Kind != domain.EntityShift || ref.ID != shift.ID {
			t.Fatalf("unexpected eager ref %+v", ref)
		}
	}

	if _, err := s.OpenShift(); !errors.Is(err, ErrNotFound) {
		t.Fatalf("no shift should be open after close, got %v", err)
	}
	if _, err := pos.CloseShift(ctx, decimal.Zero, "", "cashier"); !errors.Is(err, ErrNoOpenShift) {
		t.Fatalf("expected ErrNoOpenShift, got %v", err)
	}
}

func TestCashTransactionNeedsOpenShift(t *testing.T) {
	pos, _, _ := newTestPOS(t)
	_, err := pos.PostCashTransaction(context.Background(), domain.CashPayIn, decimal.NewFromInt(10), "", "admin")
	if !errors.Is(err, ErrNoOpenShift) {
		t.Fatalf("expected ErrNoOpenShift, got %v", err)
	}
}

func TestRecordStockMovementAndCustomer(t *testing.T) {
	pos, s, _ := newTestPOS(t)
	ctx := context.Background()

	m, err := pos.RecordStockMovement(ctx, domain.StockMovement{ProductID: "coffee", Type: "purchase", QuantityChange: 24})
	if err != nil {
		t.Fatalf("movement: %v", err)
	}
	if m.ID == "" || m.Type != domain.MovementPurchase || m.TerminalID != "term-1" {
		t.Fatalf("unexpected movement: %+v", m)
	}
	if _, err := pos.RecordStockMovement(ctx, domain.StockMovement{ProductID: "coffee", Type: "SALE"}); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("zero quantity should be rejected, got %v", err)
	}

	c, err := pos.SaveCustomer(ctx, domain.Customer{Name: "Lito Cruz"})
	if err != nil {
		t.Fatalf("customer: %v", err)
	}
	if c.Type != domain.CustomerRegular {
		t.Fatalf("customer type = %q", c.Type)
	}

	counts, err := s.PendingCounts()
	if err != nil {
		t.Fatalf("counts: %v", err)
	}
	if counts[domain.EntityStockMovement] != 1 || counts[domain.EntityCustomer] != 1 {
		t.Fatalf("unexpected pending counts %+v", counts)
	}
}
