package terminal

import (
	"context"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/shopspring/decimal"

	"github.com/Definitely-Not-Chris/oragon-kaha-sub001/internal/domain"
)

func TestBuildOrdersKindsAndCarriesIdentityUntilConfirmed(t *testing.T) {
	pos, s, _ := newTestPOS(t)
	ctx := context.Background()

	if _, err := pos.RecordStockMovement(ctx, domain.StockMovement{ProductID: "coffee", Type: domain.MovementPurchase, QuantityChange: 12}); err != nil {
		t.Fatalf("movement: %v", err)
	}
	shift, err := pos.OpenShift(ctx, decimal.NewFromInt(500), "cashier")
	if err != nil {
		t.Fatalf("open shift: %v", err)
	}
	if _, err := pos.PostCashTransaction(ctx, domain.CashPayIn, decimal.NewFromInt(50), "coins", "admin"); err != nil {
		t.Fatalf("pay in: %v", err)
	}
	if _, err := pos.CompleteSale(ctx, SaleDraft{Items: []domain.SaleItem{coffee(1)}}); err != nil {
		t.Fatalf("sale: %v", err)
	}
	customer, err := pos.SaveCustomer(ctx, domain.Customer{Name: "Ana Reyes"})
	if err != nil {
		t.Fatalf("customer: %v", err)
	}

	b := NewBuilder(s, 0, nil)
	batch, err := b.Build()
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if batch == nil {
		t.Fatalf("expected a batch")
	}

	p := batch.Packet
	if p.ID == "" || p.TerminalID != "term-1" {
		t.Fatalf("bad envelope: %+v", p)
	}
	if p.OrganizationID != "org-1" || p.TerminalName != "Front Counter" {
		t.Fatalf("unconfirmed terminal must send its identity, got org %q name %q", p.OrganizationID, p.TerminalName)
	}
	if len(p.Customers) != 1 || len(p.Sales) != 1 || len(p.Shifts) != 1 || len(p.StockMovements) != 2 {
		t.Fatalf("unexpected packet contents: %d customers %d sales %d shifts %d movements",
			len(p.Customers), len(p.Sales), len(p.Shifts), len(p.StockMovements))
	}
	if got := p.Shifts[0].Shift; got.ID != shift.ID || len(got.CashTransactions) != 1 {
		t.Fatalf("shift payload missing its cash transactions: %+v", got)
	}

	var kinds []string
	for _, ref := range batch.Refs {
		if len(kinds) == 0 || kinds[len(kinds)-1] != ref.Kind {
			kinds = append(kinds, ref.Kind)
		}
	}
	wantKinds := []string{domain.EntityCustomer, domain.EntitySale, domain.EntityShift, domain.EntityStockMovement}
	if diff := cmp.Diff(wantKinds, kinds); diff != "" {
		t.Fatalf("ref order mismatch (-want +got):\n%s", diff)
	}
	if batch.Refs[0].ID != customer.ID || batch.Refs[0].Revision != 1 {
		t.Fatalf("unexpected first ref %+v", batch.Refs[0])
	}

	// Building never changes sync state.
	counts, err := s.PendingCounts()
	if err != nil {
		t.Fatalf("counts: %v", err)
	}
	if counts[domain.EntityCustomer] != 1 || counts[domain.EntityShift] != 1 {
		t.Fatalf("build must not mark rows, counts %+v", counts)
	}

	if err := s.SetSetting(SettingTerminalConfirmed, "true"); err != nil {
		t.Fatalf("confirm: %v", err)
	}
	batch, err = b.Build()
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if batch.Packet.OrganizationID != "" || batch.Packet.TerminalName != "" {
		t.Fatalf("confirmed terminal should not resend identity: %+v", batch.Packet)
	}
}

func TestBuildRespectsBatchSize(t *testing.T) {
	s := openTestStore(t)
	provision(t, s, "term-1", "org-1")
	for _, id := range []string{"c1", "c2", "c3"} {
		if _, err := s.SaveCustomer(testCustomer(id)); err != nil {
			t.Fatalf("save: %v", err)
		}
	}

	batch, err := NewBuilder(s, 2, nil).Build()
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if len(batch.Refs) != 2 || !batch.Full {
		t.Fatalf("expected a full batch of 2, got %d refs full=%v", len(batch.Refs), batch.Full)
	}

	batch, err = NewBuilder(s, 10, nil).Build()
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if len(batch.Refs) != 3 || batch.Full {
		t.Fatalf("expected 3 refs in a short batch, got %d full=%v", len(batch.Refs), batch.Full)
	}
}

func TestBuildReturnsNilWhenNothingPending(t *testing.T) {
	s := openTestStore(t)
	provision(t, s, "term-1", "org-1")

	batch, err := NewBuilder(s, 10, nil).Build()
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if batch != nil {
		t.Fatalf("expected nil batch, got %+v", batch)
	}
}

func TestBuildRequiresProvisionedTerminal(t *testing.T) {
	s := openTestStore(t)
	if _, err := NewBuilder(s, 10, nil).Build(); err == nil {
		t.Fatalf("expected error without a terminal id")
	}
}

func TestBuildForSelectsOnlyNamedPendingRecords(t *testing.T) {
	pos, s, rec := newTestPOS(t)
	ctx := context.Background()

	if _, err := pos.SaveCustomer(ctx, domain.Customer{Name: "Ana Reyes"}); err != nil {
		t.Fatalf("customer: %v", err)
	}
	shift, err := pos.OpenShift(ctx, decimal.NewFromInt(500), "cashier")
	if err != nil {
		t.Fatalf("open shift: %v", err)
	}

	b := NewBuilder(s, 10, nil)
	refs := append(rec.refs, Ref{Kind: domain.EntitySale, ID: "not-there"})
	batch, err := b.BuildFor(refs)
	if err != nil {
		t.Fatalf("build for: %v", err)
	}
	if len(batch.Refs) != 1 || batch.Refs[0].ID != shift.ID || len(batch.Packet.Customers) != 0 {
		t.Fatalf("expected only the shift, got %+v", batch.Refs)
	}

	if _, err := s.MarkSynced(batch.Refs); err != nil {
		t.Fatalf("mark: %v", err)
	}
	batch, err = b.BuildFor(rec.refs)
	if err != nil {
		t.Fatalf("build for: %v", err)
	}
	if batch != nil {
		t.Fatalf("synced shift should not be rebuilt, got %+v", batch.Refs)
	}
}
