package terminal

import (
	"context"
	"errors"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/Definitely-Not-Chris/oragon-kaha-sub001/internal/domain"
	"github.com/Definitely-Not-Chris/oragon-kaha-sub001/internal/httpapi"
	"github.com/Definitely-Not-Chris/oragon-kaha-sub001/internal/service"
	"github.com/Definitely-Not-Chris/oragon-kaha-sub001/internal/store/memory"
	"github.com/Definitely-Not-Chris/oragon-kaha-sub001/internal/synclog"
)

type syncServer struct {
	repo   *memory.Store
	svc    *service.Service
	server *httptest.Server
}

func newSyncServer(t *testing.T) *syncServer {
	t.Helper()

	repo := memory.NewSeeded(nil)
	svc := service.New(repo, synclog.New(synclog.DefaultCapacity, nil, nil), nil, 0)
	auth := httpapi.NewAuthManager("terminal-test-secret-long-enough-123", time.Hour, repo, nil)
	server := httptest.NewServer(httpapi.New(svc, auth, "*", nil).Handler())
	t.Cleanup(server.Close)

	return &syncServer{repo: repo, svc: svc, server: server}
}

func (s *syncServer) loggedInClient(t *testing.T) *Client {
	t.Helper()
	c := NewClient(s.server.URL, 5*time.Second)
	if _, err := c.Login(context.Background(), "cashier", "cashier123"); err != nil {
		t.Fatalf("login: %v", err)
	}
	return c
}

func newTestAgent(t *testing.T, s *LocalStore, client Pusher) *Agent {
	t.Helper()
	return NewAgent(s, NewBuilder(s, 50, nil), client, AgentConfig{
		Interval:       time.Hour,
		InitialBackoff: 10 * time.Millisecond,
		MaxBackoff:     50 * time.Millisecond,
	}, nil)
}

func TestAgentFlushRecoversUnknownTerminalAndSyncs(t *testing.T) {
	srv := newSyncServer(t)
	ctx := context.Background()

	s := openTestStore(t)
	provision(t, s, "term-lost-1", memory.DemoOrganizationID)
	agent := newTestAgent(t, s, srv.loggedInClient(t))
	pos := NewPOS(s, agent.Trigger, nil)

	shift, err := pos.OpenShift(ctx, decimal.NewFromInt(1000), "cashier")
	if err != nil {
		t.Fatalf("open shift: %v", err)
	}
	sale, err := pos.CompleteSale(ctx, SaleDraft{Items: []domain.SaleItem{coffee(2)}})
	if err != nil {
		t.Fatalf("sale: %v", err)
	}

	res, err := agent.Flush(ctx)
	if err != nil {
		t.Fatalf("flush: %v", err)
	}
	if res.LastStatus != domain.SyncSuccess || res.Packets != 1 || res.Synced != 3 {
		t.Fatalf("unexpected flush result %+v", res)
	}

	counts, err := s.PendingCounts()
	if err != nil {
		t.Fatalf("counts: %v", err)
	}
	for kind, n := range counts {
		if n != 0 {
			t.Fatalf("%s still has %d pending", kind, n)
		}
	}
	if v, _, _ := s.Setting(SettingTerminalConfirmed); v != "true" {
		t.Fatalf("terminal should be confirmed after SUCCESS, got %q", v)
	}

	terminals, err := srv.repo.ListTerminals(ctx, memory.DemoOrganizationID)
	if err != nil {
		t.Fatalf("list terminals: %v", err)
	}
	if len(terminals) != 1 || terminals[0].ID != "term-lost-1" || terminals[0].Name != "Front Counter" {
		t.Fatalf("terminal not recovered: %+v", terminals)
	}
	if _, err := srv.repo.GetSale(ctx, sale.ID); err != nil {
		t.Fatalf("sale not on server: %v", err)
	}
	if _, err := srv.repo.GetShift(ctx, shift.ID); err != nil {
		t.Fatalf("shift not on server: %v", err)
	}
	product, err := srv.repo.GetProduct(ctx, "coffee")
	if err != nil {
		t.Fatalf("product not stubbed: %v", err)
	}
	if product.StockLevel != -2 {
		t.Fatalf("stock level = %d, want -2", product.StockLevel)
	}

	res, err = agent.Flush(ctx)
	if err != nil || res.Packets != 0 {
		t.Fatalf("second flush should send nothing, got %+v, %v", res, err)
	}
}

func TestAgentPartialAckKeepsOnlyNamedRecordsPending(t *testing.T) {
	srv := newSyncServer(t)
	ctx := context.Background()

	s := openTestStore(t)
	provision(t, s, "term-1", memory.DemoOrganizationID)
	agent := newTestAgent(t, s, srv.loggedInClient(t))
	pos := NewPOS(s, nil, nil)

	if _, err := pos.CompleteSale(ctx, SaleDraft{Items: []domain.SaleItem{coffee(1)}}); err != nil {
		t.Fatalf("sale: %v", err)
	}
	ghost, err := pos.RecordStockMovement(ctx, domain.StockMovement{ProductID: "ghost", Type: domain.MovementAdjustment, QuantityChange: 3})
	if err != nil {
		t.Fatalf("movement: %v", err)
	}

	res, err := agent.Flush(ctx)
	if err != nil {
		t.Fatalf("flush: %v", err)
	}
	if res.LastStatus != domain.SyncPartial || res.Failed != 1 || res.Synced != 2 {
		t.Fatalf("unexpected flush result %+v", res)
	}

	row, err := s.Record(domain.EntityStockMovement, ghost.ID)
	if err != nil {
		t.Fatalf("record: %v", err)
	}
	if row.Synced || row.SyncAttempts != 1 || row.LastError != "unknown product ghost" {
		t.Fatalf("ghost movement state: %+v", row)
	}
	if v, _, _ := s.Setting(SettingTerminalConfirmed); v != "true" {
		t.Fatalf("PARTIAL still confirms the terminal, got %q", v)
	}
}

func TestAgentUnrecognizedTerminalResendsIdentity(t *testing.T) {
	srv := newSyncServer(t)
	ctx := context.Background()

	s := openTestStore(t)
	provision(t, s, "term-orphan", "")
	agent := newTestAgent(t, s, srv.loggedInClient(t))

	if _, err := s.SaveCustomer(testCustomer("cust-1")); err != nil {
		t.Fatalf("save: %v", err)
	}

	res, err := agent.Flush(ctx)
	if !errors.Is(err, ErrPacketRejected) {
		t.Fatalf("expected ErrPacketRejected, got %v", err)
	}
	if res.LastStatus != domain.SyncFailed || res.Failed != 1 {
		t.Fatalf("unexpected result %+v", res)
	}
	if v, _, _ := s.Setting(SettingTerminalConfirmed); v != "false" {
		t.Fatalf("terminal should be unconfirmed, got %q", v)
	}
	row, err := s.Record(domain.EntityCustomer, "cust-1")
	if err != nil {
		t.Fatalf("record: %v", err)
	}
	if row.Synced || row.LastError != domain.MsgTerminalNotRecognized {
		t.Fatalf("customer state: %+v", row)
	}

	if err := s.SetSetting(SettingOrganizationID, memory.DemoOrganizationID); err != nil {
		t.Fatalf("set org: %v", err)
	}
	res, err = agent.Flush(ctx)
	if err != nil || res.LastStatus != domain.SyncSuccess {
		t.Fatalf("flush after identity fix = %+v, %v", res, err)
	}
}

func TestAgentTransportErrorKeepsRecordsPending(t *testing.T) {
	srv := newSyncServer(t)
	client := srv.loggedInClient(t)
	srv.server.Close()

	s := openTestStore(t)
	provision(t, s, "term-1", memory.DemoOrganizationID)
	if _, err := s.SaveCustomer(testCustomer("cust-1")); err != nil {
		t.Fatalf("save: %v", err)
	}

	_, err := newTestAgent(t, s, client).Flush(context.Background())
	if err == nil || errors.Is(err, ErrPacketRejected) {
		t.Fatalf("expected a transport error, got %v", err)
	}
	row, err := s.Record(domain.EntityCustomer, "cust-1")
	if err != nil {
		t.Fatalf("record: %v", err)
	}
	if row.Synced || row.SyncAttempts != 1 || row.LastError == "" {
		t.Fatalf("customer state: %+v", row)
	}
}

type pusherFunc func(ctx context.Context, packet domain.SyncPacket) (domain.SyncAck, error)

func (f pusherFunc) Push(ctx context.Context, packet domain.SyncPacket) (domain.SyncAck, error) {
	return f(ctx, packet)
}

func successAck(packet domain.SyncPacket) domain.SyncAck {
	return domain.SyncAck{PacketID: packet.ID, Status: domain.SyncSuccess, ProcessedAt: time.Now().UTC()}
}

func TestAgentDoesNotMarkRecordEditedDuringPush(t *testing.T) {
	s := openTestStore(t)
	provision(t, s, "term-1", "org-1")
	if _, err := s.SaveCustomer(testCustomer("cust-1")); err != nil {
		t.Fatalf("save: %v", err)
	}

	pusher := pusherFunc(func(_ context.Context, packet domain.SyncPacket) (domain.SyncAck, error) {
		edited := testCustomer("cust-1")
		edited.Email = "ana@example.com"
		if _, err := s.SaveCustomer(edited); err != nil {
			t.Errorf("edit during push: %v", err)
		}
		return successAck(packet), nil
	})

	res, err := newTestAgent(t, s, pusher).Flush(context.Background())
	if err != nil {
		t.Fatalf("flush: %v", err)
	}
	if res.Synced != 0 {
		t.Fatalf("stale ack marked %d rows", res.Synced)
	}
	row, err := s.Record(domain.EntityCustomer, "cust-1")
	if err != nil {
		t.Fatalf("record: %v", err)
	}
	if row.Synced || row.Revision != 2 {
		t.Fatalf("edited customer should stay pending at revision 2: %+v", row)
	}
}

func TestAgentFlushKeepsGoingWhileBatchesAreFull(t *testing.T) {
	s := openTestStore(t)
	provision(t, s, "term-1", "org-1")
	for _, id := range []string{"c1", "c2", "c3", "c4", "c5"} {
		if _, err := s.SaveCustomer(testCustomer(id)); err != nil {
			t.Fatalf("save: %v", err)
		}
	}

	var sizes []int
	pusher := pusherFunc(func(_ context.Context, packet domain.SyncPacket) (domain.SyncAck, error) {
		sizes = append(sizes, packet.EntityCount())
		return successAck(packet), nil
	})
	agent := NewAgent(s, NewBuilder(s, 2, nil), pusher, AgentConfig{}, nil)

	res, err := agent.Flush(context.Background())
	if err != nil {
		t.Fatalf("flush: %v", err)
	}
	if res.Packets != 3 || res.Synced != 5 {
		t.Fatalf("unexpected result %+v (sizes %v)", res, sizes)
	}
}

func TestAgentRefusedRecordsDoNotStallNewerOnes(t *testing.T) {
	s := openTestStore(t)
	provision(t, s, "term-1", "org-1")
	for _, m := range []domain.StockMovement{
		{ID: "m1-ghost", ProductID: "ghost", Type: domain.MovementAdjustment, QuantityChange: 1},
		{ID: "m2-ghost", ProductID: "ghost", Type: domain.MovementAdjustment, QuantityChange: 1},
		{ID: "m3-beans", ProductID: "beans", Type: domain.MovementPurchase, QuantityChange: 12},
	} {
		if _, err := s.SaveStockMovement(m); err != nil {
			t.Fatalf("save %s: %v", m.ID, err)
		}
	}

	pusher := pusherFunc(func(_ context.Context, packet domain.SyncPacket) (domain.SyncAck, error) {
		ack := successAck(packet)
		for _, m := range packet.StockMovements {
			if m.ProductID == "ghost" {
				ack.Errors = append(ack.Errors, domain.SyncError{
					EntityType: domain.EntityStockMovement,
					EntityID:   m.ID,
					Message:    "unknown product ghost",
				})
			}
		}
		if len(ack.Errors) > 0 {
			ack.Status = domain.SyncPartial
		}
		return ack, nil
	})
	agent := NewAgent(s, NewBuilder(s, 2, nil), pusher, AgentConfig{}, nil)

	for i := 0; i < 3; i++ {
		if _, err := agent.Flush(context.Background()); err != nil {
			t.Fatalf("flush %d: %v", i+1, err)
		}
		row, err := s.Record(domain.EntityStockMovement, "m3-beans")
		if err != nil {
			t.Fatalf("record: %v", err)
		}
		if row.Synced {
			return
		}
	}
	t.Fatalf("movement m3-beans was never sent past the refused ones")
}

func TestAgentFlushContinuesAfterPartialThatSyncedRecords(t *testing.T) {
	s := openTestStore(t)
	provision(t, s, "term-1", "org-1")
	for _, id := range []string{"c1", "c2", "c3", "c4"} {
		if _, err := s.SaveCustomer(testCustomer(id)); err != nil {
			t.Fatalf("save: %v", err)
		}
	}

	pusher := pusherFunc(func(_ context.Context, packet domain.SyncPacket) (domain.SyncAck, error) {
		ack := successAck(packet)
		for _, c := range packet.Customers {
			if c.ID == "c1" {
				ack.Status = domain.SyncPartial
				ack.Errors = []domain.SyncError{{EntityType: domain.EntityCustomer, EntityID: "c1", Message: "rejected"}}
			}
		}
		return ack, nil
	})
	agent := NewAgent(s, NewBuilder(s, 2, nil), pusher, AgentConfig{}, nil)

	res, err := agent.Flush(context.Background())
	if err != nil {
		t.Fatalf("flush: %v", err)
	}
	if res.Synced != 3 {
		t.Fatalf("expected the three accepted customers to sync in one flush, got %+v", res)
	}
	counts, err := s.PendingCounts()
	if err != nil {
		t.Fatalf("pending counts: %v", err)
	}
	if counts[domain.EntityCustomer] != 1 {
		t.Fatalf("expected only c1 pending, got %v", counts)
	}
}

func TestAgentRunPushesTriggeredShiftAndBacksOff(t *testing.T) {
	s := openTestStore(t)
	provision(t, s, "term-1", "org-1")

	var calls atomic.Int32
	pushed := make(chan string, 4)
	pusher := pusherFunc(func(_ context.Context, packet domain.SyncPacket) (domain.SyncAck, error) {
		if calls.Add(1) <= 2 {
			return domain.SyncAck{}, errors.New("network unreachable")
		}
		for _, sh := range packet.Shifts {
			pushed <- sh.Shift.ID
		}
		return successAck(packet), nil
	})
	agent := newTestAgent(t, s, pusher)
	pos := NewPOS(s, agent.Trigger, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- agent.Run(ctx) }()

	shift, err := pos.OpenShift(ctx, decimal.NewFromInt(300), "cashier")
	if err != nil {
		t.Fatalf("open shift: %v", err)
	}

	select {
	case id := <-pushed:
		if id != shift.ID {
			t.Fatalf("pushed shift %q, want %q", id, shift.ID)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("shift was not pushed after backoff (calls=%d)", calls.Load())
	}
	if calls.Load() < 3 {
		t.Fatalf("expected two failed attempts before success, got %d calls", calls.Load())
	}

	cancel()
	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("run returned %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("run did not stop")
	}
}
