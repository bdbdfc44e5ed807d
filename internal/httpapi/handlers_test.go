package httpapi

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/Definitely-Not-Chris/oragon-kaha-sub001/internal/domain"
	"github.com/Definitely-Not-Chris/oragon-kaha-sub001/internal/service"
	"github.com/Definitely-Not-Chris/oragon-kaha-sub001/internal/store/memory"
	"github.com/Definitely-Not-Chris/oragon-kaha-sub001/internal/synclog"
)

// newTestAPI builds a full API with an in-memory store, real AuthManager and
// real Service so handler tests exercise the complete request path.
func newTestAPI(t *testing.T) (*API, *memory.Store) {
	t.Helper()

	repo := memory.NewSeeded(nil)
	repo.AddOrganization(domain.Organization{ID: "other-org", Name: "Other Store"})
	svc := service.New(repo, synclog.New(synclog.DefaultCapacity, nil, nil), nil, 0)
	auth := NewAuthManager("test-secret-key-that-is-long-enough", time.Hour, repo, nil)

	return New(svc, auth, "*", nil), repo
}

func loginAs(t *testing.T, api *API, username, password string) string {
	t.Helper()

	body, _ := json.Marshal(domain.LoginRequest{Username: username, Password: password})
	req := httptest.NewRequest(http.MethodPost, "/auth/login", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	res := httptest.NewRecorder()

	api.Handler().ServeHTTP(res, req)
	if res.Code != http.StatusOK {
		t.Fatalf("%s login failed, status %d (body: %s)", username, res.Code, res.Body.String())
	}

	var payload domain.LoginResponse
	if err := json.NewDecoder(res.Body).Decode(&payload); err != nil {
		t.Fatalf("decode login response failed: %v", err)
	}
	if strings.TrimSpace(payload.AccessToken) == "" {
		t.Fatalf("expected access token in login response")
	}
	return payload.AccessToken
}

func doJSON(t *testing.T, api *API, method, path, token string, payload any) *httptest.ResponseRecorder {
	t.Helper()

	var body bytes.Buffer
	if payload != nil {
		if err := json.NewEncoder(&body).Encode(payload); err != nil {
			t.Fatalf("encode payload: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &body)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	res := httptest.NewRecorder()
	api.Handler().ServeHTTP(res, req)
	return res
}

func decodeAck(t *testing.T, res *httptest.ResponseRecorder) domain.SyncAck {
	t.Helper()
	var ack domain.SyncAck
	if err := json.NewDecoder(res.Body).Decode(&ack); err != nil {
		t.Fatalf("decode ack: %v", err)
	}
	return ack
}

func demoPacket(id, terminalID, orgID string) domain.SyncPacket {
	at := time.Date(2026, 4, 2, 9, 30, 0, 0, time.UTC)
	return domain.SyncPacket{
		ID:             id,
		TerminalID:     terminalID,
		OrganizationID: orgID,
		TerminalName:   "Front Counter",
		CreatedAt:      at,
		Sales: []domain.Sale{{
			ID:            "sale-" + id,
			InvoiceNumber: "000001",
			Items: []domain.SaleItem{
				{ProductID: "coffee", Quantity: 1, PriceAtSale: decimal.NewFromInt(120), Name: "Coffee"},
			},
			Subtotal:      decimal.NewFromInt(120),
			TotalAmount:   decimal.NewFromInt(120),
			PaymentMethod: domain.PaymentCash,
			Status:        domain.SaleStatusCompleted,
			Timestamp:     at,
		}},
	}
}

func TestHandleHealth(t *testing.T) {
	api, _ := newTestAPI(t)

	res := doJSON(t, api, http.MethodGet, "/healthz", "", nil)
	if res.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", res.Code)
	}

	var body map[string]any
	if err := json.NewDecoder(res.Body).Decode(&body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if body["ok"] != true {
		t.Fatalf("expected ok:true, got %v", body["ok"])
	}
}

func TestHandleLogin_Success(t *testing.T) {
	api, _ := newTestAPI(t)

	res := doJSON(t, api, http.MethodPost, "/auth/login", "", domain.LoginRequest{Username: "admin", Password: "admin123"})
	if res.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d (body: %s)", res.Code, res.Body.String())
	}

	var resp domain.LoginResponse
	if err := json.NewDecoder(res.Body).Decode(&resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Role != domain.RoleAdmin || resp.OrganizationID != memory.DemoOrganizationID {
		t.Fatalf("unexpected login response %+v", resp)
	}
}

func TestHandleLogin_WrongPassword(t *testing.T) {
	api, _ := newTestAPI(t)

	res := doJSON(t, api, http.MethodPost, "/auth/login", "", domain.LoginRequest{Username: "admin", Password: "nope"})
	if res.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", res.Code)
	}
}

func TestSyncPushRequiresToken(t *testing.T) {
	api, _ := newTestAPI(t)

	res := doJSON(t, api, http.MethodPost, "/sync/push", "", demoPacket("p1", "t1", memory.DemoOrganizationID))
	if res.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", res.Code)
	}
}

func TestSyncPushFirstSyncReturnsSuccess(t *testing.T) {
	api, repo := newTestAPI(t)
	token := loginAs(t, api, "cashier", "cashier123")

	res := doJSON(t, api, http.MethodPost, "/sync/push", token, demoPacket("p1", "t-fresh", memory.DemoOrganizationID))
	if res.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d (body: %s)", res.Code, res.Body.String())
	}
	ack := decodeAck(t, res)
	if ack.PacketID != "p1" || ack.Status != domain.SyncSuccess {
		t.Fatalf("expected SUCCESS for p1, got %+v", ack)
	}
	if repo.SaleCount() != 1 {
		t.Fatalf("expected one stored sale, got %d", repo.SaleCount())
	}

	// Replaying the same packet changes nothing.
	res = doJSON(t, api, http.MethodPost, "/sync/push", token, demoPacket("p1", "t-fresh", memory.DemoOrganizationID))
	if ack := decodeAck(t, res); ack.Status != domain.SyncSuccess {
		t.Fatalf("expected SUCCESS on replay, got %+v", ack)
	}
	if repo.SaleCount() != 1 {
		t.Fatalf("expected replay to keep one sale, got %d", repo.SaleCount())
	}
}

func TestSyncPushCrossOrganizationReturns403(t *testing.T) {
	api, repo := newTestAPI(t)
	token := loginAs(t, api, "cashier", "cashier123")

	res := doJSON(t, api, http.MethodPost, "/sync/push", token, demoPacket("p1", "t1", "other-org"))
	if res.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d (body: %s)", res.Code, res.Body.String())
	}
	ack := decodeAck(t, res)
	if ack.Status != domain.SyncFailed || len(ack.Errors) != 1 || ack.Errors[0].Message != service.MsgOrganizationMismatch {
		t.Fatalf("expected organization mismatch ack, got %+v", ack)
	}
	if repo.SaleCount() != 0 {
		t.Fatalf("expected nothing written, got %d sales", repo.SaleCount())
	}
}

func TestSyncPushInvalidPacketReturns422(t *testing.T) {
	api, _ := newTestAPI(t)
	token := loginAs(t, api, "cashier", "cashier123")

	packet := demoPacket("p1", "t1", memory.DemoOrganizationID)
	packet.Sales[0].Items = nil

	res := doJSON(t, api, http.MethodPost, "/sync/push", token, packet)
	if res.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422, got %d", res.Code)
	}
	ack := decodeAck(t, res)
	if ack.Status != domain.SyncFailed || ack.Errors[0].EntityType != domain.EntitySale {
		t.Fatalf("expected FAILED ack naming the sale, got %+v", ack)
	}
}

func TestSyncPushMalformedBodyReturnsFailedAck(t *testing.T) {
	api, _ := newTestAPI(t)
	token := loginAs(t, api, "cashier", "cashier123")

	req := httptest.NewRequest(http.MethodPost, "/sync/push", strings.NewReader(`{"id":"p1","terminal_id":`))
	req.Header.Set("Authorization", "Bearer "+token)
	res := httptest.NewRecorder()
	api.Handler().ServeHTTP(res, req)

	if res.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", res.Code)
	}
	if ack := decodeAck(t, res); ack.Status != domain.SyncFailed {
		t.Fatalf("expected FAILED ack, got %+v", ack)
	}
}

func TestSyncLogsNewestFirstAndAdminOnly(t *testing.T) {
	api, _ := newTestAPI(t)
	cashier := loginAs(t, api, "cashier", "cashier123")
	admin := loginAs(t, api, "admin", "admin123")

	for _, id := range []string{"p1", "p2"} {
		res := doJSON(t, api, http.MethodPost, "/sync/push", cashier, demoPacket(id, "t1", memory.DemoOrganizationID))
		if res.Code != http.StatusOK {
			t.Fatalf("push %s failed with %d", id, res.Code)
		}
	}

	if res := doJSON(t, api, http.MethodGet, "/sync/logs", cashier, nil); res.Code != http.StatusForbidden {
		t.Fatalf("expected cashier to get 403 on logs, got %d", res.Code)
	}

	res := doJSON(t, api, http.MethodGet, "/sync/logs?limit=2", admin, nil)
	if res.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", res.Code)
	}
	var logs domain.SyncLogResponse
	if err := json.NewDecoder(res.Body).Decode(&logs); err != nil {
		t.Fatalf("decode logs: %v", err)
	}
	if len(logs.Lines) != 2 {
		t.Fatalf("expected 2 lines, got %v", logs.Lines)
	}
	if !strings.Contains(logs.Lines[0], "packet p2") || !strings.Contains(logs.Lines[1], "packet p1") {
		t.Fatalf("expected newest first, got %v", logs.Lines)
	}
}

func TestRegisterAndListTerminals(t *testing.T) {
	api, _ := newTestAPI(t)
	admin := loginAs(t, api, "admin", "admin123")

	for i, device := range []string{"dev-a", "dev-b"} {
		res := doJSON(t, api, http.MethodPost, "/terminals/register", admin, domain.TerminalRegisterRequest{
			OrganizationID: memory.DemoOrganizationID,
			DeviceID:       device,
		})
		if res.Code != http.StatusCreated {
			t.Fatalf("register %s: expected 201, got %d (body: %s)", device, res.Code, res.Body.String())
		}
		var resp domain.TerminalRegisterResponse
		if err := json.NewDecoder(res.Body).Decode(&resp); err != nil {
			t.Fatalf("decode register response: %v", err)
		}
		if resp.TerminalNumber != i+1 || resp.Name != domain.DefaultTerminalName(i+1) || resp.TerminalID == "" {
			t.Fatalf("unexpected registration %+v", resp)
		}
	}

	res := doJSON(t, api, http.MethodGet, "/terminals?organization_id="+memory.DemoOrganizationID, admin, nil)
	if res.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", res.Code)
	}
	var list domain.TerminalListResponse
	if err := json.NewDecoder(res.Body).Decode(&list); err != nil {
		t.Fatalf("decode list: %v", err)
	}
	if len(list.Terminals) != 2 || list.Terminals[0].Number != 1 || list.Terminals[1].Number != 2 {
		t.Fatalf("expected two terminals ordered by number, got %+v", list.Terminals)
	}
}

func TestRegisterTerminalRejectsSuperAdmin(t *testing.T) {
	api, _ := newTestAPI(t)
	token := loginAs(t, api, "superadmin", "superadmin123")

	res := doJSON(t, api, http.MethodPost, "/terminals/register", token, domain.TerminalRegisterRequest{
		OrganizationID: memory.DemoOrganizationID,
	})
	if res.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", res.Code)
	}
}

func TestListTerminalsOtherOrganizationForbidden(t *testing.T) {
	api, _ := newTestAPI(t)
	admin := loginAs(t, api, "admin", "admin123")

	res := doJSON(t, api, http.MethodGet, "/terminals?organization_id=other-org", admin, nil)
	if res.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", res.Code)
	}

	superadmin := loginAs(t, api, "superadmin", "superadmin123")
	res = doJSON(t, api, http.MethodGet, "/terminals?organization_id=other-org", superadmin, nil)
	if res.Code != http.StatusOK {
		t.Fatalf("expected super admin to list other org, got %d", res.Code)
	}
}

func TestMethodNotAllowed(t *testing.T) {
	api, _ := newTestAPI(t)

	res := doJSON(t, api, http.MethodPost, "/healthz", "", nil)
	if res.Code != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405, got %d", res.Code)
	}
}
