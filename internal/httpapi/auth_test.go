package httpapi

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	jwtlib "github.com/golang-jwt/jwt/v5"

	"github.com/Definitely-Not-Chris/oragon-kaha-sub001/internal/domain"
)

type userStoreStub struct {
	mu      sync.Mutex
	users   map[string]domain.UserAccount
	updates int
}

func (s *userStoreStub) ListUsers(_ context.Context) ([]domain.UserAccount, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.UserAccount, 0, len(s.users))
	for _, user := range s.users {
		out = append(out, user)
	}
	return out, nil
}

func (s *userStoreStub) UpdateUserPassword(_ context.Context, username string, password string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	user := s.users[username]
	user.Password = password
	s.users[username] = user
	s.updates++
	return nil
}

func TestAuthManagerUpgradesLegacyPlainPassword(t *testing.T) {
	store := &userStoreStub{
		users: map[string]domain.UserAccount{
			"admin": {
				ID:             "u1",
				Username:       "admin",
				Password:       "admin123",
				Role:           domain.RoleAdmin,
				OrganizationID: "org1",
				Active:         true,
				CreatedAt:      time.Now().UTC(),
			},
		},
	}

	manager := NewAuthManager("test-secret", time.Hour, store, nil)
	if _, err := manager.Login(context.Background(), domain.LoginRequest{Username: "admin", Password: "admin123"}); err != nil {
		t.Fatalf("login failed: %v", err)
	}

	users, err := store.ListUsers(context.Background())
	if err != nil {
		t.Fatalf("list users failed: %v", err)
	}
	if len(users) != 1 {
		t.Fatalf("expected 1 user, got %d", len(users))
	}
	if !strings.HasPrefix(users[0].Password, "$2") {
		t.Fatalf("expected bcrypt password hash, got %s", users[0].Password)
	}
	if store.updates == 0 {
		t.Fatalf("expected the upgraded hash to be written back")
	}
}

func TestAuthManagerTokenCarriesOrganization(t *testing.T) {
	hash, err := hashPassword("cashier123")
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	store := &userStoreStub{
		users: map[string]domain.UserAccount{
			"cashier": {ID: "u2", Username: "cashier", Password: hash, Role: domain.RoleCashier, OrganizationID: "org1", Active: true},
		},
	}
	manager := NewAuthManager("test-secret", time.Hour, store, nil)

	resp, err := manager.Login(context.Background(), domain.LoginRequest{Username: "Cashier ", Password: "cashier123"})
	if err != nil {
		t.Fatalf("login failed: %v", err)
	}
	actor, err := manager.ParseToken(resp.AccessToken)
	if err != nil {
		t.Fatalf("parse token: %v", err)
	}
	want := domain.Actor{UserID: "u2", Username: "cashier", Role: domain.RoleCashier, OrganizationID: "org1"}
	if actor != want {
		t.Fatalf("expected %+v, got %+v", want, actor)
	}
}

func TestAuthManagerRejectsInactiveAccount(t *testing.T) {
	hash, err := hashPassword("pass1234")
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	store := &userStoreStub{
		users: map[string]domain.UserAccount{
			"gone": {Username: "gone", Password: hash, Role: domain.RoleCashier, OrganizationID: "org1", Active: false},
		},
	}
	manager := NewAuthManager("test-secret", time.Hour, store, nil)

	if _, err := manager.Login(context.Background(), domain.LoginRequest{Username: "gone", Password: "pass1234"}); err == nil {
		t.Fatalf("expected inactive account to be refused")
	}
}

func TestParseTokenRejectsForeignSignature(t *testing.T) {
	manager := NewAuthManager("test-secret", time.Hour, nil, nil)

	claims := syncClaims{
		RegisteredClaims: jwtlib.RegisteredClaims{
			Subject:   "admin",
			ExpiresAt: jwtlib.NewNumericDate(time.Now().Add(time.Hour)),
		},
		Role:           domain.RoleAdmin,
		OrganizationID: "org1",
	}
	forged, err := jwtlib.NewWithClaims(jwtlib.SigningMethodHS256, claims).SignedString([]byte("another-secret"))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if _, err := manager.ParseToken(forged); err == nil {
		t.Fatalf("expected token signed with another secret to be rejected")
	}
}

func TestParseTokenRequiresOrganizationForNonSuperAdmin(t *testing.T) {
	manager := NewAuthManager("test-secret", time.Hour, nil, nil)

	token, err := manager.sign("cashier", credential{userID: "u3", role: domain.RoleCashier}, time.Now().Add(time.Hour))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if _, err := manager.ParseToken(token); err == nil {
		t.Fatalf("expected token without organization to be rejected")
	}

	token, err = manager.sign("root", credential{userID: "u4", role: domain.RoleSuperAdmin}, time.Now().Add(time.Hour))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	actor, err := manager.ParseToken(token)
	if err != nil {
		t.Fatalf("expected super admin token without organization to parse: %v", err)
	}
	if !actor.IsSuperAdmin() {
		t.Fatalf("expected super admin actor, got %+v", actor)
	}
}

func TestParseTokenRejectsExpired(t *testing.T) {
	manager := NewAuthManager("test-secret", time.Hour, nil, nil)

	token, err := manager.sign("admin", credential{role: domain.RoleAdmin, organizationID: "org1"}, time.Now().Add(-time.Minute))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if _, err := manager.ParseToken(token); err == nil {
		t.Fatalf("expected expired token to be rejected")
	}
}
