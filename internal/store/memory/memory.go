package memory

import (
	"context"
	"maps"
	"os"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"github.com/Definitely-Not-Chris/oragon-kaha-sub001/internal/domain"
	"github.com/Definitely-Not-Chris/oragon-kaha-sub001/internal/store"
)

const DemoOrganizationID = "7b0c3a52-4f1e-4d8b-9a57-1f9e2b6c0d11"

type state struct {
	organizations    map[string]domain.Organization
	terminals        map[string]domain.Terminal
	products         map[string]domain.Product
	sales            map[string]domain.Sale
	customers        map[string]domain.Customer
	shifts           map[string]domain.WorkShift
	cashTransactions map[string]domain.CashTransaction
	movements        map[string]domain.StockMovement
	movementOrder    []string
}

func newState() *state {
	return &state{
		organizations:    make(map[string]domain.Organization),
		terminals:        make(map[string]domain.Terminal),
		products:         make(map[string]domain.Product),
		sales:            make(map[string]domain.Sale),
		customers:        make(map[string]domain.Customer),
		shifts:           make(map[string]domain.WorkShift),
		cashTransactions: make(map[string]domain.CashTransaction),
		movements:        make(map[string]domain.StockMovement),
	}
}

// clone copies every table. Stored values are never mutated in place, so
// copying the maps is enough to isolate a snapshot.
func (st *state) clone() *state {
	return &state{
		organizations:    maps.Clone(st.organizations),
		terminals:        maps.Clone(st.terminals),
		products:         maps.Clone(st.products),
		sales:            maps.Clone(st.sales),
		customers:        maps.Clone(st.customers),
		shifts:           maps.Clone(st.shifts),
		cashTransactions: maps.Clone(st.cashTransactions),
		movements:        maps.Clone(st.movements),
		movementOrder:    slices.Clone(st.movementOrder),
	}
}

// Store keeps everything in process memory. Transactions are serialized:
// a Tx holds txMu from Begin until Commit or Rollback and works on a private
// copy of the state that Commit swaps in.
type Store struct {
	txMu    sync.Mutex
	mu      sync.RWMutex
	current *state
	users   map[string]domain.UserAccount
}

func New() *Store {
	return &Store{
		current: newState(),
		users:   make(map[string]domain.UserAccount),
	}
}

// NewSeeded returns a store with one demo organization and its users, for
// dev/demo mode. Passwords come from SEED_*_PASSWORD with dev fallbacks.
func NewSeeded(logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := New()
	s.AddOrganization(domain.Organization{ID: DemoOrganizationID, Name: "Demo Store", CreatedAt: time.Now().UTC()})

	if os.Getenv("SEED_SUPERADMIN_PASSWORD") == "" || os.Getenv("SEED_ADMIN_PASSWORD") == "" || os.Getenv("SEED_CASHIER_PASSWORD") == "" {
		logger.Warn("memory store is using default dev credentials; set SEED_SUPERADMIN_PASSWORD, SEED_ADMIN_PASSWORD and SEED_CASHIER_PASSWORD to override")
	}
	for _, u := range []struct {
		username string
		password string
		role     string
		orgID    string
	}{
		{"superadmin", envOr("SEED_SUPERADMIN_PASSWORD", "superadmin123"), domain.RoleSuperAdmin, ""},
		{"admin", envOr("SEED_ADMIN_PASSWORD", "admin123"), domain.RoleAdmin, DemoOrganizationID},
		{"cashier", envOr("SEED_CASHIER_PASSWORD", "cashier123"), domain.RoleCashier, DemoOrganizationID},
	} {
		hash, err := bcrypt.GenerateFromPassword([]byte(u.password), bcrypt.DefaultCost)
		if err != nil {
			logger.Error("failed to hash seed password", zap.String("username", u.username), zap.Error(err))
			continue
		}
		s.users[u.username] = domain.UserAccount{
			ID:             uuid.NewString(),
			Username:       u.username,
			Password:       string(hash),
			Role:           u.role,
			OrganizationID: u.orgID,
			Active:         true,
			CreatedAt:      time.Now().UTC(),
		}
	}
	return s
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// AddOrganization registers an organization in the directory.
func (s *Store) AddOrganization(org domain.Organization) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if org.CreatedAt.IsZero() {
		org.CreatedAt = time.Now().UTC()
	}
	s.current.organizations[org.ID] = org
}

// AddProduct puts a catalog product in place, outside any sync transaction.
func (s *Store) AddProduct(product domain.Product) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now().UTC()
	if product.CreatedAt.IsZero() {
		product.CreatedAt = now
	}
	product.UpdatedAt = now
	s.current.products[product.ID] = product
}

func (s *Store) Begin(ctx context.Context) (store.Tx, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.txMu.Lock()

	s.mu.RLock()
	work := s.current.clone()
	s.mu.RUnlock()

	return &Tx{store: s, work: work}, nil
}

func (s *Store) GetOrganization(_ context.Context, id string) (*domain.Organization, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current.organization(id)
}

func (s *Store) ListTerminals(_ context.Context, organizationID string) ([]domain.Terminal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	terminals := make([]domain.Terminal, 0, 8)
	for _, t := range s.current.terminals {
		if t.OrganizationID == organizationID {
			terminals = append(terminals, t)
		}
	}
	slices.SortFunc(terminals, func(a, b domain.Terminal) int {
		return a.Number - b.Number
	})
	return terminals, nil
}

func (s *Store) GetProduct(_ context.Context, id string) (*domain.Product, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current.product(id)
}

func (s *Store) GetSale(_ context.Context, id string) (*domain.Sale, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sale, ok := s.current.sales[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	sale.Items = slices.Clone(sale.Items)
	return &sale, nil
}

func (s *Store) GetShift(_ context.Context, id string) (*domain.WorkShift, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current.shift(id)
}

func (s *Store) GetCustomer(_ context.Context, id string) (*domain.Customer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current.customer(id)
}

func (s *Store) ListStockMovements(_ context.Context, productID string) ([]domain.StockMovement, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	movements := make([]domain.StockMovement, 0, 16)
	for _, id := range s.current.movementOrder {
		m := s.current.movements[id]
		if m.ProductID == productID {
			movements = append(movements, m)
		}
	}
	return movements, nil
}

// SaleCount reports how many sales are persisted.
func (s *Store) SaleCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.current.sales)
}

func (s *Store) CreateUser(_ context.Context, user domain.UserAccount) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	username := strings.ToLower(strings.TrimSpace(user.Username))
	if username == "" || strings.TrimSpace(user.Password) == "" {
		return store.ErrInvalid
	}
	if _, exists := s.users[username]; exists {
		return store.ErrConflict
	}
	user.Username = username
	if user.ID == "" {
		user.ID = uuid.NewString()
	}
	if user.Role == "" {
		user.Role = domain.RoleCashier
	}
	if user.CreatedAt.IsZero() {
		user.CreatedAt = time.Now().UTC()
	}
	user.Active = true
	s.users[user.Username] = user
	return nil
}

func (s *Store) ListUsers(_ context.Context) ([]domain.UserAccount, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	users := slices.Collect(maps.Values(s.users))
	slices.SortFunc(users, func(a, b domain.UserAccount) int {
		return strings.Compare(a.Username, b.Username)
	})
	return users, nil
}

func (s *Store) UpdateUserPassword(_ context.Context, username string, password string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	username = strings.ToLower(strings.TrimSpace(username))
	if username == "" || strings.TrimSpace(password) == "" {
		return store.ErrInvalid
	}
	user, exists := s.users[username]
	if !exists {
		return store.ErrNotFound
	}
	user.Password = password
	s.users[username] = user
	return nil
}

func (st *state) organization(id string) (*domain.Organization, error) {
	org, ok := st.organizations[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &org, nil
}

func (st *state) product(id string) (*domain.Product, error) {
	p, ok := st.products[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &p, nil
}

func (st *state) customer(id string) (*domain.Customer, error) {
	c, ok := st.customers[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &c, nil
}

func (st *state) shift(id string) (*domain.WorkShift, error) {
	sh, ok := st.shifts[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	sh.CashTransactions = make([]domain.CashTransaction, 0, 4)
	for _, ct := range st.cashTransactions {
		if ct.ShiftID == id {
			sh.CashTransactions = append(sh.CashTransactions, ct)
		}
	}
	slices.SortFunc(sh.CashTransactions, func(a, b domain.CashTransaction) int {
		return a.Timestamp.Compare(b.Timestamp)
	})
	return &sh, nil
}
