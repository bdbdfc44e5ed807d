package store

import (
	"context"
	"errors"
	"time"

	"github.com/Definitely-Not-Chris/oragon-kaha-sub001/internal/domain"
)

var (
	ErrNotFound = errors.New("not found")
	ErrConflict = errors.New("conflict")
	ErrInvalid  = errors.New("invalid record")
)

// Repository is the server-side persistent store. Writes that must commit
// together go through a Tx obtained from Begin.
type Repository interface {
	Begin(ctx context.Context) (Tx, error)

	GetOrganization(ctx context.Context, id string) (*domain.Organization, error)
	ListTerminals(ctx context.Context, organizationID string) ([]domain.Terminal, error)
	GetProduct(ctx context.Context, id string) (*domain.Product, error)
	GetSale(ctx context.Context, id string) (*domain.Sale, error)
	GetShift(ctx context.Context, id string) (*domain.WorkShift, error)
	GetCustomer(ctx context.Context, id string) (*domain.Customer, error)
	ListStockMovements(ctx context.Context, productID string) ([]domain.StockMovement, error)

	CreateUser(ctx context.Context, user domain.UserAccount) error
	ListUsers(ctx context.Context) ([]domain.UserAccount, error)
	UpdateUserPassword(ctx context.Context, username string, password string) error
}

// Tx is one unit of work. Nothing written through it is visible to other
// callers until Commit; Rollback after Commit is a no-op.
type Tx interface {
	Commit() error
	Rollback() error

	// Savepoint runs fn so that, when fn fails, only the writes fn made are
	// undone and the transaction stays usable.
	Savepoint(ctx context.Context, name string, fn func() error) error

	GetOrganization(ctx context.Context, id string) (*domain.Organization, error)
	// LockOrganization serializes terminal number allocation within an organization.
	LockOrganization(ctx context.Context, id string) error

	GetTerminal(ctx context.Context, id string) (*domain.Terminal, error)
	FindTerminalByDevice(ctx context.Context, organizationID string, deviceID string) (*domain.Terminal, error)
	CountTerminals(ctx context.Context, organizationID string) (int, error)
	CreateTerminal(ctx context.Context, terminal domain.Terminal) error
	TouchTerminal(ctx context.Context, id string, seenAt time.Time) error

	GetProduct(ctx context.Context, id string) (*domain.Product, error)
	// CreateProduct, CreateSale and CreateStockMovement report false when a
	// row with the same id already exists; the existing row is left as is.
	CreateProduct(ctx context.Context, product domain.Product) (bool, error)
	IncrementStock(ctx context.Context, productID string, delta int64) error

	SaleExists(ctx context.Context, id string) (bool, error)
	CreateSale(ctx context.Context, sale domain.Sale) (bool, error)

	GetCustomer(ctx context.Context, id string) (*domain.Customer, error)
	UpsertCustomer(ctx context.Context, customer domain.Customer) error

	GetShift(ctx context.Context, id string) (*domain.WorkShift, error)
	UpsertShift(ctx context.Context, shift domain.WorkShift) error
	InsertCashTransaction(ctx context.Context, ct domain.CashTransaction) (bool, error)

	StockMovementExists(ctx context.Context, id string) (bool, error)
	CreateStockMovement(ctx context.Context, movement domain.StockMovement) (bool, error)
}
