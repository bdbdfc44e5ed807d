// Package terminal is the point-of-sale side of synchronization: the local
// store every operation writes to first, the packet builder, the HTTP
// transport and the agent that flushes pending records to the server.
package terminal

import (
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/Definitely-Not-Chris/oragon-kaha-sub001/internal/domain"
)

var ErrNotFound = errors.New("record not found")

// Setting keys kept in local_settings.
const (
	SettingTerminalID        = "terminal_id"
	SettingTerminalName      = "terminal_name"
	SettingOrganizationID    = "organization_id"
	SettingTerminalConfirmed = "terminal_confirmed"
	SettingAccessToken       = "access_token"
	SettingInvoiceSequence   = "invoice_sequence"
	SettingLastSyncAt        = "last_sync_at"
)

// SyncRecord holds the columns every syncable table shares. Revision is
// bumped on each local mutation so an acknowledgement for an older copy
// cannot mark a newer one as synced.
type SyncRecord struct {
	ID           string `gorm:"primaryKey"`
	Payload      string
	Synced       bool `gorm:"index"`
	Revision     int64
	SyncAttempts int
	LastError    string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

type LocalSale struct {
	SyncRecord
	InvoiceNumber string `gorm:"uniqueIndex"`
	ShiftID       string `gorm:"index"`
}

type LocalCustomer struct {
	SyncRecord
}

type LocalShift struct {
	SyncRecord
	Status string `gorm:"index"`
}

type LocalStockMovement struct {
	SyncRecord
	ProductID string `gorm:"index"`
}

// LocalCashTransaction rows travel inside their shift's payload and have no
// sync state of their own.
type LocalCashTransaction struct {
	ID        string `gorm:"primaryKey"`
	ShiftID   string `gorm:"index"`
	Payload   string
	CreatedAt time.Time
}

type LocalSetting struct {
	Key       string `gorm:"primaryKey"`
	Value     string
	UpdatedAt time.Time
}

// Ref names one record inside a packet at the revision that was sent.
type Ref struct {
	Kind     string
	ID       string
	Revision int64
}

func tableFor(kind string) (string, error) {
	switch kind {
	case domain.EntityCustomer:
		return "local_customers", nil
	case domain.EntitySale:
		return "local_sales", nil
	case domain.EntityShift:
		return "local_shifts", nil
	case domain.EntityStockMovement:
		return "local_stock_movements", nil
	default:
		return "", fmt.Errorf("unknown record kind %q", kind)
	}
}

// syncKinds lists record kinds in the order the server applies them.
var syncKinds = []string{domain.EntityCustomer, domain.EntitySale, domain.EntityShift, domain.EntityStockMovement}

// LocalStore is the terminal's embedded SQLite database.
type LocalStore struct {
	db     *gorm.DB
	logger *zap.Logger
}

// OpenLocalStore opens (creating if needed) the database file at path and
// migrates the local tables.
func OpenLocalStore(path string, log *zap.Logger) (*LocalStore, error) {
	if log == nil {
		log = zap.NewNop()
	}
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
		NowFunc: func() time.Time {
			return time.Now().UTC()
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open local database: %w", err)
	}
	// SQLite allows one writer; a single connection keeps transactions from
	// tripping over each other with SQLITE_BUSY.
	if sqlDB, err := db.DB(); err == nil {
		sqlDB.SetMaxOpenConns(1)
	}

	if err := db.AutoMigrate(
		&LocalSale{},
		&LocalCustomer{},
		&LocalShift{},
		&LocalStockMovement{},
		&LocalCashTransaction{},
		&LocalSetting{},
	); err != nil {
		return nil, fmt.Errorf("failed to run local migrations: %w", err)
	}

	return &LocalStore{db: db, logger: log}, nil
}

func (s *LocalStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Transaction runs fn against a store bound to one SQLite transaction.
func (s *LocalStore) Transaction(fn func(tx *LocalStore) error) error {
	return s.db.Transaction(func(tx *gorm.DB) error {
		return fn(&LocalStore{db: tx, logger: s.logger})
	})
}

// save writes payload as a pending record, creating it at revision 1 or
// bumping the revision of the existing row.
func (s *LocalStore) save(kind string, id string, payload any, extra map[string]any) (int64, error) {
	table, err := tableFor(kind)
	if err != nil {
		return 0, err
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return 0, fmt.Errorf("encode %s %s: %w", kind, id, err)
	}

	var revision int64
	err = s.db.Transaction(func(tx *gorm.DB) error {
		var cur SyncRecord
		err := tx.Table(table).Select("id", "revision").Where("id = ?", id).Take(&cur).Error
		now := time.Now().UTC()
		switch {
		case errors.Is(err, gorm.ErrRecordNotFound):
			revision = 1
			row := map[string]any{
				"id":            id,
				"payload":       string(data),
				"synced":        false,
				"revision":      revision,
				"sync_attempts": 0,
				"last_error":    "",
				"created_at":    now,
				"updated_at":    now,
			}
			maps.Copy(row, extra)
			return tx.Table(table).Create(row).Error
		case err != nil:
			return err
		default:
			revision = cur.Revision + 1
			updates := map[string]any{
				"payload":    string(data),
				"synced":     false,
				"revision":   revision,
				"updated_at": now,
			}
			maps.Copy(updates, extra)
			return tx.Table(table).Where("id = ?", id).Updates(updates).Error
		}
	})
	return revision, err
}

func (s *LocalStore) SaveSale(sale domain.Sale) (int64, error) {
	return s.save(domain.EntitySale, sale.ID, sale, map[string]any{
		"invoice_number": sale.InvoiceNumber,
		"shift_id":       sale.ShiftID,
	})
}

func (s *LocalStore) SaveCustomer(customer domain.Customer) (int64, error) {
	return s.save(domain.EntityCustomer, customer.ID, customer, nil)
}

// SaveShift stores the shift without its cash transactions; those live in
// local_cash_transactions and are attached when a packet is built.
func (s *LocalStore) SaveShift(shift domain.WorkShift) (int64, error) {
	shift.CashTransactions = nil
	return s.save(domain.EntityShift, shift.ID, shift, map[string]any{"status": shift.Status})
}

func (s *LocalStore) SaveStockMovement(movement domain.StockMovement) (int64, error) {
	return s.save(domain.EntityStockMovement, movement.ID, movement, map[string]any{"product_id": movement.ProductID})
}

func (s *LocalStore) SaveCashTransaction(ct domain.CashTransaction) error {
	data, err := json.Marshal(ct)
	if err != nil {
		return err
	}
	return s.db.Create(&LocalCashTransaction{
		ID:        ct.ID,
		ShiftID:   ct.ShiftID,
		Payload:   string(data),
		CreatedAt: time.Now().UTC(),
	}).Error
}

// Pending returns up to limit unsynced records of kind. Records that were
// never sent come first, so rows the server keeps refusing cannot hold back
// newer ones; within the same attempt count the oldest come first.
func (s *LocalStore) Pending(kind string, limit int) ([]SyncRecord, error) {
	table, err := tableFor(kind)
	if err != nil {
		return nil, err
	}
	var rows []SyncRecord
	q := s.db.Table(table).Where("synced = ?", false).Order("sync_attempts ASC, created_at ASC, id ASC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Find(&rows).Error; err != nil {
		return nil, err
	}
	return rows, nil
}

// Record loads one syncable row regardless of its sync state.
func (s *LocalStore) Record(kind string, id string) (*SyncRecord, error) {
	table, err := tableFor(kind)
	if err != nil {
		return nil, err
	}
	var row SyncRecord
	if err := s.db.Table(table).Where("id = ?", id).Take(&row).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &row, nil
}

// MarkSynced flags each ref as synced if its row still has the revision
// that was sent. It returns how many rows were marked.
func (s *LocalStore) MarkSynced(refs []Ref) (int, error) {
	marked := 0
	err := s.db.Transaction(func(tx *gorm.DB) error {
		now := time.Now().UTC()
		for _, ref := range refs {
			table, err := tableFor(ref.Kind)
			if err != nil {
				return err
			}
			res := tx.Table(table).
				Where("id = ? AND revision = ?", ref.ID, ref.Revision).
				Updates(map[string]any{"synced": true, "last_error": "", "updated_at": now})
			if res.Error != nil {
				return res.Error
			}
			marked += int(res.RowsAffected)
		}
		return nil
	})
	return marked, err
}

// RecordFailure counts a failed attempt on each ref and keeps the message.
func (s *LocalStore) RecordFailure(refs []Ref, message string) error {
	return s.db.Transaction(func(tx *gorm.DB) error {
		for _, ref := range refs {
			table, err := tableFor(ref.Kind)
			if err != nil {
				return err
			}
			err = tx.Table(table).Where("id = ?", ref.ID).Updates(map[string]any{
				"sync_attempts": gorm.Expr("sync_attempts + 1"),
				"last_error":    message,
			}).Error
			if err != nil {
				return err
			}
		}
		return nil
	})
}

// PendingCounts returns the number of unsynced rows per record kind.
func (s *LocalStore) PendingCounts() (map[string]int64, error) {
	counts := make(map[string]int64, len(syncKinds))
	for _, kind := range syncKinds {
		table, _ := tableFor(kind)
		var n int64
		if err := s.db.Table(table).Where("synced = ?", false).Count(&n).Error; err != nil {
			return nil, err
		}
		counts[kind] = n
	}
	return counts, nil
}

func (s *LocalStore) Setting(key string) (string, bool, error) {
	var setting LocalSetting
	err := s.db.Where(&LocalSetting{Key: key}).Take(&setting).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return setting.Value, true, nil
}

func (s *LocalStore) SetSetting(key string, value string) error {
	return s.db.Save(&LocalSetting{Key: key, Value: value, UpdatedAt: time.Now().UTC()}).Error
}

// NextInvoiceNumber advances the local invoice sequence and returns it
// zero-padded to six digits.
func (s *LocalStore) NextInvoiceNumber() (string, error) {
	var number string
	err := s.Transaction(func(tx *LocalStore) error {
		raw, _, err := tx.Setting(SettingInvoiceSequence)
		if err != nil {
			return err
		}
		seq := 0
		if raw != "" {
			if seq, err = strconv.Atoi(raw); err != nil {
				return fmt.Errorf("corrupt invoice sequence %q: %w", raw, err)
			}
		}
		seq++
		if err := tx.SetSetting(SettingInvoiceSequence, strconv.Itoa(seq)); err != nil {
			return err
		}
		number = fmt.Sprintf("%06d", seq)
		return nil
	})
	return number, err
}

func (s *LocalStore) Sale(id string) (*domain.Sale, error) {
	row, err := s.Record(domain.EntitySale, id)
	if err != nil {
		return nil, err
	}
	var sale domain.Sale
	if err := json.Unmarshal([]byte(row.Payload), &sale); err != nil {
		return nil, err
	}
	return &sale, nil
}

// Shift loads a shift together with its cash transactions.
func (s *LocalStore) Shift(id string) (*domain.WorkShift, error) {
	row, err := s.Record(domain.EntityShift, id)
	if err != nil {
		return nil, err
	}
	return s.decodeShift(row.Payload)
}

// OpenShift returns the shift currently open on this terminal.
func (s *LocalStore) OpenShift() (*domain.WorkShift, error) {
	var row LocalShift
	err := s.db.Where("status = ?", domain.ShiftOpen).Order("created_at DESC").Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return s.decodeShift(row.Payload)
}

func (s *LocalStore) decodeShift(payload string) (*domain.WorkShift, error) {
	var shift domain.WorkShift
	if err := json.Unmarshal([]byte(payload), &shift); err != nil {
		return nil, err
	}
	cts, err := s.CashTransactions(shift.ID)
	if err != nil {
		return nil, err
	}
	shift.CashTransactions = cts
	return &shift, nil
}

func (s *LocalStore) CashTransactions(shiftID string) ([]domain.CashTransaction, error) {
	var rows []LocalCashTransaction
	if err := s.db.Where("shift_id = ?", shiftID).Order("created_at ASC, id ASC").Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]domain.CashTransaction, 0, len(rows))
	for _, row := range rows {
		var ct domain.CashTransaction
		if err := json.Unmarshal([]byte(row.Payload), &ct); err != nil {
			return nil, fmt.Errorf("cash transaction %s: %w", row.ID, err)
		}
		out = append(out, ct)
	}
	return out, nil
}

// CashSales sums the totals of completed cash sales rung up during a shift.
func (s *LocalStore) CashSales(shiftID string) (decimal.Decimal, error) {
	var rows []LocalSale
	if err := s.db.Where("shift_id = ?", shiftID).Find(&rows).Error; err != nil {
		return decimal.Zero, err
	}
	total := decimal.Zero
	for _, row := range rows {
		var sale domain.Sale
		if err := json.Unmarshal([]byte(row.Payload), &sale); err != nil {
			return decimal.Zero, fmt.Errorf("sale %s: %w", row.ID, err)
		}
		if sale.PaymentMethod == domain.PaymentCash && sale.Status == domain.SaleStatusCompleted {
			total = total.Add(sale.TotalAmount)
		}
	}
	return total, nil
}
