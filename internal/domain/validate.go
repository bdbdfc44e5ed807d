package domain

import (
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/shopspring/decimal"
)

// DefaultMaxPacketEntities bounds how many records one packet may carry.
const DefaultMaxPacketEntities = 500

// MoneyScale is the number of decimal places stored for money amounts.
const MoneyScale = 2

// IsMoney reports whether d fits the stored money scale without rounding.
func IsMoney(d decimal.Decimal) bool {
	return d.Equal(d.Round(MoneyScale))
}

// firstNonMoney returns the name of the first amount with too many decimals.
func firstNonMoney(amounts map[string]decimal.Decimal) (string, bool) {
	for _, name := range sortedKeys(amounts) {
		if !IsMoney(amounts[name]) {
			return name, true
		}
	}
	return "", false
}

var ErrInvalidPacket = errors.New("invalid packet")

// ValidationError names the record that made a packet or shift unusable.
type ValidationError struct {
	EntityType string
	EntityID   string
	Message    string
}

func (e *ValidationError) Error() string {
	if e.EntityID == "" {
		return fmt.Sprintf("%s: %s", e.EntityType, e.Message)
	}
	return fmt.Sprintf("%s %s: %s", e.EntityType, e.EntityID, e.Message)
}

func (e *ValidationError) Unwrap() error {
	return ErrInvalidPacket
}

func invalid(entityType string, entityID string, format string, args ...any) error {
	return &ValidationError{EntityType: entityType, EntityID: entityID, Message: fmt.Sprintf(format, args...)}
}

// ValidatePacket checks the envelope and every sale, customer and stock
// movement. Shifts are checked per record by the reconciler instead.
func ValidatePacket(p SyncPacket, maxEntities int) error {
	if maxEntities < 1 {
		maxEntities = DefaultMaxPacketEntities
	}
	if strings.TrimSpace(p.ID) == "" {
		return invalid(EntityPacket, "", "packet id is required")
	}
	if strings.TrimSpace(p.TerminalID) == "" {
		return invalid(EntityPacket, p.ID, "terminal id is required")
	}
	if n := p.EntityCount(); n > maxEntities {
		return invalid(EntityPacket, p.ID, "packet carries %d records, limit is %d", n, maxEntities)
	}

	seen := make(map[string]struct{}, len(p.Customers))
	for _, c := range p.Customers {
		if err := c.Validate(); err != nil {
			return err
		}
		if _, dup := seen[c.ID]; dup {
			return invalid(EntityCustomer, c.ID, "duplicate id in packet")
		}
		seen[c.ID] = struct{}{}
	}

	seen = make(map[string]struct{}, len(p.Sales))
	for _, s := range p.Sales {
		if err := s.Validate(); err != nil {
			return err
		}
		if _, dup := seen[s.ID]; dup {
			return invalid(EntitySale, s.ID, "duplicate id in packet")
		}
		seen[s.ID] = struct{}{}
	}

	seen = make(map[string]struct{}, len(p.StockMovements))
	for _, m := range p.StockMovements {
		if err := m.Validate(); err != nil {
			return err
		}
		if _, dup := seen[m.ID]; dup {
			return invalid(EntityStockMovement, m.ID, "duplicate id in packet")
		}
		seen[m.ID] = struct{}{}
	}
	return nil
}

func (c Customer) Validate() error {
	if strings.TrimSpace(c.ID) == "" {
		return invalid(EntityCustomer, "", "id is required")
	}
	if strings.TrimSpace(c.Name) == "" {
		return invalid(EntityCustomer, c.ID, "name is required")
	}
	switch c.Type {
	case CustomerRegular, CustomerSenior, CustomerPWD:
	default:
		return invalid(EntityCustomer, c.ID, "unknown customer type %q", c.Type)
	}
	if !IsMoney(c.TotalSpent) {
		return invalid(EntityCustomer, c.ID, "total spent has more than %d decimal places", MoneyScale)
	}
	return nil
}

func (s Sale) Validate() error {
	if strings.TrimSpace(s.ID) == "" {
		return invalid(EntitySale, "", "id is required")
	}
	if len(s.Items) == 0 {
		return invalid(EntitySale, s.ID, "sale has no items")
	}
	switch s.Status {
	case SaleStatusCompleted, SaleStatusVoided, SaleStatusRefunded, SaleStatusPartiallyRefunded:
	default:
		return invalid(EntitySale, s.ID, "unknown sale status %q", s.Status)
	}
	if strings.TrimSpace(s.PaymentMethod) == "" {
		return invalid(EntitySale, s.ID, "payment method is required")
	}
	if s.Timestamp.IsZero() {
		return invalid(EntitySale, s.ID, "timestamp is required")
	}
	for i, item := range s.Items {
		if strings.TrimSpace(item.ProductID) == "" {
			return invalid(EntitySale, s.ID, "item %d has no product id", i)
		}
		if item.Quantity == 0 {
			return invalid(EntitySale, s.ID, "item %d has zero quantity", i)
		}
		if item.PriceAtSale.IsNegative() {
			return invalid(EntitySale, s.ID, "item %d has a negative price", i)
		}
		if !IsMoney(item.PriceAtSale) {
			return invalid(EntitySale, s.ID, "item %d price has more than %d decimal places", i, MoneyScale)
		}
	}
	if name, bad := firstNonMoney(map[string]decimal.Decimal{
		"subtotal":       s.Subtotal,
		"tax":            s.Tax,
		"discount":       s.Discount,
		"service charge": s.ServiceCharge,
		"total amount":   s.TotalAmount,
	}); bad {
		return invalid(EntitySale, s.ID, "%s has more than %d decimal places", name, MoneyScale)
	}
	return nil
}

func (m StockMovement) Validate() error {
	if strings.TrimSpace(m.ID) == "" {
		return invalid(EntityStockMovement, "", "id is required")
	}
	if strings.TrimSpace(m.ProductID) == "" {
		return invalid(EntityStockMovement, m.ID, "product id is required")
	}
	if m.QuantityChange == 0 {
		return invalid(EntityStockMovement, m.ID, "quantity change must not be zero")
	}
	switch m.Type {
	case MovementPurchase, MovementSale, MovementAdjustment, MovementReturn:
	default:
		return invalid(EntityStockMovement, m.ID, "unknown movement type %q", m.Type)
	}
	return nil
}

// Validate reports a malformed shift. It never panics on partially decoded input.
func (w WorkShift) Validate() error {
	if strings.TrimSpace(w.ID) == "" {
		return invalid(EntityShift, "", "id is required")
	}
	switch w.Status {
	case ShiftOpen, ShiftClosed:
	default:
		return invalid(EntityShift, w.ID, "unknown shift status %q", w.Status)
	}
	if w.StartTime.IsZero() {
		return invalid(EntityShift, w.ID, "start time is required")
	}
	if w.OpeningFloat.IsNegative() {
		return invalid(EntityShift, w.ID, "opening float must not be negative")
	}
	amounts := map[string]decimal.Decimal{
		"opening float": w.OpeningFloat,
		"expected cash": w.ExpectedCash,
	}
	if w.ActualCash != nil {
		amounts["actual cash"] = *w.ActualCash
	}
	if w.Variance != nil {
		amounts["variance"] = *w.Variance
	}
	if name, bad := firstNonMoney(amounts); bad {
		return invalid(EntityShift, w.ID, "%s has more than %d decimal places", name, MoneyScale)
	}
	if w.Status == ShiftClosed && w.EndTime == nil {
		return invalid(EntityShift, w.ID, "closed shift has no end time")
	}
	for _, ct := range w.CashTransactions {
		if err := ct.Validate(); err != nil {
			return invalid(EntityShift, w.ID, "cash transaction %s: %v", ct.ID, err)
		}
		if ct.ShiftID != "" && ct.ShiftID != w.ID {
			return invalid(EntityShift, w.ID, "cash transaction %s belongs to shift %s", ct.ID, ct.ShiftID)
		}
	}
	return nil
}

func (c CashTransaction) Validate() error {
	if strings.TrimSpace(c.ID) == "" {
		return errors.New("id is required")
	}
	switch c.Type {
	case CashPayIn, CashPayOut, CashDrop:
	default:
		return fmt.Errorf("unknown cash transaction type %q", c.Type)
	}
	if !c.Amount.GreaterThan(decimal.Zero) {
		return errors.New("amount must be positive")
	}
	if !IsMoney(c.Amount) {
		return fmt.Errorf("amount has more than %d decimal places", MoneyScale)
	}
	return nil
}

func sortedKeys(m map[string]decimal.Decimal) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}
