package domain

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

const (
	RoleSuperAdmin = "super_admin"
	RoleAdmin      = "admin"
	RoleCashier    = "cashier"
)

const (
	DefaultProductCategory = "Uncategorized"
	DefaultProductType     = "RETAIL"
)

const (
	SaleStatusCompleted         = "COMPLETED"
	SaleStatusVoided            = "VOIDED"
	SaleStatusRefunded          = "REFUNDED"
	SaleStatusPartiallyRefunded = "PARTIALLY_REFUNDED"
)

const (
	PaymentCash = "CASH"
	PaymentCard = "CARD"
)

const (
	ShiftOpen   = "OPEN"
	ShiftClosed = "CLOSED"
)

const (
	CashPayIn  = "PAY_IN"
	CashPayOut = "PAY_OUT"
	CashDrop   = "DROP"
)

const (
	MovementPurchase   = "PURCHASE"
	MovementSale       = "SALE"
	MovementAdjustment = "ADJUSTMENT"
	MovementReturn     = "RETURN"
)

const (
	CustomerRegular = "REGULAR"
	CustomerSenior  = "SENIOR"
	CustomerPWD     = "PWD"
)

type Organization struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
}

type Terminal struct {
	ID             string     `json:"id"`
	OrganizationID string     `json:"organization_id"`
	Number         int        `json:"terminal_number"`
	Name           string     `json:"name"`
	DeviceID       string     `json:"device_id,omitempty"`
	LastSeenAt     *time.Time `json:"last_seen_at,omitempty"`
	RecoveredAt    *time.Time `json:"recovered_at,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
}

// DefaultTerminalName is the display name a terminal gets when none is supplied.
func DefaultTerminalName(number int) string {
	return fmt.Sprintf("Terminal #%d", number)
}

type Product struct {
	ID             string          `json:"id"`
	OrganizationID string          `json:"organization_id"`
	Name           string          `json:"name"`
	Price          decimal.Decimal `json:"price"`
	Category       string          `json:"category"`
	Type           string          `json:"type"`
	StockLevel     int64           `json:"stock_level"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

type Sale struct {
	ID                string          `json:"id"`
	InvoiceNumber     string          `json:"invoice_number"`
	Items             []SaleItem      `json:"items"`
	Subtotal          decimal.Decimal `json:"subtotal"`
	Tax               decimal.Decimal `json:"tax"`
	Discount          decimal.Decimal `json:"discount"`
	ServiceCharge     decimal.Decimal `json:"service_charge"`
	TotalAmount       decimal.Decimal `json:"total_amount"`
	PaymentMethod     string          `json:"payment_method"`
	Status            string          `json:"status"`
	Timestamp         time.Time       `json:"timestamp"`
	TerminalID        string          `json:"terminal_id,omitempty"`
	OrganizationID    string          `json:"organization_id,omitempty"`
	CustomerID        string          `json:"customer_id,omitempty"`
	ShiftID           string          `json:"shift_id,omitempty"`
	DiscountType      string          `json:"discount_type,omitempty"`
	DiscountReference string          `json:"discount_reference,omitempty"`
}

type SaleItem struct {
	ID          string          `json:"id,omitempty"`
	SaleID      string          `json:"sale_id,omitempty"`
	ProductID   string          `json:"product_id"`
	Quantity    int64           `json:"quantity"`
	PriceAtSale decimal.Decimal `json:"price_at_sale"`
	Name        string          `json:"name"`
	Category    string          `json:"category,omitempty"`
	ProductType string          `json:"product_type,omitempty"`
}

// ComputedTotal is subtotal + tax + service charge - discount.
func (s Sale) ComputedTotal() decimal.Decimal {
	return s.Subtotal.Add(s.Tax).Add(s.ServiceCharge).Sub(s.Discount)
}

// ItemsSubtotal sums quantity x unit price over all line items.
func (s Sale) ItemsSubtotal() decimal.Decimal {
	total := decimal.Zero
	for _, item := range s.Items {
		total = total.Add(item.PriceAtSale.Mul(decimal.NewFromInt(item.Quantity)))
	}
	return total
}

type WorkShift struct {
	ID               string            `json:"id"`
	TerminalID       string            `json:"terminal_id,omitempty"`
	OrganizationID   string            `json:"organization_id,omitempty"`
	Status           string            `json:"status"`
	StartTime        time.Time         `json:"start_time"`
	EndTime          *time.Time        `json:"end_time,omitempty"`
	OpeningFloat     decimal.Decimal   `json:"opening_float"`
	ExpectedCash     decimal.Decimal   `json:"expected_cash"`
	ActualCash       *decimal.Decimal  `json:"actual_cash,omitempty"`
	Variance         *decimal.Decimal  `json:"variance,omitempty"`
	Notes            string            `json:"notes,omitempty"`
	OpenedBy         string            `json:"opened_by,omitempty"`
	ClosedBy         string            `json:"closed_by,omitempty"`
	CashTransactions []CashTransaction `json:"cash_transactions,omitempty"`
	UpdatedAt        time.Time         `json:"updated_at"`
}

type CashTransaction struct {
	ID          string          `json:"id"`
	ShiftID     string          `json:"shift_id"`
	Type        string          `json:"type"`
	Amount      decimal.Decimal `json:"amount"`
	Reason      string          `json:"reason,omitempty"`
	Timestamp   time.Time       `json:"timestamp"`
	PerformedBy string          `json:"performed_by,omitempty"`
}

// Signed returns the amount as it affects the drawer: positive for pay-ins,
// negative for pay-outs and drops.
func (c CashTransaction) Signed() decimal.Decimal {
	if c.Type == CashPayIn {
		return c.Amount
	}
	return c.Amount.Neg()
}

type StockMovement struct {
	ID             string    `json:"id"`
	ProductID      string    `json:"product_id"`
	Type           string    `json:"type"`
	QuantityChange int64     `json:"quantity_change"`
	Reason         string    `json:"reason,omitempty"`
	Timestamp      time.Time `json:"timestamp"`
	ReferenceID    string    `json:"reference_id,omitempty"`
	OrganizationID string    `json:"organization_id,omitempty"`
	TerminalID     string    `json:"terminal_id,omitempty"`
}

type Customer struct {
	ID             string          `json:"id"`
	OrganizationID string          `json:"organization_id,omitempty"`
	Name           string          `json:"name"`
	Type           string          `json:"type"`
	Email          string          `json:"email,omitempty"`
	Phone          string          `json:"phone,omitempty"`
	Address        string          `json:"address,omitempty"`
	TotalSpent     decimal.Decimal `json:"total_spent"`
	LastVisit      *time.Time      `json:"last_visit,omitempty"`
	Birthdate      string          `json:"birthdate,omitempty"`
	TIN            string          `json:"tin,omitempty"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

// ShiftPayload carries one shift of a packet. A shift whose JSON does not
// decode keeps the raw bytes and the decode error instead of failing the
// whole packet, so the reconciler can skip just that record.
type ShiftPayload struct {
	Shift       WorkShift
	Raw         json.RawMessage
	DecodeError string
}

func (p *ShiftPayload) UnmarshalJSON(data []byte) error {
	p.Raw = append(p.Raw[:0], data...)
	var shift WorkShift
	if err := json.Unmarshal(data, &shift); err != nil {
		p.DecodeError = err.Error()
		var probe struct {
			ID string `json:"id"`
		}
		if json.Unmarshal(data, &probe) == nil {
			p.Shift.ID = probe.ID
		}
		return nil
	}
	p.Shift = shift
	p.DecodeError = ""
	return nil
}

func (p ShiftPayload) MarshalJSON() ([]byte, error) {
	if p.DecodeError != "" && len(p.Raw) > 0 {
		return p.Raw, nil
	}
	return json.Marshal(p.Shift)
}

type SyncPacket struct {
	ID             string          `json:"id"`
	TerminalID     string          `json:"terminal_id"`
	TerminalName   string          `json:"terminal_name,omitempty"`
	OrganizationID string          `json:"organization_id,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
	Sales          []Sale          `json:"sales,omitempty"`
	Customers      []Customer      `json:"customers,omitempty"`
	Shifts         []ShiftPayload  `json:"shifts,omitempty"`
	StockMovements []StockMovement `json:"stock_movements,omitempty"`
}

// EntityCount is the number of records carried by the packet.
func (p SyncPacket) EntityCount() int {
	return len(p.Sales) + len(p.Customers) + len(p.Shifts) + len(p.StockMovements)
}

type SyncStatus string

const (
	SyncSuccess SyncStatus = "SUCCESS"
	SyncPartial SyncStatus = "PARTIAL"
	SyncFailed  SyncStatus = "FAILED"
)

const (
	EntityPacket          = "Packet"
	EntityTerminal        = "Terminal"
	EntityCustomer        = "Customer"
	EntitySale            = "Sale"
	EntityShift           = "Shift"
	EntityCashTransaction = "CashTransaction"
	EntityStockMovement   = "StockMovement"
)

// MsgTerminalNotRecognized is the ack message telling a terminal that the
// server has no record of it and could not recreate one.
const MsgTerminalNotRecognized = "Terminal not recognized"

type SyncError struct {
	EntityType string `json:"entity_type"`
	EntityID   string `json:"entity_id,omitempty"`
	Message    string `json:"message"`
}

type SyncAck struct {
	PacketID    string      `json:"packet_id"`
	Status      SyncStatus  `json:"status"`
	ProcessedAt time.Time   `json:"processed_at"`
	Errors      []SyncError `json:"errors,omitempty"`
}

type TerminalRegisterRequest struct {
	OrganizationID string `json:"organization_id"`
	DeviceID       string `json:"device_id,omitempty"`
}

type TerminalRegisterResponse struct {
	TerminalID     string `json:"terminal_id"`
	TerminalNumber int    `json:"terminal_number"`
	Name           string `json:"name"`
}

type TerminalListResponse struct {
	Terminals []Terminal `json:"terminals"`
}

type SyncLogResponse struct {
	Lines []string `json:"lines"`
}

type LoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type LoginResponse struct {
	AccessToken    string `json:"access_token"`
	Role           string `json:"role"`
	OrganizationID string `json:"organization_id,omitempty"`
	ExpiresAt      string `json:"expires_at"`
}

type Actor struct {
	UserID         string
	Username       string
	Role           string
	OrganizationID string
}

// IsSuperAdmin reports whether the actor operates across organizations.
func (a Actor) IsSuperAdmin() bool {
	return a.Role == RoleSuperAdmin
}

// UserAccount is an internal persistence model for auth credentials.
type UserAccount struct {
	ID             string
	Username       string
	Password       string
	Role           string
	OrganizationID string
	Active         bool
	CreatedAt      time.Time
}
