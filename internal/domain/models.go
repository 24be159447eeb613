package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

type PaymentMethod string

const (
	PaymentCash   PaymentMethod = "cash"
	PaymentCard   PaymentMethod = "card"
	PaymentPix    PaymentMethod = "pix"
	PaymentCredit PaymentMethod = "credit"
)

func (m PaymentMethod) Valid() bool {
	switch m {
	case PaymentCash, PaymentCard, PaymentPix, PaymentCredit:
		return true
	}
	return false
}

// Immediate reports whether the method settles at commit time.
func (m PaymentMethod) Immediate() bool {
	return m != PaymentPix
}

type PaymentStatus string

const (
	PaymentPending   PaymentStatus = "pending"
	PaymentPaid      PaymentStatus = "paid"
	PaymentCancelled PaymentStatus = "cancelled"
)

// CanTransition enforces the forward-only payment lifecycle:
// pending may become paid or cancelled, nothing else moves.
func (s PaymentStatus) CanTransition(to PaymentStatus) bool {
	return s == PaymentPending && (to == PaymentPaid || to == PaymentCancelled)
}

type MovementKind string

const (
	MovementIn         MovementKind = "in"
	MovementOut        MovementKind = "out"
	MovementAdjustment MovementKind = "adjustment"
)

type QuoteStatus string

const (
	QuoteActive    QuoteStatus = "active"
	QuoteExpired   QuoteStatus = "expired"
	QuoteConverted QuoteStatus = "converted"
	QuoteCancelled QuoteStatus = "cancelled"
)

type Product struct {
	ID            string          `json:"id"`
	Name          string          `json:"name"`
	Description   string          `json:"description,omitempty"`
	Price         decimal.Decimal `json:"price"`
	Cost          decimal.Decimal `json:"cost"`
	Stock         int             `json:"stock"`
	BaselineStock int             `json:"baseline_stock"`
	MinStock      int             `json:"min_stock"`
	Category      string          `json:"category"`
	Brand         string          `json:"brand,omitempty"`
	Unit          string          `json:"unit,omitempty"`
	Barcode       string          `json:"barcode,omitempty"`
	ExpiryDate    *time.Time      `json:"expiry_date,omitempty"`
	Active        bool            `json:"active"`
	CreatedAt     time.Time       `json:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at"`
}

func (p Product) LowStock() bool {
	return p.Active && p.Stock <= p.MinStock
}

// ExpiresWithin reports whether the product has an expiry date on or
// before now+window.
func (p Product) ExpiresWithin(now time.Time, window time.Duration) bool {
	if p.ExpiryDate == nil {
		return false
	}
	return !p.ExpiryDate.After(now.Add(window))
}

type SaleLine struct {
	ProductID    string          `json:"product_id"`
	ProductName  string          `json:"product_name"`
	Quantity     int             `json:"quantity"`
	UnitPrice    decimal.Decimal `json:"unit_price"`
	LineDiscount decimal.Decimal `json:"line_discount"`
	LineTotal    decimal.Decimal `json:"line_total"`
}

type CustomerInfo struct {
	Name    string `json:"customer_name,omitempty"`
	Phone   string `json:"customer_phone,omitempty"`
	Email   string `json:"customer_email,omitempty"`
	Address string `json:"customer_address,omitempty"`
}

type DeliveryInfo struct {
	IsDelivery  bool            `json:"is_delivery"`
	DeliveryFee decimal.Decimal `json:"delivery_fee"`
}

type Sale struct {
	ID            string          `json:"id"`
	Lines         []SaleLine      `json:"lines"`
	Subtotal      decimal.Decimal `json:"subtotal"`
	Discount      decimal.Decimal `json:"discount"`
	IsDelivery    bool            `json:"is_delivery"`
	DeliveryFee   decimal.Decimal `json:"delivery_fee"`
	Total         decimal.Decimal `json:"total"`
	PaymentMethod PaymentMethod   `json:"payment_method"`
	PaymentStatus PaymentStatus   `json:"payment_status"`
	AmountPaid    decimal.Decimal `json:"amount_paid"`
	Change        decimal.Decimal `json:"change"`
	ChargeID      string          `json:"charge_id,omitempty"`
	PixQRCode     string          `json:"pix_qr_code,omitempty"`
	PixExpiresAt  *time.Time      `json:"pix_expires_at,omitempty"`
	Customer      CustomerInfo    `json:"customer"`
	QuoteID       string          `json:"quote_id,omitempty"`
	UserName      string          `json:"user_name,omitempty"`
	Finalized     bool            `json:"finalized"`
	CreatedAt     time.Time       `json:"created_at"`
	CompletedAt   *time.Time      `json:"completed_at,omitempty"`
	FinalizedAt   *time.Time      `json:"finalized_at,omitempty"`
}

type StockMovement struct {
	ID        string       `json:"id"`
	ProductID string       `json:"product_id"`
	Kind      MovementKind `json:"kind"`
	Quantity  int          `json:"quantity"`
	Reason    string       `json:"reason"`
	Reference string       `json:"reference,omitempty"`
	CreatedAt time.Time    `json:"created_at"`
}

// Signed returns the movement's effect on stock.
func (m StockMovement) Signed() int {
	if m.Kind == MovementOut {
		return -m.Quantity
	}
	return m.Quantity
}

type Quote struct {
	ID              string          `json:"id"`
	Lines           []SaleLine      `json:"lines"`
	Subtotal        decimal.Decimal `json:"subtotal"`
	Discount        decimal.Decimal `json:"discount"`
	Total           decimal.Decimal `json:"total"`
	Customer        CustomerInfo    `json:"customer"`
	Notes           string          `json:"notes,omitempty"`
	ValidUntil      time.Time       `json:"valid_until"`
	Status          QuoteStatus     `json:"status"`
	ConvertedSaleID string          `json:"converted_sale_id,omitempty"`
	UserName        string          `json:"user_name,omitempty"`
	CreatedAt       time.Time       `json:"created_at"`
}

// Convertible reports whether the quote may still become a sale at now.
func (q Quote) Convertible(now time.Time) bool {
	return q.Status == QuoteActive && now.Before(q.ValidUntil)
}

type Actor struct {
	Username string
	Role     Role
}

type UserAccount struct {
	Username  string
	Password  string
	Role      string
	Active    bool
	CreatedAt time.Time
}

type AuditLog struct {
	ID            string    `json:"id"`
	ActorUsername string    `json:"actor_username"`
	ActorRole     string    `json:"actor_role"`
	Action        string    `json:"action"`
	EntityType    string    `json:"entity_type"`
	EntityID      string    `json:"entity_id"`
	Detail        string    `json:"detail"`
	CreatedAt     time.Time `json:"created_at"`
}
