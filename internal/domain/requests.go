package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

type LoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type LoginResponse struct {
	AccessToken string `json:"access_token"`
	Role        string `json:"role"`
	ExpiresAt   string `json:"expires_at"`
}

type ProductCreateRequest struct {
	Name         string          `json:"name"`
	Description  string          `json:"description"`
	Price        decimal.Decimal `json:"price"`
	Cost         decimal.Decimal `json:"cost"`
	InitialStock int             `json:"initial_stock"`
	MinStock     int             `json:"min_stock"`
	Category     string          `json:"category"`
	Brand        string          `json:"brand"`
	Unit         string          `json:"unit"`
	Barcode      string          `json:"barcode"`
	ExpiryDate   *time.Time      `json:"expiry_date,omitempty"`
}

type CartItemRequest struct {
	ProductID string `json:"product_id"`
	Barcode   string `json:"barcode"`
	Quantity  int    `json:"quantity"`
}

type CartQuantityRequest struct {
	Quantity int `json:"quantity"`
}

type CartLineDiscountRequest struct {
	Discount decimal.Decimal `json:"discount"`
}

type CartView struct {
	ID       string          `json:"id"`
	Lines    []SaleLine      `json:"lines"`
	Subtotal decimal.Decimal `json:"subtotal"`
}

type CheckoutRequest struct {
	PaymentMethod PaymentMethod    `json:"payment_method"`
	Discount      decimal.Decimal  `json:"discount"`
	Customer      CustomerInfo     `json:"customer"`
	Delivery      DeliveryInfo     `json:"delivery"`
	AmountPaid    *decimal.Decimal `json:"amount_paid,omitempty"`
}

type CheckoutResponse struct {
	Sale     *Sale           `json:"sale"`
	Finalize *FinalizeResult `json:"finalize,omitempty"`
	// SideEffectError is set when the sale settled but a device failed.
	SideEffectError string `json:"side_effect_error,omitempty"`
}

type FinalizeRequest struct {
	AmountPaid *decimal.Decimal `json:"amount_paid,omitempty"`
}

type FinalizeResult struct {
	SaleID           string          `json:"sale_id"`
	Change           decimal.Decimal `json:"change"`
	AlreadyFinalized bool            `json:"already_finalized"`
	Printed          bool            `json:"printed"`
	DrawerOpened     bool            `json:"drawer_opened"`
}

type QuoteCreateRequest struct {
	Discount     decimal.Decimal `json:"discount"`
	Customer     CustomerInfo    `json:"customer"`
	Notes        string          `json:"notes"`
	ValidityDays int             `json:"validity_days"`
}

type StockReceiptRequest struct {
	ProductID string `json:"product_id"`
	Quantity  int    `json:"quantity"`
	Reason    string `json:"reason"`
	Reference string `json:"reference"`
}

type StockAdjustmentRequest struct {
	ProductID string `json:"product_id"`
	Delta     int    `json:"delta"`
	Reason    string `json:"reason"`
}
