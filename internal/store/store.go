package store

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"caixa/backend/internal/domain"
)

var (
	ErrNotFound  = errors.New("not found")
	ErrDuplicate = errors.New("already exists")
)

type Catalog interface {
	ListProducts(ctx context.Context) ([]domain.Product, error)
	ProductByID(ctx context.Context, id string) (*domain.Product, error)
	ProductByBarcode(ctx context.Context, barcode string) (*domain.Product, error)
	CreateProduct(ctx context.Context, product domain.Product) (*domain.Product, error)
}

// StockLedger appends movements and keeps Product.Stock as the
// materialized sum. Every method is atomic on its own.
type StockLedger interface {
	// ApplyDeduction appends one out movement per line, or none at all.
	// Stock is re-checked inside the atomic step; a shortfall returns a
	// *domain.StockError wrapping domain.ErrStockConflict.
	ApplyDeduction(ctx context.Context, lines []domain.SaleLine, reason string, reference string) ([]domain.StockMovement, error)
	ApplyReceipt(ctx context.Context, productID string, qty int, reason string, reference string) (*domain.StockMovement, error)
	// ApplyRestock appends one in movement per line, or none at all.
	ApplyRestock(ctx context.Context, lines []domain.SaleLine, reason string, reference string) ([]domain.StockMovement, error)
	// ApplyAdjustment records a positive delta as an adjustment and a
	// negative delta as an out movement.
	ApplyAdjustment(ctx context.Context, productID string, delta int, reason string) (*domain.StockMovement, error)
	Movements(ctx context.Context, productID string, limit int) ([]domain.StockMovement, error)
	// DerivedStock recomputes baseline plus the signed movement sum.
	DerivedStock(ctx context.Context, productID string) (int, error)
}

// SaleCommit is persisted together with its stock deduction. When
// QuoteID is set, the quote is flipped to converted in the same step and
// must be active and unexpired at Now.
type SaleCommit struct {
	Sale    domain.Sale
	QuoteID string
	Now     time.Time
}

type SaleStore interface {
	CommitSale(ctx context.Context, commit SaleCommit) (*domain.Sale, []domain.StockMovement, error)
	SaleByID(ctx context.Context, id string) (*domain.Sale, error)
	ListSales(ctx context.Context, status domain.PaymentStatus, method domain.PaymentMethod, limit int) ([]domain.Sale, error)
	// TransitionPayment moves status from -> to. It reports false, with the
	// current sale, when the stored status is not from.
	TransitionPayment(ctx context.Context, id string, from domain.PaymentStatus, to domain.PaymentStatus, at time.Time) (*domain.Sale, bool, error)
	// MarkFinalized sets the finalized flag once. It reports false when
	// the sale was already finalized.
	MarkFinalized(ctx context.Context, id string, amountPaid decimal.Decimal, change decimal.Decimal, at time.Time) (*domain.Sale, bool, error)
}

type QuoteStore interface {
	CreateQuote(ctx context.Context, quote domain.Quote) (*domain.Quote, error)
	QuoteByID(ctx context.Context, id string) (*domain.Quote, error)
	ListQuotes(ctx context.Context, status domain.QuoteStatus, limit int) ([]domain.Quote, error)
	TransitionQuote(ctx context.Context, id string, from domain.QuoteStatus, to domain.QuoteStatus) (*domain.Quote, bool, error)
}

type AuditStore interface {
	CreateAuditLog(ctx context.Context, entry domain.AuditLog) error
	ListAuditLogs(ctx context.Context, from time.Time, to time.Time, limit int) ([]domain.AuditLog, error)
}

type UserStore interface {
	CreateUser(ctx context.Context, user domain.UserAccount) error
	ListUsers(ctx context.Context) ([]domain.UserAccount, error)
	UpdateUserPassword(ctx context.Context, username string, password string) error
}

type Repository interface {
	Catalog
	StockLedger
	SaleStore
	QuoteStore
	AuditStore
	UserStore
}
