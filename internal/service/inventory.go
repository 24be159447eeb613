package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"caixa/backend/internal/domain"
	"caixa/backend/internal/store"
	"caixa/backend/internal/xid"
)

// Inventory covers catalog reads and manual stock movements.
type Inventory struct {
	repo store.Repository
	now  func() time.Time
}

func NewInventory(repo store.Repository) *Inventory {
	return &Inventory{repo: repo, now: func() time.Time { return time.Now().UTC() }}
}

func (i *Inventory) ListProducts(ctx context.Context) ([]domain.Product, error) {
	if err := requireRole(ctx, domain.RoleCashier); err != nil {
		return nil, err
	}
	return i.repo.ListProducts(ctx)
}

func (i *Inventory) ProductByID(ctx context.Context, id string) (*domain.Product, error) {
	if err := requireRole(ctx, domain.RoleCashier); err != nil {
		return nil, err
	}
	return i.repo.ProductByID(ctx, strings.TrimSpace(id))
}

func (i *Inventory) ProductByBarcode(ctx context.Context, barcode string) (*domain.Product, error) {
	if err := requireRole(ctx, domain.RoleCashier); err != nil {
		return nil, err
	}
	return i.repo.ProductByBarcode(ctx, strings.TrimSpace(barcode))
}

// CreateProduct registers a product. Its initial stock becomes the
// ledger baseline, so no movement is written for it.
func (i *Inventory) CreateProduct(ctx context.Context, req domain.ProductCreateRequest) (*domain.Product, error) {
	if err := requireRole(ctx, domain.RoleSeller); err != nil {
		return nil, err
	}
	name := strings.TrimSpace(req.Name)
	switch {
	case name == "":
		return nil, fmt.Errorf("%w: product name is required", domain.ErrInvalidInput)
	case req.Price.IsNegative() || req.Cost.IsNegative():
		return nil, fmt.Errorf("%w: price and cost must not be negative", domain.ErrInvalidInput)
	case req.InitialStock < 0 || req.MinStock < 0:
		return nil, fmt.Errorf("%w: stock values must not be negative", domain.ErrInvalidInput)
	}
	unit := strings.TrimSpace(req.Unit)
	if unit == "" {
		unit = "un"
	}

	product, err := i.repo.CreateProduct(ctx, domain.Product{
		ID:          xid.New("prod"),
		Name:        name,
		Description: strings.TrimSpace(req.Description),
		Price:       req.Price,
		Cost:        req.Cost,
		Stock:       req.InitialStock,
		MinStock:    req.MinStock,
		Category:    strings.TrimSpace(req.Category),
		Brand:       strings.TrimSpace(req.Brand),
		Unit:        unit,
		Barcode:     strings.TrimSpace(req.Barcode),
		ExpiryDate:  req.ExpiryDate,
		Active:      true,
	})
	if err != nil {
		return nil, err
	}
	logAudit(ctx, i.repo, "product_create", "product", product.ID,
		fmt.Sprintf("name=%s,price=%s,stock=%d", product.Name, product.Price.StringFixed(2), product.Stock))
	return product, nil
}

func (i *Inventory) Receive(ctx context.Context, req domain.StockReceiptRequest) (*domain.StockMovement, error) {
	if err := requireRole(ctx, domain.RoleSeller); err != nil {
		return nil, err
	}
	reason := strings.TrimSpace(req.Reason)
	if reason == "" {
		reason = "receipt"
	}
	movement, err := i.repo.ApplyReceipt(ctx, req.ProductID, req.Quantity, reason, strings.TrimSpace(req.Reference))
	if err != nil {
		return nil, err
	}
	logAudit(ctx, i.repo, "stock_receipt", "product", movement.ProductID,
		fmt.Sprintf("qty=%d,reason=%s,ref=%s", movement.Quantity, movement.Reason, movement.Reference))
	return movement, nil
}

// Adjust applies a signed correction. A reason is mandatory.
func (i *Inventory) Adjust(ctx context.Context, req domain.StockAdjustmentRequest) (*domain.StockMovement, error) {
	if err := requireRole(ctx, domain.RoleSeller); err != nil {
		return nil, err
	}
	reason := strings.TrimSpace(req.Reason)
	if reason == "" {
		return nil, fmt.Errorf("%w: adjustment reason is required", domain.ErrInvalidInput)
	}
	movement, err := i.repo.ApplyAdjustment(ctx, req.ProductID, req.Delta, reason)
	if err != nil {
		return nil, err
	}
	logAudit(ctx, i.repo, "stock_adjustment", "product", movement.ProductID,
		fmt.Sprintf("delta=%d,reason=%s", req.Delta, reason))
	return movement, nil
}

func (i *Inventory) Movements(ctx context.Context, productID string, limit int) ([]domain.StockMovement, error) {
	if err := requireRole(ctx, domain.RoleSeller); err != nil {
		return nil, err
	}
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	return i.repo.Movements(ctx, strings.TrimSpace(productID), limit)
}

// LowStock lists active products at or below their minimum.
func (i *Inventory) LowStock(ctx context.Context) ([]domain.Product, error) {
	if err := requireRole(ctx, domain.RoleSeller); err != nil {
		return nil, err
	}
	products, err := i.repo.ListProducts(ctx)
	if err != nil {
		return nil, err
	}
	low := make([]domain.Product, 0)
	for _, p := range products {
		if p.Active && p.LowStock() {
			low = append(low, p)
		}
	}
	return low, nil
}

// Expiring lists active products whose expiry date falls within days.
func (i *Inventory) Expiring(ctx context.Context, days int) ([]domain.Product, error) {
	if err := requireRole(ctx, domain.RoleSeller); err != nil {
		return nil, err
	}
	if days <= 0 {
		days = 30
	}
	products, err := i.repo.ListProducts(ctx)
	if err != nil {
		return nil, err
	}
	now := i.now()
	window := time.Duration(days) * 24 * time.Hour
	expiring := make([]domain.Product, 0)
	for _, p := range products {
		if p.Active && p.ExpiresWithin(now, window) {
			expiring = append(expiring, p)
		}
	}
	return expiring, nil
}

func (i *Inventory) AuditLogs(ctx context.Context, from time.Time, to time.Time, limit int) ([]domain.AuditLog, error) {
	if err := requireRole(ctx, domain.RoleAdmin); err != nil {
		return nil, err
	}
	if to.IsZero() {
		to = i.now().Add(time.Second)
	}
	if from.IsZero() {
		from = to.AddDate(0, 0, -30)
	}
	if !from.Before(to) {
		return nil, fmt.Errorf("%w: from must be before to", domain.ErrInvalidInput)
	}
	if limit <= 0 || limit > 1000 {
		limit = 200
	}
	return i.repo.ListAuditLogs(ctx, from, to, limit)
}
