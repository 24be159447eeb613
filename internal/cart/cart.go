// Package cart holds the mutable pre-sale line set. Stock checks here
// are advisory; the ledger re-checks at commit.
package cart

import (
	"context"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"caixa/backend/internal/domain"
	"caixa/backend/internal/pricing"
	"caixa/backend/internal/store"
)

// Catalog is the read side the cart needs. Stock values must be live.
type Catalog interface {
	ProductByID(ctx context.Context, id string) (*domain.Product, error)
	ProductByBarcode(ctx context.Context, barcode string) (*domain.Product, error)
}

// Cart is not safe for concurrent use.
type Cart struct {
	catalog Catalog
	lines   []domain.SaleLine
}

func New(catalog Catalog) *Cart {
	return &Cart{catalog: catalog}
}

// Add puts qty units of the product in the cart (qty < 1 means 1).
func (c *Cart) Add(ctx context.Context, productID string, qty int) error {
	product, err := c.lookup(ctx, func() (*domain.Product, error) {
		return c.catalog.ProductByID(ctx, strings.TrimSpace(productID))
	})
	if err != nil {
		return err
	}
	return c.add(*product, qty)
}

func (c *Cart) AddByBarcode(ctx context.Context, barcode string, qty int) error {
	product, err := c.lookup(ctx, func() (*domain.Product, error) {
		return c.catalog.ProductByBarcode(ctx, strings.TrimSpace(barcode))
	})
	if err != nil {
		return err
	}
	return c.add(*product, qty)
}

func (c *Cart) lookup(_ context.Context, find func() (*domain.Product, error)) (*domain.Product, error) {
	product, err := find()
	if err != nil {
		return nil, err
	}
	if !product.Active {
		return nil, fmt.Errorf("product %s is inactive: %w", product.ID, store.ErrNotFound)
	}
	return product, nil
}

func (c *Cart) add(product domain.Product, qty int) error {
	if qty < 1 {
		qty = 1
	}
	if product.Stock <= 0 {
		return domain.NewStockError(domain.ErrOutOfStock, product.ID, qty, product.Stock)
	}

	idx := c.index(product.ID)
	if idx < 0 {
		if qty > product.Stock {
			return domain.NewStockError(domain.ErrInsufficientStock, product.ID, qty, product.Stock)
		}
		c.lines = append(c.lines, pricing.NewLine(product, qty))
		return nil
	}

	next := c.lines[idx].Quantity + qty
	if next > product.Stock {
		return domain.NewStockError(domain.ErrInsufficientStock, product.ID, next, product.Stock)
	}
	c.setLineQuantity(idx, next)
	return nil
}

// SetQuantity replaces a line's quantity, checked against live stock.
// qty <= 0 removes the line.
func (c *Cart) SetQuantity(ctx context.Context, productID string, qty int) error {
	productID = strings.TrimSpace(productID)
	if qty <= 0 {
		c.Remove(productID)
		return nil
	}
	idx := c.index(productID)
	if idx < 0 {
		return fmt.Errorf("product %s not in cart: %w", productID, store.ErrNotFound)
	}
	product, err := c.catalog.ProductByID(ctx, productID)
	if err != nil {
		return err
	}
	if qty > product.Stock {
		return domain.NewStockError(domain.ErrInsufficientStock, productID, qty, product.Stock)
	}
	c.setLineQuantity(idx, qty)
	return nil
}

// SetLineDiscount sets an absolute discount on one line.
func (c *Cart) SetLineDiscount(productID string, amount decimal.Decimal) error {
	idx := c.index(strings.TrimSpace(productID))
	if idx < 0 {
		return fmt.Errorf("product %s not in cart: %w", productID, store.ErrNotFound)
	}
	line := c.lines[idx]
	total, err := pricing.LineTotal(line.Quantity, line.UnitPrice, amount)
	if err != nil {
		return err
	}
	c.lines[idx].LineDiscount = amount
	c.lines[idx].LineTotal = total
	return nil
}

// Remove is idempotent.
func (c *Cart) Remove(productID string) {
	idx := c.index(strings.TrimSpace(productID))
	if idx < 0 {
		return
	}
	c.lines = append(c.lines[:idx], c.lines[idx+1:]...)
}

func (c *Cart) Lines() []domain.SaleLine {
	out := make([]domain.SaleLine, len(c.lines))
	copy(out, c.lines)
	return out
}

func (c *Cart) Len() int { return len(c.lines) }

func (c *Cart) Clear() { c.lines = nil }

func (c *Cart) Subtotal() decimal.Decimal {
	sum := decimal.Zero
	for _, line := range c.lines {
		sum = sum.Add(line.LineTotal)
	}
	return sum
}

func (c *Cart) index(productID string) int {
	for i, line := range c.lines {
		if line.ProductID == productID {
			return i
		}
	}
	return -1
}

// setLineQuantity keeps the line discount within the new gross amount.
func (c *Cart) setLineQuantity(idx int, qty int) {
	line := c.lines[idx]
	gross := line.UnitPrice.Mul(decimal.NewFromInt(int64(qty)))
	discount := decimal.Min(line.LineDiscount, gross)
	line.Quantity = qty
	line.LineDiscount = discount
	line.LineTotal = gross.Sub(discount)
	c.lines[idx] = line
}
