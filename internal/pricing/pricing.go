// Package pricing computes sale totals. Every function is pure.
package pricing

import (
	"fmt"

	"github.com/shopspring/decimal"

	"caixa/backend/internal/domain"
)

type Adjustments struct {
	Discount decimal.Decimal
	Delivery domain.DeliveryInfo
}

type Totals struct {
	Lines       []domain.SaleLine
	Subtotal    decimal.Decimal
	Discount    decimal.Decimal
	IsDelivery  bool
	DeliveryFee decimal.Decimal
	Total       decimal.Decimal
}

// LineTotal returns qty*unitPrice - lineDiscount. The discount may not
// exceed the gross line amount.
func LineTotal(qty int, unitPrice, lineDiscount decimal.Decimal) (decimal.Decimal, error) {
	if qty < 1 || unitPrice.IsNegative() || lineDiscount.IsNegative() {
		return decimal.Zero, domain.ErrInvalidInput
	}
	gross := unitPrice.Mul(decimal.NewFromInt(int64(qty)))
	if lineDiscount.GreaterThan(gross) {
		return decimal.Zero, fmt.Errorf("%w: line discount %s exceeds %s", domain.ErrInvalidInput, lineDiscount.StringFixed(2), gross.StringFixed(2))
	}
	return gross.Sub(lineDiscount), nil
}

// NewLine snapshots the product's current price into a line.
func NewLine(product domain.Product, qty int) domain.SaleLine {
	total, err := LineTotal(qty, product.Price, decimal.Zero)
	if err != nil {
		total = decimal.Zero
	}
	return domain.SaleLine{
		ProductID:    product.ID,
		ProductName:  product.Name,
		Quantity:     qty,
		UnitPrice:    product.Price,
		LineDiscount: decimal.Zero,
		LineTotal:    total,
	}
}

// Calculate recomputes every line total and derives the sale totals.
// The order discount is deliberately not clamped to the subtotal, so a
// discount larger than the subtotal yields a negative total.
func Calculate(lines []domain.SaleLine, adj Adjustments) (Totals, error) {
	if adj.Discount.IsNegative() {
		return Totals{}, fmt.Errorf("%w: negative discount", domain.ErrInvalidInput)
	}
	if adj.Delivery.DeliveryFee.IsNegative() {
		return Totals{}, fmt.Errorf("%w: negative delivery fee", domain.ErrInvalidInput)
	}

	out := make([]domain.SaleLine, 0, len(lines))
	subtotal := decimal.Zero
	for _, line := range lines {
		total, err := LineTotal(line.Quantity, line.UnitPrice, line.LineDiscount)
		if err != nil {
			return Totals{}, fmt.Errorf("product %s: %w", line.ProductID, err)
		}
		line.LineTotal = total
		subtotal = subtotal.Add(total)
		out = append(out, line)
	}

	fee := decimal.Zero
	if adj.Delivery.IsDelivery {
		fee = adj.Delivery.DeliveryFee
	}

	return Totals{
		Lines:       out,
		Subtotal:    subtotal,
		Discount:    adj.Discount,
		IsDelivery:  adj.Delivery.IsDelivery,
		DeliveryFee: fee,
		Total:       subtotal.Sub(adj.Discount).Add(fee),
	}, nil
}

// Change returns amountPaid - total, or ErrInsufficientPayment.
func Change(total, amountPaid decimal.Decimal) (decimal.Decimal, error) {
	if amountPaid.LessThan(total) {
		return decimal.Zero, fmt.Errorf("%w: paid %s, total %s", domain.ErrInsufficientPayment, amountPaid.StringFixed(2), total.StringFixed(2))
	}
	return amountPaid.Sub(total), nil
}
