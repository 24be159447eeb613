package cart

import (
	"context"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"caixa/backend/internal/domain"
	"caixa/backend/internal/store"
	"caixa/backend/internal/store/memory"
)

func newCatalog(t *testing.T) *memory.Store {
	t.Helper()
	s := memory.New()
	ctx := context.Background()
	for _, p := range []domain.Product{
		{ID: "ten", Name: "Dez", Price: decimal.RequireFromString("10.00"), Stock: 5, Barcode: "789", Active: true},
		{ID: "empty", Name: "Vazio", Price: decimal.RequireFromString("3.00"), Stock: 0, Active: true},
		{ID: "off", Name: "Inativo", Price: decimal.RequireFromString("3.00"), Stock: 9, Active: false},
	} {
		_, err := s.CreateProduct(ctx, p)
		require.NoError(t, err)
	}
	return s
}

func TestAddIncrementsExistingLine(t *testing.T) {
	ctx := context.Background()
	c := New(newCatalog(t))

	require.NoError(t, c.Add(ctx, "ten", 0))
	require.NoError(t, c.AddByBarcode(ctx, "789", 1))

	lines := c.Lines()
	require.Len(t, lines, 1)
	assert.Equal(t, 2, lines[0].Quantity)
	assert.True(t, lines[0].LineTotal.Equal(decimal.RequireFromString("20.00")))
	assert.True(t, c.Subtotal().Equal(decimal.RequireFromString("20.00")))
}

func TestAddOutOfStockLeavesCartUnchanged(t *testing.T) {
	ctx := context.Background()
	c := New(newCatalog(t))
	require.NoError(t, c.Add(ctx, "ten", 1))

	err := c.Add(ctx, "empty", 1)
	require.ErrorIs(t, err, domain.ErrOutOfStock)
	assert.Equal(t, 1, c.Len())
}

func TestAddBeyondStockFails(t *testing.T) {
	ctx := context.Background()
	c := New(newCatalog(t))
	require.NoError(t, c.Add(ctx, "ten", 5))

	err := c.Add(ctx, "ten", 1)
	require.ErrorIs(t, err, domain.ErrInsufficientStock)
	assert.Equal(t, 5, c.Lines()[0].Quantity)
}

func TestAddInactiveProductIsNotFound(t *testing.T) {
	c := New(newCatalog(t))
	assert.ErrorIs(t, c.Add(context.Background(), "off", 1), store.ErrNotFound)
}

func TestSetQuantityZeroRemovesLine(t *testing.T) {
	ctx := context.Background()
	c := New(newCatalog(t))
	require.NoError(t, c.Add(ctx, "ten", 2))

	require.NoError(t, c.SetQuantity(ctx, "ten", 0))
	assert.Equal(t, 0, c.Len())
}

func TestSetQuantityChecksLiveStock(t *testing.T) {
	ctx := context.Background()
	catalog := newCatalog(t)
	c := New(catalog)
	require.NoError(t, c.Add(ctx, "ten", 2))

	_, err := catalog.ApplyDeduction(ctx, []domain.SaleLine{{ProductID: "ten", Quantity: 4}}, "sale", "other-register")
	require.NoError(t, err)

	err = c.SetQuantity(ctx, "ten", 2)
	require.ErrorIs(t, err, domain.ErrInsufficientStock)
	require.NoError(t, c.SetQuantity(ctx, "ten", 1))
	assert.Equal(t, 1, c.Lines()[0].Quantity)
}

func TestRemoveIsIdempotent(t *testing.T) {
	ctx := context.Background()
	c := New(newCatalog(t))
	require.NoError(t, c.Add(ctx, "ten", 1))

	c.Remove("ten")
	c.Remove("ten")
	c.Remove("never-added")
	assert.Equal(t, 0, c.Len())
}

func TestLineDiscountFollowsQuantity(t *testing.T) {
	ctx := context.Background()
	c := New(newCatalog(t))
	require.NoError(t, c.Add(ctx, "ten", 3))

	require.NoError(t, c.SetLineDiscount("ten", decimal.RequireFromString("15.00")))
	assert.True(t, c.Lines()[0].LineTotal.Equal(decimal.RequireFromString("15.00")))

	require.NoError(t, c.SetQuantity(ctx, "ten", 1))
	line := c.Lines()[0]
	assert.True(t, line.LineDiscount.Equal(decimal.RequireFromString("10.00")))
	assert.True(t, line.LineTotal.IsZero())

	assert.ErrorIs(t, c.SetLineDiscount("ten", decimal.RequireFromString("10.01")), domain.ErrInvalidInput)
}
