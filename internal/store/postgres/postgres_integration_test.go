package postgres

import (
	"context"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"caixa/backend/internal/domain"
	"caixa/backend/internal/store"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	databaseURL := os.Getenv("CAIXA_TEST_DATABASE_URL")
	if databaseURL == "" {
		t.Skip("set CAIXA_TEST_DATABASE_URL to run postgres integration test")
	}

	ctx := context.Background()
	s, err := New(ctx, databaseURL)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	require.NoError(t, s.EnsureSchema(ctx))
	return s
}

func seedProduct(t *testing.T, s *Store, stock int) string {
	t.Helper()
	ctx := context.Background()
	id := fmt.Sprintf("prod-it-%d", time.Now().UnixNano())
	_, err := s.CreateProduct(ctx, domain.Product{
		ID: id, Name: "Produto IT", Price: decimal.RequireFromString("10.00"), Stock: stock, Active: true,
	})
	require.NoError(t, err)

	t.Cleanup(func() {
		_, _ = s.db.ExecContext(ctx, `DELETE FROM sale_lines WHERE product_id = $1`, id)
		_, _ = s.db.ExecContext(ctx, `DELETE FROM sales WHERE id NOT IN (SELECT sale_id FROM sale_lines)`)
		_, _ = s.db.ExecContext(ctx, `DELETE FROM stock_movements WHERE product_id = $1`, id)
		_, _ = s.db.ExecContext(ctx, `DELETE FROM products WHERE id = $1`, id)
	})
	return id
}

func TestCommitSaleDeductsAndRecordsMovements(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	productID := seedProduct(t, s, 10)
	now := time.Now().UTC()

	saleID := fmt.Sprintf("sale-it-%d", now.UnixNano())
	sale, movements, err := s.CommitSale(ctx, store.SaleCommit{Now: now, Sale: domain.Sale{
		ID: saleID,
		Lines: []domain.SaleLine{{
			ProductID: productID, ProductName: "Produto IT", Quantity: 3,
			UnitPrice: decimal.RequireFromString("10.00"), LineTotal: decimal.RequireFromString("30.00"),
		}},
		Subtotal:      decimal.RequireFromString("30.00"),
		Total:         decimal.RequireFromString("30.00"),
		PaymentMethod: domain.PaymentCard,
		PaymentStatus: domain.PaymentPaid,
		CreatedAt:     now,
	}})
	require.NoError(t, err)
	require.Len(t, movements, 1)
	assert.Equal(t, saleID, movements[0].Reference)

	product, err := s.ProductByID(ctx, productID)
	require.NoError(t, err)
	assert.Equal(t, 7, product.Stock)

	derived, err := s.DerivedStock(ctx, productID)
	require.NoError(t, err)
	assert.Equal(t, 7, derived)

	stored, err := s.SaleByID(ctx, sale.ID)
	require.NoError(t, err)
	require.Len(t, stored.Lines, 1)
	assert.True(t, stored.Total.Equal(decimal.RequireFromString("30.00")))

	finalized, won, err := s.MarkFinalized(ctx, sale.ID, decimal.RequireFromString("30.00"), decimal.Zero, now)
	require.NoError(t, err)
	assert.True(t, won)
	assert.True(t, finalized.Finalized)
	_, won, err = s.MarkFinalized(ctx, sale.ID, decimal.RequireFromString("30.00"), decimal.Zero, now)
	require.NoError(t, err)
	assert.False(t, won)
}

func TestConcurrentDeductionsNeverOversell(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	productID := seedProduct(t, s, 2)

	var wins atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 6; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.ApplyDeduction(ctx, []domain.SaleLine{{ProductID: productID, Quantity: 1}}, "sale", "")
			if err == nil {
				wins.Add(1)
				return
			}
			assert.ErrorIs(t, err, domain.ErrStockConflict)
		}()
	}
	wg.Wait()

	assert.LessOrEqual(t, wins.Load(), int32(2))
	product, err := s.ProductByID(ctx, productID)
	require.NoError(t, err)
	assert.Equal(t, 2-int(wins.Load()), product.Stock)
	assert.GreaterOrEqual(t, product.Stock, 0)
}

func TestApplyRestockRollsBackOnUnknownProduct(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	productID := seedProduct(t, s, 1)

	_, err := s.ApplyRestock(ctx, []domain.SaleLine{
		{ProductID: productID, Quantity: 2},
		{ProductID: productID + "-missing", Quantity: 1},
	}, "pix expired", "sale-it")
	require.ErrorIs(t, err, store.ErrNotFound)

	product, err := s.ProductByID(ctx, productID)
	require.NoError(t, err)
	assert.Equal(t, 1, product.Stock)

	movements, err := s.ApplyRestock(ctx, []domain.SaleLine{{ProductID: productID, Quantity: 2}}, "pix expired", "sale-it")
	require.NoError(t, err)
	require.Len(t, movements, 1)
	derived, err := s.DerivedStock(ctx, productID)
	require.NoError(t, err)
	assert.Equal(t, 3, derived)
}

func TestAdjustmentCannotDriveStockNegative(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	productID := seedProduct(t, s, 1)

	_, err := s.ApplyAdjustment(ctx, productID, -2, "perda")
	require.ErrorIs(t, err, domain.ErrStockConflict)

	movement, err := s.ApplyAdjustment(ctx, productID, 4, "contagem")
	require.NoError(t, err)
	assert.Equal(t, domain.MovementAdjustment, movement.Kind)

	product, err := s.ProductByID(ctx, productID)
	require.NoError(t, err)
	assert.Equal(t, 5, product.Stock)
}
