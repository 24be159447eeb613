package service_test

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"caixa/backend/internal/domain"
	"caixa/backend/internal/service"
	"caixa/backend/internal/store"
)

func TestCreateProductRecordsBaseline(t *testing.T) {
	f := newFixture(t, 0)

	product, err := f.svc.Inventory.CreateProduct(f.ctx, domain.ProductCreateRequest{
		Name:         " Areia Higiênica 4kg ",
		Price:        decimal.RequireFromString("24.90"),
		Cost:         decimal.RequireFromString("15.00"),
		InitialStock: 12,
		MinStock:     3,
		Barcode:      "7891112223334",
	})
	require.NoError(t, err)
	assert.Equal(t, "Areia Higiênica 4kg", product.Name)
	assert.Equal(t, "un", product.Unit)
	assert.Equal(t, 12, product.BaselineStock)

	byCode, err := f.svc.Inventory.ProductByBarcode(f.ctx, "7891112223334")
	require.NoError(t, err)
	assert.Equal(t, product.ID, byCode.ID)

	_, err = f.svc.Inventory.CreateProduct(f.ctx, domain.ProductCreateRequest{Name: "Outro", Barcode: "7891112223334"})
	assert.ErrorIs(t, err, store.ErrDuplicate)

	_, err = f.svc.Inventory.CreateProduct(f.ctx, domain.ProductCreateRequest{Name: "Negativo", Price: decimal.NewFromInt(-1)})
	assert.ErrorIs(t, err, domain.ErrInvalidInput)
}

func TestReceiveAndAdjustStock(t *testing.T) {
	f := newFixture(t, 0)
	f.product(t, "racao", "10.00", 5)

	in, err := f.svc.Inventory.Receive(f.ctx, domain.StockReceiptRequest{ProductID: "racao", Quantity: 10, Reference: "NF-123"})
	require.NoError(t, err)
	assert.Equal(t, domain.MovementIn, in.Kind)
	assert.Equal(t, "receipt", in.Reason)

	down, err := f.svc.Inventory.Adjust(f.ctx, domain.StockAdjustmentRequest{ProductID: "racao", Delta: -3, Reason: "avaria"})
	require.NoError(t, err)
	assert.Equal(t, domain.MovementOut, down.Kind)
	assert.Equal(t, 3, down.Quantity)

	up, err := f.svc.Inventory.Adjust(f.ctx, domain.StockAdjustmentRequest{ProductID: "racao", Delta: 1, Reason: "contagem"})
	require.NoError(t, err)
	assert.Equal(t, domain.MovementAdjustment, up.Kind)
	assert.Equal(t, 13, f.stock(t, "racao"))

	_, err = f.svc.Inventory.Adjust(f.ctx, domain.StockAdjustmentRequest{ProductID: "racao", Delta: -14, Reason: "perda"})
	assert.ErrorIs(t, err, domain.ErrStockConflict)
	_, err = f.svc.Inventory.Adjust(f.ctx, domain.StockAdjustmentRequest{ProductID: "racao", Delta: 1})
	assert.ErrorIs(t, err, domain.ErrInvalidInput)
	_, err = f.svc.Inventory.Receive(f.ctx, domain.StockReceiptRequest{ProductID: "racao", Quantity: 0})
	assert.ErrorIs(t, err, domain.ErrInvalidInput)

	movements, err := f.svc.Inventory.Movements(f.ctx, "racao", 0)
	require.NoError(t, err)
	require.Len(t, movements, 3)
	assert.Equal(t, up.ID, movements[0].ID)

	derived, err := f.store.DerivedStock(f.ctx, "racao")
	require.NoError(t, err)
	assert.Equal(t, 13, derived)
}

func TestLowStockAndExpiring(t *testing.T) {
	f := newFixture(t, 0)
	soon := time.Now().UTC().Add(5 * 24 * time.Hour)
	later := time.Now().UTC().Add(90 * 24 * time.Hour)
	for _, p := range []domain.Product{
		{ID: "low", Name: "Low", Price: decimal.NewFromInt(1), Stock: 1, MinStock: 2, Active: true, ExpiryDate: &later},
		{ID: "ok", Name: "Ok", Price: decimal.NewFromInt(1), Stock: 9, MinStock: 2, Active: true, ExpiryDate: &soon},
		{ID: "off", Name: "Off", Price: decimal.NewFromInt(1), Stock: 0, MinStock: 2, Active: false, ExpiryDate: &soon},
	} {
		_, err := f.store.CreateProduct(f.ctx, p)
		require.NoError(t, err)
	}

	low, err := f.svc.Inventory.LowStock(f.ctx)
	require.NoError(t, err)
	require.Len(t, low, 1)
	assert.Equal(t, "low", low[0].ID)

	expiring, err := f.svc.Inventory.Expiring(f.ctx, 30)
	require.NoError(t, err)
	require.Len(t, expiring, 1)
	assert.Equal(t, "ok", expiring[0].ID)
}

func TestAuditLogsAreAdminOnly(t *testing.T) {
	f := newFixture(t, 0)
	f.product(t, "racao", "10.00", 5)
	_, err := f.svc.Inventory.Receive(f.ctx, domain.StockReceiptRequest{ProductID: "racao", Quantity: 1})
	require.NoError(t, err)

	entries, err := f.svc.Inventory.AuditLogs(f.ctx, time.Time{}, time.Time{}, 0)
	require.NoError(t, err)
	require.NotEmpty(t, entries)
	assert.Equal(t, "stock_receipt", entries[0].Action)
	assert.Equal(t, "ana", entries[0].ActorUsername)

	seller := service.WithActor(context.Background(), domain.Actor{Username: "vend", Role: domain.RoleSeller})
	_, err = f.svc.Inventory.AuditLogs(seller, time.Time{}, time.Time{}, 0)
	assert.ErrorIs(t, err, service.ErrForbidden)
	_, err = f.svc.Inventory.CreateProduct(seller, domain.ProductCreateRequest{Name: "X"})
	assert.NoError(t, err)
}
