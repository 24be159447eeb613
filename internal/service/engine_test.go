package service_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"caixa/backend/internal/domain"
	"caixa/backend/internal/payment"
	"caixa/backend/internal/payment/paymenttest"
	"caixa/backend/internal/pricing"
	"caixa/backend/internal/service"
	"caixa/backend/internal/store"
	"caixa/backend/internal/store/memory"
)

var epoch = time.Date(2026, 3, 2, 14, 0, 0, 0, time.UTC)

type devices struct {
	prints    atomic.Int32
	opens     atomic.Int32
	printErr  error
	drawerErr error
}

func (d *devices) Print(context.Context, domain.Sale) error {
	d.prints.Add(1)
	return d.printErr
}

func (d *devices) Open(context.Context) error {
	d.opens.Add(1)
	return d.drawerErr
}

type fixture struct {
	ctx     context.Context
	store   *memory.Store
	clock   *paymenttest.FakeClock
	gateway *paymenttest.Gateway
	devices *devices
	engine  *service.Engine
	svc     *service.Service
}

type fixtureOption func(*service.EngineConfig, *devices)

func withRestock() fixtureOption {
	return func(cfg *service.EngineConfig, _ *devices) { cfg.RestockOnExpiry = true }
}

func withPrinterError(err error) fixtureOption {
	return func(_ *service.EngineConfig, d *devices) { d.printErr = err }
}

func newFixture(t *testing.T, paidAfter time.Duration, opts ...fixtureOption) *fixture {
	t.Helper()
	clock := paymenttest.NewFakeClock(epoch)
	gateway := &paymenttest.Gateway{Clock: clock, PaidAfter: paidAfter}
	dev := &devices{}
	cfg := service.EngineConfig{GatewayTimeout: time.Second}
	for _, opt := range opts {
		opt(&cfg, dev)
	}

	repo := memory.New()
	engine := service.NewEngine(service.EngineDeps{
		Repo:    repo,
		Gateway: gateway,
		Watcher: payment.NewWatcher(gateway, clock, 3*time.Second, 300*time.Second),
		Printer: dev,
		Drawer:  dev,
	}, cfg)
	t.Cleanup(engine.Shutdown)

	return &fixture{
		ctx:     service.WithActor(context.Background(), domain.Actor{Username: "ana", Role: domain.RoleAdmin}),
		store:   repo,
		clock:   clock,
		gateway: gateway,
		devices: dev,
		engine:  engine,
		svc:     service.New(repo, engine, 7),
	}
}

func (f *fixture) product(t *testing.T, id string, price string, stock int) domain.Product {
	t.Helper()
	p, err := f.store.CreateProduct(f.ctx, domain.Product{
		ID: id, Name: "Produto " + id, Price: decimal.RequireFromString(price), Stock: stock, MinStock: 1, Active: true,
	})
	require.NoError(t, err)
	return *p
}

func (f *fixture) stock(t *testing.T, id string) int {
	t.Helper()
	p, err := f.store.ProductByID(f.ctx, id)
	require.NoError(t, err)
	return p.Stock
}

func (f *fixture) sale(t *testing.T, id string) *domain.Sale {
	t.Helper()
	sale, err := f.store.SaleByID(f.ctx, id)
	require.NoError(t, err)
	return sale
}

func waitDone(t *testing.T, watch *payment.Watch) {
	t.Helper()
	require.Eventually(t, func() bool {
		select {
		case <-watch.Done():
			return true
		default:
			return false
		}
	}, 2*time.Second, 5*time.Millisecond)
}

func amount(s string) *decimal.Decimal {
	d := decimal.RequireFromString(s)
	return &d
}

func TestPixSaleConfirmedIsPaidAndFinalizedOnce(t *testing.T) {
	f := newFixture(t, 4*time.Second)
	p := f.product(t, "racao", "89.90", 10)

	sale, err := f.engine.Commit(f.ctx, service.CommitRequest{
		Lines:         []domain.SaleLine{pricing.NewLine(p, 2)},
		PaymentMethod: domain.PaymentPix,
	})
	require.NoError(t, err)
	assert.Equal(t, domain.PaymentPending, sale.PaymentStatus)
	assert.NotEmpty(t, sale.PixQRCode)
	require.NotNil(t, sale.PixExpiresAt)
	assert.Equal(t, epoch.Add(300*time.Second), *sale.PixExpiresAt)
	assert.Equal(t, 8, f.stock(t, "racao"), "stock is deducted at commit")

	watch, ok := f.engine.Watch(sale.ID)
	require.True(t, ok)

	f.clock.Advance(3 * time.Second)
	f.clock.Advance(3 * time.Second)
	waitDone(t, watch)

	got := f.sale(t, sale.ID)
	assert.Equal(t, payment.OutcomeConfirmed, watch.Outcome())
	assert.Equal(t, domain.PaymentPaid, got.PaymentStatus)
	assert.True(t, got.Finalized)
	assert.Equal(t, int32(1), f.devices.prints.Load())
	assert.Equal(t, int32(0), f.devices.opens.Load(), "pix never opens the drawer")

	f.clock.Advance(10 * time.Minute)
	assert.Equal(t, domain.PaymentPaid, f.sale(t, sale.ID).PaymentStatus)
	assert.Equal(t, int32(1), f.devices.prints.Load())
}

func TestPixSaleUnconfirmedIsCancelledAtCeiling(t *testing.T) {
	f := newFixture(t, 0)
	p := f.product(t, "racao", "32.90", 4)

	sale, err := f.engine.Commit(f.ctx, service.CommitRequest{
		Lines:         []domain.SaleLine{pricing.NewLine(p, 1)},
		PaymentMethod: domain.PaymentPix,
	})
	require.NoError(t, err)
	watch, ok := f.engine.Watch(sale.ID)
	require.True(t, ok)

	f.clock.Advance(299 * time.Second)
	assert.Equal(t, domain.PaymentPending, f.sale(t, sale.ID).PaymentStatus)

	f.clock.Advance(time.Second)
	waitDone(t, watch)

	got := f.sale(t, sale.ID)
	assert.Equal(t, domain.PaymentCancelled, got.PaymentStatus)
	assert.False(t, got.Finalized)
	assert.Equal(t, int32(0), f.devices.prints.Load())
	assert.Equal(t, 3, f.stock(t, "racao"), "expired sale keeps its deduction by default")

	_, err = f.engine.Finalize(f.ctx, sale.ID, nil)
	assert.ErrorIs(t, err, domain.ErrSaleNotSettled)
}

func TestPixConfirmedAfterCeilingStaysCancelled(t *testing.T) {
	f := newFixture(t, 301*time.Second)
	p := f.product(t, "racao", "32.90", 4)

	sale, err := f.engine.Commit(f.ctx, service.CommitRequest{
		Lines:         []domain.SaleLine{pricing.NewLine(p, 1)},
		PaymentMethod: domain.PaymentPix,
	})
	require.NoError(t, err)
	watch, ok := f.engine.Watch(sale.ID)
	require.True(t, ok)

	f.clock.Advance(300 * time.Second)
	waitDone(t, watch)
	assert.Equal(t, payment.OutcomeExpired, watch.Outcome())

	checks := f.gateway.Checks()
	f.clock.Advance(30 * time.Second)
	assert.Equal(t, checks, f.gateway.Checks(), "no polling after the ceiling")

	got := f.sale(t, sale.ID)
	assert.Equal(t, domain.PaymentCancelled, got.PaymentStatus)
	assert.False(t, got.Finalized)
	assert.Equal(t, int32(0), f.devices.prints.Load())
	assert.Equal(t, int32(0), f.devices.opens.Load())
}

func TestPixExpiryRestocksWhenConfigured(t *testing.T) {
	f := newFixture(t, 0, withRestock())
	p := f.product(t, "corda", "15.90", 4)

	sale, err := f.engine.Commit(f.ctx, service.CommitRequest{
		Lines:         []domain.SaleLine{pricing.NewLine(p, 3)},
		PaymentMethod: domain.PaymentPix,
	})
	require.NoError(t, err)
	watch, _ := f.engine.Watch(sale.ID)
	require.NotNil(t, watch)
	assert.Equal(t, 1, f.stock(t, "corda"))

	f.clock.Advance(300 * time.Second)
	waitDone(t, watch)

	assert.Equal(t, 4, f.stock(t, "corda"))
	movements, err := f.store.Movements(f.ctx, "corda", 0)
	require.NoError(t, err)
	require.Len(t, movements, 2)
	assert.Equal(t, domain.MovementIn, movements[0].Kind)
	assert.Equal(t, "pix expired", movements[0].Reason)
	assert.Equal(t, sale.ID, movements[0].Reference)

	derived, err := f.store.DerivedStock(f.ctx, "corda")
	require.NoError(t, err)
	assert.Equal(t, 4, derived)
}

func TestPixExpiryRestocksEveryLine(t *testing.T) {
	f := newFixture(t, 0, withRestock())
	racao := f.product(t, "racao", "89.90", 5)
	corda := f.product(t, "corda", "15.90", 5)

	sale, err := f.engine.Commit(f.ctx, service.CommitRequest{
		Lines:         []domain.SaleLine{pricing.NewLine(racao, 2), pricing.NewLine(corda, 3)},
		PaymentMethod: domain.PaymentPix,
	})
	require.NoError(t, err)
	watch, ok := f.engine.Watch(sale.ID)
	require.True(t, ok)

	f.clock.Advance(300 * time.Second)
	waitDone(t, watch)

	assert.Equal(t, 5, f.stock(t, "racao"))
	assert.Equal(t, 5, f.stock(t, "corda"))
	movements, err := f.store.Movements(f.ctx, "", 0)
	require.NoError(t, err)
	restocked := 0
	for _, m := range movements {
		if m.Kind == domain.MovementIn && m.Reference == sale.ID {
			restocked++
		}
	}
	assert.Equal(t, 2, restocked)
}

func TestGatewayFailureWritesNothing(t *testing.T) {
	f := newFixture(t, 0)
	f.gateway.GenerateErr = paymenttest.ErrGatewayDown
	p := f.product(t, "racao", "10.00", 5)

	_, err := f.engine.Commit(f.ctx, service.CommitRequest{
		Lines:         []domain.SaleLine{pricing.NewLine(p, 1)},
		PaymentMethod: domain.PaymentPix,
	})
	require.ErrorIs(t, err, domain.ErrPaymentInitiation)
	assert.ErrorIs(t, err, domain.ErrPayment)
	assert.ErrorIs(t, err, paymenttest.ErrGatewayDown)

	assert.Equal(t, 5, f.stock(t, "racao"))
	sales, err := f.store.ListSales(f.ctx, "", "", 0)
	require.NoError(t, err)
	assert.Empty(t, sales)
}

func TestCommitRejectsQuantityAboveLiveStock(t *testing.T) {
	f := newFixture(t, 0)
	p := f.product(t, "racao", "10.00", 2)

	_, err := f.engine.Commit(f.ctx, service.CommitRequest{
		Lines:         []domain.SaleLine{pricing.NewLine(p, 3)},
		PaymentMethod: domain.PaymentCard,
	})
	require.ErrorIs(t, err, domain.ErrInsufficientStock)
	var stockErr *domain.StockError
	require.ErrorAs(t, err, &stockErr)
	assert.Equal(t, 3, stockErr.Requested)
	assert.Equal(t, 2, stockErr.Available)
	assert.Zero(t, f.gateway.Generated())
}

func TestCommitRejectsEmptyLinesAndUnknownMethod(t *testing.T) {
	f := newFixture(t, 0)
	p := f.product(t, "racao", "10.00", 2)

	_, err := f.engine.Commit(f.ctx, service.CommitRequest{PaymentMethod: domain.PaymentCash})
	assert.ErrorIs(t, err, domain.ErrEmptyCart)

	_, err = f.engine.Commit(f.ctx, service.CommitRequest{
		Lines:         []domain.SaleLine{pricing.NewLine(p, 1)},
		PaymentMethod: domain.PaymentMethod("boleto"),
	})
	assert.ErrorIs(t, err, domain.ErrInvalidInput)
}

func TestConcurrentCommitsSellLastUnitOnce(t *testing.T) {
	f := newFixture(t, 0)
	p := f.product(t, "ultimo", "10.00", 1)

	var wins atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.engine.Commit(f.ctx, service.CommitRequest{
				Lines:         []domain.SaleLine{pricing.NewLine(p, 1)},
				PaymentMethod: domain.PaymentCard,
			})
			if err == nil {
				wins.Add(1)
				return
			}
			assert.True(t, errors.Is(err, domain.ErrStockConflict) || errors.Is(err, domain.ErrInsufficientStock), err.Error())
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), wins.Load())
	assert.Equal(t, 0, f.stock(t, "ultimo"))
}

func TestCashFinalizeComputesChangeAndIsIdempotent(t *testing.T) {
	f := newFixture(t, 0)
	p := f.product(t, "racao", "10.00", 5)

	sale, err := f.engine.Commit(f.ctx, service.CommitRequest{
		Lines:         []domain.SaleLine{pricing.NewLine(p, 2)},
		Discount:      decimal.RequireFromString("5.00"),
		PaymentMethod: domain.PaymentCash,
	})
	require.NoError(t, err)
	assert.True(t, sale.Total.Equal(decimal.RequireFromString("15.00")))
	assert.Equal(t, domain.PaymentPaid, sale.PaymentStatus)

	_, err = f.engine.Finalize(f.ctx, sale.ID, amount("10.00"))
	require.ErrorIs(t, err, domain.ErrInsufficientPayment)
	_, err = f.engine.Finalize(f.ctx, sale.ID, nil)
	require.ErrorIs(t, err, domain.ErrInsufficientPayment)
	assert.Equal(t, int32(0), f.devices.prints.Load())

	result, err := f.engine.Finalize(f.ctx, sale.ID, amount("20.00"))
	require.NoError(t, err)
	assert.True(t, result.Change.Equal(decimal.RequireFromString("5.00")))
	assert.True(t, result.Printed)
	assert.True(t, result.DrawerOpened)

	again, err := f.engine.Finalize(f.ctx, sale.ID, amount("20.00"))
	require.NoError(t, err)
	assert.True(t, again.AlreadyFinalized)
	assert.True(t, again.Change.Equal(decimal.RequireFromString("5.00")))
	assert.Equal(t, int32(1), f.devices.prints.Load())
	assert.Equal(t, int32(1), f.devices.opens.Load())

	got := f.sale(t, sale.ID)
	assert.True(t, got.AmountPaid.Equal(decimal.RequireFromString("20.00")))
	require.NotNil(t, got.FinalizedAt)
}

func TestCashCommitChecksAmountPaidUpFront(t *testing.T) {
	f := newFixture(t, 0)
	p := f.product(t, "racao", "10.00", 5)

	_, err := f.engine.Commit(f.ctx, service.CommitRequest{
		Lines:         []domain.SaleLine{pricing.NewLine(p, 2)},
		PaymentMethod: domain.PaymentCash,
		AmountPaid:    amount("19.99"),
	})
	require.ErrorIs(t, err, domain.ErrInsufficientPayment)
	assert.Equal(t, 5, f.stock(t, "racao"))
}

func TestFinalizeKeepsSaleWhenPrinterFails(t *testing.T) {
	f := newFixture(t, 0, withPrinterError(errors.New("paper out")))
	p := f.product(t, "racao", "10.00", 5)

	sale, err := f.engine.Commit(f.ctx, service.CommitRequest{
		Lines:         []domain.SaleLine{pricing.NewLine(p, 1)},
		PaymentMethod: domain.PaymentCash,
	})
	require.NoError(t, err)

	result, err := f.engine.Finalize(f.ctx, sale.ID, amount("10.00"))
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrSideEffect)
	var sideErr *domain.SideEffectError
	require.ErrorAs(t, err, &sideErr)
	assert.Equal(t, domain.DevicePrinter, sideErr.Device)

	require.NotNil(t, result)
	assert.False(t, result.Printed)
	assert.True(t, result.DrawerOpened)
	assert.True(t, f.sale(t, sale.ID).Finalized)
	assert.Equal(t, 4, f.stock(t, "racao"))
}

func TestFinalizeRejectsPendingPix(t *testing.T) {
	f := newFixture(t, 0)
	p := f.product(t, "racao", "10.00", 5)

	sale, err := f.engine.Commit(f.ctx, service.CommitRequest{
		Lines:         []domain.SaleLine{pricing.NewLine(p, 1)},
		PaymentMethod: domain.PaymentPix,
	})
	require.NoError(t, err)

	_, err = f.engine.Finalize(f.ctx, sale.ID, nil)
	require.ErrorIs(t, err, domain.ErrSaleNotSettled)
	assert.ErrorIs(t, err, domain.ErrConsistency)

	_, err = f.engine.Finalize(f.ctx, "sale-missing", nil)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestResumeWatchesExpiresOverdueSales(t *testing.T) {
	f := newFixture(t, 0)
	p := f.product(t, "racao", "10.00", 5)

	overdue := epoch.Add(-time.Minute)
	_, _, err := f.store.CommitSale(f.ctx, store.SaleCommit{
		Now: epoch.Add(-10 * time.Minute),
		Sale: domain.Sale{
			ID:            "sale-left-behind",
			Lines:         []domain.SaleLine{pricing.NewLine(p, 1)},
			Total:         p.Price,
			PaymentMethod: domain.PaymentPix,
			PaymentStatus: domain.PaymentPending,
			ChargeID:      "pix_orphan",
			PixExpiresAt:  &overdue,
			CreatedAt:     epoch.Add(-10 * time.Minute),
		},
	})
	require.NoError(t, err)

	resumed, err := f.engine.ResumeWatches(f.ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, resumed)

	require.Eventually(t, func() bool {
		return f.sale(t, "sale-left-behind").PaymentStatus == domain.PaymentCancelled
	}, 2*time.Second, 5*time.Millisecond)
	assert.Zero(t, f.gateway.Checks())
}

func TestSaleReadsThroughStore(t *testing.T) {
	f := newFixture(t, 0)
	p := f.product(t, "racao", "10.00", 5)

	sale, err := f.engine.Commit(f.ctx, service.CommitRequest{
		Lines:         []domain.SaleLine{pricing.NewLine(p, 1)},
		PaymentMethod: domain.PaymentCard,
		Customer:      domain.CustomerInfo{Name: "Joana"},
	})
	require.NoError(t, err)

	got, err := f.engine.Sale(f.ctx, sale.ID)
	require.NoError(t, err)
	assert.Equal(t, "Joana", got.Customer.Name)
	assert.Equal(t, "ana", got.UserName)
}
