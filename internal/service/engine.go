package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"caixa/backend/internal/cache"
	"caixa/backend/internal/domain"
	"caixa/backend/internal/hardware"
	"caixa/backend/internal/payment"
	"caixa/backend/internal/pricing"
	"caixa/backend/internal/store"
	"caixa/backend/internal/xid"
)

type EngineDeps struct {
	Repo    store.Repository
	Gateway payment.Gateway
	Watcher *payment.Watcher
	Printer hardware.ReceiptPrinter
	Drawer  hardware.CashDrawer
	Cache   cache.SaleCache
	Locker  cache.WatchLocker
}

type EngineConfig struct {
	GatewayTimeout time.Duration
	SaleCacheTTL   time.Duration
	// RestockOnExpiry returns a cancelled PIX sale's units to stock with
	// in movements. Off by default: the deduction made at commit stands.
	RestockOnExpiry bool
}

// CommitRequest is a priced line set ready to become a sale.
type CommitRequest struct {
	Lines         []domain.SaleLine
	Discount      decimal.Decimal
	PaymentMethod domain.PaymentMethod
	Customer      domain.CustomerInfo
	Delivery      domain.DeliveryInfo
	// AmountPaid, when set for cash, is checked against the total before
	// anything is written.
	AmountPaid *decimal.Decimal
}

// Engine turns carts into sales and drives each sale's payment state.
type Engine struct {
	repo    store.Repository
	gateway payment.Gateway
	watcher *payment.Watcher
	clock   payment.Clock
	printer hardware.ReceiptPrinter
	drawer  hardware.CashDrawer
	cache   cache.SaleCache
	locker  cache.WatchLocker
	cfg     EngineConfig
	logger  zerolog.Logger

	baseCtx context.Context
	stop    context.CancelFunc

	mu      sync.Mutex
	watches map[string]*payment.Watch
}

func NewEngine(deps EngineDeps, cfg EngineConfig) *Engine {
	if deps.Cache == nil {
		deps.Cache = cache.NoopSaleCache{}
	}
	if deps.Locker == nil {
		deps.Locker = cache.NewLocalWatchLocker()
	}
	if cfg.GatewayTimeout <= 0 {
		cfg.GatewayTimeout = 10 * time.Second
	}
	if cfg.SaleCacheTTL <= 0 {
		cfg.SaleCacheTTL = 10 * time.Minute
	}
	baseCtx, stop := context.WithCancel(context.Background())

	return &Engine{
		repo:    deps.Repo,
		gateway: deps.Gateway,
		watcher: deps.Watcher,
		clock:   deps.Watcher.Clock(),
		printer: deps.Printer,
		drawer:  deps.Drawer,
		cache:   deps.Cache,
		locker:  deps.Locker,
		cfg:     cfg,
		logger:  log.With().Str("component", "engine").Logger(),
		baseCtx: baseCtx,
		stop:    stop,
		watches: make(map[string]*payment.Watch),
	}
}

type commitOptions struct {
	quote *domain.Quote
}

// Commit validates the lines against live stock, obtains a PIX charge when
// needed, then deducts stock and persists the sale in one atomic step.
// Non-PIX sales come back paid and must be finalized by the caller; PIX
// sales come back pending with a confirmation watch running.
func (e *Engine) Commit(ctx context.Context, req CommitRequest) (*domain.Sale, error) {
	return e.commit(ctx, req, commitOptions{})
}

func (e *Engine) commit(ctx context.Context, req CommitRequest, opts commitOptions) (*domain.Sale, error) {
	if len(req.Lines) == 0 {
		return nil, domain.ErrEmptyCart
	}
	if !req.PaymentMethod.Valid() {
		return nil, fmt.Errorf("%w: payment method %q", domain.ErrInvalidInput, req.PaymentMethod)
	}

	lines, err := e.revalidate(ctx, req.Lines, opts.quote == nil)
	if err != nil {
		return nil, err
	}
	totals, err := pricing.Calculate(lines, pricing.Adjustments{Discount: req.Discount, Delivery: req.Delivery})
	if err != nil {
		return nil, err
	}
	if req.PaymentMethod == domain.PaymentCash && req.AmountPaid != nil {
		if _, err := pricing.Change(totals.Total, *req.AmountPaid); err != nil {
			return nil, err
		}
	}

	now := e.clock.Now()
	sale := domain.Sale{
		ID:            xid.New("sale"),
		Lines:         totals.Lines,
		Subtotal:      totals.Subtotal,
		Discount:      totals.Discount,
		IsDelivery:    totals.IsDelivery,
		DeliveryFee:   totals.DeliveryFee,
		Total:         totals.Total,
		PaymentMethod: req.PaymentMethod,
		PaymentStatus: domain.PaymentPaid,
		Customer:      req.Customer,
		UserName:      actorName(ctx),
		CreatedAt:     now,
	}

	switch {
	case opts.quote != nil:
		sale.PaymentStatus = domain.PaymentPending
	case req.PaymentMethod == domain.PaymentPix:
		charge, err := e.generateCharge(ctx, sale)
		if err != nil {
			return nil, err
		}
		expiresAt := now.Add(e.watcher.Ceiling())
		sale.PaymentStatus = domain.PaymentPending
		sale.ChargeID = charge.ChargeID
		sale.PixQRCode = charge.QRCode
		sale.PixExpiresAt = &expiresAt
	default:
		completed := now
		sale.CompletedAt = &completed
	}

	commit := store.SaleCommit{Sale: sale, Now: now}
	if opts.quote != nil {
		commit.QuoteID = opts.quote.ID
	}
	stored, movements, err := e.repo.CommitSale(ctx, commit)
	if err != nil {
		if sale.ChargeID != "" {
			e.logger.Warn().Err(err).Str("charge_id", sale.ChargeID).Msg("commit failed after pix charge was issued")
		}
		return nil, err
	}

	e.logger.Info().Str("sale_id", stored.ID).Str("method", string(stored.PaymentMethod)).
		Str("status", string(stored.PaymentStatus)).Str("total", stored.Total.StringFixed(2)).
		Int("movements", len(movements)).Msg("sale committed")
	logAudit(ctx, e.repo, "sale_commit", "sale", stored.ID,
		fmt.Sprintf("method=%s,status=%s,total=%s,quote=%s", stored.PaymentMethod, stored.PaymentStatus, stored.Total.StringFixed(2), stored.QuoteID))
	e.cacheSale(ctx, stored)

	if stored.PaymentMethod == domain.PaymentPix && stored.PaymentStatus == domain.PaymentPending {
		e.startWatch(stored)
	}
	return stored, nil
}

// revalidate re-reads every product. When snapshot is true the current
// catalog price and name replace the line's; quote lines keep theirs.
func (e *Engine) revalidate(ctx context.Context, lines []domain.SaleLine, snapshot bool) ([]domain.SaleLine, error) {
	requested := make(map[string]int, len(lines))
	for _, line := range lines {
		if line.Quantity < 1 {
			return nil, fmt.Errorf("%w: quantity for %s", domain.ErrInvalidInput, line.ProductID)
		}
		requested[line.ProductID] += line.Quantity
	}

	out := make([]domain.SaleLine, 0, len(lines))
	for _, line := range lines {
		product, err := e.repo.ProductByID(ctx, line.ProductID)
		if err != nil {
			return nil, fmt.Errorf("product %s: %w", line.ProductID, err)
		}
		if !product.Active {
			return nil, fmt.Errorf("product %s is inactive: %w", product.ID, store.ErrNotFound)
		}
		if want := requested[line.ProductID]; want > product.Stock {
			return nil, domain.NewStockError(domain.ErrInsufficientStock, product.ID, want, product.Stock)
		}
		if snapshot {
			line.UnitPrice = product.Price
			line.ProductName = product.Name
		}
		out = append(out, line)
	}
	return out, nil
}

func (e *Engine) generateCharge(ctx context.Context, sale domain.Sale) (payment.Charge, error) {
	if e.gateway == nil {
		return payment.Charge{}, fmt.Errorf("%w: no gateway configured", domain.ErrPaymentInitiation)
	}
	callCtx, cancel := context.WithTimeout(ctx, e.cfg.GatewayTimeout)
	defer cancel()

	charge, err := e.gateway.Generate(callCtx, sale.Total, "Venda "+sale.ID)
	if err != nil {
		return payment.Charge{}, fmt.Errorf("%w: %w", domain.ErrPaymentInitiation, err)
	}
	return charge, nil
}

// Finalize settles and prints a sale once. Cash needs amountPaid >= total
// and opens the drawer. A second call returns AlreadyFinalized without
// repeating any device action. Device failures come back as
// *domain.SideEffectError alongside a non-nil result; the sale stays
// finalized.
func (e *Engine) Finalize(ctx context.Context, saleID string, amountPaid *decimal.Decimal) (*domain.FinalizeResult, error) {
	sale, err := e.repo.SaleByID(ctx, saleID)
	if err != nil {
		return nil, err
	}
	if sale.Finalized {
		return &domain.FinalizeResult{SaleID: sale.ID, Change: sale.Change, AlreadyFinalized: true}, nil
	}

	switch sale.PaymentStatus {
	case domain.PaymentCancelled:
		return nil, fmt.Errorf("sale %s is cancelled: %w", sale.ID, domain.ErrSaleNotSettled)
	case domain.PaymentPending:
		if sale.PaymentMethod == domain.PaymentPix {
			return nil, fmt.Errorf("sale %s awaits pix confirmation: %w", sale.ID, domain.ErrSaleNotSettled)
		}
	}

	paid := sale.Total
	change := decimal.Zero
	if sale.PaymentMethod == domain.PaymentCash {
		if amountPaid == nil {
			return nil, fmt.Errorf("%w: amount paid is required for cash", domain.ErrInsufficientPayment)
		}
		change, err = pricing.Change(sale.Total, *amountPaid)
		if err != nil {
			return nil, err
		}
		paid = *amountPaid
	}

	now := e.clock.Now()
	if sale.PaymentStatus == domain.PaymentPending {
		settled, ok, err := e.repo.TransitionPayment(ctx, sale.ID, domain.PaymentPending, domain.PaymentPaid, now)
		if err != nil {
			return nil, err
		}
		if !ok && settled.PaymentStatus != domain.PaymentPaid {
			return nil, fmt.Errorf("sale %s is %s: %w", sale.ID, settled.PaymentStatus, domain.ErrSaleNotSettled)
		}
	}

	finalized, won, err := e.repo.MarkFinalized(ctx, sale.ID, paid, change, now)
	if err != nil {
		return nil, err
	}
	if !won {
		return &domain.FinalizeResult{SaleID: finalized.ID, Change: finalized.Change, AlreadyFinalized: true}, nil
	}
	e.cacheSale(ctx, finalized)

	result := &domain.FinalizeResult{SaleID: finalized.ID, Change: change}
	var effects []error
	if err := e.printer.Print(ctx, *finalized); err != nil {
		effects = append(effects, &domain.SideEffectError{Device: domain.DevicePrinter, Err: err})
	} else {
		result.Printed = true
	}
	if finalized.PaymentMethod == domain.PaymentCash {
		if err := e.drawer.Open(ctx); err != nil {
			effects = append(effects, &domain.SideEffectError{Device: domain.DeviceDrawer, Err: err})
		} else {
			result.DrawerOpened = true
		}
	}

	logAudit(ctx, e.repo, "sale_finalize", "sale", finalized.ID,
		fmt.Sprintf("paid=%s,change=%s,printed=%t,drawer=%t", paid.StringFixed(2), change.StringFixed(2), result.Printed, result.DrawerOpened))

	if len(effects) > 0 {
		sideErr := errors.Join(effects...)
		e.logger.Error().Err(sideErr).Str("sale_id", finalized.ID).Msg("finalize side effect failed")
		return result, sideErr
	}
	return result, nil
}

// Sale reads through the sale cache.
func (e *Engine) Sale(ctx context.Context, id string) (*domain.Sale, error) {
	if cached, ok, err := e.cache.Get(ctx, id); err == nil && ok {
		return cached, nil
	} else if err != nil {
		e.logger.Warn().Err(err).Str("sale_id", id).Msg("sale cache read failed")
	}
	sale, err := e.repo.SaleByID(ctx, id)
	if err != nil {
		return nil, err
	}
	e.cacheSale(ctx, sale)
	return sale, nil
}

func (e *Engine) ListSales(ctx context.Context, status domain.PaymentStatus, method domain.PaymentMethod, limit int) ([]domain.Sale, error) {
	return e.repo.ListSales(ctx, status, method, limit)
}

func (e *Engine) cacheSale(ctx context.Context, sale *domain.Sale) {
	if err := e.cache.Set(ctx, sale, e.cfg.SaleCacheTTL); err != nil {
		e.logger.Warn().Err(err).Str("sale_id", sale.ID).Msg("sale cache write failed")
	}
}

// startWatch runs the PIX confirmation race for a pending sale. Watches
// outlive the request that created them.
func (e *Engine) startWatch(sale *domain.Sale) {
	deadline := sale.CreatedAt.Add(e.watcher.Ceiling())
	if sale.PixExpiresAt != nil {
		deadline = *sale.PixExpiresAt
	}
	logger := e.logger.With().Str("sale_id", sale.ID).Str("charge_id", sale.ChargeID).Logger()

	lockTTL := deadline.Sub(e.clock.Now()) + time.Minute
	if lockTTL < time.Minute {
		lockTTL = time.Minute
	}
	release, ok, err := e.locker.Acquire(e.baseCtx, sale.ID, lockTTL)
	switch {
	case err != nil:
		logger.Warn().Err(err).Msg("watch lock unavailable, watching without lock")
		release = func() {}
	case !ok:
		logger.Info().Msg("sale already watched by another process")
		return
	}

	saleID := sale.ID
	watch := e.watcher.Start(e.baseCtx, sale.ChargeID, deadline, payment.Handlers{
		OnConfirmed: func(ctx context.Context) { e.onPixConfirmed(ctx, saleID) },
		OnExpired:   func(ctx context.Context) { e.onPixExpired(ctx, saleID) },
	})

	e.mu.Lock()
	e.watches[saleID] = watch
	e.mu.Unlock()

	go func() {
		<-watch.Done()
		release()
		e.mu.Lock()
		if e.watches[saleID] == watch {
			delete(e.watches, saleID)
		}
		e.mu.Unlock()
	}()
}

func (e *Engine) onPixConfirmed(ctx context.Context, saleID string) {
	logger := e.logger.With().Str("sale_id", saleID).Logger()
	sale, ok, err := e.repo.TransitionPayment(ctx, saleID, domain.PaymentPending, domain.PaymentPaid, e.clock.Now())
	if err != nil {
		logger.Error().Err(err).Msg("mark pix sale paid")
		return
	}
	if !ok {
		logger.Warn().Str("status", string(sale.PaymentStatus)).Msg("pix confirmed but sale no longer pending")
		return
	}
	e.cacheSale(ctx, sale)
	logAudit(ctx, e.repo, "pix_confirmed", "sale", saleID, "charge="+sale.ChargeID)

	if _, err := e.Finalize(ctx, saleID, nil); err != nil {
		logger.Error().Err(err).Msg("finalize after pix confirmation")
	}
}

func (e *Engine) onPixExpired(ctx context.Context, saleID string) {
	logger := e.logger.With().Str("sale_id", saleID).Logger()
	sale, ok, err := e.repo.TransitionPayment(ctx, saleID, domain.PaymentPending, domain.PaymentCancelled, e.clock.Now())
	if err != nil {
		logger.Error().Err(err).Msg("cancel expired pix sale")
		return
	}
	if !ok {
		logger.Warn().Str("status", string(sale.PaymentStatus)).Msg("pix expired but sale no longer pending")
		return
	}
	e.cacheSale(ctx, sale)
	logAudit(ctx, e.repo, "pix_expired", "sale", saleID, "charge="+sale.ChargeID)

	if !e.cfg.RestockOnExpiry {
		return
	}
	// The sale is already cancelled, so the restock must not be cut short
	// by a shutdown racing this handler.
	restockCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	movements, err := e.repo.ApplyRestock(restockCtx, sale.Lines, "pix expired", saleID)
	if err != nil {
		logger.Error().Err(err).Msg("restock after pix expiry")
		return
	}
	logAudit(restockCtx, e.repo, "pix_restock", "sale", saleID, fmt.Sprintf("movements=%d", len(movements)))
}

// Watch returns the live confirmation watch for a sale, if any.
func (e *Engine) Watch(saleID string) (*payment.Watch, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	w, ok := e.watches[saleID]
	return w, ok
}

// ResumeWatches restarts watches for PIX sales left pending by a previous
// process. Sales past their deadline expire right away.
func (e *Engine) ResumeWatches(ctx context.Context) (int, error) {
	pending, err := e.repo.ListSales(ctx, domain.PaymentPending, domain.PaymentPix, 0)
	if err != nil {
		return 0, err
	}
	resumed := 0
	for i := range pending {
		sale := pending[i]
		if sale.ChargeID == "" {
			continue
		}
		if _, running := e.Watch(sale.ID); running {
			continue
		}
		e.startWatch(&sale)
		resumed++
	}
	if resumed > 0 {
		e.logger.Info().Int("count", resumed).Msg("resumed pix watches")
	}
	return resumed, nil
}

// Shutdown abandons every running watch without settling it. Pending
// sales stay pending for ResumeWatches.
func (e *Engine) Shutdown() {
	e.stop()
	e.mu.Lock()
	watches := make([]*payment.Watch, 0, len(e.watches))
	for _, w := range e.watches {
		watches = append(watches, w)
	}
	e.mu.Unlock()
	for _, w := range watches {
		w.Stop()
	}
}
