package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"caixa/backend/internal/domain"
	"caixa/backend/internal/pricing"
	"caixa/backend/internal/store"
	"caixa/backend/internal/xid"
)

// Quotes manages price quotes. A quote reserves nothing; stock is only
// checked again when it converts into a sale.
type Quotes struct {
	repo         store.Repository
	engine       *Engine
	validityDays int
}

func NewQuotes(repo store.Repository, engine *Engine, validityDays int) *Quotes {
	if validityDays <= 0 {
		validityDays = 7
	}
	return &Quotes{repo: repo, engine: engine, validityDays: validityDays}
}

func (q *Quotes) Create(ctx context.Context, lines []domain.SaleLine, req domain.QuoteCreateRequest) (*domain.Quote, error) {
	if err := requireRole(ctx, domain.RoleSeller); err != nil {
		return nil, err
	}
	if len(lines) == 0 {
		return nil, domain.ErrEmptyCart
	}
	req.Customer.Name = strings.TrimSpace(req.Customer.Name)
	if req.Customer.Name == "" {
		return nil, domain.ErrMissingCustomer
	}
	if req.ValidityDays < 0 {
		return nil, fmt.Errorf("%w: validity days must not be negative", domain.ErrInvalidInput)
	}
	days := req.ValidityDays
	if days == 0 {
		days = q.validityDays
	}

	totals, err := pricing.Calculate(lines, pricing.Adjustments{Discount: req.Discount})
	if err != nil {
		return nil, err
	}

	now := q.engine.clock.Now()
	quote, err := q.repo.CreateQuote(ctx, domain.Quote{
		ID:         xid.New("quote"),
		Lines:      totals.Lines,
		Subtotal:   totals.Subtotal,
		Discount:   totals.Discount,
		Total:      totals.Total,
		Customer:   req.Customer,
		Notes:      strings.TrimSpace(req.Notes),
		ValidUntil: now.AddDate(0, 0, days),
		Status:     domain.QuoteActive,
		UserName:   actorName(ctx),
		CreatedAt:  now,
	})
	if err != nil {
		return nil, err
	}
	logAudit(ctx, q.repo, "quote_create", "quote", quote.ID,
		fmt.Sprintf("customer=%s,total=%s,valid_until=%s", quote.Customer.Name, quote.Total.StringFixed(2), quote.ValidUntil.Format(time.RFC3339)))
	return quote, nil
}

// Convert turns an active quote into a pending cash sale at the quoted
// prices. Stock is re-checked and deducted like any other commit.
func (q *Quotes) Convert(ctx context.Context, quoteID string) (*domain.Sale, error) {
	if err := requireRole(ctx, domain.RoleSeller); err != nil {
		return nil, err
	}
	quote, err := q.repo.QuoteByID(ctx, quoteID)
	if err != nil {
		return nil, err
	}
	now := q.engine.clock.Now()
	if quote.Status == domain.QuoteActive && now.After(quote.ValidUntil) {
		q.expire(ctx, quote.ID)
		return nil, fmt.Errorf("quote %s expired at %s: %w", quote.ID, quote.ValidUntil.Format(time.RFC3339), domain.ErrQuoteNotConvertible)
	}
	if !quote.Convertible(now) {
		return nil, fmt.Errorf("quote %s is %s: %w", quote.ID, quote.Status, domain.ErrQuoteNotConvertible)
	}

	sale, err := q.engine.commit(ctx, CommitRequest{
		Lines:         quote.Lines,
		Discount:      quote.Discount,
		PaymentMethod: domain.PaymentCash,
		Customer:      quote.Customer,
	}, commitOptions{quote: quote})
	if err != nil {
		return nil, err
	}
	logAudit(ctx, q.repo, "quote_convert", "quote", quote.ID, "sale="+sale.ID)
	return sale, nil
}

func (q *Quotes) Cancel(ctx context.Context, quoteID string) (*domain.Quote, error) {
	if err := requireRole(ctx, domain.RoleSeller); err != nil {
		return nil, err
	}
	quote, ok, err := q.repo.TransitionQuote(ctx, quoteID, domain.QuoteActive, domain.QuoteCancelled)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("quote %s is %s: %w", quote.ID, quote.Status, domain.ErrQuoteNotConvertible)
	}
	logAudit(ctx, q.repo, "quote_cancel", "quote", quote.ID, "")
	return quote, nil
}

// ExpireDue marks every active quote past its deadline as expired.
func (q *Quotes) ExpireDue(ctx context.Context) (int, error) {
	active, err := q.repo.ListQuotes(ctx, domain.QuoteActive, 0)
	if err != nil {
		return 0, err
	}
	now := q.engine.clock.Now()
	expired := 0
	for _, quote := range active {
		if !now.After(quote.ValidUntil) {
			continue
		}
		if q.expire(ctx, quote.ID) {
			expired++
		}
	}
	return expired, nil
}

func (q *Quotes) expire(ctx context.Context, quoteID string) bool {
	_, ok, err := q.repo.TransitionQuote(ctx, quoteID, domain.QuoteActive, domain.QuoteExpired)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			log.Warn().Err(err).Str("component", "quotes").Str("quote_id", quoteID).Msg("expire quote")
		}
		return false
	}
	if ok {
		logAudit(ctx, q.repo, "quote_expire", "quote", quoteID, "")
	}
	return ok
}

func (q *Quotes) Get(ctx context.Context, quoteID string) (*domain.Quote, error) {
	if err := requireRole(ctx, domain.RoleSeller); err != nil {
		return nil, err
	}
	return q.repo.QuoteByID(ctx, quoteID)
}

func (q *Quotes) List(ctx context.Context, status domain.QuoteStatus, limit int) ([]domain.Quote, error) {
	if err := requireRole(ctx, domain.RoleSeller); err != nil {
		return nil, err
	}
	return q.repo.ListQuotes(ctx, status, limit)
}
