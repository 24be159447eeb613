package service

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/shopspring/decimal"

	"caixa/backend/internal/cart"
	"caixa/backend/internal/domain"
	"caixa/backend/internal/store"
	"caixa/backend/internal/xid"
)

type cartSession struct {
	mu   sync.Mutex
	cart *cart.Cart
}

// Carts keeps open carts server-side between requests, one lock each.
type Carts struct {
	repo   store.Repository
	engine *Engine
	quotes *Quotes

	mu       sync.Mutex
	sessions map[string]*cartSession
}

func NewCarts(repo store.Repository, engine *Engine, quotes *Quotes) *Carts {
	return &Carts{repo: repo, engine: engine, quotes: quotes, sessions: make(map[string]*cartSession)}
}

func (c *Carts) Open(ctx context.Context) (domain.CartView, error) {
	if err := requireRole(ctx, domain.RoleCashier); err != nil {
		return domain.CartView{}, err
	}
	id := xid.New("cart")
	session := &cartSession{cart: cart.New(c.repo)}

	c.mu.Lock()
	c.sessions[id] = session
	c.mu.Unlock()
	return view(id, session.cart), nil
}

func (c *Carts) session(id string) (*cartSession, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	session, ok := c.sessions[id]
	if !ok {
		return nil, fmt.Errorf("cart %s: %w", id, store.ErrNotFound)
	}
	return session, nil
}

// with runs fn under the cart's lock and returns the resulting view.
func (c *Carts) with(ctx context.Context, id string, fn func(*cart.Cart) error) (domain.CartView, error) {
	if err := requireRole(ctx, domain.RoleCashier); err != nil {
		return domain.CartView{}, err
	}
	session, err := c.session(id)
	if err != nil {
		return domain.CartView{}, err
	}
	session.mu.Lock()
	defer session.mu.Unlock()
	if fn != nil {
		if err := fn(session.cart); err != nil {
			return domain.CartView{}, err
		}
	}
	return view(id, session.cart), nil
}

func (c *Carts) Get(ctx context.Context, id string) (domain.CartView, error) {
	return c.with(ctx, id, nil)
}

// AddItem adds by product id, or by barcode when no id is given.
func (c *Carts) AddItem(ctx context.Context, id string, req domain.CartItemRequest) (domain.CartView, error) {
	return c.with(ctx, id, func(ct *cart.Cart) error {
		switch {
		case req.ProductID != "":
			return ct.Add(ctx, req.ProductID, req.Quantity)
		case req.Barcode != "":
			return ct.AddByBarcode(ctx, req.Barcode, req.Quantity)
		}
		return fmt.Errorf("%w: product_id or barcode is required", domain.ErrInvalidInput)
	})
}

func (c *Carts) SetQuantity(ctx context.Context, id string, productID string, qty int) (domain.CartView, error) {
	return c.with(ctx, id, func(ct *cart.Cart) error {
		return ct.SetQuantity(ctx, productID, qty)
	})
}

func (c *Carts) SetLineDiscount(ctx context.Context, id string, productID string, amount decimal.Decimal) (domain.CartView, error) {
	return c.with(ctx, id, func(ct *cart.Cart) error {
		return ct.SetLineDiscount(productID, amount)
	})
}

func (c *Carts) RemoveItem(ctx context.Context, id string, productID string) (domain.CartView, error) {
	return c.with(ctx, id, func(ct *cart.Cart) error {
		ct.Remove(productID)
		return nil
	})
}

func (c *Carts) Discard(ctx context.Context, id string) error {
	if err := requireRole(ctx, domain.RoleCashier); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.sessions[id]; !ok {
		return fmt.Errorf("cart %s: %w", id, store.ErrNotFound)
	}
	delete(c.sessions, id)
	return nil
}

// Checkout commits the cart as a sale. Immediate methods are finalized in
// the same call; PIX sales come back pending with their QR code. The cart
// is discarded once the sale exists, even if a device failed afterwards.
func (c *Carts) Checkout(ctx context.Context, id string, req domain.CheckoutRequest) (*domain.CheckoutResponse, error) {
	if err := requireRole(ctx, domain.RoleCashier); err != nil {
		return nil, err
	}
	session, err := c.session(id)
	if err != nil {
		return nil, err
	}
	// Checkout finalizes cash sales in the same call, so the tendered
	// amount has to be known before anything is written.
	if req.PaymentMethod == domain.PaymentCash && req.AmountPaid == nil {
		return nil, fmt.Errorf("%w: amount_paid is required for cash", domain.ErrInsufficientPayment)
	}
	session.mu.Lock()
	defer session.mu.Unlock()

	sale, err := c.engine.Commit(ctx, CommitRequest{
		Lines:         session.cart.Lines(),
		Discount:      req.Discount,
		PaymentMethod: req.PaymentMethod,
		Customer:      req.Customer,
		Delivery:      req.Delivery,
		AmountPaid:    req.AmountPaid,
	})
	if err != nil {
		return nil, err
	}
	session.cart.Clear()
	c.drop(id, session)

	resp := &domain.CheckoutResponse{Sale: sale}
	if !sale.PaymentMethod.Immediate() {
		return resp, nil
	}

	result, err := c.engine.Finalize(ctx, sale.ID, req.AmountPaid)
	var sideErr *domain.SideEffectError
	switch {
	case err == nil:
	case errors.As(err, &sideErr):
		resp.SideEffectError = err.Error()
	default:
		return nil, err
	}
	resp.Finalize = result
	if settled, err := c.engine.Sale(ctx, sale.ID); err == nil {
		resp.Sale = settled
	}
	return resp, nil
}

// SaveAsQuote turns the cart into a quote and discards it.
func (c *Carts) SaveAsQuote(ctx context.Context, id string, req domain.QuoteCreateRequest) (*domain.Quote, error) {
	if err := requireRole(ctx, domain.RoleSeller); err != nil {
		return nil, err
	}
	session, err := c.session(id)
	if err != nil {
		return nil, err
	}
	session.mu.Lock()
	defer session.mu.Unlock()

	quote, err := c.quotes.Create(ctx, session.cart.Lines(), req)
	if err != nil {
		return nil, err
	}
	session.cart.Clear()
	c.drop(id, session)
	return quote, nil
}

func (c *Carts) drop(id string, session *cartSession) {
	c.mu.Lock()
	if c.sessions[id] == session {
		delete(c.sessions, id)
	}
	c.mu.Unlock()
}

func view(id string, ct *cart.Cart) domain.CartView {
	return domain.CartView{ID: id, Lines: ct.Lines(), Subtotal: ct.Subtotal()}
}
