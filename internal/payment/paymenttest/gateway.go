package paymenttest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"

	"caixa/backend/internal/payment"
)

var ErrGatewayDown = errors.New("gateway unavailable")

// Gateway is a scripted payment gateway. A charge reports paid once
// PaidAfter has elapsed on Clock since it was generated, or after
// Confirm is called. PaidAfter of zero means never.
type Gateway struct {
	Clock       payment.Clock
	PaidAfter   time.Duration
	GenerateErr error

	mu        sync.Mutex
	seq       int
	created   map[string]time.Time
	confirmed map[string]bool
	generated atomic.Int32
	checks    atomic.Int32
}

var _ payment.Gateway = (*Gateway)(nil)

func (g *Gateway) Generate(_ context.Context, amount decimal.Decimal, _ string) (payment.Charge, error) {
	if g.GenerateErr != nil {
		return payment.Charge{}, g.GenerateErr
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.created == nil {
		g.created = make(map[string]time.Time)
		g.confirmed = make(map[string]bool)
	}
	g.seq++
	id := fmt.Sprintf("pix_test_%d", g.seq)
	g.created[id] = g.now()
	g.generated.Add(1)
	return payment.Charge{ChargeID: id, QRCode: "qr-" + id + "-" + amount.StringFixed(2)}, nil
}

func (g *Gateway) CheckStatus(_ context.Context, chargeID string) (payment.Status, error) {
	g.checks.Add(1)
	g.mu.Lock()
	defer g.mu.Unlock()
	createdAt, ok := g.created[chargeID]
	if !ok {
		return payment.Status{}, fmt.Errorf("unknown charge %s", chargeID)
	}
	if g.confirmed[chargeID] {
		return payment.Status{Paid: true}, nil
	}
	if g.PaidAfter > 0 && g.now().Sub(createdAt) >= g.PaidAfter {
		return payment.Status{Paid: true}, nil
	}
	return payment.Status{}, nil
}

func (g *Gateway) Confirm(chargeID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.confirmed == nil {
		g.confirmed = make(map[string]bool)
	}
	g.confirmed[chargeID] = true
}

func (g *Gateway) Generated() int { return int(g.generated.Load()) }

func (g *Gateway) Checks() int { return int(g.checks.Load()) }

func (g *Gateway) now() time.Time {
	if g.Clock == nil {
		return time.Now().UTC()
	}
	return g.Clock.Now()
}
