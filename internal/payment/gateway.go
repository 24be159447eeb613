package payment

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"caixa/backend/internal/domain"
	"caixa/backend/internal/xid"
)

type Charge struct {
	ChargeID string
	QRCode   string
}

type Status struct {
	Paid bool
}

// Gateway issues asynchronous charges and reports their confirmation.
type Gateway interface {
	Generate(ctx context.Context, amount decimal.Decimal, description string) (Charge, error)
	CheckStatus(ctx context.Context, chargeID string) (Status, error)
}

// SandboxGateway approves every charge once ConfirmAfter has elapsed
// since it was generated. It never talks to a payment network.
type SandboxGateway struct {
	clock        Clock
	merchantName string
	merchantCity string
	confirmAfter time.Duration

	mu      sync.Mutex
	created map[string]time.Time
}

func NewSandboxGateway(clock Clock, merchantName string, confirmAfter time.Duration) *SandboxGateway {
	if clock == nil {
		clock = RealClock{}
	}
	if merchantName == "" {
		merchantName = "caixa"
	}
	return &SandboxGateway{
		clock:        clock,
		merchantName: merchantName,
		merchantCity: "SAO PAULO",
		confirmAfter: confirmAfter,
		created:      make(map[string]time.Time),
	}
}

func (g *SandboxGateway) Generate(ctx context.Context, amount decimal.Decimal, description string) (Charge, error) {
	if err := ctx.Err(); err != nil {
		return Charge{}, err
	}
	if !amount.IsPositive() {
		return Charge{}, fmt.Errorf("%w: charge amount must be positive", domain.ErrInvalidInput)
	}

	chargeID := xid.New("pix")
	g.mu.Lock()
	g.created[chargeID] = g.clock.Now()
	g.mu.Unlock()

	return Charge{ChargeID: chargeID, QRCode: g.brCode(chargeID, amount, description)}, nil
}

func (g *SandboxGateway) CheckStatus(ctx context.Context, chargeID string) (Status, error) {
	if err := ctx.Err(); err != nil {
		return Status{}, err
	}
	g.mu.Lock()
	createdAt, ok := g.created[chargeID]
	g.mu.Unlock()
	if !ok {
		return Status{}, fmt.Errorf("unknown charge %s", chargeID)
	}
	return Status{Paid: g.clock.Now().Sub(createdAt) >= g.confirmAfter}, nil
}

// brCode renders a static-looking BR Code payload. Field ids follow the
// EMV layout the PIX rail uses; the key and CRC are placeholders.
func (g *SandboxGateway) brCode(chargeID string, amount decimal.Decimal, description string) string {
	field := func(id string, value string) string {
		return fmt.Sprintf("%s%02d%s", id, len(value), value)
	}
	account := field("00", "br.gov.bcb.pix") + field("01", chargeID)
	if description != "" {
		account += field("02", truncate(description, 40))
	}
	var b strings.Builder
	b.WriteString(field("00", "01"))
	b.WriteString(field("26", account))
	b.WriteString(field("52", "0000"))
	b.WriteString(field("53", "986"))
	b.WriteString(field("54", amount.StringFixed(2)))
	b.WriteString(field("58", "BR"))
	b.WriteString(field("59", truncate(g.merchantName, 25)))
	b.WriteString(field("60", g.merchantCity))
	b.WriteString(field("62", field("05", "***")))
	b.WriteString("6304")
	b.WriteString(strings.ToUpper(chargeID[len(chargeID)-4:]))
	return b.String()
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
