// Package hardware drives the receipt printer and cash drawer over
// ESC/POS.
package hardware

import (
	"context"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"caixa/backend/internal/domain"
)

type ReceiptPrinter interface {
	Print(ctx context.Context, sale domain.Sale) error
}

type CashDrawer interface {
	Open(ctx context.Context) error
}

// Sink receives raw ESC/POS jobs.
type Sink interface {
	Send(ctx context.Context, job []byte) error
}

var (
	escInit    = []byte{0x1b, 0x40}
	escCut     = []byte{0x1d, 0x56, 0x41, 0x10}
	drawerKick = []byte{0x1b, 0x70, 0x00, 0x19, 0xfa}
)

type EscposPrinter struct {
	sink     Sink
	shopName string
	location *time.Location
}

func NewEscposPrinter(sink Sink, shopName string) *EscposPrinter {
	loc, err := time.LoadLocation("America/Sao_Paulo")
	if err != nil {
		loc = time.UTC
	}
	return &EscposPrinter{sink: sink, shopName: shopName, location: loc}
}

func (p *EscposPrinter) Print(ctx context.Context, sale domain.Sale) error {
	return p.sink.Send(ctx, EncodeReceipt(p.ReceiptLines(sale)))
}

// ReceiptLines renders the non-fiscal receipt text.
func (p *EscposPrinter) ReceiptLines(sale domain.Sale) []string {
	lines := []string{
		strings.ToUpper(p.shopName),
		"CUPOM NAO FISCAL",
		"================================",
		"Venda: " + sale.ID,
		"Data: " + sale.CreatedAt.In(p.location).Format("02/01/2006 15:04:05"),
	}
	if sale.Customer.Name != "" {
		lines = append(lines, "Cliente: "+sale.Customer.Name)
	}
	lines = append(lines, "--------------------------------")
	for _, line := range sale.Lines {
		lines = append(lines, line.ProductName)
		lines = append(lines, fmt.Sprintf("  %d x %s = %s", line.Quantity, money(line.UnitPrice), money(line.LineTotal)))
	}
	lines = append(lines,
		"--------------------------------",
		"Subtotal: "+money(sale.Subtotal),
	)
	if sale.Discount.IsPositive() {
		lines = append(lines, "Desconto: -"+money(sale.Discount))
	}
	if sale.IsDelivery && sale.DeliveryFee.IsPositive() {
		lines = append(lines, "Entrega: "+money(sale.DeliveryFee))
	}
	lines = append(lines,
		"TOTAL: "+money(sale.Total),
		"Pagamento: "+paymentLabel(sale.PaymentMethod),
	)
	if sale.PaymentMethod == domain.PaymentCash && sale.AmountPaid.IsPositive() {
		lines = append(lines,
			"Recebido: "+money(sale.AmountPaid),
			"Troco: "+money(sale.Change),
		)
	}
	lines = append(lines, "================================", "Obrigado pela preferencia!", "")
	return lines
}

// EncodeReceipt frames text lines as an ESC/POS job: init, lines, cut.
func EncodeReceipt(lines []string) []byte {
	job := append([]byte{}, escInit...)
	for _, line := range lines {
		job = append(job, []byte(line)...)
		job = append(job, '\n')
	}
	return append(job, escCut...)
}

type EscposDrawer struct {
	sink Sink
}

func NewEscposDrawer(sink Sink) *EscposDrawer {
	return &EscposDrawer{sink: sink}
}

// Open sends the pin-2 drawer kick pulse.
func (d *EscposDrawer) Open(ctx context.Context) error {
	return d.sink.Send(ctx, drawerKick)
}

// TCPSink writes each job on a fresh connection to a raw-socket printer
// (port 9100 on most devices). Jobs are serialized.
type TCPSink struct {
	addr    string
	timeout time.Duration
	mu      sync.Mutex
}

func NewTCPSink(addr string, timeout time.Duration) *TCPSink {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &TCPSink{addr: addr, timeout: timeout}
}

func (s *TCPSink) Send(ctx context.Context, job []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	dialer := net.Dialer{Timeout: s.timeout}
	conn, err := dialer.DialContext(ctx, "tcp", s.addr)
	if err != nil {
		return fmt.Errorf("dial printer %s: %w", s.addr, err)
	}
	defer conn.Close()

	deadline := time.Now().Add(s.timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := conn.SetWriteDeadline(deadline); err != nil {
		return err
	}
	if _, err := conn.Write(job); err != nil {
		return fmt.Errorf("write printer %s: %w", s.addr, err)
	}
	return nil
}

// LogSink is used when no printer is configured.
type LogSink struct{}

func (LogSink) Send(_ context.Context, job []byte) error {
	log.Info().Str("component", "hardware").Int("bytes", len(job)).
		Str("preview", preview(job)).Msg("escpos job")
	return nil
}

func preview(job []byte) string {
	text := strings.TrimPrefix(string(job), string(escInit))
	text = strings.TrimSuffix(text, string(escCut))
	return strings.TrimSpace(text)
}

func money(d decimal.Decimal) string {
	return "R$ " + strings.Replace(d.StringFixed(2), ".", ",", 1)
}

func paymentLabel(method domain.PaymentMethod) string {
	switch method {
	case domain.PaymentCash:
		return "Dinheiro"
	case domain.PaymentCard:
		return "Cartao"
	case domain.PaymentPix:
		return "PIX"
	case domain.PaymentCredit:
		return "Crediario"
	}
	return string(method)
}
