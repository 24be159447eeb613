package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"caixa/backend/internal/domain"
	"caixa/backend/internal/store"
	"caixa/backend/internal/xid"
)

const saleColumns = `id, subtotal, discount, is_delivery, delivery_fee, total, payment_method, payment_status,
	amount_paid, change_amount, charge_id, pix_qr_code, pix_expires_at,
	customer_name, customer_phone, customer_email, customer_address,
	quote_id, user_name, finalized, created_at, completed_at, finalized_at`

func scanSale(row rowScanner) (domain.Sale, error) {
	var sale domain.Sale
	var method, status string
	var chargeID, qrCode, quoteID sql.NullString
	var pixExpiresAt, completedAt, finalizedAt sql.NullTime
	if err := row.Scan(&sale.ID, &sale.Subtotal, &sale.Discount, &sale.IsDelivery, &sale.DeliveryFee, &sale.Total, &method, &status,
		&sale.AmountPaid, &sale.Change, &chargeID, &qrCode, &pixExpiresAt,
		&sale.Customer.Name, &sale.Customer.Phone, &sale.Customer.Email, &sale.Customer.Address,
		&quoteID, &sale.UserName, &sale.Finalized, &sale.CreatedAt, &completedAt, &finalizedAt); err != nil {
		return domain.Sale{}, err
	}
	sale.PaymentMethod = domain.PaymentMethod(method)
	sale.PaymentStatus = domain.PaymentStatus(status)
	sale.ChargeID = chargeID.String
	sale.PixQRCode = qrCode.String
	sale.QuoteID = quoteID.String
	sale.CreatedAt = sale.CreatedAt.UTC()
	sale.PixExpiresAt = fromNullTime(pixExpiresAt)
	sale.CompletedAt = fromNullTime(completedAt)
	sale.FinalizedAt = fromNullTime(finalizedAt)
	return sale, nil
}

// CommitSale deducts stock, stores the sale with its lines and, for a
// quote conversion, flips the quote, all in one serializable transaction.
func (s *Store) CommitSale(ctx context.Context, commit store.SaleCommit) (*domain.Sale, []domain.StockMovement, error) {
	sale := commit.Sale
	if sale.ID == "" {
		sale.ID = xid.New("sale")
	}
	if commit.Now.IsZero() {
		commit.Now = time.Now().UTC()
	}

	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, nil, err
	}
	defer func() { _ = tx.Rollback() }()

	if commit.QuoteID != "" {
		var status string
		var validUntil time.Time
		err := tx.QueryRowContext(ctx, `
			SELECT status, valid_until
			FROM quotes
			WHERE id = $1
			FOR UPDATE
		`, commit.QuoteID).Scan(&status, &validUntil)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return nil, nil, fmt.Errorf("quote %s: %w", commit.QuoteID, store.ErrNotFound)
			}
			return nil, nil, conflictOr(err)
		}
		quote := domain.Quote{Status: domain.QuoteStatus(status), ValidUntil: validUntil}
		if !quote.Convertible(commit.Now) {
			return nil, nil, fmt.Errorf("quote %s is %s: %w", commit.QuoteID, status, domain.ErrQuoteNotConvertible)
		}
		sale.QuoteID = commit.QuoteID
	}

	movements, err := deductTx(ctx, tx, sale.Lines, "sale", sale.ID)
	if err != nil {
		return nil, nil, err
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO sales (`+saleColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21,$22,$23)
	`, sale.ID, sale.Subtotal, sale.Discount, sale.IsDelivery, sale.DeliveryFee, sale.Total,
		string(sale.PaymentMethod), string(sale.PaymentStatus), sale.AmountPaid, sale.Change,
		nullIfEmpty(sale.ChargeID), nullIfEmpty(sale.PixQRCode), nullTime(sale.PixExpiresAt),
		sale.Customer.Name, sale.Customer.Phone, sale.Customer.Email, sale.Customer.Address,
		nullIfEmpty(sale.QuoteID), sale.UserName, sale.Finalized, sale.CreatedAt,
		nullTime(sale.CompletedAt), nullTime(sale.FinalizedAt))
	if err != nil {
		if isUniqueViolation(err) {
			return nil, nil, store.ErrDuplicate
		}
		return nil, nil, conflictOr(err)
	}

	for i, line := range sale.Lines {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO sale_lines (sale_id, line_no, product_id, product_name, quantity, unit_price, line_discount, line_total)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
		`, sale.ID, i+1, line.ProductID, line.ProductName, line.Quantity, line.UnitPrice, line.LineDiscount, line.LineTotal); err != nil {
			return nil, nil, conflictOr(err)
		}
	}

	if sale.QuoteID != "" {
		if _, err := tx.ExecContext(ctx, `
			UPDATE quotes
			SET status = $2, converted_sale_id = $3
			WHERE id = $1
		`, sale.QuoteID, string(domain.QuoteConverted), sale.ID); err != nil {
			return nil, nil, conflictOr(err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, nil, conflictOr(err)
	}
	return &sale, movements, nil
}

func (s *Store) SaleByID(ctx context.Context, id string) (*domain.Sale, error) {
	sale, err := scanSale(s.db.QueryRowContext(ctx, `
		SELECT `+saleColumns+`
		FROM sales
		WHERE id = $1
	`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	lines, err := s.saleLines(ctx, []string{sale.ID})
	if err != nil {
		return nil, err
	}
	sale.Lines = lines[sale.ID]
	return &sale, nil
}

func (s *Store) ListSales(ctx context.Context, status domain.PaymentStatus, method domain.PaymentMethod, limit int) ([]domain.Sale, error) {
	if limit < 1 {
		limit = 1000
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+saleColumns+`
		FROM sales
		WHERE ($1 = '' OR payment_status = $1)
			AND ($2 = '' OR payment_method = $2)
		ORDER BY created_at DESC
		LIMIT $3
	`, string(status), string(method), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	sales := make([]domain.Sale, 0, 32)
	ids := make([]string, 0, 32)
	for rows.Next() {
		sale, err := scanSale(rows)
		if err != nil {
			return nil, err
		}
		sales = append(sales, sale)
		ids = append(ids, sale.ID)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return sales, nil
	}

	lines, err := s.saleLines(ctx, ids)
	if err != nil {
		return nil, err
	}
	for i := range sales {
		sales[i].Lines = lines[sales[i].ID]
	}
	return sales, nil
}

func (s *Store) saleLines(ctx context.Context, saleIDs []string) (map[string][]domain.SaleLine, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT sale_id, product_id, product_name, quantity, unit_price, line_discount, line_total
		FROM sale_lines
		WHERE sale_id = ANY($1)
		ORDER BY sale_id, line_no
	`, saleIDs)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	result := make(map[string][]domain.SaleLine, len(saleIDs))
	for rows.Next() {
		var saleID string
		var line domain.SaleLine
		if err := rows.Scan(&saleID, &line.ProductID, &line.ProductName, &line.Quantity, &line.UnitPrice, &line.LineDiscount, &line.LineTotal); err != nil {
			return nil, err
		}
		result[saleID] = append(result[saleID], line)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

func (s *Store) TransitionPayment(ctx context.Context, id string, from domain.PaymentStatus, to domain.PaymentStatus, at time.Time) (*domain.Sale, bool, error) {
	if !from.CanTransition(to) {
		current, err := s.SaleByID(ctx, id)
		return current, false, err
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE sales
		SET payment_status = $3,
			completed_at = CASE WHEN $3 = 'paid' THEN $4 ELSE completed_at END
		WHERE id = $1 AND payment_status = $2
	`, id, string(from), string(to), at)
	if err != nil {
		return nil, false, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, false, err
	}
	current, err := s.SaleByID(ctx, id)
	if err != nil {
		return nil, false, err
	}
	return current, affected == 1, nil
}

func (s *Store) MarkFinalized(ctx context.Context, id string, amountPaid decimal.Decimal, change decimal.Decimal, at time.Time) (*domain.Sale, bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE sales
		SET finalized = true, finalized_at = $2, amount_paid = $3, change_amount = $4
		WHERE id = $1 AND finalized = false
	`, id, at, amountPaid, change)
	if err != nil {
		return nil, false, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, false, err
	}
	current, err := s.SaleByID(ctx, id)
	if err != nil {
		return nil, false, err
	}
	return current, affected == 1, nil
}

const quoteColumns = `id, lines, subtotal, discount, total,
	customer_name, customer_phone, customer_email, customer_address,
	notes, valid_until, status, converted_sale_id, user_name, created_at`

func scanQuote(row rowScanner) (domain.Quote, error) {
	var quote domain.Quote
	var linesJSON []byte
	var status string
	var convertedSaleID sql.NullString
	if err := row.Scan(&quote.ID, &linesJSON, &quote.Subtotal, &quote.Discount, &quote.Total,
		&quote.Customer.Name, &quote.Customer.Phone, &quote.Customer.Email, &quote.Customer.Address,
		&quote.Notes, &quote.ValidUntil, &status, &convertedSaleID, &quote.UserName, &quote.CreatedAt); err != nil {
		return domain.Quote{}, err
	}
	if err := json.Unmarshal(linesJSON, &quote.Lines); err != nil {
		return domain.Quote{}, fmt.Errorf("decode quote lines: %w", err)
	}
	quote.Status = domain.QuoteStatus(status)
	quote.ConvertedSaleID = convertedSaleID.String
	quote.ValidUntil = quote.ValidUntil.UTC()
	quote.CreatedAt = quote.CreatedAt.UTC()
	return quote, nil
}

func (s *Store) CreateQuote(ctx context.Context, quote domain.Quote) (*domain.Quote, error) {
	if quote.ID == "" {
		quote.ID = xid.New("quote")
	}
	if strings.TrimSpace(quote.Customer.Name) == "" {
		return nil, domain.ErrMissingCustomer
	}
	linesJSON, err := json.Marshal(quote.Lines)
	if err != nil {
		return nil, err
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO quotes (`+quoteColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15)
	`, quote.ID, linesJSON, quote.Subtotal, quote.Discount, quote.Total,
		quote.Customer.Name, quote.Customer.Phone, quote.Customer.Email, quote.Customer.Address,
		quote.Notes, quote.ValidUntil, string(quote.Status), nullIfEmpty(quote.ConvertedSaleID), quote.UserName, quote.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, store.ErrDuplicate
		}
		return nil, err
	}
	return &quote, nil
}

func (s *Store) QuoteByID(ctx context.Context, id string) (*domain.Quote, error) {
	quote, err := scanQuote(s.db.QueryRowContext(ctx, `
		SELECT `+quoteColumns+`
		FROM quotes
		WHERE id = $1
	`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	return &quote, nil
}

func (s *Store) ListQuotes(ctx context.Context, status domain.QuoteStatus, limit int) ([]domain.Quote, error) {
	if limit < 1 {
		limit = 1000
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+quoteColumns+`
		FROM quotes
		WHERE $1 = '' OR status = $1
		ORDER BY created_at DESC
		LIMIT $2
	`, string(status), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	quotes := make([]domain.Quote, 0, 32)
	for rows.Next() {
		quote, err := scanQuote(rows)
		if err != nil {
			return nil, err
		}
		quotes = append(quotes, quote)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return quotes, nil
}

func (s *Store) TransitionQuote(ctx context.Context, id string, from domain.QuoteStatus, to domain.QuoteStatus) (*domain.Quote, bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE quotes
		SET status = $3
		WHERE id = $1 AND status = $2
	`, id, string(from), string(to))
	if err != nil {
		return nil, false, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, false, err
	}
	current, err := s.QuoteByID(ctx, id)
	if err != nil {
		return nil, false, err
	}
	return current, affected == 1, nil
}

func fromNullTime(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time.UTC()
	return &v
}
