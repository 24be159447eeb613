package postgres

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/stdlib"
	pgxdecimal "github.com/jackc/pgx-shopspring-decimal"

	"caixa/backend/internal/domain"
	"caixa/backend/internal/store"
	"caixa/backend/internal/xid"
)

//go:embed schema.sql
var schemaSQL string

type Store struct {
	db *sql.DB
}

var _ store.Repository = (*Store)(nil)

func New(ctx context.Context, databaseURL string) (*Store, error) {
	connConfig, err := pgx.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}
	db := stdlib.OpenDB(*connConfig, stdlib.OptionAfterConnect(func(_ context.Context, conn *pgx.Conn) error {
		pgxdecimal.Register(conn.TypeMap())
		return nil
	}))

	db.SetMaxIdleConns(8)
	db.SetMaxOpenConns(30)
	db.SetConnMaxLifetime(30 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 6*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, err
	}

	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// EnsureSchema creates missing tables. Every statement is idempotent.
func (s *Store) EnsureSchema(ctx context.Context) error {
	for _, stmt := range strings.Split(schemaSQL, ";") {
		if strings.TrimSpace(stmt) == "" {
			continue
		}
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("apply schema: %w", err)
		}
	}
	return nil
}

const productColumns = `id, name, description, price, cost, stock, baseline_stock, min_stock,
	category, brand, unit, barcode, expiry_date, active, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanProduct(row rowScanner) (domain.Product, error) {
	var p domain.Product
	var barcode sql.NullString
	var expiry sql.NullTime
	if err := row.Scan(&p.ID, &p.Name, &p.Description, &p.Price, &p.Cost, &p.Stock, &p.BaselineStock, &p.MinStock,
		&p.Category, &p.Brand, &p.Unit, &barcode, &expiry, &p.Active, &p.CreatedAt, &p.UpdatedAt); err != nil {
		return domain.Product{}, err
	}
	p.Barcode = barcode.String
	if expiry.Valid {
		e := expiry.Time.UTC()
		p.ExpiryDate = &e
	}
	p.CreatedAt = p.CreatedAt.UTC()
	p.UpdatedAt = p.UpdatedAt.UTC()
	return p, nil
}

func (s *Store) ListProducts(ctx context.Context) ([]domain.Product, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+productColumns+`
		FROM products
		ORDER BY category, name
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	products := make([]domain.Product, 0, 128)
	for rows.Next() {
		p, err := scanProduct(rows)
		if err != nil {
			return nil, err
		}
		products = append(products, p)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return products, nil
}

func (s *Store) ProductByID(ctx context.Context, id string) (*domain.Product, error) {
	return s.productWhere(ctx, "id", id)
}

func (s *Store) ProductByBarcode(ctx context.Context, barcode string) (*domain.Product, error) {
	if barcode == "" {
		return nil, store.ErrNotFound
	}
	return s.productWhere(ctx, "barcode", barcode)
}

func (s *Store) productWhere(ctx context.Context, column string, value string) (*domain.Product, error) {
	p, err := scanProduct(s.db.QueryRowContext(ctx, `
		SELECT `+productColumns+`
		FROM products
		WHERE `+column+` = $1
	`, value))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	return &p, nil
}

func (s *Store) CreateProduct(ctx context.Context, product domain.Product) (*domain.Product, error) {
	if product.ID == "" {
		product.ID = xid.New("prod")
	}
	if product.Name == "" || product.Price.IsNegative() || product.Stock < 0 {
		return nil, domain.ErrInvalidInput
	}
	now := time.Now().UTC()
	product.BaselineStock = product.Stock
	product.CreatedAt = now
	product.UpdatedAt = now

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO products (`+productColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16)
	`, product.ID, product.Name, product.Description, product.Price, product.Cost, product.Stock, product.BaselineStock,
		product.MinStock, product.Category, product.Brand, product.Unit, nullIfEmpty(product.Barcode), nullDate(product.ExpiryDate),
		product.Active, product.CreatedAt, product.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, store.ErrDuplicate
		}
		return nil, err
	}
	return &product, nil
}

func (s *Store) ApplyDeduction(ctx context.Context, lines []domain.SaleLine, reason string, reference string) ([]domain.StockMovement, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	movements, err := deductTx(ctx, tx, lines, reason, reference)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, conflictOr(err)
	}
	return movements, nil
}

// deductTx locks every product row of the sale in id order, checks all
// of them, then decrements. Nothing is written if any line falls short.
func deductTx(ctx context.Context, tx *sql.Tx, lines []domain.SaleLine, reason string, reference string) ([]domain.StockMovement, error) {
	if len(lines) == 0 {
		return nil, domain.ErrEmptyCart
	}
	need := make(map[string]int, len(lines))
	for _, line := range lines {
		if line.Quantity < 1 {
			return nil, fmt.Errorf("%w: quantity for %s", domain.ErrInvalidInput, line.ProductID)
		}
		need[line.ProductID] += line.Quantity
	}
	ids := uniqueProductIDs(lines)

	rows, err := tx.QueryContext(ctx, `
		SELECT id, stock
		FROM products
		WHERE id = ANY($1)
		ORDER BY id
		FOR UPDATE
	`, ids)
	if err != nil {
		return nil, conflictOr(err)
	}
	stock := make(map[string]int, len(ids))
	for rows.Next() {
		var id string
		var qty int
		if err := rows.Scan(&id, &qty); err != nil {
			_ = rows.Close()
			return nil, err
		}
		stock[id] = qty
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return nil, conflictOr(err)
	}
	_ = rows.Close()

	for _, id := range ids {
		available, ok := stock[id]
		if !ok {
			return nil, fmt.Errorf("product %s: %w", id, store.ErrNotFound)
		}
		if available < need[id] {
			return nil, domain.NewStockError(domain.ErrStockConflict, id, need[id], available)
		}
	}

	now := time.Now().UTC()
	for _, id := range ids {
		if _, err := tx.ExecContext(ctx, `
			UPDATE products
			SET stock = stock - $1, updated_at = $2
			WHERE id = $3
		`, need[id], now, id); err != nil {
			return nil, conflictOr(err)
		}
	}

	movements := make([]domain.StockMovement, 0, len(lines))
	for _, line := range lines {
		movement := domain.StockMovement{
			ID:        xid.New("mov"),
			ProductID: line.ProductID,
			Kind:      domain.MovementOut,
			Quantity:  line.Quantity,
			Reason:    reason,
			Reference: reference,
			CreatedAt: now,
		}
		if err := insertMovement(ctx, tx, movement); err != nil {
			return nil, err
		}
		movements = append(movements, movement)
	}
	return movements, nil
}

func insertMovement(ctx context.Context, tx *sql.Tx, m domain.StockMovement) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO stock_movements (id, product_id, kind, quantity, reason, reference, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
	`, m.ID, m.ProductID, string(m.Kind), m.Quantity, m.Reason, m.Reference, m.CreatedAt)
	return err
}

func (s *Store) ApplyReceipt(ctx context.Context, productID string, qty int, reason string, reference string) (*domain.StockMovement, error) {
	if qty < 1 {
		return nil, fmt.Errorf("%w: receipt quantity must be positive", domain.ErrInvalidInput)
	}
	return s.appendMovement(ctx, productID, domain.MovementIn, qty, reason, reference)
}

// ApplyRestock locks the products in id order and puts every line back
// in one transaction.
func (s *Store) ApplyRestock(ctx context.Context, lines []domain.SaleLine, reason string, reference string) ([]domain.StockMovement, error) {
	if len(lines) == 0 {
		return nil, domain.ErrEmptyCart
	}
	add := make(map[string]int, len(lines))
	for _, line := range lines {
		if line.Quantity < 1 {
			return nil, fmt.Errorf("%w: quantity for %s", domain.ErrInvalidInput, line.ProductID)
		}
		add[line.ProductID] += line.Quantity
	}
	ids := uniqueProductIDs(lines)

	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	rows, err := tx.QueryContext(ctx, `
		SELECT id
		FROM products
		WHERE id = ANY($1)
		ORDER BY id
		FOR UPDATE
	`, ids)
	if err != nil {
		return nil, conflictOr(err)
	}
	found := make(map[string]bool, len(ids))
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			_ = rows.Close()
			return nil, err
		}
		found[id] = true
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return nil, conflictOr(err)
	}
	_ = rows.Close()

	now := time.Now().UTC()
	for _, id := range ids {
		if !found[id] {
			return nil, fmt.Errorf("product %s: %w", id, store.ErrNotFound)
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE products
			SET stock = stock + $1, updated_at = $2
			WHERE id = $3
		`, add[id], now, id); err != nil {
			return nil, conflictOr(err)
		}
	}

	movements := make([]domain.StockMovement, 0, len(lines))
	for _, line := range lines {
		movement := domain.StockMovement{
			ID:        xid.New("mov"),
			ProductID: line.ProductID,
			Kind:      domain.MovementIn,
			Quantity:  line.Quantity,
			Reason:    reason,
			Reference: reference,
			CreatedAt: now,
		}
		if err := insertMovement(ctx, tx, movement); err != nil {
			return nil, err
		}
		movements = append(movements, movement)
	}
	if err := tx.Commit(); err != nil {
		return nil, conflictOr(err)
	}
	return movements, nil
}

func (s *Store) ApplyAdjustment(ctx context.Context, productID string, delta int, reason string) (*domain.StockMovement, error) {
	if delta == 0 {
		return nil, fmt.Errorf("%w: adjustment delta must not be zero", domain.ErrInvalidInput)
	}
	if delta > 0 {
		return s.appendMovement(ctx, productID, domain.MovementAdjustment, delta, reason, "")
	}
	return s.appendMovement(ctx, productID, domain.MovementOut, -delta, reason, "")
}

func (s *Store) appendMovement(ctx context.Context, productID string, kind domain.MovementKind, qty int, reason string, reference string) (*domain.StockMovement, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	var current int
	err = tx.QueryRowContext(ctx, `
		SELECT stock
		FROM products
		WHERE id = $1
		FOR UPDATE
	`, productID).Scan(&current)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("product %s: %w", productID, store.ErrNotFound)
		}
		return nil, conflictOr(err)
	}

	movement := domain.StockMovement{
		ID:        xid.New("mov"),
		ProductID: productID,
		Kind:      kind,
		Quantity:  qty,
		Reason:    reason,
		Reference: reference,
		CreatedAt: time.Now().UTC(),
	}
	next := current + movement.Signed()
	if next < 0 {
		return nil, domain.NewStockError(domain.ErrStockConflict, productID, qty, current)
	}
	if _, err := tx.ExecContext(ctx, `
		UPDATE products
		SET stock = $1, updated_at = $2
		WHERE id = $3
	`, next, movement.CreatedAt, productID); err != nil {
		return nil, conflictOr(err)
	}
	if err := insertMovement(ctx, tx, movement); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, conflictOr(err)
	}
	return &movement, nil
}

func (s *Store) Movements(ctx context.Context, productID string, limit int) ([]domain.StockMovement, error) {
	if limit < 1 {
		limit = 1000
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, product_id, kind, quantity, reason, reference, created_at
		FROM stock_movements
		WHERE $1 = '' OR product_id = $1
		ORDER BY created_at DESC, id DESC
		LIMIT $2
	`, productID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	movements := make([]domain.StockMovement, 0, 32)
	for rows.Next() {
		var m domain.StockMovement
		var kind string
		if err := rows.Scan(&m.ID, &m.ProductID, &kind, &m.Quantity, &m.Reason, &m.Reference, &m.CreatedAt); err != nil {
			return nil, err
		}
		m.Kind = domain.MovementKind(kind)
		m.CreatedAt = m.CreatedAt.UTC()
		movements = append(movements, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return movements, nil
}

func (s *Store) DerivedStock(ctx context.Context, productID string) (int, error) {
	var derived int
	err := s.db.QueryRowContext(ctx, `
		SELECT p.baseline_stock + COALESCE(SUM(CASE WHEN m.kind = 'out' THEN -m.quantity ELSE m.quantity END), 0)
		FROM products p
		LEFT JOIN stock_movements m ON m.product_id = p.id
		WHERE p.id = $1
		GROUP BY p.id, p.baseline_stock
	`, productID).Scan(&derived)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, store.ErrNotFound
		}
		return 0, err
	}
	return derived, nil
}

func (s *Store) CreateAuditLog(ctx context.Context, entry domain.AuditLog) error {
	if entry.ID == "" {
		entry.ID = xid.New("audit")
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO audit_logs (
			id, actor_username, actor_role, action, entity_type, entity_id, detail, created_at
		)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
	`, entry.ID, entry.ActorUsername, entry.ActorRole, entry.Action, entry.EntityType, entry.EntityID, entry.Detail, entry.CreatedAt)
	return err
}

func (s *Store) ListAuditLogs(ctx context.Context, from time.Time, to time.Time, limit int) ([]domain.AuditLog, error) {
	if limit < 1 {
		limit = 100
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, actor_username, actor_role, action, entity_type, entity_id, detail, created_at
		FROM audit_logs
		WHERE created_at >= $1
			AND created_at < $2
		ORDER BY created_at DESC
		LIMIT $3
	`, from, to, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	logs := make([]domain.AuditLog, 0, limit)
	for rows.Next() {
		var entry domain.AuditLog
		if err := rows.Scan(&entry.ID, &entry.ActorUsername, &entry.ActorRole, &entry.Action, &entry.EntityType, &entry.EntityID, &entry.Detail, &entry.CreatedAt); err != nil {
			return nil, err
		}
		entry.CreatedAt = entry.CreatedAt.UTC()
		logs = append(logs, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return logs, nil
}

func (s *Store) CreateUser(ctx context.Context, user domain.UserAccount) error {
	user.Username = strings.ToLower(strings.TrimSpace(user.Username))
	if user.Username == "" || strings.TrimSpace(user.Password) == "" {
		return domain.ErrInvalidInput
	}
	if user.Role == "" {
		user.Role = domain.RoleCashier.String()
	}
	if user.CreatedAt.IsZero() {
		user.CreatedAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO app_users (username, password, role, active, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,now())
	`, user.Username, user.Password, user.Role, user.Active, user.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return store.ErrDuplicate
		}
		return err
	}
	return nil
}

func (s *Store) ListUsers(ctx context.Context) ([]domain.UserAccount, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT username, password, role, active, created_at
		FROM app_users
		ORDER BY username ASC
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	users := make([]domain.UserAccount, 0, 16)
	for rows.Next() {
		var user domain.UserAccount
		if err := rows.Scan(&user.Username, &user.Password, &user.Role, &user.Active, &user.CreatedAt); err != nil {
			return nil, err
		}
		user.CreatedAt = user.CreatedAt.UTC()
		users = append(users, user)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return users, nil
}

func (s *Store) UpdateUserPassword(ctx context.Context, username string, password string) error {
	username = strings.ToLower(strings.TrimSpace(username))
	if username == "" || strings.TrimSpace(password) == "" {
		return domain.ErrInvalidInput
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE app_users
		SET password = $2, updated_at = now()
		WHERE username = $1
	`, username, password)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return store.ErrNotFound
	}
	return nil
}

func uniqueProductIDs(lines []domain.SaleLine) []string {
	set := make(map[string]struct{}, len(lines))
	for _, line := range lines {
		if line.ProductID == "" {
			continue
		}
		set[line.ProductID] = struct{}{}
	}

	ids := make([]string, 0, len(set))
	for id := range set {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}

// conflictOr maps serialization and deadlock failures to
// domain.ErrStockConflict so callers see the same error as a lost race
// in the in-memory store.
func conflictOr(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && (pgErr.Code == "40001" || pgErr.Code == "40P01") {
		return fmt.Errorf("%w: %s", domain.ErrStockConflict, pgErr.Message)
	}
	return err
}

func nowDateUTC(t time.Time) time.Time {
	return time.Date(t.UTC().Year(), t.UTC().Month(), t.UTC().Day(), 0, 0, 0, 0, time.UTC)
}

func nullIfEmpty(val string) any {
	if val == "" {
		return nil
	}
	return val
}

func nullDate(val *time.Time) any {
	if val == nil {
		return nil
	}
	return nowDateUTC(*val)
}

func nullTime(val *time.Time) any {
	if val == nil {
		return nil
	}
	return *val
}
