package memory

import (
	"context"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"golang.org/x/crypto/bcrypt"

	"caixa/backend/internal/domain"
	"caixa/backend/internal/store"
	"caixa/backend/internal/xid"
)

// Store keeps everything behind one mutex. The write lock is the
// serialization point for stock: a deduction checks and decrements
// under the same critical section.
type Store struct {
	mu              sync.RWMutex
	products        map[string]domain.Product
	barcodes        map[string]string
	movements       []domain.StockMovement
	sales           map[string]*domain.Sale
	quotes          map[string]*domain.Quote
	auditLogs       []domain.AuditLog
	usersByUsername map[string]domain.UserAccount
}

var _ store.Repository = (*Store)(nil)

func New() *Store {
	return &Store{
		products:        make(map[string]domain.Product),
		barcodes:        make(map[string]string),
		sales:           make(map[string]*domain.Sale),
		quotes:          make(map[string]*domain.Quote),
		usersByUsername: make(map[string]domain.UserAccount),
	}
}

// seedUsers builds the dev/demo accounts. Passwords come from
// SEED_ADMIN_PASSWORD, SEED_SELLER_PASSWORD and SEED_CASHIER_PASSWORD,
// falling back to fixed dev defaults with a warning.
func seedUsers() map[string]domain.UserAccount {
	accounts := []struct {
		username string
		envKey   string
		fallback string
		role     domain.Role
	}{
		{"admin", "SEED_ADMIN_PASSWORD", "admin123", domain.RoleAdmin},
		{"seller", "SEED_SELLER_PASSWORD", "seller123", domain.RoleSeller},
		{"cashier", "SEED_CASHIER_PASSWORD", "cashier123", domain.RoleCashier},
	}

	now := time.Now().UTC()
	users := map[string]domain.UserAccount{}
	for _, a := range accounts {
		password := os.Getenv(a.envKey)
		if password == "" {
			password = a.fallback
			log.Warn().Str("component", "memory-store").Str("user", a.username).
				Msgf("using default dev password, set %s to override", a.envKey)
		}
		hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
		if err != nil {
			log.Fatal().Err(err).Str("user", a.username).Msg("hash seed password")
		}
		users[a.username] = domain.UserAccount{
			Username:  a.username,
			Password:  string(hash),
			Role:      a.role.String(),
			Active:    true,
			CreatedAt: now,
		}
	}
	return users
}

func NewSeeded() *Store {
	s := New()
	now := time.Now().UTC()
	golden := time.Date(2025, 6, 15, 0, 0, 0, 0, time.UTC)
	whiskas := time.Date(2025, 4, 20, 0, 0, 0, 0, time.UTC)

	seed := []domain.Product{
		{
			ID: "P-0001", Name: "Ração Golden Adulto 15kg", Description: "Ração premium para cães adultos",
			Price: decimal.RequireFromString("89.90"), Cost: decimal.RequireFromString("65.00"),
			Stock: 25, MinStock: 5, Category: "Ração Cães", Brand: "Golden", Unit: "kg",
			Barcode: "7891234567890", ExpiryDate: &golden,
		},
		{
			ID: "P-0002", Name: "Ração Whiskas Gatos 3kg", Description: "Ração para gatos adultos sabor peixe",
			Price: decimal.RequireFromString("32.90"), Cost: decimal.RequireFromString("24.00"),
			Stock: 18, MinStock: 3, Category: "Ração Gatos", Brand: "Whiskas", Unit: "kg",
			Barcode: "7891234567891", ExpiryDate: &whiskas,
		},
		{
			ID: "P-0003", Name: "Brinquedo Corda Cães", Description: "Brinquedo de corda para cães pequenos e médios",
			Price: decimal.RequireFromString("15.90"), Cost: decimal.RequireFromString("8.50"),
			Stock: 12, MinStock: 2, Category: "Brinquedos", Brand: "Pet Toys", Unit: "un",
			Barcode: "7891234567892",
		},
	}
	for _, p := range seed {
		p.Active = true
		p.BaselineStock = p.Stock
		p.CreatedAt = now
		p.UpdatedAt = now
		s.products[p.ID] = p
		s.barcodes[p.Barcode] = p.ID
	}
	s.usersByUsername = seedUsers()
	return s
}

func (s *Store) ListProducts(_ context.Context) ([]domain.Product, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	products := make([]domain.Product, 0, len(s.products))
	for _, p := range s.products {
		products = append(products, p)
	}
	sort.Slice(products, func(i, j int) bool {
		if products[i].Category == products[j].Category {
			return products[i].Name < products[j].Name
		}
		return products[i].Category < products[j].Category
	})
	return products, nil
}

func (s *Store) ProductByID(_ context.Context, id string) (*domain.Product, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.products[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &p, nil
}

func (s *Store) ProductByBarcode(_ context.Context, barcode string) (*domain.Product, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.barcodes[barcode]
	if !ok || barcode == "" {
		return nil, store.ErrNotFound
	}
	p := s.products[id]
	return &p, nil
}

func (s *Store) CreateProduct(_ context.Context, product domain.Product) (*domain.Product, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if product.ID == "" {
		product.ID = xid.New("prod")
	}
	if _, exists := s.products[product.ID]; exists {
		return nil, store.ErrDuplicate
	}
	if product.Barcode != "" {
		if _, exists := s.barcodes[product.Barcode]; exists {
			return nil, store.ErrDuplicate
		}
	}
	now := time.Now().UTC()
	product.BaselineStock = product.Stock
	product.CreatedAt = now
	product.UpdatedAt = now

	s.products[product.ID] = product
	if product.Barcode != "" {
		s.barcodes[product.Barcode] = product.ID
	}
	return &product, nil
}

func (s *Store) ApplyDeduction(_ context.Context, lines []domain.SaleLine, reason string, reference string) ([]domain.StockMovement, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.deductLocked(lines, reason, reference)
}

// deductLocked validates every line before touching any counter, so a
// shortfall on the last line leaves the first ones untouched.
func (s *Store) deductLocked(lines []domain.SaleLine, reason string, reference string) ([]domain.StockMovement, error) {
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
	for productID, qty := range need {
		product, ok := s.products[productID]
		if !ok {
			return nil, fmt.Errorf("product %s: %w", productID, store.ErrNotFound)
		}
		if product.Stock < qty {
			return nil, domain.NewStockError(domain.ErrStockConflict, productID, qty, product.Stock)
		}
	}

	now := time.Now().UTC()
	movements := make([]domain.StockMovement, 0, len(lines))
	for _, line := range lines {
		product := s.products[line.ProductID]
		product.Stock -= line.Quantity
		product.UpdatedAt = now
		s.products[line.ProductID] = product

		movement := domain.StockMovement{
			ID:        xid.New("mov"),
			ProductID: line.ProductID,
			Kind:      domain.MovementOut,
			Quantity:  line.Quantity,
			Reason:    reason,
			Reference: reference,
			CreatedAt: now,
		}
		s.movements = append(s.movements, movement)
		movements = append(movements, movement)
	}
	return movements, nil
}

func (s *Store) ApplyReceipt(_ context.Context, productID string, qty int, reason string, reference string) (*domain.StockMovement, error) {
	if qty < 1 {
		return nil, fmt.Errorf("%w: receipt quantity must be positive", domain.ErrInvalidInput)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	return s.appendLocked(productID, domain.MovementIn, qty, reason, reference)
}

func (s *Store) ApplyRestock(_ context.Context, lines []domain.SaleLine, reason string, reference string) ([]domain.StockMovement, error) {
	if len(lines) == 0 {
		return nil, domain.ErrEmptyCart
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, line := range lines {
		if line.Quantity < 1 {
			return nil, fmt.Errorf("%w: quantity for %s", domain.ErrInvalidInput, line.ProductID)
		}
		if _, ok := s.products[line.ProductID]; !ok {
			return nil, fmt.Errorf("product %s: %w", line.ProductID, store.ErrNotFound)
		}
	}
	movements := make([]domain.StockMovement, 0, len(lines))
	for _, line := range lines {
		movement, err := s.appendLocked(line.ProductID, domain.MovementIn, line.Quantity, reason, reference)
		if err != nil {
			return nil, err
		}
		movements = append(movements, *movement)
	}
	return movements, nil
}

func (s *Store) ApplyAdjustment(_ context.Context, productID string, delta int, reason string) (*domain.StockMovement, error) {
	if delta == 0 {
		return nil, fmt.Errorf("%w: adjustment delta must not be zero", domain.ErrInvalidInput)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if delta > 0 {
		return s.appendLocked(productID, domain.MovementAdjustment, delta, reason, "")
	}
	return s.appendLocked(productID, domain.MovementOut, -delta, reason, "")
}

func (s *Store) appendLocked(productID string, kind domain.MovementKind, qty int, reason string, reference string) (*domain.StockMovement, error) {
	product, ok := s.products[productID]
	if !ok {
		return nil, fmt.Errorf("product %s: %w", productID, store.ErrNotFound)
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
	next := product.Stock + movement.Signed()
	if next < 0 {
		return nil, domain.NewStockError(domain.ErrStockConflict, productID, qty, product.Stock)
	}
	product.Stock = next
	product.UpdatedAt = movement.CreatedAt
	s.products[productID] = product
	s.movements = append(s.movements, movement)
	return &movement, nil
}

func (s *Store) Movements(_ context.Context, productID string, limit int) ([]domain.StockMovement, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]domain.StockMovement, 0, 32)
	for i := len(s.movements) - 1; i >= 0; i-- {
		m := s.movements[i]
		if productID != "" && m.ProductID != productID {
			continue
		}
		result = append(result, m)
		if limit > 0 && len(result) >= limit {
			break
		}
	}
	return result, nil
}

func (s *Store) DerivedStock(_ context.Context, productID string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	product, ok := s.products[productID]
	if !ok {
		return 0, store.ErrNotFound
	}
	stock := product.BaselineStock
	for _, m := range s.movements {
		if m.ProductID == productID {
			stock += m.Signed()
		}
	}
	return stock, nil
}

func (s *Store) CommitSale(_ context.Context, commit store.SaleCommit) (*domain.Sale, []domain.StockMovement, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sale := commit.Sale
	if sale.ID == "" {
		sale.ID = xid.New("sale")
	}
	if _, exists := s.sales[sale.ID]; exists {
		return nil, nil, store.ErrDuplicate
	}

	var quote *domain.Quote
	if commit.QuoteID != "" {
		q, ok := s.quotes[commit.QuoteID]
		if !ok {
			return nil, nil, fmt.Errorf("quote %s: %w", commit.QuoteID, store.ErrNotFound)
		}
		if !q.Convertible(commit.Now) {
			return nil, nil, fmt.Errorf("quote %s is %s: %w", q.ID, q.Status, domain.ErrQuoteNotConvertible)
		}
		quote = q
		sale.QuoteID = q.ID
	}

	movements, err := s.deductLocked(sale.Lines, "sale", sale.ID)
	if err != nil {
		return nil, nil, err
	}

	if quote != nil {
		quote.Status = domain.QuoteConverted
		quote.ConvertedSaleID = sale.ID
	}
	stored := cloneSale(&sale)
	s.sales[sale.ID] = stored
	return cloneSale(stored), movements, nil
}

func (s *Store) SaleByID(_ context.Context, id string) (*domain.Sale, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sale, ok := s.sales[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return cloneSale(sale), nil
}

func (s *Store) ListSales(_ context.Context, status domain.PaymentStatus, method domain.PaymentMethod, limit int) ([]domain.Sale, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]domain.Sale, 0, len(s.sales))
	for _, sale := range s.sales {
		if status != "" && sale.PaymentStatus != status {
			continue
		}
		if method != "" && sale.PaymentMethod != method {
			continue
		}
		result = append(result, *cloneSale(sale))
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.After(result[j].CreatedAt)
	})
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (s *Store) TransitionPayment(_ context.Context, id string, from domain.PaymentStatus, to domain.PaymentStatus, at time.Time) (*domain.Sale, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sale, ok := s.sales[id]
	if !ok {
		return nil, false, store.ErrNotFound
	}
	if sale.PaymentStatus != from || !from.CanTransition(to) {
		return cloneSale(sale), false, nil
	}
	sale.PaymentStatus = to
	if to == domain.PaymentPaid {
		completed := at
		sale.CompletedAt = &completed
	}
	return cloneSale(sale), true, nil
}

func (s *Store) MarkFinalized(_ context.Context, id string, amountPaid decimal.Decimal, change decimal.Decimal, at time.Time) (*domain.Sale, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sale, ok := s.sales[id]
	if !ok {
		return nil, false, store.ErrNotFound
	}
	if sale.Finalized {
		return cloneSale(sale), false, nil
	}
	finalizedAt := at
	sale.Finalized = true
	sale.FinalizedAt = &finalizedAt
	sale.AmountPaid = amountPaid
	sale.Change = change
	return cloneSale(sale), true, nil
}

func (s *Store) CreateQuote(_ context.Context, quote domain.Quote) (*domain.Quote, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if quote.ID == "" {
		quote.ID = xid.New("quote")
	}
	if _, exists := s.quotes[quote.ID]; exists {
		return nil, store.ErrDuplicate
	}
	stored := cloneQuote(&quote)
	s.quotes[quote.ID] = stored
	return cloneQuote(stored), nil
}

func (s *Store) QuoteByID(_ context.Context, id string) (*domain.Quote, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	quote, ok := s.quotes[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return cloneQuote(quote), nil
}

func (s *Store) ListQuotes(_ context.Context, status domain.QuoteStatus, limit int) ([]domain.Quote, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]domain.Quote, 0, len(s.quotes))
	for _, quote := range s.quotes {
		if status != "" && quote.Status != status {
			continue
		}
		result = append(result, *cloneQuote(quote))
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.After(result[j].CreatedAt)
	})
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (s *Store) TransitionQuote(_ context.Context, id string, from domain.QuoteStatus, to domain.QuoteStatus) (*domain.Quote, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	quote, ok := s.quotes[id]
	if !ok {
		return nil, false, store.ErrNotFound
	}
	if quote.Status != from {
		return cloneQuote(quote), false, nil
	}
	quote.Status = to
	return cloneQuote(quote), true, nil
}

func (s *Store) CreateAuditLog(_ context.Context, entry domain.AuditLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if entry.ID == "" {
		entry.ID = xid.New("audit")
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	s.auditLogs = append(s.auditLogs, entry)
	return nil
}

func (s *Store) ListAuditLogs(_ context.Context, from time.Time, to time.Time, limit int) ([]domain.AuditLog, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]domain.AuditLog, 0, 64)
	for i := len(s.auditLogs) - 1; i >= 0; i-- {
		entry := s.auditLogs[i]
		if entry.CreatedAt.Before(from) || !entry.CreatedAt.Before(to) {
			continue
		}
		result = append(result, entry)
		if limit > 0 && len(result) >= limit {
			break
		}
	}
	return result, nil
}

func (s *Store) CreateUser(_ context.Context, user domain.UserAccount) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	username := strings.ToLower(strings.TrimSpace(user.Username))
	if username == "" {
		return domain.ErrInvalidInput
	}
	if _, exists := s.usersByUsername[username]; exists {
		return store.ErrDuplicate
	}
	user.Username = username
	s.usersByUsername[username] = user
	return nil
}

func (s *Store) ListUsers(_ context.Context) ([]domain.UserAccount, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	users := make([]domain.UserAccount, 0, len(s.usersByUsername))
	for _, user := range s.usersByUsername {
		users = append(users, user)
	}
	sort.Slice(users, func(i, j int) bool { return users[i].Username < users[j].Username })
	return users, nil
}

func (s *Store) UpdateUserPassword(_ context.Context, username string, password string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	user, ok := s.usersByUsername[username]
	if !ok {
		return store.ErrNotFound
	}
	user.Password = password
	s.usersByUsername[username] = user
	return nil
}

func cloneSale(src *domain.Sale) *domain.Sale {
	if src == nil {
		return nil
	}
	dst := *src
	dst.Lines = append([]domain.SaleLine(nil), src.Lines...)
	dst.CompletedAt = cloneTime(src.CompletedAt)
	dst.FinalizedAt = cloneTime(src.FinalizedAt)
	dst.PixExpiresAt = cloneTime(src.PixExpiresAt)
	return &dst
}

func cloneQuote(src *domain.Quote) *domain.Quote {
	if src == nil {
		return nil
	}
	dst := *src
	dst.Lines = append([]domain.SaleLine(nil), src.Lines...)
	return &dst
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
