package cache

import (
	"context"
	"sync"
	"time"

	"caixa/backend/internal/domain"
)

// SaleCache fronts sale reads. Misses return (nil, false, nil).
type SaleCache interface {
	Get(ctx context.Context, saleID string) (*domain.Sale, bool, error)
	Set(ctx context.Context, sale *domain.Sale, ttl time.Duration) error
	Delete(ctx context.Context, saleID string) error
}

type NoopSaleCache struct{}

func (NoopSaleCache) Get(_ context.Context, _ string) (*domain.Sale, bool, error) {
	return nil, false, nil
}

func (NoopSaleCache) Set(_ context.Context, _ *domain.Sale, _ time.Duration) error {
	return nil
}

func (NoopSaleCache) Delete(_ context.Context, _ string) error {
	return nil
}

// WatchLocker grants one process the right to watch a sale's payment.
type WatchLocker interface {
	// Acquire reports ok=false when another holder owns the lock.
	Acquire(ctx context.Context, saleID string, ttl time.Duration) (release func(), ok bool, err error)
}

// LocalWatchLocker only guards watchers inside this process.
type LocalWatchLocker struct {
	mu   sync.Mutex
	held map[string]struct{}
}

func NewLocalWatchLocker() *LocalWatchLocker {
	return &LocalWatchLocker{held: make(map[string]struct{})}
}

func (l *LocalWatchLocker) Acquire(_ context.Context, saleID string, _ time.Duration) (func(), bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, busy := l.held[saleID]; busy {
		return nil, false, nil
	}
	l.held[saleID] = struct{}{}
	var once sync.Once
	return func() {
		once.Do(func() {
			l.mu.Lock()
			delete(l.held, saleID)
			l.mu.Unlock()
		})
	}, true, nil
}

func saleKey(saleID string) string { return "sale:" + saleID }

func watchKey(saleID string) string { return "pix-watch:" + saleID }
