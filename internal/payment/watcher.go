package payment

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
)

type Outcome int32

const (
	OutcomePending Outcome = iota
	OutcomeConfirmed
	OutcomeExpired
	OutcomeStopped
)

func (o Outcome) String() string {
	switch o {
	case OutcomePending:
		return "pending"
	case OutcomeConfirmed:
		return "confirmed"
	case OutcomeExpired:
		return "expired"
	case OutcomeStopped:
		return "stopped"
	}
	return "unknown"
}

// Handlers run at most once per watch, and only the one matching the
// winning outcome runs.
type Handlers struct {
	OnConfirmed func(ctx context.Context)
	OnExpired   func(ctx context.Context)
}

// Watcher polls a Gateway for a charge until it is paid or its ceiling
// elapses.
type Watcher struct {
	gateway  Gateway
	clock    Clock
	interval time.Duration
	ceiling  time.Duration
}

func NewWatcher(gateway Gateway, clock Clock, interval time.Duration, ceiling time.Duration) *Watcher {
	if clock == nil {
		clock = RealClock{}
	}
	if interval <= 0 {
		interval = 3 * time.Second
	}
	if ceiling <= 0 {
		ceiling = 5 * time.Minute
	}
	return &Watcher{gateway: gateway, clock: clock, interval: interval, ceiling: ceiling}
}

func (w *Watcher) Ceiling() time.Duration { return w.ceiling }

func (w *Watcher) Clock() Clock { return w.clock }

// Watch is one charge's confirmation race. The poll loop and the ceiling
// timer both settle through a single compare-and-swap on state; the
// winner stops the other trigger before its handler runs.
type Watch struct {
	chargeID string
	state    atomic.Int32
	cancel   context.CancelFunc
	done     chan struct{}
	doneOnce sync.Once

	mu    sync.Mutex
	timer Timer
}

func (wt *Watch) ChargeID() string { return wt.chargeID }

func (wt *Watch) Outcome() Outcome { return Outcome(wt.state.Load()) }

// Done is closed once the winning handler has returned, or on Stop.
func (wt *Watch) Done() <-chan struct{} { return wt.done }

// Stop abandons the watch without running any handler. It reports false
// if the watch had already settled.
func (wt *Watch) Stop() bool {
	if !wt.settle(OutcomeStopped) {
		return false
	}
	wt.close()
	return true
}

func (wt *Watch) settle(outcome Outcome) bool {
	if !wt.state.CompareAndSwap(int32(OutcomePending), int32(outcome)) {
		return false
	}
	wt.cancel()
	wt.mu.Lock()
	if wt.timer != nil {
		wt.timer.Stop()
	}
	wt.mu.Unlock()
	return true
}

func (wt *Watch) close() {
	wt.doneOnce.Do(func() { close(wt.done) })
}

// Start begins watching chargeID until deadline. Handlers receive ctx,
// never the watch's internal context, so they can still write after the
// watch has cancelled its poll loop.
func (w *Watcher) Start(ctx context.Context, chargeID string, deadline time.Time, handlers Handlers) *Watch {
	pollCtx, cancel := context.WithCancel(ctx)
	watch := &Watch{chargeID: chargeID, cancel: cancel, done: make(chan struct{})}
	logger := log.With().Str("component", "watcher").Str("charge_id", chargeID).Logger()

	expire := func() {
		if !watch.settle(OutcomeExpired) {
			return
		}
		logger.Info().Msg("pix charge expired")
		if handlers.OnExpired != nil {
			handlers.OnExpired(ctx)
		}
		watch.close()
	}

	remaining := deadline.Sub(w.clock.Now())
	if remaining <= 0 {
		go expire()
		return watch
	}

	ticker := w.clock.NewTicker(w.interval)
	timer := w.clock.AfterFunc(remaining, expire)
	watch.mu.Lock()
	watch.timer = timer
	if watch.Outcome() != OutcomePending {
		timer.Stop()
	}
	watch.mu.Unlock()

	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-pollCtx.Done():
				return
			case <-ticker.C():
			}
			if watch.Outcome() != OutcomePending {
				return
			}
			status, err := w.gateway.CheckStatus(pollCtx, chargeID)
			if err != nil {
				if pollCtx.Err() == nil {
					logger.Warn().Err(err).Msg("pix status check failed, retrying")
				}
				continue
			}
			if !status.Paid {
				continue
			}
			if !watch.settle(OutcomeConfirmed) {
				return
			}
			logger.Info().Msg("pix charge confirmed")
			if handlers.OnConfirmed != nil {
				handlers.OnConfirmed(ctx)
			}
			watch.close()
			return
		}
	}()

	return watch
}
