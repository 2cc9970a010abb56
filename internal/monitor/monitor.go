package monitor

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/mirrorfin/copy-executor/internal/domain"
	"github.com/mirrorfin/copy-executor/internal/exchange"
)

const defaultPollInterval = 2 * time.Second

// FillHandler consumes one new leader fill. A returned error is logged and
// never blocks the rest of the batch: a single follower-side failure must
// not hold back the watermark.
type FillHandler func(ctx context.Context, fill domain.Fill) error

// ErrorHandler is notified of soft poll failures.
type ErrorHandler func(err error)

// Monitor watches one leader address's fill stream by polling the gateway.
// Two states: stopped and running. The watermark (highest processed tid) is
// monotonically non-decreasing; a fill is new iff its tid is strictly
// greater.
type Monitor struct {
	gateway  exchange.Gateway
	address  string
	interval time.Duration
	logger   zerolog.Logger

	onFill  FillHandler
	onError ErrorHandler

	mu        sync.Mutex
	running   bool
	watermark int64
	cancel    context.CancelFunc
	done      chan struct{}
	poke      chan struct{}
}

type Option func(*Monitor)

// WithInterval overrides the 2s poll interval.
func WithInterval(d time.Duration) Option {
	return func(m *Monitor) {
		if d > 0 {
			m.interval = d
		}
	}
}

func New(gateway exchange.Gateway, leaderAddress string, logger zerolog.Logger, opts ...Option) *Monitor {
	m := &Monitor{
		gateway:  gateway,
		address:  leaderAddress,
		interval: defaultPollInterval,
		logger:   logger.With().Str("component", "monitor").Str("leader", leaderAddress).Logger(),
		poke:     make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// SetOnFill registers the new-trade handler. Must be set before Start.
func (m *Monitor) SetOnFill(h FillHandler) { m.onFill = h }

// SetOnError registers the soft-failure handler.
func (m *Monitor) SetOnError(h ErrorHandler) { m.onError = h }

// Start transitions to running and begins the poll loop. Calling Start on a
// running monitor is a no-op. The watermark is seeded from the highest
// existing tid so historical fills are never replayed.
func (m *Monitor) Start(ctx context.Context) {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		m.logger.Info().Msg("already running")
		return
	}

	loopCtx, cancel := context.WithCancel(ctx)
	m.running = true
	m.cancel = cancel
	m.done = make(chan struct{})
	m.mu.Unlock()

	if fills, err := m.gateway.Fills(ctx, m.address); err != nil {
		m.logger.Error().Err(err).Msg("failed to seed watermark from initial fills")
	} else if len(fills) > 0 {
		max := fills[0].Tid
		for _, f := range fills[1:] {
			if f.Tid > max {
				max = f.Tid
			}
		}
		m.setWatermark(max)
		m.logger.Info().Int64("watermark", max).Msg("watermark seeded")
	}

	m.logger.Info().Dur("interval", m.interval).Msg("monitor started")
	go m.loop(loopCtx)
}

// Stop transitions to stopped and cancels any pending poll. Safe to call at
// any time, including on a stopped monitor.
func (m *Monitor) Stop() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	m.running = false
	cancel, done := m.cancel, m.done
	m.mu.Unlock()

	cancel()
	<-done
	m.logger.Info().Msg("monitor stopped")
}

// PollNow requests an immediate poll ahead of the next tick. Non-blocking;
// coalesces with an already-pending request.
func (m *Monitor) PollNow() {
	select {
	case m.poke <- struct{}{}:
	default:
	}
}

// Running reports the current state.
func (m *Monitor) Running() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.running
}

// Watermark returns the highest processed trade id.
func (m *Monitor) Watermark() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.watermark
}

func (m *Monitor) setWatermark(tid int64) {
	m.mu.Lock()
	if tid > m.watermark {
		m.watermark = tid
	}
	m.mu.Unlock()
}

// loop drives polling on a single goroutine, so polls never overlap.
func (m *Monitor) loop(ctx context.Context) {
	defer close(m.done)

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.poll(ctx)
		case <-m.poke:
			m.poll(ctx)
		}
	}
}

// poll fetches fills and delivers the new ones in ascending tid order,
// advancing the watermark only after each handler invocation. A fetch error
// is a soft failure: report it and keep the loop alive.
func (m *Monitor) poll(ctx context.Context) {
	fills, err := m.gateway.Fills(ctx, m.address)
	if err != nil {
		m.logger.Warn().Err(err).Msg("poll failed")
		if m.onError != nil {
			m.onError(err)
		}
		return
	}

	watermark := m.Watermark()
	var fresh []domain.Fill
	for _, f := range fills {
		if f.Tid > watermark {
			fresh = append(fresh, f)
		}
	}
	if len(fresh) == 0 {
		return
	}

	sort.Slice(fresh, func(i, j int) bool { return fresh[i].Tid < fresh[j].Tid })
	m.logger.Info().Int("count", len(fresh)).Msg("new leader trades")

	for _, f := range fresh {
		m.logger.Info().
			Str("coin", f.Coin).
			Str("side", string(f.Side)).
			Float64("size", f.Size).
			Float64("price", f.Price).
			Int64("tid", f.Tid).
			Msg("new trade")

		if m.onFill != nil {
			if err := m.onFill(ctx, f); err != nil {
				m.logger.Error().Err(err).Int64("tid", f.Tid).Msg("fill handler error")
			}
		}
		m.setWatermark(f.Tid)
	}
}

// LeaderStatus aggregates the leader's account state and recent fills into a
// composite snapshot. The reads run concurrently; failure of either fails
// the whole snapshot rather than returning a partial composite.
func (m *Monitor) LeaderStatus(ctx context.Context) (*domain.LeaderStatus, error) {
	var (
		state *domain.AccountState
		fills []domain.Fill
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		state, err = m.gateway.AccountState(gctx, m.address)
		return err
	})
	g.Go(func() error {
		var err error
		fills, err = m.gateway.Fills(gctx, m.address)
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	sort.Slice(fills, func(i, j int) bool { return fills[i].Tid > fills[j].Tid })
	if len(fills) > 10 {
		fills = fills[:10]
	}

	trades := make([]domain.LeaderTrade, 0, len(fills))
	for _, f := range fills {
		side := "SELL"
		if f.Side == domain.SideBuy {
			side = "BUY"
		}
		trades = append(trades, domain.LeaderTrade{
			Coin:  f.Coin,
			Side:  side,
			Size:  f.Size,
			Price: f.Price,
			Pnl:   f.ClosedPnl,
			Time:  time.UnixMilli(f.Time).UTC().Format(time.RFC3339),
		})
	}

	return &domain.LeaderStatus{
		Address:            m.address,
		AccountValue:       state.AccountValue,
		TotalPositionValue: state.TotalPositionValue,
		Positions:          state.Positions,
		RecentTrades:       trades,
		IsMonitoring:       m.Running(),
	}, nil
}
