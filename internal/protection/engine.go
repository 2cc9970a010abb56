package protection

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/mirrorfin/copy-executor/internal/domain"
)

const (
	anomalyWindow     = 5 * time.Minute
	anomalyMaxOrders  = 20
	anomalySizeFactor = 5.0

	// Price drift above this fraction triggers the haircut.
	driftThreshold = 0.001
	// The haircut never cuts more than half the sized order.
	driftFloor = 0.5
)

// Config is the process-wide tunable parameter set for every check.
type Config struct {
	MaxSlippagePercent  float64 `json:"maxSlippagePercent"`
	MaxDelayMs          int64   `json:"maxDelayMs"`
	MinOrderSize        float64 `json:"minOrderSize"`
	MaxOrderSizePercent float64 `json:"maxOrderSizePercent"`
	CooldownMs          int64   `json:"cooldownMs"`
}

// DefaultConfig returns the shipped protection defaults.
func DefaultConfig() Config {
	return Config{
		MaxSlippagePercent:  1.0,
		MaxDelayMs:          5000,
		MinOrderSize:        1,
		MaxOrderSizePercent: 10,
		CooldownMs:          1000,
	}
}

// ConfigUpdate is a partial merge; nil fields keep their current value.
type ConfigUpdate struct {
	MaxSlippagePercent  *float64 `json:"maxSlippagePercent,omitempty"`
	MaxDelayMs          *int64   `json:"maxDelayMs,omitempty"`
	MinOrderSize        *float64 `json:"minOrderSize,omitempty"`
	MaxOrderSizePercent *float64 `json:"maxOrderSizePercent,omitempty"`
	CooldownMs          *int64   `json:"cooldownMs,omitempty"`
}

// PriceSource supplies current mid prices for the slippage check.
type PriceSource interface {
	MidPrices(ctx context.Context) (map[string]float64, error)
}

// DelayCheck is the result of CheckSignalDelay.
type DelayCheck struct {
	Acceptable bool  `json:"acceptable"`
	DelayMs    int64 `json:"delayMs"`
}

// SlippageCheck is the result of CheckSlippage.
type SlippageCheck struct {
	Acceptable      bool    `json:"acceptable"`
	CurrentPrice    float64 `json:"currentPrice"`
	SlippagePercent float64 `json:"slippagePercent"`
}

// Validation is the result of ValidateOrder. A rejection carries exactly one
// human-readable reason.
type Validation struct {
	Valid  bool   `json:"valid"`
	Reason string `json:"reason,omitempty"`
}

// Anomaly is the result of DetectAnomalousPattern.
type Anomaly struct {
	Suspicious bool   `json:"suspicious"`
	Reason     string `json:"reason,omitempty"`
}

// OrderParams are the fields ValidateOrder inspects.
type OrderParams struct {
	UserID       string
	Coin         string
	Side         domain.Side
	Size         float64
	AccountValue float64
}

// Engine runs the synchronous risk checks that gate every replicated order.
// Checks return structured accept/reject values; rejections are expected and
// cheap. Only the slippage check touches the network.
type Engine struct {
	mu      sync.RWMutex
	cfg     Config
	history *History
	prices  PriceSource
	now     func() time.Time
	logger  zerolog.Logger
}

func NewEngine(cfg Config, prices PriceSource, logger zerolog.Logger) *Engine {
	return &Engine{
		cfg:     cfg,
		history: NewHistory(defaultHistoryCap),
		prices:  prices,
		now:     time.Now,
		logger:  logger.With().Str("component", "protection").Logger(),
	}
}

// Config returns a copy of the current tunables.
func (e *Engine) Config() Config {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.cfg
}

// UpdateConfig merges the non-nil fields of upd atomically. A concurrent
// reader sees either the old or the new complete value.
func (e *Engine) UpdateConfig(upd ConfigUpdate) Config {
	e.mu.Lock()
	defer e.mu.Unlock()

	if upd.MaxSlippagePercent != nil {
		e.cfg.MaxSlippagePercent = *upd.MaxSlippagePercent
	}
	if upd.MaxDelayMs != nil {
		e.cfg.MaxDelayMs = *upd.MaxDelayMs
	}
	if upd.MinOrderSize != nil {
		e.cfg.MinOrderSize = *upd.MinOrderSize
	}
	if upd.MaxOrderSizePercent != nil {
		e.cfg.MaxOrderSizePercent = *upd.MaxOrderSizePercent
	}
	if upd.CooldownMs != nil {
		e.cfg.CooldownMs = *upd.CooldownMs
	}
	return e.cfg
}

// History exposes the order ledger for read-only consumers.
func (e *Engine) History() *History { return e.history }

// CheckSignalDelay rejects signals older than the configured maximum. A
// stale signal means the market has likely already moved past the
// opportunity.
func (e *Engine) CheckSignalDelay(leaderTradeTime int64) DelayCheck {
	cfg := e.Config()
	delay := e.now().UnixMilli() - leaderTradeTime
	return DelayCheck{
		Acceptable: delay <= cfg.MaxDelayMs,
		DelayMs:    delay,
	}
}

// CheckSlippage compares the current mid price against the leader's fill
// price. A missing or zero mid is treated as maximally adverse, never as a
// silent pass.
func (e *Engine) CheckSlippage(ctx context.Context, coin string, expectedPrice float64, side domain.Side) (SlippageCheck, error) {
	mids, err := e.prices.MidPrices(ctx)
	if err != nil {
		return SlippageCheck{}, fmt.Errorf("fetch mid prices: %w", err)
	}

	current := mids[coin]
	if current == 0 {
		e.logger.Warn().Str("coin", coin).Str("side", string(side)).Msg("no mid price, rejecting")
		return SlippageCheck{Acceptable: false, CurrentPrice: 0, SlippagePercent: 100}, nil
	}

	cfg := e.Config()
	slippage := math.Abs((current-expectedPrice)/expectedPrice) * 100
	return SlippageCheck{
		Acceptable:      slippage <= cfg.MaxSlippagePercent,
		CurrentPrice:    current,
		SlippagePercent: slippage,
	}, nil
}

// SafeCopySize sizes the replicated order: ratio, then account cap, then a
// linear drift haircut, then the minimum floor. The floor is applied last so
// a tiny order is never reduced to zero.
func (e *Engine) SafeCopySize(leaderSize, copyRatio, accountValue, currentPrice, expectedPrice float64) float64 {
	cfg := e.Config()

	size := leaderSize * copyRatio

	maxSize := accountValue * (cfg.MaxOrderSizePercent / 100)
	size = math.Min(size, maxSize)

	drift := math.Abs((currentPrice - expectedPrice) / expectedPrice)
	if drift > driftThreshold {
		reduction := math.Max(driftFloor, 1-drift*10)
		size *= reduction
	}

	return math.Max(cfg.MinOrderSize, size)
}

// ValidateOrder applies the sizing and cooldown gates, in this order:
// too-small, too-large, cooldown.
func (e *Engine) ValidateOrder(p OrderParams) Validation {
	cfg := e.Config()

	if p.Size < cfg.MinOrderSize {
		return Validation{Reason: fmt.Sprintf("Order size too small. Minimum: $%g", cfg.MinOrderSize)}
	}

	maxSize := p.AccountValue * (cfg.MaxOrderSizePercent / 100)
	if p.Size > maxSize {
		return Validation{Reason: fmt.Sprintf(
			"Order size exceeds %g%% of account. Max: $%.2f", cfg.MaxOrderSizePercent, maxSize)}
	}

	if last, ok := e.history.LatestFor(p.UserID, p.Coin); ok {
		if e.now().UnixMilli()-last.Timestamp < cfg.CooldownMs {
			return Validation{Reason: "Please wait before placing another order on this pair"}
		}
	}

	return Validation{Valid: true}
}

// DetectAnomalousPattern flags bot-like order floods and outsized orders
// over the trailing five minutes. Order count is checked before the size
// anomaly.
func (e *Engine) DetectAnomalousPattern(userID, coin string, size float64) Anomaly {
	since := e.now().Add(-anomalyWindow).UnixMilli()
	recent := e.history.RecentFor(userID, since)

	if len(recent) > anomalyMaxOrders {
		return Anomaly{Suspicious: true, Reason: "Too many orders in short period"}
	}

	var sum float64
	for _, r := range recent {
		sum += r.Size
	}
	var avg float64
	if len(recent) > 0 {
		avg = sum / float64(len(recent))
	}
	if avg > 0 && size > avg*anomalySizeFactor {
		return Anomaly{Suspicious: true, Reason: "Order size significantly larger than average"}
	}

	return Anomaly{}
}

// RecordOrder appends an approved order to the bounded ledger.
func (e *Engine) RecordOrder(userID, coin string, side domain.Side, size, price float64) {
	e.history.Add(domain.OrderRecord{
		UserID:    userID,
		Coin:      coin,
		Side:      side,
		Size:      size,
		Price:     price,
		Timestamp: e.now().UnixMilli(),
	})
}
