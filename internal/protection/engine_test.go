package protection

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mirrorfin/copy-executor/internal/domain"
)

type stubPrices struct {
	mids map[string]float64
	err  error
}

func (s *stubPrices) MidPrices(context.Context) (map[string]float64, error) {
	return s.mids, s.err
}

func newTestEngine(t *testing.T, prices *stubPrices) *Engine {
	t.Helper()
	if prices == nil {
		prices = &stubPrices{mids: map[string]float64{}}
	}
	return NewEngine(DefaultConfig(), prices, zerolog.Nop())
}

func TestCheckSignalDelay(t *testing.T) {
	e := newTestEngine(t, nil)
	now := time.UnixMilli(1_000_000)
	e.now = func() time.Time { return now }

	fresh := e.CheckSignalDelay(now.UnixMilli() - 3000)
	assert.True(t, fresh.Acceptable)
	assert.Equal(t, int64(3000), fresh.DelayMs)

	// Boundary: exactly the configured maximum still passes.
	boundary := e.CheckSignalDelay(now.UnixMilli() - 5000)
	assert.True(t, boundary.Acceptable)

	stale := e.CheckSignalDelay(now.UnixMilli() - 5001)
	assert.False(t, stale.Acceptable)
	assert.Equal(t, int64(5001), stale.DelayMs)
}

func TestCheckSlippage(t *testing.T) {
	e := newTestEngine(t, &stubPrices{mids: map[string]float64{"BTC": 100_500}})

	res, err := e.CheckSlippage(context.Background(), "BTC", 100_000, domain.SideBuy)
	require.NoError(t, err)
	assert.True(t, res.Acceptable)
	assert.Equal(t, 100_500.0, res.CurrentPrice)
	assert.InDelta(t, 0.5, res.SlippagePercent, 1e-9)
}

func TestCheckSlippageTooHigh(t *testing.T) {
	e := newTestEngine(t, &stubPrices{mids: map[string]float64{"BTC": 102_000}})

	res, err := e.CheckSlippage(context.Background(), "BTC", 100_000, domain.SideBuy)
	require.NoError(t, err)
	assert.False(t, res.Acceptable)
	assert.InDelta(t, 2.0, res.SlippagePercent, 1e-9)
}

func TestCheckSlippageSymmetric(t *testing.T) {
	e := newTestEngine(t, &stubPrices{mids: map[string]float64{"BTC": 99_500}})

	// A favorable-looking move is still drift, measured as magnitude.
	res, err := e.CheckSlippage(context.Background(), "BTC", 100_000, domain.SideSell)
	require.NoError(t, err)
	assert.True(t, res.Acceptable)
	assert.InDelta(t, 0.5, res.SlippagePercent, 1e-9)
}

func TestCheckSlippageMissingMid(t *testing.T) {
	e := newTestEngine(t, &stubPrices{mids: map[string]float64{"ETH": 3000}})

	res, err := e.CheckSlippage(context.Background(), "BTC", 100_000, domain.SideBuy)
	require.NoError(t, err)
	assert.False(t, res.Acceptable)
	assert.Zero(t, res.CurrentPrice)
	assert.Equal(t, 100.0, res.SlippagePercent)
}

func TestCheckSlippagePriceSourceError(t *testing.T) {
	wantErr := errors.New("gateway down")
	e := newTestEngine(t, &stubPrices{err: wantErr})

	_, err := e.CheckSlippage(context.Background(), "BTC", 100_000, domain.SideBuy)
	assert.ErrorIs(t, err, wantErr)
}

func TestSafeCopySizeRatio(t *testing.T) {
	e := newTestEngine(t, nil)

	// No drift, far from the cap: pure ratio.
	size := e.SafeCopySize(10, 0.5, 10_000, 100, 100)
	assert.Equal(t, 5.0, size)
}

func TestSafeCopySizeAccountCap(t *testing.T) {
	e := newTestEngine(t, nil)

	// 10% of a $1000 account caps the order at 100.
	size := e.SafeCopySize(10_000, 1, 1000, 100, 100)
	assert.Equal(t, 100.0, size)
}

func TestSafeCopySizeDriftHaircut(t *testing.T) {
	e := newTestEngine(t, nil)

	// 2% drift: reduction = max(0.5, 1-0.02*10) = 0.8.
	size := e.SafeCopySize(10, 1, 100_000, 102, 100)
	assert.InDelta(t, 8.0, size, 1e-9)

	// 10% drift saturates at the 0.5 floor.
	size = e.SafeCopySize(10, 1, 100_000, 110, 100)
	assert.InDelta(t, 5.0, size, 1e-9)

	// Drift below the threshold leaves the size untouched.
	size = e.SafeCopySize(10, 1, 100_000, 100.05, 100)
	assert.Equal(t, 10.0, size)
}

func TestSafeCopySizeMinFloorLast(t *testing.T) {
	e := newTestEngine(t, nil)

	// Ratio and haircut would push the size below the minimum; the floor
	// is applied after everything else.
	size := e.SafeCopySize(0.4, 0.5, 100_000, 110, 100)
	assert.Equal(t, 1.0, size)
}

func TestValidateOrderTooSmall(t *testing.T) {
	e := newTestEngine(t, nil)

	v := e.ValidateOrder(OrderParams{UserID: "u1", Coin: "BTC", Side: domain.SideBuy, Size: 0.5, AccountValue: 10_000})
	assert.False(t, v.Valid)
	assert.Equal(t, "Order size too small. Minimum: $1", v.Reason)
}

func TestValidateOrderTooLarge(t *testing.T) {
	e := newTestEngine(t, nil)

	v := e.ValidateOrder(OrderParams{UserID: "u1", Coin: "BTC", Side: domain.SideBuy, Size: 200, AccountValue: 1000})
	assert.False(t, v.Valid)
	assert.Equal(t, "Order size exceeds 10% of account. Max: $100.00", v.Reason)
}

func TestValidateOrderTooSmallWinsOverTooLarge(t *testing.T) {
	e := newTestEngine(t, nil)

	// With a tiny account a size can violate both bounds; the too-small
	// reason is reported.
	v := e.ValidateOrder(OrderParams{UserID: "u1", Coin: "BTC", Side: domain.SideBuy, Size: 0.5, AccountValue: 1})
	assert.False(t, v.Valid)
	assert.Equal(t, "Order size too small. Minimum: $1", v.Reason)
}

func TestValidateOrderCooldown(t *testing.T) {
	e := newTestEngine(t, nil)
	now := time.UnixMilli(1_000_000)
	e.now = func() time.Time { return now }

	e.RecordOrder("u1", "BTC", domain.SideBuy, 10, 100)

	params := OrderParams{UserID: "u1", Coin: "BTC", Side: domain.SideBuy, Size: 10, AccountValue: 10_000}

	now = now.Add(500 * time.Millisecond)
	v := e.ValidateOrder(params)
	assert.False(t, v.Valid)
	assert.Equal(t, "Please wait before placing another order on this pair", v.Reason)

	// Other pairs are unaffected.
	other := params
	other.Coin = "ETH"
	assert.True(t, e.ValidateOrder(other).Valid)

	// Cooldown expires.
	now = now.Add(600 * time.Millisecond)
	assert.True(t, e.ValidateOrder(params).Valid)
}

func TestDetectAnomalousPatternOrderFlood(t *testing.T) {
	e := newTestEngine(t, nil)
	now := time.UnixMilli(10_000_000)
	e.now = func() time.Time { return now }

	for i := 0; i < 21; i++ {
		e.RecordOrder("u1", "BTC", domain.SideBuy, 10, 100)
	}

	a := e.DetectAnomalousPattern("u1", "BTC", 10)
	assert.True(t, a.Suspicious)
	assert.Equal(t, "Too many orders in short period", a.Reason)
}

func TestDetectAnomalousPatternOversizedOrder(t *testing.T) {
	e := newTestEngine(t, nil)
	now := time.UnixMilli(10_000_000)
	e.now = func() time.Time { return now }

	for i := 0; i < 5; i++ {
		e.RecordOrder("u1", "BTC", domain.SideBuy, 10, 100)
	}

	assert.False(t, e.DetectAnomalousPattern("u1", "BTC", 50).Suspicious)

	a := e.DetectAnomalousPattern("u1", "BTC", 51)
	assert.True(t, a.Suspicious)
	assert.Equal(t, "Order size significantly larger than average", a.Reason)
}

func TestDetectAnomalousPatternFloodWinsOverSize(t *testing.T) {
	e := newTestEngine(t, nil)
	now := time.UnixMilli(10_000_000)
	e.now = func() time.Time { return now }

	for i := 0; i < 25; i++ {
		e.RecordOrder("u1", "BTC", domain.SideBuy, 10, 100)
	}

	a := e.DetectAnomalousPattern("u1", "BTC", 1000)
	assert.True(t, a.Suspicious)
	assert.Equal(t, "Too many orders in short period", a.Reason)
}

func TestDetectAnomalousPatternWindowExpiry(t *testing.T) {
	e := newTestEngine(t, nil)
	now := time.UnixMilli(10_000_000)
	e.now = func() time.Time { return now }

	for i := 0; i < 25; i++ {
		e.RecordOrder("u1", "BTC", domain.SideBuy, 10, 100)
	}

	// Six minutes later the window is empty again.
	now = now.Add(6 * time.Minute)
	assert.False(t, e.DetectAnomalousPattern("u1", "BTC", 1000).Suspicious)
}

func TestDetectAnomalousPatternNoHistory(t *testing.T) {
	e := newTestEngine(t, nil)
	assert.False(t, e.DetectAnomalousPattern("u1", "BTC", 1_000_000).Suspicious)
}

func TestUpdateConfigPartialMerge(t *testing.T) {
	e := newTestEngine(t, nil)

	slippage := 2.5
	cooldown := int64(3000)
	updated := e.UpdateConfig(ConfigUpdate{
		MaxSlippagePercent: &slippage,
		CooldownMs:         &cooldown,
	})

	assert.Equal(t, 2.5, updated.MaxSlippagePercent)
	assert.Equal(t, int64(3000), updated.CooldownMs)
	// Untouched fields keep their defaults.
	assert.Equal(t, int64(5000), updated.MaxDelayMs)
	assert.Equal(t, 1.0, updated.MinOrderSize)
	assert.Equal(t, 10.0, updated.MaxOrderSizePercent)

	assert.Equal(t, updated, e.Config())
}
