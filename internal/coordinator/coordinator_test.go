package coordinator

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mirrorfin/copy-executor/internal/audit"
	"github.com/mirrorfin/copy-executor/internal/domain"
	"github.com/mirrorfin/copy-executor/internal/exchange"
	"github.com/mirrorfin/copy-executor/internal/protection"
	"github.com/mirrorfin/copy-executor/internal/secrets"
	"github.com/mirrorfin/copy-executor/internal/store"
)

const testAddress = "0x29c89eC30a43c8d12b6BD4E99d3D6E5CBf1AEb28"

// stubGateway scripts the exchange for pipeline tests and counts equity
// fetches so short-circuit behavior is observable.
type stubGateway struct {
	mu           sync.Mutex
	mids         map[string]float64
	accountValue float64
	accountCalls int
	submitted    []exchange.OrderRequest
	creds        []exchange.Credentials
	submitErr    error
}

func (g *stubGateway) AccountState(context.Context, string) (*domain.AccountState, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.accountCalls++
	return &domain.AccountState{AccountValue: g.accountValue}, nil
}

func (g *stubGateway) AccountValue(ctx context.Context, address string) (float64, error) {
	state, err := g.AccountState(ctx, address)
	if err != nil {
		return 0, err
	}
	return state.AccountValue, nil
}

func (g *stubGateway) Fills(context.Context, string) ([]domain.Fill, error) {
	return nil, nil
}

func (g *stubGateway) MidPrices(context.Context) (map[string]float64, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.mids, nil
}

func (g *stubGateway) SubmitOrder(_ context.Context, creds exchange.Credentials, req exchange.OrderRequest) (*exchange.OrderResult, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.submitErr != nil {
		return nil, g.submitErr
	}
	g.submitted = append(g.submitted, req)
	g.creds = append(g.creds, creds)
	return &exchange.OrderResult{OrderID: 42, Status: "filled"}, nil
}

func (g *stubGateway) equityFetches() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.accountCalls
}

type fixture struct {
	coordinator *Coordinator
	gateway     *stubGateway
	followers   *store.MemoryFollowerStore
	apiKeys     *store.MemoryAPIKeyStore
	box         *secrets.Box
	audit       *audit.Log
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	gateway := &stubGateway{
		mids:         map[string]float64{"BTC": 100},
		accountValue: 10_000,
	}
	followers := store.NewMemoryFollowerStore()
	apiKeys := store.NewMemoryAPIKeyStore()
	box := secrets.NewRandomBox()
	auditLog := audit.NewLog(zerolog.Nop())
	engine := protection.NewEngine(protection.DefaultConfig(), gateway, zerolog.Nop())

	return &fixture{
		coordinator: New(followers, apiKeys, engine, gateway, box, auditLog, zerolog.Nop()),
		gateway:     gateway,
		followers:   followers,
		apiKeys:     apiKeys,
		box:         box,
		audit:       auditLog,
	}
}

func (f *fixture) register(t *testing.T, userID string, active bool) *domain.FollowerConfig {
	t.Helper()
	cfg, err := f.coordinator.Register(context.Background(), RegisterParams{
		UserID:          userID,
		UserAddress:     testAddress,
		APIKey:          "raw-api-key",
		APISecret:       "raw-api-secret",
		CopyRatio:       0.5,
		MaxPositionSize: 5000,
		IP:              "1.2.3.4",
	})
	require.NoError(t, err)
	if active {
		require.NoError(t, f.coordinator.Toggle(context.Background(), userID, true, "1.2.3.4"))
	}
	return cfg
}

func executeParams(userID string) ExecuteParams {
	return ExecuteParams{
		UserID:          userID,
		Coin:            "BTC",
		Side:            domain.SideBuy,
		LeaderSize:      10,
		LeaderPrice:     100,
		LeaderTradeTime: time.Now().UnixMilli(),
		IP:              "1.2.3.4",
	}
}

func TestRegisterEncryptsCredentials(t *testing.T) {
	f := newFixture(t)

	cfg := f.register(t, "user-1", false)

	assert.False(t, cfg.Active)
	assert.NotEqual(t, "raw-api-key", cfg.EncryptedAPIKey)
	assert.NotEqual(t, "raw-api-secret", cfg.EncryptedAPISecret)

	key, err := f.box.Decrypt(cfg.EncryptedAPIKey)
	require.NoError(t, err)
	assert.Equal(t, "raw-api-key", key)

	// The response shape never carries credential material, even encrypted.
	data, err := json.Marshal(cfg)
	require.NoError(t, err)
	assert.NotContains(t, string(data), cfg.EncryptedAPIKey)
	assert.NotContains(t, string(data), "raw-api-key")
}

func TestRegisterValidation(t *testing.T) {
	f := newFixture(t)
	base := RegisterParams{
		UserID:          "user-1",
		UserAddress:     testAddress,
		APIKey:          "k",
		APISecret:       "s",
		CopyRatio:       0.5,
		MaxPositionSize: 5000,
		IP:              "1.2.3.4",
	}

	bad := base
	bad.UserAddress = "not-an-address"
	_, err := f.coordinator.Register(context.Background(), bad)
	var vErr *ValidationError
	require.ErrorAs(t, err, &vErr)
	assert.Equal(t, "userAddress", vErr.Field)

	bad = base
	bad.CopyRatio = 1.5
	_, err = f.coordinator.Register(context.Background(), bad)
	require.ErrorAs(t, err, &vErr)
	assert.Equal(t, "copyRatio", vErr.Field)

	bad = base
	bad.CopyRatio = 0
	_, err = f.coordinator.Register(context.Background(), bad)
	require.ErrorAs(t, err, &vErr)

	bad = base
	bad.MaxPositionSize = 2_000_000
	_, err = f.coordinator.Register(context.Background(), bad)
	require.ErrorAs(t, err, &vErr)
	assert.Equal(t, "maxPositionSize", vErr.Field)

	// Each failed attempt is audited.
	failures := 0
	for _, e := range f.audit.Recent("user-1", true, 100) {
		if e.Action == "REGISTER_COPY" && !e.Success {
			failures++
		}
	}
	assert.Equal(t, 4, failures)
}

func TestReRegisterPreservesCreatedAt(t *testing.T) {
	f := newFixture(t)

	first := f.register(t, "user-1", false)
	second := f.register(t, "user-1", false)

	assert.Equal(t, first.CreatedAt, second.CreatedAt)
	assert.NotEqual(t, first.EncryptedAPIKey, second.EncryptedAPIKey)
}

func TestToggleNotConfigured(t *testing.T) {
	f := newFixture(t)

	err := f.coordinator.Toggle(context.Background(), "ghost", true, "1.2.3.4")
	assert.ErrorIs(t, err, ErrNotConfigured)
}

func TestToggle(t *testing.T) {
	f := newFixture(t)
	f.register(t, "user-1", false)

	require.NoError(t, f.coordinator.Toggle(context.Background(), "user-1", true, "1.2.3.4"))
	cfg, err := f.followers.Get(context.Background(), "user-1")
	require.NoError(t, err)
	assert.True(t, cfg.Active)

	require.NoError(t, f.coordinator.Toggle(context.Background(), "user-1", false, "1.2.3.4"))
	cfg, err = f.followers.Get(context.Background(), "user-1")
	require.NoError(t, err)
	assert.False(t, cfg.Active)
}

func TestExecuteNotConfigured(t *testing.T) {
	f := newFixture(t)

	_, err := f.coordinator.Execute(context.Background(), executeParams("ghost"))
	assert.ErrorIs(t, err, ErrNotConfigured)
}

func TestExecuteInactive(t *testing.T) {
	f := newFixture(t)
	f.register(t, "user-1", false)

	_, err := f.coordinator.Execute(context.Background(), executeParams("user-1"))
	rej, ok := AsRejection(err)
	require.True(t, ok)
	assert.Equal(t, "Copy trading not active", rej.Reason)
	assert.Zero(t, f.gateway.equityFetches())
}

func TestExecuteAccepts(t *testing.T) {
	f := newFixture(t)
	f.register(t, "user-1", true)

	result, err := f.coordinator.Execute(context.Background(), executeParams("user-1"))
	require.NoError(t, err)

	// leaderSize 10 * ratio 0.5, no cap (10% of 10k = 1000), no drift.
	assert.Equal(t, "BTC", result.Coin)
	assert.Equal(t, domain.SideBuy, result.Side)
	assert.Equal(t, 5.0, result.Size)
	assert.Equal(t, 100.0, result.Price)
	assert.Zero(t, result.Slippage)
	assert.Equal(t, 1, f.gateway.equityFetches())

	entries := f.audit.Recent("user-1", false, 10)
	require.NotEmpty(t, entries)
	assert.Equal(t, "EXECUTE_COPY", entries[0].Action)
	assert.True(t, entries[0].Success)
}

func TestExecuteCooldownAfterAccept(t *testing.T) {
	f := newFixture(t)
	f.register(t, "user-1", true)

	_, err := f.coordinator.Execute(context.Background(), executeParams("user-1"))
	require.NoError(t, err)

	_, err = f.coordinator.Execute(context.Background(), executeParams("user-1"))
	rej, ok := AsRejection(err)
	require.True(t, ok)
	assert.Equal(t, "Please wait before placing another order on this pair", rej.Reason)
}

func TestExecuteStaleSignalSkipsEquityFetch(t *testing.T) {
	f := newFixture(t)
	f.register(t, "user-1", true)

	p := executeParams("user-1")
	p.LeaderTradeTime = time.Now().Add(-time.Minute).UnixMilli()

	_, err := f.coordinator.Execute(context.Background(), p)
	rej, ok := AsRejection(err)
	require.True(t, ok)
	assert.Contains(t, rej.Reason, "Signal too delayed")
	assert.Contains(t, rej.Reason, "Skipping for safety.")

	// Rejected before the pipeline ever touched follower equity.
	assert.Zero(t, f.gateway.equityFetches())
}

func TestExecuteSlippageRejection(t *testing.T) {
	f := newFixture(t)
	f.register(t, "user-1", true)
	f.gateway.mids["BTC"] = 103 // 3% above the leader's fill

	_, err := f.coordinator.Execute(context.Background(), executeParams("user-1"))
	rej, ok := AsRejection(err)
	require.True(t, ok)
	assert.Equal(t, "Slippage too high (3.00%). Skipping for safety.", rej.Reason)
	assert.Zero(t, f.gateway.equityFetches())
}

func TestExecuteUnknownCoinRejected(t *testing.T) {
	f := newFixture(t)
	f.register(t, "user-1", true)

	p := executeParams("user-1")
	p.Coin = "DOGE"

	_, err := f.coordinator.Execute(context.Background(), p)
	rej, ok := AsRejection(err)
	require.True(t, ok)
	assert.Equal(t, "slippage", rej.Stage)
}

func TestHandleLeadFillFansOutToActiveFollowers(t *testing.T) {
	f := newFixture(t)
	f.register(t, "user-1", true)
	f.register(t, "user-2", true)
	f.register(t, "user-3", false)

	err := f.coordinator.HandleLeadFill(context.Background(), domain.Fill{
		Coin:  "BTC",
		Side:  domain.SideBuy,
		Size:  10,
		Price: 100,
		Time:  time.Now().UnixMilli(),
		Tid:   1,
	})
	require.NoError(t, err)

	executed := map[string]bool{}
	for _, e := range f.audit.Recent("", true, 100) {
		if e.Action == "EXECUTE_COPY" && e.Success {
			executed[e.UserID] = true
		}
	}
	assert.True(t, executed["user-1"])
	assert.True(t, executed["user-2"])
	assert.False(t, executed["user-3"])
}

func TestHandleLeadFillNoFollowers(t *testing.T) {
	f := newFixture(t)

	err := f.coordinator.HandleLeadFill(context.Background(), domain.Fill{
		Coin: "BTC", Side: domain.SideBuy, Size: 1, Price: 100, Time: time.Now().UnixMilli(), Tid: 1,
	})
	require.NoError(t, err)
	assert.Zero(t, f.gateway.equityFetches())
}

func TestSubmitDecryptsCredentials(t *testing.T) {
	f := newFixture(t)
	f.register(t, "user-1", true)

	result, err := f.coordinator.Submit(context.Background(), SubmitParams{
		UserID: "user-1",
		Plan:   Execution{Coin: "BTC", Side: domain.SideBuy, Size: 5, Price: 100},
		IP:     "1.2.3.4",
	})
	require.NoError(t, err)
	assert.Equal(t, int64(42), result.OrderID)

	require.Len(t, f.gateway.creds, 1)
	assert.Equal(t, "raw-api-key", f.gateway.creds[0].APIKey)
	assert.Equal(t, "raw-api-secret", f.gateway.creds[0].APISecret)

	require.Len(t, f.gateway.submitted, 1)
	assert.Equal(t, exchange.OrderTypeMarket, f.gateway.submitted[0].Type)
	assert.Equal(t, 5.0, f.gateway.submitted[0].Size)
}

func TestSubmitInactive(t *testing.T) {
	f := newFixture(t)
	f.register(t, "user-1", false)

	_, err := f.coordinator.Submit(context.Background(), SubmitParams{
		UserID: "user-1",
		Plan:   Execution{Coin: "BTC", Side: domain.SideBuy, Size: 5, Price: 100},
	})
	rej, ok := AsRejection(err)
	require.True(t, ok)
	assert.Equal(t, "Copy trading not active", rej.Reason)
	assert.Empty(t, f.gateway.submitted)
}

func TestSubmitCorruptCredentialIsFatal(t *testing.T) {
	f := newFixture(t)
	f.register(t, "user-1", true)

	cfg, err := f.followers.Get(context.Background(), "user-1")
	require.NoError(t, err)
	cfg.EncryptedAPIKey = "aa:bb:cc"
	require.NoError(t, f.followers.Put(context.Background(), *cfg))

	_, err = f.coordinator.Submit(context.Background(), SubmitParams{
		UserID: "user-1",
		Plan:   Execution{Coin: "BTC", Side: domain.SideBuy, Size: 5, Price: 100},
		IP:     "1.2.3.4",
	})
	require.ErrorIs(t, err, secrets.ErrIntegrity)
	assert.Empty(t, f.gateway.submitted)

	entries := f.audit.Recent("user-1", false, 10)
	require.NotEmpty(t, entries)
	assert.False(t, entries[0].Success)
	assert.Equal(t, "credential integrity failure", entries[0].Details["error"])
}

func TestIssueAPIKey(t *testing.T) {
	f := newFixture(t)

	apiKey, err := f.coordinator.IssueAPIKey(context.Background(), "user-1", []string{"read", "trade"}, "1.2.3.4")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(apiKey, "sk_"))
	assert.Len(t, apiKey, 3+64)

	id, err := f.apiKeys.Get(context.Background(), apiKey)
	require.NoError(t, err)
	assert.Equal(t, "user-1", id.UserID)
	assert.Equal(t, []string{"read", "trade"}, id.Permissions)
}

func TestIssueAPIKeyShortUserID(t *testing.T) {
	f := newFixture(t)

	_, err := f.coordinator.IssueAPIKey(context.Background(), "ab", nil, "1.2.3.4")
	var vErr *ValidationError
	require.ErrorAs(t, err, &vErr)
	assert.Equal(t, "userId", vErr.Field)
}
