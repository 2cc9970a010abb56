package coordinator

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/mirrorfin/copy-executor/internal/audit"
	"github.com/mirrorfin/copy-executor/internal/domain"
	"github.com/mirrorfin/copy-executor/internal/exchange"
	"github.com/mirrorfin/copy-executor/internal/protection"
	"github.com/mirrorfin/copy-executor/internal/secrets"
	"github.com/mirrorfin/copy-executor/internal/store"
)

var addressPattern = regexp.MustCompile(`^0x[a-fA-F0-9]{40}$`)

const maxPositionSizeCeiling = 1_000_000

// Audit action names.
const (
	actionRegister = "REGISTER_COPY"
	actionToggle   = "TOGGLE_COPY"
	actionExecute  = "EXECUTE_COPY"
	actionSubmit   = "SUBMIT_ORDER"
	actionIssueKey = "GENERATE_API_KEY"
)

// Coordinator owns the follower registry and drives each lead trade through
// the protection pipeline. Every outcome, accepted or rejected, lands in the
// audit log.
type Coordinator struct {
	followers store.FollowerStore
	apiKeys   store.APIKeyStore
	engine    *protection.Engine
	gateway   exchange.Gateway
	box       *secrets.Box
	audit     *audit.Log
	logger    zerolog.Logger

	// Serializes register/toggle read-modify-write per process; per-key
	// atomicity in the store covers the rest.
	mu sync.Mutex
}

func New(
	followers store.FollowerStore,
	apiKeys store.APIKeyStore,
	engine *protection.Engine,
	gateway exchange.Gateway,
	box *secrets.Box,
	auditLog *audit.Log,
	logger zerolog.Logger,
) *Coordinator {
	return &Coordinator{
		followers: followers,
		apiKeys:   apiKeys,
		engine:    engine,
		gateway:   gateway,
		box:       box,
		audit:     auditLog,
		logger:    logger.With().Str("component", "coordinator").Logger(),
	}
}

// RegisterParams is the registration input. Raw credentials are encrypted
// before anything is stored.
type RegisterParams struct {
	UserID          string
	UserAddress     string
	APIKey          string
	APISecret       string
	CopyRatio       float64
	MaxPositionSize float64
	StopLossPercent float64
	IP              string
}

// Register validates and stores a follower configuration. Re-registration
// rotates credentials but keeps the original creation time, preserving
// audit continuity.
func (c *Coordinator) Register(ctx context.Context, p RegisterParams) (*domain.FollowerConfig, error) {
	if err := validateRegistration(p); err != nil {
		c.audit.Record(ctx, actionRegister, p.UserID, p.IP, map[string]any{"error": err.Error()}, false)
		return nil, err
	}

	encKey, err := c.box.Encrypt(p.APIKey)
	if err != nil {
		return nil, fmt.Errorf("encrypt api key: %w", err)
	}
	encSecret, err := c.box.Encrypt(p.APISecret)
	if err != nil {
		return nil, fmt.Errorf("encrypt api secret: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now().UTC()
	cfg := domain.FollowerConfig{
		UserID:             p.UserID,
		UserAddress:        p.UserAddress,
		EncryptedAPIKey:    encKey,
		EncryptedAPISecret: encSecret,
		CopyRatio:          p.CopyRatio,
		MaxPositionSize:    p.MaxPositionSize,
		StopLossPercent:    p.StopLossPercent,
		Active:             false,
		CreatedAt:          now,
		UpdatedAt:          now,
	}
	if existing, err := c.followers.Get(ctx, p.UserID); err == nil {
		cfg.CreatedAt = existing.CreatedAt
	}

	if err := c.followers.Put(ctx, cfg); err != nil {
		c.audit.Record(ctx, actionRegister, p.UserID, p.IP, map[string]any{"error": err.Error()}, false)
		return nil, fmt.Errorf("store follower config: %w", err)
	}

	c.audit.Record(ctx, actionRegister, p.UserID, p.IP, map[string]any{
		"userAddress":     p.UserAddress,
		"copyRatio":       p.CopyRatio,
		"maxPositionSize": p.MaxPositionSize,
	}, true)
	c.logger.Info().Str("user", p.UserID).Str("address", p.UserAddress).Msg("follower registered")
	return &cfg, nil
}

func validateRegistration(p RegisterParams) error {
	if !addressPattern.MatchString(p.UserAddress) {
		return &ValidationError{Field: "userAddress", Reason: "invalid wallet address format"}
	}
	if p.CopyRatio <= 0 || p.CopyRatio > 1 {
		return &ValidationError{Field: "copyRatio", Reason: "must be between 0 and 1"}
	}
	if p.MaxPositionSize <= 0 || p.MaxPositionSize > maxPositionSizeCeiling {
		return &ValidationError{Field: "maxPositionSize", Reason: "must be positive and at most 1000000"}
	}
	return nil
}

// Toggle flips the active flag. Configs are soft-lifecycled: deactivation,
// never deletion.
func (c *Coordinator) Toggle(ctx context.Context, userID string, active bool, ip string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	cfg, err := c.followers.Get(ctx, userID)
	if errors.Is(err, store.ErrNotFound) {
		c.audit.Record(ctx, actionToggle, userID, ip, map[string]any{"error": "not configured"}, false)
		return ErrNotConfigured
	}
	if err != nil {
		return fmt.Errorf("load follower config: %w", err)
	}

	cfg.Active = active
	cfg.UpdatedAt = time.Now().UTC()
	if err := c.followers.Put(ctx, *cfg); err != nil {
		return fmt.Errorf("store follower config: %w", err)
	}

	c.audit.Record(ctx, actionToggle, userID, ip, map[string]any{"active": active}, true)
	return nil
}

// ExecuteParams describes one lead trade to replicate for one follower.
type ExecuteParams struct {
	UserID          string
	Coin            string
	Side            domain.Side
	LeaderSize      float64
	LeaderPrice     float64
	LeaderTradeTime int64 // unix ms
	IP              string
}

// Execution is the vetted, sized instruction the pipeline produces. Actual
// submission is a separate, explicit step.
type Execution struct {
	Coin     string      `json:"coin"`
	Side     domain.Side `json:"side"`
	Size     float64     `json:"size"`
	Price    float64     `json:"price"`
	Slippage float64     `json:"slippage"`
	DelayMs  int64       `json:"delay"`
}

// Execute runs the full protection pipeline in its fixed order. The first
// rejection short-circuits the remaining steps; every outcome is audited.
// The follower equity fetch happens only after the slippage gate passes, so
// signals rejected early never cost a gateway call.
func (c *Coordinator) Execute(ctx context.Context, p ExecuteParams) (*Execution, error) {
	cfg, err := c.followers.Get(ctx, p.UserID)
	if errors.Is(err, store.ErrNotFound) {
		c.audit.Record(ctx, actionExecute, p.UserID, p.IP, map[string]any{"error": "not configured"}, false)
		return nil, ErrNotConfigured
	}
	if err != nil {
		return nil, fmt.Errorf("load follower config: %w", err)
	}
	if !cfg.Active {
		return nil, c.reject(ctx, p, "active", "Copy trading not active", nil)
	}

	delayCheck := c.engine.CheckSignalDelay(p.LeaderTradeTime)
	if !delayCheck.Acceptable {
		return nil, c.reject(ctx, p, "delay",
			fmt.Sprintf("Signal too delayed (%dms). Skipping for safety.", delayCheck.DelayMs),
			map[string]any{"delayMs": delayCheck.DelayMs})
	}

	slippageCheck, err := c.engine.CheckSlippage(ctx, p.Coin, p.LeaderPrice, p.Side)
	if err != nil {
		c.audit.Record(ctx, actionExecute, p.UserID, p.IP, map[string]any{"error": err.Error()}, false)
		return nil, err
	}
	if !slippageCheck.Acceptable {
		return nil, c.reject(ctx, p, "slippage",
			fmt.Sprintf("Slippage too high (%.2f%%). Skipping for safety.", slippageCheck.SlippagePercent),
			map[string]any{"slippage": slippageCheck.SlippagePercent})
	}

	accountValue, err := c.gateway.AccountValue(ctx, cfg.UserAddress)
	if err != nil {
		c.audit.Record(ctx, actionExecute, p.UserID, p.IP, map[string]any{"error": err.Error()}, false)
		return nil, err
	}

	// Both prices come from the same slippage snapshot, so the drift haircut
	// never compares prices sourced at different instants.
	size := c.engine.SafeCopySize(p.LeaderSize, cfg.CopyRatio, accountValue, slippageCheck.CurrentPrice, p.LeaderPrice)

	validation := c.engine.ValidateOrder(protection.OrderParams{
		UserID:       p.UserID,
		Coin:         p.Coin,
		Side:         p.Side,
		Size:         size,
		AccountValue: accountValue,
	})
	if !validation.Valid {
		return nil, c.reject(ctx, p, "validate", validation.Reason, map[string]any{"size": size})
	}

	anomaly := c.engine.DetectAnomalousPattern(p.UserID, p.Coin, size)
	if anomaly.Suspicious {
		return nil, c.reject(ctx, p, "anomaly",
			fmt.Sprintf("Suspicious activity detected: %s", anomaly.Reason),
			map[string]any{"reason": anomaly.Reason})
	}

	c.engine.RecordOrder(p.UserID, p.Coin, p.Side, size, slippageCheck.CurrentPrice)

	c.audit.Record(ctx, actionExecute, p.UserID, p.IP, map[string]any{
		"coin":        p.Coin,
		"side":        p.Side,
		"copySize":    size,
		"price":       slippageCheck.CurrentPrice,
		"leaderSize":  p.LeaderSize,
		"leaderPrice": p.LeaderPrice,
	}, true)

	return &Execution{
		Coin:     p.Coin,
		Side:     p.Side,
		Size:     size,
		Price:    slippageCheck.CurrentPrice,
		Slippage: slippageCheck.SlippagePercent,
		DelayMs:  delayCheck.DelayMs,
	}, nil
}

func (c *Coordinator) reject(ctx context.Context, p ExecuteParams, stage, reason string, details map[string]any) error {
	if details == nil {
		details = map[string]any{}
	}
	details["error"] = reason
	c.audit.Record(ctx, actionExecute, p.UserID, p.IP, details, false)
	c.logger.Info().
		Str("user", p.UserID).
		Str("coin", p.Coin).
		Str("stage", stage).
		Str("reason", reason).
		Msg("copy trade rejected")
	return &RejectionError{Stage: stage, Reason: reason, Details: details}
}

// HandleLeadFill fans a new leader fill out to every active follower.
// Followers are independent: replications run concurrently with no mutual
// ordering, and one follower's rejection never affects another's.
func (c *Coordinator) HandleLeadFill(ctx context.Context, fill domain.Fill) error {
	followers, err := c.followers.ListActive(ctx)
	if err != nil {
		return fmt.Errorf("list active followers: %w", err)
	}
	if len(followers) == 0 {
		return nil
	}

	var wg sync.WaitGroup
	for _, follower := range followers {
		wg.Add(1)
		go func(cfg domain.FollowerConfig) {
			defer wg.Done()
			_, err := c.Execute(ctx, ExecuteParams{
				UserID:          cfg.UserID,
				Coin:            fill.Coin,
				Side:            fill.Side,
				LeaderSize:      fill.Size,
				LeaderPrice:     fill.Price,
				LeaderTradeTime: fill.Time,
				IP:              "internal",
			})
			if err != nil {
				if rej, ok := AsRejection(err); ok {
					c.logger.Debug().Str("user", cfg.UserID).Str("reason", rej.Reason).Msg("follower skipped")
					return
				}
				c.logger.Error().Err(err).Str("user", cfg.UserID).Msg("follower replication failed")
			}
		}(follower)
	}
	wg.Wait()
	return nil
}

// SubmitParams identifies a previously vetted execution to place.
type SubmitParams struct {
	UserID string
	Plan   Execution
	IP     string
}

// Submit decrypts the follower's stored credentials and places the vetted
// order via the gateway. A credential that fails integrity is fatal for that
// credential; the ciphertext is never passed through as-is.
func (c *Coordinator) Submit(ctx context.Context, p SubmitParams) (*exchange.OrderResult, error) {
	cfg, err := c.followers.Get(ctx, p.UserID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrNotConfigured
	}
	if err != nil {
		return nil, fmt.Errorf("load follower config: %w", err)
	}
	if !cfg.Active {
		c.audit.Record(ctx, actionSubmit, p.UserID, p.IP, map[string]any{"error": "Copy trading not active"}, false)
		return nil, &RejectionError{Stage: "active", Reason: "Copy trading not active"}
	}

	apiKey, err := c.box.Decrypt(cfg.EncryptedAPIKey)
	if err != nil {
		c.audit.Record(ctx, actionSubmit, p.UserID, p.IP, map[string]any{"error": "credential integrity failure"}, false)
		return nil, fmt.Errorf("decrypt api key: %w", err)
	}
	apiSecret, err := c.box.Decrypt(cfg.EncryptedAPISecret)
	if err != nil {
		c.audit.Record(ctx, actionSubmit, p.UserID, p.IP, map[string]any{"error": "credential integrity failure"}, false)
		return nil, fmt.Errorf("decrypt api secret: %w", err)
	}

	result, err := c.gateway.SubmitOrder(ctx, exchange.Credentials{APIKey: apiKey, APISecret: apiSecret}, exchange.OrderRequest{
		Coin: p.Plan.Coin,
		Side: p.Plan.Side,
		Size: p.Plan.Size,
		Type: exchange.OrderTypeMarket,
	})
	if err != nil {
		c.audit.Record(ctx, actionSubmit, p.UserID, p.IP, map[string]any{"error": err.Error()}, false)
		return nil, err
	}

	c.audit.Record(ctx, actionSubmit, p.UserID, p.IP, map[string]any{
		"coin":  p.Plan.Coin,
		"side":  p.Plan.Side,
		"size":  p.Plan.Size,
		"oid":   result.OrderID,
		"state": result.Status,
	}, true)
	return result, nil
}

// IssueAPIKey creates an opaque sk_-prefixed key mapped to the user and
// permissions.
func (c *Coordinator) IssueAPIKey(ctx context.Context, userID string, permissions []string, ip string) (string, error) {
	if len(userID) < 3 {
		return "", &ValidationError{Field: "userId", Reason: "must be at least 3 characters"}
	}
	if len(permissions) == 0 {
		permissions = []string{"read"}
	}

	token, err := secrets.GenerateToken(32)
	if err != nil {
		return "", err
	}
	apiKey := "sk_" + token

	if err := c.apiKeys.Put(ctx, apiKey, store.APIKeyIdentity{UserID: userID, Permissions: permissions}); err != nil {
		return "", fmt.Errorf("store api key: %w", err)
	}

	c.audit.Record(ctx, actionIssueKey, userID, ip, map[string]any{"permissions": permissions}, true)
	return apiKey, nil
}
