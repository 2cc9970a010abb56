package exchange

import (
	"context"
	"fmt"

	"github.com/mirrorfin/copy-executor/internal/domain"
)

// Credentials is a decrypted API credential pair, only ever materialized at
// the submission boundary.
type Credentials struct {
	APIKey    string
	APISecret string
}

// OrderType selects how a submitted order rests.
type OrderType string

const (
	OrderTypeMarket OrderType = "market"
	OrderTypeLimit  OrderType = "limit"
)

// OrderRequest carries the fields the protection pipeline sizes and vets.
type OrderRequest struct {
	Coin       string      `json:"coin"`
	Side       domain.Side `json:"side"`
	Size       float64     `json:"size"`
	LimitPrice float64     `json:"limitPrice,omitempty"`
	Type       OrderType   `json:"type"`
	ReduceOnly bool        `json:"reduceOnly,omitempty"`
}

// OrderResult is the exchange acknowledgement for a submitted order.
type OrderResult struct {
	OrderID int64   `json:"orderId"`
	Status  string  `json:"status"`
	AvgPx   float64 `json:"avgPx,omitempty"`
}

// Gateway is the read/submit capability the core consumes. Retries are the
// caller's concern; any transport failure surfaces as *ExchangeError.
type Gateway interface {
	AccountState(ctx context.Context, address string) (*domain.AccountState, error)
	AccountValue(ctx context.Context, address string) (float64, error)
	Fills(ctx context.Context, address string) ([]domain.Fill, error)
	MidPrices(ctx context.Context) (map[string]float64, error)
	SubmitOrder(ctx context.Context, creds Credentials, req OrderRequest) (*OrderResult, error)
}

// ExchangeError wraps any gateway transport or decode failure.
type ExchangeError struct {
	Op  string
	Err error
}

func (e *ExchangeError) Error() string {
	return fmt.Sprintf("exchange: %s: %v", e.Op, e.Err)
}

func (e *ExchangeError) Unwrap() error { return e.Err }

func wrapErr(op string, err error) error {
	return &ExchangeError{Op: op, Err: err}
}
