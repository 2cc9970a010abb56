package domain

import "time"

// Side is the taker side of a fill or order.
type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

// Valid reports whether s is one of the two known sides.
func (s Side) Valid() bool {
	return s == SideBuy || s == SideSell
}

// Fill is a single execution on the leader account as reported by the
// exchange. Immutable once observed; Tid is monotonically assigned by the
// exchange and doubles as the monitor watermark.
type Fill struct {
	Coin          string  `json:"coin"`
	Side          Side    `json:"side"`
	Size          float64 `json:"size"`
	Price         float64 `json:"price"`
	StartPosition float64 `json:"startPosition"`
	ClosedPnl     float64 `json:"closedPnl"`
	Fee           float64 `json:"fee"`
	Time          int64   `json:"time"` // exchange time, unix ms
	Tid           int64   `json:"tid"`
	Oid           int64   `json:"oid"`
	Hash          string  `json:"hash"`
	Crossed       bool    `json:"crossed"`
}

// Position is a normalized open perp position.
type Position struct {
	Coin          string  `json:"coin"`
	Size          float64 `json:"size"` // signed, positive = long
	EntryPrice    float64 `json:"entryPrice"`
	UnrealizedPnl float64 `json:"unrealizedPnl"`
	Leverage      float64 `json:"leverage"`
	MarginUsed    float64 `json:"marginUsed"`
}

// AccountState is a normalized clearinghouse snapshot for one address.
type AccountState struct {
	AccountValue       float64    `json:"accountValue"`
	TotalPositionValue float64    `json:"totalPositionValue"`
	TotalMarginUsed    float64    `json:"totalMarginUsed"`
	Withdrawable       float64    `json:"withdrawable"`
	Positions          []Position `json:"positions"`
	Time               int64      `json:"time"`
}

// OpenOrder is a resting order on the exchange.
type OpenOrder struct {
	Coin       string  `json:"coin"`
	Side       Side    `json:"side"`
	Size       float64 `json:"size"`
	LimitPrice float64 `json:"limitPrice"`
	Oid        int64   `json:"oid"`
	Timestamp  int64   `json:"timestamp"`
}

// BookLevel is one price level of an order book side.
type BookLevel struct {
	Price  float64 `json:"price"`
	Size   float64 `json:"size"`
	Orders int     `json:"orders"`
}

// OrderBook is an L2 snapshot for one coin.
type OrderBook struct {
	Coin string      `json:"coin"`
	Bids []BookLevel `json:"bids"`
	Asks []BookLevel `json:"asks"`
	Time int64       `json:"time"`
}

// FollowerConfig is one user's copy-trading configuration. Credentials are
// stored encrypted and never serialized; the config is soft-lifecycled via
// Active rather than deleted.
type FollowerConfig struct {
	UserID             string    `json:"userId"`
	UserAddress        string    `json:"userAddress"`
	EncryptedAPIKey    string    `json:"-"`
	EncryptedAPISecret string    `json:"-"`
	CopyRatio          float64   `json:"copyRatio"`
	MaxPositionSize    float64   `json:"maxPositionSize"`
	StopLossPercent    float64   `json:"stopLossPercent,omitempty"`
	Active             bool      `json:"active"`
	CreatedAt          time.Time `json:"createdAt"`
	UpdatedAt          time.Time `json:"updatedAt"`
}

// OrderRecord is an append-only entry in the protection engine's order
// history ledger, used for cooldown and anomaly checks.
type OrderRecord struct {
	UserID    string  `json:"userId"`
	Coin      string  `json:"coin"`
	Side      Side    `json:"side"`
	Size      float64 `json:"size"`
	Price     float64 `json:"price"`
	Timestamp int64   `json:"timestamp"` // unix ms
}

// AuditEntry records one protected decision, accepted or rejected.
type AuditEntry struct {
	ID        string         `json:"id"`
	Timestamp time.Time      `json:"timestamp"`
	Action    string         `json:"action"`
	UserID    string         `json:"userId,omitempty"`
	IP        string         `json:"ip"`
	Details   map[string]any `json:"details"`
	Success   bool           `json:"success"`
}

// LeaderTrade is a normalized recent fill inside a LeaderStatus snapshot.
type LeaderTrade struct {
	Coin  string  `json:"coin"`
	Side  string  `json:"side"` // BUY / SELL
	Size  float64 `json:"size"`
	Price float64 `json:"price"`
	Pnl   float64 `json:"pnl"`
	Time  string  `json:"time"` // RFC3339
}

// LeaderStatus is the composite read-only snapshot of the monitored leader.
type LeaderStatus struct {
	Address            string        `json:"address"`
	AccountValue       float64       `json:"accountValue"`
	TotalPositionValue float64       `json:"totalPositionValue"`
	Positions          []Position    `json:"positions"`
	RecentTrades       []LeaderTrade `json:"recentTrades"`
	IsMonitoring       bool          `json:"isMonitoring"`
}
