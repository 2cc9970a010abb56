package exchange

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/mirrorfin/copy-executor/internal/domain"
	"github.com/mirrorfin/copy-executor/internal/numbers"
)

const (
	defaultAPIURL = "https://api.hyperliquid.xyz"
	infoPath      = "/info"
	exchangePath  = "/exchange"
)

// Client is a typed HTTP client for the Hyperliquid info and exchange
// endpoints. All numeric wire fields arrive as strings; any field that fails
// to parse is a decode failure, not a silently-defaulted zero.
type Client struct {
	apiURL string
	http   *http.Client
	logger zerolog.Logger
}

var _ Gateway = (*Client)(nil)

func NewClient(apiURL string, logger zerolog.Logger) *Client {
	if apiURL == "" {
		apiURL = defaultAPIURL
	}
	return &Client{
		apiURL: strings.TrimRight(apiURL, "/"),
		http:   &http.Client{Timeout: 10 * time.Second},
		logger: logger.With().Str("component", "exchange").Logger(),
	}
}

// Wire shapes. Hyperliquid reports decimals as strings.

type wireFill struct {
	Coin          string `json:"coin"`
	Px            string `json:"px"`
	Sz            string `json:"sz"`
	Side          string `json:"side"` // B = buy, A = sell
	Time          int64  `json:"time"`
	StartPosition string `json:"startPosition"`
	ClosedPnl     string `json:"closedPnl"`
	Hash          string `json:"hash"`
	Oid           int64  `json:"oid"`
	Crossed       bool   `json:"crossed"`
	Fee           string `json:"fee"`
	Tid           int64  `json:"tid"`
}

type wireMarginSummary struct {
	AccountValue    string `json:"accountValue"`
	TotalNtlPos     string `json:"totalNtlPos"`
	TotalMarginUsed string `json:"totalMarginUsed"`
}

type wireAssetPosition struct {
	Position struct {
		Coin     string `json:"coin"`
		Szi      string `json:"szi"`
		Leverage struct {
			Type  string  `json:"type"`
			Value float64 `json:"value"`
		} `json:"leverage"`
		EntryPx       string `json:"entryPx"`
		UnrealizedPnl string `json:"unrealizedPnl"`
		MarginUsed    string `json:"marginUsed"`
	} `json:"position"`
	Type string `json:"type"`
}

type wireClearinghouseState struct {
	MarginSummary  wireMarginSummary   `json:"marginSummary"`
	Withdrawable   string              `json:"withdrawable"`
	AssetPositions []wireAssetPosition `json:"assetPositions"`
	Time           int64               `json:"time"`
}

func (c *Client) infoRequest(ctx context.Context, op string, body map[string]any, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return wrapErr(op, fmt.Errorf("marshal request: %w", err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.apiURL+infoPath, bytes.NewReader(payload))
	if err != nil {
		return wrapErr(op, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return wrapErr(op, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return wrapErr(op, fmt.Errorf("status %d: %s", resp.StatusCode, strings.TrimSpace(string(snippet))))
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return wrapErr(op, fmt.Errorf("decode response: %w", err))
	}
	return nil
}

// Fills returns the leader's recent fills, newest first as the exchange
// reports them. Ordering is not guaranteed; callers sort by tid.
func (c *Client) Fills(ctx context.Context, address string) ([]domain.Fill, error) {
	var raw []wireFill
	if err := c.infoRequest(ctx, "userFills", map[string]any{
		"type": "userFills",
		"user": address,
	}, &raw); err != nil {
		return nil, err
	}
	return decodeFills("userFills", raw)
}

// FillsSince returns fills in [start, end]; end of zero means now.
func (c *Client) FillsSince(ctx context.Context, address string, start, end int64) ([]domain.Fill, error) {
	if end == 0 {
		end = time.Now().UnixMilli()
	}
	var raw []wireFill
	if err := c.infoRequest(ctx, "userFillsByTime", map[string]any{
		"type":      "userFillsByTime",
		"user":      address,
		"startTime": start,
		"endTime":   end,
	}, &raw); err != nil {
		return nil, err
	}
	return decodeFills("userFillsByTime", raw)
}

func decodeFills(op string, raw []wireFill) ([]domain.Fill, error) {
	fills := make([]domain.Fill, 0, len(raw))
	for _, w := range raw {
		f, err := decodeFill(w)
		if err != nil {
			return nil, wrapErr(op, err)
		}
		fills = append(fills, f)
	}
	return fills, nil
}

func decodeFill(w wireFill) (domain.Fill, error) {
	if w.Coin == "" {
		return domain.Fill{}, fmt.Errorf("fill tid %d: missing coin", w.Tid)
	}
	px, err := numbers.ParseFloat("px", w.Px)
	if err != nil {
		return domain.Fill{}, fmt.Errorf("fill tid %d: %w", w.Tid, err)
	}
	sz, err := numbers.ParseFloat("sz", w.Sz)
	if err != nil {
		return domain.Fill{}, fmt.Errorf("fill tid %d: %w", w.Tid, err)
	}
	start, err := numbers.ParseFloat("startPosition", w.StartPosition)
	if err != nil {
		return domain.Fill{}, fmt.Errorf("fill tid %d: %w", w.Tid, err)
	}
	// closedPnl and fee are informational; tolerate their absence.
	pnl, _ := numbers.ParseFloat("closedPnl", w.ClosedPnl)
	fee, _ := numbers.ParseFloat("fee", w.Fee)

	return domain.Fill{
		Coin:          strings.ToUpper(w.Coin),
		Side:          decodeSide(w.Side),
		Size:          sz,
		Price:         px,
		StartPosition: start,
		ClosedPnl:     pnl,
		Fee:           fee,
		Time:          w.Time,
		Tid:           w.Tid,
		Oid:           w.Oid,
		Hash:          w.Hash,
		Crossed:       w.Crossed,
	}, nil
}

func decodeSide(raw string) domain.Side {
	switch strings.ToUpper(strings.TrimSpace(raw)) {
	case "B", "BUY":
		return domain.SideBuy
	default:
		return domain.SideSell
	}
}

// AccountState fetches and normalizes the clearinghouse snapshot.
func (c *Client) AccountState(ctx context.Context, address string) (*domain.AccountState, error) {
	var raw wireClearinghouseState
	if err := c.infoRequest(ctx, "clearinghouseState", map[string]any{
		"type": "clearinghouseState",
		"user": address,
	}, &raw); err != nil {
		return nil, err
	}

	const op = "clearinghouseState"
	equity, err := numbers.ParseFloat("marginSummary.accountValue", raw.MarginSummary.AccountValue)
	if err != nil {
		return nil, wrapErr(op, err)
	}
	ntlPos, err := numbers.ParseFloat("marginSummary.totalNtlPos", raw.MarginSummary.TotalNtlPos)
	if err != nil {
		return nil, wrapErr(op, err)
	}
	marginUsed, err := numbers.ParseFloat("marginSummary.totalMarginUsed", raw.MarginSummary.TotalMarginUsed)
	if err != nil {
		return nil, wrapErr(op, err)
	}
	withdrawable, _ := numbers.ParseFloat("withdrawable", raw.Withdrawable)

	positions := make([]domain.Position, 0, len(raw.AssetPositions))
	for _, ap := range raw.AssetPositions {
		szi, err := numbers.ParseFloat("szi", ap.Position.Szi)
		if err != nil {
			return nil, wrapErr(op, fmt.Errorf("position %s: %w", ap.Position.Coin, err))
		}
		if szi == 0 {
			continue
		}
		entry, err := numbers.ParseFloat("entryPx", ap.Position.EntryPx)
		if err != nil {
			return nil, wrapErr(op, fmt.Errorf("position %s: %w", ap.Position.Coin, err))
		}
		upnl, _ := numbers.ParseFloat("unrealizedPnl", ap.Position.UnrealizedPnl)
		margin, _ := numbers.ParseFloat("marginUsed", ap.Position.MarginUsed)

		positions = append(positions, domain.Position{
			Coin:          strings.ToUpper(ap.Position.Coin),
			Size:          szi,
			EntryPrice:    entry,
			UnrealizedPnl: upnl,
			Leverage:      ap.Position.Leverage.Value,
			MarginUsed:    margin,
		})
	}

	return &domain.AccountState{
		AccountValue:       equity,
		TotalPositionValue: ntlPos,
		TotalMarginUsed:    marginUsed,
		Withdrawable:       withdrawable,
		Positions:          positions,
		Time:               raw.Time,
	}, nil
}

// AccountValue returns the follower's equity in USD.
func (c *Client) AccountValue(ctx context.Context, address string) (float64, error) {
	state, err := c.AccountState(ctx, address)
	if err != nil {
		return 0, err
	}
	return state.AccountValue, nil
}

// MidPrices returns current mid prices keyed by coin.
func (c *Client) MidPrices(ctx context.Context) (map[string]float64, error) {
	var raw map[string]string
	if err := c.infoRequest(ctx, "allMids", map[string]any{"type": "allMids"}, &raw); err != nil {
		return nil, err
	}

	mids := make(map[string]float64, len(raw))
	for coin, px := range raw {
		f, err := numbers.ParseFloat(coin, px)
		if err != nil {
			return nil, wrapErr("allMids", err)
		}
		mids[strings.ToUpper(coin)] = f
	}
	return mids, nil
}

// HasPosition reports whether address holds a non-zero position in coin.
func (c *Client) HasPosition(ctx context.Context, address, coin string) (bool, error) {
	p, err := c.PositionFor(ctx, address, coin)
	if err != nil {
		return false, err
	}
	return p != nil, nil
}

// PositionFor returns the open position in coin, or nil when flat.
func (c *Client) PositionFor(ctx context.Context, address, coin string) (*domain.Position, error) {
	state, err := c.AccountState(ctx, address)
	if err != nil {
		return nil, err
	}
	coin = strings.ToUpper(coin)
	for _, p := range state.Positions {
		if p.Coin == coin && p.Size != 0 {
			return &p, nil
		}
	}
	return nil, nil
}

type wireOpenOrder struct {
	Coin      string `json:"coin"`
	LimitPx   string `json:"limitPx"`
	Oid       int64  `json:"oid"`
	Side      string `json:"side"`
	Sz        string `json:"sz"`
	Timestamp int64  `json:"timestamp"`
}

// OpenOrders returns the address's resting orders.
func (c *Client) OpenOrders(ctx context.Context, address string) ([]domain.OpenOrder, error) {
	const op = "openOrders"
	var raw []wireOpenOrder
	if err := c.infoRequest(ctx, op, map[string]any{
		"type": "openOrders",
		"user": address,
	}, &raw); err != nil {
		return nil, err
	}

	orders := make([]domain.OpenOrder, 0, len(raw))
	for _, w := range raw {
		px, err := numbers.ParseFloat("limitPx", w.LimitPx)
		if err != nil {
			return nil, wrapErr(op, fmt.Errorf("order oid %d: %w", w.Oid, err))
		}
		sz, err := numbers.ParseFloat("sz", w.Sz)
		if err != nil {
			return nil, wrapErr(op, fmt.Errorf("order oid %d: %w", w.Oid, err))
		}
		orders = append(orders, domain.OpenOrder{
			Coin:       strings.ToUpper(w.Coin),
			Side:       decodeSide(w.Side),
			Size:       sz,
			LimitPrice: px,
			Oid:        w.Oid,
			Timestamp:  w.Timestamp,
		})
	}
	return orders, nil
}

type wireBookLevel struct {
	Px string `json:"px"`
	Sz string `json:"sz"`
	N  int    `json:"n"`
}

type wireL2Book struct {
	Coin   string            `json:"coin"`
	Levels [][]wireBookLevel `json:"levels"`
	Time   int64             `json:"time"`
}

// L2Book returns the coin's order book snapshot, bids then asks.
func (c *Client) L2Book(ctx context.Context, coin string) (*domain.OrderBook, error) {
	const op = "l2Book"
	var raw wireL2Book
	if err := c.infoRequest(ctx, op, map[string]any{
		"type": "l2Book",
		"coin": coin,
	}, &raw); err != nil {
		return nil, err
	}
	if len(raw.Levels) != 2 {
		return nil, wrapErr(op, fmt.Errorf("expected 2 sides, got %d", len(raw.Levels)))
	}

	decodeLevels := func(side string, levels []wireBookLevel) ([]domain.BookLevel, error) {
		out := make([]domain.BookLevel, 0, len(levels))
		for _, l := range levels {
			px, err := numbers.ParseFloat("px", l.Px)
			if err != nil {
				return nil, fmt.Errorf("%s level: %w", side, err)
			}
			sz, err := numbers.ParseFloat("sz", l.Sz)
			if err != nil {
				return nil, fmt.Errorf("%s level: %w", side, err)
			}
			out = append(out, domain.BookLevel{Price: px, Size: sz, Orders: l.N})
		}
		return out, nil
	}

	bids, err := decodeLevels("bid", raw.Levels[0])
	if err != nil {
		return nil, wrapErr(op, err)
	}
	asks, err := decodeLevels("ask", raw.Levels[1])
	if err != nil {
		return nil, wrapErr(op, err)
	}

	return &domain.OrderBook{
		Coin: strings.ToUpper(raw.Coin),
		Bids: bids,
		Asks: asks,
		Time: raw.Time,
	}, nil
}

// SubmitOrder places a sized order on behalf of a follower. The protection
// pipeline has already vetted req; this call only carries it to the wire.
func (c *Client) SubmitOrder(ctx context.Context, creds Credentials, req OrderRequest) (*OrderResult, error) {
	const op = "submitOrder"
	if !req.Side.Valid() {
		return nil, wrapErr(op, fmt.Errorf("invalid side %q", req.Side))
	}
	if req.Size <= 0 {
		return nil, wrapErr(op, fmt.Errorf("non-positive size %f", req.Size))
	}

	payload, err := json.Marshal(req)
	if err != nil {
		return nil, wrapErr(op, fmt.Errorf("marshal order: %w", err))
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.apiURL+exchangePath, bytes.NewReader(payload))
	if err != nil {
		return nil, wrapErr(op, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("X-API-Key", creds.APIKey)
	httpReq.Header.Set("X-API-Secret", creds.APISecret)

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, wrapErr(op, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, wrapErr(op, fmt.Errorf("status %d: %s", resp.StatusCode, strings.TrimSpace(string(snippet))))
	}

	var result OrderResult
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, wrapErr(op, fmt.Errorf("decode response: %w", err))
	}
	c.logger.Info().
		Str("coin", req.Coin).
		Str("side", string(req.Side)).
		Float64("size", req.Size).
		Int64("oid", result.OrderID).
		Msg("order submitted")
	return &result, nil
}

// SortFillsByTid orders fills ascending by trade id, in place.
func SortFillsByTid(fills []domain.Fill) {
	sort.Slice(fills, func(i, j int) bool { return fills[i].Tid < fills[j].Tid })
}
