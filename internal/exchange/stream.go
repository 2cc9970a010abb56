package exchange

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"
	hl "github.com/sonirico/go-hyperliquid"

	"github.com/mirrorfin/copy-executor/internal/numbers"
)

// FillStream subscribes to the leader's order fills over WebSocket and
// notifies the given hook on every batch. The polling monitor's watermark
// remains the single source of truth for what counts as new, so the stream
// is free to drop or duplicate batches; it only shortens the reaction time
// between a leader fill and the next poll.
type FillStream struct {
	wsURL  string
	logger zerolog.Logger
}

func NewFillStream(wsURL string, logger zerolog.Logger) *FillStream {
	return &FillStream{
		wsURL:  wsURL,
		logger: logger.With().Str("component", "fill_stream").Logger(),
	}
}

// Run connects, subscribes to the leader's fills and blocks until ctx is
// cancelled. onFills is invoked once per non-empty batch.
func (s *FillStream) Run(ctx context.Context, address string, onFills func()) error {
	if onFills == nil {
		return errors.New("fill stream: onFills hook is required")
	}

	ws := hl.NewWebsocketClient(s.wsURL)
	if err := ws.Connect(ctx); err != nil {
		return fmt.Errorf("connect websocket: %w", err)
	}
	defer func() {
		if err := ws.Close(); err != nil {
			s.logger.Warn().Err(err).Str("leader", address).Msg("error closing websocket")
		}
	}()

	s.logger.Info().Str("leader", address).Msg("subscribing to leader fills")
	sub, err := ws.OrderFills(
		hl.OrderFillsSubscriptionParams{User: address},
		func(fills hl.WsOrderFills, err error) {
			if err != nil {
				s.logger.Warn().Err(err).Str("leader", address).Msg("order fills callback error")
				return
			}
			if len(fills.Fills) == 0 {
				return
			}
			for _, f := range fills.Fills {
				px, _ := numbers.ExtractFloat(f.Px)
				sz, _ := numbers.ExtractFloat(f.Sz)
				s.logger.Debug().
					Str("coin", f.Coin).
					Float64("px", px).
					Float64("sz", sz).
					Msg("leader fill observed on stream")
			}
			onFills()
		},
	)
	if err != nil {
		return fmt.Errorf("subscribe to order fills: %w", err)
	}
	defer sub.Close()

	<-ctx.Done()
	return ctx.Err()
}
