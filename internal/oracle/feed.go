package oracle

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/big"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/cairnfi/termledger/internal/domain"
	"github.com/cairnfi/termledger/internal/fixed"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	reconnectDelay = 2 * time.Second
)

// quoteMessage is the upstream oracle feed's wire shape. Amounts are decimal
// strings so the wad precision survives JSON.
type quoteMessage struct {
	Collateral string `json:"collateral"`
	Spot       string `json:"spot"`
	Ratio      string `json:"ratio"`
	Rate       string `json:"rate"`
	Savings    string `json:"savings"`
	Timestamp  int64  `json:"ts"`
}

type subscribeCommand struct {
	Type        string   `json:"type"`
	Collaterals []string `json:"collaterals"`
}

// Feed subscribes to the upstream oracle websocket, mirrors every quote into
// the static oracle and the shared caches, and republishes it on the signal
// bus for downstream consumers. It reconnects with a fixed delay on
// disconnect.
type Feed struct {
	wsURL       string
	collaterals []string

	static       *Static
	prices       domain.PriceCache
	accumulators domain.AccumulatorCache
	bus          domain.SignalBus
	logger       *slog.Logger

	closeOnce sync.Once
	done      chan struct{}
}

// NewFeed creates a feed for the given collateral codes. prices,
// accumulators and bus may each be nil when that sink is not wired.
func NewFeed(wsURL string, collaterals []string, static *Static, prices domain.PriceCache, accumulators domain.AccumulatorCache, bus domain.SignalBus, logger *slog.Logger) *Feed {
	return &Feed{
		wsURL:        wsURL,
		collaterals:  collaterals,
		static:       static,
		prices:       prices,
		accumulators: accumulators,
		bus:          bus,
		logger:       logger.With(slog.String("component", "oracle_feed")),
		done:         make(chan struct{}),
	}
}

// Run connects and consumes quotes until ctx is cancelled or Close is called.
func (f *Feed) Run(ctx context.Context) error {
	if len(f.collaterals) == 0 {
		f.logger.Info("no collaterals to subscribe, exiting")
		return nil
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-f.done:
			return nil
		default:
		}
		err := f.runConnection(ctx)
		if err == nil || ctx.Err() != nil {
			return ctx.Err()
		}
		f.logger.Warn("oracle feed disconnected, reconnecting", slog.String("error", err.Error()))
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-f.done:
			return nil
		case <-time.After(reconnectDelay):
		}
	}
}

func (f *Feed) runConnection(ctx context.Context) error {
	dialer := websocket.Dialer{HandshakeTimeout: 15 * time.Second}
	conn, _, err := dialer.DialContext(ctx, f.wsURL, nil)
	if err != nil {
		return fmt.Errorf("oracle: feed connect: %w", err)
	}
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	cmd := subscribeCommand{Type: "subscribe", Collaterals: f.collaterals}
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := conn.WriteJSON(cmd); err != nil {
		return fmt.Errorf("oracle: feed subscribe: %w", err)
	}
	f.logger.Info("oracle feed subscribed", slog.Int("collaterals", len(f.collaterals)))

	stop := make(chan struct{})
	defer close(stop)
	go f.pingLoop(conn, stop)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-f.done:
			return nil
		default:
		}
		_, data, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("oracle: feed read: %w", err)
		}
		if err := f.handleMessage(ctx, data); err != nil {
			f.logger.Debug("oracle feed message dropped",
				slog.String("error", err.Error()),
				slog.Int("payload_len", len(data)),
			)
		}
	}
}

func (f *Feed) pingLoop(conn *websocket.Conn, stop <-chan struct{}) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-f.done:
			return
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (f *Feed) handleMessage(ctx context.Context, data []byte) error {
	var msg quoteMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return err
	}
	if msg.Collateral == "" {
		return nil
	}
	quote, err := parseQuote(msg)
	if err != nil {
		return err
	}
	ts := time.Unix(0, msg.Timestamp)
	if msg.Timestamp == 0 {
		ts = time.Now()
	}

	if f.static != nil {
		f.static.Set(msg.Collateral, quote)
	}
	if f.prices != nil && quote.Spot != nil {
		if err := f.prices.SetSpot(ctx, msg.Collateral, quote.Spot, quote.Ratio, ts); err != nil {
			return err
		}
	}
	if f.accumulators != nil && quote.Rate != nil {
		if err := f.accumulators.SetAccumulator(ctx, domain.AccumulatorRate, msg.Collateral, quote.Rate, ts); err != nil {
			return err
		}
	}
	if f.accumulators != nil && quote.Savings != nil {
		if err := f.accumulators.SetAccumulator(ctx, domain.AccumulatorSavings, msg.Collateral, quote.Savings, ts); err != nil {
			return err
		}
	}
	if f.bus != nil {
		f.bus.Publish(ctx, domain.ChannelQuotes, data)
	}
	return nil
}

func parseQuote(msg quoteMessage) (Quote, error) {
	var q Quote
	var err error
	if q.Spot, err = parseField(msg.Spot); err != nil {
		return Quote{}, fmt.Errorf("oracle: quote %s spot: %w", msg.Collateral, err)
	}
	if q.Ratio, err = parseField(msg.Ratio); err != nil {
		return Quote{}, fmt.Errorf("oracle: quote %s ratio: %w", msg.Collateral, err)
	}
	if q.Rate, err = parseField(msg.Rate); err != nil {
		return Quote{}, fmt.Errorf("oracle: quote %s rate: %w", msg.Collateral, err)
	}
	if q.Savings, err = parseField(msg.Savings); err != nil {
		return Quote{}, fmt.Errorf("oracle: quote %s savings: %w", msg.Collateral, err)
	}
	return q, nil
}

func parseField(value string) (*big.Int, error) {
	if value == "" {
		return nil, nil
	}
	return fixed.ParseWad(value)
}

// Close stops the feed.
func (f *Feed) Close() {
	f.closeOnce.Do(func() { close(f.done) })
}
