package market

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// StreamClient dials Binance's public raw-stream websocket, one stream per
// connection. It is the
// push-side counterpart to Client/MarketDataClient's REST pull: internal/market.Feed
// uses it to keep the bar cache warm between the periodic REST backfills
// internal/data runs.
type StreamClient struct {
	StreamURL string
	dialer    *websocket.Dialer
}

// NewStreamClient builds a websocket client; testnet toggles the host.
func NewStreamClient(testnet bool) *StreamClient {
	host := "stream.binance.com:9443"
	if testnet {
		host = "testnet.binance.vision"
	}
	return &StreamClient{
		StreamURL: (&url.URL{Scheme: "wss", Host: host, Path: "/ws"}).String(),
		dialer:    websocket.DefaultDialer,
	}
}

// subscribe dials a single-stream websocket endpoint and decodes every
// incoming frame with decode, pushing results onto the returned channel
// until ctx is canceled or the stop function is called. label only names
// the stream in log output. It is the shared plumbing behind every
// Subscribe* method below: dial, buffered fan-out channel, once-guarded
// teardown, and a read loop that treats a normal/going-away close as quiet
// shutdown rather than an error worth logging.
func subscribe[T any](ctx context.Context, c *StreamClient, stream, label string, decode func([]byte) (T, error)) (<-chan T, func(), error) {
	u := fmt.Sprintf("%s/%s", c.StreamURL, stream)
	conn, _, err := c.dialer.DialContext(ctx, u, nil)
	if err != nil {
		return nil, nil, fmt.Errorf("dial binance %s stream: %w", label, err)
	}

	out := make(chan T, 100)
	var once sync.Once
	stop := func() {
		once.Do(func() {
			_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			_ = conn.Close()
			close(out)
		})
	}

	go func() {
		defer stop()
		for {
			select {
			case <-ctx.Done():
				return
			default:
			}

			_, msg, err := conn.ReadMessage()
			if err != nil {
				if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) ||
					strings.Contains(err.Error(), "use of closed network connection") {
					return
				}
				log.Printf("market: %s stream read error: %v", label, err)
				return
			}

			parsed, err := decode(msg)
			if err != nil {
				log.Printf("market: %s stream parse error: %v", label, err)
				continue
			}
			out <- parsed
		}
	}()

	return out, stop, nil
}

// SubscribeKlines streams live candle updates for symbol/interval.
func (c *StreamClient) SubscribeKlines(ctx context.Context, symbol, interval string) (<-chan Kline, func(), error) {
	// Binance requires lowercase symbols on websocket stream names.
	stream := fmt.Sprintf("%s@kline_%s", strings.ToLower(symbol), interval)
	return subscribe(ctx, c, stream, "kline", parseKlineMessage)
}

// SubscribeTrades streams individual executed trades for symbol.
func (c *StreamClient) SubscribeTrades(ctx context.Context, symbol string) (<-chan Trade, func(), error) {
	stream := fmt.Sprintf("%s@trade", strings.ToLower(symbol))
	return subscribe(ctx, c, stream, "trade", parseTradeMessage)
}

// SubscribeBookTicker streams best-bid/best-ask updates for symbol.
func (c *StreamClient) SubscribeBookTicker(ctx context.Context, symbol string) (<-chan BookTicker, func(), error) {
	stream := fmt.Sprintf("%s@bookTicker", strings.ToLower(symbol))
	return subscribe(ctx, c, stream, "bookTicker", parseBookTickerMessage)
}

// SubscribeDepth streams incremental order-book updates for symbol.
func (c *StreamClient) SubscribeDepth(ctx context.Context, symbol string) (<-chan DepthUpdate, func(), error) {
	stream := fmt.Sprintf("%s@depth", strings.ToLower(symbol))
	return subscribe(ctx, c, stream, "depth", parseDepthMessage)
}

// SubscribeTicker streams rolling 24h ticker stats for symbol.
func (c *StreamClient) SubscribeTicker(ctx context.Context, symbol string) (<-chan Ticker, func(), error) {
	stream := fmt.Sprintf("%s@ticker", strings.ToLower(symbol))
	return subscribe(ctx, c, stream, "ticker", parseTickerMessage)
}

func parseKlineMessage(msg []byte) (Kline, error) {
	var raw struct {
		Data struct {
			StartTime int64       `json:"t"`
			CloseTime int64       `json:"T"`
			Symbol    string      `json:"s"`
			Interval  string      `json:"i"`
			Open      interface{} `json:"o"`
			Close     interface{} `json:"c"`
			High      interface{} `json:"h"`
			Low       interface{} `json:"l"`
			Volume    interface{} `json:"v"`
		} `json:"k"`
	}
	if err := json.Unmarshal(msg, &raw); err != nil {
		return Kline{}, err
	}
	return Kline{
		Symbol:    raw.Data.Symbol,
		OpenTime:  raw.Data.StartTime,
		CloseTime: raw.Data.CloseTime,
		Open:      toFloat(raw.Data.Open),
		Close:     toFloat(raw.Data.Close),
		High:      toFloat(raw.Data.High),
		Low:       toFloat(raw.Data.Low),
		Volume:    toFloat(raw.Data.Volume),
	}, nil
}

func parseTradeMessage(msg []byte) (Trade, error) {
	var raw struct {
		EventTime interface{} `json:"E"`
		Symbol    string      `json:"s"`
		Price     interface{} `json:"p"`
		Qty       interface{} `json:"q"`
		TradeTime interface{} `json:"T"`
		BuyerIsMM bool        `json:"m"`
	}
	if err := json.Unmarshal(msg, &raw); err != nil {
		return Trade{}, err
	}
	return Trade{
		Symbol:       raw.Symbol,
		Price:        toFloat(raw.Price),
		Qty:          toFloat(raw.Qty),
		Time:         toInt64(raw.TradeTime),
		IsBuyerMaker: raw.BuyerIsMM,
	}, nil
}

func parseBookTickerMessage(msg []byte) (BookTicker, error) {
	var raw struct {
		Symbol string      `json:"s"`
		Bid    interface{} `json:"b"`
		Ask    interface{} `json:"a"`
	}
	if err := json.Unmarshal(msg, &raw); err != nil {
		return BookTicker{}, err
	}
	return BookTicker{
		Symbol:   raw.Symbol,
		BidPrice: toFloat(raw.Bid),
		AskPrice: toFloat(raw.Ask),
		Time:     0,
	}, nil
}

func parseDepthMessage(msg []byte) (DepthUpdate, error) {
	var raw struct {
		Symbol string          `json:"s"`
		Time   interface{}     `json:"E"`
		Bids   [][]interface{} `json:"b"`
		Asks   [][]interface{} `json:"a"`
	}
	if err := json.Unmarshal(msg, &raw); err != nil {
		return DepthUpdate{}, err
	}
	var bids [][2]float64
	for _, b := range raw.Bids {
		if len(b) < 2 {
			continue
		}
		bids = append(bids, [2]float64{toFloat(b[0]), toFloat(b[1])})
	}
	var asks [][2]float64
	for _, a := range raw.Asks {
		if len(a) < 2 {
			continue
		}
		asks = append(asks, [2]float64{toFloat(a[0]), toFloat(a[1])})
	}
	return DepthUpdate{
		Symbol: raw.Symbol,
		Bids:   bids,
		Asks:   asks,
		Time:   toInt64(raw.Time),
	}, nil
}

func parseTickerMessage(msg []byte) (Ticker, error) {
	var raw struct {
		Symbol string      `json:"s"`
		Last   interface{} `json:"c"`
		CloseT int64       `json:"C"` // close time
	}
	if err := json.Unmarshal(msg, &raw); err != nil {
		return Ticker{}, err
	}
	return Ticker{
		Symbol: raw.Symbol,
		Price:  toFloat(raw.Last),
		Time:   raw.CloseT,
	}, nil
}

// Ping sends a manual keepalive frame; useful for callers that hold the
// underlying *websocket.Conn outside the Subscribe* helpers above.
func (c *StreamClient) Ping(conn *websocket.Conn) error {
	return conn.WriteControl(websocket.PingMessage, []byte("ping"), time.Now().Add(time.Second))
}
