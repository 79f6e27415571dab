package order

import (
	"context"
	"encoding/json"
	"log"
	"net/url"
	"strconv"
	"time"

	"github.com/gorilla/websocket"
)

// futClient covers the listen-key lifecycle shared by the USDT-M and
// COIN-M futures clients, letting one stream implementation serve both.
type futClient interface {
	CreateListenKey(ctx context.Context) (string, error)
	KeepAliveListenKey(ctx context.Context, listenKey string) error
}

// FuturesUserStream listens to a Binance futures user-data stream (USDT-M
// or COIN-M) and forwards fills to a FillReporter.
type FuturesUserStream struct {
	Client   futClient
	Reporter FillReporter
	Testnet  bool
	stopChan chan struct{}
	basePath string // "/ws" for USDT-M, "/dstream" for COIN-M
}

func NewFuturesUserStream(client futClient, reporter FillReporter, testnet, coinMargin bool) *FuturesUserStream {
	base := "/ws"
	if coinMargin {
		base = "/dstream"
	}
	return &FuturesUserStream{
		Client:   client,
		Reporter: reporter,
		Testnet:  testnet,
		stopChan: make(chan struct{}),
		basePath: base,
	}
}

func (s *FuturesUserStream) Start(ctx context.Context) {
	if s.Client == nil || s.Reporter == nil {
		log.Println("futures user stream: client or reporter not set; skipping")
		return
	}
	listenKey, err := s.Client.CreateListenKey(ctx)
	if err != nil {
		log.Printf("futures user stream: create listen key error: %v", err)
		return
	}

	wsURL := s.buildStreamURL(listenKey)
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		log.Printf("futures user stream: ws dial error: %v", err)
		return
	}
	log.Printf("futures user stream started (testnet=%v, path=%s)", s.Testnet, s.basePath)

	go func() {
		ticker := time.NewTicker(30 * time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-s.stopChan:
				return
			case <-ticker.C:
				if err := s.Client.KeepAliveListenKey(ctx, listenKey); err != nil {
					log.Printf("futures user stream keepalive error: %v", err)
				}
			}
		}
	}()

	go func() {
		defer conn.Close()
		for {
			_, msg, err := conn.ReadMessage()
			if err != nil {
				log.Printf("futures user stream read error: %v", err)
				return
			}
			s.handleMessage(msg)
		}
	}()
}

func (s *FuturesUserStream) Stop() {
	close(s.stopChan)
}

func (s *FuturesUserStream) buildStreamURL(listenKey string) string {
	host := "fstream.binance.com"
	if s.basePath == "/dstream" {
		host = "dstream.binance.com"
	}
	if s.Testnet {
		host = "stream.binancefuture.com"
		if s.basePath == "/dstream" {
			host = "dstream.binancefuture.com"
		}
	}
	u := url.URL{Scheme: "wss", Host: host, Path: s.basePath + "/" + listenKey}
	return u.String()
}

func (s *FuturesUserStream) handleMessage(msg []byte) {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(msg, &raw); err != nil {
		log.Printf("futures user stream parse error: %v", err)
		return
	}

	v, ok := raw["e"]
	if !ok {
		return
	}
	var eventType string
	if err := json.Unmarshal(v, &eventType); err != nil {
		log.Printf("futures user stream unknown event type payload: %s", string(v))
		return
	}

	if eventType == "ORDER_TRADE_UPDATE" {
		s.handleOrderTradeUpdate(msg)
	}
}

func (s *FuturesUserStream) handleOrderTradeUpdate(msg []byte) {
	var wrap struct {
		Data struct {
			ExecutionType string `json:"x"`
			OrderID       int64  `json:"i"`
			LastPrice     string `json:"L"`
			LastQty       string `json:"l"`
			Commission    string `json:"n"`
			IsMaker       bool   `json:"m"`
			TradeTime     int64  `json:"T"`
		} `json:"o"`
	}
	if err := json.Unmarshal(msg, &wrap); err != nil {
		log.Printf("futures user stream: order update parse error: %v", err)
		return
	}
	if wrap.Data.ExecutionType != "TRADE" {
		return
	}

	lastQty := parseReportFloat(wrap.Data.LastQty)
	lastPrice := parseReportFloat(wrap.Data.LastPrice)
	fee := parseReportFloat(wrap.Data.Commission)
	at := time.UnixMilli(wrap.Data.TradeTime)

	exchangeOrderID := strconv.FormatInt(wrap.Data.OrderID, 10)
	if err := s.Reporter.ReportFill(exchangeOrderID, lastQty, lastPrice, fee, wrap.Data.IsMaker, at); err != nil {
		log.Printf("futures user stream: report fill error: %v", err)
	}
}
