package order

import (
	"context"
	"encoding/json"
	"log"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	exspot "bookrunner/pkg/exchanges/binance/spot"
)

// FillReporter folds an exchange execution report into the pending order it
// closes out. Satisfied by execution.Live.
type FillReporter interface {
	ReportFill(exchangeOrderID string, qty, price, fee float64, isMaker bool, at time.Time) error
}

// SpotUserStream listens to Binance Spot's user-data stream and forwards
// real fills to a FillReporter instead of writing them to the database
// directly, so a live spot fill flows through the same domain bus path as
// a simulated one.
type SpotUserStream struct {
	Client   *exspot.Client
	Reporter FillReporter
	Testnet  bool
	stopChan chan struct{}
}

func NewSpotUserStream(client *exspot.Client, reporter FillReporter, testnet bool) *SpotUserStream {
	return &SpotUserStream{
		Client:   client,
		Reporter: reporter,
		Testnet:  testnet,
		stopChan: make(chan struct{}),
	}
}

// Start begins listening. It logs errors but does not return them; a failed
// dial leaves the venue running without live fill confirmation rather than
// taking the process down.
func (s *SpotUserStream) Start(ctx context.Context) {
	if s.Client == nil || s.Reporter == nil {
		log.Println("spot user stream: client or reporter not set; skipping")
		return
	}

	listenKey, err := s.Client.CreateListenKey(ctx)
	if err != nil {
		log.Printf("spot user stream: create listen key error: %v", err)
		return
	}

	wsURL := buildSpotStreamURL(s.Testnet, listenKey)
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		log.Printf("spot user stream: ws dial error: %v", err)
		return
	}
	log.Printf("spot user stream started (testnet=%v)", s.Testnet)

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
					log.Printf("spot user stream keepalive error: %v", err)
				}
			}
		}
	}()

	go func() {
		defer conn.Close()
		for {
			_, msg, err := conn.ReadMessage()
			if err != nil {
				log.Printf("spot user stream read error: %v", err)
				return
			}
			s.handleMessage(msg)
		}
	}()
}

func (s *SpotUserStream) Stop() {
	close(s.stopChan)
}

func buildSpotStreamURL(testnet bool, listenKey string) string {
	host := "stream.binance.com:9443"
	if testnet {
		host = "testnet.binance.vision"
	}
	u := url.URL{Scheme: "wss", Host: host, Path: "/ws/" + listenKey}
	return u.String()
}

func (s *SpotUserStream) handleMessage(msg []byte) {
	// Binance sometimes types "e" as a number in edge-case payloads; decode
	// through RawMessage first so an unexpected shape doesn't panic.
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(msg, &raw); err != nil {
		log.Printf("spot user stream parse error: %v", err)
		return
	}

	v, ok := raw["e"]
	if !ok {
		return
	}
	var eventType string
	if err := json.Unmarshal(v, &eventType); err != nil {
		log.Printf("spot user stream unknown event type payload: %s", string(v))
		return
	}

	if eventType == "executionReport" {
		s.handleExecutionReport(msg)
	}
}

func (s *SpotUserStream) handleExecutionReport(msg []byte) {
	var rep struct {
		OrderID       int64  `json:"i"`
		ClientOrderID string `json:"c"`
		ExecutionType string `json:"x"`
		LastQty       string `json:"l"`
		LastPrice     string `json:"L"`
		Commission    string `json:"n"`
		IsMaker       bool   `json:"m"`
		TradeTime     int64  `json:"T"`
	}
	if err := json.Unmarshal(msg, &rep); err != nil {
		log.Printf("spot user stream: execution report parse error: %v", err)
		return
	}
	if rep.ExecutionType != "TRADE" {
		return
	}

	lastQty := parseReportFloat(rep.LastQty)
	lastPrice := parseReportFloat(rep.LastPrice)
	fee := parseReportFloat(rep.Commission)
	at := time.UnixMilli(rep.TradeTime)

	exchangeOrderID := strconv.FormatInt(rep.OrderID, 10)
	if err := s.Reporter.ReportFill(exchangeOrderID, lastQty, lastPrice, fee, rep.IsMaker, at); err != nil {
		log.Printf("spot user stream: report fill error: %v", err)
	}
}

func parseReportFloat(v string) float64 {
	f, _ := strconv.ParseFloat(strings.TrimSpace(v), 64)
	return f
}
