// Package futures_usdt implements common.Gateway against Binance's USDT-M
// perpetual futures REST API. Its request-signing and rate/time-sync
// wiring mirror pkg/exchanges/binance/spot; the two are separate packages
// rather than one parameterized client because the futures wire format
// diverges enough (leverage, margin type, position side, income history)
// that sharing a struct would mean a spot Client carrying a pile of
// always-nil futures-only fields.
package futures_usdt

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"bookrunner/pkg/exchanges/common"
)

const (
	mainnetBaseURL      = "https://fapi.binance.com"
	testnetBaseURL      = "https://testnet.binancefuture.com"
	defaultRecvWindowMs = 5000
	futuresWeightLimit  = 2400 // weight budget per minute for USDT-M futures endpoints
)

// Config holds the credentials and dial options for one Binance USDT-M
// futures account.
type Config struct {
	APIKey     string
	APISecret  string
	Testnet    bool
	RecvWindow int64 // ms
}

// Client is a signed REST client against one Binance USDT-M futures
// account. It satisfies common.Gateway via SubmitOrder/CancelOrder.
type Client struct {
	cfg         Config
	baseURL     string
	httpClient  *http.Client
	timeSync    *common.TimeSync
	rateLimiter *common.RateLimiter
}

// NewClient builds a Client against the futures API.
func NewClient(cfg Config) *Client {
	base := mainnetBaseURL
	if cfg.Testnet {
		base = testnetBaseURL
	}
	if cfg.RecvWindow == 0 {
		cfg.RecvWindow = defaultRecvWindowMs
	}
	c := &Client{
		cfg:        cfg,
		baseURL:    base,
		httpClient: &http.Client{Timeout: 10 * time.Second},
	}
	c.timeSync = common.NewTimeSync(c.GetServerTime)
	c.rateLimiter = common.NewRateLimiter(futuresWeightLimit, time.Minute)
	return c
}

// requireCredentials guards every private endpoint call.
func (c *Client) requireCredentials() error {
	if c.cfg.APIKey == "" || c.cfg.APISecret == "" {
		return errors.New("binance usdt futures: API key/secret required")
	}
	return nil
}

// listenKeyRequest issues the create/keep-alive/close call against the
// user-data-stream listen-key endpoint; listenKey is empty for creation.
func (c *Client) listenKeyRequest(ctx context.Context, method, listenKey string) (*http.Response, error) {
	endpoint := c.baseURL + "/fapi/v1/listenKey"
	if listenKey != "" {
		endpoint += "?listenKey=" + listenKey
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("X-MBX-APIKEY", c.cfg.APIKey)
	return c.httpClient.Do(req)
}

// CreateListenKey creates a listen key for the account's user-data stream.
func (c *Client) CreateListenKey(ctx context.Context) (string, error) {
	res, err := c.listenKeyRequest(ctx, http.MethodPost, "")
	if err != nil {
		return "", err
	}
	defer res.Body.Close()
	if res.StatusCode >= 300 {
		b, _ := io.ReadAll(res.Body)
		return "", fmt.Errorf("create listen key status %d: %s", res.StatusCode, string(b))
	}
	var out struct {
		ListenKey string `json:"listenKey"`
	}
	if err := json.NewDecoder(res.Body).Decode(&out); err != nil {
		return "", err
	}
	return out.ListenKey, nil
}

// KeepAliveListenKey extends a listen key's validity window.
func (c *Client) KeepAliveListenKey(ctx context.Context, listenKey string) error {
	res, err := c.listenKeyRequest(ctx, http.MethodPut, listenKey)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.StatusCode >= 300 {
		b, _ := io.ReadAll(res.Body)
		return fmt.Errorf("keepalive listen key status %d: %s", res.StatusCode, string(b))
	}
	return nil
}

// now returns the current time adjusted for the measured server offset, once
// TimeSync has measured one.
func (c *Client) now() int64 {
	if c.timeSync != nil && c.timeSync.Offset() != 0 {
		return c.timeSync.Now()
	}
	return time.Now().UnixMilli()
}

// timestampParams returns the timestamp/recvWindow pair every signed
// request needs.
func (c *Client) timestampParams() url.Values {
	params := url.Values{}
	params.Set("timestamp", strconv.FormatInt(c.now(), 10))
	params.Set("recvWindow", strconv.FormatInt(c.cfg.RecvWindow, 10))
	return params
}

// SubmitOrder implements common.Gateway.
func (c *Client) SubmitOrder(ctx context.Context, req common.OrderRequest) (common.OrderResult, error) {
	if err := c.requireCredentials(); err != nil {
		return common.OrderResult{}, err
	}
	params := url.Values{}
	params.Set("symbol", req.Symbol)
	params.Set("side", strings.ToUpper(string(req.Side)))
	params.Set("type", strings.ToUpper(string(req.Type)))
	params.Set("quantity", formatFloat(req.Qty))

	// Set price for limit orders
	if req.Type == common.OrderTypeLimit ||
		req.Type == common.OrderTypeStopLossLimit ||
		req.Type == common.OrderTypeTakeProfitLimit {
		params.Set("price", formatFloat(req.Price))
		params.Set("timeInForce", string(toBinanceTIF(req.TimeInForce)))
	}

	// Set stopPrice for stop orders
	if req.Type == common.OrderTypeStopLoss ||
		req.Type == common.OrderTypeStopLossLimit ||
		req.Type == common.OrderTypeTakeProfit ||
		req.Type == common.OrderTypeTakeProfitLimit {
		params.Set("stopPrice", formatFloat(req.StopPrice))
		if req.WorkingType != "" {
			params.Set("workingType", req.WorkingType)
		}
		if req.PriceProtect {
			params.Set("priceProtect", "TRUE")
		}
	}

	// Trailing stop parameters
	if req.Type == common.OrderTypeTrailingStop {
		params.Set("callbackRate", formatFloat(req.CallbackRate))
		if req.ActivationPrice > 0 {
			params.Set("activationPrice", formatFloat(req.ActivationPrice))
		}
	}

	if req.ClientID != "" {
		params.Set("newClientOrderId", req.ClientID)
	}
	if req.PositionSide != "" {
		params.Set("positionSide", req.PositionSide)
	}
	if req.ReduceOnly {
		params.Set("reduceOnly", "true")
	}

	for k, v := range c.timestampParams() {
		params[k] = v
	}

	endpoint := c.baseURL + "/fapi/v1/order"
	body, err := c.doSigned(ctx, http.MethodPost, endpoint, params)
	if err != nil {
		return common.OrderResult{}, err
	}
	var resp orderResp
	if err := json.Unmarshal(body, &resp); err != nil {
		return common.OrderResult{}, fmt.Errorf("decode order: %w", err)
	}
	return common.OrderResult{
		ExchangeOrderID: fmt.Sprintf("%d", resp.OrderID),
		Status:          mapStatus(resp.Status),
		ClientID:        resp.ClientOrderID,
	}, nil
}

// CancelOrder implements common.Gateway.
func (c *Client) CancelOrder(ctx context.Context, symbol, exchangeOrderID string) error {
	if err := c.requireCredentials(); err != nil {
		return err
	}
	params := c.timestampParams()
	params.Set("symbol", symbol)
	if exchangeOrderID != "" {
		params.Set("orderId", exchangeOrderID)
	}
	endpoint := c.baseURL + "/fapi/v1/order"
	_, err := c.doSigned(ctx, http.MethodDelete, endpoint, params)
	return err
}

// CancelAllOpenOrders cancels every resting order on symbol.
func (c *Client) CancelAllOpenOrders(ctx context.Context, symbol string) error {
	if err := c.requireCredentials(); err != nil {
		return err
	}
	params := c.timestampParams()
	params.Set("symbol", symbol)

	endpoint := c.baseURL + "/fapi/v1/allOpenOrders"
	_, err := c.doSigned(ctx, http.MethodDelete, endpoint, params)
	return err
}

// GetAccountInfo returns futures account balances and flags.
func (c *Client) GetAccountInfo(ctx context.Context) (*FuturesAccountInfo, error) {
	if err := c.requireCredentials(); err != nil {
		return nil, err
	}
	params := c.timestampParams()
	endpoint := c.baseURL + "/fapi/v2/account"
	body, err := c.doSigned(ctx, http.MethodGet, endpoint, params)
	if err != nil {
		return nil, err
	}
	var info FuturesAccountInfo
	if err := json.Unmarshal(body, &info); err != nil {
		return nil, fmt.Errorf("decode account info: %w", err)
	}
	return &info, nil
}

// GetPositions returns the mark-to-market position risk view.
func (c *Client) GetPositions(ctx context.Context, symbol string) ([]PositionRisk, error) {
	if err := c.requireCredentials(); err != nil {
		return nil, err
	}
	params := c.timestampParams()
	if symbol != "" {
		params.Set("symbol", symbol)
	}
	endpoint := c.baseURL + "/fapi/v2/positionRisk"
	body, err := c.doSigned(ctx, http.MethodGet, endpoint, params)
	if err != nil {
		return nil, err
	}
	var pos []PositionRisk
	if err := json.Unmarshal(body, &pos); err != nil {
		return nil, fmt.Errorf("decode positions: %w", err)
	}
	return pos, nil
}

// GetOpenOrders returns open orders; symbol optional.
func (c *Client) GetOpenOrders(ctx context.Context, symbol string) ([]OpenOrder, error) {
	if err := c.requireCredentials(); err != nil {
		return nil, err
	}
	params := c.timestampParams()
	if symbol != "" {
		params.Set("symbol", symbol)
	}
	endpoint := c.baseURL + "/fapi/v1/openOrders"
	body, err := c.doSigned(ctx, http.MethodGet, endpoint, params)
	if err != nil {
		return nil, err
	}
	var orders []OpenOrder
	if err := json.Unmarshal(body, &orders); err != nil {
		return nil, fmt.Errorf("decode open orders: %w", err)
	}
	return orders, nil
}

// GetBalance returns futures wallet balances, one row per asset. It does not
// return a balance.Balance, so Client does not satisfy
// internal/balance.ExchangeClient.
func (c *Client) GetBalance(ctx context.Context) ([]FuturesBalance, error) {
	if err := c.requireCredentials(); err != nil {
		return nil, err
	}
	params := c.timestampParams()
	endpoint := c.baseURL + "/fapi/v2/balance"
	body, err := c.doSigned(ctx, http.MethodGet, endpoint, params)
	if err != nil {
		return nil, err
	}
	var bal []FuturesBalance
	if err := json.Unmarshal(body, &bal); err != nil {
		return nil, fmt.Errorf("decode balance: %w", err)
	}
	return bal, nil
}

// SetLeverage sets the leverage multiplier a symbol's new orders use.
func (c *Client) SetLeverage(ctx context.Context, symbol string, leverage int) error {
	params := c.timestampParams()
	params.Set("symbol", symbol)
	params.Set("leverage", strconv.Itoa(leverage))
	endpoint := c.baseURL + "/fapi/v1/leverage"
	_, err := c.doSigned(ctx, http.MethodPost, endpoint, params)
	return err
}

// SetMarginType switches a symbol between ISOLATED and CROSSED margin.
func (c *Client) SetMarginType(ctx context.Context, symbol, marginType string) error {
	params := c.timestampParams()
	params.Set("symbol", symbol)
	params.Set("marginType", strings.ToUpper(marginType))
	endpoint := c.baseURL + "/fapi/v1/marginType"
	_, err := c.doSigned(ctx, http.MethodPost, endpoint, params)
	return err
}

// SetPositionSideDual toggles hedge mode (independent long/short positions
// on the same symbol) for the account.
func (c *Client) SetPositionSideDual(ctx context.Context, dual bool) error {
	params := c.timestampParams()
	params.Set("dualSidePosition", strconv.FormatBool(dual))
	endpoint := c.baseURL + "/fapi/v1/positionSide/dual"
	_, err := c.doSigned(ctx, http.MethodPost, endpoint, params)
	return err
}

// ChangePositionMargin adds or removes isolated margin from an open
// position; mType is 1 to add, 2 to reduce, per Binance's API.
func (c *Client) ChangePositionMargin(ctx context.Context, symbol string, amount float64, mType int) error {
	params := c.timestampParams()
	params.Set("symbol", symbol)
	params.Set("amount", formatFloat(amount))
	params.Set("type", strconv.Itoa(mType))
	endpoint := c.baseURL + "/fapi/v1/positionMargin"
	_, err := c.doSigned(ctx, http.MethodPost, endpoint, params)
	return err
}

// GetUserTrades returns the account's futures trade history for a symbol.
func (c *Client) GetUserTrades(ctx context.Context, symbol string, limit int, fromID string) ([]UserTrade, error) {
	params := c.timestampParams()
	params.Set("symbol", symbol)
	if limit > 0 {
		params.Set("limit", strconv.Itoa(limit))
	}
	if fromID != "" {
		params.Set("fromId", fromID)
	}
	endpoint := c.baseURL + "/fapi/v1/userTrades"
	body, err := c.doSigned(ctx, http.MethodGet, endpoint, params)
	if err != nil {
		return nil, err
	}
	var trades []UserTrade
	if err := json.Unmarshal(body, &trades); err != nil {
		return nil, fmt.Errorf("decode user trades: %w", err)
	}
	return trades, nil
}

// GetIncome fetches the account's funding/realized-PnL income history.
func (c *Client) GetIncome(ctx context.Context, symbol, incomeType string, limit int) ([]Income, error) {
	params := c.timestampParams()
	if symbol != "" {
		params.Set("symbol", symbol)
	}
	if incomeType != "" {
		params.Set("incomeType", incomeType)
	}
	if limit > 0 {
		params.Set("limit", strconv.Itoa(limit))
	}
	endpoint := c.baseURL + "/fapi/v1/income"
	body, err := c.doSigned(ctx, http.MethodGet, endpoint, params)
	if err != nil {
		return nil, err
	}
	var income []Income
	if err := json.Unmarshal(body, &income); err != nil {
		return nil, fmt.Errorf("decode income: %w", err)
	}
	return income, nil
}

// GetServerTime fetches futures server time.
func (c *Client) GetServerTime() (int64, error) {
	resp, err := c.httpClient.Get(c.baseURL + "/fapi/v1/time")
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return 0, fmt.Errorf("server time status %d: %s", resp.StatusCode, string(b))
	}
	var res struct {
		ServerTime int64 `json:"serverTime"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&res); err != nil {
		return 0, err
	}
	return res.ServerTime, nil
}

// doSigned handles signing and sending requests.
func (c *Client) doSigned(ctx context.Context, method, endpoint string, params url.Values) ([]byte, error) {
	sig := sign(params.Encode(), c.cfg.APISecret)
	params.Set("signature", sig)

	var (
		req *http.Request
		err error
	)
	encoded := params.Encode()
	switch method {
	case http.MethodGet, http.MethodDelete:
		req, err = http.NewRequestWithContext(ctx, method, endpoint+"?"+encoded, nil)
	default:
		req, err = http.NewRequestWithContext(ctx, method, endpoint, strings.NewReader(encoded))
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}
	if err != nil {
		return nil, err
	}
	req.Header.Set("X-MBX-APIKEY", c.cfg.APIKey)

	res, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer res.Body.Close()

	if c.rateLimiter != nil {
		weightHeader := res.Header.Get("X-MBX-USED-WEIGHT-1M")
		c.rateLimiter.UpdateFromHeader(weightHeader)
	}

	body, _ := io.ReadAll(res.Body)
	if res.StatusCode >= 300 {
		return nil, fmt.Errorf("binance usdt futures %s %s status %d: %s", method, endpoint, res.StatusCode, string(body))
	}
	return body, nil
}

type orderResp struct {
	Symbol        string `json:"symbol"`
	OrderID       int64  `json:"orderId"`
	ClientOrderID string `json:"clientOrderId"`
	Status        string `json:"status"`
}

type FuturesAccountInfo struct {
	CanTrade   bool  `json:"canTrade"`
	UpdateTime int64 `json:"updateTime"`
	Assets     []struct {
		Asset            string `json:"asset"`
		WalletBalance    string `json:"walletBalance"`
		UnrealizedProfit string `json:"unrealizedProfit"`
	} `json:"assets"`
	Positions []PositionRisk `json:"positions"`
}

type PositionRisk struct {
	Symbol           string `json:"symbol"`
	PositionSide     string `json:"positionSide"`
	PositionAmt      string `json:"positionAmt"`
	EntryPrice       string `json:"entryPrice"`
	UnRealizedProfit string `json:"unRealizedProfit"`
	Leverage         string `json:"leverage"`
}

// FuturesBalance is one asset's wallet balance under a futures account.
type FuturesBalance struct {
	Asset            string `json:"asset"`
	Balance          string `json:"balance"`
	AvailableBalance string `json:"availableBalance"`
}

// OpenOrder is a simplified view of a resting futures order.
type OpenOrder struct {
	Symbol  string `json:"symbol"`
	OrderID int64  `json:"orderId"`
	Side    string `json:"side"`
	Type    string `json:"type"`
	Price   string `json:"price"`
	OrigQty string `json:"origQty"`
	ExecQty string `json:"executedQty"`
	Status  string `json:"status"`
}

// UserTrade is one execution against the account's futures orders.
type UserTrade struct {
	ID              int64  `json:"id"`
	Symbol          string `json:"symbol"`
	OrderID         int64  `json:"orderId"`
	Price           string `json:"price"`
	Qty             string `json:"qty"`
	RealizedPnl     string `json:"realizedPnl"`
	Commission      string `json:"commission"`
	CommissionAsset string `json:"commissionAsset"`
	Time            int64  `json:"time"`
	Side            string `json:"side"`
	Buyer           bool   `json:"buyer"`
	Maker           bool   `json:"maker"`
}

// Income is one entry in the account's funding/PnL/commission ledger.
type Income struct {
	Symbol     string `json:"symbol"`
	IncomeType string `json:"incomeType"`
	Income     string `json:"income"`
	Asset      string `json:"asset"`
	Time       int64  `json:"time"`
}

func toBinanceTIF(tif common.TimeInForce) common.TimeInForce {
	if tif == "" {
		return common.TIFGTC
	}
	return tif
}

func mapStatus(s string) common.OrderStatus {
	switch strings.ToUpper(s) {
	case "NEW":
		return common.StatusNew
	case "PARTIALLY_FILLED":
		return common.StatusPartial
	case "FILLED":
		return common.StatusFilled
	case "CANCELED":
		return common.StatusCanceled
	case "REJECTED":
		return common.StatusRejected
	case "EXPIRED":
		return common.StatusExpired
	default:
		return common.StatusUnknown
	}
}

func sign(data, secret string) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write([]byte(data))
	return hex.EncodeToString(h.Sum(nil))
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
