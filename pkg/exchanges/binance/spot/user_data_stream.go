// User-data-stream listen keys are Binance's mechanism for authorizing a
// websocket to receive fill/balance updates for one account: a REST call
// mints a key, the client renews it every ~30 minutes with a keep-alive,
// and internal/order's stream reader (user_stream_spot.go) dials the
// websocket URL built from it.
package spot

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
)

// listenKeyRequest issues one of the three listen-key lifecycle calls
// (create/keep-alive/close), which differ only in HTTP method and whether a
// listenKey query parameter and response body are present.
func (c *Client) listenKeyRequest(ctx context.Context, method, listenKey string) (*http.Response, error) {
	if c.cfg.APIKey == "" {
		return nil, errors.New("binance: API key required")
	}

	endpoint := c.baseURL + "/api/v3/userDataStream"
	if listenKey != "" {
		params := url.Values{}
		params.Set("listenKey", listenKey)
		endpoint += "?" + params.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("X-MBX-APIKEY", c.cfg.APIKey)

	return c.httpClient.Do(req)
}

// CreateListenKey mints a fresh listen key for the account's user-data
// stream.
func (c *Client) CreateListenKey(ctx context.Context) (string, error) {
	res, err := c.listenKeyRequest(ctx, http.MethodPost, "")
	if err != nil {
		return "", err
	}
	defer res.Body.Close()

	if res.StatusCode != http.StatusOK {
		return "", fmt.Errorf("create listen key status %d", res.StatusCode)
	}

	var resp struct {
		ListenKey string `json:"listenKey"`
	}
	if err := json.NewDecoder(res.Body).Decode(&resp); err != nil {
		return "", err
	}
	return resp.ListenKey, nil
}

// KeepAliveListenKey extends listenKey's validity by another ~60 minutes.
// Binance expires unrenewed keys automatically, so the stream reader must
// call this on a timer well inside that window.
func (c *Client) KeepAliveListenKey(ctx context.Context, listenKey string) error {
	res, err := c.listenKeyRequest(ctx, http.MethodPut, listenKey)
	if err != nil {
		return err
	}
	defer res.Body.Close()

	if res.StatusCode != http.StatusOK {
		return fmt.Errorf("keep alive listen key status %d", res.StatusCode)
	}
	return nil
}

// CloseListenKey invalidates listenKey, terminating its user-data stream.
func (c *Client) CloseListenKey(ctx context.Context, listenKey string) error {
	res, err := c.listenKeyRequest(ctx, http.MethodDelete, listenKey)
	if err != nil {
		return err
	}
	defer res.Body.Close()

	if res.StatusCode != http.StatusOK {
		return fmt.Errorf("close listen key status %d", res.StatusCode)
	}
	return nil
}
