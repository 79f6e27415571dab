package spot

import (
	"context"
	"strconv"

	"bookrunner/internal/balance"
	"bookrunner/internal/reconciliation"
)

// quoteAssets are the balances GetBalance sums into a single cash figure.
// A spot account holds many assets, but balance.Manager sizes orders
// against one quote currency, so only these count toward it.
var quoteAssets = map[string]bool{"USDT": true, "BUSD": true}

// GetBalance implements balance.ExchangeClient by summing the account's
// quote-asset free and locked balances.
func (c *Client) GetBalance(ctx context.Context) (balance.Balance, error) {
	info, err := c.GetAccountInfo(ctx)
	if err != nil {
		return balance.Balance{}, err
	}

	var total, available, locked float64
	for _, bal := range info.Balances {
		if !quoteAssets[bal.Asset] {
			continue
		}
		free, _ := strconv.ParseFloat(bal.Free, 64)
		lock, _ := strconv.ParseFloat(bal.Locked, 64)
		total += free + lock
		available += free
		locked += lock
	}

	return balance.Balance{
		Total:     total,
		Available: available,
		Locked:    locked,
	}, nil
}

// GetPositions implements reconciliation.ExchangeClient. Spot has no
// margin/futures-style positions to reconcile, so it always returns empty.
func (c *Client) GetPositions(ctx context.Context) (map[string]reconciliation.Position, error) {
	return make(map[string]reconciliation.Position), nil
}
