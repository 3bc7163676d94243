package service

import (
	"context"

	"copy_bot/internal/helper"
	"copy_bot/internal/models"

	"github.com/bytedance/sonic"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
)

const tifIOC = "Ioc"

// PlaceOrder sends one IOC limit order. Size and price must already fit the
// asset precision; nothing is re-rounded here.
func (c *Client) PlaceOrder(ctx context.Context, req models.OrderRequest) (models.OrderResult, error) {
	meta := req.Meta
	if !helper.ValidSize(req.Size, meta) {
		return models.OrderResult{}, errors.Wrapf(models.ErrOrderRejected,
			"PlaceOrder %s: size %s exceeds %d decimals", meta.Asset, req.Size, meta.SizeDecimals)
	}
	if !helper.ValidPrice(req.LimitPrice, meta) {
		return models.OrderResult{}, errors.Wrapf(models.ErrOrderRejected,
			"PlaceOrder %s: price %s off the price grid", meta.Asset, req.LimitPrice)
	}

	action := orderAction{
		Type: "order",
		Orders: []orderWire{{
			Asset:      meta.Index,
			IsBuy:      req.IsBuy,
			LimitPx:    wireDecimal(req.LimitPrice),
			Size:       wireDecimal(req.Size),
			ReduceOnly: req.ReduceOnly,
			OrderType:  orderTypeWire{Limit: limitWire{Tif: tifIOC}},
		}},
		Grouping: "na",
	}

	nonce := c.nextNonce()
	sig, err := signL1Action(c.key, action, c.vault, nonce, c.mainnet)
	if err != nil {
		return models.OrderResult{}, errors.Wrap(err, "PlaceOrder sign")
	}

	body := exchangeRequest{
		Action:    action,
		Nonce:     nonce,
		Signature: sig,
	}
	if c.vault != "" {
		v := c.vault
		body.VaultAddress = &v
	}

	var resp exchangeResponse
	if err := c.post(ctx, "exchange", "/exchange", body, &resp); err != nil {
		return models.OrderResult{}, err
	}
	return parseOrderResponse(meta.Asset, resp)
}

func parseOrderResponse(asset string, resp exchangeResponse) (models.OrderResult, error) {
	if resp.Status != "ok" {
		var msg string
		if err := sonic.Unmarshal(resp.Response, &msg); err != nil {
			msg = string(resp.Response)
		}
		return models.OrderResult{}, errors.Wrapf(models.ErrOrderRejected, "%s: %s", asset, msg)
	}

	var or orderResponse
	if err := sonic.Unmarshal(resp.Response, &or); err != nil {
		return models.OrderResult{}, errors.Wrapf(models.ErrExchangeAPI, "%s decode order response: %v", asset, err)
	}
	if len(or.Data.Statuses) == 0 {
		return models.OrderResult{}, errors.Wrapf(models.ErrExchangeAPI, "%s: empty order statuses", asset)
	}

	st := or.Data.Statuses[0]
	switch {
	case st.Error != "":
		return models.OrderResult{}, errors.Wrapf(models.ErrOrderRejected, "%s: %s", asset, st.Error)
	case st.Filled != nil:
		return models.OrderResult{
			OrderID:    st.Filled.Oid,
			FilledSize: st.Filled.TotalSz,
			AvgPrice:   st.Filled.AvgPx,
		}, nil
	case st.Resting != nil:
		// IOC never rests; report it as an unfilled order
		return models.OrderResult{OrderID: st.Resting.Oid, FilledSize: decimal.Zero}, nil
	}
	return models.OrderResult{}, errors.Wrapf(models.ErrExchangeAPI, "%s: unknown order status", asset)
}

// wireDecimal renders without trailing zeros and never as "-0".
func wireDecimal(d decimal.Decimal) string {
	if d.IsZero() {
		return "0"
	}
	return d.String()
}
