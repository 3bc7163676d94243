package service

import (
	"context"
	"strings"
	"time"

	"copy_bot/internal/models"

	"github.com/shopspring/decimal"
)

// Meta returns the perp universe. Delisted assets are left out.
func (c *Client) Meta(ctx context.Context) ([]models.AssetMetadata, error) {
	var resp metaResponse
	if err := c.post(ctx, "meta", "/info", infoRequest{Type: "meta"}, &resp); err != nil {
		return nil, err
	}

	now := time.Now()
	out := make([]models.AssetMetadata, 0, len(resp.Universe))
	for i, u := range resp.Universe {
		if u.IsDelisted || u.Name == "" {
			continue
		}
		out = append(out, models.AssetMetadata{
			Asset:         u.Name,
			Index:         i,
			SizeDecimals:  u.SzDecimals,
			PriceDecimals: models.PerpPriceDecimals(u.SzDecimals),
			MaxLeverage:   decimal.NewFromInt(int64(u.MaxLeverage)),
			OnlyIsolated:  u.OnlyIsolated,
			FetchedAt:     now,
		})
	}
	return out, nil
}

// AccountState returns open perp positions and account value of address.
func (c *Client) AccountState(ctx context.Context, address string) (models.AccountState, error) {
	var resp clearinghouseState
	req := infoRequest{Type: "clearinghouseState", User: strings.ToLower(address)}
	if err := c.post(ctx, "clearinghouseState", "/info", req, &resp); err != nil {
		return models.AccountState{}, err
	}

	now := time.Now()
	state := models.AccountState{
		Address:      address,
		AccountValue: resp.MarginSummary.AccountValue,
		FetchedAt:    now,
		Positions:    make([]models.Position, 0, len(resp.AssetPositions)),
	}
	for _, ap := range resp.AssetPositions {
		p := ap.Position
		if p.Coin == "" || p.Szi.IsZero() {
			continue
		}
		state.Positions = append(state.Positions, models.Position{
			Asset:      p.Coin,
			Size:       p.Szi,
			EntryPrice: p.EntryPx,
			Leverage:   decimal.NewFromInt(int64(p.Leverage.Value)),
			UpdatedAt:  now,
		})
	}
	return state, nil
}

// AllMids returns perp mid prices. Spot pairs ("@n") are skipped.
func (c *Client) AllMids(ctx context.Context) (map[string]decimal.Decimal, error) {
	var raw map[string]string
	if err := c.post(ctx, "allMids", "/info", infoRequest{Type: "allMids"}, &raw); err != nil {
		return nil, err
	}

	out := make(map[string]decimal.Decimal, len(raw))
	for coin, v := range raw {
		if strings.HasPrefix(coin, "@") {
			continue
		}
		px, err := decimal.NewFromString(v)
		if err != nil || !px.IsPositive() {
			continue
		}
		out[coin] = px
	}
	return out, nil
}
