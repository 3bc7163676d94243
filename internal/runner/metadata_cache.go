package runner

import (
	"context"
	"sync"
	"time"

	"copy_bot/internal/models"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

const (
	defaultMetadataTTL = time.Hour
	defaultPriceTTL    = 2 * time.Second
)

// MetadataCache serves asset precision and leverage limits. Concurrent
// misses share one upstream fetch.
type MetadataCache struct {
	src MetaSource
	ttl time.Duration
	log *zap.Logger
	now func() time.Time

	group singleflight.Group

	mu        sync.RWMutex
	entries   map[string]models.AssetMetadata
	fetchedAt time.Time
}

func NewMetadataCache(src MetaSource, ttl time.Duration, log *zap.Logger) *MetadataCache {
	if ttl <= 0 {
		ttl = defaultMetadataTTL
	}
	return &MetadataCache{
		src:     src,
		ttl:     ttl,
		log:     log,
		now:     time.Now,
		entries: make(map[string]models.AssetMetadata),
	}
}

// Get returns metadata for asset, refreshing the whole table when it is
// older than the TTL. A failed refresh falls back to the cached entry.
func (c *MetadataCache) Get(ctx context.Context, asset string) (models.AssetMetadata, error) {
	c.mu.RLock()
	m, ok := c.entries[asset]
	fresh := !c.fetchedAt.IsZero() && c.now().Sub(c.fetchedAt) < c.ttl
	c.mu.RUnlock()

	if ok && fresh {
		return m, nil
	}

	err := c.refresh(ctx)
	if err != nil && ok {
		c.log.Warn("metadata refresh failed, serving stale entry",
			zap.String("asset", asset), zap.Error(err))
		return m, nil
	}
	if err != nil {
		return models.AssetMetadata{}, errors.Wrapf(models.ErrMetadataUnavailable, "%s: %v", asset, err)
	}

	c.mu.RLock()
	m, ok = c.entries[asset]
	c.mu.RUnlock()
	if !ok {
		return models.AssetMetadata{}, errors.Wrapf(models.ErrMetadataUnavailable, "unknown asset %s", asset)
	}
	return m, nil
}

func (c *MetadataCache) refresh(ctx context.Context) error {
	_, err, _ := c.group.Do("meta", func() (any, error) {
		metas, err := c.src.Meta(ctx)
		if err != nil {
			return nil, err
		}
		entries := make(map[string]models.AssetMetadata, len(metas))
		for _, m := range metas {
			entries[m.Asset] = m
		}

		c.mu.Lock()
		c.entries = entries
		c.fetchedAt = c.now()
		c.mu.Unlock()

		c.log.Debug("metadata refreshed", zap.Int("assets", len(entries)))
		return nil, nil
	})
	return err
}

// PriceCache holds mid prices for a short TTL so a burst of fills on many
// assets costs one allMids call.
type PriceCache struct {
	src MidSource
	ttl time.Duration
	now func() time.Time

	group singleflight.Group

	mu        sync.RWMutex
	mids      map[string]decimal.Decimal
	fetchedAt time.Time
}

func NewPriceCache(src MidSource, ttl time.Duration) *PriceCache {
	if ttl <= 0 {
		ttl = defaultPriceTTL
	}
	return &PriceCache{src: src, ttl: ttl, now: time.Now}
}

// Mid returns the current mid price for asset.
func (c *PriceCache) Mid(ctx context.Context, asset string) (decimal.Decimal, error) {
	c.mu.RLock()
	px, ok := c.mids[asset]
	fresh := !c.fetchedAt.IsZero() && c.now().Sub(c.fetchedAt) < c.ttl
	c.mu.RUnlock()
	if ok && fresh {
		return px, nil
	}

	_, err, _ := c.group.Do("mids", func() (any, error) {
		mids, err := c.src.AllMids(ctx)
		if err != nil {
			return nil, err
		}
		c.mu.Lock()
		c.mids = mids
		c.fetchedAt = c.now()
		c.mu.Unlock()
		return nil, nil
	})
	if err != nil {
		return decimal.Zero, errors.Wrapf(models.ErrExchangeAPI, "mid %s: %v", asset, err)
	}

	c.mu.RLock()
	px, ok = c.mids[asset]
	c.mu.RUnlock()
	if !ok || !px.IsPositive() {
		return decimal.Zero, errors.Wrapf(models.ErrMetadataUnavailable, "no mid price for %s", asset)
	}
	return px, nil
}
