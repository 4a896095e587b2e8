package enrichment

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"time"

	"github.com/rs/zerolog/log"
)

// RawResearcher produces unparsed reply text. *Client implements it.
type RawResearcher interface {
	ResearchRaw(ctx context.Context, ticker, mode string, existing map[string]any) (string, error)
}

// Store is the JSON key-value cache backing CachedResearcher. *cache.Redis
// implements it; a nil *cache.Redis disables caching. Key namespaces the
// parts with the store's prefix.
type Store interface {
	Key(parts ...string) string
	GetJSON(ctx context.Context, key string, dst any) (bool, error)
	SetJSON(ctx context.Context, key string, v any, ttl time.Duration) error
}

// CachedResearcher caches reply text per (ticker, mode, existing profile).
// Replies without a decodable JSON object are not cached. Cache errors are
// logged and never fail the call.
type CachedResearcher struct {
	Next  RawResearcher
	Store Store
	TTL   time.Duration
}

// Research serves ticker from the cache or the wrapped researcher.
func (c *CachedResearcher) Research(ctx context.Context, ticker, mode string, existing map[string]any) (Result, error) {
	key := c.key(ticker, mode, existing)

	var raw string
	hit, err := c.Store.GetJSON(ctx, key, &raw)
	if err != nil {
		log.Warn().Err(err).Str("ticker", ticker).Msg("research cache read failed")
	}
	if hit {
		log.Debug().Str("ticker", ticker).Str("mode", mode).Msg("research cache hit")
		return Parse(raw), nil
	}

	raw, err = c.Next.ResearchRaw(ctx, ticker, mode, existing)
	if err != nil {
		return Result{}, err
	}
	if _, ok := ExtractJSON(raw); ok {
		if err := c.Store.SetJSON(ctx, key, raw, c.TTL); err != nil {
			log.Warn().Err(err).Str("ticker", ticker).Msg("research cache write failed")
		}
	}
	return Parse(raw), nil
}

func (c *CachedResearcher) key(ticker, mode string, existing map[string]any) string {
	parts := []string{"research", ticker, mode}
	if mode == ModeUpdate && len(existing) > 0 {
		b, _ := json.Marshal(existing)
		sum := sha256.Sum256(b)
		parts = append(parts, hex.EncodeToString(sum[:8]))
	}
	return c.Store.Key(parts...)
}
