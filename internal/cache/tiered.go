package cache

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
)

// Tiered composes a local primary with a shared secondary. A failing
// secondary never propagates an error: the strategy degrades to the
// primary alone and logs the outage.
type Tiered struct {
	primary   Strategy
	secondary Strategy
}

// NewTiered builds the two-tier strategy.
func NewTiered(primary, secondary Strategy) *Tiered {
	return &Tiered{primary: primary, secondary: secondary}
}

// Get consults the primary first; on a miss it consults the secondary
// and, on a hit, populates the primary with the entry's remaining TTL.
func (t *Tiered) Get(ctx context.Context, key string) (Entry, bool, error) {
	e, ok, err := t.primary.Get(ctx, key)
	if err != nil {
		log.Warn().Err(err).Str("key", key).Msg("primary cache read failed")
	} else if ok {
		return e, true, nil
	}

	e, ok, err = t.secondary.Get(ctx, key)
	if err != nil {
		log.Warn().Err(err).Str("key", key).Msg("secondary cache read failed, degrading to primary")
		return Entry{}, false, nil
	}
	if !ok {
		return Entry{}, false, nil
	}

	remaining := e.Remaining(key, time.Now())
	if remaining <= 0 {
		remaining = DefaultTTL(key)
	}
	if perr := t.primary.Set(ctx, key, e, remaining); perr != nil {
		log.Warn().Err(perr).Str("key", key).Msg("primary cache promotion failed")
	}
	return e, true, nil
}

// GetStale consults both tiers for a value written within maxAge.
func (t *Tiered) GetStale(ctx context.Context, key string, maxAge time.Duration) (Entry, bool, error) {
	if e, ok, err := t.primary.GetStale(ctx, key, maxAge); err == nil && ok {
		return e, true, nil
	}
	e, ok, err := t.secondary.GetStale(ctx, key, maxAge)
	if err != nil {
		log.Warn().Err(err).Str("key", key).Msg("secondary cache stale read failed")
		return Entry{}, false, nil
	}
	return e, ok, nil
}

// Set writes through to both tiers. The set succeeds when the primary
// write succeeds; a secondary failure is logged only.
func (t *Tiered) Set(ctx context.Context, key string, e Entry, ttl time.Duration) error {
	perr := t.primary.Set(ctx, key, e, ttl)
	if serr := t.secondary.Set(ctx, key, e, ttl); serr != nil {
		log.Warn().Err(serr).Str("key", key).Msg("secondary cache write failed")
	}
	return perr
}

// Delete attempts both tiers and succeeds if at least one does.
func (t *Tiered) Delete(ctx context.Context, key string) error {
	perr := t.primary.Delete(ctx, key)
	serr := t.secondary.Delete(ctx, key)
	if perr != nil && serr != nil {
		return perr
	}
	if serr != nil {
		log.Warn().Err(serr).Str("key", key).Msg("secondary cache delete failed")
	}
	return nil
}

// Exists reports presence in either tier.
func (t *Tiered) Exists(ctx context.Context, key string) (bool, error) {
	if ok, err := t.primary.Exists(ctx, key); err == nil && ok {
		return true, nil
	}
	ok, err := t.secondary.Exists(ctx, key)
	if err != nil {
		log.Warn().Err(err).Str("key", key).Msg("secondary cache exists check failed")
		return false, nil
	}
	return ok, nil
}

// Flush attempts both tiers and succeeds if at least one does.
func (t *Tiered) Flush(ctx context.Context) error {
	perr := t.primary.Flush(ctx)
	serr := t.secondary.Flush(ctx)
	if perr != nil && serr != nil {
		return perr
	}
	return nil
}

var _ Strategy = (*Tiered)(nil)
