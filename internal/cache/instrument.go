package cache

import "context"

// Observer receives hit/miss signals per tier. Implemented by the
// metrics registry.
type Observer interface {
	ObserveCache(tier string, hit bool)
}

// Instrumented decorates a strategy with hit/miss accounting under a
// tier label. Stale reads are not counted; they are fallback traffic,
// not cache performance.
type Instrumented struct {
	Strategy
	tier string
	obs  Observer
}

// Instrument wraps s. A nil observer returns s unchanged.
func Instrument(s Strategy, tier string, obs Observer) Strategy {
	if obs == nil {
		return s
	}
	return &Instrumented{Strategy: s, tier: tier, obs: obs}
}

func (i *Instrumented) Get(ctx context.Context, key string) (Entry, bool, error) {
	e, ok, err := i.Strategy.Get(ctx, key)
	if err == nil {
		i.obs.ObserveCache(i.tier, ok)
	}
	return e, ok, err
}

var _ Strategy = (*Instrumented)(nil)
