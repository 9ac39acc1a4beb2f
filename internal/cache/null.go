package cache

import (
	"context"
	"time"
)

// Null is the no-op strategy used when caching is disabled: every read
// misses and every write succeeds without storing anything.
type Null struct{}

func (Null) Get(context.Context, string) (Entry, bool, error) { return Entry{}, false, nil }

func (Null) GetStale(context.Context, string, time.Duration) (Entry, bool, error) {
	return Entry{}, false, nil
}

func (Null) Set(context.Context, string, Entry, time.Duration) error { return nil }

func (Null) Delete(context.Context, string) error { return nil }

func (Null) Exists(context.Context, string) (bool, error) { return false, nil }

func (Null) Flush(context.Context) error { return nil }

var _ Strategy = Null{}
