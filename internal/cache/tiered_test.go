package cache

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// brokenStrategy simulates a secondary backend outage.
type brokenStrategy struct{}

var errBackendDown = errors.New("backend unreachable")

func (brokenStrategy) Get(context.Context, string) (Entry, bool, error) {
	return Entry{}, false, errBackendDown
}
func (brokenStrategy) GetStale(context.Context, string, time.Duration) (Entry, bool, error) {
	return Entry{}, false, errBackendDown
}
func (brokenStrategy) Set(context.Context, string, Entry, time.Duration) error {
	return errBackendDown
}
func (brokenStrategy) Delete(context.Context, string) error { return errBackendDown }
func (brokenStrategy) Exists(context.Context, string) (bool, error) {
	return false, errBackendDown
}
func (brokenStrategy) Flush(context.Context) error { return errBackendDown }

func newTieredPair(t *testing.T) (*Tiered, *Memory, *Memory) {
	t.Helper()
	primary := NewMemory(time.Minute)
	secondary := NewMemory(time.Minute)
	t.Cleanup(primary.Close)
	t.Cleanup(secondary.Close)
	return NewTiered(primary, secondary), primary, secondary
}

func TestTiered_WriteThrough(t *testing.T) {
	tiered, primary, secondary := newTieredPair(t)
	ctx := context.Background()

	e, err := NewEntry("v", "api")
	require.NoError(t, err)
	require.NoError(t, tiered.Set(ctx, "borrow_rate:AAPL", e, 0))

	_, ok, err := primary.Get(ctx, "borrow_rate:AAPL")
	require.NoError(t, err)
	assert.True(t, ok, "set must reach the primary")

	_, ok, err = secondary.Get(ctx, "borrow_rate:AAPL")
	require.NoError(t, err)
	assert.True(t, ok, "set must reach the secondary")
}

func TestTiered_PromotionOnSecondaryHit(t *testing.T) {
	tiered, primary, secondary := newTieredPair(t)
	ctx := context.Background()

	e, err := NewEntry("promoted", "api")
	require.NoError(t, err)
	require.NoError(t, secondary.Set(ctx, "borrow_rate:AAPL", e, 0))

	// Primary is empty; the tiered get must hit the secondary and
	// populate the primary with the same value.
	got, ok, err := tiered.Get(ctx, "borrow_rate:AAPL")
	require.NoError(t, err)
	require.True(t, ok)

	var v string
	require.NoError(t, got.Decode(&v))
	assert.Equal(t, "promoted", v)

	pe, ok, err := primary.Get(ctx, "borrow_rate:AAPL")
	require.NoError(t, err)
	require.True(t, ok, "secondary hit must populate the primary")
	require.NoError(t, pe.Decode(&v))
	assert.Equal(t, "promoted", v)
}

func TestTiered_SecondaryOutageDegrades(t *testing.T) {
	primary := NewMemory(time.Minute)
	defer primary.Close()
	tiered := NewTiered(primary, brokenStrategy{})
	ctx := context.Background()

	e, err := NewEntry("v", "api")
	require.NoError(t, err)

	// Set succeeds despite the secondary being down.
	require.NoError(t, tiered.Set(ctx, "borrow_rate:AAPL", e, 0))

	// Reads come from the primary without surfacing the outage.
	_, ok, err := tiered.Get(ctx, "borrow_rate:AAPL")
	require.NoError(t, err)
	assert.True(t, ok)

	// A primary miss with the secondary down is a plain miss.
	_, ok, err = tiered.Get(ctx, "borrow_rate:MSFT")
	require.NoError(t, err)
	assert.False(t, ok)

	// Delete and flush succeed when at least one tier succeeds.
	require.NoError(t, tiered.Delete(ctx, "borrow_rate:AAPL"))
	require.NoError(t, tiered.Flush(ctx))
}

func TestTiered_PrimaryWriteFailurePropagates(t *testing.T) {
	secondary := NewMemory(time.Minute)
	defer secondary.Close()
	tiered := NewTiered(brokenStrategy{}, secondary)

	e, err := NewEntry("v", "api")
	require.NoError(t, err)
	assert.Error(t, tiered.Set(context.Background(), "borrow_rate:AAPL", e, 0))
}

func TestTiered_StaleReadFromSecondary(t *testing.T) {
	tiered, _, secondary := newTieredPair(t)
	ctx := context.Background()

	e, err := NewEntry("stale-ok", "api")
	require.NoError(t, err)
	require.NoError(t, secondary.Set(ctx, "borrow_rate:AAPL", e, 20*time.Millisecond))

	time.Sleep(30 * time.Millisecond)

	_, ok, err := tiered.Get(ctx, "borrow_rate:AAPL")
	require.NoError(t, err)
	require.False(t, ok, "expired entry must miss the fresh path")

	got, ok, err := tiered.GetStale(ctx, "borrow_rate:AAPL", time.Second)
	require.NoError(t, err)
	require.True(t, ok)

	var v string
	require.NoError(t, got.Decode(&v))
	assert.Equal(t, "stale-ok", v)
}
