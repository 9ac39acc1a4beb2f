package cache

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/go-redis/redismock/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRedis_SetStoresWrappedEntryWithRetention(t *testing.T) {
	db, mock := redismock.NewClientMock()
	r := NewRedis(db)

	e := Entry{
		Value:     json.RawMessage(`"0.05"`),
		Timestamp: time.Date(2026, 8, 24, 10, 0, 0, 0, time.UTC),
		Source:    "borrow_rate_api",
	}
	raw, err := json.Marshal(e)
	require.NoError(t, err)

	// Default borrow_rate TTL is 5m; retention is 2x that.
	mock.ExpectSet("borrow_rate:AAPL", raw, 10*time.Minute).SetVal("OK")

	require.NoError(t, r.Set(context.Background(), "borrow_rate:AAPL", e, 0))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRedis_GetFreshEntry(t *testing.T) {
	db, mock := redismock.NewClientMock()
	r := NewRedis(db)

	e := Entry{
		Value:     json.RawMessage(`"0.05"`),
		Timestamp: time.Now().UTC(),
		Source:    "borrow_rate_api",
	}
	raw, err := json.Marshal(e)
	require.NoError(t, err)
	mock.ExpectGet("borrow_rate:AAPL").SetVal(string(raw))

	got, ok, err := r.Get(context.Background(), "borrow_rate:AAPL")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "borrow_rate_api", got.Source)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRedis_GetMiss(t *testing.T) {
	db, mock := redismock.NewClientMock()
	r := NewRedis(db)

	mock.ExpectGet("borrow_rate:ZZZZ").RedisNil()

	_, ok, err := r.Get(context.Background(), "borrow_rate:ZZZZ")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRedis_GetExpiredEntryMisses(t *testing.T) {
	db, mock := redismock.NewClientMock()
	r := NewRedis(db)

	// Written 10 minutes ago, borrow_rate TTL is 5m: logically expired
	// even though Redis still holds it inside the retention window.
	e := Entry{
		Value:     json.RawMessage(`"0.05"`),
		Timestamp: time.Now().UTC().Add(-10 * time.Minute),
		Source:    "borrow_rate_api",
	}
	raw, err := json.Marshal(e)
	require.NoError(t, err)
	mock.ExpectGet("borrow_rate:AAPL").SetVal(string(raw))

	_, ok, err := r.Get(context.Background(), "borrow_rate:AAPL")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRedis_GetStaleServesExpiredEntry(t *testing.T) {
	db, mock := redismock.NewClientMock()
	r := NewRedis(db)

	e := Entry{
		Value:     json.RawMessage(`"0.05"`),
		Timestamp: time.Now().UTC().Add(-8 * time.Minute),
		Source:    "borrow_rate_api",
	}
	raw, err := json.Marshal(e)
	require.NoError(t, err)
	mock.ExpectGet("borrow_rate:AAPL").SetVal(string(raw))

	got, ok, err := r.GetStale(context.Background(), "borrow_rate:AAPL", 10*time.Minute)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "borrow_rate_api", got.Source)
}

func TestRedis_Delete(t *testing.T) {
	db, mock := redismock.NewClientMock()
	r := NewRedis(db)

	mock.ExpectDel("borrow_rate:AAPL").SetVal(1)
	require.NoError(t, r.Delete(context.Background(), "borrow_rate:AAPL"))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRedis_Flush(t *testing.T) {
	db, mock := redismock.NewClientMock()
	r := NewRedis(db)

	mock.ExpectFlushDB().SetVal("OK")
	require.NoError(t, r.Flush(context.Background()))
	assert.NoError(t, mock.ExpectationsWereMet())
}
