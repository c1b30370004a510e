package apikey

import (
	"context"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AmanVatsSharma/Kite-COnnect-Backend-sub002/internal/sharedstore"
	"github.com/AmanVatsSharma/Kite-COnnect-Backend-sub002/internal/store"
)

func newTestTracker() (*Tracker, *store.MemoryStore) {
	st := store.NewMemoryStore()
	shared := sharedstore.NewMemoryStore()
	return New(st, shared, zerolog.Nop(), nil), st
}

func TestTracker_ValidateAPIKeyRejectsInactiveKey(t *testing.T) {
	tr, st := newTestTracker()
	ctx := context.Background()
	require.NoError(t, st.CreateAPIKey(ctx, &store.APIKey{Key: "abc", IsActive: false}))

	_, err := tr.ValidateAPIKey(ctx, "abc")
	assert.Error(t, err)
}

func TestTracker_ValidateAPIKeyAcceptsActiveKey(t *testing.T) {
	tr, st := newTestTracker()
	ctx := context.Background()
	require.NoError(t, st.CreateAPIKey(ctx, &store.APIKey{Key: "abc", IsActive: true}))

	rec, err := tr.ValidateAPIKey(ctx, "abc")
	require.NoError(t, err)
	assert.Equal(t, "abc", rec.Key)
}

func TestTracker_IncrementHTTPUsageEnforcesLimit(t *testing.T) {
	tr, _ := newTestTracker()
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		n, limited := tr.IncrementHTTPUsage(ctx, "abc", 3)
		assert.Equal(t, int64(i+1), n)
		assert.False(t, limited)
	}
	_, limited := tr.IncrementHTTPUsage(ctx, "abc", 3)
	assert.True(t, limited, "the 4th request within the same minute must exceed a limit of 3")
}

func TestTracker_TrackAndUntrackWSConnection(t *testing.T) {
	tr, _ := newTestTracker()
	ctx := context.Background()

	n, exceeded := tr.TrackWSConnection(ctx, "abc", 2)
	assert.Equal(t, int64(1), n)
	assert.False(t, exceeded)

	n, exceeded = tr.TrackWSConnection(ctx, "abc", 2)
	assert.Equal(t, int64(2), n)
	assert.False(t, exceeded)

	n, exceeded = tr.TrackWSConnection(ctx, "abc", 2)
	assert.Equal(t, int64(3), n)
	assert.True(t, exceeded, "a third connection against a limit of 2 must be flagged")

	tr.UntrackWSConnection(ctx, "abc")
	n, exceeded = tr.TrackWSConnection(ctx, "abc", 2)
	assert.Equal(t, int64(3), n)
	assert.True(t, exceeded)
}

func TestTracker_CheckWSRateLimitPerEventKind(t *testing.T) {
	tr, _ := newTestTracker()
	ctx := context.Background()

	allowed, _ := tr.CheckWSRateLimit(ctx, "abc", "subscribe", 1)
	assert.True(t, allowed)
	allowed, retryAfterMs := tr.CheckWSRateLimit(ctx, "abc", "subscribe", 1)
	assert.False(t, allowed, "a second subscribe event within the same epoch second exceeds a limit of 1")
	assert.Greater(t, retryAfterMs, int64(0))

	allowed, _ = tr.CheckWSRateLimit(ctx, "abc", "unsubscribe", 1)
	assert.True(t, allowed, "unsubscribe tracks its own bucket, independent of subscribe")
}

func TestTracker_GetUsageReportReflectsCounters(t *testing.T) {
	tr, st := newTestTracker()
	ctx := context.Background()
	require.NoError(t, st.CreateAPIKey(ctx, &store.APIKey{Key: "abc", RateLimitPerMinute: 50, ConnectionLimit: 5}))

	tr.IncrementHTTPUsage(ctx, "abc", 50)
	tr.TrackWSConnection(ctx, "abc", 5)

	report, err := tr.GetUsageReport(ctx, "abc")
	require.NoError(t, err)
	assert.Equal(t, int64(1), report.HTTPRequestsThisMinute)
	assert.Equal(t, int64(1), report.ActiveWSConnections)
	assert.Equal(t, 50, report.RateLimitPerMinute)
	assert.Equal(t, 5, report.ConnectionLimit)
}
