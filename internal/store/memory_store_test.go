package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryStore_CreateAndGetAPIKey(t *testing.T) {
	m := NewMemoryStore()
	ctx := context.Background()

	require.NoError(t, m.CreateAPIKey(ctx, &APIKey{Key: "abc", IsActive: true, RateLimitPerMinute: 100}))

	rec, err := m.GetAPIKey(ctx, "abc")
	require.NoError(t, err)
	assert.True(t, rec.IsActive)
	assert.Equal(t, 100, rec.RateLimitPerMinute)
	assert.False(t, rec.CreatedAt.IsZero())
}

func TestMemoryStore_GetAPIKeyNotFound(t *testing.T) {
	m := NewMemoryStore()
	_, err := m.GetAPIKey(context.Background(), "missing")
	require.Error(t, err)
	var nf *ErrNotFound
	assert.ErrorAs(t, err, &nf)
}

func TestMemoryStore_UpdateAPIKeyLimitsAppliesPartialPatch(t *testing.T) {
	m := NewMemoryStore()
	ctx := context.Background()
	require.NoError(t, m.CreateAPIKey(ctx, &APIKey{Key: "abc", RateLimitPerMinute: 100, ConnectionLimit: 10}))

	newLimit := 250
	require.NoError(t, m.UpdateAPIKeyLimits(ctx, "abc", APIKeyLimitPatch{RateLimitPerMinute: &newLimit}))

	rec, err := m.GetAPIKey(ctx, "abc")
	require.NoError(t, err)
	assert.Equal(t, 250, rec.RateLimitPerMinute)
	assert.Equal(t, 10, rec.ConnectionLimit, "fields absent from the patch must be left untouched")
}

func TestMemoryStore_SetEntitlementsJoinsCSV(t *testing.T) {
	m := NewMemoryStore()
	ctx := context.Background()
	require.NoError(t, m.CreateAPIKey(ctx, &APIKey{Key: "abc"}))
	require.NoError(t, m.SetEntitlements(ctx, "abc", []string{"NSE", "BSE"}))

	rec, err := m.GetAPIKey(ctx, "abc")
	require.NoError(t, err)
	ex := rec.EntitledExchanges()
	_, okNSE := ex["NSE"]
	_, okBSE := ex["BSE"]
	assert.True(t, okNSE)
	assert.True(t, okBSE)
}

func TestMemoryStore_ResolveExchangeFallsBackToVortexTable(t *testing.T) {
	m := NewMemoryStore()
	ctx := context.Background()

	_, ok, err := m.ResolveExchange(ctx, 123)
	require.NoError(t, err)
	assert.False(t, ok)

	m.SeedVortexInstrument(123, "NFO")
	ex, ok, err := m.ResolveExchange(ctx, 123)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "NFO", ex)

	// Primary instrument table takes priority when both are seeded.
	m.SeedInstrument(123, "NSE")
	ex, ok, err = m.ResolveExchange(ctx, 123)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "NSE", ex)
}

func TestMemoryStore_DeleteAuditEventsOlderThan(t *testing.T) {
	m := NewMemoryStore()
	ctx := context.Background()
	now := time.Now()
	require.NoError(t, m.InsertAuditEvents(ctx, []AuditEvent{
		{APIKey: "old", Timestamp: now.Add(-48 * time.Hour)},
		{APIKey: "new", Timestamp: now},
	}))

	removed, err := m.DeleteAuditEventsOlderThan(ctx, now.Add(-24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(1), removed)

	agg, err := m.AggregateAuditByKey(ctx, now.Add(-time.Hour))
	require.NoError(t, err)
	require.Len(t, agg, 1)
	assert.Equal(t, "new", agg[0].APIKey)
}

func TestMemoryStore_AbuseFlagLifecycle(t *testing.T) {
	m := NewMemoryStore()
	ctx := context.Background()

	_, err := m.GetAbuseFlag(ctx, "abc")
	require.Error(t, err)

	require.NoError(t, m.UpsertAbuseFlag(ctx, &AbuseFlag{APIKey: "abc", Blocked: true, RiskScore: 150}))
	flag, err := m.GetAbuseFlag(ctx, "abc")
	require.NoError(t, err)
	assert.True(t, flag.Blocked)

	list, err := m.ListAbuseFlags(ctx)
	require.NoError(t, err)
	assert.Len(t, list, 1)

	require.NoError(t, m.UnblockAbuseFlag(ctx, "abc"))
	flag, err = m.GetAbuseFlag(ctx, "abc")
	require.NoError(t, err)
	assert.False(t, flag.Blocked)
	assert.Equal(t, float64(0), flag.RiskScore)
}

func TestMemoryStore_UnblockAbuseFlagNotFound(t *testing.T) {
	m := NewMemoryStore()
	err := m.UnblockAbuseFlag(context.Background(), "missing")
	require.Error(t, err)
}
