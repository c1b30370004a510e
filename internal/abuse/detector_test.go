package abuse

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AmanVatsSharma/Kite-COnnect-Backend-sub002/internal/store"
)

func newTestDetector() (*Detector, *store.MemoryStore) {
	st := store.NewMemoryStore()
	d := New(st, Thresholds{WindowMinutes: 10, UniqueIPThreshold: 5, TotalReqThreshold: 100, BlockScore: 100}, zerolog.Nop(), nil)
	return d, st
}

func TestDetector_GetStatusForAPIKeyFailsOpenWhenNoFlagExists(t *testing.T) {
	d, _ := newTestDetector()
	status := d.GetStatusForAPIKey(context.Background(), "never-seen")
	assert.False(t, status.Blocked)
}

func TestDetector_ScoreHighUniqueIPsAndVolumeBlocksKey(t *testing.T) {
	d, st := newTestDetector()
	ctx := context.Background()

	now := time.Now()
	events := make([]store.AuditEvent, 0, 150)
	for i := 0; i < 150; i++ {
		events = append(events, store.AuditEvent{
			APIKey:    "shared-key",
			IP:        ipFor(i % 20),
			Timestamp: now,
		})
	}
	require.NoError(t, st.InsertAuditEvents(ctx, events))

	d.runScan()

	status := d.GetStatusForAPIKey(ctx, "shared-key")
	assert.True(t, status.Blocked, "20 distinct IPs (4x the threshold) plus 150 requests should cross the block score")
	assert.Greater(t, status.RiskScore, 100.0)
	assert.Contains(t, status.ReasonCodes, "extremely_many_ips")
	assert.Contains(t, status.ReasonCodes, "high_volume")
}

func TestDetector_LowActivityKeyStaysUnblocked(t *testing.T) {
	d, st := newTestDetector()
	ctx := context.Background()

	require.NoError(t, st.InsertAuditEvents(ctx, []store.AuditEvent{
		{APIKey: "quiet-key", IP: "1.2.3.4", Timestamp: time.Now()},
	}))

	d.runScan()
	status := d.GetStatusForAPIKey(ctx, "quiet-key")
	assert.False(t, status.Blocked)
}

func TestDetector_UnblockClearsManualOverride(t *testing.T) {
	d, st := newTestDetector()
	ctx := context.Background()
	require.NoError(t, st.UpsertAbuseFlag(ctx, &store.AbuseFlag{APIKey: "flagged", Blocked: true, RiskScore: 0.9}))

	require.NoError(t, d.Unblock(ctx, "flagged"))

	status := d.GetStatusForAPIKey(ctx, "flagged")
	assert.False(t, status.Blocked)
}

func TestDetector_ListFlaggedReturnsAllFlags(t *testing.T) {
	d, st := newTestDetector()
	ctx := context.Background()
	require.NoError(t, st.UpsertAbuseFlag(ctx, &store.AbuseFlag{APIKey: "a", Blocked: true}))
	require.NoError(t, st.UpsertAbuseFlag(ctx, &store.AbuseFlag{APIKey: "b", Blocked: false}))

	flags, err := d.ListFlagged(ctx)
	require.NoError(t, err)
	assert.Len(t, flags, 2)
}

func ipFor(i int) string {
	digits := "0123456789"
	return "10.0.0." + string(digits[i/10]) + string(digits[i%10])
}
