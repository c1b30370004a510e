package audit

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AmanVatsSharma/Kite-COnnect-Backend-sub002/internal/store"
)

func TestSink_LogHTTPAlwaysLogsErrorsRegardlessOfSampleRate(t *testing.T) {
	st := store.NewMemoryStore()
	s := New(st, SampleConfig{HTTPSampleRate: 0, AlwaysLogErrors: true}, 100, 100, time.Hour, 90, "0 0 0 * * *", zerolog.Nop(), nil)

	s.LogHTTP(store.AuditEvent{Status: 500})
	s.flush()

	// Confirm InsertAuditEvents went through by sweeping retention with a
	// future cutoff and checking it reports exactly one removed row.
	removed, err := st.DeleteAuditEventsOlderThan(context.Background(), time.Now().Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(1), removed)
}

func TestSink_LogHTTPDropsSuccessesWhenSampleRateIsZero(t *testing.T) {
	st := store.NewMemoryStore()
	s := New(st, SampleConfig{HTTPSampleRate: 0, AlwaysLogErrors: true}, 100, 100, time.Hour, 90, "0 0 0 * * *", zerolog.Nop(), nil)

	s.LogHTTP(store.AuditEvent{Status: 200})
	s.flush()

	removed, err := st.DeleteAuditEventsOlderThan(context.Background(), time.Now().Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(0), removed, "a 200 with a zero sample rate must never reach the buffer")
}

func TestSink_LogHTTPAlwaysLogsWhenSampleRateIsOne(t *testing.T) {
	st := store.NewMemoryStore()
	s := New(st, SampleConfig{HTTPSampleRate: 1}, 100, 100, time.Hour, 90, "0 0 0 * * *", zerolog.Nop(), nil)

	for i := 0; i < 5; i++ {
		s.LogHTTP(store.AuditEvent{Status: 200})
	}
	s.flush()

	removed, err := st.DeleteAuditEventsOlderThan(context.Background(), time.Now().Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(5), removed)
}

func TestSink_EnqueueDropsBeyondCapacity(t *testing.T) {
	st := store.NewMemoryStore()
	s := New(st, SampleConfig{HTTPSampleRate: 1}, 2, 100, time.Hour, 90, "0 0 0 * * *", zerolog.Nop(), nil)

	for i := 0; i < 5; i++ {
		s.LogHTTP(store.AuditEvent{Status: 200})
	}
	s.flush()

	removed, err := st.DeleteAuditEventsOlderThan(context.Background(), time.Now().Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(2), removed, "events beyond capacity must be dropped rather than blocking the caller")
}

func TestSink_FlushTriggersAutomaticallyAtChunkSize(t *testing.T) {
	st := store.NewMemoryStore()
	s := New(st, SampleConfig{HTTPSampleRate: 1}, 100, 3, time.Hour, 90, "0 0 0 * * *", zerolog.Nop(), nil)

	for i := 0; i < 3; i++ {
		s.LogHTTP(store.AuditEvent{Status: 200})
	}
	// No explicit flush call: reaching the chunk size should have flushed already.
	removed, err := st.DeleteAuditEventsOlderThan(context.Background(), time.Now().Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(3), removed)
}

func TestSink_RetentionSweepRemovesOnlyOldEvents(t *testing.T) {
	st := store.NewMemoryStore()
	s := New(st, SampleConfig{}, 100, 100, time.Hour, 1, "0 0 0 * * *", zerolog.Nop(), nil)

	require.NoError(t, st.InsertAuditEvents(context.Background(), []store.AuditEvent{
		{APIKey: "old", Timestamp: time.Now().AddDate(0, 0, -5)},
		{APIKey: "new", Timestamp: time.Now()},
	}))

	s.runRetentionSweep()

	agg, err := st.AggregateAuditByKey(context.Background(), time.Now().Add(-time.Hour))
	require.NoError(t, err)
	require.Len(t, agg, 1)
	assert.Equal(t, "new", agg[0].APIKey)
}
