// Package audit buffers request/event audit records in memory and
// flushes them to the relational store in batches, so a burst of traffic
// never turns into one INSERT per request. A daily cron job sweeps
// records past the configured retention window.
package audit

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/AmanVatsSharma/Kite-COnnect-Backend-sub002/internal/metrics"
	"github.com/AmanVatsSharma/Kite-COnnect-Backend-sub002/internal/store"
)

// SampleConfig controls how aggressively events are sampled before they
// ever reach the buffer, keeping audit volume proportional to traffic
// without losing visibility into errors.
type SampleConfig struct {
	HTTPSampleRate  float64 // fraction of successful HTTP requests logged
	AlwaysLogErrors bool    // non-2xx/non-ok events always logged regardless of sampling
	WSSubSampleRate float64 // fraction of subscribe/unsubscribe events logged
}

// Sink is the buffered audit writer.
type Sink struct {
	store   store.Store
	logger  zerolog.Logger
	metrics *metrics.Registry
	sample  SampleConfig

	mu       sync.Mutex
	buffer   []store.AuditEvent
	capacity int
	chunk    int

	flushInterval   time.Duration
	retentionDays   int
	retentionSweep  string
	cron            *cron.Cron

	stop chan struct{}
}

func New(st store.Store, sample SampleConfig, capacity, chunk int, flushInterval time.Duration, retentionDays int, retentionSweepSpec string, logger zerolog.Logger, reg *metrics.Registry) *Sink {
	return &Sink{
		store: st, logger: logger, metrics: reg, sample: sample,
		capacity: capacity, chunk: chunk, flushInterval: flushInterval,
		retentionDays: retentionDays, retentionSweep: retentionSweepSpec,
		stop: make(chan struct{}),
	}
}

// Start begins the periodic flush loop and the daily retention sweep.
func (s *Sink) Start() error {
	go s.flushLoop()

	s.cron = cron.New(cron.WithSeconds())
	_, err := s.cron.AddFunc(s.retentionSweep, s.runRetentionSweep)
	if err != nil {
		return err
	}
	s.cron.Start()
	return nil
}

func (s *Sink) Stop() {
	close(s.stop)
	if s.cron != nil {
		ctx := s.cron.Stop()
		<-ctx.Done()
	}
	s.flush()
}

// LogHTTP records one HTTP request, subject to the configured sample
// rate (errors always pass through regardless of sampling when
// AlwaysLogErrors is set).
func (s *Sink) LogHTTP(ev store.AuditEvent) {
	isError := ev.Status >= 400
	if !(isError && s.sample.AlwaysLogErrors) && !sampled(s.sample.HTTPSampleRate) {
		return
	}
	ev.Kind = "http"
	ev.Timestamp = time.Now()
	s.enqueue(ev)
}

// LogWS records one WebSocket event (subscribe/unsubscribe/mode/error),
// sampled at WSSubSampleRate unless it is an error frame.
func (s *Sink) LogWS(ev store.AuditEvent, isError bool) {
	if !isError && !sampled(s.sample.WSSubSampleRate) {
		return
	}
	ev.Kind = "ws"
	ev.Timestamp = time.Now()
	s.enqueue(ev)
}

func sampled(rate float64) bool {
	if rate >= 1 {
		return true
	}
	if rate <= 0 {
		return false
	}
	return rand.Float64() < rate
}

func (s *Sink) enqueue(ev store.AuditEvent) {
	s.mu.Lock()
	if len(s.buffer) >= s.capacity {
		s.mu.Unlock()
		if s.metrics != nil {
			s.metrics.AuditDroppedTotal.Inc()
		}
		return
	}
	s.buffer = append(s.buffer, ev)
	shouldFlush := len(s.buffer) >= s.chunk
	s.mu.Unlock()
	if shouldFlush {
		s.flush()
	}
}

func (s *Sink) flushLoop() {
	ticker := time.NewTicker(s.flushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			s.flush()
		}
	}
}

func (s *Sink) flush() {
	s.mu.Lock()
	if len(s.buffer) == 0 {
		s.mu.Unlock()
		return
	}
	batch := s.buffer
	s.buffer = nil
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.store.InsertAuditEvents(ctx, batch); err != nil {
		s.logger.Error().Err(err).Int("count", len(batch)).Msg("audit flush failed")
		return
	}
	if s.metrics != nil {
		s.metrics.AuditFlushedTotal.Add(float64(len(batch)))
	}
}

func (s *Sink) runRetentionSweep() {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	cutoff := time.Now().AddDate(0, 0, -s.retentionDays)
	removed, err := s.store.DeleteAuditEventsOlderThan(ctx, cutoff)
	if err != nil {
		s.logger.Error().Err(err).Msg("audit retention sweep failed")
		return
	}
	s.logger.Info().Int64("removed", removed).Time("cutoff", cutoff).Msg("audit retention sweep complete")
}
