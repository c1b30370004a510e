// Package abuse periodically scores API-key activity for distributed
// abuse (credential sharing, scraping) from the audit trail and sticks a
// block on keys whose risk score crosses the configured threshold.
package abuse

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/AmanVatsSharma/Kite-COnnect-Backend-sub002/internal/metrics"
	"github.com/AmanVatsSharma/Kite-COnnect-Backend-sub002/internal/store"
)

// Thresholds configures the scoring rules.
type Thresholds struct {
	WindowMinutes     int
	UniqueIPThreshold int
	TotalReqThreshold int
	BlockScore        float64
}

// Status is the current abuse standing for a key, used by the gateway's
// admission check and the client-facing "why was I blocked" surface.
type Status struct {
	Blocked     bool
	RiskScore   float64
	ReasonCodes []string
}

// Detector runs the periodic scoring job and answers point-in-time
// blocked checks.
type Detector struct {
	store      store.Store
	thresholds Thresholds
	logger     zerolog.Logger
	metrics    *metrics.Registry
	cron       *cron.Cron
}

func New(st store.Store, thresholds Thresholds, logger zerolog.Logger, reg *metrics.Registry) *Detector {
	return &Detector{store: st, thresholds: thresholds, logger: logger, metrics: reg}
}

// Start schedules the scoring job at the given cron spec (e.g. "*/5 * * * *"
// for every five minutes) and begins running it in the background.
func (d *Detector) Start(spec string) error {
	d.cron = cron.New()
	_, err := d.cron.AddFunc(spec, d.runScan)
	if err != nil {
		return err
	}
	d.cron.Start()
	return nil
}

func (d *Detector) Stop() {
	if d.cron != nil {
		ctx := d.cron.Stop()
		<-ctx.Done()
	}
}

// runScan aggregates recent audit activity per key and applies the
// scoring rules: many distinct IPs within the window suggests credential
// sharing, a very high request volume suggests scraping, and both
// together escalate the score further.
func (d *Detector) runScan() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	since := time.Now().Add(-time.Duration(d.thresholds.WindowMinutes) * time.Minute)
	aggs, err := d.store.AggregateAuditByKey(ctx, since)
	if err != nil {
		d.logger.Error().Err(err).Msg("abuse scan: failed to aggregate audit activity")
		return
	}

	var blockedCount int
	for _, agg := range aggs {
		score, reasons := d.score(agg)
		existing, err := d.store.GetAbuseFlag(ctx, agg.APIKey)
		stickyBlocked := err == nil && existing.Blocked

		blocked := stickyBlocked || score >= d.thresholds.BlockScore
		if blocked {
			blockedCount++
		}

		flag := &store.AbuseFlag{
			APIKey:      agg.APIKey,
			RiskScore:   score,
			ReasonCodes: joinReasons(reasons),
			Blocked:     blocked,
			LastSeenAt:  time.Now(),
		}
		if err := d.store.UpsertAbuseFlag(ctx, flag); err != nil {
			d.logger.Error().Err(err).Str("api_key", agg.APIKey).Msg("abuse scan: failed to persist flag")
		}
	}
	if d.metrics != nil {
		d.metrics.AbuseFlagsBlocked.Set(float64(blockedCount))
	}
}

// score applies the point-based formula verbatim: 50 base points plus 5
// per unique IP over threshold, 20 base points plus up to 200 more for
// request volume over threshold (100 requests per point), and a flat 50
// point penalty once unique IPs reach twice the threshold. These
// constants are deliberately not configurable — they're the scale every
// BlockScore threshold (default 100) is calibrated against.
func (d *Detector) score(agg store.KeyAggregate) (float64, []string) {
	var score float64
	var reasons []string

	if agg.UniqueIPs >= d.thresholds.UniqueIPThreshold {
		score += 50 + 5*float64(agg.UniqueIPs-d.thresholds.UniqueIPThreshold)
		reasons = append(reasons, "many_ips")
	}

	if agg.TotalRequests >= d.thresholds.TotalReqThreshold {
		extra := float64(agg.TotalRequests-d.thresholds.TotalReqThreshold) / 100
		if extra > 200 {
			extra = 200
		}
		score += 20 + extra
		reasons = append(reasons, "high_volume")
	}

	if agg.UniqueIPs >= d.thresholds.UniqueIPThreshold*2 {
		score += 50
		reasons = append(reasons, "extremely_many_ips")
	}

	if len(reasons) == 0 {
		reasons = append(reasons, "within_normal_limits")
	}
	return score, reasons
}

func joinReasons(reasons []string) string {
	out := ""
	for i, r := range reasons {
		if i > 0 {
			out += ","
		}
		out += r
	}
	return out
}

// GetStatusForAPIKey reports the current abuse standing for key, failing
// open (not blocked) if no flag has been computed yet.
func (d *Detector) GetStatusForAPIKey(ctx context.Context, key string) Status {
	flag, err := d.store.GetAbuseFlag(ctx, key)
	if err != nil {
		return Status{}
	}
	return Status{Blocked: flag.Blocked, RiskScore: flag.RiskScore, ReasonCodes: splitReasons(flag.ReasonCodes)}
}

func splitReasons(csv string) []string {
	if csv == "" {
		return nil
	}
	var out []string
	cur := ""
	for _, r := range csv + "," {
		if r == ',' {
			if cur != "" {
				out = append(out, cur)
			}
			cur = ""
			continue
		}
		cur += string(r)
	}
	return out
}

// Unblock clears a manually-reviewed false positive.
func (d *Detector) Unblock(ctx context.Context, key string) error {
	return d.store.UnblockAbuseFlag(ctx, key)
}

// Block manually flags key as blocked outside the scheduled scan, for an
// admin acting on an out-of-band abuse report. The flag sticks across
// future scans the same way a score-crossing block does, since runScan
// treats any existing Blocked=true flag as sticky.
func (d *Detector) Block(ctx context.Context, key, reason string) error {
	reasons := []string{"manual_block"}
	if reason != "" {
		reasons = append(reasons, reason)
	}
	return d.store.UpsertAbuseFlag(ctx, &store.AbuseFlag{
		APIKey:      key,
		RiskScore:   d.thresholds.BlockScore,
		ReasonCodes: joinReasons(reasons),
		Blocked:     true,
		LastSeenAt:  time.Now(),
	})
}

// ListFlagged returns every key currently carrying an abuse flag, for the
// admin dashboard.
func (d *Detector) ListFlagged(ctx context.Context) ([]store.AbuseFlag, error) {
	return d.store.ListAbuseFlags(ctx)
}
