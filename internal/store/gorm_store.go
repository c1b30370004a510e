package store

import (
	"context"
	"strings"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// GormStore is the production Store, backed by Postgres via gorm.
type GormStore struct {
	db *gorm.DB
}

// NewGormStore opens a Postgres connection and runs AutoMigrate for the
// entity set this service owns read-through access to.
func NewGormStore(dsn string) (*GormStore, error) {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		return nil, err
	}
	if err := db.AutoMigrate(&APIKey{}, &Instrument{}, &VortexInstrument{}, &AuditEvent{}, &AbuseFlag{}); err != nil {
		return nil, err
	}
	return &GormStore{db: db}, nil
}

func (s *GormStore) GetAPIKey(ctx context.Context, key string) (*APIKey, error) {
	var rec APIKey
	if err := s.db.WithContext(ctx).First(&rec, "key = ?", key).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, &ErrNotFound{What: "api_key"}
		}
		return nil, err
	}
	return &rec, nil
}

func (s *GormStore) CreateAPIKey(ctx context.Context, rec *APIKey) error {
	return s.db.WithContext(ctx).Create(rec).Error
}

func (s *GormStore) UpdateAPIKeyLimits(ctx context.Context, key string, patch APIKeyLimitPatch) error {
	updates := map[string]any{}
	if patch.RateLimitPerMinute != nil {
		updates["rate_limit_per_minute"] = *patch.RateLimitPerMinute
	}
	if patch.ConnectionLimit != nil {
		updates["connection_limit"] = *patch.ConnectionLimit
	}
	if patch.WSSubscribeRPS != nil {
		updates["ws_subscribe_rps"] = *patch.WSSubscribeRPS
	}
	if patch.WSUnsubscribeRPS != nil {
		updates["ws_unsubscribe_rps"] = *patch.WSUnsubscribeRPS
	}
	if patch.WSModeRPS != nil {
		updates["ws_mode_rps"] = *patch.WSModeRPS
	}
	if patch.ProviderOverride != nil {
		updates["provider_override"] = *patch.ProviderOverride
	}
	if patch.IsActive != nil {
		updates["is_active"] = *patch.IsActive
	}
	if len(updates) == 0 {
		return nil
	}
	return s.db.WithContext(ctx).Model(&APIKey{}).Where("key = ?", key).Updates(updates).Error
}

func (s *GormStore) SetEntitlements(ctx context.Context, key string, exchanges []string) error {
	return s.db.WithContext(ctx).Model(&APIKey{}).Where("key = ?", key).
		Update("entitled_exchanges", strings.Join(exchanges, ",")).Error
}

func (s *GormStore) ResolveExchange(ctx context.Context, token int64) (string, bool, error) {
	var inst Instrument
	err := s.db.WithContext(ctx).First(&inst, "token = ?", token).Error
	if err == nil {
		return inst.Exchange, true, nil
	}
	if err != gorm.ErrRecordNotFound {
		return "", false, err
	}

	var vi VortexInstrument
	err = s.db.WithContext(ctx).First(&vi, "token = ?", token).Error
	if err == nil {
		return vi.Exchange, true, nil
	}
	if err != gorm.ErrRecordNotFound {
		return "", false, err
	}
	return "", false, nil
}

func (s *GormStore) InsertAuditEvents(ctx context.Context, events []AuditEvent) error {
	if len(events) == 0 {
		return nil
	}
	return s.db.WithContext(ctx).CreateInBatches(events, 100).Error
}

func (s *GormStore) DeleteAuditEventsOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	res := s.db.WithContext(ctx).Where("ts < ?", cutoff).Delete(&AuditEvent{})
	return res.RowsAffected, res.Error
}

func (s *GormStore) AggregateAuditByKey(ctx context.Context, since time.Time) ([]KeyAggregate, error) {
	type row struct {
		APIKey        string
		TotalRequests int
		UniqueIPs     int
	}
	var rows []row
	err := s.db.WithContext(ctx).Model(&AuditEvent{}).
		Select("api_key, count(*) as total_requests, count(distinct ip) as unique_ips").
		Where("ts >= ? AND api_key <> ''", since).
		Group("api_key").
		Scan(&rows).Error
	if err != nil {
		return nil, err
	}
	out := make([]KeyAggregate, 0, len(rows))
	for _, r := range rows {
		out = append(out, KeyAggregate{APIKey: r.APIKey, TotalRequests: r.TotalRequests, UniqueIPs: r.UniqueIPs})
	}
	return out, nil
}

func (s *GormStore) GetAbuseFlag(ctx context.Context, key string) (*AbuseFlag, error) {
	var flag AbuseFlag
	if err := s.db.WithContext(ctx).First(&flag, "api_key = ?", key).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, &ErrNotFound{What: "abuse_flag"}
		}
		return nil, err
	}
	return &flag, nil
}

func (s *GormStore) UpsertAbuseFlag(ctx context.Context, flag *AbuseFlag) error {
	return s.db.WithContext(ctx).Save(flag).Error
}

func (s *GormStore) ListAbuseFlags(ctx context.Context) ([]AbuseFlag, error) {
	var flags []AbuseFlag
	err := s.db.WithContext(ctx).Find(&flags).Error
	return flags, err
}

func (s *GormStore) UnblockAbuseFlag(ctx context.Context, key string) error {
	return s.db.WithContext(ctx).Model(&AbuseFlag{}).Where("api_key = ?", key).
		Updates(map[string]any{"blocked": false, "risk_score": 0, "reason_codes": "manual_unblock"}).Error
}
