// Package store models the relational entities backing the gateway
// (api_keys, instruments, vortex_instruments, request_audit_logs,
// api_key_abuse_flags) and provides a read-through Store interface over
// them, backed by gorm/postgres in production.
package store

import "time"

// APIKey is the external api_keys record.
type APIKey struct {
	Key                  string `gorm:"primaryKey;column:key"`
	TenantID             string `gorm:"column:tenant_id"`
	IsActive             bool   `gorm:"column:is_active"`
	ProviderOverride     string `gorm:"column:provider_override"`
	RateLimitPerMinute   int    `gorm:"column:rate_limit_per_minute"`
	ConnectionLimit      int    `gorm:"column:connection_limit"`
	WSSubscribeRPS       float64 `gorm:"column:ws_subscribe_rps"`
	WSUnsubscribeRPS     float64 `gorm:"column:ws_unsubscribe_rps"`
	WSModeRPS            float64 `gorm:"column:ws_mode_rps"`
	EntitledExchangesCSV string `gorm:"column:entitled_exchanges"`
	CreatedAt            time.Time
	UpdatedAt            time.Time
}

func (APIKey) TableName() string { return "api_keys" }

// EntitledExchanges splits the stored CSV into a set; empty means "no
// restriction (entitlement only enforced once set).
func (k APIKey) EntitledExchanges() map[string]struct{} {
	if k.EntitledExchangesCSV == "" {
		return nil
	}
	out := make(map[string]struct{})
	cur := ""
	for _, r := range k.EntitledExchangesCSV + "," {
		if r == ',' {
			if cur != "" {
				out[cur] = struct{}{}
			}
			cur = ""
			continue
		}
		cur += string(r)
	}
	return out
}

// Instrument is the authoritative token→exchange mapping.
type Instrument struct {
	Token    int64  `gorm:"primaryKey;column:token"`
	Exchange string `gorm:"column:exchange"`
	Symbol   string `gorm:"column:symbol"`
}

func (Instrument) TableName() string { return "instruments" }

// VortexInstrument is the fallback mapping table used for provider V's
// token space when the primary instrument table has no entry.
type VortexInstrument struct {
	Token    int64  `gorm:"primaryKey;column:token"`
	Exchange string `gorm:"column:exchange"`
	Symbol   string `gorm:"column:symbol"`
}

func (VortexInstrument) TableName() string { return "vortex_instruments" }

// AuditEvent is one row of request_audit_logs.
type AuditEvent struct {
	ID            int64     `gorm:"primaryKey;autoIncrement;column:id"`
	Kind          string    `gorm:"column:kind"` // http | ws
	RouteOrEvent  string    `gorm:"column:route_or_event"`
	Method        string    `gorm:"column:method"`
	Status        int       `gorm:"column:status"`
	APIKey        string    `gorm:"column:api_key"`
	TenantID      string    `gorm:"column:tenant_id"`
	IP            string    `gorm:"column:ip"`
	UserAgent     string    `gorm:"column:user_agent"`
	Origin        string    `gorm:"column:origin"`
	DurationMs    int64     `gorm:"column:duration_ms"`
	Meta          string    `gorm:"column:meta"` // JSON-encoded, kept opaque here
	Timestamp     time.Time `gorm:"column:ts"`
}

func (AuditEvent) TableName() string { return "request_audit_logs" }

// AbuseFlag is one row of api_key_abuse_flags.
type AbuseFlag struct {
	APIKey      string    `gorm:"primaryKey;column:api_key"`
	RiskScore   float64   `gorm:"column:risk_score"`
	ReasonCodes string    `gorm:"column:reason_codes"` // CSV
	Blocked     bool      `gorm:"column:blocked"`
	LastSeenAt  time.Time `gorm:"column:last_seen_at"`
}

func (AbuseFlag) TableName() string { return "api_key_abuse_flags" }
