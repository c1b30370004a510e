package store

import (
	"context"
	"time"
)

// KeyAggregate summarizes one api_key's audit activity over a window,
// the input to the abuse detector's scoring rules.
type KeyAggregate struct {
	APIKey        string
	TotalRequests int
	UniqueIPs     int
}

// Store is the read-through interface over the relational tables backing
// the gateway: api_keys, instruments, vortex_instruments,
// request_audit_logs, api_key_abuse_flags.
type Store interface {
	GetAPIKey(ctx context.Context, key string) (*APIKey, error)
	CreateAPIKey(ctx context.Context, rec *APIKey) error
	UpdateAPIKeyLimits(ctx context.Context, key string, patch APIKeyLimitPatch) error
	SetEntitlements(ctx context.Context, key string, exchanges []string) error

	ResolveExchange(ctx context.Context, token int64) (exchange string, found bool, err error)

	InsertAuditEvents(ctx context.Context, events []AuditEvent) error
	DeleteAuditEventsOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
	AggregateAuditByKey(ctx context.Context, since time.Time) ([]KeyAggregate, error)

	GetAbuseFlag(ctx context.Context, key string) (*AbuseFlag, error)
	UpsertAbuseFlag(ctx context.Context, flag *AbuseFlag) error
	ListAbuseFlags(ctx context.Context) ([]AbuseFlag, error)
	UnblockAbuseFlag(ctx context.Context, key string) error
}

// APIKeyLimitPatch is a partial update for POST /admin/apikeys/limits;
// nil pointers mean "leave unchanged".
type APIKeyLimitPatch struct {
	RateLimitPerMinute *int
	ConnectionLimit    *int
	WSSubscribeRPS     *float64
	WSUnsubscribeRPS   *float64
	WSModeRPS          *float64
	ProviderOverride   *string
	IsActive           *bool
}

// ErrNotFound is returned by lookups that find no matching row.
type ErrNotFound struct{ What string }

func (e *ErrNotFound) Error() string { return e.What + " not found" }
