// Package apperr defines the error taxonomy surfaced to HTTP and WebSocket
// callers. Limit and authorization violations reach the caller and are
// counted in metrics; store failures are logged and swallowed instead.
package apperr

// Code is one of the fixed error codes callers may observe.
type Code string

const (
	AuthMissing           Code = "auth_missing"
	AuthInvalid           Code = "auth_invalid"
	KeyBlockedForAbuse    Code = "key_blocked_for_abuse"
	ConnectionLimitExceed Code = "connection_limit_exceeded"
	RateLimited           Code = "rate_limited"
	RateLimitExceeded     Code = "rate_limit_exceeded"
	InvalidPayload        Code = "invalid_payload"
	InvalidExchange       Code = "invalid_exchange"
	InvalidMode           Code = "invalid_mode"
	UnknownEvent          Code = "unknown_event"
	StreamInactive        Code = "stream_inactive"
	SubscriptionNotFound  Code = "subscription_not_found"
	EntitlementDenied     Code = "entitlement_denied"
	ProviderError         Code = "provider_error"
	BackpressureDrop      Code = "backpressure_drop"
)

// Error is a taxonomy-coded error. Fields beyond Code/Message are
// optional context the caller-facing frame/response may echo back
// (limit, retry hints, risk score).
type Error struct {
	Code         Code
	Message      string
	Limit        int
	RetryAfterMs int64
	RiskScore    float64
	Reasons      []string
	Retryable    bool
}

func (e *Error) Error() string {
	if e.Message != "" {
		return string(e.Code) + ": " + e.Message
	}
	return string(e.Code)
}

// New builds a bare taxonomy error.
func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// HTTPStatus maps a taxonomy code to its HTTP status.
func (e *Error) HTTPStatus() int {
	switch e.Code {
	case AuthMissing, AuthInvalid:
		return 401
	case KeyBlockedForAbuse:
		return 403
	case RateLimitExceeded, RateLimited:
		return 429
	case ConnectionLimitExceed, InvalidPayload, InvalidExchange, InvalidMode,
		UnknownEvent, SubscriptionNotFound, EntitlementDenied:
		return 400
	case StreamInactive, ProviderError:
		return 503
	default:
		return 500
	}
}
