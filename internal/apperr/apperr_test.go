package apperr

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestError_ErrorStringIncludesMessageWhenPresent(t *testing.T) {
	e := New(InvalidPayload, "missing field 'tokens'")
	assert.Equal(t, "invalid_payload: missing field 'tokens'", e.Error())
}

func TestError_ErrorStringFallsBackToCodeAlone(t *testing.T) {
	e := New(RateLimited, "")
	assert.Equal(t, "rate_limited", e.Error())
}

func TestError_HTTPStatusMapping(t *testing.T) {
	cases := map[Code]int{
		AuthMissing:           401,
		AuthInvalid:           401,
		KeyBlockedForAbuse:    403,
		RateLimited:           429,
		RateLimitExceeded:     429,
		ConnectionLimitExceed: 400,
		InvalidPayload:        400,
		InvalidExchange:       400,
		InvalidMode:           400,
		UnknownEvent:          400,
		SubscriptionNotFound:  400,
		EntitlementDenied:     400,
		StreamInactive:        503,
		ProviderError:         503,
		BackpressureDrop:      500,
	}
	for code, want := range cases {
		e := New(code, "")
		assert.Equalf(t, want, e.HTTPStatus(), "code %s", code)
	}
}
