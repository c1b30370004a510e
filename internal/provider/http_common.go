package provider

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/AmanVatsSharma/Kite-COnnect-Backend-sub002/internal/metrics"
)

// httpCaller is the shared REST plumbing both upstream adapters build on:
// a timeout-bounded client and a metrics/logging wrapper around each call.
type httpCaller struct {
	client  *http.Client
	logger  zerolog.Logger
	metrics *metrics.Registry
	name    Name
}

func newHTTPCaller(name Name, timeout time.Duration, logger zerolog.Logger, reg *metrics.Registry) httpCaller {
	return httpCaller{
		client:  &http.Client{Timeout: timeout},
		logger:  logger.With().Str("provider", string(name)).Logger(),
		metrics: reg,
		name:    name,
	}
}

func (h httpCaller) observe(endpoint string, start time.Time, err error) {
	elapsed := time.Since(start).Seconds()
	if h.metrics == nil {
		return
	}
	h.metrics.ProviderLatencySeconds.WithLabelValues(endpoint).Observe(elapsed)
	h.metrics.ProviderRequestsTotal.WithLabelValues(endpoint).Inc()
	if err != nil {
		h.metrics.ProviderRequestErrors.WithLabelValues(endpoint, classifyErr(err)).Inc()
	}
}

func classifyErr(err error) string {
	if err == nil {
		return ""
	}
	if err == context.DeadlineExceeded {
		return "timeout"
	}
	return "request_error"
}

func httpError(resp *http.Response) error {
	return fmt.Errorf("upstream returned status %d", resp.StatusCode)
}
