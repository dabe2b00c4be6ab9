package billing

import (
	"log/slog"
	"time"
)

// ServiceOption configures a Service instance.
type ServiceOption func(*Service)

// WithLogger sets the structured logger. Nil loggers are ignored so callers
// can pass through an optional config value safely.
func WithLogger(log *slog.Logger) ServiceOption {
	return func(s *Service) {
		if log != nil {
			s.log = log
		}
	}
}

// WithDedupCache installs a fast-path cache of processed event outcomes
// consulted before opening a store transaction. The event log stays
// authoritative; cache misses and cache failures fall through to it.
func WithDedupCache(cache DedupCache) ServiceOption {
	return func(s *Service) {
		if cache != nil {
			s.dedup = cache
		}
	}
}

// WithAlerter installs operator alerting for events that reference unknown
// local subscriptions.
func WithAlerter(alerter Alerter) ServiceOption {
	return func(s *Service) {
		if alerter != nil {
			s.alerter = alerter
		}
	}
}

// WithProviderTimeout bounds outbound provider calls (customer creation,
// checkout sessions). Non-positive values are ignored.
func WithProviderTimeout(d time.Duration) ServiceOption {
	return func(s *Service) {
		if d > 0 {
			s.callTimeout = d
		}
	}
}

// WithClock overrides the time source. Intended for tests that need fixed
// timestamps on records.
func WithClock(now func() time.Time) ServiceOption {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}
