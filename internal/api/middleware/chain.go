// Package middleware provides HTTP middleware components for the seeder operator API.
package middleware

import (
	"log/slog"
	"net/http"
)

// Option wraps a handler with one middleware.
type Option func(http.Handler) http.Handler

// Apply wraps handler so that the first option is the outermost middleware.
//
//	handler := middleware.Apply(mux,
//	    middleware.WithCorrelationID(),
//	    middleware.WithRecovery(logger),
//	    middleware.WithRateLimit(limiter, logger),
//	    middleware.WithRequestLogger(logger),
//	    middleware.WithCORS(corsConfig),
//	)
func Apply(handler http.Handler, options ...Option) http.Handler {
	for i := len(options) - 1; i >= 0; i-- {
		if options[i] != nil {
			handler = options[i](handler)
		}
	}

	return handler
}

func WithCorrelationID() Option { return CorrelationID() }

func WithRecovery(logger *slog.Logger) Option { return Recovery(logger) }

// WithRateLimit is a no-op when limiter is nil, which is how the server
// runs with rate limiting disabled.
func WithRateLimit(limiter RateLimiter, logger *slog.Logger) Option {
	if limiter == nil {
		return nil
	}

	return RateLimit(limiter, logger)
}

func WithRequestLogger(logger *slog.Logger) Option { return RequestLogger(logger) }

// WithCORS is a no-op when config is nil.
func WithCORS(config CORSConfig) Option {
	if config == nil {
		return nil
	}

	return CORS(config)
}
