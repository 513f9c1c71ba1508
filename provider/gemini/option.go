package gemini

import (
	"log/slog"
	"net/http"
	"time"
)

// Option configures a Gemini provider.
type Option func(*Gemini)

// WithTemperature sets the sampling temperature (default 0.1).
func WithTemperature(t float64) Option {
	return func(g *Gemini) { g.temperature = t }
}

// WithTopP sets nucleus sampling top-p (default 0.9).
func WithTopP(p float64) Option {
	return func(g *Gemini) { g.topP = p }
}

// WithTimeout sets the HTTP client timeout (default 2 minutes).
func WithTimeout(d time.Duration) Option {
	return func(g *Gemini) { g.httpClient.Timeout = d }
}

// WithHTTPClient replaces the HTTP client entirely.
func WithHTTPClient(c *http.Client) Option {
	return func(g *Gemini) { g.httpClient = c }
}

// WithSafetyThreshold sets the harm-block threshold applied to every
// safety category (default "BLOCK_NONE"). Pass "" to omit safetySettings
// and keep the API defaults.
func WithSafetyThreshold(t string) Option {
	return func(g *Gemini) { g.safety = t }
}

// WithLogger sets a structured logger for the provider. When set, the
// provider emits warnings for dropped media and capability downgrades.
// If not set, no warnings are emitted.
func WithLogger(l *slog.Logger) Option {
	return func(g *Gemini) { g.logger = l }
}
