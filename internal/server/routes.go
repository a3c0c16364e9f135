package server

import (
	"log/slog"
	"net/http"
)

// Config contains server configuration options.
type Config struct {
	// AllowedOrigins is the list of allowed CORS origins.
	AllowedOrigins []string
	// RateLimitRPS is the per-user request rate. Zero disables limiting.
	RateLimitRPS float64
	// RateLimitBurst is the per-user burst size.
	RateLimitBurst int
	// Metrics, when set, is served at GET /metrics.
	Metrics http.Handler
}

// DefaultConfig returns a Config with default values.
func DefaultConfig() Config {
	return Config{
		AllowedOrigins: []string{"*"},
		RateLimitRPS:   5,
		RateLimitBurst: 10,
	}
}

// NewRouter creates a new HTTP router with all routes configured.
func NewRouter(h *Handlers, logger *slog.Logger, cfg Config) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", h.Health)
	if cfg.Metrics != nil {
		mux.Handle("GET /metrics", cfg.Metrics)
	}
	mux.HandleFunc("GET /media/{key...}", h.Media)
	mux.HandleFunc("GET /api/v1/admin/stats", h.AdminStats)

	api := []func(http.Handler) http.Handler{AuthMiddleware(h.keys)}
	if cfg.RateLimitRPS > 0 {
		api = append(api, NewRateLimiter(cfg.RateLimitRPS, max(1, cfg.RateLimitBurst)).Middleware)
	}
	protected := ChainMiddleware(api...)

	mux.Handle("POST /api/v1/generate", protected(http.HandlerFunc(h.Generate)))
	mux.Handle("GET /api/v1/status/{job_id}", protected(http.HandlerFunc(h.GetStatus)))
	mux.Handle("POST /api/v1/cancel/{job_id}", protected(http.HandlerFunc(h.Cancel)))
	mux.Handle("GET /api/v1/history", protected(http.HandlerFunc(h.History)))
	mux.Handle("GET /api/v1/usage", protected(http.HandlerFunc(h.Usage)))
	mux.Handle("POST /api/v1/prompt-check", protected(http.HandlerFunc(h.PromptCheck)))
	mux.Handle("GET /api/v1/models", protected(http.HandlerFunc(h.Models)))

	chain := ChainMiddleware(
		RecoveryMiddleware(logger),
		RequestIDMiddleware,
		LoggingMiddleware(logger),
		CORSMiddleware(cfg.AllowedOrigins),
	)

	return chain(mux)
}
