package router

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/wolfman30/sleep-study-booking/internal/booking"
	httpmiddleware "github.com/wolfman30/sleep-study-booking/internal/http/middleware"
	"github.com/wolfman30/sleep-study-booking/pkg/logging"
)

// Config holds router configuration
type Config struct {
	Logger             *logging.Logger
	BookingHandler     *booking.Handler
	Auth               httpmiddleware.AuthConfig
	MetricsHandler     http.Handler
	CORSAllowedOrigins []string

	// Applied to referral upload and submit only (optional)
	RateLimiter *httpmiddleware.RateLimiter

	// Mounts GET/DELETE /booking/draft for inspecting a subject's draft
	EnableDebugRoutes bool
}

// New creates a new Chi router with all routes configured
func New(cfg *Config) http.Handler {
	if cfg.BookingHandler == nil {
		panic("router: booking handler required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logging.Default()
	}

	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	if len(cfg.CORSAllowedOrigins) > 0 {
		r.Use(httpmiddleware.CORS(cfg.CORSAllowedOrigins))
	}

	// Public endpoints
	r.Group(func(public chi.Router) {
		public.Get("/health", healthCheck)
		if cfg.MetricsHandler != nil {
			public.Handle("/metrics", cfg.MetricsHandler)
		}
	})

	r.Route("/booking", func(b chi.Router) {
		b.Use(httpmiddleware.Authenticate(cfg.Auth))
		b.Use(httpmiddleware.RequestLogger(logger))

		h := cfg.BookingHandler
		b.Post("/", h.Start)
		b.Get("/steps/{step}", h.GetStep)
		b.Post("/steps", h.SaveStep)

		b.Group(func(limited chi.Router) {
			if cfg.RateLimiter != nil {
				limited.Use(httpmiddleware.RateLimit(cfg.RateLimiter))
			}
			limited.Post("/referral", h.UploadReferral)
			limited.Post("/submit", h.Submit)
		})

		if cfg.EnableDebugRoutes {
			b.Get("/draft", h.GetDraft)
			b.Delete("/draft", h.ResetDraft)
		}
	})

	return r
}

func healthCheck(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}
