package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/eldtechnologies/roomsync/internal/api/middleware"
	"github.com/eldtechnologies/roomsync/internal/handlers"
	"github.com/eldtechnologies/roomsync/internal/realtime"
)

// jsonBodyLimit caps non-upload request bodies.
const jsonBodyLimit = 64 * 1024

// Options holds everything the router mounts.
type Options struct {
	Handler  *handlers.Handler
	Hub      *realtime.Hub
	Resolver middleware.TokenResolver

	// Redis backs the rate limiter. Nil disables rate limiting.
	Redis     *redis.Client
	RateLimit middleware.RateLimiterConfig

	FrontendURLs   []string
	UploadDir      string // served under /uploads/ when set
	MaxUploadBytes int64
}

// NewRouter creates and configures the HTTP router.
func NewRouter(logger zerolog.Logger, opts Options) *chi.Mux {
	r := chi.NewRouter()

	// Metrics middleware (first to capture all requests)
	r.Use(middleware.Metrics)

	// Security middleware (order matters!)
	r.Use(middleware.SecurityHeaders)
	r.Use(bodyLimit(opts.MaxUploadBytes))
	r.Use(middleware.ValidateRequest)

	// Standard middleware
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(middleware.Logger(logger))
	r.Use(chimw.Recoverer)

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   opts.FrontendURLs,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		ExposedHeaders:   []string{"X-RateLimit-Limit", "X-RateLimit-Remaining", "X-RateLimit-Reset", "Retry-After"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	h := opts.Handler
	auth := middleware.NewAuthMiddleware(opts.Resolver)
	limiter := middleware.NewRateLimiter(opts.Redis, logger, opts.RateLimit)

	// Metrics endpoint (for Prometheus scraping)
	r.Handle("/metrics", promhttp.Handler())

	r.Get("/", h.Root)
	r.Get("/health", h.Health)

	if opts.UploadDir != "" {
		r.Handle("/uploads/*", http.StripPrefix("/uploads/", http.FileServer(http.Dir(opts.UploadDir))))
	}

	// The socket authenticates in-band with the authenticate event.
	if opts.Hub != nil {
		r.With(limiter.Middleware).Get("/ws", opts.Hub.ServeHTTP)
	}

	r.Route("/api", func(r chi.Router) {
		r.Get("/", h.Root)
		r.Get("/stats", h.Stats)
		r.Get("/who/{id}", h.Who)
		r.Get("/online", h.Online)

		r.Group(func(r chi.Router) {
			r.Use(auth.RequireAuth)
			r.Use(limiter.Middleware)

			r.Get("/rooms", h.ListRooms)
			r.Post("/rooms", h.CreateRoom)
			r.Put("/rooms/{id}", h.RenameRoom)
			r.Delete("/rooms/{id}", h.DeleteRoom)

			r.Get("/messages/{roomId}", h.GetRoomMessages)
			r.Put("/messages/{id}", h.EditMessage)
			r.Delete("/messages/{id}", h.DeleteMessage)

			r.Post("/upload", h.Upload)
		})
	})

	return r
}

// bodyLimit applies the JSON limit everywhere except the upload route,
// which is bounded by the upload size.
func bodyLimit(maxUpload int64) func(http.Handler) http.Handler {
	if maxUpload <= 0 {
		maxUpload = jsonBodyLimit
	}
	jsonLimit := middleware.MaxBodySize(jsonBodyLimit)
	uploadLimit := middleware.MaxBodySize(maxUpload + 1<<20)
	return func(next http.Handler) http.Handler {
		small, large := jsonLimit(next), uploadLimit(next)
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.URL.Path == "/api/upload" {
				large.ServeHTTP(w, r)
				return
			}
			small.ServeHTTP(w, r)
		})
	}
}
