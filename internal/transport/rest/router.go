package rest

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"

	"github.com/baechuer/messenger-server/internal/domain"
	"github.com/baechuer/messenger-server/internal/metrics"
	"github.com/baechuer/messenger-server/internal/ratelimit"
	"github.com/baechuer/messenger-server/internal/store"
)

type RouterDeps struct {
	Handler  *Handler
	WS       *WSHandler
	Verifier AccessTokenVerifier
	Store    *store.Store

	CORSOrigins []string

	// Auth endpoint throttling. A nil limiter falls back to the
	// per-instance httprate window.
	AuthRateLimiter *ratelimit.Limiter
	AuthRateMax     int
	AuthRateWindow  time.Duration
}

func NewRouter(d RouterDeps) http.Handler {
	if d.Handler == nil {
		panic("rest.NewRouter: nil handler")
	}
	if d.WS == nil {
		panic("rest.NewRouter: nil websocket handler")
	}
	if d.Verifier == nil {
		panic("rest.NewRouter: nil verifier")
	}
	if d.Store == nil {
		panic("rest.NewRouter: nil store")
	}

	r := chi.NewRouter()

	// Request ID + structured access log
	r.Use(RequestID)
	r.Use(HTTPLogger)

	// Panic recovery
	r.Use(middleware.Recoverer)

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   d.CORSOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Request-Id"},
		ExposedHeaders:   []string{"X-Request-Id", "Retry-After"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	// Root aliases for load balancer probes and Prometheus scrapers.
	r.Get("/health", d.Handler.Health)
	r.Handle("/metrics", metrics.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Get("/health", d.Handler.Health)
		r.Handle("/metrics", metrics.Handler())

		r.Group(func(r chi.Router) {
			r.Use(authRateLimit(d))

			r.Post("/auth/register", d.Handler.Register)
			r.Post("/auth/login", d.Handler.Login)
			r.Post("/auth/refresh", d.Handler.Refresh)
			r.Post("/auth/logout", d.Handler.Logout)
		})

		r.Group(func(r chi.Router) {
			r.Use(AuthMiddleware(d.Verifier, d.Store))

			r.Get("/users/me", d.Handler.Me)
			r.Get("/users/search", d.Handler.SearchUsers)
			r.Post("/users/batch", d.Handler.BatchUsers)

			r.Get("/conversations", d.Handler.ListConversations)
			r.Post("/conversations/direct", d.Handler.CreateDirectConversation)
			r.Get("/conversations/{conversationID}/messages", d.Handler.ListMessages)
			r.Post("/conversations/{conversationID}/messages", d.Handler.SendMessage)

			r.Get("/sync/bootstrap", d.Handler.SyncBootstrap)
			r.Get("/sync/changes", d.Handler.SyncChanges)
		})

		// WS authenticates inside the session so invalid tokens close 1008
		// instead of failing the upgrade.
		r.Get("/ws", d.WS.Serve)
	})

	return r
}

// authRateLimit picks the distributed limiter when Redis is configured and
// the per-instance httprate window otherwise. Both emit envelope-shaped 429s.
func authRateLimit(d RouterDeps) func(http.Handler) http.Handler {
	if d.AuthRateMax <= 0 {
		return func(next http.Handler) http.Handler { return next }
	}
	window := d.AuthRateWindow
	if window <= 0 {
		window = time.Minute
	}
	if d.AuthRateLimiter != nil {
		return AuthRateLimit(d.AuthRateLimiter, d.AuthRateMax, window)
	}
	return httprate.Limit(
		d.AuthRateMax,
		window,
		httprate.WithKeyFuncs(httprate.KeyByIP),
		httprate.WithLimitHandler(func(w http.ResponseWriter, r *http.Request) {
			handleErr(w, r, domain.ErrRateLimited())
		}),
	)
}
