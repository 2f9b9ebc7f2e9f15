package rest

import (
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/baechuer/messenger-server/internal/domain"
	"github.com/baechuer/messenger-server/internal/logger"
	"github.com/baechuer/messenger-server/internal/ratelimit"
	"github.com/baechuer/messenger-server/internal/store"
)

// AccessTokenVerifier resolves a bearer token to a user id.
// *security.TokenIssuer satisfies it.
type AccessTokenVerifier interface {
	VerifyAccessToken(token string) (string, error)
}

// AuthMiddleware requires a valid access token whose subject still exists.
// Deleted accounts are rejected even while their tokens are unexpired.
func AuthMiddleware(verifier AccessTokenVerifier, st *store.Store) func(next http.Handler) http.Handler {
	if verifier == nil {
		panic("rest.AuthMiddleware: nil verifier")
	}
	if st == nil {
		panic("rest.AuthMiddleware: nil store")
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			raw := bearerToken(r)
			if raw == "" {
				handleErr(w, r, domain.ErrInvalidToken("Missing bearer token"))
				return
			}

			userID, err := verifier.VerifyAccessToken(raw)
			if err != nil {
				handleErr(w, r, err)
				return
			}

			u, err := st.GetUserByID(r.Context(), userID)
			if err != nil {
				if domain.Is(err, "user_not_found") {
					handleErr(w, r, domain.ErrInvalidToken("User no longer exists"))
					return
				}
				handleErr(w, r, err)
				return
			}

			next.ServeHTTP(w, r.WithContext(withAuth(r.Context(), u.ID)))
		})
	}
}

// bearerToken extracts the token from "Authorization: Bearer <token>".
func bearerToken(r *http.Request) string {
	h := strings.TrimSpace(r.Header.Get("Authorization"))
	if h == "" {
		return ""
	}
	parts := strings.SplitN(h, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}

// AuthRateLimit throttles the auth endpoints per client IP through the shared
// Redis window, so the budget holds across instances. Redis errors fail open.
func AuthRateLimit(limiter *ratelimit.Limiter, max int, window time.Duration) func(next http.Handler) http.Handler {
	if limiter == nil {
		panic("rest.AuthRateLimit: nil limiter")
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := "rl:auth:" + clientIP(r)
			d, err := limiter.Allow(r.Context(), key, max, window)
			if err != nil {
				logger.Logger.Warn().
					Str("component", "http").
					Err(err).
					Msg("rate limit check failed, allowing request")
				next.ServeHTTP(w, r)
				return
			}
			if !d.Allowed {
				w.Header().Set("Retry-After", fmt.Sprintf("%d", int(d.RetryAfter.Seconds()+0.999)))
				w.Header().Set("X-RateLimit-Limit", fmt.Sprintf("%d", d.Limit))
				w.Header().Set("X-RateLimit-Remaining", fmt.Sprintf("%d", d.Remaining))
				handleErr(w, r, domain.ErrRateLimited())
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// clientIP keeps it simple: RemoteAddr host part. Trusting X-Forwarded-For
// blindly would let clients pick their own rate-limit bucket.
func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(strings.TrimSpace(r.RemoteAddr))
	if err == nil && host != "" {
		return host
	}
	return r.RemoteAddr
}
