package httpserver

import (
	"context"
	"net/http"
	"strings"

	"github.com/vedfolnir/vedfolnir/internal/domain"
)

// userIDHeader carries the authenticated user id established by the fronting
// proxy. The server trusts the header but still verifies the user row exists
// and is active.
const userIDHeader = "X-Vedfolnir-User-Id"

type identityKey struct{}

// CurrentUser returns the authenticated user bound by the Identity middleware.
func CurrentUser(ctx context.Context) (domain.User, bool) {
	u, ok := ctx.Value(identityKey{}).(domain.User)
	return u, ok
}

// WithUser binds a user to the context the way Identity does. Callers outside
// the request path (tests, background jobs acting for a user) use this.
func WithUser(ctx context.Context, u domain.User) context.Context {
	return context.WithValue(ctx, identityKey{}, u)
}

// Identity resolves the caller from the user id header and loads the user row.
// Missing or unknown users are rejected with 401; deactivated accounts with 403.
func Identity(users domain.UserRepository) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			userID := strings.TrimSpace(r.Header.Get(userIDHeader))
			if userID == "" {
				writeError(w, r, domain.ErrUnauthorized, nil)
				return
			}
			u, err := users.Get(r.Context(), userID)
			if err != nil {
				writeError(w, r, domain.ErrUnauthorized, nil)
				return
			}
			if !u.IsActive {
				writeError(w, r, domain.ErrForbidden, nil)
				return
			}
			next.ServeHTTP(w, r.WithContext(WithUser(r.Context(), u)))
		})
	}
}

// RequireAdmin guards routes behind the admin role. It assumes Identity ran
// earlier in the chain.
func RequireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		u, ok := CurrentUser(r.Context())
		if !ok {
			writeError(w, r, domain.ErrUnauthorized, nil)
			return
		}
		if u.Role != domain.RoleAdmin {
			writeError(w, r, domain.ErrForbidden, nil)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// RequireReviewer guards review routes: reviewers, moderators and admins may
// act on the queue, viewers may not.
func RequireReviewer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		u, ok := CurrentUser(r.Context())
		if !ok {
			writeError(w, r, domain.ErrUnauthorized, nil)
			return
		}
		switch u.Role {
		case domain.RoleAdmin, domain.RoleModerator, domain.RoleReviewer:
			next.ServeHTTP(w, r)
		default:
			writeError(w, r, domain.ErrForbidden, nil)
		}
	})
}
