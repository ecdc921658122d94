package middleware

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/rs/zerolog"
	"golang.org/x/crypto/bcrypt"

	"github.com/eldtechnologies/ridewire/internal/metrics"
	"github.com/eldtechnologies/ridewire/internal/models"
)

type contextKey string

const IdentityContextKey contextKey = "identity"

// AdminKeyIdentity is the principal attached to requests authenticated by
// X-Admin-Key.
var AdminKeyIdentity = models.Identity{ID: "admin-key", Kind: models.KindOperator}

// Verifier turns a bearer credential into an identity.
type Verifier interface {
	Verify(token string) (models.Identity, error)
}

// AuthMiddleware authenticates admin routes with an operator bearer token
// or the shared admin key.
type AuthMiddleware struct {
	verifier     Verifier
	adminKeyHash []byte
	logger       zerolog.Logger
}

// NewAuthMiddleware creates a new auth middleware. An empty adminKeyHash
// disables X-Admin-Key.
func NewAuthMiddleware(verifier Verifier, adminKeyHash string, logger zerolog.Logger) *AuthMiddleware {
	m := &AuthMiddleware{verifier: verifier, logger: logger}
	if adminKeyHash != "" {
		m.adminKeyHash = []byte(adminKeyHash)
	}
	return m
}

// RequireAuth resolves the caller identity and stores it in the request
// context.
func (m *AuthMiddleware) RequireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		identity, reason := m.authenticate(r)
		if reason != "" {
			metrics.HandshakesRejected.WithLabelValues("admin_" + reason).Inc()
			m.logger.Warn().
				Str("type", "security").
				Str("event", "admin_auth_failed").
				Str("reason", reason).
				Str("ip", RealIP(r)).
				Str("endpoint", r.URL.Path).
				Msg("admin authentication failed")
			jsonError(w, http.StatusUnauthorized, strings.ReplaceAll(reason, "_", " "))
			return
		}

		ctx := context.WithValue(r.Context(), IdentityContextKey, identity)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (m *AuthMiddleware) authenticate(r *http.Request) (models.Identity, string) {
	if key := r.Header.Get("X-Admin-Key"); key != "" {
		if m.adminKeyHash == nil {
			return models.Identity{}, "admin_key_disabled"
		}
		if bcrypt.CompareHashAndPassword(m.adminKeyHash, []byte(key)) != nil {
			return models.Identity{}, "invalid_credential"
		}
		return AdminKeyIdentity, ""
	}

	auth := r.Header.Get("Authorization")
	scheme, token, ok := strings.Cut(auth, " ")
	if auth == "" || !ok || !strings.EqualFold(scheme, "Bearer") {
		return models.Identity{}, "missing_credential"
	}
	identity, err := m.verifier.Verify(strings.TrimSpace(token))
	if err != nil {
		return models.Identity{}, "invalid_credential"
	}
	return identity, ""
}

// RequirePermission rejects callers lacking perm. Operators hold every
// permission; an empty perm admits operators only.
func RequirePermission(perm string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			identity, ok := GetIdentityFromContext(r.Context())
			if !ok {
				jsonError(w, http.StatusUnauthorized, "authentication required")
				return
			}
			allowed := identity.Kind == models.KindOperator
			if !allowed && perm != "" {
				allowed = identity.Can(perm)
			}
			if !allowed {
				jsonError(w, http.StatusForbidden, "insufficient permissions")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func jsonError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}

// GetIdentityFromContext retrieves the authenticated identity from the request context.
func GetIdentityFromContext(ctx context.Context) (models.Identity, bool) {
	identity, ok := ctx.Value(IdentityContextKey).(models.Identity)
	return identity, ok
}
