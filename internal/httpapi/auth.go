package httpapi

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"exposehub/reservation-service/internal/logging"
	"exposehub/reservation-service/internal/models"
	"exposehub/reservation-service/internal/store"

	"go.uber.org/zap"
)

type authContextKey struct{}

// SessionResolver turns a session id into the acting user. Location managers
// carry the ids of the team they manage.
type SessionResolver struct {
	sessions store.SessionStore
}

func NewSessionResolver(sessions store.SessionStore) *SessionResolver {
	return &SessionResolver{sessions: sessions}
}

func (s *SessionResolver) ResolveActor(ctx context.Context, sessionID string) (models.Actor, error) {
	session, err := s.sessions.GetSession(ctx, sessionID)
	if err != nil {
		return models.Actor{}, err
	}
	if !session.Role.Valid() {
		return models.Actor{}, store.ErrSessionNotFound
	}
	actor := models.Actor{UserID: session.UserID, TenantID: session.TenantID, Role: session.Role}
	if session.Role == models.RoleLocationManager {
		members, err := s.sessions.ListTeamMembers(ctx, session.TenantID, session.UserID)
		if err != nil {
			return models.Actor{}, err
		}
		actor.TeamMemberIDs = members
	}
	return actor, nil
}

type ActorResolver interface {
	ResolveActor(ctx context.Context, sessionID string) (models.Actor, error)
}

func AuthMiddleware(resolver ActorResolver, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if isPublicEndpoint(r) {
			next.ServeHTTP(w, r)
			return
		}
		sessionID := sessionIDFromRequest(r)
		if sessionID == "" {
			writeError(w, requestIDFromRequest(r), http.StatusUnauthorized, "unauthorized", "missing session")
			return
		}
		actor, err := resolver.ResolveActor(r.Context(), sessionID)
		if err != nil {
			if errors.Is(err, store.ErrSessionNotFound) {
				writeError(w, requestIDFromRequest(r), http.StatusUnauthorized, "unauthorized", "invalid session")
				return
			}
			logging.FromContext(r.Context()).Error("session lookup failed", zap.Error(err))
			writeError(w, requestIDFromRequest(r), http.StatusInternalServerError, "internal_error", "internal server error")
			return
		}

		logger := logging.FromContext(r.Context()).With(
			zap.String("user_id", actor.UserID),
			zap.String("tenant_id", actor.TenantID),
		)
		ctx := context.WithValue(r.Context(), authContextKey{}, actor)
		ctx = logging.WithContext(ctx, logger)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func actorFromContext(ctx context.Context) (models.Actor, bool) {
	actor, ok := ctx.Value(authContextKey{}).(models.Actor)
	return actor, ok
}

func requireActor(w http.ResponseWriter, r *http.Request) (models.Actor, bool) {
	actor, ok := actorFromContext(r.Context())
	if !ok {
		writeError(w, requestIDFromRequest(r), http.StatusUnauthorized, "unauthorized", "missing session")
		return models.Actor{}, false
	}
	return actor, true
}

func sessionIDFromRequest(r *http.Request) string {
	if token := bearerToken(r.Header.Get("Authorization")); token != "" {
		return token
	}
	return strings.TrimSpace(r.Header.Get("X-Session-ID"))
}

func requestIDFromRequest(r *http.Request) string {
	return strings.TrimSpace(r.Header.Get("X-Request-ID"))
}

func bearerToken(header string) string {
	if header == "" {
		return ""
	}
	parts := strings.Fields(header)
	if len(parts) != 2 {
		return ""
	}
	if strings.ToLower(parts[0]) != "bearer" {
		return ""
	}
	return parts[1]
}

func isPublicEndpoint(r *http.Request) bool {
	switch r.URL.Path {
	case "/healthz", "/metrics":
		return true
	}
	if strings.HasPrefix(r.URL.Path, "/realtime/") {
		return true
	}
	return r.Method == http.MethodOptions
}
