package hub

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"exposehub/reservation-service/internal/models"
	"exposehub/reservation-service/internal/store"

	"github.com/google/uuid"
	"github.com/igm/sockjs-go/sockjs"
	"go.uber.org/zap"
)

const (
	closeMissingSession = 4001
	closeInvalidSession = 4002
	closeAccessDenied   = 4003
)

type ActorResolver interface {
	ResolveActor(ctx context.Context, sessionID string) (models.Actor, error)
}

type PropertyLookup interface {
	GetProperty(ctx context.Context, tenantID, propertyID string) (models.Property, error)
}

// NewHandler serves the sockjs feed under prefix. Clients authenticate with
// their session and may narrow the feed to one property of their tenant.
func NewHandler(prefix string, h *Hub, actors ActorResolver, properties PropertyLookup) http.Handler {
	return sockjs.NewHandler(prefix, sockjs.DefaultOptions, func(session sockjs.Session) {
		ctx := context.Background()
		sessionID := sessionIDFromRequest(session.Request())
		if sessionID == "" {
			_ = session.Close(closeMissingSession, "missing session")
			return
		}
		actor, err := actors.ResolveActor(ctx, sessionID)
		if err != nil {
			_ = session.Close(closeInvalidSession, "invalid session")
			return
		}

		client := &Client{ID: uuid.NewString(), Actor: actor, Send: make(chan []byte, 16)}
		h.Register(client)
		defer h.Unregister(client)
		h.logger.Debug("realtime client connected",
			zap.String("client_id", client.ID),
			zap.String("user_id", actor.UserID),
			zap.String("tenant_id", actor.TenantID),
		)

		go func() {
			for msg := range client.Send {
				_ = session.Send(string(msg))
			}
		}()

		for {
			msg, err := session.Recv()
			if err != nil {
				return
			}
			parsed, ok := ParseSubscribe([]byte(msg))
			if !ok {
				continue
			}
			if parsed.Action == "unsubscribe" || parsed.PropertyID == "" {
				h.UpdateSubscription(client, Subscription{})
				continue
			}
			if _, err := properties.GetProperty(ctx, actor.TenantID, parsed.PropertyID); err != nil {
				if !errors.Is(err, store.ErrPropertyNotFound) {
					h.logger.Warn("realtime property lookup failed", zap.Error(err))
				}
				_ = session.Close(closeAccessDenied, "access denied")
				return
			}
			h.UpdateSubscription(client, Subscription{PropertyID: parsed.PropertyID})
		}
	})
}

func sessionIDFromRequest(r *http.Request) string {
	if r == nil {
		return ""
	}
	if token := bearerToken(r.Header.Get("Authorization")); token != "" {
		return token
	}
	if sessionID := strings.TrimSpace(r.Header.Get("X-Session-ID")); sessionID != "" {
		return sessionID
	}
	return strings.TrimSpace(r.URL.Query().Get("session_id"))
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
