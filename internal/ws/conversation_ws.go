package ws

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"donation-sync/internal/middleware"
	"donation-sync/internal/models"
	"donation-sync/internal/observability"
	"donation-sync/internal/realtime"
)

const defaultOpenTimeout = 15 * time.Second

// ConversationWebSocketHandler streams one conversation view per socket.
type ConversationWebSocketHandler struct {
	hub         *Hub
	source      realtime.ConversationSource
	bus         realtime.ChangeSubscriber
	log         logrus.FieldLogger
	openTimeout time.Duration
}

// NewConversationWebSocketHandler constructs a ConversationWebSocketHandler.
func NewConversationWebSocketHandler(hub *Hub, source realtime.ConversationSource, bus realtime.ChangeSubscriber, log logrus.FieldLogger) *ConversationWebSocketHandler {
	return &ConversationWebSocketHandler{hub: hub, source: source, bus: bus, log: log, openTimeout: defaultOpenTimeout}
}

// Handle upgrades the connection and keeps a ConversationStore alive for as
// long as the socket is open. Every change is pushed as the full view.
func (h *ConversationWebSocketHandler) Handle(c *gin.Context) {
	donationID := c.Param("donation_id")
	other := c.Param("user_id")
	me := middleware.UserID(c)
	if donationID == "" || other == "" || other == me {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid conversation"})
		return
	}

	ctx, span := otel.Tracer("donation-sync/ws").Start(c.Request.Context(), "ws.handshake")
	defer span.End()
	span.SetAttributes(attribute.String("kind", KindConversation), attribute.String("donation_id", donationID))

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		return
	}
	info := ConnInfo{
		ConnID:      newConnID(),
		UserID:      me,
		IP:          observability.IPFromRequest(c.Request),
		RequestID:   c.GetString(middleware.RequestIDKey),
		TraceID:     observability.TraceID(ctx),
		ConnectedAt: time.Now(),
	}
	client := newClient(conn, KindConversation, donationID, info)
	log := h.log.WithField("conn_id", info.ConnID)

	key := models.NewConversationKey(donationID, me, other)
	store := realtime.NewConversationStore(key, h.source, h.bus, log)
	store.OnChange(func(view models.ConversationView) {
		h.push(client, view, log)
	})
	h.push(client, store.View(), log)

	openCtx, cancel := context.WithTimeout(context.Background(), h.openTimeout)
	h.hub.serve(client, func() {
		cancel()
		store.Close()
	})

	go func() {
		defer cancel()
		if err := store.Open(openCtx); err != nil {
			log.WithError(err).Warn("conversation open failed")
			if payload, encErr := encodeEvent(models.SyncEvent{Type: models.EventError, Error: err.Error()}); encErr == nil {
				client.Offer(payload)
			}
		}
	}()
}

func (h *ConversationWebSocketHandler) push(client *Client, view models.ConversationView, log logrus.FieldLogger) {
	payload, err := encodeEvent(models.SyncEvent{Type: models.EventConversation, Conversation: &view})
	if err != nil {
		log.WithError(err).Error("encode conversation event")
		return
	}
	client.Offer(payload)
}
