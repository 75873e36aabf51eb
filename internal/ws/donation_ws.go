package ws

import (
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

// DonationWebSocketHandler streams the shared live donation set to map viewers.
type DonationWebSocketHandler struct {
	hub   *Hub
	set   *realtime.LiveDonationSet
	fresh *realtime.FreshnessTracker
	log   logrus.FieldLogger
}

// NewDonationWebSocketHandler wires set changes to every donation viewer.
func NewDonationWebSocketHandler(hub *Hub, set *realtime.LiveDonationSet, fresh *realtime.FreshnessTracker, log logrus.FieldLogger) *DonationWebSocketHandler {
	h := &DonationWebSocketHandler{hub: hub, set: set, fresh: fresh, log: log}
	set.OnChange(h.broadcast)
	return h
}

// Handle upgrades the connection and sends the current set right away.
func (h *DonationWebSocketHandler) Handle(c *gin.Context) {
	ctx, span := otel.Tracer("donation-sync/ws").Start(c.Request.Context(), "ws.handshake")
	defer span.End()
	span.SetAttributes(attribute.String("kind", KindDonations))

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		return
	}
	info := ConnInfo{
		ConnID:      newConnID(),
		UserID:      middleware.UserID(c),
		IP:          observability.IPFromRequest(c.Request),
		RequestID:   c.GetString(middleware.RequestIDKey),
		TraceID:     observability.TraceID(ctx),
		ConnectedAt: time.Now(),
	}
	client := newClient(conn, KindDonations, models.DonationPartition, info)

	payload, err := encodeEvent(h.event(h.set.Live()))
	if err != nil {
		h.log.WithError(err).Error("encode donations event")
		_ = conn.Close()
		return
	}
	client.Offer(payload)
	h.hub.serve(client, nil)
}

// broadcast runs with the set locked, so it reads freshness from the tracker
// rather than through the set.
func (h *DonationWebSocketHandler) broadcast(records []models.Donation) {
	h.hub.BroadcastDonations(withFreshness(records, h.fresh), h.window())
}

func (h *DonationWebSocketHandler) event(records []models.LiveDonation) models.SyncEvent {
	return models.SyncEvent{Type: models.EventDonations, Donations: records, FreshnessWindowMS: h.window().Milliseconds()}
}

func (h *DonationWebSocketHandler) window() time.Duration {
	if h.fresh == nil {
		return 0
	}
	return h.fresh.Window()
}

func withFreshness(records []models.Donation, fresh *realtime.FreshnessTracker) []models.LiveDonation {
	out := make([]models.LiveDonation, 0, len(records))
	for _, d := range records {
		out = append(out, models.LiveDonation{Donation: d, Fresh: fresh != nil && fresh.IsFresh(d.ID)})
	}
	return out
}
