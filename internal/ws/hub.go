package ws

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"donation-sync/internal/models"
	"donation-sync/internal/observability"
)

const (
	KindConversation = "conversation"
	KindDonations    = "donations"
)

// Hub tracks active viewers by kind and resource. The conversation resource
// is the donation id; all donation viewers share one resource.
type Hub struct {
	rooms map[string]map[string]map[*Client]struct{}
	mu    sync.RWMutex
	log   logrus.FieldLogger
}

// NewHub creates an empty hub.
func NewHub(log logrus.FieldLogger) *Hub {
	return &Hub{
		rooms: make(map[string]map[string]map[*Client]struct{}),
		log:   log,
	}
}

// Add registers c under its kind and resource.
func (h *Hub) Add(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	byResource, ok := h.rooms[c.kind]
	if !ok {
		byResource = make(map[string]map[*Client]struct{})
		h.rooms[c.kind] = byResource
	}
	if _, ok := byResource[c.resource]; !ok {
		byResource[c.resource] = make(map[*Client]struct{})
	}
	byResource[c.resource][c] = struct{}{}
}

// Remove unregisters c and closes its send queue.
func (h *Hub) Remove(c *Client) {
	h.mu.Lock()
	if byResource, ok := h.rooms[c.kind]; ok {
		if clients, ok := byResource[c.resource]; ok {
			delete(clients, c)
			if len(clients) == 0 {
				delete(byResource, c.resource)
			}
		}
		if len(byResource) == 0 {
			delete(h.rooms, c.kind)
		}
	}
	h.mu.Unlock()
	c.close()
}

// Count returns the number of viewers of kind.
func (h *Hub) Count(kind string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	n := 0
	for _, clients := range h.rooms[kind] {
		n += len(clients)
	}
	return n
}

// Broadcast queues payload for every viewer of kind/resource without blocking.
func (h *Hub) Broadcast(kind, resource string, payload []byte) int {
	h.mu.RLock()
	clients := make([]*Client, 0, len(h.rooms[kind][resource]))
	for c := range h.rooms[kind][resource] {
		clients = append(clients, c)
	}
	h.mu.RUnlock()

	sent := 0
	for _, c := range clients {
		if c.Offer(payload) {
			sent++
		}
	}
	return sent
}

// BroadcastDonations pushes the donation feed to every map viewer.
func (h *Hub) BroadcastDonations(records []models.LiveDonation, window time.Duration) {
	payload, err := encodeEvent(models.SyncEvent{
		Type:              models.EventDonations,
		Donations:         records,
		FreshnessWindowMS: window.Milliseconds(),
	})
	if err != nil {
		h.log.WithError(err).Error("encode donations event")
		return
	}
	h.Broadcast(KindDonations, models.DonationPartition, payload)
}

func (h *Hub) publishWSEvent(c *Client, event, reason string) {
	duration := int64(0)
	if event != "ws_connect" {
		duration = time.Since(c.info.ConnectedAt).Milliseconds()
	}
	payload := map[string]interface{}{
		"ws": map[string]interface{}{
			"kind":        c.kind,
			"resource_id": c.resource,
			"event":       event,
			"conn_id":     c.info.ConnID,
			"duration_ms": duration,
			"reason":      reason,
		},
		"identity": c.info.identity(),
	}
	headers := observability.BuildHeaders(c.info.RequestID, c.info.TraceID)
	observability.PublishWSEvent(context.Background(), c.kind, event, payload, headers)
}

func (h *Hub) publishWSError(c *Client, err error) {
	h.log.WithError(err).WithFields(logrus.Fields{"kind": c.kind, "conn_id": c.info.ConnID}).Warn("websocket error")
	h.publishWSEvent(c, "ws_error", err.Error())
}

func encodeEvent(event models.SyncEvent) ([]byte, error) {
	return json.Marshal(event)
}
