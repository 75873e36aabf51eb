package models

const (
	EventConversation = "conversation"
	EventDonations    = "donations"
	EventError        = "error"
)

// SyncEvent is pushed to websocket viewers. Every event carries the full
// current state of the view, never a delta.
type SyncEvent struct {
	Type              string            `json:"type"`
	Conversation      *ConversationView `json:"conversation,omitempty"`
	Donations         []LiveDonation    `json:"donations,omitempty"`
	FreshnessWindowMS int64             `json:"freshness_window_ms,omitempty"`
	Error             string            `json:"error,omitempty"`
}
