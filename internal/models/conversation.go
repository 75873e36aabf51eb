package models

import "time"

// ConversationKey identifies the conversation between two users about one donation.
type ConversationKey struct {
	DonationID string `json:"donation_id"`
	UserA      string `json:"user_a"`
	UserB      string `json:"user_b"`
}

// NewConversationKey builds a key for the local user and the counterpart.
func NewConversationKey(donationID, localUserID, otherUserID string) ConversationKey {
	return ConversationKey{DonationID: donationID, UserA: localUserID, UserB: otherUserID}
}

// Matches reports whether msg belongs to this conversation, in either direction.
func (k ConversationKey) Matches(msg Message) bool {
	if msg.DonationID != k.DonationID {
		return false
	}
	return (msg.SenderID == k.UserA && msg.ReceiverID == k.UserB) ||
		(msg.SenderID == k.UserB && msg.ReceiverID == k.UserA)
}

// Counterpart returns the other participant relative to userID.
func (k ConversationKey) Counterpart(userID string) string {
	if userID == k.UserA {
		return k.UserB
	}
	return k.UserA
}

// Partition is the change stream partition carrying this conversation's messages.
// It is shared by every conversation about the same donation.
func (k ConversationKey) Partition() string {
	return MessagePartition(k.DonationID)
}

// MessagePartition returns the partition for all messages of a donation.
func MessagePartition(donationID string) string {
	return "messages:" + donationID
}

// ConversationView is what a chat screen renders.
type ConversationView struct {
	Key      ConversationKey `json:"conversation"`
	Messages []Message       `json:"messages"`
	Loading  bool            `json:"loading"`
}

// ConversationSummary is one row of a user's inbox: the latest message of a
// conversation and how many received messages are still unread.
type ConversationSummary struct {
	DonationID    string    `db:"donation_id" json:"donation_id"`
	CounterpartID string    `db:"counterpart_id" json:"counterpart_id"`
	LastContent   string    `db:"last_content" json:"last_content"`
	LastSenderID  string    `db:"last_sender_id" json:"last_sender_id"`
	LastAt        time.Time `db:"last_at" json:"last_at"`
	Unread        int       `db:"unread" json:"unread"`
}
