package models

import (
	"strings"
	"time"
)

// Location is a place attached to a message.
type Location struct {
	Lat  float64 `json:"lat"`
	Lng  float64 `json:"lng"`
	Name string  `json:"name,omitempty"`
}

// Message represents a chat message about a donation between two users.
type Message struct {
	ID           string    `db:"id" json:"id"`
	SenderID     string    `db:"sender_id" json:"sender_id"`
	ReceiverID   string    `db:"receiver_id" json:"receiver_id"`
	DonationID   string    `db:"donation_id" json:"donation_id"`
	Content      string    `db:"content" json:"content"`
	PhotoURL     *string   `db:"photo_url" json:"photo_url,omitempty"`
	LocationLat  *float64  `db:"location_lat" json:"location_lat,omitempty"`
	LocationLng  *float64  `db:"location_lng" json:"location_lng,omitempty"`
	LocationName *string   `db:"location_name" json:"location_name,omitempty"`
	Read         bool      `db:"read" json:"read"`
	CreatedAt    time.Time `db:"created_at" json:"created_at"`
}

// Location returns the attached location, if both coordinates are set.
func (m Message) Location() *Location {
	if m.LocationLat == nil || m.LocationLng == nil {
		return nil
	}
	loc := &Location{Lat: *m.LocationLat, Lng: *m.LocationLng}
	if m.LocationName != nil {
		loc.Name = *m.LocationName
	}
	return loc
}

// HasPhoto reports whether a photo reference is attached.
func (m Message) HasPhoto() bool {
	return m.PhotoURL != nil && *m.PhotoURL != ""
}

// Meaningful reports whether the message carries text, a photo or a location.
func (m Message) Meaningful() bool {
	return strings.TrimSpace(m.Content) != "" || m.HasPhoto() || m.Location() != nil
}

// MessageLess orders messages by creation time, ties broken by id.
func MessageLess(a, b Message) bool {
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return a.ID < b.ID
}
