package models

import "time"

// StatusAvailable is the only donation status shown on the map and feed.
const StatusAvailable = "available"

// DonationPartition carries every donation change.
const DonationPartition = "donations"

// Donation is a published donation record.
type Donation struct {
	ID          string    `db:"id" json:"id"`
	DonorID     string    `db:"donor_id" json:"donor_id"`
	Title       string    `db:"title" json:"title"`
	Description string    `db:"description" json:"description"`
	Category    string    `db:"category" json:"category"`
	Status      string    `db:"status" json:"status"`
	Lat         *float64  `db:"lat" json:"lat"`
	Lng         *float64  `db:"lng" json:"lng"`
	CreatedAt   time.Time `db:"created_at" json:"created_at"`
}

// Available reports whether the donation belongs on the map.
func (d Donation) Available() bool {
	return d.Status == StatusAvailable && d.Lat != nil && d.Lng != nil
}

// LiveDonation is a donation with its transient highlight flag.
type LiveDonation struct {
	Donation
	Fresh bool `json:"fresh"`
}
