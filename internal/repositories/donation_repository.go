package repositories

import (
	"context"
	"database/sql"
	"errors"

	"github.com/jmoiron/sqlx"

	"donation-sync/internal/models"
)

var ErrDonationNotFound = errors.New("donation not found")

const donationColumns = `id, donor_id, title, description, category, status, lat, lng, created_at`

// NewDonation is the payload of a donation insert.
type NewDonation struct {
	DonorID     string
	Title       string
	Description string
	Category    string
	Lat         *float64
	Lng         *float64
}

// DonationRepository abstracts donation persistence.
type DonationRepository interface {
	ListAvailable(ctx context.Context, limit int) ([]models.Donation, error)
	GetDonation(ctx context.Context, id string) (models.Donation, error)
	CreateDonation(ctx context.Context, in NewDonation) (models.Donation, error)
	UpdateStatus(ctx context.Context, id string, status string) error
}

// DonationRepo is a sqlx implementation of DonationRepository.
type DonationRepo struct {
	db *sqlx.DB
}

// NewDonationRepo constructs a DonationRepo.
func NewDonationRepo(db *sqlx.DB) *DonationRepo {
	return &DonationRepo{db: db}
}

// ListAvailable returns available donations that have coordinates.
func (r *DonationRepo) ListAvailable(ctx context.Context, limit int) ([]models.Donation, error) {
	query := `SELECT ` + donationColumns + ` FROM donations
        WHERE status=$1 AND lat IS NOT NULL AND lng IS NOT NULL
        ORDER BY created_at DESC
        LIMIT $2`
	donations := []models.Donation{}
	err := r.db.SelectContext(ctx, &donations, query, models.StatusAvailable, limit)
	return donations, err
}

// GetDonation fetches a donation by id.
func (r *DonationRepo) GetDonation(ctx context.Context, id string) (models.Donation, error) {
	var d models.Donation
	err := r.db.GetContext(ctx, &d, `SELECT `+donationColumns+` FROM donations WHERE id=$1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Donation{}, ErrDonationNotFound
	}
	return d, err
}

// CreateDonation publishes a new available donation.
func (r *DonationRepo) CreateDonation(ctx context.Context, in NewDonation) (models.Donation, error) {
	var d models.Donation
	err := r.db.QueryRowxContext(ctx, `INSERT INTO donations (donor_id, title, description, category, status, lat, lng)
        VALUES ($1, $2, $3, $4, $5, $6, $7) RETURNING `+donationColumns,
		in.DonorID, in.Title, in.Description, in.Category, models.StatusAvailable, in.Lat, in.Lng).StructScan(&d)
	return d, err
}

// UpdateStatus moves a donation to another status, e.g. reserved.
func (r *DonationRepo) UpdateStatus(ctx context.Context, id string, status string) error {
	res, err := r.db.ExecContext(ctx, `UPDATE donations SET status=$2 WHERE id=$1`, id, status)
	if err != nil {
		return err
	}
	count, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if count == 0 {
		return ErrDonationNotFound
	}
	return nil
}
