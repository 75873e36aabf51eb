package repositories

import (
	"context"
	"errors"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"donation-sync/internal/models"
)

var ErrMessageNotFound = errors.New("message not found")

const messageColumns = `id, sender_id, receiver_id, donation_id, content, photo_url, location_lat, location_lng, location_name, read, created_at`

// NewMessage is the payload of a message insert.
type NewMessage struct {
	SenderID   string
	ReceiverID string
	DonationID string
	Content    string
	PhotoURL   *string
	Location   *models.Location
}

// MessageRepository defines interactions for conversation messages.
type MessageRepository interface {
	ListConversation(ctx context.Context, key models.ConversationKey) ([]models.Message, error)
	CreateMessage(ctx context.Context, msg NewMessage) (models.Message, error)
	MarkRead(ctx context.Context, ids []string) error
	ListInbox(ctx context.Context, userID string) ([]models.ConversationSummary, error)
}

// MessageRepo is a sqlx-backed repository.
type MessageRepo struct {
	db *sqlx.DB
}

// NewMessageRepo constructs MessageRepo.
func NewMessageRepo(db *sqlx.DB) *MessageRepo {
	return &MessageRepo{db: db}
}

// ListConversation returns the messages exchanged by the key's two users about
// its donation, oldest first.
func (r *MessageRepo) ListConversation(ctx context.Context, key models.ConversationKey) ([]models.Message, error) {
	query := `SELECT ` + messageColumns + `
        FROM messages
        WHERE donation_id=$1
        AND ((sender_id=$2 AND receiver_id=$3) OR (sender_id=$3 AND receiver_id=$2))
        ORDER BY created_at ASC, id ASC`
	msgs := []models.Message{}
	err := r.db.SelectContext(ctx, &msgs, query, key.DonationID, key.UserA, key.UserB)
	return msgs, err
}

// CreateMessage stores a message. The row reaches subscribers through the
// messages notify trigger.
func (r *MessageRepo) CreateMessage(ctx context.Context, in NewMessage) (models.Message, error) {
	var lat, lng *float64
	var name *string
	if in.Location != nil {
		lat, lng = &in.Location.Lat, &in.Location.Lng
		if in.Location.Name != "" {
			name = &in.Location.Name
		}
	}

	var msg models.Message
	err := r.db.QueryRowxContext(ctx, `INSERT INTO messages (sender_id, receiver_id, donation_id, content, photo_url, location_lat, location_lng, location_name, read)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8, FALSE) RETURNING `+messageColumns,
		in.SenderID, in.ReceiverID, in.DonationID, in.Content, in.PhotoURL, lat, lng, name).StructScan(&msg)
	return msg, err
}

// MarkRead flags the given messages as read.
func (r *MessageRepo) MarkRead(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := r.db.ExecContext(ctx, `UPDATE messages SET read = TRUE WHERE id = ANY($1::uuid[]) AND read = FALSE`, pq.Array(ids))
	return err
}

// ListInbox returns one summary per conversation userID takes part in, most
// recent activity first.
func (r *MessageRepo) ListInbox(ctx context.Context, userID string) ([]models.ConversationSummary, error) {
	query := `WITH mine AS (
            SELECT id, donation_id, sender_id, receiver_id, content, read, created_at,
                CASE WHEN sender_id=$1 THEN receiver_id ELSE sender_id END AS counterpart_id
            FROM messages
            WHERE sender_id=$1 OR receiver_id=$1
        ), latest AS (
            SELECT DISTINCT ON (donation_id, counterpart_id)
                donation_id, counterpart_id, content, sender_id, created_at
            FROM mine
            ORDER BY donation_id, counterpart_id, created_at DESC, id DESC
        )
        SELECT l.donation_id, l.counterpart_id, l.content AS last_content, l.sender_id AS last_sender_id,
            l.created_at AS last_at,
            (SELECT COUNT(*) FROM mine u
                WHERE u.donation_id=l.donation_id AND u.counterpart_id=l.counterpart_id
                AND u.receiver_id=$1 AND NOT u.read) AS unread
        FROM latest l
        ORDER BY l.created_at DESC`
	inbox := []models.ConversationSummary{}
	err := r.db.SelectContext(ctx, &inbox, query, userID)
	return inbox, err
}
