package realtime

import (
	"context"
	"fmt"
	"io"
	"mime"
	"path"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"donation-sync/internal/models"
	"donation-sync/internal/observability"
	"donation-sync/internal/repositories"
	"donation-sync/internal/storage"
	"donation-sync/internal/telemetry"
)

// DefaultPhotoPrefix is the object key prefix of chat photos.
const DefaultPhotoPrefix = "chat-photos"

// MessageWriter inserts message records.
type MessageWriter interface {
	CreateMessage(ctx context.Context, msg repositories.NewMessage) (models.Message, error)
}

// PhotoAttachment is a photo to upload with a message.
type PhotoAttachment struct {
	Filename    string
	ContentType string
	Size        int64
	Reader      io.Reader
}

// Submitter composes and persists outbound messages. It never touches a
// ConversationStore: the new message reaches views through its insert event.
type Submitter struct {
	writer  MessageWriter
	storage storage.Provider
	prefix  string
	now     Clock
	audit   *telemetry.AuditEmitter
	log     logrus.FieldLogger
}

// NewSubmitter creates a Submitter. audit may be nil.
func NewSubmitter(writer MessageWriter, provider storage.Provider, prefix string, now Clock, audit *telemetry.AuditEmitter, log logrus.FieldLogger) *Submitter {
	if prefix == "" {
		prefix = DefaultPhotoPrefix
	}
	if now == nil {
		now = time.Now
	}
	return &Submitter{
		writer:  writer,
		storage: provider,
		prefix:  strings.Trim(prefix, "/"),
		now:     now,
		audit:   audit,
		log:     log,
	}
}

// Submit validates, uploads the photo if any, then inserts the message from
// sender to the other participant of key. The returned message is the stored
// row; views learn about it only through the change stream.
func (s *Submitter) Submit(ctx context.Context, key models.ConversationKey, sender, content string, photo *PhotoAttachment, loc *models.Location) (models.Message, error) {
	ctx, span := tracer.Start(ctx, "submitter.submit")
	defer span.End()
	span.SetAttributes(
		attribute.String("donation_id", key.DonationID),
		attribute.Bool("has_photo", photo != nil),
		attribute.Bool("has_location", loc != nil),
	)

	content = strings.TrimSpace(content)
	if err := validateSubmission(key, sender, content, photo, loc); err != nil {
		observability.IncSubmission("invalid")
		span.SetStatus(codes.Error, err.Error())
		return models.Message{}, err
	}

	log := s.log.WithFields(logrus.Fields{"donation_id": key.DonationID, "sender_id": sender})

	var photoURL *string
	if photo != nil {
		url, err := s.upload(ctx, sender, photo)
		if err != nil {
			observability.IncSubmission("upload_failed")
			span.RecordError(err)
			span.SetStatus(codes.Error, "upload failed")
			log.WithError(err).Warn("photo upload failed")
			return models.Message{}, err
		}
		photoURL = &url
	}

	msg, err := s.writer.CreateMessage(ctx, repositories.NewMessage{
		SenderID:   sender,
		ReceiverID: key.Counterpart(sender),
		DonationID: key.DonationID,
		Content:    content,
		PhotoURL:   photoURL,
		Location:   loc,
	})
	if err != nil {
		perr := &PersistError{Err: err}
		if photoURL != nil {
			perr.OrphanURL = *photoURL
		}
		observability.IncSubmission("persist_failed")
		span.RecordError(err)
		span.SetStatus(codes.Error, "persist failed")
		log.WithError(err).WithField("orphan_url", perr.OrphanURL).Warn("message insert failed")
		return models.Message{}, perr
	}

	observability.IncSubmission("ok")
	donationID := key.DonationID
	s.audit.Emit(ctx, "info", fmt.Sprintf("message %s sent", msg.ID), &sender, &donationID)
	log.WithField("message_id", msg.ID).Debug("message submitted")
	return msg, nil
}

func (s *Submitter) upload(ctx context.Context, sender string, photo *PhotoAttachment) (string, error) {
	if s.storage == nil {
		observability.IncUpload("error")
		return "", &AttachmentUploadError{Err: fmt.Errorf("no storage configured")}
	}
	key := s.photoKey(sender, photo)
	resp, err := s.storage.Upload(ctx, &storage.UploadRequest{
		Key:         key,
		Reader:      photo.Reader,
		ContentType: photo.ContentType,
		Size:        photo.Size,
	})
	if err != nil {
		observability.IncUpload("error")
		return "", &AttachmentUploadError{Key: key, Err: err}
	}
	if resp == nil || resp.URL == "" {
		observability.IncUpload("error")
		return "", &AttachmentUploadError{Key: key, Err: fmt.Errorf("no address returned")}
	}
	observability.IncUpload("ok")
	return resp.URL, nil
}

// photoKey builds <prefix>/<sender>/<unix-ms>-<uuid><ext>.
func (s *Submitter) photoKey(sender string, photo *PhotoAttachment) string {
	name := fmt.Sprintf("%d-%s%s", s.now().UnixMilli(), uuid.NewString(), photoExt(photo))
	return path.Join(s.prefix, sender, name)
}

func photoExt(photo *PhotoAttachment) string {
	if ext := strings.ToLower(path.Ext(photo.Filename)); ext != "" {
		return ext
	}
	if photo.ContentType != "" {
		if exts, err := mime.ExtensionsByType(photo.ContentType); err == nil && len(exts) > 0 {
			return exts[0]
		}
	}
	return ".jpg"
}

func validateSubmission(key models.ConversationKey, sender, content string, photo *PhotoAttachment, loc *models.Location) error {
	if key.DonationID == "" || key.UserA == "" || key.UserB == "" {
		return &ValidationError{Reason: "incomplete conversation key"}
	}
	if sender != key.UserA && sender != key.UserB {
		return &ValidationError{Reason: "sender is not a participant"}
	}
	if photo != nil && photo.Reader == nil {
		return &ValidationError{Reason: "photo has no content"}
	}
	if loc != nil && (loc.Lat < -90 || loc.Lat > 90 || loc.Lng < -180 || loc.Lng > 180) {
		return &ValidationError{Reason: "location out of range"}
	}
	if content == "" && photo == nil && loc == nil {
		return &ValidationError{Reason: "empty message"}
	}
	return nil
}
