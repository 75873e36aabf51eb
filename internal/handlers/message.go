package handlers

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"donation-sync/internal/middleware"
	"donation-sync/internal/models"
	"donation-sync/internal/realtime"
	"donation-sync/internal/repositories"
)

const maxPhotoBytes = 10 << 20

// MessageSubmitter sends outbound messages.
type MessageSubmitter interface {
	Submit(ctx context.Context, key models.ConversationKey, sender, content string, photo *realtime.PhotoAttachment, loc *models.Location) (models.Message, error)
}

// MessageHandler serves conversation endpoints.
type MessageHandler struct {
	messages  repositories.MessageRepository
	submitter MessageSubmitter
	log       logrus.FieldLogger
}

// NewMessageHandler builds a MessageHandler.
func NewMessageHandler(messages repositories.MessageRepository, submitter MessageSubmitter, log logrus.FieldLogger) *MessageHandler {
	return &MessageHandler{messages: messages, submitter: submitter, log: log}
}

// ListConversations returns the caller's inbox with unread counts.
func (h *MessageHandler) ListConversations(c *gin.Context) {
	inbox, err := h.messages.ListInbox(c.Request.Context(), middleware.UserID(c))
	if err != nil {
		h.log.WithError(err).Warn("inbox query failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load conversations"})
		return
	}
	unread := 0
	for _, conv := range inbox {
		unread += conv.Unread
	}
	c.JSON(http.StatusOK, gin.H{"conversations": inbox, "unread": unread})
}

// ListMessages returns the conversation history, oldest first.
func (h *MessageHandler) ListMessages(c *gin.Context) {
	key, ok := conversationKey(c)
	if !ok {
		return
	}

	msgs, err := h.messages.ListConversation(c.Request.Context(), key)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load messages"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"conversation": key, "messages": msgs})
}

// PostMessage submits a message from a multipart form with optional content,
// photo, lat, lng and location_name fields. The message is not echoed into
// any open view; it arrives there through its change event.
func (h *MessageHandler) PostMessage(c *gin.Context) {
	key, ok := conversationKey(c)
	if !ok {
		return
	}

	loc, err := locationFromForm(c)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	var photo *realtime.PhotoAttachment
	header, err := c.FormFile("photo")
	switch {
	case err == nil:
		if header.Size > maxPhotoBytes {
			c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "photo too large"})
			return
		}
		file, err := header.Open()
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "unreadable photo"})
			return
		}
		defer file.Close()
		photo = &realtime.PhotoAttachment{
			Filename:    header.Filename,
			ContentType: header.Header.Get("Content-Type"),
			Size:        header.Size,
			Reader:      file,
		}
	case errors.Is(err, http.ErrMissingFile), errors.Is(err, http.ErrNotMultipart):
	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": "malformed photo upload"})
		return
	}

	msg, err := h.submitter.Submit(c.Request.Context(), key, key.UserA, c.PostForm("content"), photo, loc)
	if err != nil {
		status, text := submitErrorStatus(err)
		h.log.WithError(err).WithField("request_id", requestIDFromContext(c)).Warn("submit failed")
		c.JSON(status, gin.H{"error": text})
		return
	}
	c.JSON(http.StatusCreated, gin.H{"message": msg})
}

func submitErrorStatus(err error) (int, string) {
	var verr *realtime.ValidationError
	switch {
	case errors.As(err, &verr):
		return http.StatusBadRequest, verr.Reason
	case errors.Is(err, realtime.ErrAttachmentUpload):
		return http.StatusBadGateway, "photo upload failed"
	case errors.Is(err, realtime.ErrPersist):
		return http.StatusInternalServerError, "message not saved"
	default:
		return http.StatusInternalServerError, "submit failed"
	}
}

func conversationKey(c *gin.Context) (models.ConversationKey, bool) {
	donationID := c.Param("donation_id")
	other := c.Param("user_id")
	me := middleware.UserID(c)
	if donationID == "" || other == "" || me == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid conversation"})
		return models.ConversationKey{}, false
	}
	if other == me {
		c.JSON(http.StatusBadRequest, gin.H{"error": "cannot chat with yourself"})
		return models.ConversationKey{}, false
	}
	return models.NewConversationKey(donationID, me, other), true
}

func locationFromForm(c *gin.Context) (*models.Location, error) {
	latRaw := strings.TrimSpace(c.PostForm("lat"))
	lngRaw := strings.TrimSpace(c.PostForm("lng"))
	if latRaw == "" && lngRaw == "" {
		return nil, nil
	}
	if latRaw == "" || lngRaw == "" {
		return nil, errors.New("lat and lng must be sent together")
	}
	lat, err := strconv.ParseFloat(latRaw, 64)
	if err != nil {
		return nil, errors.New("invalid lat")
	}
	lng, err := strconv.ParseFloat(lngRaw, 64)
	if err != nil {
		return nil, errors.New("invalid lng")
	}
	return &models.Location{Lat: lat, Lng: lng, Name: strings.TrimSpace(c.PostForm("location_name"))}, nil
}
