package mocks

import (
	"context"
	"io"

	"github.com/stretchr/testify/mock"

	"donation-sync/internal/models"
	"donation-sync/internal/repositories"
	"donation-sync/internal/storage"
)

type MessageRepositoryMock struct {
	mock.Mock
}

func (m *MessageRepositoryMock) ListConversation(ctx context.Context, key models.ConversationKey) ([]models.Message, error) {
	args := m.Called(ctx, key)
	var msgs []models.Message
	if val := args.Get(0); val != nil {
		msgs = val.([]models.Message)
	}
	return msgs, args.Error(1)
}

func (m *MessageRepositoryMock) CreateMessage(ctx context.Context, in repositories.NewMessage) (models.Message, error) {
	args := m.Called(ctx, in)
	var msg models.Message
	if val := args.Get(0); val != nil {
		msg = val.(models.Message)
	}
	return msg, args.Error(1)
}

func (m *MessageRepositoryMock) MarkRead(ctx context.Context, ids []string) error {
	args := m.Called(ctx, ids)
	return args.Error(0)
}

func (m *MessageRepositoryMock) ListInbox(ctx context.Context, userID string) ([]models.ConversationSummary, error) {
	args := m.Called(ctx, userID)
	var inbox []models.ConversationSummary
	if val := args.Get(0); val != nil {
		inbox = val.([]models.ConversationSummary)
	}
	return inbox, args.Error(1)
}

type DonationRepositoryMock struct {
	mock.Mock
}

func (m *DonationRepositoryMock) ListAvailable(ctx context.Context, limit int) ([]models.Donation, error) {
	args := m.Called(ctx, limit)
	var donations []models.Donation
	if val := args.Get(0); val != nil {
		donations = val.([]models.Donation)
	}
	return donations, args.Error(1)
}

func (m *DonationRepositoryMock) GetDonation(ctx context.Context, id string) (models.Donation, error) {
	args := m.Called(ctx, id)
	var d models.Donation
	if val := args.Get(0); val != nil {
		d = val.(models.Donation)
	}
	return d, args.Error(1)
}

func (m *DonationRepositoryMock) CreateDonation(ctx context.Context, in repositories.NewDonation) (models.Donation, error) {
	args := m.Called(ctx, in)
	var d models.Donation
	if val := args.Get(0); val != nil {
		d = val.(models.Donation)
	}
	return d, args.Error(1)
}

func (m *DonationRepositoryMock) UpdateStatus(ctx context.Context, id string, status string) error {
	args := m.Called(ctx, id, status)
	return args.Error(0)
}

// StorageProviderMock records uploads. The request body is drained so callers
// can assert on what was sent.
type StorageProviderMock struct {
	mock.Mock
	Bodies map[string][]byte
}

func (m *StorageProviderMock) Upload(ctx context.Context, req *storage.UploadRequest) (*storage.UploadResponse, error) {
	if req.Reader != nil {
		body, _ := io.ReadAll(req.Reader)
		if m.Bodies == nil {
			m.Bodies = map[string][]byte{}
		}
		m.Bodies[req.Key] = body
	}
	args := m.Called(ctx, req)
	var resp *storage.UploadResponse
	if val := args.Get(0); val != nil {
		resp = val.(*storage.UploadResponse)
	}
	return resp, args.Error(1)
}
