package storage

import (
	"context"
	"fmt"
	"io"
)

// Provider durably stores blobs and returns a stable address for them.
type Provider interface {
	Upload(ctx context.Context, request *UploadRequest) (*UploadResponse, error)
}

type UploadRequest struct {
	Key         string
	Reader      io.Reader
	ContentType string
	Size        int64
}

type UploadResponse struct {
	Key string `json:"key"`
	URL string `json:"url"`
}

// Settings selects and configures a provider.
type Settings struct {
	Provider     string
	LocalPath    string
	LocalURL     string
	S3Region     string
	S3Bucket     string
	PublicDomain string
}

// New builds the provider named by settings.Provider ("local" or "s3").
func New(ctx context.Context, settings Settings) (Provider, error) {
	switch settings.Provider {
	case "", "local":
		return NewLocalStorage(settings.LocalPath, settings.LocalURL)
	case "s3":
		return NewS3Storage(ctx, settings.S3Region, settings.S3Bucket, settings.PublicDomain)
	default:
		return nil, fmt.Errorf("unknown storage provider %q", settings.Provider)
	}
}
