package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// S3Storage uploads to an S3 bucket.
type S3Storage struct {
	client       *s3.Client
	bucket       string
	region       string
	publicDomain string
}

// NewS3Storage loads the default AWS credential chain for region.
func NewS3Storage(ctx context.Context, region, bucket, publicDomain string) (*S3Storage, error) {
	if bucket == "" {
		return nil, errors.New("s3 bucket is empty")
	}
	cfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	return &S3Storage{
		client:       s3.NewFromConfig(cfg),
		bucket:       bucket,
		region:       region,
		publicDomain: publicDomain,
	}, nil
}

// Upload returns once the object is stored.
func (s *S3Storage) Upload(ctx context.Context, request *UploadRequest) (*UploadResponse, error) {
	input := &s3.PutObjectInput{
		Bucket:       aws.String(s.bucket),
		Key:          aws.String(request.Key),
		Body:         request.Reader,
		ContentType:  aws.String(request.ContentType),
		CacheControl: aws.String("public, max-age=31536000, immutable"),
	}
	if request.Size > 0 {
		input.ContentLength = aws.Int64(request.Size)
	}

	if _, err := s.client.PutObject(ctx, input); err != nil {
		return nil, fmt.Errorf("failed to upload to S3: %w", err)
	}

	return &UploadResponse{Key: request.Key, URL: s.publicURL(request.Key)}, nil
}

func (s *S3Storage) publicURL(key string) string {
	if s.publicDomain != "" {
		return fmt.Sprintf("https://%s/%s", s.publicDomain, key)
	}
	return fmt.Sprintf("https://%s.s3.%s.amazonaws.com/%s", s.bucket, s.region, key)
}
