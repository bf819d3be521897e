package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/digkill/imagecredit/internal/config"
)

type S3Store struct {
	bucket        string
	prefix        string
	publicBaseURL string
	client        *s3.Client
}

func NewS3Store(cfg config.Config) (*S3Store, error) {
	if cfg.S3Bucket == "" {
		return nil, fmt.Errorf("s3 bucket is required")
	}
	if cfg.S3Region == "" {
		return nil, fmt.Errorf("s3 region is required")
	}
	if cfg.S3AccessKey == "" || cfg.S3SecretKey == "" {
		return nil, fmt.Errorf("s3 credentials are required")
	}
	if cfg.S3PublicBaseURL == "" {
		return nil, fmt.Errorf("s3 public base url is required")
	}
	prefix := cfg.S3Prefix
	if prefix == "" {
		prefix = "images"
	}

	options := s3.Options{
		Region:       cfg.S3Region,
		Credentials:  credentials.NewStaticCredentialsProvider(cfg.S3AccessKey, cfg.S3SecretKey, ""),
		UsePathStyle: cfg.S3UsePathStyle,
	}
	if cfg.S3Endpoint != "" {
		options.BaseEndpoint = aws.String(cfg.S3Endpoint)
	}

	return &S3Store{
		bucket:        cfg.S3Bucket,
		prefix:        prefix,
		publicBaseURL: cfg.S3PublicBaseURL,
		client:        s3.New(options),
	}, nil
}

func (s *S3Store) PutPrivate(ctx context.Context, data []byte, contentType string) (string, error) {
	key := objectKey(s.prefix, kindOriginal, contentType, time.Now())
	if err := s.put(ctx, key, data, contentType, ""); err != nil {
		return "", err
	}
	return key, nil
}

func (s *S3Store) PutPublic(ctx context.Context, data []byte, contentType string) (string, string, error) {
	key := objectKey(s.prefix, kindPreview, contentType, time.Now())
	if err := s.put(ctx, key, data, contentType, types.ObjectCannedACLPublicRead); err != nil {
		return "", "", err
	}
	return key, publicURL(s.publicBaseURL, key), nil
}

func (s *S3Store) put(ctx context.Context, key string, data []byte, contentType string, acl types.ObjectCannedACL) error {
	if len(data) == 0 {
		return fmt.Errorf("no data to upload")
	}
	if contentType == "" {
		contentType = "image/jpeg"
	}
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String(contentType),
		ACL:         acl,
	})
	if err != nil {
		return fmt.Errorf("upload to s3: %w", err)
	}
	return nil
}

// Get opens the object for streaming. The caller closes the body.
func (s *S3Store) Get(ctx context.Context, key string) (io.ReadCloser, string, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		var noKey *types.NoSuchKey
		if errors.As(err, &noKey) {
			return nil, "", ErrNotFound
		}
		return nil, "", fmt.Errorf("get from s3: %w", err)
	}
	return out.Body, aws.ToString(out.ContentType), nil
}

func (s *S3Store) Delete(ctx context.Context, key string) error {
	if key == "" {
		return nil
	}
	_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return fmt.Errorf("delete from s3: %w", err)
	}
	return nil
}
