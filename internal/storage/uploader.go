package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"path"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/google/uuid"

	"github.com/tomatolab/classchat/internal/models"
)

var ErrNotImage = errors.New("attachment is not a supported image")

type Config struct {
	Endpoint      string
	Region        string
	AccessKey     string
	SecretKey     string
	Bucket        string
	PublicBaseURL string
	UsePathStyle  bool
	Prefix        string
}

// Uploader stores chat attachments in an S3 compatible bucket so the model
// provider can fetch them by URL.
type Uploader struct {
	cfg    Config
	client *s3.Client
	now    func() time.Time
}

func NewUploader(cfg Config) (*Uploader, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("s3 bucket is required")
	}
	if cfg.Region == "" {
		return nil, fmt.Errorf("s3 region is required")
	}
	if cfg.AccessKey == "" || cfg.SecretKey == "" {
		return nil, fmt.Errorf("s3 credentials are required")
	}
	if cfg.PublicBaseURL == "" {
		return nil, fmt.Errorf("s3 public base url is required")
	}
	if cfg.Prefix == "" {
		cfg.Prefix = "attachments"
	}

	options := s3.Options{
		Region:       cfg.Region,
		Credentials:  credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
		UsePathStyle: cfg.UsePathStyle,
	}
	if cfg.Endpoint != "" {
		options.BaseEndpoint = aws.String(cfg.Endpoint)
	}

	return &Uploader{
		cfg:    cfg,
		client: s3.New(options),
		now:    time.Now,
	}, nil
}

// Upload stores the attachment under the owner's prefix and returns its
// public URL.
func (u *Uploader) Upload(ctx context.Context, owner string, att models.Attachment) (string, error) {
	if len(att.Data) == 0 {
		return "", fmt.Errorf("no data to upload")
	}
	contentType, err := NormalizeImageContentType(att.ContentType, att.Data)
	if err != nil {
		return "", err
	}

	key := u.objectKey(owner, contentType)
	_, err = u.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(u.cfg.Bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(att.Data),
		ContentType: aws.String(contentType),
		ACL:         types.ObjectCannedACLPublicRead,
	})
	if err != nil {
		return "", fmt.Errorf("upload to s3: %w", err)
	}
	return strings.TrimRight(u.cfg.PublicBaseURL, "/") + "/" + key, nil
}

func (u *Uploader) objectKey(owner, contentType string) string {
	now := u.now().UTC()
	owner = strings.Trim(strings.ReplaceAll(owner, "/", "_"), ".")
	if owner == "" {
		owner = "anonymous"
	}
	prefix := strings.Trim(u.cfg.Prefix, "/")
	return path.Join(prefix, owner, fmt.Sprintf("%04d/%02d/%02d", now.Year(), now.Month(), now.Day()), uuid.NewString()+extensionFromContentType(contentType))
}

// NormalizeImageContentType trusts the declared type only if it is an image
// type, otherwise sniffs the bytes. Only jpeg, png, gif and webp pass.
func NormalizeImageContentType(declared string, data []byte) (string, error) {
	ct := strings.ToLower(strings.TrimSpace(declared))
	if idx := strings.Index(ct, ";"); idx > 0 {
		ct = ct[:idx]
	}
	if ct == "" || ct == "application/octet-stream" || !strings.HasPrefix(ct, "image/") {
		if len(data) > 0 {
			ct = http.DetectContentType(data)
			if idx := strings.Index(ct, ";"); idx > 0 {
				ct = ct[:idx]
			}
		}
	}

	switch ct {
	case "image/jpeg", "image/jpg":
		return "image/jpeg", nil
	case "image/png", "image/gif", "image/webp":
		return ct, nil
	default:
		return "", ErrNotImage
	}
}

func extensionFromContentType(contentType string) string {
	switch strings.ToLower(contentType) {
	case "image/png":
		return ".png"
	case "image/jpeg", "image/jpg":
		return ".jpg"
	case "image/gif":
		return ".gif"
	case "image/webp":
		return ".webp"
	default:
		return ".bin"
	}
}
