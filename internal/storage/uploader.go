package storage

import (
	"bytes"
	"context"
	"fmt"
	"path"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/google/uuid"
)

const (
	ScopeUploads = "uploads"
	ScopeMascots = "mascots"
	ScopePages   = "pages"
	ScopeCovers  = "covers"
)

type Config struct {
	Endpoint      string
	Region        string
	AccessKey     string
	SecretKey     string
	Bucket        string
	PublicBaseURL string
	UsePathStyle  bool
	Prefix        string
	PresignTTL    time.Duration
}

// Uploader stores generated and uploaded images. Callers keep the returned
// object key; URL turns it into a fetchable link at read time.
type Uploader struct {
	cfg     Config
	client  *s3.Client
	presign *s3.PresignClient
	now     func() time.Time
	newID   func() string
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
	cfg.Prefix = strings.Trim(cfg.Prefix, "/")
	if cfg.Prefix == "" {
		cfg.Prefix = "assets"
	}
	if cfg.PresignTTL <= 0 {
		cfg.PresignTTL = time.Hour
	}

	options := s3.Options{
		Region:       cfg.Region,
		Credentials:  credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
		UsePathStyle: cfg.UsePathStyle,
	}
	if cfg.Endpoint != "" {
		options.BaseEndpoint = aws.String(cfg.Endpoint)
	}

	client := s3.New(options)

	return &Uploader{
		cfg:     cfg,
		client:  client,
		presign: s3.NewPresignClient(client),
		now:     func() time.Time { return time.Now().UTC() },
		newID:   uuid.NewString,
	}, nil
}

// Upload stores data under scope for userID and returns the object key.
func (u *Uploader) Upload(ctx context.Context, scope, userID string, data []byte, contentType string) (string, error) {
	if len(data) == 0 {
		return "", fmt.Errorf("no data to upload")
	}
	if contentType == "" {
		contentType = "image/jpeg"
	}

	key := u.generateKey(scope, userID, contentType)
	input := &s3.PutObjectInput{
		Bucket:      aws.String(u.cfg.Bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String(contentType),
	}
	if u.cfg.PublicBaseURL != "" {
		input.ACL = types.ObjectCannedACLPublicRead
	}
	if _, err := u.client.PutObject(ctx, input); err != nil {
		return "", fmt.Errorf("upload to s3: %w", err)
	}
	return key, nil
}

// URL resolves a key to a public URL, or to a presigned GET URL when the
// bucket has no public base URL.
func (u *Uploader) URL(ctx context.Context, key string) (string, error) {
	if key == "" {
		return "", fmt.Errorf("empty object key")
	}
	if u.cfg.PublicBaseURL != "" {
		return strings.TrimRight(u.cfg.PublicBaseURL, "/") + "/" + key, nil
	}
	req, err := u.presign.PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(u.cfg.Bucket),
		Key:    aws.String(key),
	}, s3.WithPresignExpires(u.cfg.PresignTTL))
	if err != nil {
		return "", fmt.Errorf("presign object: %w", err)
	}
	return req.URL, nil
}

// OwnedBy reports whether key was written by Upload for userID.
func (u *Uploader) OwnedBy(key, userID string) bool {
	if userID == "" || strings.Contains(key, "..") {
		return false
	}
	rest, ok := strings.CutPrefix(key, u.cfg.Prefix+"/")
	if !ok {
		return false
	}
	parts := strings.Split(rest, "/")
	return len(parts) == 6 && parts[1] == userID
}

func (u *Uploader) generateKey(scope, userID, contentType string) string {
	ext := extensionFromContentType(contentType)
	now := u.now()
	return path.Join(u.cfg.Prefix, scope, userID, fmt.Sprintf("%04d/%02d/%02d", now.Year(), now.Month(), now.Day()), u.newID()+ext)
}

func extensionFromContentType(contentType string) string {
	switch strings.ToLower(contentType) {
	case "image/png":
		return ".png"
	case "image/jpeg", "image/jpg":
		return ".jpg"
	case "image/webp":
		return ".webp"
	default:
		return ".bin"
	}
}
