// internal/store/objects/storage.go
// Media storage on S3 or local disk

package objects

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/aws/aws-sdk-go/service/s3/s3iface"

	"github.com/eugeniagram/eugeniagram/internal/store"
)

// MaxObjectSize caps a single upload
const MaxObjectSize = 50 << 20

// PublicPrefix is where locally stored objects are served
const PublicPrefix = "/storage/v1/public/"

var allowedExts = map[string]bool{
	".jpg":  true,
	".jpeg": true,
	".png":  true,
	".gif":  true,
	".webp": true,
	".mp4":  true,
	".mov":  true,
	".webm": true,
}

var buckets = map[string]bool{
	store.BucketPosts:   true,
	store.BucketReels:   true,
	store.BucketStories: true,
	store.BucketAvatars: true,
}

type Config struct {
	UseS3          bool
	S3Bucket       string
	AWSRegion      string
	LocalUploadDir string
	BaseURL        string
}

// New builds the configured store.Storage
func New(cfg Config) (store.Storage, error) {
	if cfg.UseS3 {
		sess, err := session.NewSession(&aws.Config{Region: aws.String(cfg.AWSRegion)})
		if err != nil {
			return nil, fmt.Errorf("failed to create AWS session: %w", err)
		}
		return NewS3Storage(s3.New(sess), cfg.S3Bucket), nil
	}
	return NewLocalStorage(cfg.LocalUploadDir, cfg.BaseURL)
}

// ValidateObject checks the bucket and path of an upload
func ValidateObject(bucket, objectPath string) error {
	if !buckets[bucket] {
		return fmt.Errorf("%w: unknown bucket %q", store.ErrInvalidInput, bucket)
	}
	clean := path.Clean("/" + objectPath)
	if objectPath == "" || clean != "/"+objectPath || strings.Contains(objectPath, "..") {
		return fmt.Errorf("%w: bad object path %q", store.ErrInvalidInput, objectPath)
	}
	if !allowedExts[strings.ToLower(path.Ext(objectPath))] {
		return fmt.Errorf("%w: file type not allowed", store.ErrInvalidInput)
	}
	return nil
}

// S3Storage keeps every bucket as a key prefix inside one S3 bucket
type S3Storage struct {
	client     s3iface.S3API
	bucketName string
}

func NewS3Storage(client s3iface.S3API, bucketName string) *S3Storage {
	return &S3Storage{client: client, bucketName: bucketName}
}

func (s *S3Storage) Upload(ctx context.Context, bucket, objectPath string, body io.Reader, contentType string) (string, error) {
	if err := ValidateObject(bucket, objectPath); err != nil {
		return "", err
	}

	buffer := bytes.NewBuffer(nil)
	n, err := io.Copy(buffer, io.LimitReader(body, MaxObjectSize+1))
	if err != nil {
		return "", fmt.Errorf("failed to read object: %w", err)
	}
	if n > MaxObjectSize {
		return "", fmt.Errorf("%w: object exceeds %d bytes", store.ErrInvalidInput, MaxObjectSize)
	}

	key := bucket + "/" + objectPath
	_, err = s.client.PutObjectWithContext(ctx, &s3.PutObjectInput{
		Bucket:             aws.String(s.bucketName),
		Key:                aws.String(key),
		Body:               bytes.NewReader(buffer.Bytes()),
		ContentType:        aws.String(contentType),
		ContentDisposition: aws.String("inline"),
		ACL:                aws.String("public-read"),
	})
	if err != nil {
		return "", fmt.Errorf("failed to upload to S3: %w", err)
	}

	return fmt.Sprintf("https://%s.s3.amazonaws.com/%s", s.bucketName, key), nil
}

// LocalStorage writes objects below a directory served by the API
type LocalStorage struct {
	uploadDir string
	baseURL   string
}

func NewLocalStorage(uploadDir, baseURL string) (*LocalStorage, error) {
	if err := os.MkdirAll(uploadDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create upload directory: %w", err)
	}
	return &LocalStorage{uploadDir: uploadDir, baseURL: strings.TrimSuffix(baseURL, "/")}, nil
}

// Dir is the root directory objects are written to
func (l *LocalStorage) Dir() string { return l.uploadDir }

func (l *LocalStorage) Upload(ctx context.Context, bucket, objectPath string, body io.Reader, contentType string) (string, error) {
	if err := ValidateObject(bucket, objectPath); err != nil {
		return "", err
	}

	destPath := filepath.Join(l.uploadDir, bucket, filepath.FromSlash(objectPath))
	if err := os.MkdirAll(filepath.Dir(destPath), 0755); err != nil {
		return "", fmt.Errorf("failed to create directory: %w", err)
	}

	dest, err := os.Create(destPath)
	if err != nil {
		return "", fmt.Errorf("failed to create file: %w", err)
	}
	defer dest.Close()

	n, err := io.Copy(dest, io.LimitReader(body, MaxObjectSize+1))
	if err != nil {
		return "", fmt.Errorf("failed to save file: %w", err)
	}
	if n > MaxObjectSize {
		dest.Close()
		os.Remove(destPath)
		return "", fmt.Errorf("%w: object exceeds %d bytes", store.ErrInvalidInput, MaxObjectSize)
	}

	return l.baseURL + PublicPrefix + bucket + "/" + objectPath, nil
}
