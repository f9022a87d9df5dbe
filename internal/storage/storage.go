// Package storage wraps S3-compatible object storage for scan report
// archives and detection artifacts.
package storage

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"go.uber.org/fx"

	"github.com/opennotes-dev/opennotes-server/pkg/logger"
)

var Module = fx.Module("storage",
	fx.Provide(NewConfig),
	fx.Provide(NewService),
)

// Config holds object storage configuration
type Config struct {
	Endpoint     string
	AccessKey    string
	SecretKey    string
	Region       string
	ReportBucket string
}

// Enabled reports whether a report bucket is configured. Endpoint and static
// keys are only needed for MinIO-style deployments; on AWS the SDK default
// chain supplies credentials.
func (c *Config) Enabled() bool {
	return c.ReportBucket != ""
}

// NewConfig creates storage config from environment variables
func NewConfig() *Config {
	region := os.Getenv("AWS_REGION")
	if region == "" {
		region = "us-east-1"
	}

	return &Config{
		Endpoint:     os.Getenv("STORAGE_ENDPOINT"),
		AccessKey:    os.Getenv("STORAGE_ACCESS_KEY"),
		SecretKey:    os.Getenv("STORAGE_SECRET_KEY"),
		Region:       region,
		ReportBucket: os.Getenv("SCAN_REPORT_BUCKET"),
	}
}

// Service provides S3-compatible storage operations
type Service struct {
	client        *s3.Client
	presignClient *s3.PresignClient
	cfg           *Config
	log           *slog.Logger
	reportBucket  string
}

// UploadResult contains information about an archived object
type UploadResult struct {
	Key    string
	Bucket string
	ETag   string
	Size   int64
}

// NewService creates a new storage service
func NewService(cfg *Config, log *slog.Logger) (*Service, error) {
	if !cfg.Enabled() {
		log.Warn("object storage disabled, scan reports will not be archived")
		return &Service{
			cfg: cfg,
			log: log.With(logger.Scope("storage")),
		}, nil
	}

	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.Region),
	}
	if cfg.AccessKey != "" && cfg.SecretKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
		))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(context.Background(), opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			// MinIO needs an explicit endpoint and path-style addressing.
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	})

	log.Info("object storage initialized",
		slog.String("bucket", cfg.ReportBucket),
		slog.String("region", cfg.Region),
	)

	return &Service{
		client:        client,
		presignClient: s3.NewPresignClient(client),
		cfg:           cfg,
		log:           log.With(logger.Scope("storage")),
		reportBucket:  cfg.ReportBucket,
	}, nil
}

// Enabled reports whether uploads will actually be stored
func (s *Service) Enabled() bool {
	return s.client != nil
}

// ReportKey builds the archive key for a completed bulk scan.
// Format: {community_server_id}/{scan_id}-{completed RFC3339}.json
func ReportKey(communityServerID, scanID string, completedAt time.Time) string {
	return fmt.Sprintf("%s/%s-%s.json", communityServerID, scanID, completedAt.UTC().Format("2006-01-02T15-04-05Z"))
}

// ArchiveReport uploads a serialized scan report to the report bucket.
func (s *Service) ArchiveReport(ctx context.Context, key string, body []byte) (*UploadResult, error) {
	if !s.Enabled() {
		return nil, fmt.Errorf("object storage not enabled")
	}

	result, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(s.reportBucket),
		Key:           aws.String(key),
		Body:          strings.NewReader(string(body)),
		ContentLength: aws.Int64(int64(len(body))),
		ContentType:   aws.String("application/json"),
	})
	if err != nil {
		s.log.Error("failed to archive report",
			slog.String("key", key),
			logger.Error(err),
		)
		return nil, fmt.Errorf("archive report: %w", err)
	}

	etag := ""
	if result.ETag != nil {
		etag = strings.Trim(*result.ETag, "\"")
	}

	s.log.Info("scan report archived",
		slog.String("key", key),
		slog.String("bucket", s.reportBucket),
		slog.Int("size", len(body)),
	)

	return &UploadResult{
		Key:    key,
		Bucket: s.reportBucket,
		ETag:   etag,
		Size:   int64(len(body)),
	}, nil
}

// FetchURI reads an s3://bucket/key object. Used for detection artifacts
// referenced by URI in config.
func (s *Service) FetchURI(ctx context.Context, uri string) ([]byte, error) {
	bucket, key, err := ParseS3URI(uri)
	if err != nil {
		return nil, err
	}
	if s.client == nil {
		return nil, fmt.Errorf("object storage not enabled, cannot fetch %s", uri)
	}

	result, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", uri, err)
	}
	defer result.Body.Close()

	return io.ReadAll(result.Body)
}

// Download retrieves an archived report by key
func (s *Service) Download(ctx context.Context, key string) (io.ReadCloser, error) {
	if !s.Enabled() {
		return nil, fmt.Errorf("object storage not enabled")
	}

	result, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.reportBucket),
		Key:    aws.String(key),
	})
	if err != nil {
		s.log.Error("failed to download object",
			slog.String("key", key),
			logger.Error(err),
		)
		return nil, fmt.Errorf("download failed: %w", err)
	}

	return result.Body, nil
}

// Delete removes an archived object
func (s *Service) Delete(ctx context.Context, key string) error {
	if !s.Enabled() {
		return fmt.Errorf("object storage not enabled")
	}

	_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.reportBucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return fmt.Errorf("delete failed: %w", err)
	}

	s.log.Debug("object deleted", slog.String("key", key))
	return nil
}

// Exists checks if an object exists in the report bucket
func (s *Service) Exists(ctx context.Context, key string) (bool, error) {
	if !s.Enabled() {
		return false, fmt.Errorf("object storage not enabled")
	}

	_, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.reportBucket),
		Key:    aws.String(key),
	})
	if err != nil {
		errStr := err.Error()
		if strings.Contains(errStr, "NotFound") || strings.Contains(errStr, "404") || strings.Contains(errStr, "NoSuchKey") {
			return false, nil
		}
		return false, fmt.Errorf("head object failed: %w", err)
	}

	return true, nil
}

// GetSignedDownloadURL generates a presigned URL for an archived report
func (s *Service) GetSignedDownloadURL(ctx context.Context, key string, expiresIn time.Duration) (string, error) {
	if !s.Enabled() {
		return "", fmt.Errorf("object storage not enabled")
	}

	if expiresIn == 0 {
		expiresIn = time.Hour
	}

	presignedReq, err := s.presignClient.PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.reportBucket),
		Key:    aws.String(key),
	}, func(po *s3.PresignOptions) {
		po.Expires = expiresIn
	})
	if err != nil {
		return "", fmt.Errorf("presign failed: %w", err)
	}

	return presignedReq.URL, nil
}

// ParseS3URI splits s3://bucket/key into its parts
func ParseS3URI(uri string) (bucket, key string, err error) {
	rest, ok := strings.CutPrefix(uri, "s3://")
	if !ok {
		return "", "", fmt.Errorf("not an s3 URI: %s", uri)
	}
	bucket, key, ok = strings.Cut(rest, "/")
	if !ok || bucket == "" || key == "" {
		return "", "", fmt.Errorf("malformed s3 URI: %s", uri)
	}
	return bucket, key, nil
}
