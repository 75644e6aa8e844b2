// Package objectstore keeps workspace snapshots and session artifacts in
// an S3-compatible bucket.
package objectstore

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"go.uber.org/zap"

	"github.com/agentdock/agentdock/internal/common/config"
	apperrors "github.com/agentdock/agentdock/internal/common/errors"
	"github.com/agentdock/agentdock/internal/common/logger"
)

const snapshotTimeLayout = "20060102_150405"

// ObjectInfo describes one stored object.
type ObjectInfo struct {
	Key          string    `json:"key"`
	Size         int64     `json:"size"`
	LastModified time.Time `json:"last_modified"`
}

// Store wraps the S3 client with the gateway's key layout. A nil *Store
// is valid: it reports storage as disabled and refuses uploads.
type Store struct {
	client *minio.Client
	bucket string
	logger *logger.Logger
}

// New connects to the configured endpoint. Storage is optional: an empty
// endpoint yields a nil store and every feature that needs it degrades.
func New(cfg config.StorageConfig, log *logger.Logger) (*Store, error) {
	if cfg.Endpoint == "" {
		return nil, nil
	}

	endpoint := cfg.Endpoint
	secure := cfg.UseSSL
	if strings.Contains(endpoint, "://") {
		parsed, err := url.Parse(endpoint)
		if err != nil || parsed.Host == "" {
			return nil, fmt.Errorf("invalid storage endpoint %q", cfg.Endpoint)
		}
		endpoint = parsed.Host
		secure = parsed.Scheme == "https"
	}

	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: secure,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create storage client: %w", err)
	}
	return &Store{client: client, bucket: cfg.Bucket, logger: log}, nil
}

// Enabled reports whether a backing bucket is configured.
func (s *Store) Enabled() bool {
	return s != nil && s.client != nil
}

// EnsureBucket creates the bucket when missing. A disabled store is a
// no-op.
func (s *Store) EnsureBucket(ctx context.Context) error {
	if !s.Enabled() {
		return nil
	}
	exists, err := s.client.BucketExists(ctx, s.bucket)
	if err != nil {
		return fmt.Errorf("failed to check bucket %s: %w", s.bucket, err)
	}
	if exists {
		return nil
	}
	if err := s.client.MakeBucket(ctx, s.bucket, minio.MakeBucketOptions{}); err != nil {
		return fmt.Errorf("failed to create bucket %s: %w", s.bucket, err)
	}
	s.logger.Info("Created storage bucket", zap.String("bucket", s.bucket))
	return nil
}

// Ping verifies the endpoint answers. Disabled storage pings clean.
func (s *Store) Ping(ctx context.Context) error {
	if !s.Enabled() {
		return nil
	}
	_, err := s.client.BucketExists(ctx, s.bucket)
	return err
}

// SnapshotWorkspace packs dirPath into a tar.gz and uploads it under the
// workspace's snapshot prefix. It returns the new object key.
func (s *Store) SnapshotWorkspace(ctx context.Context, workspaceID, dirPath string) (string, error) {
	if !s.Enabled() {
		return "", apperrors.ServiceUnavailable("storage")
	}

	var buffer bytes.Buffer
	if err := packTarGz(&buffer, dirPath); err != nil {
		return "", apperrors.InternalError("failed to pack workspace snapshot", err)
	}

	key := snapshotKey(workspaceID, time.Now().UTC())
	if err := s.put(ctx, key, buffer.Bytes(), "application/gzip"); err != nil {
		return "", err
	}
	s.logger.Info("Workspace snapshot uploaded",
		zap.String("workspace_id", workspaceID),
		zap.String("key", key),
		zap.Int("bytes", buffer.Len()),
	)
	return key, nil
}

// ListSnapshots returns a workspace's snapshots, oldest first.
func (s *Store) ListSnapshots(ctx context.Context, workspaceID string) ([]ObjectInfo, error) {
	return s.list(ctx, fmt.Sprintf("workspaces/%s/", workspaceID))
}

// RestoreSnapshot downloads a snapshot and unpacks it into targetPath.
func (s *Store) RestoreSnapshot(ctx context.Context, key, targetPath string) error {
	if !s.Enabled() {
		return apperrors.ServiceUnavailable("storage")
	}

	object, err := s.client.GetObject(ctx, s.bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return apperrors.InternalError("failed to fetch snapshot", err)
	}
	defer object.Close()

	if _, err := object.Stat(); err != nil {
		if minio.ToErrorResponse(err).Code == "NoSuchKey" {
			return apperrors.NotFound("snapshot", key)
		}
		return apperrors.InternalError("failed to fetch snapshot", err)
	}

	if err := extractTarGz(object, targetPath); err != nil {
		return apperrors.InternalError("failed to unpack snapshot", err)
	}
	s.logger.Info("Workspace snapshot restored",
		zap.String("key", key),
		zap.String("target", targetPath),
	)
	return nil
}

// PutArtifact stores a named artifact for a session and returns its key.
func (s *Store) PutArtifact(ctx context.Context, sessionID, name string, data []byte, contentType string) (string, error) {
	if !s.Enabled() {
		return "", apperrors.ServiceUnavailable("storage")
	}
	key, err := artifactKey(sessionID, name)
	if err != nil {
		return "", err
	}
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	if err := s.put(ctx, key, data, contentType); err != nil {
		return "", err
	}
	return key, nil
}

// GetArtifact downloads one session artifact.
func (s *Store) GetArtifact(ctx context.Context, sessionID, name string) ([]byte, error) {
	if !s.Enabled() {
		return nil, apperrors.ServiceUnavailable("storage")
	}
	key, err := artifactKey(sessionID, name)
	if err != nil {
		return nil, err
	}

	object, err := s.client.GetObject(ctx, s.bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, apperrors.InternalError("failed to fetch artifact", err)
	}
	defer object.Close()

	data, err := io.ReadAll(object)
	if err != nil {
		if minio.ToErrorResponse(err).Code == "NoSuchKey" {
			return nil, apperrors.NotFound("artifact", key)
		}
		return nil, apperrors.InternalError("failed to fetch artifact", err)
	}
	return data, nil
}

// ListArtifacts returns a session's artifacts.
func (s *Store) ListArtifacts(ctx context.Context, sessionID string) ([]ObjectInfo, error) {
	return s.list(ctx, fmt.Sprintf("artifacts/%s/", sessionID))
}

func (s *Store) put(ctx context.Context, key string, data []byte, contentType string) error {
	_, err := s.client.PutObject(ctx, s.bucket, key, bytes.NewReader(data), int64(len(data)),
		minio.PutObjectOptions{ContentType: contentType})
	if err != nil {
		return apperrors.InternalError("failed to upload object", err)
	}
	return nil
}

func (s *Store) list(ctx context.Context, prefix string) ([]ObjectInfo, error) {
	if !s.Enabled() {
		return nil, apperrors.ServiceUnavailable("storage")
	}
	objects := []ObjectInfo{}
	for info := range s.client.ListObjects(ctx, s.bucket, minio.ListObjectsOptions{
		Prefix:    prefix,
		Recursive: true,
	}) {
		if info.Err != nil {
			return nil, apperrors.InternalError("failed to list objects", info.Err)
		}
		objects = append(objects, ObjectInfo{
			Key:          info.Key,
			Size:         info.Size,
			LastModified: info.LastModified,
		})
	}
	return objects, nil
}

func snapshotKey(workspaceID string, at time.Time) string {
	return fmt.Sprintf("workspaces/%s/snapshot-%s.tar.gz", workspaceID, at.Format(snapshotTimeLayout))
}

// artifactKey validates the artifact name and builds its object key.
// Nested names are allowed, escaping the session prefix is not.
func artifactKey(sessionID, name string) (string, error) {
	cleaned := path.Clean(name)
	if name == "" || cleaned == "." || strings.HasPrefix(cleaned, "..") || strings.HasPrefix(cleaned, "/") {
		return "", apperrors.ValidationError("name", "invalid artifact name")
	}
	return fmt.Sprintf("artifacts/%s/%s", sessionID, cleaned), nil
}
