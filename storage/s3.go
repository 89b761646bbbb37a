package storage

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"path"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"

	"github.com/pqwire/pqsession-backend/interfaces"
)

// S3Archive stores backup blobs in an S3 or S3-compatible bucket.
type S3Archive struct {
	client     *s3.S3
	bucketName string
	prefix     string
	log        *slog.Logger
}

// NewS3Archive creates an S3 archive. Key backups are ciphertext but still
// sensitive, so objects are written with private ACLs and credentials are
// required.
func NewS3Archive(bucketName, prefix, region, endpoint, accessKey, secretKey string, log *slog.Logger) (*S3Archive, error) {
	if accessKey == "" || secretKey == "" {
		return nil, fmt.Errorf("s3 archive requires credentials")
	}

	cfg := aws.Config{
		Region:      aws.String(region),
		Credentials: credentials.NewStaticCredentials(accessKey, secretKey, ""),
	}
	if endpoint != "" {
		cfg.Endpoint = aws.String(endpoint)
		cfg.S3ForcePathStyle = aws.Bool(true)
	}

	sess, err := session.NewSession(&cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create AWS session: %w", err)
	}

	return &S3Archive{
		client:     s3.New(sess),
		bucketName: bucketName,
		prefix:     strings.TrimSuffix(prefix, "/"),
		log:        log,
	}, nil
}

// Store uploads the blob under its content hash.
func (a *S3Archive) Store(ctx context.Context, blob []byte) (interfaces.BackupID, error) {
	id := interfaces.ComputeBackupID(blob)
	key := a.objectKey(id)

	_, err := a.client.PutObjectWithContext(ctx, &s3.PutObjectInput{
		Bucket: aws.String(a.bucketName),
		Key:    aws.String(key),
		Body:   bytes.NewReader(blob),
		ACL:    aws.String("private"),
	})
	if err != nil {
		return id, fmt.Errorf("failed to upload backup to S3: %w", err)
	}

	a.log.Debug("Stored backup in S3",
		slog.String("bucket", a.bucketName),
		slog.String("key", key),
		slog.String("backupID", id.String()))
	return id, nil
}

// Fetch downloads a blob by its ID and checks it still matches.
func (a *S3Archive) Fetch(ctx context.Context, id interfaces.BackupID) ([]byte, error) {
	start := time.Now()
	key := a.objectKey(id)

	result, err := a.client.GetObjectWithContext(ctx, &s3.GetObjectInput{
		Bucket: aws.String(a.bucketName),
		Key:    aws.String(key),
	})
	if err != nil {
		if strings.Contains(err.Error(), "NoSuchKey") || strings.Contains(err.Error(), "404") {
			return nil, fmt.Errorf("%w: %s", interfaces.ErrBackupNotFound, id)
		}
		return nil, fmt.Errorf("failed to get backup from S3: %w", err)
	}
	defer result.Body.Close()

	blob, err := io.ReadAll(result.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read backup body: %w", err)
	}

	if !interfaces.ComputeBackupID(blob).Equal(id) {
		return nil, fmt.Errorf("%w: S3 object %s fails content check", interfaces.ErrCorruptBackup, id)
	}

	a.log.Debug("Fetched backup from S3",
		slog.String("bucket", a.bucketName),
		slog.String("key", key),
		slog.Int("size", len(blob)),
		slog.Duration("duration", time.Since(start)))
	return blob, nil
}

// Available checks the bucket is reachable.
func (a *S3Archive) Available(ctx context.Context) bool {
	_, err := a.client.HeadBucketWithContext(ctx, &s3.HeadBucketInput{
		Bucket: aws.String(a.bucketName),
	})
	if err != nil {
		a.log.Warn("S3 archive unavailable",
			slog.String("bucket", a.bucketName),
			"err", err)
		return false
	}
	return true
}

// Name returns a unique identifier for this archive backend.
func (a *S3Archive) Name() string {
	return fmt.Sprintf("s3-%s", a.bucketName)
}

func (a *S3Archive) objectKey(id interfaces.BackupID) string {
	if a.prefix == "" {
		return id.String()
	}
	return path.Join(a.prefix, id.String())
}
