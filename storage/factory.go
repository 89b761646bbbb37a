package storage

import (
	"fmt"
	"log/slog"
	"net/url"
	"strings"

	"github.com/pqwire/pqsession-backend/interfaces"
)

// ArchiveFactory creates backup archive backends from location URIs.
type ArchiveFactory struct {
	log *slog.Logger
}

// NewArchiveFactory creates a factory instance.
func NewArchiveFactory(log *slog.Logger) *ArchiveFactory {
	if log == nil {
		log = slog.Default()
	}
	return &ArchiveFactory{log: log}
}

// ArchiveFor creates an archive backend from a location URI.
//
// Supported schemes:
//   - file:// - local filesystem archive
//   - s3://   - Amazon S3 or compatible object storage
//   - ipfs:// - IPFS node
func (f *ArchiveFactory) ArchiveFor(locationURI string) (interfaces.BackupArchive, error) {
	u, err := url.Parse(locationURI)
	if err != nil {
		return nil, fmt.Errorf("invalid archive URI %q: %w", locationURI, err)
	}

	switch strings.ToLower(u.Scheme) {
	case "file":
		return f.createFileArchive(u)
	case "s3":
		return f.createS3Archive(u)
	case "ipfs":
		return f.createIPFSArchive(u)
	default:
		return nil, fmt.Errorf("unsupported archive scheme: %s", u.Scheme)
	}
}

// CreateMultiArchive creates a replicating archive from a list of location
// URIs. URIs that fail to produce a backend are skipped with a warning;
// at least one must succeed.
func (f *ArchiveFactory) CreateMultiArchive(locationURIs []string) (interfaces.BackupArchive, error) {
	backends := make([]interfaces.BackupArchive, 0, len(locationURIs))

	for _, uri := range locationURIs {
		backend, err := f.ArchiveFor(uri)
		if err != nil {
			f.log.Warn("Failed to create archive backend",
				"err", err,
				slog.String("locationURI", uri))
			continue
		}
		backends = append(backends, backend)
	}

	if len(backends) == 0 {
		return nil, fmt.Errorf("no valid archive backends created")
	}
	if len(backends) == 1 {
		return backends[0], nil
	}
	return NewMultiArchive(backends, f.log), nil
}

// createFileArchive handles file:///absolute/path URIs.
func (f *ArchiveFactory) createFileArchive(u *url.URL) (interfaces.BackupArchive, error) {
	path := u.Path
	if u.Host != "" {
		path = u.Host + "/" + strings.TrimPrefix(path, "/")
	}
	if path == "" {
		return nil, fmt.Errorf("empty path in file URI: %s", u.String())
	}
	return NewFileArchive(path, f.log)
}

// createS3Archive handles s3://ACCESS_KEY:SECRET_KEY@bucket/prefix/?region=...
// URIs. Credentials are mandatory, backups never go to public buckets.
func (f *ArchiveFactory) createS3Archive(u *url.URL) (interfaces.BackupArchive, error) {
	bucketName := u.Host
	prefix := strings.TrimPrefix(u.Path, "/")

	query := u.Query()
	region := query.Get("region")
	if region == "" {
		region = "us-east-1"
	}
	endpoint := query.Get("endpoint")

	var accessKey, secretKey string
	if u.User != nil {
		accessKey = u.User.Username()
		secretKey, _ = u.User.Password()
	}

	return NewS3Archive(bucketName, prefix, region, endpoint, accessKey, secretKey, f.log)
}

// createIPFSArchive handles ipfs://host:port/ URIs.
func (f *ArchiveFactory) createIPFSArchive(u *url.URL) (interfaces.BackupArchive, error) {
	host := u.Hostname()
	port := u.Port()
	if port == "" {
		port = "5001"
	}
	return NewIPFSArchive(host, port, f.log)
}
