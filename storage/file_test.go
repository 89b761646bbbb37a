package storage

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pqwire/pqsession-backend/interfaces"
)

func TestFileArchiveRoundTrip(t *testing.T) {
	archive, err := NewFileArchive(t.TempDir(), discardLogger())
	require.NoError(t, err)
	ctx := context.Background()

	blob := []byte("encrypted-backup-blob")
	id, err := archive.Store(ctx, blob)
	require.NoError(t, err)
	assert.True(t, interfaces.ComputeBackupID(blob).Equal(id))

	got, err := archive.Fetch(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, blob, got)
}

func TestFileArchiveStoreIsIdempotent(t *testing.T) {
	archive, err := NewFileArchive(t.TempDir(), discardLogger())
	require.NoError(t, err)
	ctx := context.Background()

	blob := []byte("encrypted-backup-blob")
	first, err := archive.Store(ctx, blob)
	require.NoError(t, err)
	second, err := archive.Store(ctx, blob)
	require.NoError(t, err)
	assert.True(t, first.Equal(second))
}

func TestFileArchiveFetchUnknownID(t *testing.T) {
	archive, err := NewFileArchive(t.TempDir(), discardLogger())
	require.NoError(t, err)

	_, err = archive.Fetch(context.Background(), interfaces.ComputeBackupID([]byte("never stored")))
	assert.ErrorIs(t, err, interfaces.ErrBackupNotFound)
}

func TestFileArchiveDetectsTampering(t *testing.T) {
	dir := t.TempDir()
	archive, err := NewFileArchive(dir, discardLogger())
	require.NoError(t, err)
	ctx := context.Background()

	blob := []byte("encrypted-backup-blob")
	id, err := archive.Store(ctx, blob)
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(filepath.Join(dir, id.String()), []byte("tampered"), 0600))

	_, err = archive.Fetch(ctx, id)
	assert.ErrorIs(t, err, interfaces.ErrCorruptBackup)
}

func TestFileArchiveAvailable(t *testing.T) {
	dir := t.TempDir()
	archive, err := NewFileArchive(dir, discardLogger())
	require.NoError(t, err)

	assert.True(t, archive.Available(context.Background()))
	require.NoError(t, os.RemoveAll(dir))
	assert.False(t, archive.Available(context.Background()))
}

func TestArchiveFactorySchemes(t *testing.T) {
	factory := NewArchiveFactory(discardLogger())

	fileArchive, err := factory.ArchiveFor("file://" + t.TempDir())
	require.NoError(t, err)
	assert.Contains(t, fileArchive.Name(), "file-")

	ipfsArchive, err := factory.ArchiveFor("ipfs://127.0.0.1:5001/")
	require.NoError(t, err)
	assert.Equal(t, "ipfs-127.0.0.1-5001", ipfsArchive.Name())

	s3Archive, err := factory.ArchiveFor("s3://key:secret@backup-bucket/backups/?region=eu-west-1")
	require.NoError(t, err)
	assert.Equal(t, "s3-backup-bucket", s3Archive.Name())

	_, err = factory.ArchiveFor("s3://backup-bucket/backups/")
	assert.Error(t, err, "s3 archive without credentials must be rejected")

	_, err = factory.ArchiveFor("gopher://unsupported")
	assert.Error(t, err)
}

func TestArchiveFactoryMulti(t *testing.T) {
	factory := NewArchiveFactory(discardLogger())

	multi, err := factory.CreateMultiArchive([]string{
		"file://" + t.TempDir(),
		"file://" + t.TempDir(),
		"gopher://skipped",
	})
	require.NoError(t, err)
	assert.Equal(t, "multi-archive", multi.Name())

	single, err := factory.CreateMultiArchive([]string{"file://" + t.TempDir()})
	require.NoError(t, err)
	assert.Contains(t, single.Name(), "file-")

	_, err = factory.CreateMultiArchive([]string{"gopher://nope"})
	assert.Error(t, err)
}
