package storage

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"

	shell "github.com/ipfs/go-ipfs-api"

	"github.com/pqwire/pqsession-backend/interfaces"
)

// IPFSArchive stores backup blobs on an IPFS node. IPFS addresses content by
// its own CID scheme, so the archive keeps a pin index mapping backup IDs to
// CIDs; fetching by backup ID resolves through that index.
type IPFSArchive struct {
	shell *shell.Shell
	host  string
	port  string
	log   *slog.Logger

	mu   sync.Mutex
	pins map[interfaces.BackupID]string
}

// NewIPFSArchive creates an IPFS archive connected to the node at host:port.
func NewIPFSArchive(host, port string, log *slog.Logger) (*IPFSArchive, error) {
	return &IPFSArchive{
		shell: shell.NewShell(fmt.Sprintf("%s:%s", host, port)),
		host:  host,
		port:  port,
		log:   log,
		pins:  make(map[interfaces.BackupID]string),
	}, nil
}

// Store adds and pins the blob, recording its CID under the backup ID.
func (a *IPFSArchive) Store(ctx context.Context, blob []byte) (interfaces.BackupID, error) {
	id := interfaces.ComputeBackupID(blob)

	if !a.shell.IsUp() {
		return id, fmt.Errorf("%w: ipfs node %s:%s", interfaces.ErrArchiveUnavailable, a.host, a.port)
	}

	cid, err := a.shell.Add(bytes.NewReader(blob), shell.Pin(true))
	if err != nil {
		return id, fmt.Errorf("failed to add backup to IPFS: %w", err)
	}

	a.mu.Lock()
	a.pins[id] = cid
	a.mu.Unlock()

	a.log.Debug("Stored backup in IPFS",
		slog.String("cid", cid),
		slog.String("backupID", id.String()))
	return id, nil
}

// Fetch retrieves a blob by its backup ID via the pin index.
func (a *IPFSArchive) Fetch(ctx context.Context, id interfaces.BackupID) ([]byte, error) {
	a.mu.Lock()
	cid, ok := a.pins[id]
	a.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: no pinned CID for %s", interfaces.ErrBackupNotFound, id)
	}

	if !a.shell.IsUp() {
		return nil, fmt.Errorf("%w: ipfs node %s:%s", interfaces.ErrArchiveUnavailable, a.host, a.port)
	}

	reader, err := a.shell.Cat(cid)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch backup from IPFS: %w", err)
	}
	defer reader.Close()

	blob, err := io.ReadAll(reader)
	if err != nil {
		return nil, fmt.Errorf("failed to read backup from IPFS: %w", err)
	}

	if !interfaces.ComputeBackupID(blob).Equal(id) {
		return nil, fmt.Errorf("%w: IPFS object %s fails content check", interfaces.ErrCorruptBackup, id)
	}
	return blob, nil
}

// Available checks the IPFS node is reachable.
func (a *IPFSArchive) Available(ctx context.Context) bool {
	return a.shell.IsUp()
}

// Name returns a unique identifier for this archive backend.
func (a *IPFSArchive) Name() string {
	return fmt.Sprintf("ipfs-%s-%s", a.host, a.port)
}
