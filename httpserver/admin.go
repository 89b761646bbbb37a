package httpserver

import (
	"fmt"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/pqwire/pqsession-backend/interfaces"
	"github.com/pqwire/pqsession-backend/metrics"
)

// AdminHandler serves the operator endpoints for key lifecycle management.
// These are mounted on the same listener but under /api/admin and are meant
// to be reachable only from the operator network.
type AdminHandler struct {
	keys    interfaces.KeyManager
	archive interfaces.BackupArchive
	metrics *metrics.Metrics
	log     *slog.Logger
}

// NewAdminHandler creates the operator handler. archive may be nil when no
// backup archive is configured; backup and restore then fail with 503.
func NewAdminHandler(keys interfaces.KeyManager, archive interfaces.BackupArchive, m *metrics.Metrics, log *slog.Logger) *AdminHandler {
	return &AdminHandler{keys: keys, archive: archive, metrics: m, log: log}
}

type rotateRequest struct {
	Cause string `json:"cause"`
}

type rotateResponse struct {
	Kind    string                `json:"kind"`
	Version interfaces.KeyVersion `json:"version"`
}

// HandleRotate rotates the KEM or signature key.
//
// URL format: POST /api/admin/v1/rotate/{kind} with kind "kem" or "sig"
func (h *AdminHandler) HandleRotate(w http.ResponseWriter, r *http.Request) {
	kind := chi.URLParam(r, "kind")

	var req rotateRequest
	if !readJSON(w, r, &req) {
		return
	}
	if req.Cause == "" {
		req.Cause = "manual"
	}

	var version interfaces.KeyVersion
	var err error
	switch kind {
	case "kem":
		version, err = h.keys.RotateKEMKey(req.Cause)
	case "sig":
		version, err = h.keys.RotateSigKey(req.Cause)
	default:
		http.Error(w, fmt.Sprintf("unknown key kind %q", kind), http.StatusBadRequest)
		return
	}
	if err != nil {
		writeError(h.log, w, err)
		return
	}

	if h.metrics != nil {
		h.metrics.KeyRotations.WithLabelValues(kind).Inc()
	}
	h.log.Info("Key rotated", "kind", kind, "cause", req.Cause, "version", uint64(version))
	writeJSON(h.log, w, http.StatusOK, rotateResponse{Kind: kind, Version: version})
}

type backupRequest struct {
	Passphrase string `json:"passphrase"`
}

type backupResponse struct {
	BackupID string `json:"backup_id"`
}

// HandleBackup encrypts the key set under the passphrase and stores the blob
// in the backup archive.
//
// URL format: POST /api/admin/v1/backup
func (h *AdminHandler) HandleBackup(w http.ResponseWriter, r *http.Request) {
	if h.archive == nil {
		http.Error(w, "no backup archive configured", http.StatusServiceUnavailable)
		return
	}

	var req backupRequest
	if !readJSON(w, r, &req) {
		return
	}
	if req.Passphrase == "" {
		http.Error(w, "passphrase is required", http.StatusBadRequest)
		return
	}

	blob, err := h.keys.BackupKeys([]byte(req.Passphrase))
	if err != nil {
		writeError(h.log, w, err)
		return
	}

	id, err := h.archive.Store(r.Context(), blob)
	if err != nil {
		writeError(h.log, w, err)
		return
	}

	h.log.Info("Key backup stored", "backupID", id.String())
	writeJSON(h.log, w, http.StatusOK, backupResponse{BackupID: id.String()})
}

type restoreRequest struct {
	Passphrase string `json:"passphrase"`
	BackupID   string `json:"backup_id"`
}

// HandleRestore fetches a backup blob from the archive and replaces the key
// set from it.
//
// URL format: POST /api/admin/v1/restore
func (h *AdminHandler) HandleRestore(w http.ResponseWriter, r *http.Request) {
	if h.archive == nil {
		http.Error(w, "no backup archive configured", http.StatusServiceUnavailable)
		return
	}

	var req restoreRequest
	if !readJSON(w, r, &req) {
		return
	}

	id, err := interfaces.NewBackupIDFromHex(req.BackupID)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	blob, err := h.archive.Fetch(r.Context(), id)
	if err != nil {
		writeError(h.log, w, err)
		return
	}

	if err := h.keys.RestoreKeys([]byte(req.Passphrase), blob); err != nil {
		writeError(h.log, w, err)
		return
	}

	h.log.Info("Key set restored from backup", "backupID", id.String())
	writeJSON(h.log, w, http.StatusOK, map[string]string{"status": "restored"})
}

// HandleAudit returns the rotation audit log.
//
// URL format: GET /api/admin/v1/audit
func (h *AdminHandler) HandleAudit(w http.ResponseWriter, r *http.Request) {
	writeJSON(h.log, w, http.StatusOK, h.keys.RotationAuditLog())
}
