package httpserver

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/pqwire/pqsession-backend/interfaces"
	"github.com/pqwire/pqsession-backend/metrics"
)

// maxBodySize is the maximum allowed request body size (1MB).
const maxBodySize = 1024 * 1024

// Handler processes HTTP requests for the session terminator API. It wires
// the handshake coordinator, session store, and key manager together behind
// the JSON transport.
type Handler struct {
	handshaker interfaces.Handshaker
	store      interfaces.SessionStore
	keys       interfaces.KeyManager
	metrics    *metrics.Metrics
	log        *slog.Logger
}

// NewHandler creates an API handler. metrics may be nil when the metrics
// listener is disabled.
func NewHandler(handshaker interfaces.Handshaker, store interfaces.SessionStore, keys interfaces.KeyManager, m *metrics.Metrics, log *slog.Logger) *Handler {
	return &Handler{
		handshaker: handshaker,
		store:      store,
		keys:       keys,
		metrics:    m,
		log:        log,
	}
}

// HandlePublicKeys serves the current public KEM and signature keys.
//
// URL format: GET /api/v1/keys
func (h *Handler) HandlePublicKeys(w http.ResponseWriter, r *http.Request) {
	keySet, err := h.keys.ExportPublicKeys()
	if err != nil {
		writeError(h.log, w, err)
		return
	}
	writeJSON(h.log, w, http.StatusOK, keySet)
}

// HandleHello opens a handshake from a ClientHello message.
//
// URL format: POST /api/v1/handshake/hello
func (h *Handler) HandleHello(w http.ResponseWriter, r *http.Request) {
	var hello interfaces.ClientHello
	if !readJSON(w, r, &hello) {
		return
	}
	if hello.ClientAddr == "" {
		hello.ClientAddr = r.RemoteAddr
	}

	reply, err := h.handshaker.ClientHello(&hello)
	if err != nil {
		h.countHandshakeFailure(err)
		writeError(h.log, w, err)
		return
	}

	if h.metrics != nil {
		h.metrics.HandshakesStarted.Inc()
	}
	writeJSON(h.log, w, http.StatusOK, reply)
}

// HandleKeyExchange completes a handshake from a ClientKeyExchange message.
//
// URL format: POST /api/v1/handshake/exchange
func (h *Handler) HandleKeyExchange(w http.ResponseWriter, r *http.Request) {
	var kx interfaces.ClientKeyExchange
	if !readJSON(w, r, &kx) {
		return
	}

	finished, err := h.handshaker.ClientKeyExchange(&kx)
	if err != nil {
		h.countHandshakeFailure(err)
		writeError(h.log, w, err)
		return
	}

	if h.metrics != nil {
		h.metrics.HandshakesCompleted.Inc()
	}
	writeJSON(h.log, w, http.StatusOK, finished)
}

// verifyResponse is the wire shape of a session verification result.
type verifyResponse struct {
	Valid  bool   `json:"valid"`
	Reason string `json:"reason,omitempty"`
}

// HandleSessionVerify reports whether a session is valid.
//
// URL format: GET /api/v1/session/{session_id}/verify
func (h *Handler) HandleSessionVerify(w http.ResponseWriter, r *http.Request) {
	id := interfaces.SessionID(chi.URLParam(r, "session_id"))

	valid, reason, err := h.store.Verify(r.Context(), id)
	if err != nil {
		writeError(h.log, w, err)
		return
	}
	writeJSON(h.log, w, http.StatusOK, verifyResponse{Valid: valid, Reason: string(reason)})
}

// HandleSessionInvalidate revokes a session immediately.
//
// URL format: DELETE /api/v1/session/{session_id}
func (h *Handler) HandleSessionInvalidate(w http.ResponseWriter, r *http.Request) {
	id := interfaces.SessionID(chi.URLParam(r, "session_id"))

	if err := h.store.Invalidate(r.Context(), id); err != nil {
		writeError(h.log, w, err)
		return
	}

	h.log.Info("Session invalidated", "sessionID", string(id))
	writeJSON(h.log, w, http.StatusOK, map[string]string{"status": "invalidated"})
}

// healthResponse is the wire shape of the health endpoint.
type healthResponse struct {
	Status   string                  `json:"status"`
	Backend  string                  `json:"backend"`
	Degraded bool                    `json:"degraded"`
	Sessions interfaces.SessionStats `json:"sessions"`
}

// HandleHealth reports service health including session store degradation.
//
// URL format: GET /healthz
func (h *Handler) HandleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	stats, err := h.store.Stats(ctx)
	if err != nil {
		writeJSON(h.log, w, http.StatusServiceUnavailable, healthResponse{Status: "unhealthy"})
		return
	}

	status := "ok"
	if stats.Degraded {
		status = "degraded"
	}
	writeJSON(h.log, w, http.StatusOK, healthResponse{
		Status:   status,
		Backend:  stats.Backend,
		Degraded: stats.Degraded,
		Sessions: stats,
	})
}

func (h *Handler) countHandshakeFailure(err error) {
	if h.metrics == nil {
		return
	}
	h.metrics.HandshakesFailed.WithLabelValues(failureCause(err)).Inc()
}

func failureCause(err error) string {
	switch {
	case errors.Is(err, interfaces.ErrAlgorithmNegotiationFailed):
		return "negotiation"
	case errors.Is(err, interfaces.ErrTranscriptIntegrityFailure):
		return "integrity"
	case errors.Is(err, interfaces.ErrHandshakeNotFound):
		return "not_found"
	case errors.Is(err, interfaces.ErrProtocolOrderViolation):
		return "order"
	default:
		return "internal"
	}
}

func readJSON(w http.ResponseWriter, r *http.Request, dst any) bool {
	body := http.MaxBytesReader(w, r.Body, maxBodySize)
	if err := json.NewDecoder(body).Decode(dst); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return false
	}
	return true
}

func writeJSON(log *slog.Logger, w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		log.Error("Failed to encode response", "err", err)
	}
}

// writeError maps domain errors onto HTTP status codes.
func writeError(log *slog.Logger, w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, interfaces.ErrAlgorithmNegotiationFailed):
		status = http.StatusUnprocessableEntity
	case errors.Is(err, interfaces.ErrHandshakeNotFound),
		errors.Is(err, interfaces.ErrSessionNotFound),
		errors.Is(err, interfaces.ErrBackupNotFound):
		status = http.StatusNotFound
	case errors.Is(err, interfaces.ErrProtocolOrderViolation):
		status = http.StatusConflict
	case errors.Is(err, interfaces.ErrTranscriptIntegrityFailure),
		errors.Is(err, interfaces.ErrUnsupportedAlgorithm),
		errors.Is(err, interfaces.ErrCorruptBackup):
		status = http.StatusBadRequest
	case errors.Is(err, interfaces.ErrInvalidPassphrase):
		status = http.StatusForbidden
	case errors.Is(err, interfaces.ErrBackupUnsupported):
		status = http.StatusNotImplemented
	case errors.Is(err, interfaces.ErrStorageBackendUnavailable),
		errors.Is(err, interfaces.ErrArchiveUnavailable):
		status = http.StatusServiceUnavailable
	}

	if status == http.StatusInternalServerError {
		log.Error("Request failed", "err", err)
	}
	http.Error(w, err.Error(), status)
}
