package httpserver

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/flashbots/go-utils/httplogger"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/atomic"

	"github.com/pqwire/pqsession-backend/common"
	"github.com/pqwire/pqsession-backend/metrics"
)

// HTTPServerConfig configures the API and metrics listeners.
type HTTPServerConfig struct {
	ListenAddr  string
	MetricsAddr string
	EnablePprof bool
	EnableAdmin bool
	Log         *slog.Logger

	DrainDuration            time.Duration
	GracefulShutdownDuration time.Duration
	ReadTimeout              time.Duration
	WriteTimeout             time.Duration

	// PendingHandshakesFn, ActiveSessionsFn, and StoreDegradedFn feed the
	// scrape-time gauges.
	PendingHandshakesFn func() float64
	ActiveSessionsFn    func() float64
	StoreDegradedFn     func() float64
}

// Server hosts the session terminator API plus health, drain, and metrics
// endpoints.
type Server struct {
	cfg     *HTTPServerConfig
	isReady atomic.Bool
	log     *slog.Logger

	srv        *http.Server
	metricsSrv *metrics.MetricsServer

	handler *Handler
	admin   *AdminHandler
}

// New creates a server around the given handlers. The admin handler may be
// nil when EnableAdmin is false. The returned Metrics is wired into the
// scrape endpoint and should be handed to the handlers.
func New(cfg *HTTPServerConfig) (*Server, *metrics.Metrics, error) {
	var metricsSrv *metrics.MetricsServer
	var m *metrics.Metrics
	if cfg.MetricsAddr != "" {
		var err error
		metricsSrv, m, err = metrics.New(common.PackageName, cfg.MetricsAddr, cfg.PendingHandshakesFn, cfg.ActiveSessionsFn, cfg.StoreDegradedFn)
		if err != nil {
			return nil, nil, err
		}
	}

	srv := &Server{
		cfg:        cfg,
		log:        cfg.Log,
		metricsSrv: metricsSrv,
	}
	srv.isReady.Store(true)

	return srv, m, nil
}

// SetHandlers installs the request handlers and builds the router. Must be
// called before RunInBackground.
func (srv *Server) SetHandlers(handler *Handler, admin *AdminHandler) {
	srv.handler = handler
	srv.admin = admin

	srv.srv = &http.Server{
		Addr:         srv.cfg.ListenAddr,
		Handler:      srv.getRouter(),
		ReadTimeout:  srv.cfg.ReadTimeout,
		WriteTimeout: srv.cfg.WriteTimeout,
	}
}

func (srv *Server) getRouter() http.Handler {
	mux := chi.NewRouter()

	mux.With(srv.httpLogger).Get("/api/v1/keys", srv.handler.HandlePublicKeys)
	mux.With(srv.httpLogger).Post("/api/v1/handshake/hello", srv.handler.HandleHello)
	mux.With(srv.httpLogger).Post("/api/v1/handshake/exchange", srv.handler.HandleKeyExchange)
	mux.With(srv.httpLogger).Get("/api/v1/session/{session_id}/verify", srv.handler.HandleSessionVerify)
	mux.With(srv.httpLogger).Delete("/api/v1/session/{session_id}", srv.handler.HandleSessionInvalidate)

	if srv.cfg.EnableAdmin && srv.admin != nil {
		srv.log.Info("Admin API enabled")
		mux.With(srv.httpLogger).Post("/api/admin/v1/rotate/{kind}", srv.admin.HandleRotate)
		mux.With(srv.httpLogger).Post("/api/admin/v1/backup", srv.admin.HandleBackup)
		mux.With(srv.httpLogger).Post("/api/admin/v1/restore", srv.admin.HandleRestore)
		mux.With(srv.httpLogger).Get("/api/admin/v1/audit", srv.admin.HandleAudit)
	}

	// Health and diagnostic endpoints
	mux.With(srv.httpLogger).Get("/healthz", srv.handler.HandleHealth)
	mux.With(srv.httpLogger).Get("/livez", srv.handleLivenessCheck)
	mux.With(srv.httpLogger).Get("/readyz", srv.handleReadinessCheck)
	mux.With(srv.httpLogger).Get("/drain", srv.handleDrain)
	mux.With(srv.httpLogger).Get("/undrain", srv.handleUndrain)

	if srv.cfg.EnablePprof {
		srv.log.Info("pprof API enabled")
		mux.Mount("/debug", middleware.Profiler())
	}
	return mux
}

func (srv *Server) httpLogger(next http.Handler) http.Handler {
	return httplogger.LoggingMiddlewareSlog(srv.log, next)
}

func (srv *Server) handleLivenessCheck(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(`{"status":"alive"}`))
}

func (srv *Server) handleReadinessCheck(w http.ResponseWriter, r *http.Request) {
	if !srv.isReady.Load() {
		w.WriteHeader(http.StatusServiceUnavailable)
		w.Write([]byte(`{"status":"not ready"}`))
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(`{"status":"ready"}`))
}

func (srv *Server) handleDrain(w http.ResponseWriter, r *http.Request) {
	if !srv.isReady.Swap(false) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"already draining"}`))
		return
	}

	srv.log.Info("Server marked as not ready")

	// Give load balancers the drain window to notice before shutdown.
	go func() {
		time.Sleep(srv.cfg.DrainDuration)
		srv.log.Info("Drain period completed")
	}()

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(`{"status":"draining"}`))
}

func (srv *Server) handleUndrain(w http.ResponseWriter, r *http.Request) {
	if srv.isReady.Swap(true) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"already ready"}`))
		return
	}

	srv.log.Info("Server marked as ready")

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(`{"status":"ready"}`))
}

// RunInBackground starts the API and metrics listeners.
func (srv *Server) RunInBackground() {
	// metrics
	if srv.metricsSrv != nil {
		go func() {
			srv.log.With("metricsAddress", srv.cfg.MetricsAddr).Info("Starting metrics server")
			err := srv.metricsSrv.ListenAndServe()
			if err != nil && !errors.Is(err, http.ErrServerClosed) {
				srv.log.Error("Metrics server failed", "err", err)
			}
		}()
	}

	// api
	go func() {
		srv.log.Info("Starting HTTP server", "listenAddress", srv.cfg.ListenAddr)
		if err := srv.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			srv.log.Error("HTTP server failed", "err", err)
		}
	}()
}

// Shutdown gracefully stops both listeners.
func (srv *Server) Shutdown() {
	// api
	ctx, cancel := context.WithTimeout(context.Background(), srv.cfg.GracefulShutdownDuration)
	defer cancel()
	if err := srv.srv.Shutdown(ctx); err != nil {
		srv.log.Error("Graceful HTTP server shutdown failed", "err", err)
	} else {
		srv.log.Info("HTTP server gracefully stopped")
	}

	// metrics
	if srv.metricsSrv != nil {
		ctx, cancel := context.WithTimeout(context.Background(), srv.cfg.GracefulShutdownDuration)
		defer cancel()

		if err := srv.metricsSrv.Shutdown(ctx); err != nil {
			srv.log.Error("Graceful metrics server shutdown failed", "err", err)
		} else {
			srv.log.Info("Metrics server gracefully stopped")
		}
	}
}
