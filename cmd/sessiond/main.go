package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/urfave/cli/v2"

	"github.com/pqwire/pqsession-backend/cmd/flags"
	"github.com/pqwire/pqsession-backend/handshake"
	"github.com/pqwire/pqsession-backend/httpserver"
	"github.com/pqwire/pqsession-backend/interfaces"
	"github.com/pqwire/pqsession-backend/kms"
	"github.com/pqwire/pqsession-backend/sessionstore"
	"github.com/pqwire/pqsession-backend/storage"
)

var serviceFlags = append([]cli.Flag{
	flags.ListenAddrFlag,
	flags.ServerAddrFlag,
	flags.KEMAlgorithmFlag,
	flags.SigAlgorithmFlag,
	flags.GracePeriodFlag,
	flags.RotationIntervalFlag,
	flags.SessionBackendFlag,
	flags.SessionTTLFlag,
	flags.HandshakeTimeoutFlag,
	flags.ArchiveFlag,
	flags.AdminAPIFlag,
}, flags.CommonFlags...)

func main() {
	app := &cli.App{
		Name:   "sessiond",
		Usage:  "Post-quantum session termination service",
		Flags:  serviceFlags,
		Action: runService,
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

func runService(cCtx *cli.Context) error {
	logger := flags.SetupLogger(cCtx)

	// Key manager
	manager := kms.NewManager(kms.Config{
		KEMAlgorithm: interfaces.AlgorithmID(cCtx.String(flags.KEMAlgorithmFlag.Name)),
		SigAlgorithm: interfaces.AlgorithmID(cCtx.String(flags.SigAlgorithmFlag.Name)),
		GracePeriod:  cCtx.Duration(flags.GracePeriodFlag.Name),
		Log:          logger,
	})
	if err := manager.Init(); err != nil {
		logger.Error("Failed to initialize key manager", "err", err)
		return err
	}
	defer manager.Close()

	if interval := cCtx.Duration(flags.RotationIntervalFlag.Name); interval > 0 {
		logger.Info("Scheduled key rotation enabled", "interval", interval)
		manager.StartRotationSchedule(interval)
	}

	// Session store, falling back to a degraded local store when the
	// configured backend is unreachable.
	store, err := sessionstore.NewWithFallback(cCtx.String(flags.SessionBackendFlag.Name), sessionstore.Config{
		Log: logger,
	})
	if err != nil {
		logger.Error("Failed to create session store", "err", err)
		return err
	}
	defer store.Close()

	// Backup archive (optional)
	var archive interfaces.BackupArchive
	if uris := cCtx.StringSlice(flags.ArchiveFlag.Name); len(uris) > 0 {
		archive, err = storage.NewArchiveFactory(logger).CreateMultiArchive(uris)
		if err != nil {
			logger.Error("Failed to create backup archive", "err", err)
			return err
		}
	}

	// Handshake coordinator
	serverAddr := cCtx.String(flags.ServerAddrFlag.Name)
	if serverAddr == "" {
		serverAddr = cCtx.String(flags.ListenAddrFlag.Name)
	}
	coordinator := handshake.NewCoordinator(manager, store, handshake.Config{
		Timeout:    cCtx.Duration(flags.HandshakeTimeoutFlag.Name),
		SessionTTL: cCtx.Duration(flags.SessionTTLFlag.Name),
		ServerAddr: serverAddr,
		Log:        logger,
	})
	defer coordinator.Close()

	// HTTP server with scrape-time gauges over the coordinator and store
	cfg := flags.ConfigureServer(cCtx, logger)
	cfg.PendingHandshakesFn = func() float64 {
		return float64(coordinator.PendingHandshakes())
	}
	cfg.ActiveSessionsFn = func() float64 {
		stats, err := store.Stats(context.Background())
		if err != nil {
			return 0
		}
		return float64(stats.Active)
	}
	cfg.StoreDegradedFn = func() float64 {
		stats, err := store.Stats(context.Background())
		if err != nil || !stats.Degraded {
			return 0
		}
		return 1
	}

	server, m, err := httpserver.New(cfg)
	if err != nil {
		logger.Error("Failed to create server", "err", err)
		return err
	}
	server.SetHandlers(
		httpserver.NewHandler(coordinator, store, manager, m, logger),
		httpserver.NewAdminHandler(manager, archive, m, logger),
	)

	server.RunInBackground()
	logger.Info("Service is running",
		"listenAddr", cfg.ListenAddr,
		"sessionBackend", store.Name(),
		"adminAPI", cfg.EnableAdmin)

	exit := make(chan os.Signal, 1)
	signal.Notify(exit, os.Interrupt, syscall.SIGTERM)
	<-exit
	logger.Info("Shutdown signal received")

	server.Shutdown()
	logger.Info("Service shutdown complete")
	return nil
}
