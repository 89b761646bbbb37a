// Package flags holds the CLI flags shared by the service and operator
// binaries.
package flags

import (
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/urfave/cli/v2"

	"github.com/pqwire/pqsession-backend/common"
	"github.com/pqwire/pqsession-backend/httpserver"
)

func SetupLogger(cCtx *cli.Context) (log *slog.Logger) {
	logJSON := cCtx.Bool(LogJSONFlag.Name)
	logDebug := cCtx.Bool(LogDebugFlag.Name)
	logUID := cCtx.Bool(LogUIDFlag.Name)
	logService := cCtx.String(LogServiceFlag.Name)

	logger := common.SetupLogger(&common.LoggingOpts{
		Debug:   logDebug,
		JSON:    logJSON,
		Service: logService,
		Version: common.Version,
	})

	if logUID {
		id := uuid.Must(uuid.NewRandom())
		logger = logger.With("uid", id.String())
	}
	return logger
}

func ConfigureServer(cCtx *cli.Context, logger *slog.Logger) *httpserver.HTTPServerConfig {
	drainDuration := time.Duration(cCtx.Int64(DrainSecondsFlag.Name)) * time.Second

	return &httpserver.HTTPServerConfig{
		ListenAddr:               cCtx.String(ListenAddrFlag.Name),
		MetricsAddr:              cCtx.String(MetricsAddrFlag.Name),
		Log:                      logger,
		EnablePprof:              cCtx.Bool(PprofFlag.Name),
		EnableAdmin:              cCtx.Bool(AdminAPIFlag.Name),
		DrainDuration:            drainDuration,
		GracefulShutdownDuration: 30 * time.Second,
		ReadTimeout:              60 * time.Second,
		WriteTimeout:             30 * time.Second,
	}
}

var ListenAddrFlag = &cli.StringFlag{
	Name:  "listen-addr",
	Value: "127.0.0.1:8080",
	Usage: "address to listen on for API",
}

var MetricsAddrFlag = &cli.StringFlag{
	Name:  "metrics-addr",
	Value: "127.0.0.1:8090",
	Usage: "address to listen on for Prometheus metrics",
}

var KEMAlgorithmFlag = &cli.StringFlag{
	Name:  "kem-algorithm",
	Value: "ML-KEM-768",
	Usage: "KEM algorithm for the server key pair: ML-KEM-512, ML-KEM-768, or ML-KEM-1024",
}

var SigAlgorithmFlag = &cli.StringFlag{
	Name:  "sig-algorithm",
	Value: "ML-DSA-65",
	Usage: "signature algorithm for the server key pair: ML-DSA-44, ML-DSA-65, or ML-DSA-87",
}

var RotationIntervalFlag = &cli.DurationFlag{
	Name:  "rotation-interval",
	Value: 180 * 24 * time.Hour,
	Usage: "interval for scheduled key rotation, 0 disables the schedule",
}

var GracePeriodFlag = &cli.DurationFlag{
	Name:  "grace-period",
	Value: 30 * time.Second,
	Usage: "how long a rotated-out key version remains usable by in-flight handshakes",
}

var SessionBackendFlag = &cli.StringFlag{
	Name:  "session-backend",
	Value: "local:",
	Usage: "session store URI: local:, sqlite:///path/to.db, or vault://host:port/mount/prefix?token=...",
}

var SessionTTLFlag = &cli.DurationFlag{
	Name:  "session-ttl",
	Value: time.Hour,
	Usage: "lifetime of established sessions",
}

var HandshakeTimeoutFlag = &cli.DurationFlag{
	Name:  "handshake-timeout",
	Value: 30 * time.Second,
	Usage: "deadline for a client to complete an opened handshake",
}

var ArchiveFlag = &cli.StringSliceFlag{
	Name:  "backup-archive",
	Usage: "backup archive URI (repeatable): file:///path, s3://key:secret@bucket/prefix, ipfs://host:port",
}

var AdminAPIFlag = &cli.BoolFlag{
	Name:  "enable-admin",
	Value: false,
	Usage: "enable the operator API under /api/admin",
}

var ServerAddrFlag = &cli.StringFlag{
	Name:  "server-addr",
	Value: "",
	Usage: "server address recorded on session records, defaults to listen-addr",
}

var LogJSONFlag = &cli.BoolFlag{
	Name:  "log-json",
	Value: false,
	Usage: "log in JSON format",
}
var LogDebugFlag = &cli.BoolFlag{
	Name:  "log-debug",
	Value: false,
	Usage: "log debug messages",
}
var LogUIDFlag = &cli.BoolFlag{
	Name:  "log-uid",
	Value: false,
	Usage: "generate a uuid and add to all log messages",
}
var LogServiceFlag = &cli.StringFlag{
	Name:  "log-service",
	Value: common.PackageName,
	Usage: "add 'service' tag to logs",
}

var PprofFlag = &cli.BoolFlag{
	Name:  "pprof",
	Value: false,
	Usage: "enable pprof debug endpoint",
}
var DrainSecondsFlag = &cli.Int64Flag{
	Name:  "drain-seconds",
	Value: 45,
	Usage: "seconds to wait in drain HTTP request",
}

var CommonFlags = []cli.Flag{
	LogJSONFlag,
	LogDebugFlag,
	LogUIDFlag,
	LogServiceFlag,
	PprofFlag,
	DrainSecondsFlag,
	MetricsAddrFlag,
}
