package sessionstore

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/pqwire/pqsession-backend/interfaces"
)

// availabilityProbeTimeout bounds the durable-backend probe during startup.
const availabilityProbeTimeout = 5 * time.Second

// NewFromURI creates a session store from a backend URI.
//
// Supported formats:
//   - local:
//   - sqlite:///var/lib/pqsession/sessions.db
//   - vault://vault.example.com:8200/secret/pqsession?token=hvs.XXXX&tls=true
func NewFromURI(uri string, cfg Config) (interfaces.SessionStore, error) {
	parsed, err := url.Parse(uri)
	if err != nil {
		return nil, fmt.Errorf("parse session backend URI: %w", err)
	}

	switch parsed.Scheme {
	case "local":
		return NewLocalStore(cfg), nil

	case "sqlite":
		path := parsed.Path
		if path == "" {
			return nil, fmt.Errorf("sqlite URI %q has no database path", uri)
		}
		return NewSQLiteStore(path, cfg)

	case "vault":
		scheme := "https"
		if parsed.Query().Get("tls") == "false" {
			scheme = "http"
		}
		addr := fmt.Sprintf("%s://%s", scheme, parsed.Host)
		token := parsed.Query().Get("token")
		if token == "" {
			return nil, fmt.Errorf("vault URI %q has no token parameter", uri)
		}

		parts := strings.SplitN(strings.Trim(parsed.Path, "/"), "/", 2)
		mount := parts[0]
		if mount == "" {
			return nil, fmt.Errorf("vault URI %q has no mount path", uri)
		}
		prefix := ""
		if len(parts) == 2 {
			prefix = parts[1]
		}
		return NewVaultStore(addr, token, mount, prefix, cfg)

	default:
		return nil, fmt.Errorf("unknown session backend scheme %q", parsed.Scheme)
	}
}

// availabilityProber is implemented by backends that can report reachability
// before first use.
type availabilityProber interface {
	Available(ctx context.Context) bool
}

// NewWithFallback builds the configured durable backend and falls back to a
// local store marked degraded when the backend cannot be reached. The service
// keeps terminating handshakes either way; operators see the degradation in
// stats and health output.
func NewWithFallback(uri string, cfg Config) (interfaces.SessionStore, error) {
	cfg = cfg.withDefaults()

	store, err := NewFromURI(uri, cfg)
	if err != nil {
		// Misconfiguration is not a degradation, fail loudly.
		return nil, err
	}

	prober, ok := store.(availabilityProber)
	if !ok {
		return store, nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), availabilityProbeTimeout)
	defer cancel()
	if prober.Available(ctx) {
		return store, nil
	}
	store.Close()

	cfg.Log.Warn("Session backend unavailable, running degraded on local store",
		"uri", redactURI(uri))
	local := NewLocalStore(cfg)
	local.markDegraded()
	return local, nil
}

// redactURI strips query parameters so tokens never reach logs.
func redactURI(uri string) string {
	if i := strings.IndexByte(uri, '?'); i >= 0 {
		return uri[:i]
	}
	return uri
}

func isNotFound(err error) bool {
	return errors.Is(err, interfaces.ErrSessionNotFound)
}
