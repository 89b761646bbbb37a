// Package httpserver exposes the session terminator over HTTP.
//
// The API surface covers the handshake protocol (hello and key exchange),
// session verification and invalidation, and the current public key set.
// Operator endpoints under /api/admin handle key rotation, backup, and
// restore; they are enabled separately and expected to be firewalled off
// from client traffic.
//
// The server follows a ready/drain lifecycle: /readyz flips to 503 after
// /drain so load balancers stop routing before graceful shutdown.
package httpserver
