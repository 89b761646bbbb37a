package kms

import (
	"sync"

	"github.com/pqwire/pqsession-backend/interfaces"
)

// auditLog is an append-only in-memory record of key-lifecycle operations.
// It has its own lock so readers never contend with key operations.
type auditLog struct {
	mu      sync.Mutex
	records []interfaces.RotationAuditEntry
}

func (a *auditLog) append(entry interfaces.RotationAuditEntry) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.records = append(a.records, entry)
}

// entries returns a copy so callers cannot mutate the log.
func (a *auditLog) entries() []interfaces.RotationAuditEntry {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]interfaces.RotationAuditEntry, len(a.records))
	copy(out, a.records)
	return out
}
