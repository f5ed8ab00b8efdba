package howheard

import (
	"fmt"
	"strings"
)

// BuildBackendFromDSN selects a Backend implementation by DSN scheme:
//
//	memory://            in-memory, for tests and local development
//	postgres://..., postgresql://...   PostgreSQL
func BuildBackendFromDSN(dsn string) (Backend, error) {
	dsn = strings.TrimSpace(dsn)
	switch {
	case dsn == "" || dsn == "memory://" || dsn == "memory":
		return NewMemoryBackend(), nil
	case strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://"):
		return NewPostgresBackend(dsn)
	default:
		return nil, fmt.Errorf("unsupported backend dsn: %s", dsn)
	}
}

// BuildLedgerFromDSN selects a Ledger. An empty DSN means the ledger rides
// on the primary backend, which must then implement Ledger itself.
func BuildLedgerFromDSN(dsn string, backend Backend) (Ledger, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		ledger, ok := backend.(Ledger)
		if !ok {
			return nil, fmt.Errorf("backend %T cannot serve as dedup ledger", backend)
		}
		return ledger, nil
	}
	if strings.HasPrefix(dsn, "redis://") || strings.HasPrefix(dsn, "rediss://") {
		return NewRedisLedgerFromURL(dsn)
	}
	return nil, fmt.Errorf("unsupported ledger dsn: %s", dsn)
}
