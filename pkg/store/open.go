package store

import (
	"fmt"
	"strings"
)

type Backend string

const (
	BackendPostgres Backend = "postgres"
	BackendSQLite   Backend = "sqlite"
	BackendMemory   Backend = "memory"
)

type Config struct {
	Backend     Backend
	DatabaseURL string
	SQLitePath  string
}

// Open returns the store selected by cfg.Backend.
func Open(cfg Config) (Store, error) {
	switch Backend(strings.ToLower(strings.TrimSpace(string(cfg.Backend)))) {
	case BackendPostgres:
		return NewGormStore(cfg.DatabaseURL)
	case BackendSQLite:
		return NewSQLiteStore(cfg.SQLitePath)
	case BackendMemory, "":
		return NewMemoryStore(), nil
	default:
		return nil, fmt.Errorf("unsupported store backend %q", cfg.Backend)
	}
}
