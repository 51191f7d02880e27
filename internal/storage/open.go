package storage

import (
	"fmt"
	"log/slog"
	"path/filepath"

	"github.com/steveyegge/buildfix/internal/storage/badger"
	"github.com/steveyegge/buildfix/internal/storage/memory"
	"github.com/steveyegge/buildfix/internal/storage/sqlite"
)

// Backend names accepted by OpenBackend
const (
	BackendMemory = "memory"
	BackendSQLite = "sqlite"
	BackendBadger = "badger"
)

// OpenBackend opens the named backend under stateDir.
// sqlite uses <stateDir>/state.db, badger uses <stateDir>/badger.
func OpenBackend(name, stateDir string, logger *slog.Logger) (Backend, error) {
	switch name {
	case BackendMemory, "":
		return memory.New(), nil
	case BackendSQLite:
		return sqlite.New(filepath.Join(stateDir, "state.db"))
	case BackendBadger:
		cfg := badger.DefaultConfig(filepath.Join(stateDir, "badger"))
		cfg.Logger = logger
		return badger.New(cfg)
	default:
		return nil, fmt.Errorf("unknown state backend %q (want memory, sqlite or badger)", name)
	}
}
