package ledger

import (
	"fmt"

	"github.com/ganger-platform/aigateway/pkg/config"
)

// Open creates the store named by cfg.Backend.
func Open(cfg config.LedgerConfig) (Store, error) {
	switch cfg.Backend {
	case "memory":
		return NewMemory(), nil
	case "sqlite":
		return NewSQLite(cfg.DSN)
	case "postgres":
		return NewPostgres(cfg.DSN)
	case "redis":
		return NewRedis(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB, cfg.Grace)
	}
	return nil, fmt.Errorf("unknown ledger backend %q", cfg.Backend)
}
