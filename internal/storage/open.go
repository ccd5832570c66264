package storage

import (
	"fmt"
	"strings"

	logx "taxiflow/pkg/logx"
)

// Open initializes the configured store. An empty or "none" driver returns
// an in-memory store.
func Open(cfg Config, log logx.Logger) (Store, error) {
	switch driver := strings.ToLower(strings.TrimSpace(cfg.Driver)); driver {
	case "", "none":
		return OpenMemory(), nil
	case "file":
		return openFile(cfg, log)
	case "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	default:
		return nil, fmt.Errorf("unknown storage driver: %s", driver)
	}
}
