// Package db opens the GORM connection kvsql mounts storage.KV on,
// adapted from the teacher's internal/db: same driver switch and
// silent-unless-debug logger, trimmed to the two drivers kvsql
// actually dials (postgres, sqlite) since nothing in this tree needs
// the module-framework's DSN-as-string-list or MySQL support.
package db

import (
	"fmt"

	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// Config selects and configures the backing SQL connection.
type Config struct {
	Driver   string // "postgres" or "sqlite"
	DSN      string
	Debug    bool
	InMemory bool // sqlite only: shared in-memory database
}

// New opens a GORM connection for cfg.Driver.
func New(cfg Config) (*gorm.DB, error) {
	dsn := cfg.DSN
	if cfg.Driver == "sqlite" && cfg.InMemory {
		dsn = "file::memory:?cache=shared"
	}

	var dialector gorm.Dialector
	switch cfg.Driver {
	case "sqlite":
		dialector = sqlite.Open(dsn)
	case "postgres":
		dialector = postgres.Open(dsn)
	default:
		return nil, fmt.Errorf("db: unsupported driver %q", cfg.Driver)
	}

	gormCfg := &gorm.Config{}
	if !cfg.Debug {
		gormCfg.Logger = logger.Default.LogMode(logger.Silent)
	}

	conn, err := gorm.Open(dialector, gormCfg)
	if err != nil {
		return nil, fmt.Errorf("db: open: %w", err)
	}
	return conn, nil
}
