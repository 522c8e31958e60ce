package storage

import (
	"context"
	"errors"
	"strings"

	logx "studytrack/pkg/logx"
)

// Open initializes the configured store and applies pending migrations.
// Failures here are fatal for the process; callers should not retry.
func Open(ctx context.Context, cfg Config, log logx.Logger) (*SQLStore, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	log = log.With(logx.Component("storage"))

	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	switch driver {
	case "", "sqlite", "sqlite3":
		return openSQLite(ctx, cfg, log)
	case "postgres", "postgresql", "pgx":
		return openPostgres(ctx, cfg, log)
	default:
		return nil, errors.New("unknown storage driver: " + driver)
	}
}
