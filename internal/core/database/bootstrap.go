package db

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"time"

	"go.uber.org/zap"
)

const schemaVersion = 1

//go:embed scripts/*.sql
var bootstrapFS embed.FS

// EnsureBootstrapped applies the dialect's schema script unless the meta table
// already records the current schema version.
func EnsureBootstrapped(ctx context.Context, db *sql.DB, d dialect) error {

	ctxBoot, cancel := context.WithTimeout(ctx, 3*time.Minute)
	defer cancel()

	var exists bool
	if err := db.QueryRowContext(ctxBoot, d.metaTableExistsQuery()).Scan(&exists); err != nil {
		return fmt.Errorf("meta table check failed: %w", err)
	}

	// If table missing OR version row missing, run the bootstrap script.
	if !exists {
		return runBootstrap(ctxBoot, db, d)
	}

	var hasVersion bool
	if err := db.QueryRowContext(ctxBoot,
		`SELECT EXISTS (SELECT 1 FROM mediawhisperer_meta WHERE version = $1)`, schemaVersion,
	).Scan(&hasVersion); err != nil {
		return fmt.Errorf("meta version check failed: %w", err)
	}
	if !hasVersion {
		return runBootstrap(ctxBoot, db, d)
	}

	zap.S().Debugw("Database: schema already bootstrapped", "dialect", d.name(), "version", schemaVersion)
	return nil
}

func runBootstrap(ctx context.Context, db *sql.DB, d dialect) error {
	sqlBytes, err := bootstrapFS.ReadFile(d.bootstrapScript())
	if err != nil {
		return fmt.Errorf("read %s: %w", d.bootstrapScript(), err)
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if _, err := tx.ExecContext(ctx, string(sqlBytes)); err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("exec bootstrap: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit bootstrap: %w", err)
	}
	zap.S().Infow("Database: schema bootstrapped", "dialect", d.name(), "version", schemaVersion)
	return nil
}
