package db

import (
	"context"
	"fmt"
	"sort"

	"github.com/markdave123-py/mediawhisperer/internal/config"
	"github.com/markdave123-py/mediawhisperer/internal/core"
	"github.com/markdave123-py/mediawhisperer/internal/models"
)

// NewDatabaseClient opens the store selected by cfg.DBDriver.
func NewDatabaseClient(ctx context.Context, cfg *config.Config) (core.DbClient, error) {
	if cfg == nil {
		return nil, fmt.Errorf("database client configuration is nil")
	}
	switch cfg.DBDriver {
	case config.DriverPostgres:
		return NewPostgresClient(ctx, cfg.DatabaseURL, cfg.SslCertPath)
	case config.DriverSQLite:
		return NewSQLiteClient(ctx, cfg.SQLitePath)
	case config.DriverMemory:
		return NewMemoryClient(), nil
	}
	return nil, fmt.Errorf("unknown database driver %q", cfg.DBDriver)
}

func notFound(op, what, id string) error {
	return core.Errorf(core.KindNotFound, op, "%s %s not found", what, id)
}

// rankChunks orders candidates by score descending, then seq ascending, and
// truncates to limit when limit > 0.
func rankChunks(candidates []models.ScoredChunk, limit int) []models.ScoredChunk {
	sort.SliceStable(candidates, func(i, j int) bool {
		if candidates[i].Score != candidates[j].Score {
			return candidates[i].Score > candidates[j].Score
		}
		return candidates[i].Seq < candidates[j].Seq
	})
	if limit > 0 && len(candidates) > limit {
		candidates = candidates[:limit]
	}
	return candidates
}

func statusStrings(statuses []models.DocumentStatus) []string {
	out := make([]string, len(statuses))
	for i, s := range statuses {
		out[i] = string(s)
	}
	return out
}
