package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/markdave123-py/mediawhisperer/internal/core"
	"github.com/markdave123-py/mediawhisperer/internal/models"
)

// NewSQLiteClient opens (creating if needed) a SQLite database file.
// Vectors are stored as little-endian float32 BLOBs and ranked in process.
func NewSQLiteClient(ctx context.Context, path string) (*DatabaseClient, error) {
	if path == "" {
		return nil, fmt.Errorf("sqlite path is empty")
	}
	dsn := path + "?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// A single connection serializes writers and keeps the pragmas in force.
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}
	if _, err := db.ExecContext(ctx, "PRAGMA foreign_keys = ON"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("enable foreign keys: %w", err)
	}

	d := sqliteDialect{}
	if err := EnsureBootstrapped(ctx, db, d); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("bootstrap: %w", err)
	}
	return &DatabaseClient{db: db, dialect: d}, nil
}

type sqliteDialect struct{}

func (sqliteDialect) name() string { return "sqlite" }

func (sqliteDialect) vectorArg(v []float32) any { return core.EncodeVector(v) }

func (sqliteDialect) timeArg(t time.Time) any { return t.UTC().Format(sqliteTimeLayout) }

// search loads the document's vectors and ranks them by cosine similarity.
func (sqliteDialect) search(ctx context.Context, q querier, docID string, queryVec []float32, limit int) ([]models.ScoredChunk, error) {
	const query = `
		SELECT ` + chunkColumns + `, e.embedding
		FROM chunks c
		JOIN embeddings e ON e.chunk_id = c.id
		WHERE c.document_id = $1
	`
	rows, err := q.QueryContext(ctx, query, docID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var candidates []models.ScoredChunk
	for rows.Next() {
		var blob []byte
		ch, err := scanChunk(rows, &blob)
		if err != nil {
			return nil, err
		}
		vec, err := core.DecodeVector(blob)
		if err != nil {
			return nil, fmt.Errorf("chunk %s: %w", ch.ID, err)
		}
		candidates = append(candidates, models.ScoredChunk{Chunk: ch, Score: core.Cosine(queryVec, vec)})
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return rankChunks(candidates, limit), nil
}

func (sqliteDialect) classify(op string, err error) error {
	if err == nil {
		return nil
	}
	var sqliteErr *sqlite.Error
	if errors.As(err, &sqliteErr) {
		switch sqliteErr.Code() {
		case sqlite3.SQLITE_CONSTRAINT_UNIQUE, sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY:
			return core.E(core.KindConflict, op, err)
		case sqlite3.SQLITE_CONSTRAINT_FOREIGNKEY:
			return core.E(core.KindNotFound, op, err)
		}
	}
	return fmt.Errorf("%s: %w", op, err)
}

func (sqliteDialect) metaTableExistsQuery() string {
	return `SELECT EXISTS (SELECT 1 FROM sqlite_master WHERE type = 'table' AND name = 'mediawhisperer_meta')`
}

func (sqliteDialect) bootstrapScript() string { return "scripts/initdb_sqlite.sql" }
